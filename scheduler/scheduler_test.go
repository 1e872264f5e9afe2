package scheduler

import (
	"context"
	"errors"
	"slices"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus/hooks/test"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"order-relay/domain"
)

type fakeStore struct {
	mu        sync.Mutex
	orders    map[string]domain.Order
	findErr   error
	failIDs   map[string]bool
	updates   []string
	lastAfter time.Time
}

func (f *fakeStore) FindOrders(ctx context.Context, statuses []domain.OrderStatus, createdAfter time.Time) ([]domain.Order, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.lastAfter = createdAfter
	if f.findErr != nil {
		return nil, f.findErr
	}
	var out []domain.Order
	for _, o := range f.orders {
		if slices.Contains(statuses, o.Status) && !o.CreatedAt.Before(createdAfter) {
			out = append(out, o)
		}
	}
	slices.SortFunc(out, func(a, b domain.Order) int {
		if a.ID < b.ID {
			return -1
		}
		if a.ID > b.ID {
			return 1
		}
		return 0
	})
	return out, nil
}

func (f *fakeStore) UpdateOrderStatus(ctx context.Context, id string, status domain.OrderStatus) (domain.Order, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failIDs[id] {
		return domain.Order{}, &domain.StoreError{Op: "update order", ID: id, Err: errors.New("timeout")}
	}
	o := f.orders[id]
	o.Status = status
	f.orders[id] = o
	f.updates = append(f.updates, id+":"+string(status))
	return o, nil
}

type published struct {
	order     domain.Order
	updatedBy string
	automatic bool
}

type fakePublisher struct {
	mu      sync.Mutex
	sent    []published
	panicOn map[string]bool
}

func (f *fakePublisher) PublishOrderStatus(ctx context.Context, order domain.Order, updatedBy string, automatic bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.panicOn[order.ID] {
		panic("publish " + order.ID)
	}
	f.sent = append(f.sent, published{order: order, updatedBy: updatedBy, automatic: automatic})
}

func (f *fakePublisher) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.sent)
}

var created = time.Date(2026, 6, 1, 18, 0, 0, 0, time.UTC)

func newTestScheduler(store *fakeStore, pub *fakePublisher, at time.Time) *Scheduler {
	logger, _ := test.NewNullLogger()
	s := New(store, pub, logger, Options{})
	s.now = func() time.Time { return at }
	return s
}

func TestTickProgression(t *testing.T) {
	tests := []struct {
		name    string
		status  domain.OrderStatus
		after   time.Duration
		want    domain.OrderStatus
		advance bool
	}{
		{"received at 4 minutes", domain.OrderReceived, 4 * time.Minute, domain.OrderReceived, false},
		{"received at 6 minutes", domain.OrderReceived, 6 * time.Minute, domain.OrderPreparing, true},
		{"preparing at 21 minutes", domain.OrderPreparing, 21 * time.Minute, domain.OrderReady, true},
		{"preparing at 15 minutes", domain.OrderPreparing, 15 * time.Minute, domain.OrderPreparing, false},
		{"ready stays ready", domain.OrderReady, 10 * time.Hour, domain.OrderReady, false},
		{"outside window", domain.OrderReceived, 25 * time.Hour, domain.OrderReceived, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store := &fakeStore{orders: map[string]domain.Order{
				"o1": {ID: "o1", UserID: "u1", Status: tt.status, CreatedAt: created},
			}}
			pub := &fakePublisher{}
			s := newTestScheduler(store, pub, created.Add(tt.after))

			n := s.Tick(context.Background())

			if got := store.orders["o1"].Status; got != tt.want {
				t.Fatalf("expected status %s, got %s", tt.want, got)
			}
			if tt.advance {
				if n != 1 || pub.count() != 1 {
					t.Fatalf("expected one transition and broadcast, got %d/%d", n, pub.count())
				}
				p := pub.sent[0]
				if !p.automatic || p.updatedBy != domain.SystemActor || p.order.Status != tt.want {
					t.Fatalf("unexpected publish %+v", p)
				}
			} else if n != 0 || pub.count() != 0 {
				t.Fatalf("expected no transition, got %d/%d", n, pub.count())
			}
		})
	}
}

func TestTickTransitionsExactlyOnce(t *testing.T) {
	store := &fakeStore{orders: map[string]domain.Order{
		"o1": {ID: "o1", UserID: "u1", Status: domain.OrderReceived, CreatedAt: created},
	}}
	pub := &fakePublisher{}
	s := newTestScheduler(store, pub, created.Add(6*time.Minute))

	s.Tick(context.Background())
	s.Tick(context.Background())

	if len(store.updates) != 1 || store.updates[0] != "o1:PREPARING" {
		t.Fatalf("expected a single RECEIVED->PREPARING update, got %v", store.updates)
	}

	s.now = func() time.Time { return created.Add(21 * time.Minute) }
	s.Tick(context.Background())
	s.now = func() time.Time { return created.Add(23 * time.Hour) }
	s.Tick(context.Background())

	want := []string{"o1:PREPARING", "o1:READY"}
	if !slices.Equal(store.updates, want) {
		t.Fatalf("expected %v, got %v", want, store.updates)
	}
}

func TestTickIsolatesFailures(t *testing.T) {
	store := &fakeStore{
		orders: map[string]domain.Order{
			"a": {ID: "a", UserID: "u1", Status: domain.OrderReceived, CreatedAt: created},
			"b": {ID: "b", UserID: "u2", Status: domain.OrderReceived, CreatedAt: created},
		},
		failIDs: map[string]bool{"a": true},
	}
	pub := &fakePublisher{}
	logger, hook := test.NewNullLogger()
	s := New(store, pub, logger, Options{})
	s.now = func() time.Time { return created.Add(10 * time.Minute) }

	if n := s.Tick(context.Background()); n != 1 {
		t.Fatalf("expected 1 transition, got %d", n)
	}
	if pub.count() != 1 || pub.sent[0].order.ID != "b" {
		t.Fatalf("expected broadcast for b only, got %+v", pub.sent)
	}
	if store.orders["b"].Status != domain.OrderPreparing {
		t.Fatalf("b not advanced: %s", store.orders["b"].Status)
	}
	var failed bool
	for _, e := range hook.AllEntries() {
		if e.Data["order"] == "a" && e.Message == "automatic status update failed" {
			failed = true
		}
	}
	if !failed {
		t.Fatal("expected failure for a to be logged")
	}
}

func TestTickQueryFailure(t *testing.T) {
	store := &fakeStore{findErr: errors.New("service unavailable")}
	pub := &fakePublisher{}
	logger, hook := test.NewNullLogger()
	s := New(store, pub, logger, Options{})

	if n := s.Tick(context.Background()); n != 0 {
		t.Fatalf("expected 0, got %d", n)
	}
	if e := hook.LastEntry(); e == nil || e.Message != "error in periodic order update" {
		t.Fatalf("expected query failure log, got %+v", e)
	}
}

func TestTickUsesRecencyWindow(t *testing.T) {
	store := &fakeStore{orders: map[string]domain.Order{}}
	now := created.Add(time.Hour)
	s := newTestScheduler(store, &fakePublisher{}, now)
	s.Tick(context.Background())
	if want := now.Add(-24 * time.Hour); !store.lastAfter.Equal(want) {
		t.Fatalf("expected createdAfter %v, got %v", want, store.lastAfter)
	}
}

func TestStartStop(t *testing.T) {
	store := &fakeStore{orders: map[string]domain.Order{
		"o1": {ID: "o1", UserID: "u1", Status: domain.OrderReceived, CreatedAt: created},
	}}
	pub := &fakePublisher{}
	logger, _ := test.NewNullLogger()
	s := New(store, pub, logger, Options{Interval: 10 * time.Millisecond})
	s.now = func() time.Time { return created.Add(30 * time.Minute) }

	s.Start(context.Background())
	s.Start(context.Background())
	deadline := time.Now().Add(time.Second)
	for pub.count() < 2 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	s.Stop()

	if pub.count() != 2 {
		t.Fatalf("expected RECEIVED->PREPARING->READY broadcasts, got %d", pub.count())
	}
	after := pub.count()
	time.Sleep(30 * time.Millisecond)
	if pub.count() != after {
		t.Fatal("ticks continued after Stop")
	}
	s.Stop()
}

func TestTickRecordsSpan(t *testing.T) {
	exporter := tracetest.NewInMemoryExporter()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(sdktrace.NewSimpleSpanProcessor(exporter)))
	prev := otel.GetTracerProvider()
	otel.SetTracerProvider(tp)
	defer func() {
		_ = tp.Shutdown(context.Background())
		otel.SetTracerProvider(prev)
	}()

	store := &fakeStore{orders: map[string]domain.Order{
		"o1": {ID: "o1", UserID: "u1", Status: domain.OrderReceived, CreatedAt: created},
		"o2": {ID: "o2", UserID: "u1", Status: domain.OrderReceived, CreatedAt: created.Add(9 * time.Minute)},
	}}
	s := newTestScheduler(store, &fakePublisher{}, created.Add(10*time.Minute))
	s.Tick(context.Background())

	spans := exporter.GetSpans()
	if len(spans) != 1 || spans[0].Name != "scheduler.tick" {
		t.Fatalf("unexpected spans %+v", spans)
	}
	attrs := map[attribute.Key]int64{}
	for _, kv := range spans[0].Attributes {
		attrs[kv.Key] = kv.Value.AsInt64()
	}
	if attrs["scheduler.candidates"] != 2 || attrs["scheduler.advanced"] != 1 {
		t.Fatalf("unexpected attributes %v", attrs)
	}
}

func TestTickPanicAffectsOnlyOneOrder(t *testing.T) {
	store := &fakeStore{orders: map[string]domain.Order{
		"o1": {ID: "o1", UserID: "u1", Status: domain.OrderReceived, CreatedAt: created},
		"o2": {ID: "o2", UserID: "u2", Status: domain.OrderReceived, CreatedAt: created},
		"o3": {ID: "o3", UserID: "u3", Status: domain.OrderPreparing, CreatedAt: created},
	}}
	pub := &fakePublisher{panicOn: map[string]bool{"o1": true}}
	s := newTestScheduler(store, pub, created.Add(30*time.Minute))

	n := s.Tick(context.Background())

	if n != 2 {
		t.Fatalf("expected 2 transitions, got %d", n)
	}
	if pub.count() != 2 {
		t.Fatalf("expected 2 broadcasts, got %d", pub.count())
	}
	if store.orders["o2"].Status != domain.OrderPreparing || store.orders["o3"].Status != domain.OrderReady {
		t.Fatalf("orders after the panicking one were not advanced: %+v", store.orders)
	}
}
