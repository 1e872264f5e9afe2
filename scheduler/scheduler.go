package scheduler

import (
	"context"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"order-relay/domain"
)

const (
	DefaultInterval = time.Minute
	DefaultWindow   = 24 * time.Hour
)

// Store is the record access the scheduler needs.
type Store interface {
	FindOrders(ctx context.Context, statuses []domain.OrderStatus, createdAfter time.Time) ([]domain.Order, error)
	UpdateOrderStatus(ctx context.Context, id string, status domain.OrderStatus) (domain.Order, error)
}

// Publisher announces an order change to connected clients.
type Publisher interface {
	PublishOrderStatus(ctx context.Context, order domain.Order, updatedBy string, automatic bool)
}

type Options struct {
	Interval time.Duration
	Window   time.Duration
}

// Scheduler periodically advances pending orders whose elapsed time crossed
// a threshold. Only one instance may run against a given store; there is no
// cross-process lock.
type Scheduler struct {
	store    Store
	pub      Publisher
	logger   *log.Logger
	interval time.Duration
	window   time.Duration
	now      func() time.Time

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

func New(store Store, pub Publisher, logger *log.Logger, opts Options) *Scheduler {
	if store == nil || pub == nil {
		panic("scheduler.New: store and publisher are required")
	}
	if logger == nil {
		panic("scheduler.New: logger is nil")
	}
	if opts.Interval <= 0 {
		opts.Interval = DefaultInterval
	}
	if opts.Window <= 0 {
		opts.Window = DefaultWindow
	}
	return &Scheduler{
		store:    store,
		pub:      pub,
		logger:   logger,
		interval: opts.Interval,
		window:   opts.Window,
		now:      time.Now,
	}
}

// Start runs Tick every interval until Stop is called or ctx is cancelled.
// Calling Start on a running scheduler is a no-op.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancel != nil {
		return
	}
	ctx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.done = make(chan struct{})
	go s.run(ctx, s.done)
	s.logger.WithFields(log.Fields{"interval": s.interval, "window": s.window}).Info("status progression started")
}

func (s *Scheduler) run(ctx context.Context, done chan struct{}) {
	defer close(done)
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			// A tick is not cut short by shutdown so every update gets its broadcast.
			s.Tick(context.WithoutCancel(ctx))
		}
	}
}

// Stop prevents further ticks and waits for an in-flight tick to finish.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	cancel, done := s.cancel, s.done
	s.cancel, s.done = nil, nil
	s.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	<-done
	s.logger.Info("status progression stopped")
}

// Tick evaluates every pending order once and returns how many were advanced.
// Failures are logged; one bad record does not stop the rest.
func (s *Scheduler) Tick(ctx context.Context) (advanced int) {
	ctx, span := otel.Tracer("order-relay/scheduler").Start(ctx, "scheduler.tick")
	defer span.End()

	now := s.now()
	orders, err := s.store.FindOrders(ctx, domain.PendingOrderStatuses, now.Add(-s.window))
	if err != nil {
		s.logger.WithError(err).Error("error in periodic order update")
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return 0
	}
	span.SetAttributes(attribute.Int("scheduler.candidates", len(orders)))

	failed := 0
	for _, o := range orders {
		switch s.advance(ctx, o, now) {
		case advanceDone:
			advanced++
		case advanceFailed:
			failed++
		}
	}

	span.SetAttributes(
		attribute.Int("scheduler.advanced", advanced),
		attribute.Int("scheduler.failed", failed),
	)
	if failed > 0 {
		span.SetStatus(codes.Error, "some updates failed")
	}
	return advanced
}

type advanceResult int

const (
	advanceSkipped advanceResult = iota
	advanceDone
	advanceFailed
)

// advance moves one order to its next status and publishes the change. A
// panic is confined to the order that caused it.
func (s *Scheduler) advance(ctx context.Context, o domain.Order, now time.Time) (res advanceResult) {
	defer func() {
		if p := recover(); p != nil {
			s.logger.WithField("order", o.ID).Errorf("status progression panic: %v", p)
			res = advanceFailed
		}
	}()

	next, ok := domain.NextOrderStatus(o.Status, now.Sub(o.CreatedAt))
	if !ok {
		return advanceSkipped
	}
	updated, err := s.store.UpdateOrderStatus(ctx, o.ID, next)
	if err != nil {
		s.logger.WithError(err).WithFields(log.Fields{"order": o.ID, "status": next}).Error("automatic status update failed")
		return advanceFailed
	}
	s.pub.PublishOrderStatus(ctx, updated, domain.SystemActor, true)
	s.logger.WithFields(log.Fields{"order": o.ID, "from": o.Status, "status": next}).Info("order automatically updated")
	return advanceDone
}
