package subscription

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus/hooks/test"
)

type announcement struct {
	event string
	data  string
}

type fakeAnnouncer struct {
	mu  sync.Mutex
	got []announcement
}

func (f *fakeAnnouncer) Announce(_ context.Context, event string, data json.RawMessage) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.got = append(f.got, announcement{event: event, data: string(data)})
	return nil
}

func (f *fakeAnnouncer) snapshot() []announcement {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]announcement(nil), f.got...)
}

func TestSubscribeAnnouncements(t *testing.T) {
	m, err := miniredis.Run()
	if err != nil {
		t.Fatalf("start miniredis: %v", err)
	}
	defer m.Close()
	rc := redis.NewClient(&redis.Options{Addr: m.Addr()})
	defer rc.Close()

	logger, hook := test.NewNullLogger()
	announcer := &fakeAnnouncer{}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		SubscribeAnnouncements(ctx, logger, rc, "chan", announcer)
		close(done)
	}()
	// wait for subscription to start
	time.Sleep(50 * time.Millisecond)

	if err := rc.Publish(context.Background(), "chan", "not json").Err(); err != nil {
		t.Fatalf("publish: %v", err)
	}
	payload := `{"event":"new-order","data":{"id":"o1","total":12.5}}`
	if err := rc.Publish(context.Background(), "chan", payload).Err(); err != nil {
		t.Fatalf("publish: %v", err)
	}
	time.Sleep(100 * time.Millisecond)

	got := announcer.snapshot()
	if len(got) != 1 {
		t.Fatalf("expected 1 announcement, got %d", len(got))
	}
	if got[0].event != "new-order" || got[0].data != `{"id":"o1","total":12.5}` {
		t.Fatalf("unexpected announcement %+v", got[0])
	}
	entries := hook.AllEntries()
	if len(entries) == 0 || entries[0].Message != "unable to parse announcement" {
		t.Fatalf("expected parse error to be logged")
	}

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("SubscribeAnnouncements did not exit")
	}
}
