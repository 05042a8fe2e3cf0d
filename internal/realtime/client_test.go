package realtime

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/splax/callwatch/internal/domain"
	"github.com/splax/callwatch/internal/history"
	"github.com/splax/callwatch/internal/repository/memory"
	"github.com/splax/callwatch/pkg/logger"
)

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func newEvent(i int) domain.RealtimeEvent {
	return domain.RealtimeEvent{
		ID:       fmt.Sprintf("evt-%04d", i),
		PCName:   "pc-x",
		Backend:  "CONTRATOS",
		Endpoint: "/desembolso",
		UserName: "ana",
		Status:   domain.StatusSuccess,
		Duration: float64(i),
	}
}

// storeClock is a settable clock for the shared store.
type storeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *storeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *storeClock) Set(t time.Time) {
	c.mu.Lock()
	c.t = t
	c.mu.Unlock()
}

func newTestClient(store *memory.Broker) *Client {
	return New(Options{
		Store:            store,
		Cache:            history.NewCache(200),
		Logger:           logger.Discard(),
		ReconnectInitial: time.Millisecond,
		ReconnectMax:     5 * time.Millisecond,
	})
}

func TestConnectedInstanceReceivesRemoteEvents(t *testing.T) {
	broker := memory.NewBroker()
	x, y := newTestClient(broker), newTestClient(broker)
	defer x.Close()
	defer y.Close()

	ctx := context.Background()
	if err := x.Start(ctx); err != nil {
		t.Fatalf("start x: %v", err)
	}
	if err := y.Start(ctx); err != nil {
		t.Fatalf("start y: %v", err)
	}
	waitFor(t, "both connected", func() bool {
		return x.State() == StateConnected && y.State() == StateConnected
	})

	var (
		mu       sync.Mutex
		received []domain.RealtimeEvent
	)
	y.SubscribeEvents(func(events []domain.RealtimeEvent) {
		mu.Lock()
		received = events
		mu.Unlock()
	})

	if !x.Append(newEvent(1)) {
		t.Fatal("append was not queued")
	}
	waitFor(t, "event on y", func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(received) == 1 && received[0].ID == "evt-0001"
	})
	waitFor(t, "echo on x", func() bool { return x.Cache().Len() == 1 })
}

func TestFreshInstanceSeedsFromBacklog(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	clock := &storeClock{}
	broker := memory.NewBroker(memory.WithClock(clock.Now))
	clock.Set(now.Add(-10 * time.Minute))
	_, _ = broker.AppendCallEvent(ctx, newEvent(0))
	for i := 250; i >= 1; i-- {
		clock.Set(now.Add(-time.Duration(i) * time.Second))
		_, _ = broker.AppendCallEvent(ctx, newEvent(i))
	}
	clock.Set(now)

	y := newTestClient(broker)
	defer y.Close()
	if err := y.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}
	waitFor(t, "seeded cache", func() bool { return y.Cache().Len() == 200 })

	recent, err := y.FetchRecent(ctx, 5, 200)
	if err != nil {
		t.Fatalf("fetch recent: %v", err)
	}
	if len(recent) != 200 {
		t.Fatalf("expected 200 events, got %d", len(recent))
	}
	if recent[0].ID != "evt-0001" {
		t.Fatalf("expected newest first, got %s", recent[0].ID)
	}
	for _, e := range recent {
		if e.ID == "evt-0000" {
			t.Fatal("event outside the window was returned")
		}
	}
}

func TestStartIsIdempotent(t *testing.T) {
	broker := memory.NewBroker()
	c := newTestClient(broker)
	defer c.Close()
	for i := 0; i < 3; i++ {
		if err := c.Start(context.Background()); err != nil {
			t.Fatalf("start: %v", err)
		}
	}
	waitFor(t, "connected", func() bool { return c.State() == StateConnected })
	if n := broker.Listeners(); n != 1 {
		t.Fatalf("expected a single subscription, got %d", n)
	}
}

func TestReconnectsAfterOutage(t *testing.T) {
	broker := memory.NewBroker()
	c := newTestClient(broker)
	defer c.Close()

	var (
		mu     sync.Mutex
		states []State
	)
	c.SubscribeState(func(s State) {
		mu.Lock()
		states = append(states, s)
		mu.Unlock()
	})
	if err := c.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	waitFor(t, "connected", func() bool { return c.State() == StateConnected })

	broker.SetFailure(errors.New("store offline"))
	waitFor(t, "disconnected", func() bool { return c.State() != StateConnected })

	broker.SetFailure(nil)
	_, _ = broker.AppendCallEvent(context.Background(), newEvent(7))
	waitFor(t, "reconnected", func() bool { return c.State() == StateConnected })
	waitFor(t, "re-seeded", func() bool { return c.Cache().Len() == 1 })

	mu.Lock()
	defer mu.Unlock()
	var sawDisconnect bool
	for _, s := range states {
		if s == StateDisconnected {
			sawDisconnect = true
		}
	}
	if !sawDisconnect {
		t.Fatalf("expected a disconnected transition, got %v", states)
	}
}

type blockingStore struct {
	*memory.Broker
	release chan struct{}
	entered chan string
}

func (s *blockingStore) AppendCallEvent(ctx context.Context, e domain.RealtimeEvent) (domain.RealtimeEvent, error) {
	if s.entered != nil {
		s.entered <- e.ID
	}
	select {
	case <-s.release:
	case <-ctx.Done():
		return domain.RealtimeEvent{}, ctx.Err()
	}
	return s.Broker.AppendCallEvent(ctx, e)
}

func TestAppendDropsWhenQueueFull(t *testing.T) {
	store := &blockingStore{Broker: memory.NewBroker(), release: make(chan struct{})}
	var drops int
	c := New(Options{
		Store:     store,
		Logger:    logger.Discard(),
		QueueSize: 1,
		OnDrop:    func() { drops++ },
	})

	accepted := 0
	for i := 0; i < 5; i++ {
		if c.Append(newEvent(i)) {
			accepted++
		}
	}
	if accepted > 2 || accepted == 0 {
		t.Fatalf("expected at most two queued events, got %d", accepted)
	}
	if int64(drops) != c.Dropped() || drops != 5-accepted {
		t.Fatalf("drop accounting mismatch: hook %d, counter %d", drops, c.Dropped())
	}

	close(store.release)
	if err := c.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if store.Len() != accepted {
		t.Fatalf("expected %d stored events, got %d", accepted, store.Len())
	}
	if c.Append(newEvent(99)) {
		t.Fatal("append after close should be rejected")
	}
}

func TestUnconfiguredClient(t *testing.T) {
	c := New(Options{Logger: logger.Discard()})
	defer c.Close()
	if err := c.Start(context.Background()); !errors.Is(err, ErrNotConfigured) {
		t.Fatalf("expected ErrNotConfigured, got %v", err)
	}
	if _, err := c.FetchRecent(context.Background(), 5, 10); !errors.Is(err, ErrNotConfigured) {
		t.Fatalf("expected ErrNotConfigured, got %v", err)
	}
	if c.Append(newEvent(1)) {
		t.Fatal("append without a store should report false")
	}
	if c.State() != StateDisconnected {
		t.Fatalf("unexpected state %s", c.State())
	}
}

func TestStartAfterClose(t *testing.T) {
	c := newTestClient(memory.NewBroker())
	_ = c.Close()
	if err := c.Start(context.Background()); !errors.Is(err, ErrClosed) {
		t.Fatalf("expected ErrClosed, got %v", err)
	}
}

func TestBacklogUsesStoreClockNotInstanceClock(t *testing.T) {
	ctx := context.Background()
	broker := memory.NewBroker()
	// the writer's own clock is far behind; the event it sends carries that time
	skewed := newEvent(1)
	skewed.CreatedAt = time.Now().Add(-10 * time.Minute)

	x := newTestClient(broker)
	defer x.Close()
	if !x.Append(skewed) {
		t.Fatal("append was not queued")
	}
	waitFor(t, "stored", func() bool { return broker.Len() == 1 })

	y := newTestClient(broker)
	defer y.Close()
	recent, err := y.FetchRecent(ctx, 5, 200)
	if err != nil {
		t.Fatalf("fetch recent: %v", err)
	}
	if len(recent) != 1 || recent[0].ID != skewed.ID {
		t.Fatalf("expected the just-stored event in the backlog, got %+v", recent)
	}
	if recent[0].CreatedAt.Before(time.Now().Add(-time.Minute)) {
		t.Fatalf("created_at should come from the store, got %s", recent[0].CreatedAt)
	}
}

func TestClearDiscardsPendingAppends(t *testing.T) {
	store := &blockingStore{
		Broker:  memory.NewBroker(),
		release: make(chan struct{}),
		entered: make(chan string, 8),
	}
	c := New(Options{
		Store:            store,
		Cache:            history.NewCache(200),
		Logger:           logger.Discard(),
		ReconnectInitial: time.Millisecond,
	})
	defer c.Close()
	if err := c.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	waitFor(t, "connected", func() bool { return c.State() == StateConnected })

	c.Append(newEvent(1))
	if id := <-store.entered; id != "evt-0001" {
		t.Fatalf("unexpected in-flight event %s", id)
	}
	c.Append(newEvent(2))
	c.Append(newEvent(3))

	c.Forget()
	cleared := make(chan error, 1)
	go func() { cleared <- c.ClearRemote(context.Background()) }()
	close(store.release)
	if err := <-cleared; err != nil {
		t.Fatalf("clear remote: %v", err)
	}
	if n := store.Len(); n != 0 {
		t.Fatalf("expected an empty store after clear, got %d events", n)
	}
	time.Sleep(20 * time.Millisecond)
	if n := c.Cache().Len(); n != 0 {
		t.Fatalf("events observed before the clear came back into history: %+v", c.History())
	}

	c.Append(newEvent(4))
	waitFor(t, "post-clear event", func() bool { return c.Cache().Len() == 1 })
}
