// Package memory provides an in-process call event store shared by every monitor that holds
// the same Broker. It backs single-node deployments and multi-instance tests.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/splax/callwatch/internal/domain"
	"github.com/splax/callwatch/internal/repository"
)

const subscriberBuffer = 1024

type subscriber struct {
	events chan domain.RealtimeEvent
	kill   chan error
}

// Broker is an append-only event log with live fan-out. Its own clock stamps created_at.
type Broker struct {
	mu      sync.Mutex
	now     func() time.Time
	events  []domain.RealtimeEvent
	ids     map[string]domain.RealtimeEvent
	subs    map[*subscriber]struct{}
	failure error
}

// Option configures a Broker.
type Option func(*Broker)

// WithClock replaces the broker's clock.
func WithClock(now func() time.Time) Option {
	return func(b *Broker) { b.now = now }
}

// NewBroker returns an empty broker.
func NewBroker(opts ...Option) *Broker {
	b := &Broker{
		now:  time.Now,
		ids:  make(map[string]domain.RealtimeEvent),
		subs: make(map[*subscriber]struct{}),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

var _ repository.CallEventRepository = (*Broker)(nil)

// SetFailure makes every operation return err and drops live listeners, simulating an
// unreachable store. A nil err restores service.
func (b *Broker) SetFailure(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failure = err
	if err == nil {
		return
	}
	for sub := range b.subs {
		select {
		case sub.kill <- err:
		default:
		}
		delete(b.subs, sub)
	}
}

// Listeners reports how many change-stream subscriptions are live.
func (b *Broker) Listeners() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs)
}

// Len reports how many events are stored.
func (b *Broker) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.events)
}

// AppendCallEvent stamps the event with the broker's time, stores it and delivers it to
// every listener. A repeated id returns the stored copy.
func (b *Broker) AppendCallEvent(ctx context.Context, event domain.RealtimeEvent) (domain.RealtimeEvent, error) {
	if err := ctx.Err(); err != nil {
		return domain.RealtimeEvent{}, err
	}
	if err := repository.ValidateCallEvent(event); err != nil {
		return domain.RealtimeEvent{}, err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.failure != nil {
		return domain.RealtimeEvent{}, b.failure
	}
	if stored, dup := b.ids[event.ID]; dup {
		return stored, nil
	}
	event.CreatedAt = b.now().UTC()
	b.ids[event.ID] = event
	b.events = append(b.events, event)
	for sub := range b.subs {
		select {
		case sub.events <- event:
		default:
			// slow listener; it will recover through the backlog fetch on reconnect
		}
	}
	return event, nil
}

// ListRecentCallEvents returns events created within window of the broker's clock, newest
// first.
func (b *Broker) ListRecentCallEvents(ctx context.Context, window time.Duration, limit int) ([]domain.RealtimeEvent, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	b.mu.Lock()
	if b.failure != nil {
		err := b.failure
		b.mu.Unlock()
		return nil, err
	}
	since := b.now().Add(-window)
	out := make([]domain.RealtimeEvent, 0)
	for _, e := range b.events {
		if !e.CreatedAt.Before(since) {
			out = append(out, e)
		}
	}
	b.mu.Unlock()

	sort.SliceStable(out, func(i, j int) bool { return out[i].Newer(out[j]) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// ListenCallEvents delivers appended events until ctx ends or SetFailure drops the listener.
func (b *Broker) ListenCallEvents(ctx context.Context, ready func(), handle func(domain.RealtimeEvent)) error {
	sub := &subscriber{
		events: make(chan domain.RealtimeEvent, subscriberBuffer),
		kill:   make(chan error, 1),
	}
	b.mu.Lock()
	if b.failure != nil {
		err := b.failure
		b.mu.Unlock()
		return err
	}
	b.subs[sub] = struct{}{}
	b.mu.Unlock()
	defer func() {
		b.mu.Lock()
		delete(b.subs, sub)
		b.mu.Unlock()
	}()

	if ready != nil {
		ready()
	}
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case err := <-sub.kill:
			return err
		case event := <-sub.events:
			handle(event)
		}
	}
}

// ClearCallEvents drops every stored event.
func (b *Broker) ClearCallEvents(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.failure != nil {
		return b.failure
	}
	b.events = nil
	b.ids = make(map[string]domain.RealtimeEvent)
	return nil
}

// PruneCallEvents drops events older than maxAge by the broker's clock.
func (b *Broker) PruneCallEvents(ctx context.Context, maxAge time.Duration) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.failure != nil {
		return 0, b.failure
	}
	cutoff := b.now().Add(-maxAge)
	kept := b.events[:0]
	var removed int64
	for _, e := range b.events {
		if e.CreatedAt.Before(cutoff) {
			delete(b.ids, e.ID)
			removed++
			continue
		}
		kept = append(kept, e)
	}
	b.events = kept
	return removed, nil
}
