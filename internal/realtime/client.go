// Package realtime keeps every instance's view of observed calls in sync through a shared
// store and its change-stream.
package realtime

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/splax/callwatch/internal/domain"
	"github.com/splax/callwatch/internal/history"
	"github.com/splax/callwatch/internal/notify"
	"github.com/splax/callwatch/internal/repository"
)

var (
	// ErrNotConfigured is returned when the client has no store.
	ErrNotConfigured = errors.New("realtime: store not configured")
	// ErrClosed is returned after Close.
	ErrClosed = errors.New("realtime: client closed")
)

const (
	DefaultBacklogWindow    = 5 * time.Minute
	DefaultBacklogLimit     = 200
	DefaultReconnectInitial = time.Second
	DefaultReconnectMax     = 30 * time.Second
	DefaultReconnectJitter  = 0.2
	DefaultQueueSize        = 1024
	DefaultAppendTimeout    = 5 * time.Second
)

// Mirror receives a copy of every event the store accepted.
type Mirror interface {
	Publish(ctx context.Context, event domain.RealtimeEvent) error
}

// Options configures a Client. Zero values take the package defaults.
type Options struct {
	Store  repository.CallEventRepository
	Cache  *history.Cache
	Mirror Mirror
	Logger *slog.Logger

	BacklogWindow    time.Duration
	BacklogLimit     int
	ReconnectInitial time.Duration
	ReconnectMax     time.Duration
	ReconnectJitter  float64
	QueueSize        int
	AppendTimeout    time.Duration

	// OnDrop is called when an event is discarded because the append queue is full.
	OnDrop func()
}

// Client appends local observations to the shared store and mirrors the change-stream into
// the history cache.
type Client struct {
	opts   Options
	store  repository.CallEventRepository
	cache  *history.Cache
	logger *slog.Logger

	state   atomic.Int32
	states  *notify.Registry[State]
	events  *notify.Registry[[]domain.RealtimeEvent]
	dropped atomic.Int64

	// emitMu guards cache changes, their notifications, unechoed and stale.
	emitMu sync.Mutex
	// epoch counts Forget calls; appends queued under an older epoch are discarded.
	epoch atomic.Uint64
	// unechoed holds ids this client stored whose change-stream copy has not arrived yet.
	unechoed map[string]struct{}
	// stale holds ids stored before the last Forget that must stay out of history.
	stale map[string]struct{}

	mu      sync.Mutex
	running bool
	closed  bool
	cancel  context.CancelFunc
	done    chan struct{}

	queueMu   sync.RWMutex
	queue     chan appendJob
	queueDone chan struct{}
	queueShut bool
}

// appendJob is one unit of work for the append worker: an event to store, or a request to
// clear the store once everything queued ahead of it has been handled.
type appendJob struct {
	event domain.RealtimeEvent
	epoch uint64

	clearCtx context.Context
	cleared  chan error
}

// New builds a Client. The append worker starts immediately when a store is configured; the
// change-stream subscription starts with Start.
func New(opts Options) *Client {
	if opts.Cache == nil {
		opts.Cache = history.NewCache(history.DefaultCapacity)
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.BacklogWindow <= 0 {
		opts.BacklogWindow = DefaultBacklogWindow
	}
	if opts.BacklogLimit <= 0 {
		opts.BacklogLimit = DefaultBacklogLimit
	}
	if opts.ReconnectInitial <= 0 {
		opts.ReconnectInitial = DefaultReconnectInitial
	}
	if opts.ReconnectMax < opts.ReconnectInitial {
		opts.ReconnectMax = DefaultReconnectMax
		if opts.ReconnectMax < opts.ReconnectInitial {
			opts.ReconnectMax = opts.ReconnectInitial
		}
	}
	if opts.ReconnectJitter < 0 || opts.ReconnectJitter > 1 {
		opts.ReconnectJitter = DefaultReconnectJitter
	}
	if opts.QueueSize <= 0 {
		opts.QueueSize = DefaultQueueSize
	}
	if opts.AppendTimeout <= 0 {
		opts.AppendTimeout = DefaultAppendTimeout
	}
	logger := opts.Logger.With("component", "realtime")
	c := &Client{
		opts:   opts,
		store:  opts.Store,
		cache:  opts.Cache,
		logger: logger,
		unechoed: make(map[string]struct{}),
		stale:    make(map[string]struct{}),
		states: notify.NewRegistry[State](logger),
		events: notify.NewRegistry[[]domain.RealtimeEvent](logger),
	}
	if c.store != nil {
		c.queue = make(chan appendJob, opts.QueueSize)
		c.queueDone = make(chan struct{})
		go c.appendLoop()
	}
	return c
}

// Configured reports whether a store is attached.
func (c *Client) Configured() bool { return c.store != nil }

// State returns the current connection state.
func (c *Client) State() State { return State(c.state.Load()) }

// Dropped reports how many events were discarded by a full append queue.
func (c *Client) Dropped() int64 { return c.dropped.Load() }

// Cache exposes the history cache the change-stream feeds.
func (c *Client) Cache() *history.Cache { return c.cache }

// SubscribeState registers fn for connection state changes.
func (c *Client) SubscribeState(fn func(State)) func() { return c.states.Subscribe(fn) }

// SubscribeEvents registers fn for history changes. fn receives the full history,
// newest first.
func (c *Client) SubscribeEvents(fn func([]domain.RealtimeEvent)) func() {
	return c.events.Subscribe(fn)
}

// Start opens the change-stream subscription in the background. It is a no-op while the
// sync loop is already running.
func (c *Client) Start(ctx context.Context) error {
	if c.store == nil {
		return ErrNotConfigured
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrClosed
	}
	if c.running {
		return nil
	}
	runCtx, cancel := context.WithCancel(ctx)
	c.running = true
	c.cancel = cancel
	c.done = make(chan struct{})
	c.setState(StateConnecting)
	go c.run(runCtx, c.done)
	return nil
}

func (c *Client) run(ctx context.Context, done chan struct{}) {
	defer close(done)
	defer func() {
		c.setState(StateDisconnected)
		c.mu.Lock()
		c.running = false
		c.mu.Unlock()
	}()

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = c.opts.ReconnectInitial
	bo.MaxInterval = c.opts.ReconnectMax
	bo.RandomizationFactor = c.opts.ReconnectJitter
	bo.Multiplier = 2
	bo.MaxElapsedTime = 0
	bo.Reset()

	for {
		c.setState(StateConnecting)
		err := c.store.ListenCallEvents(ctx, func() {
			bo.Reset()
			c.setState(StateConnected)
			c.logger.Info("change-stream connected")
			c.seed(ctx)
		}, c.deliver)
		if ctx.Err() != nil {
			return
		}
		c.setState(StateDisconnected)
		wait := bo.NextBackOff()
		c.logger.Warn("change-stream lost, running local-only", "error", err, "retry_in", wait)

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
	}
}

func (c *Client) seed(ctx context.Context) {
	events, err := c.store.ListRecentCallEvents(ctx, c.opts.BacklogWindow, c.opts.BacklogLimit)
	if err != nil {
		c.logger.Warn("backlog fetch failed", "error", err)
		return
	}
	c.emitMu.Lock()
	defer c.emitMu.Unlock()
	if len(c.stale) > 0 {
		kept := events[:0]
		for _, e := range events {
			if _, ok := c.stale[e.ID]; !ok {
				kept = append(kept, e)
			}
		}
		events = kept
	}
	if added := c.cache.Seed(events); added > 0 {
		c.logger.Debug("history seeded", "events", added)
		c.events.Notify(c.cache.Snapshot())
	}
}

func (c *Client) deliver(event domain.RealtimeEvent) {
	c.emitMu.Lock()
	defer c.emitMu.Unlock()
	if _, ok := c.stale[event.ID]; ok {
		delete(c.stale, event.ID)
		return
	}
	delete(c.unechoed, event.ID)
	if c.cache.Push(event) {
		c.events.Notify(c.cache.Snapshot())
	}
}

func (c *Client) setState(s State) {
	if State(c.state.Swap(int32(s))) != s {
		c.states.Notify(s)
	}
}

// Append queues event for the store without blocking. It reports false when the event was
// not queued.
func (c *Client) Append(event domain.RealtimeEvent) bool {
	if c.store == nil {
		return false
	}
	c.queueMu.RLock()
	defer c.queueMu.RUnlock()
	if c.queueShut {
		return false
	}
	select {
	case c.queue <- appendJob{event: event, epoch: c.epoch.Load()}:
		return true
	default:
		c.dropped.Add(1)
		if c.opts.OnDrop != nil {
			c.opts.OnDrop()
		}
		c.logger.Warn("append queue full, dropping event", "id", event.ID)
		return false
	}
}

func (c *Client) appendLoop() {
	defer close(c.queueDone)
	for job := range c.queue {
		if job.cleared != nil {
			job.cleared <- c.store.ClearCallEvents(job.clearCtx)
			continue
		}
		if job.epoch != c.epoch.Load() {
			// observed before a clear
			continue
		}
		c.write(job)
	}
}

func (c *Client) write(job appendJob) {
	ctx, cancel := context.WithTimeout(context.Background(), c.opts.AppendTimeout)
	defer cancel()
	stored, err := c.store.AppendCallEvent(ctx, job.event)
	if err != nil {
		c.logger.Warn("append failed", "id", job.event.ID, "error", err)
		return
	}
	c.track(stored.ID, job.epoch)
	if c.opts.Mirror != nil {
		if err := c.opts.Mirror.Publish(ctx, stored); err != nil {
			c.logger.Warn("mirror publish failed", "id", stored.ID, "error", err)
		}
	}
}

// track remembers a stored id until its change-stream copy arrives, so a Forget in between
// can keep it out of history. An id stored after a Forget began is dropped right away.
func (c *Client) track(id string, epoch uint64) {
	c.emitMu.Lock()
	defer c.emitMu.Unlock()
	if epoch != c.epoch.Load() {
		c.stale[id] = struct{}{}
		if c.cache.Remove(id) {
			c.events.Notify(c.cache.Snapshot())
		}
		return
	}
	if c.State() != StateConnected {
		return
	}
	if len(c.unechoed) >= c.opts.QueueSize {
		// the stream is far behind; stop tracking rather than grow without bound
		c.unechoed = make(map[string]struct{})
	}
	c.unechoed[id] = struct{}{}
}

// FetchRecent returns stored events from the last windowMinutes, newest first, capped at
// limit. Non-positive arguments take the configured backlog defaults.
func (c *Client) FetchRecent(ctx context.Context, windowMinutes, limit int) ([]domain.RealtimeEvent, error) {
	if c.store == nil {
		return nil, ErrNotConfigured
	}
	window := time.Duration(windowMinutes) * time.Minute
	if window <= 0 {
		window = c.opts.BacklogWindow
	}
	if limit <= 0 {
		limit = c.opts.BacklogLimit
	}
	return c.store.ListRecentCallEvents(ctx, window, limit)
}

// History returns the cached events, newest first.
func (c *Client) History() []domain.RealtimeEvent {
	return c.cache.Snapshot()
}

// ClearLocal empties the history cache and notifies event subscribers.
func (c *Client) ClearLocal() {
	c.emitMu.Lock()
	defer c.emitMu.Unlock()
	c.cache.Clear()
	c.events.Notify(c.cache.Snapshot())
}

// Forget empties the history cache like ClearLocal and fences off this client's earlier
// appends: queued ones are discarded, and ones already stored stay out of history even if
// their change-stream copy is still on the way.
func (c *Client) Forget() {
	c.emitMu.Lock()
	defer c.emitMu.Unlock()
	c.epoch.Add(1)
	c.stale = c.unechoed
	c.unechoed = make(map[string]struct{})
	c.cache.Clear()
	c.events.Notify(c.cache.Snapshot())
}

// ClearRemote deletes every stored event. The delete runs on the append worker, after any
// append already in progress, so no earlier local event lands in the store afterwards.
func (c *Client) ClearRemote(ctx context.Context) error {
	if c.store == nil {
		return ErrNotConfigured
	}
	cleared := make(chan error, 1)
	if err := c.enqueueClear(ctx, cleared); err != nil {
		return err
	}
	select {
	case err := <-cleared:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *Client) enqueueClear(ctx context.Context, cleared chan error) error {
	c.queueMu.RLock()
	defer c.queueMu.RUnlock()
	if c.queueShut {
		return ErrClosed
	}
	select {
	case c.queue <- appendJob{clearCtx: ctx, cleared: cleared}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Stop ends the change-stream subscription and waits for the sync loop to exit.
// Start may be called again afterwards.
func (c *Client) Stop() {
	c.mu.Lock()
	cancel, done := c.cancel, c.done
	c.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	<-done
}

// Close stops the sync loop, drains queued appends and rejects further work.
func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.mu.Unlock()

	c.Stop()
	if c.queue != nil {
		c.queueMu.Lock()
		c.queueShut = true
		close(c.queue)
		c.queueMu.Unlock()
		<-c.queueDone
	}
	return nil
}
