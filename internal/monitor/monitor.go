// Package monitor is the service object applications construct once at bootstrap: it owns
// the interceptor, the aggregate table, the realtime sync client and their subscribers.
package monitor

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/splax/callwatch/internal/domain"
	"github.com/splax/callwatch/internal/history"
	"github.com/splax/callwatch/internal/intercept"
	"github.com/splax/callwatch/internal/metrics"
	"github.com/splax/callwatch/internal/notify"
	"github.com/splax/callwatch/internal/realtime"
	"github.com/splax/callwatch/internal/repository"
)

const defaultClearTimeout = 5 * time.Second

// Identity resolves the names attached to every observation.
type Identity interface {
	PCName() string
	User() string
}

// Options wires a Monitor. Only Identity is required; without a Store the monitor runs
// local-only.
type Options struct {
	Identity  Identity
	Store     repository.CallEventRepository
	Mirror    realtime.Mirror
	Backends  *intercept.BackendMap
	Navigator *intercept.Navigator
	// Skip excludes requests from measurement, e.g. the store's own HTTP traffic.
	Skip func(*http.Request) bool

	HistorySize      int
	BacklogWindow    time.Duration
	BacklogLimit     int
	ReconnectInitial time.Duration
	ReconnectMax     time.Duration
	ReconnectJitter  float64
	QueueSize        int
	AppendTimeout    time.Duration
	ClearTimeout     time.Duration

	Registerer prometheus.Registerer
	Logger     *slog.Logger
	Now        func() time.Time
	NewID      func() string
}

// Monitor observes outbound calls and keeps local and fleet-wide views of them.
type Monitor struct {
	logger    *slog.Logger
	identity  Identity
	navigator *intercept.Navigator
	now       func() time.Time
	newID     func() string

	aggregator *metrics.Aggregator
	// metricsMu orders record-then-notify so subscribers see snapshots in settle order.
	metricsMu   sync.Mutex
	metricsSubs *notify.Registry[[]domain.AggregateMetric]

	installer    *intercept.Installer
	collectors   *metrics.Collectors
	client       *realtime.Client
	clearTimeout time.Duration
	background   sync.WaitGroup
}

// New constructs a Monitor. Nothing is intercepted until Install is called.
func New(opts Options) *Monitor {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.NewID == nil {
		opts.NewID = newEventID
	}
	if opts.Navigator == nil {
		opts.Navigator = &intercept.Navigator{}
	}
	if opts.ClearTimeout <= 0 {
		opts.ClearTimeout = defaultClearTimeout
	}

	m := &Monitor{
		logger:       logger.With("component", "monitor"),
		identity:     opts.Identity,
		navigator:    opts.Navigator,
		now:          opts.Now,
		newID:        opts.NewID,
		aggregator:   metrics.NewAggregator(opts.Now),
		metricsSubs:  notify.NewRegistry[[]domain.AggregateMetric](logger),
		clearTimeout: opts.ClearTimeout,
	}
	m.installer = intercept.NewInstaller(intercept.Options{
		Observer:  m,
		Identity:  opts.Identity,
		Backends:  opts.Backends,
		Navigator: opts.Navigator,
		Skip:      opts.Skip,
		Logger:    logger,
		Now:       opts.Now,
	})
	m.collectors = metrics.NewCollectors(opts.Registerer, func() float64 {
		return float64(m.installer.InFlight())
	})
	m.client = realtime.New(realtime.Options{
		Store:            opts.Store,
		Cache:            history.NewCache(opts.HistorySize),
		Mirror:           opts.Mirror,
		Logger:           logger,
		BacklogWindow:    opts.BacklogWindow,
		BacklogLimit:     opts.BacklogLimit,
		ReconnectInitial: opts.ReconnectInitial,
		ReconnectMax:     opts.ReconnectMax,
		ReconnectJitter:  opts.ReconnectJitter,
		QueueSize:        opts.QueueSize,
		AppendTimeout:    opts.AppendTimeout,
		OnDrop:           m.collectors.Dropped,
	})
	return m
}

func newEventID() string {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.NewString()
	}
	return id.String()
}

// Install instruments client. It returns false if this monitor already instrumented a client
// or the client is already instrumented.
func (m *Monitor) Install(client *http.Client) bool {
	ok := m.installer.Install(client)
	if ok {
		m.logger.Info("http client instrumented")
	}
	return ok
}

// InstallDefault instruments http.DefaultClient.
func (m *Monitor) InstallDefault() bool {
	return m.Install(http.DefaultClient)
}

// Observe folds a settled call into the local table, notifies metric subscribers and hands
// the call to the realtime client. It is the interceptor's observer.
func (m *Monitor) Observe(obs domain.Observation) {
	m.metricsMu.Lock()
	m.aggregator.Record(obs)
	m.metricsSubs.Notify(m.aggregator.Snapshot())
	m.metricsMu.Unlock()

	if m.client.Configured() {
		m.client.Append(domain.EventFromObservation(m.newID(), obs))
	}
	m.collectors.Observe(obs)
}

// SetPage records the page the user is on; calls without a page in their context use it.
func (m *Monitor) SetPage(page string) {
	m.navigator.SetPage(page)
}

// SubscribeMetrics registers fn for aggregate table changes.
func (m *Monitor) SubscribeMetrics(fn func([]domain.AggregateMetric)) func() {
	return m.metricsSubs.Subscribe(fn)
}

// SubscribeRealtime registers fn for realtime history changes.
func (m *Monitor) SubscribeRealtime(fn func([]domain.RealtimeEvent)) func() {
	return m.client.SubscribeEvents(fn)
}

// SubscribeState registers fn for connected/disconnected changes.
func (m *Monitor) SubscribeState(fn func(realtime.State)) func() {
	return m.client.SubscribeState(fn)
}

// InitializeRealtimeSync connects to the shared change-stream. Calling it while connecting
// or connected does nothing.
func (m *Monitor) InitializeRealtimeSync(ctx context.Context) error {
	return m.client.Start(ctx)
}

// FetchRecent queries the shared store for events from the last windowMinutes.
func (m *Monitor) FetchRecent(ctx context.Context, windowMinutes, limit int) ([]domain.RealtimeEvent, error) {
	return m.client.FetchRecent(ctx, windowMinutes, limit)
}

// Metrics returns the aggregate table in first-seen order.
func (m *Monitor) Metrics() []domain.AggregateMetric {
	return m.aggregator.Snapshot()
}

// History returns the realtime history, newest first.
func (m *Monitor) History() []domain.RealtimeEvent {
	return m.client.History()
}

// RealtimeState reports the change-stream connection state.
func (m *Monitor) RealtimeState() realtime.State {
	return m.client.State()
}

// InFlight reports calls started but not settled.
func (m *Monitor) InFlight() int64 {
	return m.installer.InFlight()
}

// TotalRequests sums the call counts over every aggregate row.
func (m *Monitor) TotalRequests() int64 {
	return m.aggregator.Totals().Requests
}

// CurrentUser returns the resolved user name.
func (m *Monitor) CurrentUser() string {
	if m.identity == nil {
		return ""
	}
	return m.identity.User()
}

// PCName returns the resolved machine name.
func (m *Monitor) PCName() string {
	if m.identity == nil {
		return ""
	}
	return m.identity.PCName()
}

// Clear empties the aggregate table and history right away, then tries to clear the shared
// store in the background. Calls observed before Clear do not come back through the
// change-stream. A store failure is logged and does not undo the local clear.
func (m *Monitor) Clear() {
	m.clearMetrics()
	m.client.Forget()
	if !m.client.Configured() {
		return
	}
	m.background.Add(1)
	go func() {
		defer m.background.Done()
		ctx, cancel := context.WithTimeout(context.Background(), m.clearTimeout)
		defer cancel()
		if err := m.client.ClearRemote(ctx); err != nil && !errors.Is(err, realtime.ErrNotConfigured) {
			m.logger.Warn("clearing shared store failed, local state cleared", "error", err)
			return
		}
		m.logger.Info("shared store cleared")
	}()
}

func (m *Monitor) clearMetrics() {
	m.metricsMu.Lock()
	m.aggregator.Clear()
	m.metricsSubs.Notify(m.aggregator.Snapshot())
	m.metricsMu.Unlock()

	m.collectors.Reset()
}

// Reset stops realtime sync and drops local state without touching the shared store. The
// monitor can be initialised again afterwards.
func (m *Monitor) Reset() {
	m.client.Stop()
	m.clearMetrics()
	m.client.ClearLocal()
}

// Close waits for background clears, then stops realtime sync and flushes queued appends.
func (m *Monitor) Close() error {
	m.background.Wait()
	return m.client.Close()
}
