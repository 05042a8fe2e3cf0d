// Package httpx exposes the monitoring screen over HTTP: JSON snapshots, Prometheus
// metrics and live WebSocket/SSE streams.
package httpx

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/splax/callwatch/internal/domain"
	"github.com/splax/callwatch/internal/monitor"
	"github.com/splax/callwatch/internal/realtime"
	"github.com/splax/callwatch/internal/ws"
)

// Monitor is the surface of the monitor façade the HTTP layer reads from.
type Monitor interface {
	Metrics() []domain.AggregateMetric
	History() []domain.RealtimeEvent
	Export() *monitor.Export
	Clear()
	FetchRecent(ctx context.Context, windowMinutes, limit int) ([]domain.RealtimeEvent, error)
	RealtimeState() realtime.State
	SubscribeMetrics(fn func([]domain.AggregateMetric)) func()
	SubscribeRealtime(fn func([]domain.RealtimeEvent)) func()
	SubscribeState(fn func(realtime.State)) func()
}

// Options configures a Router.
type Options struct {
	Monitor  Monitor
	Logger   *slog.Logger
	Limiter  RateLimiter
	Hub      *ws.Hub
	Gatherer prometheus.Gatherer
	// Registerer receives the HTTP request collectors. Nil disables them.
	Registerer prometheus.Registerer
	// StoreHealth pings the shared store for /healthz. Nil reports only the stream state.
	StoreHealth func(context.Context) error
	// JWTSecret, when set, requires a signed bearer token on POST /monitor/clear.
	JWTSecret string
	// Heartbeat is the SSE keep-alive interval.
	Heartbeat time.Duration
}

// Router wires HTTP endpoints to the monitor.
type Router struct {
	mux         *http.ServeMux
	logger      *slog.Logger
	monitor     Monitor
	hub         *ws.Hub
	ownsHub     bool
	upgrader    websocket.Upgrader
	limiter     RateLimiter
	gatherer    prometheus.Gatherer
	storeHealth func(context.Context) error
	jwtSecret   string
	heartbeat   time.Duration

	unsubscribe []func()
	closeOnce   sync.Once

	requestTotal       *prometheus.CounterVec
	requestLatency     *prometheus.HistogramVec
	rateLimitHits      *prometheus.CounterVec
	metricsInitialized bool
}

const (
	rateWindowDefault  = time.Minute
	rateWindowRealtime = 30 * time.Second
	rateLimitClear     = 10
	rateLimitWebsocket = 30
	healthCheckTimeout = 2 * time.Second
	defaultHeartbeat   = 15 * time.Second
	slowestView        = 10
	maxRecentLimit     = 1000
)

// NewRouter assembles routes and bridges monitor notifications onto the stream hub.
func NewRouter(opts Options) *Router {
	r := &Router{
		mux:     http.NewServeMux(),
		logger:  opts.Logger,
		monitor: opts.Monitor,
		hub:     opts.Hub,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		limiter:     opts.Limiter,
		gatherer:    opts.Gatherer,
		storeHealth: opts.StoreHealth,
		jwtSecret:   strings.TrimSpace(opts.JWTSecret),
		heartbeat:   opts.Heartbeat,
	}
	if r.logger == nil {
		r.logger = slog.Default()
	}
	if r.limiter == nil {
		r.limiter = NewMemoryRateLimiter()
	}
	if r.hub == nil {
		r.hub = ws.NewHub()
		r.ownsHub = true
	}
	if r.gatherer == nil {
		r.gatherer = prometheus.DefaultGatherer
	}
	if r.heartbeat <= 0 {
		r.heartbeat = defaultHeartbeat
	}
	r.initMetrics(opts.Registerer)
	r.bridge()
	r.register()
	return r
}

// ServeHTTP delegates to underlying mux.
func (r *Router) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	r.mux.ServeHTTP(w, req)
}

// Close detaches from the monitor, releases the limiter and, when the router created it,
// stops the hub.
func (r *Router) Close() {
	r.closeOnce.Do(func() {
		for _, fn := range r.unsubscribe {
			fn()
		}
		r.limiter.Close()
		if r.ownsHub {
			r.hub.Close()
		}
	})
}

func (r *Router) register() {
	r.mux.HandleFunc("/healthz", r.audit("/healthz", r.handleHealthz))
	r.mux.Handle("/metrics", promhttp.HandlerFor(r.gatherer, promhttp.HandlerOpts{}))
	r.mux.HandleFunc("/monitor/aggregates", r.audit("/monitor/aggregates", r.handleAggregates))
	r.mux.HandleFunc("/monitor/summary", r.audit("/monitor/summary", r.handleSummary))
	r.mux.HandleFunc("/monitor/export", r.audit("/monitor/export", r.handleExport))
	r.mux.HandleFunc("/monitor/clear", r.audit("/monitor/clear", r.withRateLimit("/monitor/clear", rateLimitClear, rateWindowDefault, r.requireOperator(r.handleClear))))
	r.mux.HandleFunc("/monitor/realtime", r.audit("/monitor/realtime", r.handleRealtime))
	r.mux.HandleFunc("/monitor/history", r.audit("/monitor/history", r.handleHistory))
	r.mux.HandleFunc("/ws/monitor", r.audit("/ws/monitor", r.withRateLimit("/ws/monitor", rateLimitWebsocket, rateWindowRealtime, r.handleMonitorWS)))
	r.mux.HandleFunc("/sse/monitor", r.audit("/sse/monitor", r.withRateLimit("/sse/monitor", rateLimitWebsocket, rateWindowRealtime, r.handleMonitorSSE)))
}

func (r *Router) handleHealthz(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodGet {
		r.methodNotAllowed(w)
		return
	}
	components := make(map[string]any)
	status := "ok"
	if r.storeHealth != nil {
		ctx, cancel := context.WithTimeout(req.Context(), healthCheckTimeout)
		defer cancel()
		if err := r.storeHealth(ctx); err != nil {
			status = "degraded"
			components["store"] = map[string]any{
				"status": "down",
				"error":  err.Error(),
			}
		} else {
			components["store"] = map[string]any{"status": "up"}
		}
	}
	components["realtime"] = map[string]any{"status": r.monitor.RealtimeState().String()}
	payload := map[string]any{
		"status":     status,
		"components": components,
		"timestamp":  time.Now().UTC().Format(time.RFC3339Nano),
	}
	code := http.StatusOK
	if status != "ok" {
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, payload)
}

func (r *Router) handleAggregates(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodGet {
		r.methodNotAllowed(w)
		return
	}
	writeJSON(w, http.StatusOK, r.monitor.Metrics())
}

func (r *Router) handleSummary(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodGet {
		r.methodNotAllowed(w)
		return
	}
	writeJSON(w, http.StatusOK, r.monitor.Export().Summary)
}

func (r *Router) handleExport(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodGet {
		r.methodNotAllowed(w)
		return
	}
	export := r.monitor.Export()
	export.WithView("by_backend", monitor.ByBackend(export.Metrics)).
		WithView("slowest", monitor.Slowest(export.Metrics, slowestView))
	filename := fmt.Sprintf("callwatch-%s.json", export.ExportedAt.Format("20060102-150405"))
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", filename))
	writeJSON(w, http.StatusOK, export)
}

func (r *Router) handleClear(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodPost {
		r.methodNotAllowed(w)
		return
	}
	r.monitor.Clear()
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "cleared"})
}

func (r *Router) handleRealtime(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodGet {
		r.methodNotAllowed(w)
		return
	}
	window, err := intQuery(req, "window")
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	limit, err := intQuery(req, "limit")
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if limit > maxRecentLimit {
		limit = maxRecentLimit
	}
	events, err := r.monitor.FetchRecent(req.Context(), window, limit)
	if err != nil {
		if errors.Is(err, realtime.ErrNotConfigured) {
			writeError(w, http.StatusServiceUnavailable, "realtime store not configured")
			return
		}
		r.logger.Error("fetch recent events failed", "error", err)
		writeError(w, http.StatusBadGateway, "fetch recent events failed")
		return
	}
	if events == nil {
		events = []domain.RealtimeEvent{}
	}
	writeJSON(w, http.StatusOK, events)
}

func (r *Router) handleHistory(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodGet {
		r.methodNotAllowed(w)
		return
	}
	writeJSON(w, http.StatusOK, r.monitor.History())
}

func (r *Router) methodNotAllowed(w http.ResponseWriter) {
	writeError(w, http.StatusMethodNotAllowed, "method not allowed")
}

func intQuery(req *http.Request, name string) (int, error) {
	raw := strings.TrimSpace(req.URL.Query().Get(name))
	if raw == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return 0, fmt.Errorf("%s must be a non-negative integer", name)
	}
	return n, nil
}
