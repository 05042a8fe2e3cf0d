package metrics

import (
	"errors"
	"strings"
	"sync"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/splax/callwatch/internal/domain"
)

var histogramBuckets = []float64{0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10}

const (
	// MaxEndpointSeries caps distinct endpoint label values; later paths report as OtherEndpoint.
	MaxEndpointSeries = 500
	OtherEndpoint     = "other"
)

// Collectors exports observed calls to Prometheus.
type Collectors struct {
	calls    *prometheus.CounterVec
	latency  *prometheus.HistogramVec
	inFlight prometheus.GaugeFunc
	dropped  prometheus.Counter

	mu        sync.Mutex
	endpoints map[string]struct{}
}

// NewCollectors registers the call collectors on reg. inFlight may be nil. Collectors that
// are already registered (a second monitor in the same process) are reused.
func NewCollectors(reg prometheus.Registerer, inFlight func() float64) *Collectors {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	c := &Collectors{
		calls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "callwatch",
			Subsystem: "client",
			Name:      "calls_total",
			Help:      "Count of observed outbound calls",
		}, []string{"backend", "endpoint", "status"}),
		latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "callwatch",
			Subsystem: "client",
			Name:      "call_duration_seconds",
			Help:      "Latency distribution of observed outbound calls",
			Buckets:   histogramBuckets,
		}, []string{"backend", "endpoint", "status"}),
		dropped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "callwatch",
			Subsystem: "realtime",
			Name:      "dropped_events_total",
			Help:      "Events dropped because the append queue was full",
		}),
		endpoints: make(map[string]struct{}),
	}
	if inFlight == nil {
		inFlight = func() float64 { return 0 }
	}
	c.inFlight = prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: "callwatch",
		Subsystem: "client",
		Name:      "calls_in_flight",
		Help:      "Outbound calls started but not yet settled",
	}, inFlight)

	c.calls = register(reg, c.calls)
	c.latency = register(reg, c.latency)
	c.dropped = register(reg, c.dropped)
	register[prometheus.Collector](reg, c.inFlight)
	return c
}

func register[T prometheus.Collector](reg prometheus.Registerer, collector T) T {
	if err := reg.Register(collector); err != nil {
		var are prometheus.AlreadyRegisteredError
		if errors.As(err, &are) {
			if existing, ok := are.ExistingCollector.(T); ok {
				return existing
			}
		}
	}
	return collector
}

// Observe counts one settled call.
func (c *Collectors) Observe(obs domain.Observation) {
	if c == nil {
		return
	}
	labels := prometheus.Labels{
		"backend":  label(obs.Backend),
		"endpoint": c.endpoint(label(obs.Endpoint)),
		"status":   label(string(obs.Status)),
	}
	c.calls.With(labels).Inc()
	c.latency.With(labels).Observe(obs.Duration.Seconds())
}

func (c *Collectors) endpoint(value string) string {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.endpoints[value]; ok {
		return value
	}
	if len(c.endpoints) >= MaxEndpointSeries {
		return OtherEndpoint
	}
	c.endpoints[value] = struct{}{}
	return value
}

// label makes v safe as a label value; invalid UTF-8 would make With panic.
func label(v string) string {
	return strings.ToValidUTF8(v, "\uFFFD")
}

// Dropped counts one event lost to a full append queue.
func (c *Collectors) Dropped() {
	if c == nil {
		return
	}
	c.dropped.Inc()
}

// Reset clears the labelled series so a cleared monitor starts from zero.
func (c *Collectors) Reset() {
	if c == nil {
		return
	}
	c.calls.Reset()
	c.latency.Reset()
	c.mu.Lock()
	c.endpoints = make(map[string]struct{})
	c.mu.Unlock()
}
