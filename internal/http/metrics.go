package httpx

import (
	"errors"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var histogramBuckets = []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2}

func (r *Router) initMetrics(reg prometheus.Registerer) {
	if reg == nil {
		return
	}
	r.requestTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "callwatch",
		Subsystem: "http",
		Name:      "requests_total",
		Help:      "Count of monitoring API requests",
	}, []string{"method", "route", "status"})
	r.requestLatency = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "callwatch",
		Subsystem: "http",
		Name:      "request_duration_seconds",
		Help:      "Latency distribution of monitoring API handlers",
		Buckets:   histogramBuckets,
	}, []string{"method", "route", "status"})
	r.rateLimitHits = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "callwatch",
		Subsystem: "http",
		Name:      "rate_limit_hits_total",
		Help:      "Number of rate-limited responses",
	}, []string{"route"})

	if err := reg.Register(r.requestTotal); err != nil {
		var are prometheus.AlreadyRegisteredError
		if errors.As(err, &are) {
			if existing, ok := are.ExistingCollector.(*prometheus.CounterVec); ok {
				r.requestTotal = existing
			}
		}
	}
	if err := reg.Register(r.requestLatency); err != nil {
		var are prometheus.AlreadyRegisteredError
		if errors.As(err, &are) {
			if existing, ok := are.ExistingCollector.(*prometheus.HistogramVec); ok {
				r.requestLatency = existing
			}
		}
	}
	if err := reg.Register(r.rateLimitHits); err != nil {
		var are prometheus.AlreadyRegisteredError
		if errors.As(err, &are) {
			if existing, ok := are.ExistingCollector.(*prometheus.CounterVec); ok {
				r.rateLimitHits = existing
			}
		}
	}
	r.metricsInitialized = true
}

func (r *Router) recordRequestMetrics(method, route string, status int, duration time.Duration) {
	if !r.metricsInitialized {
		return
	}
	labels := prometheus.Labels{
		"method": method,
		"route":  route,
		"status": strconv.Itoa(status),
	}
	r.requestTotal.With(labels).Inc()
	r.requestLatency.With(labels).Observe(duration.Seconds())
}

func (r *Router) recordRateLimitHit(route string) {
	if !r.metricsInitialized {
		return
	}
	r.rateLimitHits.With(prometheus.Labels{"route": route}).Inc()
}
