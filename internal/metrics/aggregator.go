// Package metrics folds call observations into per-key rolling aggregates and exposes them
// as Prometheus collectors.
package metrics

import (
	"sync"
	"time"

	"github.com/splax/callwatch/internal/domain"
)

// Totals summarises the whole aggregate table.
type Totals struct {
	Requests         int64
	Errors           int64
	AverageLatencyMS float64
	Endpoints        int
}

// Aggregator is the in-memory aggregate table. Keys keep their first-seen order.
type Aggregator struct {
	mu    sync.Mutex
	rows  map[domain.AggregateKey]*domain.AggregateMetric
	order []domain.AggregateKey
	now   func() time.Time
}

// NewAggregator returns an empty table. A nil now uses time.Now.
func NewAggregator(now func() time.Time) *Aggregator {
	if now == nil {
		now = time.Now
	}
	return &Aggregator{rows: make(map[domain.AggregateKey]*domain.AggregateMetric), now: now}
}

// Record merges obs into its row and returns a copy of the updated row.
func (a *Aggregator) Record(obs domain.Observation) domain.AggregateMetric {
	a.mu.Lock()
	defer a.mu.Unlock()

	key := domain.KeyOf(obs)
	row := a.rows[key]
	if row == nil {
		row = &domain.AggregateMetric{
			Backend:  key.Backend,
			Endpoint: key.Endpoint,
			Page:     key.Page,
			User:     key.User,
		}
		a.rows[key] = row
		a.order = append(a.order, key)
	}
	d := obs.DurationMS()
	row.Count++
	row.TotalTime += d
	row.AvgTime = row.TotalTime / float64(row.Count)
	row.LastTime = d
	row.Status = obs.Status
	if row.Status == "" {
		row.Status = domain.StatusSuccess
	}
	if row.Status == domain.StatusError {
		row.ErrorCount++
	}
	row.Timestamp = obs.SettledAt()
	if row.Timestamp.IsZero() {
		row.Timestamp = a.now()
	}
	return *row
}

// Snapshot returns a copy of every row in first-seen order.
func (a *Aggregator) Snapshot() []domain.AggregateMetric {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]domain.AggregateMetric, 0, len(a.order))
	for _, key := range a.order {
		out = append(out, *a.rows[key])
	}
	return out
}

// Get returns the row for key.
func (a *Aggregator) Get(key domain.AggregateKey) (domain.AggregateMetric, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	row, ok := a.rows[key]
	if !ok {
		return domain.AggregateMetric{}, false
	}
	return *row, true
}

// Clear drops every row.
func (a *Aggregator) Clear() {
	a.mu.Lock()
	a.rows = make(map[domain.AggregateKey]*domain.AggregateMetric)
	a.order = nil
	a.mu.Unlock()
}

// Totals computes request, error and latency totals over the table.
func (a *Aggregator) Totals() Totals {
	a.mu.Lock()
	defer a.mu.Unlock()
	var (
		t   Totals
		sum float64
	)
	for _, row := range a.rows {
		t.Requests += row.Count
		t.Errors += row.ErrorCount
		sum += row.TotalTime
	}
	t.Endpoints = len(a.rows)
	if t.Requests > 0 {
		t.AverageLatencyMS = sum / float64(t.Requests)
	}
	return t
}
