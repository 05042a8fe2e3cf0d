package monitor

import (
	"encoding/json"
	"sort"
	"time"

	"github.com/splax/callwatch/internal/domain"
)

// Summary holds the headline counters of an export.
type Summary struct {
	TotalRequests    int64   `json:"total_requests"`
	TotalErrors      int64   `json:"total_errors"`
	AverageLatencyMS float64 `json:"average_latency_ms"`
	Endpoints        int     `json:"endpoints"`
	InFlight         int64   `json:"in_flight"`
	RealtimeState    string  `json:"realtime_state"`
}

// Export is a point-in-time snapshot of the monitor. Callers attach derived views with
// WithView; views are written as extra top-level keys.
type Export struct {
	ExportedAt time.Time                `json:"exported_at"`
	PCName     string                   `json:"pc_name"`
	User       string                   `json:"user"`
	Summary    Summary                  `json:"summary"`
	Metrics    []domain.AggregateMetric `json:"metrics"`
	Realtime   []domain.RealtimeEvent   `json:"realtime"`

	views map[string]any
	order []string
}

// Export builds a snapshot of the aggregate table, counters and realtime history.
func (m *Monitor) Export() *Export {
	m.metricsMu.Lock()
	rows := m.aggregator.Snapshot()
	totals := m.aggregator.Totals()
	m.metricsMu.Unlock()

	return &Export{
		ExportedAt: m.now().UTC(),
		PCName:     m.PCName(),
		User:       m.CurrentUser(),
		Summary: Summary{
			TotalRequests:    totals.Requests,
			TotalErrors:      totals.Errors,
			AverageLatencyMS: totals.AverageLatencyMS,
			Endpoints:        totals.Endpoints,
			InFlight:         m.InFlight(),
			RealtimeState:    m.RealtimeState().String(),
		},
		Metrics:  rows,
		Realtime: m.History(),
	}
}

// WithView attaches a derived view under name. Names that collide with the built-in keys
// are ignored.
func (e *Export) WithView(name string, value any) *Export {
	switch name {
	case "", "exported_at", "pc_name", "user", "summary", "metrics", "realtime":
		return e
	}
	if e.views == nil {
		e.views = make(map[string]any)
	}
	if _, exists := e.views[name]; !exists {
		e.order = append(e.order, name)
	}
	e.views[name] = value
	return e
}

// View returns a view attached with WithView.
func (e *Export) View(name string) (any, bool) {
	v, ok := e.views[name]
	return v, ok
}

// MarshalJSON writes the snapshot with its views flattened into the top-level object.
func (e *Export) MarshalJSON() ([]byte, error) {
	type plain Export
	base, err := json.Marshal((*plain)(e))
	if err != nil {
		return nil, err
	}
	if len(e.views) == 0 {
		return base, nil
	}
	fields := make(map[string]json.RawMessage)
	if err := json.Unmarshal(base, &fields); err != nil {
		return nil, err
	}
	for _, name := range e.order {
		raw, err := json.Marshal(e.views[name])
		if err != nil {
			return nil, err
		}
		fields[name] = raw
	}
	return json.Marshal(fields)
}

// BackendSummary rolls aggregate rows up per backend.
type BackendSummary struct {
	Backend      string  `json:"backend"`
	Requests     int64   `json:"requests"`
	Errors       int64   `json:"errors"`
	AvgLatencyMS float64 `json:"avg_latency_ms"`
	ErrorRate    float64 `json:"error_rate"`
}

// ByBackend groups rows by backend, busiest first.
func ByBackend(rows []domain.AggregateMetric) []BackendSummary {
	index := make(map[string]int)
	out := make([]BackendSummary, 0)
	totals := make([]float64, 0)
	for _, row := range rows {
		i, ok := index[row.Backend]
		if !ok {
			i = len(out)
			index[row.Backend] = i
			out = append(out, BackendSummary{Backend: row.Backend})
			totals = append(totals, 0)
		}
		out[i].Requests += row.Count
		out[i].Errors += row.ErrorCount
		totals[i] += row.TotalTime
	}
	for i := range out {
		if out[i].Requests > 0 {
			out[i].AvgLatencyMS = totals[i] / float64(out[i].Requests)
			out[i].ErrorRate = float64(out[i].Errors) / float64(out[i].Requests)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Requests > out[j].Requests })
	return out
}

// Slowest returns up to n rows ordered by average latency, slowest first.
func Slowest(rows []domain.AggregateMetric, n int) []domain.AggregateMetric {
	sorted := append([]domain.AggregateMetric(nil), rows...)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].AvgTime > sorted[j].AvgTime })
	if n > 0 && len(sorted) > n {
		sorted = sorted[:n]
	}
	return sorted
}
