package domain

import (
	"strings"
	"time"
)

// Status is the outcome of an observed call.
type Status string

const (
	StatusSuccess Status = "success"
	StatusError   Status = "error"
	StatusPending Status = "pending"
)

// ParseStatus normalises a wire status, defaulting unknown values to pending.
func ParseStatus(raw string) Status {
	switch Status(strings.ToLower(strings.TrimSpace(raw))) {
	case StatusSuccess:
		return StatusSuccess
	case StatusError:
		return StatusError
	default:
		return StatusPending
	}
}

// Observation is a single settled outbound call as measured by the interceptor.
type Observation struct {
	Backend    string
	Endpoint   string
	Page       string
	User       string
	PCName     string
	Method     string
	StatusCode int
	Status     Status
	Err        string
	Duration   time.Duration
	StartedAt  time.Time
}

// DurationMS reports the observation latency in fractional milliseconds.
func (o Observation) DurationMS() float64 {
	return float64(o.Duration) / float64(time.Millisecond)
}

// SettledAt is the time the call finished.
func (o Observation) SettledAt() time.Time {
	return o.StartedAt.Add(o.Duration)
}

// AggregateKey identifies a row of the local aggregate table.
type AggregateKey struct {
	Backend  string
	Endpoint string
	Page     string
	User     string
}

// KeyOf returns the aggregate key an observation folds into.
func KeyOf(o Observation) AggregateKey {
	return AggregateKey{Backend: o.Backend, Endpoint: o.Endpoint, Page: o.Page, User: o.User}
}

// AggregateMetric is the rolling summary for one aggregate key.
type AggregateMetric struct {
	Backend    string    `json:"backend"`
	Endpoint   string    `json:"endpoint"`
	Page       string    `json:"page"`
	User       string    `json:"user"`
	Count      int64     `json:"count"`
	ErrorCount int64     `json:"error_count"`
	TotalTime  float64   `json:"total_time"`
	AvgTime    float64   `json:"avg_time"`
	LastTime   float64   `json:"last_time"`
	Status     Status    `json:"status"`
	Timestamp  time.Time `json:"timestamp"`
}

// Key returns the aggregate key of the metric row.
func (m AggregateMetric) Key() AggregateKey {
	return AggregateKey{Backend: m.Backend, Endpoint: m.Endpoint, Page: m.Page, User: m.User}
}

// RealtimeEvent is the immutable, shared record of one observed call. Its JSON form is
// the wire contract every instance agrees on; CreatedAt is assigned by the shared store.
type RealtimeEvent struct {
	ID        string    `json:"id"`
	PCName    string    `json:"pc_name"`
	Backend   string    `json:"backend"`
	Endpoint  string    `json:"endpoint"`
	Page      string    `json:"page,omitempty"`
	UserName  string    `json:"user_name"`
	Status    Status    `json:"status"`
	Duration  float64   `json:"duration"`
	CreatedAt time.Time `json:"created_at"`
}

// Observation converts the event back into the shape the aggregator folds.
func (e RealtimeEvent) Observation() Observation {
	d := time.Duration(e.Duration * float64(time.Millisecond))
	return Observation{
		Backend:   e.Backend,
		Endpoint:  e.Endpoint,
		Page:      e.Page,
		User:      e.UserName,
		PCName:    e.PCName,
		Status:    e.Status,
		Duration:  d,
		StartedAt: e.CreatedAt.Add(-d),
	}
}

// Newer reports whether e sorts before other in newest-first order.
func (e RealtimeEvent) Newer(other RealtimeEvent) bool {
	if e.CreatedAt.Equal(other.CreatedAt) {
		return e.ID > other.ID
	}
	return e.CreatedAt.After(other.CreatedAt)
}

// EventFromObservation builds the shared record for a settled call. created_at holds the
// local settle time only until the shared store stamps its own.
func EventFromObservation(id string, o Observation) RealtimeEvent {
	return RealtimeEvent{
		ID:        id,
		PCName:    o.PCName,
		Backend:   o.Backend,
		Endpoint:  o.Endpoint,
		Page:      o.Page,
		UserName:  o.User,
		Status:    o.Status,
		Duration:  o.DurationMS(),
		CreatedAt: o.SettledAt().UTC(),
	}
}
