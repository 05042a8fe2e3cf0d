package repository

import (
	"context"
	"time"

	"github.com/splax/callwatch/internal/domain"
)

// CallEventRepository is the shared, append-only log of observed calls plus the change-stream
// that fans new rows out to every connected instance. The store's clock stamps created_at on
// append and measures every window and retention age; instance clocks are never consulted.
type CallEventRepository interface {
	// AppendCallEvent durably stores one event, stamping created_at with the store's time,
	// and publishes it on the change-stream. It returns the event as stored.
	AppendCallEvent(ctx context.Context, event domain.RealtimeEvent) (domain.RealtimeEvent, error)
	// ListRecentCallEvents returns events created within window of the store's current time,
	// newest first.
	ListRecentCallEvents(ctx context.Context, window time.Duration, limit int) ([]domain.RealtimeEvent, error)
	// ListenCallEvents blocks delivering every newly appended event to handle until ctx is
	// done or the stream fails. ready is called once the subscription is live.
	ListenCallEvents(ctx context.Context, ready func(), handle func(domain.RealtimeEvent)) error
	// ClearCallEvents deletes every stored event.
	ClearCallEvents(ctx context.Context) error
	// PruneCallEvents deletes events older than maxAge and reports how many were removed.
	PruneCallEvents(ctx context.Context, maxAge time.Duration) (int64, error)
}

// ValidateCallEvent checks the fields every store requires. created_at is not checked; the
// store assigns it.
func ValidateCallEvent(event domain.RealtimeEvent) error {
	switch {
	case event.ID == "":
		return ErrInvalidArgument
	case event.Duration < 0:
		return ErrInvalidArgument
	}
	switch event.Status {
	case domain.StatusSuccess, domain.StatusError, domain.StatusPending:
		return nil
	default:
		return ErrInvalidArgument
	}
}
