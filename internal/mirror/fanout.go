package mirror

import (
	"context"
	"errors"

	"github.com/splax/callwatch/internal/domain"
)

// Publisher is anything that accepts mirrored events.
type Publisher interface {
	Publish(ctx context.Context, event domain.RealtimeEvent) error
}

// Fanout publishes to every target and joins their errors.
type Fanout []Publisher

// Publish hands event to each target in order. One failing target does not skip the rest.
func (f Fanout) Publish(ctx context.Context, event domain.RealtimeEvent) error {
	var errs []error
	for _, p := range f {
		if err := p.Publish(ctx, event); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
