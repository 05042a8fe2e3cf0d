package realtime

import (
	"context"
	"log/slog"
	"time"

	"github.com/splax/callwatch/internal/repository"
)

const (
	DefaultRetention  = 24 * time.Hour
	DefaultPruneEvery = 10 * time.Minute
)

// Pruner enforces the retention window on the durable store.
type Pruner struct {
	store     repository.CallEventRepository
	retention time.Duration
	every     time.Duration
	logger    *slog.Logger
}

// NewPruner returns a pruner deleting events older than retention every interval.
func NewPruner(store repository.CallEventRepository, retention, every time.Duration, logger *slog.Logger) *Pruner {
	if retention <= 0 {
		retention = DefaultRetention
	}
	if every <= 0 {
		every = DefaultPruneEvery
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Pruner{
		store:     store,
		retention: retention,
		every:     every,
		logger:    logger.With("component", "pruner"),
	}
}

// PruneOnce deletes events older than the retention window, measured by the store's clock.
func (p *Pruner) PruneOnce(ctx context.Context) (int64, error) {
	if p.store == nil {
		return 0, ErrNotConfigured
	}
	removed, err := p.store.PruneCallEvents(ctx, p.retention)
	if err != nil {
		return 0, err
	}
	if removed > 0 {
		p.logger.Info("pruned call events", "removed", removed, "retention", p.retention)
	}
	return removed, nil
}

// Run prunes immediately and then on every tick until ctx is cancelled.
func (p *Pruner) Run(ctx context.Context) error {
	ticker := time.NewTicker(p.every)
	defer ticker.Stop()
	for {
		if _, err := p.PruneOnce(ctx); err != nil && ctx.Err() == nil {
			p.logger.Warn("prune failed", "error", err)
		}
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}
