package main

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"time"
)

const defaultProbeEvery = 15 * time.Second

// prober issues periodic GETs through the instrumented client so an otherwise idle
// instance still produces traffic on the monitoring screen.
type prober struct {
	client  *http.Client
	targets []string
	every   time.Duration
	log     *slog.Logger
}

func newProber(client *http.Client, targets []string, every time.Duration, log *slog.Logger) *prober {
	if every <= 0 {
		every = defaultProbeEvery
	}
	return &prober{client: client, targets: targets, every: every, log: log.With("component", "probe")}
}

func (p *prober) Run(ctx context.Context) error {
	ticker := time.NewTicker(p.every)
	defer ticker.Stop()
	for {
		p.probeAll(ctx)
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

func (p *prober) probeAll(ctx context.Context) {
	for _, target := range p.targets {
		if ctx.Err() != nil {
			return
		}
		p.probe(ctx, target)
	}
}

func (p *prober) probe(ctx context.Context, target string) {
	reqCtx, cancel := context.WithTimeout(ctx, p.every)
	defer cancel()
	req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, target, nil)
	if err != nil {
		p.log.Warn("invalid probe target", "target", target, "error", err)
		return
	}
	resp, err := p.client.Do(req)
	if err != nil {
		p.log.Debug("probe failed", "target", target, "error", err)
		return
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	resp.Body.Close()
	p.log.Debug("probe completed", "target", target, "status", resp.StatusCode)
}
