package mirror

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/splax/callwatch/internal/domain"
)

const (
	defaultWebhookTimeout = 5 * time.Second
	maxErrorBodySize      = 4096
)

// ErrUnauthorized indicates the collector rejected the webhook credentials.
var ErrUnauthorized = errors.New("mirror webhook unauthorized")

// ErrRejected indicates the collector refused the event payload.
var ErrRejected = errors.New("mirror webhook rejected event")

// Webhook posts each event as JSON to a collector URL.
type Webhook struct {
	url    string
	token  string
	client *http.Client
}

// NewWebhook returns a mirror posting to url, or nil when url is empty. The client must not
// be an instrumented one or every post would be observed and mirrored again.
func NewWebhook(url, token string, client *http.Client) *Webhook {
	trimmed := strings.TrimSpace(url)
	if trimmed == "" {
		return nil
	}
	if client == nil {
		client = &http.Client{Timeout: defaultWebhookTimeout}
	}
	return &Webhook{url: trimmed, token: strings.TrimSpace(token), client: client}
}

// Publish posts one event.
func (w *Webhook) Publish(ctx context.Context, event domain.RealtimeEvent) error {
	if w == nil {
		return nil
	}
	body, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build webhook request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Callwatch-Event", event.ID)
	if w.token != "" {
		req.Header.Set("Authorization", "Bearer "+w.token)
	}
	resp, err := w.client.Do(req)
	if err != nil {
		return fmt.Errorf("send webhook: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= http.StatusBadRequest {
		return errorForStatus(resp)
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	return nil
}

func errorForStatus(resp *http.Response) error {
	buf, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBodySize))
	summary := strings.TrimSpace(string(buf))
	if summary == "" {
		summary = resp.Status
	}
	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return fmt.Errorf("%w: %s", ErrUnauthorized, summary)
	case resp.StatusCode < http.StatusInternalServerError:
		return fmt.Errorf("%w: %s", ErrRejected, summary)
	default:
		return fmt.Errorf("webhook request failed: %s", summary)
	}
}
