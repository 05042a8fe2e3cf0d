package ws

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"
)

// ErrStreamClosed is returned by Send once the stream has ended.
var ErrStreamClosed = errors.New("ws: stream closed")

// SSEClient streams Server-Sent Events over an HTTP response. Send only queues; Serve does
// the writing on the handler goroutine, so a reader that stops draining the connection
// costs its own buffer and never the hub.
type SSEClient struct {
	w    http.ResponseWriter
	rc   *http.ResponseController
	log  *slog.Logger
	send chan []byte
	done chan struct{}
	once sync.Once
}

// NewSSEClient builds an SSE client instance.
func NewSSEClient(w http.ResponseWriter, logger *slog.Logger) *SSEClient {
	return &SSEClient{
		w:    w,
		rc:   http.NewResponseController(w),
		log:  logger,
		send: make(chan []byte, sendBuffer),
		done: make(chan struct{}),
	}
}

// Send queues a data event for the stream.
func (c *SSEClient) Send(payload []byte) error {
	select {
	case <-c.done:
		return ErrStreamClosed
	default:
	}
	select {
	case c.send <- payload:
		return nil
	default:
		c.log.Warn("sse client too slow, dropping")
		return ErrSlowConsumer
	}
}

// Done is closed once the stream has ended.
func (c *SSEClient) Done() <-chan struct{} { return c.done }

// Close ends the stream; Serve returns on its next wake-up.
func (c *SSEClient) Close() {
	c.once.Do(func() { close(c.done) })
}

// Serve writes queued events, plus a comment frame every heartbeat, until ctx ends, the
// client is closed or a write fails. It must run on the goroutine that owns the response.
func (c *SSEClient) Serve(ctx context.Context, heartbeat time.Duration) error {
	defer c.Close()
	ticker := time.NewTicker(heartbeat)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-c.done:
			return nil
		case payload := <-c.send:
			if err := c.write("data: %s\n\n", payload); err != nil {
				return err
			}
		case <-ticker.C:
			if err := c.write(": ping\n\n"); err != nil {
				return err
			}
		}
	}
}

func (c *SSEClient) write(format string, args ...any) error {
	// writers without deadline support report http.ErrNotSupported
	_ = c.rc.SetWriteDeadline(time.Now().Add(writeWait))
	if _, err := fmt.Fprintf(c.w, format, args...); err != nil {
		c.log.Warn("sse write failed", "error", err)
		return err
	}
	if err := c.rc.Flush(); err != nil {
		c.log.Warn("sse flush failed", "error", err)
		return err
	}
	return nil
}
