package ws

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/splax/callwatch/pkg/logger"
)

type captureSubscriber struct {
	mu     sync.Mutex
	msgs   [][]byte
	fail   bool
	closed bool
}

func (c *captureSubscriber) Send(p []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.fail {
		return errors.New("broken pipe")
	}
	c.msgs = append(c.msgs, p)
	return nil
}

func (c *captureSubscriber) Close() {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
}

func (c *captureSubscriber) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.msgs)
}

func eventually(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatal("condition not met")
}

func TestHubPublishesFramesPerTopic(t *testing.T) {
	h := NewHub()
	defer h.Close()
	a, b := &captureSubscriber{}, &captureSubscriber{}
	h.Register(TopicMonitor, a)
	h.Register("other", b)

	if err := h.Publish(TopicMonitor, FrameStatus, map[string]string{"state": "connected"}); err != nil {
		t.Fatalf("publish: %v", err)
	}
	eventually(t, func() bool { return a.count() == 1 })
	if b.count() != 0 {
		t.Fatal("frame leaked to another topic")
	}

	var frame struct {
		Type string            `json:"type"`
		Data map[string]string `json:"data"`
	}
	a.mu.Lock()
	raw := a.msgs[0]
	a.mu.Unlock()
	if err := json.Unmarshal(raw, &frame); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if frame.Type != FrameStatus || frame.Data["state"] != "connected" {
		t.Fatalf("unexpected frame %s", raw)
	}
}

func TestHubDropsFailingSubscribers(t *testing.T) {
	h := NewHub()
	defer h.Close()
	bad := &captureSubscriber{fail: true}
	h.Register(TopicMonitor, bad)
	eventually(t, func() bool { return h.Count(TopicMonitor) == 1 })

	h.Broadcast(TopicMonitor, []byte("x"))
	eventually(t, func() bool { return h.Count(TopicMonitor) == 0 })
	bad.mu.Lock()
	closed := bad.closed
	bad.mu.Unlock()
	if !closed {
		t.Fatal("failing subscriber should be closed")
	}
}

func TestHubCloseDisconnectsClients(t *testing.T) {
	h := NewHub()
	sub := &captureSubscriber{}
	h.Register(TopicMonitor, sub)
	h.Close()
	sub.mu.Lock()
	defer sub.mu.Unlock()
	if !sub.closed {
		t.Fatal("expected subscriber closed on hub shutdown")
	}
	h.Broadcast(TopicMonitor, []byte("late"))
}

type stalledSubscriber struct {
	entered chan struct{}
	once    sync.Once
	release chan struct{}
}

func (s *stalledSubscriber) Send([]byte) error {
	s.once.Do(func() { close(s.entered) })
	<-s.release
	return nil
}

func (s *stalledSubscriber) Close() {}

func TestHubBroadcastNeverBlocksOnStalledSubscriber(t *testing.T) {
	h := NewHub()
	stalled := &stalledSubscriber{entered: make(chan struct{}), release: make(chan struct{})}
	h.Register(TopicMonitor, stalled)
	eventually(t, func() bool { return h.Count(TopicMonitor) == 1 })

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 500; i++ {
			h.Broadcast(TopicMonitor, []byte("frame"))
		}
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("broadcast blocked behind a stalled subscriber")
	}
	<-stalled.entered
	if h.Dropped() == 0 {
		t.Fatal("expected frames to be dropped while the hub was backed up")
	}
	close(stalled.release)
	h.Close()
}

// lockedRecorder is an httptest.ResponseRecorder safe to read while Serve writes.
type lockedRecorder struct {
	mu  sync.Mutex
	rec *httptest.ResponseRecorder
}

func (l *lockedRecorder) Header() http.Header { return l.rec.Header() }

func (l *lockedRecorder) WriteHeader(code int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.rec.WriteHeader(code)
}

func (l *lockedRecorder) Write(b []byte) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.rec.Write(b)
}

func (l *lockedRecorder) Flush() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.rec.Flush()
}

func (l *lockedRecorder) body() string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.rec.Body.String()
}

func TestSSEClientServesQueuedEventsAndHeartbeats(t *testing.T) {
	w := &lockedRecorder{rec: httptest.NewRecorder()}
	c := NewSSEClient(w, logger.Discard())
	if err := c.Send([]byte(`{"type":"metrics"}`)); err != nil {
		t.Fatalf("send: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	served := make(chan error, 1)
	go func() { served <- c.Serve(ctx, 5*time.Millisecond) }()

	eventually(t, func() bool {
		body := w.body()
		return strings.Contains(body, "data: {\"type\":\"metrics\"}\n\n") && strings.Contains(body, ": ping\n\n")
	})
	cancel()
	if err := <-served; err != nil {
		t.Fatalf("serve: %v", err)
	}
	if err := c.Send([]byte("x")); !errors.Is(err, ErrStreamClosed) {
		t.Fatalf("expected ErrStreamClosed after serve returned, got %v", err)
	}
}

func TestSSEClientSendDoesNotBlockWithoutReader(t *testing.T) {
	c := NewSSEClient(httptest.NewRecorder(), logger.Discard())
	var slow int
	for i := 0; i < sendBuffer*2; i++ {
		if err := c.Send([]byte("x")); errors.Is(err, ErrSlowConsumer) {
			slow++
		}
	}
	if slow != sendBuffer {
		t.Fatalf("expected %d sends rejected as slow, got %d", sendBuffer, slow)
	}
}
