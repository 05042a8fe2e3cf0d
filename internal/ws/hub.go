// Package ws fans monitor frames out to WebSocket and SSE subscribers.
package ws

import (
	"encoding/json"
	"sync"
	"sync/atomic"
	"time"
)

// TopicMonitor carries metrics, realtime and status frames for the monitoring screen.
const TopicMonitor = "monitor"

// Frame types published on TopicMonitor.
const (
	FrameMetrics  = "metrics"
	FrameRealtime = "realtime"
	FrameStatus   = "status"
)

// Subscriber abstracts a streaming client. Send must not block: the hub loop delivers to
// every subscriber in turn.
type Subscriber interface {
	Send([]byte) error
	Close()
}

// Frame is the envelope every stream message uses.
type Frame struct {
	Type   string    `json:"type"`
	Data   any       `json:"data"`
	SentAt time.Time `json:"sent_at"`
}

// Hub manages stream subscriptions by topic.
type Hub struct {
	clients   map[string]map[Subscriber]struct{}
	register  chan subscription
	unreg     chan subscription
	broadcast chan message
	stop      chan struct{}
	done      chan struct{}
	closeOnce sync.Once

	mu      sync.RWMutex
	counts  map[string]int
	dropped atomic.Int64
}

type message struct {
	topic   string
	payload []byte
}

type subscription struct {
	topic  string
	client Subscriber
}

// NewHub creates a running Hub.
func NewHub() *Hub {
	h := &Hub{
		clients:   make(map[string]map[Subscriber]struct{}),
		register:  make(chan subscription),
		unreg:     make(chan subscription),
		broadcast: make(chan message, 64),
		stop:      make(chan struct{}),
		done:      make(chan struct{}),
		counts:    make(map[string]int),
	}
	go h.run()
	return h
}

func (h *Hub) run() {
	defer close(h.done)
	for {
		select {
		case <-h.stop:
			for _, clients := range h.clients {
				for c := range clients {
					c.Close()
				}
			}
			h.clients = nil
			h.setCount("", 0)
			return
		case sub := <-h.register:
			if _, ok := h.clients[sub.topic]; !ok {
				h.clients[sub.topic] = make(map[Subscriber]struct{})
			}
			h.clients[sub.topic][sub.client] = struct{}{}
			h.setCount(sub.topic, len(h.clients[sub.topic]))
		case sub := <-h.unreg:
			if clients, ok := h.clients[sub.topic]; ok {
				delete(clients, sub.client)
				h.setCount(sub.topic, len(clients))
				if len(clients) == 0 {
					delete(h.clients, sub.topic)
				}
			}
		case msg := <-h.broadcast:
			clients, ok := h.clients[msg.topic]
			if !ok {
				continue
			}
			for c := range clients {
				if err := c.Send(msg.payload); err != nil {
					c.Close()
					delete(clients, c)
				}
			}
			h.setCount(msg.topic, len(clients))
			if len(clients) == 0 {
				delete(h.clients, msg.topic)
			}
		}
	}
}

func (h *Hub) setCount(topic string, n int) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if topic == "" {
		h.counts = make(map[string]int)
		return
	}
	h.counts[topic] = n
}

// Register adds a client to a topic.
func (h *Hub) Register(topic string, client Subscriber) {
	select {
	case h.register <- subscription{topic: topic, client: client}:
	case <-h.stop:
		client.Close()
	}
}

// Unregister removes a client.
func (h *Hub) Unregister(topic string, client Subscriber) {
	select {
	case h.unreg <- subscription{topic: topic, client: client}:
	case <-h.stop:
	}
}

// Broadcast queues payload for every client of topic. It never blocks the caller: when the
// hub is backed up the frame is dropped and counted.
func (h *Hub) Broadcast(topic string, payload []byte) {
	select {
	case <-h.stop:
		return
	default:
	}
	select {
	case h.broadcast <- message{topic: topic, payload: payload}:
	default:
		h.dropped.Add(1)
	}
}

// Dropped reports how many frames Broadcast discarded because the hub was backed up.
func (h *Hub) Dropped() int64 {
	return h.dropped.Load()
}

// Publish wraps data in a Frame and broadcasts it.
func (h *Hub) Publish(topic, frameType string, data any) error {
	payload, err := EncodeFrame(frameType, data)
	if err != nil {
		return err
	}
	h.Broadcast(topic, payload)
	return nil
}

// Count reports the number of clients registered on topic.
func (h *Hub) Count(topic string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.counts[topic]
}

// Close disconnects every client and stops the hub.
func (h *Hub) Close() {
	h.closeOnce.Do(func() { close(h.stop) })
	<-h.done
}

// EncodeFrame marshals a frame stamped with the current time.
func EncodeFrame(frameType string, data any) ([]byte, error) {
	return json.Marshal(Frame{Type: frameType, Data: data, SentAt: time.Now().UTC()})
}
