package ws

import (
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10
	sendBuffer = 64
)

// ErrSlowConsumer is returned when a client's send buffer is full.
var ErrSlowConsumer = errors.New("ws: slow consumer")

// Client represents a websocket client connection with its own write loop, so a slow
// browser never stalls the hub.
type Client struct {
	conn *websocket.Conn
	log  *slog.Logger
	send chan []byte
	done chan struct{}
	once sync.Once
}

// NewClient constructs a client and starts its read and write loops.
func NewClient(conn *websocket.Conn, logger *slog.Logger) *Client {
	c := &Client{conn: conn, log: logger, send: make(chan []byte, sendBuffer), done: make(chan struct{})}
	go c.writeLoop()
	go c.readLoop()
	return c
}

// Send queues a message for the websocket connection.
func (c *Client) Send(payload []byte) error {
	select {
	case <-c.done:
		return websocket.ErrCloseSent
	default:
	}
	select {
	case c.send <- payload:
		return nil
	default:
		c.log.Warn("websocket client too slow, dropping")
		return ErrSlowConsumer
	}
}

// Done is closed once the connection has terminated.
func (c *Client) Done() <-chan struct{} { return c.done }

// Close terminates the connection.
func (c *Client) Close() {
	c.once.Do(func() {
		close(c.done)
		_ = c.conn.Close()
	})
}

func (c *Client) writeLoop() {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()
	defer c.Close()
	for {
		select {
		case <-c.done:
			return
		case payload := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, payload); err != nil {
				c.log.Warn("websocket send failed", "error", err)
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// readLoop only drains control frames; the stream is server to client.
func (c *Client) readLoop() {
	defer c.Close()
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}
