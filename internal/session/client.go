package session

import (
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"codesync/internal/models"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 1 << 20

	sendBufferSize = 256
)

// Client owns one WebSocket. Writes go through a bounded queue drained by
// WritePump; a client whose queue fills up is closed.
type Client struct {
	Conn *websocket.Conn

	mu     sync.Mutex
	hook   func(models.WSFrame)
	send   chan models.WSFrame
	closed bool
	done   chan struct{}
}

func NewClient(conn *websocket.Conn) *Client {
	c := &Client{
		Conn: conn,
		send: make(chan models.WSFrame, sendBufferSize),
		done: make(chan struct{}),
	}
	if conn != nil {
		conn.SetReadLimit(maxMessageSize)
		_ = conn.SetReadDeadline(time.Now().Add(pongWait))
		conn.SetPongHandler(func(string) error {
			return conn.SetReadDeadline(time.Now().Add(pongWait))
		})
	}
	return c
}

// SetSendHook replaces the default WebSocket sender (used in tests).
func (c *Client) SetSendHook(fn func(models.WSFrame)) {
	c.mu.Lock()
	c.hook = fn
	c.mu.Unlock()
}

// Send queues a frame without blocking.
func (c *Client) Send(frame models.WSFrame) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrConnectionClosed
	}
	if c.hook != nil {
		c.hook(frame)
		return nil
	}
	if c.Conn == nil {
		return nil
	}
	select {
	case c.send <- frame:
		return nil
	default:
		c.closeLocked()
		return ErrSlowConsumer
	}
}

// ReadFrame blocks for the next inbound frame.
func (c *Client) ReadFrame() (models.InboundFrame, error) {
	var frame models.InboundFrame
	err := c.Conn.ReadJSON(&frame)
	return frame, err
}

// WritePump drains the send queue and keeps the socket alive with pings. It
// returns once the client is closed or a write fails.
func (c *Client) WritePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.Close()
	}()

	for {
		select {
		case frame, ok := <-c.send:
			_ = c.Conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.Conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
				return
			}
			if err := c.Conn.WriteJSON(frame); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.Conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.Conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// Close stops further sends. Queued frames are still flushed by WritePump,
// which then closes the socket.
func (c *Client) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closeLocked()
}

func (c *Client) closeLocked() {
	if c.closed {
		return
	}
	c.closed = true
	close(c.send)
	close(c.done)
	if c.Conn != nil {
		// Unblocks the reader; the writer sees the closed queue.
		_ = c.Conn.SetReadDeadline(time.Now())
	}
}

// Done is closed once the client stops accepting frames.
func (c *Client) Done() <-chan struct{} { return c.done }
