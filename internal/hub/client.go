package hub

import (
	"sync"
	"sync/atomic"
	"time"

	ws "github.com/gorilla/websocket"

	"github.com/localizer/presence/internal/storage"
	"github.com/localizer/presence/pkg/core"
	"github.com/localizer/presence/pkg/streaming"
)

const (
	sendChSize     = 256
	pingInterval   = 30 * time.Second
	pongWait       = 60 * time.Second
	writeWait      = 10 * time.Second
	maxMessageSize = 64 * 1024
)

// Client is one WebSocket connection to the hub.
type Client struct {
	ID   string
	conn *ws.Conn
	hub  *Hub
	send chan []byte
	seq  atomic.Uint64

	mu     sync.Mutex
	sub    storage.Subscription
	closed bool
	done   chan struct{}
}

func newClient(id string, conn *ws.Conn, h *Hub) *Client {
	return &Client{
		ID:   id,
		conn: conn,
		hub:  h,
		send: make(chan []byte, sendChSize),
		done: make(chan struct{}),
	}
}

// enqueue hands a frame to the write pump. A client too slow to keep up is
// disconnected; it resubscribes and gets a fresh snapshot on reconnect.
func (c *Client) enqueue(data []byte) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	select {
	case c.send <- data:
		c.mu.Unlock()
	default:
		c.mu.Unlock()
		c.hub.logger.Warn("Client send buffer full, disconnecting", "client", c.ID)
		c.shutdown()
	}
}

func (c *Client) subscribe(backend storage.Backend) error {
	c.mu.Lock()
	if c.sub != nil || c.closed {
		c.mu.Unlock()
		return nil
	}
	c.mu.Unlock()

	sub, err := backend.Subscribe(c.pushSnapshot, func(err error) {
		c.hub.logger.Warn("Store subscription error", "client", c.ID, "error", err)
	})
	if err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.sub != nil || c.closed {
		sub.Cancel()
		return nil
	}
	c.sub = sub
	return nil
}

func (c *Client) unsubscribe() {
	c.mu.Lock()
	sub := c.sub
	c.sub = nil
	c.mu.Unlock()
	if sub != nil {
		sub.Cancel()
	}
}

func (c *Client) pushSnapshot(snap core.Snapshot) {
	data, err := streaming.Marshal(streaming.TypeSnapshot, streaming.SnapshotPayload{
		Seq:      c.seq.Add(1),
		Snapshot: snap,
	})
	if err != nil {
		c.hub.logger.Error("Failed to marshal snapshot", "error", err)
		return
	}
	c.enqueue(data)
}

// shutdown cancels the subscription and stops both pumps. The write pump
// sends the close frame and closes the connection, which ends the read pump.
// Idempotent.
func (c *Client) shutdown() {
	c.unsubscribe()

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	close(c.done)
	c.mu.Unlock()
}

// readPump reads frames until the connection breaks.
func (c *Client) readPump() {
	defer func() {
		c.shutdown()
		c.hub.unregister(c)
	}()

	c.conn.SetReadLimit(maxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if ws.IsUnexpectedCloseError(err, ws.CloseGoingAway, ws.CloseNormalClosure) {
				c.hub.logger.Debug("WebSocket read error", "client", c.ID, "error", err)
			}
			return
		}
		c.hub.handleFrame(c, message)
	}
}

// writePump writes queued frames and keeps the connection alive with pings.
func (c *Client) writePump() {
	ticker := time.NewTicker(pingInterval)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()

	for {
		select {
		case <-c.done:
			_ = c.conn.WriteControl(ws.CloseMessage,
				ws.FormatCloseMessage(ws.CloseNormalClosure, ""), time.Now().Add(writeWait))
			return
		case message := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(ws.TextMessage, message); err != nil {
				c.shutdown()
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(ws.PingMessage, nil); err != nil {
				c.shutdown()
				return
			}
		}
	}
}
