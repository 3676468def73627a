package websocket

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	ws "github.com/gorilla/websocket"

	"github.com/localizer/presence/internal/auth"
	"github.com/localizer/presence/pkg/streaming"
)

const (
	outboxSize   = 1_024
	maxReconnect = 10
	maxBackoff   = 30 * time.Second
	writeWait    = 10 * time.Second
	ackTimeout   = 10 * time.Second
	// idleTimeout is how long the client waits for any frame, the hub's
	// pings included, before it treats the socket as dead.
	idleTimeout = 90 * time.Second
)

var (
	errConnClosed = errors.New("connection closed")
	errOutboxFull = errors.New("websocket send channel full")
	dialer        = &ws.Dialer{Proxy: http.ProxyFromEnvironment, HandshakeTimeout: 10 * time.Second}
)

// inbound is the part of every hub frame needed to route it. Acks are flat,
// snapshots come wrapped in an envelope.
type inbound struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

// connection keeps one live socket to the hub. Each socket gets its own
// reader and writer goroutine; a broken socket is replaced by reconnect,
// which starts a fresh pair.
type connection struct {
	mu      sync.Mutex
	conn    *ws.Conn
	closed  bool
	pending map[string]chan streaming.AckMessage
	// replay is written to every new socket before queued traffic, so the
	// hub resumes pushing snapshots after a reconnect.
	replay []byte

	outbox chan []byte
	done   chan struct{}

	url     string
	secret  string
	subject string

	onSnapshot   func(streaming.SnapshotPayload)
	onDisconnect func(error)

	// initialBackoff doubles on every failed attempt up to maxBackoff.
	initialBackoff time.Duration

	logger *slog.Logger
}

func newConnection(logger *slog.Logger) *connection {
	return &connection{
		outbox:         make(chan []byte, outboxSize),
		done:           make(chan struct{}),
		pending:        make(map[string]chan streaming.AckMessage),
		initialBackoff: time.Second,
		logger:         logger,
	}
}

// dial connects once; later failures are handled by reconnect.
func (c *connection) dial(rawURL, secret, subject string) error {
	c.url, c.secret, c.subject = rawURL, secret, subject

	conn, err := c.open()
	if err != nil {
		return err
	}
	c.mu.Lock()
	c.conn = conn
	c.mu.Unlock()
	c.start(conn)
	return nil
}

// open dials the hub. A fresh token is signed for every attempt so a
// reconnect never presents an expired one.
func (c *connection) open() (*ws.Conn, error) {
	var header http.Header
	if c.secret != "" {
		tokens, err := auth.NewTokens(c.secret, 0)
		if err != nil {
			return nil, err
		}
		tok, err := tokens.Issue(c.subject)
		if err != nil {
			return nil, fmt.Errorf("sign token: %w", err)
		}
		header = http.Header{"Authorization": []string{"Bearer " + tok}}
	}

	conn, _, err := dialer.Dial(c.url, header)
	if err != nil {
		return nil, fmt.Errorf("websocket dial failed: %w", err)
	}

	alive := func() error { return conn.SetReadDeadline(time.Now().Add(idleTimeout)) }
	_ = alive()
	conn.SetPingHandler(func(data string) error {
		_ = alive()
		return conn.WriteControl(ws.PongMessage, []byte(data), time.Now().Add(writeWait))
	})
	return conn, nil
}

func (c *connection) start(conn *ws.Conn) {
	go c.write(conn)
	go c.read(conn)
}

func (c *connection) current(conn *ws.Conn) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn == conn
}

func writeFrame(conn *ws.Conn, data []byte) error {
	if err := conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
		return err
	}
	return conn.WriteMessage(ws.TextMessage, data)
}

// write drains the outbox onto conn until conn breaks, is replaced, or the
// connection closes.
func (c *connection) write(conn *ws.Conn) {
	for {
		select {
		case <-c.done:
			return
		case data := <-c.outbox:
			if !c.current(conn) {
				c.requeue(data)
				return
			}
			if err := writeFrame(conn, data); err != nil {
				c.logger.Warn("WebSocket write error", "error", err)
				go c.reconnect(conn, err)
				return
			}
		}
	}
}

func (c *connection) requeue(data []byte) {
	select {
	case c.outbox <- data:
	default:
		c.logger.Warn("WebSocket send channel full, dropping message")
	}
}

// read routes acks to their waiting request and snapshots to onSnapshot.
func (c *connection) read(conn *ws.Conn) {
	for {
		_, frame, err := conn.ReadMessage()
		if err != nil {
			select {
			case <-c.done:
			default:
				c.logger.Warn("WebSocket read error", "error", err)
				go c.reconnect(conn, err)
			}
			return
		}
		_ = conn.SetReadDeadline(time.Now().Add(idleTimeout))
		c.route(frame)
	}
}

func (c *connection) route(frame []byte) {
	var in inbound
	if err := json.Unmarshal(frame, &in); err != nil {
		c.logger.Debug("Malformed message received", "raw", string(frame))
		return
	}

	switch in.Type {
	case streaming.TypeAck:
		var ack streaming.AckMessage
		if err := json.Unmarshal(frame, &ack); err != nil {
			c.logger.Debug("Malformed ack received", "error", err)
			return
		}
		c.resolve(ack)
	case streaming.TypeSnapshot:
		var snap streaming.SnapshotPayload
		if err := json.Unmarshal(in.Payload, &snap); err != nil {
			c.logger.Debug("Malformed snapshot received", "error", err)
			return
		}
		if c.onSnapshot != nil {
			c.onSnapshot(snap)
		}
	default:
		c.logger.Debug("Unknown message received", "type", in.Type)
	}
}

func (c *connection) resolve(ack streaming.AckMessage) {
	c.mu.Lock()
	ch, ok := c.pending[ack.RequestID]
	delete(c.pending, ack.RequestID)
	c.mu.Unlock()

	if !ok {
		c.logger.Debug("Ack for unknown request", "for", ack.For, "requestId", ack.RequestID)
		return
	}
	ch <- ack
}

func nextBackoff(d time.Duration) time.Duration {
	return min(2*d, maxBackoff)
}

// reconnect replaces broken with a new socket, retrying with exponential
// backoff. Only the first caller for a given socket does any work.
func (c *connection) reconnect(broken *ws.Conn, cause error) {
	c.mu.Lock()
	if c.closed || c.conn != broken {
		c.mu.Unlock()
		return
	}
	_ = c.conn.Close()
	c.conn = nil
	c.mu.Unlock()

	if c.onDisconnect != nil {
		c.onDisconnect(cause)
	}

	backoff := c.initialBackoff
	for attempt := 1; attempt <= maxReconnect; attempt, backoff = attempt+1, nextBackoff(backoff) {
		select {
		case <-c.done:
			return
		case <-time.After(backoff):
		}
		c.logger.Info("Reconnecting to WebSocket", "attempt", attempt, "backoff", backoff)

		conn, err := c.open()
		if err != nil {
			c.logger.Warn("Reconnect dial failed", "attempt", attempt, "error", err)
			continue
		}

		c.mu.Lock()
		if c.closed {
			c.mu.Unlock()
			_ = conn.Close()
			return
		}
		replay := c.replay
		c.mu.Unlock()

		if replay != nil {
			if err := writeFrame(conn, replay); err != nil {
				c.logger.Warn("Failed to replay subscribe after reconnect", "error", err)
				_ = conn.Close()
				continue
			}
		}

		c.mu.Lock()
		c.conn = conn
		c.mu.Unlock()
		c.logger.Info("WebSocket reconnected", "attempt", attempt)
		c.start(conn)
		return
	}

	c.logger.Error("WebSocket reconnect failed after max attempts", "maxAttempts", maxReconnect)
}

// setReplay records the frame replayed on every reconnect.
func (c *connection) setReplay(data []byte) {
	c.mu.Lock()
	c.replay = data
	c.mu.Unlock()
}

// send queues data for the writer without blocking.
func (c *connection) send(data []byte) error {
	select {
	case c.outbox <- data:
		return nil
	default:
		return errOutboxFull
	}
}

// sendAndWait sends data and blocks until the hub acknowledges requestID or
// the timeout expires.
func (c *connection) sendAndWait(data []byte, requestID string, timeout time.Duration) (streaming.AckMessage, error) {
	ch := make(chan streaming.AckMessage, 1)

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return streaming.AckMessage{}, errConnClosed
	}
	c.pending[requestID] = ch
	c.mu.Unlock()

	forget := func() {
		c.mu.Lock()
		delete(c.pending, requestID)
		c.mu.Unlock()
	}

	if err := c.send(data); err != nil {
		forget()
		return streaming.AckMessage{}, err
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case ack := <-ch:
		return ack, nil
	case <-timer.C:
		forget()
		return streaming.AckMessage{}, fmt.Errorf("timeout waiting for ack of %q", requestID)
	case <-c.done:
		return streaming.AckMessage{}, fmt.Errorf("waiting for ack of %q: %w", requestID, errConnClosed)
	}
}

// close sends a close frame and stops every goroutine.
func (c *connection) close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	close(c.done)
	conn := c.conn
	c.conn = nil
	c.mu.Unlock()

	if conn == nil {
		return nil
	}
	_ = conn.WriteControl(ws.CloseMessage,
		ws.FormatCloseMessage(ws.CloseNormalClosure, ""), time.Now().Add(writeWait))
	return conn.Close()
}
