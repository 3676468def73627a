// Package hub serves a presence store to many clients over WebSocket. Each
// request frame is routed through the dispatcher by message type; subscribed
// connections receive a snapshot push after every change.
package hub

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	ws "github.com/gorilla/websocket"
	"github.com/google/uuid"

	"github.com/localizer/presence/internal/auth"
	"github.com/localizer/presence/internal/dispatcher"
	"github.com/localizer/presence/internal/storage"
	"github.com/localizer/presence/pkg/streaming"
)

const requestTimeout = 10 * time.Second

// request is the dispatcher payload of one received frame.
type request struct {
	client *Client
	env    streaming.Envelope
}

// Hub owns every client connection of one presence store.
type Hub struct {
	backend    storage.Backend
	dispatcher *dispatcher.Dispatcher
	tokens     *auth.Tokens
	logger     *slog.Logger
	upgrader   ws.Upgrader

	mu      sync.RWMutex
	clients map[string]*Client
	closed  bool
}

// New creates a Hub serving backend. Clients must present a token signed
// with secret; an empty secret disables the check.
func New(backend storage.Backend, secret string, logger *slog.Logger) (*Hub, error) {
	if logger == nil {
		logger = slog.Default()
	}
	var tokens *auth.Tokens
	if secret != "" {
		var err error
		if tokens, err = auth.NewTokens(secret, 0); err != nil {
			return nil, err
		}
	}
	d, err := dispatcher.New(logger)
	if err != nil {
		return nil, fmt.Errorf("create dispatcher: %w", err)
	}

	h := &Hub{
		backend:    backend,
		dispatcher: d,
		tokens:     tokens,
		logger:     logger,
		upgrader: ws.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		clients: make(map[string]*Client),
	}

	d.Register(streaming.TypeUpdate, h.handleUpdate, dispatcher.Logged())
	d.Register(streaming.TypeDelete, h.handleDelete, dispatcher.Logged())
	d.Register(streaming.TypeReadAll, h.handleReadAll, dispatcher.Logged())
	d.Register(streaming.TypeSubscribe, h.handleSubscribe, dispatcher.Logged())
	d.Register(streaming.TypeUnsubscribe, h.handleUnsubscribe, dispatcher.Logged())
	return h, nil
}

// ServeHTTP upgrades the request and starts the client pumps.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	subject := ""
	if h.tokens != nil {
		claims, err := h.tokens.Verify(tokenFrom(r))
		if err != nil {
			h.logger.Debug("Rejected client", "remote", r.RemoteAddr, "error", err)
			http.Error(w, "invalid token", http.StatusUnauthorized)
			return
		}
		subject = claims.Subject
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("WebSocket upgrade failed", "error", err)
		return
	}

	c := newClient(uuid.NewString(), conn, h)

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		_ = conn.Close()
		return
	}
	h.clients[c.ID] = c
	h.mu.Unlock()

	h.logger.Info("Client connected", "client", c.ID, "subject", subject, "remote", r.RemoteAddr)

	go c.writePump()
	go c.readPump()
}

// tokenFrom reads the bearer token from the Authorization header or the
// token query parameter.
func tokenFrom(r *http.Request) string {
	if h := r.Header.Get("Authorization"); strings.HasPrefix(h, "Bearer ") {
		return strings.TrimPrefix(h, "Bearer ")
	}
	return r.URL.Query().Get("token")
}

// Clients returns the number of connected clients.
func (h *Hub) Clients() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Close disconnects every client. The backend is left open.
func (h *Hub) Close() {
	h.mu.Lock()
	h.closed = true
	clients := make([]*Client, 0, len(h.clients))
	for _, c := range h.clients {
		clients = append(clients, c)
	}
	h.mu.Unlock()

	for _, c := range clients {
		c.shutdown()
	}
	h.dispatcher.Close()
}

func (h *Hub) unregister(c *Client) {
	h.mu.Lock()
	delete(h.clients, c.ID)
	h.mu.Unlock()
	h.logger.Info("Client disconnected", "client", c.ID)
}

// handleFrame routes one frame and answers with an ack.
func (h *Hub) handleFrame(c *Client, message []byte) {
	var env streaming.Envelope
	if err := json.Unmarshal(message, &env); err != nil {
		h.logger.Debug("Malformed frame", "client", c.ID, "error", err)
		return
	}

	result, err := h.dispatcher.Dispatch(dispatcher.Event{
		Command: env.Type,
		Payload: request{client: c, env: env},
	})

	ack, ok := result.(streaming.AckMessage)
	if !ok {
		ack = streaming.AckMessage{RequestID: requestIDOf(env.Payload)}
	}
	ack.Type = streaming.TypeAck
	ack.For = env.Type
	if err != nil && ack.Error == "" {
		ack.Error = err.Error()
	}

	data, err := json.Marshal(ack)
	if err != nil {
		h.logger.Error("Failed to marshal ack", "error", err)
		return
	}
	c.enqueue(data)
}

func requestIDOf(payload json.RawMessage) string {
	var p struct {
		RequestID string `json:"requestId"`
	}
	_ = json.Unmarshal(payload, &p)
	return p.RequestID
}

func decode[T any](e dispatcher.Event) (request, T, error) {
	var payload T
	req, ok := e.Payload.(request)
	if !ok {
		return req, payload, errors.New("unexpected event payload")
	}
	if err := json.Unmarshal(req.env.Payload, &payload); err != nil {
		return req, payload, fmt.Errorf("decode %s: %w", e.Command, err)
	}
	return req, payload, nil
}

func (h *Hub) handleUpdate(e dispatcher.Event) (any, error) {
	_, p, err := decode[streaming.UpdatePayload](e)
	if err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
	defer cancel()

	ack := streaming.AckMessage{RequestID: p.RequestID}
	if err := h.backend.Update(ctx, p.UserID, p.Patch); err != nil {
		ack.Error = err.Error()
		return ack, err
	}
	return ack, nil
}

func (h *Hub) handleDelete(e dispatcher.Event) (any, error) {
	_, p, err := decode[streaming.DeletePayload](e)
	if err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
	defer cancel()

	ack := streaming.AckMessage{RequestID: p.RequestID}
	if err := h.backend.Delete(ctx, p.UserID); err != nil {
		ack.Error = err.Error()
		return ack, err
	}
	return ack, nil
}

func (h *Hub) handleReadAll(e dispatcher.Event) (any, error) {
	_, p, err := decode[streaming.ReadAllPayload](e)
	if err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
	defer cancel()

	ack := streaming.AckMessage{RequestID: p.RequestID}
	snap, err := h.backend.ReadAll(ctx)
	if err != nil {
		ack.Error = err.Error()
		return ack, err
	}
	ack.Snapshot = &snap
	return ack, nil
}

func (h *Hub) handleSubscribe(e dispatcher.Event) (any, error) {
	req, p, err := decode[streaming.SubscribePayload](e)
	if err != nil {
		return nil, err
	}
	ack := streaming.AckMessage{RequestID: p.RequestID}
	if err := req.client.subscribe(h.backend); err != nil {
		ack.Error = err.Error()
		return ack, err
	}
	return ack, nil
}

func (h *Hub) handleUnsubscribe(e dispatcher.Event) (any, error) {
	req, p, err := decode[streaming.SubscribePayload](e)
	if err != nil {
		return nil, err
	}
	req.client.unsubscribe()
	return streaming.AckMessage{RequestID: p.RequestID}, nil
}
