package apihttp

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"filesearch/internal/domain"
	"filesearch/internal/orchestrator"
)

const (
	wsSendBuffer   = 64
	wsReadLimit    = 64 << 10
	wsWriteTimeout = 10 * time.Second
	wsPongTimeout  = 60 * time.Second
	wsPingInterval = 30 * time.Second
)

type wsMessage struct {
	Type string      `json:"type"`
	Data interface{} `json:"data,omitempty"`
}

// wsRequest is a client command: "search" or "cancel".
type wsRequest struct {
	Type       string   `json:"type"`
	Servers    []string `json:"servers"`
	RootPath   string   `json:"rootPath"`
	SearchTerm string   `json:"searchTerm"`
}

type wsClient struct {
	hub     *wsHub
	conn    *websocket.Conn
	send    chan []byte
	changed chan struct{}
	done    chan struct{}
	session *searchSession
	release func()
	logger  *slog.Logger

	closeOnce sync.Once
}

type wsHub struct {
	clients    map[*wsClient]bool
	count      atomic.Int64
	register   chan *wsClient
	unregister chan *wsClient
	done       chan struct{}
	closeOnce  sync.Once
	logger     *slog.Logger
}

func newWSHub(logger *slog.Logger) *wsHub {
	return &wsHub{
		clients:    make(map[*wsClient]bool),
		register:   make(chan *wsClient),
		unregister: make(chan *wsClient),
		done:       make(chan struct{}),
		logger:     logger,
	}
}

func (h *wsHub) run() {
	for {
		select {
		case <-h.done:
			for client := range h.clients {
				_ = client.conn.WriteControl(
					websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down"),
					time.Now().Add(2*time.Second),
				)
				client.shutdown()
				delete(h.clients, client)
			}
			h.count.Store(0)
			h.logger.Debug("ws hub stopped, all sessions closed")
			return
		case client := <-h.register:
			h.clients[client] = true
			h.count.Store(int64(len(h.clients)))
			h.logger.Debug("ws session opened", slog.String("sessionID", client.session.id), slog.Int("total", len(h.clients)))
		case client := <-h.unregister:
			if _, ok := h.clients[client]; ok {
				delete(h.clients, client)
				client.shutdown()
				h.count.Store(int64(len(h.clients)))
				h.logger.Debug("ws session closed", slog.String("sessionID", client.session.id), slog.Int("total", len(h.clients)))
			}
		}
	}
}

// Close signals the hub to stop and disconnect all clients.
func (h *wsHub) Close() {
	h.closeOnce.Do(func() { close(h.done) })
}

func (h *wsHub) clientCount() int {
	return int(h.count.Load())
}

func newWSUpgrader(allowAnyOrigin bool) websocket.Upgrader {
	upgrader := websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
	}
	if allowAnyOrigin {
		upgrader.CheckOrigin = func(r *http.Request) bool { return true }
	}
	return upgrader
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	if s.adapter == nil {
		writeError(w, http.StatusInternalServerError, "internal_error", "search transport is not configured")
		return
	}
	release, ok := s.acquireSession()
	if !ok {
		writeError(w, http.StatusServiceUnavailable, "too_many_sessions", "too many concurrent searches")
		return
	}
	session := s.newSession(r.Context())
	w.Header().Set(sessionIDHeader, session.id)
	conn, err := s.upgrader.Upgrade(w, r, http.Header{sessionIDHeader: []string{session.id}})
	if err != nil {
		session.close()
		release()
		s.logger.Error("ws upgrade failed", slog.String("error", err.Error()))
		return
	}

	client := &wsClient{
		hub:     s.wsHub,
		conn:    conn,
		send:    make(chan []byte, wsSendBuffer),
		changed: make(chan struct{}, 1),
		done:    make(chan struct{}),
		session: session,
		logger:  s.logger.With(slog.String("sessionID", session.id)),
	}
	unsubscribe := session.search.Subscribe(func(domain.AggregateState) {
		select {
		case client.changed <- struct{}{}:
		default:
		}
	})
	client.release = func() {
		unsubscribe()
		release()
	}

	select {
	case s.wsHub.register <- client:
	case <-s.wsHub.done:
		client.shutdown()
		_ = conn.Close()
		return
	}
	client.enqueue("session", map[string]string{"id": session.id, "mode": session.search.Mode()})

	go client.writePump()
	go client.statePump()
	go client.readPump()
}

// shutdown cancels the session's search and stops the pumps. The hub calls
// it exactly once per registered client.
func (c *wsClient) shutdown() {
	c.closeOnce.Do(func() {
		c.session.close()
		c.release()
		close(c.done)
	})
}

// enqueue marshals a message for the write pump. A client that cannot keep
// up is disconnected.
func (c *wsClient) enqueue(msgType string, data interface{}) {
	payload, err := json.Marshal(wsMessage{Type: msgType, Data: data})
	if err != nil {
		c.logger.Error("ws marshal failed", slog.String("error", err.Error()))
		return
	}
	select {
	case <-c.done:
	case c.send <- payload:
	default:
		c.logger.Warn("ws send buffer full, closing session")
		_ = c.conn.Close()
	}
}

// statePump pushes the latest aggregate snapshot after every change.
// Intermediate states may coalesce; the terminal state is always delivered.
func (c *wsClient) statePump() {
	for {
		select {
		case <-c.done:
			return
		case <-c.changed:
			c.enqueue("state", newSearchStatePayload(c.session.search.Snapshot()))
		}
	}
}

func (c *wsClient) writePump() {
	ticker := time.NewTicker(wsPingInterval)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()
	for {
		select {
		case <-c.done:
			_ = c.conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
			_ = c.conn.WriteMessage(websocket.CloseMessage, nil)
			return
		case msg := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (c *wsClient) readPump() {
	defer func() {
		select {
		case c.hub.unregister <- c:
		case <-c.hub.done:
		}
		c.conn.Close()
	}()
	c.conn.SetReadLimit(wsReadLimit)
	_ = c.conn.SetReadDeadline(time.Now().Add(wsPongTimeout))
	c.conn.SetPongHandler(func(string) error {
		_ = c.conn.SetReadDeadline(time.Now().Add(wsPongTimeout))
		return nil
	})
	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.logger.Debug("ws read failed", slog.String("error", err.Error()))
			}
			return
		}
		c.handleRequest(data)
	}
}

func (c *wsClient) handleRequest(data []byte) {
	var req wsRequest
	if err := json.Unmarshal(data, &req); err != nil {
		c.enqueue("error", errorPayload{Code: "invalid_request", Message: "malformed message"})
		return
	}
	switch req.Type {
	case "search":
		err := c.session.search.Start(c.session.ctx, req.Servers, req.RootPath, req.SearchTerm)
		switch {
		case err == nil:
		case errors.Is(err, orchestrator.ErrClosed):
			return
		default:
			c.enqueue("error", newErrorPayload(err))
		}
	case "cancel":
		c.session.search.Cancel()
		c.enqueue("cancelled", newSearchStatePayload(c.session.search.Snapshot()))
	default:
		c.enqueue("error", errorPayload{Code: "invalid_request", Message: "unknown message type " + req.Type})
	}
}
