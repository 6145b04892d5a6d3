package apihttp

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

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"golang.org/x/sync/semaphore"

	"filesearch/internal/domain"
	"filesearch/internal/eventbus"
	"filesearch/internal/metrics"
	"filesearch/internal/orchestrator"
	"filesearch/internal/transport"
)

const sessionIDHeader = "X-Session-ID"

// searchFailedAlert is shown to users when a search ends without results.
const searchFailedAlert = "Unable to read files from the given directory."

type ServerDirectory interface {
	Servers(ctx context.Context) ([]string, error)
}

type Server struct {
	adapter        transport.Adapter
	directory      ServerDirectory
	redis          *redis.Client
	eventsPrefix   string
	logger         *slog.Logger
	maxSessions    int64
	sessions       *semaphore.Weighted
	rateRPS        float64
	rateBurst      int
	allowAnyOrigin bool
	wsHub          *wsHub
	upgrader       websocket.Upgrader
}

type ServerOption func(*Server)

func WithLogger(logger *slog.Logger) ServerOption {
	return func(s *Server) {
		s.logger = logger
	}
}

func WithDirectory(directory ServerDirectory) ServerOption {
	return func(s *Server) {
		s.directory = directory
	}
}

// WithRedisMirror republishes every session's events on
// prefix+sessionID.
func WithRedisMirror(client *redis.Client, prefix string) ServerOption {
	return func(s *Server) {
		s.redis = client
		s.eventsPrefix = prefix
	}
}

func WithMaxSessions(n int) ServerOption {
	return func(s *Server) {
		if n > 0 {
			s.maxSessions = int64(n)
		}
	}
}

func WithRateLimit(rps float64, burst int) ServerOption {
	return func(s *Server) {
		if rps > 0 && burst > 0 {
			s.rateRPS = rps
			s.rateBurst = burst
		}
	}
}

func WithAllowAnyOrigin(allow bool) ServerOption {
	return func(s *Server) {
		s.allowAnyOrigin = allow
	}
}

func NewServer(adapter transport.Adapter, options ...ServerOption) *Server {
	server := &Server{
		adapter:        adapter,
		logger:         slog.Default(),
		eventsPrefix:   eventbus.DefaultRedisEventsPrefix,
		maxSessions:    64,
		rateRPS:        10,
		rateBurst:      20,
		allowAnyOrigin: true,
	}
	for _, option := range options {
		if option != nil {
			option(server)
		}
	}
	if server.logger == nil {
		server.logger = slog.Default()
	}
	server.sessions = semaphore.NewWeighted(server.maxSessions)
	server.upgrader = newWSUpgrader(server.allowAnyOrigin)
	server.wsHub = newWSHub(server.logger)
	go server.wsHub.run()
	return server
}

func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", s.handleHealth)
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/api/servers", s.handleServers)
	mux.HandleFunc("/api/search/stream", s.handleSearchStream)
	mux.HandleFunc("/ws", s.handleWS)
	traced := otelhttp.NewHandler(loggingMiddleware(s.logger, mux), "filesearch-gateway",
		otelhttp.WithFilter(func(r *http.Request) bool {
			p := r.URL.Path
			return p != "/metrics" && p != "/health"
		}),
	)
	limiters := newClientLimiters(s.rateRPS, s.rateBurst)
	return recoveryMiddleware(s.logger, rateLimitMiddleware(limiters, metricsMiddleware(traced)))
}

// Close disconnects every websocket session and cancels its search.
func (s *Server) Close() {
	if s.wsHub != nil {
		s.wsHub.Close()
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	mode := ""
	if s.adapter != nil {
		mode = s.adapter.Mode()
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status":    "ok",
		"mode":      mode,
		"sessions":  s.wsHub.clientCount(),
		"timestamp": time.Now().UTC(),
	})
}

func (s *Server) handleServers(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	if s.directory == nil {
		writeError(w, http.StatusServiceUnavailable, "service_unavailable", "server directory is not configured")
		return
	}
	servers, err := s.directory.Servers(r.Context())
	if err != nil {
		s.logger.Warn("server directory request failed", slog.String("error", err.Error()))
		writeError(w, http.StatusBadGateway, "upstream_error", "unable to list servers")
		return
	}
	if servers == nil {
		servers = []string{}
	}
	writeJSON(w, http.StatusOK, servers)
}

// handleSearchStream runs one search for the lifetime of the request and
// pushes every aggregate state change as an SSE "state" event.
func (s *Server) handleSearchStream(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	if s.adapter == nil {
		writeError(w, http.StatusInternalServerError, "internal_error", "search transport is not configured")
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "internal_error", "streaming is not supported")
		return
	}

	query := r.URL.Query()
	servers := parseServers(query["servers"])
	rootPath := query.Get("rootPath")
	searchTerm := query.Get("searchTerm")
	if _, err := domain.BuildSearchRequest(servers, rootPath, searchTerm); err != nil {
		writeValidationError(w, err)
		return
	}

	release, ok := s.acquireSession()
	if !ok {
		writeError(w, http.StatusServiceUnavailable, "too_many_sessions", "too many concurrent searches")
		return
	}
	defer release()

	session := s.newSession(r.Context())
	defer session.close()

	changed := make(chan struct{}, 1)
	unsubscribe := session.search.Subscribe(func(domain.AggregateState) {
		select {
		case changed <- struct{}{}:
		default:
		}
	})
	defer unsubscribe()

	if err := session.search.Start(session.ctx, servers, rootPath, searchTerm); err != nil {
		var verr *domain.ValidationError
		if errors.As(err, &verr) {
			writeValidationError(w, err)
			return
		}
	}

	w.Header().Set("Content-Type", "text/event-stream; charset=utf-8")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.Header().Set(sessionIDHeader, session.id)

	for {
		select {
		case <-r.Context().Done():
			return // Client disconnected
		case <-changed:
		}
		state := session.search.Snapshot()
		if err := writeSSEEvent(w, flusher, "state", newSearchStatePayload(state)); err != nil {
			return
		}
		if state.Status == domain.StatusCompleted || state.Status == domain.StatusFailed {
			_ = writeSSEEvent(w, flusher, "done", map[string]any{"final": true})
			return
		}
	}
}

// acquireSession reserves one of the concurrent search slots.
func (s *Server) acquireSession() (func(), bool) {
	if !s.sessions.TryAcquire(1) {
		return nil, false
	}
	metrics.ActiveSessions.Inc()
	var once sync.Once
	return func() {
		once.Do(func() {
			metrics.ActiveSessions.Dec()
			s.sessions.Release(1)
		})
	}, true
}

type searchSession struct {
	id     string
	ctx    context.Context
	search *orchestrator.Orchestrator
	close  func()
}

// newSession builds an Orchestrator with its own bus, mirrored to Redis
// when configured. The session context outlives the HTTP handler and ends
// with close.
func (s *Server) newSession(parent context.Context) *searchSession {
	id := uuid.NewString()
	logger := s.logger.With(slog.String("sessionID", id))
	ctx, cancel := context.WithCancel(context.WithoutCancel(parent))

	bus := eventbus.New(eventbus.WithLogger(logger))
	search := orchestrator.New(s.adapter,
		orchestrator.WithLogger(logger),
		orchestrator.WithBus(bus),
	)
	closers := []func(){search.Close, cancel}
	if s.redis != nil {
		mirror := eventbus.NewRedisMirror(s.redis, s.eventsPrefix, id, logger)
		detach := mirror.Attach(bus)
		closers = append(closers, detach, mirror.Close)
		logger.Debug("session mirrored to redis", slog.String("channel", mirror.Channel()))
	}

	var once sync.Once
	return &searchSession{
		id:     id,
		ctx:    ctx,
		search: search,
		close: func() {
			once.Do(func() {
				for _, fn := range closers {
					fn()
				}
			})
		},
	}
}

type searchStatePayload struct {
	domain.AggregateState
	Alert string `json:"alert,omitempty"`
}

func newSearchStatePayload(state domain.AggregateState) searchStatePayload {
	payload := searchStatePayload{AggregateState: state}
	if state.Status == domain.StatusFailed {
		payload.Alert = searchFailedAlert
	}
	return payload
}

type errorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Field   string `json:"field,omitempty"`
}

func newErrorPayload(err error) errorPayload {
	var verr *domain.ValidationError
	switch {
	case errors.As(err, &verr):
		return errorPayload{Code: "invalid_request", Message: verr.Reason, Field: verr.Field}
	case errors.Is(err, domain.ErrTransport):
		return errorPayload{Code: "transport_error", Message: err.Error()}
	default:
		return errorPayload{Code: "internal_error", Message: err.Error()}
	}
}

func writeValidationError(w http.ResponseWriter, err error) {
	payload := newErrorPayload(err)
	writeJSON(w, http.StatusBadRequest, map[string]any{"error": payload})
}

func parseServers(values []string) []string {
	var out []string
	for _, value := range values {
		for _, part := range strings.Split(value, ",") {
			if part = strings.TrimSpace(part); part != "" {
				out = append(out, part)
			}
		}
	}
	return out
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, map[string]any{
		"error": map[string]string{
			"code":    code,
			"message": message,
		},
	})
}

func writeSSEEvent(w http.ResponseWriter, flusher http.Flusher, event string, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	if event != "" {
		if _, err := fmt.Fprintf(w, "event: %s\n", event); err != nil {
			return err // Client disconnected
		}
	}
	if _, err := fmt.Fprintf(w, "data: %s\n\n", data); err != nil {
		return err // Client disconnected
	}
	flusher.Flush()
	return nil
}
