// Package transport turns a SearchRequest into a live sequence of normalized
// stream events. Two wire modes are supported: a server-sent-events stream
// and a legacy single request/response call.
package transport

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"filesearch/internal/domain"
)

const (
	ModeStream = "stream"
	ModeLegacy = "legacy"

	DefaultSearchPath  = "/api/file/search"
	DefaultServersPath = "/api/server"
)

var (
	ErrMalformedFrame = errors.New("malformed frame")
	ErrUnknownMode    = errors.New("unknown transport mode")
)

// StatusError reports a non-2xx HTTP answer. RetryAfter carries the
// backend's Retry-After hint, if any.
type StatusError struct {
	Code       int
	RetryAfter time.Duration
}

func newStatusError(resp *http.Response) *StatusError {
	statusErr := &StatusError{Code: resp.StatusCode}
	if raw := strings.TrimSpace(resp.Header.Get("Retry-After")); raw != "" {
		if seconds, err := strconv.Atoi(raw); err == nil && seconds > 0 {
			statusErr.RetryAfter = time.Duration(seconds) * time.Second
		} else if at, err := http.ParseTime(raw); err == nil {
			statusErr.RetryAfter = max(time.Until(at), 0)
		}
	}
	return statusErr
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("unexpected status %d %s", e.Code, http.StatusText(e.Code))
}

// Sink receives the events of one handle, in order, on the handle's goroutine.
type Sink func(domain.StreamEvent)

// Handle controls one opened search.
type Handle interface {
	// Cancel stops delivery. Once it returns the sink is never called again;
	// connection teardown may finish asynchronously.
	Cancel()
	// Done is closed when the handle's goroutine has exited.
	Done() <-chan struct{}
}

// Adapter opens searches against the backend. Open never calls sink itself,
// and no event reaches sink until Open has finished setting up the handle.
// The first event may arrive before the caller has received the Handle, so
// callers that need the Handle inside sink must synchronize on their own.
type Adapter interface {
	Open(ctx context.Context, request domain.SearchRequest, sink Sink) (Handle, error)
	Mode() string
}

type Config struct {
	Mode            string
	BaseURL         string
	SearchPath      string
	LegacyPath      string
	LegacyMethod    string
	UserAgent       string
	StreamClient    *http.Client
	RequestClient   *http.Client
	IdleTimeout     time.Duration
	ConnectAttempts int
	Logger          *slog.Logger
}

// New builds the adapter selected by cfg.Mode.
func New(cfg Config) (Adapter, error) {
	switch strings.ToLower(strings.TrimSpace(cfg.Mode)) {
	case "", ModeStream:
		return NewStreamAdapter(cfg), nil
	case ModeLegacy:
		return NewLegacyAdapter(cfg), nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownMode, cfg.Mode)
	}
}

func resolveEndpoint(baseURL, path string) (*url.URL, error) {
	base, err := url.Parse(strings.TrimSpace(baseURL))
	if err != nil {
		return nil, fmt.Errorf("invalid base url: %w", err)
	}
	if base.Scheme == "" || base.Host == "" {
		return nil, fmt.Errorf("invalid base url %q: missing scheme or host", baseURL)
	}
	ref, err := url.Parse(path)
	if err != nil {
		return nil, fmt.Errorf("invalid path %q: %w", path, err)
	}
	return base.ResolveReference(ref), nil
}

// logEndpoint renders u without its query, which carries the root path and
// search term.
func logEndpoint(u *url.URL) string {
	redacted := *u
	redacted.RawQuery = ""
	redacted.Fragment = ""
	return redacted.String()
}

// redactURLError strips the query from the URL a failed *url.Error reports.
func redactURLError(err error) error {
	var urlErr *url.Error
	if errors.As(err, &urlErr) {
		if u, parseErr := url.Parse(urlErr.URL); parseErr == nil {
			urlErr.URL = logEndpoint(u)
		}
	}
	return err
}

func searchQuery(request domain.SearchRequest) url.Values {
	values := url.Values{}
	values.Set("rootPath", request.RootPath())
	values.Set("searchTerm", request.SearchTerm())
	for _, server := range request.Servers() {
		values.Add("servers", server)
	}
	return values
}

// handle serializes delivery to the sink. Cancel takes the same lock, so a
// delivery in progress finishes before Cancel returns and none starts after.
type handle struct {
	ctx    context.Context
	cancel context.CancelFunc
	sink   Sink

	mu        sync.Mutex
	cancelled bool
	finished  bool

	ready chan struct{}
	done  chan struct{}
}

func newHandle(parent context.Context, sink Sink) *handle {
	ctx, cancel := context.WithCancel(parent)
	return &handle{
		ctx:    ctx,
		cancel: cancel,
		sink:   sink,
		ready:  make(chan struct{}),
		done:   make(chan struct{}),
	}
}

// start runs fn on its own goroutine. Events emitted by fn wait for release,
// which Open calls as its last step before returning; delivery may begin
// before the caller sees the returned Handle.
func (h *handle) start(fn func(ctx context.Context)) {
	go func() {
		defer close(h.done)
		defer h.cancel()
		fn(h.ctx)
	}()
}

func (h *handle) release() { close(h.ready) }

// emit delivers event unless the handle was cancelled or already delivered a
// terminal event. It reports whether the caller should keep producing.
func (h *handle) emit(event domain.StreamEvent) bool {
	<-h.ready

	h.mu.Lock()
	defer h.mu.Unlock()
	if h.cancelled || h.finished {
		return false
	}
	if event.Terminal() {
		h.finished = true
	}
	h.sink(event)
	return !h.finished
}

func (h *handle) isCancelled() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.cancelled
}

// Cancel marks the handle before tearing the connection down, so read errors
// caused by the teardown are never reported as transport failures.
func (h *handle) Cancel() {
	h.mu.Lock()
	h.cancelled = true
	h.mu.Unlock()
	h.cancel()
}

func (h *handle) Done() <-chan struct{} { return h.done }
