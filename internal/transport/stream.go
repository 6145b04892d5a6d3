package transport

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"filesearch/internal/domain"
	"filesearch/internal/metrics"
)

// StreamAdapter opens one server-sent-events connection per search.
type StreamAdapter struct {
	baseURL     string
	path        string
	userAgent   string
	client      *http.Client
	idleTimeout time.Duration
	connect     RetryConfig
	logger      *slog.Logger
}

func NewStreamAdapter(cfg Config) *StreamAdapter {
	path := strings.TrimSpace(cfg.SearchPath)
	if path == "" {
		path = DefaultSearchPath
	}
	client := cfg.StreamClient
	if client == nil {
		client = &http.Client{}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	connect := NoRetry()
	if cfg.ConnectAttempts > 1 {
		connect.MaxAttempts = cfg.ConnectAttempts
	}
	connect.OnRetry = logRetry(logger, "search stream connect")
	return &StreamAdapter{
		baseURL:     cfg.BaseURL,
		path:        path,
		userAgent:   cfg.UserAgent,
		client:      client,
		idleTimeout: cfg.IdleTimeout,
		connect:     connect,
		logger:      logger,
	}
}

func (a *StreamAdapter) Mode() string { return ModeStream }

func (a *StreamAdapter) Open(ctx context.Context, request domain.SearchRequest, sink Sink) (Handle, error) {
	endpoint, err := resolveEndpoint(a.baseURL, a.path)
	if err != nil {
		return nil, err
	}
	endpoint.RawQuery = searchQuery(request).Encode()
	target := endpoint.String()
	logTarget := logEndpoint(endpoint)
	fallbackServer, _ := request.SingleServer()

	h := newHandle(ctx, sink)
	metrics.SearchesStarted.WithLabelValues(ModeStream).Inc()
	h.start(func(runCtx context.Context) {
		a.run(runCtx, h, target, logTarget, fallbackServer)
	})
	h.release()
	return h, nil
}

func (a *StreamAdapter) run(ctx context.Context, h *handle, target, logTarget, fallbackServer string) {
	startedAt := time.Now()
	outcome := "cancelled"
	defer func() {
		metrics.StreamDuration.WithLabelValues(ModeStream, outcome).Observe(time.Since(startedAt).Seconds())
	}()

	reqCtx, cancelReq := context.WithCancel(ctx)
	defer cancelReq()

	var stalled atomic.Bool
	var idle *time.Timer
	touch := func() {}
	if a.idleTimeout > 0 {
		idle = time.AfterFunc(a.idleTimeout, func() {
			stalled.Store(true)
			cancelReq()
		})
		defer idle.Stop()
		touch = func() { idle.Reset(a.idleTimeout) }
	}

	resp, err := a.dial(reqCtx, target)
	if err != nil {
		if stalled.Load() {
			err = domain.ErrStalled
		}
		outcome = a.finish(h, domain.ErrorEvent(domain.WrapTransport(err)))
		return
	}
	defer resp.Body.Close()
	touch()

	a.logger.Debug("search stream opened", slog.String("url", logTarget), slog.Int("status", resp.StatusCode))

	reader := newSSEReader(resp.Body, touch)
	received := false
	for {
		frame, err := reader.Next()
		if err != nil {
			switch {
			case h.isCancelled():
				return
			case stalled.Load():
				a.logger.Warn("search stream stalled", slog.String("url", logTarget), slog.Duration("idleTimeout", a.idleTimeout))
				outcome = a.finish(h, domain.ErrorEvent(domain.WrapTransport(domain.ErrStalled)))
			case errors.Is(err, io.EOF) && received:
				outcome = a.finish(h, domain.CompleteEvent())
			case errors.Is(err, io.EOF):
				outcome = a.finish(h, domain.ErrorEvent(domain.WrapTransport(domain.ErrUnknownTermination)))
			default:
				outcome = a.finish(h, domain.ErrorEvent(domain.WrapTransport(err)))
			}
			return
		}

		events, err := decodeFrame(frame.Event, []byte(frame.Data), fallbackServer)
		if err != nil {
			metrics.MalformedFramesTotal.Inc()
			a.logger.Warn("skipping malformed search frame",
				slog.String("event", frame.Event),
				slog.Int("bytes", len(frame.Data)),
				slog.String("error", err.Error()),
			)
			continue
		}
		for _, event := range events {
			metrics.FramesTotal.WithLabelValues(event.Kind.String()).Inc()
			if event.Kind == domain.EventData && len(event.Batch) > 0 {
				received = true
			}
			if event.Terminal() {
				outcome = a.finish(h, event)
				return
			}
			if !h.emit(event) {
				return
			}
		}
	}
}

// finish emits the terminal event and returns the metrics outcome label.
func (a *StreamAdapter) finish(h *handle, event domain.StreamEvent) string {
	h.emit(event)
	if h.isCancelled() {
		return "cancelled"
	}
	if event.Kind == domain.EventComplete {
		return "complete"
	}
	return "error"
}

func (a *StreamAdapter) dial(ctx context.Context, target string) (*http.Response, error) {
	var resp *http.Response
	err := RetryWithBackoff(ctx, a.connect, func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
		if err != nil {
			return err
		}
		req.Header.Set("Accept", "text/event-stream")
		req.Header.Set("Cache-Control", "no-cache")
		if a.userAgent != "" {
			req.Header.Set("User-Agent", a.userAgent)
		}
		r, err := a.client.Do(req)
		if err != nil {
			return redactURLError(err)
		}
		if r.StatusCode < 200 || r.StatusCode > 299 {
			_, _ = io.Copy(io.Discard, io.LimitReader(r.Body, 4<<10))
			r.Body.Close()
			return newStatusError(r)
		}
		resp = r
		return nil
	})
	if err != nil {
		return nil, err
	}
	return resp, nil
}
