package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"filesearch/internal/domain"
	"filesearch/internal/metrics"
)

const maxLegacyBodyBytes = 32 << 20

// LegacyAdapter issues one request/response call and reports its collection
// as a single Data batch followed by Complete.
type LegacyAdapter struct {
	baseURL   string
	path      string
	method    string
	userAgent string
	client    *http.Client
	logger    *slog.Logger
}

type legacyRequestBody struct {
	Server     string   `json:"server,omitempty"`
	Servers    []string `json:"servers"`
	RootPath   string   `json:"rootPath"`
	SearchTerm string   `json:"searchTerm"`
}

func NewLegacyAdapter(cfg Config) *LegacyAdapter {
	path := strings.TrimSpace(cfg.LegacyPath)
	if path == "" {
		path = DefaultSearchPath
	}
	method := strings.ToUpper(strings.TrimSpace(cfg.LegacyMethod))
	if method != http.MethodPost {
		method = http.MethodGet
	}
	client := cfg.RequestClient
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &LegacyAdapter{
		baseURL:   cfg.BaseURL,
		path:      path,
		method:    method,
		userAgent: cfg.UserAgent,
		client:    client,
		logger:    logger,
	}
}

func (a *LegacyAdapter) Mode() string { return ModeLegacy }

func (a *LegacyAdapter) Open(ctx context.Context, request domain.SearchRequest, sink Sink) (Handle, error) {
	endpoint, err := resolveEndpoint(a.baseURL, a.path)
	if err != nil {
		return nil, err
	}

	var body []byte
	if a.method == http.MethodPost {
		payload := legacyRequestBody{
			Servers:    request.Servers(),
			RootPath:   request.RootPath(),
			SearchTerm: request.SearchTerm(),
		}
		payload.Server, _ = request.SingleServer()
		body, err = json.Marshal(payload)
		if err != nil {
			return nil, err
		}
	} else {
		endpoint.RawQuery = searchQuery(request).Encode()
	}
	target := endpoint.String()
	logTarget := logEndpoint(endpoint)
	fallbackServer, _ := request.SingleServer()

	h := newHandle(ctx, sink)
	metrics.SearchesStarted.WithLabelValues(ModeLegacy).Inc()
	h.start(func(runCtx context.Context) {
		a.run(runCtx, h, target, logTarget, body, fallbackServer)
	})
	h.release()
	return h, nil
}

func (a *LegacyAdapter) run(ctx context.Context, h *handle, target, logTarget string, body []byte, fallbackServer string) {
	startedAt := time.Now()
	outcome := "error"
	defer func() {
		metrics.StreamDuration.WithLabelValues(ModeLegacy, outcome).Observe(time.Since(startedAt).Seconds())
	}()

	batch, err := a.fetch(ctx, target, body, fallbackServer)
	if err != nil {
		if h.isCancelled() {
			outcome = "cancelled"
			return
		}
		a.logger.Warn("legacy search failed", slog.String("url", logTarget), slog.String("error", err.Error()))
		h.emit(domain.ErrorEvent(domain.WrapTransport(err)))
		return
	}

	metrics.FramesTotal.WithLabelValues(domain.EventData.String()).Inc()
	if !h.emit(domain.DataEvent(batch)) {
		outcome = "cancelled"
		return
	}
	metrics.FramesTotal.WithLabelValues(domain.EventComplete.String()).Inc()
	h.emit(domain.CompleteEvent())
	outcome = "complete"
	if h.isCancelled() {
		outcome = "cancelled"
	}
}

func (a *LegacyAdapter) fetch(ctx context.Context, target string, body []byte, fallbackServer string) ([]domain.ResultRecord, error) {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, a.method, target, reader)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if a.userAgent != "" {
		req.Header.Set("User-Agent", a.userAgent)
	}

	resp, err := a.client.Do(req)
	if err != nil {
		return nil, redactURLError(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, newStatusError(resp)
	}

	payload, err := io.ReadAll(io.LimitReader(resp.Body, maxLegacyBodyBytes))
	if err != nil {
		return nil, err
	}
	batch, err := decodeBatch(bytes.TrimSpace(payload), "", fallbackServer)
	if err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	return batch, nil
}
