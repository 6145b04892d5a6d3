package transport

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"
)

// Directory lists the file servers the backend can search.
type Directory struct {
	baseURL   string
	path      string
	userAgent string
	client    *http.Client
	retry     RetryConfig
	cache     DirectoryCache
	cacheTTL  time.Duration
	logger    *slog.Logger
}

type DirectoryConfig struct {
	BaseURL   string
	Path      string
	UserAgent string
	Client    *http.Client
	Retry     *RetryConfig
	Cache     DirectoryCache
	CacheTTL  time.Duration
	Logger    *slog.Logger
}

// NewDirectory builds a Directory. Cache is used only when CacheTTL is
// positive; a nil Cache then defaults to an in-process one.
func NewDirectory(cfg DirectoryConfig) *Directory {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		path = DefaultServersPath
	}
	client := cfg.Client
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	retry := DefaultRetryConfig()
	if cfg.Retry != nil {
		retry = *cfg.Retry
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if retry.OnRetry == nil {
		retry.OnRetry = logRetry(logger, "server directory fetch")
	}
	d := &Directory{
		baseURL:   cfg.BaseURL,
		path:      path,
		userAgent: cfg.UserAgent,
		client:    client,
		retry:     retry,
		logger:    logger,
	}
	if cfg.CacheTTL > 0 {
		d.cache = cfg.Cache
		if d.cache == nil {
			d.cache = NewMemoryDirectoryCache()
		}
		d.cacheTTL = cfg.CacheTTL
	}
	return d
}

// Servers returns the server identifiers in backend order, without blanks
// or duplicates. Cache failures fall through to the backend.
func (d *Directory) Servers(ctx context.Context) ([]string, error) {
	if d.cache != nil {
		servers, ok, err := d.cache.Get(ctx)
		if err != nil {
			d.logger.Warn("server directory cache read failed", slog.String("error", err.Error()))
		} else if ok {
			return servers, nil
		}
	}
	servers, err := d.fetch(ctx)
	if err != nil {
		return nil, err
	}
	if d.cache != nil {
		if err := d.cache.Set(ctx, servers, d.cacheTTL); err != nil {
			d.logger.Warn("server directory cache write failed", slog.String("error", err.Error()))
		}
	}
	return servers, nil
}

func (d *Directory) fetch(ctx context.Context) ([]string, error) {
	endpoint, err := resolveEndpoint(d.baseURL, d.path)
	if err != nil {
		return nil, err
	}

	var names []string
	err = RetryWithBackoff(ctx, d.retry, func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint.String(), nil)
		if err != nil {
			return err
		}
		req.Header.Set("Accept", "application/json")
		if d.userAgent != "" {
			req.Header.Set("User-Agent", d.userAgent)
		}
		resp, err := d.client.Do(req)
		if err != nil {
			return err
		}
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			return newStatusError(resp)
		}
		payload, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
		if err != nil {
			return err
		}
		var raw []string
		if err := json.Unmarshal(payload, &raw); err != nil {
			return fmt.Errorf("decode servers: %w", err)
		}
		names = raw
		return nil
	})
	if err != nil {
		return nil, err
	}

	out := make([]string, 0, len(names))
	seen := make(map[string]struct{}, len(names))
	for _, name := range names {
		name = strings.TrimSpace(name)
		if name == "" {
			continue
		}
		if _, exists := seen[name]; exists {
			continue
		}
		seen[name] = struct{}{}
		out = append(out, name)
	}
	return out, nil
}
