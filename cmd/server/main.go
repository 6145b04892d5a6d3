package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	apihttp "filesearch/internal/api/http"
	"filesearch/internal/app"
	"filesearch/internal/metrics"
	"filesearch/internal/telemetry"
	"filesearch/internal/transport"
)

var version = "dev"

func main() {
	cfg := app.LoadConfig()
	logger := newLogger(cfg.LogLevel, cfg.LogFormat)
	slog.SetDefault(logger)
	metrics.Register(prometheus.DefaultRegisterer)

	shutdownTracer, err := telemetry.Init(context.Background(), telemetry.ServiceName, version)
	if err != nil {
		logger.Warn("otel init failed", slog.String("error", err.Error()))
	}
	defer func() {
		if shutdownTracer != nil {
			_ = shutdownTracer(context.Background())
		}
	}()

	logger.Info("configuration loaded",
		slog.String("service", telemetry.ServiceName),
		slog.String("httpAddr", cfg.HTTPAddr),
		slog.String("logLevel", cfg.LogLevel),
		slog.String("logFormat", cfg.LogFormat),
		slog.String("backendURL", cfg.BackendURL),
		slog.String("mode", cfg.Mode),
		slog.String("legacyMethod", cfg.LegacyMethod),
		slog.Duration("requestTimeout", cfg.RequestTimeout),
		slog.Duration("streamIdleTimeout", cfg.StreamIdleTimeout),
		slog.Int("connectAttempts", cfg.ConnectAttempts),
		slog.Int("maxSessions", cfg.MaxSessions),
		slog.Bool("hasRedis", strings.TrimSpace(cfg.RedisURL) != ""),
	)

	// The stream client has no overall timeout; a search lasts as long as the
	// backend keeps the stream open.
	streamClient := &http.Client{Transport: otelhttp.NewTransport(http.DefaultTransport)}
	requestClient := &http.Client{Timeout: cfg.RequestTimeout, Transport: otelhttp.NewTransport(http.DefaultTransport)}

	adapter, err := transport.New(transport.Config{
		Mode:            cfg.Mode,
		BaseURL:         cfg.BackendURL,
		SearchPath:      cfg.StreamPath,
		LegacyPath:      cfg.LegacyPath,
		LegacyMethod:    cfg.LegacyMethod,
		UserAgent:       cfg.UserAgent,
		StreamClient:    streamClient,
		RequestClient:   requestClient,
		IdleTimeout:     cfg.StreamIdleTimeout,
		ConnectAttempts: cfg.ConnectAttempts,
		Logger:          logger,
	})
	if err != nil {
		logger.Error("search transport init failed", slog.String("error", err.Error()))
		os.Exit(1)
	}
	redisClient := buildRedisClient(cfg, logger)
	if redisClient != nil {
		defer redisClient.Close()
	}

	directoryConfig := transport.DirectoryConfig{
		BaseURL:   cfg.BackendURL,
		Path:      cfg.ServersPath,
		UserAgent: cfg.UserAgent,
		Client:    requestClient,
		CacheTTL:  cfg.ServersCacheTTL,
		Logger:    logger,
	}
	if redisClient != nil {
		directoryConfig.Cache = transport.NewRedisDirectoryCache(redisClient, "")
	}
	directory := transport.NewDirectory(directoryConfig)

	serverOpts := []apihttp.ServerOption{
		apihttp.WithLogger(logger),
		apihttp.WithDirectory(directory),
		apihttp.WithMaxSessions(cfg.MaxSessions),
		apihttp.WithRateLimit(float64(cfg.RateRPS), cfg.RateBurst),
		apihttp.WithAllowAnyOrigin(cfg.AllowAnyOrigin),
	}
	if redisClient != nil {
		serverOpts = append(serverOpts, apihttp.WithRedisMirror(redisClient, cfg.RedisEventsPrefix))
	}

	gateway := apihttp.NewServer(adapter, serverOpts...)
	server := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           gateway.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		// Websocket sessions and SSE state streams are long-lived.
		WriteTimeout: 0,
		IdleTimeout:  60 * time.Second,
	}

	rootCtx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() {
		errCh <- server.ListenAndServe()
	}()

	logger.Info("file search gateway started",
		slog.String("addr", cfg.HTTPAddr),
		slog.String("mode", adapter.Mode()),
	)

	select {
	case <-rootCtx.Done():
		logger.Info("shutdown signal received")
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server error", slog.String("error", err.Error()))
			os.Exit(1)
		}
	}

	gateway.Close()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Warn("shutdown error", slog.String("error", err.Error()))
	}
	logger.Info("file search gateway stopped")
}

func newLogger(levelRaw, formatRaw string) *slog.Logger {
	level := parseLogLevel(levelRaw)
	options := &slog.HandlerOptions{Level: level}
	format := strings.ToLower(strings.TrimSpace(formatRaw))
	if format == "json" {
		return slog.New(slog.NewJSONHandler(os.Stdout, options))
	}
	return slog.New(slog.NewTextHandler(os.Stdout, options))
}

func parseLogLevel(raw string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// buildRedisClient returns nil when REDIS_URL is unset or unreachable; the
// gateway then runs without the event mirror and caches the server list in
// process.
func buildRedisClient(cfg app.Config, logger *slog.Logger) *redis.Client {
	redisURL := strings.TrimSpace(cfg.RedisURL)
	if redisURL == "" {
		return nil
	}
	redisOpts, err := redis.ParseURL(redisURL)
	if err != nil {
		logger.Warn("redis disabled: invalid redis url", slog.String("error", err.Error()))
		return nil
	}
	client := redis.NewClient(redisOpts)
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		logger.Warn("redis disabled: server unavailable", slog.String("error", err.Error()))
		_ = client.Close()
		return nil
	}
	logger.Info("redis connected", slog.String("addr", redisOpts.Addr))
	return client
}
