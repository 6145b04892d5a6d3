package app

import (
	"os"
	"strconv"
	"strings"
	"time"
)

type Config struct {
	HTTPAddr          string
	LogLevel          string
	LogFormat         string
	BackendURL        string
	StreamPath        string
	LegacyPath        string
	ServersPath       string
	ServersCacheTTL   time.Duration
	Mode              string
	LegacyMethod      string
	RequestTimeout    time.Duration
	StreamIdleTimeout time.Duration
	ConnectAttempts   int
	UserAgent         string
	MaxSessions       int
	RateRPS           int
	RateBurst         int
	RedisURL          string
	RedisEventsPrefix string
	AllowAnyOrigin    bool
}

func LoadConfig() Config {
	return Config{
		HTTPAddr:          getEnv("HTTP_ADDR", ":8095"),
		LogLevel:          strings.ToLower(getEnv("LOG_LEVEL", "info")),
		LogFormat:         strings.ToLower(getEnv("LOG_FORMAT", "text")),
		BackendURL:        normalizeBaseURL(getEnv("SEARCH_BACKEND_URL", "http://localhost:8080")),
		StreamPath:        getEnv("SEARCH_STREAM_PATH", "/api/file/search"),
		LegacyPath:        getEnv("SEARCH_LEGACY_PATH", "/api/file/search"),
		ServersPath:       getEnv("SEARCH_SERVERS_PATH", "/api/server"),
		ServersCacheTTL:   time.Duration(getEnvNonNegativeInt("SEARCH_SERVERS_CACHE_SECONDS", 60)) * time.Second,
		Mode:              strings.ToLower(getEnv("SEARCH_MODE", "stream")),
		LegacyMethod:      strings.ToUpper(getEnv("SEARCH_LEGACY_METHOD", "GET")),
		RequestTimeout:    time.Duration(getEnvInt("SEARCH_TIMEOUT_SECONDS", 30)) * time.Second,
		StreamIdleTimeout: time.Duration(getEnvNonNegativeInt("SEARCH_STREAM_IDLE_TIMEOUT_SECONDS", 0)) * time.Second,
		ConnectAttempts:   getEnvInt("SEARCH_CONNECT_ATTEMPTS", 1),
		UserAgent:         getEnv("SEARCH_USER_AGENT", "filesearch-gateway/1.0"),
		MaxSessions:       getEnvInt("GATEWAY_MAX_SESSIONS", 64),
		RateRPS:           getEnvInt("GATEWAY_RATE_RPS", 10),
		RateBurst:         getEnvInt("GATEWAY_RATE_BURST", 20),
		AllowAnyOrigin:    getEnvBool("GATEWAY_ALLOW_ANY_ORIGIN", true),
		RedisURL:          getEnv("REDIS_URL", ""),
		RedisEventsPrefix: getEnv("REDIS_EVENTS_PREFIX", "filesearch:events:"),
	}
}

func getEnv(key, fallback string) string {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return fallback
	}
	return value
}

func getEnvInt(key string, fallback int) int {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return fallback
	}
	parsed, err := strconv.Atoi(raw)
	if err != nil || parsed <= 0 {
		return fallback
	}
	return parsed
}

// getEnvNonNegativeInt accepts 0 as an explicit "disabled" value.
func getEnvNonNegativeInt(key string, fallback int) int {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return fallback
	}
	parsed, err := strconv.Atoi(raw)
	if err != nil || parsed < 0 {
		return fallback
	}
	return parsed
}

func getEnvBool(key string, fallback bool) bool {
	raw := strings.ToLower(strings.TrimSpace(os.Getenv(key)))
	if raw == "" {
		return fallback
	}
	switch raw {
	case "1", "true", "yes", "on":
		return true
	case "0", "false", "no", "off":
		return false
	default:
		return fallback
	}
}

func normalizeBaseURL(raw string) string {
	value := strings.TrimSpace(raw)
	if value == "" {
		return ""
	}
	if !strings.HasPrefix(value, "http://") && !strings.HasPrefix(value, "https://") {
		value = "http://" + value
	}
	return strings.TrimRight(value, "/")
}
