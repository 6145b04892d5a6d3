package eventbus

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"filesearch/internal/domain"
)

const (
	DefaultRedisEventsPrefix = "filesearch:events:"

	mirrorPublishTimeout = 2 * time.Second
	mirrorFlushTimeout   = 3 * time.Second
)

// Publisher is the part of the Redis client the mirror needs.
// *redis.Client satisfies it.
type Publisher interface {
	Publish(ctx context.Context, channel string, message interface{}) *redis.IntCmd
}

// WireEvent is the JSON shape of a mirrored stream event.
type WireEvent struct {
	Type  string                `json:"type"`
	Items []domain.ResultRecord `json:"items,omitempty"`
	Error string                `json:"error,omitempty"`
	At    time.Time             `json:"at"`
}

func EncodeEvent(event domain.StreamEvent, at time.Time) ([]byte, error) {
	wire := WireEvent{Type: event.Kind.String(), At: at.UTC()}
	switch event.Kind {
	case domain.EventData:
		wire.Items = event.Batch
	case domain.EventError:
		if event.Err != nil {
			wire.Error = event.Err.Error()
		}
	}
	return json.Marshal(wire)
}

// RedisMirror republishes bus events to a Redis pub/sub channel so that
// observers outside the process can follow a search. Publishing happens on a
// background goroutine; the bus listener never blocks on the network.
type RedisMirror struct {
	client  Publisher
	channel string
	logger  *slog.Logger
	queue   chan []byte
	done    chan struct{}
	once    sync.Once
	wg      sync.WaitGroup
}

func NewRedisMirror(client Publisher, prefix, sessionID string, logger *slog.Logger) *RedisMirror {
	if prefix == "" {
		prefix = DefaultRedisEventsPrefix
	}
	if logger == nil {
		logger = slog.Default()
	}
	m := &RedisMirror{
		client:  client,
		channel: prefix + sessionID,
		logger:  logger,
		queue:   make(chan []byte, 64),
		done:    make(chan struct{}),
	}
	m.wg.Add(1)
	go m.run()
	return m
}

func (m *RedisMirror) Channel() string { return m.channel }

// Attach subscribes the mirror to bus and returns the unsubscribe func.
func (m *RedisMirror) Attach(bus *Bus) func() {
	return bus.Subscribe(m.forward)
}

func (m *RedisMirror) forward(event domain.StreamEvent) {
	payload, err := EncodeEvent(event, time.Now())
	if err != nil {
		m.logger.Warn("redis mirror encode failed", slog.String("error", err.Error()))
		return
	}
	select {
	case <-m.done:
		return
	default:
	}
	select {
	case m.queue <- payload:
	default:
		m.logger.Warn("redis mirror queue full, dropping event",
			slog.String("channel", m.channel),
			slog.String("event", event.Kind.String()),
		)
	}
}

func (m *RedisMirror) run() {
	defer m.wg.Done()
	for {
		select {
		case <-m.done:
			m.flush()
			return
		case payload := <-m.queue:
			ctx, cancel := context.WithTimeout(context.Background(), mirrorPublishTimeout)
			m.publish(ctx, payload)
			cancel()
		}
	}
}

// flush publishes what is still queued when the mirror closes, so observers
// see the end of a search. It stops at mirrorFlushTimeout.
func (m *RedisMirror) flush() {
	ctx, cancel := context.WithTimeout(context.Background(), mirrorFlushTimeout)
	defer cancel()
	for {
		select {
		case payload := <-m.queue:
			if ctx.Err() != nil {
				m.logger.Warn("redis mirror flush timed out, dropping events",
					slog.String("channel", m.channel),
					slog.Int("dropped", len(m.queue)+1),
				)
				return
			}
			m.publish(ctx, payload)
		default:
			return
		}
	}
}

func (m *RedisMirror) publish(ctx context.Context, payload []byte) {
	if err := m.client.Publish(ctx, m.channel, payload).Err(); err != nil {
		m.logger.Warn("redis mirror publish failed",
			slog.String("channel", m.channel),
			slog.String("error", err.Error()),
		)
	}
}

// Close publishes queued events, bounded by mirrorFlushTimeout, and stops the
// publishing goroutine. Events forwarded after Close are dropped.
func (m *RedisMirror) Close() {
	m.once.Do(func() {
		close(m.done)
	})
	m.wg.Wait()
}
