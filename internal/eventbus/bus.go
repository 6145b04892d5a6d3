// Package eventbus republishes normalized stream events to any number of
// in-process listeners. Delivery is synchronous and in publish order; events
// published before a listener subscribes are not replayed.
package eventbus

import (
	"log/slog"
	"runtime/debug"
	"sync"
	"sync/atomic"

	"filesearch/internal/domain"
)

// Listener receives events on the publisher's goroutine.
type Listener func(domain.StreamEvent)

type subscription struct {
	listener Listener
	active   atomic.Bool
}

type Bus struct {
	mu     sync.RWMutex
	subs   []*subscription
	logger *slog.Logger
}

type Option func(*Bus)

func WithLogger(logger *slog.Logger) Option {
	return func(b *Bus) {
		if logger != nil {
			b.logger = logger
		}
	}
}

func New(opts ...Option) *Bus {
	b := &Bus{logger: slog.Default()}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Publish calls every registered listener with event before returning.
// A panicking listener is logged and does not stop delivery to the others.
func (b *Bus) Publish(event domain.StreamEvent) {
	b.mu.RLock()
	subs := make([]*subscription, len(b.subs))
	copy(subs, b.subs)
	b.mu.RUnlock()

	for _, sub := range subs {
		if !sub.active.Load() {
			continue
		}
		b.deliver(sub, event)
	}
}

func (b *Bus) deliver(sub *subscription, event domain.StreamEvent) {
	defer func() {
		if recovered := recover(); recovered != nil {
			b.logger.Error("event listener panic",
				slog.String("event", event.Kind.String()),
				slog.Any("error", recovered),
				slog.String("stack", string(debug.Stack())),
			)
		}
	}()
	sub.listener(event)
}

// Subscribe registers listener and returns an idempotent unsubscribe func.
func (b *Bus) Subscribe(listener Listener) func() {
	sub := &subscription{listener: listener}
	sub.active.Store(true)

	b.mu.Lock()
	b.subs = append(b.subs, sub)
	b.mu.Unlock()

	return func() {
		if !sub.active.CompareAndSwap(true, false) {
			return
		}
		b.mu.Lock()
		defer b.mu.Unlock()
		for i, current := range b.subs {
			if current == sub {
				b.subs = append(b.subs[:i:i], b.subs[i+1:]...)
				break
			}
		}
	}
}

// Len returns the number of registered listeners.
func (b *Bus) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}
