// Package orchestrator is the entry point of a search session. It validates
// the request, resets the aggregate, wires the aggregator to the event bus and
// owns the single active transport handle.
package orchestrator

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"filesearch/internal/aggregate"
	"filesearch/internal/domain"
	"filesearch/internal/eventbus"
	"filesearch/internal/transport"
)

var ErrClosed = errors.New("orchestrator closed")

var tracer = otel.Tracer("filesearch/orchestrator")

// Orchestrator runs one search at a time. Bus and aggregator listeners are
// called on the transport goroutine and must not call Start, Cancel or Close
// synchronously.
type Orchestrator struct {
	adapter    transport.Adapter
	bus        *eventbus.Bus
	aggregator *aggregate.Aggregator
	logger     *slog.Logger

	mu          sync.Mutex
	handle      transport.Handle
	unsubscribe func()
	closed      bool
}

type Option func(*Orchestrator)

func WithLogger(logger *slog.Logger) Option {
	return func(o *Orchestrator) {
		if logger != nil {
			o.logger = logger
		}
	}
}

// WithBus publishes events on bus instead of a private one, so other
// listeners (such as a mirror) can observe the session.
func WithBus(bus *eventbus.Bus) Option {
	return func(o *Orchestrator) {
		if bus != nil {
			o.bus = bus
		}
	}
}

func WithAggregator(aggregator *aggregate.Aggregator) Option {
	return func(o *Orchestrator) {
		if aggregator != nil {
			o.aggregator = aggregator
		}
	}
}

func New(adapter transport.Adapter, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		adapter: adapter,
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(o)
	}
	if o.bus == nil {
		o.bus = eventbus.New(eventbus.WithLogger(o.logger))
	}
	if o.aggregator == nil {
		o.aggregator = aggregate.New(aggregate.WithLogger(o.logger))
	}
	return o
}

// Start validates the inputs and opens a new search, cancelling any search
// still in flight. A *domain.ValidationError is returned before any I/O.
func (o *Orchestrator) Start(ctx context.Context, servers []string, rootPath, searchTerm string) error {
	request, err := domain.BuildSearchRequest(servers, rootPath, searchTerm)
	if err != nil {
		return err
	}

	o.mu.Lock()
	defer o.mu.Unlock()
	if o.closed {
		return ErrClosed
	}

	o.cancelLocked()
	o.aggregator.Reset()
	if o.unsubscribe == nil {
		o.unsubscribe = o.bus.Subscribe(o.aggregator.Handle)
	}

	_, span := tracer.Start(ctx, "filesearch.open")
	span.SetAttributes(
		attribute.String("filesearch.mode", o.adapter.Mode()),
		attribute.StringSlice("filesearch.servers", request.Servers()),
		attribute.Int("filesearch.root_path_length", len(request.RootPath())),
		attribute.Int("filesearch.search_term_length", len(request.SearchTerm())),
	)
	defer span.End()

	handle, err := o.adapter.Open(ctx, request, o.bus.Publish)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		o.logger.Error("search open failed", slog.String("mode", o.adapter.Mode()), slog.String("error", err.Error()))
		err = domain.WrapTransport(err)
		o.bus.Publish(domain.ErrorEvent(err))
		return err
	}
	o.handle = handle

	o.logger.Info("search started",
		slog.String("mode", o.adapter.Mode()),
		slog.Any("servers", request.Servers()),
		slog.Int("rootPathLength", len(request.RootPath())),
		slog.Int("searchTermLength", len(request.SearchTerm())),
	)
	return nil
}

// Cancel stops the active search. Once it returns no further event reaches
// the aggregate; the aggregate keeps the state it had.
func (o *Orchestrator) Cancel() {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.cancelLocked()
}

func (o *Orchestrator) cancelLocked() {
	if o.handle != nil {
		o.handle.Cancel()
		o.handle = nil
	}
	if o.unsubscribe != nil {
		o.unsubscribe()
		o.unsubscribe = nil
	}
}

// Close cancels the active search and rejects further Start calls.
func (o *Orchestrator) Close() {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.cancelLocked()
	o.closed = true
}

func (o *Orchestrator) Snapshot() domain.AggregateState {
	return o.aggregator.Snapshot()
}

// Subscribe registers a state-change listener on the aggregate.
func (o *Orchestrator) Subscribe(listener aggregate.StateListener) func() {
	return o.aggregator.Subscribe(listener)
}

func (o *Orchestrator) Bus() *eventbus.Bus { return o.bus }

func (o *Orchestrator) Mode() string { return o.adapter.Mode() }
