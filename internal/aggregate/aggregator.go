// Package aggregate folds a session of stream events into one ordered result
// set and tracks whether the search is loading, completed or failed.
package aggregate

import (
	"log/slog"
	"sync"

	"filesearch/internal/domain"
	"filesearch/internal/metrics"
)

// StateListener receives a copy of the state after every change.
type StateListener func(domain.AggregateState)

type listenerEntry struct {
	id       uint64
	listener StateListener
}

// Aggregator is the state machine Idle -> Loading -> {Completed, Failed}.
// It accepts exactly one session of events between Reset and the first
// terminal event; anything else is ignored.
type Aggregator struct {
	mu    sync.Mutex
	state domain.AggregateState

	listenersMu sync.RWMutex
	listeners   []listenerEntry
	nextID      uint64

	logger *slog.Logger
}

type Option func(*Aggregator)

func WithLogger(logger *slog.Logger) Option {
	return func(a *Aggregator) {
		if logger != nil {
			a.logger = logger
		}
	}
}

func New(opts ...Option) *Aggregator {
	a := &Aggregator{
		state:  domain.AggregateState{Status: domain.StatusIdle, Results: []domain.ResultRecord{}},
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Reset starts a new session: Loading, no results, no error.
func (a *Aggregator) Reset() {
	a.mu.Lock()
	a.state = domain.AggregateState{
		Status:  domain.StatusLoading,
		Results: []domain.ResultRecord{},
		Loading: true,
	}
	snapshot := a.state.Clone()
	a.mu.Unlock()

	a.notify(snapshot)
}

// Handle applies one event. It has the signature of an event bus listener.
func (a *Aggregator) Handle(event domain.StreamEvent) {
	a.mu.Lock()
	if status := a.state.Status; status != domain.StatusLoading {
		a.mu.Unlock()
		a.logger.Debug("aggregator ignored event outside loading",
			slog.String("event", event.Kind.String()),
			slog.String("status", status.String()),
		)
		return
	}

	switch event.Kind {
	case domain.EventData:
		if len(event.Batch) == 0 {
			a.mu.Unlock()
			return
		}
		next := len(a.state.Results)
		for _, record := range event.Batch {
			record.Position = next
			next++
			a.state.Results = append(a.state.Results, record)
		}
	case domain.EventComplete:
		if len(a.state.Results) == 0 {
			a.fail(domain.ErrEmptyResult)
		} else {
			a.state.Status = domain.StatusCompleted
			a.state.Loading = false
		}
	case domain.EventError:
		cause := event.Err
		if cause == nil {
			cause = domain.ErrUnknownTermination
		}
		a.fail(domain.WrapTransport(cause))
	default:
		a.mu.Unlock()
		return
	}
	snapshot := a.state.Clone()
	a.mu.Unlock()

	if event.Terminal() {
		metrics.SearchOutcomes.WithLabelValues(snapshot.Status.String(), string(snapshot.ErrorKind)).Inc()
	}
	a.notify(snapshot)
}

func (a *Aggregator) fail(cause error) {
	a.state.Status = domain.StatusFailed
	a.state.Loading = false
	a.state.HasError = true
	a.state.ErrorKind = domain.ClassifyError(cause)
	a.state.ErrorDetail = cause.Error()
}

// Snapshot returns a copy of the current state.
func (a *Aggregator) Snapshot() domain.AggregateState {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.state.Clone()
}

// Subscribe registers listener for state changes and returns an idempotent
// unsubscribe func. Listeners are called on the goroutine that caused the
// change; each gets its own copy of the state.
func (a *Aggregator) Subscribe(listener StateListener) func() {
	a.listenersMu.Lock()
	a.nextID++
	id := a.nextID
	a.listeners = append(a.listeners, listenerEntry{id: id, listener: listener})
	a.listenersMu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			a.listenersMu.Lock()
			defer a.listenersMu.Unlock()
			for i, entry := range a.listeners {
				if entry.id == id {
					a.listeners = append(a.listeners[:i:i], a.listeners[i+1:]...)
					return
				}
			}
		})
	}
}

func (a *Aggregator) notify(snapshot domain.AggregateState) {
	a.listenersMu.RLock()
	entries := make([]listenerEntry, len(a.listeners))
	copy(entries, a.listeners)
	a.listenersMu.RUnlock()

	for i, entry := range entries {
		state := snapshot
		if i > 0 {
			state = snapshot.Clone()
		}
		entry.listener(state)
	}
}
