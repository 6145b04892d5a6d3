package domain

import "fmt"

// EventKind tags a StreamEvent.
type EventKind int

const (
	EventData EventKind = iota
	EventComplete
	EventError
)

var eventKindNames = [...]string{"data", "complete", "error"}

func (k EventKind) String() string {
	if int(k) >= 0 && int(k) < len(eventKindNames) {
		return eventKindNames[k]
	}
	return fmt.Sprintf("unknown(%d)", int(k))
}

// StreamEvent is the normalized unit every transport mode produces:
// Data(Batch), Complete, or Error(Err).
type StreamEvent struct {
	Kind  EventKind
	Batch []ResultRecord
	Err   error
}

func DataEvent(batch []ResultRecord) StreamEvent {
	return StreamEvent{Kind: EventData, Batch: batch}
}

func CompleteEvent() StreamEvent {
	return StreamEvent{Kind: EventComplete}
}

func ErrorEvent(err error) StreamEvent {
	return StreamEvent{Kind: EventError, Err: err}
}

// Terminal reports whether the event ends a search session.
func (e StreamEvent) Terminal() bool {
	return e.Kind == EventComplete || e.Kind == EventError
}

// SearchStatus is the aggregator state machine position.
type SearchStatus int

const (
	StatusIdle SearchStatus = iota
	StatusLoading
	StatusCompleted
	StatusFailed
)

var searchStatusNames = [...]string{"idle", "loading", "completed", "failed"}

func (s SearchStatus) String() string {
	if int(s) >= 0 && int(s) < len(searchStatusNames) {
		return searchStatusNames[s]
	}
	return fmt.Sprintf("unknown(%d)", int(s))
}

func (s SearchStatus) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

func (s *SearchStatus) UnmarshalText(text []byte) error {
	for i, name := range searchStatusNames {
		if name == string(text) {
			*s = SearchStatus(i)
			return nil
		}
	}
	return fmt.Errorf("unknown search status %q", text)
}

// AggregateState is a read-only view of one search session.
type AggregateState struct {
	Status      SearchStatus   `json:"status"`
	Results     []ResultRecord `json:"results"`
	Loading     bool           `json:"loading"`
	HasError    bool           `json:"hasError"`
	ErrorKind   ErrorKind      `json:"errorKind,omitempty"`
	ErrorDetail string         `json:"errorDetail,omitempty"`
}

// Clone returns a copy that shares no memory with s.
func (s AggregateState) Clone() AggregateState {
	out := s
	out.Results = append(make([]ResultRecord, 0, len(s.Results)), s.Results...)
	return out
}
