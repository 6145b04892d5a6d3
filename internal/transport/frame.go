package transport

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"

	"filesearch/internal/domain"
)

type wireRecord struct {
	Server   string `json:"server"`
	FilePath string `json:"filePath"`
	Count    *int   `json:"count"`
}

type wireEnvelope struct {
	Server  string        `json:"server"`
	Items   *[]wireRecord `json:"items"`
	Results *[]wireRecord `json:"results"`
	Final   bool          `json:"final"`
	Done    bool          `json:"done"`
	Error   string        `json:"error"`
	Message string        `json:"message"`
}

func (e wireEnvelope) records() ([]wireRecord, bool) {
	if e.Items != nil {
		return *e.Items, true
	}
	if e.Results != nil {
		return *e.Results, true
	}
	return nil, false
}

// decodeFrame normalizes one SSE message into zero or more stream events.
// An error wrapping ErrMalformedFrame means the frame must be skipped.
func decodeFrame(eventName string, data []byte, fallbackServer string) ([]domain.StreamEvent, error) {
	switch strings.ToLower(strings.TrimSpace(eventName)) {
	case "done", "complete", "end":
		return []domain.StreamEvent{domain.CompleteEvent()}, nil
	case "error":
		return []domain.StreamEvent{domain.ErrorEvent(remoteError(data))}, nil
	}

	payload := bytes.TrimSpace(data)
	if len(payload) == 0 {
		return nil, fmt.Errorf("%w: empty payload", ErrMalformedFrame)
	}

	switch payload[0] {
	case '[':
		batch, err := decodeBatch(payload, "", fallbackServer)
		if err != nil {
			return nil, err
		}
		return []domain.StreamEvent{domain.DataEvent(batch)}, nil
	case '{':
		var envelope wireEnvelope
		if err := json.Unmarshal(payload, &envelope); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMalformedFrame, err)
		}
		var events []domain.StreamEvent
		if items, ok := envelope.records(); ok {
			batch, err := toRecords(items, envelope.Server, fallbackServer)
			if err != nil {
				return nil, err
			}
			events = append(events, domain.DataEvent(batch))
		}
		switch {
		case envelope.Final || envelope.Done:
			events = append(events, domain.CompleteEvent())
		case len(events) == 0 && (envelope.Error != "" || envelope.Message != ""):
			events = append(events, domain.ErrorEvent(remoteError(payload)))
		}
		if len(events) == 0 {
			return nil, fmt.Errorf("%w: unrecognized object", ErrMalformedFrame)
		}
		return events, nil
	default:
		return nil, fmt.Errorf("%w: unexpected payload of %d bytes", ErrMalformedFrame, len(payload))
	}
}

// decodeBatch parses a JSON array of result records.
func decodeBatch(payload []byte, server, fallbackServer string) ([]domain.ResultRecord, error) {
	var items []wireRecord
	if err := json.Unmarshal(payload, &items); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedFrame, err)
	}
	return toRecords(items, server, fallbackServer)
}

func toRecords(items []wireRecord, server, fallbackServer string) ([]domain.ResultRecord, error) {
	batch := make([]domain.ResultRecord, 0, len(items))
	for i, item := range items {
		if strings.TrimSpace(item.FilePath) == "" {
			return nil, fmt.Errorf("%w: item %d has no filePath", ErrMalformedFrame, i)
		}
		if item.Count == nil || *item.Count < 0 {
			return nil, fmt.Errorf("%w: item %d has invalid count", ErrMalformedFrame, i)
		}
		record := domain.ResultRecord{
			Server:     item.Server,
			FilePath:   item.FilePath,
			MatchCount: *item.Count,
		}
		if record.Server == "" {
			record.Server = server
		}
		if record.Server == "" {
			record.Server = fallbackServer
		}
		batch = append(batch, record)
	}
	return batch, nil
}

func remoteError(data []byte) error {
	message := strings.TrimSpace(string(data))
	var envelope wireEnvelope
	if err := json.Unmarshal(data, &envelope); err == nil {
		switch {
		case envelope.Message != "":
			message = envelope.Message
		case envelope.Error != "":
			message = envelope.Error
		}
	}
	if message == "" {
		return domain.WrapTransport(domain.ErrRemote)
	}
	return domain.WrapTransport(fmt.Errorf("%w: %s", domain.ErrRemote, truncate(message, 200)))
}

func truncate(value string, limit int) string {
	if limit <= 0 || len(value) <= limit {
		return value
	}
	if limit <= 3 {
		return value[:limit]
	}
	return value[:limit-3] + "..."
}
