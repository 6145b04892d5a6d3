package transport

import (
	"bufio"
	"io"
	"strings"
)

const maxSSELineBytes = 4 << 20

// sseEvent is one dispatched server-sent event.
type sseEvent struct {
	ID    string
	Event string
	Data  string
}

// sseReader parses the text/event-stream format: "field: value" lines,
// multi-line data joined with "\n", a blank line dispatching the event.
type sseReader struct {
	scanner *bufio.Scanner
	onLine  func()
}

func newSSEReader(r io.Reader, onLine func()) *sseReader {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64<<10), maxSSELineBytes)
	return &sseReader{scanner: scanner, onLine: onLine}
}

// Next returns the next event carrying data or an explicit event name.
// Comment lines and empty dispatches (keep-alives) are skipped. An event cut
// off by the end of the stream is discarded and io.EOF returned.
func (r *sseReader) Next() (sseEvent, error) {
	var (
		event   sseEvent
		data    strings.Builder
		hasData bool
	)
	for r.scanner.Scan() {
		if r.onLine != nil {
			r.onLine()
		}
		line := strings.TrimSuffix(r.scanner.Text(), "\r")
		if line == "" {
			if hasData || event.Event != "" {
				event.Data = data.String()
				return event, nil
			}
			continue
		}
		if strings.HasPrefix(line, ":") {
			continue
		}

		field, value, found := strings.Cut(line, ":")
		if found {
			value = strings.TrimPrefix(value, " ")
		}
		switch field {
		case "event":
			event.Event = value
		case "data":
			if hasData {
				data.WriteByte('\n')
			}
			data.WriteString(value)
			hasData = true
		case "id":
			event.ID = value
		}
	}
	if err := r.scanner.Err(); err != nil {
		return sseEvent{}, err
	}
	return sseEvent{}, io.EOF
}
