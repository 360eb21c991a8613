package testutil

import (
	"bufio"
	"io"
	"strings"
)

// SSEEvent is one decoded server-sent event.
type SSEEvent struct {
	Event string
	Data  string
}

// SSEReader decodes a text/event-stream body.
type SSEReader struct {
	scanner *bufio.Scanner
}

// NewSSEReader wraps r.
func NewSSEReader(r io.Reader) *SSEReader {
	s := bufio.NewScanner(r)
	s.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	return &SSEReader{scanner: s}
}

// Next returns the next complete event. It returns io.EOF when the stream
// ends cleanly between events.
func (r *SSEReader) Next() (SSEEvent, error) {
	var (
		ev   SSEEvent
		data []string
		seen bool
	)
	for r.scanner.Scan() {
		line := r.scanner.Text()
		if line == "" {
			if !seen {
				continue
			}
			ev.Data = strings.Join(data, "\n")
			return ev, nil
		}
		if strings.HasPrefix(line, ":") {
			continue
		}
		seen = true
		field, value, _ := strings.Cut(line, ":")
		value = strings.TrimPrefix(value, " ")
		switch field {
		case "event":
			ev.Event = value
		case "data":
			data = append(data, value)
		}
	}
	if err := r.scanner.Err(); err != nil {
		return SSEEvent{}, err
	}
	if seen {
		return SSEEvent{}, io.ErrUnexpectedEOF
	}
	return SSEEvent{}, io.EOF
}

// All reads events until the stream ends.
func (r *SSEReader) All() ([]SSEEvent, error) {
	var out []SSEEvent
	for {
		ev, err := r.Next()
		if err == io.EOF {
			return out, nil
		}
		if err != nil {
			return out, err
		}
		out = append(out, ev)
	}
}
