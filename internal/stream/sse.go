package stream

import (
	"encoding/json"
	"io"
	"strings"
	"time"

	"astraops/internal/job"
)

// Event names on the wire.
const (
	EventLog = "log"
	EventRaw = "raw"
)

// frame is one server-sent event ready to be written.
type frame struct {
	event string
	data  string
	entry *job.LogEntry // set for log frames
}

func logFrame(e job.LogEntry) (frame, error) {
	b, err := json.Marshal(e)
	if err != nil {
		return frame{}, err
	}
	return frame{event: EventLog, data: string(b), entry: &e}, nil
}

func rawFrame(line string) frame {
	return frame{event: EventRaw, data: line}
}

func heartbeatFrame(now time.Time) frame {
	return frame{event: EventRaw, data: "[heartbeat] " + now.UTC().Format(time.RFC3339)}
}

// writeTo encodes f in text/event-stream framing. Multi-line data becomes
// one data field per line.
func (f frame) writeTo(w io.Writer) error {
	var b strings.Builder
	b.WriteString("event: ")
	b.WriteString(f.event)
	b.WriteByte('\n')
	for line := range strings.SplitSeq(f.data, "\n") {
		b.WriteString("data: ")
		b.WriteString(strings.TrimSuffix(line, "\r"))
		b.WriteByte('\n')
	}
	b.WriteByte('\n')
	_, err := io.WriteString(w, b.String())
	return err
}
