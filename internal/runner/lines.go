package runner

import (
	"bytes"
	"sync"
)

// lineWriter frames a byte stream into lines. Lines end at '\n'; a trailing
// '\r' is dropped. Flush emits any final unterminated fragment.
type lineWriter struct {
	mu   sync.Mutex
	buf  []byte
	emit func(string)
}

func newLineWriter(emit func(string)) *lineWriter {
	return &lineWriter{emit: emit}
}

// Write implements io.Writer.
func (w *lineWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.buf = append(w.buf, p...)
	for {
		i := bytes.IndexByte(w.buf, '\n')
		if i < 0 {
			break
		}
		w.emit(string(bytes.TrimSuffix(w.buf[:i], []byte{'\r'})))
		w.buf = w.buf[i+1:]
	}
	return len(p), nil
}

// Flush emits the pending fragment, if any.
func (w *lineWriter) Flush() {
	w.mu.Lock()
	defer w.mu.Unlock()

	if len(w.buf) == 0 {
		return
	}
	w.emit(string(bytes.TrimSuffix(w.buf, []byte{'\r'})))
	w.buf = nil
}
