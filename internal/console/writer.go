package console

import (
	"bytes"
	"strings"
	"sync"
)

// maxLineLength bounds a buffered partial line; longer lines are split.
const maxLineLength = 4096

// LineWriter is an io.Writer that splits its input into lines and hands each
// complete line to a sink. Carriage returns are stripped. It is safe for
// concurrent use.
type LineWriter struct {
	mu   sync.Mutex
	buf  []byte
	sink func(line string)
}

// NewLineWriter returns a LineWriter delivering lines to sink.
func NewLineWriter(sink func(line string)) *LineWriter {
	return &LineWriter{sink: sink}
}

func (w *LineWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	n := len(p)
	for len(p) > 0 {
		i := bytes.IndexByte(p, '\n')
		if i < 0 {
			w.buf = append(w.buf, p...)
			for len(w.buf) >= maxLineLength {
				w.emit(w.buf[:maxLineLength])
				w.buf = w.buf[maxLineLength:]
			}
			break
		}
		w.buf = append(w.buf, p[:i]...)
		w.emit(w.buf)
		w.buf = w.buf[:0]
		p = p[i+1:]
	}
	return n, nil
}

// Flush delivers any buffered partial line.
func (w *LineWriter) Flush() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if len(w.buf) > 0 {
		w.emit(w.buf)
		w.buf = w.buf[:0]
	}
}

func (w *LineWriter) emit(b []byte) {
	line := strings.TrimRight(string(b), "\r")
	w.sink(line)
}
