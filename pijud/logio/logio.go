// Package logio provides the writers that capture a service's stdout and
// stderr: rotating log files, and a line splitter for forwarding output to the
// supervisor's own streams.
package logio

import (
	"bytes"
	"io"
	"os"
	"path/filepath"
	"sync"

	"github.com/natefinch/lumberjack"
	"github.com/pkg/errors"

	"github.com/pijuplayer/pijud/pijud/config"
)

// Rotation defaults, used when the definition leaves them zero.
const (
	defaultMaxSizeMB  = 10
	defaultMaxBackups = 5
	defaultMaxAgeDays = 28
)

// NewRotating opens a rotating log file at path with the given settings.
func NewRotating(path string, cfg config.Log) (io.WriteCloser, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, errors.Wrap(err, "failed to create log directory")
	}

	if cfg.MaxSizeMB == 0 {
		cfg.MaxSizeMB = defaultMaxSizeMB
	}
	if cfg.MaxBackups == 0 {
		cfg.MaxBackups = defaultMaxBackups
	}
	if cfg.MaxAgeDays == 0 {
		cfg.MaxAgeDays = defaultMaxAgeDays
	}

	return &lumberjack.Logger{
		Filename:   path,
		MaxSize:    cfg.MaxSizeMB,
		MaxBackups: cfg.MaxBackups,
		MaxAge:     cfg.MaxAgeDays,
		Compress:   cfg.Compress,
	}, nil
}

// maxLineLen bounds how much of a line is buffered before it is flushed as a
// chunk of its own.
const maxLineLen = 16 * 1024

// LineWriter implements io.Writer by forwarding whole lines to a sink,
// stripping the trailing newline and carriage returns. Overlong lines are
// forwarded in chunks. It is used to prefix and redirect a service's output
// when no capture file is configured.
type LineWriter struct {
	mu   sync.Mutex
	sink func(line []byte)
	buf  []byte
}

var _ io.WriteCloser = (*LineWriter)(nil)

// NewLineWriter creates a LineWriter around sink. The sink must not retain the
// slice it is handed.
func NewLineWriter(sink func(line []byte)) *LineWriter {
	return &LineWriter{sink: sink}
}

// Write implements io.Writer. It never fails.
func (w *LineWriter) Write(in []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.buf = append(w.buf, in...)

	for {
		idx := bytes.IndexByte(w.buf, '\n')
		if idx < 0 {
			break
		}

		w.emit(w.buf[:idx])
		w.buf = w.buf[idx+1:]
	}

	// Flush an overlong partial line as its own chunk instead of buffering it
	// forever.
	if len(w.buf) >= maxLineLen {
		w.emit(w.buf)
		w.buf = w.buf[:0]
	}

	return len(in), nil
}

// Close flushes a trailing partial line.
func (w *LineWriter) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if len(w.buf) > 0 {
		w.emit(w.buf)
		w.buf = nil
	}

	return nil
}

func (w *LineWriter) emit(line []byte) {
	w.sink(bytes.TrimRight(line, "\r"))
}
