// Package logging builds the process logger: human-readable console output
// for the operator plus an append-only courier.log under the configured log
// directory, so a failed delivery can be inspected after the session ends.
package logging

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/rs/zerolog"
)

// Logger is the process logger together with its durable sink.
type Logger struct {
	zerolog.Logger
	file *os.File
}

// New creates (or reuses) courier.log under logDir and returns a logger
// writing to both the console and the file. An empty logDir yields a
// console-only logger.
func New(logDir string, level zerolog.Level) (*Logger, error) {
	console := zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}
	var sink io.Writer = console

	l := &Logger{}
	if logDir != "" {
		if err := os.MkdirAll(logDir, 0o755); err != nil {
			return nil, fmt.Errorf("logging: ensure log dir: %w", err)
		}
		path := filepath.Join(logDir, "courier.log")
		f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
		if err != nil {
			return nil, fmt.Errorf("logging: open log file: %w", err)
		}
		l.file = f
		sink = zerolog.MultiLevelWriter(console, f)
	}
	l.Logger = zerolog.New(sink).Level(level).With().Timestamp().Logger()
	return l, nil
}

// Close releases the file handle.
func (l *Logger) Close() error {
	if l == nil || l.file == nil {
		return nil
	}
	return l.file.Close()
}
