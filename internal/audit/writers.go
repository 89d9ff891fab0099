package audit

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"gopkg.in/natefinch/lumberjack.v2"
)

// stdoutWriter emits events to stdout as JSON lines.
type stdoutWriter struct {
	mu      sync.Mutex
	encoder *json.Encoder
}

// NewStdoutWriter creates a writer emitting JSON lines on stdout.
func NewStdoutWriter() Writer {
	return &stdoutWriter{encoder: json.NewEncoder(os.Stdout)}
}

func (w *stdoutWriter) Write(event *Event) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.encoder.Encode(event)
}

func (w *stdoutWriter) Close() error { return nil }

// fileWriter emits events to a rotated JSON-lines file.
type fileWriter struct {
	mu      sync.Mutex
	logger  *lumberjack.Logger
	encoder *json.Encoder
}

// NewFileWriter creates a rotating file writer.
func NewFileWriter(filename string, maxSizeMB, maxAgeDays, maxBackups int) (Writer, error) {
	if err := os.MkdirAll(filepath.Dir(filename), 0o755); err != nil {
		return nil, fmt.Errorf("create audit directory: %w", err)
	}

	logger := &lumberjack.Logger{
		Filename:   filename,
		MaxSize:    maxSizeMB,
		MaxAge:     maxAgeDays,
		MaxBackups: maxBackups,
		Compress:   true,
	}
	return &fileWriter{logger: logger, encoder: json.NewEncoder(logger)}, nil
}

func (w *fileWriter) Write(event *Event) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.encoder.Encode(event)
}

func (w *fileWriter) Close() error {
	return w.logger.Close()
}
