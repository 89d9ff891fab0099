package audit

import (
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Writer writes audit events to a destination.
type Writer interface {
	Write(event *Event) error
	Close() error
}

// Config tunes the async logger.
type Config struct {
	// BufferSize is the ring buffer capacity (default 1000).
	BufferSize int
	// FlushInterval is the background flush cadence (default 100ms).
	FlushInterval time.Duration
}

// Logger buffers events in a ring and flushes them to its writers in the
// background. Record never blocks the request path; a full ring drops the
// oldest event.
type Logger struct {
	salt    string
	writers []Writer
	logger  *zap.Logger

	mu     sync.Mutex
	buffer []*Event
	size   int
	head   int
	tail   int

	flushCh  chan struct{}
	doneCh   chan struct{}
	wg       sync.WaitGroup
	interval time.Duration
}

// NewLogger creates an async audit logger fanning out to the given writers.
func NewLogger(salt string, cfg Config, logger *zap.Logger, writers ...Writer) *Logger {
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = 1000
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = 100 * time.Millisecond
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	l := &Logger{
		salt:     salt,
		writers:  writers,
		logger:   logger,
		buffer:   make([]*Event, cfg.BufferSize+1),
		size:     cfg.BufferSize + 1,
		flushCh:  make(chan struct{}, 1),
		doneCh:   make(chan struct{}),
		interval: cfg.FlushInterval,
	}
	l.wg.Add(1)
	go l.run()
	return l
}

// Fingerprint hashes a value with the logger's salt.
func (l *Logger) Fingerprint(value string) string {
	return Fingerprint(l.salt, value)
}

// Record enqueues an event. Non-blocking; failures never reach the caller.
func (l *Logger) Record(event *Event) {
	if event.EventID == "" {
		event.EventID = "evt_" + strings.ReplaceAll(uuid.New().String(), "-", "")
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}

	l.mu.Lock()
	l.buffer[l.tail] = event
	l.tail = (l.tail + 1) % l.size
	if l.tail == l.head {
		// Ring full: drop the oldest event rather than block.
		l.head = (l.head + 1) % l.size
	}
	l.mu.Unlock()

	select {
	case l.flushCh <- struct{}{}:
	default:
	}
}

func (l *Logger) run() {
	defer l.wg.Done()
	ticker := time.NewTicker(l.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			l.flush()
		case <-l.flushCh:
			l.flush()
		case <-l.doneCh:
			l.flush()
			return
		}
	}
}

// Flush drains the ring synchronously.
func (l *Logger) Flush() {
	l.flush()
}

func (l *Logger) flush() {
	l.mu.Lock()
	var events []*Event
	for i := l.head; i != l.tail; i = (i + 1) % l.size {
		events = append(events, l.buffer[i])
	}
	l.head = l.tail
	l.mu.Unlock()

	for _, event := range events {
		for _, w := range l.writers {
			if err := w.Write(event); err != nil {
				// Audit failures are logged locally, never surfaced.
				l.logger.Warn("audit write failed", zap.Error(err))
			}
		}
	}
}

// Close flushes remaining events and closes the writers.
func (l *Logger) Close() error {
	close(l.doneCh)
	l.wg.Wait()

	var lastErr error
	for _, w := range l.writers {
		if err := w.Close(); err != nil {
			lastErr = err
		}
	}
	return lastErr
}
