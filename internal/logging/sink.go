package logging

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/opsconductor/opsconductor/internal/models"
)

const (
	sinkMaxBuffer     = 200
	sinkFlushInterval = 5 * time.Second
	sinkFlushTimeout  = 10 * time.Second
)

// SystemLogWriter is the narrow store surface the sink batches rows into.
type SystemLogWriter interface {
	InsertSystemLogs(ctx context.Context, entries []models.SystemLogEntry) error
}

var (
	sinkMu sync.RWMutex
	dbSink *DBSink
)

// SetDBSink registers the sink included in the writer chain on the next Init.
func SetDBSink(s *DBSink) {
	sinkMu.Lock()
	dbSink = s
	sinkMu.Unlock()
}

func currentDBSink() *DBSink {
	sinkMu.RLock()
	defer sinkMu.RUnlock()
	return dbSink
}

// DBSink captures warn-and-above log events and batches them into the
// system_logs table, where the rule evaluator's error conditions count them.
// It sits on the raw JSON stream ahead of any console formatting.
type DBSink struct {
	store    SystemLogWriter
	minLevel zerolog.Level

	mu  sync.Mutex
	buf []models.SystemLogEntry

	stopCh   chan struct{}
	doneCh   chan struct{}
	stopOnce sync.Once
}

// NewDBSink creates and starts a sink writing into the given store.
func NewDBSink(store SystemLogWriter) *DBSink {
	s := &DBSink{
		store:    store,
		minLevel: zerolog.WarnLevel,
		buf:      make([]models.SystemLogEntry, 0, sinkMaxBuffer),
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
	}
	go s.flushWorker()
	return s
}

type sinkEvent struct {
	Level     string `json:"level"`
	Component string `json:"component"`
	Message   string `json:"message"`
	Time      string `json:"time"`
}

// Write implements io.Writer over zerolog's JSON output. Lines below the
// minimum level are dropped without buffering.
func (s *DBSink) Write(p []byte) (int, error) {
	var ev sinkEvent
	if err := json.Unmarshal(p, &ev); err != nil {
		return len(p), nil
	}

	level, err := zerolog.ParseLevel(ev.Level)
	if err != nil || level < s.minLevel {
		return len(p), nil
	}

	ts := time.Now().UTC()
	if ev.Time != "" {
		if parsed, err := time.Parse(time.RFC3339, ev.Time); err == nil {
			ts = parsed.UTC()
		}
	}

	s.mu.Lock()
	s.buf = append(s.buf, models.SystemLogEntry{
		Timestamp: ts,
		Level:     level.String(),
		Component: ev.Component,
		Message:   ev.Message,
	})
	needFlush := len(s.buf) >= sinkMaxBuffer
	s.mu.Unlock()

	if needFlush {
		s.flush()
	}
	return len(p), nil
}

// Stop flushes remaining rows and halts the background worker.
func (s *DBSink) Stop() {
	s.stopOnce.Do(func() {
		close(s.stopCh)
		select {
		case <-s.doneCh:
		case <-time.After(sinkFlushTimeout):
		}
	})
}

func (s *DBSink) flushWorker() {
	defer close(s.doneCh)

	ticker := time.NewTicker(sinkFlushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.flush()
		case <-s.stopCh:
			s.flush()
			return
		}
	}
}

func (s *DBSink) flush() {
	s.mu.Lock()
	if len(s.buf) == 0 {
		s.mu.Unlock()
		return
	}
	batch := s.buf
	s.buf = make([]models.SystemLogEntry, 0, sinkMaxBuffer)
	s.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), sinkFlushTimeout)
	defer cancel()

	if err := s.store.InsertSystemLogs(ctx, batch); err != nil {
		// Writing through the logger here would feed the sink its own
		// failure. Keep it on stderr like the rest of this package.
		fmt.Fprintf(os.Stderr, "logging: flush %d system log rows failed: %v\n", len(batch), err)
	}
}
