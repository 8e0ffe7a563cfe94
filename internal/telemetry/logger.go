package telemetry

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

const (
	defaultBufferSize    = 1000
	defaultFlushInterval = 5 * time.Second

	// batchFlushThreshold flushes the pending batch early once it grows
	// this large, without waiting for the ticker.
	batchFlushThreshold = 100
)

// LoggerConfig tunes the async buffer.
type LoggerConfig struct {
	BufferSize    int
	FlushInterval time.Duration
}

// Logger buffers events on a channel and flushes them to the store in
// batches, either when the batch fills or on a timer. Record never blocks:
// when the buffer is full the event is dropped with a warning.
type Logger struct {
	store         EventStore
	buffer        chan *Event
	done          chan struct{}
	wg            sync.WaitGroup
	records       sync.WaitGroup // in-flight Record calls
	flushInterval time.Duration
	closed        atomic.Bool
}

// NewLogger starts the background flush goroutine and returns the logger.
func NewLogger(store EventStore, cfg LoggerConfig) *Logger {
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = defaultBufferSize
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = defaultFlushInterval
	}

	l := &Logger{
		store:         store,
		buffer:        make(chan *Event, cfg.BufferSize),
		done:          make(chan struct{}),
		flushInterval: cfg.FlushInterval,
	}

	l.wg.Add(1)
	go l.flushLoop()

	return l
}

// Record queues an event for async writing. Non-blocking; drops with a
// warning when the buffer is full or the logger is closed.
func (l *Logger) Record(event *Event) {
	if event == nil {
		return
	}

	if l.closed.Load() {
		return
	}

	// Register before re-checking so Close cannot close the buffer while
	// we are sending on it.
	l.records.Add(1)
	defer l.records.Done()

	if l.closed.Load() {
		return
	}

	select {
	case l.buffer <- event:
	default:
		slog.Warn("telemetry buffer full, dropping event",
			"request_id", event.RequestID,
			"model", event.Model,
		)
	}
}

// Close flushes remaining events and shuts down the store. Idempotent.
func (l *Logger) Close() error {
	if l.closed.Swap(true) {
		return nil
	}

	l.records.Wait()
	close(l.done)
	l.wg.Wait()

	return l.store.Close()
}

func (l *Logger) flushLoop() {
	defer l.wg.Done()

	ticker := time.NewTicker(l.flushInterval)
	defer ticker.Stop()

	batch := make([]*Event, 0, batchFlushThreshold)

	for {
		select {
		case event := <-l.buffer:
			batch = append(batch, event)
			if len(batch) >= batchFlushThreshold {
				l.flushBatch(batch)
				batch = make([]*Event, 0, batchFlushThreshold)
			}

		case <-ticker.C:
			if len(batch) > 0 {
				l.flushBatch(batch)
				batch = make([]*Event, 0, batchFlushThreshold)
			}

		case <-l.done:
			// closed is already set, so no new sends can race the close.
			close(l.buffer)
			for event := range l.buffer {
				batch = append(batch, event)
			}
			if len(batch) > 0 {
				l.flushBatch(batch)
			}
			return
		}
	}
}

func (l *Logger) flushBatch(batch []*Event) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := l.store.WriteBatch(ctx, batch); err != nil {
		slog.Error("failed to write telemetry batch",
			"error", err,
			"count", len(batch),
		)
	}
}
