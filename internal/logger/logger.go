// Package logger implements a non-blocking, batched request logger.
//
// Log entries are written to an internal buffered channel and flushed in
// batches by a background goroutine — so logging never blocks the gateway hot
// path. If the channel fills up (> 10 000 entries), new entries are dropped
// and counted in DroppedLogs.
//
// Batches go to a Sink: SlogSink by default, ClickHouseSink when an
// analytics store is configured.
package logger

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

const (
	channelBuffer = 10_000
	batchSize     = 100
	flushInterval = time.Second
)

type RequestLog struct {
	ID           uuid.UUID
	ClientID     string
	Provider     string
	Model        string
	InputTokens  uint32
	OutputTokens uint32
	LatencyMs    uint16
	Status       uint16
	Cached       bool
	Attempts     uint8
	CreatedAt    time.Time
}

// Sink receives flushed batches. Implementations must tolerate being called
// from a single background goroutine and should not retain the slice.
type Sink interface {
	Write(ctx context.Context, batch []RequestLog) error
	Close() error
}

type Logger struct {
	ch        chan RequestLog
	done      chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup

	droppedLogs int64

	baseCtx context.Context
	sink    Sink
	log     *slog.Logger
}

// New starts the flush goroutine. A nil sink falls back to SlogSink over
// slogger (or a JSON handler on stdout when slogger is also nil).
func New(ctx context.Context, sink Sink, slogger *slog.Logger) (*Logger, error) {
	if ctx == nil {
		return nil, fmt.Errorf("logger: context must not be nil")
	}
	if slogger == nil {
		slogger = slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
			Level: slog.LevelInfo,
		}))
	}
	if sink == nil {
		sink = NewSlogSink(slogger)
	}

	l := &Logger{
		ch:      make(chan RequestLog, channelBuffer),
		done:    make(chan struct{}),
		baseCtx: ctx,
		sink:    sink,
		log:     slogger,
	}

	l.wg.Add(1)
	go l.run()

	return l, nil
}

func (l *Logger) Log(entry RequestLog) {
	select {
	case l.ch <- entry:
	default:
		atomic.AddInt64(&l.droppedLogs, 1)
	}
}

func (l *Logger) DroppedLogs() int64 {
	return atomic.LoadInt64(&l.droppedLogs)
}

// Close drains remaining entries, flushes them, and closes the sink.
func (l *Logger) Close() error {
	l.closeOnce.Do(func() {
		close(l.done)
	})
	l.wg.Wait()
	return l.sink.Close()
}

func (l *Logger) run() {
	defer l.wg.Done()

	ticker := time.NewTicker(flushInterval)
	defer ticker.Stop()

	batch := make([]RequestLog, 0, batchSize)

	flush := func(ctx context.Context) {
		if len(batch) == 0 {
			return
		}
		if err := l.sink.Write(ctx, batch); err != nil {
			l.log.ErrorContext(ctx, "request log flush failed",
				slog.Int("batch_size", len(batch)),
				slog.String("error", err.Error()),
			)
		}
		batch = batch[:0]
	}

	for {
		select {
		case entry := <-l.ch:
			batch = append(batch, entry)
			if len(batch) >= batchSize {
				flush(l.baseCtx)
			}

		case <-ticker.C:
			flush(l.baseCtx)

		case <-l.done:
			for {
				select {
				case entry := <-l.ch:
					batch = append(batch, entry)
					if len(batch) >= batchSize {
						flush(l.baseCtx)
					}
				default:
					flush(l.baseCtx)
					return
				}
			}
		}
	}
}

// SlogSink writes each entry as a structured log line.
type SlogSink struct {
	log *slog.Logger
}

func NewSlogSink(log *slog.Logger) *SlogSink {
	return &SlogSink{log: log}
}

func (s *SlogSink) Write(ctx context.Context, batch []RequestLog) error {
	for _, e := range batch {
		s.log.InfoContext(ctx, "request",
			slog.String("id", e.ID.String()),
			slog.String("client_id", e.ClientID),
			slog.String("provider", e.Provider),
			slog.String("model", e.Model),
			slog.Uint64("input_tokens", uint64(e.InputTokens)),
			slog.Uint64("output_tokens", uint64(e.OutputTokens)),
			slog.Uint64("latency_ms", uint64(e.LatencyMs)),
			slog.Uint64("status", uint64(e.Status)),
			slog.Bool("cached", e.Cached),
			slog.Uint64("attempts", uint64(e.Attempts)),
			slog.Time("created_at", normalizeTime(e.CreatedAt)),
		)
	}
	return nil
}

func (s *SlogSink) Close() error { return nil }

func normalizeTime(t time.Time) time.Time {
	if t.IsZero() {
		return time.Now().UTC()
	}
	return t.UTC()
}
