// Package logger implements a non-blocking, batched request audit logger.
//
// Log entries are written to an internal buffered channel and flushed in
// batches by a background goroutine — so logging never blocks the dispatch
// hot path. If the channel fills up (> 10 000 entries), new entries are
// dropped and counted in DroppedLogs.
//
// Batches are delivered to a Sink: SlogSink writes structured log lines,
// ClickHouseSink inserts rows for offline analytics.
package logger

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"sync/atomic"
	"time"
)

const (
	channelBuffer = 10_000
	batchSize     = 100
	flushInterval = time.Second
)

// RequestLog is one audit record for a served inference request.
type RequestLog struct {
	RequestID    string
	Backend      string
	Model        string
	InputTokens  uint32
	OutputTokens uint32
	LatencyMs    uint16
	Status       uint16
	Stream       bool
	CreatedAt    time.Time
}

// Sink receives flushed batches. Write is called from a single goroutine.
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

// New starts the background flush loop. sink must not be nil; use NewSlogSink
// for plain structured output.
func New(ctx context.Context, sink Sink, slogger *slog.Logger) (*Logger, error) {
	if ctx == nil {
		return nil, fmt.Errorf("logger: context must not be nil")
	}
	if sink == nil {
		return nil, fmt.Errorf("logger: sink must not be nil")
	}
	if slogger == nil {
		slogger = slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
			Level: slog.LevelInfo,
		}))
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

// Log enqueues an entry. Never blocks; drops when the buffer is full.
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

// Close drains the channel, flushes the final batch, and closes the sink.
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

	flush := func() {
		if len(batch) == 0 {
			return
		}
		if err := l.sink.Write(l.baseCtx, batch); err != nil {
			l.log.Error("audit_flush_failed",
				slog.Int("entries", len(batch)),
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
				flush()
			}

		case <-ticker.C:
			flush()

		case <-l.done:
			for {
				select {
				case entry := <-l.ch:
					batch = append(batch, entry)
					if len(batch) >= batchSize {
						flush()
					}
				default:
					flush()
					return
				}
			}
		}
	}
}

// SlogSink writes each entry as one structured log line.
type SlogSink struct {
	log *slog.Logger
}

func NewSlogSink(slogger *slog.Logger) *SlogSink {
	if slogger == nil {
		slogger = slog.Default()
	}
	return &SlogSink{log: slogger}
}

func (s *SlogSink) Write(ctx context.Context, batch []RequestLog) error {
	for _, e := range batch {
		s.log.InfoContext(ctx, "request_audit",
			slog.String("request_id", e.RequestID),
			slog.String("backend", e.Backend),
			slog.String("model", e.Model),
			slog.Uint64("input_tokens", uint64(e.InputTokens)),
			slog.Uint64("output_tokens", uint64(e.OutputTokens)),
			slog.Uint64("latency_ms", uint64(e.LatencyMs)),
			slog.Uint64("status", uint64(e.Status)),
			slog.Bool("stream", e.Stream),
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
