// Package logger records per-request accounting entries asynchronously.
//
// Record never blocks the request path: entries go into a buffered channel
// and a background goroutine flushes them to the configured sink in batches.
// When the buffer is full the entry is dropped and counted; accounting
// completeness never outranks serving traffic.
package logger

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

const (
	bufferSize    = 10_000
	batchSize     = 100
	flushInterval = time.Second
)

// RequestLog is one accounting entry for a completed (or failed) request.
type RequestLog struct {
	ID               uuid.UUID
	KeyID            string
	ModelAlias       string
	Deployment       string
	Provider         string
	InputTokens      uint32
	OutputTokens     uint32
	CostUSD          float64
	LatencyMs        uint32
	Status           uint16
	Cached           bool
	PricingMissing   bool
	FailoverAttempts uint8
	ErrorKind        string
	ErrorMessage     string
	CreatedAt        time.Time
}

// Sink receives flushed batches.
type Sink interface {
	WriteBatch(ctx context.Context, batch []RequestLog) error
}

// Logger is the async batching request logger.
type Logger struct {
	sink    Sink
	log     *slog.Logger
	entries chan RequestLog
	dropped atomic.Uint64

	stop     chan struct{}
	stopOnce sync.Once
	done     chan struct{}
}

func New(sink Sink, log *slog.Logger) *Logger {
	if log == nil {
		log = slog.Default()
	}
	l := &Logger{
		sink:    sink,
		log:     log,
		entries: make(chan RequestLog, bufferSize),
		stop:    make(chan struct{}),
		done:    make(chan struct{}),
	}
	go l.run()
	return l
}

// Record enqueues an entry, dropping it when the buffer is full.
func (l *Logger) Record(entry RequestLog) {
	if entry.ID == uuid.Nil {
		entry.ID = uuid.New()
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}

	select {
	case l.entries <- entry:
	default:
		l.dropped.Add(1)
	}
}

// Dropped reports how many entries were discarded because of backpressure.
func (l *Logger) Dropped() uint64 { return l.dropped.Load() }

// Close flushes buffered entries and stops the background goroutine.
func (l *Logger) Close() {
	l.stopOnce.Do(func() { close(l.stop) })
	<-l.done
}

func (l *Logger) run() {
	defer close(l.done)

	ticker := time.NewTicker(flushInterval)
	defer ticker.Stop()

	batch := make([]RequestLog, 0, batchSize)

	flush := func() {
		if len(batch) == 0 {
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := l.sink.WriteBatch(ctx, batch); err != nil {
			l.log.Error("request logger: flush failed",
				"batch_size", len(batch), "error", err)
		}
		cancel()
		batch = batch[:0]
	}

	for {
		select {
		case e := <-l.entries:
			batch = append(batch, e)
			if len(batch) >= batchSize {
				flush()
			}
		case <-ticker.C:
			flush()
		case <-l.stop:
			// Drain whatever is queued, then exit.
			for {
				select {
				case e := <-l.entries:
					batch = append(batch, e)
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

// SlogSink writes entries as structured log lines. It is the default sink
// when no ClickHouse DSN is configured.
type SlogSink struct {
	log *slog.Logger
}

func NewSlogSink(log *slog.Logger) *SlogSink {
	if log == nil {
		log = slog.Default()
	}
	return &SlogSink{log: log}
}

func (s *SlogSink) WriteBatch(ctx context.Context, batch []RequestLog) error {
	for _, e := range batch {
		s.log.InfoContext(ctx, "request",
			slog.String("id", e.ID.String()),
			slog.String("key_id", e.KeyID),
			slog.String("model", e.ModelAlias),
			slog.String("deployment", e.Deployment),
			slog.String("provider", e.Provider),
			slog.Uint64("input_tokens", uint64(e.InputTokens)),
			slog.Uint64("output_tokens", uint64(e.OutputTokens)),
			slog.Float64("cost_usd", e.CostUSD),
			slog.Uint64("latency_ms", uint64(e.LatencyMs)),
			slog.Int("status", int(e.Status)),
			slog.Bool("cached", e.Cached),
			slog.Bool("pricing_missing", e.PricingMissing),
			slog.Int("failover_attempts", int(e.FailoverAttempts)),
			slog.String("error_kind", e.ErrorKind),
		)
	}
	return nil
}
