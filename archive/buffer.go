package archive

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/Hi-LinkDuino/RM56-sub005/log"
	"github.com/Hi-LinkDuino/RM56-sub005/relay"
)

// ErrBufferFull is returned by Record when the buffer is at a limit. The
// collector counts it as a read-side discard.
var ErrBufferFull = errors.New("archive: trace buffer full")

// ErrInvalidBufferConfig is returned when neither limit is set.
var ErrInvalidBufferConfig = errors.New("archive: at least one of MaxRecords or MaxBytes must be set")

// BufferConfig configures a TraceBuffer.
type BufferConfig struct {
	// MaxRecords bounds the buffered record count. Zero means no limit.
	MaxRecords int
	// MaxBytes bounds the buffered bytes. Zero means no limit.
	MaxBytes int64
	// FlushInterval flushes periodically once Start is called. Zero
	// disables the interval trigger.
	FlushInterval time.Duration
	Logger        *log.Logger
}

// BufferStats is a snapshot of TraceBuffer counters.
type BufferStats struct {
	Received  int64
	Persisted int64
	Rejected  int64
	Flushes   int64
	Errors    int64
	Buffered  int64
	Bytes     int64
}

// TraceBuffer is the host trace sink in front of a Writer.
//
// Record never blocks the diagnostics path: it appends to a bounded buffer
// and rejects records over the limit. Flush writes the buffer outside the
// buffer lock so records keep arriving during a write. A failed write puts
// the batch back in front of anything buffered meanwhile.
type TraceBuffer struct {
	w      Writer
	config BufferConfig
	logger *log.Logger

	mu      sync.Mutex // guards buffer state and stats
	records [][]byte
	bytes   int64
	stats   BufferStats

	// flushMu serializes flushes from the interval loop and callers.
	flushMu sync.Mutex

	started  bool // guarded by mu
	stopOnce sync.Once
	stopCh   chan struct{}
	done     chan struct{}
}

// NewTraceBuffer creates a buffer writing through w.
func NewTraceBuffer(w Writer, config BufferConfig) (*TraceBuffer, error) {
	if config.MaxRecords <= 0 && config.MaxBytes <= 0 {
		return nil, ErrInvalidBufferConfig
	}
	return &TraceBuffer{
		w:      w,
		config: config,
		logger: config.Logger,
		stopCh: make(chan struct{}),
		done:   make(chan struct{}),
	}, nil
}

// Record implements relay.Sink.
func (b *TraceBuffer) Record(rec []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.stats.Received++
	if b.fullLocked(int64(len(rec))) {
		b.stats.Rejected++
		return ErrBufferFull
	}
	b.records = append(b.records, append([]byte(nil), rec...))
	b.bytes += int64(len(rec))
	return nil
}

func (b *TraceBuffer) fullLocked(n int64) bool {
	if b.config.MaxRecords > 0 && len(b.records) >= b.config.MaxRecords {
		return true
	}
	return b.config.MaxBytes > 0 && b.bytes+n > b.config.MaxBytes
}

// Flush writes everything buffered so far.
func (b *TraceBuffer) Flush(ctx context.Context) error {
	b.flushMu.Lock()
	defer b.flushMu.Unlock()

	b.mu.Lock()
	b.stats.Flushes++
	batch, size := b.records, b.bytes
	if len(batch) == 0 {
		b.mu.Unlock()
		return nil
	}
	b.records, b.bytes = nil, 0
	b.mu.Unlock()

	if err := b.w.WriteTraces(ctx, batch); err != nil {
		b.mu.Lock()
		b.records = append(batch, b.records...)
		b.bytes += size
		b.stats.Errors++
		b.mu.Unlock()
		b.logger.Warn("trace flush failed, batch kept", map[string]any{
			"records": len(batch),
			"error":   err.Error(),
		})
		return err
	}

	b.mu.Lock()
	b.stats.Persisted += int64(len(batch))
	b.mu.Unlock()
	return nil
}

// Start runs the interval flush until ctx ends or Close is called.
// It does nothing when FlushInterval is zero.
func (b *TraceBuffer) Start(ctx context.Context) {
	if b.config.FlushInterval <= 0 {
		return
	}
	b.mu.Lock()
	if b.started {
		b.mu.Unlock()
		return
	}
	b.started = true
	b.mu.Unlock()

	go func() {
		defer close(b.done)
		ticker := time.NewTicker(b.config.FlushInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-b.stopCh:
				return
			case <-ticker.C:
				_ = b.Flush(ctx)
			}
		}
	}()
}

// Close stops the interval loop and flushes what is left.
func (b *TraceBuffer) Close(ctx context.Context) error {
	b.stopOnce.Do(func() { close(b.stopCh) })
	b.mu.Lock()
	started := b.started
	b.mu.Unlock()
	if started {
		<-b.done
	}
	return b.Flush(ctx)
}

// Stats returns a snapshot of buffer counters.
func (b *TraceBuffer) Stats() BufferStats {
	b.mu.Lock()
	defer b.mu.Unlock()
	s := b.stats
	s.Buffered = int64(len(b.records))
	s.Bytes = b.bytes
	return s
}

// Verify TraceBuffer implements relay.Sink.
var _ relay.Sink = (*TraceBuffer)(nil)
