package archive

import (
	"context"
	"time"

	"github.com/Hi-LinkDuino/RM56-sub005/metrics"
	"github.com/Hi-LinkDuino/RM56-sub005/relay"
)

// InstrumentedWriter wraps a Writer and counts every write call as an
// archive write success or failure on the metrics collector.
type InstrumentedWriter struct {
	inner     Writer
	collector *metrics.Collector
}

// NewInstrumentedWriter wraps w with metrics instrumentation.
func NewInstrumentedWriter(w Writer, collector *metrics.Collector) *InstrumentedWriter {
	return &InstrumentedWriter{inner: w, collector: collector}
}

// WriteTraces delegates to the inner writer and records the outcome.
func (w *InstrumentedWriter) WriteTraces(ctx context.Context, records [][]byte) error {
	return w.record(w.inner.WriteTraces(ctx, records))
}

// WriteCrashReport delegates to the inner writer and records the outcome.
func (w *InstrumentedWriter) WriteCrashReport(ctx context.Context, report *relay.CrashReport) error {
	return w.record(w.inner.WriteCrashReport(ctx, report))
}

// WriteMetrics delegates to the inner writer and records the outcome.
func (w *InstrumentedWriter) WriteMetrics(ctx context.Context, snap metrics.Snapshot, at time.Time) error {
	return w.record(w.inner.WriteMetrics(ctx, snap, at))
}

// Close delegates to the inner writer.
func (w *InstrumentedWriter) Close() error {
	return w.inner.Close()
}

func (w *InstrumentedWriter) record(err error) error {
	if err != nil {
		w.collector.IncArchiveWriteFailure()
	} else {
		w.collector.IncArchiveWriteSuccess()
	}
	return err
}

// Verify InstrumentedWriter implements Writer.
var _ Writer = (*InstrumentedWriter)(nil)
