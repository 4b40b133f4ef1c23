// Package archive persists diagnostics traffic collected on the host: trace
// records, crash reports with their dumps, and the session metrics.
//
// Records are written to a Lode dataset with Hive partitions
// session/day/record_kind. Crash dumps are additionally stored as sidecar
// files next to the partitions.
package archive

import (
	"context"
	"time"

	"github.com/Hi-LinkDuino/RM56-sub005/metrics"
	"github.com/Hi-LinkDuino/RM56-sub005/relay"
)

// Record kinds, also used as the record_kind partition value.
const (
	RecordKindTrace       = "trace"
	RecordKindCrashReport = "crash_report"
	RecordKindMetrics     = "metrics"
)

// partitionKeys is the Hive layout shared by the write and read paths.
var partitionKeys = []string{"session", "day", "record_kind"}

// DeriveDay computes the partition day from the session start time.
// Format: YYYY-MM-DD in UTC.
func DeriveDay(start time.Time) string {
	return start.UTC().Format("2006-01-02")
}

// Config holds the partition values of one session.
type Config struct {
	// Dataset is the Lode dataset ID.
	Dataset string
	// Session is the simulation session id.
	Session string
	// Day is derived from the session start (YYYY-MM-DD UTC).
	Day string
}

// Writer persists diagnostics. Client is the Lode-backed implementation.
type Writer interface {
	// WriteTraces writes a batch of trace records in order.
	WriteTraces(ctx context.Context, records [][]byte) error
	// WriteCrashReport writes the crash report record and its dump file.
	WriteCrashReport(ctx context.Context, report *relay.CrashReport) error
	// WriteMetrics writes the session metrics snapshot.
	WriteMetrics(ctx context.Context, snap metrics.Snapshot, at time.Time) error
	// Close releases writer resources.
	Close() error
}

// CrashHandler returns a relay crash handler persisting reports through w.
func CrashHandler(w Writer) relay.CrashHandler {
	return func(ctx context.Context, report *relay.CrashReport) error {
		return w.WriteCrashReport(ctx, report)
	}
}
