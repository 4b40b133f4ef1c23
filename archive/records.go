package archive

import (
	"time"

	"github.com/Hi-LinkDuino/RM56-sub005/metrics"
	"github.com/Hi-LinkDuino/RM56-sub005/relay"
)

// Lode HiveLayout requires records as map[string]any.

func traceRecordMap(data []byte, seq int64, at time.Time, cfg Config) map[string]any {
	return map[string]any{
		"record_kind": RecordKindTrace,
		"seq":         seq,
		"ts":          at.UTC().Format(time.RFC3339Nano),
		"length":      int64(len(data)),
		"data":        data, // base64 encoded in JSON
		"session":     cfg.Session,
		"day":         cfg.Day,
	}
}

func crashReportRecordMap(r *relay.CrashReport, dumpFile string, cfg Config) map[string]any {
	var bytes int64
	for _, rec := range r.Records {
		bytes += int64(len(rec))
	}
	m := map[string]any{
		"record_kind":  RecordKindCrashReport,
		"crash_id":     r.ID,
		"kind":         r.Kind.String(),
		"reason":       r.Reason,
		"started_at":   r.StartedAt.UTC().Format(time.RFC3339Nano),
		"complete":     r.Complete,
		"discarded":    int64(r.Discarded),
		"record_count": int64(len(r.Records)),
		"dump_bytes":   bytes,
		"session":      cfg.Session,
		"day":          cfg.Day,
	}
	if !r.EndedAt.IsZero() {
		m["ended_at"] = r.EndedAt.UTC().Format(time.RFC3339Nano)
	}
	if dumpFile != "" {
		m["dump_file"] = dumpFile
	}
	return m
}

func metricsRecordMap(s metrics.Snapshot, at time.Time, cfg Config) map[string]any {
	byPriority := make(map[string]int64, len(s.QueueFullByPriority))
	for k, v := range s.QueueFullByPriority {
		byPriority[k] = v
	}
	return map[string]any{
		"record_kind":            RecordKindMetrics,
		"ts":                     at.UTC().Format(time.RFC3339Nano),
		"slots_sent_total":       s.SlotsSent,
		"slots_received_total":   s.SlotsReceived,
		"slots_acked_total":      s.SlotsAcked,
		"queue_full_total":       s.QueueFull,
		"queue_full_by_priority": byPriority,
		"envelopes_sent_total":   s.EnvelopesSent,
		"envelopes_recv_total":   s.EnvelopesReceived,
		"envelopes_gated_total":  s.EnvelopesGated,
		"unknown_type_total":     s.UnknownType,
		"decode_errors_total":    s.DecodeErrors,
		"tasks_opened_total":     s.TasksOpened,
		"tasks_closed_total":     s.TasksClosed,
		"power_ups_total":        s.PowerUps,
		"power_downs_total":      s.PowerDowns,
		"boot_failures_total":    s.BootFailures,
		"busy_permille":          int64(s.BusyPermille),
		"records_written_total":  s.RecordsWritten,
		"records_discarded":      s.RecordsDiscarded,
		"records_collected":      s.RecordsCollected,
		"read_discards_total":    s.ReadDiscards,
		"records_lost_total":     s.RecordsLost,
		"handshake_timeouts":     s.HandshakeTimeouts,
		"crashes_total":          s.Crashes,
		"archive_write_success":  s.ArchiveWriteSuccess,
		"archive_write_failure":  s.ArchiveWriteFailure,
		"notify_success":         s.NotifySuccess,
		"notify_failure":         s.NotifyFailure,
		"archive":                s.Archive,
		"notifier":               s.Notifier,
		"session":                cfg.Session,
		"day":                    cfg.Day,
	}
}
