// Package adapter defines the outward crash notification boundary.
//
// Adapters publish aux crash notifications to downstream systems once the
// host has collected the crash dump. The host owns adapter lifecycle;
// users provide configuration only.
package adapter

import (
	"context"
	"time"

	"github.com/Hi-LinkDuino/RM56-sub005/metrics"
	"github.com/Hi-LinkDuino/RM56-sub005/relay"
	"github.com/Hi-LinkDuino/RM56-sub005/types"
)

// EventTypeCrashReported is the event_type of every CrashReportedEvent.
const EventTypeCrashReported = "aux_crash_reported"

// dumpTailRecords bounds the dump records carried inline by an event.
const dumpTailRecords = 16

// CrashReportedEvent is the payload published when an aux crash report is
// complete.
type CrashReportedEvent struct {
	ContractVersion string   `json:"contract_version"`
	EventType       string   `json:"event_type"` // always "aux_crash_reported"
	CrashID         string   `json:"crash_id"`
	Session         string   `json:"session"`
	Kind            string   `json:"kind"` // assert, fault
	Reason          string   `json:"reason"`
	StartedAt       string   `json:"started_at"` // ISO 8601
	EndedAt         string   `json:"ended_at,omitempty"`
	Complete        bool     `json:"complete"`
	Discarded       int64    `json:"discarded"`
	RecordCount     int      `json:"record_count"`
	DumpTail        []string `json:"dump_tail,omitempty"`
	Timestamp       string   `json:"timestamp"` // ISO 8601
}

// NewCrashReportedEvent builds the event for a finished crash report.
// Only the last records of the dump travel inline; the archive keeps the
// whole dump.
func NewCrashReportedEvent(session string, r *relay.CrashReport, now time.Time) *CrashReportedEvent {
	e := &CrashReportedEvent{
		ContractVersion: types.Version,
		EventType:       EventTypeCrashReported,
		CrashID:         r.ID,
		Session:         session,
		Kind:            r.Kind.String(),
		Reason:          r.Reason,
		StartedAt:       r.StartedAt.UTC().Format(time.RFC3339Nano),
		Complete:        r.Complete,
		Discarded:       int64(r.Discarded),
		RecordCount:     len(r.Records),
		Timestamp:       now.UTC().Format(time.RFC3339Nano),
	}
	if !r.EndedAt.IsZero() {
		e.EndedAt = r.EndedAt.UTC().Format(time.RFC3339Nano)
	}
	tail := r.Records[max(0, len(r.Records)-dumpTailRecords):]
	for _, rec := range tail {
		e.DumpTail = append(e.DumpTail, string(rec))
	}
	return e
}

// Adapter publishes crash events to a downstream system.
type Adapter interface {
	// Publish sends a crash event to the downstream system.
	// Must respect context cancellation and deadlines.
	Publish(ctx context.Context, event *CrashReportedEvent) error

	// Close releases adapter resources.
	Close() error
}

// CrashHandler returns a relay crash handler publishing through a and
// counting the outcome on collector.
func CrashHandler(a Adapter, session string, collector *metrics.Collector) relay.CrashHandler {
	return func(ctx context.Context, report *relay.CrashReport) error {
		err := a.Publish(ctx, NewCrashReportedEvent(session, report, time.Now()))
		if err != nil {
			collector.IncNotifyFailure()
		} else {
			collector.IncNotifySuccess()
		}
		return err
	}
}
