package adapter_test

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/Hi-LinkDuino/RM56-sub005/adapter"
	"github.com/Hi-LinkDuino/RM56-sub005/metrics"
	"github.com/Hi-LinkDuino/RM56-sub005/relay"
	"github.com/Hi-LinkDuino/RM56-sub005/types"
)

type stubAdapter struct {
	events []*adapter.CrashReportedEvent
	err    error
}

func (s *stubAdapter) Publish(_ context.Context, e *adapter.CrashReportedEvent) error {
	s.events = append(s.events, e)
	return s.err
}

func (s *stubAdapter) Close() error { return nil }

func TestNewCrashReportedEvent(t *testing.T) {
	started := time.Date(2026, 10, 15, 12, 0, 0, 0, time.UTC)
	var records [][]byte
	for i := range 20 {
		records = append(records, fmt.Appendf(nil, "rec-%02d", i))
	}
	report := &relay.CrashReport{
		ID:        "c-1",
		Kind:      types.CrashFault,
		Reason:    "bus fault",
		StartedAt: started,
		EndedAt:   started.Add(time.Second),
		Complete:  true,
		Discarded: 7,
		Records:   records,
	}

	e := adapter.NewCrashReportedEvent("s-1", report, started.Add(2*time.Second))

	if e.EventType != adapter.EventTypeCrashReported || e.ContractVersion != types.Version {
		t.Errorf("unexpected envelope: %+v", e)
	}
	if e.CrashID != "c-1" || e.Session != "s-1" || e.Kind != "fault" || e.Reason != "bus fault" {
		t.Errorf("unexpected identity: %+v", e)
	}
	if e.StartedAt != "2026-10-15T12:00:00Z" || e.EndedAt != "2026-10-15T12:00:01Z" {
		t.Errorf("unexpected times: %s %s", e.StartedAt, e.EndedAt)
	}
	if e.RecordCount != 20 || e.Discarded != 7 || !e.Complete {
		t.Errorf("unexpected counts: %+v", e)
	}
	if len(e.DumpTail) != 16 || e.DumpTail[0] != "rec-04" || e.DumpTail[15] != "rec-19" {
		t.Errorf("dump tail = %v", e.DumpTail)
	}
}

func TestNewCrashReportedEvent_Incomplete(t *testing.T) {
	report := &relay.CrashReport{ID: "c-2", Kind: types.CrashAssert, StartedAt: time.Now()}
	e := adapter.NewCrashReportedEvent("s", report, time.Now())
	if e.EndedAt != "" || e.Complete || e.DumpTail != nil {
		t.Errorf("unexpected event for incomplete report: %+v", e)
	}
}

func TestCrashHandler_CountsOutcome(t *testing.T) {
	collector := metrics.NewCollector("s", "none", "stub")
	stub := &stubAdapter{}
	h := adapter.CrashHandler(stub, "s", collector)

	report := &relay.CrashReport{ID: "c", Kind: types.CrashAssert, StartedAt: time.Now()}
	if err := h(t.Context(), report); err != nil {
		t.Fatalf("handler failed: %v", err)
	}
	stub.err = errors.New("downstream unavailable")
	if err := h(t.Context(), report); err == nil {
		t.Fatal("expected publish error to surface")
	}

	s := collector.Snapshot()
	if s.NotifySuccess != 1 || s.NotifyFailure != 1 {
		t.Errorf("NotifySuccess=%d NotifyFailure=%d, want 1/1", s.NotifySuccess, s.NotifyFailure)
	}
	if len(stub.events) != 2 || stub.events[0].Session != "s" {
		t.Errorf("events = %v", stub.events)
	}
}
