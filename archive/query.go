package archive

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"

	"github.com/justapithecus/lode/lode"
)

// ErrNoMetricsFound is returned when no metrics record exists in the dataset.
var ErrNoMetricsFound = errors.New("no metrics records found")

// CrashSummary is a crash report record read back from the archive.
type CrashSummary struct {
	ID          string `json:"crash_id" yaml:"crash_id"`
	Session     string `json:"session" yaml:"session"`
	Kind        string `json:"kind" yaml:"kind"`
	Reason      string `json:"reason" yaml:"reason"`
	StartedAt   string `json:"started_at" yaml:"started_at"`
	EndedAt     string `json:"ended_at,omitempty" yaml:"ended_at,omitempty"`
	Complete    bool   `json:"complete" yaml:"complete"`
	Discarded   int64  `json:"discarded" yaml:"discarded"`
	RecordCount int64  `json:"record_count" yaml:"record_count"`
	DumpFile    string `json:"dump_file,omitempty" yaml:"dump_file,omitempty"`
}

// ListCrashReports returns every crash report of the dataset, optionally
// filtered by session, oldest first.
func ListCrashReports(ctx context.Context, ds lode.Dataset, session string) ([]CrashSummary, error) {
	var out []CrashSummary
	err := scan(ctx, ds, RecordKindCrashReport, session, false, func(record map[string]any) bool {
		out = append(out, CrashSummary{
			ID:          toString(record["crash_id"]),
			Session:     toString(record["session"]),
			Kind:        toString(record["kind"]),
			Reason:      toString(record["reason"]),
			StartedAt:   toString(record["started_at"]),
			EndedAt:     toString(record["ended_at"]),
			Complete:    record["complete"] == true,
			Discarded:   toInt64(record["discarded"]),
			RecordCount: toInt64(record["record_count"]),
			DumpFile:    toString(record["dump_file"]),
		})
		return true
	})
	if err != nil {
		return nil, err
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].StartedAt < out[j].StartedAt })
	return out, nil
}

// LatestMetrics returns the most recent metrics record, optionally filtered
// by session, or ErrNoMetricsFound.
func LatestMetrics(ctx context.Context, ds lode.Dataset, session string) (map[string]any, error) {
	var found map[string]any
	err := scan(ctx, ds, RecordKindMetrics, session, true, func(record map[string]any) bool {
		found = record
		return false
	})
	if err != nil {
		return nil, err
	}
	if found == nil {
		return nil, ErrNoMetricsFound
	}
	return found, nil
}

// scan visits the records of kind in snapshots matching session. Manifest
// paths are a coarse pre-filter; record fields are authoritative. visit
// returns false to stop.
func scan(ctx context.Context, ds lode.Dataset, kind, session string, latestFirst bool, visit func(map[string]any) bool) error {
	snapshots, err := ds.Snapshots(ctx)
	if err != nil {
		return WrapReadError(err, "snapshots")
	}

	for n := range snapshots {
		i := n
		if latestFirst {
			i = len(snapshots) - 1 - n
		}
		snap := snapshots[i]
		if !snapshotMatches(snap, "record_kind", kind) || !snapshotMatches(snap, "session", session) {
			continue
		}

		data, err := ds.Read(ctx, snap.ID)
		if err != nil {
			return WrapReadError(err, fmt.Sprintf("snapshot/%s", snap.ID))
		}
		for _, item := range data {
			record, ok := item.(map[string]any)
			if !ok || record["record_kind"] != kind {
				continue
			}
			if session != "" && toString(record["session"]) != session {
				continue
			}
			if !visit(record) {
				return nil
			}
		}
	}
	return nil
}

// snapshotMatches reports whether any file of the snapshot sits under the
// key=value partition. An empty value matches everything.
func snapshotMatches(snap *lode.DatasetSnapshot, key, value string) bool {
	if value == "" {
		return true
	}
	for _, f := range snap.Manifest.Files {
		if matchesPartitionValue(f.Path, key, value) {
			return true
		}
	}
	return false
}

// matchesPartitionValue matches an exact key=value path segment, so that
// session=s-1 does not match session=s-10.
func matchesPartitionValue(path, key, value string) bool {
	segment := key + "=" + value
	for _, part := range strings.Split(path, "/") {
		if part == segment {
			return true
		}
	}
	return false
}

func toString(v any) string {
	if s, ok := v.(string); ok {
		return s
	}
	return ""
}

func toInt64(v any) int64 {
	switch n := v.(type) {
	case int64:
		return n
	case float64:
		return int64(n)
	case int:
		return int64(n)
	default:
		return 0
	}
}

// ReadDump reads a crash dump sidecar file.
func ReadDump(ctx context.Context, factory lode.StoreFactory, path string) ([]byte, error) {
	store, err := factory()
	if err != nil {
		return nil, WrapInitError(err, path)
	}
	rc, err := store.Get(ctx, path)
	if err != nil {
		return nil, WrapReadError(err, path)
	}
	defer func() { _ = rc.Close() }()
	data, err := io.ReadAll(rc)
	if err != nil {
		return nil, WrapReadError(err, path)
	}
	return data, nil
}
