package webhook

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/Hi-LinkDuino/RM56-sub005/adapter"
)

func testEvent() *adapter.CrashReportedEvent {
	return &adapter.CrashReportedEvent{
		ContractVersion: "0.3.0",
		EventType:       adapter.EventTypeCrashReported,
		CrashID:         "crash-001",
		Session:         "session-1",
		Kind:            "assert",
		Reason:          "work callback panicked",
		StartedAt:       "2026-10-15T12:00:00Z",
		EndedAt:         "2026-10-15T12:00:00.05Z",
		Complete:        true,
		RecordCount:     2,
		DumpTail:        []string{"pc=0x1000", "lr=0x2000"},
		Timestamp:       "2026-10-15T12:00:01Z",
	}
}

func newAdapter(t *testing.T, cfg Config) *Adapter {
	t.Helper()
	if cfg.Backoff == 0 {
		cfg.Backoff = time.Millisecond
	}
	a, err := New(cfg)
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	t.Cleanup(func() { _ = a.Close() })
	return a
}

func TestPublish_Success(t *testing.T) {
	var received adapter.CrashReportedEvent
	var header http.Header
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			t.Errorf("expected POST, got %s", r.Method)
		}
		header = r.Header.Clone()
		body, _ := io.ReadAll(r.Body)
		if err := json.Unmarshal(body, &received); err != nil {
			t.Errorf("unmarshal: %v", err)
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer ts.Close()

	a := newAdapter(t, Config{
		URL:     ts.URL,
		Headers: map[string]string{"Authorization": "Bearer test-token"},
	})
	if err := a.Publish(t.Context(), testEvent()); err != nil {
		t.Fatalf("publish: %v", err)
	}

	if received.CrashID != "crash-001" || received.Kind != "assert" {
		t.Errorf("unexpected body: %+v", received)
	}
	want := map[string]string{
		"Content-Type":  "application/json",
		"Authorization": "Bearer test-token",
		HeaderEvent:     adapter.EventTypeCrashReported,
		HeaderCrashID:   "crash-001",
		HeaderSession:   "session-1",
	}
	for k, v := range want {
		if got := header.Get(k); got != v {
			t.Errorf("header %s = %q, want %q", k, got, v)
		}
	}
}

func TestPublish_StatusHandling(t *testing.T) {
	tests := []struct {
		name         string
		codes        []int // response per attempt; the last repeats
		retries      int
		wantErr      bool
		wantAttempts int32
	}{
		{"200", []int{200}, 3, false, 1},
		{"204", []int{204}, 3, false, 1},
		{"recovers after 5xx", []int{500, 502, 200}, 3, false, 3},
		{"5xx exhausts retries", []int{503}, 2, true, 3},
		{"400 not retried", []int{400}, 3, true, 1},
		{"404 not retried", []int{404}, 3, true, 1},
		{"no retries", []int{500}, 0, true, 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var attempts atomic.Int32
			ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
				n := int(attempts.Add(1)) - 1
				w.WriteHeader(tt.codes[min(n, len(tt.codes)-1)])
			}))
			defer ts.Close()

			a := newAdapter(t, Config{URL: ts.URL, Retries: tt.retries, Timeout: 5 * time.Second})
			err := a.Publish(t.Context(), testEvent())
			if (err != nil) != tt.wantErr {
				t.Fatalf("err = %v, wantErr %v", err, tt.wantErr)
			}
			if got := attempts.Load(); got != tt.wantAttempts {
				t.Errorf("attempts = %d, want %d", got, tt.wantAttempts)
			}
			var statusErr *StatusError
			if tt.wantErr && !errors.As(err, &statusErr) {
				t.Errorf("expected a StatusError in %v", err)
			}
		})
	}
}

func TestPublish_ContextCanceled(t *testing.T) {
	release := make(chan struct{})
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		<-release
		w.WriteHeader(http.StatusOK)
	}))
	defer ts.Close()
	defer close(release)

	a := newAdapter(t, Config{URL: ts.URL, Timeout: 10 * time.Second})

	ctx, cancel := context.WithTimeout(t.Context(), 100*time.Millisecond)
	defer cancel()
	if err := a.Publish(ctx, testEvent()); err == nil {
		t.Fatal("expected error on canceled context")
	}
}

func TestNew(t *testing.T) {
	tests := []struct {
		name    string
		cfg     Config
		wantErr bool
	}{
		{"requires url", Config{}, true},
		{"negative retries", Config{URL: "http://example.com", Retries: -1}, true},
		{"defaults", Config{URL: "http://example.com"}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			a, err := New(tt.cfg)
			if (err != nil) != tt.wantErr {
				t.Fatalf("err = %v, wantErr %v", err, tt.wantErr)
			}
			if err == nil && a.config.Timeout != DefaultTimeout {
				t.Errorf("timeout = %v, want %v", a.config.Timeout, DefaultTimeout)
			}
		})
	}
}
