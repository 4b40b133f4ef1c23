package tui

import (
	"strings"
	"testing"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/Hi-LinkDuino/RM56-sub005/archive"
	"github.com/Hi-LinkDuino/RM56-sub005/metrics"
)

func TestIsTUISupported(t *testing.T) {
	tests := []struct {
		viewType string
		want     bool
	}{
		{"metrics", true},
		{"crashes", true},
		{"version", false},
		{"validate", false},
		{"unknown", false},
		{"", false},
	}

	for _, tt := range tests {
		t.Run(tt.viewType, func(t *testing.T) {
			got := IsTUISupported(tt.viewType)
			if got != tt.want {
				t.Errorf("IsTUISupported(%q) = %v, want %v", tt.viewType, got, tt.want)
			}
		})
	}
}

func TestRun_UnsupportedViewType(t *testing.T) {
	if err := Run("version", nil); err == nil {
		t.Error("Expected error for unsupported view type")
	}
}

func TestRenderStatic_Metrics(t *testing.T) {
	snap := metrics.Snapshot{Session: "s-42", SlotsSent: 1234, Crashes: 3}
	got := RenderStatic(ViewMetrics, snap)

	for _, want := range []string{"Session s-42", "Mailbox", "1234", "Crashes"} {
		if !strings.Contains(got, want) {
			t.Errorf("metrics view missing %q:\n%s", want, got)
		}
	}
}

func TestRenderStatic_Crashes(t *testing.T) {
	got := RenderStatic(ViewCrashes, []archive.CrashSummary{
		{ID: "crash-1", Kind: "assert", Reason: "x > 0", Complete: false, RecordCount: 2},
	})
	for _, want := range []string{"crash-1", "assert", "incomplete"} {
		if !strings.Contains(got, want) {
			t.Errorf("crashes view missing %q:\n%s", want, got)
		}
	}

	if got := RenderStatic(ViewCrashes, []archive.CrashSummary{}); !strings.Contains(got, "no crashes") {
		t.Errorf("empty crash list not reported:\n%s", got)
	}
}

func TestRenderStatic_WrongPayload(t *testing.T) {
	if got := RenderStatic(ViewMetrics, "nope"); !strings.Contains(got, "Invalid data type") {
		t.Errorf("expected invalid data message, got:\n%s", got)
	}
}

func TestModel_QuitKey(t *testing.T) {
	m := NewModel(ViewMetrics, metrics.Snapshot{})
	next, cmd := m.Update(tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune("q")})
	if cmd == nil {
		t.Fatal("expected quit command")
	}
	if v := next.View(); v != "" {
		t.Errorf("expected empty view after quit, got %q", v)
	}
}

func TestTone_ProblemCountersQuietAtZero(t *testing.T) {
	tests := []struct {
		tone  tone
		value int64
		want  lipgloss.Color
	}{
		{toneInfo, 0, accentColor},
		{toneGood, 0, goodColor},
		{toneWarn, 0, quietColor},
		{toneWarn, 1, warnColor},
		{toneBad, 0, quietColor},
		{toneBad, 7, badColor},
	}
	for _, tt := range tests {
		if got := tt.tone.color(tt.value); got != tt.want {
			t.Errorf("tone %d value %d: color %s, want %s", tt.tone, tt.value, got, tt.want)
		}
	}
}
