// Package tui provides Bubble Tea views for the cpsim CLI.
//
// TUI is opt-in (--tui) and shows the same payloads as the plain renderer.
package tui

import "github.com/charmbracelet/lipgloss"

var (
	accentColor = lipgloss.Color("#0EA5E9") // sky
	goodColor   = lipgloss.Color("#22C55E")
	warnColor   = lipgloss.Color("#EAB308")
	badColor    = lipgloss.Color("#DC2626")
	quietColor  = lipgloss.Color("#64748B")
	textColor   = lipgloss.Color("#F8FAFC")
)

// tone classifies a counter. Warn and bad counters are quiet while zero, so
// only problems that actually happened draw attention.
type tone int

const (
	toneInfo tone = iota
	toneGood
	toneWarn
	toneBad
)

func (t tone) color(v int64) lipgloss.Color {
	switch {
	case t == toneInfo:
		return accentColor
	case t == toneGood:
		return goodColor
	case v == 0:
		return quietColor
	case t == toneWarn:
		return warnColor
	default:
		return badColor
	}
}

var (
	// TitleStyle renders view titles.
	TitleStyle = lipgloss.NewStyle().Bold(true).Foreground(accentColor).MarginBottom(1)

	// SectionStyle renders a group heading above a row of stat boxes.
	SectionStyle = lipgloss.NewStyle().Bold(true).Foreground(textColor).Underline(true)

	// LabelStyle renders field labels of a crash card.
	LabelStyle = lipgloss.NewStyle().Foreground(quietColor).Width(10)

	// ValueStyle renders field values.
	ValueStyle = lipgloss.NewStyle().Foreground(textColor)

	// CardStyle frames one crash report.
	CardStyle = lipgloss.NewStyle().Border(lipgloss.NormalBorder(), false, false, false, true).PaddingLeft(1)

	// HelpStyle renders the key help line.
	HelpStyle = lipgloss.NewStyle().Foreground(quietColor).MarginTop(1)

	// StatBoxStyle frames one counter.
	StatBoxStyle = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			Padding(0, 1).
			Width(16).
			Align(lipgloss.Center)

	// StatLabelStyle renders a counter's name.
	StatLabelStyle = lipgloss.NewStyle().Foreground(quietColor)
)

// CrashKindStyle colors a crash kind: asserts are software checks, faults
// are the core trapping.
func CrashKindStyle(kind string) lipgloss.Style {
	switch kind {
	case "assert":
		return lipgloss.NewStyle().Bold(true).Foreground(warnColor)
	case "fault":
		return lipgloss.NewStyle().Bold(true).Foreground(badColor)
	default:
		return ValueStyle
	}
}

// ReportColor is the card edge color of a crash report: a dump cut short by
// a handshake timeout is marked bad.
func ReportColor(complete bool) lipgloss.Color {
	if complete {
		return goodColor
	}
	return badColor
}
