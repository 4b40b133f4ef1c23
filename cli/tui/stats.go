package tui

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/lipgloss"

	"github.com/Hi-LinkDuino/RM56-sub005/metrics"
)

type statBox struct {
	label string
	value int64
	tone  tone
}

func (m Model) renderMetrics() string {
	var snap metrics.Snapshot
	switch d := m.data.(type) {
	case metrics.Snapshot:
		snap = d
	case *metrics.Snapshot:
		snap = *d
	default:
		return "Invalid data type for metrics"
	}

	var b strings.Builder
	b.WriteString(TitleStyle.Render("Session " + snap.Session))
	b.WriteString("\n\n")

	sections := []struct {
		title string
		boxes []statBox
	}{
		{"Mailbox", []statBox{
			{"Sent", snap.SlotsSent, toneInfo},
			{"Received", snap.SlotsReceived, toneGood},
			{"Acked", snap.SlotsAcked, toneGood},
			{"Queue Full", snap.QueueFull, toneWarn},
		}},
		{"Router", []statBox{
			{"Sent", snap.EnvelopesSent, toneInfo},
			{"Received", snap.EnvelopesReceived, toneGood},
			{"Gated", snap.EnvelopesGated, toneWarn},
			{"Unknown", snap.UnknownType + snap.DecodeErrors, toneBad},
		}},
		{"Lifecycle", []statBox{
			{"Opened", snap.TasksOpened, toneInfo},
			{"Power Ups", snap.PowerUps, toneGood},
			{"Busy ‰", int64(snap.BusyPermille), toneWarn},
			{"Boot Failures", snap.BootFailures, toneBad},
		}},
		{"Diagnostics", []statBox{
			{"Written", snap.RecordsWritten, toneInfo},
			{"Collected", snap.RecordsCollected, toneGood},
			{"Discarded", snap.RecordsDiscarded, toneWarn},
			{"Lost", snap.RecordsLost, toneBad},
		}},
		{"Crashes", []statBox{
			{"Crashes", snap.Crashes, toneBad},
			{"Archived", snap.ArchiveWriteSuccess, toneGood},
			{"Notified", snap.NotifySuccess, toneGood},
			{"Failures", snap.ArchiveWriteFailure + snap.NotifyFailure, toneBad},
		}},
	}

	for i, sec := range sections {
		if i > 0 {
			b.WriteString("\n")
		}
		b.WriteString(SectionStyle.Render(sec.title))
		b.WriteString("\n")
		boxes := make([]string, 0, len(sec.boxes))
		for _, box := range sec.boxes {
			boxes = append(boxes, renderStatBox(box))
		}
		b.WriteString(lipgloss.JoinHorizontal(lipgloss.Top, boxes...))
		b.WriteString("\n")
	}

	return b.String()
}

func renderStatBox(box statBox) string {
	color := box.tone.color(box.value)
	value := lipgloss.NewStyle().Bold(true).Foreground(color).Render(fmt.Sprintf("%d", box.value))
	return StatBoxStyle.BorderForeground(color).Render(
		lipgloss.JoinVertical(lipgloss.Center, value, StatLabelStyle.Render(box.label)))
}
