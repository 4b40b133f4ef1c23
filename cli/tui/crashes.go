package tui

import (
	"fmt"
	"strings"

	"github.com/Hi-LinkDuino/RM56-sub005/archive"
)

func (m Model) renderCrashes() string {
	data, ok := m.data.([]archive.CrashSummary)
	if !ok {
		return "Invalid data type for crashes"
	}

	var b strings.Builder
	b.WriteString(TitleStyle.Render("Crash Reports"))
	b.WriteString("\n\n")

	if len(data) == 0 {
		b.WriteString(LabelStyle.Render("(no crashes)"))
		return b.String()
	}

	for i, c := range data {
		if i > 0 {
			b.WriteString("\n\n")
		}
		var rows strings.Builder
		field := func(label string, value string) {
			fmt.Fprintf(&rows, "%s %s\n", LabelStyle.Render(label), value)
		}
		state := "complete"
		if !c.Complete {
			state = "incomplete"
		}
		field("crash", ValueStyle.Render(c.ID))
		field("kind", CrashKindStyle(c.Kind).Render(c.Kind))
		field("reason", ValueStyle.Render(c.Reason))
		field("started", ValueStyle.Render(c.StartedAt))
		field("dump", ValueStyle.Render(fmt.Sprintf("%d records, %d discarded, %s", c.RecordCount, c.Discarded, state)))
		b.WriteString(CardStyle.BorderForeground(ReportColor(c.Complete)).Render(strings.TrimRight(rows.String(), "\n")))
	}
	return b.String()
}
