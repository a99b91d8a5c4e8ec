package audit

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/ppiankov/changegate/internal/model"
)

var separator = strings.Repeat("-", 72)

// FormatTimeline renders events as a human-readable text timeline.
func FormatTimeline(events []model.SecurityEvent) string {
	if len(events) == 0 {
		return "No security events found.\n"
	}

	var b strings.Builder
	for _, ev := range events {
		b.WriteString(fmt.Sprintf("%-20s %-19s %-9s %-10s %3d  %-12s %s\n",
			formatDateTime(ev.Timestamp),
			ev.Type,
			strings.ToUpper(string(ev.Severity)),
			ev.Action,
			ev.Score,
			truncate(ev.SessionID, 12),
			truncate(strings.Join(ev.Patterns, ", "), 60)))
	}

	b.WriteString(separator + "\n")
	b.WriteString(formatSummary(Summarize(events)))
	return b.String()
}

// FormatJSON renders events as indented JSON.
func FormatJSON(events []model.SecurityEvent) (string, error) {
	data, err := json.MarshalIndent(events, "", "  ")
	if err != nil {
		return "", fmt.Errorf("marshal events: %w", err)
	}
	return string(data), nil
}

func formatSummary(s Summary) string {
	types := make([]string, 0, len(s.ByType))
	for t, n := range s.ByType {
		types = append(types, fmt.Sprintf("%d %s", n, t))
	}
	sort.Strings(types)
	return fmt.Sprintf("Summary: %d events | %s\n", s.Total, strings.Join(types, ", "))
}

func formatDateTime(ts string) string {
	t, err := time.Parse(TimestampFormat, ts)
	if err != nil {
		return ts
	}
	return t.Format("2006-01-02 15:04:05")
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max-3] + "..."
}
