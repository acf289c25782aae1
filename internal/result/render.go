package result

import (
	"fmt"
	"io"
	"sort"
	"strings"
	"time"
)

// Render 每個測試任務一行摘要，最後一行是統計
//
//	FINISHED_PASS    1-/bin/true (0.01s)
//	FINISHED_CANCEL  3-/bin/false: dependency failed: 1-/bin/false [cancelled by 1-/bin/false]
func Render(w io.Writer, r *Report) error {
	for _, tr := range r.Tests {
		line := fmt.Sprintf("%-21s %s", tr.Status, tr.ID)
		if tr.Reason != "" {
			line += ": " + tr.Reason
		}
		if tr.CancelledBy != "" && !strings.Contains(tr.Reason, string(tr.CancelledBy)) {
			line += fmt.Sprintf(" [cancelled by %s]", tr.CancelledBy)
		}
		if tr.StartedAt != nil {
			line += fmt.Sprintf(" (%s)", (time.Duration(tr.Duration * float64(time.Second))).Round(time.Millisecond))
		}
		if tr.LogDir != "" {
			line += " log: " + tr.LogDir
		}
		if _, err := fmt.Fprintln(w, line); err != nil {
			return err
		}
	}

	statuses := make([]string, 0, len(r.Counts))
	for status := range r.Counts {
		statuses = append(statuses, status)
	}
	sort.Strings(statuses)
	parts := make([]string, 0, len(statuses))
	for _, status := range statuses {
		parts = append(parts, fmt.Sprintf("%s %d", strings.TrimPrefix(status, "FINISHED_"), r.Counts[status]))
	}

	summary := fmt.Sprintf("RESULTS: %d tests", r.Total)
	if len(parts) > 0 {
		summary += " | " + strings.Join(parts, " | ")
	}
	if r.Cause != "" {
		summary += " | " + r.Cause
	}
	summary += fmt.Sprintf(" | JOB TIME %.2fs", r.Duration)
	_, err := fmt.Fprintln(w, summary)
	return err
}
