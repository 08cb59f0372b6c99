package roomlog

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/dyluth/warren/internal/broker"
)

// FormatTable writes records as a table with a header naming the room and its
// content version. It returns the number of records written.
func FormatTable(w io.Writer, log *broker.RoomLog, records []*broker.ResultRecord, now time.Time) int {
	if log.Version == "" {
		fmt.Fprintf(w, "Room '%s' has no committed results\n", log.RoomID)
		return 0
	}
	fmt.Fprintf(w, "Room '%s' (version %s):\n\n", log.RoomID, formatVersion(log.Version))
	if len(records) == 0 {
		fmt.Fprintln(w, "No results match the given filters")
		return 0
	}

	fmt.Fprintf(w, "%-6s %-10s %-12s %-8s %s\n", "SEQ", "MESSAGE", "SENDER", "AGE", "RESULT")
	fmt.Fprintf(w, "%-6s %-10s %-12s %-8s %s\n",
		"------", "----------", "------------", "--------", "----------------------------------------")
	for _, r := range records {
		fmt.Fprintf(w, "%-6d %-10s %-12s %-8s %s\n",
			r.Seq,
			formatID(r.MessageID),
			formatSender(r.Sender),
			formatAge(r.ProcessedAt, now),
			formatPayload(string(r.Result)),
		)
	}

	noun := "result"
	if len(records) != 1 {
		noun = "results"
	}
	fmt.Fprintf(w, "\n%d %s\n", len(records), noun)
	return len(records)
}

// FormatJSONL writes one compact JSON object per record, for piping into jq.
func FormatJSONL(w io.Writer, records []*broker.ResultRecord) error {
	for _, r := range records {
		data, err := json.Marshal(r)
		if err != nil {
			return fmt.Errorf("failed to marshal result record: %w", err)
		}
		if _, err := fmt.Fprintf(w, "%s\n", data); err != nil {
			return fmt.Errorf("failed to write JSONL output: %w", err)
		}
	}
	return nil
}

// FormatJSON writes the log with the selected records as indented JSON.
func FormatJSON(w io.Writer, log *broker.RoomLog, records []*broker.ResultRecord) error {
	out := broker.RoomLog{RoomID: log.RoomID, Version: log.Version, Records: records}
	if out.Records == nil {
		out.Records = []*broker.ResultRecord{}
	}
	data, err := json.MarshalIndent(out, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal room log: %w", err)
	}
	if _, err := w.Write(data); err != nil {
		return fmt.Errorf("failed to write JSON output: %w", err)
	}
	fmt.Fprintln(w)
	return nil
}

func formatID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

func formatVersion(v string) string {
	if len(v) > 16 {
		return v[:16]
	}
	return v
}

func formatSender(s string) string {
	switch {
	case s == "":
		return "-"
	case len(s) > 12:
		return s[:9] + "..."
	}
	return s
}

// formatPayload shows the first non-empty line, cut to 40 characters.
func formatPayload(payload string) string {
	var first string
	for _, line := range strings.Split(payload, "\n") {
		if trimmed := strings.TrimSpace(line); trimmed != "" {
			first = trimmed
			break
		}
	}
	if first == "" {
		return "-"
	}
	if len(first) > 40 {
		return first[:37] + "..."
	}
	return first
}

// formatAge renders t relative to now, e.g. "2m ago".
func formatAge(t, now time.Time) string {
	if t.IsZero() {
		return "-"
	}
	diff := now.Sub(t)
	if diff < 0 {
		diff = 0
	}
	switch {
	case diff < time.Minute:
		return fmt.Sprintf("%ds ago", int(diff.Seconds()))
	case diff < time.Hour:
		return fmt.Sprintf("%dm ago", int(diff.Minutes()))
	case diff < 24*time.Hour:
		return fmt.Sprintf("%dh ago", int(diff.Hours()))
	default:
		return fmt.Sprintf("%dd ago", int(diff.Hours()/24))
	}
}
