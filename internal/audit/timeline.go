package audit

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"
)

// TimelineFilter selects entries for a command timeline.
type TimelineFilter struct {
	CommandID string
	From      time.Time // zero value = no lower bound
	To        time.Time // zero value = no upper bound
}

// TimelineSummary counts the interesting stages of a command's life.
type TimelineSummary struct {
	Total          int    `json:"total"`
	Blocked        int    `json:"blocked"`
	Approved       int    `json:"approved"`
	Denied         int    `json:"denied"`
	RolledBack     int    `json:"rolled_back"`
	FirstTimestamp string `json:"first_timestamp"`
	LastTimestamp  string `json:"last_timestamp"`
	MaxScore       int    `json:"max_score"`
}

// Timeline holds the filtered entries and their summary.
type Timeline struct {
	CommandID string          `json:"command_id"`
	Entries   []Entry         `json:"entries"`
	Summary   TimelineSummary `json:"summary"`
}

// BuildTimeline scans the log and assembles the lifecycle of one
// command. Entries that fail to parse are skipped; Verify is the tool
// for integrity questions.
func BuildTimeline(path string, filter TimelineFilter) (*Timeline, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("audit: open log: %w", err)
	}
	defer f.Close()

	out := &Timeline{CommandID: filter.CommandID}
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		var e Entry
		if err := json.Unmarshal(scanner.Bytes(), &e); err != nil {
			continue
		}
		if filter.CommandID != "" && e.CommandID != filter.CommandID {
			continue
		}
		if !inRange(e.Timestamp, filter.From, filter.To) {
			continue
		}
		out.Entries = append(out.Entries, e)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("audit: scan log: %w", err)
	}
	out.Summary = summarize(out.Entries)
	return out, nil
}

func inRange(ts string, from, to time.Time) bool {
	if from.IsZero() && to.IsZero() {
		return true
	}
	t, err := time.Parse(TimestampFormat, ts)
	if err != nil {
		return false
	}
	if !from.IsZero() && t.Before(from) {
		return false
	}
	if !to.IsZero() && t.After(to) {
		return false
	}
	return true
}

func summarize(entries []Entry) TimelineSummary {
	s := TimelineSummary{Total: len(entries)}
	for i, e := range entries {
		if i == 0 {
			s.FirstTimestamp = e.Timestamp
		}
		s.LastTimestamp = e.Timestamp
		if e.Score > s.MaxScore {
			s.MaxScore = e.Score
		}
		switch e.Stage {
		case StageRuleBlocked:
			s.Blocked++
		case StageApproved:
			s.Approved++
		case StageDenied:
			s.Denied++
		case StageRolledBack:
			s.RolledBack++
		}
	}
	return s
}

const separator = "──────────────────────────────────────────────────────────────────"

// FormatTimeline renders a Timeline as human-readable text.
func FormatTimeline(tl *Timeline) string {
	if len(tl.Entries) == 0 {
		return fmt.Sprintf("Command: %s | No entries found.\n", tl.CommandID)
	}
	var b strings.Builder
	b.WriteString(fmt.Sprintf("Command: %s | %s–%s UTC\n",
		tl.CommandID, tl.Summary.FirstTimestamp, tl.Summary.LastTimestamp))
	b.WriteString(separator + "\n")
	for _, e := range tl.Entries {
		detail := e.Reason
		if detail == "" {
			detail = e.Command
		}
		score := ""
		if e.Score > 0 {
			score = fmt.Sprintf("%d/%s", e.Score, e.Category)
		}
		b.WriteString(fmt.Sprintf("%-24s %-20s %-12s %-10s %s\n",
			e.Timestamp, e.Stage, truncate(e.Actor, 12), score, truncate(detail, 48)))
	}
	b.WriteString(separator + "\n")
	b.WriteString(fmt.Sprintf("entries=%d blocked=%d approved=%d denied=%d rolled_back=%d max_score=%d\n",
		tl.Summary.Total, tl.Summary.Blocked, tl.Summary.Approved,
		tl.Summary.Denied, tl.Summary.RolledBack, tl.Summary.MaxScore))
	return b.String()
}

// FormatJSON renders a Timeline as indented JSON.
func FormatJSON(tl *Timeline) (string, error) {
	data, err := json.MarshalIndent(tl, "", "  ")
	if err != nil {
		return "", fmt.Errorf("marshal timeline: %w", err)
	}
	return string(data), nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	if n <= 1 {
		return s[:n]
	}
	return s[:n-1] + "…"
}
