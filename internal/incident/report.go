package incident

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

// Render builds the markdown report for one bundle.
func Render(meta Meta, a Analysis) string {
	triggered := meta.Timestamp
	if ts, err := time.Parse(time.RFC3339, triggered); err == nil {
		triggered = ts.UTC().Format("2006-01-02 15:04:05 UTC")
	}

	symbols := strings.Join(a.Symbols, ", ")
	if symbols == "" {
		symbols = "N/A"
	}

	// A capture shorter than the configured pre window carries a negative
	// post count in meta; render it as zero.
	post := meta.PostEvents
	if post < 0 {
		post = 0
	}

	lines := []string{
		"# Incident Report: " + meta.IncidentID,
		"",
		"## Summary",
		"",
		"| Field | Value |",
		"|-------|-------|",
		fmt.Sprintf("| **Type** | `%s` |", meta.Reason),
		fmt.Sprintf("| **Triggered** | %s |", triggered),
		fmt.Sprintf("| **Duration** | %sms |", comma(a.DurationMs)),
		fmt.Sprintf("| **Affected Symbols** | %s |", symbols),
		fmt.Sprintf("| **Total Events** | %s (%s pre + %s post) |",
			comma(int64(meta.TotalEvents)), comma(int64(meta.PreEvents)), comma(int64(post))),
		"",
		"## Latency Stats",
		"",
		"| Metric | Value |",
		"|--------|-------|",
		fmt.Sprintf("| Min | %dms |", a.LatencyMinMs),
		fmt.Sprintf("| Max | %dms |", a.LatencyMaxMs),
		fmt.Sprintf("| Avg | %.1fms |", a.LatencyAvgMs),
		fmt.Sprintf("| p99 | %dms |", a.LatencyP99Ms),
		"",
		"## Trigger Context",
		"",
	}

	reason := strings.ToLower(meta.Reason)
	switch {
	case strings.Contains(reason, "duplicate"):
		if len(a.Duplicates) > 0 {
			lines = append(lines, fmt.Sprintf("- **Cause:** Duplicate trade_id detected: `%v`", a.Duplicates[0].TradeID))
		} else {
			lines = append(lines, "- **Cause:** Duplicate event detected")
		}
		lines = append(lines, fmt.Sprintf("- **Total duplicates found:** %d", len(a.Duplicates)))

	case strings.Contains(reason, "gap"), strings.Contains(reason, "sequence"):
		if len(a.Gaps) > 0 {
			lines = append(lines, fmt.Sprintf("- **Cause:** Sequence gap detected between `%d` and `%d`", a.Gaps[0].From, a.Gaps[0].To))
		} else {
			lines = append(lines, "- **Cause:** Sequence gap detected")
		}
		lines = append(lines, fmt.Sprintf("- **Total gaps found:** %d", len(a.Gaps)))

	case strings.Contains(reason, "latency"), strings.Contains(reason, "spike"):
		lines = append(lines, fmt.Sprintf("- **Cause:** Latency spike detected (p99 = %dms)", a.LatencyP99Ms))

	case strings.Contains(reason, "drift"):
		lines = append(lines, "- **Cause:** Schema drift detected")

	default:
		lines = append(lines, "- **Cause:** "+meta.Reason)
	}

	lines = append(lines, fmt.Sprintf("- **Latency p99 at trigger:** %dms", a.LatencyP99Ms))
	if a.OutOfOrder > 0 {
		lines = append(lines, fmt.Sprintf("- **Out-of-order events:** %d", a.OutOfOrder))
	}
	lines = append(lines, "", "## Evidence Samples", "")

	if samples := duplicateSamples(a.Duplicates); len(samples) > 0 {
		lines = append(lines, "### Duplicate Events", "```json")
		for _, ev := range samples {
			lines = append(lines, compactJSON(ev))
		}
		lines = append(lines, "```", "")
	}

	if len(a.Gaps) > 0 {
		lines = append(lines, "### Sequence Gaps")
		for i, gap := range a.Gaps {
			if i == 5 {
				break
			}
			lines = append(lines, fmt.Sprintf("- Gap between sequence `%d` and `%d` (missing %d events)",
				gap.From, gap.To, gap.To-gap.From-1))
		}
		lines = append(lines, "")
	}

	lines = append(lines, "### Sample Events (first 5)", "```json")
	for i, ev := range a.Samples {
		if i == 5 {
			break
		}
		lines = append(lines, compactJSON(ev))
	}
	lines = append(lines, "```", "")

	lines = append(lines,
		"## Reproduce",
		"",
		"```bash",
		fmt.Sprintf("replay -file data/incidents/%s/events.jsonl -rate 500", meta.IncidentID),
		"```",
		"",
	)

	return strings.Join(lines, "\n")
}

// WriteReport renders dir's bundle into report.md next to it and returns
// the report path.
func WriteReport(dir string) (string, error) {
	meta, events, err := Load(dir)
	if err != nil {
		return "", err
	}
	md := Render(meta, Analyze(events))

	path := filepath.Join(dir, "report.md")
	if err := os.WriteFile(path, []byte(md), 0o644); err != nil {
		return "", fmt.Errorf("write report.md: %w", err)
	}
	return path, nil
}

// duplicateSamples picks up to two events from each of the first three
// duplicate groups, capped at four events total.
func duplicateSamples(groups []DuplicateGroup) []map[string]any {
	var out []map[string]any
	for i, g := range groups {
		if i == 3 {
			break
		}
		n := len(g.Events)
		if n > 2 {
			n = 2
		}
		out = append(out, g.Events[:n]...)
	}
	if len(out) > 4 {
		out = out[:4]
	}
	return out
}

func compactJSON(v any) string {
	data, err := json.Marshal(v)
	if err != nil {
		return "{}"
	}
	return string(data)
}

// comma renders n with thousands separators.
func comma(n int64) string {
	s := strconv.FormatInt(n, 10)
	neg := strings.HasPrefix(s, "-")
	if neg {
		s = s[1:]
	}

	var b strings.Builder
	for i := 0; i < len(s); i++ {
		if i > 0 && (len(s)-i)%3 == 0 {
			b.WriteByte(',')
		}
		b.WriteByte(s[i])
	}
	if neg {
		return "-" + b.String()
	}
	return b.String()
}
