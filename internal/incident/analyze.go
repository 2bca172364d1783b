package incident

import (
	"math"
	"sort"
	"strconv"
	"time"
)

// DuplicateGroup collects every event sharing one trade id, in stream
// order.
type DuplicateGroup struct {
	TradeID any
	Events  []map[string]any
}

// SequenceGap is a hole between two sequence numbers observed for the same
// symbol.
type SequenceGap struct {
	From int64
	To   int64
}

// Analysis is everything the report derives from a bundle's event window.
type Analysis struct {
	Symbols    []string
	Duplicates []DuplicateGroup
	OutOfOrder int
	Gaps       []SequenceGap

	HasLatency   bool
	LatencyMinMs int64
	LatencyMaxMs int64
	LatencyAvgMs float64
	LatencyP99Ms int64

	FirstEventTime string
	LastEventTime  string
	DurationMs     int64

	// Samples are the first five plus last five events, or all of them
	// when the window holds ten or fewer.
	Samples []map[string]any
}

// maxGaps caps how many sequence gaps the analysis keeps.
const maxGaps = 10

// Analyze walks the event window once and derives the report's statistics
// and evidence.
func Analyze(events []map[string]any) Analysis {
	var a Analysis
	if len(events) == 0 {
		return a
	}

	seenSymbol := make(map[string]bool)
	var symbolOrder []string
	var latencies []int64
	groupIdx := make(map[string]int)
	var groups []DuplicateGroup
	tsBySymbol := make(map[string][]int64)
	seqBySymbol := make(map[string][]int64)

	for _, event := range events {
		sym := "unknown"
		if s, ok := event["product_id"].(string); ok && s != "" {
			sym = s
		}
		if !seenSymbol[sym] {
			seenSymbol[sym] = true
			symbolOrder = append(symbolOrder, sym)
		}

		ingest, okIngest := asInt(event["ingest_ts_ms"])
		recv, okRecv := asInt(event["recv_ts_ms"])
		if okIngest && okRecv && ingest != 0 && recv != 0 {
			if lat := recv - ingest; lat >= 0 {
				latencies = append(latencies, lat)
			}
		}

		if key, ok := tradeKey(event["trade_id"]); ok {
			i, seen := groupIdx[key]
			if !seen {
				i = len(groups)
				groupIdx[key] = i
				groups = append(groups, DuplicateGroup{TradeID: event["trade_id"]})
			}
			groups[i].Events = append(groups[i].Events, event)
		}

		if raw, ok := event["time"].(string); ok && raw != "" {
			if ts, err := time.Parse(time.RFC3339, raw); err == nil {
				tsBySymbol[sym] = append(tsBySymbol[sym], ts.UnixMilli())
			}
		}

		if seq, ok := asInt(event["sequence"]); ok {
			seqBySymbol[sym] = append(seqBySymbol[sym], seq)
		}
	}

	// Duplicates keep the order trade ids were first seen in.
	for _, g := range groups {
		if len(g.Events) > 1 {
			a.Duplicates = append(a.Duplicates, g)
		}
	}

	for _, sym := range symbolOrder {
		tss := tsBySymbol[sym]
		for i := 1; i < len(tss); i++ {
			if tss[i] < tss[i-1] {
				a.OutOfOrder++
			}
		}
	}

	for _, sym := range symbolOrder {
		seqs := sortedDistinct(seqBySymbol[sym])
		for i := 1; i < len(seqs); i++ {
			if seqs[i] > seqs[i-1]+1 {
				a.Gaps = append(a.Gaps, SequenceGap{From: seqs[i-1], To: seqs[i]})
			}
		}
	}
	if len(a.Gaps) > maxGaps {
		a.Gaps = a.Gaps[:maxGaps]
	}

	if len(latencies) > 0 {
		sort.Slice(latencies, func(i, j int) bool { return latencies[i] < latencies[j] })
		a.HasLatency = true
		a.LatencyMinMs = latencies[0]
		a.LatencyMaxMs = latencies[len(latencies)-1]
		var sum int64
		for _, l := range latencies {
			sum += l
		}
		a.LatencyAvgMs = float64(sum) / float64(len(latencies))
		if len(latencies) > 1 {
			a.LatencyP99Ms = latencies[int(float64(len(latencies))*0.99)]
		} else {
			a.LatencyP99Ms = latencies[0]
		}
	}

	// The time range compares raw strings; exchange timestamps sort
	// lexicographically within one format.
	for _, event := range events {
		raw, ok := event["time"].(string)
		if !ok || raw == "" {
			continue
		}
		if a.FirstEventTime == "" || raw < a.FirstEventTime {
			a.FirstEventTime = raw
		}
		if raw > a.LastEventTime {
			a.LastEventTime = raw
		}
	}
	if a.FirstEventTime != "" {
		first, errFirst := time.Parse(time.RFC3339, a.FirstEventTime)
		last, errLast := time.Parse(time.RFC3339, a.LastEventTime)
		if errFirst == nil && errLast == nil {
			a.DurationMs = last.Sub(first).Milliseconds()
		}
	}

	a.Symbols = append([]string(nil), symbolOrder...)
	sort.Strings(a.Symbols)

	if len(events) > 10 {
		a.Samples = append(append([]map[string]any{}, events[:5]...), events[len(events)-5:]...)
	} else {
		a.Samples = events
	}

	return a
}

// tradeKey produces the identity key for a trade id: string ids are
// distinct from numeric ids, while 123 and 123.0 are the same trade.
func tradeKey(v any) (string, bool) {
	switch id := v.(type) {
	case string:
		return "s:" + id, true
	case float64:
		return "n:" + strconv.FormatFloat(id, 'g', -1, 64), true
	case int:
		return "n:" + strconv.FormatFloat(float64(id), 'g', -1, 64), true
	case int64:
		return "n:" + strconv.FormatFloat(float64(id), 'g', -1, 64), true
	}
	return "", false
}

// asInt accepts integral JSON numbers only.
func asInt(v any) (int64, bool) {
	switch n := v.(type) {
	case float64:
		if n != math.Trunc(n) {
			return 0, false
		}
		return int64(n), true
	case int:
		return int64(n), true
	case int64:
		return n, true
	}
	return 0, false
}

// sortedDistinct returns the distinct values of seqs in ascending order.
func sortedDistinct(seqs []int64) []int64 {
	seen := make(map[int64]bool, len(seqs))
	out := make([]int64, 0, len(seqs))
	for _, s := range seqs {
		if !seen[s] {
			seen[s] = true
			out = append(out, s)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
