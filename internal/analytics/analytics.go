// Package analytics hosts the market consumers fed by the bus: rolling
// VWAP with event-age percentiles, annualized volatility, notional volume,
// and a pipeline health line. Each consumer owns one bus subscription and
// logs a periodic summary; none of them feed anything back into the
// pipeline, so losing events to backpressure only costs chart fidelity.
package analytics

import (
	"math"
	"sort"
	"strconv"
)

// subscriptionSize is every analytic consumer's bus queue capacity.
const subscriptionSize = 1000

// symbolOf returns the event's partition symbol.
func symbolOf(event map[string]any) string {
	if s, ok := event["product_id"].(string); ok && s != "" {
		return s
	}
	return "UNKNOWN"
}

// numField reads a numeric field. JSON numbers and numeric strings both
// count: corrupted producers stringify decimals, and those ticks should
// still chart. Anything else skips the event.
func numField(event map[string]any, key string) (float64, bool) {
	switch v := event[key].(type) {
	case float64:
		return v, true
	case int:
		return float64(v), true
	case int64:
		return float64(v), true
	case string:
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return 0, false
		}
		return f, true
	}
	return 0, false
}

// msField reads a millisecond timestamp. Timestamps are stamped by our own
// components, so only genuine numbers are accepted.
func msField(event map[string]any, key string) (int64, bool) {
	switch v := event[key].(type) {
	case float64:
		return int64(v), true
	case int:
		return int64(v), true
	case int64:
		return v, true
	}
	return 0, false
}

// percentile returns the rank-based percentile of samples: the value at
// index round((p/100)*(len-1)). samples must be sorted; empty input yields
// zero.
func percentile(samples []int64, p float64) float64 {
	if len(samples) == 0 {
		return 0
	}
	k := int(math.Round(p / 100 * float64(len(samples)-1)))
	if k < 0 {
		k = 0
	}
	if k > len(samples)-1 {
		k = len(samples) - 1
	}
	return float64(samples[k])
}

// sortedCopy returns an ascending copy of samples.
func sortedCopy(samples []int64) []int64 {
	out := make([]int64, len(samples))
	copy(out, samples)
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
