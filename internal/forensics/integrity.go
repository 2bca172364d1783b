package forensics

import (
	"math"
	"strconv"
	"time"
)

// symbolState is the per-product integrity state. lastExchangeTS stays zero
// until the first parseable exchange timestamp; lastSequence is undefined
// until hasSequence is set.
type symbolState struct {
	lastExchangeTS int64
	lastSequence   int64
	hasSequence    bool
	tradeIDs       *LRUSet
}

// IntegrityTracker detects duplicate trade ids, out-of-order exchange
// timestamps, and sequence gaps, independently per product_id. It is owned
// by the forensics consumer and is not safe for concurrent use.
type IntegrityTracker struct {
	maxTradeIDs int
	symbols     map[string]*symbolState
}

// NewIntegrityTracker creates a tracker whose per-symbol dedup sets hold at
// most maxTradeIDs entries each.
func NewIntegrityTracker(maxTradeIDs int) *IntegrityTracker {
	return &IntegrityTracker{
		maxTradeIDs: maxTradeIDs,
		symbols:     make(map[string]*symbolState),
	}
}

// Check inspects one event and reports its integrity flags. The three
// flags are independent; any combination can be set on a single event.
//
//   - duplicate: the trade_id was already in this symbol's dedup set.
//   - outOfOrder: the exchange timestamp regressed against the symbol's
//     high-water mark. A malformed time is skipped silently.
//   - gap: the sequence jumped past lastSequence+1. Equal or regressing
//     sequences are not gaps; ordering problems surface via timestamps.
func (t *IntegrityTracker) Check(event map[string]any) (duplicate, outOfOrder, gap bool) {
	st := t.state(symbolOf(event))

	if v, ok := event["trade_id"]; ok && v != nil {
		if key, ok := valueKey(v); ok {
			if st.tradeIDs.Contains(key) {
				duplicate = true
			} else {
				st.tradeIDs.Add(key)
			}
		}
	}

	if raw, ok := event["time"].(string); ok {
		if ts, err := time.Parse(time.RFC3339, raw); err == nil {
			tsMs := ts.UnixMilli()
			if st.lastExchangeTS > 0 && tsMs < st.lastExchangeTS {
				outOfOrder = true
			}
			if tsMs > st.lastExchangeTS {
				st.lastExchangeTS = tsMs
			}
		}
	}

	if seq, ok := asSequence(event["sequence"]); ok {
		if st.hasSequence && seq > st.lastSequence+1 {
			gap = true
		}
		st.lastSequence = seq
		st.hasSequence = true
	}

	return duplicate, outOfOrder, gap
}

func (t *IntegrityTracker) state(symbol string) *symbolState {
	st, ok := t.symbols[symbol]
	if !ok {
		st = &symbolState{tradeIDs: NewLRUSet(t.maxTradeIDs)}
		t.symbols[symbol] = st
	}
	return st
}

// symbolOf picks the integrity partition. Events without a product_id share
// the "unknown" partition; a non-string product_id keeps its own typed
// partition so malformed producers do not pollute the real symbols.
func symbolOf(event map[string]any) string {
	v, ok := event["product_id"]
	if !ok {
		return "unknown"
	}
	if s, ok := v.(string); ok {
		return s
	}
	if key, ok := valueKey(v); ok {
		return key
	}
	return "unknown"
}

// valueKey builds a type-tagged identity string for a primitive JSON value:
// the string "123" and the number 123 never collide, while 123 and 123.0
// (one numeric identity in JSON) do. Non-primitive values have no identity
// and are ignored by the callers.
func valueKey(v any) (string, bool) {
	switch n := v.(type) {
	case string:
		return "s:" + n, true
	case float64:
		return "n:" + strconv.FormatFloat(n, 'f', -1, 64), true
	case int:
		return "n:" + strconv.Itoa(n), true
	case int64:
		return "n:" + strconv.FormatInt(n, 10), true
	case bool:
		return "b:" + strconv.FormatBool(n), true
	}
	return "", false
}

// asSequence accepts integral numbers only; any other value carries no
// sequence identity and is ignored.
func asSequence(v any) (int64, bool) {
	switch n := v.(type) {
	case int:
		return int64(n), true
	case int64:
		return n, true
	case float64:
		if n == math.Trunc(n) {
			return int64(n), true
		}
	}
	return 0, false
}
