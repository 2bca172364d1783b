package forensics

import (
	"fmt"
	"math"
	"sort"
)

// requiredKeys are the keys every well-formed ticker carries, in the order
// they are reported when missing.
var requiredKeys = []string{"type", "product_id", "price", "last_size", "time", "ingest_ts_ms"}

// optionalKeys are recognized but not required: absence is not drift,
// presence is not unexpected.
var optionalKeys = map[string]struct{}{
	"recv_ts_ms": {},
	"trade_id":   {},
	"sequence":   {},
}

// DriftResult is the diagnosis produced by CheckDrift. The slices and map
// are always non-nil so serialized samples keep a stable shape.
type DriftResult struct {
	MissingKeys    []string
	TypeMismatches map[string]string
	UnexpectedKeys []string
	IsDrift        bool
}

// CheckDrift validates an event against the ticker schema. Missing required
// keys and type mismatches constitute drift; unexpected keys are reported
// but do not by themselves count as drift.
func CheckDrift(event map[string]any) DriftResult {
	res := DriftResult{
		MissingKeys:    []string{},
		TypeMismatches: map[string]string{},
		UnexpectedKeys: []string{},
	}

	for _, key := range requiredKeys {
		v, ok := event[key]
		if !ok {
			res.MissingKeys = append(res.MissingKeys, key)
			continue
		}
		if reason := checkType(key, v); reason != "" {
			res.TypeMismatches[key] = reason
		}
	}

	for key := range event {
		if _, ok := optionalKeys[key]; ok {
			continue
		}
		if isRequired(key) {
			continue
		}
		res.UnexpectedKeys = append(res.UnexpectedKeys, key)
	}
	sort.Strings(res.UnexpectedKeys)

	res.IsDrift = len(res.MissingKeys) > 0 || len(res.TypeMismatches) > 0
	return res
}

func isRequired(key string) bool {
	for _, k := range requiredKeys {
		if k == key {
			return true
		}
	}
	return false
}

func checkType(key string, v any) string {
	switch key {
	case "type", "product_id", "time":
		if _, ok := v.(string); !ok {
			return fmt.Sprintf("expected string, got %s", jsonTypeName(v))
		}
	case "price", "last_size":
		if !isNumber(v) {
			return fmt.Sprintf("expected number, got %s", jsonTypeName(v))
		}
	case "ingest_ts_ms":
		if !isInteger(v) {
			return fmt.Sprintf("expected integer, got %s", jsonTypeName(v))
		}
	}
	return ""
}

// isNumber reports whether v is a JSON number. Go integers also qualify:
// the ingest path stamps recv_ts_ms as int64, and test fixtures use
// literals.
func isNumber(v any) bool {
	switch v.(type) {
	case float64, int, int64:
		return true
	}
	return false
}

// isInteger accepts Go integers and integral JSON numbers. encoding/json
// decodes every number to float64, so only a fractional part can mark a
// wire value as non-integral.
func isInteger(v any) bool {
	switch n := v.(type) {
	case int, int64:
		return true
	case float64:
		return n == math.Trunc(n)
	}
	return false
}

// jsonTypeName names v's type the way it reads in a JSON document.
func jsonTypeName(v any) string {
	switch n := v.(type) {
	case nil:
		return "null"
	case bool:
		return "bool"
	case string:
		return "string"
	case int, int64:
		return "integer"
	case float64:
		if n == math.Trunc(n) {
			return "integer"
		}
		return "float"
	case []any:
		return "array"
	case map[string]any:
		return "object"
	default:
		return fmt.Sprintf("%T", v)
	}
}
