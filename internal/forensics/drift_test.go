package forensics

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func wellFormed() map[string]any {
	return map[string]any{
		"type":         "ticker",
		"product_id":   "BTC-USD",
		"price":        float64(50000.5),
		"last_size":    float64(0.1),
		"time":         "2024-01-01T00:00:00Z",
		"ingest_ts_ms": float64(1700000000000),
	}
}

func TestCleanEventIsNotDrift(t *testing.T) {
	res := CheckDrift(wellFormed())

	assert.False(t, res.IsDrift)
	assert.Empty(t, res.MissingKeys)
	assert.Empty(t, res.TypeMismatches)
	assert.Empty(t, res.UnexpectedKeys)
}

func TestOptionalKeysAreTolerated(t *testing.T) {
	ev := wellFormed()
	ev["recv_ts_ms"] = float64(1700000000050)
	ev["trade_id"] = float64(12345)
	ev["sequence"] = float64(10)

	res := CheckDrift(ev)
	assert.False(t, res.IsDrift)
	assert.Empty(t, res.UnexpectedKeys)
}

func TestStringPriceWithUnexpectedKey(t *testing.T) {
	ev := map[string]any{
		"type":         "ticker",
		"product_id":   "BTC",
		"price":        "1.0",
		"last_size":    float64(0.1),
		"time":         "2024-01-01T00:00:00Z",
		"ingest_ts_ms": float64(1),
		"weird":        float64(1),
	}

	res := CheckDrift(ev)

	assert.True(t, res.IsDrift)
	assert.Empty(t, res.MissingKeys)
	require.Contains(t, res.TypeMismatches, "price")
	assert.Equal(t, "expected number, got string", res.TypeMismatches["price"])
	assert.Equal(t, []string{"weird"}, res.UnexpectedKeys)
}

func TestMissingKeysReportedInSchemaOrder(t *testing.T) {
	res := CheckDrift(map[string]any{"product_id": "BTC-USD"})

	assert.True(t, res.IsDrift)
	assert.Equal(t, []string{"type", "price", "last_size", "time", "ingest_ts_ms"}, res.MissingKeys)
}

func TestUnexpectedKeysAloneAreNotDrift(t *testing.T) {
	ev := wellFormed()
	ev["zcustom"] = "x"
	ev["acustom"] = "y"

	res := CheckDrift(ev)

	assert.False(t, res.IsDrift)
	assert.Equal(t, []string{"acustom", "zcustom"}, res.UnexpectedKeys)
}

func TestIngestTimestampMustBeIntegral(t *testing.T) {
	ev := wellFormed()
	ev["ingest_ts_ms"] = float64(123.5)
	res := CheckDrift(ev)
	assert.True(t, res.IsDrift)
	assert.Equal(t, "expected integer, got float", res.TypeMismatches["ingest_ts_ms"])

	// An integral JSON number is indistinguishable from an integer on the
	// wire and must pass.
	ev["ingest_ts_ms"] = float64(123)
	res = CheckDrift(ev)
	assert.False(t, res.IsDrift)

	ev["ingest_ts_ms"] = "123"
	res = CheckDrift(ev)
	assert.Equal(t, "expected integer, got string", res.TypeMismatches["ingest_ts_ms"])
}

func TestMismatchReasonsNameJSONTypes(t *testing.T) {
	ev := wellFormed()
	ev["type"] = float64(1)
	ev["product_id"] = nil
	ev["price"] = true
	ev["last_size"] = []any{1.0}
	ev["time"] = map[string]any{}

	res := CheckDrift(ev)

	assert.Equal(t, "expected string, got integer", res.TypeMismatches["type"])
	assert.Equal(t, "expected string, got null", res.TypeMismatches["product_id"])
	assert.Equal(t, "expected number, got bool", res.TypeMismatches["price"])
	assert.Equal(t, "expected number, got array", res.TypeMismatches["last_size"])
	assert.Equal(t, "expected string, got object", res.TypeMismatches["time"])
}

func TestResultSerializesWithEmptyArrays(t *testing.T) {
	res := CheckDrift(wellFormed())
	sample := DriftSample{
		TS:             "2024-01-01T00:00:00Z",
		Event:          wellFormed(),
		MissingKeys:    res.MissingKeys,
		TypeMismatches: res.TypeMismatches,
		UnexpectedKeys: res.UnexpectedKeys,
	}

	data, err := json.Marshal(sample)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"missing_keys":[]`)
	assert.Contains(t, string(data), `"type_mismatches":{}`)
	assert.Contains(t, string(data), `"unexpected_keys":[]`)
}
