// Package model defines the wire shape of a market event as produced by the
// ingester. The processor itself works on generic JSON objects so it can
// observe malformed traffic instead of rejecting it; this struct is the
// well-formed side of that contract.
package model

// Ticker is one market sample forwarded to the processor. TradeID is a
// pointer because the exchange omits it on some channels; it serializes as
// null rather than zero.
type Ticker struct {
	Type      string  `json:"type"`
	ProductID string  `json:"product_id"`
	Price     float64 `json:"price"`
	LastSize  float64 `json:"last_size"`
	Time      string  `json:"time"`
	TradeID   *int64  `json:"trade_id"`
	IngestTS  int64   `json:"ingest_ts_ms"`
}

// Event renders the ticker as the generic wire object the processor
// ingests. An absent trade id stays an explicit null so downstream schema
// checks see the key.
func (t Ticker) Event() map[string]any {
	ev := map[string]any{
		"type":         t.Type,
		"product_id":   t.ProductID,
		"price":        t.Price,
		"last_size":    t.LastSize,
		"time":         t.Time,
		"trade_id":     nil,
		"ingest_ts_ms": t.IngestTS,
	}
	if t.TradeID != nil {
		ev["trade_id"] = *t.TradeID
	}
	return ev
}
