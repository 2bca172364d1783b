// Package feed streams Coinbase ticker events into the processor. It owns
// the ingester's outer loop: the exchange websocket and the processor
// connection are torn down together on any failure and redialed with
// exponential backoff.
package feed

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"github.com/jonboulle/clockwork"
	"github.com/sirupsen/logrus"

	"github.com/mercurystream/backend/internal/model"
)

const (
	initialBackoff   = time.Second
	handshakeTimeout = 10 * time.Second
)

// Sender forwards one event to the processor. The framed-TCP client in
// pkg/feed satisfies it; tests substitute a recorder.
type Sender interface {
	Send(event map[string]any) error
	Close() error
}

// Config wires a Feed.
type Config struct {
	WSURL      string
	Symbols    []string
	BackoffMax time.Duration

	// Dial opens the processor connection.
	Dial func() (Sender, error)

	// Clock stamps events and paces retries; nil selects the real clock.
	Clock clockwork.Clock
}

// Feed pipes exchange tickers into the processor: websocket in, framed
// TCP out.
type Feed struct {
	cfg     Config
	clock   clockwork.Clock
	log     *logrus.Entry
	backoff time.Duration
}

// New creates a Feed. BackoffMax defaults to ten seconds when unset.
func New(cfg Config) *Feed {
	if cfg.BackoffMax <= 0 {
		cfg.BackoffMax = 10 * time.Second
	}
	clock := cfg.Clock
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Feed{
		cfg:     cfg,
		clock:   clock,
		log:     logrus.WithField("prefix", "ingester"),
		backoff: initialBackoff,
	}
}

// Run streams until ctx is canceled. Any failure closes both connections
// and redials after the current backoff, which doubles up to BackoffMax and
// resets to one second once events flow again.
func (f *Feed) Run(ctx context.Context) {
	var sender Sender
	defer func() {
		if sender != nil {
			sender.Close()
		}
	}()

	for ctx.Err() == nil {
		if sender == nil {
			s, err := f.cfg.Dial()
			if err != nil {
				f.retry(ctx, fmt.Errorf("dial processor: %w", err))
				continue
			}
			sender = s
			f.log.Info("connected to processor")
		}

		err := f.stream(ctx, sender)
		if ctx.Err() != nil {
			return
		}

		sender.Close()
		sender = nil
		f.retry(ctx, err)
	}
}

// stream holds one websocket session open, forwarding tickers until either
// side fails. The returned error is the reason the session ended.
func (f *Feed) stream(ctx context.Context, sender Sender) error {
	dialer := websocket.Dialer{HandshakeTimeout: handshakeTimeout}
	ws, _, err := dialer.DialContext(ctx, f.cfg.WSURL, nil)
	if err != nil {
		return fmt.Errorf("dial %s: %w", f.cfg.WSURL, err)
	}
	defer ws.Close()

	// ReadMessage has no context; close the socket to unblock it when the
	// session is over.
	stop := make(chan struct{})
	defer close(stop)
	go func() {
		select {
		case <-ctx.Done():
			ws.Close()
		case <-stop:
		}
	}()

	sub, err := subscribeMessage(f.cfg.Symbols)
	if err != nil {
		return err
	}
	if err := ws.WriteMessage(websocket.TextMessage, sub); err != nil {
		return fmt.Errorf("subscribe: %w", err)
	}
	f.log.Infof("subscribed to %d symbols: %s", len(f.cfg.Symbols), strings.Join(f.cfg.Symbols, ", "))
	f.backoff = initialBackoff

	for {
		_, payload, err := ws.ReadMessage()
		if err != nil {
			return fmt.Errorf("read ticker: %w", err)
		}

		tk, ok := f.decode(payload)
		if !ok {
			continue
		}
		tk.IngestTS = f.clock.Now().UnixMilli()

		if err := sender.Send(tk.Event()); err != nil {
			return fmt.Errorf("forward: %w", err)
		}
		f.backoff = initialBackoff
	}
}

// retry logs the failure, waits out the current backoff, then doubles it.
func (f *Feed) retry(ctx context.Context, err error) {
	f.log.Warnf("connection failed (%v); retrying in %s", err, f.backoff)
	select {
	case <-ctx.Done():
		return
	case <-f.clock.After(f.backoff):
	}
	f.backoff *= 2
	if f.backoff > f.cfg.BackoffMax {
		f.backoff = f.cfg.BackoffMax
	}
}

type subscribeChannel struct {
	Name       string   `json:"name"`
	ProductIDs []string `json:"product_ids"`
}

type subscribeRequest struct {
	Type       string             `json:"type"`
	ProductIDs []string           `json:"product_ids"`
	Channels   []subscribeChannel `json:"channels"`
}

// subscribeMessage builds the exchange subscription request for the ticker
// channel.
func subscribeMessage(symbols []string) ([]byte, error) {
	return json.Marshal(subscribeRequest{
		Type:       "subscribe",
		ProductIDs: symbols,
		Channels:   []subscribeChannel{{Name: "ticker", ProductIDs: symbols}},
	})
}

// coinbaseTicker is the subset of the exchange ticker message we forward.
// Prices arrive as decimal strings.
type coinbaseTicker struct {
	Type      string `json:"type"`
	ProductID string `json:"product_id"`
	Price     string `json:"price"`
	LastSize  string `json:"last_size"`
	Time      string `json:"time"`
	TradeID   *int64 `json:"trade_id"`
}

// decode parses one websocket payload into a well-formed ticker. Non-ticker
// messages (subscription acks, heartbeats) and malformed tickers are
// skipped.
func (f *Feed) decode(payload []byte) (model.Ticker, bool) {
	var raw coinbaseTicker
	if err := json.Unmarshal(payload, &raw); err != nil {
		f.log.Warnf("ws decode error: %v", err)
		return model.Ticker{}, false
	}
	if raw.Type != "ticker" {
		return model.Ticker{}, false
	}
	if raw.ProductID == "" || raw.Time == "" {
		f.log.Warnf("ticker missing product_id or time: %s", payload)
		return model.Ticker{}, false
	}

	price, err := strconv.ParseFloat(raw.Price, 64)
	if err != nil {
		f.log.Warnf("ticker %s has unparseable price %q", raw.ProductID, raw.Price)
		return model.Ticker{}, false
	}

	size := 0.0
	if raw.LastSize != "" {
		size, err = strconv.ParseFloat(raw.LastSize, 64)
		if err != nil {
			f.log.Warnf("ticker %s has unparseable last_size %q", raw.ProductID, raw.LastSize)
			return model.Ticker{}, false
		}
	}

	return model.Ticker{
		Type:      raw.Type,
		ProductID: raw.ProductID,
		Price:     price,
		LastSize:  size,
		Time:      raw.Time,
		TradeID:   raw.TradeID,
	}, true
}
