package analytics

import (
	"context"
	"fmt"
	"math"
	"sort"
	"strings"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/sirupsen/logrus"

	"github.com/mercurystream/backend/internal/bus"
	"github.com/mercurystream/backend/internal/ringbuf"
)

const (
	// volatilityWindow is the per-symbol log-return window.
	volatilityWindow = 100

	// minReturns gates the estimate; fewer returns are too noisy to print.
	minReturns = 10

	volatilityPrintEvery = 10 * time.Second
)

// Volatility estimates realized volatility per symbol from a rolling
// window of tick-to-tick log returns, annualized assuming one tick per
// second.
type Volatility struct {
	queue <-chan map[string]any
	clock clockwork.Clock
	log   *logrus.Entry

	lastPrice map[string]float64
	returns   map[string]*ringbuf.Buffer[float64]
}

// NewVolatility subscribes a volatility consumer on b. A nil clock selects
// the real clock.
func NewVolatility(b *bus.Bus, clock clockwork.Clock) *Volatility {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Volatility{
		queue:     b.Subscribe(subscriptionSize),
		clock:     clock,
		log:       logrus.WithField("prefix", "volatility"),
		lastPrice: make(map[string]float64),
		returns:   make(map[string]*ringbuf.Buffer[float64]),
	}
}

// Run consumes events until ctx is canceled or the queue closes, logging
// estimates every ten seconds once enough returns have accumulated.
func (v *Volatility) Run(ctx context.Context) {
	lastPrint := v.clock.Now()
	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-v.queue:
			if !ok {
				return
			}
			v.handle(event)
			if v.clock.Since(lastPrint) >= volatilityPrintEvery {
				if line := v.summary(); line != "" {
					v.log.Info(line)
				}
				lastPrint = v.clock.Now()
			}
		}
	}
}

func (v *Volatility) handle(event map[string]any) {
	price, ok := numField(event, "price")
	if !ok || price <= 0 {
		return
	}
	sym := symbolOf(event)

	if last, ok := v.lastPrice[sym]; ok && last > 0 {
		w, ok := v.returns[sym]
		if !ok {
			w = ringbuf.New[float64](volatilityWindow)
			v.returns[sym] = w
		}
		w.Push(math.Log(price / last))
	}
	v.lastPrice[sym] = price
}

// summary renders per-symbol annualized volatility, or "" when no symbol
// has enough returns yet.
func (v *Volatility) summary() string {
	syms := make([]string, 0, len(v.returns))
	for sym := range v.returns {
		syms = append(syms, sym)
	}
	sort.Strings(syms)

	var parts []string
	for _, sym := range syms {
		returns := v.returns[sym].Snapshot()
		if len(returns) < minReturns {
			continue
		}
		parts = append(parts, fmt.Sprintf("%s=%.1f%%", sym, annualize(returns)))
	}
	return strings.Join(parts, " | ")
}

// annualize converts a window of per-tick log returns into an annualized
// percentage: population standard deviation scaled by the square root of
// ticks per year (86400*365 at one tick per second).
func annualize(returns []float64) float64 {
	var sum float64
	for _, r := range returns {
		sum += r
	}
	mean := sum / float64(len(returns))

	var varSum float64
	for _, r := range returns {
		d := r - mean
		varSum += d * d
	}
	std := math.Sqrt(varSum / float64(len(returns)))

	return std * math.Sqrt(86400*365) * 100
}
