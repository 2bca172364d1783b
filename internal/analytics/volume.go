package analytics

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/sirupsen/logrus"

	"github.com/mercurystream/backend/internal/bus"
)

const volumePrintEvery = 10 * time.Second

// Volume accumulates traded notional (price times size) and trade counts
// per symbol, reporting a dollars-per-minute rate each window and starting
// the next window fresh.
type Volume struct {
	queue <-chan map[string]any
	clock clockwork.Clock
	log   *logrus.Entry

	notional    map[string]float64
	trades      map[string]int
	windowStart time.Time
}

// NewVolume subscribes a volume consumer on b. A nil clock selects the
// real clock.
func NewVolume(b *bus.Bus, clock clockwork.Clock) *Volume {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Volume{
		queue:       b.Subscribe(subscriptionSize),
		clock:       clock,
		log:         logrus.WithField("prefix", "volume"),
		notional:    make(map[string]float64),
		trades:      make(map[string]int),
		windowStart: clock.Now(),
	}
}

// Run consumes events until ctx is canceled or the queue closes, logging
// and resetting the window every ten seconds.
func (v *Volume) Run(ctx context.Context) {
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
			if v.clock.Since(lastPrint) >= volumePrintEvery {
				if line := v.summary(v.clock.Now()); line != "" {
					v.log.Info(line)
				}
				lastPrint = v.clock.Now()
			}
		}
	}
}

func (v *Volume) handle(event map[string]any) {
	price, okPrice := numField(event, "price")
	size, okSize := numField(event, "last_size")
	if !okPrice || !okSize || price <= 0 || size <= 0 {
		return
	}
	sym := symbolOf(event)
	v.notional[sym] += price * size
	v.trades[sym]++
}

// summary renders the window's per-symbol $/minute rates and resets the
// window. It returns "" when no trades landed in the window.
func (v *Volume) summary(now time.Time) string {
	secs := now.Sub(v.windowStart).Seconds()

	syms := make([]string, 0, len(v.notional))
	for sym := range v.notional {
		syms = append(syms, sym)
	}
	sort.Strings(syms)

	var parts []string
	if secs > 0 {
		for _, sym := range syms {
			perMinute := v.notional[sym] / secs * 60
			parts = append(parts, fmt.Sprintf("%s=$%.1fK/min(%dtx)", sym, perMinute/1000, v.trades[sym]))
		}
	}

	v.notional = make(map[string]float64)
	v.trades = make(map[string]int)
	v.windowStart = now

	return strings.Join(parts, " | ")
}
