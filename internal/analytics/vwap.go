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
	"github.com/mercurystream/backend/internal/ringbuf"
)

const (
	// vwapWindow is the per-symbol trade window the average is taken over.
	vwapWindow = 200

	// latencySampleWindow bounds the age and pipe-latency sample pools.
	latencySampleWindow = 3000

	vwapPrintEvery = 5 * time.Second
)

type priceSize struct {
	price float64
	size  float64
}

// VWAP maintains a rolling volume-weighted average price per symbol and
// samples two latencies per event: age (now minus exchange ingest stamp)
// and pipe (now minus processor receive stamp).
type VWAP struct {
	bus   *bus.Bus
	queue <-chan map[string]any
	clock clockwork.Clock
	log   *logrus.Entry

	windows map[string]*ringbuf.Buffer[priceSize]
	ages    *ringbuf.Buffer[int64]
	pipes   *ringbuf.Buffer[int64]
}

// NewVWAP subscribes a VWAP consumer on b. A nil clock selects the real
// clock.
func NewVWAP(b *bus.Bus, clock clockwork.Clock) *VWAP {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &VWAP{
		bus:     b,
		queue:   b.Subscribe(subscriptionSize),
		clock:   clock,
		log:     logrus.WithField("prefix", "vwap"),
		windows: make(map[string]*ringbuf.Buffer[priceSize]),
		ages:    ringbuf.New[int64](latencySampleWindow),
		pipes:   ringbuf.New[int64](latencySampleWindow),
	}
}

// Run consumes events until ctx is canceled or the queue closes, logging a
// summary line every five seconds while events flow.
func (v *VWAP) Run(ctx context.Context) {
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
			if v.clock.Since(lastPrint) >= vwapPrintEvery {
				v.log.Info(v.summary())
				lastPrint = v.clock.Now()
			}
		}
	}
}

func (v *VWAP) handle(event map[string]any) {
	price, okPrice := numField(event, "price")
	size, okSize := numField(event, "last_size")
	ingest, okIngest := msField(event, "ingest_ts_ms")
	if !okPrice || !okSize || !okIngest || price <= 0 || size < 0 || ingest <= 0 {
		return
	}

	sym := symbolOf(event)
	w, ok := v.windows[sym]
	if !ok {
		w = ringbuf.New[priceSize](vwapWindow)
		v.windows[sym] = w
	}
	w.Push(priceSize{price: price, size: size})

	now := v.clock.Now().UnixMilli()
	age := now - ingest
	if age < 0 {
		age = 0
	}
	v.ages.Push(age)

	if recv, ok := msField(event, "recv_ts_ms"); ok && recv > 0 {
		pipe := now - recv
		if pipe < 0 {
			pipe = 0
		}
		v.pipes.Push(pipe)
	}
}

// summary renders one VWAP line: per-symbol averages in symbol order, then
// the latency percentiles and the bus drop counter.
func (v *VWAP) summary() string {
	syms := make([]string, 0, len(v.windows))
	for sym := range v.windows {
		syms = append(syms, sym)
	}
	sort.Strings(syms)

	parts := make([]string, 0, len(syms)+3)
	for _, sym := range syms {
		parts = append(parts, fmt.Sprintf("%s=%.2f", sym, vwapOf(v.windows[sym])))
	}
	parts = append(parts,
		fmt.Sprintf("age p99=%.0fms", percentile(sortedCopy(v.ages.Snapshot()), 99)),
		fmt.Sprintf("pipe p99=%.0fms", percentile(sortedCopy(v.pipes.Snapshot()), 99)),
		fmt.Sprintf("drops=%d", v.bus.Drops()),
	)
	return strings.Join(parts, " | ")
}

// vwapOf computes sum(price*size)/sum(size) over the window. Runs of
// zero-size trades fall back to zero rather than dividing by it.
func vwapOf(w *ringbuf.Buffer[priceSize]) float64 {
	var notional, volume float64
	for _, t := range w.Snapshot() {
		notional += t.price * t.size
		volume += t.size
	}
	if volume == 0 {
		return 0
	}
	return notional / volume
}
