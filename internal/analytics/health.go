package analytics

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/sirupsen/logrus"

	"github.com/mercurystream/backend/internal/bus"
)

const healthPrintEvery = 5 * time.Second

// Health logs one pipeline vitals line every five seconds: observed events
// per second, the last price seen, and the bus drop, subscriber, and queue
// depth figures. The rate is what this consumer observed after any drops,
// so it dips when the pipeline sheds load.
type Health struct {
	bus   *bus.Bus
	queue <-chan map[string]any
	clock clockwork.Clock
	log   *logrus.Entry

	count     int
	lastPrice float64
	hasPrice  bool
}

// NewHealth subscribes a health consumer on b. A nil clock selects the
// real clock.
func NewHealth(b *bus.Bus, clock clockwork.Clock) *Health {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Health{
		bus:   b,
		queue: b.Subscribe(subscriptionSize),
		clock: clock,
		log:   logrus.WithField("prefix", "health"),
	}
}

// Run consumes events until ctx is canceled or the queue closes.
func (h *Health) Run(ctx context.Context) {
	lastPrint := h.clock.Now()
	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-h.queue:
			if !ok {
				return
			}
			h.handle(event)
			if elapsed := h.clock.Since(lastPrint); elapsed >= healthPrintEvery {
				h.log.Info(h.summary(elapsed))
				lastPrint = h.clock.Now()
			}
		}
	}
}

func (h *Health) handle(event map[string]any) {
	h.count++
	if price, ok := numField(event, "price"); ok {
		h.lastPrice = price
		h.hasPrice = true
	}
}

// summary renders the vitals line and resets the event counter for the
// next interval.
func (h *Health) summary(elapsed time.Duration) string {
	eps := 0.0
	if secs := elapsed.Seconds(); secs > 0 {
		eps = float64(h.count) / secs
	}
	h.count = 0

	price := "n/a"
	if h.hasPrice {
		price = strconv.FormatFloat(h.lastPrice, 'f', -1, 64)
	}

	return fmt.Sprintf("eps=%.1f | price=%s | drops=%d | subs=%d | qdepths=%v",
		eps, price, h.bus.Drops(), h.bus.SubscriberCount(), h.bus.QueueDepths())
}
