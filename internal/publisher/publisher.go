// Package publisher mirrors the live tick stream into Redis so dashboards
// outside the pipeline can follow it: every event is published to a pub/sub
// channel, and the latest tick per symbol is kept under a short-TTL key.
// The pipeline never depends on Redis; losing it only silences the mirror.
package publisher

import (
	"context"
	"encoding/json"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/mercurystream/backend/internal/bus"
)

const (
	subscriptionSize = 1000

	// lastTickPrefix keys the most recent tick per symbol.
	lastTickPrefix = "mercurystream:last:"
	lastTickTTL    = 60 * time.Second
)

// Client is the minimal Redis surface the publisher needs. The go-redis
// adapter in this package implements it; tests substitute a fake.
type Client interface {
	Publish(ctx context.Context, channel string, message []byte) error
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Close() error
}

// Publisher forwards every bus event to Redis.
type Publisher struct {
	client  Client
	channel string
	queue   <-chan map[string]any
	log     *logrus.Entry
}

// New subscribes a publisher on b. The publisher owns client and closes it
// when Run returns.
func New(b *bus.Bus, client Client, channel string) *Publisher {
	return &Publisher{
		client:  client,
		channel: channel,
		queue:   b.Subscribe(subscriptionSize),
		log:     logrus.WithField("prefix", "publisher"),
	}
}

// Run consumes events until ctx is canceled or the queue closes. Redis
// failures are logged and the event is skipped; the stream continues.
func (p *Publisher) Run(ctx context.Context) {
	defer p.client.Close()

	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-p.queue:
			if !ok {
				return
			}
			p.forward(ctx, event)
		}
	}
}

func (p *Publisher) forward(ctx context.Context, event map[string]any) {
	data, err := json.Marshal(event)
	if err != nil {
		p.log.Warnf("marshal tick: %v", err)
		return
	}

	if err := p.client.Publish(ctx, p.channel, data); err != nil {
		p.log.Warnf("publish tick: %v", err)
	}

	sym, ok := event["product_id"].(string)
	if !ok || sym == "" {
		return
	}
	if err := p.client.Set(ctx, lastTickPrefix+sym, data, lastTickTTL); err != nil {
		p.log.Warnf("set last tick for %s: %v", sym, err)
	}
}
