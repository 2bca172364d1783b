// The ingester bridges the exchange to the processor: it subscribes to the
// Coinbase ticker websocket and forwards each tick as one length-framed
// JSON event over TCP.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"

	"github.com/mercurystream/backend/internal/config"
	"github.com/mercurystream/backend/internal/feed"
	"github.com/mercurystream/backend/internal/logging"
	feedtcp "github.com/mercurystream/backend/pkg/feed"
)

func main() {
	godotenv.Load()
	cfg := config.FromEnv()
	logging.Setup(cfg.LogLevel)
	log := logrus.WithField("prefix", "ingester")

	if err := cfg.Validate(); err != nil {
		log.Fatalf("invalid configuration: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	log.Infof("starting ingester: symbols=%v processor=%s", cfg.Symbols, cfg.ProcessorAddr())

	f := feed.New(feed.Config{
		WSURL:      cfg.CoinbaseWSURL,
		Symbols:    cfg.Symbols,
		BackoffMax: cfg.BackoffMax,
		Dial: func() (feed.Sender, error) {
			return feedtcp.Dial(cfg.ProcessorAddr())
		},
	})
	f.Run(ctx)

	log.Info("ingester stopped")
}
