// The processor is the pipeline's hub: it accepts length-framed JSON events
// over TCP, fans them out to the analytics and forensics consumers, exposes
// Prometheus metrics, and optionally records raw events and mirrors ticks
// into Redis.
package main

import (
	"context"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"

	"github.com/mercurystream/backend/internal/analytics"
	"github.com/mercurystream/backend/internal/bus"
	"github.com/mercurystream/backend/internal/config"
	"github.com/mercurystream/backend/internal/forensics"
	"github.com/mercurystream/backend/internal/logging"
	"github.com/mercurystream/backend/internal/metrics"
	"github.com/mercurystream/backend/internal/publisher"
	"github.com/mercurystream/backend/internal/recorder"
	"github.com/mercurystream/backend/internal/server"
)

func main() {
	godotenv.Load()
	cfg := config.FromEnv()
	logging.Setup(cfg.LogLevel)
	log := logrus.WithField("prefix", "processor")

	if err := cfg.Validate(); err != nil {
		log.Fatalf("invalid configuration: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	reg := prometheus.NewRegistry()
	prom := metrics.NewProm(reg, nil)
	msrv := metrics.NewServer(cfg.MetricsAddr(), reg)
	msrv.Start()

	b := bus.New()
	b.OnDrop(prom.RecordDrop)

	var rec *recorder.Recorder
	if cfg.Record {
		r, err := recorder.New(cfg.RecordFile, nil)
		if err != nil {
			log.Fatalf("recorder: %v", err)
		}
		rec = r
		log.Infof("recording raw events to %s", cfg.RecordFile)
	}

	var wg sync.WaitGroup
	runConsumer := func(run func(context.Context)) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			run(ctx)
		}()
	}

	runConsumer(analytics.NewVWAP(b, nil).Run)
	runConsumer(analytics.NewVolatility(b, nil).Run)
	runConsumer(analytics.NewVolume(b, nil).Run)
	runConsumer(analytics.NewHealth(b, nil).Run)

	var sink *forensics.DriftSink
	if cfg.Forensics {
		s, err := forensics.NewDriftSink(cfg.DriftSampleFile)
		if err != nil {
			log.Fatalf("drift sink: %v", err)
		}
		sink = s

		flight := forensics.NewFlightRecorder(forensics.FlightConfig{
			Dir:        cfg.IncidentsDir,
			PreEvents:  cfg.FlightPreEvents,
			PostEvents: cfg.FlightPostEvents,
			Cooldown:   cfg.FlightCooldown,
		}, nil)

		consumer := forensics.NewConsumer(forensics.ConsumerConfig{
			Queue:     b.Subscribe(forensics.QueueSize),
			Integrity: forensics.NewIntegrityTracker(cfg.DuplicateLRUMax),
			Latency: forensics.NewLatencySpikeDetector(
				cfg.LatencyBufferSize, cfg.LatencySpikeThresholdMs, cfg.LatencySpikeConsecutive),
			Flight:  flight,
			Sink:    sink,
			Metrics: prom,
		})
		runConsumer(consumer.Run)
	}

	if cfg.RedisAddr != "" {
		client, err := publisher.DialRedis(cfg.RedisAddr)
		if err != nil {
			log.Warnf("live-tick publisher disabled: %v", err)
		} else {
			log.Infof("mirroring ticks to redis at %s", cfg.RedisAddr)
			runConsumer(publisher.New(b, client, cfg.RedisChannel).Run)
		}
	}

	// Gauge updater: event rate and the deepest subscriber queue.
	runConsumer(func(ctx context.Context) {
		ticker := time.NewTicker(time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				prom.UpdateRate()
				prom.SetQueueDepth(b.MaxQueueDepth())
			}
		}
	})

	// rec is a concrete pointer; assigning it to the interface only when
	// non-nil keeps the nil check inside the server meaningful.
	var recAdapter server.EventRecorder
	if rec != nil {
		recAdapter = rec
	}
	srv := server.New(b, recAdapter, nil)
	if err := srv.Listen(cfg.ListenAddr()); err != nil {
		log.Fatalf("%v", err)
	}
	log.Infof("listening on %s (metrics on %s)", cfg.ListenAddr(), cfg.MetricsAddr())

	if err := srv.Serve(ctx); err != nil {
		log.Errorf("serve: %v", err)
	}

	stop()
	wg.Wait()
	if rec != nil {
		rec.Close()
	}
	if sink != nil {
		sink.Close()
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := msrv.Shutdown(shutdownCtx); err != nil {
		log.Warnf("metrics server shutdown: %v", err)
	}
	log.Info("processor stopped")
}
