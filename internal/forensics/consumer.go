// Package forensics is the data-quality subsystem of the processor: a
// stateless schema drift checker, per-symbol integrity tracking (duplicates,
// out-of-order timestamps, sequence gaps), a rolling-p99 latency spike
// detector, and a flight recorder that persists a pre/post event window
// around each incident. The Consumer orchestrates all of them off one bus
// subscription.
package forensics

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/sirupsen/logrus"

	"github.com/mercurystream/backend/internal/metrics"
)

// defaultPrintEvery is the cadence of the counter snapshot log line.
const defaultPrintEvery = 10 * time.Second

// QueueSize is the bus subscription capacity the processor gives the
// forensics consumer.
const QueueSize = 5000

// ConsumerConfig wires a Consumer. Metrics may be nil to disable
// instrumentation; Clock may be nil for the real clock; PrintEvery zero
// selects the default cadence. Sink may be nil, in which case drift
// samples are counted but not persisted.
type ConsumerConfig struct {
	Queue      <-chan map[string]any
	Integrity  *IntegrityTracker
	Latency    *LatencySpikeDetector
	Flight     *FlightRecorder
	Sink       *DriftSink
	Metrics    metrics.Recorder
	Clock      clockwork.Clock
	PrintEvery time.Duration
}

// Counters is a snapshot of everything the consumer has tallied since
// startup.
type Counters struct {
	Processed  uint64
	Drift      uint64
	Duplicates uint64
	OutOfOrder uint64
	Gaps       uint64
	Spikes     uint64
	Incidents  uint64
}

// Consumer reads events from its bus subscription and drives the detectors
// in a fixed order per event: metrics, flight recording, drift, integrity,
// latency, then incident triggers.
type Consumer struct {
	queue     <-chan map[string]any
	integrity *IntegrityTracker
	latency   *LatencySpikeDetector
	flight    *FlightRecorder
	sink      *DriftSink
	metrics   metrics.Recorder
	clock     clockwork.Clock
	log       *logrus.Entry

	printEvery time.Duration

	processed  atomic.Uint64
	drifts     atomic.Uint64
	duplicates atomic.Uint64
	outOfOrder atomic.Uint64
	gaps       atomic.Uint64
	spikes     atomic.Uint64
	incidents  atomic.Uint64
}

// NewConsumer builds a consumer from cfg, filling in defaults for the
// optional fields.
func NewConsumer(cfg ConsumerConfig) *Consumer {
	rec := cfg.Metrics
	if rec == nil {
		rec = metrics.Nop{}
	}
	clock := cfg.Clock
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	printEvery := cfg.PrintEvery
	if printEvery <= 0 {
		printEvery = defaultPrintEvery
	}

	return &Consumer{
		queue:      cfg.Queue,
		integrity:  cfg.Integrity,
		latency:    cfg.Latency,
		flight:     cfg.Flight,
		sink:       cfg.Sink,
		metrics:    rec,
		clock:      clock,
		log:        logrus.WithField("prefix", "forensics"),
		printEvery: printEvery,
	}
}

// Run consumes events until ctx is canceled or the queue closes. A counter
// snapshot line is logged when events flow and the print cadence has
// elapsed.
func (c *Consumer) Run(ctx context.Context) {
	c.log.Info("forensics consumer started")
	lastPrint := c.clock.Now()

	for {
		select {
		case <-ctx.Done():
			c.log.Info("forensics consumer stopped")
			return
		case event, ok := <-c.queue:
			if !ok {
				c.log.Info("forensics consumer stopped")
				return
			}
			c.handle(event)
			if c.clock.Since(lastPrint) >= c.printEvery {
				c.logCounters()
				lastPrint = c.clock.Now()
			}
		}
	}
}

// Counters returns a snapshot of the consumer's tallies.
func (c *Consumer) Counters() Counters {
	return Counters{
		Processed:  c.processed.Load(),
		Drift:      c.drifts.Load(),
		Duplicates: c.duplicates.Load(),
		OutOfOrder: c.outOfOrder.Load(),
		Gaps:       c.gaps.Load(),
		Spikes:     c.spikes.Load(),
		Incidents:  c.incidents.Load(),
	}
}

func (c *Consumer) handle(event map[string]any) {
	c.processed.Add(1)

	ingestMs, hasIngest := asMillis(event["ingest_ts_ms"])
	recvMs, hasRecv := asMillis(event["recv_ts_ms"])
	hasLatency := hasIngest && hasRecv

	if hasLatency {
		c.metrics.RecordEvent(recvMs - ingestMs)
	} else {
		c.metrics.RecordEvent(-1)
	}

	c.flight.Record(event)

	drift := CheckDrift(event)
	if drift.IsDrift {
		c.drifts.Add(1)
		if c.sink != nil {
			c.sink.Submit(DriftSample{
				TS:             c.clock.Now().UTC().Format(time.RFC3339Nano),
				Event:          event,
				MissingKeys:    drift.MissingKeys,
				TypeMismatches: drift.TypeMismatches,
				UnexpectedKeys: drift.UnexpectedKeys,
			})
		}
		c.metrics.RecordAnomaly(metrics.AnomalyDrift)
	}

	duplicate, outOfOrder, gap := c.integrity.Check(event)
	if duplicate {
		c.duplicates.Add(1)
		c.metrics.RecordAnomaly(metrics.AnomalyDuplicate)
	}
	if outOfOrder {
		c.outOfOrder.Add(1)
		c.metrics.RecordAnomaly(metrics.AnomalyOutOfOrder)
	}
	if gap {
		c.gaps.Add(1)
		c.metrics.RecordAnomaly(metrics.AnomalyGap)
	}

	if hasLatency && c.latency.AddSample(ingestMs, recvMs) {
		c.spikes.Add(1)
		c.metrics.RecordAnomaly(metrics.AnomalyLatencySpike)
		c.triggerIncident(fmt.Sprintf("latency_spike_p99=%dms", c.latency.P99()))
	}
	if duplicate {
		c.triggerIncident("duplicate_detected")
	}
	if gap {
		c.triggerIncident("sequence_gap")
	}
}

func (c *Consumer) triggerIncident(reason string) {
	if c.flight.Trigger(reason) {
		c.incidents.Add(1)
		c.metrics.RecordIncident()
	}
}

func (c *Consumer) logCounters() {
	s := c.Counters()
	c.log.Infof("processed=%d | drift=%d | dup=%d | ooo=%d | gaps=%d | spikes=%d | incidents=%d",
		s.Processed, s.Drift, s.Duplicates, s.OutOfOrder, s.Gaps, s.Spikes, s.Incidents)
}

// asMillis accepts any JSON number as a millisecond timestamp. Timestamps
// are strict numerics; strings are never coerced.
func asMillis(v any) (int64, bool) {
	switch n := v.(type) {
	case float64:
		return int64(n), true
	case int:
		return int64(n), true
	case int64:
		return n, true
	}
	return 0, false
}
