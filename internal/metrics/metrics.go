// Package metrics is the instrumentation façade the pipeline emits into.
// The processor records through the Recorder interface so the forensics and
// ingest paths never depend on whether exposition is actually running.
package metrics

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Anomaly kinds accepted by RecordAnomaly.
const (
	AnomalyDuplicate    = "duplicate"
	AnomalyOutOfOrder   = "ooo"
	AnomalyGap          = "gap"
	AnomalyDrift        = "drift"
	AnomalyLatencySpike = "latency_spike"
)

// anomalyLabels maps façade kinds to the label values on the exposition
// side. Unknown kinds pass through unchanged.
var anomalyLabels = map[string]string{
	AnomalyDuplicate:    "duplicate",
	AnomalyOutOfOrder:   "out_of_order",
	AnomalyGap:          "sequence_gap",
	AnomalyDrift:        "schema_drift",
	AnomalyLatencySpike: "latency_spike",
}

// Recorder receives instrumentation calls from the pipeline.
type Recorder interface {
	// RecordEvent counts one processed event. latencyMs is observed into
	// the latency histogram only when non-negative; callers pass a negative
	// value when the latency is unknown.
	RecordEvent(latencyMs int64)

	// RecordAnomaly counts one detected anomaly of the given kind.
	RecordAnomaly(kind string)

	// RecordIncident counts one successful flight-recorder trigger.
	RecordIncident()

	// RecordDrop counts one event discarded by the bus.
	RecordDrop()

	// SetQueueDepth publishes the deepest subscriber queue length.
	SetQueueDepth(depth int)

	// UpdateRate recomputes the events-per-second gauge from the events
	// counted since the previous update. Deltas under one second are
	// ignored so a fast caller cannot produce noisy rates.
	UpdateRate()
}

// Nop discards every call. It stands in wherever instrumentation is
// disabled so callers never branch on availability.
type Nop struct{}

func (Nop) RecordEvent(int64)    {}
func (Nop) RecordAnomaly(string) {}
func (Nop) RecordIncident()      {}
func (Nop) RecordDrop()          {}
func (Nop) SetQueueDepth(int)    {}
func (Nop) UpdateRate()          {}

// Prom records into Prometheus collectors registered on a caller-supplied
// registry.
type Prom struct {
	clock clockwork.Clock

	eventsTotal     prometheus.Counter
	eventsPerSecond prometheus.Gauge
	dropsTotal      prometheus.Counter
	anomaliesTotal  *prometheus.CounterVec
	incidentsTotal  prometheus.Counter
	latencyMs       prometheus.Histogram
	queueDepthMax   prometheus.Gauge

	// eventCount shadows eventsTotal so UpdateRate can read it back.
	eventCount atomic.Uint64

	mu         sync.Mutex
	lastCount  uint64
	lastRateAt time.Time
}

// NewProm creates and registers the pipeline collectors on reg. A nil clock
// selects the real clock.
func NewProm(reg prometheus.Registerer, clock clockwork.Clock) *Prom {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	factory := promauto.With(reg)

	p := &Prom{
		clock: clock,

		eventsTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "mercurystream_events_total",
			Help: "Total events received by the processor",
		}),
		eventsPerSecond: factory.NewGauge(prometheus.GaugeOpts{
			Name: "mercurystream_events_per_second",
			Help: "Event throughput over the last rate window",
		}),
		dropsTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "mercurystream_drops_total",
			Help: "Total events discarded by the fan-out bus",
		}),
		anomaliesTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "mercurystream_anomalies_total",
			Help: "Data-quality anomalies detected, by type",
		}, []string{"type"}),
		incidentsTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "mercurystream_incidents_total",
			Help: "Flight-recorder incidents triggered",
		}),
		latencyMs: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "mercurystream_latency_ms",
			Help:    "Ingest-to-receive latency in milliseconds",
			Buckets: []float64{1, 5, 10, 25, 50, 100, 250, 500, 1000},
		}),
		queueDepthMax: factory.NewGauge(prometheus.GaugeOpts{
			Name: "mercurystream_queue_depth_max",
			Help: "Deepest subscriber queue at the last update",
		}),
	}
	p.lastRateAt = clock.Now()
	return p
}

// RecordEvent counts the event and, when latencyMs is non-negative,
// observes it into the latency histogram.
func (p *Prom) RecordEvent(latencyMs int64) {
	p.eventsTotal.Inc()
	p.eventCount.Add(1)
	if latencyMs >= 0 {
		p.latencyMs.Observe(float64(latencyMs))
	}
}

// RecordAnomaly counts an anomaly under its exposition label.
func (p *Prom) RecordAnomaly(kind string) {
	label, ok := anomalyLabels[kind]
	if !ok {
		label = kind
	}
	p.anomaliesTotal.WithLabelValues(label).Inc()
}

// RecordIncident counts a triggered incident.
func (p *Prom) RecordIncident() {
	p.incidentsTotal.Inc()
}

// RecordDrop counts a bus drop.
func (p *Prom) RecordDrop() {
	p.dropsTotal.Inc()
}

// SetQueueDepth publishes the current deepest queue.
func (p *Prom) SetQueueDepth(depth int) {
	p.queueDepthMax.Set(float64(depth))
}

// UpdateRate recomputes events-per-second if at least one second has
// elapsed since the previous update.
func (p *Prom) UpdateRate() {
	p.mu.Lock()
	defer p.mu.Unlock()

	now := p.clock.Now()
	dt := now.Sub(p.lastRateAt).Seconds()
	if dt < 1.0 {
		return
	}

	count := p.eventCount.Load()
	p.eventsPerSecond.Set(float64(count-p.lastCount) / dt)
	p.lastCount = count
	p.lastRateAt = now
}
