package forensics

import (
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/sirupsen/logrus"

	"github.com/mercurystream/backend/internal/ringbuf"
)

// FlightConfig sizes a FlightRecorder's capture windows.
type FlightConfig struct {
	// Dir is the root under which each incident gets its own directory.
	Dir string

	// PreEvents is the rolling window kept while idle; PostEvents is how
	// many further events a trigger captures before the bundle is written.
	PreEvents  int
	PostEvents int

	// Cooldown is the minimum spacing between capture starts.
	Cooldown time.Duration
}

// IncidentMeta is the bundle's meta.json document. PostEvents is the total
// minus the configured pre window, mirroring how the bundle is assembled.
type IncidentMeta struct {
	IncidentID  string `json:"incident_id"`
	Reason      string `json:"reason"`
	Timestamp   string `json:"timestamp"`
	PreEvents   int    `json:"pre_events"`
	PostEvents  int    `json:"post_events"`
	TotalEvents int    `json:"total_events"`
}

// FlightRecorder keeps a rolling pre-event window and, when triggered,
// captures the configured number of post-events before persisting the whole
// window as an incident bundle. At most one capture runs at a time, and
// capture starts are spaced by the cooldown. The recorder is owned by the
// forensics consumer and is not safe for concurrent use.
type FlightRecorder struct {
	cfg   FlightConfig
	clock clockwork.Clock
	log   *logrus.Entry

	preRing   *ringbuf.Buffer[map[string]any]
	capture   []map[string]any
	remaining int
	capturing bool
	reason    string

	lastTrigger  time.Time
	hasTriggered bool

	incidents int
}

// NewFlightRecorder creates a recorder for cfg. A nil clock selects the
// real clock.
func NewFlightRecorder(cfg FlightConfig, clock clockwork.Clock) *FlightRecorder {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &FlightRecorder{
		cfg:     cfg,
		clock:   clock,
		log:     logrus.WithField("prefix", "flight"),
		preRing: ringbuf.New[map[string]any](cfg.PreEvents),
	}
}

// Record feeds one event through the recorder: into the pre-ring while
// idle, into the capture buffer during a capture. Filling the post window
// finalizes the bundle.
func (r *FlightRecorder) Record(event map[string]any) {
	if r.capturing {
		r.capture = append(r.capture, event)
		r.remaining--
		if r.remaining <= 0 {
			r.finalize()
		}
		return
	}
	r.preRing.Push(event)
}

// Trigger starts a capture and reports whether it started. It refuses while
// a capture is active and while the cooldown since the previous capture
// start has not elapsed; refused triggers do not affect the cooldown.
func (r *FlightRecorder) Trigger(reason string) bool {
	if r.capturing {
		return false
	}
	now := r.clock.Now()
	if r.hasTriggered && now.Sub(r.lastTrigger) < r.cfg.Cooldown {
		return false
	}

	r.capture = r.preRing.Snapshot()
	r.remaining = r.cfg.PostEvents
	r.capturing = true
	r.reason = reason
	r.lastTrigger = now
	r.hasTriggered = true

	r.log.Infof("incident capture started: %s", reason)
	return true
}

// IncidentsCaptured returns the number of bundles successfully written.
func (r *FlightRecorder) IncidentsCaptured() int {
	return r.incidents
}

// finalize persists the capture buffer as an incident bundle. State resets
// whether or not the write succeeds, so a bad disk cannot wedge the
// recorder; the cleared pre-ring means events after an incident start a
// fresh window.
func (r *FlightRecorder) finalize() {
	defer func() {
		r.capture = nil
		r.preRing.Clear()
		r.capturing = false
	}()

	id := r.clock.Now().UTC().Format("20060102_150405") + "_" + incidentSuffix()
	dir := filepath.Join(r.cfg.Dir, id)
	if err := r.writeBundle(dir, id); err != nil {
		r.log.WithError(err).Errorf("incident %s not persisted", id)
		return
	}

	r.incidents++
	r.log.Infof("incident %s captured: %d events (%s)", id, len(r.capture), r.reason)
}

func (r *FlightRecorder) writeBundle(dir, id string) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create incident dir: %w", err)
	}

	f, err := os.Create(filepath.Join(dir, "events.jsonl"))
	if err != nil {
		return fmt.Errorf("create events.jsonl: %w", err)
	}
	for _, ev := range r.capture {
		line, err := json.Marshal(ev)
		if err != nil {
			continue
		}
		if _, err := f.Write(append(line, '\n')); err != nil {
			f.Close()
			return fmt.Errorf("write events.jsonl: %w", err)
		}
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("close events.jsonl: %w", err)
	}

	meta := IncidentMeta{
		IncidentID:  id,
		Reason:      r.reason,
		Timestamp:   r.clock.Now().UTC().Format(time.RFC3339Nano),
		PreEvents:   min(len(r.capture), r.cfg.PreEvents),
		PostEvents:  len(r.capture) - r.cfg.PreEvents,
		TotalEvents: len(r.capture),
	}
	data, err := json.MarshalIndent(meta, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal meta.json: %w", err)
	}
	if err := os.WriteFile(filepath.Join(dir, "meta.json"), data, 0o644); err != nil {
		return fmt.Errorf("write meta.json: %w", err)
	}
	return nil
}

// incidentSuffix returns 8 hex characters of a fresh random UUID.
func incidentSuffix() string {
	u := uuid.New()
	return hex.EncodeToString(u[:4])
}
