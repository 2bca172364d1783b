package forensics

import (
	"sort"

	"github.com/mercurystream/backend/internal/ringbuf"
)

// minSamplesForSpike gates spike evaluation until the window carries enough
// history for a meaningful p99.
const minSamplesForSpike = 100

// minSamplesForP99 gates the reported P99 used in incident metadata.
const minSamplesForP99 = 10

// LatencySpikeDetector watches ingest-to-receive latencies over a rolling
// window and confirms sustained p99 breaches: the p99 must exceed the
// threshold for the configured number of consecutive samples before a
// spike fires, and any compliant sample resets the confirmation count.
type LatencySpikeDetector struct {
	thresholdMs int64
	required    int

	window      *ringbuf.Buffer[int64]
	consecutive int
}

// NewLatencySpikeDetector creates a detector with a window of bufferSize
// samples.
func NewLatencySpikeDetector(bufferSize int, thresholdMs int64, consecutiveRequired int) *LatencySpikeDetector {
	return &LatencySpikeDetector{
		thresholdMs: thresholdMs,
		required:    consecutiveRequired,
		window:      ringbuf.New[int64](bufferSize),
	}
}

// AddSample records one latency observation and reports whether it confirms
// a spike. Negative raw latencies (clock skew between hosts) clamp to zero.
// Nothing fires until the window holds minSamplesForSpike samples. Firing
// resets the confirmation count, so back-to-back spikes need a fresh run of
// breaches.
func (d *LatencySpikeDetector) AddSample(ingestMs, recvMs int64) bool {
	latency := recvMs - ingestMs
	if latency < 0 {
		latency = 0
	}
	d.window.Push(latency)

	if d.window.Len() < minSamplesForSpike {
		return false
	}

	if d.p99() > d.thresholdMs {
		d.consecutive++
		if d.consecutive >= d.required {
			d.consecutive = 0
			return true
		}
		return false
	}
	d.consecutive = 0
	return false
}

// P99 returns the current window's p99 for incident metadata, or 0 when
// fewer than minSamplesForP99 samples are held.
func (d *LatencySpikeDetector) P99() int64 {
	if d.window.Len() < minSamplesForP99 {
		return 0
	}
	return d.p99()
}

// p99 is positional: the sample at index floor(0.99*len) of the ascending
// sort. For a full default window of 3000 that is index 2970. This indexing
// is part of the detector's contract and is not an interpolated percentile.
func (d *LatencySpikeDetector) p99() int64 {
	samples := d.window.Snapshot()
	sort.Slice(samples, func(i, j int) bool { return samples[i] < samples[j] })
	return samples[int(float64(len(samples))*0.99)]
}
