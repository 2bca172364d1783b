package forensics

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// feed pushes n samples of fixed latency and returns the spike results.
func feed(d *LatencySpikeDetector, n int, latencyMs int64) []bool {
	out := make([]bool, n)
	for i := 0; i < n; i++ {
		out[i] = d.AddSample(0, latencyMs)
	}
	return out
}

func TestNoSpikeBelowMinimumSamples(t *testing.T) {
	d := NewLatencySpikeDetector(3000, 100, 2)

	for _, fired := range feed(d, 99, 500) {
		require.False(t, fired)
	}
}

func TestSpikeRequiresConsecutiveBreaches(t *testing.T) {
	d := NewLatencySpikeDetector(3000, 100, 2)

	for _, fired := range feed(d, 100, 5) {
		require.False(t, fired)
	}

	// With 100 fives in the window, index floor(0.99*len) reaches the slow
	// tail once two 200ms samples are in: the first breach (len=102) only
	// arms the detector, the second (len=103) confirms.
	results := feed(d, 200, 200)
	assert.False(t, results[0])
	assert.False(t, results[1])
	assert.True(t, results[2])

	// Firing resets the confirmation count: every second breach fires.
	assert.False(t, results[3])
	assert.True(t, results[4])
}

func TestCompliantSampleResetsConfirmation(t *testing.T) {
	d := NewLatencySpikeDetector(3000, 100, 2)

	for _, fired := range feed(d, 99, 5) {
		require.False(t, fired)
	}

	// The 100th sample is slow, and at len=100 the positional p99 is the
	// window maximum: one breach, armed but not confirmed.
	require.False(t, d.AddSample(0, 200))

	// Fast samples immediately pull the p99 back under the threshold; the
	// armed count resets and nothing may fire.
	for _, fired := range feed(d, 100, 5) {
		require.False(t, fired)
	}

	// Confirmation starts over: the next breach arms, the one after fires.
	// (The first new slow sample still leaves p99 at 5.)
	results := feed(d, 3, 200)
	assert.Equal(t, []bool{false, false, true}, results)
}

func TestNegativeLatencyClampsToZero(t *testing.T) {
	d := NewLatencySpikeDetector(3000, 100, 2)

	// recv before ingest: skewed clocks.
	for i := 0; i < 20; i++ {
		d.AddSample(1000, 900)
	}
	assert.Equal(t, int64(0), d.P99())
}

func TestP99RequiresTenSamples(t *testing.T) {
	d := NewLatencySpikeDetector(3000, 100, 2)

	for i := int64(1); i <= 9; i++ {
		d.AddSample(0, i)
	}
	assert.Equal(t, int64(0), d.P99())

	d.AddSample(0, 10)
	// Positional p99 over [1..10] reads index floor(0.99*10) = 9.
	assert.Equal(t, int64(10), d.P99())
}

func TestWindowEvictsOldestSamples(t *testing.T) {
	d := NewLatencySpikeDetector(100, 100, 2)

	feed(d, 100, 500)
	// The window is full of 500s; a full round of fast samples evicts them.
	feed(d, 100, 1)
	assert.Equal(t, int64(1), d.P99())
}
