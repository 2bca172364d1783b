package forensics

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestRecorder(t *testing.T, pre, post int, cooldown time.Duration) (*FlightRecorder, *clockwork.FakeClock, string) {
	t.Helper()
	root := t.TempDir()
	clock := clockwork.NewFakeClockAt(time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC))
	r := NewFlightRecorder(FlightConfig{
		Dir:        root,
		PreEvents:  pre,
		PostEvents: post,
		Cooldown:   cooldown,
	}, clock)
	return r, clock, root
}

func bundleDirs(t *testing.T, root string) []string {
	t.Helper()
	entries, err := os.ReadDir(root)
	require.NoError(t, err)
	var dirs []string
	for _, e := range entries {
		if e.IsDir() {
			dirs = append(dirs, filepath.Join(root, e.Name()))
		}
	}
	return dirs
}

func readBundle(t *testing.T, dir string) (IncidentMeta, []map[string]any) {
	t.Helper()
	data, err := os.ReadFile(filepath.Join(dir, "meta.json"))
	require.NoError(t, err)
	var meta IncidentMeta
	require.NoError(t, json.Unmarshal(data, &meta))

	raw, err := os.ReadFile(filepath.Join(dir, "events.jsonl"))
	require.NoError(t, err)
	var events []map[string]any
	for _, line := range strings.Split(strings.TrimSpace(string(raw)), "\n") {
		if line == "" {
			continue
		}
		var ev map[string]any
		require.NoError(t, json.Unmarshal([]byte(line), &ev))
		events = append(events, ev)
	}
	return meta, events
}

func eventIDs(events []map[string]any) []string {
	ids := make([]string, len(events))
	for i, ev := range events {
		ids[i] = ev["id"].(string)
	}
	return ids
}

func TestCaptureWindowAroundTrigger(t *testing.T) {
	r, _, root := newTestRecorder(t, 3, 2, time.Minute)

	// e1 falls off the pre-ring; e2..e4 are the pre window at trigger time.
	for _, id := range []string{"e1", "e2", "e3", "e4"} {
		r.Record(map[string]any{"id": id})
	}
	require.True(t, r.Trigger("sequence_gap"))

	r.Record(map[string]any{"id": "e5"})
	assert.Equal(t, 0, r.IncidentsCaptured())
	r.Record(map[string]any{"id": "e6"})
	require.Equal(t, 1, r.IncidentsCaptured())

	dirs := bundleDirs(t, root)
	require.Len(t, dirs, 1)
	meta, events := readBundle(t, dirs[0])

	assert.Equal(t, []string{"e2", "e3", "e4", "e5", "e6"}, eventIDs(events))
	assert.Equal(t, filepath.Base(dirs[0]), meta.IncidentID)
	assert.Equal(t, "sequence_gap", meta.Reason)
	assert.Equal(t, 3, meta.PreEvents)
	assert.Equal(t, 2, meta.PostEvents)
	assert.Equal(t, 5, meta.TotalEvents)
}

func TestTriggerRefusedWhileCapturing(t *testing.T) {
	r, clock, _ := newTestRecorder(t, 3, 2, time.Minute)

	require.True(t, r.Trigger("first"))
	assert.False(t, r.Trigger("second"))

	// An open capture blocks new triggers even once the cooldown is over.
	clock.Advance(10 * time.Minute)
	assert.False(t, r.Trigger("third"))
}

func TestCooldownSpacesCaptures(t *testing.T) {
	r, clock, root := newTestRecorder(t, 3, 1, time.Minute)

	require.True(t, r.Trigger("first"))
	r.Record(map[string]any{"id": "p1"})
	require.Equal(t, 1, r.IncidentsCaptured())

	clock.Advance(30 * time.Second)
	assert.False(t, r.Trigger("too-soon"))

	clock.Advance(31 * time.Second)
	require.True(t, r.Trigger("second"))
	r.Record(map[string]any{"id": "p2"})

	assert.Equal(t, 2, r.IncidentsCaptured())
	assert.Len(t, bundleDirs(t, root), 2)
}

func TestPreRingClearedAfterCapture(t *testing.T) {
	r, clock, root := newTestRecorder(t, 3, 1, time.Minute)

	for _, id := range []string{"a1", "a2", "a3"} {
		r.Record(map[string]any{"id": id})
	}
	require.True(t, r.Trigger("first"))
	r.Record(map[string]any{"id": "a4"})
	require.Equal(t, 1, r.IncidentsCaptured())

	// Only events seen after the first bundle may appear in the second.
	r.Record(map[string]any{"id": "b1"})
	clock.Advance(2 * time.Minute)
	require.True(t, r.Trigger("second"))
	r.Record(map[string]any{"id": "b2"})

	dirs := bundleDirs(t, root)
	require.Len(t, dirs, 2)
	for _, dir := range dirs {
		meta, events := readBundle(t, dir)
		if meta.Reason != "second" {
			continue
		}
		assert.Equal(t, []string{"b1", "b2"}, eventIDs(events))
		assert.Equal(t, 2, meta.TotalEvents)
		return
	}
	t.Fatal("second bundle not found")
}

func TestWriteFailureResetsRecorder(t *testing.T) {
	base := t.TempDir()
	blocked := filepath.Join(base, "blocked")
	require.NoError(t, os.WriteFile(blocked, []byte("not a dir"), 0o644))

	clock := clockwork.NewFakeClockAt(time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC))
	r := NewFlightRecorder(FlightConfig{
		Dir:        filepath.Join(blocked, "incidents"),
		PreEvents:  2,
		PostEvents: 1,
		Cooldown:   time.Minute,
	}, clock)

	r.Record(map[string]any{"id": "x1"})
	require.True(t, r.Trigger("first"))
	r.Record(map[string]any{"id": "x2"})

	assert.Equal(t, 0, r.IncidentsCaptured())

	// The failed write may not wedge the recorder: it is idle again and a
	// later trigger still starts a capture.
	r.Record(map[string]any{"id": "x3"})
	clock.Advance(2 * time.Minute)
	assert.True(t, r.Trigger("second"))
}
