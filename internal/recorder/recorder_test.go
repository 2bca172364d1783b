package recorder

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRecordsEventsAsJSONLines(t *testing.T) {
	path := filepath.Join(t.TempDir(), "data", "events.jsonl")
	r, err := New(path, nil)
	require.NoError(t, err)

	for i := 0; i < 5; i++ {
		r.Record(map[string]any{"seq": i, "product_id": "BTC-USD"})
	}
	r.Close()

	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	lines := bytes.Split(bytes.TrimSpace(raw), []byte("\n"))
	require.Len(t, lines, 5)

	for i, line := range lines {
		var ev map[string]any
		require.NoError(t, json.Unmarshal(line, &ev))
		assert.Equal(t, float64(i), ev["seq"])
	}
}

func TestAppendsAcrossRestarts(t *testing.T) {
	path := filepath.Join(t.TempDir(), "events.jsonl")

	for run := 0; run < 2; run++ {
		r, err := New(path, nil)
		require.NoError(t, err)
		r.Record(map[string]any{"run": run})
		r.Close()
	}

	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Len(t, bytes.Split(bytes.TrimSpace(raw), []byte("\n")), 2)
}

func TestFlushesAtPendingThreshold(t *testing.T) {
	path := filepath.Join(t.TempDir(), "events.jsonl")
	r, err := New(path, nil)
	require.NoError(t, err)
	defer r.Close()

	for i := 0; i < flushPending; i++ {
		r.Record(map[string]any{"seq": i})
	}

	// The threshold flush happens without Close.
	assert.Eventually(t, func() bool {
		raw, err := os.ReadFile(path)
		return err == nil && bytes.Count(raw, []byte("\n")) >= flushPending
	}, 2*time.Second, 10*time.Millisecond)
}

func TestDropsWhenQueueFull(t *testing.T) {
	path := filepath.Join(t.TempDir(), "events.jsonl")
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	require.NoError(t, err)
	t.Cleanup(func() { f.Close() })

	// No writer goroutine yet, so the overflow path is deterministic.
	r := &Recorder{
		ch:   make(chan []byte, 2),
		done: make(chan struct{}),
		file: f,
		w:    bufio.NewWriterSize(f, writerBufSize),
		log:  logrus.WithField("prefix", "recorder"),
	}
	for i := 0; i < 5; i++ {
		r.Record(map[string]any{"seq": i})
	}
	assert.Len(t, r.ch, 2)
}

func TestRecordNeverBlocks(t *testing.T) {
	path := filepath.Join(t.TempDir(), "events.jsonl")
	r, err := New(path, nil)
	require.NoError(t, err)

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 3*queueSize; i++ {
			r.Record(map[string]any{"payload": fmt.Sprintf("event-%d", i)})
		}
	}()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("Record blocked")
	}
	r.Close()
}
