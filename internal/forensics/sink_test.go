package forensics

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSinkAppendsSamples(t *testing.T) {
	path := filepath.Join(t.TempDir(), "forensics", "drift_samples.jsonl")
	s, err := NewDriftSink(path)
	require.NoError(t, err)

	s.Submit(DriftSample{
		TS:          "2024-06-01T12:00:00Z",
		Event:       map[string]any{"product_id": "BTC-USD"},
		MissingKeys: []string{"price"},
	})
	s.Submit(DriftSample{
		TS:             "2024-06-01T12:00:01Z",
		Event:          map[string]any{"product_id": "ETH-USD", "price": "3500.1"},
		TypeMismatches: map[string]string{"price": "expected number, got string"},
	})
	s.Close()

	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(string(raw)), "\n")
	require.Len(t, lines, 2)

	var first DriftSample
	require.NoError(t, json.Unmarshal([]byte(lines[0]), &first))
	assert.Equal(t, []string{"price"}, first.MissingKeys)
	assert.Equal(t, "BTC-USD", first.Event["product_id"])

	var second DriftSample
	require.NoError(t, json.Unmarshal([]byte(lines[1]), &second))
	assert.Equal(t, "expected number, got string", second.TypeMismatches["price"])
}

func TestSinkDropsOnOverflow(t *testing.T) {
	path := filepath.Join(t.TempDir(), "drift_samples.jsonl")
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	require.NoError(t, err)

	// The writer goroutine is not started yet, so the queue fills
	// deterministically and the overflow path is forced.
	s := &DriftSink{
		ch:   make(chan []byte, 2),
		done: make(chan struct{}),
		file: f,
		log:  logrus.WithField("prefix", "forensics"),
	}
	for i := 0; i < 5; i++ {
		s.Submit(DriftSample{TS: "t", Event: map[string]any{"seq": i}})
	}
	assert.Len(t, s.ch, 2)

	go s.run()
	s.Close()

	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Len(t, strings.Split(strings.TrimSpace(string(raw)), "\n"), 2)
}
