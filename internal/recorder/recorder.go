// Package recorder persists the raw event stream as JSON lines for later
// replay. Events are serialized on the ingest goroutine and handed to a
// single writer through a bounded queue so a slow disk backs up the
// recorder, never the ingest loop.
package recorder

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/sirupsen/logrus"
)

const (
	// queueSize bounds the writer queue; overflow drops the event.
	queueSize = 10000

	// flushPending and flushInterval decide when buffered lines reach disk:
	// whichever comes first.
	flushPending  = 200
	flushInterval = time.Second

	writerBufSize = 1 << 20
)

// Recorder appends every recorded event to one JSONL file.
type Recorder struct {
	ch    chan []byte
	done  chan struct{}
	file  *os.File
	w     *bufio.Writer
	clock clockwork.Clock
	log   *logrus.Entry
}

// New opens path for append, creating parent directories, and starts the
// writer goroutine. A nil clock selects the real clock.
func New(path string, clock clockwork.Clock) (*Recorder, error) {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create record dir: %w", err)
		}
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open record file: %w", err)
	}

	r := &Recorder{
		ch:    make(chan []byte, queueSize),
		done:  make(chan struct{}),
		file:  f,
		w:     bufio.NewWriterSize(f, writerBufSize),
		clock: clock,
		log:   logrus.WithField("prefix", "recorder"),
	}
	go r.run()
	return r, nil
}

// Record queues one event for persistence. A full queue drops the event
// with a warning; Record never blocks.
func (r *Recorder) Record(event map[string]any) {
	line, err := json.Marshal(event)
	if err != nil {
		return
	}
	select {
	case r.ch <- append(line, '\n'):
	default:
		r.log.Warn("recorder queue full, dropping event")
	}
}

// Close stops the writer after draining queued events, flushes, and closes
// the file.
func (r *Recorder) Close() {
	close(r.ch)
	<-r.done
}

func (r *Recorder) run() {
	defer close(r.done)

	pending := 0
	lastFlush := r.clock.Now()
	for line := range r.ch {
		if _, err := r.w.Write(line); err != nil {
			r.log.WithError(err).Warn("record write failed")
			continue
		}
		pending++
		if pending >= flushPending || r.clock.Since(lastFlush) >= flushInterval {
			r.flush()
			pending = 0
			lastFlush = r.clock.Now()
		}
	}

	r.flush()
	if err := r.file.Close(); err != nil {
		r.log.WithError(err).Warn("record file close failed")
	}
}

func (r *Recorder) flush() {
	if err := r.w.Flush(); err != nil {
		r.log.WithError(err).Warn("record flush failed")
	}
}
