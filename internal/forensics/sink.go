package forensics

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/sirupsen/logrus"
)

// sinkQueueSize bounds the writer queue; overflow drops the sample.
const sinkQueueSize = 1000

// DriftSample is one serialized drift diagnosis line.
type DriftSample struct {
	TS             string            `json:"ts"`
	Event          map[string]any    `json:"event"`
	MissingKeys    []string          `json:"missing_keys"`
	TypeMismatches map[string]string `json:"type_mismatches"`
	UnexpectedKeys []string          `json:"unexpected_keys"`
}

// DriftSink appends drift samples to a JSON-lines file without blocking the
// caller: samples are marshaled on the submitting goroutine and handed to a
// single writer through a bounded queue that drops silently on overflow.
type DriftSink struct {
	ch   chan []byte
	done chan struct{}
	file *os.File
	log  *logrus.Entry
}

// NewDriftSink opens path for append, creating parent directories, and
// starts the writer goroutine.
func NewDriftSink(path string) (*DriftSink, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create drift sample dir: %w", err)
		}
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open drift sample file: %w", err)
	}

	s := &DriftSink{
		ch:   make(chan []byte, sinkQueueSize),
		done: make(chan struct{}),
		file: f,
		log:  logrus.WithField("prefix", "forensics"),
	}
	go s.run()
	return s, nil
}

// Submit queues one sample for writing. A full queue drops the sample
// silently; the sink must never stall the consumer.
func (s *DriftSink) Submit(sample DriftSample) {
	line, err := json.Marshal(sample)
	if err != nil {
		s.log.WithError(err).Warn("drift sample not serializable")
		return
	}
	select {
	case s.ch <- line:
	default:
	}
}

// Close stops the writer after draining queued samples and closes the file.
func (s *DriftSink) Close() {
	close(s.ch)
	<-s.done
}

func (s *DriftSink) run() {
	defer close(s.done)
	for line := range s.ch {
		if _, err := s.file.Write(append(line, '\n')); err != nil {
			s.log.WithError(err).Warn("drift sample write failed")
		}
	}
	if err := s.file.Close(); err != nil {
		s.log.WithError(err).Warn("drift sample file close failed")
	}
}
