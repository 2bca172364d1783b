// Package incident turns flight-recorder bundles (meta.json plus
// events.jsonl) into markdown incident reports: what fired, what the event
// window looked like, and the evidence backing the trigger.
package incident

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
)

// maxEventLine bounds a single events.jsonl line, matching the wire frame
// limit the events arrived under.
const maxEventLine = 1 << 20

// Meta mirrors a bundle's meta.json document.
type Meta struct {
	IncidentID  string `json:"incident_id"`
	Reason      string `json:"reason"`
	Timestamp   string `json:"timestamp"`
	PreEvents   int    `json:"pre_events"`
	PostEvents  int    `json:"post_events"`
	TotalEvents int    `json:"total_events"`
}

// Load reads a bundle directory. Unparseable event lines are skipped; a
// bundle cut short mid-write still yields its readable prefix.
func Load(dir string) (Meta, []map[string]any, error) {
	data, err := os.ReadFile(filepath.Join(dir, "meta.json"))
	if err != nil {
		return Meta{}, nil, fmt.Errorf("read meta.json: %w", err)
	}
	var meta Meta
	if err := json.Unmarshal(data, &meta); err != nil {
		return Meta{}, nil, fmt.Errorf("parse meta.json: %w", err)
	}

	f, err := os.Open(filepath.Join(dir, "events.jsonl"))
	if err != nil {
		return Meta{}, nil, fmt.Errorf("open events.jsonl: %w", err)
	}
	defer f.Close()

	var events []map[string]any
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), maxEventLine)
	for sc.Scan() {
		line := bytes.TrimSpace(sc.Bytes())
		if len(line) == 0 {
			continue
		}
		var ev map[string]any
		if err := json.Unmarshal(line, &ev); err != nil {
			continue
		}
		events = append(events, ev)
	}
	if err := sc.Err(); err != nil {
		return Meta{}, nil, fmt.Errorf("scan events.jsonl: %w", err)
	}
	return meta, events, nil
}
