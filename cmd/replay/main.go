// Replay streams a recorded JSON-lines event file back into the processor,
// optionally corrupting it on the way: window shuffling for out-of-order
// delivery, probabilistic duplicates, and schema drift. It is the tool for
// reproducing incident bundles.
//
//	replay -file data/btcusd.jsonl -rate 500
//	replay -file data/incidents/<id>/events.jsonl -rate 100 -shuffle-window 10 -duplicate-rate 0.05
package main

import (
	"bufio"
	"bytes"
	"encoding/json"
	"flag"
	"fmt"
	"maps"
	"math/rand"
	"net"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"

	"github.com/mercurystream/backend/internal/logging"
	"github.com/mercurystream/backend/pkg/feed"
)

var log = logrus.WithField("prefix", "replay")

func main() {
	godotenv.Load()
	logging.Setup(envDefault("LOG_LEVEL", "info"))

	defaultPort := 9001
	if v := os.Getenv("P2_PORT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			defaultPort = n
		}
	}

	var (
		file       = flag.String("file", "", "path to the JSONL file to replay")
		rate       = flag.Float64("rate", 0, "events per second (0 = unlimited)")
		shuffleWin = flag.Int("shuffle-window", 0, "shuffle events within windows of this size")
		dupRate    = flag.Float64("duplicate-rate", 0, "duplicate injection rate (0.0-1.0)")
		driftRate  = flag.Float64("drift-rate", 0, "schema drift injection rate (0.0-1.0)")
		keepStamps = flag.Bool("no-update-timestamps", false, "keep recorded ingest_ts_ms instead of refreshing it")
		host       = flag.String("host", envDefault("P2_HOST", "localhost"), "processor host")
		port       = flag.Int("port", defaultPort, "processor port")
	)
	flag.Parse()

	if *file == "" {
		log.Fatal("-file is required")
	}

	log.Infof("starting replay: file=%s rate=%g/s", *file, *rate)

	events, err := loadEvents(*file)
	if err != nil {
		log.Fatalf("%v", err)
	}
	if len(events) == 0 {
		log.Fatal("no events to replay")
	}
	log.Infof("loaded %d events", len(events))

	if *shuffleWin > 0 {
		log.Infof("shuffling within windows of %d", *shuffleWin)
		events = shuffleWindows(events, *shuffleWin)
	}
	if *dupRate > 0 {
		before := len(events)
		events = injectDuplicates(events, *dupRate)
		log.Infof("injected duplicates: %d -> %d events", before, len(events))
	}
	if *driftRate > 0 {
		events = injectDrift(events, *driftRate)
		log.Infof("injected schema drift: ~%d events", int(float64(len(events))*(*driftRate)))
	}

	addr := net.JoinHostPort(*host, strconv.Itoa(*port))
	log.Infof("connecting to processor at %s", addr)
	client, err := feed.Dial(addr)
	if err != nil {
		log.Fatalf("%v", err)
	}
	defer client.Close()

	limiter := newRateLimiter(*rate)
	sent := 0
	start := time.Now()

	for _, event := range events {
		if !*keepStamps {
			event["ingest_ts_ms"] = time.Now().UnixMilli()
		}
		if err := client.Send(event); err != nil {
			log.Errorf("connection lost: %v", err)
			break
		}
		sent++
		limiter.wait()

		if sent%1000 == 0 {
			elapsed := time.Since(start).Seconds()
			log.Infof("sent %d/%d events (%.1f/s)", sent, len(events), float64(sent)/elapsed)
		}
	}

	elapsed := time.Since(start).Seconds()
	actual := 0.0
	if elapsed > 0 {
		actual = float64(sent) / elapsed
	}
	log.Infof("replay complete: %d events in %.1fs (%.1f/s)", sent, elapsed, actual)
}

// loadEvents reads the whole JSONL file into memory, skipping blank and
// malformed lines.
func loadEvents(path string) ([]map[string]any, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	defer f.Close()

	var events []map[string]any
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 64*1024), 1<<20)
	for sc.Scan() {
		line := bytes.TrimSpace(sc.Bytes())
		if len(line) == 0 {
			continue
		}
		var event map[string]any
		if err := json.Unmarshal(line, &event); err != nil {
			log.Warnf("skipping invalid JSON: %v", err)
			continue
		}
		events = append(events, event)
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	return events, nil
}

// shuffleWindows randomizes order within consecutive windows of the given
// size to simulate out-of-order delivery.
func shuffleWindows(events []map[string]any, window int) []map[string]any {
	if window <= 1 {
		return events
	}
	for i := 0; i < len(events); i += window {
		end := i + window
		if end > len(events) {
			end = len(events)
		}
		w := events[i:end]
		rand.Shuffle(len(w), func(a, b int) { w[a], w[b] = w[b], w[a] })
	}
	return events
}

// injectDuplicates appends a copy immediately after an event at the given
// probability to exercise deduplication.
func injectDuplicates(events []map[string]any, rate float64) []map[string]any {
	out := make([]map[string]any, 0, len(events))
	for _, event := range events {
		out = append(out, event)
		if rand.Float64() < rate {
			out = append(out, maps.Clone(event))
		}
	}
	return out
}

// injectDrift corrupts a fraction of events with the schema violations the
// drift detector watches for.
func injectDrift(events []map[string]any, rate float64) []map[string]any {
	out := make([]map[string]any, 0, len(events))
	for _, event := range events {
		if rand.Float64() >= rate {
			out = append(out, event)
			continue
		}

		e := maps.Clone(event)
		switch rand.Intn(6) {
		case 0:
			delete(e, "price")
		case 1:
			delete(e, "type")
		case 2:
			e["price"] = stringify(e["price"])
		case 3:
			e["last_size"] = stringify(e["last_size"])
		case 4:
			e["unexpected_field"] = "drift_test"
			e["another_field"] = 12345
		case 5:
			delete(e, "price")
			delete(e, "last_size")
		}
		out = append(out, e)
	}
	return out
}

func stringify(v any) string {
	if v == nil {
		return "0"
	}
	return fmt.Sprintf("%v", v)
}

func envDefault(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

// rateLimiter is a token bucket: one token per event, refilled at the
// configured rate, bursts capped at ten tokens.
type rateLimiter struct {
	rate   float64
	tokens float64
	last   time.Time
}

func newRateLimiter(rate float64) *rateLimiter {
	return &rateLimiter{rate: rate, last: time.Now()}
}

func (l *rateLimiter) wait() {
	if l.rate <= 0 {
		return
	}

	now := time.Now()
	l.tokens += now.Sub(l.last).Seconds() * l.rate
	if l.tokens > 10 {
		l.tokens = 10
	}
	l.last = now

	if l.tokens < 1 {
		time.Sleep(time.Duration((1 - l.tokens) / l.rate * float64(time.Second)))
		l.tokens = 0
		return
	}
	l.tokens--
}
