// Stress generates synthetic ticker events at high volume and reports
// throughput and send latency. Trade ids and sequences are unique across the
// whole run so a clean load test does not trip the duplicate detector.
//
//	stress -duration 30s -rate 5000
//	stress -count 100000 -rate 0 -connections 4
package main

import (
	"flag"
	"fmt"
	"math"
	"math/rand"
	"net"
	"os"
	"sort"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"

	"github.com/mercurystream/backend/internal/logging"
	"github.com/mercurystream/backend/pkg/feed"
)

const (
	batchSize      = 10
	maxLatencies   = 100000
	reportInterval = 2 * time.Second
)

var log = logrus.WithField("prefix", "stress")

var symbols = []string{"BTC-USD", "ETH-USD", "SOL-USD"}

var basePrices = map[string]float64{
	"BTC-USD": 95000,
	"ETH-USD": 3500,
	"SOL-USD": 200,
}

// seq is shared across connections so trade ids stay unique within a run.
var seq atomic.Int64

type runConfig struct {
	rate     float64
	duration time.Duration
	count    int
	symbol   string
}

type stats struct {
	sent   atomic.Int64
	errors atomic.Int64
	start  time.Time

	mu        sync.Mutex
	latencies []float64
}

// recordSend counts one sent event and keeps the latency sample unless the
// buffer is already at its cap.
func (s *stats) recordSend(latencyMs float64) {
	s.sent.Add(1)
	s.mu.Lock()
	if len(s.latencies) < maxLatencies {
		s.latencies = append(s.latencies, latencyMs)
	}
	s.mu.Unlock()
}

func (s *stats) throughput() float64 {
	elapsed := time.Since(s.start).Seconds()
	if elapsed <= 0 {
		return 0
	}
	return float64(s.sent.Load()) / elapsed
}

func (s *stats) snapshotLatencies() []float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]float64, len(s.latencies))
	copy(out, s.latencies)
	return out
}

func (s *stats) report() string {
	lat := s.snapshotLatencies()
	sort.Float64s(lat)
	return fmt.Sprintf("sent=%d | errors=%d | throughput=%.0f/s | p50=%.2fms | p95=%.2fms | p99=%.2fms | elapsed=%.1fs",
		s.sent.Load(), s.errors.Load(), s.throughput(),
		percentile(lat, 50), percentile(lat, 95), percentile(lat, 99),
		time.Since(s.start).Seconds())
}

// percentile expects latencies sorted ascending.
func percentile(sorted []float64, p float64) float64 {
	if len(sorted) == 0 {
		return 0
	}
	idx := int(float64(len(sorted)) * p / 100)
	if idx > len(sorted)-1 {
		idx = len(sorted) - 1
	}
	return sorted[idx]
}

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
		rate        = flag.Float64("rate", 1000, "events per second across all connections (0 = unlimited)")
		duration    = flag.Duration("duration", 0, "test duration (0 = run until -count)")
		count       = flag.Int("count", 0, "total events to send (0 = run until -duration)")
		connections = flag.Int("connections", 1, "number of parallel connections")
		symbol      = flag.String("symbol", "", "symbol to use (default: random)")
		host        = flag.String("host", envDefault("P2_HOST", "localhost"), "processor host")
		port        = flag.Int("port", defaultPort, "processor port")
	)
	flag.Parse()

	if *duration == 0 && *count == 0 {
		*duration = 10 * time.Second
	}
	if *connections < 1 {
		*connections = 1
	}

	perConnRate := 0.0
	if *rate > 0 {
		perConnRate = *rate / float64(*connections)
	}
	perConnCount := 0
	if *count > 0 {
		perConnCount = *count / *connections
	}

	log.Infof("stress test: rate=%g/s duration=%s count=%d", *rate, *duration, *count)
	log.Infof("starting %d parallel connections (%.0f/s each)", *connections, perConnRate)

	addr := net.JoinHostPort(*host, strconv.Itoa(*port))
	st := &stats{start: time.Now()}

	done := make(chan struct{})
	go reportStats(st, done)

	var wg sync.WaitGroup
	for i := 0; i < *connections; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			runConnection(addr, runConfig{
				rate:     perConnRate,
				duration: *duration,
				count:    perConnCount,
				symbol:   *symbol,
			}, st)
		}()
	}
	wg.Wait()
	close(done)

	printResults(st, *connections)
}

// runConnection drives one connection until its duration elapses or its share
// of the event count is sent.
func runConnection(addr string, cfg runConfig, st *stats) {
	client, err := feed.Dial(addr)
	if err != nil {
		log.Errorf("connection failed: %v", err)
		st.errors.Add(1)
		return
	}
	defer client.Close()

	limiter := newRateLimiter(cfg.rate)
	sent := 0

	var deadline time.Time
	if cfg.duration > 0 {
		deadline = st.start.Add(cfg.duration)
	}
	keepGoing := func() bool {
		if cfg.duration > 0 {
			return time.Now().Before(deadline)
		}
		if cfg.count > 0 {
			return sent < cfg.count
		}
		return true
	}

	for keepGoing() {
		for i := 0; i < batchSize && keepGoing(); i++ {
			event := generateEvent(cfg.symbol)

			sendStart := time.Now()
			if err := client.Send(event); err != nil {
				st.errors.Add(1)
				log.Errorf("connection lost: %v", err)
				return
			}
			st.recordSend(time.Since(sendStart).Seconds() * 1000)
			sent++
			limiter.wait()
		}
	}
}

// generateEvent builds a synthetic ticker with gaussian price noise and
// exponentially distributed trade sizes.
func generateEvent(symbol string) map[string]any {
	sym := symbol
	if sym == "" {
		sym = symbols[rand.Intn(len(symbols))]
	}
	base, ok := basePrices[sym]
	if !ok {
		base = 100
	}

	n := seq.Add(1) - 1
	price := base * (1 + rand.NormFloat64()*0.001)
	size := rand.ExpFloat64() * 0.1

	return map[string]any{
		"type":         "ticker",
		"product_id":   sym,
		"price":        math.Round(price*100) / 100,
		"last_size":    math.Round(size*1e8) / 1e8,
		"time":         time.Now().UTC().Format("2006-01-02T15:04:05") + ".000000Z",
		"trade_id":     900000000 + n,
		"sequence":     n,
		"ingest_ts_ms": time.Now().UnixMilli(),
	}
}

func reportStats(st *stats, done <-chan struct{}) {
	ticker := time.NewTicker(reportInterval)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			log.Info(st.report())
		}
	}
}

func printResults(st *stats, connections int) {
	lat := st.snapshotLatencies()
	sort.Float64s(lat)
	elapsed := time.Since(st.start).Seconds()

	separator := "============================================================"
	fmt.Println("\n" + separator)
	fmt.Println("STRESS TEST COMPLETE")
	fmt.Println(separator)
	fmt.Printf("Connections:  %d\n", connections)
	fmt.Printf("Total sent:   %d\n", st.sent.Load())
	fmt.Printf("Total errors: %d\n", st.errors.Load())
	fmt.Printf("Duration:     %.1fs\n", elapsed)
	if elapsed > 0 {
		fmt.Printf("Throughput:   %.0f/s\n", float64(st.sent.Load())/elapsed)
	}
	if len(lat) > 0 {
		fmt.Printf("Latency p50:  %.2fms\n", percentile(lat, 50))
		fmt.Printf("Latency p95:  %.2fms\n", percentile(lat, 95))
		fmt.Printf("Latency p99:  %.2fms\n", percentile(lat, 99))
	}
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
