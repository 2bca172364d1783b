// Package config loads the pipeline configuration from the environment.
// Every setting is read exactly once at startup; components receive the
// resulting Config by value and never consult the environment afterwards.
package config

import (
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
)

// Config holds every tunable of the processor, the ingester and the
// collaborating tools.
type Config struct {
	// Ingest listener bind.
	Host string
	Port int

	// Optional raw-event JSON-lines capture.
	Record     bool
	RecordFile string

	// Forensics subsystem.
	Forensics               bool
	DriftSampleFile         string
	IncidentsDir            string
	DuplicateLRUMax         int
	LatencyBufferSize       int
	LatencySpikeThresholdMs int64
	LatencySpikeConsecutive int
	FlightPreEvents         int
	FlightPostEvents        int
	FlightCooldown          time.Duration

	// Prometheus exposition.
	MetricsPort int

	// Optional live-tick publisher. Empty RedisAddr disables it.
	RedisAddr    string
	RedisChannel string

	// Ingester side.
	ProcessorHost string
	ProcessorPort int
	Symbols       []string
	CoinbaseWSURL string
	BackoffMax    time.Duration

	// Global log level, parsed with logrus.ParseLevel.
	LogLevel string
}

// FromEnv reads the full configuration table from the environment, applying
// defaults for anything unset. Malformed numeric values fall back to their
// default with a warning rather than failing startup.
func FromEnv() Config {
	return Config{
		Host: envString("HOST", "0.0.0.0"),
		Port: envInt("PORT", 9001),

		Record:     envBool("RECORD", false),
		RecordFile: envString("RECORD_FILE", "data/btcusd.jsonl"),

		Forensics:               envBool("FORENSICS", true),
		DriftSampleFile:         envString("DRIFT_SAMPLE_FILE", "data/drift_samples.jsonl"),
		IncidentsDir:            envString("INCIDENTS_DIR", "data/incidents"),
		DuplicateLRUMax:         envInt("DUPLICATE_LRU_MAX", 50000),
		LatencyBufferSize:       envInt("LATENCY_BUFFER_SIZE", 3000),
		LatencySpikeThresholdMs: int64(envInt("LATENCY_SPIKE_THRESHOLD_MS", 100)),
		LatencySpikeConsecutive: envInt("LATENCY_SPIKE_CONSECUTIVE", 2),
		FlightPreEvents:         envInt("FLIGHT_PRE_EVENTS", 5000),
		FlightPostEvents:        envInt("FLIGHT_POST_EVENTS", 2000),
		FlightCooldown:          time.Duration(envInt("FLIGHT_COOLDOWN_S", 60)) * time.Second,

		MetricsPort: envInt("METRICS_PORT", 9090),

		RedisAddr:    envString("REDIS_ADDR", ""),
		RedisChannel: envString("REDIS_CHANNEL", "mercurystream:ticks"),

		ProcessorHost: envString("PROCESSOR_HOST", "processor"),
		ProcessorPort: envInt("PROCESSOR_PORT", 9001),
		Symbols:       envList("SYMBOLS", "BTC-USD,ETH-USD,SOL-USD"),
		CoinbaseWSURL: envString("COINBASE_WS_URL", "wss://ws-feed.exchange.coinbase.com"),
		BackoffMax:    envSeconds("BACKOFF_MAX", 10.0),

		LogLevel: envString("LOG_LEVEL", "info"),
	}
}

// Validate rejects configurations no component could run with. It is called
// once in main, before any listener starts.
func (c Config) Validate() error {
	if c.Port < 1 || c.Port > 65535 {
		return fmt.Errorf("PORT %d out of range", c.Port)
	}
	if c.MetricsPort < 1 || c.MetricsPort > 65535 {
		return fmt.Errorf("METRICS_PORT %d out of range", c.MetricsPort)
	}
	if c.ProcessorPort < 1 || c.ProcessorPort > 65535 {
		return fmt.Errorf("PROCESSOR_PORT %d out of range", c.ProcessorPort)
	}
	if c.DuplicateLRUMax <= 0 {
		return fmt.Errorf("DUPLICATE_LRU_MAX must be positive, got %d", c.DuplicateLRUMax)
	}
	if c.LatencyBufferSize <= 0 {
		return fmt.Errorf("LATENCY_BUFFER_SIZE must be positive, got %d", c.LatencyBufferSize)
	}
	if c.LatencySpikeThresholdMs <= 0 {
		return fmt.Errorf("LATENCY_SPIKE_THRESHOLD_MS must be positive, got %d", c.LatencySpikeThresholdMs)
	}
	if c.LatencySpikeConsecutive < 1 {
		return fmt.Errorf("LATENCY_SPIKE_CONSECUTIVE must be at least 1, got %d", c.LatencySpikeConsecutive)
	}
	if c.FlightPreEvents <= 0 {
		return fmt.Errorf("FLIGHT_PRE_EVENTS must be positive, got %d", c.FlightPreEvents)
	}
	if c.FlightPostEvents < 0 {
		return fmt.Errorf("FLIGHT_POST_EVENTS must not be negative, got %d", c.FlightPostEvents)
	}
	if c.FlightCooldown < 0 {
		return fmt.Errorf("FLIGHT_COOLDOWN_S must not be negative, got %s", c.FlightCooldown)
	}
	if c.Record && c.RecordFile == "" {
		return fmt.Errorf("RECORD is enabled but RECORD_FILE is empty")
	}
	if c.Forensics && (c.DriftSampleFile == "" || c.IncidentsDir == "") {
		return fmt.Errorf("FORENSICS is enabled but DRIFT_SAMPLE_FILE or INCIDENTS_DIR is empty")
	}
	return nil
}

// ListenAddr returns the ingest bind address.
func (c Config) ListenAddr() string {
	return net.JoinHostPort(c.Host, strconv.Itoa(c.Port))
}

// MetricsAddr returns the Prometheus exposition bind address.
func (c Config) MetricsAddr() string {
	return fmt.Sprintf(":%d", c.MetricsPort)
}

// ProcessorAddr returns the address the ingester forwards frames to.
func (c Config) ProcessorAddr() string {
	return net.JoinHostPort(c.ProcessorHost, strconv.Itoa(c.ProcessorPort))
}

func envString(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

// envBool is true only for the literal "true", case-insensitively. Any other
// value, including "1" and "yes", is false.
func envBool(key string, def bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	return strings.EqualFold(v, "true")
}

func envInt(key string, def int) int {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		logrus.Warnf("config: invalid %s=%q, using default %d", key, v, def)
		return def
	}
	return n
}

func envSeconds(key string, def float64) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return time.Duration(def * float64(time.Second))
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		logrus.Warnf("config: invalid %s=%q, using default %gs", key, v, def)
		return time.Duration(def * float64(time.Second))
	}
	return time.Duration(f * float64(time.Second))
}

func envList(key, def string) []string {
	v := os.Getenv(key)
	if v == "" {
		v = def
	}
	var out []string
	for _, part := range strings.Split(v, ",") {
		if s := strings.TrimSpace(part); s != "" {
			out = append(out, s)
		}
	}
	return out
}
