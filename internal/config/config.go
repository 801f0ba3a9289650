// Package config loads kiln configuration from environment variables and
// constructs the structured logger used throughout the daemon.
package config

import (
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"runtime"
	"strconv"
	"strings"
	"time"
)

const (
	defaultListenAddr    = ":8080"
	defaultDBPath        = "kiln.db"
	defaultTimeoutS      = 30
	defaultRetryMax      = 3
	defaultRetryBase     = 100 * time.Millisecond
	defaultRetryMaxWait  = 30 * time.Second
	defaultRetryJitter   = 50 * time.Millisecond
	defaultCoreletGrace  = 3 * time.Second
	defaultSchedulerTick = 500 * time.Millisecond

	envListenAddr    = "KILN_LISTEN_ADDR"
	envDBPath        = "KILN_DB_PATH"
	envLogLevel      = "KILN_LOG_LEVEL"
	envWorkers       = "KILN_WORKERS"
	envTimeoutS      = "KILN_DEFAULT_TIMEOUT_S"
	envRetryMax      = "KILN_RETRY_MAX"
	envRetryBase     = "KILN_RETRY_BASE"
	envRetryMaxWait  = "KILN_RETRY_MAX_BACKOFF"
	envRetryJitter   = "KILN_RETRY_JITTER"
	envCoreletGrace  = "KILN_CORELET_GRACE"
	envRateLimits    = "KILN_RATE_LIMITS"
	envSnapshots     = "KILN_SNAPSHOTS"
	envCoreletCmd    = "KILN_CORELET_CMD"
	envSchedulerTick = "KILN_SCHEDULER_TICK"
)

// RateLimit holds the admission parameters for one message type.
// Rate/Burst configure the token bucket variant; Limit/WindowS configure
// the sliding window variant. A type sets one pair or the other.
type RateLimit struct {
	Rate    float64 `json:"rate"`
	Burst   int     `json:"burst"`
	Limit   int     `json:"limit"`
	WindowS float64 `json:"window_s"`
}

// Config holds application configuration loaded from environment variables.
type Config struct {
	ListenAddr string
	DBPath     string
	LogLevel   slog.Level

	// Workers sizes the dispatcher's worker pool, which also bounds the
	// number of concurrently live corelets.
	Workers int

	// DefaultTimeoutS applies to submissions that do not set a timeout.
	DefaultTimeoutS int

	// Retry defaults.
	RetryMax     int
	RetryBase    time.Duration
	RetryMaxWait time.Duration
	RetryJitter  time.Duration

	// CoreletGrace is the SIGTERM-to-SIGKILL window for corelet teardown.
	CoreletGrace time.Duration

	// CoreletCmd overrides the corelet child command line. Empty re-execs
	// the daemon binary itself.
	CoreletCmd []string

	// SchedulerTick is the scheduler's polling interval.
	SchedulerTick time.Duration

	// RateLimits maps message type to its admission parameters.
	RateLimits map[string]RateLimit

	// Snapshots enables persisting completed task/result pairs to the store.
	Snapshots bool
}

// Load reads configuration from environment variables with sensible defaults.
// A malformed KILN_RATE_LIMITS value is the only load-time error.
func Load() (Config, error) {
	cfg := Config{
		ListenAddr:      defaultListenAddr,
		DBPath:          defaultDBPath,
		LogLevel:        slog.LevelInfo,
		Workers:         runtime.NumCPU(),
		DefaultTimeoutS: defaultTimeoutS,
		RetryMax:        defaultRetryMax,
		RetryBase:       defaultRetryBase,
		RetryMaxWait:    defaultRetryMaxWait,
		RetryJitter:     defaultRetryJitter,
		CoreletGrace:    defaultCoreletGrace,
		SchedulerTick:   defaultSchedulerTick,
		RateLimits:      map[string]RateLimit{},
	}

	if v := os.Getenv(envListenAddr); v != "" {
		cfg.ListenAddr = v
	}
	if v := os.Getenv(envDBPath); v != "" {
		cfg.DBPath = v
	}
	if v := os.Getenv(envLogLevel); v != "" {
		cfg.LogLevel = parseLogLevel(v)
	}
	if n, ok := intEnv(envWorkers); ok && n > 0 {
		cfg.Workers = n
	}
	if n, ok := intEnv(envTimeoutS); ok && n > 0 {
		cfg.DefaultTimeoutS = n
	}
	if n, ok := intEnv(envRetryMax); ok && n >= 0 {
		cfg.RetryMax = n
	}
	if d, ok := durationEnv(envRetryBase); ok {
		cfg.RetryBase = d
	}
	if d, ok := durationEnv(envRetryMaxWait); ok {
		cfg.RetryMaxWait = d
	}
	if d, ok := durationEnv(envRetryJitter); ok {
		cfg.RetryJitter = d
	}
	if d, ok := durationEnv(envCoreletGrace); ok {
		cfg.CoreletGrace = d
	}
	if d, ok := durationEnv(envSchedulerTick); ok && d > 0 {
		cfg.SchedulerTick = d
	}
	if v := os.Getenv(envSnapshots); v != "" {
		cfg.Snapshots = v == "1" || strings.EqualFold(v, "true")
	}
	if v := os.Getenv(envCoreletCmd); v != "" {
		cfg.CoreletCmd = strings.Fields(v)
	}

	if v := os.Getenv(envRateLimits); v != "" {
		if err := json.Unmarshal([]byte(v), &cfg.RateLimits); err != nil {
			return cfg, fmt.Errorf("parse %s: %w", envRateLimits, err)
		}
	}

	return cfg, nil
}

func intEnv(key string) (int, bool) {
	v := os.Getenv(key)
	if v == "" {
		return 0, false
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, false
	}
	return n, true
}

func durationEnv(key string) (time.Duration, bool) {
	v := os.Getenv(key)
	if v == "" {
		return 0, false
	}
	d, err := time.ParseDuration(v)
	if err != nil || d < 0 {
		return 0, false
	}
	return d, true
}

func parseLogLevel(s string) slog.Level {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug
	case "info":
		return slog.LevelInfo
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// NewLogger creates a structured JSON logger writing to w at the configured level.
func NewLogger(w io.Writer, level slog.Level) *slog.Logger {
	return slog.New(slog.NewJSONHandler(w, &slog.HandlerOptions{
		Level: level,
	}))
}
