package main

import (
	"context"
	"log"
	"os"
	"time"

	"github.com/sdewitt/kiln/internal/api"
	"github.com/sdewitt/kiln/internal/config"
	"github.com/sdewitt/kiln/internal/corelet"
	"github.com/sdewitt/kiln/internal/dispatch"
	"github.com/sdewitt/kiln/internal/handlers"
	"github.com/sdewitt/kiln/internal/ratelimit"
	"github.com/sdewitt/kiln/internal/store"
)

const shutdownTimeout = 10 * time.Second

func main() {
	// When re-executed as a corelet child this call never returns.
	corelet.Main(handlers.Builtin())

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("load config: %v", err)
	}
	logger := config.NewLogger(os.Stdout, cfg.LogLevel)

	logger.Info("kilnd: starting",
		"listen_addr", cfg.ListenAddr,
		"workers", cfg.Workers,
		"snapshots", cfg.Snapshots,
	)

	var snaps store.Store
	var opts []dispatch.Option
	if cfg.Snapshots {
		db, err := store.NewSQLiteStore(cfg.DBPath)
		if err != nil {
			log.Fatalf("open snapshot database: %v", err)
		}
		defer db.Close()
		snaps = db
		opts = append(opts, dispatch.WithSnapshots(db))
	}

	reg := handlers.Builtin()
	d := dispatch.New(dispatch.Config{
		Workers:         cfg.Workers,
		DefaultTimeoutS: cfg.DefaultTimeoutS,
		RetryBase:       cfg.RetryBase,
		RetryMaxWait:    cfg.RetryMaxWait,
		RetryJitter:     cfg.RetryJitter,
		CoreletGrace:    cfg.CoreletGrace,
		CoreletCommand:  cfg.CoreletCmd,
		SchedulerTick:   cfg.SchedulerTick,
	}, reg, buildGate(cfg), logger, opts...)

	srv := api.NewServer(api.ServerConfig{
		Addr:            cfg.ListenAddr,
		DefaultRetryMax: cfg.RetryMax,
		DefaultTimeoutS: cfg.DefaultTimeoutS,
	}, d, snaps, reg, logger)

	if err := srv.Run(); err != nil {
		logger.Error("server error", "error", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := d.Shutdown(ctx, cfg.CoreletGrace); err != nil {
		logger.Warn("forced shutdown", "error", err)
	}
}

// buildGate assembles the per-type admission gate from configuration.
// Types with a window limit use the sliding window variant; everything
// else with a rate uses the token bucket.
func buildGate(cfg config.Config) ratelimit.Gate {
	buckets := make(map[string]ratelimit.BucketConfig)
	windows := make(map[string]ratelimit.WindowConfig)
	for msgType, rl := range cfg.RateLimits {
		if rl.Limit > 0 {
			windows[msgType] = ratelimit.WindowConfig{
				Limit:  rl.Limit,
				Window: time.Duration(rl.WindowS * float64(time.Second)),
			}
			continue
		}
		buckets[msgType] = ratelimit.BucketConfig{Rate: rl.Rate, Burst: rl.Burst}
	}

	bucketGate := ratelimit.NewTokenBucket(buckets)
	windowGate := ratelimit.NewSlidingWindow(windows)

	gates := make(map[string]ratelimit.Gate)
	for msgType := range buckets {
		gates[msgType] = bucketGate
	}
	for msgType := range windows {
		gates[msgType] = windowGate
	}
	return ratelimit.NewMulti(gates)
}
