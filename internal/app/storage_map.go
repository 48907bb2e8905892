package app

import (
	"strings"
	"time"

	"postqueue/internal/config"
	"postqueue/internal/httpapi"
	"postqueue/internal/pacing"
	"postqueue/internal/scheduler"
	"postqueue/internal/storage"
	logx "postqueue/pkg/logx"
)

func mapLogConfig(cfg *config.Config) logx.Config {
	return logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		JSON:    cfg.Logging.JSON,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
	}
}

func mapStorageConfig(cfg *config.Config) (storage.Config, error) {
	sc := cfg.Storage
	driver := strings.ToLower(strings.TrimSpace(sc.Driver))
	if driver == "" {
		driver = "sqlite"
	}
	busy, err := config.ParseDurationOrDefault("storage.busy_timeout", sc.BusyTimeout, 5*time.Second)
	if err != nil {
		return storage.Config{}, err
	}
	return storage.Config{
		Driver:      driver,
		Path:        strings.TrimSpace(sc.Path),
		BusyTimeout: busy,
		BusyRetries: sc.BusyRetries,
	}, nil
}

func mapSchedulerConfig(cfg *config.Config) (scheduler.Config, error) {
	sc := cfg.Scheduler
	tick, err := config.ParseDurationOrDefault("scheduler.tick", sc.Tick, scheduler.DefaultTick)
	if err != nil {
		return scheduler.Config{}, err
	}
	attempt, err := config.ParseDurationOrDefault("scheduler.attempt_timeout", sc.AttemptTimeout, scheduler.DefaultAttemptTimeout)
	if err != nil {
		return scheduler.Config{}, err
	}
	reap, err := config.ParseDurationOrDefault("scheduler.claim_reap_after", sc.ClaimReapAfter, scheduler.DefaultClaimReapAfter)
	if err != nil {
		return scheduler.Config{}, err
	}
	retention, err := config.ParseDurationField("scheduler.housekeeping.retention", sc.Housekeeping.Retention)
	if err != nil {
		return scheduler.Config{}, err
	}
	spec := strings.TrimSpace(sc.Housekeeping.Spec)
	if spec == "" {
		spec = scheduler.DefaultHousekeeping
	}
	return scheduler.Config{
		Tick:           tick,
		AttemptTimeout: attempt,
		ClaimReapAfter: reap,
		Housekeeping:   scheduler.Housekeeping{Spec: spec, Retention: retention},
		SharedStore:    sharedPacing(cfg),
	}, nil
}

// sharedPacing reports whether other processes may be claiming from the
// same store.
func sharedPacing(cfg *config.Config) bool {
	return strings.EqualFold(strings.TrimSpace(cfg.Pacing.Driver), "redis")
}

func mapPacingConfig(cfg *config.Config) pacing.Config {
	r := cfg.Pacing.Redis
	return pacing.Config{
		Driver: cfg.Pacing.Driver,
		Redis: pacing.RedisConfig{
			Addr:     strings.TrimSpace(r.Addr),
			Password: r.Password,
			DB:       r.DB,
			Prefix:   r.Prefix,
		},
	}
}

func mapAPIConfig(cfg *config.Config) (httpapi.Config, error) {
	ac := cfg.API
	read, err := config.ParseDurationOrDefault("api.read_timeout", ac.ReadTimeout, 15*time.Second)
	if err != nil {
		return httpapi.Config{}, err
	}
	// WriteTimeout stays 0 by default so /debug/pprof/profile can run 30s+.
	write, err := config.ParseDurationField("api.write_timeout", ac.WriteTimeout)
	if err != nil {
		return httpapi.Config{}, err
	}
	idle, err := config.ParseDurationOrDefault("api.idle_timeout", ac.IdleTimeout, 60*time.Second)
	if err != nil {
		return httpapi.Config{}, err
	}
	return httpapi.Config{
		Enabled:      ac.Enabled,
		Addr:         strings.TrimSpace(ac.Addr),
		RatePerSec:   ac.RatePerSec,
		Burst:        ac.Burst,
		Pprof:        ac.Pprof,
		ReadTimeout:  read,
		WriteTimeout: write,
		IdleTimeout:  idle,
	}, nil
}
