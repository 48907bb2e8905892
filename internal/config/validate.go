package config

import (
	"errors"
	"fmt"
	"sort"
	"strings"
)

// Validate checks what can be checked without touching the outside world:
// drivers, adapter kinds, durations and required fields. It reports every
// problem found, joined.
func Validate(cfg *Config) error {
	if cfg == nil {
		return errors.New("config is nil")
	}
	var errs []error
	add := func(err error) {
		if err != nil {
			errs = append(errs, err)
		}
	}
	dur := func(path, raw string) {
		_, err := ParseDurationField(path, raw)
		add(err)
	}

	if cfg.Logging.File.Enabled && strings.TrimSpace(cfg.Logging.File.Path) == "" {
		add(errors.New("logging.file.path is required when file logging is enabled"))
	}

	switch d := strings.ToLower(strings.TrimSpace(cfg.Storage.Driver)); d {
	case "", "sqlite":
		if strings.TrimSpace(cfg.Storage.Path) == "" {
			add(errors.New("storage.path is required for the sqlite driver"))
		}
	case "memory":
	default:
		add(fmt.Errorf("storage.driver: unsupported %q (want sqlite|memory)", cfg.Storage.Driver))
	}
	dur("storage.busy_timeout", cfg.Storage.BusyTimeout)

	dur("scheduler.tick", cfg.Scheduler.Tick)
	dur("scheduler.attempt_timeout", cfg.Scheduler.AttemptTimeout)
	dur("scheduler.claim_reap_after", cfg.Scheduler.ClaimReapAfter)
	dur("scheduler.housekeeping.retention", cfg.Scheduler.Housekeeping.Retention)

	switch d := strings.ToLower(strings.TrimSpace(cfg.Pacing.Driver)); d {
	case "", "local", "memory":
	case "redis":
		if strings.TrimSpace(cfg.Pacing.Redis.Addr) == "" {
			add(errors.New("pacing.redis.addr is required for the redis driver"))
		}
	default:
		add(fmt.Errorf("pacing.driver: unsupported %q (want local|redis)", cfg.Pacing.Driver))
	}

	if cfg.API.RatePerSec < 0 {
		add(errors.New("api.rate_per_sec must be >= 0"))
	}
	if cfg.API.Burst < 0 {
		add(errors.New("api.burst must be >= 0"))
	}
	dur("api.read_timeout", cfg.API.ReadTimeout)
	dur("api.write_timeout", cfg.API.WriteTimeout)
	dur("api.idle_timeout", cfg.API.IdleTimeout)

	ids := make([]string, 0, len(cfg.Platforms))
	for id := range cfg.Platforms {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for _, id := range ids {
		p := cfg.Platforms[id]
		path := "platforms." + id
		if strings.TrimSpace(id) == "" {
			add(errors.New("platforms: empty platform id"))
			continue
		}
		if p.CharLimit < 0 {
			add(fmt.Errorf("%s.char_limit must be >= 0", path))
		}
		if p.MaxAttempts < 0 {
			add(fmt.Errorf("%s.max_attempts must be >= 0", path))
		}
		dur(path+".min_delay", p.MinDelay)
		dur(path+".backoff_max", p.BackoffMax)
		dur(path+".timeout", p.Timeout)

		switch strings.ToLower(strings.TrimSpace(p.Adapter)) {
		case "", AdapterDryRun:
		case AdapterWebhook:
			if strings.TrimSpace(p.Endpoint) == "" {
				add(fmt.Errorf("%s.endpoint is required for the webhook adapter", path))
			}
		case AdapterTelegram:
			if strings.TrimSpace(p.TokenEnv) == "" {
				add(fmt.Errorf("%s.token_env is required for the telegram adapter", path))
			}
			if p.ChatID == 0 {
				add(fmt.Errorf("%s.chat_id is required for the telegram adapter", path))
			}
		default:
			add(fmt.Errorf("%s.adapter: unsupported %q (want webhook|telegram|dryrun)", path, p.Adapter))
		}
	}
	return errors.Join(errs...)
}
