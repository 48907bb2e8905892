package config

// Config is the on-disk configuration (JSON or YAML).
//
// All durations are Go duration strings (e.g. "500ms", "10s", "1m").
// Secrets are never stored inline except the optional redis password;
// platform credentials are read from the environment variable named by
// token_env.
type Config struct {
	Logging   LoggingConfig             `json:"logging"`
	Storage   StorageConfig             `json:"storage"`
	Scheduler SchedulerConfig           `json:"scheduler"`
	Pacing    PacingConfig              `json:"pacing"`
	API       APIConfig                 `json:"api"`
	Platforms map[string]PlatformConfig `json:"platforms,omitempty"`
}

type LoggingConfig struct {
	Level   string      `json:"level"`
	Console bool        `json:"console"`
	JSON    bool        `json:"json,omitempty"`
	File    LoggingFile `json:"file"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// StorageConfig selects the queue store.
//
// Example:
//
//	"storage": { "driver": "sqlite", "path": "./data/postqueue.db" }
type StorageConfig struct {
	Driver      string `json:"driver"`
	Path        string `json:"path,omitempty"`
	BusyTimeout string `json:"busy_timeout,omitempty"` // sqlite
	BusyRetries uint   `json:"busy_retries,omitempty"` // sqlite
}

// SchedulerConfig controls the delivery loop.
//
// Defaults (when fields are omitted/zero):
//   - tick: "1s"
//   - attempt_timeout: "30s"
//   - claim_reap_after: "10m" (never below 2x attempt_timeout)
//   - housekeeping.spec: "@every 1h"; "off" disables it
//   - housekeeping.retention: "0s" (finished posts are kept)
type SchedulerConfig struct {
	Enabled        bool               `json:"enabled"`
	Tick           string             `json:"tick,omitempty"`
	AttemptTimeout string             `json:"attempt_timeout,omitempty"`
	ClaimReapAfter string             `json:"claim_reap_after,omitempty"`
	Housekeeping   HousekeepingConfig `json:"housekeeping"`
}

type HousekeepingConfig struct {
	// Spec is a cron spec, a descriptor like "@every 30m", a daily "HH:MM"
	// or a bare Go duration.
	Spec      string `json:"spec,omitempty"`
	Retention string `json:"retention,omitempty"`
}

// PacingConfig selects where per-platform last-dispatch times live. The
// redis driver shares pacing between several processes.
type PacingConfig struct {
	Driver string      `json:"driver,omitempty"` // local|redis
	Redis  RedisConfig `json:"redis"`
}

type RedisConfig struct {
	Addr     string `json:"addr,omitempty"`
	Password string `json:"password,omitempty"` // do not log
	DB       int    `json:"db,omitempty"`
	Prefix   string `json:"prefix,omitempty"`
}

// APIConfig controls the HTTP API.
//
// Security note: there is no authentication. Keep addr on a loopback or
// private interface.
type APIConfig struct {
	Enabled    bool    `json:"enabled"`
	Addr       string  `json:"addr,omitempty"` // default: "127.0.0.1:8080"
	RatePerSec float64 `json:"rate_per_sec,omitempty"`
	Burst      int     `json:"burst,omitempty"`
	Pprof      bool    `json:"pprof,omitempty"`

	ReadTimeout  string `json:"read_timeout,omitempty"`
	WriteTimeout string `json:"write_timeout,omitempty"`
	IdleTimeout  string `json:"idle_timeout,omitempty"`
}

// Adapter kinds accepted in platforms.<id>.adapter.
const (
	AdapterWebhook  = "webhook"
	AdapterTelegram = "telegram"
	AdapterDryRun   = "dryrun"
)

// PlatformConfig overrides the built-in policy of a platform and selects
// its delivery adapter. Ids outside the built-in catalogue define a new
// platform and need char_limit.
//
// Enabled is a pointer so an omitted field keeps the platform on.
type PlatformConfig struct {
	Enabled     *bool  `json:"enabled,omitempty"`
	Name        string `json:"name,omitempty"`
	CharLimit   int    `json:"char_limit,omitempty"`
	MinDelay    string `json:"min_delay,omitempty"`
	MaxAttempts int    `json:"max_attempts,omitempty"`
	BackoffMax  string `json:"backoff_max,omitempty"`

	// Adapter is webhook|telegram|dryrun. Empty with dry_run=false leaves the
	// platform without credentials: its tasks fail permanently.
	Adapter  string `json:"adapter,omitempty"`
	Endpoint string `json:"endpoint,omitempty"`
	TokenEnv string `json:"token_env,omitempty"`
	ChatID   int64  `json:"chat_id,omitempty"`
	Timeout  string `json:"timeout,omitempty"`
	DryRun   bool   `json:"dry_run,omitempty"`
}

// IsEnabled reports the effective enabled flag.
func (p PlatformConfig) IsEnabled() bool { return p.Enabled == nil || *p.Enabled }
