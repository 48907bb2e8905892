package scheduler

import (
	"time"

	"postqueue/internal/delivery"
	"postqueue/internal/eventbus"
	"postqueue/internal/pacing"
	"postqueue/internal/platform"
	"postqueue/internal/runtime/supervisor"
	"postqueue/internal/storage"
	logx "postqueue/pkg/logx"
)

// Event types published on the bus.
const (
	EventClaimed   = "task.claimed"
	EventSent      = "task.sent"
	EventRetry     = "task.retry"
	EventFailed    = "task.failed"
	EventExhausted = "task.exhausted"
	EventReleased  = "task.released"
	EventTickError = "tick.error"
)

const (
	DefaultTick           = time.Second
	DefaultAttemptTimeout = 30 * time.Second
	DefaultClaimReapAfter = 10 * time.Minute
	DefaultHousekeeping   = "@every 1h"
)

type Config struct {
	Tick           time.Duration
	AttemptTimeout time.Duration
	// ClaimReapAfter is the age after which housekeeping returns a CLAIMED
	// task to PENDING. It is never shorter than twice AttemptTimeout.
	ClaimReapAfter time.Duration
	Housekeeping   Housekeeping
	// SharedStore means other processes claim from the same store. Start
	// then leaves fresh claims alone.
	SharedStore bool
}

// Housekeeping runs on a cron schedule. An empty Spec disables it.
// Retention 0 keeps finished posts forever.
type Housekeeping struct {
	Spec      string
	Retention time.Duration
}

func (c Config) withDefaults() Config {
	if c.Tick <= 0 {
		c.Tick = DefaultTick
	}
	if c.AttemptTimeout <= 0 {
		c.AttemptTimeout = DefaultAttemptTimeout
	}
	if c.ClaimReapAfter <= 0 {
		c.ClaimReapAfter = DefaultClaimReapAfter
	}
	if c.ClaimReapAfter < 2*c.AttemptTimeout {
		c.ClaimReapAfter = 2 * c.AttemptTimeout
	}
	return c
}

type Deps struct {
	Store    storage.Store
	Registry *platform.Registry
	Adapters *delivery.Registry
	Pacer    pacing.Pacer     // defaults to pacing.NewLocal()
	Bus      eventbus.Bus     // optional
	Log      logx.Logger      // optional
	Now      func() time.Time // defaults to time.Now
}

// TaskEvent is the Data of every task.* event.
type TaskEvent struct {
	TaskID           string        `json:"task_id"`
	PostID           string        `json:"post_id"`
	Platform         string        `json:"platform"`
	Attempt          int           `json:"attempt"`
	Outcome          string        `json:"outcome,omitempty"`
	Error            string        `json:"error,omitempty"`
	NextAttemptAfter time.Time     `json:"next_attempt_after,omitzero"`
	Duration         time.Duration `json:"duration"`
}

// TickError is the Data of tick.error events.
type TickError struct {
	Platform string `json:"platform"`
	Op       string `json:"op"`
	Error    string `json:"error"`
}

type LaneInfo struct {
	Platform     string    `json:"platform"`
	InFlight     bool      `json:"in_flight"`
	LastDispatch time.Time `json:"last_dispatch,omitzero"`
	LastOutcome  string    `json:"last_outcome,omitempty"`
}

type Counters struct {
	Ticks       uint64 `json:"ticks"`
	Claimed     uint64 `json:"claimed"`
	Sent        uint64 `json:"sent"`
	Retried     uint64 `json:"retried"`
	Failed      uint64 `json:"failed"`
	Exhausted   uint64 `json:"exhausted"`
	Released    uint64 `json:"released"`
	ClaimsLost  uint64 `json:"claims_lost"`
	StoreErrors uint64 `json:"store_errors"`
}

type HousekeepingInfo struct {
	Spec      string        `json:"spec,omitempty"`
	Retention time.Duration `json:"retention"`
	Next      time.Time     `json:"next,omitzero"`
	Prev      time.Time     `json:"prev,omitzero"`
}

type Snapshot struct {
	Running        bool                `json:"running"`
	Paused         bool                `json:"paused"`
	Tick           time.Duration       `json:"tick"`
	AttemptTimeout time.Duration       `json:"attempt_timeout"`
	LastTick       time.Time           `json:"last_tick,omitzero"`
	Lanes          []LaneInfo          `json:"lanes"`
	Counters       Counters            `json:"counters"`
	Housekeeping   HousekeepingInfo    `json:"housekeeping"`
	Supervisor     supervisor.Snapshot `json:"supervisor"`
}
