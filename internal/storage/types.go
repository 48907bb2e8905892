package storage

import (
	"errors"
	"fmt"
	"time"
)

var (
	ErrNotFound     = errors.New("not found")
	ErrTaskInFlight = errors.New("task in flight")
	ErrNotClaimed   = errors.New("task is not claimed by this worker")
	ErrNotRetryable = errors.New("task is not in a retryable state")
	ErrClosed       = errors.New("store closed")
)

// Config configures storage.
//
// Driver values:
//   - "sqlite": SQLite database file (modernc.org/sqlite, no cgo)
//   - "memory": in-process maps; state is lost on exit
type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration // sqlite only; 0 means default
	// BusyRetries bounds retries of a statement that failed with SQLITE_BUSY.
	BusyRetries uint
}

type State string

const (
	StatePending   State = "PENDING"
	StateClaimed   State = "CLAIMED"
	StateSent      State = "SENT"
	StateFailed    State = "FAILED"
	StateExhausted State = "EXHAUSTED"
)

// Terminal reports whether the scheduler will never pick the task up again
// on its own.
func (s State) Terminal() bool {
	return s == StateSent || s == StateFailed || s == StateExhausted
}

func (s State) Valid() bool {
	switch s {
	case StatePending, StateClaimed, StateSent, StateFailed, StateExhausted:
		return true
	}
	return false
}

// Post is a content item addressed to one or more platforms.
type Post struct {
	ID           string    `json:"id"`
	Body         string    `json:"body"`
	Platforms    []string  `json:"platforms"`
	ScheduledFor time.Time `json:"scheduled_for"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// Task is one delivery obligation: a post on one platform.
type Task struct {
	ID               string    `json:"id"`
	PostID           string    `json:"post_id"`
	Platform         string    `json:"platform"`
	State            State     `json:"state"`
	ScheduledFor     time.Time `json:"scheduled_for"`
	AttemptCount     int       `json:"attempt_count"`
	MaxAttempts      int       `json:"max_attempts"`
	NextAttemptAfter time.Time `json:"next_attempt_after"`
	LastError        string    `json:"last_error,omitempty"`
	ClaimedAt        time.Time `json:"claimed_at,omitzero"`
	// ClaimID identifies the current claim. Release and Complete must
	// present it, so a worker whose claim was reaped cannot overwrite the
	// task after someone else claimed it.
	ClaimID       string    `json:"claim_id,omitempty"`
	LastAttemptAt time.Time `json:"last_attempt_at,omitzero"`
	SentAt        time.Time `json:"sent_at,omitzero"`
	UpdatedAt     time.Time `json:"updated_at"`
}

// Claimed is a task handed to a worker together with the content to send.
type Claimed struct {
	Task Task
	Body string
}

// Completion is the result of an attempt, written back by Complete.
type Completion struct {
	State            State
	AttemptCount     int
	LastError        string
	NextAttemptAfter time.Time
	At               time.Time
}

// Reschedule moves a PENDING task to a new eligibility time.
type Reschedule struct {
	TaskID       string
	ScheduledFor time.Time
}

// PostChange is applied by UpdatePost in one transaction. Nil fields are
// left untouched.
type PostChange struct {
	Body         *string
	Platforms    []string
	ScheduledFor *time.Time
	Insert       []Task
	Delete       []string
	Reschedule   []Reschedule
	At           time.Time
}

type PostFilter struct {
	CreatedFrom   time.Time
	CreatedTo     time.Time
	ScheduledFrom time.Time
	ScheduledTo   time.Time
	Limit         int
}

type TaskFilter struct {
	PostID   string
	Platform string
	States   []State
}

// Stats are task counts for the dashboard.
type Stats struct {
	Posts      int                      `json:"posts"`
	ByState    map[State]int            `json:"by_state"`
	ByPlatform map[string]map[State]int `json:"by_platform"`
}

// ms normalizes a timestamp to what the store persists: UTC, millisecond precision.
func ms(t time.Time) time.Time {
	if t.IsZero() {
		return time.Time{}
	}
	return t.UTC().Truncate(time.Millisecond)
}

func laterOf(a, b time.Time) time.Time {
	if b.After(a) {
		return b
	}
	return a
}

func errDuplicate(kind, id string) error {
	return fmt.Errorf("%s %s already exists", kind, id)
}
