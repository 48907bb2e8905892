package storage

import (
	"context"
	"errors"
	"strings"
	"time"

	logx "postqueue/pkg/logx"
)

// Store persists posts and their delivery tasks. Every task state change
// goes through one of these methods; each method is atomic.
type Store interface {
	CreatePost(ctx context.Context, p Post, tasks []Task) error
	GetPost(ctx context.Context, id string) (Post, error)
	ListPosts(ctx context.Context, f PostFilter) ([]Post, error)
	UpdatePost(ctx context.Context, id string, fn func(Post, []Task) (PostChange, error)) (Post, error)
	DeletePost(ctx context.Context, id string) error

	GetTask(ctx context.Context, id string) (Task, error)
	ListTasks(ctx context.Context, f TaskFilter) ([]Task, error)

	// Claim hands the oldest due PENDING task of a platform to the caller
	// and marks it CLAIMED under a fresh Task.ClaimID. ok is false when
	// nothing is due.
	Claim(ctx context.Context, platform string, now time.Time) (c Claimed, ok bool, err error)
	// Release and Complete fail with ErrNotClaimed unless the task is still
	// CLAIMED under claimID.
	Release(ctx context.Context, taskID, claimID string, now time.Time) error
	Complete(ctx context.Context, taskID, claimID string, c Completion) error
	ResetTask(ctx context.Context, taskID string, now time.Time) (Task, error)

	// RecoverClaimed returns every CLAIMED task to PENDING. Only call it
	// before the first tick when no other process shares the store.
	RecoverClaimed(ctx context.Context, now time.Time) (int, error)
	// ReapClaimed returns claims older than olderThan to PENDING.
	ReapClaimed(ctx context.Context, olderThan, now time.Time) (int, error)
	// PurgePosts removes posts created before `before` whose tasks are all terminal.
	PurgePosts(ctx context.Context, before time.Time) (int, error)
	Stats(ctx context.Context) (Stats, error)
	// LastAttempts returns, per platform, the newest claim or attempt time.
	LastAttempts(ctx context.Context) (map[string]time.Time, error)

	Close() error
}

// Open initializes the configured store.
func Open(cfg Config, log logx.Logger) (Store, error) {
	driver := strings.ToLower(strings.TrimSpace(cfg.Driver))
	if log.IsZero() {
		log = logx.Nop()
	}

	switch driver {
	case "memory", "mem":
		return NewMemory(), nil
	case "sqlite", "sqlite3":
		return openSQLite(cfg, log)
	case "", "none":
		return nil, errors.New("storage driver is required")
	default:
		return nil, errors.New("unknown storage driver: " + driver)
	}
}

func stateIn(s State, set []State) bool {
	if len(set) == 0 {
		return true
	}
	for _, x := range set {
		if x == s {
			return true
		}
	}
	return false
}
