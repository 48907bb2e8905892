// Package pacing enforces the minimum spacing between two dispatches to the
// same platform.
//
// Ready is a cheap check done before claiming work. Mark records a dispatch
// and reports false when another dispatcher got there first, in which case
// the caller gives its claim back.
package pacing

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

type Pacer interface {
	Ready(ctx context.Context, platform string, floor time.Duration, now time.Time) (bool, error)
	Mark(ctx context.Context, platform string, floor time.Duration, now time.Time) (bool, error)
	Close() error
}

// Config selects a backend.
//
// Driver values:
//   - "local": per-process map (default)
//   - "redis": shared between processes through SET NX PX
type Config struct {
	Driver string
	Redis  RedisConfig
}

type RedisConfig struct {
	Addr     string
	Password string
	DB       int
	Prefix   string
}

const DefaultPrefix = "postqueue:pace:"

func New(cfg Config) (Pacer, error) {
	switch strings.ToLower(strings.TrimSpace(cfg.Driver)) {
	case "", "local", "memory":
		return NewLocal(), nil
	case "redis":
		if strings.TrimSpace(cfg.Redis.Addr) == "" {
			return nil, errors.New("pacing: redis addr is required")
		}
		cli := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		return NewRedis(cli, cfg.Redis.Prefix), nil
	default:
		return nil, errors.New("pacing: unknown driver " + cfg.Driver)
	}
}

// Local keeps the last dispatch per platform in memory.
type Local struct {
	mu   sync.Mutex
	last map[string]time.Time
}

func NewLocal() *Local { return &Local{last: map[string]time.Time{}} }

func (l *Local) ready(platform string, floor time.Duration, now time.Time) bool {
	if floor <= 0 {
		return true
	}
	last, ok := l.last[platform]
	return !ok || now.Sub(last) >= floor
}

func (l *Local) Ready(_ context.Context, platform string, floor time.Duration, now time.Time) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.ready(platform, floor, now), nil
}

func (l *Local) Mark(_ context.Context, platform string, floor time.Duration, now time.Time) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if !l.ready(platform, floor, now) {
		return false, nil
	}
	l.last[platform] = now
	return true, nil
}

// Seed records dispatches made before this process started, so a restart
// or a one-shot run does not skip a floor. Older entries never replace
// newer ones.
func (l *Local) Seed(last map[string]time.Time) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for platform, at := range last {
		if cur, ok := l.last[platform]; !ok || at.After(cur) {
			l.last[platform] = at
		}
	}
}

// Last returns the recorded dispatch time for platform.
func (l *Local) Last(platform string) (time.Time, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	t, ok := l.last[platform]
	return t, ok
}

func (l *Local) Close() error { return nil }

// Redis stores one key per platform that lives for the floor duration. The
// key's existence means the platform is cooling down. Expiry runs on the
// server clock, so now is only recorded as the key's value.
type Redis struct {
	cli    redis.UniversalClient
	prefix string
}

func NewRedis(cli redis.UniversalClient, prefix string) *Redis {
	if prefix == "" {
		prefix = DefaultPrefix
	}
	return &Redis{cli: cli, prefix: prefix}
}

func (r *Redis) key(platform string) string { return r.prefix + platform }

func (r *Redis) Ready(ctx context.Context, platform string, floor time.Duration, _ time.Time) (bool, error) {
	if floor <= 0 {
		return true, nil
	}
	n, err := r.cli.Exists(ctx, r.key(platform)).Result()
	if err != nil {
		return false, err
	}
	return n == 0, nil
}

func (r *Redis) Mark(ctx context.Context, platform string, floor time.Duration, now time.Time) (bool, error) {
	if floor <= 0 {
		return true, nil
	}
	return r.cli.SetNX(ctx, r.key(platform), now.UTC().UnixMilli(), floor).Result()
}

func (r *Redis) Close() error { return r.cli.Close() }
