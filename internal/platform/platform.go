// Package platform holds the static catalogue of publishing endpoints:
// content limits, pacing floors and retry policy per platform.
package platform

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"
)

var ErrUnknownPlatform = errors.New("unknown platform")

const (
	DefaultMaxAttempts = 3
	DefaultBackoffMax  = 15 * time.Minute
)

// Backoff is an exponential retry schedule. Delay never decreases as the
// attempt number grows.
type Backoff struct {
	Base       time.Duration
	Max        time.Duration
	Multiplier float64
}

// Delay returns the wait before the next attempt after `attempt` failed
// attempts (1-based). The result is never below floor.
func (b Backoff) Delay(attempt int, floor time.Duration) time.Duration {
	base := b.Base
	if base <= 0 {
		base = floor
	}
	if base <= 0 {
		base = time.Second
	}
	mult := b.Multiplier
	if mult < 1 {
		mult = 2
	}
	maxD := b.Max
	if maxD <= 0 {
		maxD = DefaultBackoffMax
	}
	if attempt < 1 {
		attempt = 1
	}

	d := float64(base)
	for i := 1; i < attempt; i++ {
		d *= mult
		if d >= float64(maxD) {
			d = float64(maxD)
			break
		}
	}
	out := time.Duration(d)
	if out > maxD {
		out = maxD
	}
	if out < floor {
		out = floor
	}
	return out
}

// Descriptor is the immutable policy for one platform.
type Descriptor struct {
	ID          string        `json:"id"`
	Name        string        `json:"name"`
	CharLimit   int           `json:"char_limit"`
	MinDelay    time.Duration `json:"min_delay"`
	MaxAttempts int           `json:"max_attempts"`
	Backoff     Backoff       `json:"backoff"`
}

// RetryDelay is the earliest wait after a failed attempt, honoring the
// pacing floor and an optional hint from the endpoint.
func (d Descriptor) RetryDelay(attempt int, hint time.Duration) time.Duration {
	wait := d.Backoff.Delay(attempt, d.MinDelay)
	if hint > wait {
		wait = hint
	}
	return wait
}

// Fits reports whether body is within the platform's character limit.
// Length is counted in runes.
func (d Descriptor) Fits(body string) bool {
	if d.CharLimit <= 0 {
		return true
	}
	return len([]rune(body)) <= d.CharLimit
}

// Defaults returns the built-in platform table.
func Defaults() []Descriptor {
	mk := func(id, name string, limit int, delay time.Duration) Descriptor {
		return Descriptor{
			ID:          id,
			Name:        name,
			CharLimit:   limit,
			MinDelay:    delay,
			MaxAttempts: DefaultMaxAttempts,
			Backoff:     Backoff{Base: delay, Max: DefaultBackoffMax, Multiplier: 2},
		}
	}
	return []Descriptor{
		mk("facebook", "Facebook", 63206, 30*time.Second),
		mk("threads", "Threads", 500, 10*time.Second),
		mk("x", "X (Twitter)", 280, 5*time.Second),
		mk("linkedin", "LinkedIn", 3000, 60*time.Second),
		mk("bluesky", "BlueSky", 300, 5*time.Second),
		mk("mastodon", "Mastodon", 500, 10*time.Second),
		mk("telegram", "Telegram", 4096, 3*time.Second),
	}
}

// Registry maps platform ids to descriptors. It is read-only after New.
type Registry struct {
	byID map[string]Descriptor
	ids  []string
}

// NewRegistry builds a registry. Later descriptors with the same id replace
// earlier ones, so callers can layer overrides on top of Defaults.
func NewRegistry(descs ...Descriptor) (*Registry, error) {
	r := &Registry{byID: make(map[string]Descriptor, len(descs))}
	for _, d := range descs {
		id := Normalize(d.ID)
		if id == "" {
			return nil, errors.New("platform id is empty")
		}
		if d.MaxAttempts <= 0 {
			return nil, fmt.Errorf("platform %s: max_attempts must be > 0", id)
		}
		if d.MinDelay < 0 {
			return nil, fmt.Errorf("platform %s: min_delay must be >= 0", id)
		}
		d.ID = id
		if d.Name == "" {
			d.Name = id
		}
		r.byID[id] = d
	}
	r.ids = make([]string, 0, len(r.byID))
	for id := range r.byID {
		r.ids = append(r.ids, id)
	}
	sort.Strings(r.ids)
	return r, nil
}

// Normalize canonicalizes a user-supplied platform identifier.
func Normalize(id string) string { return strings.ToLower(strings.TrimSpace(id)) }

func (r *Registry) Lookup(id string) (Descriptor, error) {
	if r != nil {
		if d, ok := r.byID[Normalize(id)]; ok {
			return d, nil
		}
	}
	return Descriptor{}, fmt.Errorf("%w: %q", ErrUnknownPlatform, id)
}

// IDs returns the known platform ids in sorted order.
func (r *Registry) IDs() []string {
	if r == nil {
		return nil
	}
	return append([]string(nil), r.ids...)
}

func (r *Registry) All() []Descriptor {
	if r == nil {
		return nil
	}
	out := make([]Descriptor, 0, len(r.ids))
	for _, id := range r.ids {
		out = append(out, r.byID[id])
	}
	return out
}
