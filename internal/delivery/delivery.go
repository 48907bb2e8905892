// Package delivery defines the boundary between the scheduler and the
// publishing endpoints. An Adapter performs exactly one attempt and reports
// what happened; it never retries on its own.
package delivery

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"postqueue/internal/platform"
)

type Kind string

const (
	KindDelivered      Kind = "delivered"
	KindRateLimited    Kind = "rate_limited"
	KindRejected       Kind = "rejected"
	KindTransientError Kind = "transient_error"
)

// Request is one delivery attempt.
type Request struct {
	TaskID   string
	PostID   string
	Platform string
	Body     string
	// Attempt is 1-based.
	Attempt int
}

// Outcome is the result of one attempt.
type Outcome struct {
	Kind   Kind
	Reason string
	// RetryAfter is the endpoint's minimum wait before the next attempt (RateLimited only).
	RetryAfter time.Duration
	// Permanent marks a Rejected outcome that must not be retried.
	Permanent bool
}

func Delivered() Outcome { return Outcome{Kind: KindDelivered} }

func RateLimited(after time.Duration, reason string) Outcome {
	if after < 0 {
		after = 0
	}
	return Outcome{Kind: KindRateLimited, Reason: reason, RetryAfter: after}
}

func Rejected(reason string) Outcome { return Outcome{Kind: KindRejected, Reason: reason} }

func PermanentReject(reason string) Outcome {
	return Outcome{Kind: KindRejected, Reason: reason, Permanent: true}
}

func Transient(reason string) Outcome { return Outcome{Kind: KindTransientError, Reason: reason} }

func (o Outcome) Delivered() bool { return o.Kind == KindDelivered }

// Retryable reports whether the failure may be attempted again.
func (o Outcome) Retryable() bool {
	switch o.Kind {
	case KindDelivered:
		return false
	case KindRejected:
		return !o.Permanent
	default:
		return true
	}
}

func (o Outcome) String() string {
	if o.Reason == "" {
		return string(o.Kind)
	}
	return fmt.Sprintf("%s: %s", o.Kind, o.Reason)
}

// Adapter performs a single publish attempt. Implementations must honor ctx.
type Adapter interface {
	Attempt(ctx context.Context, req Request) Outcome
}

// Func adapts a plain function to Adapter.
type Func func(ctx context.Context, req Request) Outcome

func (f Func) Attempt(ctx context.Context, req Request) Outcome { return f(ctx, req) }

// Registry selects an adapter by platform id.
type Registry struct {
	mu sync.RWMutex
	m  map[string]Adapter
}

func NewRegistry() *Registry { return &Registry{m: map[string]Adapter{}} }

func (r *Registry) Register(platformID string, a Adapter) {
	if a == nil {
		return
	}
	r.mu.Lock()
	r.m[platform.Normalize(platformID)] = a
	r.mu.Unlock()
}

func (r *Registry) Get(platformID string) (Adapter, bool) {
	if r == nil {
		return nil, false
	}
	r.mu.RLock()
	a, ok := r.m[platform.Normalize(platformID)]
	r.mu.RUnlock()
	return a, ok
}

// Platforms returns the ids that have an adapter, sorted.
func (r *Registry) Platforms() []string {
	if r == nil {
		return nil
	}
	r.mu.RLock()
	out := make([]string, 0, len(r.m))
	for id := range r.m {
		out = append(out, id)
	}
	r.mu.RUnlock()
	sort.Strings(out)
	return out
}

// Unconfigured rejects every attempt; used for platforms enabled without credentials.
func Unconfigured(platformID string) Adapter {
	return Func(func(context.Context, Request) Outcome {
		return PermanentReject(fmt.Sprintf("no credentials configured for %s", platformID))
	})
}
