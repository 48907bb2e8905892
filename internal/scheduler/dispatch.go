package scheduler

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"time"

	"github.com/codeGROOVE-dev/retry"

	"postqueue/internal/delivery"
	"postqueue/internal/platform"
	"postqueue/internal/storage"
	logx "postqueue/pkg/logx"
)

// persistTimeout bounds writes that must survive a shutdown in progress.
const persistTimeout = 10 * time.Second

// dispatch runs steps 2 to 7 of a lane for one tick: pacing check, claim,
// pacing mark, attempt, decision, persistence.
func (s *Service) dispatch(ctx context.Context, r *tickRun, l *lane, d platform.Descriptor, a delivery.Adapter) {
	now := s.clock()
	ready, err := s.pacer.Ready(ctx, d.ID, d.MinDelay, now)
	if err != nil {
		s.tickError(r, d.ID, "pace", err)
		return
	}
	if !ready {
		return
	}

	c, ok, err := s.store.Claim(ctx, d.ID, now)
	if err != nil {
		if ctx.Err() == nil {
			s.tickError(r, d.ID, "claim", err)
		}
		return
	}
	if !ok {
		return
	}
	s.n.claimed.Add(1)
	log := s.log.With(logx.String("platform", d.ID), logx.String("task", c.Task.ID), logx.String("post", c.Task.PostID))

	marked, err := s.pacer.Mark(ctx, d.ID, d.MinDelay, now)
	if err != nil || !marked {
		if err != nil {
			s.tickError(r, d.ID, "pace", err)
		}
		s.release(c.Task, log)
		return
	}
	l.record(now, "")

	attempt := c.Task.AttemptCount + 1
	s.publish(EventClaimed, TaskEvent{TaskID: c.Task.ID, PostID: c.Task.PostID, Platform: d.ID, Attempt: attempt})
	log.Debug("attempt started", logx.Int("attempt", attempt))

	start := time.Now()
	out := s.attempt(ctx, a, c, attempt, log)
	dur := time.Since(start)

	// Shutdown interrupted the attempt; give the task back untouched.
	if ctx.Err() != nil && !out.Delivered() {
		s.release(c.Task, log)
		return
	}

	comp, evt := decide(c.Task, out, d, s.clock())
	if err := s.persist(ctx, c.Task, comp, log); err != nil {
		if errors.Is(err, storage.ErrNotClaimed) {
			// Reaped and claimed again elsewhere; that claim owns the task now.
			s.n.lost.Add(1)
			log.Warn("claim lost before completion; result dropped", logx.Int("attempt", attempt), logx.String("outcome", out.String()))
			return
		}
		s.tickError(r, d.ID, "complete", err)
		return
	}
	l.record(time.Time{}, string(out.Kind))

	ev := TaskEvent{
		TaskID:           c.Task.ID,
		PostID:           c.Task.PostID,
		Platform:         d.ID,
		Attempt:          attempt,
		Outcome:          string(out.Kind),
		Error:            comp.LastError,
		NextAttemptAfter: comp.NextAttemptAfter,
		Duration:         dur,
	}
	switch evt {
	case EventSent:
		s.n.sent.Add(1)
		log.Info("task sent", logx.Int("attempt", attempt), logx.Duration("dur", dur))
	case EventRetry:
		s.n.retried.Add(1)
		log.Warn("attempt failed; retry scheduled", logx.Int("attempt", attempt), logx.String("outcome", out.String()), logx.Time("next_attempt_after", comp.NextAttemptAfter))
	case EventFailed:
		s.n.failed.Add(1)
		log.Warn("task failed permanently", logx.Int("attempt", attempt), logx.String("outcome", out.String()))
	case EventExhausted:
		s.n.exhausted.Add(1)
		log.Warn("task exhausted retries", logx.Int("attempt", attempt), logx.String("outcome", out.String()))
	}
	s.publish(evt, ev)
}

// attempt runs the adapter bounded by AttemptTimeout. Timeouts and panics
// become transient errors. An adapter that ignores ctx is abandoned when the
// timeout fires.
func (s *Service) attempt(ctx context.Context, a delivery.Adapter, c storage.Claimed, n int, log logx.Logger) delivery.Outcome {
	actx, cancel := context.WithTimeout(ctx, s.cfg.AttemptTimeout)
	defer cancel()

	req := delivery.Request{TaskID: c.Task.ID, PostID: c.Task.PostID, Platform: c.Task.Platform, Body: c.Body, Attempt: n}
	res := make(chan delivery.Outcome, 1)
	go func() {
		defer func() {
			if p := recover(); p != nil {
				log.Error("adapter panicked", logx.Any("panic", p), logx.String("stack", string(debug.Stack())))
				res <- delivery.Transient(fmt.Sprintf("adapter panic: %v", p))
			}
		}()
		res <- a.Attempt(actx, req)
	}()

	select {
	case out := <-res:
		if !out.Delivered() && errors.Is(actx.Err(), context.DeadlineExceeded) && ctx.Err() == nil {
			return delivery.Transient(fmt.Sprintf("attempt timed out after %s", s.cfg.AttemptTimeout))
		}
		return out
	case <-actx.Done():
		if ctx.Err() != nil {
			return delivery.Transient(ctx.Err().Error())
		}
		return delivery.Transient(fmt.Sprintf("attempt timed out after %s", s.cfg.AttemptTimeout))
	}
}

// decide maps an outcome onto the task's next state.
func decide(t storage.Task, out delivery.Outcome, d platform.Descriptor, now time.Time) (storage.Completion, string) {
	attempt := t.AttemptCount + 1
	c := storage.Completion{AttemptCount: attempt, At: now}

	switch {
	case out.Delivered():
		c.State = storage.StateSent
		return c, EventSent
	case !out.Retryable():
		c.State = storage.StateFailed
		c.LastError = out.String()
		return c, EventFailed
	}

	c.LastError = out.String()
	limit := t.MaxAttempts
	if limit <= 0 {
		limit = d.MaxAttempts
	}
	if limit <= 0 {
		limit = platform.DefaultMaxAttempts
	}
	if attempt >= limit {
		c.State = storage.StateExhausted
		return c, EventExhausted
	}
	c.State = storage.StatePending
	c.NextAttemptAfter = now.Add(d.RetryDelay(attempt, out.RetryAfter))
	return c, EventRetry
}

// persist writes a completion, retrying transient store failures. The write
// is detached from ctx so a result reached during shutdown is not lost.
func (s *Service) persist(ctx context.Context, t storage.Task, c storage.Completion, log logx.Logger) error {
	pctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), persistTimeout)
	defer cancel()

	var last error
	err := retry.Do(
		func() error {
			last = s.store.Complete(pctx, t.ID, t.ClaimID, c)
			return last
		},
		retry.Attempts(4),
		retry.Delay(100*time.Millisecond),
		retry.MaxDelay(2*time.Second),
		retry.Context(pctx),
		retry.RetryIf(func(err error) bool {
			return !errors.Is(err, storage.ErrNotClaimed) && !errors.Is(err, storage.ErrNotFound) && !errors.Is(err, storage.ErrClosed)
		}),
		retry.OnRetry(func(n uint, err error) {
			log.Warn("complete failed; retrying", logx.Int("try", int(n)+1), logx.Err(err))
		}),
	)
	if err != nil && last != nil {
		return last
	}
	return err
}

func (s *Service) release(t storage.Task, log logx.Logger) {
	ctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
	defer cancel()
	if err := s.store.Release(ctx, t.ID, t.ClaimID, s.clock()); err != nil {
		log.Error("release failed; housekeeping will reap the claim", logx.Err(err))
		return
	}
	s.n.released.Add(1)
	s.publish(EventReleased, TaskEvent{TaskID: t.ID, PostID: t.PostID, Platform: t.Platform, Attempt: t.AttemptCount})
}
