package storage

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	logx "postqueue/pkg/logx"
)

var base = time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)

func eachStore(t *testing.T, fn func(t *testing.T, s Store)) {
	t.Helper()
	for _, driver := range []string{"memory", "sqlite"} {
		driver := driver
		t.Run(driver, func(t *testing.T) {
			t.Parallel()
			cfg := Config{Driver: driver}
			if driver == "sqlite" {
				cfg.Path = filepath.Join(t.TempDir(), "queue.db")
			}
			s, err := Open(cfg, logx.Nop())
			if err != nil {
				t.Fatalf("Open(%s): %v", driver, err)
			}
			t.Cleanup(func() { _ = s.Close() })
			fn(t, s)
		})
	}
}

func newPost(id string, sched time.Time, platforms ...string) (Post, []Task) {
	p := Post{
		ID:           id,
		Body:         "body of " + id,
		Platforms:    platforms,
		ScheduledFor: sched,
		CreatedAt:    base,
		UpdatedAt:    base,
	}
	tasks := make([]Task, 0, len(platforms))
	for _, pl := range platforms {
		tasks = append(tasks, Task{
			ID:               id + "-" + pl,
			PostID:           id,
			Platform:         pl,
			State:            StatePending,
			ScheduledFor:     sched,
			MaxAttempts:      3,
			NextAttemptAfter: sched,
			UpdatedAt:        base,
		})
	}
	return p, tasks
}

func mustCreate(t *testing.T, s Store, p Post, tasks []Task) {
	t.Helper()
	if err := s.CreatePost(context.Background(), p, tasks); err != nil {
		t.Fatalf("CreatePost(%s): %v", p.ID, err)
	}
}

func mustClaim(t *testing.T, s Store, platform string, now time.Time) Claimed {
	t.Helper()
	c, ok, err := s.Claim(context.Background(), platform, now)
	if err != nil {
		t.Fatalf("Claim(%s): %v", platform, err)
	}
	if !ok {
		t.Fatalf("Claim(%s): nothing claimed", platform)
	}
	return c
}

func TestCreateAndRead(t *testing.T) {
	eachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		p, tasks := newPost("p1", base, "x", "mastodon")
		mustCreate(t, s, p, tasks)

		got, err := s.GetPost(ctx, "p1")
		if err != nil {
			t.Fatalf("GetPost: %v", err)
		}
		if got.Body != p.Body || len(got.Platforms) != 2 || !got.ScheduledFor.Equal(base) {
			t.Fatalf("post = %+v", got)
		}
		ts, err := s.ListTasks(ctx, TaskFilter{PostID: "p1"})
		if err != nil {
			t.Fatalf("ListTasks: %v", err)
		}
		if len(ts) != 2 {
			t.Fatalf("tasks = %d, want 2", len(ts))
		}
		for _, tk := range ts {
			if tk.State != StatePending || tk.AttemptCount != 0 || tk.MaxAttempts != 3 {
				t.Fatalf("task = %+v", tk)
			}
		}
		if _, err := s.GetPost(ctx, "missing"); !errors.Is(err, ErrNotFound) {
			t.Fatalf("GetPost(missing) err = %v", err)
		}
		if _, err := s.GetTask(ctx, "missing"); !errors.Is(err, ErrNotFound) {
			t.Fatalf("GetTask(missing) err = %v", err)
		}
	})
}

func TestCreatePostIsAtomic(t *testing.T) {
	eachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		p, tasks := newPost("p1", base, "x", "threads")
		tasks[1].ID = tasks[0].ID

		if err := s.CreatePost(ctx, p, tasks); err == nil {
			t.Fatal("expected duplicate task id to fail")
		}
		if _, err := s.GetPost(ctx, "p1"); !errors.Is(err, ErrNotFound) {
			t.Fatalf("post should not exist after failed create, err = %v", err)
		}
		ts, err := s.ListTasks(ctx, TaskFilter{})
		if err != nil {
			t.Fatalf("ListTasks: %v", err)
		}
		if len(ts) != 0 {
			t.Fatalf("expected no tasks, got %d", len(ts))
		}
	})
}

func TestClaimRespectsScheduleAndOrder(t *testing.T) {
	eachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		late, lt := newPost("late", base.Add(time.Minute), "x")
		early, et := newPost("early", base.Add(-time.Minute), "x")
		future, ft := newPost("future", base.Add(time.Hour), "x")
		mustCreate(t, s, late, lt)
		mustCreate(t, s, early, et)
		mustCreate(t, s, future, ft)

		now := base.Add(2 * time.Minute)
		c := mustClaim(t, s, "x", now)
		if c.Task.PostID != "early" || c.Task.State != StateClaimed || c.Body != early.Body {
			t.Fatalf("first claim = %+v", c)
		}
		if !c.Task.ClaimedAt.Equal(now) {
			t.Fatalf("claimed_at = %s", c.Task.ClaimedAt)
		}
		c = mustClaim(t, s, "x", now)
		if c.Task.PostID != "late" {
			t.Fatalf("second claim = %+v", c.Task)
		}
		if _, ok, err := s.Claim(ctx, "x", now); err != nil || ok {
			t.Fatalf("future task must not be claimed (ok=%v err=%v)", ok, err)
		}
		if _, ok, _ := s.Claim(ctx, "threads", now); ok {
			t.Fatal("claim must be scoped to the platform")
		}
	})
}

func TestConcurrentClaimIsExclusive(t *testing.T) {
	eachStore(t, func(t *testing.T, s Store) {
		const nTasks, workers = 10, 16
		for i := 0; i < nTasks; i++ {
			p, ts := newPost(fmt.Sprintf("p%02d", i), base, "x")
			mustCreate(t, s, p, ts)
		}

		var (
			mu   sync.Mutex
			seen = map[string]int{}
			wg   sync.WaitGroup
		)
		for w := 0; w < workers; w++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				for {
					c, ok, err := s.Claim(context.Background(), "x", base)
					if err != nil {
						t.Errorf("Claim: %v", err)
						return
					}
					if !ok {
						return
					}
					mu.Lock()
					seen[c.Task.ID]++
					mu.Unlock()
				}
			}()
		}
		wg.Wait()

		if len(seen) != nTasks {
			t.Fatalf("claimed %d distinct tasks, want %d", len(seen), nTasks)
		}
		for id, n := range seen {
			if n != 1 {
				t.Fatalf("task %s claimed %d times", id, n)
			}
		}
	})
}

func TestCompleteIsGuardedAndMonotonic(t *testing.T) {
	eachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		p, ts := newPost("p1", base, "x")
		mustCreate(t, s, p, ts)
		id := ts[0].ID

		if err := s.Complete(ctx, id, "", Completion{State: StateSent, At: base}); !errors.Is(err, ErrNotClaimed) {
			t.Fatalf("Complete on PENDING err = %v", err)
		}

		c := mustClaim(t, s, "x", base)
		if c.Task.ClaimID == "" {
			t.Fatal("claim id not set")
		}
		retryAt := base.Add(10 * time.Second)
		if err := s.Complete(ctx, id, c.Task.ClaimID, Completion{
			State: StatePending, AttemptCount: 1, LastError: "http 503", NextAttemptAfter: retryAt, At: base,
		}); err != nil {
			t.Fatalf("Complete: %v", err)
		}
		got, _ := s.GetTask(ctx, id)
		if got.State != StatePending || got.AttemptCount != 1 || got.LastError != "http 503" || !got.NextAttemptAfter.Equal(retryAt) {
			t.Fatalf("task = %+v", got)
		}
		if !got.ClaimedAt.IsZero() || got.ClaimID != "" {
			t.Fatalf("claim should be cleared, got %s %q", got.ClaimedAt, got.ClaimID)
		}
		if !got.LastAttemptAt.Equal(base) {
			t.Fatalf("last_attempt_at = %s", got.LastAttemptAt)
		}

		if _, ok, _ := s.Claim(ctx, "x", base.Add(5*time.Second)); ok {
			t.Fatal("claimed before next_attempt_after")
		}
		c = mustClaim(t, s, "x", retryAt)

		// An earlier gate must not move the task backwards.
		if err := s.Complete(ctx, id, c.Task.ClaimID, Completion{
			State: StatePending, AttemptCount: 2, LastError: "timeout", NextAttemptAfter: base, At: retryAt,
		}); err != nil {
			t.Fatalf("Complete: %v", err)
		}
		got, _ = s.GetTask(ctx, id)
		if !got.NextAttemptAfter.Equal(retryAt) {
			t.Fatalf("next_attempt_after decreased to %s", got.NextAttemptAfter)
		}

		c = mustClaim(t, s, "x", retryAt)
		sentAt := retryAt.Add(time.Second)
		if err := s.Complete(ctx, id, c.Task.ClaimID, Completion{State: StateSent, AttemptCount: 3, At: sentAt}); err != nil {
			t.Fatalf("Complete sent: %v", err)
		}
		got, _ = s.GetTask(ctx, id)
		if got.State != StateSent || got.LastError != "" || !got.SentAt.Equal(sentAt) {
			t.Fatalf("sent task = %+v", got)
		}
	})
}

func TestReleaseKeepsAttempts(t *testing.T) {
	eachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		p, ts := newPost("p1", base, "x")
		mustCreate(t, s, p, ts)
		c := mustClaim(t, s, "x", base)

		if err := s.Release(ctx, ts[0].ID, c.Task.ClaimID, base); err != nil {
			t.Fatalf("Release: %v", err)
		}
		got, _ := s.GetTask(ctx, ts[0].ID)
		if got.State != StatePending || got.AttemptCount != 0 || got.ClaimID != "" {
			t.Fatalf("task = %+v", got)
		}
		if err := s.Release(ctx, ts[0].ID, c.Task.ClaimID, base); !errors.Is(err, ErrNotClaimed) {
			t.Fatalf("second Release err = %v", err)
		}
		if err := s.Release(ctx, "nope", "", base); !errors.Is(err, ErrNotFound) {
			t.Fatalf("Release(missing) err = %v", err)
		}
	})
}

func TestResetTask(t *testing.T) {
	eachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		p, ts := newPost("p1", base, "x")
		mustCreate(t, s, p, ts)
		id := ts[0].ID

		if _, err := s.ResetTask(ctx, id, base); !errors.Is(err, ErrNotRetryable) {
			t.Fatalf("ResetTask(PENDING) err = %v", err)
		}
		if _, err := s.ResetTask(ctx, "nope", base); !errors.Is(err, ErrNotFound) {
			t.Fatalf("ResetTask(missing) err = %v", err)
		}

		c := mustClaim(t, s, "x", base)
		if err := s.Complete(ctx, id, c.Task.ClaimID, Completion{State: StateExhausted, AttemptCount: 3, LastError: "boom", At: base}); err != nil {
			t.Fatalf("Complete: %v", err)
		}
		now := base.Add(time.Hour)
		got, err := s.ResetTask(ctx, id, now)
		if err != nil {
			t.Fatalf("ResetTask: %v", err)
		}
		if got.State != StatePending || got.AttemptCount != 0 || got.LastError != "" || !got.ScheduledFor.Equal(now) {
			t.Fatalf("reset task = %+v", got)
		}
		mustClaim(t, s, "x", now)
	})
}

func TestRecoverAndReapClaimed(t *testing.T) {
	eachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		for _, id := range []string{"a", "b", "c"} {
			p, ts := newPost(id, base, "x")
			mustCreate(t, s, p, ts)
		}
		mustClaim(t, s, "x", base)
		mustClaim(t, s, "x", base.Add(10*time.Minute))

		n, err := s.ReapClaimed(ctx, base.Add(5*time.Minute), base.Add(20*time.Minute))
		if err != nil || n != 1 {
			t.Fatalf("ReapClaimed = %d, %v; want 1", n, err)
		}

		n, err = s.RecoverClaimed(ctx, base.Add(30*time.Minute))
		if err != nil || n != 1 {
			t.Fatalf("RecoverClaimed = %d, %v; want 1", n, err)
		}
		claimed, _ := s.ListTasks(ctx, TaskFilter{States: []State{StateClaimed}})
		if len(claimed) != 0 {
			t.Fatalf("still claimed: %d", len(claimed))
		}
		pending, _ := s.ListTasks(ctx, TaskFilter{States: []State{StatePending}})
		if len(pending) != 3 {
			t.Fatalf("pending = %d, want 3", len(pending))
		}
	})
}

func TestStaleClaimCannotCompleteOrRelease(t *testing.T) {
	eachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		p, ts := newPost("p1", base, "x")
		mustCreate(t, s, p, ts)
		id := ts[0].ID

		stale := mustClaim(t, s, "x", base)
		if n, err := s.ReapClaimed(ctx, base.Add(time.Minute), base.Add(time.Minute)); err != nil || n != 1 {
			t.Fatalf("ReapClaimed = %d, %v", n, err)
		}
		fresh := mustClaim(t, s, "x", base.Add(time.Minute))
		if fresh.Task.ClaimID == stale.Task.ClaimID {
			t.Fatal("claim id reused")
		}

		late := Completion{State: StateSent, AttemptCount: 1, At: base.Add(2 * time.Minute)}
		if err := s.Complete(ctx, id, stale.Task.ClaimID, late); !errors.Is(err, ErrNotClaimed) {
			t.Fatalf("stale Complete err = %v", err)
		}
		if err := s.Release(ctx, id, stale.Task.ClaimID, base.Add(2*time.Minute)); !errors.Is(err, ErrNotClaimed) {
			t.Fatalf("stale Release err = %v", err)
		}
		got, _ := s.GetTask(ctx, id)
		if got.State != StateClaimed || got.ClaimID != fresh.Task.ClaimID {
			t.Fatalf("task = %+v", got)
		}
		if err := s.Complete(ctx, id, fresh.Task.ClaimID, late); err != nil {
			t.Fatalf("Complete: %v", err)
		}
	})
}

func TestRescheduleKeepsBackoff(t *testing.T) {
	eachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		p, ts := newPost("p1", base, "x", "threads")
		mustCreate(t, s, p, ts)

		c := mustClaim(t, s, "x", base)
		backoff := base.Add(time.Hour)
		if err := s.Complete(ctx, c.Task.ID, c.Task.ClaimID, Completion{
			State: StatePending, AttemptCount: 1, LastError: "http 503", NextAttemptAfter: backoff, At: base,
		}); err != nil {
			t.Fatalf("Complete: %v", err)
		}

		sched := base.Add(10 * time.Minute)
		_, err := s.UpdatePost(ctx, "p1", func(Post, []Task) (PostChange, error) {
			return PostChange{
				ScheduledFor: &sched,
				Reschedule: []Reschedule{
					{TaskID: "p1-x", ScheduledFor: sched},
					{TaskID: "p1-threads", ScheduledFor: sched},
				},
				At: base,
			}, nil
		})
		if err != nil {
			t.Fatalf("UpdatePost: %v", err)
		}
		x, _ := s.GetTask(ctx, "p1-x")
		if !x.ScheduledFor.Equal(sched) || !x.NextAttemptAfter.Equal(backoff) {
			t.Fatalf("retried task = %+v", x)
		}
		th, _ := s.GetTask(ctx, "p1-threads")
		if !th.NextAttemptAfter.Equal(sched) {
			t.Fatalf("fresh task next_attempt_after = %s, want %s", th.NextAttemptAfter, sched)
		}
	})
}

func TestLastAttempts(t *testing.T) {
	eachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		for _, id := range []string{"a", "b"} {
			p, ts := newPost(id, base, "x", "threads")
			mustCreate(t, s, p, ts)
		}
		got, err := s.LastAttempts(ctx)
		if err != nil || len(got) != 0 {
			t.Fatalf("LastAttempts on fresh store = %v, %v", got, err)
		}

		c := mustClaim(t, s, "x", base)
		sentAt := base.Add(3 * time.Second)
		if err := s.Complete(ctx, c.Task.ID, c.Task.ClaimID, Completion{State: StateSent, AttemptCount: 1, At: sentAt}); err != nil {
			t.Fatalf("Complete: %v", err)
		}
		mustClaim(t, s, "threads", base.Add(time.Second))

		got, err = s.LastAttempts(ctx)
		if err != nil {
			t.Fatalf("LastAttempts: %v", err)
		}
		if !got["x"].Equal(sentAt) || !got["threads"].Equal(base.Add(time.Second)) || len(got) != 2 {
			t.Fatalf("LastAttempts = %v", got)
		}
	})
}

func TestDeletePost(t *testing.T) {
	eachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		p, ts := newPost("p1", base, "x", "threads")
		mustCreate(t, s, p, ts)
		c := mustClaim(t, s, "x", base)

		if err := s.DeletePost(ctx, "p1"); !errors.Is(err, ErrTaskInFlight) {
			t.Fatalf("DeletePost with claim err = %v", err)
		}
		if _, err := s.GetPost(ctx, "p1"); err != nil {
			t.Fatalf("post must survive rejected delete: %v", err)
		}

		if err := s.Release(ctx, ts[0].ID, c.Task.ClaimID, base); err != nil {
			t.Fatalf("Release: %v", err)
		}
		if err := s.DeletePost(ctx, "p1"); err != nil {
			t.Fatalf("DeletePost: %v", err)
		}
		left, _ := s.ListTasks(ctx, TaskFilter{PostID: "p1"})
		if len(left) != 0 {
			t.Fatalf("tasks left after delete: %d", len(left))
		}
		if err := s.DeletePost(ctx, "p1"); !errors.Is(err, ErrNotFound) {
			t.Fatalf("second delete err = %v", err)
		}
	})
}

func TestUpdatePost(t *testing.T) {
	eachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		p, ts := newPost("p1", base, "x", "threads")
		mustCreate(t, s, p, ts)

		body := "edited"
		sched := base.Add(time.Hour)
		_, add := newPost("p1", sched, "mastodon")
		got, err := s.UpdatePost(ctx, "p1", func(p Post, tasks []Task) (PostChange, error) {
			if len(tasks) != 2 {
				return PostChange{}, fmt.Errorf("tasks = %d", len(tasks))
			}
			return PostChange{
				Body:         &body,
				Platforms:    []string{"x", "mastodon"},
				ScheduledFor: &sched,
				Insert:       add,
				Delete:       []string{"p1-threads"},
				Reschedule:   []Reschedule{{TaskID: "p1-x", ScheduledFor: sched}},
				At:           base.Add(time.Minute),
			}, nil
		})
		if err != nil {
			t.Fatalf("UpdatePost: %v", err)
		}
		if got.Body != body || !got.ScheduledFor.Equal(sched) || len(got.Platforms) != 2 {
			t.Fatalf("updated post = %+v", got)
		}
		tasks, _ := s.ListTasks(ctx, TaskFilter{PostID: "p1"})
		if len(tasks) != 2 {
			t.Fatalf("tasks after update = %d", len(tasks))
		}
		for _, tk := range tasks {
			if tk.Platform == "threads" {
				t.Fatal("threads task should be deleted")
			}
			if !tk.ScheduledFor.Equal(sched) {
				t.Fatalf("task %s scheduled_for = %s", tk.ID, tk.ScheduledFor)
			}
		}
	})
}

func TestUpdatePostRejectsClaimedAndAborts(t *testing.T) {
	eachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		p, ts := newPost("p1", base, "x", "threads")
		mustCreate(t, s, p, ts)
		mustClaim(t, s, "x", base)

		body := "edited"
		_, err := s.UpdatePost(ctx, "p1", func(Post, []Task) (PostChange, error) {
			return PostChange{Body: &body, Delete: []string{"p1-x"}}, nil
		})
		if !errors.Is(err, ErrTaskInFlight) {
			t.Fatalf("err = %v, want ErrTaskInFlight", err)
		}

		sentinel := errors.New("nope")
		_, err = s.UpdatePost(ctx, "p1", func(Post, []Task) (PostChange, error) {
			return PostChange{}, sentinel
		})
		if !errors.Is(err, sentinel) {
			t.Fatalf("err = %v, want sentinel", err)
		}

		got, _ := s.GetPost(ctx, "p1")
		if got.Body != p.Body {
			t.Fatalf("body changed to %q", got.Body)
		}
		if _, err := s.UpdatePost(ctx, "nope", nil); !errors.Is(err, ErrNotFound) {
			t.Fatalf("UpdatePost(missing) err = %v", err)
		}
	})
}

func TestPurgePostsOnlyRemovesFinishedOldPosts(t *testing.T) {
	eachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		oldDone, od := newPost("old-done", base, "x")
		oldOpen, oo := newPost("old-open", base, "threads")
		newDone, nd := newPost("new-done", base, "mastodon")
		newDone.CreatedAt = base.Add(48 * time.Hour)
		mustCreate(t, s, oldDone, od)
		mustCreate(t, s, oldOpen, oo)
		mustCreate(t, s, newDone, nd)

		for _, pl := range []string{"x", "mastodon"} {
			c := mustClaim(t, s, pl, base)
			if err := s.Complete(ctx, c.Task.ID, c.Task.ClaimID, Completion{State: StateSent, AttemptCount: 1, At: base}); err != nil {
				t.Fatalf("Complete: %v", err)
			}
		}

		n, err := s.PurgePosts(ctx, base.Add(24*time.Hour))
		if err != nil || n != 1 {
			t.Fatalf("PurgePosts = %d, %v; want 1", n, err)
		}
		if _, err := s.GetPost(ctx, "old-done"); !errors.Is(err, ErrNotFound) {
			t.Fatalf("old-done should be purged, err = %v", err)
		}
		for _, id := range []string{"old-open", "new-done"} {
			if _, err := s.GetPost(ctx, id); err != nil {
				t.Fatalf("%s should survive: %v", id, err)
			}
		}
	})
}

func TestListPostsAndStats(t *testing.T) {
	eachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		for i := 0; i < 5; i++ {
			p, ts := newPost(fmt.Sprintf("p%d", i), base, "x", "threads")
			p.CreatedAt = base.Add(time.Duration(i) * time.Hour)
			mustCreate(t, s, p, ts)
		}

		all, err := s.ListPosts(ctx, PostFilter{})
		if err != nil || len(all) != 5 {
			t.Fatalf("ListPosts = %d, %v", len(all), err)
		}
		if all[0].ID != "p4" {
			t.Fatalf("newest first expected, got %s", all[0].ID)
		}
		ranged, _ := s.ListPosts(ctx, PostFilter{CreatedFrom: base.Add(time.Hour), CreatedTo: base.Add(3 * time.Hour)})
		if len(ranged) != 2 {
			t.Fatalf("ranged = %d, want 2", len(ranged))
		}
		limited, _ := s.ListPosts(ctx, PostFilter{Limit: 3})
		if len(limited) != 3 {
			t.Fatalf("limited = %d", len(limited))
		}

		mustClaim(t, s, "x", base)
		st, err := s.Stats(ctx)
		if err != nil {
			t.Fatalf("Stats: %v", err)
		}
		if st.Posts != 5 || st.ByState[StatePending] != 9 || st.ByState[StateClaimed] != 1 {
			t.Fatalf("stats = %+v", st)
		}
		if st.ByPlatform["x"][StateClaimed] != 1 || st.ByPlatform["threads"][StatePending] != 5 {
			t.Fatalf("by platform = %+v", st.ByPlatform)
		}
	})
}

func TestOpenRejectsUnknownDriver(t *testing.T) {
	if _, err := Open(Config{Driver: "postgres"}, logx.Nop()); err == nil {
		t.Fatal("expected error for unknown driver")
	}
	if _, err := Open(Config{Driver: ""}, logx.Nop()); err == nil {
		t.Fatal("expected error for empty driver")
	}
	if _, err := Open(Config{Driver: "sqlite"}, logx.Nop()); err == nil {
		t.Fatal("expected error for sqlite without path")
	}
}

func TestMemoryClosed(t *testing.T) {
	s := NewMemory()
	_ = s.Close()
	if _, err := s.GetPost(context.Background(), "x"); !errors.Is(err, ErrClosed) {
		t.Fatalf("err = %v, want ErrClosed", err)
	}
}
