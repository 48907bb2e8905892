package storage

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// memoryStore keeps everything in maps behind one mutex. It has the same
// semantics as the sqlite driver and backs tests and dry runs.
type memoryStore struct {
	mu     sync.Mutex
	closed bool
	posts  map[string]Post
	tasks  map[string]Task
}

func NewMemory() Store {
	return &memoryStore{posts: map[string]Post{}, tasks: map[string]Task{}}
}

func clonePost(p Post) Post {
	p.Platforms = append([]string(nil), p.Platforms...)
	return p
}

func normPost(p Post) Post {
	p = clonePost(p)
	p.ScheduledFor = ms(p.ScheduledFor)
	p.CreatedAt = ms(p.CreatedAt)
	p.UpdatedAt = ms(p.UpdatedAt)
	return p
}

func normTask(t Task) Task {
	t.ScheduledFor = ms(t.ScheduledFor)
	t.NextAttemptAfter = ms(t.NextAttemptAfter)
	t.ClaimedAt = ms(t.ClaimedAt)
	t.LastAttemptAt = ms(t.LastAttemptAt)
	t.SentAt = ms(t.SentAt)
	t.UpdatedAt = ms(t.UpdatedAt)
	return t
}

func (m *memoryStore) check() error {
	if m.closed {
		return ErrClosed
	}
	return nil
}

func (m *memoryStore) CreatePost(ctx context.Context, p Post, tasks []Task) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.check(); err != nil {
		return err
	}
	if _, ok := m.posts[p.ID]; ok {
		return errDuplicate("post", p.ID)
	}
	seen := make(map[string]struct{}, len(tasks))
	for _, t := range tasks {
		_, dup := seen[t.ID]
		if _, ok := m.tasks[t.ID]; ok || dup {
			return errDuplicate("task", t.ID)
		}
		seen[t.ID] = struct{}{}
	}
	m.posts[p.ID] = normPost(p)
	for _, t := range tasks {
		m.tasks[t.ID] = normTask(t)
	}
	return nil
}

func (m *memoryStore) GetPost(ctx context.Context, id string) (Post, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.check(); err != nil {
		return Post{}, err
	}
	p, ok := m.posts[id]
	if !ok {
		return Post{}, ErrNotFound
	}
	return clonePost(p), nil
}

func (m *memoryStore) ListPosts(ctx context.Context, f PostFilter) ([]Post, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.check(); err != nil {
		return nil, err
	}
	out := make([]Post, 0, len(m.posts))
	for _, p := range m.posts {
		if !inRange(p.CreatedAt, f.CreatedFrom, f.CreatedTo) || !inRange(p.ScheduledFor, f.ScheduledFrom, f.ScheduledTo) {
			continue
		}
		out = append(out, clonePost(p))
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out, nil
}

// inRange treats zero bounds as open. from is inclusive, to is exclusive.
func inRange(t, from, to time.Time) bool {
	if !from.IsZero() && t.Before(from) {
		return false
	}
	if !to.IsZero() && !t.Before(to) {
		return false
	}
	return true
}

func (m *memoryStore) tasksOf(postID string) []Task {
	out := make([]Task, 0, 4)
	for _, t := range m.tasks {
		if t.PostID == postID {
			out = append(out, t)
		}
	}
	sortTasks(out)
	return out
}

func sortTasks(ts []Task) {
	sort.Slice(ts, func(i, j int) bool {
		if !ts[i].ScheduledFor.Equal(ts[j].ScheduledFor) {
			return ts[i].ScheduledFor.Before(ts[j].ScheduledFor)
		}
		return ts[i].ID < ts[j].ID
	})
}

func (m *memoryStore) UpdatePost(ctx context.Context, id string, fn func(Post, []Task) (PostChange, error)) (Post, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.check(); err != nil {
		return Post{}, err
	}
	p, ok := m.posts[id]
	if !ok {
		return Post{}, ErrNotFound
	}
	ch, err := fn(clonePost(p), m.tasksOf(id))
	if err != nil {
		return Post{}, err
	}

	// Validate everything before mutating so the change stays atomic.
	for _, tid := range ch.Delete {
		t, ok := m.tasks[tid]
		if !ok || t.PostID != id {
			return Post{}, ErrNotFound
		}
		if t.State == StateClaimed {
			return Post{}, ErrTaskInFlight
		}
	}
	for _, rs := range ch.Reschedule {
		t, ok := m.tasks[rs.TaskID]
		if !ok || t.PostID != id {
			return Post{}, ErrNotFound
		}
		if t.State == StateClaimed {
			return Post{}, ErrTaskInFlight
		}
	}
	for _, t := range ch.Insert {
		if _, ok := m.tasks[t.ID]; ok {
			return Post{}, errDuplicate("task", t.ID)
		}
	}

	at := ms(ch.At)
	for _, tid := range ch.Delete {
		delete(m.tasks, tid)
	}
	for _, rs := range ch.Reschedule {
		t := m.tasks[rs.TaskID]
		if t.State != StatePending {
			continue
		}
		t.ScheduledFor = ms(rs.ScheduledFor)
		if t.AttemptCount > 0 {
			t.NextAttemptAfter = laterOf(t.NextAttemptAfter, t.ScheduledFor)
		} else {
			t.NextAttemptAfter = t.ScheduledFor
		}
		t.UpdatedAt = at
		m.tasks[rs.TaskID] = t
	}
	for _, t := range ch.Insert {
		t.PostID = id
		m.tasks[t.ID] = normTask(t)
	}
	if ch.Body != nil {
		p.Body = *ch.Body
	}
	if ch.Platforms != nil {
		p.Platforms = append([]string(nil), ch.Platforms...)
	}
	if ch.ScheduledFor != nil {
		p.ScheduledFor = ms(*ch.ScheduledFor)
	}
	if !at.IsZero() {
		p.UpdatedAt = at
	}
	m.posts[id] = p
	return clonePost(p), nil
}

func (m *memoryStore) DeletePost(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.check(); err != nil {
		return err
	}
	if _, ok := m.posts[id]; !ok {
		return ErrNotFound
	}
	ts := m.tasksOf(id)
	for _, t := range ts {
		if t.State == StateClaimed {
			return ErrTaskInFlight
		}
	}
	for _, t := range ts {
		delete(m.tasks, t.ID)
	}
	delete(m.posts, id)
	return nil
}

func (m *memoryStore) GetTask(ctx context.Context, id string) (Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.check(); err != nil {
		return Task{}, err
	}
	t, ok := m.tasks[id]
	if !ok {
		return Task{}, ErrNotFound
	}
	return t, nil
}

func (m *memoryStore) ListTasks(ctx context.Context, f TaskFilter) ([]Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.check(); err != nil {
		return nil, err
	}
	out := make([]Task, 0, 8)
	for _, t := range m.tasks {
		if f.PostID != "" && t.PostID != f.PostID {
			continue
		}
		if f.Platform != "" && t.Platform != f.Platform {
			continue
		}
		if !stateIn(t.State, f.States) {
			continue
		}
		out = append(out, t)
	}
	sortTasks(out)
	return out, nil
}

func (m *memoryStore) Claim(ctx context.Context, platform string, now time.Time) (Claimed, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.check(); err != nil {
		return Claimed{}, false, err
	}
	now = ms(now)
	var best *Task
	for _, t := range m.tasks {
		if t.Platform != platform || t.State != StatePending {
			continue
		}
		if t.ScheduledFor.After(now) || t.NextAttemptAfter.After(now) {
			continue
		}
		if best == nil || t.ScheduledFor.Before(best.ScheduledFor) ||
			(t.ScheduledFor.Equal(best.ScheduledFor) && t.ID < best.ID) {
			c := t
			best = &c
		}
	}
	if best == nil {
		return Claimed{}, false, nil
	}
	best.State = StateClaimed
	best.ClaimID = uuid.NewString()
	best.ClaimedAt = now
	best.UpdatedAt = now
	m.tasks[best.ID] = *best
	return Claimed{Task: *best, Body: m.posts[best.PostID].Body}, true, nil
}

// claimed returns the task when it is CLAIMED under claimID.
func (m *memoryStore) claimed(taskID, claimID string) (Task, error) {
	t, ok := m.tasks[taskID]
	if !ok {
		return Task{}, ErrNotFound
	}
	if t.State != StateClaimed || t.ClaimID != claimID {
		return Task{}, ErrNotClaimed
	}
	return t, nil
}

func (m *memoryStore) Release(ctx context.Context, taskID, claimID string, now time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.check(); err != nil {
		return err
	}
	t, err := m.claimed(taskID, claimID)
	if err != nil {
		return err
	}
	t.State = StatePending
	t.ClaimID = ""
	t.ClaimedAt = time.Time{}
	t.UpdatedAt = ms(now)
	m.tasks[taskID] = t
	return nil
}

func (m *memoryStore) Complete(ctx context.Context, taskID, claimID string, c Completion) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.check(); err != nil {
		return err
	}
	t, err := m.claimed(taskID, claimID)
	if err != nil {
		return err
	}
	at := ms(c.At)
	t.State = c.State
	t.AttemptCount = c.AttemptCount
	t.LastError = c.LastError
	t.NextAttemptAfter = laterOf(t.NextAttemptAfter, ms(c.NextAttemptAfter))
	t.ClaimID = ""
	t.ClaimedAt = time.Time{}
	t.LastAttemptAt = at
	t.UpdatedAt = at
	if c.State == StateSent {
		t.SentAt = at
		t.LastError = ""
	}
	m.tasks[taskID] = t
	return nil
}

func (m *memoryStore) ResetTask(ctx context.Context, taskID string, now time.Time) (Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.check(); err != nil {
		return Task{}, err
	}
	t, ok := m.tasks[taskID]
	if !ok {
		return Task{}, ErrNotFound
	}
	if t.State != StateFailed && t.State != StateExhausted {
		return Task{}, ErrNotRetryable
	}
	now = ms(now)
	t.State = StatePending
	t.AttemptCount = 0
	t.LastError = ""
	t.ScheduledFor = now
	t.NextAttemptAfter = now
	t.SentAt = time.Time{}
	t.UpdatedAt = now
	m.tasks[taskID] = t
	return t, nil
}

func (m *memoryStore) RecoverClaimed(ctx context.Context, now time.Time) (int, error) {
	return m.reap(time.Time{}, now)
}

func (m *memoryStore) ReapClaimed(ctx context.Context, olderThan, now time.Time) (int, error) {
	return m.reap(olderThan, now)
}

// reap resets claims; a zero cutoff means every claim.
func (m *memoryStore) reap(cutoff, now time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.check(); err != nil {
		return 0, err
	}
	now = ms(now)
	cutoff = ms(cutoff)
	n := 0
	for id, t := range m.tasks {
		if t.State != StateClaimed {
			continue
		}
		if !cutoff.IsZero() && !t.ClaimedAt.Before(cutoff) {
			continue
		}
		t.State = StatePending
		t.ClaimID = ""
		t.ClaimedAt = time.Time{}
		t.NextAttemptAfter = laterOf(t.NextAttemptAfter, now)
		t.UpdatedAt = now
		m.tasks[id] = t
		n++
	}
	return n, nil
}

func (m *memoryStore) PurgePosts(ctx context.Context, before time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.check(); err != nil {
		return 0, err
	}
	before = ms(before)
	n := 0
	for id, p := range m.posts {
		if !p.CreatedAt.Before(before) {
			continue
		}
		ts := m.tasksOf(id)
		done := true
		for _, t := range ts {
			if !t.State.Terminal() {
				done = false
				break
			}
		}
		if !done {
			continue
		}
		for _, t := range ts {
			delete(m.tasks, t.ID)
		}
		delete(m.posts, id)
		n++
	}
	return n, nil
}

func (m *memoryStore) Stats(ctx context.Context) (Stats, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.check(); err != nil {
		return Stats{}, err
	}
	st := Stats{Posts: len(m.posts), ByState: map[State]int{}, ByPlatform: map[string]map[State]int{}}
	for _, t := range m.tasks {
		st.ByState[t.State]++
		if st.ByPlatform[t.Platform] == nil {
			st.ByPlatform[t.Platform] = map[State]int{}
		}
		st.ByPlatform[t.Platform][t.State]++
	}
	return st, nil
}

func (m *memoryStore) LastAttempts(ctx context.Context) (map[string]time.Time, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.check(); err != nil {
		return nil, err
	}
	out := map[string]time.Time{}
	for _, t := range m.tasks {
		last := laterOf(t.ClaimedAt, t.LastAttemptAt)
		if last.IsZero() {
			continue
		}
		out[t.Platform] = laterOf(out[t.Platform], last)
	}
	return out, nil
}

func (m *memoryStore) Close() error {
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()
	return nil
}
