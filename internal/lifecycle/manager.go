// Package lifecycle is the synchronous boundary used by the UI and the HTTP
// API. It validates posts, fans them out into one delivery task per
// platform and derives post status from task states. It never delivers
// anything itself.
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"postqueue/internal/platform"
	"postqueue/internal/storage"
	logx "postqueue/pkg/logx"
)

type Deps struct {
	Store    storage.Store
	Registry *platform.Registry
	Log      logx.Logger
	Now      func() time.Time
	NewID    func() string
}

type Manager struct {
	store    storage.Store
	registry *platform.Registry
	log      logx.Logger
	now      func() time.Time
	newID    func() string
}

func New(deps Deps) (*Manager, error) {
	if deps.Store == nil || deps.Registry == nil {
		return nil, errors.New("lifecycle: store and registry are required")
	}
	if deps.Log.IsZero() {
		deps.Log = logx.Nop()
	}
	if deps.Now == nil {
		deps.Now = time.Now
	}
	if deps.NewID == nil {
		deps.NewID = uuid.NewString
	}
	return &Manager{
		store:    deps.Store,
		registry: deps.Registry,
		log:      deps.Log.With(logx.String("comp", "lifecycle")),
		now:      deps.Now,
		newID:    deps.NewID,
	}, nil
}

func (m *Manager) clock() time.Time { return m.now().UTC().Truncate(time.Millisecond) }

// CreateInput describes a new post. A zero ScheduledFor means now.
type CreateInput struct {
	Body         string    `json:"body"`
	Platforms    []string  `json:"platforms"`
	ScheduledFor time.Time `json:"scheduled_for,omitzero"`
}

// EditInput changes a post. Nil fields are left as they are. A non-nil zero
// ScheduledFor means now.
type EditInput struct {
	Body         *string    `json:"body,omitempty"`
	Platforms    []string   `json:"platforms,omitempty"`
	ScheduledFor *time.Time `json:"scheduled_for,omitempty"`
}

// PostView is a post with its tasks and derived status.
type PostView struct {
	Post   storage.Post   `json:"post"`
	Tasks  []storage.Task `json:"tasks"`
	Status Status         `json:"status"`
}

func (m *Manager) CreatePost(ctx context.Context, in CreateInput) (PostView, error) {
	if strings.TrimSpace(in.Body) == "" {
		return PostView{}, ErrEmptyBody
	}
	descs, err := m.resolve(in.Platforms)
	if err != nil {
		return PostView{}, err
	}
	if err := checkLength(in.Body, descs); err != nil {
		return PostView{}, err
	}

	now := m.clock()
	sched := now
	if !in.ScheduledFor.IsZero() {
		sched = in.ScheduledFor.UTC()
	}
	p := storage.Post{
		ID:           m.newID(),
		Body:         in.Body,
		ScheduledFor: sched,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	tasks := make([]storage.Task, 0, len(descs))
	for _, d := range descs {
		p.Platforms = append(p.Platforms, d.ID)
		tasks = append(tasks, m.newTask(p.ID, d, sched, now))
	}
	if err := m.store.CreatePost(ctx, p, tasks); err != nil {
		return PostView{}, err
	}
	m.log.Info("post created", logx.String("post", p.ID), logx.Strs("platforms", p.Platforms), logx.Time("scheduled_for", sched))
	return m.GetPost(ctx, p.ID)
}

func (m *Manager) newTask(postID string, d platform.Descriptor, sched, now time.Time) storage.Task {
	return storage.Task{
		ID:               m.newID(),
		PostID:           postID,
		Platform:         d.ID,
		State:            storage.StatePending,
		ScheduledFor:     sched,
		MaxAttempts:      d.MaxAttempts,
		NextAttemptAfter: sched,
		UpdatedAt:        now,
	}
}

// resolve normalizes, dedups and looks up platform ids, keeping their order.
func (m *Manager) resolve(ids []string) ([]platform.Descriptor, error) {
	seen := make(map[string]struct{}, len(ids))
	out := make([]platform.Descriptor, 0, len(ids))
	for _, raw := range ids {
		id := platform.Normalize(raw)
		if id == "" {
			continue
		}
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}
		d, err := m.registry.Lookup(id)
		if err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	if len(out) == 0 {
		return nil, ErrEmptyPlatformSet
	}
	return out, nil
}

func checkLength(body string, descs []platform.Descriptor) error {
	for _, d := range descs {
		if !d.Fits(body) {
			return &ContentTooLongError{Platform: d.ID, Limit: d.CharLimit, Length: len([]rune(body))}
		}
	}
	return nil
}

// EditPost applies in atomically. It fails with ErrTaskInFlight while any
// task is CLAIMED, and with ErrAlreadySent when it would change content or
// schedule already delivered somewhere, or drop a delivered platform.
func (m *Manager) EditPost(ctx context.Context, id string, in EditInput) (PostView, error) {
	if in.Body != nil && strings.TrimSpace(*in.Body) == "" {
		return PostView{}, ErrEmptyBody
	}
	now := m.clock()

	_, err := m.store.UpdatePost(ctx, id, func(p storage.Post, tasks []storage.Task) (storage.PostChange, error) {
		byPlatform := make(map[string]storage.Task, len(tasks))
		sent := false
		for _, t := range tasks {
			if t.State == storage.StateClaimed {
				return storage.PostChange{}, ErrTaskInFlight
			}
			if t.State == storage.StateSent {
				sent = true
			}
			byPlatform[t.Platform] = t
		}

		body := p.Body
		if in.Body != nil {
			body = *in.Body
		}
		sched := p.ScheduledFor
		if in.ScheduledFor != nil {
			sched = now
			if !in.ScheduledFor.IsZero() {
				sched = in.ScheduledFor.UTC().Truncate(time.Millisecond)
			}
		}
		bodyChanged := body != p.Body
		schedChanged := !sched.Equal(p.ScheduledFor)
		if sent && (bodyChanged || schedChanged) {
			return storage.PostChange{}, ErrAlreadySent
		}

		platforms := p.Platforms
		if in.Platforms != nil {
			platforms = in.Platforms
		}
		descs, err := m.resolve(platforms)
		if err != nil {
			return storage.PostChange{}, err
		}
		if err := checkLength(body, descs); err != nil {
			return storage.PostChange{}, err
		}

		ch := storage.PostChange{At: now}
		keep := make(map[string]struct{}, len(descs))
		ids := make([]string, 0, len(descs))
		for _, d := range descs {
			keep[d.ID] = struct{}{}
			ids = append(ids, d.ID)
			if _, ok := byPlatform[d.ID]; !ok {
				ch.Insert = append(ch.Insert, m.newTask(p.ID, d, sched, now))
			}
		}
		for pl, t := range byPlatform {
			if _, ok := keep[pl]; ok {
				if schedChanged && t.State == storage.StatePending {
					ch.Reschedule = append(ch.Reschedule, storage.Reschedule{TaskID: t.ID, ScheduledFor: sched})
				}
				continue
			}
			if t.State == storage.StateSent {
				return storage.PostChange{}, fmt.Errorf("%w: cannot remove %s", ErrAlreadySent, pl)
			}
			ch.Delete = append(ch.Delete, t.ID)
		}

		if bodyChanged {
			ch.Body = &body
		}
		if schedChanged {
			ch.ScheduledFor = &sched
		}
		if in.Platforms != nil {
			ch.Platforms = ids
		}
		return ch, nil
	})
	if err != nil {
		return PostView{}, err
	}
	m.log.Info("post edited", logx.String("post", id))
	return m.GetPost(ctx, id)
}

func (m *Manager) DeletePost(ctx context.Context, id string) error {
	if err := m.store.DeletePost(ctx, id); err != nil {
		return err
	}
	m.log.Info("post deleted", logx.String("post", id))
	return nil
}

// RetryFailedTask puts a FAILED or EXHAUSTED task back in the queue with a
// fresh attempt budget, due now.
func (m *Manager) RetryFailedTask(ctx context.Context, taskID string) (storage.Task, error) {
	t, err := m.store.ResetTask(ctx, taskID, m.clock())
	if err != nil {
		return storage.Task{}, err
	}
	m.log.Info("task reset for retry", logx.String("task", t.ID), logx.String("post", t.PostID), logx.String("platform", t.Platform))
	return t, nil
}

func (m *Manager) GetPost(ctx context.Context, id string) (PostView, error) {
	p, err := m.store.GetPost(ctx, id)
	if err != nil {
		return PostView{}, err
	}
	return m.view(ctx, p, m.clock())
}

func (m *Manager) view(ctx context.Context, p storage.Post, now time.Time) (PostView, error) {
	tasks, err := m.store.ListTasks(ctx, storage.TaskFilter{PostID: p.ID})
	if err != nil {
		return PostView{}, err
	}
	return PostView{Post: p, Tasks: tasks, Status: AggregateStatus(tasks, now)}, nil
}

func (m *Manager) GetPostStatus(ctx context.Context, id string) (Status, error) {
	v, err := m.GetPost(ctx, id)
	if err != nil {
		return "", err
	}
	return v.Status, nil
}

// ListFilter selects posts by derived status and created_at range. From is
// inclusive, To exclusive; zero values are open.
type ListFilter struct {
	Statuses []Status
	From     time.Time
	To       time.Time
	Limit    int
}

func (m *Manager) ListPosts(ctx context.Context, f ListFilter) ([]PostView, error) {
	pf := storage.PostFilter{CreatedFrom: f.From, CreatedTo: f.To}
	if len(f.Statuses) == 0 {
		pf.Limit = f.Limit
	}
	posts, err := m.store.ListPosts(ctx, pf)
	if err != nil {
		return nil, err
	}
	want := make(map[Status]struct{}, len(f.Statuses))
	for _, s := range f.Statuses {
		want[s] = struct{}{}
	}

	now := m.clock()
	out := make([]PostView, 0, len(posts))
	for _, p := range posts {
		v, err := m.view(ctx, p, now)
		if err != nil {
			return nil, err
		}
		if len(want) > 0 {
			if _, ok := want[v.Status]; !ok {
				continue
			}
		}
		out = append(out, v)
		if f.Limit > 0 && len(out) >= f.Limit {
			break
		}
	}
	return out, nil
}

// Dashboard summarizes the queue.
type Dashboard struct {
	Posts    int            `json:"posts"`
	ByStatus map[Status]int `json:"by_status"`
	Tasks    storage.Stats  `json:"tasks"`
}

func (m *Manager) Dashboard(ctx context.Context) (Dashboard, error) {
	st, err := m.store.Stats(ctx)
	if err != nil {
		return Dashboard{}, err
	}
	views, err := m.ListPosts(ctx, ListFilter{})
	if err != nil {
		return Dashboard{}, err
	}
	d := Dashboard{Posts: len(views), ByStatus: make(map[Status]int, len(statuses)), Tasks: st}
	for _, s := range statuses {
		d.ByStatus[s] = 0
	}
	for _, v := range views {
		d.ByStatus[v.Status]++
	}
	return d, nil
}

// PurgeOld deletes finished posts created more than olderThan ago.
func (m *Manager) PurgeOld(ctx context.Context, olderThan time.Duration) (int, error) {
	if olderThan <= 0 {
		return 0, errors.New("lifecycle: purge age must be > 0")
	}
	n, err := m.store.PurgePosts(ctx, m.clock().Add(-olderThan))
	if err != nil {
		return 0, err
	}
	if n > 0 {
		m.log.Info("purged old posts", logx.Int("count", n), logx.Duration("older_than", olderThan))
	}
	return n, nil
}

// Platforms lists the registered platform descriptors.
func (m *Manager) Platforms() []platform.Descriptor { return m.registry.All() }
