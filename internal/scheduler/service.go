package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"

	"postqueue/internal/delivery"
	"postqueue/internal/eventbus"
	"postqueue/internal/pacing"
	"postqueue/internal/platform"
	"postqueue/internal/runtime/supervisor"
	"postqueue/internal/storage"
	logx "postqueue/pkg/logx"
)

type Service struct {
	mu sync.Mutex

	cfg      Config
	hkSpec   string
	store    storage.Store
	registry *platform.Registry
	adapters *delivery.Registry
	pacer    pacing.Pacer
	bus      eventbus.Bus
	log      logx.Logger
	now      func() time.Time

	sup      *supervisor.Supervisor
	lastSup  supervisor.Snapshot
	c        *cron.Cron
	hkEntry  cron.EntryID
	lastTick atomic.Int64 // unix ms
	paused   atomic.Bool

	lmu   sync.Mutex
	lanes map[string]*lane

	n struct {
		ticks, claimed, sent, retried, failed, exhausted, released, lost, storeErrors atomic.Uint64
	}
}

type lane struct {
	busy atomic.Bool

	mu           sync.Mutex
	lastDispatch time.Time
	lastOutcome  string
}

func (l *lane) record(dispatch time.Time, outcome string) {
	l.mu.Lock()
	if !dispatch.IsZero() {
		l.lastDispatch = dispatch
	}
	if outcome != "" {
		l.lastOutcome = outcome
	}
	l.mu.Unlock()
}

// cronParser accepts 5- and 6-field specs plus descriptors like @every.
var cronParser = cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

func New(cfg Config, deps Deps) (*Service, error) {
	if deps.Store == nil {
		return nil, errors.New("scheduler: store is required")
	}
	if deps.Registry == nil || deps.Adapters == nil {
		return nil, errors.New("scheduler: platform and adapter registries are required")
	}
	cfg = cfg.withDefaults()
	spec, err := normalizeSpec(cfg.Housekeeping.Spec)
	if err != nil {
		return nil, fmt.Errorf("scheduler: housekeeping: %w", err)
	}
	if deps.Pacer == nil {
		deps.Pacer = pacing.NewLocal()
	}
	if deps.Log.IsZero() {
		deps.Log = logx.Nop()
	}
	if deps.Now == nil {
		deps.Now = time.Now
	}
	return &Service{
		cfg:      cfg,
		hkSpec:   spec,
		store:    deps.Store,
		registry: deps.Registry,
		adapters: deps.Adapters,
		pacer:    deps.Pacer,
		bus:      deps.Bus,
		log:      deps.Log.With(logx.String("comp", "scheduler")),
		now:      deps.Now,
		lanes:    map[string]*lane{},
	}, nil
}

func (s *Service) clock() time.Time { return s.now().UTC() }

// Start recovers stranded claims and starts the tick loop and housekeeping.
// With SharedStore only claims older than ClaimReapAfter are recovered.
// Calling Start on a running service is a no-op.
func (s *Service) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sup != nil {
		return nil
	}

	if err := s.recover(ctx); err != nil {
		return err
	}

	sup := supervisor.NewSupervisor(ctx, supervisor.WithLogger(s.log))
	sup.GoRestart("scheduler.tick", s.loop,
		supervisor.WithPublishFirstError(true),
		supervisor.WithRestartBackoff(500*time.Millisecond, 10*time.Second),
	)

	if s.hkSpec != "" {
		c := cron.New(cron.WithParser(cronParser), cron.WithLocation(time.UTC))
		id, err := c.AddFunc(s.hkSpec, func() {
			if _, err := s.Housekeep(sup.Context()); err != nil {
				s.log.Warn("housekeeping failed", logx.Err(err))
			}
		})
		if err != nil {
			sup.Cancel()
			return fmt.Errorf("scheduler: housekeeping spec %q: %w", s.hkSpec, err)
		}
		c.Start()
		s.c, s.hkEntry = c, id
	}
	s.sup = sup
	s.log.Info("service started",
		logx.Duration("tick", s.cfg.Tick),
		logx.Duration("attempt_timeout", s.cfg.AttemptTimeout),
		logx.Strs("lanes", s.adapters.Platforms()),
		logx.String("housekeeping", s.hkSpec),
	)
	return nil
}

// Stop ends the tick loop and waits for in-flight attempts until ctx ends.
// Interrupted attempts are released without consuming an attempt.
func (s *Service) Stop(ctx context.Context) {
	start := time.Now()
	s.mu.Lock()
	sup, c := s.sup, s.c
	s.sup, s.c = nil, nil
	s.mu.Unlock()
	if sup == nil {
		return
	}
	s.log.Info("stop requested")

	if c != nil {
		select {
		case <-c.Stop().Done():
		case <-ctx.Done():
		}
	}
	if err := sup.Stop(ctx); err != nil {
		s.log.Warn("stop finished with error", logx.Err(err))
	}
	s.mu.Lock()
	s.lastSup = sup.Snapshot()
	s.mu.Unlock()
	s.log.Info("service stopped", logx.Duration("took", time.Since(start)))
}

func (s *Service) recover(ctx context.Context) error {
	now := s.clock()
	if s.cfg.SharedStore {
		n, err := s.store.ReapClaimed(ctx, now.Add(-s.cfg.ClaimReapAfter), now)
		if err != nil {
			return fmt.Errorf("scheduler: reap stale claims: %w", err)
		}
		if n > 0 {
			s.log.Warn("reaped stale claims at startup", logx.Int("count", n), logx.Duration("older_than", s.cfg.ClaimReapAfter))
		}
		return nil
	}
	n, err := s.store.RecoverClaimed(ctx, now)
	if err != nil {
		return fmt.Errorf("scheduler: recover claimed tasks: %w", err)
	}
	if n > 0 {
		s.log.Warn("recovered claimed tasks from previous run", logx.Int("count", n))
	}
	return nil
}

// Pause stops new claims. In-flight attempts finish and housekeeping keeps
// running. It reports whether the state changed.
func (s *Service) Pause() bool {
	if !s.paused.CompareAndSwap(false, true) {
		return false
	}
	s.log.Info("dispatch paused")
	return true
}

func (s *Service) Resume() bool {
	if !s.paused.CompareAndSwap(true, false) {
		return false
	}
	s.log.Info("dispatch resumed")
	return true
}

func (s *Service) Paused() bool { return s.paused.Load() }

func (s *Service) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sup != nil
}

func (s *Service) loop(ctx context.Context) error {
	t := time.NewTicker(s.cfg.Tick)
	defer t.Stop()
	s.tick(ctx)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-t.C:
			s.tick(ctx)
		}
	}
}

// RunOnce runs a single tick and waits for every lane it started. The
// returned error joins the store and pacer failures seen during the tick.
func (s *Service) RunOnce(ctx context.Context) error {
	r := s.tick(ctx)
	r.wg.Wait()
	r.mu.Lock()
	defer r.mu.Unlock()
	return errors.Join(r.errs...)
}

type tickRun struct {
	wg   sync.WaitGroup
	mu   sync.Mutex
	errs []error
}

func (r *tickRun) fail(err error) {
	r.mu.Lock()
	r.errs = append(r.errs, err)
	r.mu.Unlock()
}

func (s *Service) lane(id string) *lane {
	s.lmu.Lock()
	defer s.lmu.Unlock()
	l := s.lanes[id]
	if l == nil {
		l = &lane{}
		s.lanes[id] = l
	}
	return l
}

// tick starts one dispatch per idle lane and returns without waiting.
func (s *Service) tick(ctx context.Context) *tickRun {
	r := &tickRun{}
	now := s.clock()
	s.n.ticks.Add(1)
	s.lastTick.Store(now.UnixMilli())
	if s.paused.Load() {
		return r
	}

	s.mu.Lock()
	sup := s.sup
	s.mu.Unlock()

	for _, d := range s.registry.All() {
		a, ok := s.adapters.Get(d.ID)
		if !ok {
			continue
		}
		l := s.lane(d.ID)
		if !l.busy.CompareAndSwap(false, true) {
			continue
		}
		r.wg.Add(1)
		run := func(ctx context.Context) {
			defer r.wg.Done()
			defer l.busy.Store(false)
			s.dispatch(ctx, r, l, d, a)
		}
		if sup != nil {
			sup.Go0("lane."+d.ID, run)
		} else {
			go run(ctx)
		}
	}
	return r
}

func (s *Service) tickError(r *tickRun, platformID, op string, err error) {
	s.n.storeErrors.Add(1)
	r.fail(fmt.Errorf("%s %s: %w", platformID, op, err))
	s.log.Error("tick step failed", logx.String("platform", platformID), logx.String("op", op), logx.Err(err))
	s.publish(EventTickError, TickError{Platform: platformID, Op: op, Error: err.Error()})
}

func (s *Service) publish(typ string, data any) {
	if s.bus == nil {
		return
	}
	s.bus.Publish(eventbus.Event{Type: typ, Time: s.clock(), Data: data})
}

// Housekeep reaps stale claims and purges finished posts past retention.
// It returns the number of reaped tasks.
func (s *Service) Housekeep(ctx context.Context) (int, error) {
	now := s.clock()
	reaped, err := s.store.ReapClaimed(ctx, now.Add(-s.cfg.ClaimReapAfter), now)
	if err != nil {
		return 0, fmt.Errorf("reap claimed: %w", err)
	}
	if reaped > 0 {
		s.log.Warn("reaped stale claims", logx.Int("count", reaped), logx.Duration("older_than", s.cfg.ClaimReapAfter))
	}
	if ret := s.cfg.Housekeeping.Retention; ret > 0 {
		purged, err := s.store.PurgePosts(ctx, now.Add(-ret))
		if err != nil {
			return reaped, fmt.Errorf("purge posts: %w", err)
		}
		if purged > 0 {
			s.log.Info("purged finished posts", logx.Int("count", purged), logx.Duration("retention", ret))
		}
	}
	return reaped, nil
}

func (s *Service) Snapshot() Snapshot {
	s.mu.Lock()
	sup, c, entry := s.sup, s.c, s.hkEntry
	supSnap := s.lastSup
	s.mu.Unlock()
	if sup != nil {
		supSnap = sup.Snapshot()
	}

	snap := Snapshot{
		Running:        sup != nil,
		Paused:         s.paused.Load(),
		Tick:           s.cfg.Tick,
		AttemptTimeout: s.cfg.AttemptTimeout,
		Supervisor:     supSnap,
		Housekeeping:   HousekeepingInfo{Spec: s.hkSpec, Retention: s.cfg.Housekeeping.Retention},
		Counters: Counters{
			Ticks:       s.n.ticks.Load(),
			Claimed:     s.n.claimed.Load(),
			Sent:        s.n.sent.Load(),
			Retried:     s.n.retried.Load(),
			Failed:      s.n.failed.Load(),
			Exhausted:   s.n.exhausted.Load(),
			Released:    s.n.released.Load(),
			ClaimsLost:  s.n.lost.Load(),
			StoreErrors: s.n.storeErrors.Load(),
		},
	}
	if ms := s.lastTick.Load(); ms != 0 {
		snap.LastTick = time.UnixMilli(ms).UTC()
	}
	if c != nil && entry != 0 {
		e := c.Entry(entry)
		snap.Housekeeping.Next = e.Next
		snap.Housekeeping.Prev = e.Prev
	}

	s.lmu.Lock()
	for id, l := range s.lanes {
		l.mu.Lock()
		snap.Lanes = append(snap.Lanes, LaneInfo{
			Platform:     id,
			InFlight:     l.busy.Load(),
			LastDispatch: l.lastDispatch,
			LastOutcome:  l.lastOutcome,
		})
		l.mu.Unlock()
	}
	s.lmu.Unlock()
	sort.Slice(snap.Lanes, func(i, j int) bool { return snap.Lanes[i].Platform < snap.Lanes[j].Platform })
	return snap
}
