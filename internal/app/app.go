package app

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"postqueue/internal/config"
	"postqueue/internal/delivery"
	"postqueue/internal/eventbus"
	"postqueue/internal/httpapi"
	"postqueue/internal/lifecycle"
	"postqueue/internal/pacing"
	"postqueue/internal/platform"
	"postqueue/internal/runtime/supervisor"
	"postqueue/internal/scheduler"
	"postqueue/internal/storage"
	logx "postqueue/pkg/logx"
)

// App wires config, storage, the lifecycle manager, the scheduler and the
// HTTP API, and owns their start/stop order.
type App struct {
	cfgm *config.ConfigManager
	sup  *supervisor.Supervisor

	log  logx.Logger
	logs *logx.Service
	bus  eventbus.Bus

	store    storage.Store
	pacer    pacing.Pacer
	registry *platform.Registry
	adapters *delivery.Registry

	lc    *lifecycle.Manager
	sched *scheduler.Service
	api   *httpapi.Service

	schedEnabled bool
}

type Option func(*options)

type options struct {
	getenv func(string) string
}

// WithGetenv replaces os.Getenv for platform token lookups.
func WithGetenv(fn func(string) string) Option {
	return func(o *options) { o.getenv = fn }
}

func NewApp(cfgPath string, opts ...Option) (*App, error) {
	o := options{getenv: os.Getenv}
	for _, fn := range opts {
		fn(&o)
	}

	cfgm := config.NewConfigManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, fmt.Errorf("load config %s: %w", cfgPath, err)
	}

	logSvc, log := logx.New(mapLogConfig(cfg))
	a := &App{cfgm: cfgm, logs: logSvc, log: log.With(logx.String("comp", "app")), bus: eventbus.New()}
	if err := a.build(cfg, log, o); err != nil {
		a.closeResources()
		logSvc.Close()
		return nil, err
	}
	return a, nil
}

func (a *App) build(cfg *config.Config, log logx.Logger, o options) error {
	var err error
	if a.registry, err = buildRegistry(cfg); err != nil {
		return err
	}
	if a.adapters, err = buildAdapters(cfg, a.registry, o.getenv, log.With(logx.String("comp", "delivery"))); err != nil {
		return err
	}

	sc, err := mapStorageConfig(cfg)
	if err != nil {
		return err
	}
	if a.store, err = storage.Open(sc, log.With(logx.String("comp", "storage"))); err != nil {
		return fmt.Errorf("open storage: %w", err)
	}
	a.log.Info("storage opened", logx.String("driver", sc.Driver))

	if a.pacer, err = pacing.New(mapPacingConfig(cfg)); err != nil {
		return err
	}
	if local, ok := a.pacer.(*pacing.Local); ok {
		last, err := a.store.LastAttempts(context.Background())
		if err != nil {
			return fmt.Errorf("seed pacer: %w", err)
		}
		local.Seed(last)
	}

	a.lc, err = lifecycle.New(lifecycle.Deps{Store: a.store, Registry: a.registry, Log: log})
	if err != nil {
		return err
	}

	schedCfg, err := mapSchedulerConfig(cfg)
	if err != nil {
		return err
	}
	a.sched, err = scheduler.New(schedCfg, scheduler.Deps{
		Store:    a.store,
		Registry: a.registry,
		Adapters: a.adapters,
		Pacer:    a.pacer,
		Bus:      a.bus,
		Log:      log,
	})
	if err != nil {
		return err
	}
	a.schedEnabled = cfg.Scheduler.Enabled

	apiCfg, err := mapAPIConfig(cfg)
	if err != nil {
		return err
	}
	a.api = httpapi.New(apiCfg, a.lc, a.sched, log)
	return nil
}

func (a *App) Lifecycle() *lifecycle.Manager { return a.lc }
func (a *App) Scheduler() *scheduler.Service { return a.sched }
func (a *App) API() *httpapi.Service { return a.api }
func (a *App) Platforms() *platform.Registry { return a.registry }
func (a *App) Events() eventbus.Bus { return a.bus }
func (a *App) Config() *config.ConfigManager { return a.cfgm }

// Done is closed when the app supervisor context is canceled (fatal error or Stop()).
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Context().Done()
}

// Err returns the first fatal error seen by the supervisor.
func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

// RunOnce reaps stale claims and runs a single scheduler tick. It is safe
// next to a running daemon.
func (a *App) RunOnce(ctx context.Context) error {
	if _, err := a.sched.Housekeep(ctx); err != nil {
		return err
	}
	return a.sched.RunOnce(ctx)
}

func (a *App) Start(ctx context.Context) error {
	a.sup = supervisor.NewSupervisor(ctx, supervisor.WithLogger(a.log), supervisor.WithCancelOnError(true))

	a.cfgm.SetLogger(a.log.With(logx.String("comp", "config")))
	a.cfgm.SetValidator(func(_ context.Context, cfg *config.Config) error {
		if _, err := buildRegistry(cfg); err != nil {
			return err
		}
		if _, err := mapSchedulerConfig(cfg); err != nil {
			return err
		}
		_, err := mapAPIConfig(cfg)
		return err
	})

	if a.schedEnabled {
		if err := a.sched.Start(a.sup.Context()); err != nil {
			a.sup.Cancel()
			return err
		}
	} else {
		a.log.Warn("scheduler disabled; posts will be accepted but not delivered")
	}
	a.api.Start(a.sup.Context())

	events, unsub := a.bus.Subscribe(128)
	a.sup.Go0("eventbus.log", func(c context.Context) {
		defer unsub()
		for {
			select {
			case <-c.Done():
				return
			case e, ok := <-events:
				if !ok {
					return
				}
				a.log.Debug("event", logx.String("type", e.Type), logx.Time("time", e.Time))
			}
		}
	})

	sub := a.cfgm.Subscribe(8)
	a.sup.Go0("config.reload", func(c context.Context) {
		defer a.cfgm.Unsubscribe(sub)
		lastApplied := a.cfgm.Get()
		for {
			select {
			case <-c.Done():
				return
			case newCfg, ok := <-sub:
				if !ok {
					return
				}
				newCfg = drainLatest(sub, newCfg)
				a.applyConfig(lastApplied, newCfg)
				lastApplied = newCfg
			}
		}
	})

	a.sup.Go("config.watch", func(c context.Context) error {
		return a.cfgm.Watch(c)
	})

	a.log.Info("app started",
		logx.Bool("scheduler", a.schedEnabled),
		logx.Strs("platforms", a.registry.IDs()),
	)
	return nil
}

// drainLatest coalesces a burst of reloads into the newest config.
func drainLatest(ch <-chan *config.Config, cur *config.Config) *config.Config {
	for {
		select {
		case newer, ok := <-ch:
			if !ok {
				return cur
			}
			if newer != nil {
				cur = newer
			}
		default:
			return cur
		}
	}
}

func (a *App) applyConfig(oldCfg, newCfg *config.Config) {
	sections, attrs, platforms := config.SummarizeConfigChange(oldCfg, newCfg)
	if len(sections) == 0 {
		a.log.Info("config reloaded (no changes)")
		return
	}
	a.logs.Apply(mapLogConfig(newCfg))

	fields := append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)
	a.log.Info("config reloaded", fields...)
	if len(platforms) > 0 {
		a.log.Debug("platform config changes detected", logx.Strs("platforms", platforms))
	}
	if config.NeedsRestart(sections) {
		a.log.Warn("config changed; restart required for changes to take effect", logx.String("changed", strings.Join(sections, ",")))
	}
}

func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if a.sup == nil {
		a.closeResources()
		a.logs.Close()
		return nil
	}
	a.log.Info("stopping", logx.String("reason", string(reason)))

	a.step(ctx, "api", 2*time.Second, func(c context.Context) error { a.api.Stop(c); return nil })
	// The scheduler gets the longest budget: it waits for in-flight attempts.
	a.step(ctx, "scheduler", 10*time.Second, func(c context.Context) error { a.sched.Stop(c); return nil })

	a.sup.Cancel()
	a.step(ctx, "supervisor", 2*time.Second, func(c context.Context) error { return a.sup.Wait(c) })
	a.step(ctx, "resources", 2*time.Second, func(context.Context) error { return a.closeResources() })

	a.log.Info("stopped")
	a.logs.Close()
	return nil
}

func (a *App) closeResources() error {
	var errs []error
	if a.pacer != nil {
		errs = append(errs, a.pacer.Close())
	}
	if a.store != nil {
		errs = append(errs, a.store.Close())
	}
	return errors.Join(errs...)
}

// step runs one shutdown step bounded by max and by the caller's deadline.
// A step that overruns is left running and reported when it finishes.
func (a *App) step(ctx context.Context, name string, max time.Duration, fn func(context.Context) error) {
	start := time.Now()
	if dl, ok := ctx.Deadline(); ok {
		max = min(max, time.Until(dl))
	}
	if max <= 0 {
		a.log.Warn("stop step skipped (no time left)", logx.String("name", name))
		return
	}
	stepCtx, cancel := context.WithTimeout(ctx, max)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- fmt.Errorf("panic in stop step %s: %v", name, r)
			}
		}()
		done <- fn(stepCtx)
	}()

	select {
	case err := <-done:
		if err != nil {
			a.log.Warn("stop step error", logx.String("name", name), logx.Err(err))
		}
		a.log.Debug("stop step end", logx.String("name", name), logx.Duration("took", time.Since(start)))
	case <-stepCtx.Done():
		a.log.Warn("stop step deadline reached (continuing)", logx.String("name", name), logx.Duration("elapsed", time.Since(start)))
		go func() {
			err := <-done
			a.log.Info("stop step finished after deadline", logx.String("name", name), logx.Duration("took", time.Since(start)), logx.Err(err))
		}()
	}
}
