// Package httpapi serves the lifecycle operations and scheduler status as
// JSON over HTTP.
package httpapi

import (
	"context"
	"errors"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"

	"postqueue/internal/lifecycle"
	"postqueue/internal/platform"
	rtsup "postqueue/internal/runtime/supervisor"
	"postqueue/internal/scheduler"
	"postqueue/internal/storage"
	logx "postqueue/pkg/logx"
)

const DefaultAddr = "127.0.0.1:8080"

type Config struct {
	Enabled bool
	Addr    string
	// RatePerSec limits requests per second for the whole process. 0 disables.
	RatePerSec float64
	Burst      int
	// Pprof mounts net/http/pprof under /debug/pprof.
	Pprof bool

	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	IdleTimeout  time.Duration
}

// Lifecycle is the subset of *lifecycle.Manager the API needs.
type Lifecycle interface {
	CreatePost(ctx context.Context, in lifecycle.CreateInput) (lifecycle.PostView, error)
	EditPost(ctx context.Context, id string, in lifecycle.EditInput) (lifecycle.PostView, error)
	DeletePost(ctx context.Context, id string) error
	RetryFailedTask(ctx context.Context, taskID string) (storage.Task, error)
	GetPost(ctx context.Context, id string) (lifecycle.PostView, error)
	GetPostStatus(ctx context.Context, id string) (lifecycle.Status, error)
	ListPosts(ctx context.Context, f lifecycle.ListFilter) ([]lifecycle.PostView, error)
	Dashboard(ctx context.Context) (lifecycle.Dashboard, error)
	Platforms() []platform.Descriptor
}

// Scheduler reports and toggles dispatch; *scheduler.Service implements it.
type Scheduler interface {
	Snapshot() scheduler.Snapshot
	Pause() bool
	Resume() bool
}

type Service struct {
	mu  sync.Mutex
	log logx.Logger
	cfg Config

	lc    Lifecycle
	sched Scheduler

	handler  http.Handler
	ln       net.Listener
	srv      *http.Server
	sup      *rtsup.Supervisor
	stopDone chan struct{}
}

func New(cfg Config, lc Lifecycle, sched Scheduler, log logx.Logger) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	if strings.TrimSpace(cfg.Addr) == "" {
		cfg.Addr = DefaultAddr
	}
	s := &Service{cfg: cfg, lc: lc, sched: sched, log: log.With(logx.String("comp", "httpapi"))}
	s.handler = s.router()
	return s
}

// Handler returns the gin engine; tests drive it through httptest.
func (s *Service) Handler() http.Handler { return s.handler }

// Addr reports the bound address while the server is listening.
func (s *Service) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ln == nil {
		return ""
	}
	return s.ln.Addr().String()
}

func (s *Service) Supervisor() *rtsup.Supervisor {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sup
}

// Start launches the listener under a restart loop. It is a no-op when the
// API is disabled or already running.
func (s *Service) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sup != nil || !s.cfg.Enabled {
		return
	}
	s.sup = rtsup.NewSupervisor(ctx, rtsup.WithLogger(s.log))
	s.sup.GoRestart("http.serve", s.serveOnce,
		rtsup.WithPublishFirstError(true),
		rtsup.WithRestartBackoff(500*time.Millisecond, 10*time.Second),
	)
}

// Stop shuts the server down gracefully, bounded by ctx.
func (s *Service) Stop(ctx context.Context) {
	s.mu.Lock()
	if s.sup == nil {
		s.mu.Unlock()
		return
	}
	srv, sup := s.srv, s.sup
	done := make(chan struct{})
	s.stopDone = done
	s.mu.Unlock()

	go func() {
		defer close(done)
		if srv != nil {
			_ = srv.Shutdown(ctx)
		}
		sup.Cancel()
		_ = sup.Wait(context.Background())

		s.mu.Lock()
		s.srv, s.ln, s.sup, s.stopDone = nil, nil, nil, nil
		s.mu.Unlock()
		s.log.Info("api stopped")
	}()

	select {
	case <-done:
	case <-ctx.Done():
		sup.Cancel()
	}
}

func (s *Service) serveOnce(ctx context.Context) error {
	s.mu.Lock()
	cfg := s.cfg
	s.mu.Unlock()

	ln, err := net.Listen("tcp", cfg.Addr)
	if err != nil {
		s.log.Error("api listen failed", logx.String("addr", cfg.Addr), logx.Err(err))
		if ctx.Err() != nil {
			return context.Canceled
		}
		return err
	}
	defer func() { _ = ln.Close() }()

	srv := &http.Server{
		Handler:           s.handler,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       cfg.ReadTimeout,
		WriteTimeout:      cfg.WriteTimeout,
		IdleTimeout:       cfg.IdleTimeout,
	}
	s.mu.Lock()
	s.ln, s.srv = ln, srv
	s.mu.Unlock()

	go func() {
		<-ctx.Done()
		cctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		_ = srv.Shutdown(cctx)
		cancel()
	}()

	s.log.Info("api started", logx.String("addr", ln.Addr().String()), logx.Bool("pprof", cfg.Pprof))
	err = srv.Serve(ln)

	s.mu.Lock()
	if s.srv == srv {
		s.srv, s.ln = nil, nil
	}
	stopping := s.stopDone != nil
	s.mu.Unlock()

	if stopping || ctx.Err() != nil {
		return context.Canceled
	}
	if err == nil || errors.Is(err, http.ErrServerClosed) {
		return errors.New("api server exited unexpectedly")
	}
	return err
}

func (s *Service) router() *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery(), requestLog(s.log), rateLimit(s.cfg.RatePerSec, s.cfg.Burst))

	r.GET("/healthz", s.health)

	api := r.Group("/api")
	api.POST("/posts", s.createPost)
	api.GET("/posts", s.listPosts)
	api.GET("/posts/export", s.exportPosts)
	api.GET("/posts/:id", s.getPost)
	api.PATCH("/posts/:id", s.editPost)
	api.DELETE("/posts/:id", s.deletePost)
	api.GET("/posts/:id/status", s.postStatus)
	api.POST("/tasks/:id/retry", s.retryTask)
	api.GET("/platforms", s.platforms)
	api.GET("/dashboard", s.dashboard)
	api.GET("/scheduler", s.schedulerSnapshot)
	api.POST("/scheduler/pause", s.pauseScheduler)
	api.POST("/scheduler/resume", s.resumeScheduler)

	if s.cfg.Pprof {
		mountPprof(r.Group("/debug/pprof"))
	}
	return r
}
