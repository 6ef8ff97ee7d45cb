package metrics

import (
	"context"
	"errors"
	"net"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	rtsup "statbot/internal/runtime/supervisor"
	logx "statbot/pkg/logx"
)

const defaultAddr = ":8000"

// ServerConfig controls the scrape endpoint.
type ServerConfig struct {
	Enabled bool
	Addr    string
	Path    string
	// Token, when set, is required as "Authorization: Bearer <token>" or ?token=.
	Token string
	// Pprof mounts the runtime profiling handlers under /debug/pprof/.
	Pprof bool

	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	IdleTimeout  time.Duration
}

// HealthFunc returns a JSON-encodable status document for /healthz.
type HealthFunc func() any

// Server serves the registry over HTTP. The listener is rebound with
// backoff if serving fails.
type Server struct {
	log    logx.Logger
	reg    *Registry
	health HealthFunc

	mu   sync.Mutex
	cfg  ServerConfig
	inst *instance
}

// instance is one Start..Stop cycle.
type instance struct {
	cfg  ServerConfig
	sup  *rtsup.Supervisor
	done chan struct{}

	stopping atomic.Bool
	ln       atomic.Pointer[net.Listener]
}

func NewServer(cfg ServerConfig, reg *Registry, health HealthFunc, log logx.Logger) *Server {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Server{cfg: cfg, reg: reg, health: health, log: log.With(logx.String("comp", "metrics.http"))}
}

// Addr is the bound listen address, empty when not serving.
func (s *Server) Addr() string {
	s.mu.Lock()
	inst := s.inst
	s.mu.Unlock()
	if inst == nil {
		return ""
	}
	if ln := inst.ln.Load(); ln != nil {
		return (*ln).Addr().String()
	}
	return ""
}

// Reconfigure applies cfg, then starts, stops or restarts serving to match.
func (s *Server) Reconfigure(ctx context.Context, cfg ServerConfig) {
	s.mu.Lock()
	changed := s.cfg != cfg
	running := s.inst != nil
	s.cfg = cfg
	s.mu.Unlock()

	if running && (changed || !cfg.Enabled) {
		s.Stop(ctx)
		running = false
	}
	if !running && cfg.Enabled {
		s.Start(ctx)
	}
}

// Start begins serving when enabled. It is a no-op while already serving and
// waits for a Stop in progress to finish first.
func (s *Server) Start(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}
	for {
		s.mu.Lock()
		inst := s.inst
		if inst != nil && inst.stopping.Load() {
			s.mu.Unlock()
			select {
			case <-inst.done:
				continue
			case <-ctx.Done():
				return
			}
		}
		if inst != nil || !s.cfg.Enabled {
			s.mu.Unlock()
			return
		}
		inst = &instance{
			cfg:  s.cfg,
			sup:  rtsup.NewSupervisor(ctx, rtsup.WithLogger(s.log)),
			done: make(chan struct{}),
		}
		s.inst = inst
		s.mu.Unlock()

		inst.sup.GoRestart("http.serve", func(c context.Context) error { return s.serve(c, inst) },
			rtsup.WithPublishFirstError(true),
			rtsup.WithRestartBackoff(500*time.Millisecond, 10*time.Second),
		)
		return
	}
}

// Stop shuts serving down, waiting until ctx is done at most.
func (s *Server) Stop(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}
	s.mu.Lock()
	inst := s.inst
	s.mu.Unlock()
	if inst == nil {
		return
	}
	if inst.stopping.CompareAndSwap(false, true) {
		go func() {
			inst.sup.Cancel()
			_ = inst.sup.Wait(context.Background())
			s.mu.Lock()
			if s.inst == inst {
				s.inst = nil
			}
			s.mu.Unlock()
			close(inst.done)
			s.log.Info("metrics endpoint stopped")
		}()
	}
	select {
	case <-inst.done:
	case <-ctx.Done():
	}
}

func (s *Server) serve(ctx context.Context, inst *instance) error {
	cfg := inst.cfg
	addr := strings.TrimSpace(cfg.Addr)
	if addr == "" {
		addr = defaultAddr
	}
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		if ctx.Err() != nil {
			return context.Canceled
		}
		s.log.Error("metrics listen failed", logx.String("addr", addr), logx.Err(err))
		return err
	}
	inst.ln.Store(&ln)
	defer inst.ln.Store(nil)

	srv := &http.Server{
		Handler:      s.handler(cfg),
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  cfg.IdleTimeout,
	}
	stopped := make(chan struct{})
	defer close(stopped)
	go func() {
		select {
		case <-stopped:
		case <-ctx.Done():
			sctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			_ = srv.Shutdown(sctx)
			cancel()
		}
	}()

	s.log.Info("metrics endpoint started",
		logx.String("addr", ln.Addr().String()),
		logx.String("path", routePath(cfg.Path)),
		logx.Bool("token_set", cfg.Token != ""),
	)
	err = srv.Serve(ln)
	_ = srv.Close()
	if ctx.Err() != nil {
		return context.Canceled
	}
	if err == nil || errors.Is(err, http.ErrServerClosed) {
		return errors.New("metrics server exited unexpectedly")
	}
	return err
}
