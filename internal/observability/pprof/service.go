// Package pprof serves the runtime profiling endpoints on a small HTTP
// server that can be started, stopped, and rebound at runtime. It is off
// by default and refuses non-loopback binds unless a token or an explicit
// insecure override is configured.
package pprof

import (
	"context"
	"net"
	"net/http"
	"sync"
	"time"

	rtsup "tfmon/internal/runtime/supervisor"
	logx "tfmon/pkg/logx"
)

// Config controls the optional pprof HTTP server. Binding anywhere but
// loopback requires Token or AllowInsecure.
type Config struct {
	Enabled       bool
	Addr          string
	Prefix        string
	Token         string
	AllowInsecure bool

	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	IdleTimeout  time.Duration
}

// Service is the lifecycle wrapper around the server: Start and Stop are
// idempotent, and Reconfigure applies a new Config live.
type Service struct {
	mu  sync.Mutex
	log logx.Logger
	cfg Config

	ln       net.Listener
	srv      *http.Server
	sup      *rtsup.Supervisor
	stopDone chan struct{}
}

func New(cfg Config, log logx.Logger) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Service{cfg: cfg, log: log}
}

func (s *Service) Enabled() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg.Enabled
}

// Addr reports the bound listen address, or "" while not serving. With a
// ":0" bind this is the only way to learn the chosen port.
func (s *Service) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ln == nil {
		return ""
	}
	return s.ln.Addr().String()
}

// Reconfigure swaps in cfg and starts, stops, or restarts the server as
// the change demands. Called from the config hot-reload path.
func (s *Service) Reconfigure(ctx context.Context, cfg Config) {
	s.mu.Lock()
	prev := s.cfg
	running := s.srv != nil
	s.cfg = cfg
	s.mu.Unlock()

	switch {
	case !cfg.Enabled:
		if running {
			s.Stop(ctx)
		}
	case !running:
		s.Start(ctx)
	case needsRestart(prev, cfg):
		s.Stop(ctx)
		s.Start(ctx)
	}
}

// needsRestart reports whether moving from a to b requires rebinding the
// server. Everything except Enabled is baked into the listener or the
// handler chain at serve time.
func needsRestart(a, b Config) bool {
	switch {
	case a.Addr != b.Addr:
		return true
	case canonicalPrefix(a.Prefix) != canonicalPrefix(b.Prefix):
		return true
	case a.Token != b.Token:
		return true
	case a.AllowInsecure != b.AllowInsecure:
		return true
	case a.ReadTimeout != b.ReadTimeout,
		a.WriteTimeout != b.WriteTimeout,
		a.IdleTimeout != b.IdleTimeout:
		return true
	}
	return false
}

// Start brings the server up if it is enabled and not already running.
// When a Stop is still draining, Start waits for it before binding again.
func (s *Service) Start(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}

	for {
		s.mu.Lock()
		if draining := s.stopDone; draining != nil {
			s.mu.Unlock()
			select {
			case <-draining:
				continue
			case <-ctx.Done():
				return
			}
		}
		if s.sup != nil || !s.cfg.Enabled {
			s.mu.Unlock()
			return
		}

		sup := rtsup.NewSupervisor(ctx,
			rtsup.WithLogger(s.log.With(logx.String("comp", "pprof"))),
			// Profiling is a side concern; its failures must not take the
			// process down.
			rtsup.WithCancelOnError(false),
		)
		s.sup = sup
		s.mu.Unlock()

		sup.GoRestart("http.serve", s.serve,
			rtsup.WithPublishFirstError(true),
			rtsup.WithRestartBackoff(500*time.Millisecond, 10*time.Second),
		)
		return
	}
}

// Stop shuts the server down. The teardown runs on its own goroutine so a
// caller with a short deadline can leave without stranding state; a second
// Stop during the drain just waits for the first.
func (s *Service) Stop(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}

	s.mu.Lock()
	if s.sup == nil {
		s.mu.Unlock()
		return
	}
	if draining := s.stopDone; draining != nil {
		s.mu.Unlock()
		select {
		case <-draining:
		case <-ctx.Done():
		}
		return
	}

	done := make(chan struct{})
	s.stopDone = done
	srv, ln, sup := s.srv, s.ln, s.sup
	s.mu.Unlock()

	go func() {
		defer close(done)
		if srv != nil {
			_ = srv.Shutdown(ctx)
			_ = srv.Close()
		}
		if ln != nil {
			_ = ln.Close()
		}
		sup.Cancel()
		_ = sup.Wait(context.Background())

		s.mu.Lock()
		s.ln, s.srv, s.sup = nil, nil, nil
		s.stopDone = nil
		s.mu.Unlock()
		s.log.Info("pprof stopped")
	}()

	select {
	case <-done:
	case <-ctx.Done():
		// Caller is out of time; make sure the serve loop is unblocked.
		sup.Cancel()
	}
}
