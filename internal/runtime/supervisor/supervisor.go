// Package supervisor runs named goroutines under a shared context with
// panic recovery, first-error capture, and optional restart-with-backoff
// for loops that should survive transient failures.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"runtime/debug"
	"sync"
	"time"

	logx "tfmon/pkg/logx"
)

// healthyRun is how long a restartable goroutine must stay up before its
// restart backoff resets. Rare failures in a long-lived loop should not
// accumulate into long restart delays.
const healthyRun = 30 * time.Second

// Supervisor owns a context shared by every goroutine it starts. The first
// non-nil error (or panic) is retained and, when cancel-on-error is set,
// cancels the context so sibling goroutines wind down.
type Supervisor struct {
	ctx    context.Context
	cancel context.CancelFunc

	log         logx.Logger
	cancelOnErr bool

	mu       sync.Mutex
	firstErr error

	wg       sync.WaitGroup
	waitOnce sync.Once
	waitCh   chan struct{}
}

type SupervisorOption func(*Supervisor)

func WithLogger(log logx.Logger) SupervisorOption {
	return func(s *Supervisor) { s.log = log }
}

// WithCancelOnError cancels the supervisor context as soon as any goroutine
// returns a non-nil error or panics.
func WithCancelOnError(enabled bool) SupervisorOption {
	return func(s *Supervisor) { s.cancelOnErr = enabled }
}

func NewSupervisor(parent context.Context, opts ...SupervisorOption) *Supervisor {
	ctx, cancel := context.WithCancel(parent)
	s := &Supervisor{
		ctx:    ctx,
		cancel: cancel,
		waitCh: make(chan struct{}),
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

func (s *Supervisor) Context() context.Context { return s.ctx }

// Cancel stops the shared context without waiting for goroutines to exit.
func (s *Supervisor) Cancel() { s.cancel() }

// Err returns the first error any supervised goroutine reported, or nil.
func (s *Supervisor) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.firstErr
}

// record keeps err if it is the first one seen.
func (s *Supervisor) record(err error) {
	if err == nil {
		return
	}
	s.mu.Lock()
	if s.firstErr == nil {
		s.firstErr = err
	}
	s.mu.Unlock()
}

// fail records err and cancels siblings when cancel-on-error is set.
func (s *Supervisor) fail(err error) {
	s.record(err)
	if s.cancelOnErr {
		s.cancel()
	}
}

// protect invokes fn, converting a panic into an error. The stack is logged
// here because the caller only sees the flattened error value.
func (s *Supervisor) protect(name string, fn func(ctx context.Context) error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			s.log.Error("goroutine panicked",
				logx.String("name", name),
				logx.Any("panic", r),
				logx.Stack(string(debug.Stack())))
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return fn(s.ctx)
}

// Go starts fn on the supervisor context. A context.Canceled return is a
// clean exit; any other error is recorded and may cancel the supervisor.
func (s *Supervisor) Go(name string, fn func(ctx context.Context) error) {
	if fn == nil {
		return
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.log.Debug("goroutine started", logx.String("name", name))
		err := s.protect(name, fn)
		if err != nil && !errors.Is(err, context.Canceled) {
			s.fail(fmt.Errorf("%s: %w", name, err))
		}
		s.log.Debug("goroutine stopped", logx.String("name", name))
	}()
}

// Go0 is Go for functions with nothing to report.
func (s *Supervisor) Go0(name string, fn func(ctx context.Context)) {
	if fn == nil {
		return
	}
	s.Go(name, func(ctx context.Context) error {
		fn(ctx)
		return nil
	})
}

// RestartOption configures GoRestart.
type RestartOption func(*restartPolicy)

type restartPolicy struct {
	backoffBase time.Duration
	backoffCap  time.Duration
	maxRestarts int // <=0: unlimited
	stopOnClean bool
	fatalFinal  bool
	publishErrs bool
}

// WithRestartBackoff bounds the exponential delay between restarts.
func WithRestartBackoff(min, max time.Duration) RestartOption {
	return func(p *restartPolicy) {
		if min > 0 {
			p.backoffBase = min
		}
		if max > 0 {
			p.backoffCap = max
		}
	}
}

// WithMaxRestarts gives up after n restarts. The initial run does not count.
func WithMaxRestarts(n int) RestartOption {
	return func(p *restartPolicy) { p.maxRestarts = n }
}

// WithFatalOnFinalError records the last error with the supervisor when the
// restart budget is exhausted, cancelling siblings under cancel-on-error.
func WithFatalOnFinalError(enabled bool) RestartOption {
	return func(p *restartPolicy) { p.fatalFinal = enabled }
}

// WithPublishFirstError records the first failure with the supervisor while
// the loop keeps restarting, so Err surfaces it without stopping anything.
func WithPublishFirstError(enabled bool) RestartOption {
	return func(p *restartPolicy) { p.publishErrs = enabled }
}

// WithStopOnCleanExit stops the loop when fn returns nil instead of
// restarting it. Enabled by default.
func WithStopOnCleanExit(enabled bool) RestartOption {
	return func(p *restartPolicy) { p.stopOnClean = enabled }
}

// GoRestart runs fn in a loop, restarting after failures with jittered
// exponential backoff. Meant for watchers and consumers whose transient
// failures should self-heal rather than stop the process.
func (s *Supervisor) GoRestart(name string, fn func(ctx context.Context) error, opts ...RestartOption) {
	if fn == nil {
		return
	}
	pol := restartPolicy{
		backoffBase: 250 * time.Millisecond,
		backoffCap:  30 * time.Second,
		stopOnClean: true,
	}
	for _, o := range opts {
		o(&pol)
	}
	if pol.backoffCap < pol.backoffBase {
		pol.backoffCap = pol.backoffBase
	}

	s.Go0(name+".restart", func(ctx context.Context) {
		delay := pol.backoffBase
		restarts := 0
		for ctx.Err() == nil {
			started := time.Now()
			err := s.protect(name, fn)

			// A return during shutdown is a stop, not a failure, whatever
			// error the function surfaced on its way out.
			if ctx.Err() != nil || errors.Is(err, context.Canceled) {
				return
			}
			if err == nil {
				if pol.stopOnClean {
					return
				}
				err = errors.New("returned without error")
			}

			named := fmt.Errorf("%s: %w", name, err)
			if pol.publishErrs {
				s.record(named)
			}

			if time.Since(started) >= healthyRun {
				delay = pol.backoffBase
			}
			restarts++
			if pol.maxRestarts > 0 && restarts > pol.maxRestarts {
				s.log.Error("goroutine gave up after restarts",
					logx.String("name", name),
					logx.Int("restarts", restarts),
					logx.Err(err))
				if pol.fatalFinal {
					s.fail(named)
				}
				return
			}

			if !sleepWithJitter(ctx, delay, s.log, name, err) {
				return
			}
			if delay *= 2; delay > pol.backoffCap {
				delay = pol.backoffCap
			}
		}
	})
}

// sleepWithJitter pauses for delay plus up to 20% jitter. Returns false when
// the context ended during the pause.
func sleepWithJitter(ctx context.Context, delay time.Duration, log logx.Logger, name string, cause error) bool {
	if j := int64(delay / 5); j > 0 {
		delay += time.Duration(rand.Int63n(j + 1))
	}
	log.Warn("goroutine restarting",
		logx.String("name", name),
		logx.Duration("backoff", delay),
		logx.Err(cause))

	t := time.NewTimer(delay)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

// Stop cancels the shared context and waits for every goroutine to exit.
func (s *Supervisor) Stop(ctx context.Context) error {
	s.cancel()
	return s.Wait(ctx)
}

// Wait blocks until all supervised goroutines have exited or ctx expires.
// It returns the first recorded error, or ctx.Err() on timeout.
func (s *Supervisor) Wait(ctx context.Context) error {
	s.waitOnce.Do(func() {
		go func() {
			s.wg.Wait()
			close(s.waitCh)
		}()
	})

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-s.waitCh:
		return s.Err()
	}
}
