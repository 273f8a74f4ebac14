// Package shutdown drains inbound connections before the process exits.
//
// The Sequencer is a timed state machine:
//
//	Running -> Draining -> ForceClosing -> Exited
//
// A graceful signal drains for up to the grace period (or until no
// connections remain); an immediate signal skips straight to force closing.
// Force closing shuts the listeners down, ends idle connections, destroys
// whatever is still open after the destroy timeout and gives up entirely at
// the force timeout.
package shutdown

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/wudi/eventrelay/internal/config"
	"github.com/wudi/eventrelay/internal/logging"
	"go.uber.org/zap"
)

// State of the shutdown sequence. Transitions only move forward.
type State int32

const (
	Running State = iota
	Draining
	ForceClosing
	Exited
)

func (s State) String() string {
	switch s {
	case Running:
		return "running"
	case Draining:
		return "draining"
	case ForceClosing:
		return "force_closing"
	case Exited:
		return "exited"
	default:
		return "unknown"
	}
}

// Signal requests a shutdown.
type Signal int

const (
	// Graceful waits for in-flight requests up to the grace period.
	Graceful Signal = iota
	// Immediate skips the grace period.
	Immediate
)

func (s Signal) String() string {
	if s == Immediate {
		return "immediate"
	}
	return "graceful"
}

// ErrHardTimeout is reported when the listeners did not close before the
// force timeout.
var ErrHardTimeout = errors.New("shutdown: force timeout reached before listeners closed")

// Drainer stops the listeners. Shutdown must return once every listener is
// closed or ctx is done.
type Drainer interface {
	Shutdown(ctx context.Context) error
}

// Hook runs after the listeners closed, e.g. flushing telemetry.
type Hook func(ctx context.Context) error

type namedHook struct {
	name string
	fn   Hook
}

// Option customizes a Sequencer.
type Option func(*Sequencer)

// WithStateObserver is called on every state transition.
func WithStateObserver(fn func(State)) Option {
	return func(s *Sequencer) { s.observer = fn }
}

// Sequencer owns the shutdown state and drives it from signals.
type Sequencer struct {
	cfg      config.ShutdownConfig
	registry *Registry
	drainer  Drainer
	observer func(State)

	mu    sync.Mutex
	hooks []namedHook

	state atomic.Int32
}

// NewSequencer creates a Sequencer in the Running state.
func NewSequencer(cfg config.ShutdownConfig, registry *Registry, drainer Drainer, opts ...Option) *Sequencer {
	s := &Sequencer{
		cfg:      cfg,
		registry: registry,
		drainer:  drainer,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// AddHook registers fn to run after the listeners closed. Hooks run in
// registration order and share the force timeout.
func (s *Sequencer) AddHook(name string, fn Hook) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.hooks = append(s.hooks, namedHook{name: name, fn: fn})
}

// State returns the current state.
func (s *Sequencer) State() State {
	return State(s.state.Load())
}

func (s *Sequencer) setState(st State) {
	prev := State(s.state.Swap(int32(st)))
	if prev == st {
		return
	}
	logging.Info("Shutdown state changed",
		zap.String("from", prev.String()),
		zap.String("to", st.String()),
	)
	if s.observer != nil {
		s.observer(st)
	}
}

// Run blocks until the sequence has completed and returns the process exit
// code: 0 when every listener closed in time, 1 otherwise. Canceling ctx acts
// as an immediate signal.
func (s *Sequencer) Run(ctx context.Context, signals <-chan Signal) int {
	select {
	case sig := <-signals:
		logging.Info("Shutdown requested", zap.Stringer("signal", sig))
		if sig == Graceful {
			s.drain(ctx, signals)
		}
	case <-ctx.Done():
		logging.Info("Shutdown requested", zap.Error(ctx.Err()))
	}

	err := s.forceClose()
	s.setState(Exited)
	if err != nil {
		logging.Error("Shutdown did not complete", zap.Error(err))
		return 1
	}
	return 0
}

// drain waits for the first of: grace period expiry, no open connections,
// an immediate signal or ctx cancellation.
func (s *Sequencer) drain(ctx context.Context, signals <-chan Signal) {
	s.setState(Draining)

	n := s.registry.Len()
	if n == 0 {
		logging.Info("No open connections, closing immediately")
		return
	}
	logging.Info("Draining connections",
		zap.Int("connections", n),
		zap.Duration("grace_period", s.cfg.GracePeriod),
	)

	grace := time.NewTimer(s.cfg.GracePeriod)
	defer grace.Stop()

	for {
		select {
		case <-grace.C:
			logging.Info("Grace period expired", zap.Int("connections", s.registry.Len()))
			return
		case <-s.registry.Empty():
			logging.Info("All connections drained")
			return
		case sig := <-signals:
			if sig == Immediate {
				return
			}
		case <-ctx.Done():
			return
		}
	}
}

func (s *Sequencer) forceClose() error {
	s.setState(ForceClosing)

	hardCtx, cancel := context.WithTimeout(context.Background(), s.cfg.ForceTimeout)
	defer cancel()

	destroy := time.AfterFunc(s.cfg.DestroyTimeout, func() {
		if n := s.registry.DestroyAll(); n > 0 {
			logging.Warn("Destroyed connections that did not close in time", zap.Int("connections", n))
		}
	})
	defer destroy.Stop()

	closed := make(chan error, 1)
	go func() {
		closed <- s.drainer.Shutdown(hardCtx)
	}()

	if n := s.registry.EndIdle(); n > 0 {
		logging.Info("Closed idle connections", zap.Int("connections", n))
	}

	select {
	case err := <-closed:
		if err != nil && hardCtx.Err() != nil {
			return ErrHardTimeout
		}
		if err != nil {
			logging.Warn("Listener shutdown reported an error", zap.Error(err))
		}
	case <-hardCtx.Done():
		return ErrHardTimeout
	}

	s.runHooks(hardCtx)
	return nil
}

// runHooks runs every hook, abandoning any that outlive ctx.
func (s *Sequencer) runHooks(ctx context.Context) {
	s.mu.Lock()
	hooks := append([]namedHook(nil), s.hooks...)
	s.mu.Unlock()

	for _, h := range hooks {
		done := make(chan error, 1)
		go func(h namedHook) {
			done <- h.fn(ctx)
		}(h)

		select {
		case err := <-done:
			if err != nil {
				logging.Warn("Shutdown hook failed", zap.String("hook", h.name), zap.Error(err))
			}
		case <-ctx.Done():
			logging.Warn("Shutdown hook abandoned at force timeout", zap.String("hook", h.name))
			return
		}
	}
}
