package bridge

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
)

const (
	// DefaultPollInterval is the delay between readiness checks.
	DefaultPollInterval = 50 * time.Millisecond

	// DefaultMaxAttempts bounds the number of readiness checks.
	DefaultMaxAttempts = 200
)

// ReadinessState is the gate's position in its state machine.
type ReadinessState int

const (
	Unresolved ReadinessState = iota
	Polling
	Ready
	TimedOut
	Cancelled
	Rejected
)

func (s ReadinessState) String() string {
	switch s {
	case Unresolved:
		return "unresolved"
	case Polling:
		return "polling"
	case Ready:
		return "ready"
	case TimedOut:
		return "timed-out"
	case Cancelled:
		return "cancelled"
	case Rejected:
		return "rejected"
	default:
		return "unknown"
	}
}

// Terminal reports whether no further transition can happen.
func (s ReadinessState) Terminal() bool {
	return s >= Ready
}

// Probe is a snapshot of what the module currently exposes.
type Probe struct {
	// Pending is a promise-like signal delivering the handle once it resolves.
	Pending <-chan ModuleHandle

	// Handle is set once the module object exists.
	Handle ModuleHandle

	// Started is the marker saying the handle is usable as is.
	Started bool
}

// Target is the slot the gate polls for a module.
type Target interface {
	Probe() Probe
}

// TargetFunc adapts a function to Target.
type TargetFunc func() Probe

// Probe calls f.
func (f TargetFunc) Probe() Probe {
	return f()
}

// GateOption configures a Gate.
type GateOption func(*Gate)

// WithPollInterval sets the delay between checks.
func WithPollInterval(d time.Duration) GateOption {
	return func(g *Gate) {
		if d > 0 {
			g.interval = d
		}
	}
}

// WithMaxAttempts sets the number of checks before giving up.
func WithMaxAttempts(n int) GateOption {
	return func(g *Gate) {
		if n > 0 {
			g.maxAttempts = n
		}
	}
}

// Gate waits for a module to become callable and hands it to exactly one
// callback.
type Gate struct {
	target      Target
	interval    time.Duration
	maxAttempts int
	logger      *zap.Logger

	mu         sync.Mutex
	state      ReadinessState
	attempts   int
	err        error
	registered bool

	fireOnce sync.Once
	done     chan struct{}
}

// NewGate creates a gate over target.
func NewGate(target Target, logger *zap.Logger, opts ...GateOption) *Gate {
	g := &Gate{
		target:      target,
		interval:    DefaultPollInterval,
		maxAttempts: DefaultMaxAttempts,
		logger:      logger.With(zap.String("component", "readiness-gate")),
		done:        make(chan struct{}),
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// AwaitReady registers onReady and starts watching the target. onReady runs
// at most once, on the gate's goroutine, with a fully constructed handle.
// It never runs if the gate times out, is cancelled or is rejected.
func (g *Gate) AwaitReady(ctx context.Context, onReady func(ModuleHandle)) error {
	g.mu.Lock()
	if g.registered {
		g.mu.Unlock()
		return ErrAlreadyAwaiting
	}
	g.registered = true
	g.mu.Unlock()

	go g.run(ctx, onReady)
	return nil
}

// Wait blocks until the module is ready or the gate reaches another
// terminal state.
func (g *Gate) Wait(ctx context.Context) (ModuleHandle, error) {
	ready := make(chan ModuleHandle, 1)
	if err := g.AwaitReady(ctx, func(h ModuleHandle) { ready <- h }); err != nil {
		return nil, err
	}

	select {
	case h := <-ready:
		return h, nil
	case <-g.done:
		select {
		case h := <-ready:
			return h, nil
		default:
			return nil, g.Err()
		}
	}
}

// State returns the current readiness state.
func (g *Gate) State() ReadinessState {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.state
}

// Attempts returns the number of checks performed so far.
func (g *Gate) Attempts() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.attempts
}

// Err returns the terminal failure, or nil.
func (g *Gate) Err() error {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.err
}

// Done is closed once the gate reaches a terminal state.
func (g *Gate) Done() <-chan struct{} {
	return g.done
}

func (g *Gate) run(ctx context.Context, onReady func(ModuleHandle)) {
	defer close(g.done)

	g.setState(Polling)

	ticker := time.NewTicker(g.interval)
	defer ticker.Stop()

	for {
		attempt := g.nextAttempt()
		p := g.target.Probe()

		if p.Pending != nil {
			g.logger.Debug("Attaching to module readiness signal", zap.Int("attempt", attempt))
			g.attach(ctx, p.Pending, onReady)
			return
		}

		if p.Handle != nil && p.Started {
			g.fire(p.Handle, onReady)
			return
		}

		if attempt >= g.maxAttempts {
			g.finish(TimedOut, &ReadinessTimeoutError{Attempts: attempt, Interval: g.interval})
			g.logger.Error("Module not ready",
				zap.Int("attempts", attempt),
				zap.Duration("interval", g.interval),
			)
			return
		}

		select {
		case <-ctx.Done():
			g.cancel(ctx, attempt)
			return
		case <-ticker.C:
		}
	}
}

func (g *Gate) attach(ctx context.Context, pending <-chan ModuleHandle, onReady func(ModuleHandle)) {
	select {
	case h, ok := <-pending:
		if !ok || h == nil {
			g.finish(Rejected, ErrModuleRejected)
			g.logger.Error("Module readiness signal rejected")
			return
		}
		g.fire(h, onReady)
	case <-ctx.Done():
		g.cancel(ctx, g.Attempts())
	}
}

func (g *Gate) fire(h ModuleHandle, onReady func(ModuleHandle)) {
	g.fireOnce.Do(func() {
		g.finish(Ready, nil)
		g.logger.Info("Module ready",
			zap.String("module", h.Name()),
			zap.Int("attempts", g.Attempts()),
		)
		onReady(h)
	})
}

func (g *Gate) cancel(ctx context.Context, attempts int) {
	g.finish(Cancelled, &ReadinessCancelledError{Attempts: attempts, Err: ctx.Err()})
	g.logger.Warn("Readiness wait cancelled", zap.Int("attempts", attempts), zap.Error(ctx.Err()))
}

func (g *Gate) nextAttempt() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.attempts++
	return g.attempts
}

func (g *Gate) setState(s ReadinessState) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.state = s
}

func (g *Gate) finish(s ReadinessState, err error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.state = s
	g.err = err
}
