package schedule

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/modronbot/modron/pkg/utils"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// DefaultPanicBackoff is how long a service waits before the next pass after a pass panicked.
const DefaultPanicBackoff = 5 * time.Second

// ErrHalted is returned when a service is asked to stop while waiting for its next pass.
// It is a shutdown signal, not a failure.
var ErrHalted = errors.New("halted by request")

// IsHalted reports whether err signals a requested shutdown.
func IsHalted(err error) bool {
	return errors.Is(err, ErrHalted)
}

// State describes where a periodic service is in its lifecycle.
type State int32

const (
	StateCreated State = iota
	StateRunning
	StateChecking
	StateSleeping
	StateStopped
)

// String returns the name of the state.
func (s State) String() string {
	switch s {
	case StateCreated:
		return "created"
	case StateRunning:
		return "running"
	case StateChecking:
		return "checking"
	case StateSleeping:
		return "sleeping"
	case StateStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// Pass performs one check-and-act iteration and returns the time of the next one.
type Pass func(ctx context.Context) time.Time

// Runner is anything that runs until halted.
type Runner interface {
	Run(ctx context.Context) error
}

// Option configures a Periodic.
type Option func(*Periodic)

// WithClock replaces the wall clock used to decide when a wake time is reached.
func WithClock(clock Clock) Option {
	return func(p *Periodic) {
		p.clock = clock
	}
}

// WithPanicBackoff sets the delay before the next pass after a pass panicked.
func WithPanicBackoff(d time.Duration) Option {
	return func(p *Periodic) {
		p.panicBackoff = d
	}
}

// Periodic runs a pass in a loop, sleeping until the wake time each pass returns.
// Long sleeps are cut into slices of at most maxSleepSlice so the wall clock and
// the stop flag are re-checked regularly.
type Periodic struct {
	name          string
	maxSleepSlice time.Duration
	panicBackoff  time.Duration
	clock         Clock
	state         atomic.Int32
	stop          chan struct{}
	stopOnce      sync.Once
	logger        *zap.Logger
}

// NewPeriodic creates a periodic scheduler. A maxSleepSlice of zero or less
// sleeps each wait in one piece.
func NewPeriodic(name string, maxSleepSlice time.Duration, logger *zap.Logger, opts ...Option) *Periodic {
	p := &Periodic{
		name:          name,
		maxSleepSlice: maxSleepSlice,
		panicBackoff:  DefaultPanicBackoff,
		clock:         SystemClock{},
		stop:          make(chan struct{}),
		logger:        logger.Named("periodic").With(zap.String("service", name)),
	}

	for _, opt := range opts {
		opt(p)
	}

	return p
}

// Name returns the service name.
func (p *Periodic) Name() string {
	return p.name
}

// Now returns the current time according to the scheduler's clock.
func (p *Periodic) Now() time.Time {
	return p.clock.Now()
}

// State returns the current lifecycle state.
func (p *Periodic) State() State {
	return State(p.state.Load())
}

// Stop asks the service to halt. It is safe to call more than once and from any goroutine.
func (p *Periodic) Stop() {
	p.stopOnce.Do(func() {
		close(p.stop)
	})
}

// Stopped reports whether Stop has been called.
func (p *Periodic) Stopped() bool {
	select {
	case <-p.stop:
		return true
	default:
		return false
	}
}

// SleepUntil blocks until the clock reaches wake. It returns ErrHalted if Stop is
// called or the context is cancelled first. A wake time in the past returns immediately.
func (p *Periodic) SleepUntil(ctx context.Context, wake time.Time) error {
	if err := p.halted(ctx); err != nil {
		return err
	}

	if lag := p.clock.Now().Sub(wake); lag >= 0 {
		p.logger.Warn("Wake time already passed, not sleeping",
			zap.Time("wake", wake),
			zap.Duration("lag", lag))
		return nil
	}

	p.logger.Debug("Sleeping until next pass", zap.Time("wake", wake))

	for {
		remaining := wake.Sub(p.clock.Now())
		if remaining <= 0 {
			return nil
		}

		slice := remaining
		if p.maxSleepSlice > 0 && slice > p.maxSleepSlice {
			slice = p.maxSleepSlice
		}

		switch utils.SleepOrStop(ctx, slice, p.stop) {
		case utils.SleepCancelled:
			return fmt.Errorf("%w: %w", ErrHalted, ctx.Err())
		case utils.SleepStopped:
			return ErrHalted
		case utils.SleepCompleted:
		}

		if err := p.halted(ctx); err != nil {
			return err
		}
	}
}

// Run executes pass repeatedly until the service is halted. It always returns a
// non-nil error; use IsHalted to tell a requested shutdown from a failure.
func (p *Periodic) Run(ctx context.Context, pass Pass) error {
	p.state.Store(int32(StateRunning))
	p.logger.Info("Periodic service started")

	for {
		if err := p.halted(ctx); err != nil {
			return p.finish(err)
		}

		p.state.Store(int32(StateChecking))
		wake, ok := p.runPass(ctx, pass)
		if !ok {
			wake = p.clock.Now().Add(p.panicBackoff)
		}

		p.state.Store(int32(StateSleeping))
		if err := p.SleepUntil(ctx, wake); err != nil {
			return p.finish(err)
		}
	}
}

// runPass calls pass, recovering from a panic so one bad pass does not end the service.
func (p *Periodic) runPass(ctx context.Context, pass Pass) (wake time.Time, ok bool) {
	defer func() {
		if r := recover(); r != nil {
			p.logger.Error("Pass panicked",
				zap.Any("panic", r),
				zap.Duration("retryIn", p.panicBackoff))
			ok = false
		}
	}()

	return pass(ctx), true
}

func (p *Periodic) finish(err error) error {
	p.state.Store(int32(StateStopped))
	p.logger.Info("Periodic service stopped", zap.Error(err))
	return err
}

func (p *Periodic) halted(ctx context.Context) error {
	if p.Stopped() {
		return ErrHalted
	}
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("%w: %w", ErrHalted, err)
	}
	return nil
}

// Supervise runs every runner until all have halted. Halts count as clean
// shutdown; the first genuine error cancels the others and is returned.
func Supervise(ctx context.Context, runners ...Runner) error {
	g, gctx := errgroup.WithContext(ctx)

	for _, r := range runners {
		g.Go(func() error {
			if err := r.Run(gctx); err != nil && !IsHalted(err) {
				return err
			}
			return nil
		})
	}

	return g.Wait()
}
