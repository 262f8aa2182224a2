// Package ratelimit provides per-target admission control with exponential
// backoff and jitter. A target is one shared resource: the model endpoint
// or one capability server.
package ratelimit

import (
	"context"
	"math/rand"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/effective-security/xlog"
)

var logger = xlog.NewPackageLogger("github.com/effective-security/mcpagent", "ratelimit")

// ErrRateLimitExceeded is returned when a target stays throttled past the
// configured retry budget.
var ErrRateLimitExceeded = errors.New("rate limit exceeded")

// Config tunes the backoff schedule.
type Config struct {
	// BaseDelay is the first backoff delay.
	BaseDelay time.Duration
	// MaxDelay caps the backoff delay.
	MaxDelay time.Duration
	// MaxRetries is the throttle budget per admission cycle.
	MaxRetries int
}

// Delay is the pure backoff schedule: min(cap, base<<(attempt-1)) scaled by
// a jitter multiplier in [0.5, 1.5). jitter must be in [0, 1).
func Delay(base, cap time.Duration, attempt int, jitter float64) time.Duration {
	if attempt < 1 {
		return 0
	}
	d := base << uint(attempt-1)
	if d <= 0 || d > cap {
		d = cap
	}
	return time.Duration(float64(d) * (0.5 + jitter))
}

type target struct {
	// gate serializes admission per target. Buffered with one slot;
	// holding the slot is being in flight.
	gate chan struct{}
	mu   sync.Mutex
	// attempt counts consecutive throttles; timeouts counts consecutive
	// deadline misses. Both feed the same backoff schedule but only the
	// throttle counter consumes the retry budget.
	attempt  int
	timeouts int
	until    time.Time
}

// Limiter is the per-target admission state machine. Each target cycles
// Idle -> InFlight -> (Backoff ->) Idle; Admit is the only suspension
// point. Independent targets do not contend.
type Limiter struct {
	mu      sync.Mutex
	cfg     Config
	targets map[string]*target

	// injectable for deterministic tests
	now    func() time.Time
	jitter func() float64
}

// Option configures a Limiter.
type Option func(*Limiter)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(l *Limiter) {
		l.now = now
	}
}

// WithJitter overrides the jitter source. Must return values in [0, 1).
func WithJitter(jitter func() float64) Option {
	return func(l *Limiter) {
		l.jitter = jitter
	}
}

// New creates a Limiter.
func New(cfg Config, opts ...Option) *Limiter {
	l := &Limiter{
		cfg:     cfg,
		targets: make(map[string]*target),
		now:     time.Now,
		jitter:  rand.Float64,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

func (l *Limiter) target(name string) *target {
	l.mu.Lock()
	defer l.mu.Unlock()
	t, ok := l.targets[name]
	if !ok {
		t = &target{gate: make(chan struct{}, 1)}
		l.targets[name] = t
	}
	return t
}

// Admit blocks until the target admits a request: it acquires the target's
// in-flight slot, then waits out any pending backoff delay. Cancellation
// releases the slot and returns the context error. Every successful Admit
// must be paired with exactly one Success, Throttled, TimedOut, or Release.
func (l *Limiter) Admit(ctx context.Context, name string) error {
	t := l.target(name)

	select {
	case t.gate <- struct{}{}:
	case <-ctx.Done():
		return errors.WithStack(ctx.Err())
	}

	t.mu.Lock()
	wait := t.until.Sub(l.now())
	t.mu.Unlock()

	if wait > 0 {
		logger.ContextKV(ctx, xlog.DEBUG, "target", name, "wait", wait.String())
		timer := time.NewTimer(wait)
		defer timer.Stop()
		select {
		case <-timer.C:
		case <-ctx.Done():
			<-t.gate
			return errors.WithStack(ctx.Err())
		}
	}
	return nil
}

// Success reports a successful call and resets the target's backoff.
func (l *Limiter) Success(name string) {
	t := l.target(name)
	t.mu.Lock()
	t.attempt = 0
	t.timeouts = 0
	t.until = time.Time{}
	t.mu.Unlock()
	<-t.gate
}

// Release frees the in-flight slot without touching the backoff state.
// For failures that are neither throttles nor timeouts; only success
// resets the counters.
func (l *Limiter) Release(name string) {
	t := l.target(name)
	<-t.gate
}

// Throttled reports a throttle response. It grows the attempt counter and
// schedules the next admission after the backoff delay. Past the retry
// budget it resets the target and returns ErrRateLimitExceeded.
func (l *Limiter) Throttled(name string) error {
	t := l.target(name)
	t.mu.Lock()
	t.attempt++
	if t.attempt > l.cfg.MaxRetries {
		t.attempt = 0
		t.until = time.Time{}
		t.mu.Unlock()
		<-t.gate
		return errors.WithMessagef(ErrRateLimitExceeded, "target %q", name)
	}
	d := Delay(l.cfg.BaseDelay, l.cfg.MaxDelay, t.attempt, l.jitter())
	t.until = l.now().Add(d)
	attempt := t.attempt
	t.mu.Unlock()
	<-t.gate

	logger.KV(xlog.WARNING, "reason", "throttled", "target", name, "attempt", attempt, "delay", d.String())
	return nil
}

// TimedOut reports a call that exceeded its deadline. Timeouts back off on
// the same schedule as throttles but on their own attempt counter, so a
// stalled target is not hammered and the throttle budget stays intact.
func (l *Limiter) TimedOut(name string) {
	t := l.target(name)
	t.mu.Lock()
	t.timeouts++
	d := Delay(l.cfg.BaseDelay, l.cfg.MaxDelay, t.timeouts, l.jitter())
	t.until = l.now().Add(d)
	timeouts := t.timeouts
	t.mu.Unlock()
	<-t.gate

	logger.KV(xlog.WARNING, "reason", "timed_out", "target", name, "attempt", timeouts, "delay", d.String())
}

// Attempt returns the current attempt counter for a target. For tests and
// introspection.
func (l *Limiter) Attempt(name string) int {
	t := l.target(name)
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.attempt
}

// TimeoutAttempt returns the current timeout counter for a target.
func (l *Limiter) TimeoutAttempt(name string) int {
	t := l.target(name)
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.timeouts
}
