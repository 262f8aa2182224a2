package ratelimit_test

import (
	"context"
	"testing"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/effective-security/mcpagent/ratelimit"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testConfig() ratelimit.Config {
	return ratelimit.Config{
		BaseDelay:  time.Second,
		MaxDelay:   30 * time.Second,
		MaxRetries: 3,
	}
}

func TestDelaySchedule(t *testing.T) {
	base := time.Second
	cap := 30 * time.Second

	// zero jitter pins the multiplier at 0.5
	assert.Equal(t, 500*time.Millisecond, ratelimit.Delay(base, cap, 1, 0))
	assert.Equal(t, time.Second, ratelimit.Delay(base, cap, 2, 0))
	assert.Equal(t, 2*time.Second, ratelimit.Delay(base, cap, 3, 0))

	// capped
	assert.Equal(t, 15*time.Second, ratelimit.Delay(base, cap, 10, 0))
	// shift overflow still capped
	assert.Equal(t, 15*time.Second, ratelimit.Delay(base, cap, 70, 0))

	// no delay before the first throttle
	assert.Equal(t, time.Duration(0), ratelimit.Delay(base, cap, 0, 0.9))
}

func TestDelayNonDecreasing(t *testing.T) {
	base := 100 * time.Millisecond
	cap := 10 * time.Second
	prev := time.Duration(0)
	for attempt := 1; attempt <= 12; attempt++ {
		d := ratelimit.Delay(base, cap, attempt, 0.25)
		assert.GreaterOrEqual(t, d, prev, "attempt %d", attempt)
		prev = d
	}
}

func TestAdmitSuccessResets(t *testing.T) {
	l := ratelimit.New(testConfig(), ratelimit.WithJitter(func() float64 { return 0 }))

	require.NoError(t, l.Admit(context.Background(), "model"))
	require.NoError(t, l.Throttled("model"))
	assert.Equal(t, 1, l.Attempt("model"))

	now := time.Now()
	require.NoError(t, l.Admit(context.Background(), "model"))
	// attempt 1, zero jitter: 500ms backoff was waited out
	assert.GreaterOrEqual(t, time.Since(now), 400*time.Millisecond)
	l.Success("model")
	assert.Equal(t, 0, l.Attempt("model"))

	// no residual delay after success
	now = time.Now()
	require.NoError(t, l.Admit(context.Background(), "model"))
	assert.Less(t, time.Since(now), 100*time.Millisecond)
	l.Success("model")
}

func TestThrottledBudgetExceeded(t *testing.T) {
	cfg := testConfig()
	cfg.BaseDelay = time.Millisecond
	cfg.MaxRetries = 2
	l := ratelimit.New(cfg, ratelimit.WithJitter(func() float64 { return 0 }))

	for i := 0; i < 2; i++ {
		require.NoError(t, l.Admit(context.Background(), "model"))
		require.NoError(t, l.Throttled("model"))
	}

	require.NoError(t, l.Admit(context.Background(), "model"))
	err := l.Throttled("model")
	require.Error(t, err)
	assert.True(t, errors.Is(err, ratelimit.ErrRateLimitExceeded))

	// budget reset after the failure
	assert.Equal(t, 0, l.Attempt("model"))
}

func TestAdmitCancelled(t *testing.T) {
	cfg := testConfig()
	cfg.BaseDelay = time.Minute
	l := ratelimit.New(cfg, ratelimit.WithJitter(func() float64 { return 0.99 }))

	require.NoError(t, l.Admit(context.Background(), "model"))
	require.NoError(t, l.Throttled("model"))

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	err := l.Admit(ctx, "model")
	require.Error(t, err)
	assert.True(t, errors.Is(err, context.DeadlineExceeded))

	// slot was released on cancellation; a fresh context can admit after
	// the backoff window is cleared by Success of a later cycle
	l2 := ratelimit.New(testConfig())
	require.NoError(t, l2.Admit(context.Background(), "model"))
	l2.Success("model")
}

func TestIndependentTargets(t *testing.T) {
	cfg := testConfig()
	cfg.BaseDelay = time.Minute
	l := ratelimit.New(cfg, ratelimit.WithJitter(func() float64 { return 0.5 }))

	require.NoError(t, l.Admit(context.Background(), "server:postgres"))
	require.NoError(t, l.Throttled("server:postgres"))

	// a backed-off server does not delay the model target
	now := time.Now()
	require.NoError(t, l.Admit(context.Background(), "model"))
	assert.Less(t, time.Since(now), 100*time.Millisecond)
	l.Success("model")
}

func TestReleaseKeepsBackoff(t *testing.T) {
	cfg := testConfig()
	cfg.BaseDelay = time.Millisecond
	l := ratelimit.New(cfg, ratelimit.WithJitter(func() float64 { return 0 }))

	require.NoError(t, l.Admit(context.Background(), "model"))
	require.NoError(t, l.Throttled("model"))
	assert.Equal(t, 1, l.Attempt("model"))

	require.NoError(t, l.Admit(context.Background(), "model"))
	l.Release("model")

	// the slot is free again but the attempt counter survived
	assert.Equal(t, 1, l.Attempt("model"))
	require.NoError(t, l.Admit(context.Background(), "model"))
	l.Success("model")
	assert.Equal(t, 0, l.Attempt("model"))
}

func TestTimedOutBacksOffSeparately(t *testing.T) {
	cfg := testConfig()
	cfg.BaseDelay = 100 * time.Millisecond
	l := ratelimit.New(cfg, ratelimit.WithJitter(func() float64 { return 0 }))

	require.NoError(t, l.Admit(context.Background(), "server:alpha"))
	l.TimedOut("server:alpha")
	assert.Equal(t, 1, l.TimeoutAttempt("server:alpha"))
	// the throttle budget is untouched
	assert.Equal(t, 0, l.Attempt("server:alpha"))

	// the next admission waits out the timeout backoff;
	// attempt 1 with zero jitter is 50ms
	now := time.Now()
	require.NoError(t, l.Admit(context.Background(), "server:alpha"))
	assert.GreaterOrEqual(t, time.Since(now), 40*time.Millisecond)
	l.Success("server:alpha")
	assert.Equal(t, 0, l.TimeoutAttempt("server:alpha"))
}

func TestPerTargetMutualExclusion(t *testing.T) {
	l := ratelimit.New(testConfig())

	require.NoError(t, l.Admit(context.Background(), "model"))

	// a second admission on the same target must wait for the first
	done := make(chan struct{})
	go func() {
		defer close(done)
		if err := l.Admit(context.Background(), "model"); err == nil {
			l.Success("model")
		}
	}()

	select {
	case <-done:
		t.Fatal("second admission should block while the first is in flight")
	case <-time.After(50 * time.Millisecond):
	}

	l.Success("model")
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("second admission should proceed after the first completes")
	}
}
