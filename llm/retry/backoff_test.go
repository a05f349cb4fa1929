package retry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// ---------------------------------------------------------------------------
// Delay / Jittered
// ---------------------------------------------------------------------------

func TestDelay_ExponentialGrowthCapped(t *testing.T) {
	p := &Policy{InitialDelay: 100 * time.Millisecond, MaxDelay: 1 * time.Second, Multiplier: 2.0}

	assert.Equal(t, 100*time.Millisecond, Delay(p, 1))
	assert.Equal(t, 200*time.Millisecond, Delay(p, 2))
	assert.Equal(t, 400*time.Millisecond, Delay(p, 3))
	assert.Equal(t, 800*time.Millisecond, Delay(p, 4))
	assert.Equal(t, 1*time.Second, Delay(p, 5))
	assert.Equal(t, 1*time.Second, Delay(p, 50))
}

func TestDelay_AttemptBelowOneTreatedAsFirst(t *testing.T) {
	p := &Policy{InitialDelay: time.Second, MaxDelay: time.Minute, Multiplier: 2.0}
	assert.Equal(t, time.Second, Delay(p, 0))
	assert.Equal(t, time.Second, Delay(p, -3))
}

func TestJittered_DisabledEqualsBase(t *testing.T) {
	p := &Policy{InitialDelay: time.Second, MaxDelay: time.Minute, Multiplier: 2.0, Jitter: false}
	for attempt := 1; attempt <= 6; attempt++ {
		assert.Equal(t, Delay(p, attempt), Jittered(p, attempt))
	}
}

func TestJittered_WithinBounds(t *testing.T) {
	p := &Policy{
		InitialDelay: time.Second, MaxDelay: time.Minute, Multiplier: 2.0,
		Jitter: true, JitterFactor: 0.5,
	}
	for i := 0; i < 200; i++ {
		d := Jittered(p, 3)
		base := Delay(p, 3)
		assert.GreaterOrEqual(t, d, time.Duration(float64(base)*0.5)-time.Nanosecond)
		assert.LessOrEqual(t, d, time.Duration(float64(base)*1.5)+time.Nanosecond)
	}
}

// Backoff monotonicity: without jitter the delay sequence is non-decreasing
// and capped by MaxDelay, for arbitrary policies.
func TestDelay_PropertyMonotonicNonDecreasing(t *testing.T) {
	params := gopter.DefaultTestParameters()
	params.MinSuccessfulTests = 200
	properties := gopter.NewProperties(params)

	properties.Property("non-decreasing and capped", prop.ForAll(
		func(initialMs int, maxMs int, mult float64, attempts int) bool {
			p := &Policy{
				InitialDelay: time.Duration(initialMs) * time.Millisecond,
				MaxDelay:     time.Duration(maxMs) * time.Millisecond,
				Multiplier:   mult,
			}
			prev := time.Duration(0)
			for a := 1; a <= attempts; a++ {
				d := Delay(p, a)
				if d < prev || d > p.MaxDelay && p.MaxDelay > 0 {
					return false
				}
				prev = d
			}
			return true
		},
		gen.IntRange(1, 5000),
		gen.IntRange(5000, 120000),
		gen.Float64Range(1.0, 4.0),
		gen.IntRange(1, 30),
	))

	properties.TestingRun(t)
}

// ---------------------------------------------------------------------------
// Retryer
// ---------------------------------------------------------------------------

func TestRetryer_SucceedsFirstTry(t *testing.T) {
	r := NewBackoffRetryer(DefaultPolicy(), zap.NewNop())

	calls := 0
	err := r.Do(context.Background(), func() error {
		calls++
		return nil
	})

	require.NoError(t, err)
	assert.Equal(t, 1, calls)
}

func TestRetryer_RetriesUntilSuccess(t *testing.T) {
	p := &Policy{MaxRetries: 5, InitialDelay: time.Millisecond, MaxDelay: 5 * time.Millisecond, Multiplier: 2.0}
	r := NewBackoffRetryer(p, zap.NewNop())

	calls := 0
	got, err := r.DoWithResult(context.Background(), func() (any, error) {
		calls++
		if calls < 3 {
			return nil, errors.New("transient")
		}
		return "ok", nil
	})

	require.NoError(t, err)
	assert.Equal(t, "ok", got)
	assert.Equal(t, 3, calls)
}

func TestRetryer_ExhaustsAndWrapsLastError(t *testing.T) {
	p := &Policy{MaxRetries: 2, InitialDelay: time.Millisecond, MaxDelay: 2 * time.Millisecond, Multiplier: 2.0}
	r := NewBackoffRetryer(p, zap.NewNop())

	boom := errors.New("boom")
	calls := 0
	err := r.Do(context.Background(), func() error {
		calls++
		return boom
	})

	require.Error(t, err)
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, 3, calls)
}

func TestRetryer_NonRetryableStopsImmediately(t *testing.T) {
	fatal := errors.New("fatal")
	transient := errors.New("transient")
	p := &Policy{
		MaxRetries: 5, InitialDelay: time.Millisecond, MaxDelay: 2 * time.Millisecond,
		Multiplier: 2.0, RetryableErrors: []error{transient},
	}
	r := NewBackoffRetryer(p, zap.NewNop())

	calls := 0
	err := r.Do(context.Background(), func() error {
		calls++
		return fatal
	})

	assert.ErrorIs(t, err, fatal)
	assert.Equal(t, 1, calls)
}

func TestRetryer_ContextCancellationStopsRetries(t *testing.T) {
	p := &Policy{MaxRetries: 10, InitialDelay: 50 * time.Millisecond, MaxDelay: time.Second, Multiplier: 2.0}
	r := NewBackoffRetryer(p, zap.NewNop())

	ctx, cancel := context.WithCancel(context.Background())
	calls := 0
	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()

	err := r.Do(ctx, func() error {
		calls++
		return errors.New("always fails")
	})

	require.Error(t, err)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 1, calls)
}

func TestRetryer_OnRetryCallback(t *testing.T) {
	var attempts []int
	p := &Policy{
		MaxRetries: 3, InitialDelay: time.Millisecond, MaxDelay: 2 * time.Millisecond, Multiplier: 2.0,
		OnRetry: func(attempt int, err error, delay time.Duration) {
			attempts = append(attempts, attempt)
		},
	}
	r := NewBackoffRetryer(p, zap.NewNop())

	_ = r.Do(context.Background(), func() error { return errors.New("nope") })

	assert.Equal(t, []int{1, 2, 3}, attempts)
}
