package circuitbreaker

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// ---------------------------------------------------------------------------
// DefaultConfig / NewBank
// ---------------------------------------------------------------------------

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()
	assert.Equal(t, 5, cfg.Threshold)
	assert.Equal(t, 60*time.Second, cfg.Timeout)
	assert.Nil(t, cfg.OnStateChange)
}

func TestNewBank_CorrectsInvalidConfig(t *testing.T) {
	b := NewBank(&Config{Threshold: 0, Timeout: -1}, nil)
	assert.Equal(t, 5, b.config.Threshold)
	assert.Equal(t, 60*time.Second, b.config.Timeout)
}

// ---------------------------------------------------------------------------
// State machine
// ---------------------------------------------------------------------------

func TestBank_UnknownProviderIsClosed(t *testing.T) {
	b := NewBank(nil, zap.NewNop())
	assert.True(t, b.Allow("p1"))
	assert.Equal(t, StateClosed, b.State("p1"))
	assert.False(t, b.IsOpen("p1"))

	// No entry is created by Allow/State alone.
	_, ok := b.Get("p1")
	assert.False(t, ok)
}

func TestBank_OpensAfterThresholdConsecutiveFailures(t *testing.T) {
	b := NewBank(&Config{Threshold: 3, Timeout: time.Minute}, zap.NewNop())

	b.RecordFailure("p1")
	b.RecordFailure("p1")
	assert.Equal(t, StateClosed, b.State("p1"))
	assert.True(t, b.Allow("p1"))

	b.RecordFailure("p1")
	assert.Equal(t, StateOpen, b.State("p1"))
	assert.True(t, b.IsOpen("p1"))
	assert.False(t, b.Allow("p1"))

	snap, ok := b.Get("p1")
	require.True(t, ok)
	assert.Equal(t, 3, snap.FailureCount)
	assert.True(t, snap.NextAttemptTime.After(time.Now()))
}

func TestBank_SuccessResetsClosedFailureStreak(t *testing.T) {
	b := NewBank(&Config{Threshold: 3, Timeout: time.Minute}, zap.NewNop())

	b.RecordFailure("p1")
	b.RecordFailure("p1")
	b.RecordSuccess("p1")
	b.RecordFailure("p1")
	b.RecordFailure("p1")

	// The streak restarted after the success, so the breaker is still closed.
	assert.Equal(t, StateClosed, b.State("p1"))
}

func TestBank_HalfOpenAfterTimeoutExpiry(t *testing.T) {
	b := NewBank(&Config{Threshold: 1, Timeout: 20 * time.Millisecond}, zap.NewNop())

	b.RecordFailure("p1")
	require.Equal(t, StateOpen, b.State("p1"))
	assert.False(t, b.Allow("p1"))

	time.Sleep(30 * time.Millisecond)

	// First consultation after expiry admits exactly one probe.
	assert.True(t, b.Allow("p1"))
	assert.Equal(t, StateHalfOpen, b.State("p1"))
	assert.False(t, b.Allow("p1"), "only one probe may be in flight")
}

func TestBank_HalfOpenSuccessCloses(t *testing.T) {
	b := NewBank(&Config{Threshold: 1, Timeout: 10 * time.Millisecond}, zap.NewNop())

	b.RecordFailure("p1")
	time.Sleep(20 * time.Millisecond)
	require.True(t, b.Allow("p1"))

	b.RecordSuccess("p1")

	assert.Equal(t, StateClosed, b.State("p1"))
	snap, _ := b.Get("p1")
	assert.Equal(t, 0, snap.FailureCount)
	assert.True(t, b.Allow("p1"))
}

func TestBank_HalfOpenFailureReopensWithNewTimer(t *testing.T) {
	b := NewBank(&Config{Threshold: 1, Timeout: 10 * time.Millisecond}, zap.NewNop())

	b.RecordFailure("p1")
	firstSnap, _ := b.Get("p1")
	time.Sleep(20 * time.Millisecond)
	require.True(t, b.Allow("p1"))

	b.RecordFailure("p1")

	assert.Equal(t, StateOpen, b.State("p1"))
	secondSnap, _ := b.Get("p1")
	assert.True(t, secondSnap.NextAttemptTime.After(firstSnap.NextAttemptTime))
	assert.False(t, b.Allow("p1"))
}

func TestBank_ProvidersAreIndependent(t *testing.T) {
	b := NewBank(&Config{Threshold: 1, Timeout: time.Minute}, zap.NewNop())

	b.RecordFailure("p1")

	assert.Equal(t, StateOpen, b.State("p1"))
	assert.Equal(t, StateClosed, b.State("p2"))
	assert.True(t, b.Allow("p2"))
}

func TestBank_Reset(t *testing.T) {
	b := NewBank(&Config{Threshold: 1, Timeout: time.Minute}, zap.NewNop())

	b.RecordFailure("p1")
	require.True(t, b.IsOpen("p1"))

	b.Reset("p1")

	assert.Equal(t, StateClosed, b.State("p1"))
	assert.True(t, b.Allow("p1"))
}

// ---------------------------------------------------------------------------
// Callbacks / snapshots / concurrency
// ---------------------------------------------------------------------------

func TestBank_OnStateChangeFires(t *testing.T) {
	var mu sync.Mutex
	var transitions []string

	cfg := &Config{
		Threshold: 1,
		Timeout:   10 * time.Millisecond,
		OnStateChange: func(id string, from, to State) {
			mu.Lock()
			transitions = append(transitions, id+":"+from.String()+"->"+to.String())
			mu.Unlock()
		},
	}
	b := NewBank(cfg, zap.NewNop())

	b.RecordFailure("p1")
	time.Sleep(20 * time.Millisecond)
	b.Allow("p1")
	b.RecordSuccess("p1")

	assert.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(transitions) == 3
	}, time.Second, 5*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	assert.Contains(t, transitions, "p1:CLOSED->OPEN")
	assert.Contains(t, transitions, "p1:OPEN->HALF_OPEN")
	assert.Contains(t, transitions, "p1:HALF_OPEN->CLOSED")
}

func TestBank_Snapshots(t *testing.T) {
	b := NewBank(&Config{Threshold: 2, Timeout: time.Minute}, zap.NewNop())

	b.RecordFailure("p1")
	b.RecordFailure("p2")
	b.RecordFailure("p2")

	snaps := b.Snapshots()
	require.Len(t, snaps, 2)
	assert.Equal(t, StateClosed, snaps["p1"].State)
	assert.Equal(t, StateOpen, snaps["p2"].State)
}

func TestBank_ConcurrentAccess(t *testing.T) {
	b := NewBank(&Config{Threshold: 3, Timeout: time.Millisecond}, zap.NewNop())

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				if b.Allow("p1") {
					if j%2 == 0 {
						b.RecordFailure("p1")
					} else {
						b.RecordSuccess("p1")
					}
				}
				_ = b.State("p1")
			}
		}(i)
	}
	wg.Wait()

	// The state must land on a legal value regardless of interleaving.
	s := b.State("p1")
	assert.Contains(t, []State{StateClosed, StateOpen, StateHalfOpen}, s)
}
