package llm_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/airelay/router/llm"
	"github.com/airelay/router/testutil/mocks"
	"github.com/airelay/router/types"
)

func newRegistry(t *testing.T) *llm.ProviderRegistry {
	t.Helper()
	return llm.NewProviderRegistry(zap.NewNop())
}

// ---------------------------------------------------------------------------
// Register / Unregister
// ---------------------------------------------------------------------------

func TestRegistry_RegisterDuplicateID(t *testing.T) {
	reg := newRegistry(t)

	require.NoError(t, reg.Register(mocks.NewMockProvider("p1")))
	err := reg.Register(mocks.NewMockProvider("p1"))

	var dup *llm.ErrDuplicateProvider
	require.ErrorAs(t, err, &dup)
	assert.Equal(t, "p1", dup.ID)
	assert.Equal(t, 1, reg.Len())
}

func TestRegistry_UnregisterInvokesCleanup(t *testing.T) {
	reg := newRegistry(t)
	p := mocks.NewMockProvider("p1")
	require.NoError(t, reg.Register(p))

	reg.Unregister("p1")

	assert.True(t, p.CleanedUp())
	_, ok := reg.Get("p1")
	assert.False(t, ok)
}

func TestRegistry_UnregisterUnknownIsNoop(t *testing.T) {
	reg := newRegistry(t)
	reg.Unregister("ghost")
	assert.Equal(t, 0, reg.Len())
}

// ---------------------------------------------------------------------------
// GetForRequest / GetByCapability ordering
// ---------------------------------------------------------------------------

func TestRegistry_GetForRequestSortsByPriority(t *testing.T) {
	reg := newRegistry(t)
	require.NoError(t, reg.Register(mocks.NewMockProvider("low").WithPriority(1)))
	require.NoError(t, reg.Register(mocks.NewMockProvider("high").WithPriority(10)))
	require.NoError(t, reg.Register(mocks.NewMockProvider("mid").WithPriority(5)))

	got := reg.GetForRequest(&types.Request{Model: "m"})
	require.Len(t, got, 3)
	assert.Equal(t, "high", got[0].ID())
	assert.Equal(t, "mid", got[1].ID())
	assert.Equal(t, "low", got[2].ID())
}

func TestRegistry_PriorityTiesKeepRegistrationOrder(t *testing.T) {
	reg := newRegistry(t)
	require.NoError(t, reg.Register(mocks.NewMockProvider("first").WithPriority(5)))
	require.NoError(t, reg.Register(mocks.NewMockProvider("second").WithPriority(5)))

	got := reg.GetForRequest(&types.Request{Model: "m"})
	require.Len(t, got, 2)
	assert.Equal(t, "first", got[0].ID())
	assert.Equal(t, "second", got[1].ID())
}

func TestRegistry_GetForRequestSkipsDisabledAndIncapable(t *testing.T) {
	reg := newRegistry(t)
	require.NoError(t, reg.Register(mocks.NewMockProvider("off").WithEnabled(false)))
	require.NoError(t, reg.Register(mocks.NewMockProvider("picky").
		WithCanHandle(func(req *types.Request) bool { return false })))
	require.NoError(t, reg.Register(mocks.NewMockProvider("ok")))

	got := reg.GetForRequest(&types.Request{Model: "m"})
	require.Len(t, got, 1)
	assert.Equal(t, "ok", got[0].ID())
}

func TestRegistry_GetByCapability(t *testing.T) {
	reg := newRegistry(t)
	require.NoError(t, reg.Register(mocks.NewMockProvider("vision").
		WithCapabilities(llm.ProviderCapabilities{Vision: true, MaxTokens: 1000})))
	require.NoError(t, reg.Register(mocks.NewMockProvider("text").
		WithCapabilities(llm.ProviderCapabilities{MaxTokens: 1000})))

	got := reg.GetByCapability(llm.CapVision)
	require.Len(t, got, 1)
	assert.Equal(t, "vision", got[0].ID())
}

// ---------------------------------------------------------------------------
// Health
// ---------------------------------------------------------------------------

func TestRegistry_CheckAllHealthRecordsFailuresAsUnhealthy(t *testing.T) {
	reg := newRegistry(t)
	require.NoError(t, reg.Register(mocks.NewMockProvider("good")))
	require.NoError(t, reg.Register(mocks.NewMockProvider("bad").
		WithHealthError(assert.AnError)))

	got := reg.CheckAllHealth(context.Background(), false)

	require.Len(t, got, 2)
	assert.Equal(t, llm.HealthHealthy, got["good"].Status)
	assert.Equal(t, llm.HealthUnhealthy, got["bad"].Status)
	assert.Contains(t, got["bad"].ErrorMessage, assert.AnError.Error())

	// Results are retained for later consultation.
	assert.Equal(t, llm.HealthUnhealthy, reg.LastHealth("bad").Status)
}

func TestRegistry_CheckAllHealthSkipsDisabled(t *testing.T) {
	reg := newRegistry(t)
	require.NoError(t, reg.Register(mocks.NewMockProvider("off").WithEnabled(false)))

	got := reg.CheckAllHealth(context.Background(), true)
	assert.Empty(t, got)
	assert.Nil(t, reg.LastHealth("off"))
}

func TestRegistry_HealthMonitoringLifecycle(t *testing.T) {
	reg := newRegistry(t)
	require.NoError(t, reg.Register(mocks.NewMockProvider("p1")))

	reg.StartHealthMonitoring(context.Background(), 10*time.Millisecond)
	assert.Eventually(t, func() bool {
		return reg.LastHealth("p1") != nil
	}, time.Second, 5*time.Millisecond)

	reg.StopHealthMonitoring()
	// Stopping twice is safe.
	reg.StopHealthMonitoring()
}

func TestRegistry_ShutdownCleansUpAll(t *testing.T) {
	reg := newRegistry(t)
	p1 := mocks.NewMockProvider("p1")
	p2 := mocks.NewMockProvider("p2")
	require.NoError(t, reg.Register(p1))
	require.NoError(t, reg.Register(p2))

	reg.Shutdown()

	assert.Equal(t, 0, reg.Len())
	assert.True(t, p1.CleanedUp())
	assert.True(t, p2.CleanedUp())
}
