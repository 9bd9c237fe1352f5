package vram_test

import (
	"sync"
	"testing"

	"github.com/riftlab/gpuforge/internal/model"
	"github.com/riftlab/gpuforge/internal/vram"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTracker(t *testing.T) *vram.Tracker {
	t.Helper()
	return vram.New([]model.Device{
		{ID: 0, TotalVRAM: 16_000_000_000, MaxUsageFrac: 0.85},
		{ID: 1, TotalVRAM: 8_000_000_000, MaxUsageFrac: 0.5},
	})
}

func TestAvailable_RespectsMaxFraction(t *testing.T) {
	tr := newTracker(t)
	require.Equal(t, int64(13_600_000_000), tr.Available(0))
	require.Equal(t, int64(4_000_000_000), tr.Available(1))
}

func TestTryReserve_SucceedsWithinBudget(t *testing.T) {
	tr := newTracker(t)
	ok := tr.TryReserve(0, 5_000_000_000)
	require.True(t, ok)
	assert.Equal(t, int64(5_000_000_000), tr.Reserved(0))
	assert.Equal(t, int64(8_600_000_000), tr.Available(0))
}

func TestTryReserve_FailsOverBudget(t *testing.T) {
	tr := newTracker(t)
	ok := tr.TryReserve(0, 14_000_000_000)
	require.False(t, ok)
	assert.Equal(t, int64(0), tr.Reserved(0))
}

func TestTryReserve_UnknownDeviceAlwaysFails(t *testing.T) {
	tr := newTracker(t)
	require.False(t, tr.TryReserve(99, 1))
}

func TestReleaseRoundTrip_RestoresReservedExactly(t *testing.T) {
	tr := newTracker(t)
	require.True(t, tr.TryReserve(0, 3_000_000_000))
	tr.Release(0, 3_000_000_000)
	assert.Equal(t, int64(0), tr.Reserved(0))
	assert.Equal(t, tr.Available(0), int64(13_600_000_000))
}

func TestRelease_SaturatesAtZero(t *testing.T) {
	tr := newTracker(t)
	tr.Release(0, 1_000_000_000)
	assert.Equal(t, int64(0), tr.Reserved(0))
}

func TestMaxInstances_Floors(t *testing.T) {
	tr := newTracker(t)
	// 13.6GB available / 5.6GB per instance = 2 (floor)
	n := tr.MaxInstances(0, 5_600_000_000)
	assert.Equal(t, 2, n)
}

func TestTryReserve_NeverExceedsBudgetUnderConcurrency(t *testing.T) {
	tr := vram.New([]model.Device{{ID: 0, TotalVRAM: 1000, MaxUsageFrac: 1.0}})

	var wg sync.WaitGroup
	successes := make(chan bool, 200)
	for i := 0; i < 200; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			successes <- tr.TryReserve(0, 10)
		}()
	}
	wg.Wait()
	close(successes)

	ok := 0
	for s := range successes {
		if s {
			ok++
		}
	}

	assert.Equal(t, 100, ok, "exactly 100 reservations of size 10 should fit in a budget of 1000")
	assert.Equal(t, int64(1000), tr.Reserved(0))
	assert.LessOrEqual(t, tr.Reserved(0), tr.Devices()[0].Budget())
}
