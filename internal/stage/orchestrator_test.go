package stage_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/riftlab/gpuforge/internal/backend/fake"
	"github.com/riftlab/gpuforge/internal/event"
	"github.com/riftlab/gpuforge/internal/model"
	"github.com/riftlab/gpuforge/internal/stage"
	"github.com/riftlab/gpuforge/internal/store"
	"github.com/riftlab/gpuforge/internal/vram"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func seededStore(n int) *store.MemStore {
	ds := store.NewMemStore()
	for i := 1; i <= n; i++ {
		ds.Seed(store.Image{ID: int64(i), Path: "img.png"}, model.Tagging)
	}
	return ds
}

func waitDone(t *testing.T, done <-chan struct{}, timeout time.Duration) {
	t.Helper()
	select {
	case <-done:
	case <-time.After(timeout):
		t.Fatal("orchestrator did not reach Stopped in time")
	}
}

func newTaggingOrchestrator(ds store.DataStore, tagger *fake.Tagger, tr *vram.Tracker, events event.EventDispatcher) *stage.Orchestrator {
	load := func(context.Context, int) (model.BackendHandle, error) { return fake.Handle{Label: "tagger"}, nil }
	cfg := stage.NewTaggingConfig(ds, tagger, load, "fake-tagger", tr, events, 10)
	return stage.New(cfg)
}

func oneDeviceTracker(t *testing.T, budget int64) *vram.Tracker {
	t.Helper()
	tr := vram.New([]model.Device{{ID: 0, TotalVRAM: budget, MaxUsageFrac: 1}})
	require.True(t, tr.TryReserve(0, stage.TaggingFootprintBytes))
	return tr
}

func singleDeviceAlloc(workerCount int) model.ServiceAllocation {
	return model.ServiceAllocation{
		Stage: model.Tagging,
		Mode:  model.Solo,
		Allocations: []model.Allocation{
			{Stage: model.Tagging, DeviceID: 0, WorkerCount: workerCount, ModelCount: 1, VRAMBytes: stage.TaggingFootprintBytes},
		},
	}
}

func TestOrchestrator_RunsToCompletionAndWritesResults(t *testing.T) {
	ds := seededStore(5)
	tagger := &fake.Tagger{}
	tr := oneDeviceTracker(t, 10<<30)

	orch := newTaggingOrchestrator(ds, tagger, tr, nil)
	require.NoError(t, orch.Start(context.Background(), singleDeviceAlloc(2), 5))

	waitDone(t, orch.Done(), 5*time.Second)

	assert.Equal(t, stage.Stopped, orch.State())
	for id := int64(1); id <= 5; id++ {
		tags, _, _, _, ok := ds.Results(id)
		require.True(t, ok)
		assert.NotEmpty(t, tags)
		assert.False(t, ds.NeedsFlag(id, model.Tagging))
	}
	assert.EqualValues(t, 0, tr.Reserved(0))
}

func TestOrchestrator_BackendFailureStillClearsNeedsFlag(t *testing.T) {
	ds := seededStore(1)
	tagger := &fake.Tagger{FailOn: map[string]bool{"img.png": true}}
	tr := oneDeviceTracker(t, 10<<30)

	orch := newTaggingOrchestrator(ds, tagger, tr, nil)
	require.NoError(t, orch.Start(context.Background(), singleDeviceAlloc(1), 1))

	waitDone(t, orch.Done(), 5*time.Second)

	assert.False(t, ds.NeedsFlag(1, model.Tagging))
	_, _, _, _, ok := ds.Results(1)
	assert.False(t, ok, "a failed classify must not write a tags row")
}

func TestOrchestrator_InitFailureReleasesVRAMAndStops(t *testing.T) {
	ds := seededStore(1)
	tagger := &fake.Tagger{}
	tr := oneDeviceTracker(t, 10<<30)

	wantErr := errors.New("model weights missing")
	load := func(context.Context, int) (model.BackendHandle, error) { return nil, wantErr }
	orch := stage.New(stage.NewTaggingConfig(ds, tagger, load, "fake-tagger", tr, nil, 10))

	err := orch.Start(context.Background(), singleDeviceAlloc(1), 1)
	require.Error(t, err)
	assert.ErrorIs(t, err, wantErr)
	assert.Equal(t, stage.Stopped, orch.State())
	assert.EqualValues(t, 0, tr.Reserved(0), "VRAM reserved pre-Start must be released on init failure")
}

func TestOrchestrator_StopUnblocksSlowWorkersWithinGrace(t *testing.T) {
	ds := seededStore(50)
	tagger := &fake.Tagger{Delay: 50 * time.Millisecond}
	tr := oneDeviceTracker(t, 10<<30)

	orch := newTaggingOrchestrator(ds, tagger, tr, nil)
	require.NoError(t, orch.Start(context.Background(), singleDeviceAlloc(2), 50))

	time.Sleep(20 * time.Millisecond)
	orch.Stop()

	waitDone(t, orch.Done(), stage.DefaultGraceTimeout+2*time.Second)
	assert.Equal(t, stage.Stopped, orch.State())
	assert.EqualValues(t, 0, tr.Reserved(0))
}

func TestOrchestrator_PauseThenResumeRunsToCompletion(t *testing.T) {
	ds := seededStore(20)
	tagger := &fake.Tagger{}
	tr := oneDeviceTracker(t, 10<<30)

	orch := newTaggingOrchestrator(ds, tagger, tr, nil)
	require.NoError(t, orch.Start(context.Background(), singleDeviceAlloc(1), 20))
	orch.Pause()
	assert.Equal(t, stage.Paused, orch.State())

	orch.Resume()
	assert.Equal(t, stage.Running, orch.State())

	waitDone(t, orch.Done(), 5*time.Second)
	assert.Equal(t, stage.Stopped, orch.State())
}

func TestOrchestrator_EmitsStatusAndProgressEvents(t *testing.T) {
	ds := seededStore(6)
	tagger := &fake.Tagger{}
	tr := oneDeviceTracker(t, 10<<30)

	var statuses []event.StatusPayload
	var progresses []event.ProgressPayload
	ch := make(event.HandlerChannel, 64)
	bus := event.New()
	bus.RegisterHandlerChannel(ch, event.StatusChanged, event.ProgressChanged, event.ServiceCompleted)

	orch := newTaggingOrchestrator(ds, tagger, tr, bus)
	require.NoError(t, orch.Start(context.Background(), singleDeviceAlloc(1), 6))

	completed := false
	deadline := time.After(5 * time.Second)
	for !completed {
		select {
		case he := <-ch:
			switch p := he.Payload.(type) {
			case event.StatusPayload:
				statuses = append(statuses, p)
			case event.ProgressPayload:
				progresses = append(progresses, p)
			case event.ServiceCompletedPayload:
				completed = true
			}
		case <-deadline:
			t.Fatal("did not observe ServiceCompleted in time")
		}
	}

	assert.NotEmpty(t, statuses)
	assert.NotEmpty(t, progresses)
	assert.Equal(t, model.Tagging, progresses[len(progresses)-1].Stage)
}
