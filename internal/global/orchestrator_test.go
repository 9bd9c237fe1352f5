package global_test

import (
	"context"
	"testing"
	"time"

	"github.com/riftlab/gpuforge/internal/backend/fake"
	"github.com/riftlab/gpuforge/internal/event"
	"github.com/riftlab/gpuforge/internal/global"
	"github.com/riftlab/gpuforge/internal/model"
	"github.com/riftlab/gpuforge/internal/stage"
	"github.com/riftlab/gpuforge/internal/store"
	"github.com/riftlab/gpuforge/internal/vram"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func handleLoader(label string) func(context.Context, int) (model.BackendHandle, error) {
	return func(context.Context, int) (model.BackendHandle, error) {
		return fake.Handle{Label: label}, nil
	}
}

func taggingController(ds store.DataStore, tr *vram.Tracker, bus event.EventDispatcher) stage.Controller {
	cfg := stage.NewTaggingConfig(ds, &fake.Tagger{}, handleLoader("tagger"), "fake-tagger", tr, bus, 10)
	return stage.New(cfg)
}

func faceController(ds store.DataStore, tr *vram.Tracker, bus event.EventDispatcher) stage.Controller {
	cfg := stage.NewFaceDetectionConfig(ds, fake.FaceDetector{}, handleLoader("face"), tr, bus, 10)
	return stage.New(cfg)
}

func runWithTimeout(t *testing.T, g *global.Orchestrator, timeout time.Duration) error {
	t.Helper()
	errCh := make(chan error, 1)
	go func() { errCh <- g.Run(context.Background()) }()
	select {
	case err := <-errCh:
		return err
	case <-time.After(timeout):
		t.Fatal("global orchestrator did not complete in time")
		return nil
	}
}

func TestGlobalOrchestrator_AdmitsBothPriorityOneStagesConcurrently(t *testing.T) {
	ds := store.NewMemStore()
	for i := int64(1); i <= 3; i++ {
		img := store.Image{ID: i, Path: "img.png"}
		ds.Seed(img, model.Tagging)
		ds.Seed(img, model.FaceDetection)
	}

	tr := vram.New([]model.Device{{ID: 0, TotalVRAM: 10 << 30, MaxUsageFrac: 1}})

	g := global.New(global.Config{
		EnabledStages: []model.Stage{model.Tagging, model.FaceDetection},
		Mode:          model.Concurrent,
		Store:         ds,
		Tracker:       tr,
		NewController: func(s model.Stage) stage.Controller {
			switch s {
			case model.Tagging:
				return taggingController(ds, tr, nil)
			case model.FaceDetection:
				return faceController(ds, tr, nil)
			default:
				t.Fatalf("unexpected stage %s", s)
				return nil
			}
		},
	})

	require.NoError(t, runWithTimeout(t, g, 5*time.Second))

	for id := int64(1); id <= 3; id++ {
		tags, _, faces, _, ok := ds.Results(id)
		require.True(t, ok)
		assert.NotEmpty(t, tags)
		assert.NotNil(t, faces)
		assert.False(t, ds.NeedsFlag(id, model.Tagging))
		assert.False(t, ds.NeedsFlag(id, model.FaceDetection))
	}
	assert.EqualValues(t, 0, tr.Reserved(0))
}

func TestGlobalOrchestrator_DefersStageWhenNoCapacityThenStartsOnceVRAMFrees(t *testing.T) {
	ds := store.NewMemStore()
	for i := int64(1); i <= 2; i++ {
		ds.Seed(store.Image{ID: i, Path: "img.png"}, model.Tagging)
	}
	for i := int64(1); i <= 2; i++ {
		ds.Seed(store.Image{ID: i, Path: "img.png"}, model.FaceDetection)
	}

	budget := stage.TaggingFootprintBytes + stage.FaceDetectionFootprintBytes - 1
	tr := vram.New([]model.Device{{ID: 0, TotalVRAM: budget, MaxUsageFrac: 1}})

	g := global.New(global.Config{
		EnabledStages: []model.Stage{model.Tagging, model.FaceDetection},
		Mode:          model.Concurrent,
		Store:         ds,
		Tracker:       tr,
		NewController: func(s model.Stage) stage.Controller {
			switch s {
			case model.Tagging:
				return taggingController(ds, tr, nil)
			case model.FaceDetection:
				return faceController(ds, tr, nil)
			default:
				t.Fatalf("unexpected stage %s", s)
				return nil
			}
		},
	})

	require.NoError(t, runWithTimeout(t, g, 5*time.Second))

	for id := int64(1); id <= 2; id++ {
		assert.False(t, ds.NeedsFlag(id, model.Tagging))
		assert.False(t, ds.NeedsFlag(id, model.FaceDetection))
	}
	assert.EqualValues(t, 0, tr.Reserved(0))
}

func TestGlobalOrchestrator_EmitsAllServicesCompletedExactlyOnce(t *testing.T) {
	ds := store.NewMemStore()
	ds.Seed(store.Image{ID: 1, Path: "img.png"}, model.Tagging)

	tr := vram.New([]model.Device{{ID: 0, TotalVRAM: 10 << 30, MaxUsageFrac: 1}})
	bus := event.New()
	ch := make(event.HandlerChannel, 16)
	bus.RegisterHandlerChannel(ch, event.AllServicesCompleted)

	g := global.New(global.Config{
		EnabledStages: []model.Stage{model.Tagging},
		Mode:          model.Solo,
		Store:         ds,
		Tracker:       tr,
		Events:        bus,
		NewController: func(s model.Stage) stage.Controller {
			return taggingController(ds, tr, bus)
		},
	})

	require.NoError(t, runWithTimeout(t, g, 5*time.Second))

	select {
	case he := <-ch:
		assert.Equal(t, event.AllServicesCompleted, he.Event)
	case <-time.After(time.Second):
		t.Fatal("did not observe AllServicesCompleted")
	}

	select {
	case he := <-ch:
		t.Fatalf("AllServicesCompleted dispatched twice: %+v", he)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestGlobalOrchestrator_EmitsAllServicesCompletedSynchronouslyWithZeroDevices(t *testing.T) {
	ds := store.NewMemStore()
	ds.Seed(store.Image{ID: 1, Path: "img.png"}, model.Tagging)

	tr := vram.New(nil)
	bus := event.New()
	ch := make(event.HandlerChannel, 16)
	bus.RegisterHandlerChannel(ch, event.AllServicesCompleted)

	g := global.New(global.Config{
		EnabledStages: []model.Stage{model.Tagging},
		Mode:          model.Solo,
		Store:         ds,
		Tracker:       tr,
		Events:        bus,
		NewController: func(s model.Stage) stage.Controller {
			t.Fatal("no stage should ever be started with zero devices configured")
			return nil
		},
	})

	require.NoError(t, runWithTimeout(t, g, time.Second))

	select {
	case he := <-ch:
		assert.Equal(t, event.AllServicesCompleted, he.Event)
	case <-time.After(time.Second):
		t.Fatal("did not observe AllServicesCompleted")
	}
}

func TestGlobalOrchestrator_EmitsAllServicesCompletedWhenNothingIsPending(t *testing.T) {
	ds := store.NewMemStore()

	tr := vram.New([]model.Device{{ID: 0, TotalVRAM: 10 << 30, MaxUsageFrac: 1}})
	bus := event.New()
	ch := make(event.HandlerChannel, 16)
	bus.RegisterHandlerChannel(ch, event.AllServicesCompleted)

	g := global.New(global.Config{
		EnabledStages: []model.Stage{model.Tagging, model.FaceDetection},
		Mode:          model.Concurrent,
		Store:         ds,
		Tracker:       tr,
		Events:        bus,
		NewController: func(s model.Stage) stage.Controller {
			t.Fatal("no stage should ever be started when nothing is pending")
			return nil
		},
	})

	require.NoError(t, runWithTimeout(t, g, time.Second))

	select {
	case he := <-ch:
		assert.Equal(t, event.AllServicesCompleted, he.Event)
	case <-time.After(time.Second):
		t.Fatal("did not observe AllServicesCompleted")
	}
}

func TestGlobalOrchestrator_PauseAllAndStopAllBroadcastToLiveStages(t *testing.T) {
	ds := store.NewMemStore()
	for i := int64(1); i <= 30; i++ {
		ds.Seed(store.Image{ID: i, Path: "img.png"}, model.Tagging)
	}

	tr := vram.New([]model.Device{{ID: 0, TotalVRAM: 10 << 30, MaxUsageFrac: 1}})

	var ctrl stage.Controller
	g := global.New(global.Config{
		EnabledStages: []model.Stage{model.Tagging},
		Mode:          model.Solo,
		Store:         ds,
		Tracker:       tr,
		NewController: func(s model.Stage) stage.Controller {
			ctrl = taggingController(ds, tr, nil)
			return ctrl
		},
	})

	done := make(chan error, 1)
	go func() { done <- g.Run(context.Background()) }()

	time.Sleep(20 * time.Millisecond)
	g.PauseAll()
	require.NotNil(t, ctrl)
	assert.Equal(t, stage.Paused, ctrl.State())

	g.ResumeAll()
	require.NoError(t, g.StopAll(context.Background()))

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after StopAll")
	}
}
