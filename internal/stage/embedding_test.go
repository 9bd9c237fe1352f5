package stage_test

import (
	"context"
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

func embeddingStore(n int, withNegative bool) *store.MemStore {
	ds := store.NewMemStore()
	for i := 1; i <= n; i++ {
		img := store.Image{ID: int64(i), Path: "img.png", Prompt: "a cat"}
		if withNegative {
			img.NegativePrompt = "blurry"
		}
		ds.Seed(img, model.Embedding)
	}
	return ds
}

func embeddingTracker(t *testing.T) *vram.Tracker {
	t.Helper()
	tr := vram.New([]model.Device{{ID: 0, TotalVRAM: 10 << 30, MaxUsageFrac: 1}})
	require.True(t, tr.TryReserve(0, stage.TextEncoderFootprintBytes+stage.VisionEncoderFootprintBytes))
	return tr
}

func embeddingAlloc() model.ServiceAllocation {
	return model.ServiceAllocation{
		Stage: model.Embedding,
		Mode:  model.Solo,
		Allocations: []model.Allocation{
			{Stage: model.Embedding, DeviceID: 0, WorkerCount: 1, ModelCount: 1, VRAMBytes: stage.TextEncoderFootprintBytes + stage.VisionEncoderFootprintBytes},
		},
	}
}

func TestEmbedding_JoinsBothEncodersAndWritesBundle(t *testing.T) {
	ds := embeddingStore(4, true)
	tr := embeddingTracker(t)

	orch := stage.NewEmbedding(stage.EmbeddingConfig{
		Store:         ds,
		TextEncoder:   &fake.TextEncoder{Dim: 4},
		VisionEncoder: &fake.VisionEncoder{Dim: 4},
		LoadText:      func(context.Context, int) (model.BackendHandle, error) { return fake.Handle{Label: "text"}, nil },
		LoadVision:    func(context.Context, int) (model.BackendHandle, error) { return fake.Handle{Label: "vision"}, nil },
		SubWorkers:    2,
		BatchSize:     10,
		Tracker:       tr,
	})

	require.NoError(t, orch.Start(context.Background(), embeddingAlloc(), 4))
	waitDone(t, orch.Done(), 5*time.Second)

	for id := int64(1); id <= 4; id++ {
		_, _, _, bundle, ok := ds.Results(id)
		require.True(t, ok)
		require.NotNil(t, bundle)
		assert.Len(t, bundle.BgeVector, 4)
		assert.Len(t, bundle.VisionVector, 4)
		assert.False(t, ds.NeedsFlag(id, model.Embedding))
	}
	assert.EqualValues(t, 0, tr.Reserved(0))
}

func TestEmbedding_ComposesPromptAndNegativeWithSepToken(t *testing.T) {
	ds := embeddingStore(1, true)
	tr := embeddingTracker(t)

	var seenText string
	textEncoder := &fake.TextEncoder{Dim: 4}
	capture := &capturingTextEncoder{inner: textEncoder, onEncode: func(text string) { seenText = text }}

	orch := stage.NewEmbedding(stage.EmbeddingConfig{
		Store:         ds,
		TextEncoder:   capture,
		VisionEncoder: &fake.VisionEncoder{Dim: 4},
		LoadText:      func(context.Context, int) (model.BackendHandle, error) { return fake.Handle{}, nil },
		LoadVision:    func(context.Context, int) (model.BackendHandle, error) { return fake.Handle{}, nil },
		BatchSize:     10,
		Tracker:       tr,
	})

	require.NoError(t, orch.Start(context.Background(), embeddingAlloc(), 1))
	waitDone(t, orch.Done(), 5*time.Second)

	assert.Equal(t, "a cat [SEP] blurry", seenText)
}

func TestEmbedding_PartialFailureLeavesNeedsFlagSetAndUncounted(t *testing.T) {
	ds := embeddingStore(1, false)
	tr := embeddingTracker(t)

	orch := stage.NewEmbedding(stage.EmbeddingConfig{
		Store:         ds,
		TextEncoder:   &fake.TextEncoder{Dim: 4, FailOn: map[string]bool{"a cat": true}},
		VisionEncoder: &fake.VisionEncoder{Dim: 4},
		LoadText:      func(context.Context, int) (model.BackendHandle, error) { return fake.Handle{}, nil },
		LoadVision:    func(context.Context, int) (model.BackendHandle, error) { return fake.Handle{}, nil },
		BatchSize:     10,
		Tracker:       tr,
	})

	require.NoError(t, orch.Start(context.Background(), embeddingAlloc(), 1))
	waitDone(t, orch.Done(), 5*time.Second)

	assert.True(t, ds.NeedsFlag(1, model.Embedding), "a partially-failed join must not clear needs_embedding")
	_, _, _, bundle, ok := ds.Results(1)
	if ok {
		assert.Nil(t, bundle)
	}
}

func TestEmbedding_SkipsImageWithoutPrompt(t *testing.T) {
	ds := store.NewMemStore()
	ds.Seed(store.Image{ID: 1, Path: "a.png", Prompt: "a cat"}, model.Embedding)
	ds.Seed(store.Image{ID: 2, Path: "b.png", Prompt: "a dog"}, model.Embedding)
	ds.Seed(store.Image{ID: 3, Path: "c.png", Prompt: ""}, model.Embedding)
	tr := embeddingTracker(t)

	bus := event.New()
	ch := make(event.HandlerChannel, 16)
	bus.RegisterHandlerChannel(ch, event.ProgressChanged)

	orch := stage.NewEmbedding(stage.EmbeddingConfig{
		Store:         ds,
		TextEncoder:   &fake.TextEncoder{Dim: 4},
		VisionEncoder: &fake.VisionEncoder{Dim: 4},
		LoadText:      func(context.Context, int) (model.BackendHandle, error) { return fake.Handle{}, nil },
		LoadVision:    func(context.Context, int) (model.BackendHandle, error) { return fake.Handle{}, nil },
		BatchSize:     10,
		Tracker:       tr,
		Events:        bus,
	})

	require.NoError(t, orch.Start(context.Background(), embeddingAlloc(), 3))
	waitDone(t, orch.Done(), 5*time.Second)

	var last event.ProgressPayload
	for {
		select {
		case he := <-ch:
			last = he.Payload.(event.ProgressPayload)
			continue
		default:
		}
		break
	}

	assert.EqualValues(t, 2, last.Current)
	assert.EqualValues(t, 1, last.Skipped)

	_, _, _, bundle, ok := ds.Results(3)
	if ok {
		assert.Nil(t, bundle)
	}
	for _, id := range []int64{1, 2} {
		_, _, _, bundle, ok := ds.Results(id)
		require.True(t, ok)
		require.NotNil(t, bundle)
	}
}

// capturingTextEncoder wraps a TextEncoder to observe the composed text it
// was asked to encode, without changing its deterministic output.
type capturingTextEncoder struct {
	inner    *fake.TextEncoder
	onEncode func(text string)
}

func (c *capturingTextEncoder) Encode(ctx context.Context, handle model.BackendHandle, text string) ([]float32, error) {
	c.onEncode(text)
	return c.inner.Encode(ctx, handle, text)
}
