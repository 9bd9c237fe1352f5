package pool_test

import (
	"context"
	"errors"
	"testing"

	"github.com/riftlab/gpuforge/internal/model"
	"github.com/riftlab/gpuforge/internal/pool"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSharedPool_InitializeThenReady(t *testing.T) {
	p := pool.NewSharedPool("test", 1024, func(context.Context) (model.BackendHandle, error) {
		return "handle", nil
	}, nil)

	assert.False(t, p.IsReady())
	require.NoError(t, p.Initialize(context.Background()))
	assert.True(t, p.IsReady())
	assert.Equal(t, "handle", p.Handle())
	assert.EqualValues(t, 1024, p.VRAMFootprint())
}

func TestSharedPool_InitializeFailurePropagates(t *testing.T) {
	wantErr := errors.New("no weights found")
	p := pool.NewSharedPool("test", 1024, func(context.Context) (model.BackendHandle, error) {
		return nil, wantErr
	}, nil)

	err := p.Initialize(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, wantErr)
	assert.False(t, p.IsReady())
}

func TestSharedPool_DoubleInitializeErrors(t *testing.T) {
	p := pool.NewSharedPool("test", 1024, func(context.Context) (model.BackendHandle, error) {
		return "handle", nil
	}, nil)

	require.NoError(t, p.Initialize(context.Background()))
	require.Error(t, p.Initialize(context.Background()))
}

func TestSharedPool_ShutdownIsIdempotentAndClearsReady(t *testing.T) {
	unloaded := 0
	p := pool.NewSharedPool("test", 1024,
		func(context.Context) (model.BackendHandle, error) { return "handle", nil },
		func(context.Context, model.BackendHandle) error { unloaded++; return nil },
	)

	require.NoError(t, p.Initialize(context.Background()))
	require.NoError(t, p.Shutdown(context.Background()))
	require.NoError(t, p.Shutdown(context.Background())) // idempotent

	assert.False(t, p.IsReady())
	assert.Equal(t, 1, unloaded)
}

func TestSharedPool_ShutdownBeforeInitializeIsNoop(t *testing.T) {
	p := pool.NewSharedPool("test", 1024, func(context.Context) (model.BackendHandle, error) {
		t.Fatal("loader should never be called")
		return nil, nil
	}, nil)

	assert.NoError(t, p.Shutdown(context.Background()))
}

func TestExclusiveInstance_SameLifecycleAsSharedPool(t *testing.T) {
	inst := pool.NewExclusiveInstance("test", 2048, func(context.Context) (model.BackendHandle, error) {
		return 42, nil
	}, nil)

	require.NoError(t, inst.Initialize(context.Background()))
	assert.True(t, inst.IsReady())
	assert.Equal(t, 42, inst.Handle())
	require.NoError(t, inst.Shutdown(context.Background()))
	assert.False(t, inst.IsReady())
}
