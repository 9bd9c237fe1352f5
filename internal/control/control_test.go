package control_test

import (
	"context"
	"net/http/httptest"
	"testing"

	"github.com/riftlab/gpuforge/internal/control"
	"github.com/riftlab/gpuforge/internal/event"
	"github.com/riftlab/gpuforge/internal/global"
	"github.com/riftlab/gpuforge/internal/model"
	"github.com/riftlab/gpuforge/internal/stage"
	"github.com/riftlab/gpuforge/internal/store"
	"github.com/riftlab/gpuforge/internal/vram"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// newTestServer builds a control.Server backed by an orchestrator with no
// enabled stages, so Run() returns almost immediately and the surface can
// be exercised without a live stage's worker pool.
func newTestServer(t *testing.T) *httptest.Server {
	t.Helper()

	orch := global.New(global.Config{
		EnabledStages: nil,
		Mode:          model.Concurrent,
		Store:         store.NewMemStore(),
		Tracker:       vram.New([]model.Device{{ID: 0, TotalVRAM: 1 << 30, MaxUsageFrac: 1}}),
		Events:        event.New(),
		NewController: func(s model.Stage) stage.Controller { return nil },
	})
	require.NoError(t, orch.Run(context.Background()))

	srv := control.NewServer("", orch)
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	return ts
}

func TestControlServer_StatusPauseResumeStop(t *testing.T) {
	ts := newTestServer(t)
	client := control.NewClient(ts.URL)

	status, err := client.Status(context.Background())
	require.NoError(t, err)
	assert.Empty(t, status.Stages)

	msg, err := client.Pause(context.Background())
	require.NoError(t, err)
	assert.NotEmpty(t, msg.Reason)

	msg, err = client.Resume(context.Background())
	require.NoError(t, err)
	assert.NotEmpty(t, msg.Reason)

	msg, err = client.Stop(context.Background())
	require.NoError(t, err)
	assert.NotEmpty(t, msg.Reason)
}
