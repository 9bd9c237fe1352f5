package config_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/riftlab/gpuforge/internal/config"
	"github.com/riftlab/gpuforge/internal/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, yaml string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(yaml), 0o644))
	return path
}

func TestParseAllocationString(t *testing.T) {
	counts, err := config.ParseAllocationString("2,0")
	require.NoError(t, err)
	assert.Equal(t, []int{2, 0}, counts)

	counts, err = config.ParseAllocationString("")
	require.NoError(t, err)
	assert.Nil(t, counts)

	_, err = config.ParseAllocationString("2,x")
	assert.Error(t, err)

	_, err = config.ParseAllocationString("-1")
	assert.Error(t, err)
}

func TestLoadFromFile_AppliesDefaultsAndValidates(t *testing.T) {
	path := writeConfig(t, `
devices:
  - id: 0
    total_vram_bytes: 34359738368
`)

	cfg, err := config.LoadFromFile(path)
	require.NoError(t, err)

	assert.Equal(t, config.DefaultMaxVramUsagePercent, cfg.MaxVramUsagePercent)
	assert.Equal(t, config.DefaultGlobalStopTimeoutSeconds, cfg.GlobalStopTimeoutSeconds)
	assert.Equal(t, config.DefaultWorkerGraceSeconds, cfg.WorkerGraceSeconds)
	assert.Equal(t, model.Concurrent, cfg.ModelMode())

	devices := cfg.ModelDevices()
	require.Len(t, devices, 1)
	assert.EqualValues(t, 34359738368, devices[0].TotalVRAM)
	assert.InDelta(t, 0.85, devices[0].MaxUsageFrac, 1e-9)
}

func TestLoadFromFile_RejectsOutOfRangePercent(t *testing.T) {
	path := writeConfig(t, `
devices:
  - id: 0
    total_vram_bytes: 1000
max_vram_usage_percent: 150
`)

	_, err := config.LoadFromFile(path)
	assert.Error(t, err)
}

func TestLoadFromFile_RejectsMalformedAllocationString(t *testing.T) {
	path := writeConfig(t, `
devices:
  - id: 0
    total_vram_bytes: 1000
allocations:
  "tagging:concurrent":
    counts: "abc"
`)

	_, err := config.LoadFromFile(path)
	assert.Error(t, err)
}

func TestConfig_WorkerCountForReadsAllocationString(t *testing.T) {
	path := writeConfig(t, `
devices:
  - id: 0
    total_vram_bytes: 1000
  - id: 1
    total_vram_bytes: 1000
mode: concurrent
allocations:
  "tagging:concurrent":
    counts: "8,0"
`)

	cfg, err := config.LoadFromFile(path)
	require.NoError(t, err)

	assert.Equal(t, 8, cfg.WorkerCountFor(model.Tagging, 0))
	assert.Equal(t, 0, cfg.WorkerCountFor(model.Tagging, 1))
	assert.Equal(t, 0, cfg.WorkerCountFor(model.Captioning, 0), "no configured allocation falls back to 0 (no override)")
}

func TestConfig_EnabledModelStagesDefaultsToAll(t *testing.T) {
	path := writeConfig(t, `
devices:
  - id: 0
    total_vram_bytes: 1000
`)
	cfg, err := config.LoadFromFile(path)
	require.NoError(t, err)

	stages, err := cfg.EnabledModelStages()
	require.NoError(t, err)
	assert.ElementsMatch(t, model.Stages(), stages)
}

func TestConfig_EnabledModelStagesRejectsUnknownName(t *testing.T) {
	path := writeConfig(t, `
devices:
  - id: 0
    total_vram_bytes: 1000
enabled_stages:
  - tagging
  - not_a_real_stage
`)
	cfg, err := config.LoadFromFile(path)
	require.NoError(t, err)

	_, err = cfg.EnabledModelStages()
	assert.Error(t, err)
}
