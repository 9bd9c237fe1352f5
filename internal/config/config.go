// Package config loads the scheduler's process-wide configuration:
// devices, per-(stage,mode) allocation strings, and the timeout/batch
// defaults spec §4/§6 name. Grounded on the teacher's internal/config.go
// (TPAConfig/LoadFromFile), kept on github.com/ilyakaznacheev/cleanenv for
// YAML-plus-env-var loading rather than a hand-rolled flag/env reader.
package config

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/ilyakaznacheev/cleanenv"
	"github.com/riftlab/gpuforge/internal/model"
)

// DefaultMaxVramUsagePercent, DefaultGlobalStopTimeoutSeconds and
// DefaultWorkerGraceSeconds mirror the env-default tags below; they're
// exposed so callers building a Config by hand (tests, the memory-store
// dry-run mode) don't have to repeat the magic numbers.
const (
	DefaultMaxVramUsagePercent      = 85
	DefaultGlobalStopTimeoutSeconds = 10
	DefaultWorkerGraceSeconds       = 8
)

// DeviceConfig describes one accelerator as given in the config file.
type DeviceConfig struct {
	ID                  int    `yaml:"id"`
	TotalVRAMBytes      int64  `yaml:"total_vram_bytes"`
	MaxVramUsagePercent int    `yaml:"max_vram_usage_percent"`
	Label               string `yaml:"label"`
}

// ToModel converts this device into the model.Device the VRAM tracker
// consumes, falling back to the process-wide default percentage when the
// device doesn't override it.
func (d DeviceConfig) ToModel(globalMaxPercent int) model.Device {
	pct := d.MaxVramUsagePercent
	if pct <= 0 {
		pct = globalMaxPercent
	}
	return model.Device{ID: d.ID, TotalVRAM: d.TotalVRAMBytes, MaxUsageFrac: float64(pct) / 100}
}

// StageAllocationConfig holds the raw allocation string for a single
// (Stage, Mode) pair, per spec §6: comma-separated per-device counts, e.g.
// "2,0" = 2 on device index 0, 0 on device index 1. For shared-pool
// stages this overrides the admission algorithm's configured_default
// worker count (spec §4.10 step 3); for exclusive-instance stages the
// instance count is always derived from available VRAM and this value is
// informational only.
type StageAllocationConfig struct {
	Counts string `yaml:"counts"`
}

// DeviceCounts parses Counts into one count per device, in device-index
// order (not device ID order - the string is positional, per spec §6).
func (s StageAllocationConfig) DeviceCounts() ([]int, error) {
	return ParseAllocationString(s.Counts)
}

// ParseAllocationString parses spec §6's comma-separated per-device count
// format. An empty string parses to a nil slice (no override).
func ParseAllocationString(s string) ([]int, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, nil
	}

	parts := strings.Split(s, ",")
	counts := make([]int, len(parts))
	for i, p := range parts {
		n, err := strconv.Atoi(strings.TrimSpace(p))
		if err != nil {
			return nil, fmt.Errorf("allocation string %q: device index %d: %w", s, i, err)
		}
		if n < 0 {
			return nil, fmt.Errorf("allocation string %q: device index %d: negative count %d", s, i, n)
		}
		counts[i] = n
	}
	return counts, nil
}

// AllocationKey builds the map key under which a (Stage, Mode) pair's
// allocation string is stored in Config.Allocations.
func AllocationKey(stage model.Stage, mode model.Mode) string {
	return fmt.Sprintf("%s:%s", stage, mode)
}

// BatchSizeConfig carries a per-stage cursor-paginator batch size
// override. A zero field falls back to Stage.DefaultBatchSize() (spec
// §4.3).
type BatchSizeConfig struct {
	Tagging       int `yaml:"tagging"`
	FaceDetection int `yaml:"face_detection"`
	Embedding     int `yaml:"embedding"`
	Captioning    int `yaml:"captioning"`
}

// ForStage returns the configured batch size for s, or its spec-default
// if unset.
func (b BatchSizeConfig) ForStage(s model.Stage) int {
	var configured int
	switch s {
	case model.Tagging:
		configured = b.Tagging
	case model.FaceDetection:
		configured = b.FaceDetection
	case model.Embedding:
		configured = b.Embedding
	case model.Captioning:
		configured = b.Captioning
	}
	if configured > 0 {
		return configured
	}
	return s.DefaultBatchSize()
}

// Config is the top-level process configuration, loaded from a YAML file
// with environment-variable overrides via cleanenv - the teacher's
// TPAConfig/LoadFromFile pattern, generalized from TPA's transcode
// concurrency knobs to this scheduler's device/allocation/timeout knobs.
type Config struct {
	Devices       []DeviceConfig                    `yaml:"devices" env-required:"true"`
	EnabledStages []string                           `yaml:"enabled_stages"`
	Mode          string                             `yaml:"mode" env-default:"concurrent"`
	Allocations   map[string]StageAllocationConfig   `yaml:"allocations"`

	MaxVramUsagePercent      int `yaml:"max_vram_usage_percent" env:"MAX_VRAM_USAGE_PERCENT" env-default:"85"`
	GlobalStopTimeoutSeconds int `yaml:"global_stop_timeout_seconds" env:"GLOBAL_STOP_TIMEOUT_SECONDS" env-default:"10"`
	WorkerGraceSeconds       int `yaml:"worker_grace_seconds" env:"WORKER_GRACE_SECONDS" env-default:"8"`

	BatchSizes BatchSizeConfig `yaml:"batch_sizes"`

	StoreDriver string `yaml:"store_driver" env:"STORE_DRIVER" env-default:"postgres"`
	DatabaseDSN string `yaml:"database_dsn" env:"DATABASE_DSN"`

	// ControlAddr is the address the operator control surface
	// (internal/control, consumed by cmd/gpuforgectl) listens on. Empty
	// disables the control surface entirely.
	ControlAddr string `yaml:"control_addr" env:"CONTROL_ADDR" env-default:"127.0.0.1:9091"`
}

// LoadFromFile reads a YAML config file (with env-var overrides applied
// by cleanenv) and validates it.
func LoadFromFile(path string) (*Config, error) {
	var cfg Config
	if err := cleanenv.ReadConfig(path, &cfg); err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks invariants that cleanenv's tag-based validation can't
// express: percentage bounds and well-formed allocation strings.
func (c *Config) Validate() error {
	if c.MaxVramUsagePercent < 1 || c.MaxVramUsagePercent > 100 {
		return fmt.Errorf("max_vram_usage_percent must be in [1,100], got %d", c.MaxVramUsagePercent)
	}
	for _, d := range c.Devices {
		if d.MaxVramUsagePercent != 0 && (d.MaxVramUsagePercent < 1 || d.MaxVramUsagePercent > 100) {
			return fmt.Errorf("device %d: max_vram_usage_percent must be in [1,100], got %d", d.ID, d.MaxVramUsagePercent)
		}
	}
	for key, alloc := range c.Allocations {
		if _, err := alloc.DeviceCounts(); err != nil {
			return fmt.Errorf("allocation %q: %w", key, err)
		}
	}
	return nil
}

// ModelDevices converts the configured devices into model.Device values
// for the VRAM tracker.
func (c *Config) ModelDevices() []model.Device {
	out := make([]model.Device, len(c.Devices))
	for i, d := range c.Devices {
		out[i] = d.ToModel(c.MaxVramUsagePercent)
	}
	return out
}

// GlobalStopTimeout is GlobalStopTimeoutSeconds as a time.Duration.
func (c *Config) GlobalStopTimeout() time.Duration {
	return time.Duration(c.GlobalStopTimeoutSeconds) * time.Second
}

// WorkerGraceTimeout is WorkerGraceSeconds as a time.Duration.
func (c *Config) WorkerGraceTimeout() time.Duration {
	return time.Duration(c.WorkerGraceSeconds) * time.Second
}

// ModelMode parses Mode into model.Mode, defaulting to Concurrent on an
// unrecognised value.
func (c *Config) ModelMode() model.Mode {
	if strings.EqualFold(c.Mode, "solo") {
		return model.Solo
	}
	return model.Concurrent
}

// EnabledModelStages resolves EnabledStages into model.Stage values. An
// empty list enables every known stage.
func (c *Config) EnabledModelStages() ([]model.Stage, error) {
	if len(c.EnabledStages) == 0 {
		return model.Stages(), nil
	}

	out := make([]model.Stage, 0, len(c.EnabledStages))
	for _, name := range c.EnabledStages {
		s, ok := stageByName(name)
		if !ok {
			return nil, fmt.Errorf("unknown stage %q in enabled_stages", name)
		}
		out = append(out, s)
	}
	return out, nil
}

// WorkerCountFor looks up a per-device worker-count override for a
// shared-pool stage from its configured allocation string, returning 0 (no
// override) if none was configured or the device index is out of range.
func (c *Config) WorkerCountFor(s model.Stage, deviceIndex int) int {
	alloc, ok := c.Allocations[AllocationKey(s, c.ModelMode())]
	if !ok {
		return 0
	}
	counts, err := alloc.DeviceCounts()
	if err != nil || deviceIndex < 0 || deviceIndex >= len(counts) {
		return 0
	}
	return counts[deviceIndex]
}

func stageByName(name string) (model.Stage, bool) {
	for _, s := range model.Stages() {
		if strings.EqualFold(s.String(), name) {
			return s, true
		}
	}
	return 0, false
}
