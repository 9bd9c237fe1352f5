package model

import "fmt"

// Device is one accelerator the scheduler can pack stages onto. Devices are
// process-wide immutable after initial configuration; only the VRAM
// tracker's reservation bookkeeping changes at runtime.
type Device struct {
	ID            int
	TotalVRAM     int64
	MaxUsageFrac  float64 // in (0, 1], e.g. 0.85 for 85%
}

// Budget returns the maximum VRAM bytes this device may ever have reserved.
func (d Device) Budget() int64 {
	return int64(float64(d.TotalVRAM) * d.MaxUsageFrac)
}

func (d Device) String() string {
	return fmt.Sprintf("Device{id=%d total=%d budget=%d}", d.ID, d.TotalVRAM, d.Budget())
}

// Allocation records the outcome of admitting a single stage onto a single
// device: how many workers and how many loaded model instances it was
// granted, and the VRAM bytes reserved for it.
//
// For shared-pool stages ModelCount is always 1 and WorkerCount is the
// configured concurrency sharing that one pool. For exclusive-instance
// stages ModelCount == WorkerCount, since each worker owns its own loaded
// model.
type Allocation struct {
	Stage       Stage
	DeviceID    int
	WorkerCount int
	ModelCount  int
	VRAMBytes   int64
}

// ServiceAllocation aggregates every per-device Allocation granted to one
// stage during a single admission pass.
type ServiceAllocation struct {
	Stage       Stage
	Mode        Mode
	Allocations []Allocation
}

// TotalWorkers sums WorkerCount across every device this stage was
// admitted onto.
func (sa ServiceAllocation) TotalWorkers() int {
	total := 0
	for _, a := range sa.Allocations {
		total += a.WorkerCount
	}
	return total
}

// TotalModels sums ModelCount across every device this stage was admitted
// onto.
func (sa ServiceAllocation) TotalModels() int {
	total := 0
	for _, a := range sa.Allocations {
		total += a.ModelCount
	}
	return total
}

// TotalVRAM sums the VRAM bytes reserved across every device this stage was
// admitted onto.
func (sa ServiceAllocation) TotalVRAM() int64 {
	var total int64
	for _, a := range sa.Allocations {
		total += a.VRAMBytes
	}
	return total
}

// Empty reports whether this stage received no allocation at all - the
// stage is deferred, not refused, per spec §4.10 step 5.
func (sa ServiceAllocation) Empty() bool {
	return len(sa.Allocations) == 0
}
