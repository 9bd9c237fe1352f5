// Package vram implements the per-device VRAM accounting described in
// spec §4.1, grounded on the teacher's transcodeService.consumedThreads
// mutex-guarded budget (internal/transcode/service.go's
// startWaitingTasks): the same try-reserve/release-under-a-single-mutex
// shape, generalized from a thread count to a byte budget per device.
package vram

import (
	"sync"

	"github.com/riftlab/gpuforge/internal/model"
	"github.com/riftlab/gpuforge/pkg/logger"
)

var log = logger.Get("VRAMTracker")

// Tracker is shared by reference among all per-stage orchestrators via the
// Global Orchestrator (spec §3 Ownership). All methods are safe for
// concurrent use.
type Tracker struct {
	mu       sync.Mutex
	devices  map[int]model.Device
	reserved map[int]int64
}

// New builds a Tracker for the given devices. Reserved usage starts at
// zero for every device.
func New(devices []model.Device) *Tracker {
	t := &Tracker{
		devices:  make(map[int]model.Device, len(devices)),
		reserved: make(map[int]int64, len(devices)),
	}
	for _, d := range devices {
		t.devices[d.ID] = d
		t.reserved[d.ID] = 0
	}
	return t
}

// Devices returns every device known to this tracker. Callers that need a
// deterministic admission order must sort the result themselves - this
// ranges the tracker's internal map, so the order is unspecified.
func (t *Tracker) Devices() []model.Device {
	t.mu.Lock()
	defer t.mu.Unlock()

	out := make([]model.Device, 0, len(t.devices))
	for _, d := range t.devices {
		out = append(out, d)
	}
	return out
}

// Available returns capacity(d) x max_fraction - reserved(d). Unknown
// device IDs report zero availability.
func (t *Tracker) Available(deviceID int) int64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.availableLocked(deviceID)
}

func (t *Tracker) availableLocked(deviceID int) int64 {
	d, ok := t.devices[deviceID]
	if !ok {
		return 0
	}
	avail := d.Budget() - t.reserved[deviceID]
	if avail < 0 {
		return 0
	}
	return avail
}

// TryReserve atomically tests whether n bytes fit within the device's
// remaining budget and, if so, reserves them. Returns false (no mutation)
// if n exceeds the currently available budget.
func (t *Tracker) TryReserve(deviceID int, n int64) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	if n <= 0 {
		return true
	}
	if n > t.availableLocked(deviceID) {
		return false
	}

	t.reserved[deviceID] += n
	log.Verbosef("device %d reserved +%d bytes (now %d/%d)\n", deviceID, n, t.reserved[deviceID], t.devices[deviceID].Budget())
	return true
}

// Release gives back n bytes previously reserved on the device. Reserved
// usage saturates at zero rather than going negative, matching spec §4.1's
// release semantics; callers must still pair every TryReserve with exactly
// one Release, since there is no implicit release on cancellation.
func (t *Tracker) Release(deviceID int, n int64) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if n <= 0 {
		return
	}

	r := t.reserved[deviceID] - n
	if r < 0 {
		r = 0
	}
	t.reserved[deviceID] = r
	log.Verbosef("device %d released %d bytes (now %d/%d)\n", deviceID, n, t.reserved[deviceID], t.devices[deviceID].Budget())
}

// Reserved returns the bytes currently reserved on the device.
func (t *Tracker) Reserved(deviceID int) int64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.reserved[deviceID]
}

// MaxInstances returns how many perInstanceBytes-sized instances currently
// fit in the device's remaining budget.
func (t *Tracker) MaxInstances(deviceID int, perInstanceBytes int64) int {
	if perInstanceBytes <= 0 {
		return 0
	}
	return int(t.Available(deviceID) / perInstanceBytes)
}
