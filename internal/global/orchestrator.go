// Package global implements the Global Orchestrator of spec §4.10: the
// priority-ordered admission algorithm, VRAM packing across devices,
// completion-driven reallocation of deferred stages, and
// pause/resume/stop broadcast to every live Per-Stage Orchestrator.
//
// Grounded on the teacher's top-level Thea struct (internal/thea.go, no
// longer present in this tree) which held every service and drove their
// lifecycle together; generalized here from a fixed service list to the
// admission-ordered, VRAM-gated stage set spec §4.10 describes. The
// concurrent await of per-stage completion uses golang.org/x/sync/errgroup,
// following the concurrency idiom the rest of the reference pack
// (ghjramos-aistore) uses for grouped goroutine supervision.
package global

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/riftlab/gpuforge/internal/event"
	"github.com/riftlab/gpuforge/internal/model"
	"github.com/riftlab/gpuforge/internal/stage"
	"github.com/riftlab/gpuforge/internal/store"
	"github.com/riftlab/gpuforge/internal/vram"
	"github.com/riftlab/gpuforge/pkg/logger"
	"golang.org/x/sync/errgroup"
)

var log = logger.Get("GlobalOrchestrator")

// DefaultWorkerCount is the configured shared-pool concurrency used by the
// admission algorithm's step 3 (spec §4.10): "record an allocation of
// worker_count = configured_default (e.g., 8)".
const DefaultWorkerCount = 8

// DefaultStopTimeout is the composite bound on a global stop, per spec
// §4.10: "Global stop is bounded by a composite timeout (default 10s
// overall)."
const DefaultStopTimeout = 10 * time.Second

// ControllerFactory builds a fresh, Idle stage.Controller for the given
// stage, wired to this run's store/backends. It is supplied by main.go's
// bootstrap code, which is the only place that knows which concrete
// backend implementation (real or fake) each stage uses.
type ControllerFactory func(s model.Stage) stage.Controller

// Config wires the Global Orchestrator's collaborators.
type Config struct {
	EnabledStages []model.Stage
	Mode          model.Mode
	Store         store.DataStore
	Tracker       *vram.Tracker
	Events        event.EventDispatcher
	NewController ControllerFactory
	WorkerCount   int // defaults to DefaultWorkerCount
	StopTimeout   time.Duration

	// WorkerCountFor, if set, overrides WorkerCount for a shared-pool
	// stage admitted onto a specific device - the operator-configured
	// allocation string of spec §6 ("8" = 8 workers on the one device),
	// rather than the process-wide DefaultWorkerCount. Ignored for
	// exclusive-instance stages, whose worker/model count is always
	// derived from available VRAM per spec §4.10 step 3.
	WorkerCountFor func(s model.Stage, deviceID int) int
}

// Orchestrator is the Global Orchestrator of spec §4.10.
type Orchestrator struct {
	cfg Config

	mu        sync.Mutex
	live      map[model.Stage]stage.Controller
	deferred  map[model.Stage]bool
	order     []model.Stage
	completed bool // guards AllServicesCompleted against a double dispatch

	eg    *errgroup.Group
	egCtx context.Context
}

// New builds a Global Orchestrator. It does not start anything until Run
// is called.
func New(cfg Config) *Orchestrator {
	if cfg.WorkerCount <= 0 {
		cfg.WorkerCount = DefaultWorkerCount
	}
	if cfg.StopTimeout <= 0 {
		cfg.StopTimeout = DefaultStopTimeout
	}
	return &Orchestrator{
		cfg:      cfg,
		live:     make(map[model.Stage]stage.Controller),
		deferred: make(map[model.Stage]bool),
	}
}

// footprintFor returns the constant per-unit VRAM footprint the admission
// algorithm packs against, per spec §4.5/§4.6.
func footprintFor(s model.Stage) int64 {
	switch s {
	case model.Tagging:
		return stage.TaggingFootprintBytes
	case model.FaceDetection:
		return stage.FaceDetectionFootprintBytes
	case model.Captioning:
		return stage.CaptioningFootprintBytes
	case model.Embedding:
		return stage.TextEncoderFootprintBytes + stage.VisionEncoderFootprintBytes
	default:
		return 0
	}
}

// Run performs the initial admission pass (spec §4.10 steps 1-5) and then
// blocks until every admitted and subsequently-deferred stage has
// completed, or ctx is cancelled. It dispatches AllServicesCompleted
// exactly once: after the last live stage finishes and no stage remains
// deferred, or straight after an initial pass that started no stage.
func (g *Orchestrator) Run(ctx context.Context) error {
	eg, egCtx := errgroup.WithContext(ctx)
	g.mu.Lock()
	g.eg = eg
	g.egCtx = egCtx
	g.mu.Unlock()

	if err := g.admit(egCtx); err != nil {
		return fmt.Errorf("global orchestrator: initial admission: %w", err)
	}

	if err := eg.Wait(); err != nil {
		return fmt.Errorf("global orchestrator: %w", err)
	}
	return nil
}

// admit implements spec §4.10's admission algorithm.
func (g *Orchestrator) admit(ctx context.Context) error {
	pending := make(map[model.Stage]int64, len(g.cfg.EnabledStages))
	for _, s := range g.cfg.EnabledStages {
		n, err := g.cfg.Store.CountPending(ctx, s)
		if err != nil {
			return fmt.Errorf("count pending for stage %s: %w", s, err)
		}
		if n == 0 {
			continue
		}
		pending[s] = n
	}
	g.emitQueueCounts(pending)

	stages := stagesInAdmissionOrder(pending)
	for _, s := range stages {
		alloc := g.computeAllocation(s)
		if alloc.Empty() {
			log.Infof("stage %s deferred: no device had capacity\n", s)
			g.mu.Lock()
			g.deferred[s] = true
			g.mu.Unlock()
			continue
		}
		g.startStage(ctx, s, alloc, pending[s])
	}

	// If the initial pass admitted nothing, no stage will ever complete to
	// trigger onStageCompleted's reallocation/completion check - so any
	// deferred stage here is stuck forever (e.g. spec §8's "zero devices
	// configured" boundary: admission admits nothing and
	// AllServicesCompleted must fire synchronously). Dispatch directly
	// rather than waiting on a completion event that will never arrive.
	g.mu.Lock()
	noneLive := len(g.live) == 0
	g.mu.Unlock()
	if noneLive {
		g.dispatchAllServicesCompletedOnce()
	}
	return nil
}

// computeAllocation implements spec §4.10 step 3: shared-pool stages
// reserve one footprint per device that fits, exclusive-instance stages
// pack as many instances as fit.
func (g *Orchestrator) computeAllocation(s model.Stage) model.ServiceAllocation {
	footprint := footprintFor(s)
	var allocs []model.Allocation

	for _, d := range g.cfg.Tracker.Devices() {
		if s.SharingMode() == model.Exclusive {
			n := g.cfg.Tracker.MaxInstances(d.ID, footprint)
			if n <= 0 {
				continue
			}
			reserve := int64(n) * footprint
			if !g.cfg.Tracker.TryReserve(d.ID, reserve) {
				continue
			}
			allocs = append(allocs, model.Allocation{Stage: s, DeviceID: d.ID, WorkerCount: n, ModelCount: n, VRAMBytes: reserve})
			continue
		}

		if g.cfg.Tracker.Available(d.ID) < footprint {
			continue
		}
		if !g.cfg.Tracker.TryReserve(d.ID, footprint) {
			continue
		}
		workerCount := g.cfg.WorkerCount
		if g.cfg.WorkerCountFor != nil {
			if n := g.cfg.WorkerCountFor(s, d.ID); n > 0 {
				workerCount = n
			}
		}
		allocs = append(allocs, model.Allocation{Stage: s, DeviceID: d.ID, WorkerCount: workerCount, ModelCount: 1, VRAMBytes: footprint})
	}

	return model.ServiceAllocation{Stage: s, Mode: g.cfg.Mode, Allocations: allocs}
}

func (g *Orchestrator) startStage(ctx context.Context, s model.Stage, alloc model.ServiceAllocation, total int64) {
	ctrl := g.cfg.NewController(s)

	g.mu.Lock()
	g.live[s] = ctrl
	g.order = append(g.order, s)
	delete(g.deferred, s)
	eg := g.eg
	g.mu.Unlock()

	if err := ctrl.Start(ctx, alloc, total); err != nil {
		log.Errorf("stage %s failed to start: %v\n", s, err)
		g.mu.Lock()
		delete(g.live, s)
		g.mu.Unlock()
		return
	}

	eg.Go(func() error {
		<-ctrl.Done()
		g.onStageCompleted(ctx, s)
		return nil
	})
}

// onStageCompleted implements spec §4.10's post-completion reallocation:
// release is already handled inside the stage's own shutdown path, so this
// only needs to retry deferred stages and attempt captioning hot-add, then
// signal AllServicesCompleted if nothing remains.
func (g *Orchestrator) onStageCompleted(ctx context.Context, completed model.Stage) {
	g.mu.Lock()
	delete(g.live, completed)
	deferredSet := make(map[model.Stage]int64, len(g.deferred))
	for s := range g.deferred {
		deferredSet[s] = 1
	}
	g.mu.Unlock()

	if g.cfg.Events != nil {
		g.cfg.Events.Dispatch(event.ServiceCompleted, event.ServiceCompletedPayload{Stage: completed})
	}

	deferredStages := stagesInAdmissionOrder(deferredSet)
	for _, s := range deferredStages {
		n, err := g.cfg.Store.CountPending(ctx, s)
		if err != nil {
			log.Errorf("re-checking deferred stage %s: %v\n", s, err)
			continue
		}
		if n == 0 {
			g.mu.Lock()
			delete(g.deferred, s)
			g.mu.Unlock()
			continue
		}
		alloc := g.computeAllocation(s)
		if !alloc.Empty() {
			g.startStage(ctx, s, alloc, n)
		}
	}

	g.tryExpandCaptioning()

	g.mu.Lock()
	done := len(g.live) == 0 && len(g.deferred) == 0
	g.mu.Unlock()
	if done {
		g.dispatchAllServicesCompletedOnce()
	}
}

// dispatchAllServicesCompletedOnce dispatches AllServicesCompleted exactly
// once per Orchestrator lifetime, regardless of whether it's reached from
// admit's synchronous zero-admission path or onStageCompleted's
// every-stage-finished path.
func (g *Orchestrator) dispatchAllServicesCompletedOnce() {
	g.mu.Lock()
	if g.completed {
		g.mu.Unlock()
		return
	}
	g.completed = true
	g.mu.Unlock()

	if g.cfg.Events != nil {
		g.cfg.Events.Dispatch(event.AllServicesCompleted, nil)
	}
}

// tryExpandCaptioning implements spec §4.10 step 3's hot-add: if
// captioning is live and more instances now fit somewhere, grow it
// in-place rather than waiting for the next full admission pass.
func (g *Orchestrator) tryExpandCaptioning() {
	g.mu.Lock()
	ctrl, live := g.live[model.Captioning]
	g.mu.Unlock()
	if !live {
		return
	}
	hot, ok := ctrl.(stage.HotAddable)
	if !ok || !hot.SupportsHotAdd() {
		return
	}

	footprint := footprintFor(model.Captioning)
	for _, d := range g.cfg.Tracker.Devices() {
		n := g.cfg.Tracker.MaxInstances(d.ID, footprint)
		if n <= 0 {
			continue
		}
		reserve := int64(n) * footprint
		if !g.cfg.Tracker.TryReserve(d.ID, reserve) {
			continue
		}
		if err := hot.Expand(model.Allocation{Stage: model.Captioning, DeviceID: d.ID, WorkerCount: n, ModelCount: n, VRAMBytes: reserve}); err != nil {
			log.Warnf("captioning hot-add on device %d failed: %v\n", d.ID, err)
			g.cfg.Tracker.Release(d.ID, reserve)
		}
	}
}

func (g *Orchestrator) emitQueueCounts(pending map[model.Stage]int64) {
	if g.cfg.Events == nil {
		return
	}
	snapshot := make(map[model.Stage]int64, len(pending))
	for s, n := range pending {
		snapshot[s] = n
	}
	g.cfg.Events.Dispatch(event.QueueCountsChanged, event.QueueCountsPayload{Pending: snapshot})
}

// PauseAll broadcasts pause to every live Per-Stage Orchestrator, in the
// order they were started.
func (g *Orchestrator) PauseAll() {
	for _, ctrl := range g.liveInOrder() {
		ctrl.Pause()
	}
}

// ResumeAll broadcasts resume to every live Per-Stage Orchestrator, in the
// order they were started.
func (g *Orchestrator) ResumeAll() {
	for _, ctrl := range g.liveInOrder() {
		ctrl.Resume()
	}
}

// StopAll broadcasts stop to every live Per-Stage Orchestrator and awaits
// their completion, bounded by the configured composite timeout.
func (g *Orchestrator) StopAll(parent context.Context) error {
	ctrls := g.liveInOrder()

	stopCtx, cancel := context.WithTimeout(parent, g.cfg.StopTimeout)
	defer cancel()

	for _, ctrl := range ctrls {
		ctrl.Stop()
	}
	for _, ctrl := range ctrls {
		select {
		case <-ctrl.Done():
		case <-stopCtx.Done():
			return fmt.Errorf("global stop: timed out after %s waiting for stage %s", g.cfg.StopTimeout, ctrl.Stage())
		}
	}
	return nil
}

// StageStatus is a point-in-time snapshot of one stage's admission state,
// for operator-facing status reporting (cmd/gpuforgectl).
type StageStatus struct {
	Stage    model.Stage
	State    stage.State
	Live     bool
	Deferred bool
}

// Status reports every stage this orchestrator knows about - live or
// deferred - for operator-facing inspection.
func (g *Orchestrator) Status() []StageStatus {
	g.mu.Lock()
	defer g.mu.Unlock()

	out := make([]StageStatus, 0, len(g.order)+len(g.deferred))
	for _, s := range g.order {
		if ctrl, ok := g.live[s]; ok {
			out = append(out, StageStatus{Stage: s, State: ctrl.State(), Live: true})
		}
	}
	for _, s := range stagesInAdmissionOrder(deferredToPending(g.deferred)) {
		out = append(out, StageStatus{Stage: s, Deferred: true})
	}
	return out
}

func deferredToPending(deferred map[model.Stage]bool) map[model.Stage]int64 {
	out := make(map[model.Stage]int64, len(deferred))
	for s := range deferred {
		out[s] = 1
	}
	return out
}

func (g *Orchestrator) liveInOrder() []stage.Controller {
	g.mu.Lock()
	defer g.mu.Unlock()

	out := make([]stage.Controller, 0, len(g.order))
	for _, s := range g.order {
		if ctrl, ok := g.live[s]; ok {
			out = append(out, ctrl)
		}
	}
	return out
}

// stagesInAdmissionOrder returns the keys of present, sorted by Priority()
// and, for ties, by canonical enumeration order (spec §4.10: "Tagging and
// FaceDetection share priority 1 and are ordered against each other by
// enumeration order only") - never by Go's randomized map iteration order.
func stagesInAdmissionOrder(present map[model.Stage]int64) []model.Stage {
	out := make([]model.Stage, 0, len(present))
	for _, s := range model.Stages() {
		if _, ok := present[s]; ok {
			out = append(out, s)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].Priority() < out[j].Priority()
	})
	return out
}
