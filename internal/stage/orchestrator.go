package stage

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/riftlab/gpuforge/internal/event"
	"github.com/riftlab/gpuforge/internal/model"
	"github.com/riftlab/gpuforge/internal/paginate"
	"github.com/riftlab/gpuforge/internal/pool"
	"github.com/riftlab/gpuforge/internal/progress"
	"github.com/riftlab/gpuforge/internal/queue"
	"github.com/riftlab/gpuforge/internal/vram"
	"github.com/riftlab/gpuforge/pkg/logger"
	"github.com/riftlab/gpuforge/pkg/worker"
)

// DefaultGraceTimeout is the bounded grace period spec §5 gives in-flight
// workers to finish after a stop is requested (5-10s), before their pools
// are shut down regardless.
const DefaultGraceTimeout = 8 * time.Second

var log = logger.Get("StageOrchestrator")

// UnitLoader builds the Loader/Unloader pair for one loaded unit (one
// shared pool, or one exclusive instance) bound to a device, plus the
// Processor factory that turns a loaded handle into a job processor.
// Stage-specific wiring code (internal/stage/tagging.go and its siblings)
// supplies this; the orchestrator has no knowledge of any particular
// backend.
type UnitLoader func(deviceID int) (pool.Loader, pool.Unloader, func(handle model.BackendHandle) Processor)

// Config wires one stage's backend-specific collaborators into the
// generic Per-Stage Orchestrator state machine of spec §4.9.
type Config struct {
	Stage        model.Stage
	NewUnit      UnitLoader
	WriteResult  ResultWriter
	FetchBatch   paginate.FetchBatch
	BuildJob     paginate.BuildJob
	BatchSize    int
	GraceTimeout time.Duration
	Tracker      *vram.Tracker
	Events       event.EventDispatcher
}

type unitHandle struct {
	deviceID  int
	res       model.ModelPool
	vramBytes int64
}

// Orchestrator is the Per-Stage Orchestrator of spec §4.9: it owns one
// stage's model pool/instances, queue populator and worker pool, and
// drives the Idle->Starting->Running<->Paused->Stopping->Stopped state
// machine.
type Orchestrator struct {
	cfg Config

	mu     sync.Mutex
	state  State
	cancel context.CancelFunc

	gate   *pauseGate
	q      *queue.Queue
	tr     *progress.Tracker
	units  []unitHandle
	pool   *worker.WorkerPool
	runCtx context.Context
	hotAdd sync.WaitGroup
	done   chan struct{}
}

// New builds an idle Orchestrator for the given stage configuration.
func New(cfg Config) *Orchestrator {
	if cfg.GraceTimeout <= 0 {
		cfg.GraceTimeout = DefaultGraceTimeout
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = cfg.Stage.DefaultBatchSize()
	}
	return &Orchestrator{cfg: cfg, state: Idle, gate: &pauseGate{}, done: make(chan struct{})}
}

func (o *Orchestrator) Stage() model.Stage { return o.cfg.Stage }

func (o *Orchestrator) State() State {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.state
}

// Done returns a channel closed once this orchestrator reaches Stopped.
func (o *Orchestrator) Done() <-chan struct{} { return o.done }

func (o *Orchestrator) setState(s State) {
	o.mu.Lock()
	o.state = s
	o.mu.Unlock()
	o.emitStatus(s)
}

func (o *Orchestrator) emitStatus(s State) {
	if o.cfg.Events == nil {
		return
	}
	o.cfg.Events.Dispatch(event.StatusChanged, event.StatusPayload{
		Stage:     o.cfg.Stage,
		Text:      s.String(),
		IsRunning: s == Running,
		IsPaused:  s == Paused,
	})
}

// Start initializes every allocated device's model pool/instance, then
// spawns the queue populator and workers. total is the pending item count
// the Global Orchestrator observed during admission, seeding the progress
// tracker. It returns once models are loaded and workers are running (the
// Starting->Running transition), or an error if any device's init failed
// (Starting->Stopped, with the allocation's VRAM released back to the
// tracker).
func (o *Orchestrator) Start(parent context.Context, alloc model.ServiceAllocation, total int64) error {
	o.setState(Starting)
	ctx, cancel := context.WithCancel(parent)
	o.cancel = cancel
	o.runCtx = ctx

	var workerProcs []Processor

	for _, a := range alloc.Allocations {
		loader, unloader, procFor := o.cfg.NewUnit(a.DeviceID)

		unitCount := a.ModelCount
		if unitCount <= 0 {
			unitCount = 1
		}
		perUnitVRAM := a.VRAMBytes / int64(unitCount)

		deviceUnits := make([]unitHandle, 0, unitCount)
		for i := 0; i < unitCount; i++ {
			label := fmt.Sprintf("%s[dev=%d,unit=%d]", o.cfg.Stage, a.DeviceID, i)

			var res model.ModelPool
			if o.cfg.Stage.SharingMode() == model.Exclusive {
				res = pool.NewExclusiveInstance(label, perUnitVRAM, loader, unloader)
			} else {
				res = pool.NewSharedPool(label, perUnitVRAM, loader, unloader)
			}

			if err := res.Initialize(ctx); err != nil {
				o.rollbackUnits(context.Background(), deviceUnits)
				o.releaseAllocation(alloc)
				cancel()
				o.setState(Stopped)
				o.emitCompleted()
				return fmt.Errorf("stage %s: device %d: %w", o.cfg.Stage, a.DeviceID, err)
			}
			deviceUnits = append(deviceUnits, unitHandle{deviceID: a.DeviceID, res: res, vramBytes: perUnitVRAM})
		}
		o.units = append(o.units, deviceUnits...)

		for w := 0; w < a.WorkerCount; w++ {
			handleRes := deviceUnits[0].res
			if unitCount == a.WorkerCount {
				handleRes = deviceUnits[w].res
			}
			workerProcs = append(workerProcs, procFor(handleRes.Handle()))
		}
	}

	o.q = queue.New(queue.DefaultCapacity)
	o.tr = progress.New(total, func(s progress.Snapshot) {
		if o.cfg.Events == nil {
			return
		}
		o.cfg.Events.Dispatch(event.ProgressChanged, event.ProgressPayload{
			Stage:     o.cfg.Stage,
			Current:   s.Current,
			Total:     s.Total,
			Remaining: s.Remaining,
			Skipped:   s.Skipped,
			ETA:       s.ETA,
		})
	})

	o.pool = worker.NewWorkerPool()
	for i, proc := range workerProcs {
		task := &workerTask{ctx: ctx, q: o.q, gate: o.gate, process: proc, write: o.cfg.WriteResult, tracker: o.tr}
		_ = o.pool.PushWorker(worker.NewWorker(fmt.Sprintf("%s-%d", o.cfg.Stage, i), task, int(o.cfg.Stage), make(chan int, 1)))
	}
	_ = o.pool.Start()

	wrappedBuild := func(ctx context.Context, id int64) (model.Job, bool, error) {
		job, ok, err := o.cfg.BuildJob(ctx, id)
		if !ok || err != nil {
			o.tr.RecordSkip()
		}
		return job, ok, err
	}
	go paginate.Run(ctx, o.q, o.cfg.Stage, o.cfg.BatchSize, o.cfg.FetchBatch, wrappedBuild)

	go o.superviseCompletion(ctx)

	o.setState(Running)
	return nil
}

// Pause sets the cooperative pause flag every worker polls. No-op unless
// currently Running.
func (o *Orchestrator) Pause() {
	o.mu.Lock()
	if o.state != Running {
		o.mu.Unlock()
		return
	}
	o.state = Paused
	o.mu.Unlock()

	o.gate.Pause()
	o.emitStatus(Paused)
}

// Resume clears the pause flag. No-op unless currently Paused.
func (o *Orchestrator) Resume() {
	o.mu.Lock()
	if o.state != Paused {
		o.mu.Unlock()
		return
	}
	o.state = Running
	o.mu.Unlock()

	o.gate.Resume()
	o.emitStatus(Running)
}

// Stop cancels the stage's context, unblocking channel waits and paused
// sleeps. It does not block; callers await Done() for the Stopped
// transition.
func (o *Orchestrator) Stop() {
	o.mu.Lock()
	cancel := o.cancel
	o.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

// SupportsHotAdd reports whether this stage's orchestrator can grow its
// worker/instance count while Running, per spec §4.10 step 3 and OQ2.
// Only exclusive-instance stages (Captioning) support it: a shared pool
// already serves any number of workers from its one loaded backend, so
// there is nothing to add.
func (o *Orchestrator) SupportsHotAdd() bool {
	return o.cfg.Stage.SharingMode() == model.Exclusive
}

// Expand loads additional exclusive instances for the given allocation
// and spawns a worker for each, without interrupting in-flight work. It
// is a best-effort, in-place growth: it does not touch the WorkerPool
// created at Start (which itself does not support post-start pushes), and
// instead tracks the new workers on a dedicated wait group awaited
// alongside the pool in superviseCompletion.
func (o *Orchestrator) Expand(alloc model.Allocation) error {
	if !o.SupportsHotAdd() {
		return fmt.Errorf("stage %s: hot-add not supported", o.cfg.Stage)
	}

	o.mu.Lock()
	running := o.state == Running
	ctx := o.runCtx
	o.mu.Unlock()
	if !running {
		return fmt.Errorf("stage %s: cannot expand while %s", o.cfg.Stage, o.State())
	}

	loader, unloader, procFor := o.cfg.NewUnit(alloc.DeviceID)
	unitCount := alloc.ModelCount
	if unitCount <= 0 {
		unitCount = 1
	}
	perUnitVRAM := alloc.VRAMBytes / int64(unitCount)

	newUnits := make([]unitHandle, 0, unitCount)
	for i := 0; i < unitCount; i++ {
		label := fmt.Sprintf("%s[dev=%d,hotadd=%d]", o.cfg.Stage, alloc.DeviceID, i)
		res := pool.NewExclusiveInstance(label, perUnitVRAM, loader, unloader)
		if err := res.Initialize(ctx); err != nil {
			o.rollbackUnits(context.Background(), newUnits)
			o.cfg.Tracker.Release(alloc.DeviceID, alloc.VRAMBytes)
			return fmt.Errorf("stage %s: expand device %d: %w", o.cfg.Stage, alloc.DeviceID, err)
		}
		newUnits = append(newUnits, unitHandle{deviceID: alloc.DeviceID, res: res, vramBytes: perUnitVRAM})
	}

	o.mu.Lock()
	o.units = append(o.units, newUnits...)
	o.mu.Unlock()

	for _, u := range newUnits {
		task := &workerTask{ctx: ctx, q: o.q, gate: o.gate, process: procFor(u.res.Handle()), write: o.cfg.WriteResult, tracker: o.tr}
		o.hotAdd.Add(1)
		go func() {
			defer o.hotAdd.Done()
			_ = task.Execute(nil)
		}()
	}

	log.Emit(logger.NEW, "stage %s: hot-added %d instance(s) on device %d\n", o.cfg.Stage, len(newUnits), alloc.DeviceID)
	return nil
}

func (o *Orchestrator) superviseCompletion(ctx context.Context) {
	workersDone := make(chan struct{})
	go func() {
		o.pool.Wg.Wait()
		o.hotAdd.Wait()
		close(workersDone)
	}()

	select {
	case <-workersDone:
	case <-ctx.Done():
		o.setState(Stopping)
		select {
		case <-workersDone:
		case <-time.After(o.cfg.GraceTimeout):
			log.Warnf("stage %s: grace period exceeded, abandoning in-flight workers\n", o.cfg.Stage)
		}
	}

	o.setState(Stopping)

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), o.cfg.GraceTimeout)
	defer shutdownCancel()
	o.shutdownUnits(shutdownCtx)

	o.setState(Stopped)
	o.emitCompleted()
	close(o.done)
}

func (o *Orchestrator) shutdownUnits(ctx context.Context) {
	for _, u := range o.units {
		if err := u.res.Shutdown(ctx); err != nil {
			log.Errorf("stage %s: shutdown unit on device %d: %v\n", o.cfg.Stage, u.deviceID, err)
		}
		o.cfg.Tracker.Release(u.deviceID, u.vramBytes)
	}
}

func (o *Orchestrator) rollbackUnits(ctx context.Context, units []unitHandle) {
	for _, u := range units {
		_ = u.res.Shutdown(ctx)
	}
}

func (o *Orchestrator) releaseAllocation(alloc model.ServiceAllocation) {
	for _, a := range alloc.Allocations {
		o.cfg.Tracker.Release(a.DeviceID, a.VRAMBytes)
	}
}

func (o *Orchestrator) emitCompleted() {
	if o.cfg.Events == nil {
		return
	}
	o.cfg.Events.Dispatch(event.ServiceCompleted, event.ServiceCompletedPayload{Stage: o.cfg.Stage})
}
