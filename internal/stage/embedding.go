package stage

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/riftlab/gpuforge/internal/backend"
	"github.com/riftlab/gpuforge/internal/event"
	"github.com/riftlab/gpuforge/internal/model"
	"github.com/riftlab/gpuforge/internal/paginate"
	"github.com/riftlab/gpuforge/internal/pool"
	"github.com/riftlab/gpuforge/internal/progress"
	"github.com/riftlab/gpuforge/internal/queue"
	"github.com/riftlab/gpuforge/internal/store"
	"github.com/riftlab/gpuforge/internal/vram"
)

// DefaultEncoderSubWorkers is K in spec §4.8 step 3: sub-workers spawned
// per encoder per device. K=1 is a correctness-preserving lower bound;
// K=3 is the default chosen for throughput.
const DefaultEncoderSubWorkers = 3

// TextEncoderFootprintBytes and VisionEncoderFootprintBytes are the
// constant per-device VRAM footprints of the two encoders loaded once into
// the embedding stage's shared pool, per spec §4.5/§4.8 step 1.
const (
	TextEncoderFootprintBytes   = int64(1) << 30 // 1 GiB
	VisionEncoderFootprintBytes = int64(1) << 30 // 1 GiB
)

// embeddingItem is one encoder-bound work item: either the composed
// prompt text (for the text queue) or the image path (for the vision
// queue), tied to the PendingJoin its result must be reported to.
type embeddingItem struct {
	imageID int64
	text    string
	path    string
	join    *PendingJoin
}

// encoderChan is a plain closeable channel of embeddingItem. It is
// intentionally not internal/queue.Queue, which is typed to model.Job;
// the fan-out stage needs a differently-shaped item and has no cursor
// paginator of its own feeding it directly (see DESIGN.md).
type encoderChan struct {
	ch        chan embeddingItem
	closeOnce sync.Once
}

func newEncoderChan(capacity int) *encoderChan {
	return &encoderChan{ch: make(chan embeddingItem, capacity)}
}

func (c *encoderChan) close() { c.closeOnce.Do(func() { close(c.ch) }) }

type embeddingDevice struct {
	deviceID     int
	textPool     model.ModelPool
	visionPool   model.ModelPool
	textVRAM     int64
	visionVRAM   int64
}

// EncoderLoader loads one encoder onto a device and returns its handle.
type EncoderLoader func(ctx context.Context, deviceID int) (model.BackendHandle, error)

// EmbeddingConfig wires the Embedding stage's backend-specific
// collaborators; it does not reuse stage.Config/Orchestrator because the
// two-encoder fan-out in spec §4.8 has no single Processor per job.
type EmbeddingConfig struct {
	Store          store.DataStore
	TextEncoder    backend.TextEncoder
	VisionEncoder  backend.VisionEncoder
	LoadText       EncoderLoader
	LoadVision     EncoderLoader
	SubWorkers     int // per encoder, per device; defaults to DefaultEncoderSubWorkers
	BatchSize      int
	GraceTimeout   time.Duration
	Tracker        *vram.Tracker
	Events         event.EventDispatcher
}

// EmbeddingOrchestrator is the Per-Stage Orchestrator for the Embedding
// stage: spec §4.8's multi-encoder fan-out/join, wrapped in the same
// Idle->Starting->Running<->Paused->Stopping->Stopped state machine as
// every other stage (spec §4.9), so the Global Orchestrator can manage it
// uniformly via the Controller interface.
type EmbeddingOrchestrator struct {
	cfg EmbeddingConfig

	mu     sync.Mutex
	state  State
	cancel context.CancelFunc

	gate        *pauseGate
	q           *queue.Queue
	textQueue   *encoderChan
	visionQueue *encoderChan
	tr          *progress.Tracker
	devices     []embeddingDevice
	subWg       sync.WaitGroup
	awaitWg     sync.WaitGroup
	dispatchDone chan struct{}
	done        chan struct{}
}

func NewEmbedding(cfg EmbeddingConfig) *EmbeddingOrchestrator {
	if cfg.SubWorkers <= 0 {
		cfg.SubWorkers = DefaultEncoderSubWorkers
	}
	if cfg.GraceTimeout <= 0 {
		cfg.GraceTimeout = DefaultGraceTimeout
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = model.Embedding.DefaultBatchSize()
	}
	return &EmbeddingOrchestrator{
		cfg:          cfg,
		state:        Idle,
		gate:         &pauseGate{},
		dispatchDone: make(chan struct{}),
		done:         make(chan struct{}),
	}
}

func (o *EmbeddingOrchestrator) Stage() model.Stage { return model.Embedding }

func (o *EmbeddingOrchestrator) State() State {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.state
}

func (o *EmbeddingOrchestrator) Done() <-chan struct{} { return o.done }

func (o *EmbeddingOrchestrator) setState(s State) {
	o.mu.Lock()
	o.state = s
	o.mu.Unlock()
	if o.cfg.Events == nil {
		return
	}
	o.cfg.Events.Dispatch(event.StatusChanged, event.StatusPayload{
		Stage:     model.Embedding,
		Text:      s.String(),
		IsRunning: s == Running,
		IsPaused:  s == Paused,
	})
}

// Start loads both encoders onto every allocated device, then spawns the
// queue populator, the dispatcher, and the per-encoder sub-worker pools.
func (o *EmbeddingOrchestrator) Start(parent context.Context, alloc model.ServiceAllocation, total int64) error {
	o.setState(Starting)
	ctx, cancel := context.WithCancel(parent)
	o.cancel = cancel

	for _, a := range alloc.Allocations {
		textPool := pool.NewSharedPool(
			fmt.Sprintf("embedding-text[dev=%d]", a.DeviceID),
			TextEncoderFootprintBytes,
			func(ctx context.Context) (model.BackendHandle, error) { return o.cfg.LoadText(ctx, a.DeviceID) },
			func(context.Context, model.BackendHandle) error { return nil },
		)
		if err := textPool.Initialize(ctx); err != nil {
			o.releaseAllocation(alloc)
			cancel()
			o.setState(Stopped)
			o.emitCompleted()
			return fmt.Errorf("embedding: device %d: text encoder: %w", a.DeviceID, err)
		}

		visionPool := pool.NewSharedPool(
			fmt.Sprintf("embedding-vision[dev=%d]", a.DeviceID),
			VisionEncoderFootprintBytes,
			func(ctx context.Context) (model.BackendHandle, error) { return o.cfg.LoadVision(ctx, a.DeviceID) },
			func(context.Context, model.BackendHandle) error { return nil },
		)
		if err := visionPool.Initialize(ctx); err != nil {
			_ = textPool.Shutdown(ctx)
			o.releaseAllocation(alloc)
			cancel()
			o.setState(Stopped)
			o.emitCompleted()
			return fmt.Errorf("embedding: device %d: vision encoder: %w", a.DeviceID, err)
		}

		o.devices = append(o.devices, embeddingDevice{
			deviceID:   a.DeviceID,
			textPool:   textPool,
			visionPool: visionPool,
			textVRAM:   TextEncoderFootprintBytes,
			visionVRAM: VisionEncoderFootprintBytes,
		})
	}

	o.q = queue.New(queue.DefaultCapacity)
	o.textQueue = newEncoderChan(queue.DefaultCapacity)
	o.visionQueue = newEncoderChan(queue.DefaultCapacity)
	o.tr = progress.New(total, func(s progress.Snapshot) {
		if o.cfg.Events == nil {
			return
		}
		o.cfg.Events.Dispatch(event.ProgressChanged, event.ProgressPayload{
			Stage: model.Embedding, Current: s.Current, Total: s.Total,
			Remaining: s.Remaining, Skipped: s.Skipped, ETA: s.ETA,
		})
	})

	for _, d := range o.devices {
		textHandle := d.textPool.Handle()
		visionHandle := d.visionPool.Handle()
		for i := 0; i < o.cfg.SubWorkers; i++ {
			o.subWg.Add(2)
			go o.runTextWorker(ctx, textHandle)
			go o.runVisionWorker(ctx, visionHandle)
		}
	}

	ds := o.cfg.Store
	wrappedBuild := func(ctx context.Context, id int64) (model.Job, bool, error) {
		img, ok, err := ds.GetImage(ctx, id)
		if err != nil {
			o.tr.RecordSkip()
			return model.Job{}, false, err
		}
		if !ok {
			_ = ds.ClearNeedsFlag(ctx, model.Embedding, []int64{id})
			o.tr.RecordSkip()
			return model.Job{}, false, nil
		}
		if img.Prompt == "" {
			o.tr.RecordSkip()
			return model.Job{}, false, nil
		}
		text := img.Prompt
		if img.NegativePrompt != "" {
			text = img.Prompt + " [SEP] " + img.NegativePrompt
		}
		return model.Job{ImageID: img.ID, ImagePath: img.Path, AuxiliaryInput: text, HasAuxiliary: true}, true, nil
	}
	go paginate.Run(ctx, o.q, model.Embedding, o.cfg.BatchSize, func(ctx context.Context, batch int, lastID int64) ([]int64, error) {
		return ds.FetchPending(ctx, model.Embedding, batch, lastID)
	}, wrappedBuild)

	go o.dispatch(ctx)
	go o.superviseCompletion(ctx)

	o.setState(Running)
	return nil
}

func (o *EmbeddingOrchestrator) runTextWorker(ctx context.Context, handle model.BackendHandle) {
	defer o.subWg.Done()
	for {
		if err := o.gate.waitUnlessCancelled(ctx); err != nil {
			return
		}
		select {
		case <-ctx.Done():
			return
		case item, ok := <-o.textQueue.ch:
			if !ok {
				return
			}
			vec, err := o.cfg.TextEncoder.Encode(ctx, handle, item.text)
			if err != nil {
				log.Warnf("embedding: text encode image %d failed: %v\n", item.imageID, err)
				item.join.completeText(nil)
				continue
			}
			item.join.completeText(vec)
		}
	}
}

func (o *EmbeddingOrchestrator) runVisionWorker(ctx context.Context, handle model.BackendHandle) {
	defer o.subWg.Done()
	for {
		if err := o.gate.waitUnlessCancelled(ctx); err != nil {
			return
		}
		select {
		case <-ctx.Done():
			return
		case item, ok := <-o.visionQueue.ch:
			if !ok {
				return
			}
			vec, err := o.cfg.VisionEncoder.Encode(ctx, handle, item.path)
			if err != nil {
				log.Warnf("embedding: vision encode image %d failed: %v\n", item.imageID, err)
				item.join.completeVision(nil)
				continue
			}
			item.join.completeVision(vec)
		}
	}
}

// dispatch pops built jobs from the main queue, opens a PendingJoin per
// image, fans the two encoder-bound items out, and spawns an awaiter per
// image. It closes both encoder channels once the input is exhausted, so
// idle sub-workers exit once fully drained.
func (o *EmbeddingOrchestrator) dispatch(ctx context.Context) {
	defer close(o.dispatchDone)
	defer o.textQueue.close()
	defer o.visionQueue.close()

	for {
		job, ok := o.q.Pop()
		if !ok {
			return
		}

		join := newPendingJoin(job.ImageID)
		select {
		case <-ctx.Done():
			return
		case o.textQueue.ch <- embeddingItem{imageID: job.ImageID, text: job.AuxiliaryInput, join: join}:
		}
		select {
		case <-ctx.Done():
			return
		case o.visionQueue.ch <- embeddingItem{imageID: job.ImageID, path: job.ImagePath, join: join}:
		}

		o.awaitWg.Add(1)
		go o.awaitAndWrite(ctx, job.ImageID, join)
	}
}

// awaitAndWrite resolves one image's join and performs the orchestrator's
// result-writing responsibility. Per spec §4.9's embedding exception, a
// join that resolves to None is NOT marked processed - the needs_* flag
// stays set so a future run retries it - and progress is left uncounted
// rather than recorded as a skip.
func (o *EmbeddingOrchestrator) awaitAndWrite(ctx context.Context, imageID int64, join *PendingJoin) {
	defer o.awaitWg.Done()

	bundle, ok, err := join.Await(ctx)
	if err != nil {
		return // cancelled; leave unresolved for a future run
	}
	if !ok {
		log.Warnf("embedding: image %d incomplete (an encoder failed), leaving needs_embedding set\n", imageID)
		return
	}

	if err := o.cfg.Store.WriteEmbeddings(ctx, imageID, bundle, false); err != nil {
		log.Errorf("embedding: write image %d: %v\n", imageID, err)
		return
	}
	_ = o.cfg.Store.ClearNeedsFlag(ctx, model.Embedding, []int64{imageID})
	o.tr.RecordCompletion()
}

func (o *EmbeddingOrchestrator) Pause() {
	o.mu.Lock()
	if o.state != Running {
		o.mu.Unlock()
		return
	}
	o.state = Paused
	o.mu.Unlock()
	o.gate.Pause()
	o.setState(Paused)
}

func (o *EmbeddingOrchestrator) Resume() {
	o.mu.Lock()
	if o.state != Paused {
		o.mu.Unlock()
		return
	}
	o.state = Running
	o.mu.Unlock()
	o.gate.Resume()
	o.setState(Running)
}

func (o *EmbeddingOrchestrator) Stop() {
	o.mu.Lock()
	cancel := o.cancel
	o.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

func (o *EmbeddingOrchestrator) superviseCompletion(ctx context.Context) {
	allDone := make(chan struct{})
	go func() {
		<-o.dispatchDone
		o.subWg.Wait()
		o.awaitWg.Wait()
		close(allDone)
	}()

	select {
	case <-allDone:
	case <-ctx.Done():
		o.setState(Stopping)
		select {
		case <-allDone:
		case <-time.After(o.cfg.GraceTimeout):
			log.Warnf("embedding: grace period exceeded, abandoning in-flight work\n")
		}
	}

	o.setState(Stopping)

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), o.cfg.GraceTimeout)
	defer shutdownCancel()
	for _, d := range o.devices {
		if err := d.textPool.Shutdown(shutdownCtx); err != nil {
			log.Errorf("embedding: shutdown text encoder on device %d: %v\n", d.deviceID, err)
		}
		if err := d.visionPool.Shutdown(shutdownCtx); err != nil {
			log.Errorf("embedding: shutdown vision encoder on device %d: %v\n", d.deviceID, err)
		}
		o.cfg.Tracker.Release(d.deviceID, d.textVRAM+d.visionVRAM)
	}

	o.setState(Stopped)
	o.emitCompleted()
	close(o.done)
}

func (o *EmbeddingOrchestrator) releaseAllocation(alloc model.ServiceAllocation) {
	for _, a := range alloc.Allocations {
		o.cfg.Tracker.Release(a.DeviceID, a.VRAMBytes)
	}
}

func (o *EmbeddingOrchestrator) emitCompleted() {
	if o.cfg.Events == nil {
		return
	}
	o.cfg.Events.Dispatch(event.ServiceCompleted, event.ServiceCompletedPayload{Stage: model.Embedding})
}

var _ Controller = (*EmbeddingOrchestrator)(nil)
var _ Controller = (*Orchestrator)(nil)
