// Package pool implements the two concrete shapes of spec §9's sealed
// pool/instance capability set: SharedPool (many workers borrow one
// loaded backend concurrently) and ExclusiveInstance (one worker owns one
// loaded backend for its lifetime). Both are grounded on
// internal/ffmpeg/instance.go's FfmpegInstance state shape
// (Initialize/IsReady/Shutdown lifecycle, idempotent shutdown), adapted
// from ffmpeg-specific fields to the generic Loader callback used here so
// the same shape serves tagging, captioning, face-detection and embedding
// alike.
package pool

import (
	"context"
	"fmt"
	"sync"

	"github.com/riftlab/gpuforge/internal/model"
	"github.com/riftlab/gpuforge/pkg/logger"
)

var log = logger.Get("ModelPool")

// Loader loads whatever models a stage binds to a device and returns a
// non-owning handle workers will later invoke. It is supplied by the
// stage-specific construction code (internal/stage/*.go); the pool itself
// has no knowledge of any particular backend.
type Loader func(ctx context.Context) (model.BackendHandle, error)

// Unloader releases a previously-loaded handle. It is only called for a
// handle that loaded successfully: Shutdown before a successful Initialize
// does not call it.
type Unloader func(ctx context.Context, handle model.BackendHandle) error

type resource struct {
	mu        sync.Mutex
	footprint int64
	loader    Loader
	unloader  Unloader
	handle    model.BackendHandle
	ready     bool
	label     string
}

func newResource(label string, footprint int64, loader Loader, unloader Unloader) *resource {
	return &resource{label: label, footprint: footprint, loader: loader, unloader: unloader}
}

func (r *resource) initialize(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.ready {
		return fmt.Errorf("%s: already initialized", r.label)
	}

	handle, err := r.loader(ctx)
	if err != nil {
		return fmt.Errorf("%s: initialize failed: %w", r.label, err)
	}

	r.handle = handle
	r.ready = true
	log.Emit(logger.NEW, "%s ready (footprint=%d bytes)\n", r.label, r.footprint)
	return nil
}

func (r *resource) isReady() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.ready
}

func (r *resource) vramFootprint() int64 { return r.footprint }

func (r *resource) handleValue() model.BackendHandle {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.handle
}

func (r *resource) shutdown(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if !r.ready {
		return nil
	}

	var err error
	if r.unloader != nil {
		err = r.unloader(ctx, r.handle)
	}
	r.ready = false
	r.handle = nil
	log.Emit(logger.STOP, "%s shut down\n", r.label)
	if err != nil {
		return fmt.Errorf("%s: shutdown failed: %w", r.label, err)
	}
	return nil
}

// SharedPool is the shared-backend ModelPool implementation: its handle
// may be invoked concurrently by any number of workers. Used by Tagging,
// FaceDetection and Embedding.
type SharedPool struct {
	*resource
}

// NewSharedPool builds a pool that will load its backend(s) via loader
// when Initialize is called.
func NewSharedPool(label string, footprintBytes int64, loader Loader, unloader Unloader) *SharedPool {
	return &SharedPool{resource: newResource(label, footprintBytes, loader, unloader)}
}

func (p *SharedPool) Initialize(ctx context.Context) error { return p.initialize(ctx) }
func (p *SharedPool) IsReady() bool                         { return p.isReady() }
func (p *SharedPool) VRAMFootprint() int64                  { return p.vramFootprint() }
func (p *SharedPool) Handle() model.BackendHandle           { return p.handleValue() }
func (p *SharedPool) Shutdown(ctx context.Context) error    { return p.shutdown(ctx) }

var _ model.ModelPool = (*SharedPool)(nil)

// ExclusiveInstance is the exclusive-backend ModelInstance implementation:
// its handle may only ever be invoked by the one worker that owns it.
// Used by Captioning.
type ExclusiveInstance struct {
	*resource
}

// NewExclusiveInstance builds an instance that will load its backend via
// loader when Initialize is called.
func NewExclusiveInstance(label string, footprintBytes int64, loader Loader, unloader Unloader) *ExclusiveInstance {
	return &ExclusiveInstance{resource: newResource(label, footprintBytes, loader, unloader)}
}

func (i *ExclusiveInstance) Initialize(ctx context.Context) error { return i.initialize(ctx) }
func (i *ExclusiveInstance) IsReady() bool                         { return i.isReady() }
func (i *ExclusiveInstance) VRAMFootprint() int64                  { return i.vramFootprint() }
func (i *ExclusiveInstance) Handle() model.BackendHandle           { return i.handleValue() }
func (i *ExclusiveInstance) Shutdown(ctx context.Context) error    { return i.shutdown(ctx) }

var _ model.ModelInstance = (*ExclusiveInstance)(nil)
