package stage

import (
	"context"

	"github.com/riftlab/gpuforge/internal/backend"
	"github.com/riftlab/gpuforge/internal/event"
	"github.com/riftlab/gpuforge/internal/model"
	"github.com/riftlab/gpuforge/internal/pool"
	"github.com/riftlab/gpuforge/internal/store"
	"github.com/riftlab/gpuforge/internal/vram"
)

// CaptioningFootprintBytes is the constant per-instance VRAM footprint of
// one loaded captioning model, per spec §4.6 - the exclusive-instance
// stage creates N of these, one per worker.
const CaptioningFootprintBytes = int64(6) << 30 // 6 GiB

// NewCaptioningConfig wires the Captioning stage: N exclusive instances
// (one per worker, per spec §4.6), each its own loaded captioning model.
func NewCaptioningConfig(ds store.DataStore, captioner backend.Captioner, load func(ctx context.Context, deviceID int) (model.BackendHandle, error), tr *vram.Tracker, events event.EventDispatcher, batchSize int) Config {
	return Config{
		Stage: model.Captioning,
		NewUnit: func(deviceID int) (pool.Loader, pool.Unloader, func(model.BackendHandle) Processor) {
			loader := func(ctx context.Context) (model.BackendHandle, error) { return load(ctx, deviceID) }
			unloader := func(context.Context, model.BackendHandle) error { return nil }

			procFor := func(handle model.BackendHandle) Processor {
				return func(ctx context.Context, job model.Job) model.Result {
					caption, err := captioner.Caption(ctx, handle, job.ImagePath, job.AuxiliaryInput)
					if err != nil {
						return model.Result{ImageID: job.ImageID, Success: false, ErrorReason: err.Error()}
					}
					return model.Result{ImageID: job.ImageID, Success: true, Caption: &caption}
				}
			}
			return loader, unloader, procFor
		},
		WriteResult: func(ctx context.Context, result model.Result) {
			defer func() { _ = ds.ClearNeedsFlag(ctx, model.Captioning, []int64{result.ImageID}) }()

			if !result.Success {
				log.Warnf("captioning: image %d failed: %s\n", result.ImageID, result.ErrorReason)
				return
			}
			if err := ds.WriteCaption(ctx, result.ImageID, *result.Caption); err != nil {
				log.Errorf("captioning: write image %d: %v\n", result.ImageID, err)
			}
		},
		FetchBatch: func(ctx context.Context, batch int, lastID int64) ([]int64, error) {
			return ds.FetchPending(ctx, model.Captioning, batch, lastID)
		},
		BuildJob: func(ctx context.Context, id int64) (model.Job, bool, error) {
			img, ok, err := ds.GetImage(ctx, id)
			if err != nil {
				return model.Job{}, false, err
			}
			if !ok {
				_ = ds.ClearNeedsFlag(ctx, model.Captioning, []int64{id})
				return model.Job{}, false, nil
			}
			return model.Job{ImageID: img.ID, ImagePath: img.Path, AuxiliaryInput: img.Prompt, HasAuxiliary: img.Prompt != ""}, true, nil
		},
		BatchSize: batchSize,
		Tracker:   tr,
		Events:    events,
	}
}
