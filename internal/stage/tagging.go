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

// TaggingFootprintBytes is the constant, compile-time-known VRAM footprint
// of the tagging stage's shared pool - both taggers bound to this stage,
// loaded together onto one device - per spec §4.5.
const TaggingFootprintBytes = int64(2) << 30 // 2 GiB

// TaggerLoader loads whichever taggers are enabled for this run onto the
// given device and returns the handle backend.Tagger.Classify expects.
type TaggerLoader func(ctx context.Context, deviceID int) (model.BackendHandle, error)

// NewTaggingConfig wires the Tagging stage: a shared pool of taggers,
// fanned out to by workerCount workers per device. sourceLabel is recorded
// against every write as the tag source - spec §4.9 calls for this to
// reflect which taggers were enabled for the run (e.g. "wd14+blip"), which
// is a run-wide configuration decision made by the caller, not discovered
// per image.
func NewTaggingConfig(ds store.DataStore, tagger backend.Tagger, load TaggerLoader, sourceLabel string, tr *vram.Tracker, events event.EventDispatcher, batchSize int) Config {
	return Config{
		Stage: model.Tagging,
		NewUnit: func(deviceID int) (pool.Loader, pool.Unloader, func(model.BackendHandle) Processor) {
			loader := func(ctx context.Context) (model.BackendHandle, error) {
				return load(ctx, deviceID)
			}
			unloader := func(context.Context, model.BackendHandle) error { return nil }

			procFor := func(handle model.BackendHandle) Processor {
				return func(ctx context.Context, job model.Job) model.Result {
					tags, err := tagger.Classify(ctx, handle, job.ImagePath)
					if err != nil {
						return model.Result{ImageID: job.ImageID, Success: false, ErrorReason: err.Error()}
					}
					return model.Result{ImageID: job.ImageID, Success: true, Tags: tags}
				}
			}
			return loader, unloader, procFor
		},
		WriteResult: func(ctx context.Context, result model.Result) {
			defer func() { _ = ds.ClearNeedsFlag(ctx, model.Tagging, []int64{result.ImageID}) }()

			if !result.Success {
				log.Warnf("tagging: image %d failed: %s\n", result.ImageID, result.ErrorReason)
				return
			}
			if err := ds.WriteTags(ctx, result.ImageID, result.Tags, sourceLabel); err != nil {
				log.Errorf("tagging: write image %d: %v\n", result.ImageID, err)
			}
		},
		FetchBatch: func(ctx context.Context, batch int, lastID int64) ([]int64, error) {
			return ds.FetchPending(ctx, model.Tagging, batch, lastID)
		},
		BuildJob: func(ctx context.Context, id int64) (model.Job, bool, error) {
			img, ok, err := ds.GetImage(ctx, id)
			if err != nil {
				return model.Job{}, false, err
			}
			if !ok {
				_ = ds.ClearNeedsFlag(ctx, model.Tagging, []int64{id})
				return model.Job{}, false, nil
			}
			return model.Job{ImageID: img.ID, ImagePath: img.Path}, true, nil
		},
		BatchSize: batchSize,
		Tracker:   tr,
		Events:    events,
	}
}
