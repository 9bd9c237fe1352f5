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

// FaceDetectionFootprintBytes is the constant VRAM footprint of the face
// detection stage's shared pool, per spec §4.5.
const FaceDetectionFootprintBytes = int64(1) << 30 // 1 GiB

// NewFaceDetectionConfig wires the FaceDetection stage: a shared pool of
// face detectors, fanned out to by workerCount workers per device. An
// empty face list is a success, not a failure (spec §3's Result doc
// comment), so the only failure path is a backend error.
func NewFaceDetectionConfig(ds store.DataStore, detector backend.FaceDetector, load func(ctx context.Context, deviceID int) (model.BackendHandle, error), tr *vram.Tracker, events event.EventDispatcher, batchSize int) Config {
	return Config{
		Stage: model.FaceDetection,
		NewUnit: func(deviceID int) (pool.Loader, pool.Unloader, func(model.BackendHandle) Processor) {
			loader := func(ctx context.Context) (model.BackendHandle, error) { return load(ctx, deviceID) }
			unloader := func(context.Context, model.BackendHandle) error { return nil }

			procFor := func(handle model.BackendHandle) Processor {
				return func(ctx context.Context, job model.Job) model.Result {
					faces, err := detector.Detect(ctx, handle, job.ImagePath)
					if err != nil {
						return model.Result{ImageID: job.ImageID, Success: false, ErrorReason: err.Error()}
					}
					return model.Result{ImageID: job.ImageID, Success: true, Faces: faces}
				}
			}
			return loader, unloader, procFor
		},
		WriteResult: func(ctx context.Context, result model.Result) {
			defer func() { _ = ds.ClearNeedsFlag(ctx, model.FaceDetection, []int64{result.ImageID}) }()

			if !result.Success {
				log.Warnf("face_detection: image %d failed: %s\n", result.ImageID, result.ErrorReason)
				return
			}
			if err := ds.WriteFaces(ctx, result.ImageID, result.Faces); err != nil {
				log.Errorf("face_detection: write image %d: %v\n", result.ImageID, err)
			}
		},
		FetchBatch: func(ctx context.Context, batch int, lastID int64) ([]int64, error) {
			return ds.FetchPending(ctx, model.FaceDetection, batch, lastID)
		},
		BuildJob: func(ctx context.Context, id int64) (model.Job, bool, error) {
			img, ok, err := ds.GetImage(ctx, id)
			if err != nil {
				return model.Job{}, false, err
			}
			if !ok {
				_ = ds.ClearNeedsFlag(ctx, model.FaceDetection, []int64{id})
				return model.Job{}, false, nil
			}
			return model.Job{ImageID: img.ID, ImagePath: img.Path}, true, nil
		},
		BatchSize: batchSize,
		Tracker:   tr,
		Events:    events,
	}
}
