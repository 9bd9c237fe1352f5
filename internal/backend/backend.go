// Package backend declares the out-of-scope inference collaborators named
// by spec §1: actual model inference (tagging, captioning, face detection,
// text/vision encoding) is an external module exposing these operations.
// The scheduler only ever calls through these interfaces; it never loads
// weights or talks to an accelerator directly.
package backend

import (
	"context"

	"github.com/riftlab/gpuforge/internal/model"
)

// Tagger is the shared-pool backend for the Tagging stage.
type Tagger interface {
	Classify(ctx context.Context, handle model.BackendHandle, imagePath string) ([]model.TagResult, error)
}

// Captioner is the exclusive-instance backend for the Captioning stage.
type Captioner interface {
	Caption(ctx context.Context, handle model.BackendHandle, imagePath, promptHint string) (model.CaptionResult, error)
}

// FaceDetector is the shared-pool backend for the FaceDetection stage.
type FaceDetector interface {
	Detect(ctx context.Context, handle model.BackendHandle, imagePath string) ([]model.FaceResult, error)
}

// TextEncoder is one of the two shared-pool backends fanned out to by the
// Embedding stage; it consumes the composed prompt/negative-prompt text.
type TextEncoder interface {
	Encode(ctx context.Context, handle model.BackendHandle, text string) ([]float32, error)
}

// VisionEncoder is the other Embedding stage backend; it consumes only the
// image path.
type VisionEncoder interface {
	Encode(ctx context.Context, handle model.BackendHandle, imagePath string) ([]float32, error)
}
