package stage

import (
	"context"

	"github.com/riftlab/gpuforge/internal/model"
)

// Controller is the shape the Global Orchestrator drives every Per-Stage
// Orchestrator through, regardless of whether it's a generic Orchestrator
// (Tagging, FaceDetection, Captioning) or the embedding stage's
// fan-out/join variant - spec §4.10 addresses both uniformly.
type Controller interface {
	Stage() model.Stage
	State() State
	Start(ctx context.Context, alloc model.ServiceAllocation, total int64) error
	Pause()
	Resume()
	Stop()
	Done() <-chan struct{}
}

// HotAddable is implemented by Controllers that can grow their instance
// count while Running (spec §4.10 step 3, OQ2). The generic Orchestrator
// implements it, and its SupportsHotAdd reports true only for the
// exclusive-instance Captioning stage; EmbeddingOrchestrator does not
// implement it. The Global Orchestrator probes with a type assertion from
// Controller to HotAddable followed by SupportsHotAdd.
type HotAddable interface {
	SupportsHotAdd() bool
	Expand(alloc model.Allocation) error
}
