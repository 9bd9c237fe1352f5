package stage

import (
	"context"

	"github.com/riftlab/gpuforge/internal/model"
	"github.com/riftlab/gpuforge/internal/progress"
	"github.com/riftlab/gpuforge/internal/queue"
	"github.com/riftlab/gpuforge/pkg/worker"
)

// Processor invokes a loaded pool/instance's handle to turn a Job into a
// Result. It is stateless and must never touch the store - that is the
// orchestrator's contract per spec §4.7.
type Processor func(ctx context.Context, job model.Job) model.Result

// ResultWriter performs the orchestrator's side of a completed job:
// payload-specific store write, clearing the stage's needs_* flag, and
// (for tagging) determining the source-tag label.
type ResultWriter func(ctx context.Context, result model.Result)

// workerTask adapts a Processor/ResultWriter pair into the
// pkg/worker.WorkerTaskMeta contract, implementing the worker loop spec
// §4.7 describes: wait while paused, respect cancellation, receive a job
// or observe end-of-stream, process, hand off the result for writing.
type workerTask struct {
	ctx     context.Context
	q       *queue.Queue
	gate    *pauseGate
	process Processor
	write   ResultWriter
	tracker *progress.Tracker
}

func (t *workerTask) Execute(worker.Worker) error {
	for {
		if err := t.gate.waitUnlessCancelled(t.ctx); err != nil {
			return err
		}

		select {
		case <-t.ctx.Done():
			return t.ctx.Err()
		case job, ok := <-t.q.Chan():
			if !ok {
				return t.q.Err()
			}

			result := t.process(t.ctx, job)
			t.write(t.ctx, result)
			t.tracker.RecordCompletion()
		}
	}
}
