// Package paginate implements the cursor paginator described in spec
// §4.3: repeatedly fetch monotonically-indexed batches until a short page
// signals exhaustion, building a model.Job per id via a stage-supplied
// callback.
//
// There is no direct teacher analogue for this loop; it is modelled on the
// retry-until-satisfied shape of internal/database/connect.go's Connect
// (attempt, check, continue-or-stop), generalized from a fixed retry
// count to "stop when the page is short". No third-party dependency fits
// a plain bounded loop over a caller-supplied callback, so this package is
// intentionally standard-library only.
package paginate

import (
	"context"
	"fmt"

	"github.com/riftlab/gpuforge/internal/model"
	"github.com/riftlab/gpuforge/internal/queue"
	"github.com/riftlab/gpuforge/pkg/logger"
)

var log = logger.Get("Paginator")

// FetchBatch returns ids strictly greater than lastID, sorted ascending,
// bounded by batchSize. An empty slice signals no more data.
type FetchBatch func(ctx context.Context, batchSize int, lastID int64) ([]int64, error)

// BuildJob constructs a Job for the given id. ok is false when the input is
// missing or malformed (e.g. the backing file cannot be found) - the id is
// skipped rather than enqueued.
type BuildJob func(ctx context.Context, id int64) (model.Job, bool, error)

// Stats summarises one Run's outcome, satisfying the invariant in spec §8:
// progress + skipped + queue_remaining = total (skipped items never reach
// "progress" since they're never enqueued).
type Stats struct {
	Enqueued int64
	Skipped  int64
}

// Run repeatedly calls fetch with an ever-increasing cursor and pushes one
// Job per returned id (via build) onto q, until a batch comes back shorter
// than batchSize (including empty) or the context is cancelled. It always
// calls q.Complete()/q.CloseWithError() exactly once before returning, so
// callers can rely on the queue signalling end-of-stream.
//
// A BuildJob error is treated as a per-id skip, not fatal (a malformed row
// is an input problem, not an I/O failure). A FetchBatch error is fatal:
// the queue is closed with that error and the orchestrator is expected to
// treat it as a stop, per spec §4.3.
func Run(ctx context.Context, q *queue.Queue, stage model.Stage, batchSize int, fetch FetchBatch, build BuildJob) Stats {
	var stats Stats
	lastID := int64(0)

	for {
		select {
		case <-ctx.Done():
			q.CloseWithError(ctx.Err())
			return stats
		default:
		}

		ids, err := fetch(ctx, batchSize, lastID)
		if err != nil {
			q.CloseWithError(fmt.Errorf("cursor paginator: fetch batch for stage %s failed: %w", stage, err))
			return stats
		}

		for _, id := range ids {
			job, ok, buildErr := build(ctx, id)
			if buildErr != nil || !ok {
				if buildErr != nil {
					log.Warnf("stage %s: skipping id %d, build_job failed: %v\n", stage, id, buildErr)
				} else {
					log.Debugf("stage %s: skipping id %d, build_job declined (missing/malformed input)\n", stage, id)
				}
				stats.Skipped++
				continue
			}

			select {
			case <-ctx.Done():
				q.CloseWithError(ctx.Err())
				return stats
			default:
				q.Push(job)
				stats.Enqueued++
			}
		}

		// Advance the cursor past every id seen this batch, including ones
		// whose build_job declined, so a short final batch isn't re-fetched
		// forever.
		for _, id := range ids {
			if id > lastID {
				lastID = id
			}
		}

		if len(ids) < batchSize {
			q.Complete()
			return stats
		}
	}
}
