// Package queue implements the bounded multi-producer multi-consumer work
// queue described in spec §4.2. It is grounded on the teacher's buffered
// event channels (transcodeService.queueChange/taskChange in
// internal/transcode/service.go) and on pkg/worker.WorkerPool.Close's
// idempotent-close discipline, adapted from Thea's polled-slice queue
// (internal/queue/queue.go, no longer present in this tree) to a plain Go
// channel - the idiomatic fit for an MPMC bounded queue per spec §4.2.
package queue

import (
	"sync"

	"github.com/riftlab/gpuforge/internal/model"
	"github.com/riftlab/gpuforge/pkg/logger"
)

// DefaultCapacity is the minimum bounded capacity spec §4.2 requires.
const DefaultCapacity = 1000

var log = logger.Get("WorkQueue")

// Queue is a bounded channel of model.Job with idempotent completion.
// Producers suspend on Push when the channel is full; consumers Pop until
// both the channel is drained and Complete has been called, at which point
// Pop returns ok=false.
type Queue struct {
	ch        chan model.Job
	closeOnce sync.Once
	failErr   error
	failMu    sync.Mutex
}

// New creates a Queue with the given capacity. Capacities below
// DefaultCapacity are rounded up, matching spec §4.2's "bounded capacity
// >= 1000 by default".
func New(capacity int) *Queue {
	if capacity < DefaultCapacity {
		capacity = DefaultCapacity
	}
	return &Queue{ch: make(chan model.Job, capacity)}
}

// Push enqueues a job, blocking if the queue is full. Push must never be
// called after Complete/CloseWithError; doing so panics on a closed
// channel, mirroring Go's own channel-send-after-close semantics, which
// the single queue-populator goroutine per stage is structured to avoid.
func (q *Queue) Push(job model.Job) {
	q.ch <- job
}

// Pop blocks for the next job. ok is false once the queue has been
// completed/closed and fully drained - the end-of-stream signal workers
// watch for in spec §4.7's worker loop.
func (q *Queue) Pop() (model.Job, bool) {
	job, ok := <-q.ch
	return job, ok
}

// Chan exposes the underlying channel for callers that want to select on
// it alongside a pause flag, cancellation context, etc.
func (q *Queue) Chan() <-chan model.Job {
	return q.ch
}

// Complete signals that no more items will be pushed; pending consumers
// drain whatever remains then observe end-of-stream. Idempotent - a second
// call is a no-op.
func (q *Queue) Complete() {
	q.closeOnce.Do(func() {
		close(q.ch)
		log.Debugf("queue completed and closed\n")
	})
}

// CloseWithError completes the queue the same way Complete does, but
// additionally records the fatal error (e.g. an IOError surfaced by the
// cursor paginator per spec §4.3) so the orchestrator can distinguish a
// clean drain from a fatal stop via Err.
func (q *Queue) CloseWithError(err error) {
	q.failMu.Lock()
	if q.failErr == nil {
		q.failErr = err
	}
	q.failMu.Unlock()
	q.Complete()
}

// Err returns the error passed to CloseWithError, if any. A queue that
// drained normally via Complete returns nil.
func (q *Queue) Err() error {
	q.failMu.Lock()
	defer q.failMu.Unlock()
	return q.failErr
}

// Len reports how many jobs are currently buffered (not yet popped).
func (q *Queue) Len() int {
	return len(q.ch)
}
