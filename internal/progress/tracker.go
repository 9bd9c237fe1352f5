// Package progress implements the progress/ETA counters of spec §4.4,
// grounded on transcodeService's updateHandler/eventBus.Dispatch relay in
// internal/transcode/service.go's startWaitingTasks, generalized to a
// cumulative-average ETA.
package progress

import (
	"sync/atomic"
	"time"
)

// throttleEvery controls how often a progress event is emitted once past
// the always-emit warmup window.
const throttleEvery = 10

// alwaysEmitUpTo is how many initial completions always emit a progress
// event, regardless of throttling, for early feedback.
const alwaysEmitUpTo = 5

// minProgressForETA is the minimum completed-job count before an ETA is
// considered meaningful.
const minProgressForETA = 5

// Snapshot is what Tracker hands to an Emit callback.
type Snapshot struct {
	Current   int64
	Total     int64
	Remaining int64
	Skipped   int64
	ETA       time.Duration
	Rate      float64 // jobs/sec
}

// Emit is called with a Snapshot whenever the throttling policy decides
// this completion should be surfaced. It must return quickly - it is
// called from whichever goroutine completed the job.
type Emit func(Snapshot)

// Tracker holds the atomic counters for a single stage run and computes a
// cumulative-average ETA once enough jobs have completed.
type Tracker struct {
	total     int64
	progress  int64
	skipped   int64
	remaining int64
	startedAt time.Time
	emit      Emit
}

// New builds a Tracker for a run of `total` jobs. emit may be nil, in
// which case progress events are simply not surfaced (counters still
// update).
func New(total int64, emit Emit) *Tracker {
	return &Tracker{
		total:     total,
		remaining: total,
		startedAt: time.Now(),
		emit:      emit,
	}
}

// RecordSkip accounts for an id the cursor paginator declined to enqueue:
// it never reaches "progress", but it does leave the remaining count, per
// spec §8's progress + skipped + queue_remaining = total invariant.
func (t *Tracker) RecordSkip() {
	atomic.AddInt64(&t.skipped, 1)
	decrementFloor(&t.remaining)
}

// RecordCompletion accounts for a finished job (success or backend
// failure both count as "completed" here; the caller decides separately
// whether to clear the store's needs-flag). It applies spec §4.4's
// throttled-emit policy: always for the first 5, then every 10th.
func (t *Tracker) RecordCompletion() {
	current := atomic.AddInt64(&t.progress, 1)
	decrementFloor(&t.remaining)

	if t.emit == nil {
		return
	}
	if current <= alwaysEmitUpTo || current%throttleEvery == 0 {
		t.emit(t.snapshot(current))
	}
}

// Snapshot returns the current counters without forcing an emit, used by
// callers that want an on-demand status read (e.g. a control CLI).
func (t *Tracker) Snapshot() Snapshot {
	return t.snapshot(atomic.LoadInt64(&t.progress))
}

func (t *Tracker) snapshot(current int64) Snapshot {
	remaining := atomic.LoadInt64(&t.remaining)
	skipped := atomic.LoadInt64(&t.skipped)

	s := Snapshot{
		Current:   current,
		Total:     t.total,
		Remaining: remaining,
		Skipped:   skipped,
	}

	if current >= minProgressForETA && remaining > 0 {
		elapsed := time.Since(t.startedAt).Seconds()
		if elapsed > 0 {
			avg := elapsed / float64(current)
			s.ETA = time.Duration(avg * float64(remaining) * float64(time.Second))
			s.Rate = float64(current) / elapsed
		}
	}

	return s
}

func decrementFloor(counter *int64) {
	for {
		cur := atomic.LoadInt64(counter)
		if cur <= 0 {
			atomic.StoreInt64(counter, 0)
			return
		}
		if atomic.CompareAndSwapInt64(counter, cur, cur-1) {
			return
		}
	}
}
