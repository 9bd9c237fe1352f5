package stage

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/riftlab/gpuforge/internal/model"
)

// PendingJoin implements spec §4.8's multi-encoder fan-out/join: a
// completion channel closed exactly once plus an atomic arrival counter,
// resolved once both encoder callbacks have fired for one image. A small
// mutex guards the two result slots; the arrival count itself is atomic.
//
// The expected arrival count is a field (newPendingJoinN), but the join
// has exactly two result slots (text and vision) and newPendingJoin, the
// only constructor the embedding stage uses, always expects 2.
type PendingJoin struct {
	imageID int64

	mu     sync.Mutex
	bge    []float32
	vision []float32

	expected  int32
	count     int32
	done      chan struct{}
	closeOnce sync.Once
}

func newPendingJoin(imageID int64) *PendingJoin {
	return newPendingJoinN(imageID, 2)
}

func newPendingJoinN(imageID int64, expected int32) *PendingJoin {
	return &PendingJoin{imageID: imageID, expected: expected, done: make(chan struct{})}
}

// completeText records the text-semantic encoder's result. vec is nil on a
// failed encode, matching spec §4.8's Some(vector)/None callback contract.
func (j *PendingJoin) completeText(vec []float32) {
	j.mu.Lock()
	j.bge = vec
	j.mu.Unlock()
	j.arrive()
}

// completeVision records the vision encoder's result.
func (j *PendingJoin) completeVision(vec []float32) {
	j.mu.Lock()
	j.vision = vec
	j.mu.Unlock()
	j.arrive()
}

func (j *PendingJoin) arrive() {
	if atomic.AddInt32(&j.count, 1) == j.expected {
		j.closeOnce.Do(func() { close(j.done) })
	}
}

// Await blocks until both encoder callbacks have fired or ctx is
// cancelled. ok is false if either slot came back empty - the join
// resolves to None per spec §4.8 step 6.
func (j *PendingJoin) Await(ctx context.Context) (bundle model.EmbeddingBundle, ok bool, err error) {
	select {
	case <-j.done:
	case <-ctx.Done():
		return model.EmbeddingBundle{}, false, ctx.Err()
	}

	j.mu.Lock()
	defer j.mu.Unlock()
	if j.bge == nil || j.vision == nil {
		return model.EmbeddingBundle{}, false, nil
	}
	return model.EmbeddingBundle{BgeVector: j.bge, VisionVector: j.vision}, true, nil
}
