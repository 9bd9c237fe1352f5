package queue_test

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/riftlab/gpuforge/internal/model"
	"github.com/riftlab/gpuforge/internal/queue"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew_RoundsUpToDefaultCapacity(t *testing.T) {
	q := queue.New(1)
	// Capacity isn't directly observable, but pushing DefaultCapacity items
	// without a consumer should never block.
	done := make(chan struct{})
	go func() {
		for i := 0; i < queue.DefaultCapacity; i++ {
			q.Push(model.Job{ImageID: int64(i)})
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("push blocked despite capacity being rounded up")
	}
}

func TestPushPop_FIFOWithinSingleProducer(t *testing.T) {
	q := queue.New(10)
	for i := 0; i < 5; i++ {
		q.Push(model.Job{ImageID: int64(i)})
	}
	q.Complete()

	var got []int64
	for {
		job, ok := q.Pop()
		if !ok {
			break
		}
		got = append(got, job.ImageID)
	}

	assert.Equal(t, []int64{0, 1, 2, 3, 4}, got)
}

func TestComplete_IsIdempotent(t *testing.T) {
	q := queue.New(10)
	q.Complete()
	assert.NotPanics(t, func() {
		q.Complete()
		q.Complete()
	})
}

func TestPop_ReturnsFalseAfterDrainAndComplete(t *testing.T) {
	q := queue.New(10)
	q.Push(model.Job{ImageID: 1})
	q.Complete()

	_, ok := q.Pop()
	require.True(t, ok)

	_, ok = q.Pop()
	assert.False(t, ok)
}

func TestCloseWithError_RecordsFirstError(t *testing.T) {
	q := queue.New(10)
	err := errors.New("fatal fetch failure")
	q.CloseWithError(err)
	q.CloseWithError(errors.New("second error ignored"))

	assert.Equal(t, err, q.Err())

	_, ok := q.Pop()
	assert.False(t, ok)
}

func TestConcurrentProducersPreserveAllItems(t *testing.T) {
	q := queue.New(1000)
	const producers = 10
	const perProducer = 50

	var wg sync.WaitGroup
	for p := 0; p < producers; p++ {
		wg.Add(1)
		go func(p int) {
			defer wg.Done()
			for i := 0; i < perProducer; i++ {
				q.Push(model.Job{ImageID: int64(p*perProducer + i)})
			}
		}(p)
	}

	go func() {
		wg.Wait()
		q.Complete()
	}()

	seen := make(map[int64]bool)
	for {
		job, ok := q.Pop()
		if !ok {
			break
		}
		seen[job.ImageID] = true
	}

	assert.Len(t, seen, producers*perProducer)
}
