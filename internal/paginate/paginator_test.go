package paginate_test

import (
	"context"
	"errors"
	"testing"

	"github.com/riftlab/gpuforge/internal/model"
	"github.com/riftlab/gpuforge/internal/paginate"
	"github.com/riftlab/gpuforge/internal/queue"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func drain(q *queue.Queue) []model.Job {
	var out []model.Job
	for {
		j, ok := q.Pop()
		if !ok {
			return out
		}
		out = append(out, j)
	}
}

func TestRun_StopsOnShortBatch(t *testing.T) {
	all := []int64{1, 2, 3, 4, 5}
	fetch := func(_ context.Context, batch int, lastID int64) ([]int64, error) {
		var page []int64
		for _, id := range all {
			if id > lastID {
				page = append(page, id)
			}
			if len(page) == batch {
				break
			}
		}
		return page, nil
	}
	build := func(_ context.Context, id int64) (model.Job, bool, error) {
		return model.Job{ImageID: id}, true, nil
	}

	q := queue.New(10)
	stats := paginate.Run(context.Background(), q, model.Tagging, 2, fetch, build)

	jobs := drain(q)
	require.Len(t, jobs, 5)
	assert.EqualValues(t, 5, stats.Enqueued)
	assert.EqualValues(t, 0, stats.Skipped)
	assert.Nil(t, q.Err())
}

func TestRun_SkipsDeclinedBuildsWithoutEnqueuing(t *testing.T) {
	fetch := func(_ context.Context, batch int, lastID int64) ([]int64, error) {
		if lastID == 0 {
			return []int64{1, 2, 3}, nil
		}
		return nil, nil
	}
	build := func(_ context.Context, id int64) (model.Job, bool, error) {
		if id == 2 {
			return model.Job{}, false, nil // missing file
		}
		return model.Job{ImageID: id}, true, nil
	}

	q := queue.New(10)
	stats := paginate.Run(context.Background(), q, model.Tagging, 3, fetch, build)

	jobs := drain(q)
	assert.Len(t, jobs, 2)
	assert.EqualValues(t, 2, stats.Enqueued)
	assert.EqualValues(t, 1, stats.Skipped)
}

func TestRun_EveryIdAppearsAtMostOnceAcrossBatches(t *testing.T) {
	pages := [][]int64{{1, 2}, {3, 4}, {5}}
	call := 0
	fetch := func(_ context.Context, batch int, lastID int64) ([]int64, error) {
		if call >= len(pages) {
			return nil, nil
		}
		p := pages[call]
		call++
		return p, nil
	}
	build := func(_ context.Context, id int64) (model.Job, bool, error) {
		return model.Job{ImageID: id}, true, nil
	}

	q := queue.New(10)
	paginate.Run(context.Background(), q, model.Embedding, 2, fetch, build)

	jobs := drain(q)
	seen := map[int64]bool{}
	for _, j := range jobs {
		require.False(t, seen[j.ImageID], "id %d seen twice", j.ImageID)
		seen[j.ImageID] = true
	}
	assert.Len(t, seen, 5)
}

func TestRun_FatalFetchErrorClosesQueueWithError(t *testing.T) {
	wantErr := errors.New("db exploded")
	fetch := func(_ context.Context, _ int, _ int64) ([]int64, error) {
		return nil, wantErr
	}
	build := func(_ context.Context, id int64) (model.Job, bool, error) {
		return model.Job{ImageID: id}, true, nil
	}

	q := queue.New(10)
	paginate.Run(context.Background(), q, model.Tagging, 100, fetch, build)

	_, ok := q.Pop()
	assert.False(t, ok)
	require.Error(t, q.Err())
	assert.ErrorIs(t, q.Err(), wantErr)
}

func TestRun_EmptyFirstBatchCompletesImmediately(t *testing.T) {
	fetch := func(_ context.Context, _ int, _ int64) ([]int64, error) { return nil, nil }
	build := func(_ context.Context, id int64) (model.Job, bool, error) {
		return model.Job{ImageID: id}, true, nil
	}

	q := queue.New(10)
	stats := paginate.Run(context.Background(), q, model.Tagging, 100, fetch, build)

	assert.EqualValues(t, 0, stats.Enqueued)
	_, ok := q.Pop()
	assert.False(t, ok)
}
