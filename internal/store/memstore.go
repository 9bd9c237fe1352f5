package store

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/riftlab/gpuforge/internal/model"
)

// row is one in-memory image, tracked per-stage instead of per-column so
// MemStore can serve every stage without a real schema.
type row struct {
	image       Image
	needsStage  map[model.Stage]bool
	hasResult   map[model.Stage]bool
	tags        []model.TagResult
	caption     *model.CaptionResult
	faces       []model.FaceResult
	embedding   *model.EmbeddingBundle
}

// MemStore is an in-memory DataStore, grounded on the teacher's
// internal/ingest mockStore shape but promoted to a real, reusable
// implementation (spec §1 treats the store as a swappable external
// collaborator, and local dry-runs without Postgres need one).
type MemStore struct {
	mu   sync.Mutex
	rows map[int64]*row
}

// NewMemStore builds an empty store.
func NewMemStore() *MemStore {
	return &MemStore{rows: make(map[int64]*row)}
}

// Seed inserts an image and marks it as needing the given stages. It is a
// test/setup helper, not part of the DataStore interface.
func (m *MemStore) Seed(img Image, stages ...model.Stage) {
	m.mu.Lock()
	defer m.mu.Unlock()

	r, ok := m.rows[img.ID]
	if !ok {
		r = &row{
			image:      img,
			needsStage: make(map[model.Stage]bool),
			hasResult:  make(map[model.Stage]bool),
		}
		m.rows[img.ID] = r
	}
	for _, s := range stages {
		r.needsStage[s] = true
	}
}

func (m *MemStore) CountPending(_ context.Context, stage model.Stage) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var n int64
	for _, r := range m.rows {
		if r.needsStage[stage] {
			n++
		}
	}
	return n, nil
}

func (m *MemStore) FetchPending(_ context.Context, stage model.Stage, batch int, lastID int64) ([]int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	ids := make([]int64, 0, len(m.rows))
	for id, r := range m.rows {
		if r.needsStage[stage] && id > lastID {
			ids = append(ids, id)
		}
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	if len(ids) > batch {
		ids = ids[:batch]
	}
	return ids, nil
}

func (m *MemStore) GetImage(_ context.Context, id int64) (Image, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	r, ok := m.rows[id]
	if !ok {
		return Image{}, false, nil
	}
	return r.image, true, nil
}

func (m *MemStore) ClearNeedsFlag(_ context.Context, stage model.Stage, ids []int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, id := range ids {
		if r, ok := m.rows[id]; ok {
			r.needsStage[stage] = false
		}
	}
	return nil
}

func (m *MemStore) WriteTags(_ context.Context, imageID int64, tags []model.TagResult, _ string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	r, ok := m.rows[imageID]
	if !ok {
		return fmt.Errorf("memstore: no such image %d", imageID)
	}
	r.tags = tags
	r.hasResult[model.Tagging] = true
	return nil
}

func (m *MemStore) WriteCaption(_ context.Context, imageID int64, caption model.CaptionResult) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	r, ok := m.rows[imageID]
	if !ok {
		return fmt.Errorf("memstore: no such image %d", imageID)
	}
	c := caption
	r.caption = &c
	r.hasResult[model.Captioning] = true
	return nil
}

func (m *MemStore) WriteFaces(_ context.Context, imageID int64, faces []model.FaceResult) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	r, ok := m.rows[imageID]
	if !ok {
		return fmt.Errorf("memstore: no such image %d", imageID)
	}
	r.faces = faces
	r.hasResult[model.FaceDetection] = true
	return nil
}

func (m *MemStore) WriteEmbeddings(_ context.Context, imageID int64, bundle model.EmbeddingBundle, _ bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	r, ok := m.rows[imageID]
	if !ok {
		return fmt.Errorf("memstore: no such image %d", imageID)
	}
	b := bundle
	r.embedding = &b
	r.hasResult[model.Embedding] = true
	return nil
}

func (m *MemStore) SmartQueue(_ context.Context, stage model.Stage, ids []int64, skipAlreadyProcessed bool) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	queued := 0
	for _, id := range ids {
		r, ok := m.rows[id]
		if !ok {
			continue
		}
		if skipAlreadyProcessed && r.hasResult[stage] {
			continue
		}
		r.needsStage[stage] = true
		queued++
	}
	return queued, nil
}

// Results exposes what was written for an image, for test assertions.
func (m *MemStore) Results(id int64) (tags []model.TagResult, caption *model.CaptionResult, faces []model.FaceResult, embedding *model.EmbeddingBundle, ok bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	r, present := m.rows[id]
	if !present {
		return nil, nil, nil, nil, false
	}
	return r.tags, r.caption, r.faces, r.embedding, true
}

// NeedsFlag exposes a stage's pending flag for test assertions.
func (m *MemStore) NeedsFlag(id int64, stage model.Stage) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	r, ok := m.rows[id]
	if !ok {
		return false
	}
	return r.needsStage[stage]
}
