// Package store declares the persistence contract spec §6 enumerates as
// an external collaborator, plus two concrete implementations: a
// Postgres-backed adapter (postgres.go) exercising the teacher's
// sqlx/lib/pq/goose/sqldb-logger stack, and an in-memory fake (memstore.go)
// for tests and local dry-runs.
package store

import (
	"context"

	"github.com/riftlab/gpuforge/internal/model"
)

// Image is the subset of a stored image row the scheduler needs: the file
// to read, and the prompt/negative-prompt pair driving caption/embedding
// backends.
type Image struct {
	ID             int64
	Path           string
	Prompt         string
	NegativePrompt string
}

// DataStore is every persistence operation spec §6 names. All operations
// must tolerate out-of-order completion across concurrent callers (spec
// §5's store tolerance requirement) - no operation here assumes it is the
// only in-flight call for a stage.
type DataStore interface {
	// CountPending returns how many images still need processing by this
	// stage.
	CountPending(ctx context.Context, stage model.Stage) (int64, error)

	// FetchPending returns up to batch ids strictly greater than lastID,
	// sorted ascending, that still need processing by this stage.
	FetchPending(ctx context.Context, stage model.Stage, batch int, lastID int64) ([]int64, error)

	// GetImage fetches the row needed to build a Job. ok is false if the
	// row no longer exists (a permanently-missing input per spec §4.3).
	GetImage(ctx context.Context, id int64) (Image, bool, error)

	// ClearNeedsFlag clears the stage's "needs processing" flag for every
	// id given, whether the outcome was success, skip, or (for every stage
	// except Embedding) backend failure.
	ClearNeedsFlag(ctx context.Context, stage model.Stage, ids []int64) error

	WriteTags(ctx context.Context, imageID int64, tags []model.TagResult, source string) error
	WriteCaption(ctx context.Context, imageID int64, caption model.CaptionResult) error
	WriteFaces(ctx context.Context, imageID int64, faces []model.FaceResult) error
	WriteEmbeddings(ctx context.Context, imageID int64, bundle model.EmbeddingBundle, isRepresentative bool) error

	// SmartQueue sets the stage's "needs processing" flag for every id that
	// doesn't already have a result, unless skipAlreadyProcessed is false
	// (in which case every id is (re)flagged unconditionally). Returns how
	// many ids were actually flagged.
	SmartQueue(ctx context.Context, stage model.Stage, ids []int64, skipAlreadyProcessed bool) (int, error)
}
