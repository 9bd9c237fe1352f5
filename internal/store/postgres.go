package store

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	"github.com/lib/pq"
	"github.com/pressly/goose/v3"
	sqldblogger "github.com/simukti/sqldb-logger"

	"github.com/riftlab/gpuforge/internal/model"
	"github.com/riftlab/gpuforge/pkg/logger"
)

const (
	sqlDialect = "postgres"

	connectionFailureDelay = 3 * time.Second
	connectionMaxRetries   = 5
)

var (
	//go:embed migrations/*.sql
	migrations embed.FS

	dbLogger = logger.Get("Store")
)

// sqlLogger adapts pkg/logger.Logger to sqldb-logger's Logger interface,
// grounded on the teacher's internal/database.SQLLogger.
type sqlLogger struct {
	logger logger.Logger
}

func (l *sqlLogger) Log(_ context.Context, level sqldblogger.Level, msg string, data map[string]any) {
	switch level {
	case sqldblogger.LevelTrace:
		l.logger.Verbosef("%s - %v\n", msg, data)
	case sqldblogger.LevelDebug, sqldblogger.LevelInfo:
		l.logger.Debugf("%s - %v\n", msg, data)
	case sqldblogger.LevelError:
		l.logger.Errorf("%s - %v\n", msg, data)
	}
}

// PostgresStore is a sqlx/lib/pq-backed DataStore, with schema migrations
// applied through goose from embedded SQL files. Grounded on the teacher's
// internal/database connect.go (dial/retry/migrate shape) and its
// per-entity store.go files (query shape, db-tagged structs).
type PostgresStore struct {
	raw *sql.DB
	db  *sqlx.DB
}

// OpenPostgresStore dials dsn, retrying connectionMaxRetries times, then
// runs pending goose migrations before returning.
func OpenPostgresStore(dsn string) (*PostgresStore, error) {
	rawDB, err := sql.Open(sqlDialect, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open postgres connection: %w", err)
	}
	rawDB = sqldblogger.OpenDriver(dsn, rawDB.Driver(), &sqlLogger{dbLogger})

	attempt := 1
	for {
		if err := rawDB.Ping(); err != nil {
			if attempt >= connectionMaxRetries {
				return nil, fmt.Errorf("postgres store: all %d connection attempts failed: %w", connectionMaxRetries, err)
			}
			dbLogger.Warnf("connection attempt (%d/%d) failed, retrying in %s: %v\n", attempt, connectionMaxRetries, connectionFailureDelay, err)
			attempt++
			time.Sleep(connectionFailureDelay)
			continue
		}
		break
	}

	store := &PostgresStore{raw: rawDB, db: sqlx.NewDb(rawDB, sqlDialect)}
	if err := store.migrate(); err != nil {
		return nil, err
	}

	dbLogger.Emit(logger.SUCCESS, "Postgres store connection established\n")
	return store, nil
}

func (s *PostgresStore) migrate() error {
	goose.SetBaseFS(migrations)
	goose.SetLogger(dbLogger)
	if err := goose.SetDialect(sqlDialect); err != nil {
		return fmt.Errorf("failed to set goose dialect: %w", err)
	}
	if err := goose.Up(s.raw, "migrations"); err != nil {
		return fmt.Errorf("failed to run migrations: %w", err)
	}
	return nil
}

// Close releases the underlying connection pool.
func (s *PostgresStore) Close() error {
	return s.raw.Close()
}

func needsColumn(stage model.Stage) (string, error) {
	switch stage {
	case model.Tagging:
		return "needs_tagging", nil
	case model.FaceDetection:
		return "needs_face_detection", nil
	case model.Embedding:
		return "needs_embedding", nil
	case model.Captioning:
		return "needs_captioning", nil
	default:
		return "", fmt.Errorf("postgres store: unknown stage %s", stage)
	}
}

func resultTable(stage model.Stage) (string, error) {
	switch stage {
	case model.Tagging:
		return "tags", nil
	case model.FaceDetection:
		return "faces", nil
	case model.Embedding:
		return "embeddings", nil
	case model.Captioning:
		return "captions", nil
	default:
		return "", fmt.Errorf("postgres store: unknown stage %s", stage)
	}
}

func (s *PostgresStore) CountPending(ctx context.Context, stage model.Stage) (int64, error) {
	col, err := needsColumn(stage)
	if err != nil {
		return 0, err
	}

	var n int64
	query := fmt.Sprintf(`SELECT count(*) FROM images WHERE %s = true`, col)
	if err := s.db.GetContext(ctx, &n, query); err != nil {
		return 0, fmt.Errorf("count pending for stage %s: %w", stage, err)
	}
	return n, nil
}

func (s *PostgresStore) FetchPending(ctx context.Context, stage model.Stage, batch int, lastID int64) ([]int64, error) {
	col, err := needsColumn(stage)
	if err != nil {
		return nil, err
	}

	var ids []int64
	query := fmt.Sprintf(`SELECT id FROM images WHERE %s = true AND id > $1 ORDER BY id ASC LIMIT $2`, col)
	if err := s.db.SelectContext(ctx, &ids, query, lastID, batch); err != nil {
		return nil, fmt.Errorf("fetch pending for stage %s: %w", stage, err)
	}
	return ids, nil
}

type imageRow struct {
	ID             int64  `db:"id"`
	Path           string `db:"path"`
	Prompt         string `db:"prompt"`
	NegativePrompt string `db:"negative_prompt"`
}

func (s *PostgresStore) GetImage(ctx context.Context, id int64) (Image, bool, error) {
	var row imageRow
	err := s.db.GetContext(ctx, &row, `SELECT id, path, prompt, negative_prompt FROM images WHERE id = $1`, id)
	if err == sql.ErrNoRows {
		return Image{}, false, nil
	}
	if err != nil {
		return Image{}, false, fmt.Errorf("get image %d: %w", id, err)
	}
	return Image{ID: row.ID, Path: row.Path, Prompt: row.Prompt, NegativePrompt: row.NegativePrompt}, true, nil
}

func (s *PostgresStore) ClearNeedsFlag(ctx context.Context, stage model.Stage, ids []int64) error {
	if len(ids) == 0 {
		return nil
	}
	col, err := needsColumn(stage)
	if err != nil {
		return err
	}

	query := fmt.Sprintf(`UPDATE images SET %s = false WHERE id = ANY($1)`, col)
	if _, err := s.db.ExecContext(ctx, query, pq.Array(ids)); err != nil {
		return fmt.Errorf("clear needs flag for stage %s: %w", stage, err)
	}
	return nil
}

func (s *PostgresStore) WriteTags(ctx context.Context, imageID int64, tags []model.TagResult, source string) error {
	return wrapTx(s.db, func(tx *sqlx.Tx) error {
		if _, err := tx.ExecContext(ctx, `DELETE FROM tags WHERE image_id = $1`, imageID); err != nil {
			return fmt.Errorf("clear existing tags for image %d: %w", imageID, err)
		}
		for _, t := range tags {
			if _, err := tx.ExecContext(ctx,
				`INSERT INTO tags (image_id, tag, confidence, source) VALUES ($1, $2, $3, $4)`,
				imageID, t.Tag, t.Confidence, source,
			); err != nil {
				return fmt.Errorf("insert tag %q for image %d: %w", t.Tag, imageID, err)
			}
		}
		return nil
	})
}

func (s *PostgresStore) WriteCaption(ctx context.Context, imageID int64, caption model.CaptionResult) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO captions (image_id, text, source, prompt_used, tokens, duration_ms)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (image_id) DO UPDATE SET
			text = EXCLUDED.text,
			source = EXCLUDED.source,
			prompt_used = EXCLUDED.prompt_used,
			tokens = EXCLUDED.tokens,
			duration_ms = EXCLUDED.duration_ms`,
		imageID, caption.Text, caption.Source, caption.PromptUsed, caption.Tokens, caption.DurationMS,
	)
	if err != nil {
		return fmt.Errorf("write caption for image %d: %w", imageID, err)
	}
	return nil
}

func (s *PostgresStore) WriteFaces(ctx context.Context, imageID int64, faces []model.FaceResult) error {
	return wrapTx(s.db, func(tx *sqlx.Tx) error {
		if _, err := tx.ExecContext(ctx, `DELETE FROM faces WHERE image_id = $1`, imageID); err != nil {
			return fmt.Errorf("clear existing faces for image %d: %w", imageID, err)
		}
		for _, f := range faces {
			if _, err := tx.ExecContext(ctx,
				`INSERT INTO faces (image_id, bbox, confidence, embedding, landmarks) VALUES ($1, $2, $3, $4, $5)`,
				imageID, pq.Array(f.BoundingBox[:]), f.Confidence, pq.Array(f.Embedding), pq.Array(f.Landmarks),
			); err != nil {
				return fmt.Errorf("insert face for image %d: %w", imageID, err)
			}
		}
		return nil
	})
}

func (s *PostgresStore) WriteEmbeddings(ctx context.Context, imageID int64, bundle model.EmbeddingBundle, isRepresentative bool) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO embeddings (image_id, bge_vector, vision_vector, is_representative)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (image_id) DO UPDATE SET
			bge_vector = EXCLUDED.bge_vector,
			vision_vector = EXCLUDED.vision_vector,
			is_representative = EXCLUDED.is_representative`,
		imageID, pq.Array(bundle.BgeVector), pq.Array(bundle.VisionVector), isRepresentative,
	)
	if err != nil {
		return fmt.Errorf("write embeddings for image %d: %w", imageID, err)
	}
	return nil
}

func (s *PostgresStore) SmartQueue(ctx context.Context, stage model.Stage, ids []int64, skipAlreadyProcessed bool) (int, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	col, err := needsColumn(stage)
	if err != nil {
		return 0, err
	}
	table, err := resultTable(stage)
	if err != nil {
		return 0, err
	}

	var query string
	if skipAlreadyProcessed {
		query = fmt.Sprintf(`
			UPDATE images SET %s = true
			WHERE id = ANY($1)
			  AND id NOT IN (SELECT image_id FROM %s)`, col, table)
	} else {
		query = fmt.Sprintf(`UPDATE images SET %s = true WHERE id = ANY($1)`, col)
	}

	result, err := s.db.ExecContext(ctx, query, pq.Array(ids))
	if err != nil {
		return 0, fmt.Errorf("smart queue for stage %s: %w", stage, err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("smart queue for stage %s: %w", stage, err)
	}
	return int(affected), nil
}

// wrapTx starts a transaction, runs f, and commits or rolls back based on
// f's outcome - grounded on the teacher's database.WrapTx.
func wrapTx(db *sqlx.DB, f func(tx *sqlx.Tx) error) error {
	tx, err := db.Beginx()
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	if err := f(tx); err != nil {
		return err
	}
	return tx.Commit()
}

var _ DataStore = (*PostgresStore)(nil)
