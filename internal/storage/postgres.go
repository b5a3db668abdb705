package storage

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/skelly-jelly/pipeline/internal/errorkind"
	"github.com/skelly-jelly/pipeline/internal/model"
)

// PostgresStore is the durable metadata backend for long-running
// installs: a *pgxpool.Pool held by the struct, plain parameterized SQL,
// no ORM, storing event-batch and screenshot-ref metadata.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore connects to dsn and ensures the schema exists.
func NewPostgresStore(ctx context.Context, dsn string) (*PostgresStore, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, err
	}
	s := &PostgresStore{pool: pool}
	if err := s.migrate(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return s, nil
}

func (s *PostgresStore) migrate(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS event_batches (
			batch_id      TEXT PRIMARY KEY,
			window_start  TIMESTAMPTZ NOT NULL,
			window_end    TIMESTAMPTZ NOT NULL,
			event_count   INTEGER NOT NULL,
			created_at    TIMESTAMPTZ NOT NULL DEFAULT now()
		);
		CREATE TABLE IF NOT EXISTS screenshot_refs (
			id             TEXT PRIMARY KEY,
			storage        TEXT NOT NULL,
			byte_size      BIGINT NOT NULL,
			expires_at     TIMESTAMPTZ NOT NULL,
			processed      BOOLEAN NOT NULL DEFAULT false,
			analyzed_at    TIMESTAMPTZ
		);
		CREATE INDEX IF NOT EXISTS screenshot_refs_expires_at_idx ON screenshot_refs (expires_at);
	`)
	return err
}

func (s *PostgresStore) AppendBatchMetadata(ctx context.Context, batch model.EventBatch) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO event_batches (batch_id, window_start, window_end, event_count)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (batch_id) DO NOTHING
	`, batch.BatchID, batch.WindowStart, batch.WindowEnd, len(batch.Events))
	if err != nil {
		return errorkind.New(errorkind.TransientIO, "postgres.AppendBatchMetadata", err)
	}
	return nil
}

func (s *PostgresStore) PutScreenshotRef(ctx context.Context, ref model.ScreenshotRef) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO screenshot_refs (id, storage, byte_size, expires_at, processed)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (id) DO UPDATE SET storage = $2, byte_size = $3, expires_at = $4, processed = $5
	`, ref.ID, string(ref.Storage), ref.ByteSize, ref.ExpiresAt, ref.ProcessedFlag)
	return err
}

func (s *PostgresStore) GetScreenshotRef(ctx context.Context, id string) (model.ScreenshotRef, bool, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT id, storage, byte_size, expires_at, processed FROM screenshot_refs WHERE id = $1
	`, id)
	var ref model.ScreenshotRef
	var storageKind string
	if err := row.Scan(&ref.ID, &storageKind, &ref.ByteSize, &ref.ExpiresAt, &ref.ProcessedFlag); err != nil {
		return model.ScreenshotRef{}, false, nil
	}
	ref.Storage = model.ScreenshotStorage(storageKind)
	return ref, true, nil
}

func (s *PostgresStore) MarkScreenshotAnalyzed(ctx context.Context, id string, completedAt time.Time) error {
	ct, err := s.pool.Exec(ctx, `
		UPDATE screenshot_refs SET processed = true, analyzed_at = $2 WHERE id = $1
	`, id, completedAt)
	if err != nil {
		return err
	}
	if ct.RowsAffected() == 0 {
		return &ErrNotFound{ID: id}
	}
	return nil
}

func (s *PostgresStore) DeleteScreenshotRef(ctx context.Context, id string) error {
	_, err := s.pool.Exec(ctx, `DELETE FROM screenshot_refs WHERE id = $1`, id)
	if err != nil {
		return errorkind.New(errorkind.TransientIO, "postgres.DeleteScreenshotRef", err)
	}
	return nil
}

func (s *PostgresStore) ListExpiredScreenshotRefs(ctx context.Context, now time.Time) ([]model.ScreenshotRef, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, storage, byte_size, expires_at, processed FROM screenshot_refs WHERE expires_at <= $1
	`, now)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.ScreenshotRef
	for rows.Next() {
		var ref model.ScreenshotRef
		var storageKind string
		if err := rows.Scan(&ref.ID, &storageKind, &ref.ByteSize, &ref.ExpiresAt, &ref.ProcessedFlag); err != nil {
			return nil, err
		}
		ref.Storage = model.ScreenshotStorage(storageKind)
		out = append(out, ref)
	}
	return out, rows.Err()
}

func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}

var _ Store = (*PostgresStore)(nil)
