package watermark

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"veracodecsv/pkg/db"
	"veracodecsv/services/veracode"
)

const (
	selectWatermarks = `SELECT app_id, build_id, policy_updated_at FROM watermarks`
	upsertWatermark  = `INSERT INTO watermarks (app_id, build_id, policy_updated_at, updated_at)
VALUES ($1, $2, $3, now())
ON CONFLICT (app_id, build_id) DO UPDATE SET policy_updated_at = EXCLUDED.policy_updated_at, updated_at = now()`
	deleteAppWatermarks = `DELETE FROM watermarks WHERE app_id = $1`
	deleteAllWatermarks = `DELETE FROM watermarks`
)

type watermarkRow struct {
	AppID           string    `db:"app_id"`
	BuildID         string    `db:"build_id"`
	PolicyUpdatedAt time.Time `db:"policy_updated_at"`
}

// PostgresStore keeps watermarks in the watermarks table. Every successful
// export is upserted immediately.
type PostgresStore struct {
	pool  *pgxpool.Pool
	marks marks
}

// NewPostgresStore returns a store using pool. Migrations must already be applied.
func NewPostgresStore(pool *pgxpool.Pool) (*PostgresStore, error) {
	if pool == nil {
		return nil, errors.New("pool is required")
	}
	return &PostgresStore{pool: pool}, nil
}

func (s *PostgresStore) Load(ctx context.Context) error {
	var rows []watermarkRow
	if err := db.Select(ctx, s.pool, &rows, selectWatermarks); err != nil {
		return &veracode.StorageError{Op: "load", Err: err}
	}
	data := map[string]map[string]string{}
	for _, row := range rows {
		if data[row.AppID] == nil {
			data[row.AppID] = map[string]string{}
		}
		data[row.AppID][row.BuildID] = encode(row.PolicyUpdatedAt)
	}
	s.marks.replace(data)
	return nil
}

func (s *PostgresStore) ShouldExport(appID, buildID string, candidate time.Time) (bool, error) {
	return s.marks.shouldExport(appID, buildID, candidate)
}

func (s *PostgresStore) RecordSuccess(ctx context.Context, appID, buildID string, candidate time.Time) error {
	_, undo := s.marks.set(appID, buildID, candidate)
	if _, err := db.Exec(ctx, s.pool, upsertWatermark, appID, buildID, candidate.UTC()); err != nil {
		undo()
		return &veracode.StorageError{Op: "save", Err: err}
	}
	return nil
}

func (s *PostgresStore) Snapshot() map[string]map[string]time.Time {
	return s.marks.snapshot()
}

func (s *PostgresStore) Reset(ctx context.Context, appID string) error {
	var err error
	if appID == "" {
		_, err = db.Exec(ctx, s.pool, deleteAllWatermarks)
	} else {
		_, err = db.Exec(ctx, s.pool, deleteAppWatermarks, appID)
	}
	if err != nil {
		return &veracode.StorageError{Op: "reset", Err: err}
	}
	s.marks.reset(appID)
	return nil
}
