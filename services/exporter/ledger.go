package exporter

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"

	"veracodecsv/pkg/db/migrations"
)

const (
	RunStatusRunning   = "running"
	RunStatusSucceeded = "succeeded"
	RunStatusFailed    = "failed"
)

// Ledger records one export_runs row per run. A nil *Ledger records nothing.
type Ledger struct {
	db *gorm.DB
}

func NewLedger(db *gorm.DB) *Ledger {
	return &Ledger{db: db}
}

// Start inserts a running row for id.
func (l *Ledger) Start(ctx context.Context, id uuid.UUID, at time.Time) error {
	if l == nil {
		return nil
	}
	run := migrations.ExportRun{ID: id, StartedAt: at.UTC(), Status: RunStatusRunning}
	if err := l.db.WithContext(ctx).Create(&run).Error; err != nil {
		return fmt.Errorf("ledger start %s: %w", id, err)
	}
	return nil
}

// Finish stores the outcome of run id.
func (l *Ledger) Finish(ctx context.Context, id uuid.UUID, at time.Time, summary *Summary, runErr error) error {
	if l == nil {
		return nil
	}
	finished := at.UTC()
	status := RunStatusSucceeded
	details := datatypes.JSONMap{"files": summary.Files}
	if runErr != nil {
		status = RunStatusFailed
		details["error"] = runErr.Error()
	}
	err := l.db.WithContext(ctx).Model(&migrations.ExportRun{ID: id}).Updates(map[string]any{
		"finished_at":    &finished,
		"status":         status,
		"builds_ok":      summary.Exported,
		"builds_failed":  summary.Failed,
		"builds_skipped": summary.Skipped,
		"flaws":          summary.Flaws,
		"details":        details,
	}).Error
	if err != nil {
		return fmt.Errorf("ledger finish %s: %w", id, err)
	}
	return nil
}
