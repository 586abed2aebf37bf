package exporter

import (
	"context"
	"io"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"veracodecsv/pkg/metrics"
	"veracodecsv/services/extract"
	"veracodecsv/services/watermark"
)

// Source yields extracted applications one at a time.
type Source interface {
	ExtractEach(ctx context.Context, filters extract.Filters, yield func(extract.AppResult)) error
}

// RunConfig configures a single export run.
type RunConfig struct {
	OutputDir string
	Filters   extract.Filters
	Headers   bool
	Source    Source
	Store     watermark.Store
	Hooks     []Hook
	Metrics   *metrics.Recorder
	Ledger    *Ledger
	RunID     uuid.UUID
	Now       func() time.Time
	Stdout    io.Writer
	Logger    zerolog.Logger
}
