package exporter

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/google/uuid"

	"veracodecsv/pkg/csvsink"
	"veracodecsv/services/extract"
	"veracodecsv/services/veracode"
)

// Summary counts what a run did.
type Summary struct {
	RunID      uuid.UUID
	Exported   int
	Failed     int
	Skipped    int
	AppsFailed int
	Flaws      int
	Files      []string
}

// Run extracts every selected build, writes one CSV per build, passes each
// file through the hooks and then records the build's watermark. Build
// failures are logged and counted; a watermark write failure stops the run.
func Run(ctx context.Context, cfg RunConfig) (*Summary, error) {
	if cfg.OutputDir == "" {
		return nil, errors.New("output directory is required")
	}
	if cfg.Source == nil {
		return nil, errors.New("source is required")
	}
	if cfg.Store == nil {
		return nil, errors.New("watermark store is required")
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.Stdout == nil {
		cfg.Stdout = os.Stdout
	}
	if cfg.RunID == uuid.Nil {
		cfg.RunID = uuid.New()
	}

	if err := EnsureOutputDirs(cfg.OutputDir); err != nil {
		return nil, err
	}

	summary := &Summary{RunID: cfg.RunID}
	log := cfg.Logger.With().Str("run_id", cfg.RunID.String()).Logger()

	started := cfg.Now()
	if err := cfg.Ledger.Start(ctx, cfg.RunID, started); err != nil {
		return nil, err
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	var fatal error
	err := cfg.Source.ExtractEach(runCtx, cfg.Filters, func(res extract.AppResult) {
		if fatal != nil {
			return
		}
		app := res.App
		alog := log.With().Str("app_id", app.ID).Str("app_name", app.Name).Logger()

		summary.Skipped += res.Skipped
		for _, f := range res.Failed {
			summary.Failed++
			if cfg.Metrics != nil {
				cfg.Metrics.BuildFailed(string(f.Build.Kind))
			}
			alog.Error().Err(f.Err).Str("build_id", f.Build.ID).Msg("build extraction failed")
		}
		if res.Err != nil {
			summary.AppsFailed++
			alog.Error().Err(res.Err).Msg("application extraction failed")
			return
		}

		export := func(sandbox *veracode.Sandbox, build *veracode.Build) bool {
			err := exportBuild(runCtx, cfg, summary, app, sandbox, build)
			if err == nil {
				return true
			}
			var storageErr *veracode.StorageError
			if errors.As(err, &storageErr) {
				fatal = err
				cancel()
				return false
			}
			summary.Failed++
			if cfg.Metrics != nil {
				cfg.Metrics.BuildFailed(string(build.Kind))
			}
			alog.Error().Err(err).Str("build_id", build.ID).Msg("build export failed")
			return true
		}

		for _, build := range app.Builds {
			if !export(nil, build) {
				return
			}
		}
		for _, sandbox := range app.Sandboxes {
			for _, build := range sandbox.Builds {
				if !export(sandbox, build) {
					return
				}
			}
		}
	})
	if fatal != nil {
		err = fatal
	}

	finished := cfg.Now()
	// A storage failure stops the run after builds may already have been
	// written, so their count is still reported.
	if fatal != nil {
		fmt.Fprintf(cfg.Stdout, "Processed %d builds\n", summary.Exported)
		log.Error().Err(fatal).
			Int("exported", summary.Exported).
			Int("failed", summary.Failed).
			Msg("export aborted")
	}
	if err == nil {
		fmt.Fprintf(cfg.Stdout, "Processed %d builds\n", summary.Exported)
		log.Info().
			Int("exported", summary.Exported).
			Int("failed", summary.Failed).
			Int("skipped", summary.Skipped).
			Int("apps_failed", summary.AppsFailed).
			Int("flaws", summary.Flaws).
			Dur("took", finished.Sub(started)).
			Msg("export finished")
	}
	if cfg.Metrics != nil {
		cfg.Metrics.Finish(finished)
	}
	if lerr := cfg.Ledger.Finish(context.WithoutCancel(ctx), cfg.RunID, finished, summary, err); lerr != nil {
		log.Warn().Err(lerr).Msg("could not record run")
	}
	if err != nil {
		return summary, veracode.Wrap("export", err)
	}
	return summary, nil
}

func exportBuild(ctx context.Context, cfg RunConfig, summary *Summary, app *veracode.Application, sandbox *veracode.Sandbox, build *veracode.Build) error {
	rows, err := veracode.Rows(app, sandbox, build)
	if err != nil {
		return err
	}
	flaws := len(rows)
	if cfg.Headers {
		headers, err := veracode.RowHeaders(build.Kind, sandbox != nil)
		if err != nil {
			return err
		}
		rows = append([][]string{headers}, rows...)
	}

	artifact := &Artifact{
		Kind:    build.Kind,
		AppID:   app.ID,
		AppName: app.Name,
		BuildID: build.ID,
		Rows:    flaws,
		RunID:   cfg.RunID.String(),
	}
	if sandbox != nil {
		artifact.SandboxID = sandbox.ID
	}
	artifact.Path = FilePath(cfg.OutputDir, build.Kind, app.Name, artifact.SandboxID, build.ID, cfg.Now())

	if err := csvsink.WriteFile(artifact.Path, rows); err != nil {
		return fmt.Errorf("write %s: %w", artifact.Path, err)
	}
	for _, hook := range cfg.Hooks {
		if err := hook.Apply(ctx, artifact); err != nil {
			return fmt.Errorf("%s hook: %w", hook.Name(), err)
		}
	}

	if ts, ok := build.Freshness(); ok {
		if err := cfg.Store.RecordSuccess(ctx, app.ID, build.ID, ts); err != nil {
			var storageErr *veracode.StorageError
			if !errors.As(err, &storageErr) {
				err = &veracode.StorageError{Op: "record", Err: err}
			}
			return err
		}
	}

	summary.Exported++
	summary.Flaws += flaws
	summary.Files = append(summary.Files, artifact.Path)
	if cfg.Metrics != nil {
		cfg.Metrics.BuildExported(string(build.Kind), flaws)
	}
	cfg.Logger.Info().Ctx(ctx).
		Str("app_id", app.ID).
		Str("sandbox_id", artifact.SandboxID).
		Str("build_id", build.ID).
		Int("flaws", flaws).
		Str("file", artifact.Path).
		Msg("build exported")
	return nil
}
