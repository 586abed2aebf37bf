package extract

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"veracodecsv/services/veracode"
)

// API is the subset of the Veracode client the extractor needs.
type API interface {
	AppList(ctx context.Context) ([]byte, error)
	AppInfo(ctx context.Context, appID string) ([]byte, error)
	SandboxList(ctx context.Context, appID string) ([]byte, error)
	BuildList(ctx context.Context, appID, sandboxID string) ([]byte, error)
	BuildInfo(ctx context.Context, appID, buildID, sandboxID string) ([]byte, error)
	DetailedReport(ctx context.Context, buildID string) ([]byte, error)
}

// Gate decides whether a policy build is new enough to export.
type Gate interface {
	ShouldExport(appID, buildID string, candidate time.Time) (bool, error)
}

// Filters narrows what is extracted.
type Filters struct {
	// AppNames keeps only applications with an exactly matching name. Empty keeps all.
	AppNames         []string
	IncludeSandboxes bool
	Kinds            veracode.KindFilter
}

// BuildResult reports a build that could not be extracted.
type BuildResult struct {
	Build   *veracode.Build
	Sandbox *veracode.Sandbox
	Err     error
}

// AppResult is the outcome for one application. When Err is set App holds
// only what was fetched before the failure.
type AppResult struct {
	App     *veracode.Application
	Err     error
	Failed  []BuildResult
	Skipped int
}

// Extractor walks application, sandbox, build and flaw data through the API.
type Extractor struct {
	api  API
	gate Gate
	log  zerolog.Logger
}

// New returns an Extractor. gate filters policy builds; sandbox builds are
// always extracted.
func New(api API, gate Gate, logger zerolog.Logger) (*Extractor, error) {
	if api == nil {
		return nil, errors.New("api is required")
	}
	if gate == nil {
		return nil, errors.New("watermark gate is required")
	}
	return &Extractor{api: api, gate: gate, log: logger}, nil
}

var tracer = otel.Tracer("veracodecsv/extract")

// Extract returns fully populated applications or the first error encountered.
func (e *Extractor) Extract(ctx context.Context, filters Filters) ([]*veracode.Application, error) {
	apps, err := e.applications(ctx, filters)
	if err != nil {
		return nil, err
	}
	for _, app := range apps {
		if _, _, err := e.populate(ctx, app, filters, true); err != nil {
			return nil, err
		}
	}
	return apps, nil
}

// ExtractEach extracts applications one at a time and hands each outcome to
// yield before moving on. Failing builds are reported in AppResult.Failed and
// left out of the graph. Only a failure to list applications is returned.
func (e *Extractor) ExtractEach(ctx context.Context, filters Filters, yield func(AppResult)) error {
	apps, err := e.applications(ctx, filters)
	if err != nil {
		return err
	}
	for _, app := range apps {
		if err := ctx.Err(); err != nil {
			return err
		}
		failed, skipped, err := e.populate(ctx, app, filters, false)
		yield(AppResult{App: app, Err: err, Failed: failed, Skipped: skipped})
	}
	return nil
}

func (e *Extractor) applications(ctx context.Context, filters Filters) ([]*veracode.Application, error) {
	raw, err := e.api.AppList(ctx)
	if err != nil {
		return nil, veracode.Wrap("list applications", err)
	}
	apps, err := veracode.ParseAppList(raw)
	if err != nil {
		return nil, veracode.Wrap("list applications", err)
	}
	if len(filters.AppNames) == 0 {
		return apps, nil
	}
	include := make(map[string]struct{}, len(filters.AppNames))
	for _, name := range filters.AppNames {
		include[name] = struct{}{}
	}
	kept := apps[:0]
	for _, app := range apps {
		if _, ok := include[app.Name]; ok {
			kept = append(kept, app)
		}
	}
	e.log.Debug().Int("listed", len(apps)).Int("kept", len(kept)).Msg("applied application include list")
	return kept, nil
}

// populate fills app in place. In strict mode the first build failure is
// returned; otherwise build failures are collected and only application-level
// failures are returned.
func (e *Extractor) populate(ctx context.Context, app *veracode.Application, filters Filters, strict bool) (failed []BuildResult, skipped int, err error) {
	ctx, span := tracer.Start(ctx, "extract.application")
	span.SetAttributes(attribute.String("veracode.app_id", app.ID), attribute.String("veracode.app_name", app.Name))
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}()

	op := fmt.Sprintf("application %s", app.ID)
	log := e.log.With().Str("app_id", app.ID).Str("app_name", app.Name).Logger()

	raw, err := e.api.AppInfo(ctx, app.ID)
	if err != nil {
		return nil, 0, veracode.Wrap(op, err)
	}
	if app.BusinessUnit, err = veracode.ParseAppInfo(raw); err != nil {
		return nil, 0, veracode.Wrap(op, err)
	}

	raw, err = e.api.BuildList(ctx, app.ID, "")
	if err != nil {
		return nil, 0, veracode.Wrap(op, err)
	}
	builds, err := veracode.ParseBuildList(raw, false, filters.Kinds)
	if err != nil {
		return nil, 0, veracode.Wrap(op, err)
	}

	for _, build := range builds {
		fresh, err := e.gate.ShouldExport(app.ID, build.ID, *build.PolicyUpdated)
		if err != nil {
			err = veracode.Wrap(fmt.Sprintf("%s build %s", op, build.ID), err)
			if strict {
				return nil, 0, err
			}
			failed = append(failed, BuildResult{Build: build, Err: err})
			continue
		}
		if !fresh {
			skipped++
			log.Debug().Str("build_id", build.ID).Msg("build unchanged since last export")
			continue
		}
		if err := e.enrich(ctx, app.ID, build, nil); err != nil {
			if strict {
				return nil, 0, err
			}
			log.Warn().Err(err).Str("build_id", build.ID).Msg("skipping build")
			failed = append(failed, BuildResult{Build: build, Err: err})
			continue
		}
		app.Builds = append(app.Builds, build)
	}

	if !filters.IncludeSandboxes {
		return failed, skipped, nil
	}

	raw, err = e.api.SandboxList(ctx, app.ID)
	if err != nil {
		return failed, skipped, veracode.Wrap(op, err)
	}
	sandboxes, err := veracode.ParseSandboxList(raw)
	if err != nil {
		return failed, skipped, veracode.Wrap(op, err)
	}
	for _, sandbox := range sandboxes {
		sop := fmt.Sprintf("%s sandbox %s", op, sandbox.ID)
		raw, err := e.api.BuildList(ctx, app.ID, sandbox.ID)
		if err != nil {
			return failed, skipped, veracode.Wrap(sop, err)
		}
		builds, err := veracode.ParseBuildList(raw, true, filters.Kinds)
		if err != nil {
			return failed, skipped, veracode.Wrap(sop, err)
		}
		for _, build := range builds {
			if err := e.enrich(ctx, app.ID, build, sandbox); err != nil {
				if strict {
					return nil, 0, err
				}
				log.Warn().Err(err).Str("sandbox_id", sandbox.ID).Str("build_id", build.ID).Msg("skipping sandbox build")
				failed = append(failed, BuildResult{Build: build, Sandbox: sandbox, Err: err})
				continue
			}
			sandbox.Builds = append(sandbox.Builds, build)
		}
		app.Sandboxes = append(app.Sandboxes, sandbox)
	}
	return failed, skipped, nil
}

// enrich adds the published date and the flaws to build.
func (e *Extractor) enrich(ctx context.Context, appID string, build *veracode.Build, sandbox *veracode.Sandbox) error {
	sandboxID := ""
	op := fmt.Sprintf("application %s build %s", appID, build.ID)
	if sandbox != nil {
		sandboxID = sandbox.ID
		op = fmt.Sprintf("application %s sandbox %s build %s", appID, sandbox.ID, build.ID)
	}

	raw, err := e.api.BuildInfo(ctx, appID, build.ID, sandboxID)
	if err != nil {
		return veracode.Wrap(op, err)
	}
	published, err := veracode.ParseBuildInfo(raw)
	if err != nil {
		return veracode.Wrap(op, err)
	}
	veracode.ApplyBuildInfo(build, published, sandbox != nil)

	raw, err = e.api.DetailedReport(ctx, build.ID)
	if err != nil {
		return veracode.Wrap(op, err)
	}
	report, err := veracode.ParseDetailedReport(raw, build.Kind)
	if err != nil {
		return veracode.Wrap(op, err)
	}
	veracode.ApplyDetailedReport(build, report)
	return nil
}
