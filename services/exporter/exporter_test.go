package exporter

import (
	"bytes"
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"veracodecsv/pkg/metrics"
	"veracodecsv/services/extract"
	"veracodecsv/services/veracode"
	"veracodecsv/services/watermark"
)

const testFlawAttrs = ` date_first_occurrence="2019-12-31 19:00:00-05:00" severity="3" cweid="79" categoryname="XSS"` +
	` affects_policy_compliance="true" remediationeffort="2" remediation_status="New" mitigation_status_desc="Not Mitigated"`

// fakeVeracode serves canned XML keyed by "<endpoint>?<query>".
func fakeVeracode(t *testing.T, responses map[string]string) *httptest.Server {
	t.Helper()
	r := chi.NewRouter()
	r.Get("/api/5.0/{endpoint}", func(w http.ResponseWriter, req *http.Request) {
		if !strings.HasPrefix(req.Header.Get("Authorization"), "VERACODE-HMAC-SHA-256 id=") {
			http.Error(w, "unsigned", http.StatusUnauthorized)
			return
		}
		body, ok := responses[chi.URLParam(req, "endpoint")+"?"+req.URL.RawQuery]
		if !ok {
			http.NotFound(w, req)
			return
		}
		w.Header().Set("Content-Type", "text/xml")
		_, _ = w.Write([]byte(body))
	})
	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)
	return srv
}

func acmeResponses() map[string]string {
	return map[string]string{
		"getapplist.do?":                         `<applist xmlns="https://analysiscenter.veracode.com/schema/2.0/applist"><app app_id="10" app_name="acme-app"/></applist>`,
		"getappinfo.do?app_id=10":                `<appinfo><application app_id="10" business_unit="Payments"/></appinfo>`,
		"getbuildlist.do?app_id=10":              `<buildlist><build build_id="100" version="v1" policy_updated_date="2020-01-01 00:00:00-00:00"/></buildlist>`,
		"getbuildinfo.do?app_id=10&build_id=100": `<buildinfo><build build_id="100"><analysis_unit analysis_type="Static"/></build></buildinfo>`,
		"getsandboxlist.do?app_id=10":            `<sandboxlist/>`,
		"detailedreport.do?build_id=100": `<detailedreport><static-analysis analysis_size_bytes="2048"/><severity><category><cwe><staticflaws>` +
			`<flaw issueid="9"` + testFlawAttrs + ` exploitLevel="1" module="api.jar" sourcefile="Login.java" line="42"/>` +
			`<flaw issueid="3"` + testFlawAttrs + ` exploitLevel="0" module="api.jar" sourcefile="Say &quot;hi&quot;.java" line="7"/>` +
			`</staticflaws></cwe></category></severity></detailedreport>`,
	}
}

func csvLine(fields ...string) string {
	quoted := make([]string, len(fields))
	for i, f := range fields {
		quoted[i] = `"` + strings.ReplaceAll(f, `"`, `""`) + `"`
	}
	return strings.Join(quoted, ",") + "\r\n"
}

type pipeline struct {
	cfg   RunConfig
	store *watermark.FileStore
	out   *bytes.Buffer
}

func newPipeline(t *testing.T, baseURL, dir string) *pipeline {
	t.Helper()
	signer, err := veracode.NewSigner(veracode.Credentials{KeyID: "id", Secret: "abcd"})
	if err != nil {
		t.Fatalf("NewSigner() error = %v", err)
	}
	client, err := veracode.NewClient(veracode.ClientOptions{BaseURL: baseURL, Signer: signer})
	if err != nil {
		t.Fatalf("NewClient() error = %v", err)
	}
	store := watermark.NewFileStore(filepath.Join(dir, "processed_builds.txt"))
	if err := store.Load(context.Background()); err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	ex, err := extract.New(client, store, zerolog.Nop())
	if err != nil {
		t.Fatalf("extract.New() error = %v", err)
	}
	out := &bytes.Buffer{}
	return &pipeline{
		store: store,
		out:   out,
		cfg: RunConfig{
			OutputDir: filepath.Join(dir, "output"),
			Filters:   extract.Filters{IncludeSandboxes: true, Kinds: veracode.AllKinds()},
			Headers:   true,
			Source:    ex,
			Store:     store,
			Metrics:   metrics.NewRecorder(),
			Now:       func() time.Time { return time.Date(2021, 3, 4, 5, 6, 7, 0, time.UTC) },
			Stdout:    out,
			Logger:    zerolog.Nop(),
		},
	}
}

func TestRunAcmeScenario(t *testing.T) {
	srv := fakeVeracode(t, acmeResponses())
	dir := t.TempDir()
	p := newPipeline(t, srv.URL, dir)

	summary, err := Run(context.Background(), p.cfg)
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if summary.Exported != 1 || summary.Failed != 0 || summary.Flaws != 2 {
		t.Fatalf("summary = %+v", summary)
	}
	if got := p.out.String(); got != "Processed 1 builds\n" {
		t.Fatalf("stdout = %q", got)
	}

	wantPath := filepath.Join(dir, "output", "static", "acme-app-100-2021-03-04-050607.csv")
	if !reflect.DeepEqual(summary.Files, []string{wantPath}) {
		t.Fatalf("files = %v, want %v", summary.Files, []string{wantPath})
	}
	raw, err := os.ReadFile(wantPath)
	if err != nil {
		t.Fatalf("read csv: %v", err)
	}

	headers, err := veracode.RowHeaders(veracode.KindStatic, false)
	if err != nil {
		t.Fatalf("RowHeaders() error = %v", err)
	}
	common := []string{"10", "acme-app", "Payments", "100", "v1", "static", "2020-01-01T00:00:00Z", "", "2048"}
	flawCommon := []string{"2020-01-01T00:00:00Z", "3", "79", "XSS", "true", "2", "New", "Not Mitigated"}
	row := func(id string, rest ...string) string {
		fields := append(append([]string{}, common...), id)
		fields = append(fields, flawCommon...)
		return csvLine(append(fields, rest...)...)
	}
	want := csvLine(headers...) +
		row("3", "0", "api.jar", `Say "hi".java`, "7") +
		row("9", "1", "api.jar", "Login.java", "42")
	if string(raw) != want {
		t.Fatalf("csv =\n%s\nwant\n%s", raw, want)
	}

	reloaded := watermark.NewFileStore(p.store.Path())
	if err := reloaded.Load(context.Background()); err != nil {
		t.Fatalf("reload watermarks: %v", err)
	}
	wantMarks := map[string]map[string]time.Time{"10": {"100": time.Date(2020, 1, 1, 0, 0, 0, 0, time.UTC)}}
	if got := reloaded.Snapshot(); !reflect.DeepEqual(got, wantMarks) {
		t.Fatalf("watermarks = %v, want %v", got, wantMarks)
	}

	// Same data again: the gate rejects the build.
	again := newPipeline(t, srv.URL, dir)
	summary, err = Run(context.Background(), again.cfg)
	if err != nil {
		t.Fatalf("second Run() error = %v", err)
	}
	if summary.Exported != 0 || summary.Skipped != 1 {
		t.Fatalf("second summary = %+v", summary)
	}
	if got := again.out.String(); got != "Processed 0 builds\n" {
		t.Fatalf("second stdout = %q", got)
	}
}

func TestRunWithoutHeaders(t *testing.T) {
	srv := fakeVeracode(t, acmeResponses())
	p := newPipeline(t, srv.URL, t.TempDir())
	p.cfg.Headers = false

	summary, err := Run(context.Background(), p.cfg)
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	raw, err := os.ReadFile(summary.Files[0])
	if err != nil {
		t.Fatalf("read csv: %v", err)
	}
	if !strings.HasPrefix(string(raw), `"10","acme-app"`) || strings.Count(string(raw), "\r\n") != 2 {
		t.Fatalf("csv = %q", raw)
	}
}

func TestRunAppListFailure(t *testing.T) {
	srv := fakeVeracode(t, map[string]string{})
	p := newPipeline(t, srv.URL, t.TempDir())

	_, err := Run(context.Background(), p.cfg)
	var apiErr *veracode.APIError
	if !errors.As(err, &apiErr) || apiErr.StatusCode != http.StatusNotFound {
		t.Fatalf("Run() error = %v, want APIError 404", err)
	}
	if p.out.Len() != 0 {
		t.Fatalf("stdout = %q, want nothing", p.out.String())
	}
}

// staticSource replays fixed application results.
type staticSource struct {
	results []extract.AppResult
	yielded int
}

func (s *staticSource) ExtractEach(ctx context.Context, _ extract.Filters, yield func(extract.AppResult)) error {
	for _, res := range s.results {
		if err := ctx.Err(); err != nil {
			return err
		}
		s.yielded++
		yield(res)
	}
	return nil
}

func staticBuild(t *testing.T, id string, updated time.Time, flawIDs ...string) *veracode.Build {
	t.Helper()
	b, err := veracode.NewBuild(id, "v"+id, veracode.KindStatic, &updated)
	if err != nil {
		t.Fatalf("NewBuild() error = %v", err)
	}
	for _, fid := range flawIDs {
		b.Flaws = append(b.Flaws, veracode.Flaw{
			ID:              fid,
			FirstOccurrence: updated,
			Kind:            veracode.KindStatic,
			Static:          &veracode.StaticFlawDetail{},
		})
	}
	return b
}

type failingHook struct{ failOn string }

func (failingHook) Name() string { return "failing" }

func (h failingHook) Apply(ctx context.Context, a *Artifact) error {
	if a.BuildID == h.failOn {
		return errors.New("boom")
	}
	return nil
}

func TestRunIsolatesBuildFailures(t *testing.T) {
	ts := time.Date(2020, 1, 1, 0, 0, 0, 0, time.UTC)
	broken := staticBuild(t, "102", ts, "1")
	broken.Flaws[0].Kind = veracode.KindDynamic

	sandbox := &veracode.Sandbox{ID: "7", Name: "feature"}
	sbBuild, err := veracode.NewBuild("300", "sb", veracode.KindStatic, nil)
	if err != nil {
		t.Fatalf("NewBuild() error = %v", err)
	}
	published := ts.Add(time.Hour)
	sbBuild.Published = &published
	sandbox.Builds = []*veracode.Build{sbBuild}

	source := &staticSource{results: []extract.AppResult{
		{
			App: &veracode.Application{
				ID:           "10",
				Name:         "acme-app",
				BusinessUnit: "Payments",
				Builds:       []*veracode.Build{staticBuild(t, "100", ts, "2", "1"), broken, staticBuild(t, "103", ts)},
				Sandboxes:    []*veracode.Sandbox{sandbox},
			},
			Failed:  []extract.BuildResult{{Build: staticBuild(t, "101", ts), Err: errors.New("report unavailable")}},
			Skipped: 2,
		},
		{App: &veracode.Application{ID: "11", Name: "other"}, Err: errors.New("app info unavailable")},
	}}

	store := watermark.NewMemoryStore(nil)
	out := &bytes.Buffer{}
	summary, err := Run(context.Background(), RunConfig{
		OutputDir: t.TempDir(),
		Headers:   true,
		Source:    source,
		Store:     store,
		Hooks:     []Hook{failingHook{failOn: "103"}},
		Metrics:   metrics.NewRecorder(),
		RunID:     uuid.MustParse("6f1c2f7e-2f5a-4a53-9a1d-0b8c8e0c1f11"),
		Stdout:    out,
		Logger:    zerolog.Nop(),
	})
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if summary.Exported != 2 || summary.Failed != 3 || summary.Skipped != 2 || summary.AppsFailed != 1 || summary.Flaws != 2 {
		t.Fatalf("summary = %+v", summary)
	}
	if got := out.String(); got != "Processed 2 builds\n" {
		t.Fatalf("stdout = %q", got)
	}

	want := map[string]map[string]time.Time{"10": {"100": ts, "300": published}}
	if got := store.Snapshot(); !reflect.DeepEqual(got, want) {
		t.Fatalf("watermarks = %v, want %v", got, want)
	}
	if !strings.Contains(filepath.Base(summary.Files[1]), "acme-app-7-300-") {
		t.Fatalf("sandbox file = %s", summary.Files[1])
	}
}

// brokenStore fails every RecordSuccess from call failAt onwards.
type brokenStore struct {
	*watermark.MemoryStore
	records int
	failAt  int
}

func (s *brokenStore) RecordSuccess(ctx context.Context, appID, buildID string, candidate time.Time) error {
	s.records++
	if s.records < s.failAt {
		return s.MemoryStore.RecordSuccess(ctx, appID, buildID, candidate)
	}
	return errors.New("disk full")
}

func TestRunStopsOnWatermarkFailure(t *testing.T) {
	ts := time.Date(2020, 1, 1, 0, 0, 0, 0, time.UTC)
	source := &staticSource{results: []extract.AppResult{
		{App: &veracode.Application{ID: "10", Name: "a", Builds: []*veracode.Build{staticBuild(t, "100", ts), staticBuild(t, "101", ts)}}},
		{App: &veracode.Application{ID: "11", Name: "b", Builds: []*veracode.Build{staticBuild(t, "200", ts)}}},
	}}
	store := &brokenStore{MemoryStore: watermark.NewMemoryStore(nil), failAt: 2}
	out := &bytes.Buffer{}

	summary, err := Run(context.Background(), RunConfig{
		OutputDir: t.TempDir(),
		Source:    source,
		Store:     store,
		Stdout:    out,
		Logger:    zerolog.Nop(),
	})
	var storageErr *veracode.StorageError
	if !errors.As(err, &storageErr) {
		t.Fatalf("Run() error = %v, want StorageError", err)
	}
	if store.records != 2 || source.yielded != 1 || summary.Exported != 1 {
		t.Fatalf("records = %d, yielded = %d, summary = %+v", store.records, source.yielded, summary)
	}
	if got := out.String(); got != "Processed 1 builds\n" {
		t.Fatalf("stdout = %q, want the count of builds exported before the failure", got)
	}
}

func TestRunValidation(t *testing.T) {
	source := &staticSource{}
	store := watermark.NewMemoryStore(nil)
	tests := []struct {
		name string
		cfg  RunConfig
	}{
		{"no output dir", RunConfig{Source: source, Store: store}},
		{"no source", RunConfig{OutputDir: "out", Store: store}},
		{"no store", RunConfig{OutputDir: "out", Source: source}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := Run(context.Background(), tt.cfg); err == nil {
				t.Fatalf("Run() expected error")
			}
		})
	}
}
