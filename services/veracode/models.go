package veracode

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Kind is the closed set of scan kinds a build can carry.
type Kind string

const (
	KindStatic  Kind = "static"
	KindDynamic Kind = "dynamic"
)

// Kinds lists every scan kind in output-directory order.
var Kinds = []Kind{KindStatic, KindDynamic}

// ParseKind validates a kind name.
func ParseKind(s string) (Kind, error) {
	switch Kind(strings.ToLower(strings.TrimSpace(s))) {
	case KindStatic:
		return KindStatic, nil
	case KindDynamic:
		return KindDynamic, nil
	default:
		return "", fmt.Errorf("unknown scan kind %q", s)
	}
}

// KindFilter selects which scan kinds are extracted.
type KindFilter struct {
	Static  bool
	Dynamic bool
}

// AllKinds enables both scan kinds.
func AllKinds() KindFilter { return KindFilter{Static: true, Dynamic: true} }

// Allows reports whether builds of kind k pass the filter.
func (f KindFilter) Allows(k Kind) bool {
	switch k {
	case KindStatic:
		return f.Static
	case KindDynamic:
		return f.Dynamic
	default:
		return false
	}
}

// Application is an application profile with its policy builds and sandboxes.
type Application struct {
	ID           string
	Name         string
	BusinessUnit string
	Builds       []*Build
	Sandboxes    []*Sandbox
}

var appHeaders = []string{"id", "name", "business_unit"}

// AppHeaders returns the CSV field names of an application.
func AppHeaders() []string { return clone(appHeaders) }

// Values returns the application fields in AppHeaders order.
func (a *Application) Values() []string {
	return []string{a.ID, a.Name, a.BusinessUnit}
}

// Sandbox is an isolated scan context under one application.
type Sandbox struct {
	ID     string
	Name   string
	Builds []*Build
}

var sandboxHeaders = []string{"id", "name"}

// SandboxHeaders returns the CSV field names of a sandbox.
func SandboxHeaders() []string { return clone(sandboxHeaders) }

// Values returns the sandbox fields in SandboxHeaders order.
func (s *Sandbox) Values() []string {
	return []string{s.ID, s.Name}
}

// StaticBuildDetail holds fields only static builds carry.
type StaticBuildDetail struct {
	AnalysisSizeBytes *int64
}

// Build is one scan result. Exactly one of the kind payloads matches Kind.
type Build struct {
	ID            string
	Name          string
	Kind          Kind
	PolicyUpdated *time.Time
	Published     *time.Time
	Static        *StaticBuildDetail
	Flaws         []Flaw
}

// NewBuild constructs a build of a fixed kind. policyUpdated may be nil for
// sandbox builds.
func NewBuild(id, name string, kind Kind, policyUpdated *time.Time) (*Build, error) {
	b := &Build{ID: id, Name: name, Kind: kind}
	switch kind {
	case KindStatic:
		b.Static = &StaticBuildDetail{}
	case KindDynamic:
	default:
		return nil, fmt.Errorf("build %s: unknown scan kind %q", id, kind)
	}
	if policyUpdated != nil {
		t := policyUpdated.UTC()
		b.PolicyUpdated = &t
	}
	return b, nil
}

var buildHeaders = []string{"id", "name", "type", "policy_updated_date", "published_date"}

// BuildHeaders returns the CSV field names of a build of the given kind.
func BuildHeaders(kind Kind) ([]string, error) {
	switch kind {
	case KindStatic:
		return append(clone(buildHeaders), "analysis_size_bytes"), nil
	case KindDynamic:
		return clone(buildHeaders), nil
	default:
		return nil, fmt.Errorf("unknown scan kind %q", kind)
	}
}

// Values returns the build fields in BuildHeaders order.
func (b *Build) Values() ([]string, error) {
	base := []string{b.ID, b.Name, string(b.Kind), formatOptional(b.PolicyUpdated), formatOptional(b.Published)}
	switch b.Kind {
	case KindStatic:
		size := ""
		if b.Static != nil && b.Static.AnalysisSizeBytes != nil {
			size = strconv.FormatInt(*b.Static.AnalysisSizeBytes, 10)
		}
		return append(base, size), nil
	case KindDynamic:
		return base, nil
	default:
		return nil, fmt.Errorf("build %s: unknown scan kind %q", b.ID, b.Kind)
	}
}

// Freshness returns the timestamp the watermark gate compares, which is the
// policy-updated date or, once enrichment has run, the published date.
func (b *Build) Freshness() (time.Time, bool) {
	if b.PolicyUpdated != nil {
		return *b.PolicyUpdated, true
	}
	if b.Published != nil {
		return *b.Published, true
	}
	return time.Time{}, false
}

// StaticFlawDetail holds fields only static flaws carry.
type StaticFlawDetail struct {
	ExploitLevel string
	Module       string
	SourceFile   string
	Line         string
}

// DynamicFlawDetail holds fields only dynamic flaws carry.
type DynamicFlawDetail struct {
	URL string
}

// Flaw is one reported weakness instance in a build.
type Flaw struct {
	ID                      string
	FirstOccurrence         time.Time
	Severity                string
	CWEID                   string
	CategoryName            string
	AffectsPolicyCompliance string
	RemediationEffort       string
	RemediationStatus       string
	MitigationStatus        string
	Kind                    Kind
	Static                  *StaticFlawDetail
	Dynamic                 *DynamicFlawDetail
}

var flawHeaders = []string{
	"id", "date_first_occurrence", "severity", "cweid",
	"categoryname", "affects_policy_compliance", "remediationeffort",
	"remediation_status", "mitigation_status_desc",
}

// FlawHeaders returns the CSV field names of a flaw of the given kind.
func FlawHeaders(kind Kind) ([]string, error) {
	switch kind {
	case KindStatic:
		return append(clone(flawHeaders), "exploitLevel", "module", "sourcefile", "line"), nil
	case KindDynamic:
		return append(clone(flawHeaders), "url"), nil
	default:
		return nil, fmt.Errorf("unknown scan kind %q", kind)
	}
}

// Values returns the flaw fields in FlawHeaders order.
func (f Flaw) Values() ([]string, error) {
	base := []string{
		f.ID, FormatTimestamp(f.FirstOccurrence), f.Severity, f.CWEID,
		f.CategoryName, f.AffectsPolicyCompliance, f.RemediationEffort,
		f.RemediationStatus, f.MitigationStatus,
	}
	switch f.Kind {
	case KindStatic:
		if f.Static == nil {
			return nil, fmt.Errorf("flaw %s: static flaw without static detail", f.ID)
		}
		return append(base, f.Static.ExploitLevel, f.Static.Module, f.Static.SourceFile, f.Static.Line), nil
	case KindDynamic:
		if f.Dynamic == nil {
			return nil, fmt.Errorf("flaw %s: dynamic flaw without dynamic detail", f.ID)
		}
		return append(base, f.Dynamic.URL), nil
	default:
		return nil, fmt.Errorf("flaw %s: unknown scan kind %q", f.ID, f.Kind)
	}
}

// RowHeaders returns the CSV header row for a build of the given kind:
// app_*, build_*, flaw_* and, for sandbox builds, sandbox_* columns.
func RowHeaders(kind Kind, sandboxed bool) ([]string, error) {
	build, err := BuildHeaders(kind)
	if err != nil {
		return nil, err
	}
	flaw, err := FlawHeaders(kind)
	if err != nil {
		return nil, err
	}
	headers := prefixed("app_", appHeaders)
	headers = append(headers, prefixed("build_", build)...)
	headers = append(headers, prefixed("flaw_", flaw)...)
	if sandboxed {
		headers = append(headers, prefixed("sandbox_", sandboxHeaders)...)
	}
	return headers, nil
}

// Rows assembles one CSV row per flaw of build, in flaw order. sandbox is nil
// for policy builds.
func Rows(app *Application, sandbox *Sandbox, build *Build) ([][]string, error) {
	buildValues, err := build.Values()
	if err != nil {
		return nil, err
	}
	rows := make([][]string, 0, len(build.Flaws))
	for _, flaw := range build.Flaws {
		if flaw.Kind != build.Kind {
			return nil, fmt.Errorf("build %s: %s flaw %s in %s build", build.ID, flaw.Kind, flaw.ID, build.Kind)
		}
		flawValues, err := flaw.Values()
		if err != nil {
			return nil, err
		}
		row := append(app.Values(), buildValues...)
		row = append(row, flawValues...)
		if sandbox != nil {
			row = append(row, sandbox.Values()...)
		}
		rows = append(rows, row)
	}
	return rows, nil
}

func prefixed(prefix string, names []string) []string {
	out := make([]string, len(names))
	for i, name := range names {
		out[i] = prefix + name
	}
	return out
}

func clone(in []string) []string {
	out := make([]string, len(in))
	copy(out, in)
	return out
}
