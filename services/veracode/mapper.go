package veracode

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"
)

// ParseAppList maps a getapplist response to applications without details.
func ParseAppList(data []byte) ([]*Application, error) {
	root, err := ParseXML(data)
	if err != nil {
		return nil, err
	}
	var apps []*Application
	for _, el := range root.FindAll("app") {
		id, err := el.RequireAttr("app_id")
		if err != nil {
			return nil, err
		}
		name, err := el.RequireAttr("app_name")
		if err != nil {
			return nil, err
		}
		apps = append(apps, &Application{ID: id, Name: name})
	}
	return apps, nil
}

// ParseAppInfo returns the business unit from a getappinfo response.
func ParseAppInfo(data []byte) (string, error) {
	root, err := ParseXML(data)
	if err != nil {
		return "", err
	}
	app := root.Find("application")
	if app == nil {
		return "", &DataError{Element: "application"}
	}
	return app.RequireAttr("business_unit")
}

// ParseSandboxList maps a getsandboxlist response to sandboxes without builds.
func ParseSandboxList(data []byte) ([]*Sandbox, error) {
	root, err := ParseXML(data)
	if err != nil {
		return nil, err
	}
	var sandboxes []*Sandbox
	for _, el := range root.FindAll("sandbox") {
		id, err := el.RequireAttr("sandbox_id")
		if err != nil {
			return nil, err
		}
		name, err := el.RequireAttr("sandbox_name")
		if err != nil {
			return nil, err
		}
		sandboxes = append(sandboxes, &Sandbox{ID: id, Name: name})
	}
	return sandboxes, nil
}

// ParseBuildList maps a getbuildlist response to builds. Policy builds that
// have no policy_updated_date yet are still in progress and are skipped;
// sandbox builds never carry one. Builds of kinds rejected by kinds are
// dropped.
func ParseBuildList(data []byte, sandboxed bool, kinds KindFilter) ([]*Build, error) {
	root, err := ParseXML(data)
	if err != nil {
		return nil, err
	}
	var builds []*Build
	for _, el := range root.FindAll("build") {
		var policyUpdated *time.Time
		if !sandboxed {
			raw, ok := el.Attr("policy_updated_date")
			if !ok {
				continue
			}
			t, err := NormalizeTimestamp(raw)
			if err != nil {
				return nil, &DataError{Element: el.Tag, Field: "policy_updated_date", Err: err}
			}
			policyUpdated = &t
		}

		kind := KindStatic
		if _, ok := el.Attr("dynamic_scan_type"); ok {
			kind = KindDynamic
		}
		if !kinds.Allows(kind) {
			continue
		}

		id, err := el.RequireAttr("build_id")
		if err != nil {
			return nil, err
		}
		version, err := el.RequireAttr("version")
		if err != nil {
			return nil, err
		}
		build, err := NewBuild(id, version, kind, policyUpdated)
		if err != nil {
			return nil, err
		}
		builds = append(builds, build)
	}
	return builds, nil
}

// ParseBuildInfo returns the published date of the build's analysis unit, or
// nil when the analysis has not been published.
func ParseBuildInfo(data []byte) (*time.Time, error) {
	root, err := ParseXML(data)
	if err != nil {
		return nil, err
	}
	build := root.Find("build")
	if build == nil {
		return nil, &DataError{Element: "build"}
	}
	unit := build.Find("analysis_unit")
	if unit == nil {
		return nil, &DataError{Element: "analysis_unit"}
	}
	raw, ok := unit.Attr("published_date")
	if !ok {
		return nil, nil
	}
	t, err := NormalizeTimestamp(raw)
	if err != nil {
		return nil, &DataError{Element: unit.Tag, Field: "published_date", Err: err}
	}
	return &t, nil
}

// ApplyBuildInfo records the published date on b. For policy builds it also
// replaces the policy-updated date, which is what gets stored as the watermark.
func ApplyBuildInfo(b *Build, published *time.Time, sandboxed bool) {
	if published == nil {
		return
	}
	t := published.UTC()
	b.Published = &t
	if !sandboxed {
		b.PolicyUpdated = &t
	}
}

// DetailedReport is the kind-specific content of a detailedreport response.
type DetailedReport struct {
	Flaws             []Flaw
	AnalysisSizeBytes *int64
}

// ParseDetailedReport maps the flaws of kind from a detailedreport response,
// ordered by issue id. For static reports the analysed byte count is read from
// the static-analysis element when present.
func ParseDetailedReport(data []byte, kind Kind) (*DetailedReport, error) {
	if kind != KindStatic && kind != KindDynamic {
		return nil, fmt.Errorf("unknown scan kind %q", kind)
	}
	root, err := ParseXML(data)
	if err != nil {
		return nil, err
	}

	elements := root.FindAll("severity/category/cwe/" + string(kind) + "flaws/flaw")
	for _, el := range elements {
		id, err := el.RequireAttr("issueid")
		if err != nil {
			return nil, err
		}
		if !isDigits(id) {
			return nil, &DataError{Element: el.Tag, Field: "issueid", Err: fmt.Errorf("not an integer: %q", id)}
		}
	}
	sort.SliceStable(elements, func(i, j int) bool {
		return compareIssueIDs(elements[i].Attrs["issueid"], elements[j].Attrs["issueid"]) < 0
	})

	report := &DetailedReport{Flaws: make([]Flaw, 0, len(elements))}
	for _, el := range elements {
		flaw, err := parseFlaw(el, kind)
		if err != nil {
			return nil, err
		}
		report.Flaws = append(report.Flaws, flaw)
	}

	if kind == KindStatic {
		if sa := root.Find("static-analysis"); sa != nil {
			if raw, ok := sa.Attr("analysis_size_bytes"); ok {
				n, err := strconv.ParseInt(strings.TrimSpace(raw), 10, 64)
				if err != nil {
					return nil, &DataError{Element: sa.Tag, Field: "analysis_size_bytes", Err: err}
				}
				report.AnalysisSizeBytes = &n
			}
		}
	}
	return report, nil
}

// ApplyDetailedReport attaches the report's flaws (and static byte count) to b.
func ApplyDetailedReport(b *Build, report *DetailedReport) {
	b.Flaws = report.Flaws
	if b.Kind == KindStatic {
		if b.Static == nil {
			b.Static = &StaticBuildDetail{}
		}
		b.Static.AnalysisSizeBytes = report.AnalysisSizeBytes
	}
}

func parseFlaw(el *Element, kind Kind) (Flaw, error) {
	attr := func(name string) (string, error) { return el.RequireAttr(name) }

	var (
		f   = Flaw{Kind: kind}
		err error
	)
	fields := []struct {
		name string
		dst  *string
	}{
		{"issueid", &f.ID},
		{"severity", &f.Severity},
		{"cweid", &f.CWEID},
		{"categoryname", &f.CategoryName},
		{"affects_policy_compliance", &f.AffectsPolicyCompliance},
		{"remediationeffort", &f.RemediationEffort},
		{"remediation_status", &f.RemediationStatus},
		{"mitigation_status_desc", &f.MitigationStatus},
	}
	for _, field := range fields {
		if *field.dst, err = attr(field.name); err != nil {
			return Flaw{}, err
		}
	}

	first, err := attr("date_first_occurrence")
	if err != nil {
		return Flaw{}, err
	}
	if f.FirstOccurrence, err = NormalizeTimestamp(first); err != nil {
		return Flaw{}, &DataError{Element: el.Tag, Field: "date_first_occurrence", Err: err}
	}

	switch kind {
	case KindStatic:
		detail := &StaticFlawDetail{}
		for _, field := range []struct {
			name string
			dst  *string
		}{
			{"exploitLevel", &detail.ExploitLevel},
			{"module", &detail.Module},
			{"sourcefile", &detail.SourceFile},
			{"line", &detail.Line},
		} {
			if *field.dst, err = attr(field.name); err != nil {
				return Flaw{}, err
			}
		}
		f.Static = detail
	case KindDynamic:
		url, err := attr("url")
		if err != nil {
			return Flaw{}, err
		}
		f.Dynamic = &DynamicFlawDetail{URL: url}
	}
	return f, nil
}

func isDigits(s string) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}

// compareIssueIDs orders decimal strings numerically without a size limit.
func compareIssueIDs(a, b string) int {
	a = strings.TrimLeft(a, "0")
	b = strings.TrimLeft(b, "0")
	if len(a) != len(b) {
		if len(a) < len(b) {
			return -1
		}
		return 1
	}
	return strings.Compare(a, b)
}
