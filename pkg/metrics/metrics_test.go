package metrics

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"reflect"
	"testing"
	"time"
)

func gathered(t *testing.T, r *Recorder) map[string]float64 {
	t.Helper()
	families, err := r.Registry().Gather()
	if err != nil {
		t.Fatalf("Gather() error = %v", err)
	}
	out := map[string]float64{}
	for _, mf := range families {
		for _, m := range mf.GetMetric() {
			key := mf.GetName()
			for _, l := range m.GetLabel() {
				key += "/" + l.GetValue()
			}
			switch {
			case m.GetCounter() != nil:
				out[key] = m.GetCounter().GetValue()
			case m.GetGauge() != nil:
				out[key] = m.GetGauge().GetValue()
			}
		}
	}
	return out
}

func TestRecorderCounts(t *testing.T) {
	r := NewRecorder()
	r.BuildExported("static", 4)
	r.BuildExported("static", 1)
	r.BuildExported("dynamic", 2)
	r.BuildFailed("dynamic")
	r.Finish(time.Unix(1577836800, 0))

	got := gathered(t, r)
	want := map[string]float64{
		"veracodecsv_builds_exported_total/static":  2,
		"veracodecsv_builds_exported_total/dynamic": 1,
		"veracodecsv_flaws_exported_total/static":   5,
		"veracodecsv_flaws_exported_total/dynamic":  2,
		"veracodecsv_builds_failed_total/dynamic":   1,
		"veracodecsv_last_run_timestamp_seconds":    1577836800,
	}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("gathered = %v, want %v", got, want)
	}
}

func TestRecorderPush(t *testing.T) {
	var path, body string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		path = r.URL.Path
		raw, _ := io.ReadAll(r.Body)
		body = string(raw)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	r := NewRecorder()
	r.BuildExported("static", 3)
	if err := r.Push(context.Background(), srv.URL, "veracodecsv"); err != nil {
		t.Fatalf("Push() error = %v", err)
	}
	if path != "/metrics/job/veracodecsv" {
		t.Fatalf("push path = %q", path)
	}
	if body == "" {
		t.Fatalf("empty push body")
	}
}
