package config

import (
	"context"
	"os"
	"path/filepath"
	"reflect"
	"testing"
	"time"

	"github.com/sethvargo/go-envconfig"
)

func writeFile(t *testing.T, dir, name, body string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("write %s: %v", name, err)
	}
	return path
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load(context.Background(), "", envconfig.MapLookuper(nil))
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if !reflect.DeepEqual(cfg, Default()) {
		t.Fatalf("Load() = %+v, want defaults %+v", cfg, Default())
	}
	if !cfg.IncludeStatic || !cfg.IncludeDynamic || !cfg.IncludeSandboxes || !cfg.IncludeCSVHeaders {
		t.Fatalf("include toggles default to false: %+v", cfg)
	}
	if cfg.OutputDirectory != "output" || cfg.Watermarks.File != "processed_builds.txt" {
		t.Fatalf("unexpected default paths: %+v", cfg)
	}
}

func TestLoadFileAndEnvironment(t *testing.T) {
	dir := t.TempDir()
	include := writeFile(t, dir, "apps.txt", "\ufeffacme-app\r\n\r\nother app\n")
	path := writeFile(t, dir, "config.yaml", `
output_directory: /data/out
app_include_list: `+include+`
include_sandboxes: false
include_dynamic_flaws: false
api:
  base_url: https://api.example.com
  timeout: 30s
compress: zstd
encrypt:
  recipients:
    - age1example
s3:
  bucket: exports
`)

	tests := []struct {
		name  string
		env   map[string]string
		check func(t *testing.T, cfg Config)
	}{
		{
			name: "file values",
			env:  nil,
			check: func(t *testing.T, cfg Config) {
				if cfg.OutputDirectory != "/data/out" || cfg.IncludeSandboxes || cfg.IncludeDynamic || !cfg.IncludeStatic {
					t.Fatalf("file values not applied: %+v", cfg)
				}
				if cfg.API.BaseURL != "https://api.example.com" || cfg.API.Timeout != 30*time.Second {
					t.Fatalf("api = %+v", cfg.API)
				}
				if want := []string{"acme-app", "other app"}; !reflect.DeepEqual(cfg.Apps, want) {
					t.Fatalf("Apps = %q, want %q", cfg.Apps, want)
				}
				if cfg.Compress != CompressZstd || cfg.S3.Bucket != "exports" || len(cfg.Encrypt.Recipients) != 1 {
					t.Fatalf("shipping = %+v %+v %+v", cfg.Compress, cfg.S3, cfg.Encrypt)
				}
			},
		},
		{
			name: "environment overrides file",
			env: map[string]string{
				"VERACODECSV_OUTPUT_DIR":        "/env/out",
				"VERACODECSV_INCLUDE_SANDBOXES": "true",
				"VERACODECSV_DEBUG":             "true",
				"VERACODECSV_WATERMARK_FILE":    "/state/wm.json",
			},
			check: func(t *testing.T, cfg Config) {
				if cfg.OutputDirectory != "/env/out" || !cfg.IncludeSandboxes || !cfg.DebugLogging {
					t.Fatalf("environment not applied: %+v", cfg)
				}
				if cfg.Watermarks.File != "/state/wm.json" {
					t.Fatalf("watermark file = %q", cfg.Watermarks.File)
				}
				if cfg.IncludeDynamic {
					t.Fatalf("unset variable reset file value")
				}
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg, err := Load(context.Background(), path, envconfig.MapLookuper(tt.env))
			if err != nil {
				t.Fatalf("Load() error = %v", err)
			}
			tt.check(t, cfg)
		})
	}
}

func TestLoadErrors(t *testing.T) {
	dir := t.TempDir()
	tests := []struct {
		name string
		body string
		env  map[string]string
	}{
		{name: "unknown key", body: "output_dir: x\n"},
		{name: "bad compress", body: "compress: gzip\n"},
		{name: "postgres without dsn", body: "watermarks:\n  backend: postgres\n"},
		{name: "unknown backend", body: "watermarks:\n  backend: redis\n"},
		{name: "bad log format", body: "log:\n  format: xml\n"},
		{name: "missing include list", body: "app_include_list: " + filepath.Join(dir, "nope.txt") + "\n"},
		{name: "bad env bool", body: "", env: map[string]string{"VERACODECSV_DEBUG": "maybe"}},
	}
	for i, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := writeFile(t, dir, "config"+string(rune('a'+i))+".yaml", tt.body)
			if _, err := Load(context.Background(), path, envconfig.MapLookuper(tt.env)); err == nil {
				t.Fatalf("Load() expected error")
			}
		})
	}

	if _, err := Load(context.Background(), filepath.Join(dir, "missing.yaml"), envconfig.MapLookuper(nil)); err == nil {
		t.Fatalf("Load(missing file) expected error")
	}
}

func TestReadIncludeListEmpty(t *testing.T) {
	path := writeFile(t, t.TempDir(), "apps.txt", "")
	names, err := ReadIncludeList(path)
	if err != nil {
		t.Fatalf("ReadIncludeList() error = %v", err)
	}
	if len(names) != 0 {
		t.Fatalf("ReadIncludeList() = %q, want none", names)
	}
}
