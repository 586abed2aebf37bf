package config

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/sethvargo/go-envconfig"
	"gopkg.in/yaml.v3"
)

const (
	BackendFile     = "file"
	BackendPostgres = "postgres"

	CompressZstd = "zstd"
)

// Config is the exporter configuration. Values come from defaults, then the
// YAML file, then environment variables.
type Config struct {
	OutputDirectory   string   `yaml:"output_directory" env:"VERACODECSV_OUTPUT_DIR,overwrite"`
	AppIncludeList    string   `yaml:"app_include_list" env:"VERACODECSV_APP_INCLUDE_LIST,overwrite"`
	Apps              []string `yaml:"apps" env:"VERACODECSV_APPS,overwrite"`
	IncludeStatic     bool     `yaml:"include_static_flaws" env:"VERACODECSV_INCLUDE_STATIC,overwrite"`
	IncludeDynamic    bool     `yaml:"include_dynamic_flaws" env:"VERACODECSV_INCLUDE_DYNAMIC,overwrite"`
	IncludeSandboxes  bool     `yaml:"include_sandboxes" env:"VERACODECSV_INCLUDE_SANDBOXES,overwrite"`
	IncludeCSVHeaders bool     `yaml:"include_csv_headers" env:"VERACODECSV_INCLUDE_HEADERS,overwrite"`
	DebugLogging      bool     `yaml:"debug_logging" env:"VERACODECSV_DEBUG,overwrite"`

	Log        LogConfig       `yaml:"log"`
	API        APIConfig       `yaml:"api"`
	Watermarks WatermarkConfig `yaml:"watermarks"`
	Database   DatabaseConfig  `yaml:"database"`
	Compress   string          `yaml:"compress" env:"VERACODECSV_COMPRESS,overwrite"`
	Encrypt    EncryptConfig   `yaml:"encrypt"`
	S3         S3Config        `yaml:"s3"`
	NATS       NATSConfig      `yaml:"nats"`
	Metrics    MetricsConfig   `yaml:"metrics"`
	Telemetry  TelemetryConfig `yaml:"telemetry"`
}

type LogConfig struct {
	Format string `yaml:"format" env:"VERACODECSV_LOG_FORMAT,overwrite"`
}

type APIConfig struct {
	BaseURL         string        `yaml:"base_url" env:"VERACODECSV_API_BASE_URL,overwrite"`
	Proxy           string        `yaml:"proxy" env:"VERACODECSV_API_PROXY,overwrite"`
	CredentialsFile string        `yaml:"credentials_file" env:"VERACODECSV_CREDENTIALS_FILE,overwrite"`
	Timeout         time.Duration `yaml:"timeout" env:"VERACODECSV_API_TIMEOUT,overwrite"`
}

type WatermarkConfig struct {
	Backend string `yaml:"backend" env:"VERACODECSV_WATERMARK_BACKEND,overwrite"`
	File    string `yaml:"file" env:"VERACODECSV_WATERMARK_FILE,overwrite"`
}

type DatabaseConfig struct {
	DSN string `yaml:"dsn" env:"VERACODECSV_DATABASE_DSN,overwrite"`
}

type EncryptConfig struct {
	Recipients []string `yaml:"recipients" env:"VERACODECSV_AGE_RECIPIENTS,overwrite"`
}

type S3Config struct {
	Bucket         string `yaml:"bucket" env:"VERACODECSV_S3_BUCKET,overwrite"`
	Prefix         string `yaml:"prefix" env:"VERACODECSV_S3_PREFIX,overwrite"`
	Endpoint       string `yaml:"endpoint" env:"S3_ENDPOINT,overwrite"`
	Region         string `yaml:"region" env:"S3_REGION,overwrite"`
	AccessKey      string `yaml:"access_key" env:"S3_ACCESS_KEY,overwrite"`
	SecretKey      string `yaml:"secret_key" env:"S3_SECRET_KEY,overwrite"`
	DisableTLS     bool   `yaml:"disable_tls" env:"S3_DISABLE_TLS,overwrite"`
	ForcePathStyle bool   `yaml:"force_path_style" env:"S3_FORCE_PATH_STYLE,overwrite"`
}

type NATSConfig struct {
	URL     string `yaml:"url" env:"VERACODECSV_NATS_URL,overwrite"`
	Subject string `yaml:"subject" env:"VERACODECSV_NATS_SUBJECT,overwrite"`
	Stream  string `yaml:"stream" env:"VERACODECSV_NATS_STREAM,overwrite"`
}

type MetricsConfig struct {
	PushGateway string `yaml:"pushgateway" env:"VERACODECSV_PUSHGATEWAY,overwrite"`
	Job         string `yaml:"job" env:"VERACODECSV_PUSHGATEWAY_JOB,overwrite"`
}

type TelemetryConfig struct {
	OTLPEndpoint string `yaml:"otlp_endpoint" env:"OTEL_EXPORTER_OTLP_ENDPOINT,overwrite"`
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		OutputDirectory:   "output",
		IncludeStatic:     true,
		IncludeDynamic:    true,
		IncludeSandboxes:  true,
		IncludeCSVHeaders: true,
		Log:               LogConfig{Format: "console"},
		Watermarks:        WatermarkConfig{Backend: BackendFile, File: "processed_builds.txt"},
		NATS:              NATSConfig{Subject: "veracodecsv.builds.exported", Stream: "VERACODECSV"},
		Metrics:           MetricsConfig{Job: "veracodecsv"},
		S3:                S3Config{ForcePathStyle: true},
	}
}

// Load builds the configuration from path (optional) and the environment
// seen through lookuper. A nil lookuper reads the process environment.
func Load(ctx context.Context, path string, lookuper envconfig.Lookuper) (Config, error) {
	cfg := Default()

	if path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
		dec := yaml.NewDecoder(bytes.NewReader(raw))
		dec.KnownFields(true)
		if err := dec.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
			return Config{}, fmt.Errorf("parse config %s: %w", path, err)
		}
	}

	if lookuper == nil {
		lookuper = envconfig.OsLookuper()
	}
	if err := envconfig.ProcessWith(ctx, &envconfig.Config{Target: &cfg, Lookuper: lookuper}); err != nil {
		return Config{}, fmt.Errorf("environment: %w", err)
	}

	if cfg.AppIncludeList != "" {
		names, err := ReadIncludeList(cfg.AppIncludeList)
		if err != nil {
			return Config{}, err
		}
		cfg.Apps = append(cfg.Apps, names...)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks option combinations.
func (c Config) Validate() error {
	if strings.TrimSpace(c.OutputDirectory) == "" {
		return errors.New("output_directory is required")
	}
	switch c.Watermarks.Backend {
	case BackendFile:
		if c.Watermarks.File == "" {
			return errors.New("watermarks.file is required for the file backend")
		}
	case BackendPostgres:
		if c.Database.DSN == "" {
			return errors.New("database.dsn is required for the postgres watermark backend")
		}
	default:
		return fmt.Errorf("unknown watermarks.backend %q", c.Watermarks.Backend)
	}
	switch c.Compress {
	case "", CompressZstd:
	default:
		return fmt.Errorf("unsupported compress %q", c.Compress)
	}
	switch c.Log.Format {
	case "", "console", "json":
	default:
		return fmt.Errorf("unsupported log.format %q", c.Log.Format)
	}
	if c.API.Timeout < 0 {
		return errors.New("api.timeout must not be negative")
	}
	return nil
}

// ReadIncludeList reads one application name per line from a UTF-8 file.
// Blank lines are ignored; an empty file yields no names, which includes
// every application.
func ReadIncludeList(path string) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open app include list: %w", err)
	}
	defer f.Close()

	var names []string
	scanner := bufio.NewScanner(f)
	first := true
	for scanner.Scan() {
		line := scanner.Text()
		if first {
			line = strings.TrimPrefix(line, "\ufeff")
			first = false
		}
		line = strings.TrimRight(line, "\r")
		if strings.TrimSpace(line) == "" {
			continue
		}
		names = append(names, line)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read app include list: %w", err)
	}
	return names, nil
}
