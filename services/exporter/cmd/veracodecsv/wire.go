package main

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog/log"

	"veracodecsv/pkg/bus"
	"veracodecsv/pkg/db"
	"veracodecsv/pkg/metrics"
	gos3 "veracodecsv/pkg/s3"
	"veracodecsv/pkg/telemetry"
	"veracodecsv/services/exporter"
	"veracodecsv/services/exporter/internal/config"
	"veracodecsv/services/extract"
	"veracodecsv/services/veracode"
	"veracodecsv/services/watermark"
)

func runExport(ctx context.Context, cfg config.Config) error {
	shutdown, err := telemetry.Init(ctx, serviceName, cfg.Telemetry.OTLPEndpoint)
	if err != nil {
		return err
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdown(shutdownCtx); err != nil {
			log.Error().Err(err).Msg("shutdown telemetry")
		}
	}()

	httpClient, err := newHTTPClient(cfg.API)
	if err != nil {
		return err
	}
	signer, err := veracode.NewSignerFromEnv(cfg.API.CredentialsFile)
	if err != nil {
		return err
	}
	client, err := veracode.NewClient(veracode.ClientOptions{
		BaseURL:    cfg.API.BaseURL,
		HTTPClient: httpClient,
		Signer:     signer,
		Logger:     log.Logger.With().Str("component", "veracode").Logger(),
	})
	if err != nil {
		return err
	}

	pool, err := openPool(ctx, cfg)
	if err != nil {
		return err
	}
	if pool != nil {
		defer pool.Close()
	}

	store, err := newStore(cfg, pool)
	if err != nil {
		return err
	}
	if err := store.Load(ctx); err != nil {
		return fmt.Errorf("load watermarks: %w", err)
	}

	extractor, err := extract.New(client, store, log.Logger.With().Str("component", "extract").Logger())
	if err != nil {
		return err
	}

	hooks, closeHooks, err := newHooks(ctx, cfg)
	if err != nil {
		return err
	}
	defer closeHooks()

	var ledger *exporter.Ledger
	if pool != nil {
		orm, err := db.ORM(pool)
		if err != nil {
			return fmt.Errorf("open ledger: %w", err)
		}
		ledger = exporter.NewLedger(orm)
	}

	recorder := metrics.NewRecorder()
	_, runErr := exporter.Run(ctx, exporter.RunConfig{
		OutputDir: cfg.OutputDirectory,
		Filters: extract.Filters{
			AppNames:         cfg.Apps,
			IncludeSandboxes: cfg.IncludeSandboxes,
			Kinds:            veracode.KindFilter{Static: cfg.IncludeStatic, Dynamic: cfg.IncludeDynamic},
		},
		Headers: cfg.IncludeCSVHeaders,
		Source:  extractor,
		Store:   store,
		Hooks:   hooks,
		Metrics: recorder,
		Ledger:  ledger,
		RunID:   uuid.New(),
		Logger:  log.Logger,
	})

	if cfg.Metrics.PushGateway != "" {
		if err := recorder.Push(context.WithoutCancel(ctx), cfg.Metrics.PushGateway, cfg.Metrics.Job); err != nil {
			log.Warn().Err(err).Str("gateway", cfg.Metrics.PushGateway).Msg("push metrics")
		}
	}
	return runErr
}

func newHTTPClient(cfg config.APIConfig) (*http.Client, error) {
	transport := http.DefaultTransport.(*http.Transport).Clone()
	if cfg.Proxy != "" {
		proxy, err := url.Parse(cfg.Proxy)
		if err != nil {
			return nil, fmt.Errorf("parse api proxy: %w", err)
		}
		transport.Proxy = http.ProxyURL(proxy)
	}
	return &http.Client{Transport: telemetry.Transport(transport), Timeout: cfg.Timeout}, nil
}

// openPool connects to Postgres when a DSN is configured and applies migrations.
func openPool(ctx context.Context, cfg config.Config) (*pgxpool.Pool, error) {
	if cfg.Database.DSN == "" {
		return nil, nil
	}
	pool, err := db.Open(ctx, cfg.Database.DSN)
	if err != nil {
		return nil, fmt.Errorf("connect database: %w", err)
	}
	if err := db.Migrate(ctx, pool); err != nil {
		pool.Close()
		return nil, fmt.Errorf("migrate database: %w", err)
	}
	return pool, nil
}

func newStore(cfg config.Config, pool *pgxpool.Pool) (watermark.Store, error) {
	switch cfg.Watermarks.Backend {
	case config.BackendPostgres:
		return watermark.NewPostgresStore(pool)
	default:
		return watermark.NewFileStore(cfg.Watermarks.File), nil
	}
}

// openStore is used by the watermark subcommands, which need no API access.
func openStore(ctx context.Context, cfg config.Config) (watermark.Store, func(), error) {
	if cfg.Watermarks.Backend != config.BackendPostgres {
		return watermark.NewFileStore(cfg.Watermarks.File), func() {}, nil
	}
	pool, err := openPool(ctx, cfg)
	if err != nil {
		return nil, nil, err
	}
	store, err := watermark.NewPostgresStore(pool)
	if err != nil {
		pool.Close()
		return nil, nil, err
	}
	return store, pool.Close, nil
}

// newHooks builds the post-write hooks in their fixed order: compress,
// encrypt, upload, announce.
func newHooks(ctx context.Context, cfg config.Config) ([]exporter.Hook, func(), error) {
	var hooks []exporter.Hook
	closers := []func(){}
	closeAll := func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
	}

	if cfg.Compress == config.CompressZstd {
		hooks = append(hooks, exporter.ZstdCompressor{})
	}
	if len(cfg.Encrypt.Recipients) > 0 {
		enc, err := exporter.NewAgeEncryptor(cfg.Encrypt.Recipients)
		if err != nil {
			return nil, nil, err
		}
		hooks = append(hooks, enc)
	}
	if cfg.S3.Bucket != "" {
		client, err := gos3.NewClient(ctx, gos3.Config{
			Endpoint:       cfg.S3.Endpoint,
			Region:         cfg.S3.Region,
			AccessKey:      cfg.S3.AccessKey,
			SecretKey:      cfg.S3.SecretKey,
			DisableTLS:     cfg.S3.DisableTLS,
			ForcePathStyle: cfg.S3.ForcePathStyle,
		})
		if err != nil {
			return nil, nil, fmt.Errorf("s3 client: %w", err)
		}
		up, err := exporter.NewS3Uploader(client, cfg.S3.Bucket, cfg.S3.Prefix)
		if err != nil {
			return nil, nil, err
		}
		hooks = append(hooks, up)
	}
	if cfg.NATS.URL != "" {
		b, err := bus.New(cfg.NATS.URL)
		if err != nil {
			return nil, nil, fmt.Errorf("connect nats: %w", err)
		}
		closers = append(closers, b.Close)
		if err := b.EnsureStream(cfg.NATS.Stream, cfg.NATS.Subject); err != nil {
			closeAll()
			return nil, nil, err
		}
		pub, err := exporter.NewEventPublisher(b, cfg.NATS.Subject)
		if err != nil {
			closeAll()
			return nil, nil, err
		}
		hooks = append(hooks, pub)
	}
	return hooks, closeAll, nil
}
