package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"veracodecsv/pkg/csvsink"
	"veracodecsv/pkg/telemetry"
	"veracodecsv/services/exporter/internal/config"
	"veracodecsv/services/veracode"
	"veracodecsv/services/watermark"
)

const serviceName = "veracodecsv"

type globalOptions struct {
	configPath string
	envFile    string
	debug      bool

	cfg config.Config
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	err := newRootCommand().ExecuteContext(ctx)
	stop()
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	opts := &globalOptions{}
	export := &exportOptions{}

	cmd := &cobra.Command{
		Use:           serviceName,
		Short:         "Export Veracode scan findings to one CSV file per build",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return opts.load(cmd.Context())
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return export.run(cmd, opts)
		},
	}

	cmd.PersistentFlags().StringVarP(&opts.configPath, "config", "c", "", "Path to the YAML configuration file")
	cmd.PersistentFlags().StringVar(&opts.envFile, "env-file", "", "Load environment variables from this file instead of .env")
	cmd.PersistentFlags().BoolVar(&opts.debug, "debug", false, "Enable debug logging")
	export.bind(cmd)

	cmd.AddCommand(newExportCommand(opts))
	cmd.AddCommand(newWatermarksCommand(opts))
	cmd.AddCommand(newHeadersCommand())
	return cmd
}

func (o *globalOptions) load(ctx context.Context) error {
	if o.envFile != "" {
		if err := godotenv.Load(o.envFile); err != nil {
			return fmt.Errorf("load env file: %w", err)
		}
	} else {
		_ = godotenv.Load()
	}

	cfg, err := config.Load(ctx, o.configPath, nil)
	if err != nil {
		return err
	}
	if o.debug {
		cfg.DebugLogging = true
	}
	o.cfg = cfg
	setupLogging(cfg)
	return nil
}

func setupLogging(cfg config.Config) {
	zerolog.TimeFieldFormat = time.RFC3339
	level := zerolog.InfoLevel
	if cfg.DebugLogging {
		level = zerolog.DebugLevel
	}
	zerolog.SetGlobalLevel(level)

	logger := zerolog.New(os.Stderr)
	if cfg.Log.Format != "json" {
		logger = logger.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})
	}
	log.Logger = logger.With().Timestamp().Str("service", serviceName).Logger().Hook(telemetry.TraceHook{})
}

type exportOptions struct {
	outputDir   string
	apps        []string
	noHeaders   bool
	noSandboxes bool
}

func (e *exportOptions) bind(cmd *cobra.Command) {
	cmd.Flags().StringVar(&e.outputDir, "output-dir", "", "Directory CSV files are written under")
	cmd.Flags().StringSliceVar(&e.apps, "app", nil, "Export only this application name (repeatable)")
	cmd.Flags().BoolVar(&e.noHeaders, "no-headers", false, "Omit the CSV header row")
	cmd.Flags().BoolVar(&e.noSandboxes, "no-sandboxes", false, "Skip sandbox builds")
}

func (e *exportOptions) run(cmd *cobra.Command, opts *globalOptions) error {
	cfg := opts.cfg
	if e.outputDir != "" {
		cfg.OutputDirectory = e.outputDir
	}
	if len(e.apps) > 0 {
		cfg.Apps = e.apps
	}
	if e.noHeaders {
		cfg.IncludeCSVHeaders = false
	}
	if e.noSandboxes {
		cfg.IncludeSandboxes = false
	}
	return runExport(cmd.Context(), cfg)
}

func newExportCommand(opts *globalOptions) *cobra.Command {
	export := &exportOptions{}
	cmd := &cobra.Command{
		Use:   "export",
		Short: "Export new builds to CSV (default command)",
		RunE: func(cmd *cobra.Command, args []string) error {
			return export.run(cmd, opts)
		},
	}
	export.bind(cmd)
	return cmd
}

func newWatermarksCommand(opts *globalOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "watermarks",
		Short: "Inspect or reset stored build watermarks",
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmd.Help()
		},
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List the last exported policy-updated date of every build",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			store, closeStore, err := openStore(ctx, opts.cfg)
			if err != nil {
				return err
			}
			defer closeStore()
			if err := store.Load(ctx); err != nil {
				return err
			}

			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "APP ID\tBUILD ID\tPOLICY UPDATED")
			for _, r := range watermark.Entries(store.Snapshot()) {
				fmt.Fprintf(tw, "%s\t%s\t%s\n", r.AppID, r.BuildID, veracode.FormatTimestamp(r.Updated))
			}
			return tw.Flush()
		},
	})

	var all bool
	reset := &cobra.Command{
		Use:   "reset [app-id]",
		Short: "Forget watermarks so builds are exported again",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			appID := ""
			if len(args) == 1 {
				appID = strings.TrimSpace(args[0])
			}
			if appID == "" && !all {
				return errors.New("pass an application id or --all")
			}
			if appID != "" && all {
				return errors.New("--all cannot be combined with an application id")
			}

			ctx := cmd.Context()
			store, closeStore, err := openStore(ctx, opts.cfg)
			if err != nil {
				return err
			}
			defer closeStore()
			if err := store.Load(ctx); err != nil {
				return err
			}
			if err := store.Reset(ctx, appID); err != nil {
				return err
			}
			log.Info().Str("app_id", appID).Bool("all", all).Msg("watermarks reset")
			return nil
		},
	}
	reset.Flags().BoolVar(&all, "all", false, "Reset every application")
	cmd.AddCommand(reset)
	return cmd
}

func newHeadersCommand() *cobra.Command {
	var (
		kind      string
		sandboxed bool
	)
	cmd := &cobra.Command{
		Use:   "headers",
		Short: "Print the CSV header row for a scan kind",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			k, err := veracode.ParseKind(kind)
			if err != nil {
				return err
			}
			headers, err := veracode.RowHeaders(k, sandboxed)
			if err != nil {
				return err
			}
			return csvsink.Write(cmd.OutOrStdout(), [][]string{headers})
		},
	}
	cmd.Flags().StringVar(&kind, "kind", string(veracode.KindStatic), "Scan kind (static or dynamic)")
	cmd.Flags().BoolVar(&sandboxed, "sandbox", false, "Include the sandbox columns")
	return cmd
}
