package main

import (
	"log/slog"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/hazyhaar/finveille/backup"
	"github.com/hazyhaar/finveille/config"
	"github.com/hazyhaar/finveille/consolidate"
	"github.com/hazyhaar/finveille/dbopen"
	"github.com/hazyhaar/finveille/news"
	"github.com/hazyhaar/finveille/observe"
	"github.com/hazyhaar/finveille/pool"
	"github.com/hazyhaar/finveille/stats"
	"github.com/hazyhaar/finveille/txn"
)

var (
	configPath string
	logLevel   string

	app *application
)

// application holds the wired storage layer shared by all subcommands.
type application struct {
	cfg    *config.Config
	layout config.Layout
	log    *slog.Logger
	pool   *pool.Pool
	runner *txn.Runner
	main   *news.Store
	stats  *stats.Aggregator
	backup *backup.Service
	events *observe.EventLog
	merger *consolidate.Merger
}

func (a *application) sources() []consolidate.Source {
	out := make([]consolidate.Source, 0, len(a.cfg.Sources))
	for _, name := range a.cfg.Sources {
		out = append(out, consolidate.Source{Name: name, Path: a.layout.SourceStore(name)})
	}
	return out
}

func (a *application) sourcePath(name string) (string, bool) {
	for _, s := range a.cfg.Sources {
		if s == name {
			return a.layout.SourceStore(name), true
		}
	}
	return "", false
}

var rootCmd = &cobra.Command{
	Use:           "finveille",
	Short:         "Consolidated financial news store",
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		log := newLogger(cfg)
		slog.SetDefault(log)

		p := pool.New(
			pool.WithSize(cfg.Pool.Size),
			pool.WithAcquireTimeout(cfg.Pool.AcquireTimeout),
			pool.WithOpenOptions(
				dbopen.WithBusyTimeout(int(cfg.Pool.BusyTimeout/time.Millisecond)),
				dbopen.WithMkdirAll(),
				dbopen.WithLogger(log),
			),
			pool.WithLogger(log),
		)
		runner := txn.New(p,
			txn.WithMaxAttempts(cfg.Retry.MaxAttempts),
			txn.WithBaseDelay(cfg.Retry.BaseDelay),
			txn.WithLogger(log),
		)

		layout := cfg.Layout()
		main := news.NewStore(runner, layout.MainStore())
		svc := backup.New(layout.BackupDir(), p, backup.WithLogger(log))
		events := observe.New(runner, layout.MainStore())
		mergeOpts := []consolidate.Option{
			consolidate.WithBatchSize(cfg.Merge.BatchSize),
			consolidate.WithLogger(log),
		}
		if cfg.Merge.KeepSources {
			mergeOpts = append(mergeOpts, consolidate.WithoutArchive())
		}
		merger := consolidate.New(runner, svc, events,
			layout.MainStore(), layout.ArchiveDir(), mergeOpts...)

		app = &application{
			cfg:    cfg,
			layout: layout,
			log:    log,
			pool:   p,
			runner: runner,
			main:   main,
			stats:  stats.New(runner),
			backup: svc,
			events: events,
			merger: merger,
		}
		return nil
	},
	PersistentPostRun: func(*cobra.Command, []string) {
		if app != nil {
			app.pool.Close()
		}
	},
}

func loadConfig() (*config.Config, error) {
	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		return config.Default(), nil
	}
	return config.Load(configPath)
}

func newLogger(cfg *config.Config) *slog.Logger {
	level := cfg.Logging.Level
	if logLevel != "" {
		level = logLevel
	}
	var lv slog.Level
	switch level {
	case "debug":
		lv = slog.LevelDebug
	case "warn":
		lv = slog.LevelWarn
	case "error":
		lv = slog.LevelError
	default:
		lv = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: lv}
	if cfg.Logging.Format == "text" {
		return slog.New(slog.NewTextHandler(os.Stderr, opts))
	}
	return slog.New(slog.NewJSONHandler(os.Stderr, opts))
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "finveille.yaml", "config file")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "override log level (debug, info, warn, error)")
}

// Execute runs the CLI.
func Execute() error {
	return rootCmd.Execute()
}
