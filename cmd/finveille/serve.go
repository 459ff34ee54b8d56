package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/spf13/cobra"

	"github.com/hazyhaar/finveille/api"
	"github.com/hazyhaar/finveille/watch"
)

var serveMCP bool

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve the dashboard API and run periodic consolidations",
	Long: `Serves the read API over HTTP and consolidates the source stores
on the configured interval. With --mcp the news tools are served over MCP
on stdio instead of HTTP; the scheduler still runs.`,
	RunE: runServe,
}

func init() {
	serveCmd.Flags().BoolVar(&serveMCP, "mcp", false, "serve MCP on stdio instead of HTTP")
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, _ []string) error {
	ctx, cancel := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := app.main.Init(ctx); err != nil {
		return err
	}
	if err := app.events.Init(ctx); err != nil {
		return err
	}

	server := api.New(api.Config{
		Main:     app.main,
		Stats:    app.stats,
		Merger:   app.merger,
		Sources:  app.sources(),
		Events:   app.events,
		AuthUser: app.cfg.Server.AuthUser,
		AuthHash: app.cfg.Server.AuthHash,
		Logger:   app.log,
	})

	go runScheduler(ctx)
	if app.cfg.Merge.Watch {
		startWatchers(ctx)
	}

	if serveMCP {
		mcpSrv := mcp.NewServer(&mcp.Implementation{
			Name:    "finveille",
			Version: "1.0.0",
		}, nil)
		server.RegisterMCP(mcpSrv)
		app.log.Info("mcp server starting on stdio")
		return mcpSrv.Run(ctx, &mcp.StdioTransport{})
	}

	srv := &http.Server{
		Addr:              app.cfg.Server.Addr,
		Handler:           server.Router(),
		ReadHeaderTimeout: 10 * time.Second,
		WriteTimeout:      60 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		app.log.Info("server starting", "addr", app.cfg.Server.Addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}
	app.log.Info("shutting down")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		app.log.Error("shutdown", "err", err)
	}
	app.log.Info("server stopped")
	return nil
}

// startWatchers polls each source store and consolidates shortly after a
// crawler writes to one. Stores that do not exist yet are skipped; the
// interval scheduler still covers them once they appear.
func startWatchers(ctx context.Context) {
	for _, src := range app.sources() {
		if _, err := os.Stat(src.Path); os.IsNotExist(err) {
			continue
		}
		w, err := watch.Open(src.Path, watch.Options{
			Debounce: app.cfg.Merge.WatchDebounce,
			Logger:   app.log,
		})
		if err != nil {
			app.log.Warn("watcher failed to open", "source", src.Name, "err", err)
			continue
		}
		go func() {
			defer w.Close()
			w.Run(ctx, func() error {
				_, err := app.merger.Consolidate(ctx, app.sources())
				return err
			})
		}()
	}
}

// runScheduler consolidates on the configured interval until ctx is done.
// A failed run is logged and the next tick tries again; the pre-run backup
// taken by the merger keeps a failure recoverable.
func runScheduler(ctx context.Context) {
	ticker := time.NewTicker(app.cfg.Merge.Interval)
	defer ticker.Stop()

	app.log.Info("merge scheduler starting", "interval", app.cfg.Merge.Interval)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := app.merger.Consolidate(ctx, app.sources()); err != nil {
				app.log.Error("scheduled merge failed", "err", err)
			}
		}
	}
}
