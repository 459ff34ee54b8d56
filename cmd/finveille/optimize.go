package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/hazyhaar/finveille/news"
)

var optimizeSource string

var optimizeCmd = &cobra.Command{
	Use:   "optimize",
	Short: "Checkpoint, vacuum and re-analyze a store",
	Long: `Runs maintenance on the main store, or on one source store with
--source. The store is exclusively locked for the duration.`,
	RunE: runOptimize,
}

func init() {
	optimizeCmd.Flags().StringVar(&optimizeSource, "source", "", "optimize one source store")
	rootCmd.AddCommand(optimizeCmd)
}

func runOptimize(cmd *cobra.Command, _ []string) error {
	path := app.layout.MainStore()
	if optimizeSource != "" {
		p, ok := app.sourcePath(optimizeSource)
		if !ok {
			return fmt.Errorf("unknown source %q", optimizeSource)
		}
		path = p
	}

	st := news.NewStore(app.runner, path)
	if err := st.Optimize(cmd.Context()); err != nil {
		return err
	}
	cmd.Printf("optimized %s\n", path)
	return nil
}
