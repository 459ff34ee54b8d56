package main

import (
	"encoding/json"
	"fmt"
	"sort"

	"github.com/spf13/cobra"

	"github.com/hazyhaar/finveille/stats"
)

var (
	statsSource string
	statsAll    bool
	statsJSON   bool
)

var statsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Aggregate counts and time range",
	Long: `Aggregates the main store by default. With --source the named
source store is aggregated instead; with --all the partial results of
every configured source store are summed.`,
	RunE: runStats,
}

func init() {
	statsCmd.Flags().StringVar(&statsSource, "source", "", "aggregate one source store")
	statsCmd.Flags().BoolVar(&statsAll, "all", false, "fan out across every source store")
	statsCmd.Flags().BoolVar(&statsJSON, "json", false, "output as JSON")
	rootCmd.AddCommand(statsCmd)
}

func runStats(cmd *cobra.Command, _ []string) error {
	var (
		sum *stats.Summary
		err error
	)
	switch {
	case statsAll:
		paths := make([]string, 0, len(app.cfg.Sources))
		for _, name := range app.cfg.Sources {
			paths = append(paths, app.layout.SourceStore(name))
		}
		sum, err = app.stats.FanOut(cmd.Context(), paths)
	case statsSource != "":
		path, ok := app.sourcePath(statsSource)
		if !ok {
			return fmt.Errorf("unknown source %q", statsSource)
		}
		sum, err = app.stats.Store(cmd.Context(), path)
	default:
		if err := app.main.Init(cmd.Context()); err != nil {
			return err
		}
		sum, err = app.stats.Store(cmd.Context(), app.layout.MainStore())
	}
	if err != nil {
		return err
	}

	if statsJSON {
		data, err := json.MarshalIndent(sum, "", "  ")
		if err != nil {
			return err
		}
		cmd.Println(string(data))
		return nil
	}

	cmd.Printf("total: %d\n", sum.Total)
	if sum.Earliest != "" {
		cmd.Printf("range: %s .. %s\n", sum.Earliest, sum.Latest)
	}
	for _, k := range sortedKeys(sum.PerSource) {
		cmd.Printf("source %-12s %d\n", k, sum.PerSource[k])
	}
	for _, k := range sortedKeys(sum.PerDay) {
		cmd.Printf("day    %-12s %d\n", k, sum.PerDay[k])
	}
	return nil
}

func sortedKeys(m map[string]int) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
