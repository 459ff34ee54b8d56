package main

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"
)

var mergeJSON bool

var mergeCmd = &cobra.Command{
	Use:   "merge",
	Short: "Consolidate every source store into the main store",
	Long: `Backs up the main store, merges every configured source store into
it with first-writer-wins deduplication on the record id, and archives the
consumed source files.`,
	RunE: runMerge,
}

func init() {
	mergeCmd.Flags().BoolVar(&mergeJSON, "json", false, "output the merge report as JSON")
	rootCmd.AddCommand(mergeCmd)
}

func runMerge(cmd *cobra.Command, _ []string) error {
	rep, err := app.merger.Consolidate(cmd.Context(), app.sources())
	if err != nil {
		return err
	}

	if mergeJSON {
		data, err := json.MarshalIndent(rep, "", "  ")
		if err != nil {
			return err
		}
		cmd.Println(string(data))
		return nil
	}

	cmd.Printf("run %s: read %d, inserted %d, duplicates %d, coerced %d\n",
		rep.RunID, rep.TotalRead, rep.Inserted, rep.Duplicates, rep.Coerced)
	if rep.BackupPath != "" {
		cmd.Printf("backup: %s\n", rep.BackupPath)
	}
	for _, sr := range rep.Sources {
		switch {
		case sr.Skipped:
			cmd.Printf("  %-12s skipped (no store file)\n", sr.Source)
		case sr.Quarantined != "":
			cmd.Printf("  %-12s quarantined: %s\n", sr.Source, sr.Quarantined)
		default:
			cmd.Println(fmt.Sprintf("  %-12s read %d, inserted %d, duplicates %d",
				sr.Source, sr.Read, sr.Inserted, sr.Duplicates))
		}
	}
	return nil
}
