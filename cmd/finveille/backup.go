package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

var backupCmd = &cobra.Command{
	Use:   "backup <source>",
	Short: "Snapshot one store to the backup directory",
	Long: `Snapshots the named source store, or the main store when the
argument is "main". The snapshot is a checkpointed file-level copy under
the backup directory and is never overwritten.`,
	Args: cobra.ExactArgs(1),
	RunE: runBackup,
}

func init() {
	rootCmd.AddCommand(backupCmd)
}

func runBackup(cmd *cobra.Command, args []string) error {
	name := args[0]
	path := app.layout.MainStore()
	if name != "main" {
		p, ok := app.sourcePath(name)
		if !ok {
			return fmt.Errorf("unknown source %q", name)
		}
		path = p
	}

	bak, err := app.backup.Snapshot(cmd.Context(), path)
	if err != nil {
		return err
	}
	if bak == "" {
		cmd.Printf("%s has no store file yet, nothing to back up\n", name)
		return nil
	}
	cmd.Println(bak)
	return nil
}
