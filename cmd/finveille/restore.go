package main

import (
	"github.com/spf13/cobra"
)

var restoreCmd = &cobra.Command{
	Use:   "restore <backup> <target>",
	Short: "Restore a backup file over a store",
	Long: `Copies the backup over the target store atomically. Open handles
held by other processes see the old contents until they reopen.`,
	Args: cobra.ExactArgs(2),
	RunE: runRestore,
}

func init() {
	rootCmd.AddCommand(restoreCmd)
}

func runRestore(cmd *cobra.Command, args []string) error {
	if err := app.backup.Restore(cmd.Context(), args[0], args[1]); err != nil {
		return err
	}
	cmd.Printf("restored %s -> %s\n", args[0], args[1])
	return nil
}
