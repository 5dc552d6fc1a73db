package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/jnesss/procmon/database"
	"github.com/jnesss/procmon/enum"
)

var snapshotCmd = &cobra.Command{
	Use:   "snapshot",
	Short: "Capture configuration stores into SQLite",
}

var snapshotImportCmd = &cobra.Command{
	Use:   "import <db-file>",
	Short: "Copy a configuration subtree into a snapshot database",
	Long: `Copies the driver and device configuration of a store into a SQLite file
that "procmon serve --store sqlite:<file>" can enumerate later.`,
	Args: cobra.ExactArgs(1),
	RunE: runSnapshotImport,
}

func init() {
	snapshotImportCmd.Flags().String("from", "", "source store (default: the configured store)")
	snapshotImportCmd.Flags().StringSlice("root", []string{enum.ServicesPath, enum.EnumPath}, "subtrees to copy")
	snapshotCmd.AddCommand(snapshotImportCmd)
}

func runSnapshotImport(cmd *cobra.Command, args []string) error {
	from, _ := cmd.Flags().GetString("from")
	roots, _ := cmd.Flags().GetStringSlice("root")
	if from == "" {
		from = cfg.Store
	}

	store, closeStore, err := openStore(from)
	if err != nil {
		return fmt.Errorf("failed to open source store: %w", err)
	}
	defer closeStore()

	db, err := database.NewDB(args[0])
	if err != nil {
		return err
	}
	defer db.Close()

	for _, root := range roots {
		stats, err := db.Import(store, root)
		if err != nil {
			return fmt.Errorf("failed to import %s: %w", root, err)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "%s: %d keys, %d values, %d unreadable, %d skipped\n", root, stats.Keys, stats.Values, stats.Unreadable, stats.Skipped)
	}
	return nil
}
