package main

import (
	"github.com/spf13/cobra"

	"github.com/lfs-tools/lpkg/internal/txn"
)

var removeCmd = &cobra.Command{
	Use:   "remove <name> ...",
	Short: "Remove one or more installed packages",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withTransaction(func(tx *txn.Transaction) error {
			return tx.Remove(args, rootFlags.force)
		})
	},
}

func init() {
	rootCmd.AddCommand(removeCmd)
}
