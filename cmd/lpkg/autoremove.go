package main

import (
	"github.com/spf13/cobra"

	"github.com/lfs-tools/lpkg/internal/orphan"
	"github.com/lfs-tools/lpkg/internal/txn"
)

var autoremoveCmd = &cobra.Command{
	Use:   "autoremove",
	Short: "Remove every orphaned package not reachable from the hold set",
	Long: `Autoremove repeatedly finds a package that is neither held explicit
nor reachable from the held/essential set through the dependency graph,
and removes it, recomputing reachability after each removal so a package
that is only orphaned once an earlier one is gone is still caught.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withTransaction(func(tx *txn.Transaction) error {
			removed, err := orphan.Autoremove(tx.Ctx)
			if len(removed) == 0 && err == nil {
				printf("nothing to do: no orphaned packages\n")
				return nil
			}
			for _, name := range removed {
				printf("removed %s\n", name)
			}
			return err
		})
	},
}

func init() {
	rootCmd.AddCommand(autoremoveCmd)
}
