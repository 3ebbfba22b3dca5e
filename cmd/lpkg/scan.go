package main

import (
	"github.com/spf13/cobra"

	"github.com/lfs-tools/lpkg/internal/orphan"
)

var scanCmd = &cobra.Command{
	Use:   "scan",
	Short: "List the packages autoremove would remove, without removing them",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, err := newCtx()
		if err != nil {
			return err
		}
		defer ctx.Close()

		orphans, err := orphan.Find(ctx)
		if err != nil {
			return err
		}
		if len(orphans) == 0 {
			printf("no orphaned packages\n")
			return nil
		}
		for _, name := range orphans {
			printf("%s\n", name)
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(scanCmd)
}
