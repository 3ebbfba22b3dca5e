package main

import (
	"github.com/spf13/cobra"

	"github.com/lfs-tools/lpkg/internal/txn"
)

var reinstallCmd = &cobra.Command{
	Use:   "reinstall <name[=version]|archive> ...",
	Short: "Reinstall packages even if already at the desired version",
	Long: `Reinstall forces the install state machine to run again for the given
targets, re-verifying and re-copying every file. Unlike legacy lpkg
builds, conflicts with manually edited files are never masked implicitly:
pass --force-overwrite to accept that.`,
	Args: cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		targets, localArchives, err := parseInstallArgs(args)
		if err != nil {
			return err
		}
		return withTransaction(func(tx *txn.Transaction) error {
			return tx.Install(targets, localArchives, nil, true, rootFlags.noDeps)
		})
	},
}

func init() {
	rootCmd.AddCommand(reinstallCmd)
}
