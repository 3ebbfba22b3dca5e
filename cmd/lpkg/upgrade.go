package main

import (
	"github.com/spf13/cobra"

	"github.com/lfs-tools/lpkg/internal/resolver"
	"github.com/lfs-tools/lpkg/internal/txn"
)

var upgradeHashFile string

var upgradeCmd = &cobra.Command{
	Use:   "upgrade [name[=version]|archive] ...",
	Short: "Upgrade packages to their latest available version",
	Long: `Upgrade re-resolves the given packages (or, with no arguments, every
explicitly installed package) against the repository index and installs
whatever is newer than what is currently recorded.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withTransaction(func(tx *txn.Transaction) error {
			var targets []resolver.Target
			var localArchives map[string]string

			if len(args) == 0 {
				for _, p := range tx.Ctx.Store.InstalledPackages() {
					if p.Explicit {
						targets = append(targets, resolver.Target{Name: p.Name, VersionSpec: "latest"})
					}
				}
			} else {
				t, la, err := parseInstallArgs(args)
				if err != nil {
					return err
				}
				targets, localArchives = t, la
			}

			expectedHashes, err := expectedHashesFromFlag(upgradeHashFile, localArchives)
			if err != nil {
				return err
			}

			err = tx.Install(targets, localArchives, expectedHashes, false, rootFlags.noDeps)
			if err == txn.ErrAlreadyInstalled {
				printf("nothing to do: already up to date\n")
				return nil
			}
			return err
		})
	},
}

func init() {
	upgradeCmd.Flags().StringVar(&upgradeHashFile, "hash", "", "file containing the expected SHA-256 of a local archive")
	rootCmd.AddCommand(upgradeCmd)
}
