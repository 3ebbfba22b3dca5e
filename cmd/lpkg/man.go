package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
)

var manCmd = &cobra.Command{
	Use:   "man <name>",
	Short: "Print the man page shipped with an installed package",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, err := newCtx()
		if err != nil {
			return err
		}
		defer ctx.Close()

		name := args[0]
		if !ctx.Store.IsInstalled(name) {
			return fmt.Errorf("package %s is not installed", name)
		}
		data, err := os.ReadFile(filepath.Join(ctx.DocsDir, name+".man"))
		if os.IsNotExist(err) {
			return fmt.Errorf("package %s ships no man page", name)
		}
		if err != nil {
			return err
		}
		printf("%s", string(data))
		return nil
	},
}

func init() {
	rootCmd.AddCommand(manCmd)
}
