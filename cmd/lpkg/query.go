package main

import (
	"fmt"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"github.com/lfs-tools/lpkg/internal/engine"
)

var queryCmd = &cobra.Command{
	Use:   "query <path|name>",
	Short: "Query which package owns a file, or show an installed package's status",
	Long: `Query takes either a filesystem path, to report which installed
package owns it, or a package name, to report its installed version and
explicit/dependency status. An argument containing a "/" is treated as a
path; anything else is treated as a package name.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, err := newCtx()
		if err != nil {
			return err
		}
		defer ctx.Close()

		target := args[0]
		if strings.Contains(target, "/") {
			return queryFile(ctx, target)
		}
		return queryPackage(ctx, target)
	},
}

func init() {
	rootCmd.AddCommand(queryCmd)
}

func queryFile(ctx *engine.Ctx, target string) error {
	owners := ctx.Store.FileOwners(logicalPathFor(ctx, target))
	if len(owners) == 0 {
		return fmt.Errorf("%s is not owned by any installed package", target)
	}
	for _, o := range owners {
		printf("%s\n", o)
	}
	return nil
}

func queryPackage(ctx *engine.Ctx, name string) error {
	pkg := ctx.Store.Package(name)
	if pkg == nil {
		return fmt.Errorf("package %s is not installed", name)
	}
	kind := "dependency"
	if pkg.Explicit {
		kind = "explicit"
	}
	printf("%s %s (%s)\n", pkg.Name, pkg.Version, kind)
	return nil
}

// logicalPathFor maps a path given on the command line — absolute under
// --root, absolute in logical (root-relative) form, or relative to the
// current directory — onto the root-relative form the file-owner table
// is keyed by.
func logicalPathFor(ctx *engine.Ctx, target string) string {
	abs, err := filepath.Abs(target)
	if err != nil {
		return filepath.ToSlash(target)
	}
	if rel, err := filepath.Rel(ctx.TargetRoot, abs); err == nil && !strings.HasPrefix(rel, "..") {
		return "/" + filepath.ToSlash(rel)
	}
	return filepath.ToSlash(abs)
}
