package main

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/lfs-tools/lpkg/internal/engine"
	"github.com/lfs-tools/lpkg/internal/logx"
	"github.com/lfs-tools/lpkg/internal/txn"
)

var rootFlags struct {
	root           string
	arch           string
	mirror         string
	force          bool
	forceOverwrite bool
	noHooks        bool
	noDeps         bool
	nonInteractive string
	verbose        bool
}

// rootCmd is the base command when lpkg is invoked without a subcommand.
var rootCmd = &cobra.Command{
	Use:   "lpkg",
	Short: "A source-language-neutral package manager for an LFS-style root",
	Long: `lpkg installs, removes, and queries packages under a target root
built the Linux-from-Scratch way: pre-built tar+zstd archives, a plain-text
state database, and shell-script hooks — no source-language awareness, no
SAT-style constraint solving.`,
}

// Execute adds all child commands and runs the parsed command line. It is
// called once from main.main.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func init() {
	flags := rootCmd.PersistentFlags()
	// accept underscore spellings ("--force_overwrite") as aliases of the
	// documented dash form, matching flag names long-scripted system
	// administrators are used to typing.
	flags.SetNormalizeFunc(func(f *pflag.FlagSet, name string) pflag.NormalizedName {
		return pflag.NormalizedName(strings.ReplaceAll(name, "_", "-"))
	})
	flags.StringVar(&rootFlags.root, "root", "/", "target root to operate on")
	flags.StringVar(&rootFlags.arch, "arch", "", "architecture directory under the mirror (defaults to x86_64)")
	flags.StringVar(&rootFlags.mirror, "mirror", "", "mirror base URL (overrides /etc/lpkg/mirror.conf)")
	flags.BoolVar(&rootFlags.force, "force", false, "bypass essential/reverse-dependency checks on removal")
	flags.BoolVar(&rootFlags.forceOverwrite, "force-overwrite", false, "allow overwriting unknown on-disk files")
	flags.BoolVar(&rootFlags.noHooks, "no-hooks", false, "skip running post-install/pre-remove hooks")
	flags.BoolVar(&rootFlags.noDeps, "no-deps", false, "do not resolve or install dependencies")
	flags.StringVar(&rootFlags.nonInteractive, "non-interactive", "", "y|n: stored in the engine context; no command shows a confirmation prompt, so it changes nothing")
	flags.BoolVarP(&rootFlags.verbose, "verbose", "v", false, "enable debug logging")
}

// newCtx builds an engine.Ctx from the persistent flags shared by every
// subcommand.
func newCtx() (*engine.Ctx, error) {
	log := logx.Default()
	if rootFlags.verbose {
		log.SetLevel(logx.LevelDebug)
	}

	opts := []engine.Option{engine.WithLogger(log)}
	if rootFlags.arch != "" {
		opts = append(opts, engine.WithArch(rootFlags.arch))
	}
	if rootFlags.mirror != "" {
		opts = append(opts, engine.WithMirror(rootFlags.mirror))
	}
	opts = append(opts,
		engine.WithForce(rootFlags.force),
		engine.WithForceOverwrite(rootFlags.forceOverwrite),
		engine.WithNoHooks(rootFlags.noHooks),
		engine.WithNoDeps(rootFlags.noDeps),
		engine.WithNonInteractive(strings.EqualFold(rootFlags.nonInteractive, "y")),
	)

	return engine.New(rootFlags.root, opts...)
}

// withTransaction opens an engine.Ctx and a transaction, runs fn, then
// always closes the transaction (releasing the lock) before returning.
func withTransaction(fn func(*txn.Transaction) error) error {
	ctx, err := newCtx()
	if err != nil {
		return err
	}
	tx, err := txn.Open(ctx)
	if err != nil {
		return err
	}
	defer tx.Close()
	return fn(tx)
}

func printf(format string, args ...interface{}) {
	fmt.Fprintf(os.Stdout, format, args...)
}
