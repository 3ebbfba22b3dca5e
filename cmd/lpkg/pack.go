package main

import (
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/lfs-tools/lpkg/internal/logx"
	"github.com/lfs-tools/lpkg/internal/pack"
	"github.com/lfs-tools/lpkg/internal/store"
	"github.com/lfs-tools/lpkg/internal/version"
)

var packFlags struct {
	destPrefix string
	deps       []string
	provides   []string
	manFile    string
	hooksDir   string
}

var packCmd = &cobra.Command{
	Use:   "pack <src-tree> <dest-archive>",
	Short: "Pack a staged source tree into an lpkg archive",
	Long: `Pack walks src-tree and writes dest-archive in the tar+zstd shape
install expects: a content/ tree plus files.txt, deps.txt, man.txt, and
an optional provides.txt/hooks/, the structural inverse of extraction.`,
	Args: cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		deps := parseDepSpecs(packFlags.deps)

		manText := ""
		if packFlags.manFile != "" {
			data, err := os.ReadFile(packFlags.manFile)
			if err != nil {
				return err
			}
			manText = string(data)
		}

		manifest := pack.Manifest{
			DestPrefix: packFlags.destPrefix,
			Deps:       deps,
			ManText:    manText,
			Provides:   packFlags.provides,
			HooksDir:   packFlags.hooksDir,
		}

		log := logx.Default()
		if rootFlags.verbose {
			log.SetLevel(logx.LevelDebug)
		}
		return pack.Build(args[0], manifest, args[1], log)
	},
}

func init() {
	flags := packCmd.Flags()
	flags.StringVar(&packFlags.destPrefix, "dest-prefix", "/usr", "path prefix every packed file installs under")
	flags.StringArrayVar(&packFlags.deps, "dep", nil, "dependency, as name, name=version, name>=version, etc. (repeatable)")
	flags.StringArrayVar(&packFlags.provides, "provides", nil, "virtual capability this package provides (repeatable)")
	flags.StringVar(&packFlags.manFile, "man-file", "", "file whose contents become the package's man.txt")
	flags.StringVar(&packFlags.hooksDir, "hooks-dir", "", "directory of hook scripts to carry into the archive's hooks/")
	rootCmd.AddCommand(packCmd)
}

// depOps lists every operator parseDepSpecs recognizes, longest first so
// ">=" and "<=" aren't mistaken for ">"/"<"/"=".
var depOps = []version.Op{version.OpGE, version.OpLE, version.OpEQ2, version.OpNE, version.OpEQ, version.OpGT, version.OpLT}

func parseDepSpecs(specs []string) []store.Dep {
	deps := make([]store.Dep, 0, len(specs))
	for _, spec := range specs {
		deps = append(deps, parseDepSpec(spec))
	}
	return deps
}

func parseDepSpec(spec string) store.Dep {
	for _, op := range depOps {
		if idx := strings.Index(spec, string(op)); idx >= 0 {
			return store.Dep{Name: spec[:idx], Op: op, Req: spec[idx+len(op):]}
		}
	}
	return store.Dep{Name: spec}
}
