package main

import (
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/lfs-tools/lpkg/internal/resolver"
	"github.com/lfs-tools/lpkg/internal/txn"
)

var installHashFile string

var installCmd = &cobra.Command{
	Use:   "install <name[=version]|archive> ...",
	Short: "Install one or more packages",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		targets, localArchives, err := parseInstallArgs(args)
		if err != nil {
			return err
		}
		expectedHashes, err := expectedHashesFromFlag(installHashFile, localArchives)
		if err != nil {
			return err
		}
		return withTransaction(func(tx *txn.Transaction) error {
			err := tx.Install(targets, localArchives, expectedHashes, false, rootFlags.noDeps)
			if err == txn.ErrAlreadyInstalled {
				printf("nothing to do: already up to date\n")
				return nil
			}
			return err
		})
	},
}

func init() {
	installCmd.Flags().StringVar(&installHashFile, "hash", "", "file containing the expected SHA-256 of a local archive")
	rootCmd.AddCommand(installCmd)
}

// expectedHashesFromFlag reads --hash's file and applies it to every
// local archive target, per spec.md §6.4's "--hash <file> (local
// archives only)".
func expectedHashesFromFlag(hashFile string, localArchives map[string]string) (map[string]string, error) {
	if hashFile == "" {
		return nil, nil
	}
	data, err := os.ReadFile(hashFile)
	if err != nil {
		return nil, err
	}
	sum := strings.TrimSpace(string(data))
	out := make(map[string]string, len(localArchives))
	for name := range localArchives {
		out[name] = sum
	}
	return out, nil
}

// parseInstallArgs splits args into repository targets (name or
// name=version) and on-disk archive paths, per spec.md §6.2/§6.4: an
// argument that names an existing file on disk is installed from that
// local archive and is
// keyed into the resolver by the name/version its filename encodes;
// everything else is a repository lookup.
func parseInstallArgs(args []string) ([]resolver.Target, map[string]string, error) {
	var targets []resolver.Target
	localArchives := make(map[string]string)

	for _, arg := range args {
		if fi, err := os.Stat(arg); err == nil && !fi.IsDir() {
			name, ver, err := resolver.ParseArchiveFilename(arg)
			if err != nil {
				return nil, nil, err
			}
			localArchives[name] = arg
			targets = append(targets, resolver.Target{Name: name, VersionSpec: ver})
			continue
		}

		name, ver := arg, "latest"
		if idx := strings.IndexByte(arg, '='); idx >= 0 {
			name, ver = arg[:idx], arg[idx+1:]
		}
		targets = append(targets, resolver.Target{Name: name, VersionSpec: ver})
	}

	return targets, localArchives, nil
}
