// Command lpkg is a source-language-neutral package manager for a
// Linux-from-Scratch-style root: it installs, removes, queries, and
// packs pre-built tar+zstd archives against a plain-text state database.
package main

import "github.com/lfs-tools/lpkg/internal/hooks"

func main() {
	// A re-exec'd chroot helper never reaches flag parsing or any
	// subcommand: it runs its mount/chroot sequence and exits.
	if hooks.RunHelper() {
		return
	}
	Execute()
}
