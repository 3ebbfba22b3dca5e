// Package hooks implements the hook runner (C11): postinst/prerm
// executables shipped inside a package archive, invoked directly against
// the live root or, for an arbitrary target root, inside a chroot with
// the minimal bind mounts a shell script expects to find. Grounded on
// clearlinux-mixer-tools' builder/chroots.go convention of a fixed,
// named set of hooks run under /bin/sh, and on the sandbox shape sketched
// in other_examples' bubblewrap config (bind-mount /dev, /run, mount
// proc/sysfs/devpts) — consulted for the mount set only, since no
// pack-provided library wraps Linux mount namespaces and this spec's
// literal mount/chroot steps require the raw syscalls (see DESIGN.md).
package hooks

import (
	"os"
	"os/exec"
	"path/filepath"

	"github.com/pkg/errors"

	"github.com/lfs-tools/lpkg/internal/logx"
)

// Name is a recognized hook filename, per spec.md §6.1.
type Name string

const (
	PostInstall Name = "postinst.sh"
	PreRemove   Name = "prerm.sh"
)

// Run invokes <hooksDir>/<pkg>/<hook> if present. noHooks and a
// non-"/" targetRoot select, respectively, a silent no-op and a
// chroot-isolated execution path. A non-zero hook exit is logged as a
// warning, never returned as an error — per spec.md §4.11, hook failure
// does not fail the transaction.
func Run(targetRoot, hooksDir, pkg string, hook Name, noHooks bool, log *logx.Logger) error {
	if noHooks {
		return nil
	}

	hookPath := filepath.Join(hooksDir, pkg, string(hook))
	if _, err := os.Stat(hookPath); os.IsNotExist(err) {
		return nil
	} else if err != nil {
		return errors.Wrapf(err, "statting hook %s", hookPath)
	}

	if targetRoot == "" || targetRoot == "/" {
		return runDirect(hookPath, log)
	}
	return runChrooted(targetRoot, hookPath, log)
}

func runDirect(hookPath string, log *logx.Logger) error {
	cmd := exec.Command("/bin/sh", "-c", hookPath)
	out, err := cmd.CombinedOutput()
	if err != nil {
		if log != nil {
			log.Warnf("hook %s exited non-zero: %v\n%s", hookPath, err, out)
		}
		return nil
	}
	return nil
}

func runChrooted(targetRoot, hookPath string, log *logx.Logger) error {
	shInRoot := filepath.Join(targetRoot, "bin", "sh")
	if _, err := os.Stat(shInRoot); err != nil {
		if log != nil {
			log.Warnf("no /bin/sh in target root %s, skipping hook %s", targetRoot, hookPath)
		}
		return nil
	}

	// hookPath is already an absolute path under targetRoot; the shell
	// invoked inside the chroot needs it relative to the new root.
	rel, err := filepath.Rel(targetRoot, hookPath)
	if err != nil {
		return errors.Wrapf(err, "relativizing hook path %s under %s", hookPath, targetRoot)
	}
	inChrootPath := "/" + filepath.ToSlash(rel)

	if err := runInChroot(targetRoot, inChrootPath, log); err != nil {
		if log != nil {
			log.Warnf("hook %s exited non-zero inside chroot: %v", hookPath, err)
		}
	}
	return nil
}
