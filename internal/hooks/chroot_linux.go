//go:build linux

package hooks

import (
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"syscall"

	"github.com/pkg/errors"

	"github.com/lfs-tools/lpkg/internal/logx"
)

type mountPoint struct {
	target string
	source string
	fstype string
	flags  uintptr
}

// Environment variables used to hand the chroot helper its arguments
// across the re-exec in runInChroot/RunHelper.
const (
	helperEnvFlag = "LPKG_CHROOT_HELPER"
	helperEnvRoot = "LPKG_CHROOT_ROOT"
	helperEnvPath = "LPKG_CHROOT_SCRIPT"
)

// runInChroot re-execs the running binary as a chroot helper with
// CLONE_NEWNS set on its SysProcAttr, so the helper process is born
// inside its own mount namespace, a copy of the caller's mounts, rather
// than sharing the caller's live one. Doing the mounts here, in the calling process,
// would land them in the real system's namespace — CLONE_NEWNS only
// takes effect for the child the flag is attached to, and that child is
// the helper, not the eventual /bin/sh. The helper (see RunHelper) marks
// "/" private-recursive, performs the bind mounts, chroots into root,
// and runs /bin/sh -c inChrootPath itself; every mount it made vanishes
// with its mount namespace the moment the process exits, crash or not,
// so nothing leaks onto the live system the way direct syscall.Mount
// calls in the long-lived calling process would.
func runInChroot(root, inChrootPath string, log *logx.Logger) error {
	self, err := os.Executable()
	if err != nil {
		return errors.Wrap(err, "resolving lpkg executable path")
	}

	cmd := exec.Command(self)
	cmd.Env = append(os.Environ(),
		helperEnvFlag+"=1",
		helperEnvRoot+"="+root,
		helperEnvPath+"="+inChrootPath,
	)
	cmd.SysProcAttr = &syscall.SysProcAttr{Cloneflags: syscall.CLONE_NEWNS}

	out, err := cmd.CombinedOutput()
	if err != nil {
		return errors.Wrapf(err, "hook exited non-zero: %s", out)
	}
	return nil
}

// RunHelper is the chroot-helper entry point. cmd/lpkg's main calls it
// before touching flags or subcommands: when the process was re-exec'd
// by runInChroot it performs the mount/chroot/run/unmount sequence and
// exits, so a helper invocation never falls through to the ordinary CLI.
// It reports whether this process was the helper.
func RunHelper() bool {
	if os.Getenv(helperEnvFlag) != "1" {
		return false
	}
	os.Exit(runHelper(os.Getenv(helperEnvRoot), os.Getenv(helperEnvPath)))
	return true
}

// runHelper assumes it is running inside the fresh mount namespace
// CLONE_NEWNS gave this process at birth (see runInChroot). It marks
// "/" private-recursive per spec.md §4.11, binds the handful of
// filesystems a postinst/prerm script typically expects (device nodes,
// runtime state, DNS config, proc, sysfs, devpts), chroots into root,
// and runs /bin/sh -c inChrootPath, unmounting in reverse order on exit
// regardless of the script's exit status.
func runHelper(root, inChrootPath string) int {
	if err := syscall.Mount("none", "/", "", syscall.MS_PRIVATE|syscall.MS_REC, ""); err != nil {
		fmt.Fprintf(os.Stderr, "marking / private-recursive: %v\n", err)
		return 1
	}

	mounts := []mountPoint{
		{target: filepath.Join(root, "dev"), source: "/dev", flags: syscall.MS_BIND | syscall.MS_REC},
		{target: filepath.Join(root, "run"), source: "/run", flags: syscall.MS_BIND | syscall.MS_REC},
		{target: filepath.Join(root, "proc"), source: "proc", fstype: "proc"},
		{target: filepath.Join(root, "sys"), source: "sysfs", fstype: "sysfs"},
		{target: filepath.Join(root, "dev", "pts"), source: "devpts", fstype: "devpts"},
	}

	resolvSrc := "/etc/resolv.conf"
	resolvDst := filepath.Join(root, "etc", "resolv.conf")
	if _, err := os.Stat(resolvSrc); err == nil {
		if err := ensureRegularFile(resolvDst); err == nil {
			mounts = append(mounts, mountPoint{target: resolvDst, source: resolvSrc, flags: syscall.MS_BIND})
		}
	}

	var mounted []string
	for _, m := range mounts {
		if err := os.MkdirAll(m.target, 0755); err != nil {
			unmountAll(mounted)
			fmt.Fprintf(os.Stderr, "creating mount point %s: %v\n", m.target, err)
			return 1
		}
		if err := syscall.Mount(m.source, m.target, m.fstype, m.flags, ""); err != nil {
			fmt.Fprintf(os.Stderr, "mounting %s on %s: %v\n", m.source, m.target, err)
			continue
		}
		mounted = append(mounted, m.target)
	}
	defer unmountAll(mounted)

	if err := syscall.Chroot(root); err != nil {
		fmt.Fprintf(os.Stderr, "chroot %s: %v\n", root, err)
		return 1
	}
	if err := os.Chdir("/"); err != nil {
		fmt.Fprintf(os.Stderr, "chdir /: %v\n", err)
		return 1
	}

	cmd := exec.Command("/bin/sh", "-c", inChrootPath)
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	cmd.Stdin = os.Stdin
	if err := cmd.Run(); err != nil {
		fmt.Fprintf(os.Stderr, "hook exited non-zero: %v\n", err)
		return 1
	}
	return 0
}

func ensureRegularFile(path string) error {
	if _, err := os.Stat(path); err == nil {
		return nil
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return err
	}
	return f.Close()
}

// unmountAll unmounts every path in mounted in reverse order, per
// spec.md §4.11 ("unmount in reverse order on exit"). Failures are
// logged to stderr, not returned — an unmount failure must not mask the
// hook's own exit status, and by the time this runs the helper's own
// mount namespace is already being torn down with it regardless.
func unmountAll(mounted []string) {
	for i := len(mounted) - 1; i >= 0; i-- {
		if err := syscall.Unmount(mounted[i], syscall.MNT_DETACH); err != nil {
			fmt.Fprintf(os.Stderr, "unmounting %s: %v\n", mounted[i], err)
		}
	}
}
