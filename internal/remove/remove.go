// Package remove implements the removal engine (C10): essential/reverse-
// dependency/capability checks, the prerm hook, shared-file-aware deletion,
// and manifest cleanup for one installed package. Grounded on golang-dep's
// reverse-dependency bookkeeping (used there to guard pruning a still-
// imported project) adapted to spec.md §4.10's essential-set and
// capability-reverse-dep checks.
package remove

import (
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/pkg/errors"

	"github.com/lfs-tools/lpkg/internal/engine"
	"github.com/lfs-tools/lpkg/internal/hooks"
	"github.com/lfs-tools/lpkg/internal/pathsafe"
)

// ErrEssential is raised when removing name is refused because it is in
// the essentials set and force was not given.
type ErrEssential struct{ Package string }

func (e *ErrEssential) Error() string { return "EssentialPackage: " + e.Package }

// ErrReverseDependency is raised when other installed packages still
// depend on name (directly, or via a capability name provides).
type ErrReverseDependency struct {
	Package   string
	Dependent []string
}

func (e *ErrReverseDependency) Error() string {
	return "ReverseDependency: " + e.Package + " is required by " + strings.Join(e.Dependent, ", ")
}

// SharedFileConflict names one manifest path this package owns that is
// also owned by at least one other installed package.
type SharedFileConflict struct {
	Path   string
	Owners []string // other owners, excluding this package
}

// ErrSharedFile is raised when force is not set and removing pkg would
// touch a path also owned by another package. Raising it aborts the
// whole removal before anything is mutated: no file is deleted, no
// owner record, dep file, man page, hooks dir, or package record is
// touched.
type ErrSharedFile struct {
	Package   string
	Conflicts []SharedFileConflict
}

func (e *ErrSharedFile) Error() string {
	var b strings.Builder
	b.WriteString("SharedFile: removal of " + e.Package + " aborted, shared by other packages:")
	for _, c := range e.Conflicts {
		b.WriteString("\n  " + c.Path + " (also owned by " + strings.Join(c.Owners, ", ") + ")")
	}
	return b.String()
}

// Remove deletes pkg per spec.md §4.10. force bypasses the essential,
// reverse-dependency, and shared-file checks; without force, any one of
// them aborts the removal before anything on disk or in the store is
// mutated.
func Remove(ctx *engine.Ctx, pkg string, force bool) error {
	if !ctx.Store.IsInstalled(pkg) {
		return nil
	}

	if !force {
		essentials, err := ctx.Store.Essentials(ctx.EtcDir)
		if err != nil {
			return err
		}
		if _, ok := essentials[pkg]; ok {
			return &ErrEssential{Package: pkg}
		}

		revDeps, err := ctx.Store.ReverseDeps(pkg)
		if err != nil {
			return err
		}
		if len(revDeps) > 0 {
			return &ErrReverseDependency{Package: pkg, Dependent: revDeps}
		}

		if provides, rerr := readLinesIfExists(filepath.Join(ctx.FilesDir, pkg+".provides")); rerr == nil {
			for _, capability := range provides {
				capRevDeps, err := ctx.Store.ReverseDeps(capability)
				if err != nil {
					return err
				}
				if len(capRevDeps) > 0 {
					return &ErrReverseDependency{Package: pkg, Dependent: capRevDeps}
				}
			}
		}
	}

	hooks.Run(ctx.TargetRoot, ctx.HooksDir, pkg, hooks.PreRemove, ctx.NoHooks, ctx.Log)

	manifest, err := readLinesIfExists(filepath.Join(ctx.FilesDir, pkg+".txt"))
	if err != nil {
		return errors.Wrapf(err, "reading manifest for %s", pkg)
	}

	sorted := append([]string(nil), manifest...)
	sort.Sort(sort.Reverse(sort.StringSlice(sorted)))

	if !force {
		var conflicts []SharedFileConflict
		for _, logical := range sorted {
			owners := ctx.Store.FileOwners(logical)
			var others []string
			isOwner := false
			for _, o := range owners {
				if o == pkg {
					isOwner = true
					continue
				}
				others = append(others, o)
			}
			if isOwner && len(others) > 0 {
				conflicts = append(conflicts, SharedFileConflict{Path: logical, Owners: others})
			}
		}
		if len(conflicts) > 0 {
			return &ErrSharedFile{Package: pkg, Conflicts: conflicts}
		}
	}

	for _, logical := range sorted {
		owners := ctx.Store.FileOwners(logical)
		isOwner := false
		for _, o := range owners {
			if o == pkg {
				isOwner = true
			}
		}
		if !isOwner {
			continue
		}
		if len(owners) > 1 {
			if ctx.Log != nil {
				ctx.Log.Warnf("skipping shared file %s (also owned by %s)", logical, strings.Join(owners, ","))
			}
			ctx.Store.RemoveFileOwner(logical, pkg)
			continue
		}

		remaining := ctx.Store.RemoveFileOwner(logical, pkg)
		if remaining == 0 {
			if physical, rerr := pathsafe.Reroot(logical, ctx.TargetRoot); rerr == nil {
				os.Remove(physical)
			}
		}
	}

	dirs, err := readLinesIfExists(filepath.Join(ctx.FilesDir, pkg+".dirs"))
	if err == nil {
		sort.Sort(sort.Reverse(sort.StringSlice(dirs)))
		for _, logical := range dirs {
			if physical, rerr := pathsafe.Reroot(logical, ctx.TargetRoot); rerr == nil {
				os.Remove(physical) // no-op unless empty
			}
		}
	}

	if provides, rerr := readLinesIfExists(filepath.Join(ctx.FilesDir, pkg+".provides")); rerr == nil {
		for _, capability := range provides {
			ctx.Store.RemoveProvider(capability, pkg)
		}
	}

	ctx.Store.RemoveDeps(pkg)
	ctx.Store.RemovePackage(pkg)

	os.Remove(filepath.Join(ctx.FilesDir, pkg+".txt"))
	os.Remove(filepath.Join(ctx.FilesDir, pkg+".dirs"))
	os.Remove(filepath.Join(ctx.FilesDir, pkg+".provides"))
	os.Remove(filepath.Join(ctx.DocsDir, pkg+".man"))
	os.RemoveAll(filepath.Join(ctx.HooksDir, pkg))

	return nil
}

func readLinesIfExists(path string) ([]string, error) {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var out []string
	for _, l := range strings.Split(string(data), "\n") {
		l = strings.TrimSpace(l)
		if l != "" {
			out = append(out, l)
		}
	}
	return out, nil
}
