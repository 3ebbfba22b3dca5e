// Package orphan implements the orphan scanner and autoremove sweep
// (C18): a reachability-from-the-hold-set walk over the forward
// dependency graph, used to find installed packages nothing explicit (or
// essential) still needs.
//
// Grounded on golang-dep's reverse-dependency bookkeeping (the same
// depended/dependent edges C10 uses to block a removal) read in the
// opposite direction: instead of asking "who needs this package", this
// package marks everything a held package's dependency chain reaches and
// reports what was never marked.
package orphan

import (
	"sort"

	"github.com/pkg/errors"

	"github.com/lfs-tools/lpkg/internal/engine"
	"github.com/lfs-tools/lpkg/internal/remove"
)

// Find returns the names of installed packages that are not reachable
// from the hold set: not themselves held or essential, and not a
// (possibly transitive) dependency — by name or by provided capability —
// of anything that is. Result is sorted for deterministic output.
func Find(ctx *engine.Ctx) ([]string, error) {
	pkgs := ctx.Store.InstalledPackages()

	essentials, err := ctx.Store.Essentials(ctx.EtcDir)
	if err != nil {
		return nil, errors.Wrap(err, "loading essentials set")
	}

	reachable := make(map[string]bool, len(pkgs))
	var walk func(name string) error
	walk = func(name string) error {
		if reachable[name] {
			return nil
		}
		reachable[name] = true

		deps, err := ctx.Store.Deps(name)
		if err != nil {
			return errors.Wrapf(err, "reading deps for %s", name)
		}
		for _, d := range deps {
			target := d.Name
			if !ctx.Store.IsInstalled(target) {
				owner, ok := ctx.Store.FindProvider(target)
				if !ok {
					continue // dangling dep: nothing installed claims it
				}
				target = owner
			}
			if err := walk(target); err != nil {
				return err
			}
		}
		return nil
	}

	for _, p := range pkgs {
		if p.Explicit {
			if err := walk(p.Name); err != nil {
				return nil, err
			}
		}
	}
	for name := range essentials {
		if err := walk(name); err != nil {
			return nil, err
		}
	}

	var orphans []string
	for _, p := range pkgs {
		if !reachable[p.Name] {
			orphans = append(orphans, p.Name)
		}
	}
	sort.Strings(orphans)
	return orphans, nil
}

// Autoremove force-removes every orphan, recomputing Find after each
// removal rather than working off one snapshot: per spec's autoremove
// scenario, removing orphan A can make B an orphan in turn (only A
// depended on B), but a removal can never make an already-reachable package
// unreachable, so recomputing is always safe and never loops forever.
func Autoremove(ctx *engine.Ctx) ([]string, error) {
	var removed []string
	for {
		orphans, err := Find(ctx)
		if err != nil {
			return removed, err
		}
		if len(orphans) == 0 {
			break
		}

		name := orphans[0]
		if err := remove.Remove(ctx, name, true); err != nil {
			return removed, errors.Wrapf(err, "autoremoving %s", name)
		}
		removed = append(removed, name)
	}

	if len(removed) > 0 {
		if err := ctx.Store.Write(); err != nil {
			return removed, errors.Wrap(err, "flushing state store")
		}
	}
	return removed, nil
}
