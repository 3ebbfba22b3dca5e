// Package resolver implements the dependency/constraint resolver and
// planner (C7): a recursive walk over a heterogeneous mix of local
// archive files, remote repository entries, and virtual-capability
// providers that produces an ordered install plan.
//
// Grounded on golang-dep's ensure.go/solver.go visit-stack-and-plan-map
// shape (push a name while visiting, warn on cycles, accumulate a plan
// keyed by name) but deliberately NOT on gps's full backtracking SAT
// solver: spec.md §4.7's algorithm is a deterministic recursive walk, and
// solving arbitrary version-constraint SAT is an explicit spec Non-goal.
package resolver

import (
	"path/filepath"
	"regexp"
	"strings"

	"github.com/pkg/errors"

	"github.com/lfs-tools/lpkg/internal/archext"
	"github.com/lfs-tools/lpkg/internal/logx"
	"github.com/lfs-tools/lpkg/internal/repoindex"
	"github.com/lfs-tools/lpkg/internal/store"
	"github.com/lfs-tools/lpkg/internal/version"
)

// Source identifies where a planned package's bytes come from.
type Source int

const (
	SourceLocalArchive Source = iota
	SourceRemote
)

// PlanItem is one entry of the ordered install plan.
type PlanItem struct {
	Name            string
	DesiredVersion  string
	IsExplicit      bool
	Source          Source
	LocalArchive    string // set when Source == SourceLocalArchive
	ExpectedSHA256  string // optional, applies to either source
	Deps            []store.Dep
	ForceReinstall  bool
}

// Plan is the ordered result of resolution: Order lists names in an order
// such that every item's unsatisfied deps appear earlier.
type Plan struct {
	Order []string
	Items map[string]*PlanItem
}

// ErrUnresolvableDependency is raised when a planned or installed
// dependency's candidate version fails its constraint.
type ErrUnresolvableDependency struct {
	Package string
	Dep     string
	Op      version.Op
	Req     string
	Got     string
}

func (e *ErrUnresolvableDependency) Error() string {
	return "UnresolvableDependency: " + e.Package + " needs " + e.Dep + " " + string(e.Op) + " " + e.Req + " but candidate is " + e.Got
}

// Resolver walks the dependency graph and builds a Plan.
type Resolver struct {
	Index          *repoindex.Index
	Store          *store.Store
	LocalArchives  map[string]string // package name -> archive path
	NoDeps         bool
	ForceReinstall bool
	Log            *logx.Logger

	plan        map[string]*PlanItem
	order       []string
	visiting    map[string]bool
	archiveDeps map[string][]store.Dep // cache by archive path
}

// New constructs a Resolver. localArchives maps a package name (parsed
// from its archive filename) to the archive path.
func New(idx *repoindex.Index, st *store.Store, localArchives map[string]string, log *logx.Logger) *Resolver {
	return &Resolver{
		Index:         idx,
		Store:         st,
		LocalArchives: localArchives,
		Log:           log,
		plan:          make(map[string]*PlanItem),
		visiting:      make(map[string]bool),
		archiveDeps:   make(map[string][]store.Dep),
	}
}

// Resolve runs resolve for each (name, versionSpec) target and returns
// the accumulated Plan.
func (r *Resolver) Resolve(targets []Target) (*Plan, error) {
	for _, t := range targets {
		if err := r.resolve(t.Name, t.VersionSpec, true); err != nil {
			return nil, err
		}
	}
	return &Plan{Order: r.order, Items: r.plan}, nil
}

// Target is one user-supplied install argument.
type Target struct {
	Name        string
	VersionSpec string // "latest" or an exact version
}

var archiveNameRe = regexp.MustCompile(`^(.+)-(\d+(?:\.\d+)*(?:-[0-9A-Za-z.\-]+)?(?:\+[0-9A-Za-z.\-]+)?)$`)

// ParseArchiveFilename parses "<NAME>-<VERSION>.lpkg" (or .tar.zst),
// greedily taking NAME up to the last version-shaped tail, per
// spec.md §6.2.
func ParseArchiveFilename(path string) (name, ver string, err error) {
	base := filepath.Base(path)
	base = strings.TrimSuffix(base, ".tar.zst")
	base = strings.TrimSuffix(base, ".lpkg")

	m := archiveNameRe.FindStringSubmatch(base)
	if m == nil {
		return "", "", errors.Errorf("cannot parse name/version from archive filename %q", base)
	}
	return m[1], m[2], nil
}

type candidate struct {
	version  string
	hash     string
	deps     []store.Dep
	fromArch string // local archive path, empty if remote
}

func (r *Resolver) findCandidate(name, versionSpec string) (candidate, bool, error) {
	if archivePath, ok := r.LocalArchives[name]; ok {
		deps, err := r.archiveDepsFor(archivePath)
		if err != nil {
			return candidate{}, false, err
		}
		_, ver, err := ParseArchiveFilename(archivePath)
		if err != nil {
			return candidate{}, false, err
		}
		return candidate{version: ver, deps: deps, fromArch: archivePath}, true, nil
	}

	if r.Index == nil {
		return candidate{}, false, nil
	}

	var rec repoindex.Record
	var ok bool
	if versionSpec == "" || versionSpec == "latest" {
		rec, ok = r.Index.Find(name)
	} else {
		rec, ok = r.Index.FindVersion(name, versionSpec)
	}
	if !ok {
		return candidate{}, false, nil
	}
	return candidate{version: rec.Version, hash: rec.Hash, deps: toStoreDeps(rec.Deps)}, true, nil
}

func toStoreDeps(deps []repoindex.Dep) []store.Dep {
	out := make([]store.Dep, len(deps))
	for i, d := range deps {
		out[i] = store.Dep{Name: d.Name, Op: d.Op, Req: d.Req}
	}
	return out
}

func (r *Resolver) archiveDepsFor(archivePath string) ([]store.Dep, error) {
	if deps, ok := r.archiveDeps[archivePath]; ok {
		return deps, nil
	}
	raw, err := archext.ExtractSingle(archivePath, "deps.txt")
	if err != nil {
		return nil, errors.Wrapf(err, "reading deps.txt from %s", archivePath)
	}
	deps := parseDepsText(string(raw))
	r.archiveDeps[archivePath] = deps
	return deps, nil
}

func parseDepsText(s string) []store.Dep {
	var deps []store.Dep
	for _, line := range strings.Split(s, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		fields := strings.Fields(line)
		d := store.Dep{Name: fields[0]}
		if len(fields) >= 3 {
			d.Op = version.Op(fields[1])
			d.Req = fields[2]
		}
		deps = append(deps, d)
	}
	return deps
}

// resolve implements spec.md §4.7's algorithm.
func (r *Resolver) resolve(name, versionSpec string, isExplicit bool) error {
	// 1. circular dependency: already on the visit stack.
	if r.visiting[name] {
		if r.Log != nil {
			r.Log.Warnf("circular dependency detected at %s, leaving it to the package already scheduled", name)
		}
		return nil
	}

	// 2. already planned.
	if item, ok := r.plan[name]; ok {
		if isExplicit {
			item.IsExplicit = true
		}
		return nil
	}

	// 3. candidate source lookup.
	cand, found, err := r.findCandidate(name, versionSpec)
	if err != nil {
		return err
	}
	if !found {
		if provider, ok := r.findProvider(name); ok {
			return r.resolve(provider, "latest", isExplicit)
		}
		if r.Store.IsInstalled(name) {
			return nil
		}
		if r.Log != nil {
			r.Log.Warnf("no candidate found for %s, skipping", name)
		}
		return nil
	}

	installed := r.Store.GetInstalledVersion(name)
	latest := cand.version

	// 5. skip unless work is needed.
	if !isExplicit {
		if installed != "" && !olderThan(installed, latest) {
			return nil
		}
	} else {
		if installed == latest && !r.ForceReinstall {
			return nil
		}
	}

	// 6. push, build plan item, recurse on deps.
	r.visiting[name] = true
	defer delete(r.visiting, name)

	item := &PlanItem{
		Name:           name,
		DesiredVersion: latest,
		IsExplicit:     isExplicit,
		ForceReinstall: r.ForceReinstall,
		ExpectedSHA256: cand.hash,
		Deps:           cand.deps,
	}
	if cand.fromArch != "" {
		item.Source = SourceLocalArchive
		item.LocalArchive = cand.fromArch
	} else {
		item.Source = SourceRemote
	}

	if !r.NoDeps {
		for _, d := range item.Deps {
			idv := r.Store.GetInstalledVersion(d.Name)
			needsResolution := idv == ""
			if !needsResolution && d.Op != "" && idv != version.Virtual {
				ok, err := version.Satisfies(idv, d.Op, d.Req)
				if err != nil {
					return err
				}
				needsResolution = !ok
			}

			if needsResolution {
				depSpec := "latest"
				if d.Op != "" && r.Index != nil {
					if rec, ok := r.Index.FindBest(d.Name, d.Op, d.Req); ok {
						depSpec = rec.Version
					}
				}
				if err := r.resolve(d.Name, depSpec, false); err != nil {
					return err
				}
			}

			candVer := idv
			if planned, ok := r.plan[d.Name]; ok {
				candVer = planned.DesiredVersion
			}
			if candVer != "" && candVer != version.Virtual && d.Op != "" {
				ok, err := version.Satisfies(candVer, d.Op, d.Req)
				if err != nil {
					return err
				}
				if !ok {
					return &ErrUnresolvableDependency{Package: name, Dep: d.Name, Op: d.Op, Req: d.Req, Got: candVer}
				}
			}
		}
	}

	// 7. insert into plan.
	r.plan[name] = item
	r.order = append(r.order, name)
	return nil
}

func olderThan(installed, latest string) bool {
	iv, err1 := version.Validate(installed)
	lv, err2 := version.Validate(latest)
	if err1 != nil || err2 != nil {
		return installed != latest
	}
	return version.Compare(iv, lv) < 0
}

// findProvider tolerates a nil index (no repository available).
func (r *Resolver) findProvider(name string) (string, bool) {
	if r.Index == nil {
		return "", false
	}
	return r.Index.FindProvider(name)
}
