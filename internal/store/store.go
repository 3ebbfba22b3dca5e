// Package store implements the on-disk package database (C4): a
// thread-safe, write-through cache over five persisted tables, written
// atomically via temp-file-then-rename. Grounded on golang-dep/lock.go's
// single-table read/marshal pattern, generalized to spec.md §4.4's five
// tables, and golang-dep/fs.go's renameWithFallback for the atomic write.
package store

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/pkg/errors"

	"github.com/lfs-tools/lpkg/internal/version"
)

const (
	pkgsFile     = "pkgs"
	holdFile     = "holdpkgs"
	filesDBFile  = "files.db"
	providesFile = "provides.db"
	depsDir      = "deps"
)

// Package is an installed-package record.
type Package struct {
	Name     string
	Version  string
	Explicit bool
}

// Dep is one parsed dependency tuple.
type Dep struct {
	Name string
	Op   version.Op
	Req  string
}

// Store is the mutex-guarded in-memory cache over the five on-disk
// tables, plus the lazily loaded reverse-dependency and essentials
// tables. All mutating methods mark the store dirty; Write() is a no-op
// unless dirty.
type Store struct {
	mu sync.Mutex

	dir string

	pkgs  map[string]*Package   // name -> record
	hold  map[string]struct{}   // name -> explicit
	files map[string]map[string]struct{} // logical path -> set<pkg>
	provs map[string]map[string]struct{} // capability -> set<pkg>

	revDeps     map[string]map[string]struct{} // depended name -> set<dependent>
	revDepsInit bool

	essentials     map[string]struct{}
	essentialsInit bool

	dirty bool
}

// Open loads (or lazily creates) the state store rooted at dir
// (conventionally <target-root>/var/lib/lpkg).
func Open(dir string) (*Store, error) {
	s := &Store{
		dir:   dir,
		pkgs:  make(map[string]*Package),
		hold:  make(map[string]struct{}),
		files: make(map[string]map[string]struct{}),
		provs: make(map[string]map[string]struct{}),
	}

	if err := os.MkdirAll(filepath.Join(dir, depsDir), 0755); err != nil {
		return nil, errors.Wrap(err, "creating state directory")
	}

	if err := s.loadPkgs(); err != nil {
		return nil, err
	}
	if err := s.loadHold(); err != nil {
		return nil, err
	}
	if err := s.loadFilesDB(); err != nil {
		return nil, err
	}
	if err := s.loadProvidesDB(); err != nil {
		return nil, err
	}

	return s, nil
}

func (s *Store) loadPkgs() error {
	lines, err := readLines(filepath.Join(s.dir, pkgsFile))
	if err != nil {
		return err
	}
	for _, line := range lines {
		if line == "" {
			continue
		}
		parts := strings.SplitN(line, ":", 2)
		if len(parts) != 2 {
			continue
		}
		s.pkgs[parts[0]] = &Package{Name: parts[0], Version: parts[1]}
	}
	return nil
}

func (s *Store) loadHold() error {
	lines, err := readLines(filepath.Join(s.dir, holdFile))
	if err != nil {
		return err
	}
	for _, line := range lines {
		if line == "" {
			continue
		}
		s.hold[line] = struct{}{}
		if p, ok := s.pkgs[line]; ok {
			p.Explicit = true
		}
	}
	return nil
}

func (s *Store) loadFilesDB() error {
	lines, err := readLines(filepath.Join(s.dir, filesDBFile))
	if err != nil {
		return err
	}
	for _, line := range lines {
		fields := strings.Fields(line)
		if len(fields) != 2 {
			continue
		}
		s.addFileOwnerLocked(fields[0], fields[1])
	}
	return nil
}

func (s *Store) loadProvidesDB() error {
	lines, err := readLines(filepath.Join(s.dir, providesFile))
	if err != nil {
		return err
	}
	for _, line := range lines {
		fields := strings.Fields(line)
		if len(fields) != 2 {
			continue
		}
		s.addProviderLocked(fields[0], fields[1])
	}
	return nil
}

func readLines(path string) ([]string, error) {
	f, err := os.Open(path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrapf(err, "reading %s", path)
	}
	defer f.Close()

	var lines []string
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		lines = append(lines, sc.Text())
	}
	return lines, errors.Wrapf(sc.Err(), "scanning %s", path)
}

// ---- reads ----

// GetInstalledVersion returns the installed version string, the sentinel
// "virtual" if name is absent from the package table but present as a
// capability, or "" if name is not known at all.
func (s *Store) GetInstalledVersion(name string) string {
	s.mu.Lock()
	defer s.mu.Unlock()

	if p, ok := s.pkgs[name]; ok {
		return p.Version
	}
	if owners, ok := s.provs[name]; ok && len(owners) > 0 {
		return version.Virtual
	}
	return ""
}

// IsInstalled reports whether name has a package record (not counting
// virtual providers).
func (s *Store) IsInstalled(name string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.pkgs[name]
	return ok
}

// Package returns a copy of the installed record for name, or nil.
func (s *Store) Package(name string) *Package {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.pkgs[name]
	if !ok {
		return nil
	}
	cp := *p
	return &cp
}

// InstalledPackages returns copies of all installed package records.
func (s *Store) InstalledPackages() []Package {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Package, 0, len(s.pkgs))
	for _, p := range s.pkgs {
		out = append(out, *p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// FileOwners returns the set of package names owning logicalPath.
func (s *Store) FileOwners(logicalPath string) []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return setToSortedSlice(s.files[logicalPath])
}

// ProviderOwners returns the set of package names providing capability.
func (s *Store) ProviderOwners(capability string) []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return setToSortedSlice(s.provs[capability])
}

// FindProvider returns the first provider of capability in deterministic
// (sorted) order, mirroring the determinism the index's find_provider
// also guarantees.
func (s *Store) FindProvider(capability string) (string, bool) {
	owners := s.ProviderOwners(capability)
	if len(owners) == 0 {
		return "", false
	}
	return owners[0], true
}

func setToSortedSlice(m map[string]struct{}) []string {
	if len(m) == 0 {
		return nil
	}
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// ReverseDeps returns the set of packages that depend on name, loading
// the lazily-built reverse-dependency table on first use.
func (s *Store) ReverseDeps(name string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.ensureRevDepsLocked(); err != nil {
		return nil, err
	}
	return setToSortedSlice(s.revDeps[name]), nil
}

func (s *Store) ensureRevDepsLocked() error {
	if s.revDepsInit {
		return nil
	}
	s.revDeps = make(map[string]map[string]struct{})
	for name := range s.pkgs {
		deps, err := s.readDepsFileLocked(name)
		if err != nil {
			return err
		}
		for _, d := range deps {
			s.addRevDepLocked(d.Name, name)
		}
	}
	s.revDepsInit = true
	return nil
}

func (s *Store) addRevDepLocked(depended, dependent string) {
	if s.revDeps[depended] == nil {
		s.revDeps[depended] = make(map[string]struct{})
	}
	s.revDeps[depended][dependent] = struct{}{}
}

// Deps returns the parsed dependency list for an installed package.
func (s *Store) Deps(name string) ([]Dep, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.readDepsFileLocked(name)
}

func (s *Store) readDepsFileLocked(name string) ([]Dep, error) {
	lines, err := readLines(filepath.Join(s.dir, depsDir, name))
	if err != nil {
		return nil, err
	}
	var deps []Dep
	for _, line := range lines {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		fields := strings.Fields(line)
		d := Dep{Name: fields[0]}
		if len(fields) >= 3 {
			d.Op = version.Op(fields[1])
			d.Req = fields[2]
		}
		deps = append(deps, d)
	}
	return deps, nil
}

// Essentials returns the essentials set, loading it lazily from
// <etcLpkgDir>/essential (spec.md §6.1: /etc/lpkg/essential under the
// target root).
func (s *Store) Essentials(etcLpkgDir string) (map[string]struct{}, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.essentialsInit {
		return s.essentials, nil
	}
	lines, err := readLines(filepath.Join(etcLpkgDir, "essential"))
	if err != nil {
		return nil, err
	}
	s.essentials = make(map[string]struct{}, len(lines))
	for _, l := range lines {
		l = strings.TrimSpace(l)
		if l != "" {
			s.essentials[l] = struct{}{}
		}
	}
	s.essentialsInit = true
	return s.essentials, nil
}

// ---- writes ----

func (s *Store) addFileOwnerLocked(path, pkg string) {
	if s.files[path] == nil {
		s.files[path] = make(map[string]struct{})
	}
	s.files[path][pkg] = struct{}{}
}

func (s *Store) addProviderLocked(cap, pkg string) {
	if s.provs[cap] == nil {
		s.provs[cap] = make(map[string]struct{})
	}
	s.provs[cap][pkg] = struct{}{}
}

// AddFileOwner records pkg as an owner of logicalPath.
func (s *Store) AddFileOwner(logicalPath, pkg string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.addFileOwnerLocked(logicalPath, pkg)
	s.dirty = true
}

// RemoveFileOwner drops pkg as an owner of logicalPath, deleting the entry
// entirely once no owners remain. Returns the remaining owner count.
func (s *Store) RemoveFileOwner(logicalPath, pkg string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	owners := s.files[logicalPath]
	if owners == nil {
		return 0
	}
	delete(owners, pkg)
	n := len(owners)
	if n == 0 {
		delete(s.files, logicalPath)
	}
	s.dirty = true
	return n
}

// AddProvider records pkg as a provider of capability.
func (s *Store) AddProvider(capability, pkg string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.addProviderLocked(capability, pkg)
	s.dirty = true
}

// RemoveProvider drops pkg as a provider of capability.
func (s *Store) RemoveProvider(capability, pkg string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	owners := s.provs[capability]
	if owners == nil {
		return
	}
	delete(owners, pkg)
	if len(owners) == 0 {
		delete(s.provs, capability)
	}
	s.dirty = true
}

// PutPackage inserts or updates the installed-package record. Version may
// only move forward in the sense the caller (the installation task)
// controls; the store itself does not compare versions, it simply
// records what it is told — it is the resolver's job not to downgrade.
// Explicit is promoted (false -> true) but never demoted within a single
// call, matching spec.md §3's package-record lifecycle.
func (s *Store) PutPackage(name, ver string, explicit bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.pkgs[name]
	if !ok {
		p = &Package{Name: name}
		s.pkgs[name] = p
	}
	p.Version = ver
	if explicit {
		p.Explicit = true
		s.hold[name] = struct{}{}
	} else if !ok {
		p.Explicit = false
	}
	s.dirty = true
	s.revDepsInit = false // deps may have changed; rebuild lazily
}

// RemovePackage deletes the installed-package record and its hold entry.
func (s *Store) RemovePackage(name string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.pkgs, name)
	delete(s.hold, name)
	s.dirty = true
	s.revDepsInit = false
}

// WriteDeps persists the dependency list for name to deps/<name>, and
// invalidates the cached reverse-dependency table so it is rebuilt on
// next query.
func (s *Store) WriteDeps(name string, deps []Dep) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var buf strings.Builder
	for _, d := range deps {
		if d.Op != "" {
			fmt.Fprintf(&buf, "%s %s %s\n", d.Name, d.Op, d.Req)
		} else {
			fmt.Fprintf(&buf, "%s\n", d.Name)
		}
	}

	path := filepath.Join(s.dir, depsDir, name)
	if err := atomicWriteString(path, buf.String()); err != nil {
		return errors.Wrapf(err, "writing deps for %s", name)
	}
	s.revDepsInit = false
	return nil
}

// RemoveDeps deletes the dependency file for name.
func (s *Store) RemoveDeps(name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	err := os.Remove(filepath.Join(s.dir, depsDir, name))
	if err != nil && !os.IsNotExist(err) {
		return errors.Wrapf(err, "removing deps for %s", name)
	}
	s.revDepsInit = false
	return nil
}

// Write flushes the four dirty table files (pkgs, holdpkgs, files.db,
// provides.db) to disk via temp-file-then-rename; per-package deps/<name>
// records are written immediately by WriteDeps.
// It is a no-op if nothing has changed since the last Write. Per
// spec.md §7, the caller should flush even on a failed transaction so
// partial progress (e.g. N-1 of N autoremoved packages) is durable.
func (s *Store) Write() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.dirty {
		return nil
	}

	if err := s.writePkgsLocked(); err != nil {
		return err
	}
	if err := s.writeHoldLocked(); err != nil {
		return err
	}
	if err := s.writeFilesDBLocked(); err != nil {
		return err
	}
	if err := s.writeProvidesDBLocked(); err != nil {
		return err
	}

	s.dirty = false
	return nil
}

func (s *Store) writePkgsLocked() error {
	names := make([]string, 0, len(s.pkgs))
	for n := range s.pkgs {
		names = append(names, n)
	}
	sort.Strings(names)

	var buf strings.Builder
	for _, n := range names {
		fmt.Fprintf(&buf, "%s:%s\n", n, s.pkgs[n].Version)
	}
	return atomicWriteString(filepath.Join(s.dir, pkgsFile), buf.String())
}

func (s *Store) writeHoldLocked() error {
	names := make([]string, 0, len(s.hold))
	for n := range s.hold {
		names = append(names, n)
	}
	sort.Strings(names)

	var buf strings.Builder
	for _, n := range names {
		fmt.Fprintf(&buf, "%s\n", n)
	}
	return atomicWriteString(filepath.Join(s.dir, holdFile), buf.String())
}

func (s *Store) writeFilesDBLocked() error {
	type pair struct{ path, pkg string }
	var pairs []pair
	for path, owners := range s.files {
		for pkg := range owners {
			pairs = append(pairs, pair{path, pkg})
		}
	}
	sort.Slice(pairs, func(i, j int) bool {
		if pairs[i].path != pairs[j].path {
			return pairs[i].path < pairs[j].path
		}
		return pairs[i].pkg < pairs[j].pkg
	})

	var buf strings.Builder
	for _, p := range pairs {
		fmt.Fprintf(&buf, "%s %s\n", p.path, p.pkg)
	}
	return atomicWriteString(filepath.Join(s.dir, filesDBFile), buf.String())
}

func (s *Store) writeProvidesDBLocked() error {
	type pair struct{ cap, pkg string }
	var pairs []pair
	for cap, owners := range s.provs {
		for pkg := range owners {
			pairs = append(pairs, pair{cap, pkg})
		}
	}
	sort.Slice(pairs, func(i, j int) bool {
		if pairs[i].cap != pairs[j].cap {
			return pairs[i].cap < pairs[j].cap
		}
		return pairs[i].pkg < pairs[j].pkg
	})

	var buf strings.Builder
	for _, p := range pairs {
		fmt.Fprintf(&buf, "%s %s\n", p.cap, p.pkg)
	}
	return atomicWriteString(filepath.Join(s.dir, providesFile), buf.String())
}

// atomicWriteString writes content to path via a .tmp sibling and rename,
// per spec.md §3 invariant 3 ("temp file + rename; a crash leaves either
// the old or new snapshot fully intact"). Grounded on golang-dep/fs.go's
// writeFile + renameWithFallback.
func atomicWriteString(path, content string) error {
	tmp := path + ".tmp"
	f, err := os.Create(tmp)
	if err != nil {
		return errors.Wrapf(err, "creating temp file %s", tmp)
	}
	if _, err := f.WriteString(content); err != nil {
		f.Close()
		os.Remove(tmp)
		return errors.Wrapf(err, "writing temp file %s", tmp)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(tmp)
		return errors.Wrapf(err, "syncing temp file %s", tmp)
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return errors.Wrapf(err, "closing temp file %s", tmp)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return errors.Wrapf(err, "renaming %s to %s", tmp, path)
	}
	return nil
}
