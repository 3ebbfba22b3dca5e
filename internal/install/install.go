// Package install implements the installation task (C8): the per-package
// state machine that fetches, verifies, extracts, checks, copies, and
// registers one resolver.PlanItem, rolling back everything it did on any
// failure before FETCHED..REGISTERED completes. Grounded on golang-dep's
// SafeWriter (txn_writer.go): prepare a full set of writes, validate,
// commit, and be ready to undo the committed subset on a later failure.
package install

import (
	"bufio"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/pkg/errors"

	"github.com/lfs-tools/lpkg/internal/archext"
	"github.com/lfs-tools/lpkg/internal/engine"
	"github.com/lfs-tools/lpkg/internal/fetch"
	"github.com/lfs-tools/lpkg/internal/hooks"
	"github.com/lfs-tools/lpkg/internal/pathsafe"
	"github.com/lfs-tools/lpkg/internal/resolver"
	"github.com/lfs-tools/lpkg/internal/store"
	"github.com/lfs-tools/lpkg/internal/triggers"
)

// State is one step of the per-item state machine documented in
// spec.md §4.8.
type State int

const (
	StateInit State = iota
	StateFetched
	StateExtracted
	StateChecked
	StateCopied
	StateRegistered
	StateDone
	StateRolledBack
)

// ErrHashMismatch is raised when a fetched or caller-supplied archive's
// SHA-256 does not match the expected value.
type ErrHashMismatch struct {
	Archive  string
	Expected string
	Got      string
}

func (e *ErrHashMismatch) Error() string {
	return fmt.Sprintf("HashMismatch: %s: expected %s, got %s", e.Archive, e.Expected, e.Got)
}

// ErrIncompletePackage is raised when an extracted archive is missing a
// mandatory top-level entry.
type ErrIncompletePackage struct {
	Archive string
	Missing string
}

func (e *ErrIncompletePackage) Error() string {
	return "IncompletePackage: " + e.Archive + ": missing " + e.Missing
}

// ErrFileConflict is raised when the file-conflict detection step finds
// one or more logical paths this install cannot safely claim.
type ErrFileConflict struct {
	Conflicts []string
}

func (e *ErrFileConflict) Error() string {
	return "FileConflict:\n" + strings.Join(e.Conflicts, "\n")
}

type fileEntry struct {
	src        string
	destPrefix string
}

type backup struct {
	original string
	backup   string
}

// Task is the mutable state of one plan item moving through the
// install state machine.
type Task struct {
	ctx  *engine.Ctx
	item *resolver.PlanItem
	trig *triggers.Runner
	fc   *fetch.Client

	State State

	archivePath string
	extractDir  string

	newManifest []string // logical paths this install claims
	createdDirs []string
	backups     []backup
	isUpgrade   bool
	oldManifest []string
	oldDirs     []string
}

// New constructs a Task for item. trig and fc may be nil (no trigger
// enqueuing / no remote fetch capability, respectively — a nil fc is only
// safe when item.Source is SourceLocalArchive).
func New(ctx *engine.Ctx, item *resolver.PlanItem, trig *triggers.Runner, fc *fetch.Client) *Task {
	return &Task{ctx: ctx, item: item, trig: trig, fc: fc}
}

// Run drives the task through every state to StateDone, or rolls back and
// returns the triggering error.
func (t *Task) Run() error {
	if err := t.fetchAndVerify(); err != nil {
		return err
	}
	t.State = StateFetched

	if err := t.extractAndValidate(); err != nil {
		t.rollback()
		return err
	}
	t.State = StateExtracted

	if err := t.checkConflicts(); err != nil {
		t.rollback()
		return err
	}
	t.State = StateChecked

	if err := t.copy(); err != nil {
		t.rollback()
		return err
	}
	t.State = StateCopied

	if err := t.register(); err != nil {
		t.rollback()
		return err
	}
	t.State = StateRegistered

	if t.isUpgrade {
		t.upgradeCleanup()
	}

	t.postInstallHook()

	t.State = StateDone
	return nil
}

func (t *Task) fetchAndVerify() error {
	if t.item.Source == resolver.SourceLocalArchive {
		t.archivePath = t.item.LocalArchive
	} else {
		dest := filepath.Join(t.ctx.TmpDir, "archives", t.item.Name+"-"+t.item.DesiredVersion+".tar.zst")
		url := strings.TrimRight(t.ctx.MirrorURL, "/") + "/" + t.ctx.Arch + "/" + t.item.Name + "/" + t.item.DesiredVersion + "/app.tar.zst"
		if t.fc == nil {
			return errors.New("install: remote package requires a fetch client")
		}
		if err := t.fc.Get(context.Background(), url, dest); err != nil {
			return errors.Wrapf(err, "fetching %s", url)
		}
		t.archivePath = dest

		if t.item.ExpectedSHA256 == "" {
			hashURL := strings.TrimRight(t.ctx.MirrorURL, "/") + "/" + t.ctx.Arch + "/" + t.item.Name + "/" + t.item.DesiredVersion + "/hash.txt"
			hashDest := dest + ".hash.txt"
			if err := t.fc.Get(context.Background(), hashURL, hashDest); err == nil {
				if data, rerr := os.ReadFile(hashDest); rerr == nil {
					t.item.ExpectedSHA256 = strings.TrimSpace(string(data))
				}
			}
		}
	}

	if t.item.ExpectedSHA256 == "" {
		return nil
	}

	got, err := sha256File(t.archivePath)
	if err != nil {
		return errors.Wrapf(err, "hashing %s", t.archivePath)
	}
	if !strings.EqualFold(got, t.item.ExpectedSHA256) {
		return &ErrHashMismatch{Archive: t.archivePath, Expected: t.item.ExpectedSHA256, Got: got}
	}
	return nil
}

func sha256File(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()
	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

func (t *Task) extractAndValidate() error {
	t.extractDir = filepath.Join(t.ctx.TmpDir, t.item.Name)
	if err := archext.Extract(t.archivePath, t.extractDir, t.ctx.Log); err != nil {
		return errors.Wrapf(err, "extracting %s", t.archivePath)
	}

	for _, required := range []string{"man.txt", "deps.txt", "files.txt"} {
		if _, err := os.Stat(filepath.Join(t.extractDir, required)); err != nil {
			return &ErrIncompletePackage{Archive: t.archivePath, Missing: required}
		}
	}
	if fi, err := os.Stat(filepath.Join(t.extractDir, "content")); err != nil || !fi.IsDir() {
		return &ErrIncompletePackage{Archive: t.archivePath, Missing: "content/"}
	}
	return nil
}

func (t *Task) parseFilesTxt() ([]fileEntry, error) {
	data, err := os.ReadFile(filepath.Join(t.extractDir, "files.txt"))
	if err != nil {
		return nil, errors.Wrap(err, "reading files.txt")
	}
	var entries []fileEntry
	sc := bufio.NewScanner(strings.NewReader(string(data)))
	for sc.Scan() {
		line := sc.Text()
		if strings.TrimSpace(line) == "" {
			continue
		}
		fields := strings.SplitN(line, "\t", 2)
		if len(fields) != 2 {
			continue
		}
		entries = append(entries, fileEntry{src: fields[0], destPrefix: fields[1]})
	}
	return entries, errors.Wrap(sc.Err(), "scanning files.txt")
}

func (t *Task) checkConflicts() error {
	entries, err := t.parseFilesTxt()
	if err != nil {
		return err
	}

	t.isUpgrade = t.ctx.Store.IsInstalled(t.item.Name)
	if t.isUpgrade {
		t.oldManifest, _ = readManifestLines(filepath.Join(t.ctx.FilesDir, t.item.Name+".txt"))
		t.oldDirs, _ = readManifestLines(filepath.Join(t.ctx.FilesDir, t.item.Name+".dirs"))
	}

	var conflicts []string
	seen := make(map[string]bool)
	for _, e := range entries {
		if t.isDirEntry(e) {
			continue
		}
		logical := pathsafe.LogicalPath(e.destPrefix, e.src)
		if seen[logical] {
			continue
		}
		seen[logical] = true

		owners := t.ctx.Store.FileOwners(logical)
		ownedByOther := false
		for _, o := range owners {
			if o != t.item.Name {
				ownedByOther = true
			}
		}
		if ownedByOther {
			conflicts = append(conflicts, logical+" (owned by "+strings.Join(owners, ",")+")")
			continue
		}

		if len(owners) == 0 && !t.ctx.ForceOverwrite {
			physical, rerr := pathsafe.Reroot(logical, t.ctx.TargetRoot)
			if rerr == nil {
				if fi, statErr := os.Lstat(physical); statErr == nil && !fi.IsDir() && !t.isUpgrade {
					conflicts = append(conflicts, logical+" (unknown, manual file)")
				}
			}
		}
	}

	if len(conflicts) > 0 {
		return &ErrFileConflict{Conflicts: conflicts}
	}
	return nil
}

func (t *Task) isDirEntry(e fileEntry) bool {
	if strings.HasSuffix(e.src, "/") {
		return true
	}
	srcPath := filepath.Join(t.extractDir, "content", filepath.FromSlash(e.src))
	fi, err := os.Lstat(srcPath)
	return err == nil && fi.IsDir()
}

func (t *Task) copy() error {
	entries, err := t.parseFilesTxt()
	if err != nil {
		return err
	}

	for _, e := range entries {
		logical := pathsafe.LogicalPath(e.destPrefix, e.src)
		physical, err := pathsafe.Reroot(logical, t.ctx.TargetRoot)
		if err != nil {
			return err
		}

		if t.isDirEntry(e) {
			if err := t.mkdirTracked(physical); err != nil {
				return err
			}
			continue
		}

		if err := t.mkdirTracked(filepath.Dir(physical)); err != nil {
			return err
		}

		writeTarget := physical
		isEtc := strings.HasPrefix(logical, "/etc/")
		if fi, statErr := os.Lstat(physical); statErr == nil {
			if isEtc && !fi.IsDir() {
				writeTarget = physical + ".lpkgnew"
			} else if !fi.IsDir() {
				bak := physical + ".lpkg_bak_" + t.item.Name
				if err := os.Rename(physical, bak); err != nil {
					return errors.Wrapf(err, "backing up %s", physical)
				}
				t.backups = append(t.backups, backup{original: physical, backup: bak})
			}
		}

		srcPath := filepath.Join(t.extractDir, "content", filepath.FromSlash(e.src))
		if err := copyEntry(srcPath, writeTarget); err != nil {
			return errors.Wrapf(err, "copying %s to %s", srcPath, writeTarget)
		}

		t.newManifest = append(t.newManifest, logical)
		if t.trig != nil {
			t.trig.Enqueue(logical)
		}
	}

	if err := writeManifestLines(filepath.Join(t.ctx.FilesDir, t.item.Name+".txt"), t.newManifest); err != nil {
		return err
	}
	if err := writeManifestLines(filepath.Join(t.ctx.FilesDir, t.item.Name+".dirs"), t.createdDirs); err != nil {
		return err
	}
	return nil
}

func (t *Task) mkdirTracked(dir string) error {
	if _, err := os.Stat(dir); err == nil {
		return nil
	}
	var missing []string
	for d := dir; ; d = filepath.Dir(d) {
		if _, err := os.Stat(d); err == nil {
			break
		}
		missing = append(missing, d)
		if d == filepath.Dir(d) {
			break
		}
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return errors.Wrapf(err, "creating directory %s", dir)
	}
	for i := len(missing) - 1; i >= 0; i-- {
		t.createdDirs = append(t.createdDirs, missing[i])
	}
	return nil
}

func copyEntry(src, dst string) error {
	fi, err := os.Lstat(src)
	if err != nil {
		return err
	}

	if fi.Mode()&os.ModeSymlink != 0 {
		target, err := os.Readlink(src)
		if err != nil {
			return err
		}
		os.Remove(dst)
		return os.Symlink(target, dst)
	}

	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	os.Remove(dst)
	// fi.Mode(), not .Perm(): Perm() masks to the low 9 bits and would
	// silently drop setuid/setgid/sticky on the copy into the real root.
	out, err := os.OpenFile(dst, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, fi.Mode())
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}

func (t *Task) register() error {
	if t.isUpgrade {
		// Old reverse-dep edges are dropped implicitly: WriteDeps below
		// invalidates the store's cached reverse-dep table, which is
		// rebuilt lazily from the new deps/<name> file on next query.
		if old, err := readManifestLines(filepath.Join(t.ctx.FilesDir, t.item.Name+".provides")); err == nil {
			for _, capability := range old {
				t.ctx.Store.RemoveProvider(capability, t.item.Name)
			}
		}
	}

	deps := make([]store.Dep, len(t.item.Deps))
	copy(deps, t.item.Deps)
	if err := t.ctx.Store.WriteDeps(t.item.Name, deps); err != nil {
		return err
	}

	for _, logical := range t.newManifest {
		t.ctx.Store.AddFileOwner(logical, t.item.Name)
	}

	manData, err := os.ReadFile(filepath.Join(t.extractDir, "man.txt"))
	if err == nil {
		_ = os.WriteFile(filepath.Join(t.ctx.DocsDir, t.item.Name+".man"), manData, 0644)
	}

	providesPath := filepath.Join(t.extractDir, "provides.txt")
	if data, err := os.ReadFile(providesPath); err == nil {
		caps := splitNonEmptyLines(string(data))
		if err := writeManifestLines(filepath.Join(t.ctx.FilesDir, t.item.Name+".provides"), caps); err != nil {
			return err
		}
		for _, capability := range caps {
			t.ctx.Store.AddProvider(capability, t.item.Name)
		}
	}

	t.ctx.Store.PutPackage(t.item.Name, t.item.DesiredVersion, t.item.IsExplicit)
	return nil
}

func (t *Task) upgradeCleanup() {
	newSet := make(map[string]bool, len(t.newManifest))
	for _, p := range t.newManifest {
		newSet[p] = true
	}

	for _, old := range t.oldManifest {
		if newSet[old] || strings.HasPrefix(old, "/etc/") {
			continue
		}
		remaining := t.ctx.Store.RemoveFileOwner(old, t.item.Name)
		if remaining == 0 {
			if physical, err := pathsafe.Reroot(old, t.ctx.TargetRoot); err == nil {
				os.Remove(physical)
			}
		}
	}

	dirs := append([]string(nil), t.oldDirs...)
	sort.Sort(sort.Reverse(sort.StringSlice(dirs)))
	for _, d := range dirs {
		physical, err := pathsafe.Reroot(d, t.ctx.TargetRoot)
		if err != nil {
			continue
		}
		os.Remove(physical) // no-op unless empty
	}
}

func (t *Task) postInstallHook() {
	hooksSrc := filepath.Join(t.extractDir, "hooks")
	if fi, err := os.Stat(hooksSrc); err != nil || !fi.IsDir() {
		return
	}

	dstDir := filepath.Join(t.ctx.HooksDir, t.item.Name)
	entries, err := os.ReadDir(hooksSrc)
	if err != nil {
		return
	}
	if err := os.MkdirAll(dstDir, 0755); err != nil {
		return
	}
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		if err := copyEntry(filepath.Join(hooksSrc, e.Name()), filepath.Join(dstDir, e.Name())); err == nil {
			os.Chmod(filepath.Join(dstDir, e.Name()), 0755)
		}
	}

	_ = hooks.Run(t.ctx.TargetRoot, t.ctx.HooksDir, t.item.Name, hooks.PostInstall, t.ctx.NoHooks, t.ctx.Log)
}

// rollback undoes everything this task did, per spec.md §4.8's "any
// exception between FETCHED and REGISTERED" clause.
func (t *Task) rollback() {
	for _, logical := range t.newManifest {
		if physical, err := pathsafe.Reroot(logical, t.ctx.TargetRoot); err == nil {
			os.Remove(physical)
		}
	}
	for _, b := range t.backups {
		os.Rename(b.backup, b.original)
	}
	dirs := append([]string(nil), t.createdDirs...)
	sort.Sort(sort.Reverse(sort.StringSlice(dirs)))
	for _, d := range dirs {
		os.Remove(d) // no-op unless empty
	}
	t.State = StateRolledBack
}

func readManifestLines(path string) ([]string, error) {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return splitNonEmptyLines(string(data)), nil
}

func writeManifestLines(path string, lines []string) error {
	var buf strings.Builder
	for _, l := range lines {
		buf.WriteString(l)
		buf.WriteByte('\n')
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, []byte(buf.String()), 0644); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

func splitNonEmptyLines(s string) []string {
	var out []string
	for _, l := range strings.Split(s, "\n") {
		l = strings.TrimSpace(l)
		if l != "" {
			out = append(out, l)
		}
	}
	return out
}
