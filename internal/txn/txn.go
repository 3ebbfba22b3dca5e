// Package txn ties the resolver, installer, remover, and trigger runner
// into one atomic-feeling operation (C9): acquire the cross-process lock,
// resolve a plan, install each item in order, roll back anything already
// committed on the first failure, flush the state store exactly once, and
// run the trigger queue only after everything else succeeded.
//
// Grounded on golang-dep's solve-then-writeDeps sequencing in cmd/dep's
// ensure command (resolve fully before touching disk, then persist once)
// adapted to spec.md §4.9's per-item rollback and §4.6's trigger queue.
package txn

import (
	"context"
	"os"
	"path/filepath"
	"time"

	"github.com/pkg/errors"

	"github.com/lfs-tools/lpkg/internal/engine"
	"github.com/lfs-tools/lpkg/internal/fetch"
	"github.com/lfs-tools/lpkg/internal/install"
	"github.com/lfs-tools/lpkg/internal/lockfile"
	"github.com/lfs-tools/lpkg/internal/remove"
	"github.com/lfs-tools/lpkg/internal/repoindex"
	"github.com/lfs-tools/lpkg/internal/resolver"
	"github.com/lfs-tools/lpkg/internal/triggers"
)

// ErrTransactionFailed wraps the first install failure once rollback of
// already-committed items has been attempted.
type ErrTransactionFailed struct{ Cause error }

func (e *ErrTransactionFailed) Error() string { return "transaction failed: " + e.Cause.Error() }
func (e *ErrTransactionFailed) Unwrap() error  { return e.Cause }

// ErrAlreadyInstalled is returned by Install when resolution produces an
// empty plan: every requested target is already at its desired version.
var ErrAlreadyInstalled = errors.New("already installed")

// Transaction is one lock-held invocation: open it, run Install/Remove as
// many times as needed, then Close it.
type Transaction struct {
	Ctx     *engine.Ctx
	Index   *repoindex.Index
	Trigger *triggers.Runner
	Fetcher *fetch.Client

	lock *lockfile.Lock
}

// Open acquires the exclusive advisory lock, loads the trigger config and
// (if a mirror is configured) the repository index, and garbage-collects
// stale temp directories left behind by a crashed prior run.
func Open(ctx *engine.Ctx) (*Transaction, error) {
	lock, err := lockfile.Acquire(ctx.LockDir)
	if err != nil {
		return nil, errors.Wrap(err, "acquiring transaction lock")
	}

	if err := os.MkdirAll(ctx.TmpDir, 0755); err != nil {
		lock.Release()
		return nil, errors.Wrapf(err, "creating %s", ctx.TmpDir)
	}
	gcStaleTmpDirs(filepath.Dir(ctx.TmpDir), ctx.Log)

	trig, err := triggers.Load(ctx.EtcDir, ctx.Log)
	if err != nil {
		lock.Release()
		return nil, errors.Wrap(err, "loading triggers")
	}

	fc := fetch.NewClient()

	var idx *repoindex.Index
	if ctx.MirrorURL != "" {
		if loaded, ierr := loadIndex(ctx, fc); ierr == nil {
			idx = loaded
		} else if ctx.Log != nil {
			ctx.Log.Warnf("could not load repository index: %v", ierr)
		}
	}

	return &Transaction{
		Ctx:     ctx,
		Index:   idx,
		Trigger: trig,
		Fetcher: fc,
		lock:    lock,
	}, nil
}

func loadIndex(ctx *engine.Ctx, fc *fetch.Client) (*repoindex.Index, error) {
	url := trimSlash(ctx.MirrorURL) + "/" + ctx.Arch + "/index.txt"
	dest := filepath.Join(ctx.TmpDir, "index.txt")
	if err := fc.Get(context.Background(), url, dest); err != nil {
		return nil, err
	}
	f, err := os.Open(dest)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return repoindex.Parse(f)
}

// Close releases the transaction lock. It does not flush the store; call
// Install/Remove, which flush on every successful or rolled-back attempt.
func (tx *Transaction) Close() error {
	return tx.lock.Release()
}

// Install resolves targets (plus any localArchives keyed by package name)
// into a plan and installs it item by item. expectedHashes optionally
// overrides a planned item's expected SHA-256 (keyed by package name),
// for the CLI's --hash flag on local archives. On the first failure it
// rolls back every item already committed this call, in reverse order,
// before returning ErrTransactionFailed.
func (tx *Transaction) Install(targets []resolver.Target, localArchives map[string]string, expectedHashes map[string]string, forceReinstall, noDeps bool) error {
	r := resolver.New(tx.Index, tx.Ctx.Store, localArchives, tx.Ctx.Log)
	r.NoDeps = noDeps
	r.ForceReinstall = forceReinstall

	plan, err := r.Resolve(targets)
	if err != nil {
		return errors.Wrap(err, "resolving plan")
	}
	if len(plan.Order) == 0 {
		return ErrAlreadyInstalled
	}

	var committed []string
	for _, name := range plan.Order {
		item := plan.Items[name]
		if h, ok := expectedHashes[name]; ok {
			item.ExpectedSHA256 = h
		}
		task := install.New(tx.Ctx, item, tx.Trigger, tx.Fetcher)
		if err := task.Run(); err != nil {
			tx.rollbackCommitted(committed)
			if ferr := tx.Ctx.Store.Write(); ferr != nil && tx.Ctx.Log != nil {
				tx.Ctx.Log.Warnf("flushing store after rollback: %v", ferr)
			}
			return &ErrTransactionFailed{Cause: errors.Wrapf(err, "installing %s", name)}
		}
		committed = append(committed, name)
	}

	if err := tx.Ctx.Store.Write(); err != nil {
		return errors.Wrap(err, "flushing state store")
	}

	for _, runErr := range tx.Trigger.RunAll() {
		if tx.Ctx.Log != nil {
			tx.Ctx.Log.Warnf("trigger: %v", runErr)
		}
	}
	return nil
}

func (tx *Transaction) rollbackCommitted(committed []string) {
	for i := len(committed) - 1; i >= 0; i-- {
		if err := remove.Remove(tx.Ctx, committed[i], true); err != nil && tx.Ctx.Log != nil {
			tx.Ctx.Log.Warnf("rollback of %s failed: %v", committed[i], err)
		}
	}
}

// Remove removes each named package (in the given order) via the removal
// engine and flushes the store once afterward. If a removal fails, the
// store is flushed before that error is returned, so the removals that
// already succeeded stay recorded.
func (tx *Transaction) Remove(names []string, force bool) error {
	for _, name := range names {
		if err := remove.Remove(tx.Ctx, name, force); err != nil {
			if ferr := tx.Ctx.Store.Write(); ferr != nil && tx.Ctx.Log != nil {
				tx.Ctx.Log.Warnf("flushing store after failed removal: %v", ferr)
			}
			return errors.Wrapf(err, "removing %s", name)
		}
	}
	return tx.Ctx.Store.Write()
}

func trimSlash(s string) string {
	for len(s) > 0 && s[len(s)-1] == '/' {
		s = s[:len(s)-1]
	}
	return s
}

// gcStaleTmpDirs removes lpkg_* scratch directories left under parent by a
// prior process that crashed before cleaning up (no other process holds
// the transaction lock, or this call would not be running). A plain
// single-level directory read is enough here: unlike the recursive source
// trees C17 packs, this is one flat listing of sibling tmp dirs.
func gcStaleTmpDirs(parent string, log interface {
	Warnf(string, ...interface{})
}) {
	entries, err := os.ReadDir(parent)
	if err != nil {
		return
	}
	cutoff := time.Now().Add(-24 * time.Hour)
	for _, e := range entries {
		if !e.IsDir() || len(e.Name()) < 5 || e.Name()[:5] != "lpkg_" {
			continue
		}
		info, err := e.Info()
		if err != nil || info.ModTime().After(cutoff) {
			continue
		}
		full := filepath.Join(parent, e.Name())
		if err := os.RemoveAll(full); err != nil && log != nil {
			log.Warnf("gc stale tmp dir %s: %v", full, err)
		}
	}
}
