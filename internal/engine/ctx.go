// Package engine threads the target root and behavior flags through every
// other component (C12), replacing the process-global configuration a
// single-root tool might otherwise reach for. Grounded on golang-dep's
// Ctx (context.go): one struct built once per invocation, passed by
// pointer into every subsequent call.
package engine

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/pkg/errors"

	"github.com/lfs-tools/lpkg/internal/logx"
	"github.com/lfs-tools/lpkg/internal/store"
)

// Ctx holds every path and flag C1–C11 and C13–C18 need, derived once from
// a target root. It is never stored in a package-level variable.
type Ctx struct {
	TargetRoot string
	StateDir   string // <root>/var/lib/lpkg
	LockDir    string // <root>/var/lpkg
	HooksDir   string // <root>/etc/lpkg/hooks
	EtcDir     string // <root>/etc/lpkg
	DocsDir    string // <root>/var/lib/lpkg/docs
	FilesDir   string // <root>/var/lib/lpkg/files
	TmpDir     string // <root>/tmp/lpkg_<pid>

	MirrorURL string
	Arch      string

	Force          bool // bypass essential/reverse-dep checks on removal
	ForceOverwrite bool // allow overwriting unknown on-disk files
	NoHooks        bool
	NoDeps         bool
	NonInteractive bool

	Store *store.Store
	Log   *logx.Logger
}

// Option configures a Ctx at construction time.
type Option func(*Ctx)

func WithArch(arch string) Option       { return func(c *Ctx) { c.Arch = arch } }
func WithMirror(url string) Option      { return func(c *Ctx) { c.MirrorURL = url } }
func WithForce(v bool) Option           { return func(c *Ctx) { c.Force = v } }
func WithForceOverwrite(v bool) Option  { return func(c *Ctx) { c.ForceOverwrite = v } }
func WithNoHooks(v bool) Option         { return func(c *Ctx) { c.NoHooks = v } }
func WithNoDeps(v bool) Option          { return func(c *Ctx) { c.NoDeps = v } }
func WithNonInteractive(v bool) Option  { return func(c *Ctx) { c.NonInteractive = v } }
func WithLogger(l *logx.Logger) Option  { return func(c *Ctx) { c.Log = l } }

// New derives every on-disk path from root (use "/" for the live system),
// applies opts, reads /etc/lpkg/mirror.conf when no WithMirror override was
// given, and opens (but does not lock) the state store.
func New(root string, opts ...Option) (*Ctx, error) {
	c := &Ctx{
		TargetRoot: root,
		StateDir:   filepath.Join(root, "var", "lib", "lpkg"),
		LockDir:    filepath.Join(root, "var", "lpkg"),
		EtcDir:     filepath.Join(root, "etc", "lpkg"),
		HooksDir:   filepath.Join(root, "etc", "lpkg", "hooks"),
		Arch:       "x86_64",
		Log:        logx.Default(),
	}
	c.DocsDir = filepath.Join(c.StateDir, "docs")
	c.FilesDir = filepath.Join(c.StateDir, "files")
	c.TmpDir = filepath.Join(root, "tmp", fmt.Sprintf("lpkg_%d", os.Getpid()))

	for _, opt := range opts {
		opt(c)
	}

	if c.MirrorURL == "" {
		if url, err := readMirrorConf(c.EtcDir); err == nil && url != "" {
			c.MirrorURL = url
		}
	}

	for _, dir := range []string{c.StateDir, c.LockDir, c.HooksDir, c.EtcDir, c.DocsDir, c.FilesDir, filepath.Join(c.StateDir, "deps")} {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, errors.Wrapf(err, "creating %s", dir)
		}
	}

	st, err := store.Open(c.StateDir)
	if err != nil {
		return nil, errors.Wrap(err, "opening state store")
	}
	c.Store = st

	return c, nil
}

// Close flushes the store. Callers should defer this after New succeeds.
func (c *Ctx) Close() error {
	if c.Store == nil {
		return nil
	}
	return c.Store.Write()
}

func readMirrorConf(etcDir string) (string, error) {
	data, err := os.ReadFile(filepath.Join(etcDir, "mirror.conf"))
	if os.IsNotExist(err) {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	for _, line := range strings.Split(string(data), "\n") {
		line = strings.TrimSpace(line)
		if line != "" {
			return strings.TrimRight(line, "/"), nil
		}
	}
	return "", nil
}
