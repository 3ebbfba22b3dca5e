// Package triggers implements the trigger runner (C14): logical install
// paths are matched against regexes loaded from triggers.conf (plus a
// fixed set of built-ins) to enqueue shell commands, which are run once
// each, de-duplicated, at the end of a successful transaction. Grounded
// on logx's own mutex-guarded single-writer shape for the de-dup set, and
// on clearlinux-mixer-tools' swupd-style "run once at the end" model for
// the execution step.
package triggers

import (
	"bufio"
	"os"
	"os/exec"
	"regexp"
	"strings"
	"sync"

	"github.com/pkg/errors"

	"github.com/lfs-tools/lpkg/internal/logx"
)

// rule pairs a compiled matcher with the command it enqueues.
type rule struct {
	re      *regexp.Regexp
	command string
}

// builtins are always active regardless of triggers.conf content, per
// spec.md §6.1: shared-library cache, service-manager reload, icon cache,
// schema compiler.
var builtinRules = []struct {
	pattern string
	command string
}{
	{`^/usr/lib(64)?/lib[^/]+\.so(\.[0-9]+)*$`, "ldconfig"},
	{`^/(usr/)?lib/systemd/system/.+\.service$`, "systemctl daemon-reload"},
	{`^/usr/share/icons/.+`, "gtk-update-icon-cache -q /usr/share/icons/hicolor"},
	{`^/usr/share/glib-2\.0/schemas/.+\.xml$`, "glib-compile-schemas /usr/share/glib-2.0/schemas"},
}

// Runner accumulates and executes trigger commands.
type Runner struct {
	mu      sync.Mutex
	rules   []rule
	queued  map[string]struct{}
	order   []string
	Log     *logx.Logger
}

// Load builds a Runner from <etcDir>/triggers.conf (lines "REGEX\tCOMMAND"
// or "REGEX COMMAND", '#'-comments and blank lines ignored) plus the
// built-ins. A missing triggers.conf is not an error.
func Load(etcDir string, log *logx.Logger) (*Runner, error) {
	r := &Runner{queued: make(map[string]struct{}), Log: log}

	for _, b := range builtinRules {
		r.rules = append(r.rules, rule{re: regexp.MustCompile(b.pattern), command: b.command})
	}

	path := etcDir + "/triggers.conf"
	f, err := os.Open(path)
	if os.IsNotExist(err) {
		return r, nil
	}
	if err != nil {
		return nil, errors.Wrapf(err, "opening %s", path)
	}
	defer f.Close()

	sc := bufio.NewScanner(f)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		fields := strings.SplitN(line, "\t", 2)
		if len(fields) != 2 {
			fields = strings.SplitN(line, " ", 2)
		}
		if len(fields) != 2 {
			continue
		}
		pattern, command := strings.TrimSpace(fields[0]), strings.TrimSpace(fields[1])
		re, err := regexp.Compile(pattern)
		if err != nil {
			if log != nil {
				log.Warnf("skipping invalid trigger pattern %q: %v", pattern, err)
			}
			continue
		}
		r.rules = append(r.rules, rule{re: re, command: command})
	}
	return r, errors.Wrapf(sc.Err(), "reading %s", path)
}

// Enqueue matches logicalPath against every rule, recording each matching
// command at most once, in first-match order.
func (r *Runner) Enqueue(logicalPath string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, rl := range r.rules {
		if !rl.re.MatchString(logicalPath) {
			continue
		}
		if _, seen := r.queued[rl.command]; seen {
			continue
		}
		r.queued[rl.command] = struct{}{}
		r.order = append(r.order, rl.command)
	}
}

// RunAll executes every queued command via /bin/sh -c, in enqueue order,
// clears the queue, and returns one error per failed command — trigger
// failures are non-fatal to the transaction (spec.md §4.9 step 7).
func (r *Runner) RunAll() []error {
	r.mu.Lock()
	cmds := r.order
	r.order = nil
	r.queued = make(map[string]struct{})
	r.mu.Unlock()

	var errs []error
	for _, cmd := range cmds {
		c := exec.Command("/bin/sh", "-c", cmd)
		if out, err := c.CombinedOutput(); err != nil {
			wrapped := errors.Wrapf(err, "trigger %q failed: %s", cmd, strings.TrimSpace(string(out)))
			if r.Log != nil {
				r.Log.Warnf("%v", wrapped)
			}
			errs = append(errs, wrapped)
		}
	}
	return errs
}
