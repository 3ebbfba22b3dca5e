// Package repoindex parses the pipe-separated repository index
// (spec.md §4.5/§6.3) and answers name/version/constraint/capability
// lookups. Grounded on golang-dep's source-manager catalog-lookup shape
// (find / find(name,version) / best-match queries), simplified to a flat
// name+version catalog instead of a VCS-backed import graph.
//
// Format per non-comment line:
//
//	NAME|VER1[:HASH1][,VER2[:HASH2]...]|DEP1[OP VER1][,DEP2...]|PROV1[,PROV2...]
package repoindex

import (
	"bufio"
	"io"
	"strings"

	"github.com/pkg/errors"

	"github.com/lfs-tools/lpkg/internal/version"
)

// Record is one (name, version) entry from the index.
type Record struct {
	Name     string
	Version  string
	Hash     string // expected sha256, optional
	Deps     []Dep
	Provides []string
}

// Dep mirrors store.Dep but is kept independent so this package has no
// dependency on the store package.
type Dep struct {
	Name string
	Op   version.Op
	Req  string
}

// Index is the parsed, queryable catalog.
type Index struct {
	// byName holds every Record for a name, sorted ascending by version.
	byName map[string][]Record
	// order preserves first-seen file order for deterministic provider
	// lookup (spec.md §4.5: "first package declaring it, deterministic
	// by file order").
	order []string
}

// Parse reads r as an index file, inserting exactly one record per
// (name, version) line-field — the legacy implementation's documented
// double-insert bug (spec.md §9) is not reproduced here.
func Parse(r io.Reader) (*Index, error) {
	idx := &Index{byName: make(map[string][]Record)}
	seenName := make(map[string]bool)

	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 64*1024), 1<<20)
	lineNo := 0
	for sc.Scan() {
		lineNo++
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}

		fields := strings.Split(line, "|")
		if len(fields) < 2 {
			return nil, errors.Errorf("repoindex: malformed line %d: %q", lineNo, line)
		}
		name := fields[0]
		if name == "" {
			return nil, errors.Errorf("repoindex: empty package name at line %d", lineNo)
		}

		var depField, provField string
		if len(fields) >= 3 {
			depField = fields[2]
		}
		if len(fields) >= 4 {
			provField = fields[3]
		}

		deps := parseDeps(depField)
		provides := splitNonEmpty(provField)

		for _, verSpec := range splitNonEmpty(fields[1]) {
			ver, hash := verSpec, ""
			if i := strings.IndexByte(verSpec, ':'); i >= 0 {
				ver, hash = verSpec[:i], verSpec[i+1:]
			}
			rec := Record{Name: name, Version: ver, Hash: hash, Deps: deps, Provides: provides}
			idx.byName[name] = append(idx.byName[name], rec)
		}

		if !seenName[name] {
			seenName[name] = true
			idx.order = append(idx.order, name)
		}
	}
	if err := sc.Err(); err != nil {
		return nil, errors.Wrap(err, "reading index")
	}

	for name, recs := range idx.byName {
		sortRecords(recs)
		idx.byName[name] = recs
	}

	return idx, nil
}

func splitNonEmpty(s string) []string {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}

func parseDeps(s string) []Dep {
	var deps []Dep
	for _, raw := range splitNonEmpty(s) {
		fields := strings.Fields(raw)
		switch len(fields) {
		case 1:
			deps = append(deps, Dep{Name: fields[0]})
		case 3:
			deps = append(deps, Dep{Name: fields[0], Op: version.Op(fields[1]), Req: fields[2]})
		default:
			// any other field count is malformed: keep the name (first
			// field) and drop the rest rather than failing the whole
			// index load.
			deps = append(deps, Dep{Name: fields[0]})
		}
	}
	return deps
}

func sortRecords(recs []Record) {
	for i := 1; i < len(recs); i++ {
		for j := i; j > 0; j-- {
			a, err1 := version.Validate(recs[j-1].Version)
			b, err2 := version.Validate(recs[j].Version)
			if err1 != nil || err2 != nil {
				break
			}
			if version.Compare(a, b) <= 0 {
				break
			}
			recs[j-1], recs[j] = recs[j], recs[j-1]
		}
	}
}

// Find returns the latest (highest-ordered) version of name.
func (idx *Index) Find(name string) (Record, bool) {
	recs := idx.byName[name]
	if len(recs) == 0 {
		return Record{}, false
	}
	return recs[len(recs)-1], true
}

// FindVersion returns the exact (name, ver) record.
func (idx *Index) FindVersion(name, ver string) (Record, bool) {
	for _, r := range idx.byName[name] {
		if r.Version == ver {
			return r, true
		}
	}
	return Record{}, false
}

// FindBest returns the highest version of name satisfying "op req".
func (idx *Index) FindBest(name string, op version.Op, req string) (Record, bool) {
	recs := idx.byName[name]
	for i := len(recs) - 1; i >= 0; i-- {
		ok, err := version.Satisfies(recs[i].Version, op, req)
		if err == nil && ok {
			return recs[i], true
		}
	}
	return Record{}, false
}

// FindProvider returns the first package (by file order) declaring
// capability in its Provides list.
func (idx *Index) FindProvider(capability string) (string, bool) {
	for _, name := range idx.order {
		for _, r := range idx.byName[name] {
			for _, p := range r.Provides {
				if p == capability {
					return name, true
				}
			}
		}
	}
	return "", false
}
