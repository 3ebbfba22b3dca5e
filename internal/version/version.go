// Package version implements the semver-like version grammar and total
// order used to sort and compare package versions: MAIN(-PRE)?(+BUILD)?
// where MAIN is a dot-separated run of non-negative integers of any
// length, and PRE/BUILD are dot-separated identifier runs.
//
// The shape mirrors Masterminds/semver's regex-parse-then-compare design,
// generalized to an arbitrary-length MAIN (semver itself fixes MAIN at
// exactly three segments, which spec.md's grammar does not).
package version

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

// Virtual is the sentinel version string that satisfies any constraint.
const Virtual = "virtual"

var grammar = regexp.MustCompile(`^(\d+(?:\.\d+)*)(?:-([0-9A-Za-z.\-]+))?(?:\+([0-9A-Za-z.\-]+))?$`)

// ErrInvalidVersion is the error kind raised by Validate and Satisfies when a
// string does not match the version grammar.
type ErrInvalidVersion struct {
	Input string
}

func (e *ErrInvalidVersion) Error() string {
	return fmt.Sprintf("InvalidVersion: %q does not match MAIN(-PRE)?(+BUILD)?", e.Input)
}

// Version is a parsed, comparable package version.
type Version struct {
	raw   string
	main  []int64
	pre   []string
	build []string
}

// Validate parses s and returns a Version, or *ErrInvalidVersion.
func Validate(s string) (*Version, error) {
	m := grammar.FindStringSubmatch(s)
	if m == nil {
		return nil, &ErrInvalidVersion{Input: s}
	}

	v := &Version{raw: s}

	for _, seg := range strings.Split(m[1], ".") {
		n, err := strconv.ParseInt(seg, 10, 64)
		if err != nil {
			return nil, &ErrInvalidVersion{Input: s}
		}
		v.main = append(v.main, n)
	}

	if m[2] != "" {
		v.pre = strings.Split(m[2], ".")
	}
	if m[3] != "" {
		v.build = strings.Split(m[3], ".")
	}

	return v, nil
}

// String returns the original input string.
func (v *Version) String() string { return v.raw }

// IsVirtual reports whether s is the sentinel "virtual" version, which
// satisfies any constraint without being parsed as a real version.
func IsVirtual(s string) bool { return s == Virtual }

// Compare returns -1, 0, or 1 according to the total order defined in
// spec.md §4.3: pad the shorter MAIN with zeros and compare numerically;
// equal MAINs with one side having a PRE and the other not order the PRE
// side smaller; otherwise compare PRE identifiers pairwise (numeric by
// value, numeric < non-numeric, non-numeric lexicographically), shorter
// prefix wins ties. BUILD is ignored entirely.
func Compare(a, b *Version) int {
	n := len(a.main)
	if len(b.main) > n {
		n = len(b.main)
	}
	for i := 0; i < n; i++ {
		var av, bv int64
		if i < len(a.main) {
			av = a.main[i]
		}
		if i < len(b.main) {
			bv = b.main[i]
		}
		if av != bv {
			if av < bv {
				return -1
			}
			return 1
		}
	}

	if len(a.pre) == 0 && len(b.pre) == 0 {
		return 0
	}
	if len(a.pre) == 0 {
		// a has no PRE, b does: a is larger (release > prerelease).
		return 1
	}
	if len(b.pre) == 0 {
		return -1
	}

	m := len(a.pre)
	if len(b.pre) < m {
		m = len(b.pre)
	}
	for i := 0; i < m; i++ {
		if d := compareIdentifier(a.pre[i], b.pre[i]); d != 0 {
			return d
		}
	}
	return compareSegment(int64(len(a.pre)), int64(len(b.pre)))
}

func compareSegment(a, b int64) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	default:
		return 0
	}
}

func compareIdentifier(a, b string) int {
	an, aerr := strconv.ParseInt(a, 10, 64)
	bn, berr := strconv.ParseInt(b, 10, 64)

	switch {
	case aerr == nil && berr == nil:
		return compareSegment(an, bn)
	case aerr == nil:
		// a numeric, b not: numeric < non-numeric.
		return -1
	case berr == nil:
		return 1
	default:
		return strings.Compare(a, b)
	}
}

// Op is a constraint comparison operator.
type Op string

const (
	OpEQ  Op = "="
	OpEQ2 Op = "=="
	OpNE  Op = "!="
	OpLT  Op = "<"
	OpLE  Op = "<="
	OpGT  Op = ">"
	OpGE  Op = ">="
)

// Satisfies reports whether installed version v satisfies "op req", after
// validating both sides. The sentinel version "virtual" satisfies any
// constraint. An empty op is treated as always-satisfied (no constraint).
func Satisfies(v string, op Op, req string) (bool, error) {
	if op == "" {
		return true, nil
	}
	if IsVirtual(v) {
		return true, nil
	}

	vv, err := Validate(v)
	if err != nil {
		return false, err
	}
	rv, err := Validate(req)
	if err != nil {
		return false, err
	}

	c := Compare(vv, rv)
	switch op {
	case OpEQ, OpEQ2:
		return c == 0, nil
	case OpNE:
		return c != 0, nil
	case OpLT:
		return c < 0, nil
	case OpLE:
		return c <= 0, nil
	case OpGT:
		return c > 0, nil
	case OpGE:
		return c >= 0, nil
	default:
		return false, fmt.Errorf("unknown constraint operator %q", op)
	}
}

// SortVersions sorts a slice of version strings ascending by Compare,
// dropping (and reporting) any that fail to parse.
func SortVersions(raw []string) (ok []string, bad []string) {
	parsed := make([]*Version, 0, len(raw))
	for _, s := range raw {
		v, err := Validate(s)
		if err != nil {
			bad = append(bad, s)
			continue
		}
		parsed = append(parsed, v)
	}
	// simple insertion sort; version lists per package are small
	for i := 1; i < len(parsed); i++ {
		for j := i; j > 0 && Compare(parsed[j-1], parsed[j]) > 0; j-- {
			parsed[j-1], parsed[j] = parsed[j], parsed[j-1]
		}
	}
	for _, v := range parsed {
		ok = append(ok, v.String())
	}
	return ok, bad
}
