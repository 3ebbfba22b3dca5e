// Package pathsafe validates archive-relative paths before they ever touch
// the filesystem, rejecting absolute paths and traversal out of a root.
package pathsafe

import (
	"path/filepath"
	"strings"

	"github.com/pkg/errors"
)

// ErrKind distinguishes the two ways a path can be rejected.
type ErrKind int

const (
	// KindAbsolute means the input path was absolute.
	KindAbsolute ErrKind = iota
	// KindTraversal means the input path normalized to something
	// escaping the root via a ".." component.
	KindTraversal
)

// Error is returned by Validate when a path is rejected.
type Error struct {
	Kind  ErrKind
	Path  string
	cause error
}

func (e *Error) Error() string {
	switch e.Kind {
	case KindAbsolute:
		return "pathsafe: absolute path not allowed: " + e.Path
	default:
		return "pathsafe: path traversal not allowed: " + e.Path
	}
}

func (e *Error) Cause() error { return e.cause }

// Validate normalizes relative and joins it under root, refusing to let the
// result escape root. It rejects absolute inputs outright and any input
// that, once ".", ".." and duplicate separators are collapsed, still
// contains a leading or internal ".." component.
func Validate(relative, root string) (string, error) {
	if filepath.IsAbs(relative) {
		return "", &Error{Kind: KindAbsolute, Path: relative}
	}

	cleaned := filepath.Clean(strings.ReplaceAll(relative, "\\", "/"))
	cleaned = filepath.ToSlash(cleaned)

	if cleaned == "." {
		return filepath.Clean(root), nil
	}

	for _, part := range strings.Split(cleaned, "/") {
		if part == ".." {
			return "", &Error{Kind: KindTraversal, Path: relative}
		}
	}

	joined := filepath.Join(root, filepath.FromSlash(cleaned))

	// Defense in depth: even after the component check above, confirm the
	// join stayed under root (catches platform-specific separator quirks).
	absRoot, err := filepath.Abs(root)
	if err != nil {
		return "", errors.Wrapf(err, "resolving root %q", root)
	}
	absJoined, err := filepath.Abs(joined)
	if err != nil {
		return "", errors.Wrapf(err, "resolving joined path %q", joined)
	}
	rel, err := filepath.Rel(absRoot, absJoined)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", &Error{Kind: KindTraversal, Path: relative}
	}

	return joined, nil
}

// LogicalPath joins a dest-prefix and a source path the way files.txt
// entries describe install targets: DEST_PREFIX ⊕ SRC. Both sides are
// treated as POSIX-slash paths regardless of host OS.
func LogicalPath(destPrefix, src string) string {
	destPrefix = strings.TrimSuffix(destPrefix, "/")
	src = strings.TrimPrefix(src, "/")
	if destPrefix == "" {
		return "/" + src
	}
	if !strings.HasPrefix(destPrefix, "/") {
		destPrefix = "/" + destPrefix
	}
	return destPrefix + "/" + src
}

// Reroot converts a logical (package-view) absolute path into a physical
// path under root, applying Validate so the result can never escape root.
func Reroot(logical, root string) (string, error) {
	return Validate(strings.TrimPrefix(logical, "/"), root)
}
