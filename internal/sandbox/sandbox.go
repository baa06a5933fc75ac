// Package sandbox confines user-supplied path strings to a trusted root.
package sandbox

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
)

var (
	// ErrRejected is returned for any path that cannot be resolved or does
	// not resolve inside the root.
	ErrRejected = errors.New("path rejected")
	// ErrUnsafeName is returned when a name hint sanitizes to nothing usable.
	ErrUnsafeName = errors.New("unsafe file name")
)

// MaxNameLen leaves room for shadow suffixes within a 255 byte name limit.
const MaxNameLen = 250

// Resolve joins userPath onto root, resolves symlinks, and returns the
// canonical absolute path if it is root or lies beneath it. Absolute user
// paths are taken as relative to root. Every failure maps to ErrRejected.
func Resolve(root, userPath string) (string, error) {
	if strings.IndexByte(userPath, 0) >= 0 || strings.IndexByte(root, 0) >= 0 {
		return "", ErrRejected
	}
	base, err := canonical(root)
	if err != nil {
		return "", ErrRejected
	}
	// no Clean before EvalSymlinks: ".." must apply to the resolved parent
	rel := strings.TrimLeft(filepath.FromSlash(userPath), string(filepath.Separator))
	real, err := filepath.EvalSymlinks(base + string(filepath.Separator) + rel)
	if err != nil {
		return "", ErrRejected
	}
	if !Within(base, real) {
		return "", ErrRejected
	}
	return real, nil
}

// Root returns the canonical form of root, creating nothing.
func Root(root string) (string, error) {
	base, err := canonical(root)
	if err != nil {
		return "", ErrRejected
	}
	fi, err := os.Stat(base)
	if err != nil || !fi.IsDir() {
		return "", ErrRejected
	}
	return base, nil
}

func canonical(p string) (string, error) {
	abs, err := filepath.Abs(p)
	if err != nil {
		return "", err
	}
	return filepath.EvalSymlinks(abs)
}

// Within reports whether p is root or a descendant of it. Both paths must
// already be absolute and clean; no filesystem access happens here.
func Within(root, p string) bool {
	root = filepath.Clean(root)
	p = filepath.Clean(p)
	if p == root {
		return true
	}
	if root == string(filepath.Separator) {
		return strings.HasPrefix(p, root)
	}
	return strings.HasPrefix(p, root+string(filepath.Separator))
}

// SafeName reduces a client supplied file name to its final component made
// of [A-Za-z0-9._-] only.
func SafeName(hint string) (string, error) {
	if i := strings.LastIndexAny(hint, `/\`); i >= 0 {
		hint = hint[i+1:]
	}
	var b strings.Builder
	b.Grow(len(hint))
	inSpace := false
	for _, r := range strings.TrimSpace(hint) {
		switch {
		case r == ' ' || r == '\t' || r == '\n' || r == '\r' || r == '\v' || r == '\f':
			if !inSpace {
				b.WriteByte('_')
			}
			inSpace = true
			continue
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '.', r == '_', r == '-':
			b.WriteRune(r)
		default:
			b.WriteByte('_')
		}
		inSpace = false
	}
	name := strings.Trim(b.String(), "._")
	if name == "" || len(name) > MaxNameLen {
		return "", ErrUnsafeName
	}
	return name, nil
}

// HasDotSegments reports whether any path segment is "." or "..".
func HasDotSegments(p string) bool {
	for _, seg := range strings.FieldsFunc(p, isSep) {
		if seg == "." || seg == ".." {
			return true
		}
	}
	return false
}

func isSep(r rune) bool { return r == '/' || r == '\\' }
