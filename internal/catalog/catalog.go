package catalog

import (
	"errors"
	"io/fs"
	"iter"
	"os"
	"path"
	"path/filepath"

	"github.com/keithlinneman/cfdexchange/internal/sandbox"
	"github.com/keithlinneman/cfdexchange/internal/xerrors"
)

// MarkerName identifies a case directory two levels above it.
const MarkerName = "controlDict"

// MaxDepth caps DirSize recursion.
const MaxDepth = 64

var (
	// ErrUnsupported is returned for entries that are neither regular files
	// nor directories (sockets, devices, fifos).
	ErrUnsupported = errors.New("not a regular file or directory")
	// ErrOutsideRoot marks a case directory above the scan root.
	ErrOutsideRoot = errors.New("outside root")
)

// List returns the immediate children of root/rel. A rel that is rejected by
// the sandbox or is not a directory falls back to listing root itself.
func List(root, rel string, opts ...Option) (Listing, error) {
	c := newConfig(opts)
	out := Listing{Dirs: []Record{}, Files: []Record{}}

	base, err := sandbox.Root(root)
	if err != nil {
		return out, xerrors.Wrapf(err, "catalog root %s", root)
	}
	dir, err := sandbox.Resolve(base, rel)
	if err != nil {
		dir = base
	} else if fi, serr := os.Stat(dir); serr != nil || !fi.IsDir() {
		dir = base
	}
	relDir, err := filepath.Rel(base, dir)
	if err != nil {
		return out, xerrors.Wrap(err, "relative listing dir")
	}
	relDir = filepath.ToSlash(relDir)

	entries, err := os.ReadDir(dir)
	if err != nil {
		return out, xerrors.Wrapf(err, "read dir %s", relDir)
	}
	for _, e := range entries {
		childRel := path.Join(relDir, e.Name())
		rec, err := statEntry(base, childRel, c.forcedType)
		if err != nil {
			c.onSkip(childRel, err)
			continue
		}
		if rec.IsDir() {
			out.Dirs = append(out.Dirs, rec)
		} else {
			out.Files = append(out.Files, rec)
		}
	}
	sortByName(out.Dirs)
	sortByName(out.Files)
	return out, nil
}

// Stat builds the record for root/rel.
func Stat(root, rel, forcedType string) (Record, error) {
	base, err := sandbox.Root(root)
	if err != nil {
		return Record{}, err
	}
	clean := path.Clean("/" + filepath.ToSlash(rel))[1:]
	if clean == "" {
		clean = "."
	}
	return statEntry(base, clean, forcedType)
}

// statEntry resolves rel (slash separated, relative to the canonical base)
// through the sandbox so symlinks count only when they stay inside.
func statEntry(base, rel, forcedType string) (Record, error) {
	abs, err := sandbox.Resolve(base, rel)
	if err != nil {
		return Record{}, err
	}
	fi, err := os.Stat(abs)
	if err != nil {
		return Record{}, err
	}
	name := path.Base(rel)
	if rel == "." {
		name = filepath.Base(base)
	}
	switch {
	case fi.IsDir():
		return newRecord(name, rel, dirSize(abs, base, 0, make(map[string]struct{})), fi.ModTime(), TypeDirectory), nil
	case fi.Mode().IsRegular():
		typ := forcedType
		if typ == "" {
			typ = path.Ext(name)
		}
		return newRecord(name, rel, fi.Size(), fi.ModTime(), typ), nil
	default:
		return Record{}, ErrUnsupported
	}
}

// DirSize sums regular file sizes below dir. Symlinks are followed once per
// real path while they stay inside dir, and recursion stops at MaxDepth.
// Unreadable entries count as zero.
func DirSize(dir string) int64 {
	bound, err := filepath.EvalSymlinks(dir)
	if err != nil {
		return 0
	}
	return dirSize(bound, bound, 0, make(map[string]struct{}))
}

func dirSize(dir, bound string, depth int, visited map[string]struct{}) int64 {
	if depth > MaxDepth {
		return 0
	}
	resolved, err := filepath.EvalSymlinks(dir)
	if err != nil || !sandbox.Within(bound, resolved) {
		return 0
	}
	if _, seen := visited[resolved]; seen {
		return 0
	}
	visited[resolved] = struct{}{}

	entries, err := os.ReadDir(resolved)
	if err != nil {
		return 0
	}
	var total int64
	for _, e := range entries {
		p := filepath.Join(resolved, e.Name())
		if e.Type()&fs.ModeSymlink != 0 {
			target, err := filepath.EvalSymlinks(p)
			if err != nil || !sandbox.Within(bound, target) {
				continue
			}
		}
		fi, err := os.Stat(p)
		if err != nil {
			continue
		}
		switch {
		case fi.IsDir():
			total += dirSize(p, bound, depth+1, visited)
		case fi.Mode().IsRegular():
			total += fi.Size()
		}
	}
	return total
}

// FindMarkedCases yields one record per case directory under root, found by
// a regular file named MarkerName two levels below it. Symlinks are not
// followed and unreadable subtrees are skipped. Each call rescans.
func FindMarkedCases(root string, opts ...Option) iter.Seq[Record] {
	c := newConfig(opts)
	return func(yield func(Record) bool) {
		base, err := sandbox.Root(root)
		if err != nil {
			c.onSkip(root, err)
			return
		}
		seen := make(map[string]struct{})
		_ = filepath.WalkDir(base, func(p string, d fs.DirEntry, err error) error {
			if err != nil {
				c.onSkip(p, err)
				if d != nil && d.IsDir() && p != base {
					return fs.SkipDir
				}
				return nil
			}
			if d.Name() != MarkerName || !d.Type().IsRegular() {
				return nil
			}
			casePath := filepath.Dir(filepath.Dir(p))
			if !sandbox.Within(base, casePath) {
				c.onSkip(p, ErrOutsideRoot)
				return nil
			}
			if _, dup := seen[casePath]; dup {
				return nil
			}
			seen[casePath] = struct{}{}

			rel, err := filepath.Rel(base, casePath)
			if err != nil {
				return nil
			}
			rec, err := statEntry(base, filepath.ToSlash(rel), "")
			if err != nil {
				c.onSkip(casePath, err)
				return nil
			}
			if !yield(rec) {
				return fs.SkipAll
			}
			return nil
		})
	}
}
