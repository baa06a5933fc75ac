package catalog

import (
	"encoding/json"
	"os"
	"path/filepath"
	"slices"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/keithlinneman/cfdexchange/internal/sandbox"
)

func writeFile(t *testing.T, p string, size int, mtime time.Time) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(p), 0o755))
	require.NoError(t, os.WriteFile(p, make([]byte, size), 0o644))
	if !mtime.IsZero() {
		require.NoError(t, os.Chtimes(p, mtime, mtime))
	}
}

// newHome builds:
//
//	home/
//	  caseA/system/controlDict (10)
//	  caseA/constant/mesh      (100)
//	  runs/caseB/system/controlDict (5)
//	  notes.txt (7)
//	  README    (3)
//	  escape -> ../outside
//	  alias  -> caseA
func newHome(t *testing.T) string {
	t.Helper()
	base := t.TempDir()
	home := filepath.Join(base, "home")
	writeFile(t, filepath.Join(home, "caseA", "system", "controlDict"), 10, time.Time{})
	writeFile(t, filepath.Join(home, "caseA", "constant", "mesh"), 100, time.Time{})
	writeFile(t, filepath.Join(home, "runs", "caseB", "system", "controlDict"), 5, time.Time{})
	writeFile(t, filepath.Join(home, "notes.txt"), 7, time.Time{})
	writeFile(t, filepath.Join(home, "README"), 3, time.Time{})
	writeFile(t, filepath.Join(base, "outside", "secret"), 1000, time.Time{})
	require.NoError(t, os.Symlink(filepath.Join(base, "outside"), filepath.Join(home, "escape")))
	require.NoError(t, os.Symlink(filepath.Join(home, "caseA"), filepath.Join(home, "alias")))
	home, err := filepath.EvalSymlinks(home)
	require.NoError(t, err)
	return home
}

func names(recs []Record) []string {
	out := make([]string, 0, len(recs))
	for _, r := range recs {
		out = append(out, r.Name)
	}
	return out
}

func TestList_Root(t *testing.T) {
	home := newHome(t)
	var skipped []string
	l, err := List(home, "", WithSkipHook(func(p string, err error) {
		require.ErrorIs(t, err, sandbox.ErrRejected)
		skipped = append(skipped, p)
	}))
	require.NoError(t, err)

	require.Equal(t, []string{"alias", "caseA", "runs"}, names(l.Dirs))
	require.Equal(t, []string{"README", "notes.txt"}, names(l.Files))
	require.Equal(t, []string{"escape"}, skipped)

	caseA := l.Dirs[1]
	require.Equal(t, "caseA", caseA.Path)
	require.Equal(t, TypeDirectory, caseA.Type)
	require.EqualValues(t, 110, caseA.Size)

	notes := l.Files[1]
	require.Equal(t, ".txt", notes.Type)
	require.EqualValues(t, 7, notes.Size)
	require.Equal(t, "7 B", notes.SizeHuman)
	require.Empty(t, l.Files[0].Type)
}

func TestList_Subdir(t *testing.T) {
	home := newHome(t)
	l, err := List(home, "caseA/system")
	require.NoError(t, err)
	require.Empty(t, l.Dirs)
	require.Len(t, l.Files, 1)
	require.Equal(t, "caseA/system/controlDict", l.Files[0].Path)
}

func TestList_FallsBackToRoot(t *testing.T) {
	home := newHome(t)
	for _, rel := range []string{"../outside", "escape", "missing", "notes.txt"} {
		t.Run(rel, func(t *testing.T) {
			l, err := List(home, rel)
			require.NoError(t, err)
			require.Equal(t, []string{"alias", "caseA", "runs"}, names(l.Dirs))
		})
	}
}

func TestList_ForcedType(t *testing.T) {
	home := newHome(t)
	l, err := List(home, "", WithForcedType("upload"))
	require.NoError(t, err)
	for _, f := range l.Files {
		require.Equal(t, "upload", f.Type)
	}
	for _, d := range l.Dirs {
		require.Equal(t, TypeDirectory, d.Type)
	}
}

func TestList_EmptyDirEncodesArrays(t *testing.T) {
	home := t.TempDir()
	l, err := List(home, "")
	require.NoError(t, err)
	b, err := json.Marshal(l)
	require.NoError(t, err)
	require.JSONEq(t, `{"dirs":[],"files":[]}`, string(b))
}

func TestList_BadRoot(t *testing.T) {
	_, err := List(filepath.Join(t.TempDir(), "nope"), "")
	require.ErrorIs(t, err, sandbox.ErrRejected)
}

func TestStat(t *testing.T) {
	home := newHome(t)
	mt := time.Date(2025, 3, 1, 12, 30, 0, 0, time.Local)
	writeFile(t, filepath.Join(home, "result.dat"), 2048, mt)

	r, err := Stat(home, "/result.dat", "")
	require.NoError(t, err)
	require.Equal(t, "result.dat", r.Name)
	require.Equal(t, "result.dat", r.Path)
	require.Equal(t, mt.Unix(), r.ModTime)
	require.Equal(t, "2025-03-01 12:30:00", r.LastModified)
	require.Equal(t, "2.0 KiB", r.SizeHuman)

	_, err = Stat(home, "escape/secret", "")
	require.ErrorIs(t, err, sandbox.ErrRejected)
}

func TestRecord_JSONKeys(t *testing.T) {
	b, err := json.Marshal(Record{Name: "a"})
	require.NoError(t, err)
	var m map[string]any
	require.NoError(t, json.Unmarshal(b, &m))
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	require.Equal(t, []string{"file_size", "file_type", "last_modified", "mtime", "name", "path", "size_human"}, keys)
}

func TestDirSize_SymlinkCycle(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "a", "f"), 4, time.Time{})
	require.NoError(t, os.Symlink(dir, filepath.Join(dir, "a", "loop")))
	require.EqualValues(t, 4, DirSize(dir))
}

func TestDirSize_IgnoresEscapingLinks(t *testing.T) {
	home := newHome(t)
	// escape points at 1000 bytes outside; alias repeats caseA which was
	// already visited
	require.EqualValues(t, 10+100+5+7+3, DirSize(home))
}

func TestDirSize_Missing(t *testing.T) {
	require.Zero(t, DirSize(filepath.Join(t.TempDir(), "gone")))
}

func TestFindMarkedCases(t *testing.T) {
	home := newHome(t)

	var got []string
	for r := range FindMarkedCases(home) {
		got = append(got, r.Path)
	}
	slices.Sort(got)
	require.Equal(t, []string{"caseA", "runs/caseB"}, got)
}

func TestFindMarkedCases_DedupAndStop(t *testing.T) {
	home := newHome(t)
	writeFile(t, filepath.Join(home, "caseA", "other", "controlDict"), 1, time.Time{})

	n := 0
	for range FindMarkedCases(home) {
		n++
	}
	require.Equal(t, 2, n)

	n = 0
	for range FindMarkedCases(home) {
		n++
		break
	}
	require.Equal(t, 1, n)
}

func TestFindMarkedCases_MarkerAboveRoot(t *testing.T) {
	home := t.TempDir()
	writeFile(t, filepath.Join(home, "controlDict"), 1, time.Time{})

	var skipped int
	n := 0
	for range FindMarkedCases(home, WithSkipHook(func(string, error) { skipped++ })) {
		n++
	}
	require.Zero(t, n)
	require.Equal(t, 1, skipped)
}

func TestFindMarkedCases_IgnoresMarkerDirectory(t *testing.T) {
	home := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(home, "c", "system", "controlDict"), 0o755))
	for range FindMarkedCases(home) {
		t.Fatal("directory named controlDict must not mark a case")
	}
}

func TestSortByModified(t *testing.T) {
	recs := []Record{
		{Name: "old", ModTime: 1},
		{Name: "b", ModTime: 5},
		{Name: "a", ModTime: 5},
		{Name: "new", ModTime: 9},
	}
	SortByModified(recs)
	require.Equal(t, []string{"new", "a", "b", "old"}, names(recs))
}
