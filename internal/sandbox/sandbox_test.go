package sandbox

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

// newRoot lays out root/{case1/system,uploads,inlink->case1,outlink->outside}
// plus a sibling directory outside the root.
func newRoot(t *testing.T) (root, outside string) {
	t.Helper()
	base := t.TempDir()
	root = filepath.Join(base, "home")
	outside = filepath.Join(base, "secret")
	require.NoError(t, os.MkdirAll(filepath.Join(root, "case1", "system"), 0o755))
	require.NoError(t, os.MkdirAll(filepath.Join(root, "uploads"), 0o755))
	require.NoError(t, os.MkdirAll(outside, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(outside, "passwd"), []byte("x"), 0o644))
	require.NoError(t, os.Symlink(filepath.Join(root, "case1"), filepath.Join(root, "inlink")))
	require.NoError(t, os.Symlink(outside, filepath.Join(root, "outlink")))
	root, err := filepath.EvalSymlinks(root)
	require.NoError(t, err)
	return root, outside
}

func TestResolve(t *testing.T) {
	root, _ := newRoot(t)
	require.NoError(t, os.MkdirAll(filepath.Join(root, "case1", "data"), 0o755))
	require.NoError(t, os.Symlink(filepath.Join(root, "case1", "system"), filepath.Join(root, "deep")))

	tests := []struct {
		name string
		in   string
		want string
		ok   bool
	}{
		{"empty is root", "", root, true},
		{"dot is root", ".", root, true},
		{"child", "case1", filepath.Join(root, "case1"), true},
		{"nested", "case1/system", filepath.Join(root, "case1", "system"), true},
		{"absolute taken as relative", "/case1", filepath.Join(root, "case1"), true},
		{"dotdot inside", "case1/../uploads", filepath.Join(root, "uploads"), true},
		{"symlink inside", "inlink/system", filepath.Join(root, "case1", "system"), true},
		{"dotdot after symlink", "deep/../data", filepath.Join(root, "case1", "data"), true},
		{"dotdot after outside symlink", "outlink/../home/uploads", filepath.Join(root, "uploads"), true},
		{"lexical parent is not resolved parent", "deep/../uploads", "", false},
		{"escape by dotdot", "../secret", "", false},
		{"escape by deep dotdot", "case1/../../secret/passwd", "", false},
		{"escape by symlink", "outlink/passwd", "", false},
		{"missing", "nope", "", false},
		{"nul byte", "case1\x00", "", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Resolve(root, tt.in)
			if !tt.ok {
				require.ErrorIs(t, err, ErrRejected)
				require.Empty(t, got)
				return
			}
			require.NoError(t, err)
			require.Equal(t, tt.want, got)
		})
	}
}

func TestResolve_SymlinkLoop(t *testing.T) {
	root, _ := newRoot(t)
	require.NoError(t, os.Symlink("loopb", filepath.Join(root, "loopa")))
	require.NoError(t, os.Symlink("loopa", filepath.Join(root, "loopb")))

	_, err := Resolve(root, "loopa")
	require.ErrorIs(t, err, ErrRejected)
}

func TestResolve_MissingRoot(t *testing.T) {
	_, err := Resolve(filepath.Join(t.TempDir(), "gone"), "x")
	require.ErrorIs(t, err, ErrRejected)
}

func TestRoot(t *testing.T) {
	root, outside := newRoot(t)

	got, err := Root(root)
	require.NoError(t, err)
	require.Equal(t, root, got)

	_, err = Root(filepath.Join(outside, "passwd"))
	require.ErrorIs(t, err, ErrRejected)
}

func TestWithin(t *testing.T) {
	tests := []struct {
		root, p string
		want    bool
	}{
		{"/srv/home", "/srv/home", true},
		{"/srv/home", "/srv/home/a/b", true},
		{"/srv/home", "/srv/homework", false},
		{"/srv/home", "/srv", false},
		{"/srv/home/", "/srv/home/a", true},
		{"/", "/anything", true},
	}
	for _, tt := range tests {
		if got := Within(tt.root, tt.p); got != tt.want {
			t.Errorf("Within(%q, %q) = %v, want %v", tt.root, tt.p, got, tt.want)
		}
	}
}

func TestSafeName(t *testing.T) {
	tests := []struct {
		in   string
		want string
		ok   bool
	}{
		{"result.txt", "result.txt", true},
		{"My Result  File.dat", "My_Result_File.dat", true},
		{"../../etc/passwd", "passwd", true},
		{`C:\Users\me\case.zip`, "case.zip", true},
		{".bashrc", "bashrc", true},
		{"naïve.csv", "na_ve.csv", true},
		{"a;rm -rf.sh", "a_rm_-rf.sh", true},
		{"", "", false},
		{"   ", "", false},
		{"..", "", false},
		{"dir/", "", false},
		{"._", "", false},
		{strings.Repeat("a", MaxNameLen+1), "", false},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := SafeName(tt.in)
			if !tt.ok {
				require.ErrorIs(t, err, ErrUnsafeName)
				return
			}
			require.NoError(t, err)
			require.Equal(t, tt.want, got)
		})
	}
}

func FuzzResolve(f *testing.F) {
	base := f.TempDir()
	root := filepath.Join(base, "home")
	if err := os.MkdirAll(filepath.Join(root, "case1", "system"), 0o755); err != nil {
		f.Fatal(err)
	}
	if err := os.MkdirAll(filepath.Join(base, "secret"), 0o755); err != nil {
		f.Fatal(err)
	}
	if err := os.Symlink(filepath.Join(base, "secret"), filepath.Join(root, "outlink")); err != nil {
		f.Fatal(err)
	}
	realRoot, err := filepath.EvalSymlinks(root)
	if err != nil {
		f.Fatal(err)
	}

	for _, s := range []string{"", "case1", "../secret", "outlink", "case1/../..", "/etc/passwd", "case1/system/../../../secret"} {
		f.Add(s)
	}
	f.Fuzz(func(t *testing.T, p string) {
		got, err := Resolve(root, p)
		if err != nil {
			if err != ErrRejected {
				t.Fatalf("Resolve(%q) returned non-sentinel error %v", p, err)
			}
			return
		}
		if !Within(realRoot, got) {
			t.Fatalf("Resolve(%q) = %q escapes %q", p, got, realRoot)
		}
		if _, err := os.Stat(got); err != nil {
			t.Fatalf("Resolve(%q) = %q does not exist: %v", p, got, err)
		}
	})
}
