package inject

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/go-logr/logr"
	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/arc-language/pybundle/internal/testutil"
	"github.com/arc-language/pybundle/pkg/archive"
	"github.com/arc-language/pybundle/pkg/core"
)

func paths(entries []Entry) []string {
	var out []string
	for _, e := range entries {
		out = append(out, e.Path)
	}
	return out
}

// resources mimics a module's resource dir that still holds a raw staged tree
func resources(t *testing.T) string {
	dir := t.TempDir()
	testutil.WriteFile(t, dir, "application.properties", "port=8080")
	testutil.WriteFile(t, dir, "python_dist/python.exe", "MZ")
	testutil.WriteFile(t, dir, "python_dist/Lib/site-packages/numpy/__init__.py", "")
	return dir
}

func TestBuilderRejectsDuplicates(t *testing.T) {
	src := testutil.WriteFile(t, t.TempDir(), "a.txt", "a")

	b := NewBuilder()
	require.NoError(t, b.AddFile("res/a.txt", src))
	err := b.AddFile("/res//a.txt", src)
	assert.ErrorIs(t, err, core.ErrInjection)

	assert.ErrorIs(t, b.AddFile("../escape", src), core.ErrInjection)
	assert.ErrorIs(t, b.AddFile("", src), core.ErrInjection)
	assert.ErrorIs(t, b.AddFile("missing", filepath.Join(t.TempDir(), "nope")), core.ErrIO)
}

func TestBuilderExcludeAndWrite(t *testing.T) {
	b := NewBuilder()
	require.NoError(t, b.AddDir("", resources(t)))
	require.NoError(t, b.Exclude("python_dist"))

	assert.Equal(t, []string{"application.properties"}, paths(b.Entries()))

	out := filepath.Join(t.TempDir(), "libs", "app.jar")
	d1, err := b.Write(out)
	require.NoError(t, err)

	entries, err := archive.List(out)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "application.properties", entries[0].Path)

	d2, err := b.Write(out)
	require.NoError(t, err)
	assert.Equal(t, d1, d2)
}

func TestInject(t *testing.T) {
	dir := t.TempDir()
	archiveFile := testutil.WriteFile(t, dir, "generated/resources/python_dist.zip", "zip")
	nativeDir := filepath.Join(dir, "natives")
	testutil.WriteFile(t, nativeDir, "rust_bridge.dll", "dll")
	testutil.WriteFile(t, nativeDir, "linux/librust_bridge.so", "so")

	b := NewBuilder()
	res := resources(t)
	testutil.WriteFile(t, res, "python_dist.zip", "stale")
	require.NoError(t, b.AddDir("", res))

	inj := NewInjector(&Config{Logger: logr.Discard()})
	require.NoError(t, inj.Inject(b, archiveFile, nativeDir))

	want := []string{
		"application.properties",
		"natives/linux/librust_bridge.so",
		"natives/rust_bridge.dll",
		"python_dist.zip",
	}
	if diff := cmp.Diff(want, paths(b.Entries())); diff != "" {
		t.Errorf("artifact resources mismatch (-want +got):\n%s", diff)
	}

	for _, e := range b.Entries() {
		if e.Path == "python_dist.zip" {
			assert.Equal(t, archiveFile, e.Source)
		}
	}
}

func TestInjectMissingArchive(t *testing.T) {
	missing := filepath.Join(t.TempDir(), "python_dist.zip")

	err := NewInjector(nil).Inject(NewBuilder(), missing, "")
	assert.ErrorIs(t, err, core.ErrInjection)

	restricted := NewInjector(&Config{Profile: core.Profile{Restricted: true, Reason: "JITPACK"}})
	b := NewBuilder()
	require.NoError(t, b.AddDir("", resources(t)))
	require.NoError(t, restricted.Inject(b, missing, ""))
	assert.Equal(t, []string{"application.properties"}, paths(b.Entries()))
}

func TestVerify(t *testing.T) {
	inj := NewInjector(nil)

	assert.NoError(t, inj.Verify([]Entry{{Path: "python_dist.zip"}, {Path: "natives/a.dll"}}, true))
	assert.ErrorIs(t, inj.Verify([]Entry{{Path: "natives/a.dll"}}, true), core.ErrInjection)
	assert.ErrorIs(t, inj.Verify([]Entry{{Path: "python_dist.zip"}}, false), core.ErrInjection)
	assert.ErrorIs(t, inj.Verify([]Entry{
		{Path: "python_dist.zip"},
		{Path: "python_dist/python.exe"},
	}, true), core.ErrInjection)
}

func TestInjectCustomPaths(t *testing.T) {
	dir := t.TempDir()
	archiveFile := testutil.WriteFile(t, dir, "python_dist.tar.zst", "zst")
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "empty"), 0755))

	b := NewBuilder()
	inj := NewInjector(&Config{ArchivePath: "runtime/python_dist.tar.zst", NativesPath: "lib/native"})
	require.NoError(t, inj.Inject(b, archiveFile, filepath.Join(dir, "empty")))
	assert.Equal(t, []string{"runtime/python_dist.tar.zst"}, paths(b.Entries()))
}
