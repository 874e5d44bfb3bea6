package cache

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/opencontainers/go-digest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/arc-language/pybundle/internal/testutil"
)

func TestHasherSeparatesFields(t *testing.T) {
	a := NewHasher().Field("ab").Field("c").Sum()
	b := NewHasher().Field("a").Field("bc").Sum()
	assert.NotEqual(t, a, b)
	assert.Equal(t, a, NewHasher().Field("ab").Field("c").Sum())
	assert.NoError(t, a.Validate())
	assert.Equal(t, digest.SHA256, a.Algorithm())
}

func TestHasherFile(t *testing.T) {
	dir := t.TempDir()
	p := testutil.WriteFile(t, dir, "requirements.txt", "numpy==1.26.0\n")

	sum := func() digest.Digest {
		h := NewHasher()
		require.NoError(t, h.File("manifest", p))
		return h.Sum()
	}
	first := sum()
	assert.Equal(t, first, sum())

	require.NoError(t, os.WriteFile(p, []byte("numpy==1.26.1\n"), 0644))
	assert.NotEqual(t, first, sum())

	absent := NewHasher()
	require.NoError(t, absent.File("manifest", filepath.Join(dir, "missing")))
	empty := NewHasher()
	require.NoError(t, empty.File("manifest", ""))
	assert.Equal(t, absent.Sum(), empty.Sum())
}

func TestHashTree(t *testing.T) {
	root := t.TempDir()
	testutil.WriteFile(t, root, "a.py", "a")
	testutil.WriteFile(t, root, "pkg/b.py", "b")

	first, err := HashTree(root)
	require.NoError(t, err)

	later := time.Now().Add(time.Hour)
	require.NoError(t, os.Chtimes(filepath.Join(root, "a.py"), later, later))
	again, err := HashTree(root)
	require.NoError(t, err)
	assert.Equal(t, first, again, "mtime must not matter")

	require.NoError(t, os.Rename(filepath.Join(root, "pkg", "b.py"), filepath.Join(root, "pkg", "c.py")))
	renamed, err := HashTree(root)
	require.NoError(t, err)
	assert.NotEqual(t, first, renamed)
}

func TestStore(t *testing.T) {
	ctx := context.Background()
	dbPath := filepath.Join(t.TempDir(), ".pybundle", "state.db")

	s, err := Open(ctx, dbPath)
	require.NoError(t, err)
	defer s.Close()
	assert.Equal(t, dbPath, s.Path())

	_, ok, err := s.Get(ctx, "fetch")
	require.NoError(t, err)
	assert.False(t, ok)

	out := testutil.WriteFile(t, t.TempDir(), "python.zip", "zip")
	fp := NewHasher().Field("3.11.9").Sum()
	require.NoError(t, s.Put(ctx, Record{Task: "fetch", Fingerprint: fp, Outputs: []string{out}}))

	rec, ok, err := s.Get(ctx, "fetch")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, fp, rec.Fingerprint)
	assert.Equal(t, []string{out}, rec.Outputs)
	assert.False(t, rec.UpdatedAt.IsZero())

	fresh, err := s.UpToDate(ctx, "fetch", fp)
	require.NoError(t, err)
	assert.True(t, fresh)

	fresh, err = s.UpToDate(ctx, "fetch", NewHasher().Field("3.12.0").Sum())
	require.NoError(t, err)
	assert.False(t, fresh)

	require.NoError(t, os.Remove(out))
	fresh, err = s.UpToDate(ctx, "fetch", fp)
	require.NoError(t, err)
	assert.False(t, fresh, "missing outputs invalidate the record")

	require.NoError(t, s.Put(ctx, Record{Task: "archive", Fingerprint: fp}))
	recs, err := s.List(ctx)
	require.NoError(t, err)
	require.Len(t, recs, 2)
	assert.Equal(t, "archive", recs[0].Task)

	require.NoError(t, s.Delete(ctx, "archive"))
	_, ok, err = s.Get(ctx, "archive")
	require.NoError(t, err)
	assert.False(t, ok)

	assert.Error(t, s.Put(ctx, Record{Task: "bad", Fingerprint: "nope"}))
}

func TestStorePersistsAcrossOpens(t *testing.T) {
	ctx := context.Background()
	dbPath := filepath.Join(t.TempDir(), "state.db")
	fp := NewHasher().Field("x").Sum()

	s, err := Open(ctx, dbPath)
	require.NoError(t, err)
	require.NoError(t, s.Put(ctx, Record{Task: "resolve", Fingerprint: fp}))
	require.NoError(t, s.Close())

	s, err = Open(ctx, dbPath)
	require.NoError(t, err)
	defer s.Close()
	fresh, err := s.UpToDate(ctx, "resolve", fp)
	require.NoError(t, err)
	assert.True(t, fresh)
}
