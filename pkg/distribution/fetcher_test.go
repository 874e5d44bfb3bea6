package distribution

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/arc-language/pybundle/pkg/core"
	"github.com/arc-language/pybundle/pkg/platform"
)

var rt = platform.MustRuntime("3.11.9", platform.WinAmd64)

func newServer(t *testing.T, body []byte, hits *atomic.Int32) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		if r.URL.Path != "/3.11.9/python-3.11.9-embed-amd64.zip" {
			http.NotFound(w, r)
			return
		}
		w.Write(body)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func newFetcher(srv *httptest.Server, sha string) *Fetcher {
	return NewFetcher(&Config{
		URLTemplate: srv.URL + "/{version}/python-{version}-embed-{arch}.zip",
		SHA256:      sha,
		Timeout:     5 * time.Second,
	})
}

func TestURL(t *testing.T) {
	f := NewFetcher(nil)
	url, err := f.URL(rt)
	require.NoError(t, err)
	assert.Equal(t, "https://www.python.org/ftp/python/3.11.9/python-3.11.9-embed-amd64.zip", url)

	name, err := FileName(rt)
	require.NoError(t, err)
	assert.Equal(t, "python-3.11.9-embed-amd64.zip", name)
}

func TestURLUnsupportedPlatform(t *testing.T) {
	_, err := NewFetcher(nil).URL(platform.MustRuntime("3.11.9", "manylinux2014_x86_64"))
	assert.ErrorIs(t, err, core.ErrPlatformNotSupported)
}

func TestFetchIsIdempotent(t *testing.T) {
	var hits atomic.Int32
	srv := newServer(t, []byte("embedded-python"), &hits)
	target := filepath.Join(t.TempDir(), "tmp", "python.zip")
	f := newFetcher(srv, "")

	require.NoError(t, f.Fetch(context.Background(), rt, target))
	first, err := os.ReadFile(target)
	require.NoError(t, err)
	assert.EqualValues(t, 1, hits.Load())

	require.NoError(t, f.Fetch(context.Background(), rt, target))
	second, err := os.ReadFile(target)
	require.NoError(t, err)

	assert.Equal(t, first, second)
	assert.EqualValues(t, 1, hits.Load(), "second fetch must not touch the network")
}

func TestFetchRemoteNotFoundLeavesNothing(t *testing.T) {
	var hits atomic.Int32
	srv := newServer(t, nil, &hits)
	dir := t.TempDir()
	target := filepath.Join(dir, "python.zip")

	f := newFetcher(srv, "")
	err := f.Fetch(context.Background(), platform.MustRuntime("3.10.0", platform.WinAmd64), target)
	assert.ErrorIs(t, err, core.ErrRemoteNotFound)

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Empty(t, entries, "partial downloads must be removed")
}

func TestFetchNetworkUnavailable(t *testing.T) {
	var hits atomic.Int32
	srv := newServer(t, nil, &hits)
	f := newFetcher(srv, "")
	srv.Close()

	err := f.Fetch(context.Background(), rt, filepath.Join(t.TempDir(), "python.zip"))
	assert.ErrorIs(t, err, core.ErrNetworkUnavailable)
}

func TestFetchVerifiesPinnedDigest(t *testing.T) {
	body := []byte("embedded-python")
	sum := sha256.Sum256(body)
	digest := hex.EncodeToString(sum[:])

	var hits atomic.Int32
	srv := newServer(t, body, &hits)
	target := filepath.Join(t.TempDir(), "python.zip")

	// A stale file with the wrong content is replaced.
	require.NoError(t, os.WriteFile(target, []byte("stale"), 0644))
	require.NoError(t, newFetcher(srv, digest).Fetch(context.Background(), rt, target))

	got, err := os.ReadFile(target)
	require.NoError(t, err)
	assert.Equal(t, body, got)
	assert.EqualValues(t, 1, hits.Load())

	// A wrong pin fails and leaves the previous good file alone.
	err = newFetcher(srv, "deadbeef").Fetch(context.Background(), rt, target)
	assert.ErrorIs(t, err, core.ErrHashMismatch)
	got, err = os.ReadFile(target)
	require.NoError(t, err)
	assert.Equal(t, body, got)
}
