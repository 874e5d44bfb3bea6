package pypi

import (
	"context"
	"testing"
	"time"

	"github.com/go-logr/logr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/arc-language/pybundle/internal/testutil"
	"github.com/arc-language/pybundle/pkg/core"
	"github.com/arc-language/pybundle/pkg/netclient"
	"github.com/arc-language/pybundle/pkg/platform"
	"github.com/arc-language/pybundle/pkg/requirements"
	"github.com/arc-language/pybundle/pkg/wheel"
)

var rt311 = platform.MustRuntime("3.11.9", platform.WinAmd64)

func newTestIndex(srv *testutil.Server) *Index {
	return NewIndex(srv.IndexURL(), netclient.NewClientWithTimeout(5*time.Second, 0), logr.Discard())
}

func mustReq(t *testing.T, line string) requirements.Requirement {
	t.Helper()
	req, err := requirements.ParseLine(line)
	require.NoError(t, err)
	return req
}

func TestFindPicksNewestCompatibleWheel(t *testing.T) {
	srv := testutil.NewServer(t)
	srv.AddWheel(t, "numpy", "1.25.2", "cp311-cp311-win_amd64", nil)
	srv.AddWheel(t, "numpy", "1.26.0", "cp311-cp311-win_amd64", nil)
	srv.AddWheel(t, "numpy", "1.26.0", "cp311-cp311-manylinux_2_17_x86_64", nil)
	srv.AddWheel(t, "numpy", "1.26.1", "cp312-cp312-win_amd64", nil)

	m := wheel.NewMatcher(rt311)
	c, err := newTestIndex(srv).Find(context.Background(), mustReq(t, "numpy"), rt311, m)
	require.NoError(t, err)
	assert.Equal(t, "1.26.0", c.Version)
	assert.Equal(t, "numpy-1.26.0-cp311-cp311-win_amd64.whl", c.File.Filename)
	assert.NotEmpty(t, c.File.Digests.SHA256)
}

func TestFindHonorsSpecifier(t *testing.T) {
	srv := testutil.NewServer(t)
	srv.AddWheel(t, "requests", "2.30.0", "py3-none-any", nil)
	srv.AddWheel(t, "requests", "2.31.0", "py3-none-any", nil)
	srv.AddWheel(t, "requests", "2.32.3", "py3-none-any", nil)

	c, err := newTestIndex(srv).Find(context.Background(), mustReq(t, "requests~=2.31.0"), rt311, wheel.NewMatcher(rt311))
	require.NoError(t, err)
	assert.Equal(t, "2.31.0", c.Version)
}

func TestFindSkipsYankedAndIncompatiblePython(t *testing.T) {
	srv := testutil.NewServer(t)
	srv.AddWheel(t, "attrs", "23.1.0", "py3-none-any", nil)

	yanked := srv.AddWheel(t, "attrs", "23.2.0", "py3-none-any", nil)
	yanked.Yanked = true
	yanked.Version = "23.3.0"
	yanked.Filename = "attrs-23.3.0-py3-none-any.whl"
	srv.AddRelease(yanked)

	srv.AddRelease(testutil.Release{
		Project:        "attrs",
		Version:        "24.0.0",
		Filename:       "attrs-24.0.0-py3-none-any.whl",
		Data:           []byte("x"),
		RequiresPython: ">=3.12",
	})

	c, err := newTestIndex(srv).Find(context.Background(), mustReq(t, "attrs"), rt311, wheel.NewMatcher(rt311))
	require.NoError(t, err)
	assert.Equal(t, "23.2.0", c.Version)
}

func TestFindPrefersBestRankedTag(t *testing.T) {
	srv := testutil.NewServer(t)
	srv.AddWheel(t, "pyyaml", "6.0.1", "py3-none-any", nil)
	srv.AddWheel(t, "pyyaml", "6.0.1", "cp311-cp311-win_amd64", nil)

	c, err := newTestIndex(srv).Find(context.Background(), mustReq(t, "PyYAML"), rt311, wheel.NewMatcher(rt311))
	require.NoError(t, err)
	assert.Equal(t, "pyyaml-6.0.1-cp311-cp311-win_amd64.whl", c.File.Filename)
}

func TestFindUnresolvable(t *testing.T) {
	srv := testutil.NewServer(t)
	srv.AddWheel(t, "numpy", "1.26.0", "cp312-cp312-win_amd64", nil)
	srv.AddRelease(testutil.Release{
		Project:     "numpy",
		Version:     "1.26.0",
		Filename:    "numpy-1.26.0.tar.gz",
		Data:        []byte("sdist"),
		PackageType: "sdist",
	})
	ix := newTestIndex(srv)
	m := wheel.NewMatcher(rt311)

	_, err := ix.Find(context.Background(), mustReq(t, "numpy==1.26.0"), rt311, m)
	assert.ErrorIs(t, err, core.ErrUnresolvableConstraint)

	_, err = ix.Find(context.Background(), mustReq(t, "does-not-exist"), rt311, m)
	assert.ErrorIs(t, err, core.ErrUnresolvableConstraint)
}

func TestFindIndexDown(t *testing.T) {
	srv := testutil.NewServer(t)
	url := srv.IndexURL()
	srv.Close()

	ix := NewIndex(url, netclient.NewClientWithTimeout(time.Second, 0), logr.Discard())
	_, err := ix.Find(context.Background(), mustReq(t, "numpy"), rt311, wheel.NewMatcher(rt311))
	assert.ErrorIs(t, err, core.ErrNetworkUnavailable)
}
