package pybundle

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/arc-language/pybundle/internal/testutil"
	"github.com/arc-language/pybundle/pkg/archive"
	"github.com/arc-language/pybundle/pkg/core"
	"github.com/arc-language/pybundle/pkg/pipeline"
)

func publish(t *testing.T, srv *testutil.Server) {
	srv.AddDistribution("3.11.9", "amd64", testutil.EmbedZip(t))
	srv.AddWheel(t, "pip", "24.0", "py3-none-any", map[string]string{"pip/__init__.py": ""})
	srv.AddWheel(t, "setuptools", "69.5.1", "py3-none-any", map[string]string{"setuptools/__init__.py": ""})
	srv.AddWheel(t, "wheel", "0.43.0", "py3-none-any", map[string]string{"wheel/__init__.py": ""})
	srv.AddWheel(t, "numpy", "1.26.0", "cp311-cp311-win_amd64", map[string]string{
		"numpy/__init__.py":                                "version = '1.26.0'\n",
		"numpy/core/_multiarray_umath.cp311-win_amd64.pyd": "MZ",
		"numpy/__pycache__/__init__.cpython-311.pyc":       "bytecode",
	})
}

// project lays out a typical consumer project and returns its config
func project(t *testing.T, srv *testutil.Server, mode, requirement string) *core.Config {
	t.Helper()
	dir := t.TempDir()
	testutil.WriteFile(t, dir, "requirements.txt", requirement+"\n")
	testutil.WriteFile(t, dir, "main.py", "import numpy\n")
	testutil.WriteFile(t, dir, "scripts/app/util.py", "def helper(): pass\n")
	testutil.WriteFile(t, dir, "scripts/app/__pycache__/util.cpython-311.pyc", "bytecode")
	testutil.WriteFile(t, dir, "resources/config.json", "{}")
	testutil.WriteFile(t, dir, "natives/libbridge.so", "ELF")

	cfg := core.DefaultConfig()
	cfg.Timeout = 5 * time.Second
	cfg.RetryMax = 0
	cfg.Distribution.URLTemplate = srv.DistTemplate()
	cfg.Resolver.Mode = mode
	cfg.Resolver.IndexURL = srv.IndexURL()
	cfg.Resolver.Constraints = "constraints.txt"
	cfg.Staging.Bootstrap = "main.py"
	cfg.Staging.ScriptsDir = "scripts"
	cfg.Inject.Artifact = "dist/app.zip"
	cfg.Inject.ResourcesDir = "resources"
	cfg.Inject.NativeDir = "natives"
	require.NoError(t, cfg.ResolvePaths(dir))
	return cfg
}

func unrestricted(string) (string, bool) { return "", false }

func archivePaths(t *testing.T, path string) []string {
	t.Helper()
	entries, err := archive.List(path)
	require.NoError(t, err)
	var out []string
	for _, e := range entries {
		out = append(out, e.Path)
	}
	return out
}

func TestBuildInstallsNumpyIntoArchive(t *testing.T) {
	srv := testutil.NewServer(t)
	publish(t, srv)
	cfg := project(t, srv, core.ModeInstall, "numpy==1.26.0")

	b, err := New(cfg, WithEnv(unrestricted))
	require.NoError(t, err)

	report, err := b.Build(context.Background())
	require.NoError(t, err)
	for _, task := range []string{TaskFetch, TaskResolve, TaskStage, TaskClean, TaskArchive, TaskInject} {
		assert.Equal(t, StateCompleted, report.State(task), task)
	}

	paths := archivePaths(t, cfg.Archive.Output)
	assert.Contains(t, paths, "Lib/site-packages/numpy/__init__.py")
	assert.Contains(t, paths, "Lib/site-packages/numpy/core/_multiarray_umath.cp311-win_amd64.pyd")
	assert.Contains(t, paths, "Lib/site-packages/pip/__init__.py")
	assert.Contains(t, paths, "python311._pth")
	assert.Contains(t, paths, "main.py")
	assert.Contains(t, paths, "app/util.py")
	assert.Contains(t, paths, "requirements.txt")
	for _, p := range paths {
		assert.NotContains(t, p, "__pycache__")
		assert.False(t, strings.HasSuffix(p, ".pyc"), p)
	}

	pth, err := os.ReadFile(filepath.Join(cfg.Staging.Dir, "python311._pth"))
	require.NoError(t, err)
	assert.Contains(t, string(pth), `Lib\site-packages`)
	assert.Contains(t, string(pth), "\nimport site")
	assert.NotContains(t, string(pth), "#import site")

	want := []string{"config.json", "natives/libbridge.so", "python_dist.zip"}
	if diff := cmp.Diff(want, archivePaths(t, cfg.Inject.Artifact)); diff != "" {
		t.Errorf("artifact mismatch (-want +got):\n%s", diff)
	}
}

func TestBuildDownloadModeShipsWheels(t *testing.T) {
	srv := testutil.NewServer(t)
	publish(t, srv)
	cfg := project(t, srv, core.ModeDownload, "numpy==1.26.0")

	b, err := New(cfg, WithEnv(unrestricted))
	require.NoError(t, err)
	_, err = b.Build(context.Background())
	require.NoError(t, err)

	paths := archivePaths(t, cfg.Archive.Output)
	assert.Contains(t, paths, "wheels/numpy-1.26.0-cp311-cp311-win_amd64.whl")
	assert.Contains(t, paths, "wheels/pip-24.0-py3-none-any.whl")
	assert.NotContains(t, paths, "Lib/site-packages/numpy/__init__.py")
}

func TestSecondBuildIsCached(t *testing.T) {
	srv := testutil.NewServer(t)
	publish(t, srv)
	cfg := project(t, srv, core.ModeInstall, "numpy==1.26.0")

	b, err := New(cfg, WithEnv(unrestricted))
	require.NoError(t, err)
	_, err = b.Build(context.Background())
	require.NoError(t, err)
	hits := srv.Hits()
	first, err := os.ReadFile(cfg.Archive.Output)
	require.NoError(t, err)

	b, err = New(cfg, WithEnv(unrestricted))
	require.NoError(t, err)
	report, err := b.Build(context.Background())
	require.NoError(t, err)

	for _, task := range []string{TaskFetch, TaskResolve, TaskStage, TaskArchive} {
		assert.Equal(t, StateCached, report.State(task), task)
	}
	assert.Equal(t, StateCompleted, report.State(TaskClean))
	assert.Equal(t, StateCompleted, report.State(TaskInject))
	assert.Equal(t, hits, srv.Hits(), "cached build must not touch the network")

	second, err := os.ReadFile(cfg.Archive.Output)
	require.NoError(t, err)
	assert.Equal(t, first, second)
}

func TestManifestChangeInvalidatesResolve(t *testing.T) {
	srv := testutil.NewServer(t)
	publish(t, srv)
	srv.AddWheel(t, "six", "1.16.0", "py2.py3-none-any", map[string]string{"six.py": ""})
	cfg := project(t, srv, core.ModeInstall, "numpy==1.26.0")

	b, err := New(cfg, WithEnv(unrestricted))
	require.NoError(t, err)
	_, err = b.Build(context.Background())
	require.NoError(t, err)

	require.NoError(t, os.WriteFile(cfg.Resolver.Requirements, []byte("numpy==1.26.0\nsix\n"), 0644))
	report, err := b.Build(context.Background())
	require.NoError(t, err)
	assert.Equal(t, StateCached, report.State(TaskFetch))
	assert.Equal(t, StateCompleted, report.State(TaskResolve))
	assert.Equal(t, StateCompleted, report.State(TaskStage))
	assert.Contains(t, archivePaths(t, cfg.Archive.Output), "Lib/site-packages/six.py")
}

func TestIncludedManifestChangeInvalidatesResolve(t *testing.T) {
	srv := testutil.NewServer(t)
	publish(t, srv)
	srv.AddWheel(t, "six", "1.16.0", "py2.py3-none-any", map[string]string{"six.py": ""})
	cfg := project(t, srv, core.ModeInstall, "-r extra.txt")
	extra := filepath.Join(filepath.Dir(cfg.Resolver.Requirements), "extra.txt")
	require.NoError(t, os.WriteFile(extra, []byte("numpy==1.26.0\n"), 0644))

	b, err := New(cfg, WithEnv(unrestricted))
	require.NoError(t, err)
	_, err = b.Build(context.Background())
	require.NoError(t, err)
	assert.NotContains(t, archivePaths(t, cfg.Archive.Output), "Lib/site-packages/six.py")

	require.NoError(t, os.WriteFile(extra, []byte("numpy==1.26.0\nsix\n"), 0644))
	report, err := b.Build(context.Background())
	require.NoError(t, err)
	assert.Equal(t, StateCompleted, report.State(TaskResolve))
	assert.Equal(t, StateCompleted, report.State(TaskStage))
	assert.Equal(t, StateCompleted, report.State(TaskArchive))
	assert.Contains(t, archivePaths(t, cfg.Archive.Output), "Lib/site-packages/six.py")
}

func TestRestrictedBuildSkipsNetworkTasks(t *testing.T) {
	srv := testutil.NewServer(t)
	publish(t, srv)
	cfg := project(t, srv, core.ModeInstall, "numpy==1.26.0")

	env := func(key string) (string, bool) {
		if key == "JITPACK" {
			return "", true
		}
		return "", false
	}
	b, err := New(cfg, WithEnv(env))
	require.NoError(t, err)
	assert.True(t, b.Profile().Restricted)

	report, err := b.Build(context.Background())
	require.NoError(t, err)
	for _, task := range []string{TaskFetch, TaskResolve, TaskStage, TaskClean, TaskArchive} {
		assert.Equal(t, StateSkipped, report.State(task), task)
	}
	assert.Equal(t, StateCompleted, report.State(TaskInject))
	assert.Zero(t, srv.Hits())
	assert.NoFileExists(t, cfg.Archive.Output)
	assert.NoFileExists(t, cfg.StateDB())

	want := []string{"config.json", "natives/libbridge.so"}
	if diff := cmp.Diff(want, archivePaths(t, cfg.Inject.Artifact)); diff != "" {
		t.Errorf("artifact mismatch (-want +got):\n%s", diff)
	}
}

func TestUnresolvableRequirementNamesResolveTask(t *testing.T) {
	srv := testutil.NewServer(t)
	publish(t, srv)
	cfg := project(t, srv, core.ModeInstall, "numpy==9.9.9")

	b, err := New(cfg, WithEnv(unrestricted))
	require.NoError(t, err)

	_, err = b.Build(context.Background())
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrUnresolvableConstraint), "got %v", err)

	var te *pipeline.TaskError
	require.True(t, errors.As(err, &te))
	assert.Equal(t, TaskResolve, te.Task)
	assert.NoFileExists(t, cfg.Archive.Output)
	assert.NoDirExists(t, cfg.Staging.Dir)
}

func TestBuildTargetsRunsDependenciesOnly(t *testing.T) {
	srv := testutil.NewServer(t)
	publish(t, srv)
	cfg := project(t, srv, core.ModeDownload, "numpy==1.26.0")

	b, err := New(cfg, WithEnv(unrestricted))
	require.NoError(t, err)

	report, err := b.Build(context.Background(), TaskResolve)
	require.NoError(t, err)
	require.Len(t, report.Results, 1)
	assert.Equal(t, StateCompleted, report.State(TaskResolve))
	assert.FileExists(t, filepath.Join(cfg.Resolver.WheelsDir, "numpy-1.26.0-cp311-cp311-win_amd64.whl"))
	assert.NoDirExists(t, cfg.Staging.Dir)
}

func TestGraphShape(t *testing.T) {
	b, err := New(core.DefaultConfig(), WithProfile(core.Profile{}))
	require.NoError(t, err)
	g, err := b.Graph()
	require.NoError(t, err)

	want := [][]string{
		{TaskFetch, TaskResolve},
		{TaskStage},
		{TaskClean},
		{TaskArchive},
		{TaskInject},
	}
	if diff := cmp.Diff(want, g.Levels()); diff != "" {
		t.Errorf("levels mismatch (-want +got):\n%s", diff)
	}
}

func TestNewRejectsBadConfig(t *testing.T) {
	cfg := core.DefaultConfig()
	cfg.Runtime.Version = "three"
	_, err := New(cfg)
	require.Error(t, err)

	cfg = core.DefaultConfig()
	cfg.Resolver.Mode = "vendor"
	_, err = New(cfg)
	require.Error(t, err)
}

func TestFetchRejectsPlatformWithoutDistribution(t *testing.T) {
	cfg := core.DefaultConfig()
	cfg.Runtime.Platform = "manylinux2014_x86_64"
	require.NoError(t, cfg.ResolvePaths(t.TempDir()))

	b, err := New(cfg, WithProfile(core.Profile{}))
	require.NoError(t, err)
	err = b.Fetch(context.Background())
	assert.True(t, errors.Is(err, ErrPlatformNotSupported), "got %v", err)
}
