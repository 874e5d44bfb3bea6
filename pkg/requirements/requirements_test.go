package requirements

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseLine(t *testing.T) {
	tests := []struct {
		line string
		want Requirement
	}{
		{"numpy==1.26.0", Requirement{Name: "numpy", Specifier: "==1.26.0"}},
		{"rich", Requirement{Name: "rich"}},
		{"Pillow >= 10.0, < 11", Requirement{Name: "pillow", Specifier: ">=10.0,<11"}},
		{"requests[socks, security]~=2.31.0", Requirement{Name: "requests", Extras: []string{"socks", "security"}, Specifier: "~=2.31.0"}},
		{"typing_extensions; python_version < '3.12'", Requirement{Name: "typing-extensions", Marker: "python_version < '3.12'"}},
		{"Zope.Interface (>=6.0)", Requirement{Name: "zope-interface", Specifier: ">=6.0"}},
		{"torch==2.1.*", Requirement{Name: "torch", Specifier: "==2.1.*"}},
	}

	for _, tt := range tests {
		t.Run(tt.line, func(t *testing.T) {
			got, err := ParseLine(tt.line)
			require.NoError(t, err)
			if diff := cmp.Diff(tt.want, got, cmpopts.IgnoreFields(Requirement{}, "Raw", "Line")); diff != "" {
				t.Errorf("ParseLine(%q) mismatch (-want +got):\n%s", tt.line, diff)
			}
		})
	}
}

func TestParseLineRejectsInvalid(t *testing.T) {
	for _, line := range []string{
		"==1.0",
		"numpy=1.0",
		"numpy[extra",
		"https://example.com/pkg.whl",
		"./local/pkg-1.0-py3-none-any.whl",
	} {
		_, err := ParseLine(line)
		assert.Error(t, err, line)
	}
}

func TestParseSkipsCommentsAndOptions(t *testing.T) {
	input := `# pinned runtime deps
--index-url https://pypi.org/simple
numpy==1.26.0  # math
rich \
  >=13.0

-c constraints.txt
`
	reqs, err := Parse(strings.NewReader(input))
	require.NoError(t, err)
	require.Len(t, reqs, 2)

	assert.Equal(t, "numpy", reqs[0].Name)
	assert.Equal(t, 3, reqs[0].Line)
	assert.Equal(t, "rich", reqs[1].Name)
	assert.Equal(t, ">=13.0", reqs[1].Specifier)
	assert.Equal(t, 4, reqs[1].Line)
}

func TestLoadFollowsIncludes(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "base.txt"), []byte("rich==13.7.0\n"), 0644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "requirements.txt"), []byte("-r base.txt\nnumpy==1.26.0\n"), 0644))

	m, err := Load(filepath.Join(dir, "requirements.txt"))
	require.NoError(t, err)
	assert.Equal(t, []string{"rich", "numpy"}, m.Names())
	assert.Equal(t, []string{filepath.Join(dir, "requirements.txt"), filepath.Join(dir, "base.txt")}, m.Sources)
}

func TestLoadRejectsIncludeCycle(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "a.txt"), []byte("-r b.txt\n"), 0644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "b.txt"), []byte("-r a.txt\n"), 0644))

	_, err := Load(filepath.Join(dir, "a.txt"))
	assert.ErrorContains(t, err, "cycle")
}

func TestLoadAcceptsSharedInclude(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "common.txt"), []byte("six==1.16.0\n"), 0644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "a.txt"), []byte("-r common.txt\nnumpy==1.26.0\n"), 0644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "b.txt"), []byte("--requirement common.txt\nrich==13.7.0\n"), 0644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "requirements.txt"), []byte("-r a.txt\n-r b.txt\n"), 0644))

	m, err := Load(filepath.Join(dir, "requirements.txt"))
	require.NoError(t, err)
	assert.Equal(t, []string{"six", "numpy", "six", "rich"}, m.Names())

	want := []string{
		filepath.Join(dir, "requirements.txt"),
		filepath.Join(dir, "a.txt"),
		filepath.Join(dir, "common.txt"),
		filepath.Join(dir, "b.txt"),
	}
	if diff := cmp.Diff(want, m.Sources); diff != "" {
		t.Errorf("sources mismatch (-want +got):\n%s", diff)
	}
}

func TestLoadPyproject(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "pyproject.toml")
	require.NoError(t, os.WriteFile(path, []byte(`
[project]
name = "worker"
dependencies = [
  "numpy==1.26.0",
  "rich>=13",
]
`), 0644))

	m, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, []string{"numpy", "rich"}, m.Names())
	assert.Equal(t, "numpy==1.26.0", m.Requirements[0].String())
}

func TestNormalize(t *testing.T) {
	assert.Equal(t, "typing-extensions", Normalize("Typing_Extensions"))
	assert.Equal(t, "zope-interface", Normalize("zope..interface"))
}
