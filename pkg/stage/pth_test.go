package stage

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/arc-language/pybundle/internal/testutil"
	"github.com/arc-language/pybundle/pkg/core"
)

func TestPatchContent(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{
			name: "stock embeddable",
			in:   testutil.DefaultPth,
			want: "python311.zip\n.\nLib\\site-packages\n\n# Uncomment to run site.main() automatically\nimport site\n",
		},
		{
			name: "already patched",
			in:   "python311.zip\n.\nLib\\site-packages\nimport site\n",
			want: "python311.zip\n.\nLib\\site-packages\nimport site\n",
		},
		{
			name: "no import line",
			in:   "python311.zip\n.\n",
			want: "python311.zip\n.\nLib\\site-packages\nimport site\n",
		},
		{
			name: "crlf and forward slashes",
			in:   "python311.zip\r\n.\r\nLib/site-packages\r\n#import site\r\n",
			want: "python311.zip\r\n.\r\nLib/site-packages\r\nimport site\r\n",
		},
		{
			name: "commented import before active import",
			in:   "python311.zip\n.\n#import site\nimport site\n",
			want: "python311.zip\n.\nLib\\site-packages\n#import site\nimport site\n",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := patchContent(tt.in)
			assert.Equal(t, tt.want, got)
			assert.Equal(t, got, patchContent(got))
		})
	}
}

func TestFindPthFallsBackToSoleCandidate(t *testing.T) {
	root := t.TempDir()
	testutil.WriteFile(t, root, "python312._pth", ".\n")

	got, err := FindPth(root, rt311)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(root, "python312._pth"), got)

	testutil.WriteFile(t, root, "other._pth", ".\n")
	_, err = FindPth(root, rt311)
	assert.ErrorIs(t, err, core.ErrMissingPatchTarget)
}

func TestPatchPthRewritesFile(t *testing.T) {
	root := t.TempDir()
	p := testutil.WriteFile(t, root, "python311._pth", testutil.DefaultPth)

	got, err := PatchPth(root, rt311)
	require.NoError(t, err)
	assert.Equal(t, p, got)

	data, err := os.ReadFile(p)
	require.NoError(t, err)
	assert.Contains(t, string(data), "\nimport site\n")
	assert.NotContains(t, string(data), "#import site")
}
