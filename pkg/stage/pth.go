package stage

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/arc-language/pybundle/pkg/core"
	"github.com/arc-language/pybundle/pkg/platform"
)

// SitePackagesEntry is the search path line for installed packages
const SitePackagesEntry = `Lib\site-packages`

var commentedImportSite = regexp.MustCompile(`^#\s*import\s+site\s*$`)

// FindPth locates the runtime's path configuration file: python<XY>._pth,
// or the only *._pth present.
func FindPth(root string, rt platform.Runtime) (string, error) {
	want := filepath.Join(root, rt.PthFile())
	if _, err := os.Stat(want); err == nil {
		return want, nil
	}

	matches, err := filepath.Glob(filepath.Join(root, "*._pth"))
	if err != nil {
		return "", core.IOError("patch", err)
	}
	if len(matches) == 1 {
		return matches[0], nil
	}
	return "", &core.Error{Op: "patch", Package: rt.String(),
		Err: fmt.Errorf("%w: %s not found in %s (%d candidates)", core.ErrMissingPatchTarget, rt.PthFile(), root, len(matches))}
}

// PatchPth enables site initialization in the staged runtime and makes sure
// site-packages is on the search path. Patching twice changes nothing.
func PatchPth(root string, rt platform.Runtime) (string, error) {
	path, err := FindPth(root, rt)
	if err != nil {
		return "", err
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return "", core.IOError("patch", err)
	}
	info, err := os.Stat(path)
	if err != nil {
		return "", core.IOError("patch", err)
	}

	patched := patchContent(string(data))
	if patched == string(data) {
		return path, nil
	}
	if err := os.WriteFile(path, []byte(patched), info.Mode().Perm()); err != nil {
		return "", core.IOError("patch", err)
	}
	return path, nil
}

func patchContent(content string) string {
	eol := "\n"
	if strings.Contains(content, "\r\n") {
		eol = "\r\n"
	}
	lines := strings.Split(strings.ReplaceAll(content, "\r\n", "\n"), "\n")
	if n := len(lines); n > 0 && lines[n-1] == "" {
		lines = lines[:n-1]
	}

	hasImport, hasSite := false, false
	for _, line := range lines {
		if strings.TrimSpace(line) == "import site" {
			hasImport = true
			break
		}
	}
	pathEnd := 0 // insertion point after the last search path line
	for i, line := range lines {
		t := strings.TrimSpace(line)
		switch {
		case commentedImportSite.MatchString(t):
			if !hasImport {
				lines[i] = "import site"
				hasImport = true
			}
		case strings.EqualFold(strings.ReplaceAll(t, "/", `\`), SitePackagesEntry):
			hasSite = true
		case t != "" && !strings.HasPrefix(t, "#") && !strings.HasPrefix(t, "import "):
			pathEnd = i + 1
		}
	}

	if !hasSite {
		lines = append(lines[:pathEnd], append([]string{SitePackagesEntry}, lines[pathEnd:]...)...)
	}
	if !hasImport {
		lines = append(lines, "import site")
	}
	return strings.Join(lines, eol) + eol
}
