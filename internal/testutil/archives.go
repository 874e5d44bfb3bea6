// Package testutil builds fake embeddable distributions, wheels and index
// servers for tests.
package testutil

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"testing"

	"github.com/klauspost/compress/zip"
	"github.com/stretchr/testify/require"
)

// DefaultPth is the stock path file shipped in the 3.11 embeddable zip
const DefaultPth = "python311.zip\n.\n\n# Uncomment to run site.main() automatically\n#import site\n"

// ZipBytes builds an in-memory zip from name -> content
func ZipBytes(t testing.TB, files map[string]string) []byte {
	t.Helper()

	names := make([]string, 0, len(files))
	for name := range files {
		names = append(names, name)
	}
	sort.Strings(names)

	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	for _, name := range names {
		w, err := zw.Create(name)
		require.NoError(t, err)
		_, err = w.Write([]byte(files[name]))
		require.NoError(t, err)
	}
	require.NoError(t, zw.Close())
	return buf.Bytes()
}

// EmbedZip returns a minimal embeddable distribution for a 3.11 runtime
func EmbedZip(t testing.TB) []byte {
	t.Helper()
	return ZipBytes(t, map[string]string{
		"python.exe":     "MZ-python",
		"python311.dll":  "MZ-dll",
		"python311.zip":  "stdlib",
		"python311._pth": DefaultPth,
	})
}

// Wheel builds a wheel archive for name/version. files are relative to the
// wheel root; dist-info metadata and RECORD are added automatically.
func Wheel(t testing.TB, name, version string, files map[string]string) []byte {
	t.Helper()

	dist := strings.ReplaceAll(name, "-", "_")
	info := fmt.Sprintf("%s-%s.dist-info", dist, version)

	all := make(map[string]string, len(files)+3)
	for k, v := range files {
		all[k] = v
	}
	all[info+"/METADATA"] = fmt.Sprintf("Metadata-Version: 2.1\nName: %s\nVersion: %s\n", name, version)
	all[info+"/WHEEL"] = "Wheel-Version: 1.0\nRoot-Is-Purelib: true\n"

	var record strings.Builder
	for k := range all {
		record.WriteString(k + ",,\n")
	}
	record.WriteString(info + "/RECORD,,\n")
	all[info+"/RECORD"] = record.String()

	return ZipBytes(t, all)
}

// SHA256 returns the hex digest of data
func SHA256(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// WriteFile writes content under dir, creating parents, and returns the path
func WriteFile(t testing.TB, dir, rel, content string) string {
	t.Helper()
	p := filepath.Join(dir, filepath.FromSlash(rel))
	require.NoError(t, os.MkdirAll(filepath.Dir(p), 0755))
	require.NoError(t, os.WriteFile(p, []byte(content), 0644))
	return p
}

// ListFiles returns the slash separated relative paths of every file under root
func ListFiles(t testing.TB, root string) []string {
	t.Helper()
	var out []string
	err := filepath.WalkDir(root, func(p string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		rel, err := filepath.Rel(root, p)
		if err != nil {
			return err
		}
		out = append(out, filepath.ToSlash(rel))
		return nil
	})
	require.NoError(t, err)
	sort.Strings(out)
	return out
}
