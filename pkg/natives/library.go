// pkg/natives/library.go
package natives

import (
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// Library is one file from a native library directory
type Library struct {
	Name   string // Base name without lib prefix, extension or version
	Path   string
	Rel    string // Slash separated, relative to the scanned directory
	Type   string // Extension that classified it, empty for other files
	Shared bool
	Size   int64
}

// SharedExtensions returns the shared library extensions for every platform
// the bundle may run on
func SharedExtensions() []string {
	return []string{".dll", ".so", ".dylib"}
}

// Classify returns the shared library extension of name, if any. Versioned
// sonames such as libssl.so.3 count.
func Classify(name string) (string, bool) {
	lower := strings.ToLower(name)
	for _, ext := range SharedExtensions() {
		if strings.HasSuffix(lower, ext) || strings.Contains(lower, ext+".") {
			return ext, true
		}
	}
	return "", false
}

// LibraryName strips the lib prefix, extension and version
func LibraryName(file string) string {
	name := filepath.Base(file)
	if strings.HasPrefix(name, "lib") && len(name) > 3 {
		name = name[3:]
	}
	return strings.Split(name, ".")[0]
}

// Scan walks dir and returns every regular file, sorted by relative path.
// A missing directory yields no libraries.
func Scan(dir string) ([]Library, error) {
	if dir == "" {
		return nil, nil
	}
	if _, err := os.Stat(dir); errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}

	var libs []Library
	err := filepath.WalkDir(dir, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.Type().IsRegular() {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(dir, p)
		if err != nil {
			return err
		}

		ext, shared := Classify(d.Name())
		libs = append(libs, Library{
			Name:   LibraryName(d.Name()),
			Path:   p,
			Rel:    filepath.ToSlash(rel),
			Type:   ext,
			Shared: shared,
			Size:   info.Size(),
		})
		return nil
	})
	if err != nil {
		return nil, err
	}

	sort.Slice(libs, func(i, j int) bool { return libs[i].Rel < libs[j].Rel })
	return libs, nil
}

// SharedOnly filters libs down to shared libraries
func SharedOnly(libs []Library) []Library {
	var shared []Library
	for _, lib := range libs {
		if lib.Shared {
			shared = append(shared, lib)
		}
	}
	return shared
}

// Names returns the distinct library names in order of first appearance
func Names(libs []Library) []string {
	names := make([]string, 0, len(libs))
	seen := make(map[string]bool)

	for _, lib := range libs {
		if !seen[lib.Name] {
			names = append(names, lib.Name)
			seen[lib.Name] = true
		}
	}

	return names
}
