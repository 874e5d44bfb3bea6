// Package inject assembles the final packaged artifact's resource set: the
// runtime archive, native libraries and everything else, minus the raw
// staged tree.
package inject

import (
	"fmt"
	"io"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/klauspost/compress/zip"
	"github.com/moby/patternmatcher"
	"github.com/opencontainers/go-digest"

	"github.com/arc-language/pybundle/pkg/core"
)

var epoch = time.Date(1980, time.January, 1, 0, 0, 0, 0, time.UTC)

// Entry is one resource of the artifact
type Entry struct {
	Path   string // Logical, slash separated
	Source string // File on disk
	Size   int64
}

// Builder collects resources for a zip or jar artifact
type Builder struct {
	entries  map[string]Entry
	patterns []string
	matcher  *patternmatcher.PatternMatcher
}

// NewBuilder creates an empty builder
func NewBuilder() *Builder {
	return &Builder{entries: make(map[string]Entry)}
}

func cleanLogical(p string) (string, error) {
	clean := path.Clean(strings.TrimPrefix(strings.ReplaceAll(p, "\\", "/"), "/"))
	if clean == "." || clean == ".." || strings.HasPrefix(clean, "../") {
		return "", fmt.Errorf("%w: invalid resource path %q", core.ErrInjection, p)
	}
	return clean, nil
}

// AddFile adds src at the logical path. Adding the same path twice fails.
func (b *Builder) AddFile(logical, src string) error {
	p, err := cleanLogical(logical)
	if err != nil {
		return err
	}
	if _, ok := b.entries[p]; ok {
		return fmt.Errorf("%w: duplicate resource %s", core.ErrInjection, p)
	}
	info, err := os.Stat(src)
	if err != nil {
		return core.IOError("inject", err)
	}
	if !info.Mode().IsRegular() {
		return fmt.Errorf("%w: %s is not a regular file", core.ErrInjection, src)
	}
	b.entries[p] = Entry{Path: p, Source: src, Size: info.Size()}
	return nil
}

// AddDir adds every regular file below dir under prefix. An empty prefix
// places files at the artifact root.
func (b *Builder) AddDir(prefix, dir string) error {
	return filepath.WalkDir(dir, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return core.IOError("inject", err)
		}
		if !d.Type().IsRegular() {
			return nil
		}
		rel, err := filepath.Rel(dir, p)
		if err != nil {
			return core.IOError("inject", err)
		}
		return b.AddFile(path.Join(prefix, filepath.ToSlash(rel)), p)
	})
}

// Remove drops the entry at the logical path and reports whether it existed
func (b *Builder) Remove(logical string) bool {
	p, err := cleanLogical(logical)
	if err != nil {
		return false
	}
	_, ok := b.entries[p]
	delete(b.entries, p)
	return ok
}

// Exclude hides entries matching any pattern. A pattern naming a directory
// hides everything below it.
func (b *Builder) Exclude(patterns ...string) error {
	all := append(append([]string(nil), b.patterns...), patterns...)
	m, err := patternmatcher.New(all)
	if err != nil {
		return fmt.Errorf("%w: %v", core.ErrInjection, err)
	}
	b.patterns, b.matcher = all, m
	return nil
}

func (b *Builder) excluded(p string) bool {
	if b.matcher == nil {
		return false
	}
	ok, err := b.matcher.MatchesOrParentMatches(filepath.FromSlash(p))
	return err == nil && ok
}

// Entries returns the resources that will be written, sorted by path
func (b *Builder) Entries() []Entry {
	out := make([]Entry, 0, len(b.entries))
	for _, e := range b.entries {
		if !b.excluded(e.Path) {
			out = append(out, e)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Path < out[j].Path })
	return out
}

// Write stores Entries into a zip at outFile, replacing it atomically
func (b *Builder) Write(outFile string) (digest.Digest, error) {
	if err := os.MkdirAll(filepath.Dir(outFile), 0755); err != nil {
		return "", core.IOError("inject", err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(outFile), ".artifact-*")
	if err != nil {
		return "", core.IOError("inject", err)
	}
	tmpPath := tmp.Name()
	promoted := false
	defer func() {
		if !promoted {
			tmp.Close()
			os.Remove(tmpPath)
		}
	}()

	digester := digest.Canonical.Digester()
	zw := zip.NewWriter(io.MultiWriter(tmp, digester.Hash()))
	for _, e := range b.Entries() {
		hdr := &zip.FileHeader{Name: e.Path, Method: zip.Deflate, Modified: epoch}
		hdr.SetMode(0644)
		w, err := zw.CreateHeader(hdr)
		if err != nil {
			return "", core.IOError("inject", err)
		}
		if err := copyInto(w, e.Source); err != nil {
			return "", core.IOError("inject", fmt.Errorf("%s: %w", e.Path, err))
		}
	}
	if err := zw.Close(); err != nil {
		return "", core.IOError("inject", err)
	}
	if err := tmp.Close(); err != nil {
		return "", core.IOError("inject", err)
	}
	if err := os.Rename(tmpPath, outFile); err != nil {
		return "", core.IOError("inject", err)
	}
	promoted = true
	return digester.Digest(), nil
}

func copyInto(w io.Writer, src string) error {
	f, err := os.Open(src)
	if err != nil {
		return err
	}
	defer f.Close()
	_, err = io.Copy(w, f)
	return err
}
