// Package archive writes staged trees into deterministic compressed archives
// and reads them back.
package archive

import (
	"archive/tar"
	"errors"
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
	"github.com/klauspost/compress/zstd"
	"github.com/opencontainers/go-digest"
	"github.com/ulikunitz/xz"

	"github.com/arc-language/pybundle/pkg/core"
)

// epoch is stamped on every entry so identical trees give identical bytes
var epoch = time.Date(1980, time.January, 1, 0, 0, 0, 0, time.UTC)

// Entry is one file inside an archive
type Entry struct {
	Path string // Slash separated, relative to the archive root
	Size int64
	Mode fs.FileMode
}

// Result describes a written archive
type Result struct {
	Path   string
	Format string
	Files  int
	Size   int64
	Digest digest.Digest
}

// DetectFormat infers the format from the file name, defaulting to zip
func DetectFormat(name string) string {
	switch {
	case strings.HasSuffix(name, ".tar.xz"), strings.HasSuffix(name, ".txz"):
		return core.FormatTarXz
	case strings.HasSuffix(name, ".tar.zst"), strings.HasSuffix(name, ".tzst"):
		return core.FormatTarZst
	default:
		return core.FormatZip
	}
}

// SafeJoin resolves an archive member name below root, rejecting absolute
// names and names that climb out of root.
func SafeJoin(root, name string) (string, error) {
	name = strings.ReplaceAll(name, "\\", "/")
	if path.IsAbs(name) || filepath.IsAbs(name) || filepath.VolumeName(name) != "" {
		return "", fmt.Errorf("illegal absolute path in archive: %s", name)
	}
	clean := path.Clean(name)
	if clean == ".." || strings.HasPrefix(clean, "../") {
		return "", fmt.Errorf("illegal file path in archive: %s", name)
	}
	return filepath.Join(root, filepath.FromSlash(clean)), nil
}

// Collect walks root and returns every regular file in archive order
func Collect(root string) ([]Entry, error) {
	var entries []Entry
	err := filepath.WalkDir(root, func(p string, d fs.DirEntry, err error) error {
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
		rel, err := filepath.Rel(root, p)
		if err != nil {
			return err
		}
		entries = append(entries, Entry{
			Path: filepath.ToSlash(rel),
			Size: info.Size(),
			Mode: normalizeMode(info.Mode()),
		})
		return nil
	})
	if err != nil {
		return nil, core.IOError("archive", err)
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Path < entries[j].Path })
	return entries, nil
}

func normalizeMode(m fs.FileMode) fs.FileMode {
	if m.Perm()&0111 != 0 {
		return 0755
	}
	return 0644
}

// Write archives every file under root into outFile. The archive is built in
// a temp file next to outFile and renamed over it only when complete.
func Write(root, outFile, format string) (*Result, error) {
	if format == "" {
		format = DetectFormat(outFile)
	}
	if _, err := os.Stat(root); err != nil {
		return nil, core.IOError("archive", err)
	}

	entries, err := Collect(root)
	if err != nil {
		return nil, err
	}

	if err := os.MkdirAll(filepath.Dir(outFile), 0755); err != nil {
		return nil, core.IOError("archive", err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(outFile), ".archive-*")
	if err != nil {
		return nil, core.IOError("archive", err)
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
	counter := &countingWriter{w: io.MultiWriter(tmp, digester.Hash())}

	switch format {
	case core.FormatZip:
		err = writeZip(counter, root, entries)
	case core.FormatTarXz:
		err = writeTarXz(counter, root, entries)
	case core.FormatTarZst:
		err = writeTarZst(counter, root, entries)
	default:
		err = fmt.Errorf("unknown archive format %q", format)
	}
	if err != nil {
		return nil, core.IOError("archive", err)
	}

	if err := tmp.Sync(); err != nil {
		return nil, core.IOError("archive", err)
	}
	if err := tmp.Close(); err != nil {
		return nil, core.IOError("archive", err)
	}
	if err := os.Rename(tmpPath, outFile); err != nil {
		return nil, core.IOError("archive", fmt.Errorf("promoting archive: %w", err))
	}
	promoted = true

	return &Result{
		Path:   outFile,
		Format: format,
		Files:  len(entries),
		Size:   counter.n,
		Digest: digester.Digest(),
	}, nil
}

func writeZip(w io.Writer, root string, entries []Entry) error {
	zw := zip.NewWriter(w)
	for _, e := range entries {
		hdr := &zip.FileHeader{
			Name:     e.Path,
			Method:   zip.Deflate,
			Modified: epoch,
		}
		hdr.SetMode(e.Mode)
		fw, err := zw.CreateHeader(hdr)
		if err != nil {
			return err
		}
		if err := copyFrom(fw, filepath.Join(root, filepath.FromSlash(e.Path))); err != nil {
			return err
		}
	}
	return zw.Close()
}

func writeTarXz(w io.Writer, root string, entries []Entry) error {
	xw, err := xz.NewWriter(w)
	if err != nil {
		return fmt.Errorf("xz init: %w", err)
	}
	if err := writeTar(xw, root, entries); err != nil {
		xw.Close()
		return err
	}
	return xw.Close()
}

func writeTarZst(w io.Writer, root string, entries []Entry) error {
	zw, err := zstd.NewWriter(w)
	if err != nil {
		return fmt.Errorf("zstd init: %w", err)
	}
	if err := writeTar(zw, root, entries); err != nil {
		zw.Close()
		return err
	}
	return zw.Close()
}

func writeTar(w io.Writer, root string, entries []Entry) error {
	tw := tar.NewWriter(w)
	for _, e := range entries {
		hdr := &tar.Header{
			Typeflag: tar.TypeReg,
			Name:     e.Path,
			Size:     e.Size,
			Mode:     int64(e.Mode),
			ModTime:  epoch,
			Format:   tar.FormatPAX,
		}
		if err := tw.WriteHeader(hdr); err != nil {
			return err
		}
		if err := copyFrom(tw, filepath.Join(root, filepath.FromSlash(e.Path))); err != nil {
			return err
		}
	}
	return tw.Close()
}

func copyFrom(w io.Writer, p string) error {
	f, err := os.Open(p)
	if err != nil {
		return err
	}
	defer f.Close()
	_, err = io.Copy(w, f)
	return err
}

type countingWriter struct {
	w io.Writer
	n int64
}

func (c *countingWriter) Write(p []byte) (int, error) {
	n, err := c.w.Write(p)
	c.n += int64(n)
	return n, err
}

// List returns the file entries of an archive, in stored order
func List(archivePath string) ([]Entry, error) {
	var entries []Entry
	err := walk(archivePath, func(e Entry, _ io.Reader) error {
		entries = append(entries, e)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return entries, nil
}

// Extract unpacks an archive below dest. Members that would land outside
// dest abort the extraction.
func Extract(archivePath, dest string) error {
	if err := os.MkdirAll(dest, 0755); err != nil {
		return core.IOError("extract", err)
	}
	return walk(archivePath, func(e Entry, r io.Reader) error {
		target, err := SafeJoin(dest, e.Path)
		if err != nil {
			return err
		}
		return writeFile(target, r, e.Mode)
	})
}

func writeFile(target string, r io.Reader, mode fs.FileMode) error {
	if err := os.MkdirAll(filepath.Dir(target), 0755); err != nil {
		return core.IOError("extract", err)
	}
	out, err := os.OpenFile(target, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, normalizeMode(mode))
	if err != nil {
		return core.IOError("extract", err)
	}
	if _, err := io.Copy(out, r); err != nil {
		out.Close()
		return core.IOError("extract", err)
	}
	return core.IOError("extract", out.Close())
}

type visitFunc func(e Entry, r io.Reader) error

func walk(archivePath string, fn visitFunc) error {
	switch DetectFormat(archivePath) {
	case core.FormatTarXz:
		return walkTar(archivePath, func(r io.Reader) (io.Reader, func(), error) {
			xr, err := xz.NewReader(r)
			return xr, func() {}, err
		}, fn)
	case core.FormatTarZst:
		return walkTar(archivePath, func(r io.Reader) (io.Reader, func(), error) {
			zr, err := zstd.NewReader(r)
			if err != nil {
				return nil, nil, err
			}
			return zr, zr.Close, nil
		}, fn)
	default:
		return walkZip(archivePath, fn)
	}
}

func walkZip(zipPath string, fn visitFunc) error {
	zr, err := zip.OpenReader(zipPath)
	if err != nil {
		return core.IOError("read archive", err)
	}
	defer zr.Close()

	for _, f := range zr.File {
		if f.FileInfo().IsDir() {
			continue
		}
		rc, err := f.Open()
		if err != nil {
			return core.IOError("read archive", err)
		}
		err = fn(Entry{Path: f.Name, Size: int64(f.UncompressedSize64), Mode: f.Mode()}, rc)
		rc.Close()
		if err != nil {
			return err
		}
	}
	return nil
}

func walkTar(archivePath string, decompress func(io.Reader) (io.Reader, func(), error), fn visitFunc) error {
	f, err := os.Open(archivePath)
	if err != nil {
		return core.IOError("read archive", err)
	}
	defer f.Close()

	r, closeFn, err := decompress(f)
	if err != nil {
		return core.IOError("read archive", err)
	}
	defer closeFn()

	tr := tar.NewReader(r)
	for {
		hdr, err := tr.Next()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return core.IOError("read archive", err)
		}
		if hdr.Typeflag != tar.TypeReg {
			continue
		}
		if err := fn(Entry{Path: hdr.Name, Size: hdr.Size, Mode: fs.FileMode(hdr.Mode).Perm()}, tr); err != nil {
			return err
		}
	}
}
