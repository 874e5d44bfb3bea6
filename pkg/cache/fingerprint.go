// Package cache records task fingerprints so unchanged work can be skipped
// across builds.
package cache

import (
	"encoding/binary"
	"errors"
	"hash"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"

	"github.com/opencontainers/go-digest"
)

// Hasher builds a fingerprint from length-prefixed fields, so ("ab","c")
// and ("a","bc") never collide.
type Hasher struct {
	digester digest.Digester
	h        hash.Hash
}

// NewHasher creates a sha256 fingerprint hasher
func NewHasher() *Hasher {
	d := digest.Canonical.Digester()
	return &Hasher{digester: d, h: d.Hash()}
}

func (h *Hasher) prefix(n int) {
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], uint64(n))
	h.h.Write(buf[:])
}

// Field adds one field
func (h *Hasher) Field(s string) *Hasher {
	h.prefix(len(s))
	io.WriteString(h.h, s)
	return h
}

// Fields adds a counted list of fields, in the given order
func (h *Hasher) Fields(list ...string) *Hasher {
	h.prefix(len(list))
	for _, s := range list {
		h.Field(s)
	}
	return h
}

// File adds a file's content under label. A missing file hashes as absent
// rather than failing, so optional inputs still fingerprint.
func (h *Hasher) File(label, path string) error {
	h.Field(label)
	if path == "" {
		h.Field("absent")
		return nil
	}

	f, err := os.Open(path)
	if errors.Is(err, os.ErrNotExist) {
		h.Field("absent")
		return nil
	}
	if err != nil {
		return err
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return err
	}
	h.Field("file")
	h.prefix(int(info.Size()))
	_, err = io.Copy(h.h, f)
	return err
}

// Tree adds every regular file below root by relative path and content
func (h *Hasher) Tree(label, root string) error {
	h.Field(label)
	if root == "" {
		h.Field("absent")
		return nil
	}
	if _, err := os.Stat(root); errors.Is(err, os.ErrNotExist) {
		h.Field("absent")
		return nil
	}

	var files []string
	err := filepath.WalkDir(root, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.Type().IsRegular() {
			files = append(files, p)
		}
		return nil
	})
	if err != nil {
		return err
	}
	sort.Strings(files)

	h.prefix(len(files))
	for _, p := range files {
		rel, err := filepath.Rel(root, p)
		if err != nil {
			return err
		}
		if err := h.File(filepath.ToSlash(rel), p); err != nil {
			return err
		}
	}
	return nil
}

// Sum returns the fingerprint
func (h *Hasher) Sum() digest.Digest {
	return h.digester.Digest()
}

// HashTree fingerprints a directory on its own
func HashTree(root string) (digest.Digest, error) {
	h := NewHasher()
	if err := h.Tree("tree", root); err != nil {
		return "", err
	}
	return h.Sum(), nil
}
