// Package gc strips compiled bytecode caches from a staged tree.
package gc

import (
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/go-logr/logr"
)

// Report summarizes one cleaning pass
type Report struct {
	Dirs   int   // __pycache__ directories removed
	Files  int   // Stray .pyc/.pyo files removed
	Bytes  int64 // Reclaimed
	Errors int   // Failed removals, logged and otherwise ignored
}

// String returns a one-line summary
func (r Report) String() string {
	return humanize.Comma(int64(r.Dirs)) + " cache dirs, " +
		humanize.Comma(int64(r.Files)) + " files, " +
		humanize.Bytes(uint64(r.Bytes)) + " reclaimed"
}

// Collector removes bytecode caches
type Collector struct {
	logger logr.Logger
}

// NewCollector creates a collector. A zero logger discards output.
func NewCollector(logger logr.Logger) *Collector {
	if logger.GetSink() == nil {
		logger = logr.Discard()
	}
	return &Collector{logger: logger.WithName("gc")}
}

// Clean removes every __pycache__ directory and *.pyc/*.pyo file below root.
// It never fails; problems are logged and counted.
func (c *Collector) Clean(root string) Report {
	var r Report

	filepath.WalkDir(root, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			if p != root {
				c.logger.Info("skipping unreadable path", "path", p, "error", err.Error())
				r.Errors++
			}
			return nil
		}

		switch {
		case d.IsDir() && d.Name() == "__pycache__":
			size := dirSize(p)
			if err := os.RemoveAll(p); err != nil {
				c.logger.Info("failed to remove cache dir", "path", p, "error", err.Error())
				r.Errors++
			} else {
				r.Dirs++
				r.Bytes += size
			}
			return filepath.SkipDir
		case d.Type().IsRegular() && isBytecode(d.Name()):
			var size int64
			if info, err := d.Info(); err == nil {
				size = info.Size()
			}
			if err := os.Remove(p); err != nil {
				c.logger.Info("failed to remove bytecode", "path", p, "error", err.Error())
				r.Errors++
			} else {
				r.Files++
				r.Bytes += size
			}
		}
		return nil
	})

	c.logger.Info("cleaned bytecode caches", "root", root, "summary", r.String())
	return r
}

func isBytecode(name string) bool {
	return strings.HasSuffix(name, ".pyc") || strings.HasSuffix(name, ".pyo")
}

func dirSize(root string) int64 {
	var n int64
	filepath.WalkDir(root, func(_ string, d fs.DirEntry, err error) error {
		if err == nil && d.Type().IsRegular() {
			if info, err := d.Info(); err == nil {
				n += info.Size()
			}
		}
		return nil
	})
	return n
}
