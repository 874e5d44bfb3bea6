// Package stage assembles the deployable runtime tree: the unpacked
// distribution, resolved packages, scripts and the patched path file.
package stage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/go-logr/logr"
	"github.com/moby/patternmatcher"
	"github.com/moby/patternmatcher/ignorefile"

	"github.com/arc-language/pybundle/pkg/archive"
	"github.com/arc-language/pybundle/pkg/core"
	"github.com/arc-language/pybundle/pkg/platform"
	"github.com/arc-language/pybundle/pkg/resolver"
)

// IgnoreFile in the scripts directory adds exclude patterns, one per line
const IgnoreFile = ".bundleignore"

// Inputs lists everything that goes into a staged tree
type Inputs struct {
	Runtime      platform.Runtime
	Distribution string   // Embeddable zip; unused when PrebuiltDir is set
	PrebuiltDir  string   // Already unpacked runtime for the no-download flow
	Bootstrap    string   // Required entry script
	SupportFiles []string // Required
	Companion    string   // Copied when present
	ScriptsDir   string   // Copied recursively minus Exclude
	Exclude      []string
	Manifest     string // Copied for provenance
	Constraints  string // Copied for provenance when present

	Resolver resolver.Resolver
	Resolved *resolver.Result
}

// Tree describes an assembled tree
type Tree struct {
	Root    string
	PthFile string
	Files   int
}

// Config configures the assembler
type Config struct {
	Logger logr.Logger
}

// Assembler builds staged trees
type Assembler struct {
	logger logr.Logger
}

// NewAssembler creates a new assembler
func NewAssembler(cfg *Config) *Assembler {
	if cfg == nil {
		cfg = &Config{}
	}
	logger := cfg.Logger
	if logger.GetSink() == nil {
		logger = logr.Discard()
	}
	return &Assembler{logger: logger.WithName("stage")}
}

// Assemble rebuilds outDir from scratch
func (a *Assembler) Assemble(ctx context.Context, in Inputs, outDir string) (*Tree, error) {
	if in.Bootstrap == "" {
		return nil, &core.Error{Op: "stage", Err: errors.New("bootstrap script is required")}
	}

	a.logger.V(1).Info("Step 1/6: resetting staged tree", "dir", outDir)
	if err := os.RemoveAll(outDir); err != nil {
		return nil, core.IOError("stage", err)
	}
	if err := os.MkdirAll(outDir, 0755); err != nil {
		return nil, core.IOError("stage", err)
	}

	a.logger.V(1).Info("Step 2/6: laying down runtime")
	if in.PrebuiltDir != "" {
		if err := copyTree(in.PrebuiltDir, outDir, nil); err != nil {
			return nil, err
		}
	} else {
		if in.Distribution == "" {
			return nil, &core.Error{Op: "stage", Err: errors.New("no distribution or prebuilt runtime given")}
		}
		if err := archive.Extract(in.Distribution, outDir); err != nil {
			return nil, &core.Error{Op: "stage", Package: filepath.Base(in.Distribution), Err: err}
		}
	}

	a.logger.V(1).Info("Step 3/6: copying scripts and support files")
	required := append([]string{in.Bootstrap}, in.SupportFiles...)
	for _, src := range required {
		if err := copyFile(src, filepath.Join(outDir, filepath.Base(src))); err != nil {
			return nil, err
		}
	}
	for _, src := range []string{in.Companion, in.Manifest, in.Constraints} {
		if err := copyOptional(src, outDir); err != nil {
			return nil, err
		}
	}
	if in.ScriptsDir != "" {
		matcher, err := excludeMatcher(in.ScriptsDir, in.Exclude)
		if err != nil {
			return nil, &core.Error{Op: "stage", Err: err}
		}
		if err := copyTree(in.ScriptsDir, outDir, matcher); err != nil {
			return nil, err
		}
	}

	a.logger.V(1).Info("Step 4/6: placing packages")
	if in.Resolver != nil && in.Resolved != nil {
		if err := in.Resolver.Place(ctx, in.Resolved, outDir); err != nil {
			return nil, err
		}
	}

	a.logger.V(1).Info("Step 5/6: patching path configuration")
	pth, err := PatchPth(outDir, in.Runtime)
	if err != nil {
		return nil, err
	}

	a.logger.V(1).Info("Step 6/6: counting staged files")
	files, err := archive.Collect(outDir)
	if err != nil {
		return nil, err
	}

	a.logger.Info("staged runtime tree", "dir", outDir, "files", len(files), "runtime", in.Runtime.String())
	return &Tree{Root: outDir, PthFile: pth, Files: len(files)}, nil
}

// excludeMatcher combines configured patterns with the scripts dir ignore file
func excludeMatcher(dir string, patterns []string) (*patternmatcher.PatternMatcher, error) {
	all := append([]string(nil), patterns...)
	all = append(all, IgnoreFile)

	f, err := os.Open(filepath.Join(dir, IgnoreFile))
	switch {
	case err == nil:
		extra, rerr := ignorefile.ReadAll(f)
		f.Close()
		if rerr != nil {
			return nil, fmt.Errorf("reading %s: %w", IgnoreFile, rerr)
		}
		all = append(all, extra...)
	case !errors.Is(err, os.ErrNotExist):
		return nil, core.IOError("stage", err)
	}

	return patternmatcher.New(all)
}

// copyTree copies every regular file under src into dst, keeping relative
// paths. Files or directories matched by m are skipped.
func copyTree(src, dst string, m *patternmatcher.PatternMatcher) error {
	err := filepath.WalkDir(src, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(src, p)
		if err != nil || rel == "." {
			return err
		}
		if m != nil {
			excluded, err := m.MatchesOrParentMatches(rel)
			if err != nil {
				return err
			}
			if excluded {
				if d.IsDir() {
					return filepath.SkipDir
				}
				return nil
			}
		}
		if d.IsDir() || !d.Type().IsRegular() {
			return nil
		}
		return copyFile(p, filepath.Join(dst, rel))
	})
	if err != nil {
		var cerr *core.Error
		if errors.As(err, &cerr) {
			return err
		}
		return core.IOError("stage", err)
	}
	return nil
}

func copyOptional(src, dir string) error {
	if src == "" {
		return nil
	}
	if _, err := os.Stat(src); errors.Is(err, os.ErrNotExist) {
		return nil
	}
	return copyFile(src, filepath.Join(dir, filepath.Base(src)))
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return core.IOError("stage", err)
	}
	defer in.Close()

	info, err := in.Stat()
	if err != nil {
		return core.IOError("stage", err)
	}
	if err := os.MkdirAll(filepath.Dir(dst), 0755); err != nil {
		return core.IOError("stage", err)
	}
	out, err := os.OpenFile(dst, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, info.Mode().Perm())
	if err != nil {
		return core.IOError("stage", err)
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return core.IOError("stage", err)
	}
	return core.IOError("stage", out.Close())
}
