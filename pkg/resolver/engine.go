package resolver

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/go-logr/logr"
	"golang.org/x/sync/errgroup"

	"github.com/arc-language/pybundle/pkg/core"
	"github.com/arc-language/pybundle/pkg/netclient"
	"github.com/arc-language/pybundle/pkg/pypi"
	"github.com/arc-language/pybundle/pkg/requirements"
	"github.com/arc-language/pybundle/pkg/wheel"
)

// engine holds the resolution and download steps both strategies share
type engine struct {
	config *Config
	index  *pypi.Index
	logger logr.Logger
}

func newEngine(cfg *Config, name string) *engine {
	if cfg == nil {
		cfg = &Config{}
	}

	// Set defaults
	if cfg.Baseline == nil {
		cfg.Baseline = DefaultBaseline
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 2 * time.Minute
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 4
	}

	logger := cfg.Logger
	if logger.GetSink() == nil {
		logger = logr.Discard()
	}
	logger = logger.WithName(name)

	client := netclient.NewClientWithTimeout(cfg.Timeout, cfg.RetryMax)
	client.SetLogger(logger)

	return &engine{
		config: cfg,
		index:  pypi.NewIndex(cfg.IndexURL, client, logger),
		logger: logger,
	}
}

// wanted merges the manifest, the baseline tools and the constraints into one
// requirement per project, manifest order first.
func (e *engine) wanted(req Request) ([]requirements.Requirement, error) {
	var out []requirements.Requirement
	pos := make(map[string]int)

	add := func(r requirements.Requirement) {
		if i, ok := pos[r.Name]; ok {
			out[i].Specifier = joinSpecifiers(out[i].Specifier, r.Specifier)
			return
		}
		pos[r.Name] = len(out)
		out = append(out, r)
	}

	if req.Manifest != nil {
		for _, r := range req.Manifest.Requirements {
			add(r)
		}
	}
	for _, line := range e.config.Baseline {
		r, err := requirements.ParseLine(line)
		if err != nil {
			return nil, fmt.Errorf("baseline: %w", err)
		}
		add(r)
	}
	if req.Constraints != nil {
		for _, c := range req.Constraints.Requirements {
			if i, ok := pos[c.Name]; ok {
				out[i].Specifier = joinSpecifiers(out[i].Specifier, c.Specifier)
			}
		}
	}
	return out, nil
}

func joinSpecifiers(a, b string) string {
	switch {
	case a == "":
		return b
	case b == "" || a == b:
		return a
	default:
		return a + "," + b
	}
}

// plan picks a wheel for every wanted requirement. Nothing is written; any
// requirement without a match fails the whole plan.
func (e *engine) plan(ctx context.Context, req Request) ([]*pypi.Candidate, error) {
	wanted, err := e.wanted(req)
	if err != nil {
		return nil, &core.Error{Op: "resolve", Err: fmt.Errorf("%w: %v", core.ErrUnresolvableConstraint, err)}
	}

	matcher := wheel.NewMatcher(req.Runtime)
	plan := make([]*pypi.Candidate, len(wanted))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.config.Concurrency)
	for i, r := range wanted {
		i, r := i, r
		g.Go(func() error {
			c, err := e.index.Find(gctx, r, req.Runtime, matcher)
			if err != nil {
				return &core.Error{Op: "resolve", Package: r.String(), Err: err}
			}
			e.logger.V(1).Info("resolved", "requirement", r.String(), "version", c.Version, "wheel", c.File.Filename)
			plan[i] = c
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return plan, nil
}

// materialize downloads the plan into a temp sibling of destDir and swaps it
// in once every wheel is verified. Wheels already in destDir with the
// expected digest are reused.
func (e *engine) materialize(ctx context.Context, plan []*pypi.Candidate, destDir string) ([]Unit, error) {
	parent := filepath.Dir(destDir)
	if err := os.MkdirAll(parent, 0755); err != nil {
		return nil, core.IOError("resolve", err)
	}
	tmp, err := os.MkdirTemp(parent, "."+filepath.Base(destDir)+"-*")
	if err != nil {
		return nil, core.IOError("resolve", err)
	}
	promoted := false
	defer func() {
		if !promoted {
			os.RemoveAll(tmp)
		}
	}()

	units := make([]Unit, len(plan))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.config.Concurrency)
	for i, c := range plan {
		i, c := i, c
		g.Go(func() error {
			name := c.File.Filename
			if err := e.obtain(gctx, c, filepath.Join(destDir, name), filepath.Join(tmp, name)); err != nil {
				return err
			}
			units[i] = Unit{
				Name:     c.Name,
				Version:  c.Version,
				Filename: name,
				Path:     filepath.Join(destDir, name),
				SHA256:   strings.ToLower(c.File.Digests.SHA256),
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	if err := swapDir(tmp, destDir); err != nil {
		return nil, core.IOError("resolve", err)
	}
	promoted = true
	return units, nil
}

// obtain fills dst from the previous destDir content when its digest still
// matches, otherwise from the index.
func (e *engine) obtain(ctx context.Context, c *pypi.Candidate, existing, dst string) error {
	want := c.File.Digests.SHA256
	if want != "" {
		if got, err := fileSHA256(existing); err == nil && strings.EqualFold(got, want) {
			e.logger.V(1).Info("reusing wheel", "file", c.File.Filename)
			return copyFile(existing, dst)
		}
	}

	f, err := os.Create(dst)
	if err != nil {
		return core.IOError("resolve", err)
	}
	defer f.Close()

	h := sha256.New()
	n, err := e.index.Client().Download(ctx, c.File.URL, io.MultiWriter(f, h))
	if err != nil {
		return &core.Error{Op: "resolve", Package: c.Name, Err: err}
	}
	if err := f.Close(); err != nil {
		return core.IOError("resolve", err)
	}

	got := hex.EncodeToString(h.Sum(nil))
	if want != "" && !strings.EqualFold(got, want) {
		return &core.Error{Op: "resolve", Package: c.Name,
			Err: fmt.Errorf("%w: %s: expected %s, got %s", core.ErrHashMismatch, c.File.Filename, want, got)}
	}
	e.logger.Info("downloaded wheel", "file", c.File.Filename, "size", humanize.Bytes(uint64(n)))
	return nil
}

// swapDir replaces dst with src. The previous dst survives until src is in place.
func swapDir(src, dst string) error {
	old := dst + ".old"
	if err := os.RemoveAll(old); err != nil {
		return err
	}
	if err := os.Rename(dst, old); err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	if err := os.Rename(src, dst); err != nil {
		os.Rename(old, dst)
		return err
	}
	return os.RemoveAll(old)
}

func fileSHA256(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return core.IOError("copy", err)
	}
	defer in.Close()

	if err := os.MkdirAll(filepath.Dir(dst), 0755); err != nil {
		return core.IOError("copy", err)
	}
	out, err := os.Create(dst)
	if err != nil {
		return core.IOError("copy", err)
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return core.IOError("copy", err)
	}
	return core.IOError("copy", out.Close())
}
