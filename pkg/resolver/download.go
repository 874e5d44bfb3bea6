package resolver

import (
	"context"
	"os"
	"path/filepath"

	"github.com/arc-language/pybundle/pkg/core"
)

// WheelsDir is where the download strategy places wheels inside a staged tree
const WheelsDir = "wheels"

// Downloader resolves wheels and ships them as files, never unpacked. The
// bundled runtime installs them itself on first start.
type Downloader struct {
	*engine
}

// NewDownloader creates the download strategy
func NewDownloader(cfg *Config) *Downloader {
	return &Downloader{engine: newEngine(cfg, "download")}
}

// Mode implements Resolver
func (d *Downloader) Mode() string { return core.ModeDownload }

// Resolve computes the plan and fills req.DestDir with exactly its wheels
func (d *Downloader) Resolve(ctx context.Context, req Request) (*Result, error) {
	plan, err := d.plan(ctx, req)
	if err != nil {
		return nil, err
	}

	d.logger.Info("downloading wheels", "count", len(plan), "dest", req.DestDir, "runtime", req.Runtime.String())
	units, err := d.materialize(ctx, plan, req.DestDir)
	if err != nil {
		return nil, err
	}
	return &Result{Mode: d.Mode(), Dir: req.DestDir, Units: units}, nil
}

// Place copies the wheel files into <stagedRoot>/wheels
func (d *Downloader) Place(ctx context.Context, res *Result, stagedRoot string) error {
	dir := filepath.Join(stagedRoot, WheelsDir)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return core.IOError("place", err)
	}
	for _, u := range res.Units {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := copyFile(u.Path, filepath.Join(dir, u.Filename)); err != nil {
			return err
		}
	}
	d.logger.V(1).Info("placed wheels", "count", len(res.Units), "dir", dir)
	return nil
}
