package resolver

import (
	"bufio"
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/klauspost/compress/zip"

	"github.com/arc-language/pybundle/pkg/archive"
	"github.com/arc-language/pybundle/pkg/core"
	"github.com/arc-language/pybundle/pkg/requirements"
	"github.com/arc-language/pybundle/pkg/wheel"
)

// SitePackages is the install location inside a staged tree
var SitePackages = filepath.Join("Lib", "site-packages")

// Installer resolves wheels like the Downloader, then unpacks them into the
// staged tree's site-packages. Nothing outside the staged tree is touched.
type Installer struct {
	*engine
}

// NewInstaller creates the install strategy
func NewInstaller(cfg *Config) *Installer {
	return &Installer{engine: newEngine(cfg, "install")}
}

// Mode implements Resolver
func (in *Installer) Mode() string { return core.ModeInstall }

// Resolve fills req.DestDir with the wheels to install
func (in *Installer) Resolve(ctx context.Context, req Request) (*Result, error) {
	plan, err := in.plan(ctx, req)
	if err != nil {
		return nil, err
	}

	in.logger.Info("fetching wheels for install", "count", len(plan), "dest", req.DestDir, "runtime", req.Runtime.String())
	units, err := in.materialize(ctx, plan, req.DestDir)
	if err != nil {
		return nil, err
	}
	return &Result{Mode: in.Mode(), Dir: req.DestDir, Units: units}, nil
}

// Place installs every unit into <stagedRoot>/Lib/site-packages, replacing any
// version of the same distribution already present.
func (in *Installer) Place(ctx context.Context, res *Result, stagedRoot string) error {
	site := filepath.Join(stagedRoot, SitePackages)
	if err := os.MkdirAll(site, 0755); err != nil {
		return core.IOError("install", err)
	}

	for i, u := range res.Units {
		if err := ctx.Err(); err != nil {
			return err
		}
		in.logger.V(1).Info(fmt.Sprintf("Step %d/%d: installing %s %s", i+1, len(res.Units), u.Name, u.Version))

		if err := uninstall(site, u.Name); err != nil {
			return &core.Error{Op: "install", Package: u.Name, Err: err}
		}
		if err := installWheel(u.Path, stagedRoot, site); err != nil {
			return &core.Error{Op: "install", Package: u.Name, Err: err}
		}
	}

	in.logger.Info("installed packages", "count", len(res.Units), "site", site)
	return nil
}

// installWheel unpacks one wheel. The .data directory is routed by scheme:
// purelib and platlib into site-packages, scripts into bin, headers into
// include/<dist>, data into the tree root.
func installWheel(path, root, site string) error {
	w, err := wheel.ParseFilename(filepath.Base(path))
	if err != nil {
		return err
	}

	zr, err := zip.OpenReader(path)
	if err != nil {
		return core.IOError("install", err)
	}
	defer zr.Close()

	dataPrefix := ""
	for _, f := range zr.File {
		if top, _, ok := strings.Cut(f.Name, "/"); ok && strings.HasSuffix(top, ".data") {
			dataPrefix = top + "/"
			break
		}
	}

	for _, f := range zr.File {
		if f.FileInfo().IsDir() {
			continue
		}

		base, name := site, f.Name
		if dataPrefix != "" && strings.HasPrefix(name, dataPrefix) {
			scheme, rest, _ := strings.Cut(strings.TrimPrefix(name, dataPrefix), "/")
			switch scheme {
			case "purelib", "platlib":
				base = site
			case "scripts":
				base = filepath.Join(root, "bin")
			case "headers":
				base = filepath.Join(root, "include", w.Name)
			case "data":
				base = root
			default:
				return fmt.Errorf("unknown wheel data scheme %q in %s", scheme, filepath.Base(path))
			}
			name = rest
		}

		target, err := archive.SafeJoin(base, name)
		if err != nil {
			return err
		}
		if err := extractMember(f, target); err != nil {
			return err
		}
	}
	return nil
}

func extractMember(f *zip.File, target string) error {
	rc, err := f.Open()
	if err != nil {
		return core.IOError("install", err)
	}
	defer rc.Close()

	if err := os.MkdirAll(filepath.Dir(target), 0755); err != nil {
		return core.IOError("install", err)
	}
	out, err := os.Create(target)
	if err != nil {
		return core.IOError("install", err)
	}
	if _, err := io.Copy(out, rc); err != nil {
		out.Close()
		return core.IOError("install", err)
	}
	return core.IOError("install", out.Close())
}

// uninstall removes every installed version of name: the files its RECORD
// lists and the .dist-info directory itself.
func uninstall(site, name string) error {
	entries, err := os.ReadDir(site)
	if err != nil {
		return core.IOError("uninstall", err)
	}

	for _, e := range entries {
		if !e.IsDir() || !strings.HasSuffix(e.Name(), ".dist-info") {
			continue
		}
		dist, _, _ := strings.Cut(strings.TrimSuffix(e.Name(), ".dist-info"), "-")
		if requirements.Normalize(dist) != name {
			continue
		}

		infoDir := filepath.Join(site, e.Name())
		files, err := readRecord(filepath.Join(infoDir, "RECORD"))
		if err != nil && !errors.Is(err, os.ErrNotExist) {
			return core.IOError("uninstall", err)
		}
		for _, rel := range files {
			target, err := archive.SafeJoin(site, rel)
			if err != nil {
				// RECORD may point outside site-packages (scripts); leave those
				continue
			}
			if err := os.Remove(target); err != nil && !errors.Is(err, os.ErrNotExist) {
				return core.IOError("uninstall", err)
			}
			pruneEmpty(filepath.Dir(target), site)
		}
		if err := os.RemoveAll(infoDir); err != nil {
			return core.IOError("uninstall", err)
		}
	}
	return nil
}

func readRecord(path string) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	r := csv.NewReader(bufio.NewReader(f))
	r.FieldsPerRecord = -1
	var files []string
	for {
		rec, err := r.Read()
		if errors.Is(err, io.EOF) {
			return files, nil
		}
		if err != nil {
			return nil, err
		}
		if len(rec) > 0 && rec[0] != "" {
			files = append(files, rec[0])
		}
	}
}

// pruneEmpty removes empty directories from dir up to, not including, stop
func pruneEmpty(dir, stop string) {
	for dir != stop && strings.HasPrefix(dir, stop) {
		if err := os.Remove(dir); err != nil {
			return
		}
		dir = filepath.Dir(dir)
	}
}
