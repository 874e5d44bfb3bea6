package inject

import (
	"errors"
	"fmt"
	"os"
	"path"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/go-logr/logr"

	"github.com/arc-language/pybundle/pkg/core"
	"github.com/arc-language/pybundle/pkg/natives"
)

// Default logical locations inside the artifact
const (
	DefaultArchivePath = "python_dist.zip"
	DefaultNativesPath = "natives"
	DefaultRawPrefix   = "python_dist"
)

// Config configures the injector
type Config struct {
	ArchivePath string // Logical path of the runtime archive
	NativesPath string // Logical directory for native libraries
	RawPrefix   string // Logical prefix of the raw staged tree, never shipped
	Profile     core.Profile
	Logger      logr.Logger
}

// Injector wires the runtime archive and native libraries into a Builder
type Injector struct {
	config *Config
	logger logr.Logger
}

// NewInjector creates a new injector
func NewInjector(cfg *Config) *Injector {
	if cfg == nil {
		cfg = &Config{}
	}

	// Set defaults
	if cfg.ArchivePath == "" {
		cfg.ArchivePath = DefaultArchivePath
	}
	if cfg.NativesPath == "" {
		cfg.NativesPath = DefaultNativesPath
	}
	if cfg.RawPrefix == "" {
		cfg.RawPrefix = DefaultRawPrefix
	}

	logger := cfg.Logger
	if logger.GetSink() == nil {
		logger = logr.Discard()
	}

	return &Injector{config: cfg, logger: logger.WithName("inject")}
}

// Inject adds archiveFile at the archive path and every file of nativeLibDir
// below the natives path, then hides the raw staged tree. A missing archive
// is only accepted under a restricted profile.
func (i *Injector) Inject(b *Builder, archiveFile, nativeLibDir string) error {
	haveArchive := false
	if _, err := os.Stat(archiveFile); err == nil {
		haveArchive = true
	} else if !errors.Is(err, os.ErrNotExist) {
		return core.IOError("inject", err)
	}

	if b.Remove(i.config.ArchivePath) {
		i.logger.V(1).Info("replacing stale archive resource", "path", i.config.ArchivePath)
	}

	switch {
	case haveArchive:
		if err := b.AddFile(i.config.ArchivePath, archiveFile); err != nil {
			return err
		}
	case i.config.Profile.Restricted:
		i.logger.Info("no runtime archive, skipping under restricted profile", "profile", i.config.Profile.String())
	default:
		return &core.Error{Op: "inject", Err: fmt.Errorf("%w: runtime archive %s is missing", core.ErrInjection, archiveFile)}
	}

	libs, err := natives.Scan(nativeLibDir)
	if err != nil {
		return core.IOError("inject", err)
	}
	var size int64
	for _, lib := range libs {
		if err := b.AddFile(path.Join(i.config.NativesPath, lib.Rel), lib.Path); err != nil {
			return err
		}
		size += lib.Size
	}
	if len(libs) > 0 {
		i.logger.Info("added native libraries", "files", len(libs), "shared", natives.Names(natives.SharedOnly(libs)), "size", humanize.Bytes(uint64(size)))
	}

	if err := b.Exclude(i.config.RawPrefix); err != nil {
		return err
	}
	return i.Verify(b.Entries(), haveArchive)
}

// Verify checks the artifact layout: the archive appears exactly once when
// expected, and nothing lives under the raw staged prefix.
func (i *Injector) Verify(entries []Entry, expectArchive bool) error {
	archives, raw := 0, 0
	for _, e := range entries {
		if e.Path == i.config.ArchivePath {
			archives++
		}
		if e.Path == i.config.RawPrefix || strings.HasPrefix(e.Path, i.config.RawPrefix+"/") {
			raw++
		}
	}

	want := 0
	if expectArchive {
		want = 1
	}
	if archives != want {
		return &core.Error{Op: "inject", Err: fmt.Errorf("%w: %s present %d times, want %d", core.ErrInjection, i.config.ArchivePath, archives, want)}
	}
	if raw != 0 {
		return &core.Error{Op: "inject", Err: fmt.Errorf("%w: %d entries under raw prefix %s/", core.ErrInjection, raw, i.config.RawPrefix)}
	}
	return nil
}
