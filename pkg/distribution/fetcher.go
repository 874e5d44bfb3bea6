package distribution

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/go-logr/logr"

	"github.com/arc-language/pybundle/pkg/core"
	"github.com/arc-language/pybundle/pkg/netclient"
	"github.com/arc-language/pybundle/pkg/platform"
)

// DefaultURLTemplate points at the python.org FTP mirror
const DefaultURLTemplate = "https://www.python.org/ftp/python/{version}/python-{version}-embed-{arch}.zip"

// Config configures the distribution fetcher
type Config struct {
	URLTemplate string // {version} and {arch} are substituted
	SHA256      string // Optional pin; a cached file with another digest is refetched
	Timeout     time.Duration
	RetryMax    int
	Logger      logr.Logger
}

// Fetcher downloads embeddable runtime distributions into a local cache
type Fetcher struct {
	client *netclient.Client
	config *Config
	logger logr.Logger
}

// NewFetcher creates a new distribution fetcher
func NewFetcher(cfg *Config) *Fetcher {
	if cfg == nil {
		cfg = &Config{}
	}

	// Set defaults
	if cfg.URLTemplate == "" {
		cfg.URLTemplate = DefaultURLTemplate
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 2 * time.Minute
	}

	logger := cfg.Logger
	if logger.GetSink() == nil {
		logger = logr.Discard()
	}

	client := netclient.NewClientWithTimeout(cfg.Timeout, cfg.RetryMax)
	client.SetLogger(logger)

	return &Fetcher{
		client: client,
		config: cfg,
		logger: logger.WithName("distribution"),
	}
}

// URL returns the canonical download URL for rt
func (f *Fetcher) URL(rt platform.Runtime) (string, error) {
	arch, err := rt.EmbedArch()
	if err != nil {
		return "", &core.Error{Op: "fetch", Package: rt.String(), Err: fmt.Errorf("%w: %v", core.ErrPlatformNotSupported, err)}
	}
	r := strings.NewReplacer("{version}", rt.Version, "{arch}", arch)
	return r.Replace(f.config.URLTemplate), nil
}

// FileName returns the conventional cache file name for rt
func FileName(rt platform.Runtime) (string, error) {
	arch, err := rt.EmbedArch()
	if err != nil {
		return "", fmt.Errorf("%w: %v", core.ErrPlatformNotSupported, err)
	}
	return fmt.Sprintf("python-%s-embed-%s.zip", rt.Version, arch), nil
}

// Fetch makes sure targetPath holds the distribution for rt. An existing file
// short-circuits without network activity. Downloads land in a temp file next
// to targetPath and are only renamed into place once complete.
func (f *Fetcher) Fetch(ctx context.Context, rt platform.Runtime, targetPath string) error {
	url, err := f.URL(rt)
	if err != nil {
		return err
	}

	if _, err := os.Stat(targetPath); err == nil {
		if f.config.SHA256 == "" {
			f.logger.V(1).Info("distribution already cached", "path", targetPath)
			return nil
		}
		if err := verifyFileHash(targetPath, f.config.SHA256); err == nil {
			f.logger.V(1).Info("distribution already cached and verified", "path", targetPath)
			return nil
		}
		f.logger.Info("cached distribution does not match pinned digest, refetching", "path", targetPath)
	}

	if err := os.MkdirAll(filepath.Dir(targetPath), 0755); err != nil {
		return core.IOError("fetch", fmt.Errorf("creating directory: %w", err))
	}

	f.logger.Info("downloading embeddable distribution", "runtime", rt.String(), "url", url)

	tmp, err := os.CreateTemp(filepath.Dir(targetPath), ".download-*")
	if err != nil {
		return core.IOError("fetch", fmt.Errorf("creating temp file: %w", err))
	}
	tmpPath := tmp.Name()
	promoted := false
	defer func() {
		if !promoted {
			tmp.Close()
			os.Remove(tmpPath) // Clean up partial
		}
	}()

	n, err := f.client.Download(ctx, url, tmp)
	if err != nil {
		return &core.Error{Op: "fetch", Package: rt.String(), Err: err}
	}
	if err := tmp.Sync(); err != nil {
		return core.IOError("fetch", err)
	}
	if err := tmp.Close(); err != nil {
		return core.IOError("fetch", err)
	}

	if f.config.SHA256 != "" {
		if err := verifyFileHash(tmpPath, f.config.SHA256); err != nil {
			return &core.Error{Op: "fetch", Package: rt.String(), Err: err}
		}
	}

	if err := os.Rename(tmpPath, targetPath); err != nil {
		return core.IOError("fetch", fmt.Errorf("promoting download: %w", err))
	}
	promoted = true

	f.logger.Info("distribution downloaded", "path", targetPath, "size", humanize.Bytes(uint64(n)))
	return nil
}

// verifyFileHash verifies the SHA256 hash of a file
func verifyFileHash(filePath, expectedHash string) error {
	file, err := os.Open(filePath)
	if err != nil {
		return fmt.Errorf("opening file: %w", err)
	}
	defer file.Close()

	hasher := sha256.New()
	if _, err := io.Copy(hasher, file); err != nil {
		return fmt.Errorf("computing hash: %w", err)
	}

	actualHash := hex.EncodeToString(hasher.Sum(nil))
	if !strings.EqualFold(actualHash, strings.TrimPrefix(expectedHash, "sha256:")) {
		return fmt.Errorf("%w: expected %s, got %s", core.ErrHashMismatch, expectedHash, actualHash)
	}

	return nil
}
