// Package resolver turns a requirements manifest into a pinned set of wheels
// for one target runtime and places them into a staged tree.
package resolver

import (
	"context"
	"fmt"
	"time"

	"github.com/go-logr/logr"

	"github.com/arc-language/pybundle/pkg/core"
	"github.com/arc-language/pybundle/pkg/platform"
	"github.com/arc-language/pybundle/pkg/requirements"
)

// DefaultBaseline lists the packaging tools shipped with every bundle
var DefaultBaseline = []string{"pip", "setuptools", "wheel"}

// Request describes one resolution
type Request struct {
	Manifest    *requirements.Manifest
	Constraints *requirements.Manifest // Optional; narrows versions, never adds packages
	DestDir     string
	Runtime     platform.Runtime
}

// Unit is one resolved wheel stored under the destination directory
type Unit struct {
	Name     string `json:"name"`
	Version  string `json:"version"`
	Filename string `json:"filename"`
	Path     string `json:"path"`
	SHA256   string `json:"sha256"`
}

// Result is the outcome of Resolve
type Result struct {
	Mode  string `json:"mode"`
	Dir   string `json:"dir"`
	Units []Unit `json:"units"`
}

// Resolver is a dependency strategy. Resolve fills DestDir; Place puts the
// resolved packages into a staged tree.
type Resolver interface {
	Mode() string
	Resolve(ctx context.Context, req Request) (*Result, error)
	Place(ctx context.Context, res *Result, stagedRoot string) error
}

// Config configures both strategies
type Config struct {
	IndexURL    string
	Baseline    []string
	Timeout     time.Duration
	RetryMax    int
	Concurrency int // Parallel index queries and downloads
	Logger      logr.Logger
}

// New returns the strategy registered for mode
func New(mode string, cfg *Config) (Resolver, error) {
	switch mode {
	case core.ModeDownload, "":
		return NewDownloader(cfg), nil
	case core.ModeInstall:
		return NewInstaller(cfg), nil
	default:
		return nil, fmt.Errorf("unknown resolver mode %q", mode)
	}
}
