package core

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/mitchellh/go-homedir"
	"gopkg.in/yaml.v3"
)

// DefaultConfigFile is looked up in the working directory when no path is given
const DefaultConfigFile = "pybundle.yaml"

// Resolver modes
const (
	ModeDownload = "download"
	ModeInstall  = "install"
)

// Archive formats
const (
	FormatZip    = "zip"
	FormatTarXz  = "tar.xz"
	FormatTarZst = "tar.zst"
)

// Config holds pybundle configuration
type Config struct {
	BuildDir      string        `yaml:"build_dir"`
	LogLevel      string        `yaml:"log_level"`
	Timeout       time.Duration `yaml:"timeout"`
	RetryMax      int           `yaml:"retry_max"`
	RestrictedEnv []string      `yaml:"restricted_env"`

	Runtime      RuntimeConfig      `yaml:"runtime"`
	Distribution DistributionConfig `yaml:"distribution"`
	Resolver     ResolverConfig     `yaml:"resolver"`
	Staging      StagingConfig      `yaml:"staging"`
	Archive      ArchiveConfig      `yaml:"archive"`
	Inject       InjectConfig       `yaml:"inject"`
}

// RuntimeConfig pins the embedded interpreter
type RuntimeConfig struct {
	Version  string `yaml:"version"`  // e.g. 3.11.9
	Platform string `yaml:"platform"` // wheel platform tag, e.g. win_amd64
}

// DistributionConfig locates the embeddable distribution
type DistributionConfig struct {
	URLTemplate string `yaml:"url_template"` // {version} and {arch} are substituted
	SHA256      string `yaml:"sha256"`       // Optional pin for the downloaded zip
}

// ResolverConfig selects and configures the dependency strategy
type ResolverConfig struct {
	Mode         string   `yaml:"mode"` // download or install
	IndexURL     string   `yaml:"index_url"`
	Baseline     []string `yaml:"baseline"`
	Requirements string   `yaml:"requirements"`
	Constraints  string   `yaml:"constraints"`
	WheelsDir    string   `yaml:"wheels_dir"`
}

// StagingConfig lists everything copied into the staged tree
type StagingConfig struct {
	Dir          string   `yaml:"dir"`
	Bootstrap    string   `yaml:"bootstrap"`
	ScriptsDir   string   `yaml:"scripts_dir"`
	SupportFiles []string `yaml:"support_files"`
	Companion    string   `yaml:"companion"`
	PrebuiltDir  string   `yaml:"prebuilt_dir"`
	Exclude      []string `yaml:"exclude"`
}

// ArchiveConfig controls the archive written from the staged tree
type ArchiveConfig struct {
	Format string `yaml:"format"`
	Output string `yaml:"output"`
}

// InjectConfig describes the final artifact
type InjectConfig struct {
	Artifact     string `yaml:"artifact"`
	ResourcesDir string `yaml:"resources_dir"`
	NativeDir    string `yaml:"native_dir"`
	ArchivePath  string `yaml:"archive_path"`
	NativesPath  string `yaml:"natives_path"`
	RawPrefix    string `yaml:"raw_prefix"`
}

// DefaultConfig returns a default configuration
func DefaultConfig() *Config {
	return &Config{
		BuildDir:      "build",
		LogLevel:      "info",
		Timeout:       2 * time.Minute,
		RetryMax:      3,
		RestrictedEnv: append([]string(nil), DefaultRestrictedEnv...),
		Runtime: RuntimeConfig{
			Version:  "3.11.9",
			Platform: "win_amd64",
		},
		Distribution: DistributionConfig{
			URLTemplate: "https://www.python.org/ftp/python/{version}/python-{version}-embed-{arch}.zip",
		},
		Resolver: ResolverConfig{
			Mode:         ModeDownload,
			IndexURL:     "https://pypi.org/pypi",
			Baseline:     []string{"pip", "setuptools", "wheel"},
			Requirements: "requirements.txt",
		},
		Staging: StagingConfig{
			Exclude: []string{"**/__pycache__", "**/*.pyc"},
		},
		Archive: ArchiveConfig{
			Format: FormatZip,
		},
		Inject: InjectConfig{
			ArchivePath: "python_dist.zip",
			NativesPath: "natives",
			RawPrefix:   "python_dist",
		},
	}
}

// LoadConfig loads configuration from file. Missing files yield the defaults;
// relative paths are resolved against the file's directory.
func LoadConfig(path string) (*Config, error) {
	if path == "" {
		path = DefaultConfigFile
	}
	path, err := homedir.Expand(path)
	if err != nil {
		return nil, fmt.Errorf("expanding config path: %w", err)
	}

	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		if !os.IsNotExist(err) {
			return nil, fmt.Errorf("reading config: %w", err)
		}
		wd, err := os.Getwd()
		if err != nil {
			return nil, fmt.Errorf("getting working dir: %w", err)
		}
		return cfg, cfg.ResolvePaths(wd)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("resolving config path: %w", err)
	}
	return cfg, cfg.ResolvePaths(filepath.Dir(abs))
}

// SaveConfig saves configuration to file
func SaveConfig(cfg *Config, path string) error {
	if path == "" {
		path = DefaultConfigFile
	}

	// Ensure directory exists
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("creating config directory: %w", err)
	}

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("marshaling config: %w", err)
	}

	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("writing config: %w", err)
	}

	return nil
}

// Validate checks enumerated settings
func (c *Config) Validate() error {
	if strings.TrimSpace(c.Runtime.Version) == "" {
		return fmt.Errorf("runtime.version is required")
	}
	if strings.TrimSpace(c.Runtime.Platform) == "" {
		return fmt.Errorf("runtime.platform is required")
	}
	switch c.Resolver.Mode {
	case ModeDownload, ModeInstall:
	default:
		return fmt.Errorf("unknown resolver.mode %q (expected %s or %s)", c.Resolver.Mode, ModeDownload, ModeInstall)
	}
	switch c.Archive.Format {
	case FormatZip, FormatTarXz, FormatTarZst:
	default:
		return fmt.Errorf("unknown archive.format %q", c.Archive.Format)
	}
	if c.Timeout < 0 {
		return fmt.Errorf("timeout must not be negative")
	}
	return nil
}

// ResolvePaths expands ~ and anchors relative paths at baseDir. Derived
// locations left empty are filled in below BuildDir.
func (c *Config) ResolvePaths(baseDir string) error {
	var firstErr error
	fix := func(p *string) {
		if *p == "" || firstErr != nil {
			return
		}
		expanded, err := homedir.Expand(*p)
		if err != nil {
			firstErr = fmt.Errorf("expanding %s: %w", *p, err)
			return
		}
		if !filepath.IsAbs(expanded) {
			expanded = filepath.Join(baseDir, expanded)
		}
		*p = filepath.Clean(expanded)
	}

	fix(&c.BuildDir)
	if c.BuildDir == "" {
		c.BuildDir = filepath.Join(baseDir, "build")
	}
	if c.Staging.Dir == "" {
		c.Staging.Dir = filepath.Join(c.BuildDir, "python_staging")
	}
	if c.Resolver.WheelsDir == "" {
		c.Resolver.WheelsDir = filepath.Join(c.BuildDir, "wheels")
	}
	if c.Archive.Format != FormatZip && c.Inject.ArchivePath == DefaultConfig().Inject.ArchivePath {
		c.Inject.ArchivePath = ArchiveFileName(c.Inject.ArchivePath, c.Archive.Format)
	}
	if c.Archive.Output == "" {
		c.Archive.Output = filepath.Join(c.BuildDir, "generated", "resources", ArchiveFileName(c.Inject.ArchivePath, c.Archive.Format))
	}

	for _, p := range []*string{
		&c.Staging.Dir, &c.Resolver.WheelsDir, &c.Archive.Output,
		&c.Resolver.Requirements, &c.Resolver.Constraints,
		&c.Staging.Bootstrap, &c.Staging.ScriptsDir, &c.Staging.Companion, &c.Staging.PrebuiltDir,
		&c.Inject.Artifact, &c.Inject.ResourcesDir, &c.Inject.NativeDir,
	} {
		fix(p)
	}
	for i := range c.Staging.SupportFiles {
		fix(&c.Staging.SupportFiles[i])
	}
	return firstErr
}

// ArchiveFileName derives the archive's file name from the logical resource
// path, swapping the extension to match format.
func ArchiveFileName(logicalPath, format string) string {
	base := filepath.Base(filepath.FromSlash(logicalPath))
	if base == "." || base == string(filepath.Separator) || base == "" {
		base = "python_dist.zip"
	}
	stem := strings.TrimSuffix(strings.TrimSuffix(strings.TrimSuffix(base, ".zip"), ".tar.xz"), ".tar.zst")
	return stem + "." + format
}

// StateDB is the fingerprint store backing up-to-date checks
func (c *Config) StateDB() string {
	return filepath.Join(c.BuildDir, ".pybundle", "state.db")
}

// ResolvedFile records the last resolution so a cached resolve can still feed staging
func (c *Config) ResolvedFile() string {
	return filepath.Join(c.BuildDir, ".pybundle", "resolved.json")
}

// DistributionDir caches downloaded embeddable distributions
func (c *Config) DistributionDir() string {
	return filepath.Join(c.BuildDir, "tmp")
}
