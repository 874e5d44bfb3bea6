// pybundle.go
package pybundle

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/go-logr/logr"

	"github.com/arc-language/pybundle/pkg/archive"
	"github.com/arc-language/pybundle/pkg/cache"
	"github.com/arc-language/pybundle/pkg/core"
	"github.com/arc-language/pybundle/pkg/distribution"
	"github.com/arc-language/pybundle/pkg/gc"
	"github.com/arc-language/pybundle/pkg/inject"
	"github.com/arc-language/pybundle/pkg/pipeline"
	"github.com/arc-language/pybundle/pkg/platform"
	"github.com/arc-language/pybundle/pkg/requirements"
	"github.com/arc-language/pybundle/pkg/resolver"
	"github.com/arc-language/pybundle/pkg/stage"
)

// Re-export commonly used types
type (
	Config  = core.Config
	Profile = core.Profile
	Report  = pipeline.Report
	State   = pipeline.State
	Graph   = pipeline.Graph
	Runtime = platform.Runtime
)

// Task names
const (
	TaskFetch   = "fetch"
	TaskResolve = "resolve"
	TaskStage   = "stage"
	TaskClean   = "clean"
	TaskArchive = "archive"
	TaskInject  = "inject"
)

// Task states
const (
	StateCompleted = pipeline.StateCompleted
	StateCached    = pipeline.StateCached
	StateSkipped   = pipeline.StateSkipped
	StateFailed    = pipeline.StateFailed
)

// Bundler wires the pipeline components into one task graph
type Bundler struct {
	config  *core.Config
	profile core.Profile
	logger  logr.Logger
	force   bool
	runtime platform.Runtime

	fetcher   *distribution.Fetcher
	resolver  resolver.Resolver
	assembler *stage.Assembler
	collector *gc.Collector
	injector  *inject.Injector

	mu       sync.Mutex
	resolved *resolver.Result
}

// Option configures a Bundler
type Option func(*options)

type options struct {
	logger  logr.Logger
	profile *core.Profile
	lookup  core.LookupFunc
	force   bool
}

// WithLogger sets the logger
func WithLogger(logger logr.Logger) Option {
	return func(o *options) { o.logger = logger }
}

// WithProfile overrides environment detection
func WithProfile(p core.Profile) Option {
	return func(o *options) { o.profile = &p }
}

// WithEnv replaces os.LookupEnv for profile detection
func WithEnv(lookup core.LookupFunc) Option {
	return func(o *options) { o.lookup = lookup }
}

// WithForce ignores recorded fingerprints so every task runs
func WithForce(force bool) Option {
	return func(o *options) { o.force = force }
}

// New creates a Bundler for cfg. A nil cfg uses the defaults anchored at the
// working directory.
func New(cfg *core.Config, opts ...Option) (*Bundler, error) {
	if cfg == nil {
		cfg = core.DefaultConfig()
		wd, err := os.Getwd()
		if err != nil {
			return nil, fmt.Errorf("getting working dir: %w", err)
		}
		if err := cfg.ResolvePaths(wd); err != nil {
			return nil, err
		}
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	o := &options{}
	for _, opt := range opts {
		opt(o)
	}
	logger := o.logger
	if logger.GetSink() == nil {
		logger = logr.Discard()
	}

	profile := core.ProfileFromEnv(o.lookup, cfg.RestrictedEnv)
	if o.profile != nil {
		profile = *o.profile
	}

	rt, err := platform.NewRuntime(cfg.Runtime.Version, cfg.Runtime.Platform)
	if err != nil {
		return nil, &core.Error{Op: "configure", Err: err}
	}

	res, err := resolver.New(cfg.Resolver.Mode, &resolver.Config{
		IndexURL: cfg.Resolver.IndexURL,
		Baseline: cfg.Resolver.Baseline,
		Timeout:  cfg.Timeout,
		RetryMax: cfg.RetryMax,
		Logger:   logger,
	})
	if err != nil {
		return nil, &core.Error{Op: "configure", Err: err}
	}

	return &Bundler{
		config:  cfg,
		profile: profile,
		logger:  logger,
		force:   o.force,
		runtime: rt,
		fetcher: distribution.NewFetcher(&distribution.Config{
			URLTemplate: cfg.Distribution.URLTemplate,
			SHA256:      cfg.Distribution.SHA256,
			Timeout:     cfg.Timeout,
			RetryMax:    cfg.RetryMax,
			Logger:      logger,
		}),
		resolver:  res,
		assembler: stage.NewAssembler(&stage.Config{Logger: logger}),
		collector: gc.NewCollector(logger),
		injector: inject.NewInjector(&inject.Config{
			ArchivePath: cfg.Inject.ArchivePath,
			NativesPath: cfg.Inject.NativesPath,
			RawPrefix:   cfg.Inject.RawPrefix,
			Profile:     profile,
			Logger:      logger,
		}),
	}, nil
}

// Config returns the resolved configuration
func (b *Bundler) Config() *core.Config { return b.config }

// Profile returns the environment profile the bundler runs under
func (b *Bundler) Profile() core.Profile { return b.profile }

// Runtime returns the target runtime
func (b *Bundler) Runtime() platform.Runtime { return b.runtime }

// DistributionPath is where the embeddable zip is cached
func (b *Bundler) DistributionPath() (string, error) {
	name, err := distribution.FileName(b.runtime)
	if err != nil {
		return "", err
	}
	return filepath.Join(b.config.DistributionDir(), name), nil
}

// Fetch downloads the embeddable distribution unless it is already cached
func (b *Bundler) Fetch(ctx context.Context) error {
	if b.config.Staging.PrebuiltDir != "" {
		b.logger.V(1).Info("prebuilt runtime configured, nothing to fetch", "dir", b.config.Staging.PrebuiltDir)
		return nil
	}
	target, err := b.DistributionPath()
	if err != nil {
		return err
	}
	return b.fetcher.Fetch(ctx, b.runtime, target)
}

// Resolve pins the manifest to wheels under the wheels directory and records
// the outcome next to the fingerprint store.
func (b *Bundler) Resolve(ctx context.Context) (*resolver.Result, error) {
	manifest, err := requirements.Load(b.config.Resolver.Requirements)
	if err != nil {
		return nil, &core.Error{Op: "resolve", Err: err}
	}
	constraints, err := b.loadConstraints()
	if err != nil {
		return nil, err
	}

	res, err := b.resolver.Resolve(ctx, resolver.Request{
		Manifest:    manifest,
		Constraints: constraints,
		DestDir:     b.config.Resolver.WheelsDir,
		Runtime:     b.runtime,
	})
	if err != nil {
		return nil, err
	}
	if err := b.saveResolved(res); err != nil {
		return nil, err
	}

	b.mu.Lock()
	b.resolved = res
	b.mu.Unlock()
	return res, nil
}

func (b *Bundler) loadConstraints() (*requirements.Manifest, error) {
	path := b.config.Resolver.Constraints
	if path == "" {
		return nil, nil
	}
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	m, err := requirements.Load(path)
	if err != nil {
		return nil, &core.Error{Op: "resolve", Err: err}
	}
	return m, nil
}

func (b *Bundler) saveResolved(res *resolver.Result) error {
	path := b.config.ResolvedFile()
	data, err := json.MarshalIndent(res, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding resolution: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return core.IOError("resolve", err)
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return core.IOError("resolve", err)
	}
	return nil
}

// Resolved returns the last resolution, reading it back from disk when the
// resolve task was up to date in this process.
func (b *Bundler) Resolved() (*resolver.Result, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.resolved != nil {
		return b.resolved, nil
	}

	data, err := os.ReadFile(b.config.ResolvedFile())
	if err != nil {
		return nil, core.IOError("stage", fmt.Errorf("reading resolution: %w", err))
	}
	var res resolver.Result
	if err := json.Unmarshal(data, &res); err != nil {
		return nil, core.IOError("stage", fmt.Errorf("decoding resolution: %w", err))
	}
	b.resolved = &res
	return &res, nil
}

// Stage assembles a fresh staged tree
func (b *Bundler) Stage(ctx context.Context) (*stage.Tree, error) {
	res, err := b.Resolved()
	if err != nil {
		return nil, err
	}

	in := stage.Inputs{
		Runtime:      b.runtime,
		PrebuiltDir:  b.config.Staging.PrebuiltDir,
		Bootstrap:    b.config.Staging.Bootstrap,
		SupportFiles: b.config.Staging.SupportFiles,
		Companion:    b.config.Staging.Companion,
		ScriptsDir:   b.config.Staging.ScriptsDir,
		Exclude:      b.config.Staging.Exclude,
		Manifest:     b.config.Resolver.Requirements,
		Constraints:  b.config.Resolver.Constraints,
		Resolver:     b.resolver,
		Resolved:     res,
	}
	if in.PrebuiltDir == "" {
		if in.Distribution, err = b.DistributionPath(); err != nil {
			return nil, err
		}
	}
	return b.assembler.Assemble(ctx, in, b.config.Staging.Dir)
}

// Clean removes bytecode caches from the staged tree
func (b *Bundler) Clean() gc.Report {
	return b.collector.Clean(b.config.Staging.Dir)
}

// Archive writes the staged tree to the configured archive
func (b *Bundler) Archive() (*archive.Result, error) {
	return archive.Write(b.config.Staging.Dir, b.config.Archive.Output, b.config.Archive.Format)
}

// Inject adds the resources directory, the runtime archive and the native
// libraries to builder and checks the resulting layout.
func (b *Bundler) Inject(builder *inject.Builder) error {
	if dir := b.config.Inject.ResourcesDir; dir != "" {
		if _, err := os.Stat(dir); err == nil {
			if err := builder.AddDir("", dir); err != nil {
				return err
			}
		}
	}
	return b.injector.Inject(builder, b.config.Archive.Output, b.config.Inject.NativeDir)
}

// Graph builds the task graph
func (b *Bundler) Graph() (*pipeline.Graph, error) {
	return pipeline.NewGraph(
		&pipeline.Task{
			Name:        TaskFetch,
			Guarded:     true,
			Fingerprint: b.fetchFingerprint,
			Outputs:     b.fetchOutputs,
			Run:         b.Fetch,
		},
		&pipeline.Task{
			Name:        TaskResolve,
			Guarded:     true,
			Fingerprint: b.resolveFingerprint,
			Outputs: func() []string {
				return []string{b.config.Resolver.WheelsDir, b.config.ResolvedFile()}
			},
			Run: func(ctx context.Context) error {
				_, err := b.Resolve(ctx)
				return err
			},
		},
		&pipeline.Task{
			Name:        TaskStage,
			Deps:        []string{TaskFetch, TaskResolve},
			Guarded:     true,
			Fingerprint: b.stageFingerprint,
			Outputs:     func() []string { return []string{b.config.Staging.Dir} },
			Run: func(ctx context.Context) error {
				_, err := b.Stage(ctx)
				return err
			},
		},
		&pipeline.Task{
			Name:    TaskClean,
			Deps:    []string{TaskStage},
			Guarded: true,
			Run: func(ctx context.Context) error {
				b.Clean()
				return nil
			},
		},
		&pipeline.Task{
			Name:        TaskArchive,
			Deps:        []string{TaskClean},
			Guarded:     true,
			Fingerprint: b.archiveFingerprint,
			Outputs:     func() []string { return []string{b.config.Archive.Output} },
			Run: func(ctx context.Context) error {
				_, err := b.Archive()
				return err
			},
		},
		&pipeline.Task{
			Name: TaskInject,
			Deps: []string{TaskArchive},
			Run: func(ctx context.Context) error {
				return b.assembleArtifact()
			},
		},
	)
}

func (b *Bundler) assembleArtifact() error {
	builder := inject.NewBuilder()
	if err := b.Inject(builder); err != nil {
		return err
	}
	if b.config.Inject.Artifact == "" {
		return nil
	}
	d, err := builder.Write(b.config.Inject.Artifact)
	if err != nil {
		return err
	}
	b.logger.Info("artifact written", "path", b.config.Inject.Artifact, "digest", d.String())
	return nil
}

// Build runs targets and everything they depend on. No targets means the
// whole graph.
func (b *Bundler) Build(ctx context.Context, targets ...string) (*pipeline.Report, error) {
	g, err := b.Graph()
	if err != nil {
		return nil, err
	}
	if len(targets) > 0 {
		if g, err = g.Subgraph(targets...); err != nil {
			return nil, err
		}
	}

	var store *cache.Store
	if !b.profile.Restricted {
		store, err = cache.Open(ctx, b.config.StateDB())
		if err != nil {
			return nil, err
		}
		defer store.Close()
	}

	b.logger.V(1).Info("building bundle", "runtime", b.runtime.String(), "profile", b.profile.String(), "tasks", g.Order())
	runner := pipeline.NewRunner(&pipeline.RunnerConfig{
		Profile: b.profile,
		Store:   store,
		Force:   b.force,
		Logger:  b.logger,
	})
	return runner.Run(ctx, g)
}
