package pybundle

import (
	"context"
	"fmt"

	"github.com/opencontainers/go-digest"

	"github.com/arc-language/pybundle/pkg/cache"
	"github.com/arc-language/pybundle/pkg/core"
	"github.com/arc-language/pybundle/pkg/requirements"
)

func (b *Bundler) fetchFingerprint(ctx context.Context) (digest.Digest, error) {
	h := cache.NewHasher().Field(TaskFetch).Field(b.runtime.String())
	if b.config.Staging.PrebuiltDir != "" {
		h.Field("prebuilt").Field(b.config.Staging.PrebuiltDir)
		return h.Sum(), nil
	}
	url, err := b.fetcher.URL(b.runtime)
	if err != nil {
		return "", err
	}
	h.Field(url).Field(b.config.Distribution.SHA256)
	return h.Sum(), nil
}

func (b *Bundler) fetchOutputs() []string {
	if b.config.Staging.PrebuiltDir != "" {
		return nil
	}
	target, err := b.DistributionPath()
	if err != nil {
		return nil
	}
	return []string{target}
}

func (b *Bundler) resolveFingerprint(ctx context.Context) (digest.Digest, error) {
	r := b.config.Resolver
	h := cache.NewHasher().
		Field(TaskResolve).
		Field(b.resolver.Mode()).
		Field(b.runtime.String()).
		Field(r.IndexURL).
		Field(r.WheelsDir)
	if r.Baseline == nil {
		h.Field("default-baseline")
	} else {
		h.Fields(r.Baseline...)
	}
	if err := hashManifest(h, "manifest", r.Requirements); err != nil {
		return "", core.IOError("fingerprint", err)
	}
	if err := hashManifest(h, "constraints", r.Constraints); err != nil {
		return "", core.IOError("fingerprint", err)
	}
	return h.Sum(), nil
}

func (b *Bundler) stageFingerprint(ctx context.Context) (digest.Digest, error) {
	s := b.config.Staging
	h := cache.NewHasher().
		Field(TaskStage).
		Field(b.runtime.String()).
		Field(b.resolver.Mode()).
		Fields(s.Exclude...)

	dist, _ := b.DistributionPath()
	if s.PrebuiltDir != "" {
		dist = ""
	}

	files := []struct{ label, path string }{
		{"distribution", dist},
		{"resolution", b.config.ResolvedFile()},
		{"bootstrap", s.Bootstrap},
		{"companion", s.Companion},
	}
	for i, f := range s.SupportFiles {
		files = append(files, struct{ label, path string }{fmt.Sprintf("support-%d", i), f})
	}
	for _, f := range files {
		if err := h.File(f.label, f.path); err != nil {
			return "", core.IOError("fingerprint", err)
		}
	}
	if err := hashManifest(h, "manifest", b.config.Resolver.Requirements); err != nil {
		return "", core.IOError("fingerprint", err)
	}
	if err := hashManifest(h, "constraints", b.config.Resolver.Constraints); err != nil {
		return "", core.IOError("fingerprint", err)
	}

	trees := []struct{ label, path string }{
		{"wheels", b.config.Resolver.WheelsDir},
		{"scripts", s.ScriptsDir},
		{"prebuilt", s.PrebuiltDir},
	}
	for _, t := range trees {
		if err := h.Tree(t.label, t.path); err != nil {
			return "", core.IOError("fingerprint", err)
		}
	}
	return h.Sum(), nil
}

// hashManifest adds a manifest and every file it includes. A manifest that
// does not load hashes as its top file alone; resolve reports the load error.
func hashManifest(h *cache.Hasher, label, path string) error {
	sources := []string{path}
	if path != "" {
		if m, err := requirements.Load(path); err == nil {
			sources = m.Sources
		}
	}
	h.Field(label).Fields(sources...)
	for _, src := range sources {
		if err := h.File(label, src); err != nil {
			return err
		}
	}
	return nil
}

func (b *Bundler) archiveFingerprint(ctx context.Context) (digest.Digest, error) {
	h := cache.NewHasher().
		Field(TaskArchive).
		Field(b.config.Archive.Format).
		Field(b.config.Archive.Output)
	if err := h.Tree("staged", b.config.Staging.Dir); err != nil {
		return "", core.IOError("fingerprint", err)
	}
	return h.Sum(), nil
}
