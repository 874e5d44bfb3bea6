// Package pypi talks to the PyPI JSON API and picks the wheel to bundle
// for each requirement.
package pypi

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"sort"
	"strings"

	"github.com/Masterminds/semver/v3"
	"github.com/go-logr/logr"

	"github.com/arc-language/pybundle/pkg/core"
	"github.com/arc-language/pybundle/pkg/netclient"
	"github.com/arc-language/pybundle/pkg/platform"
	"github.com/arc-language/pybundle/pkg/requirements"
	"github.com/arc-language/pybundle/pkg/wheel"
)

// DefaultIndexURL is the public PyPI JSON API
const DefaultIndexURL = "https://pypi.org/pypi"

// File is one distribution file of a release
type File struct {
	Filename       string  `json:"filename"`
	URL            string  `json:"url"`
	Digests        Digests `json:"digests"`
	PackageType    string  `json:"packagetype"`
	RequiresPython string  `json:"requires_python"`
	Yanked         bool    `json:"yanked"`
	Size           int64   `json:"size"`
}

// Digests holds published file digests
type Digests struct {
	SHA256 string `json:"sha256"`
}

// Project is the subset of /pypi/<name>/json the resolver needs
type Project struct {
	Info struct {
		Name    string `json:"name"`
		Version string `json:"version"`
	} `json:"info"`
	Releases map[string][]File `json:"releases"`
}

// Candidate is the wheel chosen for a requirement
type Candidate struct {
	Name    string // Normalized project name
	Version string
	File    File
	Wheel   *wheel.Filename
}

// Index queries a PyPI compatible JSON API
type Index struct {
	client  *netclient.Client
	baseURL string
	logger  logr.Logger
}

// NewIndex creates an index client rooted at baseURL
func NewIndex(baseURL string, client *netclient.Client, logger logr.Logger) *Index {
	if baseURL == "" {
		baseURL = DefaultIndexURL
	}
	if client == nil {
		client = netclient.NewClient()
	}
	if logger.GetSink() == nil {
		logger = logr.Discard()
	}
	return &Index{
		client:  client,
		baseURL: strings.TrimRight(baseURL, "/"),
		logger:  logger,
	}
}

// Client returns the HTTP client shared with wheel downloads
func (ix *Index) Client() *netclient.Client {
	return ix.client
}

// Project fetches release metadata for name
func (ix *Index) Project(ctx context.Context, name string) (*Project, error) {
	u := fmt.Sprintf("%s/%s/json", ix.baseURL, url.PathEscape(requirements.Normalize(name)))
	ix.logger.V(1).Info("querying index", "url", u)

	var p Project
	if err := ix.client.GetJSON(ctx, u, &p); err != nil {
		return nil, err
	}
	return &p, nil
}

// Find resolves req to the newest release with a wheel loadable by rt
func (ix *Index) Find(ctx context.Context, req requirements.Requirement, rt platform.Runtime, m *wheel.Matcher) (*Candidate, error) {
	p, err := ix.Project(ctx, req.Name)
	if err != nil {
		if errors.Is(err, core.ErrRemoteNotFound) {
			return nil, fmt.Errorf("%w: project %s does not exist on the index", core.ErrUnresolvableConstraint, req.Name)
		}
		return nil, err
	}
	return Select(p, req, rt, m)
}

type release struct {
	raw string
	v   *semver.Version
}

// Select picks the candidate for req from already fetched project metadata
func Select(p *Project, req requirements.Requirement, rt platform.Runtime, m *wheel.Matcher) (*Candidate, error) {
	spec, err := ParseSpecifier(req.Specifier)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", core.ErrUnresolvableConstraint, req, err)
	}

	releases := make([]release, 0, len(p.Releases))
	for raw := range p.Releases {
		if !spec.Allows(raw) {
			continue
		}
		v, _ := ParseVersion(raw)
		releases = append(releases, release{raw: raw, v: v})
	}

	// Newest first; releases semver can't represent go last
	sort.Slice(releases, func(i, j int) bool {
		a, b := releases[i], releases[j]
		switch {
		case a.v != nil && b.v != nil:
			if c := a.v.Compare(b.v); c != 0 {
				return c > 0
			}
			return a.raw > b.raw
		case a.v != nil:
			return true
		case b.v != nil:
			return false
		default:
			return a.raw > b.raw
		}
	})

	for _, rel := range releases {
		if c := bestWheel(p.Releases[rel.raw], req, rt, m); c != nil {
			c.Version = rel.raw
			return c, nil
		}
	}

	return nil, fmt.Errorf("%w: no %s wheel for %s satisfies %q",
		core.ErrUnresolvableConstraint, rt.PythonTag()+"/"+rt.Platform, req.Name, req.Specifier)
}

func bestWheel(files []File, req requirements.Requirement, rt platform.Runtime, m *wheel.Matcher) *Candidate {
	var best *Candidate
	bestRank := 0

	for _, f := range files {
		if f.PackageType != "bdist_wheel" || f.Yanked {
			continue
		}
		if !requiresPythonOK(f.RequiresPython, rt) {
			continue
		}
		w, err := wheel.ParseFilename(f.Filename)
		if err != nil || w.Name != req.Name {
			continue
		}
		rank, ok := m.Rank(w)
		if !ok {
			continue
		}
		if best == nil || rank < bestRank {
			best = &Candidate{Name: req.Name, File: f, Wheel: w}
			bestRank = rank
		}
	}
	return best
}

func requiresPythonOK(expr string, rt platform.Runtime) bool {
	if strings.TrimSpace(expr) == "" {
		return true
	}
	spec, err := ParseSpecifier(expr)
	if err != nil {
		// Malformed metadata shouldn't hide an otherwise usable wheel
		return true
	}
	return spec.Allows(rt.Version)
}
