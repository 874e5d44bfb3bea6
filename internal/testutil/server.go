package testutil

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
)

// Release is one file published for a project on the fake index
type Release struct {
	Project        string
	Version        string
	Filename       string
	Data           []byte
	RequiresPython string
	Yanked         bool
	PackageType    string // defaults to bdist_wheel
}

// Server fakes python.org's FTP mirror and the PyPI JSON API
type Server struct {
	*httptest.Server

	mu       sync.Mutex
	releases map[string][]Release
	dists    map[string][]byte
	hits     atomic.Int64
}

// NewServer starts a fake server closed at test cleanup
func NewServer(t testing.TB) *Server {
	t.Helper()
	s := &Server{
		releases: make(map[string][]Release),
		dists:    make(map[string][]byte),
	}
	s.Server = httptest.NewServer(http.HandlerFunc(s.serve))
	t.Cleanup(s.Close)
	return s
}

// Hits counts every request served so far
func (s *Server) Hits() int64 {
	return s.hits.Load()
}

// IndexURL is the JSON API root to configure the resolver with
func (s *Server) IndexURL() string {
	return s.URL + "/pypi"
}

// DistTemplate is the distribution URL template to configure the fetcher with
func (s *Server) DistTemplate() string {
	return s.URL + "/ftp/python/{version}/python-{version}-embed-{arch}.zip"
}

// AddDistribution publishes an embeddable zip
func (s *Server) AddDistribution(version, arch string, data []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.dists[fmt.Sprintf("/ftp/python/%s/python-%s-embed-%s.zip", version, version, arch)] = data
}

// AddRelease publishes a file on the index
func (s *Server) AddRelease(r Release) {
	if r.PackageType == "" {
		r.PackageType = "bdist_wheel"
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.releases[r.Project] = append(s.releases[r.Project], r)
}

// AddWheel is AddRelease for a generated pure-python wheel
func (s *Server) AddWheel(t testing.TB, project, version, tag string, files map[string]string) Release {
	t.Helper()
	dist := strings.ReplaceAll(project, "-", "_")
	r := Release{
		Project:  project,
		Version:  version,
		Filename: fmt.Sprintf("%s-%s-%s.whl", dist, version, tag),
		Data:     Wheel(t, project, version, files),
	}
	s.AddRelease(r)
	return r
}

func (s *Server) serve(w http.ResponseWriter, r *http.Request) {
	s.hits.Add(1)

	s.mu.Lock()
	defer s.mu.Unlock()

	switch {
	case strings.HasPrefix(r.URL.Path, "/ftp/"):
		data, ok := s.dists[r.URL.Path]
		if !ok {
			http.NotFound(w, r)
			return
		}
		w.Write(data)

	case strings.HasPrefix(r.URL.Path, "/pypi/") && strings.HasSuffix(r.URL.Path, "/json"):
		name := strings.TrimSuffix(strings.TrimPrefix(r.URL.Path, "/pypi/"), "/json")
		rels, ok := s.releases[name]
		if !ok {
			http.NotFound(w, r)
			return
		}
		json.NewEncoder(w).Encode(s.project(name, rels))

	case strings.HasPrefix(r.URL.Path, "/files/"):
		name := strings.TrimPrefix(r.URL.Path, "/files/")
		for _, rels := range s.releases {
			for _, rel := range rels {
				if rel.Filename == name {
					w.Write(rel.Data)
					return
				}
			}
		}
		http.NotFound(w, r)

	default:
		http.NotFound(w, r)
	}
}

func (s *Server) project(name string, rels []Release) map[string]any {
	releases := make(map[string][]map[string]any)
	latest := ""
	for _, rel := range rels {
		latest = rel.Version
		releases[rel.Version] = append(releases[rel.Version], map[string]any{
			"filename":        rel.Filename,
			"url":             s.URL + "/files/" + rel.Filename,
			"digests":         map[string]string{"sha256": SHA256(rel.Data)},
			"packagetype":     rel.PackageType,
			"requires_python": rel.RequiresPython,
			"yanked":          rel.Yanked,
			"size":            len(rel.Data),
		})
	}
	return map[string]any{
		"info":     map[string]string{"name": name, "version": latest},
		"releases": releases,
	}
}
