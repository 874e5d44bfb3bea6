// Package requirements reads requirement manifests: pip style requirements
// files and the [project] table of pyproject.toml.
package requirements

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/BurntSushi/toml"
)

// Requirement is a single package specifier
type Requirement struct {
	Name      string   // Normalized project name (PEP 503)
	Extras    []string // Optional extras, e.g. [security]
	Specifier string   // Version constraint, e.g. "==1.26.0" or ">=1,<2"
	Marker    string   // Environment marker, recorded but not evaluated
	Line      int      // Source line, 0 for pyproject entries
	Raw       string   // Line as written
}

// String returns the requirement in requirements.txt form
func (r Requirement) String() string {
	var b strings.Builder
	b.WriteString(r.Name)
	if len(r.Extras) > 0 {
		b.WriteString("[" + strings.Join(r.Extras, ",") + "]")
	}
	b.WriteString(r.Specifier)
	return b.String()
}

// Manifest is an ordered, immutable list of requirements
type Manifest struct {
	Path         string
	Requirements []Requirement
	Sources      []string // Every file read, includes after the file naming them
}

// Names returns the normalized names in manifest order
func (m *Manifest) Names() []string {
	names := make([]string, 0, len(m.Requirements))
	for _, r := range m.Requirements {
		names = append(names, r.Name)
	}
	return names
}

var (
	nameRe      = regexp.MustCompile(`^([A-Za-z0-9][A-Za-z0-9._-]*)`)
	normalizeRe = regexp.MustCompile(`[-_.]+`)
	specifierRe = regexp.MustCompile(`^\s*(===|==|!=|~=|<=|>=|<|>)\s*[A-Za-z0-9.*+!_-]+\s*$`)
)

// Normalize returns the PEP 503 normalized form of a project name
func Normalize(name string) string {
	return strings.ToLower(normalizeRe.ReplaceAllString(name, "-"))
}

// Load reads a manifest from a requirements file or pyproject.toml
func Load(path string) (*Manifest, error) {
	if filepath.Base(path) == "pyproject.toml" {
		return loadPyproject(path)
	}

	m := &Manifest{Path: path}
	reqs, err := m.parseFile(path, map[string]bool{}, map[string]bool{})
	if err != nil {
		return nil, err
	}
	m.Requirements = reqs
	return m, nil
}

// parseFile follows includes depth first. chain holds the files on the
// current include path; a file reached through two branches is not a cycle.
func (m *Manifest) parseFile(path string, chain, read map[string]bool) ([]Requirement, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, err
	}
	if chain[abs] {
		return nil, fmt.Errorf("requirements include cycle at %s", path)
	}
	chain[abs] = true
	defer delete(chain, abs)
	if !read[abs] {
		read[abs] = true
		m.Sources = append(m.Sources, abs)
	}

	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening requirements: %w", err)
	}
	defer f.Close()

	var out []Requirement
	err = scan(f, func(lineNo int, line string) error {
		if inc, ok := includeTarget(line); ok {
			if !filepath.IsAbs(inc) {
				inc = filepath.Join(filepath.Dir(path), inc)
			}
			nested, err := m.parseFile(inc, chain, read)
			if err != nil {
				return err
			}
			out = append(out, nested...)
			return nil
		}
		if strings.HasPrefix(line, "-") {
			// Other pip options (index urls, hashes, constraints) don't name packages
			return nil
		}
		req, err := ParseLine(line)
		if err != nil {
			return fmt.Errorf("%s:%d: %w", path, lineNo, err)
		}
		req.Line = lineNo
		out = append(out, req)
		return nil
	})
	return out, err
}

// Parse reads requirements from r. Include directives are not followed.
func Parse(r io.Reader) ([]Requirement, error) {
	var out []Requirement
	err := scan(r, func(lineNo int, line string) error {
		if strings.HasPrefix(line, "-") {
			return nil
		}
		req, err := ParseLine(line)
		if err != nil {
			return fmt.Errorf("line %d: %w", lineNo, err)
		}
		req.Line = lineNo
		out = append(out, req)
		return nil
	})
	return out, err
}

// scan yields logical lines with comments stripped and continuations joined
func scan(r io.Reader, fn func(lineNo int, line string) error) error {
	scanner := bufio.NewScanner(r)
	lineNo := 0
	start := 0
	var pending strings.Builder

	for scanner.Scan() {
		lineNo++
		text := scanner.Text()
		if pending.Len() == 0 {
			start = lineNo
		}
		if strings.HasSuffix(text, "\\") {
			pending.WriteString(strings.TrimSuffix(text, "\\"))
			pending.WriteString(" ")
			continue
		}
		pending.WriteString(text)
		line := stripComment(pending.String())
		pending.Reset()

		if line == "" {
			continue
		}
		if err := fn(start, line); err != nil {
			return err
		}
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("reading requirements: %w", err)
	}
	if pending.Len() > 0 {
		if line := stripComment(pending.String()); line != "" {
			return fn(start, line)
		}
	}
	return nil
}

func stripComment(line string) string {
	// A comment starts at '#' at line start or after whitespace
	for i := 0; i < len(line); i++ {
		if line[i] == '#' && (i == 0 || line[i-1] == ' ' || line[i-1] == '\t') {
			line = line[:i]
			break
		}
	}
	return strings.TrimSpace(line)
}

func includeTarget(line string) (string, bool) {
	for _, prefix := range []string{"-r ", "--requirement ", "--requirement="} {
		if strings.HasPrefix(line, prefix) {
			return strings.TrimSpace(strings.TrimPrefix(line, prefix)), true
		}
	}
	return "", false
}

// ParseLine parses one specifier such as "requests[socks]>=2.31; python_version>'3.8'"
func ParseLine(line string) (Requirement, error) {
	raw := line
	req := Requirement{Raw: raw}

	if idx := strings.Index(line, ";"); idx >= 0 {
		req.Marker = strings.TrimSpace(line[idx+1:])
		line = line[:idx]
	}
	line = strings.TrimSpace(line)

	if strings.Contains(line, "://") || strings.HasSuffix(line, ".whl") {
		return req, fmt.Errorf("direct references are not supported: %q", raw)
	}

	m := nameRe.FindString(line)
	if m == "" {
		return req, fmt.Errorf("invalid requirement %q", raw)
	}
	req.Name = Normalize(m)
	rest := strings.TrimSpace(line[len(m):])

	if strings.HasPrefix(rest, "[") {
		end := strings.Index(rest, "]")
		if end < 0 {
			return req, fmt.Errorf("unterminated extras in %q", raw)
		}
		for _, e := range strings.Split(rest[1:end], ",") {
			if e = strings.TrimSpace(e); e != "" {
				req.Extras = append(req.Extras, Normalize(e))
			}
		}
		rest = strings.TrimSpace(rest[end+1:])
	}

	// Parenthesized specifiers are legal: "name (>=1.0)"
	rest = strings.TrimSpace(strings.TrimSuffix(strings.TrimPrefix(rest, "("), ")"))

	if rest != "" {
		parts := strings.Split(rest, ",")
		clean := make([]string, 0, len(parts))
		for _, p := range parts {
			if !specifierRe.MatchString(p) {
				return req, fmt.Errorf("invalid version specifier %q in %q", strings.TrimSpace(p), raw)
			}
			clean = append(clean, strings.ReplaceAll(strings.TrimSpace(p), " ", ""))
		}
		req.Specifier = strings.Join(clean, ",")
	}

	return req, nil
}

type pyproject struct {
	Project struct {
		Dependencies []string `toml:"dependencies"`
	} `toml:"project"`
}

func loadPyproject(path string) (*Manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("opening pyproject: %w", err)
	}

	var doc pyproject
	if _, err := toml.Decode(string(data), &doc); err != nil {
		return nil, fmt.Errorf("parsing %s: %w", path, err)
	}

	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, err
	}
	m := &Manifest{Path: path, Sources: []string{abs}}
	for _, dep := range doc.Project.Dependencies {
		req, err := ParseLine(dep)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", path, err)
		}
		m.Requirements = append(m.Requirements, req)
	}
	return m, nil
}
