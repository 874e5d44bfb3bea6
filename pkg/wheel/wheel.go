// Package wheel parses wheel file names and ranks their compatibility
// with a target runtime.
package wheel

import (
	"fmt"
	"strings"

	"github.com/arc-language/pybundle/pkg/platform"
	"github.com/arc-language/pybundle/pkg/requirements"
)

// Tag is one interpreter-abi-platform triple
type Tag struct {
	Python   string
	ABI      string
	Platform string
}

// String returns the tag in wheel file name form
func (t Tag) String() string {
	return t.Python + "-" + t.ABI + "-" + t.Platform
}

// Filename is a parsed wheel file name
type Filename struct {
	Name    string // Normalized distribution name
	Version string
	Build   string
	Tags    []Tag // Expanded from compressed tag sets
}

// ParseFilename parses {dist}-{version}(-{build})?-{python}-{abi}-{platform}.whl
func ParseFilename(name string) (*Filename, error) {
	if !strings.HasSuffix(name, ".whl") {
		return nil, fmt.Errorf("not a wheel: %s", name)
	}
	parts := strings.Split(strings.TrimSuffix(name, ".whl"), "-")
	if len(parts) != 5 && len(parts) != 6 {
		return nil, fmt.Errorf("invalid wheel file name: %s", name)
	}

	w := &Filename{
		Name:    requirements.Normalize(parts[0]),
		Version: parts[1],
	}
	if len(parts) == 6 {
		w.Build = parts[2]
	}

	n := len(parts)
	for _, py := range strings.Split(parts[n-3], ".") {
		for _, abi := range strings.Split(parts[n-2], ".") {
			for _, plat := range strings.Split(parts[n-1], ".") {
				w.Tags = append(w.Tags, Tag{Python: py, ABI: abi, Platform: plat})
			}
		}
	}
	return w, nil
}

// SupportedTags returns the tags rt can load, most preferred first. The order
// follows the interpreter's own preference: exact CPython ABI, then stable
// ABI builds for older minors, then pure-python wheels.
func SupportedTags(rt platform.Runtime) []Tag {
	cp := rt.PythonTag()
	plats := []string{rt.Platform, "any"}

	var tags []Tag
	tags = append(tags, Tag{Python: cp, ABI: cp, Platform: rt.Platform})
	for minor := rt.Minor(); minor >= 2; minor-- {
		tags = append(tags, Tag{Python: fmt.Sprintf("cp%d%d", rt.Major(), minor), ABI: "abi3", Platform: rt.Platform})
	}
	tags = append(tags, Tag{Python: cp, ABI: "none", Platform: rt.Platform})

	generic := []string{
		fmt.Sprintf("py%d%d", rt.Major(), rt.Minor()),
		fmt.Sprintf("py%d", rt.Major()),
	}
	for minor := rt.Minor() - 1; minor >= 0; minor-- {
		generic = append(generic, fmt.Sprintf("py%d%d", rt.Major(), minor))
	}
	for _, plat := range plats {
		for _, py := range generic {
			tags = append(tags, Tag{Python: py, ABI: "none", Platform: plat})
		}
	}
	tags = append(tags, Tag{Python: cp, ABI: "none", Platform: "any"})
	return tags
}

// Matcher ranks wheels against a precomputed tag list
type Matcher struct {
	rank map[Tag]int
}

// NewMatcher creates a matcher for rt
func NewMatcher(rt platform.Runtime) *Matcher {
	tags := SupportedTags(rt)
	rank := make(map[Tag]int, len(tags))
	for i, t := range tags {
		if _, ok := rank[t]; !ok {
			rank[t] = i
		}
	}
	return &Matcher{rank: rank}
}

// Rank returns the best (lowest) rank among w's tags, false if none is supported
func (m *Matcher) Rank(w *Filename) (int, bool) {
	best, found := 0, false
	for _, t := range w.Tags {
		if r, ok := m.rank[t]; ok && (!found || r < best) {
			best, found = r, true
		}
	}
	return best, found
}
