package pypi

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/Masterminds/semver/v3"
)

var (
	pep440Re  = regexp.MustCompile(`^v?(\d+)(?:\.(\d+))?(?:\.(\d+))?(?:[-_.]?(a|b|rc)[-_.]?(\d+))?(?:[-_.]?dev(\d+))?$`)
	releaseRe = regexp.MustCompile(`^\d+(?:\.\d+)*`)
)

// ParseVersion maps a PEP 440 release string onto a semver version. Only
// releases with at most three segments and an optional a/b/rc or dev suffix
// are representable; anything else returns an error.
func ParseVersion(s string) (*semver.Version, error) {
	m := pep440Re.FindStringSubmatch(strings.ToLower(strings.TrimSpace(s)))
	if m == nil {
		return nil, fmt.Errorf("unsupported version %q", s)
	}

	release := m[1]
	for _, seg := range m[2:4] {
		if seg == "" {
			seg = "0"
		}
		release += "." + seg
	}

	var pre []string
	if m[4] != "" {
		pre = append(pre, m[4], m[5])
	}
	if m[6] != "" {
		pre = append(pre, "dev", m[6])
	}
	if len(pre) > 0 {
		release += "-" + strings.Join(pre, ".")
	}
	return semver.NewVersion(release)
}

// Specifier is a comma separated set of PEP 440 version clauses
type Specifier struct {
	raw     string
	clauses []clause
}

type clause struct {
	op         string
	value      string
	constraint *semver.Constraints // nil when the clause is only a string comparison
}

// ParseSpecifier translates a specifier such as ">=1.2,!=1.3.*,<2" into
// semver constraints. An empty string allows every final release.
func ParseSpecifier(s string) (*Specifier, error) {
	spec := &Specifier{raw: s}
	if strings.TrimSpace(s) == "" {
		return spec, nil
	}

	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		op, value := splitOperator(part)
		if op == "" || value == "" {
			return nil, fmt.Errorf("invalid clause %q", part)
		}

		c := clause{op: op, value: value}
		expr, err := translate(op, value)
		if err != nil {
			return nil, err
		}
		if expr != "" {
			if c.constraint, err = semver.NewConstraint(expr); err != nil {
				// Unrepresentable versions still match by exact string
				if op != "==" && op != "!=" {
					return nil, fmt.Errorf("unsupported clause %q: %w", part, err)
				}
			}
		}
		spec.clauses = append(spec.clauses, c)
	}
	return spec, nil
}

func splitOperator(part string) (string, string) {
	for _, op := range []string{"===", "==", "!=", "~=", "<=", ">=", "<", ">"} {
		if strings.HasPrefix(part, op) {
			return op, strings.TrimSpace(strings.TrimPrefix(part, op))
		}
	}
	return "", ""
}

func translate(op, value string) (string, error) {
	switch op {
	case "===":
		return "", nil
	case "==":
		if strings.HasSuffix(value, ".*") {
			return value, nil
		}
		v, err := ParseVersion(value)
		if err != nil {
			return "", nil
		}
		return "=" + v.String(), nil
	case "!=":
		if strings.HasSuffix(value, ".*") {
			return "!=" + value, nil
		}
		v, err := ParseVersion(value)
		if err != nil {
			return "", nil
		}
		return "!=" + v.String(), nil
	case "~=":
		// ~=X.Y.Z means >=X.Y.Z, ==X.Y.*
		segs := strings.Split(releaseRe.FindString(value), ".")
		if len(segs) < 2 {
			return "", fmt.Errorf("~= needs at least two release segments: %q", value)
		}
		segs = segs[:len(segs)-1]
		last, err := strconv.Atoi(segs[len(segs)-1])
		if err != nil {
			return "", fmt.Errorf("invalid ~= value %q", value)
		}
		segs[len(segs)-1] = strconv.Itoa(last + 1)
		lower, err := ParseVersion(value)
		if err != nil {
			return "", fmt.Errorf("invalid ~= value %q: %w", value, err)
		}
		return fmt.Sprintf(">=%s, <%s", lower.String(), strings.Join(segs, ".")), nil
	default:
		v, err := ParseVersion(value)
		if err != nil {
			return "", fmt.Errorf("invalid version in %s%s: %w", op, value, err)
		}
		return op + v.String(), nil
	}
}

// Allows reports whether the release string satisfies every clause
func (s *Specifier) Allows(release string) bool {
	v, verr := ParseVersion(release)
	if len(s.clauses) == 0 {
		return verr != nil || v.Prerelease() == ""
	}

	for _, c := range s.clauses {
		switch {
		case c.op == "===":
			if release != c.value {
				return false
			}
		case c.constraint == nil || verr != nil:
			// String semantics for unrepresentable releases
			switch c.op {
			case "==":
				if release != c.value {
					return false
				}
			case "!=":
				if release == c.value {
					return false
				}
			default:
				return false
			}
		default:
			if !c.constraint.Check(v) {
				return false
			}
		}
	}
	return true
}

// String returns the specifier as written
func (s *Specifier) String() string {
	return s.raw
}
