package provision

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"golang.org/x/mod/semver"
)

// Specifier is a parsed interpreter version constraint such as
// ">=3.9,<3.13" or "~=3.11". Clauses are ANDed.
type Specifier struct {
	raw     string
	clauses []clause
}

type clause struct {
	op      string
	literal string
	version version
	// prefix is set for "==X.Y.*" and "!=X.Y.*".
	prefix []int
}

type version struct {
	canonical string // semver form, e.g. "v3.13.0-rc.1"
	release   [3]int
}

// Operators, longest first so that "===" wins over "==".
var operators = []string{"===", "~=", "==", "!=", "<=", ">=", "<", ">"}

var versionPattern = regexp.MustCompile(
	`^v?(\d+)(?:\.(\d+))?(?:\.(\d+))?(?:\.\d+)*` +
		`(?:[-_.]?(a|alpha|b|beta|c|rc|pre|preview)[-_.]?(\d*))?` +
		`(?:\+.*)?$`)

var preReleaseTags = map[string]string{
	"a": "a", "alpha": "a",
	"b": "b", "beta": "b",
	"c": "rc", "rc": "rc", "pre": "rc", "preview": "rc",
}

// ParseSpecifier parses a comma-separated list of version clauses. A clause
// without an operator means "==".
func ParseSpecifier(s string) (Specifier, error) {
	spec := Specifier{raw: strings.TrimSpace(s)}
	if spec.raw == "" {
		return spec, nil
	}
	for _, part := range strings.Split(spec.raw, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			return Specifier{}, fmt.Errorf("empty clause in version constraint %q", s)
		}
		c, err := parseClause(part)
		if err != nil {
			return Specifier{}, fmt.Errorf("version constraint %q: %w", s, err)
		}
		spec.clauses = append(spec.clauses, c)
	}
	return spec, nil
}

func parseClause(part string) (clause, error) {
	c := clause{op: "=="}
	for _, op := range operators {
		if strings.HasPrefix(part, op) {
			c.op = op
			part = strings.TrimSpace(part[len(op):])
			break
		}
	}
	c.literal = part
	if part == "" {
		return c, fmt.Errorf("operator %s has no version", c.op)
	}

	if c.op == "===" {
		return c, nil
	}

	if strings.HasSuffix(part, ".*") {
		if c.op != "==" && c.op != "!=" {
			return c, fmt.Errorf("wildcard not allowed with %s", c.op)
		}
		for _, seg := range strings.Split(strings.TrimSuffix(part, ".*"), ".") {
			n, err := strconv.Atoi(seg)
			if err != nil || n < 0 {
				return c, fmt.Errorf("invalid wildcard version %q", part)
			}
			c.prefix = append(c.prefix, n)
		}
		if len(c.prefix) > 3 {
			c.prefix = c.prefix[:3]
		}
		return c, nil
	}

	v, err := parseVersion(part)
	if err != nil {
		return c, err
	}
	c.version = v

	if c.op == "~=" {
		segments := strings.Count(strings.SplitN(part, "+", 2)[0], ".") + 1
		if segments < 2 {
			return c, fmt.Errorf("~= requires at least two release segments, got %q", part)
		}
		// ~=X.Y means >=X.Y,==X.*; ~=X.Y.Z means >=X.Y.Z,==X.Y.*.
		if segments > 3 {
			segments = 3
		}
		c.prefix = append([]int(nil), v.release[:segments-1]...)
	}
	return c, nil
}

func parseVersion(s string) (version, error) {
	m := versionPattern.FindStringSubmatch(strings.TrimSpace(s))
	if m == nil {
		return version{}, fmt.Errorf("invalid version %q", s)
	}
	var v version
	for i := 0; i < 3; i++ {
		if m[i+1] == "" {
			continue
		}
		n, err := strconv.Atoi(m[i+1])
		if err != nil {
			return version{}, fmt.Errorf("invalid version %q", s)
		}
		v.release[i] = n
	}
	v.canonical = fmt.Sprintf("v%d.%d.%d", v.release[0], v.release[1], v.release[2])
	if tag := m[4]; tag != "" {
		num := m[5]
		if num == "" {
			num = "0"
		}
		v.canonical += "-" + preReleaseTags[tag] + "." + num
	}
	if !semver.IsValid(v.canonical) {
		return version{}, fmt.Errorf("invalid version %q", s)
	}
	return v, nil
}

// String returns the constraint as written.
func (s Specifier) String() string {
	return s.raw
}

// Allows reports whether the version string satisfies every clause.
func (s Specifier) Allows(raw string) (bool, error) {
	if len(s.clauses) == 0 {
		return true, nil
	}
	v, err := parseVersion(raw)
	if err != nil {
		return false, err
	}
	for _, c := range s.clauses {
		if !c.allows(v, strings.TrimSpace(raw)) {
			return false, nil
		}
	}
	return true, nil
}

func (c clause) allows(v version, raw string) bool {
	if c.op == "===" {
		return raw == c.literal
	}
	if c.version.canonical == "" {
		// Wildcard clause.
		match := v.hasPrefix(c.prefix)
		if c.op == "!=" {
			return !match
		}
		return match
	}

	cmp := semver.Compare(v.canonical, c.version.canonical)
	switch c.op {
	case "==":
		return cmp == 0
	case "!=":
		return cmp != 0
	case "<":
		return cmp < 0
	case "<=":
		return cmp <= 0
	case ">":
		return cmp > 0
	case ">=":
		return cmp >= 0
	case "~=":
		return cmp >= 0 && v.hasPrefix(c.prefix)
	}
	return false
}

func (v version) hasPrefix(prefix []int) bool {
	for i, n := range prefix {
		if v.release[i] != n {
			return false
		}
	}
	return true
}
