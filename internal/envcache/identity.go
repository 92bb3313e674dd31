package envcache

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"regexp"
	"sort"
	"strings"
	"unicode"

	"github.com/dontdude/goenact/internal/domain"
)

// EmptyIdentity is the identity of a manifest with no dependencies.
var EmptyIdentity = IdentityOf(domain.Manifest{})

var nameSeparators = regexp.MustCompile(`[-_.]+`)

// canonicalPackage and canonicalPython fix the field order of the
// canonical serialization.
type canonicalPackage struct {
	Name    string `json:"name"`
	Version string `json:"version"`
}

type canonicalPython struct {
	Packages []canonicalPackage `json:"packages"`
	Version  string             `json:"python_version"`
}

type canonicalManifest struct {
	Python *canonicalPython `json:"python,omitempty"`
}

// Canonicalize returns the canonical serialization of m.
//
// Package names are normalized (lower case, separator runs folded to "-"),
// whitespace is stripped from constraints, and package records are sorted
// and de-duplicated. A manifest with no packages and no runtime constraint
// serializes as "{}".
func Canonicalize(m domain.Manifest) []byte {
	var out canonicalManifest
	if !m.IsEmpty() {
		py := &canonicalPython{
			Packages: make([]canonicalPackage, 0, len(m.Python.Packages)),
			Version:  stripSpace(m.Python.Version),
		}
		seen := make(map[canonicalPackage]struct{}, len(m.Python.Packages))
		for _, p := range m.Python.Packages {
			cp := canonicalPackage{Name: NormalizeName(p.Name), Version: stripSpace(p.Version)}
			if _, dup := seen[cp]; dup {
				continue
			}
			seen[cp] = struct{}{}
			py.Packages = append(py.Packages, cp)
		}
		sort.Slice(py.Packages, func(i, j int) bool {
			a, b := py.Packages[i], py.Packages[j]
			if a.Name != b.Name {
				return a.Name < b.Name
			}
			return a.Version < b.Version
		})
		out.Python = py
	}

	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	// Encoding a struct of strings cannot fail.
	_ = enc.Encode(out)
	return bytes.TrimRight(buf.Bytes(), "\n")
}

// IdentityOf hashes the canonical serialization of m with SHA-256.
func IdentityOf(m domain.Manifest) domain.Identity {
	sum := sha256.Sum256(Canonicalize(m))
	return domain.Identity(hex.EncodeToString(sum[:]))
}

// NormalizeName folds a package name to its canonical form, so that
// "Foo_Bar", "foo.bar" and "foo-bar" name the same package.
func NormalizeName(name string) string {
	return nameSeparators.ReplaceAllString(strings.ToLower(strings.TrimSpace(name)), "-")
}

func stripSpace(s string) string {
	return strings.Map(func(r rune) rune {
		if unicode.IsSpace(r) {
			return -1
		}
		return r
	}, s)
}
