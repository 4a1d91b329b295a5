// Package filter implements Filter and Predicate: the path-component
// pattern algebra used to describe which archive paths a node is
// interested in.
package filter

import (
	"bytes"
	"encoding/gob"
	"strings"

	"github.com/unidata/sruth/internal/archive"
)

// Filter is an ordered sequence of path components. A Filter matches an
// ArchivePath when the path's components begin with the filter's
// components (prefix containment).
type Filter struct {
	components []string
}

// EVERYTHING is the top of the filter order: it matches every path.
var EVERYTHING = Filter{components: nil}

// New builds a Filter from slash-separated path components.
func New(path string) Filter {
	if path == "" {
		return EVERYTHING
	}
	return Filter{components: strings.Split(path, "/")}
}

func (f Filter) String() string {
	if len(f.components) == 0 {
		return "/"
	}
	return strings.Join(f.components, "/")
}

// Includes reports whether every path matching other also matches f, i.e.
// f's components are a prefix of other's (f ⊇ other).
func (f Filter) Includes(other Filter) bool {
	if len(f.components) > len(other.components) {
		return false
	}
	for i, c := range f.components {
		if other.components[i] != c {
			return false
		}
	}
	return true
}

// Matches reports whether path falls under f.
func (f Filter) Matches(path archive.ArchivePath) bool {
	comps := path.Components()
	if len(f.components) > len(comps) {
		return false
	}
	for i, c := range f.components {
		if comps[i] != c {
			return false
		}
	}
	return true
}

// Less gives Filter the total order spec.md requires for use in sorted
// maps. EVERYTHING is the top of the order (least specific); narrower
// (longer-component) filters sort smaller, so that "smallest in the
// filter order" means "most narrow" as topology.GetBestServer relies on.
// Ties among equal-length filters break lexicographically.
func (f Filter) Less(other Filter) bool {
	if len(f.components) != len(other.components) {
		return len(f.components) > len(other.components)
	}
	for i, c := range f.components {
		if c != other.components[i] {
			return c < other.components[i]
		}
	}
	return false
}

// GobEncode/GobDecode let Filter cross the wire despite its unexported
// field.
func (f Filter) GobEncode() ([]byte, error) {
	return []byte(strings.Join(f.components, "/")), nil
}

func (f *Filter) GobDecode(data []byte) error {
	*f = New(string(data))
	return nil
}

// Equal reports structural equality.
func (f Filter) Equal(other Filter) bool {
	if len(f.components) != len(other.components) {
		return false
	}
	for i, c := range f.components {
		if c != other.components[i] {
			return false
		}
	}
	return true
}

// Predicate is a disjunction of filters: a node's data interest.
type Predicate struct {
	filters []Filter
}

// EVERYTHING_PREDICATE matches every file.
var EVERYTHING_PREDICATE = Predicate{filters: []Filter{EVERYTHING}}

// NOTHING matches no file.
var NOTHING = Predicate{filters: nil}

// NewPredicate builds a Predicate from a set of filters.
func NewPredicate(filters ...Filter) Predicate {
	return Predicate{filters: append([]Filter(nil), filters...)}
}

// SatisfiedBy reports whether path matches at least one of the
// predicate's filters.
func (p Predicate) SatisfiedBy(path archive.ArchivePath) bool {
	for _, f := range p.filters {
		if f.Matches(path) {
			return true
		}
	}
	return false
}

// GobEncode/GobDecode let Predicate cross the wire despite its unexported
// field.
func (p Predicate) GobEncode() ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(p.filters); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func (p *Predicate) GobDecode(data []byte) error {
	return gob.NewDecoder(bytes.NewReader(data)).Decode(&p.filters)
}

// Filters returns the predicate's constituent filters.
func (p Predicate) Filters() []Filter { return p.filters }

// IsMoreInclusiveThan lifts filter inclusion to predicate disjunction:
// true when every filter in other is included by some filter in p.
func (p Predicate) IsMoreInclusiveThan(other Predicate) bool {
	for _, of := range other.filters {
		included := false
		for _, pf := range p.filters {
			if pf.Includes(of) {
				included = true
				break
			}
		}
		if !included {
			return false
		}
	}
	return true
}
