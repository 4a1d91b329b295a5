// Package pieceset implements PieceSpecSet: a sum type over sets of
// archive.PieceSpec with four variants (empty, single, one-file,
// multi-file), dispatched by concrete type rather than a tag field.
package pieceset

import (
	"sort"

	"github.com/unidata/sruth/internal/archive"
	"github.com/unidata/sruth/internal/bitset"
)

// Set is a PieceSpecSet. The zero value of every concrete implementation is
// not meaningful; use Empty() or the constructors below.
type Set interface {
	// Contains reports whether spec is a member.
	Contains(spec archive.PieceSpec) bool
	// Merge returns the union of the receiver and spec.
	Merge(spec archive.PieceSpec) Set
	// Remove returns the receiver with spec removed, if present.
	Remove(spec archive.PieceSpec) Set
	// MergeSet returns the union of the receiver and other.
	MergeSet(other Set) Set
	// Elements returns every member in the deterministic iteration order:
	// ascending FileId, then ascending piece index.
	Elements() []archive.PieceSpec
	// IsEmpty reports whether the set has no members.
	IsEmpty() bool
}

// Empty returns the identity element of Merge.
func Empty() Set { return emptySet{} }

// Single returns a set containing exactly spec.
func Single(spec archive.PieceSpec) Set { return singleSet{spec: spec} }

type emptySet struct{}

func (emptySet) Contains(archive.PieceSpec) bool         { return false }
func (emptySet) Merge(spec archive.PieceSpec) Set        { return Single(spec) }
func (emptySet) Remove(archive.PieceSpec) Set            { return emptySet{} }
func (emptySet) MergeSet(other Set) Set                  { return other }
func (emptySet) Elements() []archive.PieceSpec           { return nil }
func (emptySet) IsEmpty() bool                           { return true }

type singleSet struct{ spec archive.PieceSpec }

func (s singleSet) Contains(spec archive.PieceSpec) bool { return s.spec == spec }

func (s singleSet) Merge(spec archive.PieceSpec) Set {
	if s.spec == spec {
		return s
	}
	return s.MergeSet(Single(spec))
}

func (s singleSet) Remove(spec archive.PieceSpec) Set {
	if s.spec == spec {
		return emptySet{}
	}
	return s
}

func (s singleSet) MergeSet(other Set) Set {
	switch o := other.(type) {
	case emptySet:
		return s
	case singleSet:
		if s.spec == o.spec {
			return s
		}
		return newOneFileOrMultiFile([]archive.PieceSpec{s.spec, o.spec})
	default:
		return other.Merge(s.spec)
	}
}

func (s singleSet) Elements() []archive.PieceSpec { return []archive.PieceSpec{s.spec} }
func (s singleSet) IsEmpty() bool                 { return false }

// oneFileSet is a bitset-backed set of piece indices, all within the same
// FileInfo.
type oneFileSet struct {
	file archive.FileInfo
	bits bitset.BitSet
}

// newOneFile returns a one-file set containing spec's index, over the full
// piece count of spec.File.
func newOneFile(spec archive.PieceSpec) *oneFileSet {
	bits := bitset.NewPartial(spec.File.PieceCount()).SetBit(spec.Index)
	return &oneFileSet{file: spec.File, bits: bits}
}

// FullFile returns a saturated one-file set: every piece of fi marked
// present.
func FullFile(fi archive.FileInfo) Set {
	if fi.PieceCount() == 0 {
		return emptySet{}
	}
	return &oneFileSet{file: fi, bits: bitset.NewComplete(fi.PieceCount())}
}

func (o *oneFileSet) Contains(spec archive.PieceSpec) bool {
	if spec.File.Id != o.file.Id {
		return false
	}
	return o.bits.IsSet(spec.Index)
}

func (o *oneFileSet) Merge(spec archive.PieceSpec) Set {
	if spec.File.Id != o.file.Id {
		return o.MergeSet(Single(spec))
	}
	clone := o.clone()
	clone.bits = clone.bits.SetBit(spec.Index)
	return clone
}

func (o *oneFileSet) Remove(spec archive.PieceSpec) Set {
	if spec.File.Id != o.file.Id || !o.bits.IsSet(spec.Index) {
		return o
	}
	clone := o.clone()
	clone.bits = clone.bits.ClearBit(spec.Index)
	return clone
}

func (o *oneFileSet) MergeSet(other Set) Set {
	switch v := other.(type) {
	case emptySet:
		return o
	case singleSet:
		return o.Merge(v.spec)
	case *oneFileSet:
		if v.file.Id == o.file.Id {
			merged := o.clone()
			for _, idx := range setIndices(v.bits) {
				merged.bits = merged.bits.SetBit(idx)
			}
			return merged
		}
		return newMultiFile(o, v)
	case *multiFileSet:
		return v.MergeSet(o)
	default:
		panic("pieceset: unknown variant")
	}
}

func (o *oneFileSet) Elements() []archive.PieceSpec {
	var out []archive.PieceSpec
	for _, idx := range setIndices(o.bits) {
		out = append(out, archive.PieceSpec{File: o.file, Index: idx})
	}
	return out
}

func (o *oneFileSet) IsEmpty() bool { return o.bits.Count() == 0 }

func (o *oneFileSet) clone() *oneFileSet {
	return &oneFileSet{file: o.file, bits: bitset.Clone(o.bits)}
}

func setIndices(bits bitset.BitSet) []int {
	var out []int
	for i := bits.NextSetBit(0); i != -1 && i < bits.Len(); i = bits.NextSetBit(i + 1) {
		out = append(out, i)
	}
	return out
}

// multiFileSet maps FileId to a one-file set, for specs spanning more than
// one file.
type multiFileSet struct {
	byFile map[archive.FileId]*oneFileSet
}

func newOneFileOrMultiFile(specs []archive.PieceSpec) Set {
	m := &multiFileSet{byFile: make(map[archive.FileId]*oneFileSet)}
	for _, spec := range specs {
		m.addSpec(spec)
	}
	return m
}

func newMultiFile(a, b *oneFileSet) *multiFileSet {
	m := &multiFileSet{byFile: map[archive.FileId]*oneFileSet{
		a.file.Id: a.clone(),
		b.file.Id: b.clone(),
	}}
	return m
}

func (m *multiFileSet) addSpec(spec archive.PieceSpec) {
	if existing, ok := m.byFile[spec.File.Id]; ok {
		existing.bits = existing.bits.SetBit(spec.Index)
		return
	}
	m.byFile[spec.File.Id] = newOneFile(spec)
}

func (m *multiFileSet) Contains(spec archive.PieceSpec) bool {
	of, ok := m.byFile[spec.File.Id]
	return ok && of.Contains(spec)
}

func (m *multiFileSet) Merge(spec archive.PieceSpec) Set {
	clone := m.clone()
	clone.addSpec(spec)
	return clone
}

func (m *multiFileSet) Remove(spec archive.PieceSpec) Set {
	of, ok := m.byFile[spec.File.Id]
	if !ok || !of.Contains(spec) {
		return m
	}
	clone := m.clone()
	removed := clone.byFile[spec.File.Id]
	removed.bits = removed.bits.ClearBit(spec.Index)
	if removed.IsEmpty() {
		delete(clone.byFile, spec.File.Id)
	}
	return clone.normalize()
}

func (m *multiFileSet) MergeSet(other Set) Set {
	switch v := other.(type) {
	case emptySet:
		return m
	case singleSet:
		return m.Merge(v.spec)
	case *oneFileSet:
		clone := m.clone()
		if existing, ok := clone.byFile[v.file.Id]; ok {
			for _, idx := range setIndices(v.bits) {
				existing.bits = existing.bits.SetBit(idx)
			}
		} else {
			clone.byFile[v.file.Id] = v.clone()
		}
		return clone
	case *multiFileSet:
		clone := m.clone()
		for id, of := range v.byFile {
			if existing, ok := clone.byFile[id]; ok {
				for _, idx := range setIndices(of.bits) {
					existing.bits = existing.bits.SetBit(idx)
				}
			} else {
				clone.byFile[id] = of.clone()
			}
		}
		return clone
	default:
		panic("pieceset: unknown variant")
	}
}

func (m *multiFileSet) Elements() []archive.PieceSpec {
	ids := make([]archive.FileId, 0, len(m.byFile))
	for id := range m.byFile {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i].Less(ids[j]) })

	var out []archive.PieceSpec
	for _, id := range ids {
		out = append(out, m.byFile[id].Elements()...)
	}
	return out
}

func (m *multiFileSet) IsEmpty() bool {
	for _, of := range m.byFile {
		if !of.IsEmpty() {
			return false
		}
	}
	return true
}

func (m *multiFileSet) clone() *multiFileSet {
	clone := &multiFileSet{byFile: make(map[archive.FileId]*oneFileSet, len(m.byFile))}
	for id, of := range m.byFile {
		clone.byFile[id] = of.clone()
	}
	return clone
}

// normalize collapses a multi-file set back down to a lighter-weight
// variant once few enough elements remain, keeping the representation
// proportionate to the set's contents.
func (m *multiFileSet) normalize() Set {
	switch len(m.byFile) {
	case 0:
		return emptySet{}
	case 1:
		for _, of := range m.byFile {
			return of
		}
	}
	return m
}

// Merge is the free function form of x.Merge(spec), provided for symmetry
// with the MergeSets helper below.
func Merge(x Set, spec archive.PieceSpec) Set { return x.Merge(spec) }

// MergeSets merges an arbitrary number of sets, left to right.
func MergeSets(sets ...Set) Set {
	acc := Empty()
	for _, s := range sets {
		acc = acc.MergeSet(s)
	}
	return acc
}
