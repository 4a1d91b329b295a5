// Package bitset implements FiniteBitSet: a finite-domain bit set with two
// concrete representations, complete and partial, and promotion/demotion
// between them as bits are set and cleared.
package bitset

import (
	"fmt"

	"github.com/RoaringBitmap/roaring"
)

// BitSet is a finite-domain bit set over indices [0, Len()).
//
// SetBit and ClearBit return the (possibly different, possibly
// reallocated) BitSet to use going forward; callers must always use the
// returned value, the same way append() works.
type BitSet interface {
	Len() int
	IsSet(i int) bool
	SetBit(i int) BitSet
	ClearBit(i int) BitSet
	NextSetBit(from int) int
	Count() int
	IsComplete() bool
}

// NewPartial returns an all-clear partial bit set over n bits. For n == 0
// it returns the (vacuously) complete set.
func NewPartial(n int) BitSet {
	if n < 0 {
		panic("bitset: negative length")
	}
	if n == 0 {
		return completeSet{n: 0}
	}
	return &partialSet{n: n, bits: roaring.New()}
}

// NewComplete returns a fully-set bit set over n bits.
func NewComplete(n int) BitSet {
	if n < 0 {
		panic("bitset: negative length")
	}
	return completeSet{n: n}
}

// completeSet is the saturated variant: every index in [0,n) is set. It
// carries no backing bitmap at all.
type completeSet struct{ n int }

func (c completeSet) Len() int  { return c.n }
func (c completeSet) Count() int { return c.n }
func (c completeSet) IsComplete() bool { return true }

func (c completeSet) IsSet(i int) bool {
	return i >= 0 && i < c.n
}

func (c completeSet) SetBit(i int) BitSet {
	if i < 0 || i >= c.n {
		panic(fmt.Sprintf("bitset: index %d out of range [0,%d)", i, c.n))
	}
	return c
}

// ClearBit demotes a complete set to partial(n, allBitsExceptI, n-1).
func (c completeSet) ClearBit(i int) BitSet {
	if i < 0 || i >= c.n {
		panic(fmt.Sprintf("bitset: index %d out of range [0,%d)", i, c.n))
	}

	bits := roaring.New()
	bits.AddRange(0, uint64(c.n))
	bits.Remove(uint32(i))

	return &partialSet{n: c.n, bits: bits}
}

func (c completeSet) NextSetBit(from int) int {
	if from < 0 {
		from = 0
	}
	if from >= c.n {
		return -1
	}
	return from
}

// partialSet is the unsaturated variant, backed by a compressed roaring
// bitmap so that NextSetBit iterates without scanning cleared runs.
type partialSet struct {
	n    int
	bits *roaring.Bitmap
}

func (p *partialSet) Len() int   { return p.n }
func (p *partialSet) Count() int { return int(p.bits.GetCardinality()) }
func (p *partialSet) IsComplete() bool { return false }

func (p *partialSet) IsSet(i int) bool {
	if i < 0 || i >= p.n {
		return false
	}
	return p.bits.Contains(uint32(i))
}

// SetBit sets bit i. If every bit in [0,n) ends up set, the set promotes to
// complete(n).
func (p *partialSet) SetBit(i int) BitSet {
	if i < 0 || i >= p.n {
		panic(fmt.Sprintf("bitset: index %d out of range [0,%d)", i, p.n))
	}

	p.bits.Add(uint32(i))

	if int(p.bits.GetCardinality()) == p.n {
		return completeSet{n: p.n}
	}
	return p
}

func (p *partialSet) ClearBit(i int) BitSet {
	if i < 0 || i >= p.n {
		panic(fmt.Sprintf("bitset: index %d out of range [0,%d)", i, p.n))
	}

	p.bits.Remove(uint32(i))
	return p
}

// NextSetBit returns the smallest set index >= from, or -1 if none.
func (p *partialSet) NextSetBit(from int) int {
	if from < 0 {
		from = 0
	}
	if from >= p.n {
		return -1
	}

	it := p.bits.Iterator()
	it.AdvanceIfNeeded(uint32(from))
	if !it.HasNext() {
		return -1
	}
	return int(it.Next())
}

// Clone returns an independent copy of bs.
func Clone(bs BitSet) BitSet {
	switch v := bs.(type) {
	case completeSet:
		return v
	case *partialSet:
		return &partialSet{n: v.n, bits: v.bits.Clone()}
	default:
		panic("bitset: unknown variant")
	}
}

// Marshal serializes bs for the on-disk sidecar file. Complete sets need no
// backing bitmap, so ok is false for them; callers write no sidecar in
// that case.
func Marshal(bs BitSet) (data []byte, ok bool, err error) {
	p, isPartial := bs.(*partialSet)
	if !isPartial {
		return nil, false, nil
	}
	data, err = p.bits.ToBytes()
	if err != nil {
		return nil, false, fmt.Errorf("bitset: marshal: %w", err)
	}
	return data, true, nil
}

// UnmarshalPartial rebuilds a partial set of length n from bytes produced
// by Marshal.
func UnmarshalPartial(n int, data []byte) (BitSet, error) {
	bits := roaring.New()
	if err := bits.UnmarshalBinary(data); err != nil {
		return nil, fmt.Errorf("bitset: unmarshal: %w", err)
	}
	if int(bits.GetCardinality()) == n && n > 0 {
		return completeSet{n: n}, nil
	}
	return &partialSet{n: n, bits: bits}, nil
}
