package bitset

import "testing"

func TestNewPartialAllClear(t *testing.T) {
	bs := NewPartial(10)
	if bs.IsComplete() {
		t.Fatalf("fresh partial set reported complete")
	}
	if got := bs.Count(); got != 0 {
		t.Fatalf("Count() = %d; want 0", got)
	}
	if bs.NextSetBit(0) != -1 {
		t.Fatalf("NextSetBit on empty set should be -1")
	}
}

func TestNewPartialZeroLengthIsComplete(t *testing.T) {
	bs := NewPartial(0)
	if !bs.IsComplete() {
		t.Fatalf("NewPartial(0) should be vacuously complete")
	}
}

func TestSetBitPromotesToComplete(t *testing.T) {
	bs := NewPartial(3)
	for _, i := range []int{0, 1} {
		bs = bs.SetBit(i)
		if bs.IsComplete() {
			t.Fatalf("promoted too early after setting bit %d", i)
		}
	}

	bs = bs.SetBit(2)
	if !bs.IsComplete() {
		t.Fatalf("bit set did not promote to complete once saturated")
	}
	if got := bs.Count(); got != 3 {
		t.Fatalf("Count() after promotion = %d; want 3", got)
	}
}

func TestClearBitDemotesFromComplete(t *testing.T) {
	bs := NewComplete(4)
	bs = bs.ClearBit(1)

	if bs.IsComplete() {
		t.Fatalf("clearing a bit on a complete set should demote it")
	}
	if bs.IsSet(1) {
		t.Fatalf("bit 1 should be clear after ClearBit")
	}
	for _, i := range []int{0, 2, 3} {
		if !bs.IsSet(i) {
			t.Fatalf("bit %d should remain set after demotion", i)
		}
	}
	if got := bs.Count(); got != 3 {
		t.Fatalf("Count() after demotion = %d; want 3", got)
	}
}

func TestNextSetBit(t *testing.T) {
	bs := NewPartial(8)
	bs = bs.SetBit(2)
	bs = bs.SetBit(5)

	cases := []struct {
		from int
		want int
	}{
		{0, 2},
		{2, 2},
		{3, 5},
		{6, -1},
		{-5, 2},
	}

	for _, tc := range cases {
		if got := bs.NextSetBit(tc.from); got != tc.want {
			t.Fatalf("NextSetBit(%d) = %d; want %d", tc.from, got, tc.want)
		}
	}
}

func TestNextSetBitOnComplete(t *testing.T) {
	bs := NewComplete(5)
	if got := bs.NextSetBit(3); got != 3 {
		t.Fatalf("NextSetBit(3) on complete set = %d; want 3", got)
	}
	if got := bs.NextSetBit(5); got != -1 {
		t.Fatalf("NextSetBit(5) on complete(5) = %d; want -1", got)
	}
}

func TestIsSetOutOfRange(t *testing.T) {
	bs := NewPartial(4)
	bs = bs.SetBit(1)

	if bs.IsSet(-1) || bs.IsSet(4) {
		t.Fatalf("out-of-range IsSet should be false")
	}
}

func TestSetBitOutOfRangePanics(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Fatalf("SetBit out of range should panic")
		}
	}()
	NewPartial(4).SetBit(10)
}

func TestCloneIndependence(t *testing.T) {
	bs := NewPartial(4)
	bs = bs.SetBit(1)

	clone := Clone(bs)
	clone = clone.SetBit(2)

	if bs.IsSet(2) {
		t.Fatalf("Clone should not alias the original partial set")
	}
	if !clone.IsSet(1) || !clone.IsSet(2) {
		t.Fatalf("clone should retain original bits plus its own mutation")
	}
}

func TestCloneOfComplete(t *testing.T) {
	bs := NewComplete(3)
	clone := Clone(bs)
	if !clone.IsComplete() || clone.Len() != 3 {
		t.Fatalf("Clone of complete set should stay complete with same length")
	}
}
