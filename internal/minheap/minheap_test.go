package minheap

import (
	"path/filepath"
	"testing"
)

func TestPushPopOrdering(t *testing.T) {
	path := filepath.Join(t.TempDir(), "deletion-queue")
	hf, err := Open(path, 64)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer hf.Close()

	for _, d := range []int64{300, 100, 200} {
		if err := hf.Push(Entry{DeadlineMillis: d, Path: "p"}); err != nil {
			t.Fatalf("Push(%d): %v", d, err)
		}
	}

	want := []int64{100, 200, 300}
	for _, w := range want {
		e, ok := hf.Pop()
		if !ok {
			t.Fatalf("Pop() returned false, want deadline %d", w)
		}
		if e.DeadlineMillis != w {
			t.Fatalf("Pop() deadline = %d; want %d", e.DeadlineMillis, w)
		}
	}

	if _, ok := hf.Pop(); ok {
		t.Fatalf("Pop() on empty heap should return false")
	}
}

func TestDurabilityAcrossReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "deletion-queue")

	hf, err := Open(path, 64)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	for _, e := range []Entry{
		{DeadlineMillis: 300, Path: "c"},
		{DeadlineMillis: 100, Path: "a"},
		{DeadlineMillis: 200, Path: "b"},
	} {
		if err := hf.Push(e); err != nil {
			t.Fatalf("Push: %v", err)
		}
	}
	if err := hf.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	reopened, err := Open(path, 64)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer reopened.Close()

	peeked, ok := reopened.Peek()
	if !ok || peeked.DeadlineMillis != 100 {
		t.Fatalf("Peek() after reopen = %+v, %v; want deadline 100", peeked, ok)
	}

	var got []int64
	for {
		e, ok := reopened.Pop()
		if !ok {
			break
		}
		got = append(got, e.DeadlineMillis)
	}

	want := []int64{100, 200, 300}
	if len(got) != len(want) {
		t.Fatalf("got %v; want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("got %v; want %v", got, want)
		}
	}
}

func TestGrowBeyondDefaultCapacity(t *testing.T) {
	path := filepath.Join(t.TempDir(), "deletion-queue")
	hf, err := Open(path, 32)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer hf.Close()

	const n = defaultCapacity * 3
	for i := int64(0); i < n; i++ {
		if err := hf.Push(Entry{DeadlineMillis: n - i, Path: "x"}); err != nil {
			t.Fatalf("Push(%d): %v", i, err)
		}
	}
	if hf.Len() != n {
		t.Fatalf("Len() = %d; want %d", hf.Len(), n)
	}

	prev := int64(-1)
	for hf.Len() > 0 {
		e, _ := hf.Pop()
		if e.DeadlineMillis < prev {
			t.Fatalf("heap order violated: %d after %d", e.DeadlineMillis, prev)
		}
		prev = e.DeadlineMillis
	}
}
