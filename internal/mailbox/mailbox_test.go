package mailbox

import (
	"context"
	"testing"
	"time"
)

func TestLatestWins(t *testing.T) {
	m := New[int]()
	m.Put(1)
	m.Put(2)
	m.Put(3)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	got, err := m.Take(ctx)
	if err != nil {
		t.Fatalf("Take: %v", err)
	}
	if got != 3 {
		t.Fatalf("Take() = %d; want 3 (latest put)", got)
	}
}

func TestTakeBlocksUntilPut(t *testing.T) {
	m := New[string]()

	done := make(chan string, 1)
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		v, err := m.Take(ctx)
		if err != nil {
			return
		}
		done <- v
	}()

	time.Sleep(50 * time.Millisecond)
	m.Put("hello")

	select {
	case v := <-done:
		if v != "hello" {
			t.Fatalf("Take() = %q; want %q", v, "hello")
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("Take did not unblock after Put")
	}
}

func TestTakeRespectsContextCancellation(t *testing.T) {
	m := New[int]()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if _, err := m.Take(ctx); err == nil {
		t.Fatalf("expected Take to return the context's error")
	}
}
