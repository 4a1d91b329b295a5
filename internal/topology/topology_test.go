package topology

import (
	"net/netip"
	"testing"

	"github.com/unidata/sruth/internal/filter"
)

func addr(port uint16) ServerAddress {
	return netip.AddrPortFrom(netip.MustParseAddr("127.0.0.1"), port)
}

func TestGetBestServerDeterministic(t *testing.T) {
	s1, s2 := addr(1), addr(2)

	topo := Empty().Register(s1, filter.New("a")).Register(s2, filter.New("a/b"))

	got, ok := topo.GetBestServer(filter.New("a/b/c"))
	if !ok {
		t.Fatalf("expected a server")
	}
	if got != s2 {
		t.Fatalf("GetBestServer = %v; want %v (the narrower includer)", got, s2)
	}
}

func TestGetBestServerRandomTieBreak(t *testing.T) {
	s1, s2, s3 := addr(1), addr(2), addr(3)

	topo := Empty().
		Register(s1, filter.New("a")).
		Register(s2, filter.New("a/b")).
		Register(s3, filter.New("a/b"))

	seen := map[ServerAddress]bool{}
	for i := 0; i < 50; i++ {
		got, ok := topo.GetBestServer(filter.New("a/b/c"))
		if !ok {
			t.Fatalf("expected a server")
		}
		if got != s2 && got != s3 {
			t.Fatalf("GetBestServer returned non-tied server %v", got)
		}
		seen[got] = true
	}
	if len(seen) != 2 {
		t.Fatalf("expected both tied servers to appear over 50 trials, saw %d", len(seen))
	}
}

func TestGetBestServerNoMatch(t *testing.T) {
	topo := Empty().Register(addr(1), filter.New("a/b"))

	if _, ok := topo.GetBestServer(filter.New("c")); ok {
		t.Fatalf("expected no server to satisfy an unrelated filter")
	}
}

func TestSubsetOnlyIncludesCapableServers(t *testing.T) {
	s1, s2 := addr(1), addr(2)
	topo := Empty().Register(s1, filter.New("a")).Register(s2, filter.New("b"))

	sub := topo.Subset(filter.New("a/x"))
	servers := sub.Servers()
	if len(servers) != 1 || servers[0] != s1 {
		t.Fatalf("Subset(a/x) = %v; want only s1", servers)
	}
}

func TestRemoveDoesNotMutateOriginal(t *testing.T) {
	s1 := addr(1)
	original := Empty().Register(s1, filter.New("a"))
	snapshot := original

	mutated := snapshot.Unregister(s1)

	if len(original.Servers()) != 1 {
		t.Fatalf("original topology was mutated by Unregister on a copy")
	}
	if len(mutated.Servers()) != 0 {
		t.Fatalf("Unregister did not remove the server from the new topology")
	}
}
