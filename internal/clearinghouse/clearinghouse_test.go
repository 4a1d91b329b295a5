package clearinghouse

import (
	"context"
	"net/netip"
	"testing"
	"time"

	"github.com/unidata/sruth/internal/archive"
	"github.com/unidata/sruth/internal/filter"
	"github.com/unidata/sruth/internal/topology"
	"github.com/unidata/sruth/internal/wire"
)

func topologyWithOneServer(addr string) topology.Topology {
	return topology.Empty().Register(netip.MustParseAddrPort(addr), filter.EVERYTHING)
}

func newTestArchive(t *testing.T) *archive.Archive {
	t.Helper()
	a, err := archive.Open(archive.Config{RootDir: t.TempDir()}, nil)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	return a
}

func testFileInfo(path string, size int64, pieceSize int32) archive.FileInfo {
	return archive.FileInfo{
		Id:        archive.FileId{Path: archive.ArchivePath(path), Time: archive.NewArchiveTime(time.Unix(1700000000, 0))},
		Size:      size,
		PieceSize: pieceSize,
	}
}

func testPeerId(port uint16) wire.ConnectionId {
	return wire.ConnectionId{LocalServer: netip.MustParseAddrPort("127.0.0.1:1"), Nonce: uint64(port)}
}

func TestClaimSpecsEnforcesSingleIssuer(t *testing.T) {
	a := newTestArchive(t)
	ch := New(a, 8, nil)

	fi := testFileInfo("docs/readme.txt", 10, 4)
	specs := []archive.PieceSpec{{File: fi, Index: 0}, {File: fi, Index: 1}, {File: fi, Index: 2}}

	p1, p2 := testPeerId(1), testPeerId(2)
	ch.RegisterPeer(p1, filter.EVERYTHING_PREDICATE)
	ch.RegisterPeer(p2, filter.EVERYTHING_PREDICATE)

	claimed1 := ch.ClaimSpecs(p1, specs)
	if len(claimed1) != 3 {
		t.Fatalf("first claim got %d specs; want 3", len(claimed1))
	}

	claimed2 := ch.ClaimSpecs(p2, specs)
	if len(claimed2) != 0 {
		t.Fatalf("second peer claimed %v; want none, single-issuer violated", claimed2)
	}
}

func TestUnregisterPeerReleasesOutstanding(t *testing.T) {
	a := newTestArchive(t)
	ch := New(a, 8, nil)

	fi := testFileInfo("docs/readme.txt", 10, 4)
	spec := archive.PieceSpec{File: fi, Index: 0}

	p1, p2 := testPeerId(1), testPeerId(2)
	ch.RegisterPeer(p1, filter.EVERYTHING_PREDICATE)
	ch.RegisterPeer(p2, filter.EVERYTHING_PREDICATE)

	ch.ClaimSpecs(p1, []archive.PieceSpec{spec})

	released := ch.UnregisterPeer(p1)
	if len(released) != 1 || released[0] != spec {
		t.Fatalf("UnregisterPeer released = %v; want [%v]", released, spec)
	}

	claimed := ch.ClaimSpecs(p2, []archive.PieceSpec{spec})
	if len(claimed) != 1 {
		t.Fatalf("expected %v to be re-claimable after release", spec)
	}
}

func TestAnnouncePieceFansOutToMatchingPeersOnly(t *testing.T) {
	a := newTestArchive(t)
	ch := New(a, 8, nil)

	fi := testFileInfo("docs/readme.txt", 4, 4)
	spec := archive.PieceSpec{File: fi, Index: 0}

	inScope := testPeerId(1)
	outOfScope := testPeerId(2)
	inbox := ch.RegisterPeer(inScope, filter.NewPredicate(filter.New("docs")))
	outbox := ch.RegisterPeer(outOfScope, filter.NewPredicate(filter.New("videos")))

	ch.ClaimSpecs(inScope, []archive.PieceSpec{spec})

	// AnnouncePiece follows the archive accepting the piece.
	if err := a.Announce(fi); err != nil {
		t.Fatalf("Announce: %v", err)
	}
	if _, err := a.Put(archive.Piece{Spec: spec, Bytes: []byte{'a', 'a', 'a', 'a'}}); err != nil {
		t.Fatalf("Put: %v", err)
	}
	ch.AnnouncePiece(spec)

	select {
	case msg := <-inbox:
		notice, ok := msg.(wire.AddedPieceNotice)
		if !ok || notice.Spec != spec {
			t.Fatalf("unexpected notice %v", msg)
		}
	default:
		t.Fatal("expected in-scope peer to receive announce notice")
	}

	select {
	case msg := <-outbox:
		t.Fatalf("out-of-scope peer should not receive notice, got %v", msg)
	default:
	}

	claimed := ch.ClaimSpecs(outOfScope, []archive.PieceSpec{spec})
	if len(claimed) != 0 {
		t.Fatalf("spec should be fulfilled and not re-claimable, got %v", claimed)
	}
}

func TestRunEventLoopEmitsCompletionAndClearsOutstanding(t *testing.T) {
	a := newTestArchive(t)
	ch := New(a, 8, nil)

	fi := testFileInfo("docs/readme.txt", 4, 4)
	spec := archive.PieceSpec{File: fi, Index: 0}

	p1 := testPeerId(1)
	ch.RegisterPeer(p1, filter.EVERYTHING_PREDICATE)
	ch.ClaimSpecs(p1, []archive.PieceSpec{spec})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go ch.RunEventLoop(ctx)

	if err := a.Announce(fi); err != nil {
		t.Fatalf("Announce: %v", err)
	}
	if _, err := a.Put(archive.Piece{Spec: spec, Bytes: []byte{'a', 'a', 'a', 'a'}}); err != nil {
		t.Fatalf("Put: %v", err)
	}

	select {
	case ev := <-ch.Completions():
		if ev.Info.Id != fi.Id {
			t.Fatalf("completion for wrong file: %v", ev.Info.Id)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for completion event")
	}

	if ch.HasOutstanding(p1) {
		t.Fatalf("completion should have cleared %v's outstanding claim", p1)
	}
}

func TestTopologyMailboxLatestWins(t *testing.T) {
	a := newTestArchive(t)
	ch := New(a, 8, nil)

	ctx := context.Background()
	ch.PutTopology(topologyWithOneServer("127.0.0.1:5000"))
	ch.PutTopology(topologyWithOneServer("127.0.0.1:6000"))

	topo, err := ch.TakeTopology(ctx)
	if err != nil {
		t.Fatalf("TakeTopology: %v", err)
	}
	servers := topo.Servers()
	if len(servers) != 1 || servers[0].String() != "127.0.0.1:6000" {
		t.Fatalf("expected latest-wins topology, got %v", servers)
	}
}
