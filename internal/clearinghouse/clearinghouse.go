// Package clearinghouse implements the ClearingHouse: the single arbiter
// between Peers and the Archive within one node. It enforces the
// single-issuer invariant, fans announce events out to connected peers,
// turns archive completion events into data-product events, and
// distributes topology snapshots via the Object-lock mailbox.
package clearinghouse

import (
	"context"
	"log/slog"
	"sort"
	"sync"

	"github.com/unidata/sruth/internal/archive"
	"github.com/unidata/sruth/internal/filter"
	"github.com/unidata/sruth/internal/mailbox"
	"github.com/unidata/sruth/internal/syncmap"
	"github.com/unidata/sruth/internal/topology"
	"github.com/unidata/sruth/internal/wire"
)

// PeerId identifies a connected peer. ConnectionId already uniquely
// identifies a logical connection, so it doubles as the peer handle key.
type PeerId = wire.ConnectionId

// peerEntry is what the clearing-house keeps per connected peer. The
// clearing-house's reference to a Peer is the weak half of the
// Peer<->ClearingHouse cycle described in the design notes: it holds only
// this bookkeeping, never the Peer struct itself, and forgets the entry
// entirely on Unregister.
type peerEntry struct {
	predicate filter.Predicate
	outbox    chan any // bounded per-peer notice queue; Send blocks when full
}

// ClearingHouse is safe for concurrent use.
type ClearingHouse struct {
	log     *slog.Logger
	archive *archive.Archive
	depth   int

	peers *syncmap.Map[PeerId, *peerEntry]

	mu          sync.Mutex
	outstanding map[archive.PieceSpec]PeerId // single-issuer table

	completions chan archive.CompletionEvent

	topologyMailbox *mailbox.Mailbox[topology.Topology]
}

// New returns a ClearingHouse arbitrating over a, with queueDepth as each
// peer's bounded outbox capacity.
func New(a *archive.Archive, queueDepth int, log *slog.Logger) *ClearingHouse {
	if log == nil {
		log = slog.Default()
	}
	if queueDepth <= 0 {
		queueDepth = 256
	}

	ch := &ClearingHouse{
		log:             log.With("component", "clearinghouse"),
		archive:         a,
		depth:           queueDepth,
		peers:           syncmap.New[PeerId, *peerEntry](),
		outstanding:     make(map[archive.PieceSpec]PeerId),
		completions:     make(chan archive.CompletionEvent, 64),
		topologyMailbox: mailbox.New[topology.Topology](),
	}
	return ch
}

// Completions is the data-product event stream delivered to the external
// action processor.
func (ch *ClearingHouse) Completions() <-chan archive.CompletionEvent { return ch.completions }

// RunEventLoop drains the archive's completion events until ctx is done,
// performing file-completion fan-out for each. It is the
// clearing-house's single serialized view of archive events; callers
// should run it as one long-lived goroutine.
func (ch *ClearingHouse) RunEventLoop(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev := <-ch.archive.Events():
			ch.handleCompletion(ev)
		}
	}
}

// RegisterPeer adds a newly-handshaken peer and returns its bounded
// outbox. The Peer's notice-stream writer goroutine drains this
// channel.
func (ch *ClearingHouse) RegisterPeer(id PeerId, predicate filter.Predicate) <-chan any {
	entry := &peerEntry{predicate: predicate, outbox: make(chan any, ch.depth)}
	ch.peers.Put(id, entry)
	return entry.outbox
}

// AnnounceExisting enqueues notices for every piece already held locally
// whose file matches predicate, so a newly connected peer learns about
// content this node held before the connection was ever made, not just
// pieces added afterward. Run in its own goroutine by the caller so a
// large backlog can't block registration behind a bounded outbox.
func (ch *ClearingHouse) AnnounceExisting(id PeerId, predicate filter.Predicate) {
	entries := ch.archive.Walk(func(path archive.ArchivePath) bool {
		return predicate.SatisfiedBy(path)
	})

	var specs []archive.PieceSpec
	for _, e := range entries {
		n := e.Info.PieceCount()
		for i := e.Bits.NextSetBit(0); i >= 0 && i < n; i = e.Bits.NextSetBit(i + 1) {
			specs = append(specs, archive.PieceSpec{File: e.Info, Index: i})
		}
	}
	if len(specs) == 0 {
		return
	}
	sort.Slice(specs, func(i, j int) bool { return specs[i].Less(specs[j]) })

	entry, ok := ch.peers.Get(id)
	if !ok {
		return
	}

	entry.outbox <- wire.NoticesOfPieces{Specs: specs}
}

// UnregisterPeer forgets id and returns every PieceSpec it held an
// outstanding request for. The caller (Peer.Run, on its way out) hands
// them to its OnReleased callback; released specs are no longer held, so
// a later ClaimSpecs by another peer can claim them.
func (ch *ClearingHouse) UnregisterPeer(id PeerId) []archive.PieceSpec {
	ch.peers.Delete(id)

	ch.mu.Lock()
	defer ch.mu.Unlock()

	var released []archive.PieceSpec
	for spec, holder := range ch.outstanding {
		if holder == id {
			released = append(released, spec)
			delete(ch.outstanding, spec)
		}
	}
	return released
}

// ClaimSpecs attempts to assign candidates to id under the single-issuer
// invariant: only specs not already held by some other peer, and not
// already locally complete, are claimed. Returns the subset actually
// claimed; the caller sends a RequestOfPieces for exactly these.
func (ch *ClearingHouse) ClaimSpecs(id PeerId, candidates []archive.PieceSpec) []archive.PieceSpec {
	ch.mu.Lock()
	defer ch.mu.Unlock()

	var claimed []archive.PieceSpec
	for _, spec := range candidates {
		if _, held := ch.outstanding[spec]; held {
			continue
		}
		if _, err := ch.archive.Get(spec); err == nil {
			continue // already locally complete
		}
		ch.outstanding[spec] = id
		claimed = append(claimed, spec)
	}
	return claimed
}

// HasOutstanding reports whether id currently holds any outstanding
// (unfulfilled) piece claim, used to decide whether a peer's local
// desiderata are satisfied for graceful drain/close.
func (ch *ClearingHouse) HasOutstanding(id PeerId) bool {
	ch.mu.Lock()
	defer ch.mu.Unlock()

	for _, holder := range ch.outstanding {
		if holder == id {
			return true
		}
	}
	return false
}

// Fulfilled releases spec from the single-issuer table once the archive
// has stored it (whichever peer it came from): per spec.md §4.5, any
// other peer it was speculatively requested from is implicitly retracted
// since the piece is now satisfied.
func (ch *ClearingHouse) Fulfilled(spec archive.PieceSpec) {
	ch.mu.Lock()
	delete(ch.outstanding, spec)
	ch.mu.Unlock()
}

// AnnouncePiece fans a locally-accepted piece out to every connected peer
// whose predicate includes the piece's file, and retracts any in-flight
// request for it at other peers.
func (ch *ClearingHouse) AnnouncePiece(spec archive.PieceSpec) {
	ch.Fulfilled(spec)

	var targets []*peerEntry
	ch.peers.Range(func(_ PeerId, entry *peerEntry) bool {
		if entry.predicate.SatisfiedBy(spec.File.Id.Path) {
			targets = append(targets, entry)
		}
		return true
	})

	notice := wire.AddedPieceNotice{Spec: spec}
	for _, entry := range targets {
		entry.outbox <- notice // blocking back-pressure
	}
}

// handleCompletion performs the file-completion fan-out: emit a
// data-product event and drop the file from every peer's outstanding
// interest.
func (ch *ClearingHouse) handleCompletion(ev archive.CompletionEvent) {
	ch.mu.Lock()
	for spec := range ch.outstanding {
		if spec.File.Id == ev.Info.Id {
			delete(ch.outstanding, spec)
		}
	}
	ch.mu.Unlock()

	ch.completions <- ev
	ch.log.Info("file completed", "path", ev.Info.Id.Path)
}

// PutTopology replaces any previously-put, not-yet-taken topology in the
// Object-lock mailbox feeding the topology distributor.
func (ch *ClearingHouse) PutTopology(topo topology.Topology) {
	ch.topologyMailbox.Put(topo)
}

// TakeTopology blocks for the next topology update to distribute.
func (ch *ClearingHouse) TakeTopology(ctx context.Context) (topology.Topology, error) {
	return ch.topologyMailbox.Take(ctx)
}
