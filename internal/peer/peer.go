// Package peer implements the per-connection Peer state machine: the
// Handshake, Steady, and Drain phases described in spec.md §4.5.
package peer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"golang.org/x/sync/errgroup"

	"github.com/unidata/sruth/internal/archive"
	"github.com/unidata/sruth/internal/clearinghouse"
	"github.com/unidata/sruth/internal/wire"
)

// Phase is where a Peer is in its lifecycle.
type Phase int32

const (
	PhaseHandshake Phase = iota
	PhaseSteady
	PhaseDrain
	PhaseClosed
)

func (ph Phase) String() string {
	switch ph {
	case PhaseHandshake:
		return "handshake"
	case PhaseSteady:
		return "steady"
	case PhaseDrain:
		return "drain"
	case PhaseClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// ErrProtocolViolation marks an error as fatal to this one connection only,
// per spec.md §4.5: a malformed or invariant-breaking frame closes just the
// offending Peer, never the node.
var ErrProtocolViolation = errors.New("peer: protocol violation")

// Handshake exchanges NodeInfo over conn's Notice stream. Each side sends
// and receives concurrently, so it works symmetrically for dial and accept.
func Handshake(ctx context.Context, conn *wire.Connection, local wire.NodeInfo) (wire.NodeInfo, error) {
	var remote wire.NodeInfo

	g, _ := errgroup.WithContext(ctx)
	g.Go(func() error { return conn.Notice.Send(local) })
	g.Go(func() error {
		msg, err := conn.Notice.Recv()
		if err != nil {
			return fmt.Errorf("peer: read handshake: %w", err)
		}
		info, ok := msg.(wire.NodeInfo)
		if !ok {
			return fmt.Errorf("%w: expected NodeInfo, got %T", ErrProtocolViolation, msg)
		}
		remote = info
		return nil
	})

	if err := g.Wait(); err != nil {
		return wire.NodeInfo{}, err
	}
	return remote, nil
}

// Opts configures a Peer.
type Opts struct {
	Log           *slog.Logger
	Archive       *archive.Archive
	ClearingHouse *clearinghouse.ClearingHouse
	LocalInfo     wire.NodeInfo
	RemoteInfo    wire.NodeInfo
	// OnReleased is called with the PieceSpecs this peer held an
	// outstanding request for once the connection ends, so the caller can
	// reassign them to a different peer.
	OnReleased func([]archive.PieceSpec)
}

// Stats holds per-connection counters, all safe for concurrent use.
// Exported for a node-level status surface to read.
type Stats struct {
	PiecesSent       atomic.Uint64
	PiecesReceived   atomic.Uint64
	BytesSent        atomic.Uint64
	BytesReceived    atomic.Uint64
	NoticesSent      atomic.Uint64
	NoticesReceived  atomic.Uint64
	RequestsReceived atomic.Uint64
}

// Peer owns one coalesced Connection and runs its steady-state notice /
// request / data loops until the connection ends.
type Peer struct {
	log           *slog.Logger
	conn          *wire.Connection
	archive       *archive.Archive
	clearingHouse *clearinghouse.ClearingHouse
	localInfo     wire.NodeInfo
	remoteInfo    wire.NodeInfo
	onReleased    func([]archive.PieceSpec)
	stats         Stats

	phase     atomic.Int32
	closeOnce sync.Once
	cancel    context.CancelFunc

	doneOnce sync.Once
	peerDone atomic.Bool
}

// New wraps an already-handshaken Connection. Callers typically call
// Handshake first and pass its result as Opts.RemoteInfo.
func New(conn *wire.Connection, opts Opts) *Peer {
	log := opts.Log
	if log == nil {
		log = slog.Default()
	}
	p := &Peer{
		log:           log.With("component", "peer", "connection_id", conn.Id),
		conn:          conn,
		archive:       opts.Archive,
		clearingHouse: opts.ClearingHouse,
		localInfo:     opts.LocalInfo,
		remoteInfo:    opts.RemoteInfo,
		onReleased:    opts.OnReleased,
	}
	p.phase.Store(int32(PhaseHandshake))
	return p
}

// Id returns the ConnectionId identifying this peer, also used as its
// clearing-house handle.
func (p *Peer) Id() wire.ConnectionId { return p.conn.Id }

// Phase reports the peer's current lifecycle phase.
func (p *Peer) Phase() Phase { return Phase(p.phase.Load()) }

// Stats returns this connection's running counters.
func (p *Peer) Stats() *Stats { return &p.stats }

// Run enters the steady state and blocks until the connection ends, either
// because a peer closed a stream, a read timed out, or a protocol
// violation occurred. It returns the first error any stream loop reported.
// Cancellation (of ctx, or by the drain phase) closes the Connection under
// the blocked reads, so Run then usually returns the resulting read error
// rather than nil. Run is not reentrant.
func (p *Peer) Run(ctx context.Context) error {
	defer p.Close()

	ctx, cancel := context.WithCancel(ctx)
	p.cancel = cancel

	p.phase.Store(int32(PhaseSteady))
	outbox := p.clearingHouse.RegisterPeer(p.conn.Id, p.remoteInfo.Predicate)
	go p.clearingHouse.AnnounceExisting(p.conn.Id, p.remoteInfo.Predicate)
	defer func() {
		p.phase.Store(int32(PhaseClosed))
		released := p.clearingHouse.UnregisterPeer(p.conn.Id)
		if p.onReleased != nil && len(released) > 0 {
			p.onReleased(released)
		}
	}()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return p.noticeWriterLoop(gctx, outbox) })
	g.Go(func() error { return p.noticeReaderLoop(gctx) })
	g.Go(func() error { return p.requestReaderLoop(gctx) })
	g.Go(func() error { return p.dataReaderLoop(gctx) })

	// Each loop owns a different socket of the Connection, so cancelling
	// gctx alone doesn't unblock the others' in-flight Recv; closing the
	// Connection here does, as soon as any one loop fails.
	go func() {
		<-gctx.Done()
		p.conn.Close()
	}()

	return g.Wait()
}

// Close tears down all three streams, unblocking every in-flight Recv.
func (p *Peer) Close() {
	p.closeOnce.Do(func() {
		if p.cancel != nil {
			p.cancel()
		}
		p.conn.Close()
	})
}

// sendDone sends a DoneNotice at most once, best-effort: by the time it's
// called the connection may already be broken, in which case the error is
// just logged, not propagated.
func (p *Peer) sendDone() {
	p.doneOnce.Do(func() {
		if err := p.conn.Notice.Send(wire.DoneNotice{}); err != nil {
			p.log.Debug("failed to send done notice", "error", err)
		}
	})
}

// maybeDrain closes out the drain/close phase once both sides are ready:
// the peer has signaled it has no more notices for us, and we hold no
// outstanding claims against it (our own local desiderata toward this
// peer are satisfied). It is safe to call repeatedly and from multiple
// goroutines.
func (p *Peer) maybeDrain() {
	if !p.peerDone.Load() || p.clearingHouse.HasOutstanding(p.conn.Id) {
		return
	}
	p.sendDone()
	if p.cancel != nil {
		p.cancel()
	}
}

func (p *Peer) noticeWriterLoop(ctx context.Context, outbox <-chan any) error {
	for {
		select {
		case <-ctx.Done():
			p.sendDone()
			return nil
		case msg, ok := <-outbox:
			if !ok {
				return nil
			}
			if err := p.conn.Notice.Send(msg); err != nil {
				return fmt.Errorf("peer: write notice: %w", err)
			}
			p.stats.NoticesSent.Add(1)
		}
	}
}

func (p *Peer) noticeReaderLoop(ctx context.Context) error {
	for {
		if ctx.Err() != nil {
			return nil
		}

		msg, err := p.conn.Notice.Recv()
		if err != nil {
			return fmt.Errorf("peer: read notice: %w", err)
		}

		p.stats.NoticesReceived.Add(1)
		if err := p.handleNotice(msg); err != nil {
			return err
		}
	}
}

func (p *Peer) handleNotice(msg any) error {
	switch n := msg.(type) {
	case wire.AddedFileNotice:
		return p.requestCandidates(fileSpecs(n.Info))
	case wire.AddedPieceNotice:
		return p.requestCandidates([]archive.PieceSpec{n.Spec})
	case wire.NoticesOfPieces:
		return p.requestCandidates(n.Specs)
	case wire.RemovedFilesNotice:
		p.log.Debug("peer removed files", "count", len(n.Files))
		return nil
	case wire.DoneNotice:
		p.phase.Store(int32(PhaseDrain))
		p.log.Debug("peer signaled done")
		p.peerDone.Store(true)
		p.maybeDrain()
		return nil
	default:
		return fmt.Errorf("%w: unexpected notice type %T", ErrProtocolViolation, msg)
	}
}

// requestCandidates claims whichever of candidates the clearing-house
// single-issuer table doesn't already hold, and requests exactly those
// from this peer.
func (p *Peer) requestCandidates(candidates []archive.PieceSpec) error {
	claimed := p.clearingHouse.ClaimSpecs(p.conn.Id, candidates)
	if len(claimed) == 0 {
		return nil
	}
	if err := p.conn.Request.Send(wire.RequestOfPieces{Specs: claimed}); err != nil {
		return fmt.Errorf("peer: send request: %w", err)
	}
	return nil
}

func fileSpecs(fi archive.FileInfo) []archive.PieceSpec {
	n := fi.PieceCount()
	specs := make([]archive.PieceSpec, n)
	for i := 0; i < n; i++ {
		specs[i] = archive.PieceSpec{File: fi, Index: i}
	}
	return specs
}

func (p *Peer) requestReaderLoop(ctx context.Context) error {
	for {
		if ctx.Err() != nil {
			return nil
		}

		msg, err := p.conn.Request.Recv()
		if err != nil {
			return fmt.Errorf("peer: read request: %w", err)
		}

		req, ok := msg.(wire.RequestOfPieces)
		if !ok {
			return fmt.Errorf("%w: unexpected request type %T", ErrProtocolViolation, msg)
		}
		p.stats.RequestsReceived.Add(uint64(len(req.Specs)))

		for _, spec := range req.Specs {
			piece, err := p.archive.Get(spec)
			if err != nil {
				p.log.Debug("cannot serve requested piece", "spec", spec, "error", err)
				continue
			}
			if err := p.conn.Data.Send(piece); err != nil {
				return fmt.Errorf("peer: send piece: %w", err)
			}
			p.stats.PiecesSent.Add(1)
			p.stats.BytesSent.Add(uint64(len(piece.Bytes)))
		}
	}
}

func (p *Peer) dataReaderLoop(ctx context.Context) error {
	for {
		if ctx.Err() != nil {
			return nil
		}

		msg, err := p.conn.Data.Recv()
		if err != nil {
			return fmt.Errorf("peer: read data: %w", err)
		}

		piece, ok := msg.(archive.Piece)
		if !ok {
			return fmt.Errorf("%w: unexpected data type %T", ErrProtocolViolation, msg)
		}
		if err := piece.Validate(); err != nil {
			return fmt.Errorf("%w: %v", ErrProtocolViolation, err)
		}

		if _, err := p.archive.Put(piece); err != nil {
			p.log.Warn("failed to store received piece", "spec", piece.Spec, "error", err)
			continue
		}
		p.stats.PiecesReceived.Add(1)
		p.stats.BytesReceived.Add(uint64(len(piece.Bytes)))
		p.clearingHouse.AnnouncePiece(piece.Spec)
		p.maybeDrain()
	}
}
