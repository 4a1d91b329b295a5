// Package node wires the Archive, ClearingHouse, Peer, and Tracker layers
// together into one running Sruth node: an inbound Server accepting
// coalesced connections, an outbound ClientManager dialing known servers,
// and a SinkNode that owns their shared lifecycle.
package node

import (
	"context"
	"fmt"
	"log/slog"
	"net"

	"github.com/google/uuid"

	"github.com/unidata/sruth/internal/archive"
	"github.com/unidata/sruth/internal/clearinghouse"
	"github.com/unidata/sruth/internal/config"
	"github.com/unidata/sruth/internal/filter"
	"github.com/unidata/sruth/internal/peer"
	"github.com/unidata/sruth/internal/wire"
)

// Server accepts inbound sockets, coalesces them into Connections, and
// runs a Peer for each completed handshake.
type Server struct {
	log           *slog.Logger
	ln            net.Listener
	coalescer     *wire.Coalescer
	archive       *archive.Archive
	clearingHouse *clearinghouse.ClearingHouse
	localInfo     wire.NodeInfo
	onReleased    func([]archive.PieceSpec)
}

// NewServer wraps ln, accepting inbound connections bound for localInfo's
// predicate.
func NewServer(ln net.Listener, a *archive.Archive, ch *clearinghouse.ClearingHouse, localInfo wire.NodeInfo, onReleased func([]archive.PieceSpec), log *slog.Logger) *Server {
	if log == nil {
		log = slog.Default()
	}
	cfg := config.Load()
	return &Server{
		log:           log.With("component", "node.server"),
		ln:            ln,
		coalescer:     wire.NewCoalescer(cfg.HandshakeTimeout, log),
		archive:       a,
		clearingHouse: ch,
		localInfo:     localInfo,
		onReleased:    onReleased,
	}
}

// Serve runs the accept loop and the coalesced-connection dispatch loop
// until ctx is done. If Accept fails, the accept loop logs the error and
// stops accepting; Serve does not return until ctx is done.
func (s *Server) Serve(ctx context.Context) error {
	go s.acceptLoop(ctx)

	for {
		select {
		case <-ctx.Done():
			s.ln.Close()
			return ctx.Err()
		case conn, ok := <-s.coalescer.Ready():
			if !ok {
				return nil
			}
			go s.runPeer(ctx, conn)
		}
	}
}

func (s *Server) acceptLoop(ctx context.Context) {
	for {
		conn, err := s.ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			s.log.Warn("accept failed", "error", err)
			return
		}
		go func() {
			if err := s.coalescer.Accept(conn); err != nil {
				s.log.Debug("failed to coalesce inbound socket", "error", err)
			}
		}()
	}
}

func (s *Server) runPeer(ctx context.Context, conn *wire.Connection) {
	sessionID := uuid.NewString()
	log := s.log.With("session_id", sessionID, "connection_id", conn.Id)

	hctx, cancel := context.WithTimeout(ctx, config.Load().HandshakeTimeout)
	remoteInfo, err := peer.Handshake(hctx, conn, s.localInfo)
	cancel()
	if err != nil {
		log.Warn("handshake failed", "error", err)
		conn.Close()
		return
	}

	p := peer.New(conn, peer.Opts{
		Log:           log,
		Archive:       s.archive,
		ClearingHouse: s.clearingHouse,
		LocalInfo:     s.localInfo,
		RemoteInfo:    remoteInfo,
		OnReleased:    s.onReleased,
	})

	if err := p.Run(ctx); err != nil {
		log.Debug("peer connection ended", "error", err)
	}
}

// LocalNodeInfo derives this node's NodeInfo from ln's bound address and
// the predicate it serves.
func LocalNodeInfo(ln net.Listener, predicate filter.Predicate) (wire.NodeInfo, error) {
	addr, err := wire.LocalServerAddress(ln.Addr())
	if err != nil {
		return wire.NodeInfo{}, fmt.Errorf("node: derive local address: %w", err)
	}
	return wire.NodeInfo{ServerAddress: addr, Predicate: predicate}, nil
}
