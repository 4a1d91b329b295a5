package node

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"

	"github.com/unidata/sruth/internal/archive"
	"github.com/unidata/sruth/internal/clearinghouse"
	"github.com/unidata/sruth/internal/config"
	"github.com/unidata/sruth/internal/peer"
	"github.com/unidata/sruth/internal/topology"
	"github.com/unidata/sruth/internal/wire"
)

// ClientManager keeps one outbound connection alive per target server
// address, reconnecting with exponential backoff and cooling down after a
// protocol violation before retrying that peer.
type ClientManager struct {
	log           *slog.Logger
	archive       *archive.Archive
	clearingHouse *clearinghouse.ClearingHouse
	localInfo     wire.NodeInfo
	onReleased    func([]archive.PieceSpec)
}

// NewClientManager returns a ClientManager dialing out as localInfo.
func NewClientManager(a *archive.Archive, ch *clearinghouse.ClearingHouse, localInfo wire.NodeInfo, onReleased func([]archive.PieceSpec), log *slog.Logger) *ClientManager {
	if log == nil {
		log = slog.Default()
	}
	return &ClientManager{
		log:           log.With("component", "node.client_manager"),
		archive:       a,
		clearingHouse: ch,
		localInfo:     localInfo,
		onReleased:    onReleased,
	}
}

// MaintainConnection dials target and keeps reconnecting until ctx is
// done, backing off between attempts and cooling down longer after a
// protocol violation than after an ordinary network failure.
func (cm *ClientManager) MaintainConnection(ctx context.Context, target topology.ServerAddress) error {
	cfg := config.Load()
	log := cm.log.With("target", target)

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = cfg.MinReconnectBackoff
	bo.MaxInterval = cfg.MaxReconnectBackoff
	bo.MaxElapsedTime = 0 // retry indefinitely; ctx cancellation is the only exit

	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		connected, err := cm.connectOnce(ctx, target, log)
		if err == nil || errors.Is(err, context.Canceled) {
			return err
		}
		if connected {
			// Reachability was proven; a fresh disconnect shouldn't pay
			// for prior failed dial attempts' escalated backoff.
			bo.Reset()
		}

		wait := bo.NextBackOff()
		if errors.Is(err, peer.ErrProtocolViolation) {
			wait = cfg.ProtocolViolationCooldown
			log.Warn("protocol violation, cooling down before retry", "cooldown", wait, "error", err)
		} else {
			log.Debug("connection attempt failed, backing off", "wait", wait, "error", err)
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
		}
	}
}

// connectOnce dials, handshakes, and runs one Peer session against
// target. The returned bool reports whether the handshake completed
// (i.e. whether the failure, if any, happened during the steady state
// rather than during connection setup), used to decide whether to reset
// the reconnect backoff.
func (cm *ClientManager) connectOnce(ctx context.Context, target topology.ServerAddress, log *slog.Logger) (connected bool, err error) {
	nonce, err := wire.NewNonce()
	if err != nil {
		return false, err
	}
	id := wire.ConnectionId{LocalServer: cm.localInfo.ServerAddress, Nonce: nonce}

	cfg := config.Load()
	dialCtx, cancel := context.WithTimeout(ctx, cfg.HandshakeTimeout)
	conn, err := wire.Dial(dialCtx, target.String(), id)
	cancel()
	if err != nil {
		return false, err
	}

	sessionID := uuid.NewString()
	sessionLog := log.With("session_id", sessionID, "connection_id", id)

	hctx, hcancel := context.WithTimeout(ctx, cfg.HandshakeTimeout)
	remoteInfo, err := peer.Handshake(hctx, conn, cm.localInfo)
	hcancel()
	if err != nil {
		conn.Close()
		return false, err
	}

	p := peer.New(conn, peer.Opts{
		Log:           sessionLog,
		Archive:       cm.archive,
		ClearingHouse: cm.clearingHouse,
		LocalInfo:     cm.localInfo,
		RemoteInfo:    remoteInfo,
		OnReleased:    cm.onReleased,
	})

	sessionLog.Info("connected to peer")
	return true, p.Run(ctx)
}
