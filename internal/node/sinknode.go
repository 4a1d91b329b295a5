package node

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/unidata/sruth/internal/archive"
	"github.com/unidata/sruth/internal/clearinghouse"
	"github.com/unidata/sruth/internal/config"
	"github.com/unidata/sruth/internal/filter"
	"github.com/unidata/sruth/internal/minheap"
	"github.com/unidata/sruth/internal/topology"
	"github.com/unidata/sruth/internal/tracker"
	"github.com/unidata/sruth/internal/wire"
)

// SinkNode owns one node's full lifecycle: its Archive, ClearingHouse,
// inbound Server, and the ClientManagers dialing every server the
// TrackerProxy currently knows about for its own predicate.
type SinkNode struct {
	log           *slog.Logger
	archive       *archive.Archive
	clearingHouse *clearinghouse.ClearingHouse
	trackerProxy  *tracker.Proxy
	server        *Server
	clientManager *ClientManager
	localInfo     wire.NodeInfo
	trackerAddr   string
	topologyPath  string

	mu      sync.Mutex
	dialing map[topology.ServerAddress]context.CancelFunc
}

// Config bundles what's needed to start a SinkNode. Archive.CompletionQueueSize
// controls the archive's completion-event buffer; PeerSendQueue controls
// each peer's bounded notice outbox in the clearing-house.
type Config struct {
	Archive          archive.Config
	Listener         net.Listener
	Predicate        filter.Predicate
	TrackerAddr      string
	TopologyFilePath string
	PeerSendQueue    int
}

// NewSinkNode opens the archive at cfg.Archive.RootDir and wires every
// component together, but does not yet accept or dial connections; call
// Run to start.
func NewSinkNode(cfg Config, log *slog.Logger) (*SinkNode, error) {
	if log == nil {
		log = slog.Default()
	}

	if cfg.Archive.TTLQueuePath == "" {
		cfg.Archive.TTLQueuePath = minheap.DefaultPath(cfg.Archive.RootDir)
	}
	if cfg.Archive.CompletionQueueSize <= 0 {
		cfg.Archive.CompletionQueueSize = config.Load().CompletionQueueDepth
	}
	if cfg.PeerSendQueue <= 0 {
		cfg.PeerSendQueue = config.Load().PeerSendQueueDepth
	}

	a, err := archive.Open(cfg.Archive, log)
	if err != nil {
		return nil, fmt.Errorf("node: open archive: %w", err)
	}

	localInfo, err := LocalNodeInfo(cfg.Listener, cfg.Predicate)
	if err != nil {
		return nil, err
	}

	ch := clearinghouse.New(a, cfg.PeerSendQueue, log)
	proxy := tracker.NewProxy(cfg.TrackerAddr, localInfo.ServerAddress, cfg.TopologyFilePath, log)

	n := &SinkNode{
		log:           log.With("component", "node.sink", "server_address", localInfo.ServerAddress),
		archive:       a,
		clearingHouse: ch,
		trackerProxy:  proxy,
		localInfo:     localInfo,
		trackerAddr:   cfg.TrackerAddr,
		topologyPath:  cfg.TopologyFilePath,
		dialing:       make(map[topology.ServerAddress]context.CancelFunc),
	}
	n.server = NewServer(cfg.Listener, a, ch, localInfo, n.reclaim, log)
	n.clientManager = NewClientManager(a, ch, localInfo, n.reclaim, log)
	return n, nil
}

// Archive exposes the underlying Archive, e.g. for a caller to Announce
// local files into it.
func (n *SinkNode) Archive() *archive.Archive { return n.archive }

// LocalInfo returns this node's NodeInfo, including its bound address.
func (n *SinkNode) LocalInfo() wire.NodeInfo { return n.localInfo }

// reclaim is the OnReleased callback wired into every Peer: a spec
// released by a disconnected peer simply waits to be re-claimed the next
// time some other peer announces it, so there's nothing to do here beyond
// logging — ClaimSpecs already makes the spec available again.
func (n *SinkNode) reclaim(specs []archive.PieceSpec) {
	if len(specs) > 0 {
		n.log.Debug("released outstanding requests on disconnect", "count", len(specs))
	}
}

// Run starts the clearing-house event loop, the inbound server, a
// registration with the tracker, and one ClientManager per server the
// tracker/topology-file currently names for this node's predicate. It
// blocks until ctx is done.
func (n *SinkNode) Run(ctx context.Context) error {
	defer n.archive.Close()

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error { return n.clearingHouse.RunEventLoop(gctx) })
	g.Go(func() error { return n.server.Serve(gctx) })
	g.Go(func() error { return n.registerWithTracker(gctx) })
	g.Go(func() error { return n.followTopology(gctx) })
	g.Go(func() error { return n.sweepExpiredFiles(gctx) })
	g.Go(func() error { return n.publishTopologyFile(gctx) })

	err := g.Wait()
	if err != nil && gctx.Err() != nil {
		return nil // ordinary shutdown via ctx cancellation
	}
	return err
}

// sweepExpiredFiles periodically drains the archive's scheduled-removal
// delay queue, deleting every file whose TTL deadline has passed.
func (n *SinkNode) sweepExpiredFiles(ctx context.Context) error {
	ticker := time.NewTicker(config.Load().TTLSweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case now := <-ticker.C:
			removed, err := n.archive.ProcessDueRemovals(now)
			if err != nil {
				n.log.Warn("scheduled removal sweep failed", "error", err)
				continue
			}
			if len(removed) > 0 {
				n.log.Info("removed expired files", "count", len(removed))
			}
		}
	}
}

// registerWithTracker holds a Register connection open with the tracker
// for this node's lifetime, per spec.md §4.7 (connection-error removal).
func (n *SinkNode) registerWithTracker(ctx context.Context) error {
	if n.trackerAddr == "" {
		return nil
	}

	conn, err := tracker.RegisterClient(n.trackerAddr, n.localInfo.ServerAddress, firstFilter(n.localInfo.Predicate))
	if err != nil {
		n.log.Warn("failed to register with tracker", "error", err)
		return nil
	}
	go func() {
		<-ctx.Done()
		conn.Close()
	}()
	return nil
}

func firstFilter(p filter.Predicate) filter.Filter {
	fs := p.Filters()
	if len(fs) == 0 {
		return filter.EVERYTHING
	}
	return fs[0]
}

// followTopology periodically refreshes the TrackerProxy and reconciles
// the running ClientManagers against the servers it currently names for
// this node's predicate: a fsnotify-triggered file reload updates the
// Proxy's cache in the background, but nothing else would ever notice a
// server added or removed between explicit Refresh calls, so this also
// polls the cache on a timer to pick those changes up.
func (n *SinkNode) followTopology(ctx context.Context) error {
	n.refreshTopology()
	n.syncClientManagers(ctx)

	stop, err := n.trackerProxy.WatchTopologyFile()
	if err == nil {
		defer stop()
	}

	ticker := time.NewTicker(config.Load().TopologyResyncInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			n.refreshTopology()
			n.syncClientManagers(ctx)
		}
	}
}

// refreshTopology pulls the latest topology from the tracker (or its file
// fallback) and, on success, hands it to the clearing-house's Object-lock
// mailbox for publishTopologyFile to persist: per spec.md §4.6, source-side
// nodes periodically write the current Topology into a well-known
// admin-subdir file so other nodes can fall back to it when the tracker
// itself is unreachable.
func (n *SinkNode) refreshTopology() {
	if err := n.trackerProxy.Refresh(firstFilter(n.localInfo.Predicate)); err != nil {
		n.log.Debug("topology refresh failed", "error", err)
		return
	}
	if topo, ok := n.trackerProxy.Topology(); ok {
		n.clearingHouse.PutTopology(topo)
	}
}

// publishTopologyFile drains topology snapshots handed to the
// clearing-house by refreshTopology and durably writes each one to the
// distributed topology file, so nodes whose own tracker connection is down
// can still fall back to a recent snapshot.
func (n *SinkNode) publishTopologyFile(ctx context.Context) error {
	if n.topologyPath == "" {
		return nil
	}
	for {
		topo, err := n.clearingHouse.TakeTopology(ctx)
		if err != nil {
			return ctx.Err()
		}
		if err := tracker.WriteTopologyFile(n.topologyPath, topo); err != nil {
			n.log.Warn("failed to write topology file", "error", err)
		}
	}
}

// syncClientManagers starts a ClientManager for every server the
// topology newly names and stops the ones for servers it no longer
// names.
func (n *SinkNode) syncClientManagers(ctx context.Context) {
	topo, ok := n.trackerProxy.Topology()
	if !ok {
		return
	}

	wanted := make(map[topology.ServerAddress]struct{})
	for _, server := range topo.Servers() {
		if server != n.localInfo.ServerAddress {
			wanted[server] = struct{}{}
		}
	}

	n.mu.Lock()
	defer n.mu.Unlock()

	for server := range wanted {
		if _, active := n.dialing[server]; active {
			continue
		}

		dialCtx, cancel := context.WithCancel(ctx)
		n.dialing[server] = cancel
		go func(server topology.ServerAddress) {
			n.clientManager.MaintainConnection(dialCtx, server)
			n.mu.Lock()
			delete(n.dialing, server)
			n.mu.Unlock()
		}(server)
	}

	for server, cancel := range n.dialing {
		if _, still := wanted[server]; !still {
			cancel()
			delete(n.dialing, server)
		}
	}
}
