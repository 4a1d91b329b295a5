// Package tracker implements the Tracker server and the client-side
// TrackerProxy cache.
package tracker

import (
	"fmt"
	"log/slog"
	"net"
	"sync"

	"github.com/unidata/sruth/internal/config"
	"github.com/unidata/sruth/internal/filter"
	"github.com/unidata/sruth/internal/topology"
	"github.com/unidata/sruth/internal/wire"
)

// Tracker is the authoritative registry of (server, filter) pairs for one
// overlay. It accepts short-lived TCP requests carrying a TrackerTask.
type Tracker struct {
	log           *slog.Logger
	reportingAddr topology.ServerAddress
	mu            sync.RWMutex
	topo          topology.Topology
}

// NewTracker returns a Tracker that reports reportingAddr as its own
// address in responses.
func NewTracker(reportingAddr topology.ServerAddress, log *slog.Logger) *Tracker {
	if log == nil {
		log = slog.Default()
	}
	return &Tracker{
		log:           log.With("component", "tracker"),
		reportingAddr: reportingAddr,
		topo:          topology.Empty(),
	}
}

// Topology returns the tracker's current, immutable snapshot.
func (t *Tracker) Topology() topology.Topology {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.topo
}

// Serve accepts connections on ln until it is closed, handling each on
// its own goroutine; a small pool is unnecessary since every request is a
// single short-lived frame exchange (except Register, which holds its
// connection open for the registration's lifetime).
func (t *Tracker) Serve(ln net.Listener) error {
	for {
		conn, err := ln.Accept()
		if err != nil {
			return err
		}
		go t.handleConn(conn)
	}
}

func (t *Tracker) handleConn(conn net.Conn) {
	defer conn.Close()

	msg, err := wire.ReadFrame(conn)
	if err != nil {
		t.log.Debug("failed to read tracker task", "error", err)
		return
	}

	switch task := msg.(type) {
	case wire.TopologyGetter:
		t.respond(conn, t.Topology().Subset(task.Filter))
	case wire.NetworkGetter:
		t.respond(conn, t.Topology())
	case wire.Register:
		t.register(conn, task)
	case wire.Unregister:
		t.unregister(task.Server)
	default:
		t.log.Warn("unexpected tracker task type", "type", fmt.Sprintf("%T", msg))
	}
}

func (t *Tracker) respond(conn net.Conn, topo topology.Topology) {
	resp := wire.TrackerResponse{Topology: topo, ReportingAddress: t.reportingAddr}
	if err := wire.WriteFrame(conn, resp); err != nil {
		t.log.Debug("failed to write tracker response", "error", err)
	}
}

// register adds (server, filter) and then blocks reading the same
// connection: an EOF or error is treated as a connection-error removal
// of the server, per spec.md §4.7.
func (t *Tracker) register(conn net.Conn, task wire.Register) {
	t.mu.Lock()
	t.topo = t.topo.Register(task.Server, task.Filter)
	t.mu.Unlock()

	t.log.Info("server registered", "server", task.Server, "filter", task.Filter)
	t.respond(conn, t.Topology())

	for {
		msg, err := wire.ReadFrame(conn)
		if err != nil {
			t.unregister(task.Server)
			return
		}
		if u, ok := msg.(wire.Unregister); ok && u.Server == task.Server {
			t.unregister(task.Server)
			return
		}
	}
}

func (t *Tracker) unregister(server topology.ServerAddress) {
	t.mu.Lock()
	t.topo = t.topo.Unregister(server)
	t.mu.Unlock()
	t.log.Info("server unregistered", "server", server)
}

// RegisterClient is the client-side half of Register: it dials the
// tracker, registers (server, f), and holds the connection open,
// returning it so the caller can later send Unregister or simply close
// it to deregister.
func RegisterClient(addr string, server topology.ServerAddress, f filter.Filter) (net.Conn, error) {
	conn, err := net.DialTimeout("tcp", addr, config.Load().TrackerDialTimeout)
	if err != nil {
		return nil, fmt.Errorf("tracker: dial %s: %w", addr, err)
	}
	if err := wire.WriteFrame(conn, wire.Register{Server: server, Filter: f}); err != nil {
		conn.Close()
		return nil, fmt.Errorf("tracker: send Register: %w", err)
	}
	if _, err := wire.ReadFrame(conn); err != nil {
		conn.Close()
		return nil, fmt.Errorf("tracker: read Register ack: %w", err)
	}
	return conn, nil
}

// GetTopology is the client-side half of a TopologyGetter/NetworkGetter
// round trip. If f is filter.EVERYTHING, a NetworkGetter is sent instead
// so the tracker returns its full topology rather than a subset.
func GetTopology(addr string, localServer topology.ServerAddress, f filter.Filter) (wire.TrackerResponse, error) {
	conn, err := net.DialTimeout("tcp", addr, config.Load().TrackerDialTimeout)
	if err != nil {
		return wire.TrackerResponse{}, fmt.Errorf("tracker: dial %s: %w", addr, err)
	}
	defer conn.Close()

	var req any
	if f.Equal(filter.EVERYTHING) {
		req = wire.NetworkGetter{Filter: f, LocalServer: localServer}
	} else {
		req = wire.TopologyGetter{Filter: f, LocalServer: localServer}
	}
	if err := wire.WriteFrame(conn, req); err != nil {
		return wire.TrackerResponse{}, fmt.Errorf("tracker: send getter: %w", err)
	}

	msg, err := wire.ReadFrame(conn)
	if err != nil {
		return wire.TrackerResponse{}, fmt.Errorf("tracker: read response: %w", err)
	}
	resp, ok := msg.(wire.TrackerResponse)
	if !ok {
		return wire.TrackerResponse{}, fmt.Errorf("tracker: unexpected response type %T", msg)
	}
	return resp, nil
}
