package wire

import (
	"context"
	"crypto/rand"
	"encoding/binary"
	"fmt"
	"log/slog"
	"net"
	"net/netip"
	"sync"
	"time"

	"github.com/unidata/sruth/internal/topology"
)

// DefaultHandshakeTimeout is the Coalescer's default bound on how long a
// connection may wait for all three sockets to arrive at the server
// before being discarded. Dial itself is bounded only by its ctx.
const DefaultHandshakeTimeout = 30 * time.Second

// streamCount is the fixed, protocol-defined number of sockets per
// logical connection: notice, request, data.
const streamCount = 3

// Stream is one of a Connection's independent sockets. Each stream has
// its own send lock; reads are expected to happen from a single owning
// goroutine per stream.
type Stream struct {
	conn   net.Conn
	sendMu sync.Mutex
}

func newStream(conn net.Conn) *Stream { return &Stream{conn: conn} }

// Send serializes and writes msg, holding the stream's send lock for the
// duration.
func (s *Stream) Send(msg any) error {
	s.sendMu.Lock()
	defer s.sendMu.Unlock()
	return WriteFrame(s.conn, msg)
}

// Recv blocks for the next frame on this stream.
func (s *Stream) Recv() (any, error) { return ReadFrame(s.conn) }

// Close closes the underlying socket, unblocking any in-flight Recv.
func (s *Stream) Close() error { return s.conn.Close() }

// Connection is a logical connection: three streams sharing one
// ConnectionId. Messages within one stream arrive in send order; no
// ordering is guaranteed across streams.
type Connection struct {
	Id      ConnectionId
	Notice  *Stream
	Request *Stream
	Data    *Stream
}

// Close closes every stream.
func (c *Connection) Close() error {
	var firstErr error
	for _, s := range []*Stream{c.Notice, c.Request, c.Data} {
		if err := s.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// NewNonce generates a random nonce for a client-originated ConnectionId.
func NewNonce() (uint64, error) {
	var buf [8]byte
	if _, err := rand.Read(buf[:]); err != nil {
		return 0, fmt.Errorf("wire: generate nonce: %w", err)
	}
	return binary.BigEndian.Uint64(buf[:]), nil
}

// Dial opens all three sockets to remote, sending id first on each so the
// server side can coalesce them. Socket order determines stream role:
// notice, then request, then data.
func Dial(ctx context.Context, remote string, id ConnectionId) (*Connection, error) {
	var dialer net.Dialer

	conns := make([]net.Conn, 0, streamCount)
	for i := 0; i < streamCount; i++ {
		conn, err := dialer.DialContext(ctx, "tcp", remote)
		if err != nil {
			for _, c := range conns {
				c.Close()
			}
			return nil, fmt.Errorf("wire: dial socket %d of %s: %w", i, remote, err)
		}
		if err := WriteFrame(conn, id); err != nil {
			conn.Close()
			for _, c := range conns {
				c.Close()
			}
			return nil, fmt.Errorf("wire: send ConnectionId on socket %d: %w", i, err)
		}
		conns = append(conns, conn)
	}

	return &Connection{
		Id:      id,
		Notice:  newStream(conns[0]),
		Request: newStream(conns[1]),
		Data:    newStream(conns[2]),
	}, nil
}

// pendingConnection accumulates sockets for one ConnectionId on the
// server side until all three have arrived or the handshake timeout
// expires.
type pendingConnection struct {
	sockets [streamCount]net.Conn
	filled  int
	timer   *time.Timer
}

// Coalescer is the server-side accumulator that turns individually
// accepted sockets, each prefixed with a ConnectionId, into complete
// Connections.
type Coalescer struct {
	log     *slog.Logger
	timeout time.Duration

	mu      sync.Mutex
	pending map[ConnectionId]*pendingConnection

	ready chan *Connection
}

// NewCoalescer returns a Coalescer with the given handshake timeout (zero
// means DefaultHandshakeTimeout) and a buffered channel of completed
// connections.
func NewCoalescer(timeout time.Duration, log *slog.Logger) *Coalescer {
	if timeout <= 0 {
		timeout = DefaultHandshakeTimeout
	}
	if log == nil {
		log = slog.Default()
	}
	return &Coalescer{
		log:     log.With("component", "wire.coalescer"),
		timeout: timeout,
		pending: make(map[ConnectionId]*pendingConnection),
		ready:   make(chan *Connection, 16),
	}
}

// Ready returns the channel of fully coalesced connections.
func (c *Coalescer) Ready() <-chan *Connection { return c.ready }

// Accept reads a ConnectionId from a freshly-accepted socket and files it
// under its logical connection, emitting on Ready once all three sockets
// have arrived.
func (c *Coalescer) Accept(conn net.Conn) error {
	conn.SetReadDeadline(time.Now().Add(c.timeout))
	msg, err := ReadFrame(conn)
	if err != nil {
		conn.Close()
		return fmt.Errorf("wire: read ConnectionId: %w", err)
	}
	conn.SetReadDeadline(time.Time{})

	id, ok := msg.(ConnectionId)
	if !ok {
		conn.Close()
		return fmt.Errorf("wire: expected ConnectionId, got %T", msg)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	p, exists := c.pending[id]
	if !exists {
		p = &pendingConnection{}
		p.timer = time.AfterFunc(c.timeout, func() { c.discard(id) })
		c.pending[id] = p
	}

	p.sockets[p.filled] = conn
	p.filled++

	if p.filled < streamCount {
		return nil
	}

	p.timer.Stop()
	delete(c.pending, id)

	conn0 := &Connection{
		Id:      id,
		Notice:  newStream(p.sockets[0]),
		Request: newStream(p.sockets[1]),
		Data:    newStream(p.sockets[2]),
	}
	c.ready <- conn0
	return nil
}

// discard closes and drops a connection id's sockets after the handshake
// timeout elapses with fewer than three sockets received.
func (c *Coalescer) discard(id ConnectionId) {
	c.mu.Lock()
	p, exists := c.pending[id]
	if exists {
		delete(c.pending, id)
	}
	c.mu.Unlock()

	if !exists {
		return
	}
	c.log.Warn("discarding partial connection", "connection_id", id, "sockets_received", p.filled)
	for i := 0; i < p.filled; i++ {
		p.sockets[i].Close()
	}
}

// LocalServerAddress formats a net.Listener's address as a
// topology.ServerAddress, for constructing outbound ConnectionIds.
func LocalServerAddress(addr net.Addr) (topology.ServerAddress, error) {
	tcpAddr, ok := addr.(*net.TCPAddr)
	if !ok {
		return topology.ServerAddress{}, fmt.Errorf("wire: unsupported address type %T", addr)
	}
	addr, ok := netip.AddrFromSlice(tcpAddr.IP)
	if !ok {
		return topology.ServerAddress{}, fmt.Errorf("wire: invalid address %v", tcpAddr)
	}
	return netip.AddrPortFrom(addr.Unmap(), uint16(tcpAddr.Port)), nil
}
