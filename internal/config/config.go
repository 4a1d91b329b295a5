// Package config holds Sruth's process-wide, atomically-swappable
// configuration.
package config

import (
	"sync/atomic"
	"time"
)

// Config is the process-wide knob set. Treat values obtained from Load as
// read-only; mutate via Update or Swap.
type Config struct {
	// ========== Piece layout ==========

	// PieceSize is the default piece size for new local files. No component
	// in this repository reads it: every FileInfo carries its own PieceSize.
	PieceSize int32

	// ========== Connection / handshake ==========

	// HandshakeTimeout bounds how long a Connection may wait for all
	// three sockets to arrive (server side) or be dialed (client side).
	HandshakeTimeout time.Duration

	// SteadyStateReadTimeout is a deadline for steady-state stream reads;
	// zero means no deadline. No component applies it: steady-state reads
	// carry no deadline and are ended by closing the Connection.
	SteadyStateReadTimeout time.Duration

	// ========== ClearingHouse ==========

	// PeerSendQueueDepth bounds each per-peer outbound queue when a
	// SinkNode's own Config leaves PeerSendQueue unset; producers block
	// when full.
	PeerSendQueueDepth int

	// CompletionQueueDepth bounds the archive's completion-event channel
	// when a SinkNode's archive Config leaves CompletionQueueSize unset.
	CompletionQueueDepth int

	// ========== Reconnect backoff ==========

	// MinReconnectBackoff and MaxReconnectBackoff bound ClientManager's
	// exponential backoff for outbound connection retries.
	MinReconnectBackoff time.Duration
	MaxReconnectBackoff time.Duration

	// ProtocolViolationCooldown is how long ClientManager avoids
	// reconnecting to a peer after it committed a protocol violation.
	ProtocolViolationCooldown time.Duration

	// ========== Tracker ==========

	// TrackerDialTimeout bounds a TrackerProxy's connection to the
	// tracker for a getter/registration round-trip.
	TrackerDialTimeout time.Duration

	// TopologyFileRefreshDebounce bounds how often TrackerProxy re-reads
	// the distributed topology file in response to fsnotify events,
	// collapsing bursts of writes.
	TopologyFileRefreshDebounce time.Duration

	// TopologyResyncInterval is how often SinkNode re-derives its set of
	// ClientManagers from the TrackerProxy's cached topology, picking up
	// servers added or removed between fsnotify-triggered file reloads.
	TopologyResyncInterval time.Duration

	// TTLSweepInterval is how often SinkNode drains the Archive's
	// scheduled-removal delay queue for entries whose deadline has passed.
	TTLSweepInterval time.Duration
}

func defaultConfig() Config {
	return Config{
		PieceSize:                   256 * 1024,
		HandshakeTimeout:            30 * time.Second,
		SteadyStateReadTimeout:      0,
		PeerSendQueueDepth:          256,
		CompletionQueueDepth:        64,
		MinReconnectBackoff:         1 * time.Second,
		MaxReconnectBackoff:         60 * time.Second,
		ProtocolViolationCooldown:   2 * time.Minute,
		TrackerDialTimeout:          10 * time.Second,
		TopologyFileRefreshDebounce: 500 * time.Millisecond,
		TopologyResyncInterval:     30 * time.Second,
		TTLSweepInterval:           1 * time.Minute,
	}
}

var current atomic.Value

// Init resets the global config to its defaults. Call once at startup.
func Init() {
	c := defaultConfig()
	current.Store(&c)
}

// Load returns the current config. Treat the result as read-only.
func Load() *Config {
	c, _ := current.Load().(*Config)
	if c == nil {
		Init()
		c = current.Load().(*Config)
	}
	return c
}

// Update applies mut to a copy of the current config and atomically
// swaps it in.
func Update(mut func(*Config)) *Config {
	next := *Load()
	mut(&next)
	current.Store(&next)
	return &next
}

// Swap atomically replaces the global config with next.
func Swap(next Config) *Config {
	current.Store(&next)
	return &next
}
