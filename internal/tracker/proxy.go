package tracker

import (
	"encoding/gob"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/unidata/sruth/internal/config"
	"github.com/unidata/sruth/internal/filter"
	"github.com/unidata/sruth/internal/topology"
)

// Proxy is TrackerProxy: a client-side cache that returns the last known
// topology without a network round trip, refreshing on explicit
// invalidation or when the distributed topology file is newer.
type Proxy struct {
	log              *slog.Logger
	trackerAddr      string
	localServer      topology.ServerAddress
	topologyFilePath string

	mu      sync.RWMutex
	topo    topology.Topology
	haveAny bool

	watcher *fsnotify.Watcher
}

// NewProxy returns a Proxy that talks to the tracker at trackerAddr and
// falls back to the topology file at topologyFilePath (conventionally
// "<rootDir>/admin/<host>:<port>/FilterServerMap") when the tracker is
// unreachable.
func NewProxy(trackerAddr string, localServer topology.ServerAddress, topologyFilePath string, log *slog.Logger) *Proxy {
	if log == nil {
		log = slog.Default()
	}
	return &Proxy{
		log:              log.With("component", "tracker.proxy"),
		trackerAddr:      trackerAddr,
		localServer:      localServer,
		topologyFilePath: topologyFilePath,
	}
}

// Topology returns the last known topology without a network round trip.
func (p *Proxy) Topology() (topology.Topology, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.topo, p.haveAny
}

// Refresh performs an explicit-invalidation refresh: contact the
// tracker, and on failure fall back to the distributed topology file.
func (p *Proxy) Refresh(f filter.Filter) error {
	resp, err := GetTopology(p.trackerAddr, p.localServer, f)
	if err == nil {
		p.set(resp.Topology)
		return nil
	}
	p.log.Warn("tracker unreachable, falling back to topology file", "error", err)

	topo, ferr := loadTopologyFile(p.topologyFilePath)
	if ferr != nil {
		return fmt.Errorf("tracker: both tracker and topology file unavailable: %w", ferr)
	}
	p.set(topo)
	return nil
}

func (p *Proxy) set(topo topology.Topology) {
	p.mu.Lock()
	p.topo = topo
	p.haveAny = true
	p.mu.Unlock()
}

// WatchTopologyFile watches the distributed topology file for changes,
// refreshing the cache from it whenever it is rewritten, without
// re-contacting the tracker. The returned stop function releases the
// watch.
func (p *Proxy) WatchTopologyFile() (stop func(), err error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("tracker: create watcher: %w", err)
	}
	if err := watcher.Add(p.topologyFilePath); err != nil {
		watcher.Close()
		return nil, fmt.Errorf("tracker: watch %s: %w", p.topologyFilePath, err)
	}
	p.watcher = watcher

	done := make(chan struct{})
	go func() {
		var debounce *time.Timer
		for {
			select {
			case ev, ok := <-watcher.Events:
				if !ok {
					return
				}
				if ev.Op&(fsnotify.Write|fsnotify.Create) == 0 {
					continue
				}
				if debounce != nil {
					debounce.Stop()
				}
				debounce = time.AfterFunc(config.Load().TopologyFileRefreshDebounce, func() {
					topo, err := loadTopologyFile(p.topologyFilePath)
					if err != nil {
						p.log.Warn("failed to reload topology file", "error", err)
						return
					}
					p.set(topo)
				})
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				p.log.Warn("topology file watch error", "error", err)
			case <-done:
				return
			}
		}
	}()

	return func() {
		close(done)
		watcher.Close()
	}, nil
}

// WriteTopologyFile durably writes topo to path, the distributed
// topology snapshot source-side publishers periodically write.
func WriteTopologyFile(path string, topo topology.Topology) error {
	f, err := os.CreateTemp(filepath.Dir(path), ".FilterServerMap-*")
	if err != nil {
		return fmt.Errorf("tracker: create temp topology file: %w", err)
	}
	if err := gob.NewEncoder(f).Encode(topo); err != nil {
		f.Close()
		os.Remove(f.Name())
		return fmt.Errorf("tracker: encode topology file: %w", err)
	}
	if err := f.Close(); err != nil {
		os.Remove(f.Name())
		return fmt.Errorf("tracker: close topology file: %w", err)
	}
	if err := os.Rename(f.Name(), path); err != nil {
		os.Remove(f.Name())
		return fmt.Errorf("tracker: rename topology file: %w", err)
	}
	return nil
}

func loadTopologyFile(path string) (topology.Topology, error) {
	f, err := os.Open(path)
	if err != nil {
		return topology.Topology{}, fmt.Errorf("tracker: open topology file %s: %w", path, err)
	}
	defer f.Close()

	var topo topology.Topology
	if err := gob.NewDecoder(f).Decode(&topo); err != nil {
		return topology.Topology{}, fmt.Errorf("tracker: decode topology file %s: %w", path, err)
	}
	return topo, nil
}
