// Package topology implements Topology: the bidirectional map between
// Filters and the servers that can satisfy them, plus the "best server"
// selection heuristic.
package topology

import (
	"bytes"
	"encoding/gob"
	"math/rand/v2"
	"net/netip"
	"sort"

	"github.com/unidata/sruth/internal/filter"
)

// ServerAddress identifies a node reachable for data exchange.
type ServerAddress = netip.AddrPort

// Topology is immutable once returned from the tracker; mutation methods
// return a new Topology rather than modifying the receiver, so that a
// copy handed to one caller is unaffected by another's Remove.
type Topology struct {
	// serverFilters maps each server to every filter it has registered.
	serverFilters map[ServerAddress][]filter.Filter
}

// Empty returns a Topology with no servers.
func Empty() Topology {
	return Topology{serverFilters: make(map[ServerAddress][]filter.Filter)}
}

// Register returns a new Topology with (server, f) added.
func (t Topology) Register(server ServerAddress, f filter.Filter) Topology {
	out := t.copy()
	for _, existing := range out.serverFilters[server] {
		if existing.Equal(f) {
			return out
		}
	}
	out.serverFilters[server] = append(out.serverFilters[server], f)
	return out
}

// Unregister returns a new Topology with server removed entirely. Any
// filter that no longer has any server attached is implicitly gone, since
// the map is keyed by server.
func (t Topology) Unregister(server ServerAddress) Topology {
	out := t.copy()
	delete(out.serverFilters, server)
	return out
}

// copy returns a deep-enough copy that mutating the result never affects
// t: Topology snapshots are immutable once returned from the tracker.
func (t Topology) copy() Topology {
	out := Empty()
	for server, filters := range t.serverFilters {
		out.serverFilters[server] = append([]filter.Filter(nil), filters...)
	}
	return out
}

// GobEncode/GobDecode let Topology cross the wire as a tracker response
// despite its unexported field.
func (t Topology) GobEncode() ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(t.serverFilters); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func (t *Topology) GobDecode(data []byte) error {
	t.serverFilters = make(map[ServerAddress][]filter.Filter)
	return gob.NewDecoder(bytes.NewReader(data)).Decode(&t.serverFilters)
}

// Servers returns every server currently registered.
func (t Topology) Servers() []ServerAddress {
	out := make([]ServerAddress, 0, len(t.serverFilters))
	for s := range t.serverFilters {
		out = append(out, s)
	}
	return out
}

// FiltersFor returns the filters server has registered.
func (t Topology) FiltersFor(server ServerAddress) []filter.Filter {
	return append([]filter.Filter(nil), t.serverFilters[server]...)
}

// Subset returns the sub-topology whose every server can satisfy at
// least f: some filter registered by that server includes f.
func (t Topology) Subset(f filter.Filter) Topology {
	out := Empty()
	for server, filters := range t.serverFilters {
		for _, sf := range filters {
			if sf.Includes(f) {
				out.serverFilters[server] = append(out.serverFilters[server], sf)
				break
			}
		}
	}
	return out
}

// GetBestServer picks, among servers that can satisfy f, the one whose
// most-narrow includer is smallest in the filter order (the least
// over-eager upstream that can still serve f). Ties are broken uniformly
// at random. Returns false if no server can satisfy f.
func (t Topology) GetBestServer(f filter.Filter) (ServerAddress, bool) {
	type candidate struct {
		server  ServerAddress
		includer filter.Filter
	}

	var best []candidate
	for server, filters := range t.serverFilters {
		var narrowest *filter.Filter
		for i := range filters {
			if !filters[i].Includes(f) {
				continue
			}
			if narrowest != nil && narrowest.Less(filters[i]) {
				continue
			}
			c := filters[i]
			narrowest = &c
		}
		if narrowest == nil {
			continue
		}
		best = append(best, candidate{server: server, includer: *narrowest})
	}

	if len(best) == 0 {
		return ServerAddress{}, false
	}

	sort.Slice(best, func(i, j int) bool { return best[i].includer.Less(best[j].includer) })
	smallest := best[0].includer

	var tied []ServerAddress
	for _, c := range best {
		if c.includer.Equal(smallest) {
			tied = append(tied, c.server)
		}
	}

	return tied[rand.IntN(len(tied))], true
}
