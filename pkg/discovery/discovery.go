// Package discovery finds the peers a node syncs with.
package discovery

import (
	"context"
	"slices"
	"strings"
)

// Peer is another node: its unique name and the host:port of its HTTP server.
type Peer struct {
	Name string
	Addr string
}

// Source reports the live peer set. Run calls update with the full set every
// time it changes and blocks until ctx is done.
type Source interface {
	Run(ctx context.Context, update func([]Peer)) error
	Close() error
}

// Diff returns the peers only in next and the peers only in prev. Peers are
// matched by name; an address change shows up as a removal plus an addition.
func Diff(prev, next []Peer) (added, removed []Peer) {
	old := make(map[string]Peer, len(prev))
	for _, p := range prev {
		old[p.Name] = p
	}
	cur := make(map[string]Peer, len(next))
	for _, p := range next {
		cur[p.Name] = p
	}

	for _, p := range next {
		if o, ok := old[p.Name]; !ok || o.Addr != p.Addr {
			added = append(added, p)
		}
	}
	for _, p := range prev {
		if c, ok := cur[p.Name]; !ok || c.Addr != p.Addr {
			removed = append(removed, p)
		}
	}
	return added, removed
}

// normalize sorts peers by name, drops self and duplicate names.
func normalize(peers []Peer, self string) []Peer {
	out := make([]Peer, 0, len(peers))
	seen := make(map[string]struct{}, len(peers))
	for _, p := range peers {
		if p.Name == "" || p.Name == self {
			continue
		}
		if _, dup := seen[p.Name]; dup {
			continue
		}
		seen[p.Name] = struct{}{}
		out = append(out, p)
	}
	slices.SortFunc(out, func(a, b Peer) int { return strings.Compare(a.Name, b.Name) })
	return out
}

func samePeers(a, b []Peer) bool {
	return slices.Equal(a, b)
}
