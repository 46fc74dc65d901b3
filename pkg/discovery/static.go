package discovery

import (
	"context"
	"fmt"
	"strings"

	"replsync/pkg/dberrors"
)

// Static is a fixed peer list from configuration.
type Static struct {
	peers []Peer
}

// ParseStatic reads entries of the form "name=host:port". A bare "host:port"
// uses the address as the name.
func ParseStatic(self string, entries []string) (*Static, error) {
	peers := make([]Peer, 0, len(entries))
	for _, e := range entries {
		e = strings.TrimSpace(e)
		if e == "" {
			continue
		}
		name, addr, ok := strings.Cut(e, "=")
		if !ok {
			name, addr = e, e
		}
		if name == "" || addr == "" {
			return nil, fmt.Errorf("peer %q: %w", e, dberrors.ErrInvalidArgument)
		}
		peers = append(peers, Peer{Name: name, Addr: addr})
	}
	return &Static{peers: normalize(peers, self)}, nil
}

func (s *Static) Peers() []Peer {
	return append([]Peer(nil), s.peers...)
}

func (s *Static) Run(ctx context.Context, update func([]Peer)) error {
	update(s.Peers())
	<-ctx.Done()
	return nil
}

func (s *Static) Close() error { return nil }
