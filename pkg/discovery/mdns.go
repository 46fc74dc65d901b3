package discovery

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/grandcat/zeroconf"
)

const (
	DefaultService = "_replsync._tcp"
	mdnsDomain     = "local."
	nameTXT        = "name="

	defaultBrowseWindow = 3 * time.Second
	defaultRefresh      = 30 * time.Second
)

// MDNS announces the node on the local network and browses for others
// announcing the same service.
type MDNS struct {
	service string
	self    Peer
	port    int
	log     *slog.Logger
	refresh time.Duration

	server *zeroconf.Server
}

func NewMDNS(service string, self Peer, port int, log *slog.Logger) *MDNS {
	if service == "" {
		service = DefaultService
	}
	if log == nil {
		log = slog.Default()
	}
	return &MDNS{
		service: service,
		self:    self,
		port:    port,
		log:     log.With("discovery", "mdns"),
		refresh: defaultRefresh,
	}
}

// Register announces this node. The instance name carries the node name in
// a TXT record since instance names may be rewritten on collisions.
func (m *MDNS) Register() error {
	server, err := zeroconf.Register(
		"replsync-"+m.self.Name,
		m.service,
		mdnsDomain,
		m.port,
		[]string{nameTXT + m.self.Name},
		nil,
	)
	if err != nil {
		return fmt.Errorf("register mdns service: %w", err)
	}
	m.server = server
	m.log.Info("mdns service registered", "service", m.service, "port", m.port)
	return nil
}

func (m *MDNS) Close() error {
	if m.server != nil {
		m.server.Shutdown()
		m.server = nil
	}
	return nil
}

// Run browses once per refresh interval and reports the set when it changes.
func (m *MDNS) Run(ctx context.Context, update func([]Peer)) error {
	var last []Peer
	first := true
	ticker := time.NewTicker(m.refresh)
	defer ticker.Stop()

	for {
		peers, err := m.browse(ctx)
		if err != nil {
			m.log.Warn("mdns browse failed", "error", err)
		} else if first || !samePeers(last, peers) {
			update(peers)
			last, first = peers, false
		}

		select {
		case <-ticker.C:
		case <-ctx.Done():
			return nil
		}
	}
}

func (m *MDNS) browse(ctx context.Context) ([]Peer, error) {
	resolver, err := zeroconf.NewResolver(nil)
	if err != nil {
		return nil, fmt.Errorf("init mdns resolver: %w", err)
	}

	browseCtx, cancel := context.WithTimeout(ctx, defaultBrowseWindow)
	defer cancel()

	entries := make(chan *zeroconf.ServiceEntry)
	collected := make(chan []Peer, 1)
	go func() {
		var peers []Peer
		for {
			select {
			case e, ok := <-entries:
				if !ok {
					collected <- peers
					return
				}
				if p, ok := entryPeer(e); ok {
					peers = append(peers, p)
				}
			case <-browseCtx.Done():
				collected <- peers
				return
			}
		}
	}()

	if err := resolver.Browse(browseCtx, m.service, mdnsDomain, entries); err != nil {
		cancel()
		<-collected
		return nil, fmt.Errorf("browse %s: %w", m.service, err)
	}
	<-browseCtx.Done()
	return normalize(<-collected, m.self.Name), nil
}

// entryPeer turns an announcement into a peer. Entries without a name or an
// address are skipped.
func entryPeer(e *zeroconf.ServiceEntry) (Peer, bool) {
	if e == nil {
		return Peer{}, false
	}
	var name string
	for _, txt := range e.Text {
		if v, ok := strings.CutPrefix(txt, nameTXT); ok {
			name = v
		}
	}
	if name == "" || e.Port == 0 {
		return Peer{}, false
	}

	var ip net.IP
	switch {
	case len(e.AddrIPv4) > 0:
		ip = e.AddrIPv4[0]
	case len(e.AddrIPv6) > 0:
		ip = e.AddrIPv6[0]
	default:
		return Peer{}, false
	}
	return Peer{Name: name, Addr: net.JoinHostPort(ip.String(), strconv.Itoa(e.Port))}, true
}
