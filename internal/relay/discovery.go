package relay

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/grandcat/zeroconf"
)

// Service identification for peer discovery.
const (
	ServiceType   = "_scanrelay._tcp"
	ServiceDomain = "local."
)

// Peer is one advertised scan-capable host.
type Peer struct {
	Name string
	Addr string // host:port
}

// Browser maintains a live, de-duplicated set of advertised peers.
// Peers are keyed by instance name; a goodbye announcement (TTL 0)
// removes the peer from the set.
type Browser struct {
	mu       sync.Mutex
	peers    map[string]Peer
	onUpdate func([]Peer)
}

// Browse starts continuous peer discovery. onUpdate, when non-nil, is
// invoked with the full sorted peer list after every change. Browsing
// stops when ctx is cancelled.
func Browse(ctx context.Context, onUpdate func([]Peer)) (*Browser, error) {
	resolver, err := zeroconf.NewResolver(nil)
	if err != nil {
		return nil, fmt.Errorf("mDNS resolver: %w", err)
	}

	b := &Browser{peers: make(map[string]Peer), onUpdate: onUpdate}
	entries := make(chan *zeroconf.ServiceEntry)
	go b.loop(entries)

	if err := resolver.Browse(ctx, ServiceType, ServiceDomain, entries); err != nil {
		return nil, fmt.Errorf("mDNS browse: %w", err)
	}
	slog.Info("peer discovery started", "service", ServiceType)
	return b, nil
}

func (b *Browser) loop(entries <-chan *zeroconf.ServiceEntry) {
	for entry := range entries {
		b.mu.Lock()
		if entry.TTL == 0 {
			delete(b.peers, entry.Instance)
			slog.Debug("peer disappeared", "name", entry.Instance)
		} else if addr := entryAddr(entry); addr != "" {
			b.peers[entry.Instance] = Peer{Name: entry.Instance, Addr: addr}
			slog.Debug("peer discovered", "name", entry.Instance, "addr", addr)
		}
		update := b.onUpdate
		b.mu.Unlock()
		if update != nil {
			update(b.Peers())
		}
	}
}

func entryAddr(entry *zeroconf.ServiceEntry) string {
	if len(entry.AddrIPv4) > 0 {
		return net.JoinHostPort(entry.AddrIPv4[0].String(), strconv.Itoa(entry.Port))
	}
	if len(entry.AddrIPv6) > 0 {
		return net.JoinHostPort(entry.AddrIPv6[0].String(), strconv.Itoa(entry.Port))
	}
	return ""
}

// Peers returns the current peer set, sorted by name.
func (b *Browser) Peers() []Peer {
	b.mu.Lock()
	defer b.mu.Unlock()
	list := make([]Peer, 0, len(b.peers))
	for _, p := range b.peers {
		list = append(list, p)
	}
	sort.Slice(list, func(i, j int) bool { return list[i].Name < list[j].Name })
	return list
}

// FindPeer browses until a peer appears or the timeout elapses.
func FindPeer(ctx context.Context, timeout time.Duration) (Peer, error) {
	if timeout == 0 {
		timeout = 10 * time.Second
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	found := make(chan Peer, 1)
	_, err := Browse(ctx, func(peers []Peer) {
		if len(peers) > 0 {
			select {
			case found <- peers[0]:
			default:
			}
		}
	})
	if err != nil {
		return Peer{}, err
	}

	select {
	case p := <-found:
		return p, nil
	case <-ctx.Done():
		return Peer{}, fmt.Errorf("no scan peer found within %s", timeout)
	}
}
