// Package dhtclient adapts github.com/nictuku/dht's process-singleton DHT
// node to the dhtdiscovery.Client interface: a synchronous, per-query
// view over the library's asynchronous PeersRequest/PeersRequestResults
// channel pair.
package dhtclient

import (
	"context"
	"net"
	"sync"

	nictukudht "github.com/nictuku/dht"

	"github.com/cenkalti/peerengine/internal/logger"
	"github.com/cenkalti/peerengine/internal/tracker"
)

// Client wraps a single, shared *nictukudht.DHT for use by every torrent's
// dhtdiscovery.Driver loop.
type Client struct {
	node *nictukudht.DHT
	log  logger.Logger

	mu      sync.Mutex
	waiters map[nictukudht.InfoHash][]chan []string
}

// New starts the demux goroutine over node's PeersRequestResults channel
// and returns a ready Client. node.Run must already have been started by
// the caller (it is a process singleton, owned outside this package).
func New(node *nictukudht.DHT) *Client {
	c := &Client{
		node:    node,
		log:     logger.New("dhtclient"),
		waiters: make(map[nictukudht.InfoHash][]chan []string),
	}
	go c.demux()
	return c
}

// demux fans each PeersRequestResults delivery out to every goroutine
// currently waiting on that infohash; nictuku/dht serves one shared
// channel for the whole process, so this is the only consumer of it.
func (c *Client) demux() {
	for res := range c.node.PeersRequestResults {
		for ih, peers := range res {
			c.mu.Lock()
			chs := c.waiters[ih]
			delete(c.waiters, ih)
			c.mu.Unlock()
			for _, ch := range chs {
				select {
				case ch <- peers:
				default:
				}
			}
		}
	}
}

// NodeCount reports the DHT routing table's current node count, used by
// dhtdiscovery's bootstrap gate.
func (c *Client) NodeCount() int {
	return c.node.NumNodes()
}

// GetPeers issues one PeersRequest for infoHash and blocks until a result
// arrives or ctx is done. alpha/k/maxDepth are accepted for interface
// symmetry with dhtdiscovery.Client; nictuku/dht does not expose
// per-query shape control, so they are ignored. The second result is the
// routing table's node count, reported as the number of nodes queried.
func (c *Client) GetPeers(ctx context.Context, infoHash [20]byte, maxPeers, alpha, k, maxDepth int) ([]tracker.PeerEndpoint, int, error) {
	ih := nictukudht.InfoHash(infoHash[:])
	ch := make(chan []string, 1)
	c.mu.Lock()
	c.waiters[ih] = append(c.waiters[ih], ch)
	c.mu.Unlock()

	c.node.PeersRequest(string(ih), true)

	select {
	case raw := <-ch:
		return decodePeers(raw, maxPeers), c.node.NumNodes(), nil
	case <-ctx.Done():
		c.mu.Lock()
		chs := c.waiters[ih]
		for i, existing := range chs {
			if existing == ch {
				c.waiters[ih] = append(chs[:i], chs[i+1:]...)
				break
			}
		}
		c.mu.Unlock()
		return nil, c.node.NumNodes(), ctx.Err()
	}
}

// decodePeers turns nictuku/dht's compact 6-byte peer strings into
// PeerEndpoints, capped to maxPeers.
func decodePeers(raw []string, maxPeers int) []tracker.PeerEndpoint {
	out := make([]tracker.PeerEndpoint, 0, len(raw))
	for _, s := range raw {
		if len(s) != 6 {
			continue
		}
		ip := net.IPv4(s[0], s[1], s[2], s[3])
		port := int(s[4])<<8 | int(s[5])
		if port < 1 || port > 65535 {
			continue
		}
		out = append(out, tracker.PeerEndpoint{IP: ip, Port: port, Source: tracker.SourceDHT})
		if maxPeers > 0 && len(out) >= maxPeers {
			break
		}
	}
	return out
}
