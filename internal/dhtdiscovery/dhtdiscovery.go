// Package dhtdiscovery drives a shared Kademlia DHT client on behalf of
// many torrents: bootstrap gating, a minimum-peer gate, query pacing with
// backoff, adaptive α/k/max_depth selection, and per-infohash callback
// dispatch with dedup and queueing.
package dhtdiscovery

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/cenkalti/peerengine/internal/config"
	"github.com/cenkalti/peerengine/internal/eventbus"
	"github.com/cenkalti/peerengine/internal/logger"
	"github.com/cenkalti/peerengine/internal/tracker"
)

// Client abstracts the reusable Kademlia client (github.com/nictuku/dht in
// production) so the driver's pacing/gating logic is testable without a
// live DHT network.
type Client interface {
	// NodeCount reports the current routing-table size.
	NodeCount() int
	// GetPeers issues one iterative lookup for infoHash with the given
	// shape parameters, returning discovered peers.
	GetPeers(ctx context.Context, infoHash [20]byte, maxPeers, alpha, k, maxDepth int) ([]tracker.PeerEndpoint, int, error)
}

const (
	bootstrapTimeout    = 120 * time.Second
	minPeerGate         = 50
	minInterQueryDelay  = 15 * time.Second
	baseQueryInterval   = 60 * time.Second
	maxQueryInterval    = 1920 * time.Second
	aggressivePeerRatio = 0.7
	activeDownloadRate  = 1024 // bytes/sec threshold for "actively downloading"
	recentSeenCap       = 2000
	queueRetryDelay     = 500 * time.Millisecond
	queueRetryDeadline  = 2 * time.Second
)

// TorrentHooks lets the driver observe and act on one torrent's state
// without depending on the session package.
type TorrentHooks struct {
	// PeerCount returns the torrent's current connected peer count.
	PeerCount func() int
	// DownloadRateBps returns the torrent's current download rate.
	DownloadRateBps func() float64
	// MaxPeers is the torrent's configured per-torrent peer cap.
	MaxPeers func() int
	// HasPeerManager reports whether the session's PeerManager is ready
	// to accept peers yet.
	HasPeerManager func() bool
	// EnqueuePeers queues peers for later delivery when PeerManager is
	// not yet ready.
	EnqueuePeers func(peers []tracker.PeerEndpoint)
	// DeliverPeers hands newly-discovered, deduped peers to the
	// session's peer-connection path.
	DeliverPeers func(peers []tracker.PeerEndpoint)
	// NeedsMetadata reports whether this torrent is a magnet still
	// missing its info dictionary.
	NeedsMetadata func() bool
	// TriggerMetadataExchange kicks off metadata exchange with newly
	// found peers for a magnet link.
	TriggerMetadataExchange func(peers []tracker.PeerEndpoint)
}

// torrentState is the driver's private bookkeeping for one infohash.
type torrentState struct {
	infoHash [20]byte
	hooks    TorrentHooks

	mu               sync.Mutex
	minPeerGateOpen  bool
	consecutiveFails int
	recentlySeen     map[string]struct{}
	recentOrder      []string

	// queryLimiter enforces the minimum 15s spacing between iterative
	// lookups for this torrent; burst 1 means a query is always allowed
	// immediately after the limiter has had time to refill.
	queryLimiter *rate.Limiter
}

func newTorrentState(infoHash [20]byte, hooks TorrentHooks) *torrentState {
	return &torrentState{
		infoHash:     infoHash,
		hooks:        hooks,
		recentlySeen: make(map[string]struct{}),
		queryLimiter: rate.NewLimiter(rate.Every(minInterQueryDelay), 1),
	}
}

// dedupe filters out peers already seen recently, then records the
// survivors, trimming the oldest half once the rolling set exceeds 2000.
func (ts *torrentState) dedupe(peers []tracker.PeerEndpoint) []tracker.PeerEndpoint {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	var fresh []tracker.PeerEndpoint
	for _, p := range peers {
		key := p.Key()
		if _, ok := ts.recentlySeen[key]; ok {
			continue
		}
		ts.recentlySeen[key] = struct{}{}
		ts.recentOrder = append(ts.recentOrder, key)
		fresh = append(fresh, p)
	}
	if len(ts.recentOrder) > recentSeenCap {
		half := len(ts.recentOrder) / 2
		for _, k := range ts.recentOrder[:half] {
			delete(ts.recentlySeen, k)
		}
		ts.recentOrder = ts.recentOrder[half:]
	}
	return fresh
}

// Driver runs one DHT control loop per registered torrent against a shared
// Client and config-driven mode parameters.
type Driver struct {
	client Client
	cfg    *config.Config
	bus    *eventbus.Bus
	log    logger.Logger

	mu       sync.Mutex
	torrents map[string]*torrentState
}

// New returns a Driver wrapping client, using cfg's DHT mode parameters and
// publishing DhtIterativeLookupComplete events on bus.
func New(client Client, cfg *config.Config, bus *eventbus.Bus) *Driver {
	return &Driver{
		client:   client,
		cfg:      cfg,
		bus:      bus,
		log:      logger.New("dhtdiscovery"),
		torrents: make(map[string]*torrentState),
	}
}

func infoHashKey(ih [20]byte) string { return string(ih[:]) }

// Register adds a torrent to the driver's loop set. Run must be called to
// actually start its goroutine.
func (d *Driver) Register(infoHash [20]byte, hooks TorrentHooks) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.torrents[infoHashKey(infoHash)] = newTorrentState(infoHash, hooks)
}

// Unregister removes a torrent; its Run goroutine exits on its own when ctx
// is canceled by the caller.
func (d *Driver) Unregister(infoHash [20]byte) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.torrents, infoHashKey(infoHash))
}

// Registered reports whether infoHash currently has a callback registered.
// The session's start sequence reads this back after Register to verify
// registration actually stuck before proceeding.
func (d *Driver) Registered(infoHash [20]byte) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	_, ok := d.torrents[infoHashKey(infoHash)]
	return ok
}

// awaitBootstrap waits up to 120s for the routing table to gain nodes.
// Returns (ready, degraded): ready is false only when zero nodes remain
// after the timeout, in which case the caller should sleep and retry.
func (d *Driver) awaitBootstrap(ctx context.Context) (ready, degraded bool) {
	deadline := time.Now().Add(bootstrapTimeout)
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for {
		if d.client.NodeCount() > 0 {
			return true, false
		}
		if time.Now().After(deadline) {
			if d.client.NodeCount() > 0 {
				return true, true
			}
			return false, false
		}
		select {
		case <-ticker.C:
		case <-ctx.Done():
			return false, false
		}
	}
}

// mode picks "normal" or "aggressive" per spec.md's adaptive-parameters
// rule and returns the matching config.DHTParams.
func (d *Driver) mode(hooks TorrentHooks) (name string, params config.DHTParams) {
	peerCount := 0
	if hooks.PeerCount != nil {
		peerCount = hooks.PeerCount()
	}
	maxPeers := 0
	if hooks.MaxPeers != nil {
		maxPeers = hooks.MaxPeers()
	}
	rate := 0.0
	if hooks.DownloadRateBps != nil {
		rate = hooks.DownloadRateBps()
	}
	popular := peerCount >= minPeerGate
	activelyDownloading := rate > activeDownloadRate
	underCap := maxPeers == 0 || float64(peerCount) < aggressivePeerRatio*float64(maxPeers)
	if (popular || activelyDownloading) && underCap {
		return "aggressive", d.cfg.DHTAggressiveParams
	}
	return "normal", d.cfg.DHTNormalParams
}

// queryTimeout implements timeout = min(45 + 0.15*attempts*45, 90) seconds.
func queryTimeout(attempts int) time.Duration {
	s := 45.0 + 0.15*float64(attempts)*45.0
	if s > 90 {
		s = 90
	}
	return time.Duration(s * float64(time.Second))
}

// Run drives one torrent's DHT loop until ctx is canceled: bootstrap gate,
// minimum-peer gate, paced iterative lookups with backoff, callback
// dispatch through dedup/queue/metadata-trigger, and event emission.
func (d *Driver) Run(ctx context.Context, infoHash [20]byte) {
	d.mu.Lock()
	ts, ok := d.torrents[infoHashKey(infoHash)]
	d.mu.Unlock()
	if !ok {
		return
	}

	for {
		ready, _ := d.awaitBootstrap(ctx)
		if ready {
			break
		}
		select {
		case <-time.After(bootstrapTimeout):
		case <-ctx.Done():
			return
		}
	}

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		ts.mu.Lock()
		gateOpen := ts.minPeerGateOpen
		ts.mu.Unlock()
		if !gateOpen {
			peerCount := 0
			if ts.hooks.PeerCount != nil {
				peerCount = ts.hooks.PeerCount()
			}
			if peerCount >= minPeerGate {
				ts.mu.Lock()
				ts.minPeerGateOpen = true
				ts.mu.Unlock()
			} else {
				select {
				case <-time.After(baseQueryInterval):
				case <-ctx.Done():
					return
				}
				continue
			}
		}

		if err := ts.queryLimiter.Wait(ctx); err != nil {
			return
		}

		modeName, params := d.mode(ts.hooks)
		ts.mu.Lock()
		attempts := ts.consecutiveFails
		ts.mu.Unlock()
		timeout := queryTimeout(attempts)
		qctx, cancel := context.WithTimeout(ctx, timeout)
		start := time.Now()
		peers, nodesQueried, err := d.client.GetPeers(qctx, infoHash, 200, params.Alpha, params.K, params.MaxDepth)
		cancel()
		elapsed := time.Since(start)

		ts.mu.Lock()
		if err != nil {
			ts.consecutiveFails++
		} else {
			ts.consecutiveFails = 0
		}
		ts.mu.Unlock()

		if d.bus != nil {
			d.bus.Publish(eventbus.Event{
				Type:     "DhtIterativeLookupComplete",
				Priority: eventbus.PriorityNormal,
				Data: map[string]interface{}{
					"info_hash":       infoHash,
					"peers_found":     len(peers),
					"query_duration":  elapsed,
					"query_depth":     params.MaxDepth,
					"nodes_queried":   nodesQueried,
					"aggressive_mode": modeName == "aggressive",
				},
			})
		}

		if err == nil && len(peers) > 0 {
			d.dispatch(ts, peers)
		}

		sleep := backoffInterval(ts)
		select {
		case <-time.After(sleep):
		case <-ctx.Done():
			return
		}
	}
}

// backoffInterval computes the next pacing sleep: base_interval *
// 2^consecutive_fails, capped to maxQueryInterval.
func backoffInterval(ts *torrentState) time.Duration {
	ts.mu.Lock()
	fails := ts.consecutiveFails
	ts.mu.Unlock()
	d := baseQueryInterval
	for i := 0; i < fails; i++ {
		d *= 2
		if d >= maxQueryInterval {
			return maxQueryInterval
		}
	}
	return d
}

// dispatch runs the callback-dispatch rules: dedup, metadata-exchange
// trigger for magnets, and peer-manager readiness queueing/retry.
func (d *Driver) dispatch(ts *torrentState, peers []tracker.PeerEndpoint) {
	fresh := ts.dedupe(peers)
	if len(fresh) == 0 {
		return
	}
	if ts.hooks.NeedsMetadata != nil && ts.hooks.NeedsMetadata() && ts.hooks.TriggerMetadataExchange != nil {
		ts.hooks.TriggerMetadataExchange(fresh)
	}

	if ts.hooks.HasPeerManager != nil {
		deadline := time.Now().Add(queueRetryDeadline)
		for !ts.hooks.HasPeerManager() && time.Now().Before(deadline) {
			time.Sleep(queueRetryDelay)
		}
		if !ts.hooks.HasPeerManager() {
			if ts.hooks.EnqueuePeers != nil {
				d.log.Debugf("peer manager not ready, queueing %d dht peers", len(fresh))
				ts.hooks.EnqueuePeers(fresh)
			}
			return
		}
	}
	if ts.hooks.DeliverPeers != nil {
		ts.hooks.DeliverPeers(fresh)
	}
}
