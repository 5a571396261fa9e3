package dhtdiscovery

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/cenkalti/peerengine/internal/config"
	"github.com/cenkalti/peerengine/internal/tracker"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClient struct {
	mu        sync.Mutex
	nodes     int
	peers     []tracker.PeerEndpoint
	err       error
	callCount int
}

func (f *fakeClient) NodeCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.nodes
}

func (f *fakeClient) GetPeers(ctx context.Context, infoHash [20]byte, maxPeers, alpha, k, maxDepth int) ([]tracker.PeerEndpoint, int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.callCount++
	return f.peers, 10, f.err
}

func testConfig() *config.Config {
	return &config.Config{
		DHTNormalParams:     config.DHTParams{Alpha: 3, K: 8, MaxDepth: 8},
		DHTAggressiveParams: config.DHTParams{Alpha: 6, K: 16, MaxDepth: 12},
	}
}

func TestQueryTimeoutFormula(t *testing.T) {
	assert.Equal(t, 45*time.Second, queryTimeout(0))
	d := queryTimeout(10)
	assert.Greater(t, d, 45*time.Second)
	assert.LessOrEqual(t, d, 90*time.Second)
	assert.Equal(t, 90*time.Second, queryTimeout(1000))
}

func TestModePicksAggressiveWhenPopular(t *testing.T) {
	d := New(&fakeClient{nodes: 1}, testConfig(), nil)
	hooks := TorrentHooks{
		PeerCount: func() int { return 60 },
		MaxPeers:  func() int { return 200 },
	}
	name, params := d.mode(hooks)
	assert.Equal(t, "aggressive", name)
	assert.Equal(t, 6, params.Alpha)
}

func TestModePicksNormalWhenUnpopularAndIdle(t *testing.T) {
	d := New(&fakeClient{nodes: 1}, testConfig(), nil)
	hooks := TorrentHooks{
		PeerCount:       func() int { return 5 },
		MaxPeers:        func() int { return 200 },
		DownloadRateBps: func() float64 { return 0 },
	}
	name, _ := d.mode(hooks)
	assert.Equal(t, "normal", name)
}

func TestModeRespectsPeerCapEvenWhenActive(t *testing.T) {
	d := New(&fakeClient{nodes: 1}, testConfig(), nil)
	hooks := TorrentHooks{
		PeerCount:       func() int { return 190 },
		MaxPeers:        func() int { return 200 },
		DownloadRateBps: func() float64 { return 5000 },
	}
	name, _ := d.mode(hooks)
	assert.Equal(t, "normal", name)
}

func TestDedupeTrimsOldestHalfOnOverflow(t *testing.T) {
	var ih [20]byte
	ts := newTorrentState(ih, TorrentHooks{})
	for i := 0; i < recentSeenCap+10; i++ {
		peer := tracker.PeerEndpoint{Port: i % 65000}
		ts.dedupe([]tracker.PeerEndpoint{peer})
	}
	assert.LessOrEqual(t, len(ts.recentOrder), recentSeenCap)
}

func TestDispatchQueuesWhenPeerManagerNotReady(t *testing.T) {
	var ih [20]byte
	var queued []tracker.PeerEndpoint
	ready := false
	hooks := TorrentHooks{
		HasPeerManager: func() bool { return ready },
		EnqueuePeers:   func(p []tracker.PeerEndpoint) { queued = p },
	}
	ts := newTorrentState(ih, hooks)
	d := New(&fakeClient{}, testConfig(), nil)
	d.dispatch(ts, []tracker.PeerEndpoint{{Port: 6881}})
	require.Len(t, queued, 1)
}

func TestDispatchDeliversWhenPeerManagerReady(t *testing.T) {
	var ih [20]byte
	var delivered []tracker.PeerEndpoint
	hooks := TorrentHooks{
		HasPeerManager: func() bool { return true },
		DeliverPeers:   func(p []tracker.PeerEndpoint) { delivered = p },
	}
	ts := newTorrentState(ih, hooks)
	d := New(&fakeClient{}, testConfig(), nil)
	d.dispatch(ts, []tracker.PeerEndpoint{{Port: 6881}})
	require.Len(t, delivered, 1)
}

func TestBackoffIntervalCapsAtMax(t *testing.T) {
	var ih [20]byte
	ts := newTorrentState(ih, TorrentHooks{})
	ts.consecutiveFails = 10
	d := backoffInterval(ts)
	assert.Equal(t, maxQueryInterval, d)
}

func TestRegisterAndUnregister(t *testing.T) {
	d := New(&fakeClient{}, testConfig(), nil)
	var ih [20]byte
	d.Register(ih, TorrentHooks{})
	d.mu.Lock()
	_, ok := d.torrents[infoHashKey(ih)]
	d.mu.Unlock()
	assert.True(t, ok)

	d.Unregister(ih)
	d.mu.Lock()
	_, ok = d.torrents[infoHashKey(ih)]
	d.mu.Unlock()
	assert.False(t, ok)
}
