package session

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cenkalti/peerengine/internal/announcer"
	"github.com/cenkalti/peerengine/internal/config"
	"github.com/cenkalti/peerengine/internal/dhtdiscovery"
	"github.com/cenkalti/peerengine/internal/eventbus"
	"github.com/cenkalti/peerengine/internal/metainfo"
	"github.com/cenkalti/peerengine/internal/tracker"
	"github.com/cenkalti/peerengine/internal/trackerhealth"
)

type fakePeerManager struct {
	peers   []tracker.PeerEndpoint
	onPiece func(int)
}

func newFakePeerManager() *fakePeerManager { return &fakePeerManager{} }

func (f *fakePeerManager) ConnectToPeers(peers []tracker.PeerEndpoint) { f.peers = append(f.peers, peers...) }
func (f *fakePeerManager) ActivePeers() []tracker.PeerEndpoint         { return f.peers }
func (f *fakePeerManager) OnPeerConnected(func(tracker.PeerEndpoint))  {}
func (f *fakePeerManager) OnPeerDisconnected(func(tracker.PeerEndpoint)) {}
func (f *fakePeerManager) OnPieceReceived(cb func(int))                { f.onPiece = cb }
func (f *fakePeerManager) OnBitfieldReceived(func([]byte))             {}

func TestStatusString(t *testing.T) {
	assert.Equal(t, "downloading", StatusDownloading.String())
	assert.Equal(t, "unknown", Status(99).String())
}

func TestTorrentStartRejectsTorrentWithNoInfo(t *testing.T) {
	tor := &Torrent{isMagnet: false, metaInfo: nil}
	err := tor.Start(context.Background())
	require.Error(t, err)
	st, _ := tor.Status()
	assert.Equal(t, StatusError, st)
}

func TestDedupeRecentFiltersRepeats(t *testing.T) {
	tor := &Torrent{}
	peers := []tracker.PeerEndpoint{{IP: []byte{1, 2, 3, 4}, Port: 6881}}
	fresh := tor.dedupeRecent(peers)
	assert.Len(t, fresh, 1)
	fresh = tor.dedupeRecent(peers)
	assert.Len(t, fresh, 0, "second delivery of the same peer must be deduped")
}

func TestDedupeRecentTrimsOldestHalfPastCap(t *testing.T) {
	tor := &Torrent{}
	for i := 0; i < recentPeersCap+10; i++ {
		ip := []byte{byte(i >> 24), byte(i >> 16), byte(i >> 8), byte(i)}
		tor.dedupeRecent([]tracker.PeerEndpoint{{IP: ip, Port: 6881}})
	}
	tor.recentMu.Lock()
	size := len(tor.recentOrder)
	tor.recentMu.Unlock()
	assert.LessOrEqual(t, size, recentPeersCap)
}

func TestQueuePeersAndDrain(t *testing.T) {
	tor := &Torrent{}
	tor.queuePeers([]tracker.PeerEndpoint{{Port: 1}, {Port: 2}})
	pm := newFakePeerManager()
	tor.mu.Lock()
	tor.peerMgr = pm
	tor.mu.Unlock()
	tor.drainQueuedPeers()
	assert.Len(t, pm.peers, 2)
}

func TestHandleNewPeersQueuesWithoutPeerManager(t *testing.T) {
	tor := &Torrent{}
	tor.handleNewPeers([]tracker.PeerEndpoint{{Port: 1}}, tracker.SourceTracker)
	tor.queuedMu.Lock()
	n := len(tor.queuedPeers)
	tor.queuedMu.Unlock()
	assert.Equal(t, 1, n)
}

func TestApplyTransitionLeavesTerminalStatesAlone(t *testing.T) {
	tor := &Torrent{}
	tor.status = StatusPaused
	tor.applyTransition(StatusPaused, true, 5, 5)
	st, _ := tor.Status()
	assert.Equal(t, StatusPaused, st)
}

func TestApplyTransitionMovesToSeedingWhenFullyVerified(t *testing.T) {
	tor := &Torrent{}
	tor.status = StatusStarting
	tor.applyTransition(StatusStarting, false, 10, 10)
	st, _ := tor.Status()
	assert.Equal(t, StatusSeeding, st)
}

func TestApplyTransitionMovesToDownloadingWhenActive(t *testing.T) {
	tor := &Torrent{}
	tor.status = StatusStarting
	pm := newFakePeerManager()
	pm.peers = []tracker.PeerEndpoint{{Port: 1}}
	tor.peerMgr = pm
	tor.applyTransition(StatusStarting, true, 0, 10)
	st, _ := tor.Status()
	assert.Equal(t, StatusDownloading, st)
}

func TestSampleDownloadRateComputesDelta(t *testing.T) {
	tor := &Torrent{progress: tracker.NewProgress([20]byte{}, [20]byte{}, 6881, 1000)}
	tor.sampleDownloadRate()
	tor.progress.AddDownloaded(100)
	time.Sleep(10 * time.Millisecond)
	tor.sampleDownloadRate()
	assert.Greater(t, tor.DownloadRateBps(), 0.0)
}

func newTestDeps(bus *eventbus.Bus) Deps {
	cfg := config.DefaultConfig
	return Deps{
		Config:       &cfg,
		Health:       trackerhealth.New(),
		Orchestrator: announcer.New(trackerhealth.New()),
		DHT:          dhtdiscovery.New(fakeDHTClient{}, &cfg, bus),
		Bus:          bus,
	}
}

type fakeDHTClient struct{}

func (fakeDHTClient) NodeCount() int { return 1 }
func (fakeDHTClient) GetPeers(ctx context.Context, infoHash [20]byte, maxPeers, alpha, k, maxDepth int) ([]tracker.PeerEndpoint, int, error) {
	<-ctx.Done()
	return nil, 0, ctx.Err()
}

func TestTorrentStartAndStopMetaInfo(t *testing.T) {
	bus := eventbus.New()
	go bus.Run()
	defer bus.Stop()

	info := &metainfo.Info{PieceLength: 16384, Pieces: make([]byte, 20), Length: 16384}
	mi := &metainfo.MetaInfo{Info: info, RawInfo: []byte("d4:infod6:lengthi16384eee")}
	var peerID [20]byte
	tor := NewFromMetaInfo(mi, "test-torrent", peerID, 6881, t.TempDir(), newTestDeps(bus))

	err := tor.Start(context.Background())
	require.NoError(t, err)
	st, _ := tor.Status()
	assert.Equal(t, StatusStarting, st)

	tor.Stop()
	st, _ = tor.Status()
	assert.Equal(t, StatusStopped, st)
}

func TestPauseUnregistersDHTAndResumeReregisters(t *testing.T) {
	bus := eventbus.New()
	go bus.Run()
	defer bus.Stop()

	info := &metainfo.Info{PieceLength: 16384, Pieces: make([]byte, 20), Length: 16384}
	mi := &metainfo.MetaInfo{Info: info, RawInfo: []byte("d4:infod6:lengthi16384eee")}
	var peerID [20]byte
	tor := NewFromMetaInfo(mi, "pause-test", peerID, 6881, t.TempDir(), newTestDeps(bus))
	require.NoError(t, tor.Start(context.Background()))
	defer tor.Stop()

	assert.True(t, tor.deps.DHT.Registered(tor.InfoHash()))

	tor.Pause()
	assert.False(t, tor.deps.DHT.Registered(tor.InfoHash()))

	tor.Resume()
	assert.True(t, tor.deps.DHT.Registered(tor.InfoHash()))
}
