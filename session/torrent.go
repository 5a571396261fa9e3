package session

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/peerengine/internal/announcer"
	"github.com/cenkalti/peerengine/internal/checkpoint"
	"github.com/cenkalti/peerengine/internal/config"
	"github.com/cenkalti/peerengine/internal/dhtdiscovery"
	"github.com/cenkalti/peerengine/internal/eventbus"
	"github.com/cenkalti/peerengine/internal/fileselect"
	"github.com/cenkalti/peerengine/internal/logger"
	"github.com/cenkalti/peerengine/internal/metainfo"
	"github.com/cenkalti/peerengine/internal/supervisor"
	"github.com/cenkalti/peerengine/internal/tracker"
	"github.com/cenkalti/peerengine/internal/trackerhealth"
	"github.com/cenkalti/peerengine/internal/trackerurl"
)

// Status is one state in the torrent lifecycle state machine.
type Status int

const (
	StatusStopped Status = iota
	StatusStarting
	StatusDownloading
	StatusSeeding
	StatusPaused
	StatusError
)

func (s Status) String() string {
	switch s {
	case StatusStopped:
		return "stopped"
	case StatusStarting:
		return "starting"
	case StatusDownloading:
		return "downloading"
	case StatusSeeding:
		return "seeding"
	case StatusPaused:
		return "paused"
	case StatusError:
		return "error"
	default:
		return "unknown"
	}
}

const (
	recentPeersCap           = 500
	peerManagerRetryInterval = 500 * time.Millisecond
	peerManagerRetryDeadline = 2 * time.Second
	metadataFetchTimeout     = 60 * time.Second
	dhtRegisterRetryDelay    = 500 * time.Millisecond
	dhtRegisterMaxAttempts   = 3
	statusTickInterval       = time.Second
)

// Deps bundles the shared, process-wide collaborators every torrent uses.
// A single instance is built once at startup (see session.go) and handed
// to every Torrent.
type Deps struct {
	Config       *config.Config
	Health       *trackerhealth.Manager
	Orchestrator *announcer.Orchestrator
	DHT          *dhtdiscovery.Driver
	Checkpoints  *checkpoint.Manager
	Bus          *eventbus.Bus
	Metadata     MetadataFetcher
	Nat          NatManager

	HTTPClient *tracker.HTTPTrackerClient
	UDPSocket  *tracker.UDPSocket

	NewPeerManager  PeerManagerFactory
	NewPieceManager PieceManagerFactory
}

// Torrent is one torrent's session state machine: it owns the torrent's
// tracker orchestration, DHT discovery registration, file selection,
// checkpointing, and peer handoff, wiring them together through the thin
// external ports in ports.go so the core never touches wire state.
type Torrent struct {
	deps Deps
	sup  *supervisor.Supervisor
	log  logger.Logger

	infoHash  [20]byte
	peerID    [20]byte
	port      int
	outputDir string

	mu             sync.Mutex
	name           string
	status         Status
	statusErr      error
	isMagnet       bool
	metaInfo       *metainfo.MetaInfo
	fileSel        *fileselect.Manager
	magnetTrackers []string
	connStatus     announcer.ConnectionStatus
	peerMgr        PeerManager
	pieceMgr       PieceManager

	progress *tracker.Progress

	queuedMu    sync.Mutex
	queuedPeers []tracker.PeerEndpoint

	recentMu    sync.Mutex
	recentSeen  map[string]struct{}
	recentOrder []string

	dhtStartMu          sync.Mutex
	dhtDownloadStarting bool

	metadataMu       sync.Mutex
	metadataFetching bool

	rateMu         sync.Mutex
	lastDownloaded int64
	lastSampleAt   time.Time
	currentRateBps float64
}

// NewFromMetaInfo builds a Torrent that already has a full info
// dictionary (an ordinary .torrent file, as opposed to a magnet link).
func NewFromMetaInfo(mi *metainfo.MetaInfo, name string, peerID [20]byte, port int, outputDir string, deps Deps) *Torrent {
	ih := metainfo.InfoHash(mi.RawInfo)
	return &Torrent{
		deps:      deps,
		log:       logger.New("torrent").WithField("info_hash", fmt.Sprintf("%x", ih)),
		infoHash:  ih,
		peerID:    peerID,
		port:      port,
		outputDir: outputDir,
		name:      name,
		metaInfo:  mi,
		progress:  tracker.NewProgress(ih, peerID, port, mi.Info.TotalLength()),
	}
}

// NewMagnet builds a metadata-less torrent skeleton from a parsed magnet
// URI; its info dictionary is filled in later via onMetadataAvailable.
func NewMagnet(m *trackerurl.Magnet, peerID [20]byte, port int, outputDir string, deps Deps) *Torrent {
	name := m.DisplayName
	if name == "" {
		name = fmt.Sprintf("%x", m.InfoHash)
	}
	return &Torrent{
		deps:           deps,
		log:            logger.New("torrent").WithField("info_hash", fmt.Sprintf("%x", m.InfoHash)),
		infoHash:       m.InfoHash,
		peerID:         peerID,
		port:           port,
		outputDir:      outputDir,
		name:           name,
		isMagnet:       true,
		magnetTrackers: m.Trackers,
		progress:       tracker.NewProgress(m.InfoHash, peerID, port, tracker.OneTiBLeft),
	}
}

// InfoHash returns the torrent's infohash.
func (t *Torrent) InfoHash() [20]byte { return t.infoHash }

// Name returns the torrent's display name.
func (t *Torrent) Name() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.name
}

// Status returns the current lifecycle state and, if it is StatusError,
// the failure that caused it.
func (t *Torrent) Status() (Status, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.status, t.statusErr
}

// Start runs the torrent's start sequence: validation, file-selection
// setup, a fire-and-forget initial announce, idempotent DHT registration,
// and the torrent's own background loops, all tracked by a fresh
// Supervisor. Start is a no-op if the torrent is already running.
func (t *Torrent) Start(ctx context.Context) error {
	t.mu.Lock()
	if t.status == StatusStarting || t.status == StatusDownloading || t.status == StatusSeeding {
		t.mu.Unlock()
		return nil
	}
	t.status = StatusStarting
	t.statusErr = nil
	t.mu.Unlock()

	if err := t.validate(); err != nil {
		t.setError(err)
		return err
	}

	t.sup = supervisor.New(ctx)

	if t.metaInfo != nil {
		t.initFileSelection()
		t.attachPieceManager(t.metaInfo.Info)
	}
	t.attachPeerManager()

	urls := t.collectTrackerURLs()
	t.sup.Go("announce-initial", func(ctx context.Context) error {
		t.deps.Orchestrator.AnnounceInitial(ctx, t.infoHash, urls, t.announceParams(tracker.EventStarted), t.makeTracker)
		return nil
	})

	if err := t.registerDHT(); err != nil {
		t.log.Errorf("dht registration did not stick: %v", err)
	}

	if t.deps.DHT != nil {
		t.sup.Go("dht-discovery", func(ctx context.Context) error {
			t.deps.DHT.Run(ctx, t.infoHash)
			return nil
		})
	}
	t.sup.Go("announce-loop", func(ctx context.Context) error {
		t.deps.Orchestrator.AnnounceLoop(ctx, t.infoHash, t.announceLoopCallbacks())
		return nil
	})
	t.sup.Go("status-loop", t.statusLoop)

	if t.deps.Checkpoints != nil {
		t.deps.Checkpoints.Register(t.infoHash, t.name, t.outputDir, t)
	}

	return nil
}

// Stop cancels the torrent's supervisor (waiting up to 5s), unregisters it
// from the shared DHT driver and checkpoint controller, and transitions to
// stopped. Background tasks must observe cancellation before other
// resources are released, so they never reference freed state.
func (t *Torrent) Stop() {
	t.mu.Lock()
	if t.status == StatusStopped {
		t.mu.Unlock()
		return
	}
	t.status = StatusStopped
	sup := t.sup
	t.mu.Unlock()

	if sup != nil {
		if err := sup.Stop(5 * time.Second); err != nil {
			t.log.Errorf("torrent supervisor stop: %v", err)
		}
	}
	if t.deps.DHT != nil {
		t.deps.DHT.Unregister(t.infoHash)
	}
	if t.deps.Checkpoints != nil {
		t.deps.Checkpoints.Unregister(t.infoHash)
	}
}

// Pause transitions to paused from any running state without tearing down
// background loops, and unregisters the torrent's DHT callback: whether a
// paused torrent keeps receiving DHT peers is unspecified, so the
// conservative choice is to stop. Resume re-registers it and picks the
// right follow-up state based on completeness.
func (t *Torrent) Pause() {
	t.setStatus(StatusPaused)
	if t.deps.DHT != nil {
		t.deps.DHT.Unregister(t.infoHash)
	}
}

func (t *Torrent) Resume() {
	if err := t.registerDHT(); err != nil {
		t.log.Errorf("dht re-registration on resume did not stick: %v", err)
	}

	t.mu.Lock()
	pm := t.pieceMgr
	t.mu.Unlock()
	if pm != nil && pm.NumPieces() > 0 && pm.VerifiedPieces() == pm.NumPieces() {
		t.setStatus(StatusSeeding)
		return
	}
	t.setStatus(StatusDownloading)
}

func (t *Torrent) validate() error {
	if t.metaInfo == nil && !t.isMagnet {
		return errors.New("torrent has neither an info dictionary nor a magnet infohash")
	}
	return nil
}

func (t *Torrent) setError(err error) {
	t.mu.Lock()
	t.status = StatusError
	t.statusErr = err
	t.mu.Unlock()
}

func (t *Torrent) setStatus(s Status) {
	t.mu.Lock()
	if t.status == s {
		t.mu.Unlock()
		return
	}
	t.status = s
	t.mu.Unlock()
	if t.deps.Bus != nil {
		t.deps.Bus.Publish(eventbus.Event{
			Type:     "torrent_status_changed",
			Priority: eventbus.PriorityNormal,
			Data:     map[string]interface{}{"info_hash": t.infoHash, "status": s.String()},
		})
	}
}

func (t *Torrent) initFileSelection() {
	t.mu.Lock()
	info := t.metaInfo
	ih := t.infoHash
	bus := t.deps.Bus
	t.mu.Unlock()
	if info == nil || info.Info == nil {
		return
	}
	fs := fileselect.New(info.Info, ih, bus)
	t.mu.Lock()
	t.fileSel = fs
	t.mu.Unlock()
}

func (t *Torrent) attachPeerManager() {
	if t.deps.NewPeerManager == nil {
		return
	}
	pm := t.deps.NewPeerManager(t.infoHash, t.port)
	t.mu.Lock()
	t.peerMgr = pm
	t.mu.Unlock()
	if pm != nil {
		pm.OnPieceReceived(func(int) {
			if t.deps.Checkpoints != nil {
				t.deps.Checkpoints.OnPieceVerified(t.infoHash)
			}
		})
	}
	t.drainQueuedPeers()
}

func (t *Torrent) attachPieceManager(info *metainfo.Info) {
	if t.deps.NewPieceManager == nil {
		return
	}
	pm := t.deps.NewPieceManager(t.infoHash, info, t.outputDir)
	t.mu.Lock()
	t.pieceMgr = pm
	peerMgr := t.peerMgr
	t.mu.Unlock()
	if pm != nil {
		_ = pm.StartDownload(peerMgr)
	}
}

// GetCheckpointState implements checkpoint.Snapshotter by forwarding to
// the torrent's own PieceManager, the only party that knows its bitfield.
func (t *Torrent) GetCheckpointState(name string, infoHash [20]byte, outputDir string) (checkpoint.TorrentCheckpoint, error) {
	t.mu.Lock()
	pm := t.pieceMgr
	t.mu.Unlock()
	if pm == nil {
		return checkpoint.TorrentCheckpoint{InfoHash: infoHash, Name: name, OutputDir: outputDir}, nil
	}
	return pm.GetCheckpointState(name, infoHash, outputDir)
}

// registerDHT registers this torrent's callback hooks with the shared DHT
// driver and verifies the registration stuck, retrying up to three times
// 500ms apart before giving up loudly: a silently-dropped registration
// means this torrent never receives DHT peers.
func (t *Torrent) registerDHT() error {
	if t.deps.DHT == nil {
		return nil
	}
	hooks := dhtdiscovery.TorrentHooks{
		PeerCount:               t.PeerCount,
		DownloadRateBps:         t.DownloadRateBps,
		MaxPeers:                func() int { return t.deps.Config.MaxPeersPerTorrent },
		HasPeerManager:          t.hasPeerManager,
		EnqueuePeers:            t.queuePeers,
		DeliverPeers:            func(peers []tracker.PeerEndpoint) { t.handleNewPeers(peers, tracker.SourceDHT) },
		NeedsMetadata:           t.needsMetadata,
		TriggerMetadataExchange: t.triggerMetadataExchange,
	}
	t.deps.DHT.Register(t.infoHash, hooks)
	for attempt := 0; attempt < dhtRegisterMaxAttempts; attempt++ {
		time.Sleep(dhtRegisterRetryDelay)
		if t.deps.DHT.Registered(t.infoHash) {
			return nil
		}
		t.deps.DHT.Register(t.infoHash, hooks)
	}
	if !t.deps.DHT.Registered(t.infoHash) {
		return fmt.Errorf("dht registration not observed for %x after %d retries", t.infoHash, dhtRegisterMaxAttempts)
	}
	return nil
}

func (t *Torrent) needsMetadata() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.isMagnet && t.metaInfo == nil
}

func (t *Torrent) hasPeerManager() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.peerMgr != nil
}

// PeerCount reports the torrent's current connected peer count, used by
// both the DHT driver's adaptive mode selection and the announcer's
// adaptive interval.
func (t *Torrent) PeerCount() int {
	t.mu.Lock()
	pm := t.peerMgr
	t.mu.Unlock()
	if pm == nil {
		return 0
	}
	return len(pm.ActivePeers())
}

// DownloadRateBps returns the most recently sampled instantaneous download
// rate, refreshed once per status-loop tick.
func (t *Torrent) DownloadRateBps() float64 {
	t.rateMu.Lock()
	defer t.rateMu.Unlock()
	return t.currentRateBps
}

func (t *Torrent) sampleDownloadRate() {
	cur := t.progress.Downloaded()
	now := time.Now()
	t.rateMu.Lock()
	if !t.lastSampleAt.IsZero() {
		elapsed := now.Sub(t.lastSampleAt).Seconds()
		if elapsed > 0 {
			t.currentRateBps = float64(cur-t.lastDownloaded) / elapsed
		}
	}
	t.lastDownloaded = cur
	t.lastSampleAt = now
	t.rateMu.Unlock()
}

// handleNewPeers implements the "peers arrive via any source" step of the
// start sequence: dedup against the recently-processed set, kick off
// metadata exchange for a magnet still missing its info dictionary, and
// either hand peers to the PeerManager or queue them with a bounded retry.
func (t *Torrent) handleNewPeers(peers []tracker.PeerEndpoint, source tracker.PeerSource) {
	fresh := t.dedupeRecent(peers)
	if len(fresh) == 0 {
		return
	}
	if t.needsMetadata() {
		t.triggerMetadataExchange(fresh)
	}
	if !t.hasPeerManager() {
		t.queuePeers(fresh)
		go t.retryQueuedPeers()
		return
	}
	t.deliverPeers(fresh)
}

// dedupeRecent filters out peers already seen recently, approximating the
// spec's "5-minute effective window" with size-based eviction: once the
// rolling set exceeds recentPeersCap, the oldest half is dropped.
func (t *Torrent) dedupeRecent(peers []tracker.PeerEndpoint) []tracker.PeerEndpoint {
	t.recentMu.Lock()
	defer t.recentMu.Unlock()
	if t.recentSeen == nil {
		t.recentSeen = make(map[string]struct{})
	}
	var fresh []tracker.PeerEndpoint
	for _, p := range peers {
		k := p.Key()
		if _, ok := t.recentSeen[k]; ok {
			continue
		}
		t.recentSeen[k] = struct{}{}
		t.recentOrder = append(t.recentOrder, k)
		fresh = append(fresh, p)
	}
	if len(t.recentOrder) > recentPeersCap {
		half := len(t.recentOrder) / 2
		for _, k := range t.recentOrder[:half] {
			delete(t.recentSeen, k)
		}
		t.recentOrder = t.recentOrder[half:]
	}
	return fresh
}

func (t *Torrent) queuePeers(peers []tracker.PeerEndpoint) {
	t.queuedMu.Lock()
	t.queuedPeers = append(t.queuedPeers, peers...)
	t.queuedMu.Unlock()
}

func (t *Torrent) drainQueuedPeers() {
	t.queuedMu.Lock()
	peers := t.queuedPeers
	t.queuedPeers = nil
	t.queuedMu.Unlock()
	if len(peers) > 0 {
		t.deliverPeers(peers)
	}
}

func (t *Torrent) deliverPeers(peers []tracker.PeerEndpoint) {
	t.mu.Lock()
	pm := t.peerMgr
	t.mu.Unlock()
	if pm == nil {
		t.queuePeers(peers)
		return
	}
	pm.ConnectToPeers(peers)
}

// retryQueuedPeers polls every 500ms for up to 2s for the PeerManager to
// become ready, then drains whatever accumulated in the meantime.
func (t *Torrent) retryQueuedPeers() {
	deadline := time.Now().Add(peerManagerRetryDeadline)
	for time.Now().Before(deadline) {
		if t.hasPeerManager() {
			t.drainQueuedPeers()
			return
		}
		time.Sleep(peerManagerRetryInterval)
	}
}

// triggerMetadataExchange kicks off a bounded metadata fetch for a magnet
// torrent still missing its info dictionary. Concurrent callers (the DHT
// callback may fire many times) are collapsed to a single in-flight fetch.
func (t *Torrent) triggerMetadataExchange(peers []tracker.PeerEndpoint) {
	t.metadataMu.Lock()
	if !t.needsMetadataLocked() || t.metadataFetching || t.deps.Metadata == nil || t.sup == nil {
		t.metadataMu.Unlock()
		return
	}
	t.metadataFetching = true
	t.metadataMu.Unlock()

	t.sup.Go("metadata-fetch", func(ctx context.Context) error {
		fctx, cancel := context.WithTimeout(ctx, metadataFetchTimeout)
		defer cancel()
		info, rawInfo, err := t.deps.Metadata.FetchMetadata(fctx, t.infoHash, peers)
		t.metadataMu.Lock()
		t.metadataFetching = false
		t.metadataMu.Unlock()
		if err != nil {
			t.log.Debugf("metadata exchange failed: %v", err)
			return nil
		}
		t.onMetadataAvailable(info, rawInfo)
		return nil
	})
}

func (t *Torrent) needsMetadataLocked() bool {
	return t.isMagnet && t.metaInfo == nil
}

// onMetadataAvailable is "_start_download_with_dht_peers": it runs the
// magnet-completion sequence (file map, piece manager wiring, start
// download) at most once, guarded by dhtDownloadStarting, no matter how
// many times the DHT callback or a tracker response delivers metadata
// peers concurrently.
func (t *Torrent) onMetadataAvailable(info *metainfo.Info, rawInfo []byte) {
	t.dhtStartMu.Lock()
	if t.dhtDownloadStarting {
		t.dhtStartMu.Unlock()
		return
	}
	t.dhtDownloadStarting = true
	t.dhtStartMu.Unlock()

	t.mu.Lock()
	t.metaInfo = &metainfo.MetaInfo{Info: info, RawInfo: rawInfo}
	t.mu.Unlock()
	t.progress.SetLeft(info.TotalLength())

	t.initFileSelection()
	t.attachPieceManager(info)

	t.mu.Lock()
	pm := t.pieceMgr
	t.mu.Unlock()
	if pm != nil {
		pm.OnMetadataAvailable(info)
	}

	if t.deps.Bus != nil {
		t.deps.Bus.Publish(eventbus.Event{
			Type:     "metadata_available",
			Priority: eventbus.PriorityHigh,
			Data:     map[string]interface{}{"info_hash": t.infoHash},
		})
	}
	t.drainQueuedPeers()
}

// collectTrackerURLs merges this torrent's tiers/announce/magnet trackers
// with the shared health manager's knowledge via announcer.CollectURLs.
func (t *Torrent) collectTrackerURLs() []string {
	t.mu.Lock()
	var tiers [][]string
	var announce string
	if t.metaInfo != nil {
		tiers = t.metaInfo.AnnounceList
		announce = t.metaInfo.Announce
	}
	magnetTrackers := t.magnetTrackers
	t.mu.Unlock()
	return announcer.CollectURLs(tiers, announce, magnetTrackers, t.deps.Health, t.deps.Config.StrictPrivateMode)
}

// announceParams builds this announce's parameters from the live progress
// counters, substituting a NAT-mapped external port when one exists.
func (t *Torrent) announceParams(event tracker.Event) tracker.AnnounceParams {
	params := t.progress.AnnounceParams(event, 200)
	if t.deps.Nat != nil {
		if ext, ok := t.deps.Nat.GetExternalPort(t.port, "tcp"); ok {
			params.Port = ext
		}
	}
	return params
}

// makeTracker builds a Tracker client for rawURL against the shared,
// process-singleton HTTP client or UDP socket, matching the scheme
// produced by trackerurl.Normalize.
func (t *Torrent) makeTracker(rawURL string) (tracker.Tracker, error) {
	switch {
	case strings.HasPrefix(rawURL, "http"):
		if t.deps.HTTPClient == nil {
			return nil, fmt.Errorf("no http tracker client configured")
		}
		return tracker.NewHTTPTracker(rawURL, t.deps.HTTPClient), nil
	case strings.HasPrefix(rawURL, "udp"):
		if t.deps.UDPSocket == nil {
			return nil, fmt.Errorf("no udp tracker socket configured")
		}
		return tracker.NewUDPTracker(rawURL, t.deps.UDPSocket), nil
	default:
		return nil, fmt.Errorf("unsupported tracker scheme in %q", rawURL)
	}
}

func (t *Torrent) onTrackerStatus(status announcer.ConnectionStatus, err error) {
	t.mu.Lock()
	t.connStatus = status
	t.mu.Unlock()
	if t.deps.Bus == nil {
		return
	}
	data := map[string]interface{}{"info_hash": t.infoHash, "status": status}
	if err != nil {
		data["error"] = err.Error()
	}
	t.deps.Bus.Publish(eventbus.Event{Type: "tracker_connection_status", Priority: eventbus.PriorityLow, Data: data})
}

func (t *Torrent) announceLoopCallbacks() announcer.LoopCallbacks {
	return announcer.LoopCallbacks{
		URLs:        t.collectTrackerURLs,
		Params:      func() tracker.AnnounceParams { return t.announceParams(tracker.EventNone) },
		MakeTracker: t.makeTracker,
		PeerCount:   t.PeerCount,
		OnStatus:    t.onTrackerStatus,
		OnPeers:     func(peers []tracker.PeerEndpoint) { t.handleNewPeers(peers, tracker.SourceTracker) },
	}
}

// statusLoop is the per-torrent status_loop background task: it samples
// the download rate, forwards piece-verified signals to the checkpoint
// controller, and drives the lifecycle state machine's "starting" ->
// "downloading"/"seeding" transitions.
func (t *Torrent) statusLoop(ctx context.Context) error {
	ticker := time.NewTicker(statusTickInterval)
	defer ticker.Stop()
	lastVerified := 0
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}

		t.sampleDownloadRate()

		t.mu.Lock()
		pm := t.pieceMgr
		status := t.status
		t.mu.Unlock()
		if pm == nil {
			continue
		}

		verified := pm.VerifiedPieces()
		if verified > lastVerified && t.deps.Checkpoints != nil {
			for i := 0; i < verified-lastVerified; i++ {
				t.deps.Checkpoints.OnPieceVerified(t.infoHash)
			}
		}
		lastVerified = verified

		t.applyTransition(status, pm.IsDownloading(), verified, pm.NumPieces())
	}
}

// applyTransition implements §4.10's transition table for the states the
// status loop drives; paused/stopped/error are left alone until Resume,
// Start, or a fresh Start clears them.
func (t *Torrent) applyTransition(current Status, downloading bool, verified, numPieces int) {
	if current == StatusStopped || current == StatusPaused || current == StatusError {
		return
	}
	switch {
	case numPieces > 0 && verified == numPieces:
		t.setStatus(StatusSeeding)
	case downloading || t.PeerCount() > 0 || t.DownloadRateBps() > 0:
		t.setStatus(StatusDownloading)
	}
}
