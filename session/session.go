// Package session is the engine's orchestrator: a process-wide Session
// owns every shared singleton (tracker health, announcer orchestrator,
// DHT client/driver, checkpoint store, event bus, pooled tracker clients)
// and a registry of per-torrent Torrent state machines.
package session

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/boltdb/bolt"
	homedir "github.com/mitchellh/go-homedir"
	nictukudht "github.com/nictuku/dht"

	"github.com/cenkalti/peerengine/internal/announcer"
	"github.com/cenkalti/peerengine/internal/checkpoint"
	"github.com/cenkalti/peerengine/internal/config"
	"github.com/cenkalti/peerengine/internal/dhtclient"
	"github.com/cenkalti/peerengine/internal/dhtdiscovery"
	"github.com/cenkalti/peerengine/internal/eventbus"
	"github.com/cenkalti/peerengine/internal/logger"
	"github.com/cenkalti/peerengine/internal/metainfo"
	"github.com/cenkalti/peerengine/internal/tracker"
	"github.com/cenkalti/peerengine/internal/trackerhealth"
	"github.com/cenkalti/peerengine/internal/trackerurl"
)

var torrentsBucket = []byte("torrents")

// Options supplies the concrete implementations of every external port a
// deployment must wire in; the core ships none of these as defaults since
// they all cross the boundary described in ports.go.
type Options struct {
	NewPeerManager  PeerManagerFactory
	NewPieceManager PieceManagerFactory
	Metadata        MetadataFetcher
	Nat             NatManager
}

// Session is the process-wide BitTorrent engine.
type Session struct {
	cfg *config.Config
	log logger.Logger
	db  *bolt.DB

	peerID [20]byte

	health       *trackerhealth.Manager
	orchestrator *announcer.Orchestrator
	dhtDriver    *dhtdiscovery.Driver
	dhtNode      *nictukudht.DHT
	checkpoints  *checkpoint.Manager
	bus          *eventbus.Bus

	httpClient *tracker.HTTPTrackerClient
	udpSocket  *tracker.UDPSocket

	newPeerManager  PeerManagerFactory
	newPieceManager PieceManagerFactory
	metadata        MetadataFetcher
	nat             NatManager

	mu       sync.RWMutex
	torrents map[[20]byte]*Torrent

	supCtx    context.Context
	supCancel context.CancelFunc
}

// New opens the resume database, starts the shared DHT node (if enabled),
// event bus, checkpoint flush loop, and tracker-health cleanup loop, and
// returns a ready Session. Close releases all of it.
func New(cfg *config.Config, opts Options) (*Session, error) {
	dbPath, err := homedir.Expand(cfg.Database)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(filepath.Dir(dbPath), 0750); err != nil {
		return nil, err
	}
	db, err := bolt.Open(dbPath, 0640, &bolt.Options{Timeout: time.Second})
	if err == bolt.ErrTimeout {
		return nil, errors.New("resume database is locked by another process")
	} else if err != nil {
		return nil, err
	}
	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(torrentsBucket)
		return err
	})
	if err != nil {
		db.Close()
		return nil, err
	}

	checkpoints, err := checkpoint.New(db)
	if err != nil {
		db.Close()
		return nil, err
	}

	peerID, err := generatePeerID(cfg.PeerIDPrefix)
	if err != nil {
		db.Close()
		return nil, err
	}

	bus := eventbus.New()

	var dhtNode *nictukudht.DHT
	var dhtDriver *dhtdiscovery.Driver
	if cfg.DHTEnabled {
		dhtCfg := nictukudht.NewConfig()
		dhtCfg.Address = cfg.DHTAddress
		dhtCfg.Port = int(cfg.DHTPort)
		dhtCfg.DHTRouters = "router.bittorrent.com:6881,dht.transmissionbt.com:6881,router.utorrent.com:6881,dht.libtorrent.org:25401,dht.aelitis.com:6881"
		dhtCfg.SaveRoutingTable = false
		dhtNode, err = nictukudht.New(dhtCfg)
		if err != nil {
			db.Close()
			return nil, err
		}
		go dhtNode.Run()
		dhtDriver = dhtdiscovery.New(dhtclient.New(dhtNode), cfg, bus)
	}

	httpClient := tracker.NewHTTPTrackerClient(
		cfg.TrackerPoolMaxConnsTotal,
		cfg.TrackerPoolMaxConnsPerHost,
		cfg.TrackerPoolKeepAlive,
		cfg.TrackerDNSCacheTTL,
		cfg.TrackerHTTPTimeout,
		cfg.TrackerHTTPUserAgent,
	)
	udpSocket, err := tracker.NewUDPSocket(cfg.ListenPortUDP)
	if err != nil {
		db.Close()
		return nil, err
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &Session{
		cfg:             cfg,
		log:             logger.New("session"),
		db:              db,
		peerID:          peerID,
		health:          trackerhealth.New(),
		dhtNode:         dhtNode,
		dhtDriver:       dhtDriver,
		checkpoints:     checkpoints,
		bus:             bus,
		httpClient:      httpClient,
		udpSocket:       udpSocket,
		newPeerManager:  opts.NewPeerManager,
		newPieceManager: opts.NewPieceManager,
		metadata:        opts.Metadata,
		nat:             opts.Nat,
		torrents:        make(map[[20]byte]*Torrent),
		supCtx:          ctx,
		supCancel:       cancel,
	}
	s.orchestrator = announcer.New(s.health)

	go bus.Run()
	go checkpoints.Run(ctx.Done())
	go s.health.RunCleanupLoop(ctx)

	return s, nil
}

func (s *Session) deps() Deps {
	return Deps{
		Config:          s.cfg,
		Health:          s.health,
		Orchestrator:    s.orchestrator,
		DHT:             s.dhtDriver,
		Checkpoints:     s.checkpoints,
		Bus:             s.bus,
		Metadata:        s.metadata,
		Nat:             s.nat,
		HTTPClient:      s.httpClient,
		UDPSocket:       s.udpSocket,
		NewPeerManager:  s.newPeerManager,
		NewPieceManager: s.newPieceManager,
	}
}

func (s *Session) listenPort() int { return int(s.cfg.ListenPortTCP) }

// AddTorrent registers and starts a Torrent built from a parsed .torrent
// file's metadata.
func (s *Session) AddTorrent(mi *metainfo.MetaInfo, name, outputDir string) (*Torrent, error) {
	t := NewFromMetaInfo(mi, name, s.peerID, s.listenPort(), outputDir, s.deps())
	return s.register(t)
}

// AddMagnet registers and starts a metadata-less Torrent skeleton parsed
// from a magnet URI; its info dictionary is filled in once peers supply
// it (see Torrent.onMetadataAvailable).
func (s *Session) AddMagnet(uri, outputDir string) (*Torrent, error) {
	m, err := trackerurl.ParseMagnet(uri)
	if err != nil {
		return nil, err
	}
	t := NewMagnet(m, s.peerID, s.listenPort(), outputDir, s.deps())
	return s.register(t)
}

func (s *Session) register(t *Torrent) (*Torrent, error) {
	s.mu.Lock()
	if _, exists := s.torrents[t.InfoHash()]; exists {
		s.mu.Unlock()
		return nil, fmt.Errorf("torrent %x already added", t.InfoHash())
	}
	s.torrents[t.InfoHash()] = t
	s.mu.Unlock()

	if err := t.Start(s.supCtx); err != nil {
		s.mu.Lock()
		delete(s.torrents, t.InfoHash())
		s.mu.Unlock()
		return nil, err
	}
	return t, nil
}

// RemoveTorrent stops and forgets a torrent.
func (s *Session) RemoveTorrent(infoHash [20]byte) error {
	s.mu.Lock()
	t, ok := s.torrents[infoHash]
	delete(s.torrents, infoHash)
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("torrent %x not found", infoHash)
	}
	t.Stop()
	return nil
}

// Torrent returns the torrent with infoHash, if registered.
func (s *Session) Torrent(infoHash [20]byte) (*Torrent, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.torrents[infoHash]
	return t, ok
}

// Torrents returns every registered torrent.
func (s *Session) Torrents() []*Torrent {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*Torrent, 0, len(s.torrents))
	for _, t := range s.torrents {
		out = append(out, t)
	}
	return out
}

// Bus exposes the shared event bus for external subscribers (e.g. an RPC
// layer forwarding events to clients).
func (s *Session) Bus() *eventbus.Bus { return s.bus }

// Close stops every torrent, the shared DHT node, the event bus, and
// closes the resume database. Torrents are stopped before the session's
// own background loops are canceled, so their Stop sequences still see a
// live checkpoint manager and DHT driver.
func (s *Session) Close() error {
	for _, t := range s.Torrents() {
		t.Stop()
	}
	s.supCancel()
	s.bus.Stop()
	if s.dhtNode != nil {
		s.dhtNode.Stop()
	}
	return s.db.Close()
}

// generatePeerID renders the version-derived prefix followed by random
// bytes filling out the 20-byte peer ID.
func generatePeerID(prefix string) ([20]byte, error) {
	var id [20]byte
	n := copy(id[:], prefix)
	if _, err := io.ReadFull(rand.Reader, id[n:]); err != nil {
		return id, err
	}
	return id, nil
}
