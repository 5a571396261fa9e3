// Package checkpoint batches piece-verified signals into durable,
// boltdb-backed snapshots: one key per torrent, flushed on a timer or
// a piece-count threshold, whichever comes first.
package checkpoint

import (
	"encoding/binary"
	"sync"
	"time"

	"github.com/boltdb/bolt"

	"github.com/cenkalti/peerengine/internal/logger"
)

const (
	defaultFlushInterval   = time.Second
	defaultFlushPieceCount = 20
)

// TorrentCheckpoint is the opaque-to-everyone-but-the-piece-manager
// snapshot persisted for one torrent.
type TorrentCheckpoint struct {
	InfoHash   [20]byte
	Name       string
	NumPieces  int
	OutputDir  string
	Bitfield   []byte // opaque progress blob, piece-manager's choice of encoding
}

// Snapshotter is the piece manager's side of the contract: it alone knows
// how to render its current bitfield/progress state.
type Snapshotter interface {
	GetCheckpointState(name string, infoHash [20]byte, outputDir string) (TorrentCheckpoint, error)
}

// pending tracks one torrent's accumulated piece-verified signals between
// flushes.
type pending struct {
	mu           sync.Mutex
	piecesSince  int
	lastFlush    time.Time
	snapshotter  Snapshotter
	name         string
	infoHash     [20]byte
	outputDir    string
	flushingNow  bool
}

// Manager owns the boltdb checkpoint bucket (one key per torrent, the
// infohash) and the flush scheduling for every registered torrent.
type Manager struct {
	db  *bolt.DB
	log logger.Logger

	flushInterval   time.Duration
	flushPieceCount int

	mu       sync.Mutex
	torrents map[string]*pending
}

var bucketName = []byte("checkpoints")

// New opens (creating if absent) the top-level checkpoints bucket in db.
func New(db *bolt.DB) (*Manager, error) {
	err := db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketName)
		return err
	})
	if err != nil {
		return nil, err
	}
	return &Manager{
		db:              db,
		log:             logger.New("checkpoint"),
		flushInterval:   defaultFlushInterval,
		flushPieceCount: defaultFlushPieceCount,
		torrents:         make(map[string]*pending),
	}, nil
}

func key(infoHash [20]byte) string { return string(infoHash[:]) }

// Register starts tracking a torrent's piece-verified signals.
func (m *Manager) Register(infoHash [20]byte, name, outputDir string, snap Snapshotter) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.torrents[key(infoHash)] = &pending{
		snapshotter: snap,
		name:        name,
		infoHash:    infoHash,
		outputDir:   outputDir,
		lastFlush:   time.Now(),
	}
}

// Unregister stops tracking infoHash; an in-flight flush is allowed to
// finish.
func (m *Manager) Unregister(infoHash [20]byte) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.torrents, key(infoHash))
}

// OnPieceVerified records one piece-verified signal; the caller's own
// background ticking (via Run) performs the actual flush decision, this
// only bumps the counter so Run's threshold check is fast and lock-free
// from the signal-producer's perspective beyond a single counter mutation.
func (m *Manager) OnPieceVerified(infoHash [20]byte) {
	m.mu.Lock()
	p, ok := m.torrents[key(infoHash)]
	m.mu.Unlock()
	if !ok {
		return
	}
	p.mu.Lock()
	p.piecesSince++
	p.mu.Unlock()
}

// Run ticks every 250ms, flushing any torrent whose batch window
// (flushInterval elapsed OR flushPieceCount pieces accumulated) has
// closed. Flushes per torrent are serialized: at most one write-to-disk
// in flight per torrent at a time.
func (m *Manager) Run(stop <-chan struct{}) {
	ticker := time.NewTicker(250 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			m.flushDue()
		case <-stop:
			return
		}
	}
}

func (m *Manager) flushDue() {
	m.mu.Lock()
	due := make([]*pending, 0, len(m.torrents))
	for _, p := range m.torrents {
		due = append(due, p)
	}
	m.mu.Unlock()

	for _, p := range due {
		p.mu.Lock()
		shouldFlush := p.piecesSince > 0 &&
			(p.piecesSince >= m.flushPieceCount || time.Since(p.lastFlush) >= m.flushInterval)
		alreadyFlushing := p.flushingNow
		if shouldFlush && !alreadyFlushing {
			p.flushingNow = true
		}
		p.mu.Unlock()
		if !shouldFlush || alreadyFlushing {
			continue
		}
		m.flushOne(p)
	}
}

func (m *Manager) flushOne(p *pending) {
	defer func() {
		p.mu.Lock()
		p.flushingNow = false
		p.mu.Unlock()
	}()
	cp, err := p.snapshotter.GetCheckpointState(p.name, p.infoHash, p.outputDir)
	if err != nil {
		m.log.Errorf("checkpoint state for %s: %v", p.name, err)
		return
	}
	if err := m.save(cp); err != nil {
		m.log.Errorf("checkpoint save for %s: %v", p.name, err)
		return
	}
	p.mu.Lock()
	p.piecesSince = 0
	p.lastFlush = time.Now()
	p.mu.Unlock()
}

// save persists cp under a per-torrent bucket key, boltdb-backed.
func (m *Manager) save(cp TorrentCheckpoint) error {
	return m.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketName)
		buf := encodeCheckpoint(cp)
		return b.Put(cp.InfoHash[:], buf)
	})
}

// Load reads back the last-saved checkpoint for infoHash, if any.
func (m *Manager) Load(infoHash [20]byte) (*TorrentCheckpoint, error) {
	var cp *TorrentCheckpoint
	err := m.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketName)
		raw := b.Get(infoHash[:])
		if raw == nil {
			return nil
		}
		decoded, err := decodeCheckpoint(raw)
		if err != nil {
			return err
		}
		cp = decoded
		return nil
	})
	return cp, err
}

// encodeCheckpoint renders a TorrentCheckpoint as: 4-byte name length,
// name, 4-byte num_pieces, 4-byte output_dir length, output_dir, then the
// opaque bitfield blob verbatim. Deliberately simple and not shared with
// the tracker bencode codec: this schema belongs to checkpoint storage,
// not the wire protocol.
func encodeCheckpoint(cp TorrentCheckpoint) []byte {
	nameBytes := []byte(cp.Name)
	dirBytes := []byte(cp.OutputDir)
	buf := make([]byte, 0, 4+len(nameBytes)+4+4+len(dirBytes)+len(cp.Bitfield))
	buf = appendUint32(buf, uint32(len(nameBytes)))
	buf = append(buf, nameBytes...)
	buf = appendUint32(buf, uint32(cp.NumPieces))
	buf = appendUint32(buf, uint32(len(dirBytes)))
	buf = append(buf, dirBytes...)
	buf = append(buf, cp.Bitfield...)
	return buf
}

func decodeCheckpoint(raw []byte) (*TorrentCheckpoint, error) {
	cp := &TorrentCheckpoint{}
	off := 0
	nameLen, off, err := readUint32(raw, off)
	if err != nil {
		return nil, err
	}
	cp.Name = string(raw[off : off+int(nameLen)])
	off += int(nameLen)

	numPieces, off, err := readUint32(raw, off)
	if err != nil {
		return nil, err
	}
	cp.NumPieces = int(numPieces)

	dirLen, off, err := readUint32(raw, off)
	if err != nil {
		return nil, err
	}
	cp.OutputDir = string(raw[off : off+int(dirLen)])
	off += int(dirLen)

	cp.Bitfield = append([]byte(nil), raw[off:]...)
	return cp, nil
}

func appendUint32(buf []byte, v uint32) []byte {
	var tmp [4]byte
	binary.BigEndian.PutUint32(tmp[:], v)
	return append(buf, tmp[:]...)
}

func readUint32(raw []byte, off int) (uint32, int, error) {
	if off+4 > len(raw) {
		return 0, 0, errCheckpointTruncated
	}
	return binary.BigEndian.Uint32(raw[off : off+4]), off + 4, nil
}

var errCheckpointTruncated = &truncatedError{}

type truncatedError struct{}

func (*truncatedError) Error() string { return "checkpoint record truncated" }
