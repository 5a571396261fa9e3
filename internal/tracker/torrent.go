package tracker

import "sync/atomic"

// Progress is the per-torrent byte counters every announce reports.
// Counters are updated through AddUploaded/AddDownloaded/SetLeft and read
// on each announce; atomics avoid a mutex on this hot path.
type Progress struct {
	uploaded   int64
	downloaded int64
	left       int64

	infoHash [20]byte
	peerID   [20]byte
	port     int
}

// NewProgress returns a Progress for a torrent that has not yet sent any
// announce. left is set to OneTiBLeft by the caller when the info
// dictionary size is not yet known (magnet bootstrap).
func NewProgress(infoHash, peerID [20]byte, port int, left int64) *Progress {
	return &Progress{infoHash: infoHash, peerID: peerID, port: port, left: left}
}

func (p *Progress) AddUploaded(n int64)   { atomic.AddInt64(&p.uploaded, n) }
func (p *Progress) AddDownloaded(n int64) { atomic.AddInt64(&p.downloaded, n) }
func (p *Progress) SetLeft(n int64)       { atomic.StoreInt64(&p.left, n) }

// Downloaded returns the cumulative downloaded byte count, used by the
// session to derive an instantaneous download rate across samples.
func (p *Progress) Downloaded() int64 { return atomic.LoadInt64(&p.downloaded) }

// AnnounceParams builds the AnnounceParams for the next announce with the
// given event and numWant; Key is left zero, and a UDPTracker sends its
// own per-tracker random key in its place.
func (p *Progress) AnnounceParams(event Event, numWant int) AnnounceParams {
	return AnnounceParams{
		InfoHash:   p.infoHash,
		PeerID:     p.peerID,
		Port:       p.port,
		Uploaded:   atomic.LoadInt64(&p.uploaded),
		Downloaded: atomic.LoadInt64(&p.downloaded),
		Left:       atomic.LoadInt64(&p.left),
		Event:      event,
		NumWant:    numWant,
	}
}
