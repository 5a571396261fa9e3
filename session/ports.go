package session

import (
	"context"

	"github.com/cenkalti/peerengine/internal/checkpoint"
	"github.com/cenkalti/peerengine/internal/metainfo"
	"github.com/cenkalti/peerengine/internal/tracker"
)

// PeerManager is the external collaborator that owns wire-level peer
// connections, handshakes, and the choking algorithm. The core never
// inspects wire state; it only registers callbacks and hands over
// candidate endpoints.
type PeerManager interface {
	ConnectToPeers(peers []tracker.PeerEndpoint)
	ActivePeers() []tracker.PeerEndpoint
	OnPeerConnected(func(tracker.PeerEndpoint))
	OnPeerDisconnected(func(tracker.PeerEndpoint))
	OnPieceReceived(func(pieceIndex int))
	OnBitfieldReceived(func(bitfield []byte))
}

// PieceManager is the external collaborator that owns on-disk storage,
// piece verification, and file assembly.
type PieceManager interface {
	checkpoint.Snapshotter
	StartDownload(pm PeerManager) error
	NumPieces() int
	PieceLength() int64
	VerifiedPieces() int
	IsDownloading() bool
	OnMetadataAvailable(info *metainfo.Info)
}

// NatManager maps an internal listen port to an externally reachable one.
// A torrent without NAT traversal configured simply never finds a
// mapping, and announces its internal port unchanged.
type NatManager interface {
	GetExternalPort(internalPort int, protocol string) (externalPort int, ok bool)
}

// MetadataFetcher resolves a magnet link's info dictionary from newly
// discovered peers over BEP 9. Every wire-level detail of that exchange
// lives behind this port; the core only awaits the result.
type MetadataFetcher interface {
	FetchMetadata(ctx context.Context, infoHash [20]byte, peers []tracker.PeerEndpoint) (info *metainfo.Info, rawInfo []byte, err error)
}

// PeerManagerFactory builds the PeerManager for one torrent once its
// listen port is known.
type PeerManagerFactory func(infoHash [20]byte, port int) PeerManager

// PieceManagerFactory builds the PieceManager for one torrent once its
// info dictionary is known (immediately for ordinary torrents, or once
// magnet metadata arrives).
type PieceManagerFactory func(infoHash [20]byte, info *metainfo.Info, outputDir string) PieceManager
