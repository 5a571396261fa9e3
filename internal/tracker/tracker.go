// Package tracker implements announces to HTTP/HTTPS and UDP BitTorrent
// trackers: compact/dictionary peer decoding, scrape, and the BEP 15 UDP
// protocol.
package tracker

import (
	"context"
	"net"
)

// Event is the client-state event sent on an announce.
type Event string

const (
	EventNone      Event = ""
	EventStarted   Event = "started"
	EventStopped   Event = "stopped"
	EventCompleted Event = "completed"
)

// PeerSource identifies where a PeerEndpoint was discovered.
type PeerSource string

const (
	SourceTracker  PeerSource = "tracker"
	SourceDHT      PeerSource = "dht"
	SourcePEX      PeerSource = "pex"
	SourceIncoming PeerSource = "incoming"
)

// SSLCapability is a tri-state flag: a tracker or peer source may not know
// whether a peer accepts encrypted connections.
type SSLCapability int

const (
	SSLUnknown SSLCapability = iota
	SSLYes
	SSLNo
)

// PeerEndpoint is a candidate peer returned by a tracker, DHT lookup, PEX,
// or an incoming connection. Endpoints are deduped by (IP, Port).
type PeerEndpoint struct {
	IP        net.IP
	Port      int
	Source    PeerSource
	SSL       SSLCapability
	QueuedAt  int64 // unix nanos; set by the caller, not by this package
}

// Key returns the (ip, port) dedupe key for this endpoint.
func (p PeerEndpoint) Key() string {
	return p.IP.String() + ":" + itoa(p.Port)
}

func itoa(n int) string {
	if n == 0 {
		return "0"
	}
	neg := n < 0
	if neg {
		n = -n
	}
	var buf [8]byte
	i := len(buf)
	for n > 0 {
		i--
		buf[i] = byte('0' + n%10)
		n /= 10
	}
	if neg {
		i--
		buf[i] = '-'
	}
	return string(buf[i:])
}

// AnnounceParams carries a single announce request's parameters.
type AnnounceParams struct {
	InfoHash   [20]byte
	PeerID     [20]byte
	Port       int
	Uploaded   int64
	Downloaded int64
	Left       int64
	Event      Event
	NumWant    int
	Key        uint32
}

// Response is a parsed tracker announce response.
type Response struct {
	IntervalSeconds    int
	MinIntervalSeconds int
	TrackerID          string
	Complete           int
	Incomplete         int
	WarningMessage     string
	Peers              []PeerEndpoint
	DiscoveredTrackers []string
}

// ScrapeResult is swarm statistics for a single torrent, returned
// best-effort: any error yields a zero ScrapeResult.
type ScrapeResult struct {
	Seeders   int
	Leechers  int
	Completed int
}

// Tracker abstracts a single tracker endpoint, HTTP(S) or UDP.
type Tracker interface {
	// URL returns the normalized tracker URL this instance announces to.
	URL() string
	// Announce performs one announce and returns the parsed response.
	Announce(ctx context.Context, params AnnounceParams) (*Response, error)
	// SupportsScrape reports whether Scrape is implemented for this
	// tracker instance.
	SupportsScrape() bool
	// Scrape fetches swarm statistics for infoHash. Best-effort: errors
	// are swallowed by callers into an empty ScrapeResult.
	Scrape(ctx context.Context, infoHash [20]byte) (*ScrapeResult, error)
}

// OneTiBLeft is the sentinel "left" value sent for magnet links without
// metadata yet: large enough that trackers don't treat the torrent as
// complete (left=0), but not the maximum int64, which some trackers treat
// as malformed.
const OneTiBLeft int64 = 1 << 40
