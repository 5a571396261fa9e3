package tracker

import (
	"encoding/binary"
	"fmt"
	"net"

	"github.com/cenkalti/peerengine/bencode"
	"github.com/cenkalti/peerengine/internal/coreerror"
)

// decodeCompactPeers decodes the compact peer format: 6 bytes per IPv4
// peer (4-byte network-order IP, 2-byte network-order port) or 18 bytes
// per IPv6 peer. Input whose length is not a multiple of the entry size
// is rejected as malformed; entries with port 0 are skipped.
func decodeCompactPeers(b []byte, v6 bool) ([]PeerEndpoint, error) {
	entrySize := 6
	ipLen := 4
	if v6 {
		entrySize = 18
		ipLen = 16
	}
	if len(b)%entrySize != 0 {
		return nil, coreerror.Malformed(fmt.Sprintf("compact peer data length %d not divisible by %d", len(b), entrySize), b)
	}
	out := make([]PeerEndpoint, 0, len(b)/entrySize)
	for i := 0; i+entrySize <= len(b); i += entrySize {
		ip := net.IP(append([]byte(nil), b[i:i+ipLen]...))
		port := int(binary.BigEndian.Uint16(b[i+ipLen : i+ipLen+2]))
		if port < 1 || port > 65535 {
			continue
		}
		out = append(out, PeerEndpoint{IP: ip, Port: port, Source: SourceTracker})
	}
	return out, nil
}

// decodeDictionaryPeers decodes the dictionary peer list shape: a bencode
// list of {ip, port[, peer id]} dicts.
func decodeDictionaryPeers(list bencode.List) []PeerEndpoint {
	out := make([]PeerEndpoint, 0, len(list))
	for _, item := range list {
		d, ok := item.(bencode.Dict)
		if !ok {
			continue
		}
		ipRaw, ok := d["ip"].([]byte)
		if !ok {
			continue
		}
		ip := net.ParseIP(string(ipRaw))
		if ip == nil {
			continue
		}
		portVal, ok := d["port"].(int64)
		if !ok {
			continue
		}
		if portVal < 1 || portVal > 65535 {
			continue
		}
		out = append(out, PeerEndpoint{IP: ip, Port: int(portVal), Source: SourceTracker})
	}
	return out
}
