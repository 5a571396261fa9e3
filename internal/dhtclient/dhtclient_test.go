package dhtclient

import (
	"net"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/cenkalti/peerengine/internal/tracker"
)

func TestDecodePeersSkipsMalformedEntries(t *testing.T) {
	good := string([]byte{1, 2, 3, 4, 0x1a, 0xe1}) // 1.2.3.4:6881
	peers := decodePeers([]string{good, "short", good}, 0)
	assert.Len(t, peers, 2)
	assert.Equal(t, net.IPv4(1, 2, 3, 4).String(), peers[0].IP.String())
	assert.Equal(t, 6881, peers[0].Port)
	assert.Equal(t, tracker.SourceDHT, peers[0].Source)
}

func TestDecodePeersRespectsMaxPeers(t *testing.T) {
	good := string([]byte{1, 2, 3, 4, 0x1a, 0xe1})
	peers := decodePeers([]string{good, good, good}, 2)
	assert.Len(t, peers, 2)
}

func TestDecodePeersDropsZeroPort(t *testing.T) {
	zeroPort := string([]byte{1, 2, 3, 4, 0, 0})
	peers := decodePeers([]string{zeroPort}, 0)
	assert.Len(t, peers, 0)
}
