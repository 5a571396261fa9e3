package session

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cenkalti/peerengine/internal/config"
	"github.com/cenkalti/peerengine/internal/metainfo"
)

func testConfig(t *testing.T) *config.Config {
	cfg := config.DefaultConfig
	cfg.DHTEnabled = false
	cfg.Database = filepath.Join(t.TempDir(), "resume.db")
	cfg.ListenPortUDP = 0
	return &cfg
}

func newTestSession(t *testing.T) *Session {
	s, err := New(testConfig(t), Options{})
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestNewOpensDatabaseAndStartsLoops(t *testing.T) {
	s := newTestSession(t)
	assert.NotNil(t, s.db)
	assert.NotNil(t, s.bus)
	assert.Nil(t, s.dhtDriver, "dht disabled in test config must leave the driver unset")
}

func TestGeneratePeerIDUsesPrefix(t *testing.T) {
	id, err := generatePeerID("-BT0100-")
	require.NoError(t, err)
	assert.Equal(t, "-BT0100-", string(id[:8]))
}

func TestAddTorrentRejectsDuplicateInfoHash(t *testing.T) {
	s := newTestSession(t)
	info := &metainfo.Info{PieceLength: 16384, Pieces: make([]byte, 20), Length: 16384}
	mi := &metainfo.MetaInfo{Info: info, RawInfo: []byte("d4:infod6:lengthi16384eee")}

	_, err := s.AddTorrent(mi, "dup", t.TempDir())
	require.NoError(t, err)

	_, err = s.AddTorrent(mi, "dup", t.TempDir())
	assert.Error(t, err)
}

func TestRemoveTorrentForgetsIt(t *testing.T) {
	s := newTestSession(t)
	info := &metainfo.Info{PieceLength: 16384, Pieces: make([]byte, 20), Length: 16384}
	mi := &metainfo.MetaInfo{Info: info, RawInfo: []byte("d4:infod6:lengthi16384eee")}
	tor, err := s.AddTorrent(mi, "t", t.TempDir())
	require.NoError(t, err)

	require.NoError(t, s.RemoveTorrent(tor.InfoHash()))
	_, ok := s.Torrent(tor.InfoHash())
	assert.False(t, ok)

	err = s.RemoveTorrent(tor.InfoHash())
	assert.Error(t, err)
}

func TestAddMagnetParsesURI(t *testing.T) {
	s := newTestSession(t)
	uri := "magnet:?xt=urn:btih:0123456789abcdef0123456789abcdef01234567&dn=example"
	tor, err := s.AddMagnet(uri, t.TempDir())
	require.NoError(t, err)
	assert.Equal(t, "example", tor.Name())
}
