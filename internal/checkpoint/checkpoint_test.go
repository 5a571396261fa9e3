package checkpoint

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/boltdb/bolt"
	"github.com/stretchr/testify/require"
)

func openTestDB(t *testing.T) *bolt.DB {
	t.Helper()
	dir := t.TempDir()
	db, err := bolt.Open(filepath.Join(dir, "test.db"), 0600, &bolt.Options{Timeout: time.Second})
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db
}

type fakeSnapshotter struct {
	calls int
	cp    TorrentCheckpoint
}

func (f *fakeSnapshotter) GetCheckpointState(name string, infoHash [20]byte, outputDir string) (TorrentCheckpoint, error) {
	f.calls++
	return f.cp, nil
}

func TestEncodeDecodeCheckpointRoundTrip(t *testing.T) {
	var ih [20]byte
	ih[0] = 0xab
	cp := TorrentCheckpoint{
		InfoHash:  ih,
		Name:      "my-torrent",
		NumPieces: 42,
		OutputDir: "/downloads/my-torrent",
		Bitfield:  []byte{1, 2, 3, 4, 5},
	}
	raw := encodeCheckpoint(cp)
	decoded, err := decodeCheckpoint(raw)
	require.NoError(t, err)
	require.Equal(t, cp.Name, decoded.Name)
	require.Equal(t, cp.NumPieces, decoded.NumPieces)
	require.Equal(t, cp.OutputDir, decoded.OutputDir)
	require.Equal(t, cp.Bitfield, decoded.Bitfield)
}

func TestSaveAndLoadRoundTrip(t *testing.T) {
	db := openTestDB(t)
	m, err := New(db)
	require.NoError(t, err)

	var ih [20]byte
	ih[0] = 1
	cp := TorrentCheckpoint{InfoHash: ih, Name: "t1", NumPieces: 10, OutputDir: "/tmp/t1", Bitfield: []byte{0xff}}
	require.NoError(t, m.save(cp))

	loaded, err := m.Load(ih)
	require.NoError(t, err)
	require.NotNil(t, loaded)
	require.Equal(t, "t1", loaded.Name)
	require.Equal(t, 10, loaded.NumPieces)
}

func TestLoadMissingReturnsNil(t *testing.T) {
	db := openTestDB(t)
	m, err := New(db)
	require.NoError(t, err)

	var ih [20]byte
	ih[0] = 99
	loaded, err := m.Load(ih)
	require.NoError(t, err)
	require.Nil(t, loaded)
}

func TestFlushDueRespectsPieceCountThreshold(t *testing.T) {
	db := openTestDB(t)
	m, err := New(db)
	require.NoError(t, err)
	m.flushPieceCount = 3
	m.flushInterval = time.Hour

	var ih [20]byte
	ih[0] = 7
	snap := &fakeSnapshotter{cp: TorrentCheckpoint{InfoHash: ih, Name: "t7", NumPieces: 5, OutputDir: "/tmp/t7"}}
	m.Register(ih, "t7", "/tmp/t7", snap)

	m.OnPieceVerified(ih)
	m.OnPieceVerified(ih)
	m.flushDue()
	require.Equal(t, 0, snap.calls, "should not flush before threshold")

	m.OnPieceVerified(ih)
	m.flushDue()
	require.Equal(t, 1, snap.calls, "should flush once threshold crossed")
}

func TestFlushDueRespectsIntervalThreshold(t *testing.T) {
	db := openTestDB(t)
	m, err := New(db)
	require.NoError(t, err)
	m.flushPieceCount = 1000
	m.flushInterval = 10 * time.Millisecond

	var ih [20]byte
	ih[0] = 8
	snap := &fakeSnapshotter{cp: TorrentCheckpoint{InfoHash: ih, Name: "t8", NumPieces: 5, OutputDir: "/tmp/t8"}}
	m.Register(ih, "t8", "/tmp/t8", snap)
	m.OnPieceVerified(ih)

	time.Sleep(20 * time.Millisecond)
	m.flushDue()
	require.Equal(t, 1, snap.calls)
}

func TestUnregisterStopsTracking(t *testing.T) {
	db := openTestDB(t)
	m, err := New(db)
	require.NoError(t, err)

	var ih [20]byte
	ih[0] = 9
	snap := &fakeSnapshotter{}
	m.Register(ih, "t9", "/tmp/t9", snap)
	m.Unregister(ih)
	m.OnPieceVerified(ih) // must be a no-op now
	m.flushDue()
	require.Equal(t, 0, snap.calls)
}
