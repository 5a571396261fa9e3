package metainfo

import (
	"crypto/sha1"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cenkalti/peerengine/bencode"
)

func singleFileTorrent() string {
	return "d8:announce16:http://t.example" +
		"13:announce-listll16:http://t.exampleee" +
		"4:infod6:lengthi1024e4:name8:test.bin12:piece lengthi512e" +
		"6:pieces40:" + strings.Repeat("A", 40) + "ee"
}

func TestNewParsesSingleFileTorrent(t *testing.T) {
	mi, err := New(strings.NewReader(singleFileTorrent()))
	require.NoError(t, err)
	assert.Equal(t, "http://t.example", mi.Announce)
	require.Len(t, mi.AnnounceList, 1)
	assert.Equal(t, "test.bin", mi.Info.Name)
	assert.EqualValues(t, 1024, mi.Info.Length)
	assert.EqualValues(t, 512, mi.Info.PieceLength)
	assert.Equal(t, 2, mi.Info.NumPieces())
}

func TestInfoHashMatchesSHA1OfRawInfo(t *testing.T) {
	mi, err := New(strings.NewReader(singleFileTorrent()))
	require.NoError(t, err)
	want := sha1.Sum(mi.RawInfo)
	assert.Equal(t, want, InfoHash(mi.RawInfo))
}

func TestTotalLengthSumsMultiFileEntries(t *testing.T) {
	info := &Info{
		Files: []FileEntry{
			{Length: 100, Path: []string{"a"}},
			{Length: 200, Path: []string{"b"}},
		},
	}
	assert.EqualValues(t, 300, info.TotalLength())
}

func TestFileEntryIsPaddingDetectsAttrAndPath(t *testing.T) {
	assert.True(t, FileEntry{PathAttr: "p"}.IsPadding())
	assert.True(t, FileEntry{Path: []string{"dir", ".pad", "0"}}.IsPadding())
	assert.False(t, FileEntry{Path: []string{"movie.mkv"}}.IsPadding())
}

func TestPieceHashReturnsExpectedSlice(t *testing.T) {
	pieces := make([]byte, 40)
	for i := range pieces {
		pieces[i] = byte(i)
	}
	info := &Info{Pieces: pieces}
	h := info.PieceHash(1)
	assert.Equal(t, pieces[20:40], h[:])
}

func TestNewRejectsMissingInfoDict(t *testing.T) {
	raw, err := bencode.Encode(bencode.Dict{"announce": []byte("http://t")})
	require.NoError(t, err)
	_, err = New(strings.NewReader(string(raw)))
	assert.Error(t, err)
}

func TestNewInfoRejectsPiecesNotMultipleOf20(t *testing.T) {
	raw, err := bencode.Encode(bencode.Dict{
		"piece length": int64(512),
		"pieces":       []byte("short"),
		"length":       int64(10),
	})
	require.NoError(t, err)
	_, err = NewInfo(raw)
	assert.Error(t, err)
}
