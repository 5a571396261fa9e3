package fileselect

import (
	"testing"

	"github.com/cenkalti/peerengine/internal/metainfo"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func multiFileInfo() *metainfo.Info {
	return &metainfo.Info{
		PieceLength: 16,
		Pieces:      make([]byte, 20*10),
		Files: []metainfo.FileEntry{
			{Length: 10, Path: []string{"a.bin"}},
			{Length: 6, Path: []string{"a.bin.pad"}, PathAttr: "p"},
			{Length: 20, Path: []string{"b.bin"}},
		},
	}
}

func TestNewExcludesPaddingFromSelection(t *testing.T) {
	var ih [20]byte
	m := New(multiFileInfo(), ih, nil)
	files := m.Files()
	require.Len(t, files, 3)
	assert.True(t, files[0].Selected)
	assert.False(t, files[1].Selected)
	assert.True(t, files[1].IsPadding)
	assert.True(t, files[2].Selected)
}

func TestPieceFileMapCoversAlignedBoundaries(t *testing.T) {
	var ih [20]byte
	m := New(multiFileInfo(), ih, nil)
	// file a.bin: bytes [0,10), piece 0 covers [0,16)
	spans := m.SpansForPiece(0)
	require.NotEmpty(t, spans)
	foundA := false
	for _, s := range spans {
		if s.FileIndex == 0 {
			foundA = true
			assert.Equal(t, int64(0), s.Offset)
			assert.Equal(t, int64(10), s.Length)
		}
	}
	assert.True(t, foundA)

	// padding file (index 1) must never appear in any piece's span list
	for p := 0; p < 3; p++ {
		for _, s := range m.SpansForPiece(p) {
			assert.NotEqual(t, 1, s.FileIndex)
		}
	}
}

func TestIsPieceNeededReflectsSelection(t *testing.T) {
	var ih [20]byte
	m := New(multiFileInfo(), ih, nil)
	assert.True(t, m.IsPieceNeeded(0))
	m.DeselectAll()
	assert.False(t, m.IsPieceNeeded(0))
}

func TestGetPiecePriorityIsMaxAmongSelected(t *testing.T) {
	var ih [20]byte
	m := New(multiFileInfo(), ih, nil)
	m.SetPriority(0, PriorityLow)
	m.SetPriority(2, PriorityMaximum)
	// piece 0 is covered only by file 0 (bytes 0..10 < 16)
	assert.Equal(t, PriorityLow, m.GetPiecePriority(0))
}

func TestTotalSelectedBytesExcludesDeselected(t *testing.T) {
	var ih [20]byte
	m := New(multiFileInfo(), ih, nil)
	total := m.TotalSelectedBytes()
	assert.Equal(t, int64(30), total) // 10 + 20, padding excluded

	m.Deselect(0)
	assert.Equal(t, int64(20), m.TotalSelectedBytes())
}

func TestSelectDeselectIgnorePaddingFiles(t *testing.T) {
	var ih [20]byte
	m := New(multiFileInfo(), ih, nil)
	m.Select(1) // padding file, must stay deselected
	files := m.Files()
	assert.False(t, files[1].Selected)
}

func TestSingleFileTorrentUsesNameAsPath(t *testing.T) {
	info := &metainfo.Info{PieceLength: 16, Pieces: make([]byte, 20), Name: "solo.bin", Length: 10}
	var ih [20]byte
	m := New(info, ih, nil)
	files := m.Files()
	require.Len(t, files, 1)
	assert.Equal(t, []string{"solo.bin"}, files[0].Path)
}

func TestPiecesForFileSortedAscending(t *testing.T) {
	var ih [20]byte
	m := New(multiFileInfo(), ih, nil)
	pieces := m.PiecesForFile(2) // b.bin spans [16, 36)
	require.NotEmpty(t, pieces)
	for i := 1; i < len(pieces); i++ {
		assert.Less(t, pieces[i-1], pieces[i])
	}
}
