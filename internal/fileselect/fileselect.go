// Package fileselect builds the piece<->file map for a torrent's metadata
// and manages per-file selection/priority state, excluding BEP 47 padding
// files from both download and piece-need calculations.
package fileselect

import (
	"sort"
	"sync"

	"github.com/cenkalti/peerengine/internal/eventbus"
	"github.com/cenkalti/peerengine/internal/metainfo"
)

// Priority is a file's download priority.
type Priority int

const (
	PriorityDoNotDownload Priority = iota
	PriorityLow
	PriorityNormal
	PriorityHigh
	PriorityMaximum
)

// FileSpan is one (file_index, offset_within_file, length) triple that a
// piece covers.
type FileSpan struct {
	FileIndex int
	Offset    int64
	Length    int64
}

// FileState is one file's selection/priority/progress state.
type FileState struct {
	Index           int
	Length          int64
	Path            []string
	IsPadding       bool
	Selected        bool
	Priority        Priority
	BytesDownloaded int64
}

// Manager owns the PieceFileMap and every file's selection state for one
// torrent. The piece↔file map is built once at construction and never
// changes, so SpansForPiece and PiecesForFile read it without a lock;
// every access to per-file selection state holds mu.
type Manager struct {
	mu    sync.Mutex
	files []*FileState

	pieceToFiles map[int][]FileSpan
	fileToPieces map[int][]int

	bus      *eventbus.Bus
	infoHash [20]byte
}

// New builds the PieceFileMap for info (single- or multi-file) and the
// default FileState list: every non-padding file selected at Normal
// priority, every padding file excluded.
func New(info *metainfo.Info, infoHash [20]byte, bus *eventbus.Bus) *Manager {
	m := &Manager{
		pieceToFiles: make(map[int][]FileSpan),
		fileToPieces: make(map[int][]int),
		bus:          bus,
		infoHash:     infoHash,
	}

	entries := fileEntries(info)
	var offset int64
	for idx, e := range entries {
		fs := &FileState{
			Index:     idx,
			Length:    e.Length,
			Path:      e.Path,
			IsPadding: e.IsPadding(),
			Selected:  !e.IsPadding(),
			Priority:  PriorityNormal,
		}
		if fs.IsPadding {
			fs.Priority = PriorityDoNotDownload
			fs.Selected = false
		}
		m.files = append(m.files, fs)

		if !fs.IsPadding {
			m.mapFileToPieces(idx, offset, e.Length, info.PieceLength)
		}
		offset += e.Length
	}

	for fi, pieces := range m.fileToPieces {
		sort.Ints(pieces)
		m.fileToPieces[fi] = pieces
	}
	return m
}

func fileEntries(info *metainfo.Info) []metainfo.FileEntry {
	if len(info.Files) > 0 {
		return info.Files
	}
	return []metainfo.FileEntry{{Length: info.Length, Path: []string{info.Name}}}
}

// mapFileToPieces records the (file_index, offset, length) span in every
// piece that [fileStart, fileStart+fileLength) intersects.
func (m *Manager) mapFileToPieces(fileIndex int, fileStart, fileLength, pieceLength int64) {
	if fileLength == 0 {
		return
	}
	fileEnd := fileStart + fileLength
	firstPiece := int(fileStart / pieceLength)
	lastPiece := int((fileEnd - 1) / pieceLength)
	for p := firstPiece; p <= lastPiece; p++ {
		pieceStart := int64(p) * pieceLength
		pieceEnd := pieceStart + pieceLength
		spanStart := max64(fileStart, pieceStart)
		spanEnd := min64(fileEnd, pieceEnd)
		if spanEnd <= spanStart {
			continue
		}
		m.pieceToFiles[p] = append(m.pieceToFiles[p], FileSpan{
			FileIndex: fileIndex,
			Offset:    spanStart - fileStart,
			Length:    spanEnd - spanStart,
		})
		m.fileToPieces[fileIndex] = append(m.fileToPieces[fileIndex], p)
	}
}

func max64(a, b int64) int64 {
	if a > b {
		return a
	}
	return b
}

func min64(a, b int64) int64 {
	if a < b {
		return a
	}
	return b
}

// SpansForPiece returns the file spans covering piece p.
func (m *Manager) SpansForPiece(p int) []FileSpan { return m.pieceToFiles[p] }

// PiecesForFile returns the ascending piece indices covering file fi.
func (m *Manager) PiecesForFile(fi int) []int { return m.fileToPieces[fi] }

// IsPieceNeeded reports whether any file covering piece p is selected.
func (m *Manager) IsPieceNeeded(p int) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, span := range m.pieceToFiles[p] {
		if m.files[span.FileIndex].Selected {
			return true
		}
	}
	return false
}

// GetPiecePriority returns the max priority among selected files covering
// piece p, or PriorityDoNotDownload if none are selected.
func (m *Manager) GetPiecePriority(p int) Priority {
	m.mu.Lock()
	defer m.mu.Unlock()
	best := PriorityDoNotDownload
	for _, span := range m.pieceToFiles[p] {
		f := m.files[span.FileIndex]
		if f.Selected && f.Priority > best {
			best = f.Priority
		}
	}
	return best
}

// TotalSelectedBytes sums the length of every currently-selected file.
func (m *Manager) TotalSelectedBytes() int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	var total int64
	for _, f := range m.files {
		if f.Selected {
			total += f.Length
		}
	}
	return total
}

// Files returns a snapshot of every file's state.
func (m *Manager) Files() []FileState {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]FileState, len(m.files))
	for i, f := range m.files {
		out[i] = *f
	}
	return out
}

func (m *Manager) publish(eventType string, fileIndices []int) {
	if m.bus == nil {
		return
	}
	m.bus.Publish(eventbus.Event{
		Type:     eventType,
		Priority: eventbus.PriorityNormal,
		Data: map[string]interface{}{
			"info_hash":    m.infoHash,
			"file_indices": fileIndices,
		},
	})
}

// Select marks file index fi as selected, skipping padding files.
func (m *Manager) Select(fi int) { m.setSelected([]int{fi}, true) }

// Deselect marks file index fi as not selected.
func (m *Manager) Deselect(fi int) { m.setSelected([]int{fi}, false) }

// SelectMany marks every index in fis as selected.
func (m *Manager) SelectMany(fis []int) { m.setSelected(fis, true) }

// DeselectMany marks every index in fis as not selected.
func (m *Manager) DeselectMany(fis []int) { m.setSelected(fis, false) }

// SelectAll selects every non-padding file.
func (m *Manager) SelectAll() {
	m.mu.Lock()
	var idx []int
	for _, f := range m.files {
		if f.IsPadding {
			continue
		}
		f.Selected = true
		idx = append(idx, f.Index)
	}
	m.mu.Unlock()
	m.publish("FileSelectionChanged", idx)
}

// DeselectAll deselects every file.
func (m *Manager) DeselectAll() {
	m.mu.Lock()
	var idx []int
	for _, f := range m.files {
		f.Selected = false
		idx = append(idx, f.Index)
	}
	m.mu.Unlock()
	m.publish("FileSelectionChanged", idx)
}

func (m *Manager) setSelected(fis []int, selected bool) {
	m.mu.Lock()
	var changed []int
	for _, fi := range fis {
		if fi < 0 || fi >= len(m.files) {
			continue
		}
		f := m.files[fi]
		if f.IsPadding {
			continue
		}
		f.Selected = selected
		changed = append(changed, fi)
	}
	m.mu.Unlock()
	m.publish("FileSelectionChanged", changed)
}

// SetPriority sets file fi's priority, skipping padding files.
func (m *Manager) SetPriority(fi int, p Priority) {
	m.mu.Lock()
	var changed []int
	if fi >= 0 && fi < len(m.files) && !m.files[fi].IsPadding {
		m.files[fi].Priority = p
		changed = []int{fi}
	}
	m.mu.Unlock()
	if len(changed) > 0 {
		m.publish("FilePriorityChanged", changed)
	}
}

// UpdateProgress adds bytesDownloaded to file fi's progress counter.
func (m *Manager) UpdateProgress(fi int, bytesDownloaded int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if fi < 0 || fi >= len(m.files) {
		return
	}
	m.files[fi].BytesDownloaded += bytesDownloaded
}
