// Package metainfo parses .torrent files and magnet-supplied info
// dictionaries into the Info needed by the piece/file-selection layer.
package metainfo

import (
	"crypto/sha1"
	"io"
	"io/ioutil"

	"github.com/cenkalti/peerengine/bencode"
	"github.com/cenkalti/peerengine/internal/coreerror"
)

// MetaInfo is the top-level .torrent file dictionary.
type MetaInfo struct {
	Info         *Info
	RawInfo      bencode.RawMessage
	Announce     string
	AnnounceList [][]string
	CreationDate int64
	Comment      string
	CreatedBy    string
	Encoding     string
}

// FileEntry is one file within a multi-file torrent's info dictionary.
// PathAttr carries BEP 47's "attr" field; a "p" anywhere in it marks a
// padding file.
type FileEntry struct {
	Length   int64
	Path     []string
	PathAttr string
}

// IsPadding reports whether this file is a BEP 47 padding file: padding
// files occupy bytes so piece boundaries align to file boundaries, but
// are never selected for download. A file counts as padding if its attr
// contains 'p' or any component of its path is ".pad".
func (f FileEntry) IsPadding() bool {
	for _, c := range f.PathAttr {
		if c == 'p' {
			return true
		}
	}
	for _, c := range f.Path {
		if c == ".pad" {
			return true
		}
	}
	return false
}

// Info is the parsed "info" dictionary: piece hashes plus either a
// single-file Length or a multi-file Files list.
type Info struct {
	PieceLength int64
	Pieces      []byte // concatenated 20-byte SHA-1 hashes
	Name        string
	Length      int64 // single-file mode; 0 when Files is set
	Files       []FileEntry
	Private     bool
}

// NumPieces returns len(Pieces)/20.
func (i *Info) NumPieces() int { return len(i.Pieces) / 20 }

// TotalLength sums every file's length (single-file Length, or every
// FileEntry.Length, padding included — padding occupies real byte ranges).
func (i *Info) TotalLength() int64 {
	if len(i.Files) == 0 {
		return i.Length
	}
	var total int64
	for _, f := range i.Files {
		total += f.Length
	}
	return total
}

// PieceHash returns the expected 20-byte SHA-1 hash for piece index p.
func (i *Info) PieceHash(p int) [20]byte {
	var h [20]byte
	copy(h[:], i.Pieces[p*20:p*20+20])
	return h
}

// NewInfo parses a raw bencoded info dictionary.
func NewInfo(raw bencode.RawMessage) (*Info, error) {
	v, err := bencode.Decode(raw)
	if err != nil {
		return nil, err
	}
	d, ok := v.(bencode.Dict)
	if !ok {
		return nil, coreerror.Malformed("info is not a dict", raw)
	}
	info := &Info{}
	pieceLength, ok := d["piece length"].(int64)
	if !ok {
		return nil, coreerror.Malformed("info missing piece length", raw)
	}
	info.PieceLength = pieceLength

	pieces, ok := d["pieces"].([]byte)
	if !ok || len(pieces)%20 != 0 {
		return nil, coreerror.Malformed("info pieces must be a multiple of 20 bytes", raw)
	}
	info.Pieces = pieces

	if name, ok := d["name"].([]byte); ok {
		info.Name = string(name)
	}
	if priv, ok := d["private"].(int64); ok && priv == 1 {
		info.Private = true
	}

	if length, ok := d["length"].(int64); ok {
		info.Length = length
		return info, nil
	}
	filesList, ok := d["files"].(bencode.List)
	if !ok {
		return nil, coreerror.Malformed("info has neither length nor files", raw)
	}
	for _, fv := range filesList {
		fd, ok := fv.(bencode.Dict)
		if !ok {
			return nil, coreerror.Malformed("files entry is not a dict", raw)
		}
		length, ok := fd["length"].(int64)
		if !ok {
			return nil, coreerror.Malformed("file entry missing length", raw)
		}
		pathList, ok := fd["path"].(bencode.List)
		if !ok {
			return nil, coreerror.Malformed("file entry missing path", raw)
		}
		path := make([]string, 0, len(pathList))
		for _, pv := range pathList {
			pb, ok := pv.([]byte)
			if !ok {
				return nil, coreerror.Malformed("file path component is not a string", raw)
			}
			path = append(path, string(pb))
		}
		attr := ""
		if av, ok := fd["attr"].([]byte); ok {
			attr = string(av)
		}
		info.Files = append(info.Files, FileEntry{Length: length, Path: path, PathAttr: attr})
	}
	return info, nil
}

// InfoHash returns the SHA-1 of the raw info dictionary bytes, the
// torrent's canonical infohash.
func InfoHash(raw bencode.RawMessage) [20]byte {
	return sha1.Sum(raw)
}

// New parses a .torrent file from r.
func New(r io.Reader) (*MetaInfo, error) {
	b, err := ioutil.ReadAll(r)
	if err != nil {
		return nil, err
	}
	v, err := bencode.Decode(b)
	if err != nil {
		return nil, err
	}
	d, ok := v.(bencode.Dict)
	if !ok {
		return nil, coreerror.Malformed("torrent file is not a dict", b)
	}
	rawInfo, ok := d["info"].(bencode.Dict)
	if !ok {
		return nil, coreerror.Malformed("torrent file has no info dict", b)
	}
	rawInfoBytes, err := bencode.Encode(rawInfo)
	if err != nil {
		return nil, err
	}

	mi := &MetaInfo{RawInfo: rawInfoBytes}
	if announce, ok := d["announce"].([]byte); ok {
		mi.Announce = string(announce)
	}
	if al, ok := d["announce-list"].(bencode.List); ok {
		for _, tierV := range al {
			tierList, ok := tierV.(bencode.List)
			if !ok {
				continue
			}
			var tier []string
			for _, uv := range tierList {
				if ub, ok := uv.([]byte); ok {
					tier = append(tier, string(ub))
				}
			}
			mi.AnnounceList = append(mi.AnnounceList, tier)
		}
	}
	if cd, ok := d["creation date"].(int64); ok {
		mi.CreationDate = cd
	}
	if c, ok := d["comment"].([]byte); ok {
		mi.Comment = string(c)
	}
	if cb, ok := d["created by"].([]byte); ok {
		mi.CreatedBy = string(cb)
	}
	if enc, ok := d["encoding"].([]byte); ok {
		mi.Encoding = string(enc)
	}

	mi.Info, err = NewInfo(mi.RawInfo)
	if err != nil {
		return nil, err
	}
	return mi, nil
}
