// Copyright (c) 2016-2019 Uber Technologies, Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.
package core

import (
	"fmt"

	"github.com/kraken-bt/torrentengine/internal/bencode"
)

const pieceHashSize = 20

// FileEntry describes one file within a (possibly multi-file) torrent: its
// path components, its length, and its starting offset within the
// concatenated piece-space.
type FileEntry struct {
	Path   []string
	Length int64
	Offset int64
}

// TorrentMetadata is the resolved content description of a torrent: total
// length, piece length, the SHA-1 hash of every piece, and the file vector.
// It is immutable once constructed -- callers that assemble it piece by
// piece via BEP 9 must wait until every metadata piece has arrived before
// calling NewTorrentMetadataFromInfoBytes.
type TorrentMetadata struct {
	infoHash    InfoHash
	name        string
	pieceLength int64
	totalLength int64
	pieceHashes []PieceHash
	files       []FileEntry
}

// NewTorrentMetadataFromTorrentBytes parses a complete .torrent file.
func NewTorrentMetadataFromTorrentBytes(torrentBytes []byte) (*TorrentMetadata, error) {
	raw, err := bencode.ExtractRawInfo(torrentBytes)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrInvalidTorrent, err)
	}
	return newTorrentMetadataFromInfoBytes(raw)
}

// NewTorrentMetadataFromInfoBytes builds metadata from an info dict buffer
// assembled via BEP 9 ut_metadata exchange. The caller must have already
// verified SHA-1(infoBytes) == the torrent's expected infohash.
func NewTorrentMetadataFromInfoBytes(infoBytes []byte) (*TorrentMetadata, error) {
	return newTorrentMetadataFromInfoBytes(infoBytes)
}

func newTorrentMetadataFromInfoBytes(infoBytes []byte) (*TorrentMetadata, error) {
	info, err := bencode.DecodeExact(infoBytes)
	if err != nil {
		return nil, fmt.Errorf("%w: decode info: %s", ErrInvalidTorrent, err)
	}
	if !info.IsDict() {
		return nil, fmt.Errorf("%w: info is not a dict", ErrInvalidTorrent)
	}

	nameVal, ok := info.DictGet("name")
	if !ok {
		return nil, fmt.Errorf("%w: missing name", ErrInvalidTorrent)
	}
	name, err := nameVal.String()
	if err != nil {
		return nil, fmt.Errorf("%w: name: %s", ErrInvalidTorrent, err)
	}

	pieceLengthVal, ok := info.DictGet("piece length")
	if !ok {
		return nil, fmt.Errorf("%w: missing piece length", ErrInvalidTorrent)
	}
	pieceLength, err := pieceLengthVal.Integer()
	if err != nil || pieceLength <= 0 {
		return nil, fmt.Errorf("%w: invalid piece length", ErrInvalidTorrent)
	}

	piecesVal, ok := info.DictGet("pieces")
	if !ok {
		return nil, fmt.Errorf("%w: missing pieces", ErrInvalidTorrent)
	}
	piecesStr, err := piecesVal.String()
	if err != nil {
		return nil, fmt.Errorf("%w: pieces: %s", ErrInvalidTorrent, err)
	}
	if len(piecesStr)%pieceHashSize != 0 {
		return nil, fmt.Errorf("%w: pieces length %d not a multiple of %d", ErrInvalidTorrent, len(piecesStr), pieceHashSize)
	}
	numPieces := len(piecesStr) / pieceHashSize
	pieceHashes := make([]PieceHash, numPieces)
	for i := 0; i < numPieces; i++ {
		copy(pieceHashes[i][:], piecesStr[i*pieceHashSize:(i+1)*pieceHashSize])
	}

	files, totalLength, err := parseFiles(info, name)
	if err != nil {
		return nil, err
	}

	return &TorrentMetadata{
		infoHash:    NewInfoHashFromBytes(infoBytes),
		name:        name,
		pieceLength: pieceLength,
		totalLength: totalLength,
		pieceHashes: pieceHashes,
		files:       files,
	}, nil
}

func parseFiles(info *bencode.Value, name string) ([]FileEntry, int64, error) {
	if filesVal, ok := info.DictGet("files"); ok {
		if !filesVal.IsList() {
			return nil, 0, fmt.Errorf("%w: files is not a list", ErrInvalidTorrent)
		}
		var files []FileEntry
		var offset int64
		for _, fv := range filesVal.List {
			lengthVal, ok := fv.DictGet("length")
			if !ok {
				return nil, 0, fmt.Errorf("%w: file missing length", ErrInvalidTorrent)
			}
			length, err := lengthVal.Integer()
			if err != nil || length < 0 {
				return nil, 0, fmt.Errorf("%w: invalid file length", ErrInvalidTorrent)
			}
			pathVal, ok := fv.DictGet("path")
			if !ok || !pathVal.IsList() {
				return nil, 0, fmt.Errorf("%w: file missing path", ErrInvalidTorrent)
			}
			path := make([]string, len(pathVal.List))
			for i, pv := range pathVal.List {
				s, err := pv.String()
				if err != nil {
					return nil, 0, fmt.Errorf("%w: path component: %s", ErrInvalidTorrent, err)
				}
				path[i] = s
			}
			files = append(files, FileEntry{Path: path, Length: length, Offset: offset})
			offset += length
		}
		return files, offset, nil
	}

	// Single-file torrent: the file vector is a single synthetic entry
	// named after the top-level "name" key.
	lengthVal, ok := info.DictGet("length")
	if !ok {
		return nil, 0, fmt.Errorf("%w: missing length", ErrInvalidTorrent)
	}
	length, err := lengthVal.Integer()
	if err != nil || length < 0 {
		return nil, 0, fmt.Errorf("%w: invalid length", ErrInvalidTorrent)
	}
	return []FileEntry{{Path: []string{name}, Length: length, Offset: 0}}, length, nil
}

// InfoHash returns the torrent's identity.
func (m *TorrentMetadata) InfoHash() InfoHash { return m.infoHash }

// Name returns the torrent's display name.
func (m *TorrentMetadata) Name() string { return m.name }

// PieceLength returns the length of every piece except possibly the last.
func (m *TorrentMetadata) PieceLength() int64 { return m.pieceLength }

// TotalLength returns the sum of all file lengths.
func (m *TorrentMetadata) TotalLength() int64 { return m.totalLength }

// NumPieces returns the number of pieces in the torrent.
func (m *TorrentMetadata) NumPieces() int { return len(m.pieceHashes) }

// PieceHash returns the expected SHA-1 hash of piece i.
func (m *TorrentMetadata) PieceHash(i int) PieceHash { return m.pieceHashes[i] }

// Files returns the file vector, in piece-space order.
func (m *TorrentMetadata) Files() []FileEntry { return m.files }

// NewTorrentMetadataForTest builds a TorrentMetadata directly from a file
// vector and piece length, bypassing bencode parsing entirely. It exists for
// packages that need a TorrentMetadata fixture (storage, piece selection)
// without constructing a full .torrent byte buffer; the info hash and piece
// hashes it produces are not meaningful outside of tests.
func NewTorrentMetadataForTest(files []FileEntry, pieceLength int64) *TorrentMetadata {
	var total int64
	for _, f := range files {
		total += f.Length
	}
	numPieces := int((total + pieceLength - 1) / pieceLength)
	if numPieces == 0 {
		numPieces = 1
	}
	return &TorrentMetadata{
		pieceLength: pieceLength,
		totalLength: total,
		pieceHashes: make([]PieceHash, numPieces),
		files:       files,
	}
}

// NewTorrentMetadataForTestWithContent is NewTorrentMetadataForTest, but
// computes real piece hashes over content so that hash verification in
// piece-selection tests (Manager.OnBlockReceived) exercises an actual
// match/mismatch rather than a never-matching zero-value hash.
func NewTorrentMetadataForTestWithContent(files []FileEntry, pieceLength int64, content []byte) *TorrentMetadata {
	m := NewTorrentMetadataForTest(files, pieceLength)
	numPieces := m.NumPieces()
	hashes := make([]PieceHash, numPieces)
	for i := 0; i < numPieces; i++ {
		start := int64(i) * pieceLength
		end := start + m.PieceLengthAt(i)
		if end > int64(len(content)) {
			end = int64(len(content))
		}
		if start > end {
			start = end
		}
		hashes[i] = HashPiece(content[start:end])
	}
	m.pieceHashes = hashes
	return m
}

// PieceLengthAt returns the length of piece i, accounting for the final
// piece being shorter than PieceLength when TotalLength isn't an exact
// multiple of it.
func (m *TorrentMetadata) PieceLengthAt(i int) int64 {
	if i < 0 || i >= len(m.pieceHashes) {
		return 0
	}
	if i < len(m.pieceHashes)-1 {
		return m.pieceLength
	}
	lastLen := m.totalLength - m.pieceLength*int64(len(m.pieceHashes)-1)
	if lastLen <= 0 {
		return m.pieceLength
	}
	return lastLen
}
