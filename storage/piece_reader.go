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
package storage

import "io"

// PieceReader serves one verified piece's bytes to an uploading connection.
// Implementations read lazily so that serving an upload never requires
// holding a whole piece in memory longer than the read loop needs it.
type PieceReader interface {
	io.ReadCloser
	Length() int
}

// bufferPieceReader is a PieceReader backed by an already-materialized byte
// slice, used when a piece was read from disk in one shot via
// TorrentContentStorage.ReadVerifiedRange.
type bufferPieceReader struct {
	b   []byte
	pos int
}

// NewBufferPieceReader returns a PieceReader over b.
func NewBufferPieceReader(b []byte) PieceReader {
	return &bufferPieceReader{b: b}
}

func (r *bufferPieceReader) Read(p []byte) (int, error) {
	if r.pos >= len(r.b) {
		return 0, io.EOF
	}
	n := copy(p, r.b[r.pos:])
	r.pos += n
	return n, nil
}

func (r *bufferPieceReader) Close() error {
	return nil
}

func (r *bufferPieceReader) Length() int {
	return len(r.b)
}

// contentStoragePieceReader lazily reads a piece's bytes from
// TorrentContentStorage in block-sized chunks, one Read call at a time,
// rather than requiring the whole piece to be loaded up front.
type contentStoragePieceReader struct {
	cs         *TorrentContentStorage
	pieceIndex int
	length     int64
	pos        int64
}

// NewContentStoragePieceReader returns a PieceReader that reads piece
// pieceIndex (length bytes long) lazily from cs.
func NewContentStoragePieceReader(cs *TorrentContentStorage, pieceIndex int, length int64) PieceReader {
	return &contentStoragePieceReader{cs: cs, pieceIndex: pieceIndex, length: length}
}

func (r *contentStoragePieceReader) Read(p []byte) (int, error) {
	if r.pos >= r.length {
		return 0, io.EOF
	}
	want := int64(len(p))
	if remaining := r.length - r.pos; want > remaining {
		want = remaining
	}
	chunk, err := r.cs.ReadVerifiedRange(r.pieceIndex, r.pos, want)
	if err != nil {
		return 0, err
	}
	n := copy(p, chunk)
	r.pos += int64(n)
	return n, nil
}

func (r *contentStoragePieceReader) Close() error {
	return nil
}

func (r *contentStoragePieceReader) Length() int {
	return int(r.length)
}
