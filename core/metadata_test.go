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
	"crypto/sha1"
	"testing"

	"github.com/kraken-bt/torrentengine/internal/bencode"
	"github.com/stretchr/testify/require"
)

func buildSingleFileTorrent(t *testing.T, pieceLength int, totalLength int, numPieces int) []byte {
	t.Helper()
	pieces := make([]byte, 0, numPieces*20)
	for i := 0; i < numPieces; i++ {
		sum := sha1.Sum([]byte{byte(i)})
		pieces = append(pieces, sum[:]...)
	}
	info := "d6:lengthi" + itoa(totalLength) + "e4:name8:file.bin12:piece lengthi" + itoa(pieceLength) + "e6:pieces" + itoa(len(pieces)) + ":" + string(pieces) + "e"
	torrent := "d8:announce21:http://tracker.test/a4:info" + info + "e"
	return []byte(torrent)
}

func itoa(n int) string {
	if n == 0 {
		return "0"
	}
	neg := n < 0
	if neg {
		n = -n
	}
	var buf [20]byte
	i := len(buf)
	for n > 0 {
		i--
		buf[i] = byte('0' + n%10)
		n /= 10
	}
	if neg {
		i--
		buf[i] = '-'
	}
	return string(buf[i:])
}

func TestNewTorrentMetadataFromTorrentBytesSingleFile(t *testing.T) {
	require := require.New(t)

	torrentBytes := buildSingleFileTorrent(t, 16384, 32768, 2)
	m, err := NewTorrentMetadataFromTorrentBytes(torrentBytes)
	require.NoError(err)

	require.Equal("file.bin", m.Name())
	require.Equal(int64(16384), m.PieceLength())
	require.Equal(int64(32768), m.TotalLength())
	require.Equal(2, m.NumPieces())
	require.Len(m.Files(), 1)
	require.Equal([]string{"file.bin"}, m.Files()[0].Path)
	require.Equal(int64(32768), m.Files()[0].Length)
	require.Equal(int64(0), m.Files()[0].Offset)

	raw, err := bencode.ExtractRawInfo(torrentBytes)
	require.NoError(err)
	require.Equal(NewInfoHashFromBytes(raw), m.InfoHash())
}

func TestPieceLengthAtFinalPiece(t *testing.T) {
	require := require.New(t)

	// 3 pieces of 16384 bytes would be 49152; make the final piece short.
	torrentBytes := buildSingleFileTorrent(t, 16384, 40000, 3)
	m, err := NewTorrentMetadataFromTorrentBytes(torrentBytes)
	require.NoError(err)

	require.Equal(int64(16384), m.PieceLengthAt(0))
	require.Equal(int64(16384), m.PieceLengthAt(1))
	require.Equal(int64(40000-16384*2), m.PieceLengthAt(2))
}

func TestNewTorrentMetadataRejectsMalformed(t *testing.T) {
	require := require.New(t)

	_, err := NewTorrentMetadataFromTorrentBytes([]byte("not bencode"))
	require.Error(err)

	_, err = NewTorrentMetadataFromTorrentBytes([]byte("d8:announce4:teste"))
	require.Error(err)
}
