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
package metadata

import (
	"crypto/sha1"
	"testing"
	"time"

	"github.com/andres-erbsen/clock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/kraken-bt/torrentengine/core"
	"github.com/kraken-bt/torrentengine/wire"
)

func testLogger() *zap.SugaredLogger { return zap.NewNop().Sugar() }

func mustPeerID(t *testing.T, b byte) core.PeerID {
	raw := make([]byte, 20)
	for i := range raw {
		raw[i] = b
	}
	id, err := core.NewPeerIDFromBytes(raw)
	require.NoError(t, err)
	return id
}

func infoHashOf(content []byte) core.InfoHash {
	return core.NewInfoHashFromRaw20(sha1.Sum(content))
}

func handshake(extID byte, size int) wire.ExtendedHandshake {
	return wire.ExtendedHandshake{
		M:            map[string]byte{wire.ExtensionMetadata: extID},
		MetadataSize: size,
	}
}

func TestAssemblerSinglePeerFullFetch(t *testing.T) {
	content := make([]byte, metadataPieceSize+100)
	for i := range content {
		content[i] = byte(i)
	}
	infoHash := infoHashOf(content)

	clk := clock.NewMock()
	a := NewAssembler(infoHash, Config{}, clk, testLogger())

	peer := mustPeerID(t, 1)
	a.OnExtendedHandshake(peer, handshake(5, len(content)))

	reqs := a.NextRequests(10)
	require.Len(t, reqs, 2)
	require.Equal(t, byte(5), reqs[0].ExtendedID)

	for _, r := range reqs {
		start := r.Piece * metadataPieceSize
		end := start + metadataPieceSize
		if end > len(content) {
			end = len(content)
		}
		complete, info, err := a.OnData(peer, r.Piece, content[start:end])
		require.NoError(t, err)
		if r.Piece == 1 {
			require.True(t, complete)
			require.Equal(t, content, info)
		} else {
			require.False(t, complete)
		}
	}
	require.True(t, a.Done())
	require.Equal(t, content, a.Result())
}

func TestAssemblerRoundRobinsAcrossPeers(t *testing.T) {
	content := make([]byte, metadataPieceSize*3)
	infoHash := infoHashOf(content)

	clk := clock.NewMock()
	a := NewAssembler(infoHash, Config{}, clk, testLogger())

	p1 := mustPeerID(t, 1)
	p2 := mustPeerID(t, 2)
	a.OnExtendedHandshake(p1, handshake(1, len(content)))
	a.OnExtendedHandshake(p2, handshake(2, len(content)))

	reqs := a.NextRequests(10)
	require.Len(t, reqs, 3)
	require.Equal(t, p1, reqs[0].Peer)
	require.Equal(t, p2, reqs[1].Peer)
	require.Equal(t, p1, reqs[2].Peer)
}

func TestAssemblerHashMismatchExcludesPeersAndRestarts(t *testing.T) {
	content := make([]byte, metadataPieceSize)
	infoHash := infoHashOf(content)

	clk := clock.NewMock()
	a := NewAssembler(infoHash, Config{}, clk, testLogger())

	peer := mustPeerID(t, 1)
	a.OnExtendedHandshake(peer, handshake(1, len(content)))

	reqs := a.NextRequests(10)
	require.Len(t, reqs, 1)

	badData := make([]byte, metadataPieceSize)
	badData[0] = 0xFF
	complete, info, err := a.OnData(peer, 0, badData)
	require.Error(t, err)
	require.ErrorIs(t, err, core.ErrMetadataHashMismatch)
	require.False(t, complete)
	require.Nil(t, info)
	require.False(t, a.Done())

	// the peer that contributed the mismatched piece is excluded from any
	// future round.
	a.OnExtendedHandshake(peer, handshake(1, len(content)))
	require.Empty(t, a.NextRequests(10))

	// a different peer can still start the fetch over.
	other := mustPeerID(t, 2)
	a.OnExtendedHandshake(other, handshake(1, len(content)))
	reqs = a.NextRequests(10)
	require.Len(t, reqs, 1)
	complete, info, err = a.OnData(other, 0, content)
	require.NoError(t, err)
	require.True(t, complete)
	require.Equal(t, content, info)
}

func TestAssemblerExpiresTimedOutRequests(t *testing.T) {
	content := make([]byte, metadataPieceSize)
	infoHash := infoHashOf(content)

	clk := clock.NewMock()
	a := NewAssembler(infoHash, Config{RequestTimeout: 10 * time.Second}, clk, testLogger())

	peer := mustPeerID(t, 1)
	a.OnExtendedHandshake(peer, handshake(1, len(content)))

	reqs := a.NextRequests(10)
	require.Len(t, reqs, 1)
	require.Empty(t, a.NextRequests(10)) // already requested, not yet timed out

	clk.Add(11 * time.Second)
	reqs = a.NextRequests(10)
	require.Len(t, reqs, 1) // timed out, re-requested
}

func TestAssemblerOnPeerRemovedReleasesOutstandingRequest(t *testing.T) {
	content := make([]byte, metadataPieceSize*2)
	infoHash := infoHashOf(content)

	clk := clock.NewMock()
	a := NewAssembler(infoHash, Config{}, clk, testLogger())

	p1 := mustPeerID(t, 1)
	p2 := mustPeerID(t, 2)
	a.OnExtendedHandshake(p1, handshake(1, len(content)))
	a.OnExtendedHandshake(p2, handshake(2, len(content)))

	reqs := a.NextRequests(10)
	require.Len(t, reqs, 2)

	a.OnPeerRemoved(p1)
	reassigned := a.NextRequests(10)
	require.Len(t, reassigned, 1)
	require.Equal(t, p2, reassigned[0].Peer)
}

func TestAssemblerIgnoresPeerWithoutMetadataExtension(t *testing.T) {
	clk := clock.NewMock()
	a := NewAssembler(infoHashOf([]byte("x")), Config{}, clk, testLogger())

	peer := mustPeerID(t, 1)
	a.OnExtendedHandshake(peer, wire.ExtendedHandshake{M: map[string]byte{"ut_pex": 3}})
	require.Empty(t, a.NextRequests(10))
}

func TestAssemblerDuplicateDataIgnored(t *testing.T) {
	content := make([]byte, metadataPieceSize)
	infoHash := infoHashOf(content)

	clk := clock.NewMock()
	a := NewAssembler(infoHash, Config{}, clk, testLogger())

	peer := mustPeerID(t, 1)
	a.OnExtendedHandshake(peer, handshake(1, len(content)))
	a.NextRequests(10)

	complete, _, err := a.OnData(peer, 0, content)
	require.NoError(t, err)
	require.True(t, complete)

	complete, info, err := a.OnData(peer, 0, content)
	require.NoError(t, err)
	require.False(t, complete)
	require.Nil(t, info)
}
