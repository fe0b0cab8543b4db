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
package torrent

import (
	"net"
	"testing"
	"time"

	"github.com/andres-erbsen/clock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/kraken-bt/torrentengine/core"
	"github.com/kraken-bt/torrentengine/internal/bencode"
	"github.com/kraken-bt/torrentengine/peer"
	"github.com/kraken-bt/torrentengine/wire"
)

func testLogger() *zap.SugaredLogger { return zap.NewNop().Sugar() }

func mustPeerID(t *testing.T) core.PeerID {
	id, err := core.RandomPeerID()
	require.NoError(t, err)
	return id
}

func twoPieceMeta() *core.TorrentMetadata {
	files := []core.FileEntry{{Path: []string{"a.bin"}, Length: 32, Offset: 0}}
	content := make([]byte, 32)
	for i := range content {
		content[i] = byte(i)
	}
	return core.NewTorrentMetadataForTestWithContent(files, 16, content)
}

func TestNewMagnetStartsAwaitingMetadata(t *testing.T) {
	infoHash, err := core.NewInfoHashFromHex("a1dfefec1a9dd7fa8a041ebeeea271db55126d2f")
	require.NoError(t, err)
	tr := NewMagnet(infoHash, mustPeerID(t), 6881, Config{}, clock.NewMock(), testLogger())
	require.Equal(t, AwaitingMetadata, tr.State())
}

func TestNewFromMetadataStartsAtChecking(t *testing.T) {
	meta := twoPieceMeta()
	tr := NewFromMetadata(meta, nil, mustPeerID(t), 6881, Config{}, clock.NewMock(), testLogger())
	require.Equal(t, Checking, tr.State())
}

func TestPauseResume(t *testing.T) {
	meta := twoPieceMeta()
	tr := NewFromMetadata(meta, nil, mustPeerID(t), 6881, Config{}, clock.NewMock(), testLogger())

	tr.Pause()
	require.Equal(t, Paused, tr.State())

	tr.Resume()
	require.Equal(t, Downloading, tr.State())

	tr.bitfield.Set(0)
	tr.bitfield.Set(1)
	tr.Pause()
	tr.Resume()
	require.Equal(t, Seeding, tr.State())
}

func TestDialCandidatesDedup(t *testing.T) {
	meta := twoPieceMeta()
	tr := NewFromMetadata(meta, nil, mustPeerID(t), 6881, Config{}, clock.NewMock(), testLogger())

	addr := core.PeerAddr{IP: net.ParseIP("10.0.0.1").To4(), Port: 6881}
	tr.mu.Lock()
	tr.enqueueCandidates([]core.PeerAddr{addr, addr})
	tr.mu.Unlock()

	candidates := tr.DialCandidates()
	require.Len(t, candidates, 1)
	require.Empty(t, tr.DialCandidates())

	tr.mu.Lock()
	tr.enqueueCandidates([]core.PeerAddr{addr})
	tr.mu.Unlock()
	require.Empty(t, tr.DialCandidates())
}

// connPairForTorrent wires two raw peer.Connections over a net.Pipe and
// completes a real BEP 3 handshake, mirroring peer package's own test
// helper since it is unexported there.
func connPairForTorrent(t *testing.T, infoHash core.InfoHash, localA, localB core.PeerID, numPieces int, bfA *core.BitField) (*peer.Connection, *peer.Connection, net.Conn, net.Conn) {
	a, b := net.Pipe()
	clk := clock.New()
	connA := peer.New(a, infoHash, localA, numPieces, peer.Config{}, clk, testLogger())
	connB := peer.New(b, infoHash, localB, numPieces, peer.Config{}, clk, testLogger())

	errCh := make(chan error, 1)
	go func() { errCh <- connA.DialHandshake(bfA) }()
	require.NoError(t, connB.AcceptHandshake(nil))
	require.NoError(t, <-errCh)
	return connA, connB, a, b
}

func pumpUntil(t *testing.T, conn *peer.Connection, nc net.Conn, sink peer.BlockSink, minEvents int, timeout time.Duration) []peer.Event {
	deadline := time.Now().Add(timeout)
	var all []peer.Event
	buf := make([]byte, 4096)
	nc.SetReadDeadline(time.Now().Add(timeout))
	for len(all) < minEvents && time.Now().Before(deadline) {
		n, err := nc.Read(buf)
		if n > 0 {
			conn.AppendInbound(buf[:n])
			evs, derr := conn.DrainEvents(sink)
			require.NoError(t, derr)
			all = append(all, evs...)
		}
		if err != nil {
			break
		}
	}
	return all
}

func TestAddPeerSendsExtendedHandshake(t *testing.T) {
	meta := twoPieceMeta()
	tr := NewFromMetadata(meta, []byte("info-bytes"), mustPeerID(t), 6881, Config{}, clock.NewMock(), testLogger())

	localPeer := mustPeerID(t)
	connA, connB, a, b := connPairForTorrent(t, meta.InfoHash(), localPeer, tr.localPeerID, meta.NumPieces(), nil)
	defer a.Close()
	defer b.Close()

	require.NoError(t, tr.AddPeer(connB, core.PeerAddr{IP: net.ParseIP("127.0.0.1").To4(), Port: 6882}))

	flushDone := make(chan error, 1)
	go func() { flushDone <- connB.Flush() }()

	events := pumpUntil(t, connA, a, peer.BlockSink(noopSinkForTest{}), 1, 2*time.Second)
	require.NoError(t, <-flushDone)
	require.Len(t, events, 1)
	require.Equal(t, peer.EventExtended, events[0].Type)
	require.Equal(t, wire.ExtendedHandshakeID, events[0].Extended.ExtendedID)

	hs, err := wire.DecodeExtendedHandshake(bencode.Encode(events[0].Extended.Dict))
	require.NoError(t, err)
	require.Equal(t, len("info-bytes"), hs.MetadataSize)
	_, ok := hs.M[wire.ExtensionMetadata]
	require.True(t, ok)
}

type noopSinkForTest struct{}

func (noopSinkForTest) ResolveBlock(core.PeerID, uint32, uint32, int) ([]byte, bool) { return nil, false }
