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
package session

import (
	"path/filepath"
	"testing"

	"github.com/andres-erbsen/clock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/kraken-bt/torrentengine/core"
	"github.com/kraken-bt/torrentengine/storage"
	"github.com/kraken-bt/torrentengine/torrent"
)

func newTestStore(t *testing.T) *storage.BoltSessionStore {
	path := filepath.Join(t.TempDir(), "session.db")
	s, err := storage.NewBoltSessionStore(path)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func testInfoHash(t *testing.T) core.InfoHash {
	h, err := core.NewInfoHashFromHex("a1dfefec1a9dd7fa8a041ebeeea271db55126d2f")
	require.NoError(t, err)
	return h
}

func testTorrent(t *testing.T) *torrent.Torrent {
	files := []core.FileEntry{{Path: []string{"a.bin"}, Length: 32, Offset: 0}}
	content := make([]byte, 32)
	meta := core.NewTorrentMetadataForTestWithContent(files, 16, content)
	id, err := core.RandomPeerID()
	require.NoError(t, err)
	return torrent.NewFromMetadata(meta, []byte("raw-info-bytes"), id, 6881, torrent.Config{}, clock.NewMock(), zap.NewNop().Sugar())
}

func TestPersistAndLoad(t *testing.T) {
	store := newTestStore(t)
	m := NewManager(store, zap.NewNop().Sugar())
	tr := testTorrent(t)

	require.NoError(t, m.Persist(tr))

	rec, ok, err := m.Load(tr.InfoHash())
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, []byte("raw-info-bytes"), rec.RawInfoBytes)
	require.Equal(t, tr.Bitfield().Bytes(), rec.Bitfield)
	require.Equal(t, uint64(0), rec.Uploaded)
	require.Equal(t, uint64(0), rec.Downloaded)
}

func TestLoadMissingReturnsFalse(t *testing.T) {
	store := newTestStore(t)
	m := NewManager(store, zap.NewNop().Sugar())

	_, ok, err := m.Load(testInfoHash(t))
	require.NoError(t, err)
	require.False(t, ok)
}

func TestForgetRemovesAllKeys(t *testing.T) {
	store := newTestStore(t)
	m := NewManager(store, zap.NewNop().Sugar())
	tr := testTorrent(t)

	require.NoError(t, m.Persist(tr))
	require.NoError(t, m.Forget(tr.InfoHash()))

	_, ok, err := m.Load(tr.InfoHash())
	require.NoError(t, err)
	require.False(t, ok)
}

func TestListKnown(t *testing.T) {
	store := newTestStore(t)
	m := NewManager(store, zap.NewNop().Sugar())
	trA := testTorrent(t)

	require.NoError(t, m.Persist(trA))

	known, err := m.ListKnown()
	require.NoError(t, err)
	require.Len(t, known, 1)
	require.Equal(t, trA.InfoHash(), known[0])
}

func TestPersistWithNoPeersRoundTripsEmpty(t *testing.T) {
	store := newTestStore(t)
	m := NewManager(store, zap.NewNop().Sugar())
	tr := testTorrent(t)

	require.NoError(t, m.Persist(tr))
	rec, ok, err := m.Load(tr.InfoHash())
	require.NoError(t, err)
	require.True(t, ok)
	require.Empty(t, rec.Peers)
}
