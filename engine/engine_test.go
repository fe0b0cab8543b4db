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
package engine

import (
	"crypto/sha1"
	"path/filepath"
	"testing"

	"github.com/andres-erbsen/clock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/kraken-bt/torrentengine/core"
	"github.com/kraken-bt/torrentengine/internal/bencode"
	"github.com/kraken-bt/torrentengine/session"
	"github.com/kraken-bt/torrentengine/storage"
	"github.com/kraken-bt/torrentengine/torrent"
)

func newTestEngine(t *testing.T) *Engine {
	store, err := storage.NewBoltSessionStore(filepath.Join(t.TempDir(), "session.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	cfg := Config{
		ListenPort:  0,
		DownloadDir: t.TempDir(),
		MaxTorrents: 2,
	}
	e, err := New(cfg, store, zap.NewNop().Sugar(), clock.NewMock())
	require.NoError(t, err)
	t.Cleanup(func() { e.Close() })
	return e
}

// buildTorrentBytes constructs a minimal single-file .torrent byte buffer
// whose info dict hashes content under pieceLength-sized pieces, mirroring
// the bencode shape core.newTorrentMetadataFromInfoBytes expects.
func buildTorrentBytes(name string, pieceLength int64, content []byte) []byte {
	var pieces []byte
	for off := int64(0); off < int64(len(content)); off += pieceLength {
		end := off + pieceLength
		if end > int64(len(content)) {
			end = int64(len(content))
		}
		h := sha1.Sum(content[off:end])
		pieces = append(pieces, h[:]...)
	}
	info := bencode.NewDict(
		bencode.DictEntry{Key: "length", Val: bencode.NewInt(int64(len(content)))},
		bencode.DictEntry{Key: "name", Val: bencode.NewString([]byte(name))},
		bencode.DictEntry{Key: "piece length", Val: bencode.NewInt(pieceLength)},
		bencode.DictEntry{Key: "pieces", Val: bencode.NewString(pieces)},
	)
	root := bencode.NewDict(
		bencode.DictEntry{Key: "info", Val: info},
	)
	return bencode.Encode(root)
}

func TestConfigApplyDefaults(t *testing.T) {
	c := Config{}.applyDefaults()
	require.EqualValues(t, 6881, c.ListenPort)
	require.Equal(t, ".", c.DownloadDir)
	require.Equal(t, "session.db", c.SessionPath)
	require.NotZero(t, c.TickInterval)
	require.NotZero(t, c.DialTimeout)
	require.Equal(t, 500, c.MaxTorrents)
}

func TestNewTrackerClientDispatch(t *testing.T) {
	e := newTestEngine(t)

	c, err := e.newTrackerClient("http://tracker.example.com/announce")
	require.NoError(t, err)
	require.NotNil(t, c)

	c, err = e.newTrackerClient("udp://tracker.example.com:6969/announce")
	require.NoError(t, err)
	require.NotNil(t, c)

	_, err = e.newTrackerClient("ws://tracker.example.com/announce")
	require.Error(t, err)
}

func TestAddTorrentFromBytesAttachesStorage(t *testing.T) {
	e := newTestEngine(t)

	content := make([]byte, 64)
	for i := range content {
		content[i] = byte(i)
	}
	raw := buildTorrentBytes("file.bin", 16, content)

	tr, err := e.AddTorrentFromBytes(raw, AddTorrentOptions{})
	require.NoError(t, err)
	require.NotNil(t, tr.Metadata())
	require.Equal(t, torrent.Downloading, tr.State())

	got, ok := e.GetTorrent(tr.InfoHash())
	require.True(t, ok)
	require.Same(t, tr, got)
}

func TestRegisterRejectsDuplicateAndMaxTorrents(t *testing.T) {
	e := newTestEngine(t) // MaxTorrents: 2

	mk := func(n byte) []byte {
		content := make([]byte, 16)
		content[0] = n
		return buildTorrentBytes("a", 16, content)
	}

	_, err := e.AddTorrentFromBytes(mk(1), AddTorrentOptions{})
	require.NoError(t, err)

	_, err = e.AddTorrentFromBytes(mk(1), AddTorrentOptions{})
	require.Error(t, err) // duplicate infohash

	_, err = e.AddTorrentFromBytes(mk(2), AddTorrentOptions{})
	require.NoError(t, err)

	_, err = e.AddTorrentFromBytes(mk(3), AddTorrentOptions{})
	require.Error(t, err) // at MaxTorrents
}

func TestRemoveTorrentForgetsSession(t *testing.T) {
	e := newTestEngine(t)

	raw := buildTorrentBytes("a", 16, make([]byte, 16))
	tr, err := e.AddTorrentFromBytes(raw, AddTorrentOptions{})
	require.NoError(t, err)

	require.NoError(t, e.sessions.Persist(tr))
	_, ok, err := e.sessions.Load(tr.InfoHash())
	require.NoError(t, err)
	require.True(t, ok)

	require.NoError(t, e.RemoveTorrent(tr.InfoHash(), false))

	_, ok = e.GetTorrent(tr.InfoHash())
	require.False(t, ok)

	_, ok, err = e.sessions.Load(tr.InfoHash())
	require.NoError(t, err)
	require.False(t, ok)

	require.Error(t, e.RemoveTorrent(tr.InfoHash(), false))
}

func TestPauseResume(t *testing.T) {
	e := newTestEngine(t)

	raw := buildTorrentBytes("a", 16, make([]byte, 16))
	tr, err := e.AddTorrentFromBytes(raw, AddTorrentOptions{})
	require.NoError(t, err)

	require.NoError(t, e.Pause(tr.InfoHash()))
	require.Equal(t, torrent.Paused, tr.State())

	require.NoError(t, e.Resume(tr.InfoHash()))
	require.NotEqual(t, torrent.Paused, tr.State())

	require.Error(t, e.Pause(core.InfoHash{}))
}

func TestRestoreSessionRoundTrip(t *testing.T) {
	e := newTestEngine(t)

	content := make([]byte, 32)
	raw := buildTorrentBytes("a", 16, content)
	infoBytes, err := bencode.ExtractRawInfo(raw)
	require.NoError(t, err)
	meta, err := core.NewTorrentMetadataFromInfoBytes(infoBytes)
	require.NoError(t, err)

	peerID, err := core.RandomPeerID()
	require.NoError(t, err)
	tr := torrent.NewFromMetadata(meta, infoBytes, peerID, 6881, e.config.Torrent, e.clk, e.logger)
	require.NoError(t, e.sessions.Persist(tr))

	n, err := e.RestoreSession()
	require.NoError(t, err)
	require.Equal(t, 1, n)

	restored, ok := e.GetTorrent(meta.InfoHash())
	require.True(t, ok)
	require.Equal(t, meta.InfoHash(), restored.InfoHash())
}

func TestRestoreSessionSkipsCorruptRecords(t *testing.T) {
	e := newTestEngine(t)

	store, err := storage.NewBoltSessionStore(filepath.Join(t.TempDir(), "other.db"))
	require.NoError(t, err)
	defer store.Close()
	mgr := session.NewManager(store, zap.NewNop().Sugar())

	infoHash, err := core.NewInfoHashFromHex("000000000000000000000000000000000000000a")
	require.NoError(t, err)
	require.NoError(t, store.Set("session:"+infoHash.Hex()+":progress", []byte("not json")))

	e.sessions = mgr
	n, err := e.RestoreSession()
	require.NoError(t, err)
	require.Equal(t, 0, n)
}
