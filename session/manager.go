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

// Package session persists and restores torrent resume state -- metadata,
// bitfield, transfer progress, and known peers -- through a
// storage.ISessionStore, so a restart can pick a torrent back up without
// re-downloading or re-fetching metadata it already has.
package session

import (
	"encoding/json"
	"fmt"

	"go.uber.org/zap"

	"github.com/kraken-bt/torrentengine/core"
	"github.com/kraken-bt/torrentengine/storage"
	"github.com/kraken-bt/torrentengine/torrent"
)

// Key suffixes under "session:<hex>:", per spec.md's session key layout.
const (
	keyMetadata = "metadata"
	keyBitfield = "bitfield"
	keyProgress = "progress"
	keyPeers    = "peers"
)

func keyFor(infoHash core.InfoHash, suffix string) string {
	return fmt.Sprintf("session:%s:%s", infoHash.Hex(), suffix)
}

// progressRecord is the small JSON blob stored under the "progress" key.
type progressRecord struct {
	Uploaded   uint64 `json:"uploaded"`
	Downloaded uint64 `json:"downloaded"`
}

// Record is everything needed to reconstruct a Torrent without
// re-announcing Started from scratch or re-fetching already-known
// metadata.
type Record struct {
	InfoHash     core.InfoHash
	RawInfoBytes []byte // nil if metadata was never resolved
	Bitfield     []byte // core.BitField wire encoding; nil if never set
	Uploaded     uint64
	Downloaded   uint64
	Peers        []core.PeerAddr
}

// Manager persists and restores Records through a storage.ISessionStore.
type Manager struct {
	store  storage.ISessionStore
	logger *zap.SugaredLogger
}

// NewManager wraps store for resume-state persistence.
func NewManager(store storage.ISessionStore, logger *zap.SugaredLogger) *Manager {
	return &Manager{store: store, logger: logger}
}

// Persist writes t's current resume state, overwriting any prior record
// for the same infohash.
func (m *Manager) Persist(t *torrent.Torrent) error {
	infoHash := t.InfoHash()
	stats := t.Stats()

	if raw := t.RawInfoBytes(); raw != nil {
		if err := m.store.Set(keyFor(infoHash, keyMetadata), raw); err != nil {
			return fmt.Errorf("persist metadata for %s: %s", infoHash.Hex(), err)
		}
	}
	if bf := t.Bitfield(); bf != nil {
		if err := m.store.Set(keyFor(infoHash, keyBitfield), bf.Bytes()); err != nil {
			return fmt.Errorf("persist bitfield for %s: %s", infoHash.Hex(), err)
		}
	}

	progress, err := json.Marshal(progressRecord{Uploaded: stats.Uploaded, Downloaded: stats.Downloaded})
	if err != nil {
		return fmt.Errorf("marshal progress for %s: %s", infoHash.Hex(), err)
	}
	if err := m.store.Set(keyFor(infoHash, keyProgress), progress); err != nil {
		return fmt.Errorf("persist progress for %s: %s", infoHash.Hex(), err)
	}

	peers := core.EncodeCompactPeersV4(t.KnownPeerAddrs())
	if err := m.store.Set(keyFor(infoHash, keyPeers), peers); err != nil {
		return fmt.Errorf("persist peers for %s: %s", infoHash.Hex(), err)
	}
	return nil
}

// Load reads back infoHash's resume Record, if one exists.
func (m *Manager) Load(infoHash core.InfoHash) (Record, bool, error) {
	keys := []string{
		keyFor(infoHash, keyMetadata),
		keyFor(infoHash, keyBitfield),
		keyFor(infoHash, keyProgress),
		keyFor(infoHash, keyPeers),
	}
	values, err := m.store.GetMulti(keys)
	if err != nil {
		return Record{}, false, fmt.Errorf("load session for %s: %s", infoHash.Hex(), err)
	}
	if len(values) == 0 {
		return Record{}, false, nil
	}

	rec := Record{InfoHash: infoHash}
	rec.RawInfoBytes = values[keys[0]]
	rec.Bitfield = values[keys[1]]

	if raw, ok := values[keys[2]]; ok {
		var p progressRecord
		if err := json.Unmarshal(raw, &p); err != nil {
			return Record{}, false, fmt.Errorf("unmarshal progress for %s: %s", infoHash.Hex(), err)
		}
		rec.Uploaded, rec.Downloaded = p.Uploaded, p.Downloaded
	}

	if raw, ok := values[keys[3]]; ok {
		peers, err := core.DecodeCompactPeersV4(raw)
		if err != nil {
			m.logger.Warnf("session %s: discarding corrupt peer list: %s", infoHash.Hex(), err)
		} else {
			rec.Peers = peers
		}
	}
	return rec, true, nil
}

// Forget deletes every key associated with infoHash, e.g. on torrent
// removal.
func (m *Manager) Forget(infoHash core.InfoHash) error {
	for _, suffix := range []string{keyMetadata, keyBitfield, keyProgress, keyPeers} {
		if err := m.store.Delete(keyFor(infoHash, suffix)); err != nil {
			return fmt.Errorf("forget %s for %s: %s", suffix, infoHash.Hex(), err)
		}
	}
	return nil
}

// ListKnown returns every infohash with a persisted record, for restoring
// an engine's full torrent set on startup.
func (m *Manager) ListKnown() ([]core.InfoHash, error) {
	keys, err := m.store.Keys("session:")
	if err != nil {
		return nil, fmt.Errorf("list sessions: %s", err)
	}
	seen := make(map[string]struct{})
	var out []core.InfoHash
	for _, k := range keys {
		// "session:<hex>:<suffix>"
		if len(k) < len("session:")+40 {
			continue
		}
		hex := k[len("session:") : len("session:")+40]
		if _, ok := seen[hex]; ok {
			continue
		}
		h, err := core.NewInfoHashFromHex(hex)
		if err != nil {
			continue
		}
		seen[hex] = struct{}{}
		out = append(out, h)
	}
	return out, nil
}
