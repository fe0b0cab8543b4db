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
package peer

import (
	"time"

	"github.com/andres-erbsen/clock"
	"go.uber.org/zap"

	"github.com/kraken-bt/torrentengine/core"
)

// BanListConfig tunes how long a peer stays banned.
type BanListConfig struct {
	BanDuration time.Duration `yaml:"ban_duration"`
}

func (c BanListConfig) applyDefaults() BanListConfig {
	if c.BanDuration == 0 {
		c.BanDuration = 10 * time.Minute
	}
	return c
}

type banKey struct {
	hash   core.InfoHash
	peerID core.PeerID
}

type banEntry struct {
	expiration time.Time
}

func (e *banEntry) banned(now time.Time) bool {
	return e.expiration.After(now)
}

// BanList tracks peers disconnected for exceeding the bad-piece threshold
// (SPEC_FULL.md §4.5: "disconnect peers that exceed 3 bad pieces") so a
// Torrent can skip them in subsequent peer handouts instead of immediately
// reconnecting to a peer that just got dropped for feeding corrupt blocks.
//
// BanList is not safe for concurrent use without external synchronization,
// matching connstate.State's contract -- a Torrent already serializes access
// to its own peer bookkeeping on its tick goroutine.
type BanList struct {
	config BanListConfig
	clk    clock.Clock
	logger *zap.SugaredLogger

	entries map[banKey]*banEntry
}

// NewBanList creates an empty BanList.
func NewBanList(config BanListConfig, clk clock.Clock, logger *zap.SugaredLogger) *BanList {
	return &BanList{
		config:  config.applyDefaults(),
		clk:     clk,
		logger:  logger,
		entries: make(map[banKey]*banEntry),
	}
}

// Ban bans peerID for h for the configured BanDuration, refreshing the
// expiration if already banned.
func (b *BanList) Ban(h core.InfoHash, peerID core.PeerID) {
	k := banKey{h, peerID}
	b.entries[k] = &banEntry{expiration: b.clk.Now().Add(b.config.BanDuration)}
	b.logger.With("hash", h, "peer", peerID).Infof(
		"Peer banned for %s after exceeding bad block threshold", b.config.BanDuration)
}

// Banned reports whether peerID is currently banned for h.
func (b *BanList) Banned(h core.InfoHash, peerID core.PeerID) bool {
	e, ok := b.entries[banKey{h, peerID}]
	return ok && e.banned(b.clk.Now())
}

// Clear un-bans every peer for h, e.g. when a torrent is removed and
// re-added.
func (b *BanList) Clear(h core.InfoHash) {
	for k := range b.entries {
		if k.hash == h {
			delete(b.entries, k)
		}
	}
}

// Sweep removes expired entries, bounding the map's memory growth for a
// long-lived engine. Intended to be called periodically from housekeeping,
// not every tick.
func (b *BanList) Sweep() {
	now := b.clk.Now()
	for k, e := range b.entries {
		if !e.banned(now) {
			delete(b.entries, k)
		}
	}
}

// BannedPeer is a snapshot of one active ban, exposed for diagnostics.
type BannedPeer struct {
	InfoHash  core.InfoHash
	PeerID    core.PeerID
	Remaining time.Duration
}

// Snapshot returns every currently-active ban.
func (b *BanList) Snapshot() []BannedPeer {
	now := b.clk.Now()
	var out []BannedPeer
	for k, e := range b.entries {
		if !e.banned(now) {
			continue
		}
		out = append(out, BannedPeer{
			InfoHash:  k.hash,
			PeerID:    k.peerID,
			Remaining: e.expiration.Sub(now),
		})
	}
	return out
}
