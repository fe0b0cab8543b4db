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
package pex

import (
	"sync"
	"time"

	"github.com/andres-erbsen/clock"
	"go.uber.org/zap"

	"github.com/kraken-bt/torrentengine/core"
	"github.com/kraken-bt/torrentengine/wire"
)

// Config tunes the peer-exchange rate limit.
type Config struct {
	SendInterval time.Duration `yaml:"send_interval"`
}

func (c Config) applyDefaults() Config {
	if c.SendInterval == 0 {
		c.SendInterval = 60 * time.Second
	}
	return c
}

// Exchange tracks per-peer ut_pex send throttling and a deduplicated queue
// of discovered-but-not-yet-dialed peer addresses, per spec.md §4.10. It
// does not itself check a torrent's connected or banned peer sets --
// DrainCandidates returns every address this Exchange hasn't already
// surfaced, and the caller (the torrent's connection policy) is
// responsible for filtering out addresses it's already connected to or
// has banned before dialing.
type Exchange struct {
	mu sync.Mutex

	config Config
	clk    clock.Clock
	logger *zap.SugaredLogger

	lastSent map[core.PeerID]time.Time
	known    map[string]struct{}
	queue    []core.PeerAddr
}

// NewExchange creates an empty Exchange.
func NewExchange(config Config, clk clock.Clock, logger *zap.SugaredLogger) *Exchange {
	return &Exchange{
		config:   config.applyDefaults(),
		clk:      clk,
		logger:   logger,
		lastSent: make(map[core.PeerID]time.Time),
		known:    make(map[string]struct{}),
	}
}

// OnMessage decodes an inbound ut_pex extended message and enqueues any
// newly-discovered addresses from its added/added6 fields. dropped/
// dropped6 addresses are forgotten from the known set so they can be
// rediscovered later (e.g. if they reconnect to the swarm under new
// circumstances), but are not actively disconnected -- BEP 11 is
// advisory, not a command.
func (e *Exchange) OnMessage(em wire.ExtendedMessage) error {
	m, err := DecodeMessage(em)
	if err != nil {
		return err
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	for _, addr := range append(append([]core.PeerAddr{}, m.Added...), m.Added6...) {
		key := addr.String()
		if _, seen := e.known[key]; seen {
			continue
		}
		e.known[key] = struct{}{}
		e.queue = append(e.queue, addr)
	}
	for _, addr := range append(append([]core.PeerAddr{}, m.Dropped...), m.Dropped6...) {
		delete(e.known, addr.String())
	}
	return nil
}

// DrainCandidates returns and clears every address queued by OnMessage
// since the last drain.
func (e *Exchange) DrainCandidates() []core.PeerAddr {
	e.mu.Lock()
	defer e.mu.Unlock()

	out := e.queue
	e.queue = nil
	return out
}

// ShouldSend reports whether enough time has passed to send another
// ut_pex message to peer, per spec.md §4.10's "at most once per 60s per
// peer" limit, and marks the attempt if so.
func (e *Exchange) ShouldSend(peer core.PeerID) bool {
	e.mu.Lock()
	defer e.mu.Unlock()

	now := e.clk.Now()
	if last, ok := e.lastSent[peer]; ok && now.Sub(last) < e.config.SendInterval {
		return false
	}
	e.lastSent[peer] = now
	return true
}

// ForgetPeer removes a disconnected peer's send-throttle state.
func (e *Exchange) ForgetPeer(peer core.PeerID) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.lastSent, peer)
}
