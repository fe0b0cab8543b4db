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

// Package metadata assembles a torrent's info dict from peers over BEP 9's
// ut_metadata extension, for torrents added by magnet link that don't carry
// piece hashes or a file vector up front.
package metadata

import (
	"crypto/sha1"
	"fmt"
	"sync"
	"time"

	"github.com/andres-erbsen/clock"
	"go.uber.org/zap"

	"github.com/kraken-bt/torrentengine/core"
	"github.com/kraken-bt/torrentengine/wire"
)

// metadataPieceSize is BEP 9's fixed ut_metadata piece size.
const metadataPieceSize = 16 * 1024

// Config tunes the metadata assembler.
type Config struct {
	RequestTimeout time.Duration `yaml:"request_timeout"`
}

func (c Config) applyDefaults() Config {
	if c.RequestTimeout == 0 {
		c.RequestTimeout = 20 * time.Second
	}
	return c
}

type pieceStatus int

const (
	pieceMissing pieceStatus = iota
	pieceRequested
	pieceReceived
)

type pieceState struct {
	status        pieceStatus
	requestedFrom core.PeerID
	requestedAt   time.Time
}

type peerInfo struct {
	extID        byte
	metadataSize int
}

// Request is one ut_metadata piece request the caller should encode with
// wire.EncodeExtendedMessage and send to Peer via its negotiated ExtendedID.
type Request struct {
	Peer       core.PeerID
	ExtendedID byte
	Piece      int
}

// Assembler reassembles one torrent's info dict from ut_metadata DATA
// messages, per spec.md §4.9. It is driven entirely by its owning Torrent's
// tick loop: OnExtendedHandshake and OnData are called as the corresponding
// peer events arrive, NextRequests is polled once per tick to generate
// outbound REQUEST messages.
type Assembler struct {
	mu sync.Mutex

	infoHash core.InfoHash
	config   Config
	clk      clock.Clock
	logger   *zap.SugaredLogger

	size      int // 0 until the first peer declares metadata_size
	buffer    []byte
	pieces    []pieceState
	numPieces int

	peers   map[core.PeerID]*peerInfo
	order   []core.PeerID // insertion order, for round-robin piece assignment
	rrIndex int

	// excluded holds peers registered during a round that failed verification;
	// spec.md §4.9 requires metadata fetch to restart from a disjoint set
	// of peers after a hash mismatch.
	excluded map[core.PeerID]struct{}

	done   bool
	result []byte
}

// NewAssembler creates an Assembler for a torrent identified by infoHash.
func NewAssembler(infoHash core.InfoHash, config Config, clk clock.Clock, logger *zap.SugaredLogger) *Assembler {
	return &Assembler{
		infoHash: infoHash,
		config:   config.applyDefaults(),
		clk:      clk,
		logger:   logger,
		peers:    make(map[core.PeerID]*peerInfo),
		excluded: make(map[core.PeerID]struct{}),
	}
}

// Done reports whether the info dict has been fully assembled and
// verified.
func (a *Assembler) Done() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.done
}

// Result returns the verified raw info dict bytes, or nil if Done is
// false.
func (a *Assembler) Result() []byte {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.result
}

// OnExtendedHandshake registers a peer's ut_metadata support and declared
// size, per spec.md §4.9. A peer that doesn't advertise ut_metadata or
// hasn't yet declared metadata_size is ignored; it may be retried on a
// later extended handshake (e.g. after the peer itself finishes fetching
// metadata from someone else).
func (a *Assembler) OnExtendedHandshake(peer core.PeerID, hs wire.ExtendedHandshake) {
	extID, ok := hs.M[wire.ExtensionMetadata]
	if !ok || hs.MetadataSize <= 0 {
		return
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	if _, excluded := a.excluded[peer]; excluded {
		return
	}
	if a.done {
		return
	}
	if _, exists := a.peers[peer]; !exists {
		a.order = append(a.order, peer)
	}
	a.peers[peer] = &peerInfo{extID: extID, metadataSize: hs.MetadataSize}

	if a.size == 0 {
		a.initBuffer(hs.MetadataSize)
	}
}

func (a *Assembler) initBuffer(size int) {
	a.size = size
	a.buffer = make([]byte, size)
	a.numPieces = (size + metadataPieceSize - 1) / metadataPieceSize
	a.pieces = make([]pieceState, a.numPieces)
}

// NextRequests expires any timed-out requests and returns up to limit new
// REQUESTs for still-missing pieces, round-robining across peers that have
// advertised ut_metadata.
func (a *Assembler) NextRequests(limit int) []Request {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.size == 0 || a.done || len(a.order) == 0 {
		return nil
	}

	now := a.clk.Now()
	for i := range a.pieces {
		p := &a.pieces[i]
		if p.status == pieceRequested && now.Sub(p.requestedAt) > a.config.RequestTimeout {
			*p = pieceState{}
		}
	}

	var reqs []Request
	for i := range a.pieces {
		if len(reqs) >= limit {
			break
		}
		if a.pieces[i].status != pieceMissing {
			continue
		}
		peer, info, ok := a.nextPeer()
		if !ok {
			break
		}
		a.pieces[i] = pieceState{status: pieceRequested, requestedFrom: peer, requestedAt: now}
		reqs = append(reqs, Request{Peer: peer, ExtendedID: info.extID, Piece: i})
	}
	return reqs
}

// nextPeer returns the next peer in round-robin rotation that's still
// registered, skipping any that have been removed since their slot was
// assigned in a.order.
func (a *Assembler) nextPeer() (core.PeerID, *peerInfo, bool) {
	for n := 0; n < len(a.order); n++ {
		peer := a.order[a.rrIndex%len(a.order)]
		a.rrIndex++
		if info, ok := a.peers[peer]; ok {
			return peer, info, true
		}
	}
	return core.PeerID{}, nil, false
}

// OnData processes one ut_metadata DATA message's raw piece bytes. It
// returns complete=true exactly once, from the call that delivers the final
// piece, when the assembled buffer's SHA-1 matches infoHash; the caller
// installs the returned bytes via core.NewTorrentMetadataFromInfoBytes. A
// duplicate DATA for an already-received piece is silently ignored.
func (a *Assembler) OnData(peer core.PeerID, piece int, data []byte) (complete bool, infoBytes []byte, err error) {
	a.mu.Lock()

	if a.size == 0 || piece < 0 || piece >= a.numPieces {
		a.mu.Unlock()
		return false, nil, fmt.Errorf("metadata data for unknown piece %d", piece)
	}
	p := &a.pieces[piece]
	if p.status == pieceReceived {
		a.mu.Unlock()
		return false, nil, nil
	}

	start := piece * metadataPieceSize
	end := start + len(data)
	if end > a.size {
		a.mu.Unlock()
		return false, nil, fmt.Errorf("metadata piece %d overruns declared size %d", piece, a.size)
	}
	copy(a.buffer[start:end], data)
	*p = pieceState{status: pieceReceived}

	if !a.allReceived() {
		a.mu.Unlock()
		return false, nil, nil
	}
	a.mu.Unlock()
	return a.verify()
}

func (a *Assembler) allReceived() bool {
	for i := range a.pieces {
		if a.pieces[i].status != pieceReceived {
			return false
		}
	}
	return true
}

// verify hashes the assembled buffer and, on match, installs it as the
// done result. On mismatch it discards the buffer, excludes every peer
// registered for this round from future rounds, and resets so the next
// OnExtendedHandshake starts the fetch over from a disjoint peer set.
func (a *Assembler) verify() (bool, []byte, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	sum := sha1.Sum(a.buffer)
	if core.NewInfoHashFromRaw20(sum) != a.infoHash {
		for peer := range a.peers {
			a.excluded[peer] = struct{}{}
		}
		a.peers = make(map[core.PeerID]*peerInfo)
		a.order = nil
		a.rrIndex = 0
		a.size = 0
		a.buffer = nil
		a.pieces = nil
		a.numPieces = 0
		return false, nil, core.ErrMetadataHashMismatch
	}

	a.done = true
	a.result = a.buffer
	a.buffer = nil
	return true, a.result, nil
}

// OnPeerRemoved releases any outstanding request assigned to peer, so its
// piece is re-requested from a different peer on the next NextRequests
// call, and forgets the peer's advertised ut_metadata support.
func (a *Assembler) OnPeerRemoved(peer core.PeerID) {
	a.mu.Lock()
	defer a.mu.Unlock()

	delete(a.peers, peer)
	for i := range a.pieces {
		if a.pieces[i].status == pieceRequested && a.pieces[i].requestedFrom == peer {
			a.pieces[i] = pieceState{}
		}
	}
}
