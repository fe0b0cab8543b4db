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
package piece

import (
	"sync"
	"time"

	"github.com/andres-erbsen/clock"
	"github.com/willf/bitset"
	"go.uber.org/zap"

	"github.com/kraken-bt/torrentengine/core"
	"github.com/kraken-bt/torrentengine/internal/syncutil"
	"github.com/kraken-bt/torrentengine/wire"
)

// Config tunes block scheduling behavior.
type Config struct {
	RequestTimeout   time.Duration `yaml:"request_timeout"`
	EndgameThreshold int           `yaml:"endgame_threshold"`
}

func (c Config) applyDefaults() Config {
	if c.RequestTimeout == 0 {
		c.RequestTimeout = 30 * time.Second
	}
	if c.EndgameThreshold == 0 {
		c.EndgameThreshold = 20
	}
	return c
}

// BlockReceiveResult reports what happened after a block finished copying
// into its ActivePiece buffer. Only the fields relevant to the outcome are
// populated.
type BlockReceiveResult struct {
	// CancelTargets holds peers whose duplicate in-flight request for this
	// exact block (endgame) should now be cancelled, regardless of whether
	// the piece itself is complete yet.
	CancelTargets []core.PeerID

	// PieceComplete is true once every block of Index's piece has been
	// received and the piece has been hash-checked.
	PieceComplete bool
	Index         int

	// Verified is only meaningful when PieceComplete: true on a SHA-1
	// match (Data holds the assembled piece, ready for a storage write and
	// a HAVE broadcast), false on a mismatch (Contributors holds every
	// peer that sent a block of the now-discarded piece, for bad-block
	// accounting).
	Verified     bool
	Data         []byte
	Contributors []core.PeerID
}

// Manager implements block-level piece scheduling: selecting the next
// (piece, block) to request per peer, assembling received blocks via
// ActivePiece, and verifying completed pieces, per SPEC_FULL.md §4.5.
//
// Manager is safe for concurrent use; it is called both from a Torrent's
// tick loop (NextRequests, ExpireRequests) and from the zero-copy PIECE fast
// path as a peer.BlockSink (ResolveBlock), which may run on a different
// goroutine if the transport layer reads sockets concurrently.
type Manager struct {
	mu sync.Mutex

	meta   *core.TorrentMetadata
	config Config
	clk    clock.Clock
	logger *zap.SugaredLogger
	policy Policy

	localBitfield   *core.BitField
	peerBitfields   map[core.PeerID]*core.BitField
	numPeersByPiece *syncutil.Counters

	active map[int]*ActivePiece
}

// NewManager creates a Manager for a torrent with numPieces pieces, sharing
// ownership of localBitfield with the Torrent (Manager sets bits on it as
// pieces complete).
func NewManager(
	meta *core.TorrentMetadata,
	localBitfield *core.BitField,
	policy Policy,
	config Config,
	clk clock.Clock,
	logger *zap.SugaredLogger,
) *Manager {
	return &Manager{
		meta:            meta,
		config:          config.applyDefaults(),
		clk:             clk,
		logger:          logger,
		policy:          policy,
		localBitfield:   localBitfield,
		peerBitfields:   make(map[core.PeerID]*core.BitField),
		numPeersByPiece: syncutil.NewCounters(meta.NumPieces()),
		active:          make(map[int]*ActivePiece),
	}
}

// RegisterPeerBitfield records peerID's full initial bitfield, incrementing
// availability counters for every piece it has.
func (m *Manager) RegisterPeerBitfield(peerID core.PeerID, bf *core.BitField) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.peerBitfields[peerID] = bf.Clone()
	for i := 0; i < bf.Len(); i++ {
		if bf.Has(i) {
			m.numPeersByPiece.Increment(i)
		}
	}
}

// RegisterPeerHave records a single HAVE from peerID, incrementing that
// piece's availability counter.
func (m *Manager) RegisterPeerHave(peerID core.PeerID, index uint32) {
	m.mu.Lock()
	defer m.mu.Unlock()
	bf, ok := m.peerBitfields[peerID]
	if !ok {
		bf = core.NewBitField(m.meta.NumPieces())
		m.peerBitfields[peerID] = bf
	}
	if int(index) >= bf.Len() || bf.Has(int(index)) {
		return
	}
	bf.Set(int(index))
	m.numPeersByPiece.Increment(int(index))
}

// RemovePeer forgets peerID's availability bitfield (decrementing counters)
// and reverts any blocks it had Requested back to Missing, so they are
// re-requested from a different peer.
func (m *Manager) RemovePeer(peerID core.PeerID) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if bf, ok := m.peerBitfields[peerID]; ok {
		for i := 0; i < bf.Len(); i++ {
			if bf.Has(i) {
				m.numPeersByPiece.Decrement(i)
			}
		}
		delete(m.peerBitfields, peerID)
	}

	for _, ap := range m.active {
		for i := range ap.blocks {
			b := &ap.blocks[i]
			if b.status != blockRequested {
				continue
			}
			for j, p := range b.requestedBy {
				if p == peerID {
					b.requestedBy = append(b.requestedBy[:j], b.requestedBy[j+1:]...)
					break
				}
			}
			if len(b.requestedBy) == 0 {
				*b = blockState{}
			}
		}
	}
}

// ExpireRequests reverts every block Requested past RequestTimeout back to
// Missing across all active pieces. Intended to be called once per tick.
func (m *Manager) ExpireRequests() {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.clk.Now()
	for _, ap := range m.active {
		ap.ExpireRequests(now, m.config.RequestTimeout)
	}
}

// remainingBlockCount sums the Missing+Requested blocks across every
// incomplete piece, used to decide whether endgame mode is active
// (SPEC_FULL.md §4.5 step 4).
func (m *Manager) remainingBlockCount() int {
	var total int
	for i := 0; i < m.localBitfield.Len(); i++ {
		if m.localBitfield.Has(i) {
			continue
		}
		if ap, ok := m.active[i]; ok {
			for _, b := range ap.blocks {
				if b.status != blockReceived {
					total++
				}
			}
			continue
		}
		length := m.meta.PieceLengthAt(i)
		total += int((length + BlockSize - 1) / BlockSize)
	}
	return total
}

// NextRequests selects up to limit blocks to request from peerID, whose
// current piece availability is peerBitfield, following SPEC_FULL.md §4.5's
// selection policy: prefer already-Active pieces the peer has, then
// rarest-first among new candidates, allowing duplicate in-flight requests
// once the engine is in endgame.
func (m *Manager) NextRequests(peerID core.PeerID, peerBitfield *core.BitField, limit int) []wire.BlockRequest {
	m.mu.Lock()
	defer m.mu.Unlock()

	if limit <= 0 {
		return nil
	}

	endgame := m.remainingBlockCount() < m.config.EndgameThreshold
	now := m.clk.Now()
	var requests []wire.BlockRequest

	// Step 2: prefer already-Active pieces the peer has.
	for index, ap := range m.active {
		if len(requests) >= limit {
			break
		}
		if !peerBitfield.Has(index) {
			continue
		}
		for _, begin := range ap.MissingBlocks() {
			if len(requests) >= limit {
				break
			}
			ap.MarkRequested(begin, peerID, now)
			requests = append(requests, wire.BlockRequest{
				Index:  uint32(index),
				Begin:  begin,
				Length: uint32(ap.blockLength(ap.blockIndexFor(begin))),
			})
		}
		if endgame {
			// Duplicate-request any block this peer hasn't already been
			// asked for, so the first reply among all requesters wins.
			for i := 0; i < len(ap.blocks) && len(requests) < limit; i++ {
				if ap.blocks[i].status != blockRequested {
					continue
				}
				begin := uint32(i * BlockSize)
				alreadyAsked := false
				for _, p := range ap.blocks[i].requestedBy {
					if p == peerID {
						alreadyAsked = true
						break
					}
				}
				if alreadyAsked {
					continue
				}
				ap.MarkRequested(begin, peerID, now)
				requests = append(requests, wire.BlockRequest{
					Index:  uint32(index),
					Begin:  begin,
					Length: uint32(ap.blockLength(i)),
				})
			}
		}
	}

	if len(requests) >= limit {
		return requests
	}

	// Step 1 & 3: among pieces not yet Active, pick rarest-first candidates
	// the peer has and we lack.
	candidates := bitset.New(uint(m.meta.NumPieces()))
	for i := 0; i < peerBitfield.Len(); i++ {
		if !peerBitfield.Has(i) || m.localBitfield.Has(i) {
			continue
		}
		if _, isActive := m.active[i]; isActive {
			continue
		}
		candidates.Set(uint(i))
	}

	valid := func(i int) bool { return true }
	newPieces := m.policy.SelectPieces(limit-len(requests), valid, candidates, m.numPeersByPiece)

	for _, index := range newPieces {
		if len(requests) >= limit {
			break
		}
		ap := NewActivePiece(index, m.meta.PieceLengthAt(index))
		m.active[index] = ap
		for _, begin := range ap.MissingBlocks() {
			if len(requests) >= limit {
				break
			}
			ap.MarkRequested(begin, peerID, now)
			requests = append(requests, wire.BlockRequest{
				Index:  uint32(index),
				Begin:  begin,
				Length: uint32(ap.blockLength(ap.blockIndexFor(begin))),
			})
		}
	}

	return requests
}

// ResolveBlock implements peer.BlockSink: it locates the ActivePiece for
// index and returns the assembly-buffer slice the PIECE payload's bytes
// should be copied directly into.
func (m *Manager) ResolveBlock(peerID core.PeerID, index, begin uint32, length int) ([]byte, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ap, ok := m.active[int(index)]
	if !ok {
		return nil, false
	}
	return ap.BlockDestination(begin, length)
}

// OnBlockReceived marks the block at (index, begin) Received, attributing
// it to peerID, after its bytes have already landed in the ActivePiece
// buffer via ResolveBlock. Verifies the piece if that was its last
// outstanding block.
func (m *Manager) OnBlockReceived(peerID core.PeerID, index int, begin uint32) BlockReceiveResult {
	m.mu.Lock()
	defer m.mu.Unlock()

	ap, ok := m.active[index]
	if !ok {
		return BlockReceiveResult{}
	}
	complete, cancelTargets := ap.MarkReceived(begin, peerID)
	if !complete {
		return BlockReceiveResult{CancelTargets: cancelTargets}
	}

	// Piece complete: verify.
	expected := m.meta.PieceHash(index)
	if expected.Equal(ap.Buffer()) {
		data := make([]byte, len(ap.Buffer()))
		copy(data, ap.Buffer())
		m.localBitfield.Set(index)
		delete(m.active, index)
		return BlockReceiveResult{
			CancelTargets: cancelTargets,
			PieceComplete: true,
			Index:         index,
			Verified:      true,
			Data:          data,
		}
	}

	contributors := ap.Contributors()
	ap.Reset()
	delete(m.active, index)
	return BlockReceiveResult{
		CancelTargets: cancelTargets,
		PieceComplete: true,
		Index:         index,
		Verified:      false,
		Contributors:  contributors,
	}
}

// ActivePieceCount returns the number of pieces currently being assembled,
// for diagnostics and housekeeping.
func (m *Manager) ActivePieceCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.active)
}
