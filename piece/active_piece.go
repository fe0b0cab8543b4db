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

// Package piece implements block-level scheduling for pieces in flight:
// which (piece, block) to request next, assembling received blocks, and
// verifying a completed piece's hash.
package piece

import (
	"time"

	"github.com/kraken-bt/torrentengine/core"
)

// BlockSize is the fixed block length used for every REQUEST except
// possibly the final block of the final piece, per SPEC_FULL.md §3.
const BlockSize = 16384

// blockStatus is one block's position in the per-block state machine:
// Missing -> Requested(peer, t0) -> Received -> Verified|Discarded.
type blockStatus int

const (
	blockMissing blockStatus = iota
	blockRequested
	blockReceived
)

type blockState struct {
	status       blockStatus
	requestedBy  []core.PeerID // peers with an outstanding REQUEST; >1 only in endgame
	requestAt    time.Time
	receivedFrom core.PeerID
}

// ActivePiece is a piece currently being assembled: a contiguous assembly
// buffer plus a per-block state vector. Exactly one ActivePiece exists per
// piece index across a torrent at any time (SPEC_FULL.md §8 testable
// property).
type ActivePiece struct {
	index  int
	length int64

	buf    []byte
	blocks []blockState
}

// NewActivePiece creates an ActivePiece for pieceIndex with the given piece
// length (the final piece may be shorter than BlockSize*n).
func NewActivePiece(index int, length int64) *ActivePiece {
	numBlocks := int((length + BlockSize - 1) / BlockSize)
	return &ActivePiece{
		index:  index,
		length: length,
		buf:    make([]byte, length),
		blocks: make([]blockState, numBlocks),
	}
}

// Index returns the piece index this ActivePiece assembles.
func (p *ActivePiece) Index() int { return p.index }

// Length returns the piece's total length in bytes.
func (p *ActivePiece) Length() int64 { return p.length }

// blockLength returns the length of block i, accounting for a short final
// block.
func (p *ActivePiece) blockLength(i int) int {
	begin := int64(i) * BlockSize
	if begin+BlockSize > p.length {
		return int(p.length - begin)
	}
	return BlockSize
}

// blockIndexFor maps a byte offset to its block index. Returns -1 if begin
// does not land on a block boundary.
func (p *ActivePiece) blockIndexFor(begin uint32) int {
	if int64(begin)%BlockSize != 0 {
		return -1
	}
	i := int(int64(begin) / BlockSize)
	if i < 0 || i >= len(p.blocks) {
		return -1
	}
	return i
}

// NextMissingBlock returns the offset of the first block still Missing, and
// whether one was found.
func (p *ActivePiece) NextMissingBlock() (begin uint32, ok bool) {
	for i, b := range p.blocks {
		if b.status == blockMissing {
			return uint32(i * BlockSize), true
		}
	}
	return 0, false
}

// MissingBlocks returns the offsets of every block still Missing.
func (p *ActivePiece) MissingBlocks() []uint32 {
	var out []uint32
	for i, b := range p.blocks {
		if b.status == blockMissing {
			out = append(out, uint32(i*BlockSize))
		}
	}
	return out
}

// MarkRequested transitions the block at begin to Requested(peer, now). If
// the block is already Requested (endgame duplicate request to a second
// peer), peer is added to its requester set rather than replacing it, so
// CancelTargets can later tell the other peer(s) to stand down. Returns
// false if begin is not a valid block boundary or the block is already
// Received.
func (p *ActivePiece) MarkRequested(begin uint32, peer core.PeerID, now time.Time) bool {
	i := p.blockIndexFor(begin)
	if i < 0 || p.blocks[i].status == blockReceived {
		return false
	}
	if p.blocks[i].status == blockMissing {
		p.blocks[i] = blockState{status: blockRequested, requestedBy: []core.PeerID{peer}, requestAt: now}
		return true
	}
	for _, existing := range p.blocks[i].requestedBy {
		if existing == peer {
			return true
		}
	}
	p.blocks[i].requestedBy = append(p.blocks[i].requestedBy, peer)
	return true
}

// RequestedBy returns the peers the block at begin is currently requested
// from (more than one only during endgame duplication).
func (p *ActivePiece) RequestedBy(begin uint32) []core.PeerID {
	i := p.blockIndexFor(begin)
	if i < 0 {
		return nil
	}
	return p.blocks[i].requestedBy
}

// ExpireRequests reverts any block Requested before the deadline (now minus
// timeout) back to Missing, so it can be re-requested from another peer.
// Returns the offsets that were reverted.
func (p *ActivePiece) ExpireRequests(now time.Time, timeout time.Duration) []uint32 {
	var expired []uint32
	for i, b := range p.blocks {
		if b.status == blockRequested && now.Sub(b.requestAt) >= timeout {
			p.blocks[i] = blockState{}
			expired = append(expired, uint32(i*BlockSize))
		}
	}
	return expired
}

// BlockDestination returns the assembly-buffer slice a PIECE payload for
// begin/length should be copied into, along with whether the request is
// still outstanding (i.e. not already Received, and a boundary match). This
// is the seam the zero-copy PIECE fast path writes through.
func (p *ActivePiece) BlockDestination(begin uint32, length int) ([]byte, bool) {
	i := p.blockIndexFor(begin)
	if i < 0 || p.blockLength(i) != length {
		return nil, false
	}
	if p.blocks[i].status == blockReceived {
		return nil, false
	}
	end := int64(begin) + int64(length)
	if end > p.length {
		return nil, false
	}
	return p.buf[begin:end], true
}

// MarkReceived transitions the block at begin to Received, attributing it
// to peer. If the block had outstanding duplicate requests from other
// peers (endgame), those peers are returned as cancelTargets so the caller
// can send them CANCEL. Returns whether every block in the piece is now
// Received.
func (p *ActivePiece) MarkReceived(begin uint32, peer core.PeerID) (complete bool, cancelTargets []core.PeerID) {
	i := p.blockIndexFor(begin)
	if i < 0 {
		return false, nil
	}
	for _, other := range p.blocks[i].requestedBy {
		if other != peer {
			cancelTargets = append(cancelTargets, other)
		}
	}
	p.blocks[i] = blockState{status: blockReceived, receivedFrom: peer}
	return p.isComplete(), cancelTargets
}

func (p *ActivePiece) isComplete() bool {
	for _, b := range p.blocks {
		if b.status != blockReceived {
			return false
		}
	}
	return true
}

// Contributors returns the set of peers that sent at least one block
// currently marked Received, for bad-block accounting on a hash mismatch.
func (p *ActivePiece) Contributors() []core.PeerID {
	seen := make(map[core.PeerID]bool)
	var out []core.PeerID
	for _, b := range p.blocks {
		if b.status == blockReceived && !seen[b.receivedFrom] {
			seen[b.receivedFrom] = true
			out = append(out, b.receivedFrom)
		}
	}
	return out
}

// Buffer returns the full assembly buffer. Only meaningful once isComplete.
func (p *ActivePiece) Buffer() []byte { return p.buf }

// Reset discards every received block, returning the piece to its initial
// all-Missing state. Used after a hash mismatch (SPEC_FULL.md §4.5).
func (p *ActivePiece) Reset() {
	for i := range p.blocks {
		p.blocks[i] = blockState{}
	}
	for i := range p.buf {
		p.buf[i] = 0
	}
}
