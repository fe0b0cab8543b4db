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
package core

import (
	"encoding/hex"
	"fmt"
	"sync"

	"github.com/willf/bitset"
)

// BitField is a compact, thread-safe bitset over piece indices: one bit per
// piece, MSB-first within each byte, with trailing padding bits held at
// zero. It backs both the BITFIELD wire message and resume persistence.
//
// The set-membership bookkeeping is delegated to willf/bitset (used the same
// way lib/torrent/scheduler/conn's RemoteBitfields tracks per-peer
// availability) so piece selection can walk set bits with NextSet without
// re-deriving a bit-scanning loop; byte-level (de)serialization is handled
// here directly since BEP 3's wire layout is MSB-first and willf/bitset's
// own MarshalBinary format is not wire-compatible.
type BitField struct {
	mu     sync.RWMutex
	bits   *bitset.BitSet
	length uint
}

// NewBitField creates an empty BitField over numPieces piece indices.
func NewBitField(numPieces int) *BitField {
	if numPieces < 0 {
		numPieces = 0
	}
	return &BitField{
		bits:   bitset.New(uint(numPieces)),
		length: uint(numPieces),
	}
}

// NewBitFieldFromHex parses the hex encoding produced by Hex. The decoded
// byte length must match ceil(numPieces/8).
func NewBitFieldFromHex(numPieces int, s string) (*BitField, error) {
	raw, err := hex.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("invalid hex: %s", err)
	}
	return NewBitFieldFromBytes(numPieces, raw)
}

// NewBitFieldFromBytes parses the raw BITFIELD wire payload (MSB-first,
// trailing padding bits must be zero).
func NewBitFieldFromBytes(numPieces int, raw []byte) (*BitField, error) {
	want := (numPieces + 7) / 8
	if len(raw) != want {
		return nil, fmt.Errorf("invalid bitfield length: expected %d bytes, got %d", want, len(raw))
	}
	bf := NewBitField(numPieces)
	for i := 0; i < numPieces; i++ {
		byteIdx := i / 8
		bitIdx := uint(7 - (i % 8))
		if raw[byteIdx]&(1<<bitIdx) != 0 {
			bf.bits.Set(uint(i))
		}
	}
	if err := bf.checkPadding(raw); err != nil {
		return nil, err
	}
	return bf, nil
}

// checkPadding verifies the trailing padding bits in the final byte are zero.
func (bf *BitField) checkPadding(raw []byte) error {
	if bf.length%8 == 0 || len(raw) == 0 {
		return nil
	}
	last := raw[len(raw)-1]
	padBits := 8 - (bf.length % 8)
	mask := byte(1<<padBits) - 1
	if last&mask != 0 {
		return fmt.Errorf("bitfield has non-zero padding bits")
	}
	return nil
}

// Len returns the number of pieces tracked.
func (bf *BitField) Len() int {
	return int(bf.length)
}

// Set marks piece i complete.
func (bf *BitField) Set(i int) {
	bf.mu.Lock()
	defer bf.mu.Unlock()
	bf.bits.Set(uint(i))
}

// Clear marks piece i incomplete.
func (bf *BitField) Clear(i int) {
	bf.mu.Lock()
	defer bf.mu.Unlock()
	bf.bits.Clear(uint(i))
}

// Has returns whether piece i is complete.
func (bf *BitField) Has(i int) bool {
	bf.mu.RLock()
	defer bf.mu.RUnlock()
	if i < 0 || uint(i) >= bf.length {
		return false
	}
	return bf.bits.Test(uint(i))
}

// Count returns the number of complete pieces (popcount).
func (bf *BitField) Count() int {
	bf.mu.RLock()
	defer bf.mu.RUnlock()
	return int(bf.bits.Count())
}

// Complete returns whether every piece is set.
func (bf *BitField) Complete() bool {
	return bf.Count() == bf.Len() && bf.Len() > 0
}

// NextSet returns the next set piece index at or after i, and whether one
// was found. Used by rarest-first and missing-piece scans.
func (bf *BitField) NextSet(i int) (int, bool) {
	bf.mu.RLock()
	defer bf.mu.RUnlock()
	idx, ok := bf.bits.NextSet(uint(i))
	if !ok {
		return 0, false
	}
	return int(idx), true
}

// Missing returns the indices of all unset pieces.
func (bf *BitField) Missing() []int {
	bf.mu.RLock()
	defer bf.mu.RUnlock()
	var missing []int
	for i := uint(0); i < bf.length; i++ {
		if !bf.bits.Test(i) {
			missing = append(missing, int(i))
		}
	}
	return missing
}

// Bytes serializes bf into the MSB-first wire / resume format.
func (bf *BitField) Bytes() []byte {
	bf.mu.RLock()
	defer bf.mu.RUnlock()
	raw := make([]byte, (bf.length+7)/8)
	for i := uint(0); i < bf.length; i++ {
		if bf.bits.Test(i) {
			raw[i/8] |= 1 << uint(7-(i%8))
		}
	}
	return raw
}

// Hex returns the lowercase, even-length hex encoding of Bytes.
func (bf *BitField) Hex() string {
	return hex.EncodeToString(bf.Bytes())
}

// Clone returns a deep copy of bf.
func (bf *BitField) Clone() *BitField {
	bf.mu.RLock()
	defer bf.mu.RUnlock()
	out := NewBitField(int(bf.length))
	for i := uint(0); i < bf.length; i++ {
		if bf.bits.Test(i) {
			out.bits.Set(i)
		}
	}
	return out
}

// Equal reports whether bf and o track the same pieces over the same length.
func (bf *BitField) Equal(o *BitField) bool {
	if bf.Len() != o.Len() {
		return false
	}
	return bf.Hex() == o.Hex()
}
