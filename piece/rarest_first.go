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
	"math/rand"

	"github.com/willf/bitset"

	"github.com/kraken-bt/torrentengine/internal/heap"
	"github.com/kraken-bt/torrentengine/internal/syncutil"
)

// RarestFirstPolicy selects the pieces held by the fewest connected peers
// first, tie-breaking randomly among equally-rare candidates (SPEC_FULL.md
// §4.5 step 3: "rarest-first; tie-break randomly for swarm health").
type RarestFirstPolicy struct{}

// NewRarestFirstPolicy creates a RarestFirstPolicy.
func NewRarestFirstPolicy() *RarestFirstPolicy {
	return &RarestFirstPolicy{}
}

// SelectPieces implements Policy.
func (p *RarestFirstPolicy) SelectPieces(
	limit int,
	valid func(int) bool,
	candidates *bitset.BitSet,
	numPeersByPiece *syncutil.Counters,
) []int {
	if limit <= 0 {
		return nil
	}

	// Randomize push order so entries sharing a priority come off the heap
	// in random relative order instead of candidate-index order.
	var indices []int
	for i, ok := candidates.NextSet(0); ok; i, ok = candidates.NextSet(i + 1) {
		indices = append(indices, int(i))
	}
	rand.Shuffle(len(indices), func(i, j int) { indices[i], indices[j] = indices[j], indices[i] })

	queue := heap.NewPriorityQueue()
	for _, i := range indices {
		queue.Push(&heap.Item{Value: i, Priority: numPeersByPiece.Get(i)})
	}

	pieces := make([]int, 0, limit)
	for len(pieces) < limit && queue.Len() > 0 {
		item, err := queue.Pop()
		if err != nil {
			break
		}
		candidate := item.Value.(int)
		if valid(candidate) {
			pieces = append(pieces, candidate)
		}
	}
	return pieces
}
