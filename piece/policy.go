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
	"github.com/willf/bitset"

	"github.com/kraken-bt/torrentengine/internal/syncutil"
)

// Policy selects which new piece(s) to start downloading from a set of
// candidates, given how many connected peers have each candidate
// (numPeersByPiece). It is consulted only when choosing a piece to make
// Active for the first time -- SPEC_FULL.md §4.5's selection policy steps 1
// and 2 (peer has it and we lack it; prefer already-Active pieces) are
// handled by the caller (Manager) before the Policy is asked to break ties
// among brand-new candidates.
type Policy interface {
	// SelectPieces returns up to limit piece indices from candidates, most
	// preferred first. valid further filters a candidate (e.g. already
	// reserved under another peer without endgame allowed).
	SelectPieces(limit int, valid func(int) bool, candidates *bitset.BitSet, numPeersByPiece *syncutil.Counters) []int
}
