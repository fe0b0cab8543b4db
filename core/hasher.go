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

import "crypto/sha1"

// PieceHash is the SHA-1 digest of one piece's content.
type PieceHash [20]byte

// HashPiece computes the SHA-1 digest of b. Used by the piece manager to
// verify an assembled piece buffer against the torrent's piece-hash vector,
// and by the metadata exchange to verify an assembled info buffer against
// the torrent's infohash.
func HashPiece(b []byte) PieceHash {
	var h PieceHash
	sum := sha1.Sum(b)
	copy(h[:], sum[:])
	return h
}

// Equal reports whether h matches the SHA-1 digest of b.
func (h PieceHash) Equal(b []byte) bool {
	return h == HashPiece(b)
}
