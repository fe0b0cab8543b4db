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

// Package core defines the engine's central value types -- infohash, peer
// id, bitfield, piece hashing, and torrent metadata -- shared by every
// other package.
package core

import "errors"

// Error taxonomy shared across the engine. Each error class maps to a
// distinct handling policy (see DESIGN.md and SPEC_FULL.md §7): some reject
// an input outright, some penalize a peer, some back off and retry, and
// some move a torrent into a terminal error state requiring intervention.
var (
	// ErrMalformedBencode indicates the input bytes are not valid bencode.
	ErrMalformedBencode = errors.New("malformed bencode")

	// ErrInvalidTorrent indicates well-formed bencode that does not
	// describe a valid torrent (missing required info fields, inconsistent
	// file vector, zero piece length, etc).
	ErrInvalidTorrent = errors.New("invalid torrent")

	// ErrMetadataHashMismatch indicates an assembled ut_metadata buffer's
	// SHA-1 does not match the torrent's infohash.
	ErrMetadataHashMismatch = errors.New("metadata hash mismatch")

	// ErrPeerProtocolViolation indicates a peer violated the wire protocol
	// (bad handshake, oversized frame, inconsistent bitfield length).
	ErrPeerProtocolViolation = errors.New("peer protocol violation")

	// ErrPieceHashMismatch indicates an assembled piece's SHA-1 does not
	// match the torrent's piece-hash vector entry.
	ErrPieceHashMismatch = errors.New("piece hash mismatch")

	// ErrMissingStorageRoot indicates a torrent has no assigned storage
	// root and cannot perform I/O until the user assigns one.
	ErrMissingStorageRoot = errors.New("missing storage root")

	// ErrTrackerTransient indicates a tracker announce failed in a way
	// that's worth retrying with backoff (timeout, 5xx, UDP ACTION_ERROR).
	ErrTrackerTransient = errors.New("tracker transient error")

	// ErrTrackerPermanent indicates a tracker announce failed in a way
	// that retrying won't fix (4xx, malformed announce URL); the torrent
	// should stop contacting this tracker and fall back to others.
	ErrTrackerPermanent = errors.New("tracker permanent error")

	// ErrStorageTransient indicates a recoverable storage failure
	// (ENOSPC, EAGAIN); the torrent pauses and may retry on resume.
	ErrStorageTransient = errors.New("storage transient error")

	// ErrStoragePermanent indicates an unrecoverable storage failure
	// (EACCES, missing root); the torrent moves to the error state and
	// requires user intervention.
	ErrStoragePermanent = errors.New("storage permanent error")
)
