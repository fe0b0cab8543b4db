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

// Package tracker implements the HTTP (BEP 3) and UDP (BEP 15) tracker
// announce protocols, each behind the same Client interface so a Torrent's
// tick loop can treat every tracker in its tracker vector uniformly.
package tracker

import (
	"time"

	"github.com/kraken-bt/torrentengine/core"
)

// Event is the BitTorrent announce event, sent on the first announce
// (Started), on pause/removal (Stopped), and exactly once when a torrent's
// bitfield becomes all-ones (Completed).
type Event int

// Announce events, per spec.md §4.7/§4.8.
const (
	EventNone Event = iota
	EventStarted
	EventStopped
	EventCompleted
)

// AnnounceRequest carries the fields common to both the HTTP and UDP
// tracker wire formats.
type AnnounceRequest struct {
	InfoHash   core.InfoHash
	PeerID     core.PeerID
	Port       uint16
	Uploaded   uint64
	Downloaded uint64
	Left       uint64
	Event      Event
	NumWant    int32 // -1 requests the tracker's default
}

// AnnounceResponse is the tracker's reply, normalized across the HTTP and
// UDP wire formats.
type AnnounceResponse struct {
	Interval time.Duration
	Leechers int
	Seeders  int
	Peers    []core.PeerAddr
}

// Status is a tracker client's current health, exposed for observability
// per spec.md §4.8.
type Status int

// Tracker health states.
const (
	StatusIdle Status = iota
	StatusOK
	StatusError
)

// Stats reports a tracker client's observable state, per spec.md §4.8.
type Stats struct {
	Status                Status
	Interval              time.Duration
	Seeders               int
	Leechers              int
	LastPeersReceived     int
	UniquePeersDiscovered int
	LastError             error
	NextAnnounce          time.Time
}

// Client announces a torrent's progress to a tracker and retrieves peers.
// Implementations (httpTracker, udpTracker) are not safe for concurrent
// use; callers serialize access the same way a Torrent serializes access
// to its own tracker vector from the tick loop.
type Client interface {
	Announce(req AnnounceRequest) (AnnounceResponse, error)
	Stats() Stats
	URL() string
}
