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
package torrent

// State is a Torrent's position in its lifecycle, per SPEC_FULL.md §4.7.
type State int

// Torrent states. A magnet-added torrent starts in AwaitingMetadata; a
// torrent added from a .torrent file skips straight to Checking. Paused
// and Removed are reachable from any non-terminal state.
const (
	AwaitingMetadata State = iota
	Checking
	Downloading
	Seeding
	Paused
	Removed
)

func (s State) String() string {
	switch s {
	case AwaitingMetadata:
		return "awaiting_metadata"
	case Checking:
		return "checking"
	case Downloading:
		return "downloading"
	case Seeding:
		return "seeding"
	case Paused:
		return "paused"
	case Removed:
		return "removed"
	default:
		return "unknown"
	}
}
