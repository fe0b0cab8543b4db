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
package bencode

import "fmt"

// ExtractRawInfo returns the exact byte span of the top-level "info" dict
// within a bencoded .torrent file, as it appeared in torrentBytes. This is
// the buffer that must be SHA-1 hashed to produce the torrent's InfoHash --
// re-encoding the parsed dict is not equivalent, since a torrent file's
// original byte-for-byte encoding of info may differ from this package's
// canonical (sorted-key) Encode output.
func ExtractRawInfo(torrentBytes []byte) ([]byte, error) {
	root, err := Decode(torrentBytes)
	if err != nil {
		return nil, fmt.Errorf("decode torrent file: %s", err)
	}
	if !root.IsDict() {
		return nil, fmt.Errorf("torrent file root is not a dict")
	}
	info, ok := root.DictGet("info")
	if !ok {
		return nil, fmt.Errorf("torrent file missing \"info\" dict")
	}
	if !info.IsDict() {
		return nil, fmt.Errorf("torrent file \"info\" is not a dict")
	}
	if info.start < 0 || info.end > len(torrentBytes) || info.start >= info.end {
		return nil, fmt.Errorf("invalid raw span for \"info\" dict")
	}
	return torrentBytes[info.start:info.end], nil
}
