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
	"fmt"
	"net/url"
	"strings"
)

// MagnetLink is a parsed "magnet:?xt=urn:btih:..." URI: enough information
// to begin a torrent (infohash) plus trackers/display name to bootstrap
// peer discovery before metadata has been fetched via BEP 9.
type MagnetLink struct {
	InfoHash    InfoHash
	DisplayName string
	Trackers    []string
}

// ParseMagnet parses a magnet URI into its infohash, optional display name,
// and tracker list ("tr" params). The exact-topic ("xt") parameter must be
// "urn:btih:<40-hex-or-32-base32 infohash>"; base32 form is not supported by
// this engine (not observed in practice against BitTorrent v1 trackers).
func ParseMagnet(uri string) (MagnetLink, error) {
	u, err := url.Parse(uri)
	if err != nil {
		return MagnetLink{}, fmt.Errorf("parse uri: %s", err)
	}
	if u.Scheme != "magnet" {
		return MagnetLink{}, fmt.Errorf("not a magnet uri: scheme %q", u.Scheme)
	}
	q := u.Query()

	var ih InfoHash
	found := false
	for _, xt := range q["xt"] {
		const prefix = "urn:btih:"
		if !strings.HasPrefix(xt, prefix) {
			continue
		}
		hex := strings.TrimPrefix(xt, prefix)
		if len(hex) != 40 {
			return MagnetLink{}, fmt.Errorf("unsupported btih encoding (expected 40 hex chars, got %d)", len(hex))
		}
		ih, err = NewInfoHashFromHex(hex)
		if err != nil {
			return MagnetLink{}, fmt.Errorf("btih: %s", err)
		}
		found = true
		break
	}
	if !found {
		return MagnetLink{}, fmt.Errorf("missing urn:btih exact topic")
	}

	return MagnetLink{
		InfoHash:    ih,
		DisplayName: q.Get("dn"),
		Trackers:    q["tr"],
	}, nil
}
