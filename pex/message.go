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

// Package pex implements BEP 11 peer exchange: parsing ut_pex messages
// into discovered peer addresses, and rate-limiting outbound ones.
package pex

import (
	"github.com/kraken-bt/torrentengine/core"
	"github.com/kraken-bt/torrentengine/internal/bencode"
	"github.com/kraken-bt/torrentengine/wire"
)

// Message is a decoded ut_pex dict payload, per BEP 11.
type Message struct {
	Added      []core.PeerAddr
	AddedFlags []byte // parallel to Added; nil if the peer omitted added.f
	Added6     []core.PeerAddr
	Dropped    []core.PeerAddr
	Dropped6   []core.PeerAddr
}

// EncodeMessage builds the bencoded dict for an outbound ut_pex message.
// Any empty field is omitted, matching mainline clients' practice of only
// sending what changed since the last message to this peer.
func EncodeMessage(m Message) *bencode.Value {
	var entries []bencode.DictEntry
	if len(m.Added) > 0 {
		entries = append(entries, bencode.DictEntry{
			Key: "added", Val: bencode.NewString(core.EncodeCompactPeersV4(m.Added)),
		})
	}
	if len(m.AddedFlags) > 0 {
		entries = append(entries, bencode.DictEntry{
			Key: "added.f", Val: bencode.NewString(m.AddedFlags),
		})
	}
	if len(m.Added6) > 0 {
		entries = append(entries, bencode.DictEntry{
			Key: "added6", Val: bencode.NewString(encodeCompactV6(m.Added6)),
		})
	}
	if len(m.Dropped) > 0 {
		entries = append(entries, bencode.DictEntry{
			Key: "dropped", Val: bencode.NewString(core.EncodeCompactPeersV4(m.Dropped)),
		})
	}
	if len(m.Dropped6) > 0 {
		entries = append(entries, bencode.DictEntry{
			Key: "dropped6", Val: bencode.NewString(encodeCompactV6(m.Dropped6)),
		})
	}
	return bencode.NewDict(entries...)
}

func encodeCompactV6(peers []core.PeerAddr) []byte {
	out := make([]byte, 0, len(peers)*18)
	for _, p := range peers {
		ip6 := p.IP.To16()
		if ip6 == nil || p.IP.To4() != nil {
			continue
		}
		out = append(out, ip6...)
		out = append(out, byte(p.Port>>8), byte(p.Port))
	}
	return out
}

// DecodeMessage parses an inbound ut_pex extended message. Any of the four
// compact-list fields may be absent; a malformed present field is an
// error, per spec.md's general "malformed extension payload" handling
// (discard the message, don't penalize the connection -- BEP 11 is
// advisory).
func DecodeMessage(em wire.ExtendedMessage) (Message, error) {
	var m Message
	if !em.Dict.IsDict() {
		return m, nil
	}
	if v, ok := em.Dict.DictGet("added"); ok {
		if s, err := v.String(); err == nil {
			peers, err := core.DecodeCompactPeersV4([]byte(s))
			if err != nil {
				return Message{}, err
			}
			m.Added = peers
		}
	}
	if v, ok := em.Dict.DictGet("added.f"); ok {
		if s, err := v.String(); err == nil {
			m.AddedFlags = []byte(s)
		}
	}
	if v, ok := em.Dict.DictGet("added6"); ok {
		if s, err := v.String(); err == nil {
			peers, err := core.DecodeCompactPeersV6([]byte(s))
			if err != nil {
				return Message{}, err
			}
			m.Added6 = peers
		}
	}
	if v, ok := em.Dict.DictGet("dropped"); ok {
		if s, err := v.String(); err == nil {
			peers, err := core.DecodeCompactPeersV4([]byte(s))
			if err != nil {
				return Message{}, err
			}
			m.Dropped = peers
		}
	}
	if v, ok := em.Dict.DictGet("dropped6"); ok {
		if s, err := v.String(); err == nil {
			peers, err := core.DecodeCompactPeersV6([]byte(s))
			if err != nil {
				return Message{}, err
			}
			m.Dropped6 = peers
		}
	}
	return m, nil
}
