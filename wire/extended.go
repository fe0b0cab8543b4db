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
package wire

import (
	"fmt"

	"github.com/kraken-bt/torrentengine/internal/bencode"
)

// Extended message IDs, per BEP 10: 0 is reserved for the extended
// handshake itself; all other IDs are locally assigned per connection via
// the "m" dictionary and only meaningful to the two endpoints that
// negotiated them.
const ExtendedHandshakeID byte = 0

// Well-known extension names this engine supports, used as keys of the "m"
// dictionary in the extended handshake.
const (
	ExtensionMetadata = "ut_metadata" // BEP 9
	ExtensionPEX      = "ut_pex"      // BEP 11
)

// ExtendedHandshake is the payload of the BEP 10 extended handshake message
// (message type Extended, extended message id ExtendedHandshakeID).
type ExtendedHandshake struct {
	// M maps extension name to the locally-assigned message id the sender
	// wants the recipient to use when sending that extension to it.
	M map[string]byte
	// MetadataSize is the size in bytes of the info dict, included once
	// known (BEP 9).
	MetadataSize int
	// V is a free-form client version string.
	V string
	// Port is the sender's external listening port (BEP 10's "p" key).
	Port int
}

// Value builds h's bencoded dict representation, suitable for passing
// directly to peer.Connection.SendExtended alongside ExtendedHandshakeID.
func (h ExtendedHandshake) Value() *bencode.Value {
	mEntries := make([]bencode.DictEntry, 0, len(h.M))
	for name, id := range h.M {
		mEntries = append(mEntries, bencode.DictEntry{
			Key: name,
			Val: bencode.NewInt(int64(id)),
		})
	}
	entries := []bencode.DictEntry{
		{Key: "m", Val: bencode.NewDict(mEntries...)},
	}
	if h.MetadataSize > 0 {
		entries = append(entries, bencode.DictEntry{
			Key: "metadata_size",
			Val: bencode.NewInt(int64(h.MetadataSize)),
		})
	}
	if h.V != "" {
		entries = append(entries, bencode.DictEntry{Key: "v", Val: bencode.NewString([]byte(h.V))})
	}
	if h.Port > 0 {
		entries = append(entries, bencode.DictEntry{Key: "p", Val: bencode.NewInt(int64(h.Port))})
	}
	return bencode.NewDict(entries...)
}

// Encode serializes h into a bencoded dict.
func (h ExtendedHandshake) Encode() []byte {
	return bencode.Encode(h.Value())
}

// DecodeExtendedHandshake parses the payload of an extended handshake
// message.
func DecodeExtendedHandshake(payload []byte) (ExtendedHandshake, error) {
	v, err := bencode.DecodeExact(payload)
	if err != nil {
		return ExtendedHandshake{}, fmt.Errorf("decode: %s", err)
	}
	if !v.IsDict() {
		return ExtendedHandshake{}, fmt.Errorf("extended handshake is not a dict")
	}
	h := ExtendedHandshake{M: make(map[string]byte)}
	if mVal, ok := v.DictGet("m"); ok && mVal.IsDict() {
		for _, e := range mVal.Dict {
			id, err := e.Val.Integer()
			if err != nil {
				continue
			}
			h.M[e.Key] = byte(id)
		}
	}
	if sizeVal, ok := v.DictGet("metadata_size"); ok {
		if n, err := sizeVal.Integer(); err == nil {
			h.MetadataSize = int(n)
		}
	}
	if vVal, ok := v.DictGet("v"); ok {
		if s, err := vVal.String(); err == nil {
			h.V = s
		}
	}
	if pVal, ok := v.DictGet("p"); ok {
		if n, err := pVal.Integer(); err == nil {
			h.Port = int(n)
		}
	}
	return h, nil
}

// ExtendedMessage is a decoded Extended (type 20) message: a 1-byte
// extended message id followed by a bencoded dict and, for ut_metadata
// piece messages, a trailing raw byte blob not covered by the dict.
type ExtendedMessage struct {
	ExtendedID byte
	Dict       *bencode.Value
	Trailer    []byte
}

// DecodeExtendedMessage parses the payload of a type-20 Message (i.e.
// Message.Payload with the leading type byte already stripped by the
// caller, per wire.Message's own convention).
func DecodeExtendedMessage(payload []byte) (ExtendedMessage, error) {
	if len(payload) < 1 {
		return ExtendedMessage{}, fmt.Errorf("empty extended message payload")
	}
	extendedID := payload[0]
	rest := payload[1:]
	v, consumed, err := bencode.DecodeWithLength(rest)
	if err != nil {
		return ExtendedMessage{}, fmt.Errorf("decode extended dict: %s", err)
	}
	return ExtendedMessage{
		ExtendedID: extendedID,
		Dict:       v,
		Trailer:    rest[consumed:],
	}, nil
}

// EncodeExtendedMessage serializes an extended message: id byte + bencoded
// dict + trailer.
func EncodeExtendedMessage(extendedID byte, dict *bencode.Value, trailer []byte) []byte {
	buf := make([]byte, 0, 1+32+len(trailer))
	buf = append(buf, extendedID)
	buf = append(buf, bencode.Encode(dict)...)
	buf = append(buf, trailer...)
	return buf
}
