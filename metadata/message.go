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
package metadata

import (
	"fmt"

	"github.com/kraken-bt/torrentengine/internal/bencode"
	"github.com/kraken-bt/torrentengine/wire"
)

// ut_metadata dict "msg_type" values, per BEP 9.
const (
	msgTypeRequest = 0
	msgTypeData    = 1
	msgTypeReject  = 2
)

// MessageType is the decoded kind of an inbound ut_metadata message.
type MessageType int

// ut_metadata message kinds a peer can send.
const (
	MessageRequest MessageType = iota
	MessageData
	MessageReject
)

// Message is a decoded ut_metadata dict payload, with Data populated from
// the extended message's trailer for MessageData.
type Message struct {
	Type      MessageType
	Piece     int
	TotalSize int
	Data      []byte
}

// EncodeRequest builds a REQUEST extended message for piece, to be sent via
// Connection.SendExtended(extendedID, ...).
func EncodeRequest(piece int) *bencode.Value {
	return bencode.NewDict(
		bencode.DictEntry{Key: "msg_type", Val: bencode.NewInt(msgTypeRequest)},
		bencode.DictEntry{Key: "piece", Val: bencode.NewInt(int64(piece))},
	)
}

// EncodeData builds a DATA extended message dict for piece; the raw
// metadata bytes are passed as the extended message's trailer, not part of
// the dict.
func EncodeData(piece, totalSize int) *bencode.Value {
	return bencode.NewDict(
		bencode.DictEntry{Key: "msg_type", Val: bencode.NewInt(msgTypeData)},
		bencode.DictEntry{Key: "piece", Val: bencode.NewInt(int64(piece))},
		bencode.DictEntry{Key: "total_size", Val: bencode.NewInt(int64(totalSize))},
	)
}

// EncodeReject builds a REJECT extended message dict for piece, sent when a
// peer declines to serve a metadata piece (e.g. it doesn't have metadata
// installed yet either).
func EncodeReject(piece int) *bencode.Value {
	return bencode.NewDict(
		bencode.DictEntry{Key: "msg_type", Val: bencode.NewInt(msgTypeReject)},
		bencode.DictEntry{Key: "piece", Val: bencode.NewInt(int64(piece))},
	)
}

// DecodeMessage parses an inbound ut_metadata extended message (the
// wire.ExtendedMessage the peer package already decoded the BEP 10 framing
// of).
func DecodeMessage(em wire.ExtendedMessage) (Message, error) {
	if !em.Dict.IsDict() {
		return Message{}, fmt.Errorf("ut_metadata message is not a dict")
	}
	typeVal, ok := em.Dict.DictGet("msg_type")
	if !ok {
		return Message{}, fmt.Errorf("ut_metadata message missing msg_type")
	}
	typeInt, err := typeVal.Integer()
	if err != nil {
		return Message{}, fmt.Errorf("ut_metadata msg_type: %s", err)
	}

	pieceVal, ok := em.Dict.DictGet("piece")
	if !ok {
		return Message{}, fmt.Errorf("ut_metadata message missing piece")
	}
	piece, err := pieceVal.Integer()
	if err != nil {
		return Message{}, fmt.Errorf("ut_metadata piece: %s", err)
	}

	m := Message{Piece: int(piece)}
	switch typeInt {
	case msgTypeRequest:
		m.Type = MessageRequest
	case msgTypeData:
		m.Type = MessageData
		m.Data = em.Trailer
		if sizeVal, ok := em.Dict.DictGet("total_size"); ok {
			if n, err := sizeVal.Integer(); err == nil {
				m.TotalSize = int(n)
			}
		}
	case msgTypeReject:
		m.Type = MessageReject
	default:
		return Message{}, fmt.Errorf("ut_metadata unknown msg_type %d", typeInt)
	}
	return m, nil
}
