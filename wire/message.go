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
	"encoding/binary"
	"fmt"
	"io"
	"time"
)

// Conn is the subset of net.Conn this package depends on. It is satisfied
// both by net.Conn itself and by storage.TCPConn, so callers can hand this
// package either a real socket or the engine's substitutable transport
// abstraction without an adapter shim.
type Conn interface {
	io.Reader
	io.Writer
	SetReadDeadline(t time.Time) error
	SetWriteDeadline(t time.Time) error
}

// MessageType identifies a peer wire message, per BEP 3 / BEP 10.
type MessageType byte

// Message type constants, per BEP 3 and BEP 10.
const (
	Choke         MessageType = 0
	Unchoke       MessageType = 1
	Interested    MessageType = 2
	NotInterested MessageType = 3
	Have          MessageType = 4
	Bitfield      MessageType = 5
	Request       MessageType = 6
	Piece         MessageType = 7
	Cancel        MessageType = 8
	Port          MessageType = 9
	Extended      MessageType = 20
)

func (t MessageType) String() string {
	switch t {
	case Choke:
		return "choke"
	case Unchoke:
		return "unchoke"
	case Interested:
		return "interested"
	case NotInterested:
		return "not_interested"
	case Have:
		return "have"
	case Bitfield:
		return "bitfield"
	case Request:
		return "request"
	case Piece:
		return "piece"
	case Cancel:
		return "cancel"
	case Port:
		return "port"
	case Extended:
		return "extended"
	default:
		return fmt.Sprintf("unknown(%d)", byte(t))
	}
}

// maxMessageSize bounds the length prefix of an incoming message to guard
// against a malicious peer claiming an absurd length and exhausting memory.
// 16 KiB block size + 9-byte piece header + slack.
const maxMessageSize = 1 << 17

// Message is a single framed peer wire message: a 4-byte big-endian length
// prefix (length of Type+Payload, BEP 3) followed by a 1-byte type and an
// opaque payload whose layout is determined by Type. A zero-length message
// (Length=0, no Type byte) is a keep-alive.
type Message struct {
	Type    MessageType
	Payload []byte
}

// BlockRequest describes the REQUEST/CANCEL payload: piece index, byte
// offset within the piece, and block length.
type BlockRequest struct {
	Index  uint32
	Begin  uint32
	Length uint32
}

// EncodeBlockRequest serializes a BlockRequest payload.
func EncodeBlockRequest(r BlockRequest) []byte {
	buf := make([]byte, 12)
	binary.BigEndian.PutUint32(buf[0:4], r.Index)
	binary.BigEndian.PutUint32(buf[4:8], r.Begin)
	binary.BigEndian.PutUint32(buf[8:12], r.Length)
	return buf
}

// DecodeBlockRequest parses a REQUEST/CANCEL payload.
func DecodeBlockRequest(payload []byte) (BlockRequest, error) {
	if len(payload) != 12 {
		return BlockRequest{}, fmt.Errorf("invalid request payload length: %d", len(payload))
	}
	return BlockRequest{
		Index:  binary.BigEndian.Uint32(payload[0:4]),
		Begin:  binary.BigEndian.Uint32(payload[4:8]),
		Length: binary.BigEndian.Uint32(payload[8:12]),
	}, nil
}

// BlockData is the PIECE message payload: piece index, byte offset, and the
// block bytes themselves.
type BlockData struct {
	Index uint32
	Begin uint32
	Block []byte
}

// EncodeBlockData serializes a BlockData payload.
func EncodeBlockData(d BlockData) []byte {
	buf := make([]byte, 8+len(d.Block))
	binary.BigEndian.PutUint32(buf[0:4], d.Index)
	binary.BigEndian.PutUint32(buf[4:8], d.Begin)
	copy(buf[8:], d.Block)
	return buf
}

// DecodeBlockData parses a PIECE message payload.
func DecodeBlockData(payload []byte) (BlockData, error) {
	if len(payload) < 8 {
		return BlockData{}, fmt.Errorf("invalid piece payload length: %d", len(payload))
	}
	return BlockData{
		Index: binary.BigEndian.Uint32(payload[0:4]),
		Begin: binary.BigEndian.Uint32(payload[4:8]),
		Block: payload[8:],
	}, nil
}

// EncodeHave serializes a HAVE message payload.
func EncodeHave(index uint32) []byte {
	buf := make([]byte, 4)
	binary.BigEndian.PutUint32(buf, index)
	return buf
}

// DecodeHave parses a HAVE message payload.
func DecodeHave(payload []byte) (uint32, error) {
	if len(payload) != 4 {
		return 0, fmt.Errorf("invalid have payload length: %d", len(payload))
	}
	return binary.BigEndian.Uint32(payload), nil
}

// Send writes msg to nc as a single length-prefixed frame.
func Send(nc Conn, msg Message) error {
	length := uint32(1 + len(msg.Payload))
	header := make([]byte, 5)
	binary.BigEndian.PutUint32(header[0:4], length)
	header[4] = byte(msg.Type)
	if _, err := nc.Write(header); err != nil {
		return fmt.Errorf("write header: %s", err)
	}
	if len(msg.Payload) > 0 {
		if _, err := nc.Write(msg.Payload); err != nil {
			return fmt.Errorf("write payload: %s", err)
		}
	}
	return nil
}

// SendWithTimeout writes msg to nc enforcing a write deadline.
func SendWithTimeout(nc Conn, msg Message, timeout time.Duration) error {
	if err := nc.SetWriteDeadline(time.Now().Add(timeout)); err != nil {
		return fmt.Errorf("set write deadline: %s", err)
	}
	return Send(nc, msg)
}

// SendKeepAlive writes a zero-length keep-alive frame.
func SendKeepAlive(nc Conn) error {
	var header [4]byte
	_, err := nc.Write(header[:])
	return err
}

// Read reads and parses the next frame from nc. A zero-length frame (a
// keep-alive) is returned as a Message with Type 0xFF and nil Payload; the
// caller distinguishes it from Choke by checking len(raw)==0 via ReadRaw
// when that matters. Most callers should prefer ReadRaw.
func Read(nc Conn) (Message, error) {
	msg, ok, err := ReadRaw(nc)
	if err != nil {
		return Message{}, err
	}
	if !ok {
		return Message{Type: 0xFF}, nil
	}
	return msg, nil
}

// ReadRaw reads the next frame from nc. ok is false for a keep-alive
// (zero-length) frame, in which case Message is the zero value.
func ReadRaw(nc Conn) (msg Message, ok bool, err error) {
	var lenBuf [4]byte
	if _, err := io.ReadFull(nc, lenBuf[:]); err != nil {
		return Message{}, false, fmt.Errorf("read length prefix: %s", err)
	}
	length := binary.BigEndian.Uint32(lenBuf[:])
	if length == 0 {
		return Message{}, false, nil
	}
	if uint64(length) > maxMessageSize {
		return Message{}, false, fmt.Errorf("message exceeds max size: %d > %d", length, maxMessageSize)
	}
	body := make([]byte, length)
	if _, err := io.ReadFull(nc, body); err != nil {
		return Message{}, false, fmt.Errorf("read body: %s", err)
	}
	return Message{Type: MessageType(body[0]), Payload: body[1:]}, true, nil
}

// ReadWithTimeout reads the next frame enforcing a read deadline. Returns
// ok=false for a keep-alive.
func ReadWithTimeout(nc Conn, timeout time.Duration) (msg Message, ok bool, err error) {
	if err := nc.SetReadDeadline(time.Now().Add(timeout)); err != nil {
		return Message{}, false, fmt.Errorf("set read deadline: %s", err)
	}
	return ReadRaw(nc)
}
