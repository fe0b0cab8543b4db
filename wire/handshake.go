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

// Package wire implements the BitTorrent peer wire protocol: the initial
// handshake, length-prefixed message framing, and BEP 10 extended messages.
package wire

import (
	"bytes"
	"fmt"
	"io"
	"time"

	"github.com/kraken-bt/torrentengine/core"
)

const protocolName = "BitTorrent protocol"

// pstrlen is the length of protocolName, per BEP 3.
const pstrlen = byte(len(protocolName))

// HandshakeSize is the fixed size of a handshake message on the wire.
const HandshakeSize = 1 + len(protocolName) + 8 + 20 + 20

// reserved byte 5, bit 0x10 (0x00, 0x00, 0x00, 0x00, 0x00, 0x10, 0x00, 0x00)
// advertises BEP 10 extended protocol support.
const extendedProtocolBit = 0x10

// Handshake is the 68-byte message exchanged at the start of every peer
// connection, per BEP 3. Reserved bits declare supported extensions; only
// BEP 10 (extended messaging) is advertised by this engine.
type Handshake struct {
	InfoHash core.InfoHash
	PeerID   core.PeerID
	Extended bool
}

// Encode serializes h into the 68-byte wire handshake.
func (h Handshake) Encode() []byte {
	buf := make([]byte, 0, HandshakeSize)
	buf = append(buf, pstrlen)
	buf = append(buf, []byte(protocolName)...)
	reserved := make([]byte, 8)
	if h.Extended {
		reserved[5] |= extendedProtocolBit
	}
	buf = append(buf, reserved...)
	buf = append(buf, h.InfoHash.Bytes()...)
	buf = append(buf, h.PeerID.Bytes()...)
	return buf
}

// DecodeHandshake parses a 68-byte wire handshake.
func DecodeHandshake(buf []byte) (Handshake, error) {
	if len(buf) != HandshakeSize {
		return Handshake{}, fmt.Errorf("invalid handshake length: expected %d, got %d", HandshakeSize, len(buf))
	}
	if buf[0] != pstrlen {
		return Handshake{}, fmt.Errorf("invalid pstrlen: expected %d, got %d", pstrlen, buf[0])
	}
	if !bytes.Equal(buf[1:1+pstrlen], []byte(protocolName)) {
		return Handshake{}, fmt.Errorf("unrecognized protocol string %q", buf[1:1+pstrlen])
	}
	offset := 1 + int(pstrlen)
	reserved := buf[offset : offset+8]
	offset += 8
	var infoHashRaw [20]byte
	copy(infoHashRaw[:], buf[offset:offset+20])
	offset += 20
	peerID, err := core.NewPeerIDFromBytes(buf[offset : offset+20])
	if err != nil {
		return Handshake{}, fmt.Errorf("peer id: %s", err)
	}
	return Handshake{
		InfoHash: core.NewInfoHashFromRaw20(infoHashRaw),
		PeerID:   peerID,
		Extended: reserved[5]&extendedProtocolBit != 0,
	}, nil
}

// SendHandshake writes h to nc, enforcing timeout as a write deadline.
func SendHandshake(nc Conn, h Handshake, timeout time.Duration) error {
	if err := nc.SetWriteDeadline(time.Now().Add(timeout)); err != nil {
		return fmt.Errorf("set write deadline: %s", err)
	}
	buf := h.Encode()
	for len(buf) > 0 {
		n, err := nc.Write(buf)
		if err != nil {
			return fmt.Errorf("write handshake: %s", err)
		}
		buf = buf[n:]
	}
	return nil
}

// ReadHandshake reads and parses a handshake from nc, enforcing timeout as a
// read deadline.
func ReadHandshake(nc Conn, timeout time.Duration) (Handshake, error) {
	if err := nc.SetReadDeadline(time.Now().Add(timeout)); err != nil {
		return Handshake{}, fmt.Errorf("set read deadline: %s", err)
	}
	buf := make([]byte, HandshakeSize)
	if _, err := io.ReadFull(nc, buf); err != nil {
		return Handshake{}, fmt.Errorf("read handshake: %s", err)
	}
	return DecodeHandshake(buf)
}
