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
package engine

import (
	"fmt"
	"time"

	"github.com/kraken-bt/torrentengine/core"
	"github.com/kraken-bt/torrentengine/storage"
	"github.com/kraken-bt/torrentengine/wire"
)

// prefixConn replays a handful of already-consumed bytes ahead of the live
// socket stream. A freshly accepted connection carries no infohash, so the
// accept loop must read the 68-byte handshake to learn which torrent it
// belongs to before peer.Connection (which is constructed per-infohash)
// can take over -- but peer.Connection's own AcceptHandshake reads that
// handshake itself. Wrapping the socket this way lets the already-read
// bytes be replayed transparently instead of teaching peer.Connection a
// second, pre-read handshake entry point.
type prefixConn struct {
	storage.TCPConn
	prefix []byte
}

func (c *prefixConn) Read(b []byte) (int, error) {
	if len(c.prefix) > 0 {
		n := copy(b, c.prefix)
		c.prefix = c.prefix[n:]
		return n, nil
	}
	return c.TCPConn.Read(b)
}

// peekHandshakeInfoHash reads the fixed-size BEP 3 handshake off nc and
// returns the infohash it declares, plus a conn that will replay those
// exact bytes to the next reader -- so the handshake can be parsed twice,
// once here to route the connection and once inside peer.Connection's
// ordinary AcceptHandshake.
func peekHandshakeInfoHash(nc storage.TCPConn, timeout time.Duration) (core.InfoHash, storage.TCPConn, error) {
	buf := make([]byte, wire.HandshakeSize)
	if err := nc.SetReadDeadline(time.Now().Add(timeout)); err != nil {
		return core.InfoHash{}, nil, fmt.Errorf("set read deadline: %s", err)
	}
	n := 0
	for n < len(buf) {
		m, err := nc.Read(buf[n:])
		if err != nil {
			return core.InfoHash{}, nil, fmt.Errorf("read handshake: %s", err)
		}
		n += m
	}
	hs, err := wire.DecodeHandshake(buf)
	if err != nil {
		return core.InfoHash{}, nil, fmt.Errorf("%w: %s", core.ErrPeerProtocolViolation, err)
	}
	return hs.InfoHash, &prefixConn{TCPConn: nc, prefix: buf}, nil
}
