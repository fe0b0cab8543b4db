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
	"net"
)

// PeerAddr is a dialable peer address, as discovered via tracker announce
// or PEX. It carries no identity -- a PeerID is only known after handshake.
type PeerAddr struct {
	IP   net.IP
	Port uint16
}

// String renders addr as "ip:port", using bracket notation for IPv6.
func (a PeerAddr) String() string {
	return net.JoinHostPort(a.IP.String(), fmt.Sprintf("%d", a.Port))
}

// DecodeCompactPeersV4 parses a BEP 3 / BEP 11 compact IPv4 peer list: 6
// bytes per entry (4-byte IP, 2-byte big-endian port).
func DecodeCompactPeersV4(b []byte) ([]PeerAddr, error) {
	return decodeCompactPeers(b, 4)
}

// DecodeCompactPeersV6 parses a BEP 11 compact IPv6 peer list: 18 bytes per
// entry (16-byte IP, 2-byte big-endian port).
func DecodeCompactPeersV6(b []byte) ([]PeerAddr, error) {
	return decodeCompactPeers(b, 16)
}

func decodeCompactPeers(b []byte, ipLen int) ([]PeerAddr, error) {
	entryLen := ipLen + 2
	if len(b)%entryLen != 0 {
		return nil, fmt.Errorf("compact peer list length %d not a multiple of %d", len(b), entryLen)
	}
	n := len(b) / entryLen
	peers := make([]PeerAddr, n)
	for i := 0; i < n; i++ {
		entry := b[i*entryLen : (i+1)*entryLen]
		ip := make(net.IP, ipLen)
		copy(ip, entry[:ipLen])
		port := uint16(entry[ipLen])<<8 | uint16(entry[ipLen+1])
		peers[i] = PeerAddr{IP: ip, Port: port}
	}
	return peers, nil
}

// EncodeCompactPeersV4 serializes peers (which must hold 4-byte IPv4
// addresses) into BEP 3 / BEP 11 compact form.
func EncodeCompactPeersV4(peers []PeerAddr) []byte {
	out := make([]byte, 0, len(peers)*6)
	for _, p := range peers {
		ip4 := p.IP.To4()
		if ip4 == nil {
			continue
		}
		out = append(out, ip4...)
		out = append(out, byte(p.Port>>8), byte(p.Port))
	}
	return out
}
