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
	"net"
	"strconv"
	"time"

	"github.com/kraken-bt/torrentengine/storage"
	"github.com/kraken-bt/torrentengine/utils/bandwidth"
)

// netSocketFactory is the default storage.ISocketFactory, backed by the
// real OS network stack. Every TCP connection it hands out -- dialed or
// accepted -- is wrapped so its Read/Write calls draw from a shared
// bandwidth.Limiter, giving the engine an engine-wide rate cap enforced at
// the lowest point all peer bytes flow through, rather than duplicating
// throttling logic inside peer.Connection itself.
type netSocketFactory struct {
	limiter *bandwidth.Limiter
}

func newNetSocketFactory(limiter *bandwidth.Limiter) *netSocketFactory {
	return &netSocketFactory{limiter: limiter}
}

// DialTCP implements storage.ISocketFactory.
func (f *netSocketFactory) DialTCP(host string, port int, timeout time.Duration) (storage.TCPConn, error) {
	nc, err := net.DialTimeout("tcp", net.JoinHostPort(host, strconv.Itoa(port)), timeout)
	if err != nil {
		return nil, fmt.Errorf("dial %s:%d: %s", host, port, err)
	}
	return &bandwidthConn{Conn: nc, limiter: f.limiter}, nil
}

// ListenTCP implements storage.ISocketFactory.
func (f *netSocketFactory) ListenTCP(port int) (storage.TCPListener, error) {
	l, err := net.Listen("tcp", net.JoinHostPort("", strconv.Itoa(port)))
	if err != nil {
		return nil, fmt.Errorf("listen tcp :%d: %s", port, err)
	}
	return &netListener{l: l, limiter: f.limiter}, nil
}

// ListenUDP implements storage.ISocketFactory.
func (f *netSocketFactory) ListenUDP(port int) (storage.UDPConn, error) {
	conn, err := net.ListenUDP("udp", &net.UDPAddr{Port: port})
	if err != nil {
		return nil, fmt.Errorf("listen udp :%d: %s", port, err)
	}
	return &udpConn{conn: conn}, nil
}

type netListener struct {
	l       net.Listener
	limiter *bandwidth.Limiter
}

func (n *netListener) Accept() (storage.TCPConn, error) {
	nc, err := n.l.Accept()
	if err != nil {
		return nil, err
	}
	return &bandwidthConn{Conn: nc, limiter: n.limiter}, nil
}

func (n *netListener) Close() error { return n.l.Close() }

// bandwidthConn wraps a net.Conn so every Read/Write draws from the
// engine's shared bandwidth.Limiter before touching the socket.
type bandwidthConn struct {
	net.Conn
	limiter *bandwidth.Limiter
}

func (c *bandwidthConn) Read(b []byte) (int, error) {
	if err := c.limiter.ReserveIngress(int64(len(b))); err != nil {
		return 0, fmt.Errorf("bandwidth: %s", err)
	}
	return c.Conn.Read(b)
}

func (c *bandwidthConn) Write(b []byte) (int, error) {
	if err := c.limiter.ReserveEgress(int64(len(b))); err != nil {
		return 0, fmt.Errorf("bandwidth: %s", err)
	}
	return c.Conn.Write(b)
}

// udpConn adapts *net.UDPConn to storage.UDPConn's host/port-string
// addressing, matching the shape tracker.NewUDPClient expects.
type udpConn struct {
	conn *net.UDPConn
}

func (u *udpConn) WriteTo(b []byte, host string, port int) (int, error) {
	addr, err := net.ResolveUDPAddr("udp", net.JoinHostPort(host, strconv.Itoa(port)))
	if err != nil {
		return 0, fmt.Errorf("resolve %s:%d: %s", host, port, err)
	}
	return u.conn.WriteToUDP(b, addr)
}

func (u *udpConn) ReadFrom(b []byte) (int, string, error) {
	n, addr, err := u.conn.ReadFromUDP(b)
	if err != nil {
		return n, "", err
	}
	return n, addr.String(), nil
}

func (u *udpConn) SetDeadline(t time.Time) error { return u.conn.SetDeadline(t) }

func (u *udpConn) Close() error { return u.conn.Close() }
