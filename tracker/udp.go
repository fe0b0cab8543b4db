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
package tracker

import (
	"encoding/binary"
	"fmt"
	"math/rand"
	"net"
	"net/url"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/kraken-bt/torrentengine/core"
	"github.com/kraken-bt/torrentengine/storage"
)

const (
	udpProtocolID       uint64 = 0x41727101980
	udpActionConnect    uint32 = 0
	udpActionAnnounce   uint32 = 1
	udpActionError      uint32 = 3
	udpConnectTimeout          = 5 * time.Second
	udpAnnounceTimeout         = 30 * time.Second
	udpConnectionIDTTL         = 60 * time.Second
)

// UDPConfig tunes the UDP tracker client.
type UDPConfig struct {
	ConnectTimeout  time.Duration `yaml:"connect_timeout"`
	AnnounceTimeout time.Duration `yaml:"announce_timeout"`
}

func (c UDPConfig) applyDefaults() UDPConfig {
	if c.ConnectTimeout == 0 {
		c.ConnectTimeout = udpConnectTimeout
	}
	if c.AnnounceTimeout == 0 {
		c.AnnounceTimeout = udpAnnounceTimeout
	}
	return c
}

// udpTracker announces over BEP 15's two-step connect/announce UDP
// protocol.
type udpTracker struct {
	announceURL string
	host        string
	port        int
	config      UDPConfig
	conn        storage.UDPConn
	logger      *zap.SugaredLogger

	connectionID    uint64
	connectionIDSet time.Time

	backoff  *backoffState
	stats    Stats
	uniqueIP map[string]struct{}
}

// NewUDPClient creates a Client for a BEP 15 UDP tracker announce URL
// ("udp://host:port/announce"). conn must already be bound via the
// engine's socket factory (ISocketFactory.ListenUDP).
func NewUDPClient(announceURL, host string, port int, conn storage.UDPConn, config UDPConfig, logger *zap.SugaredLogger) Client {
	return &udpTracker{
		announceURL: announceURL,
		host:        host,
		port:        port,
		config:      config.applyDefaults(),
		conn:        conn,
		logger:      logger,
		backoff:     newBackoffState(),
		uniqueIP:    make(map[string]struct{}),
	}
}

// URL implements Client.
func (t *udpTracker) URL() string { return t.announceURL }

// Stats implements Client.
func (t *udpTracker) Stats() Stats { return t.stats }

// Announce implements Client.
func (t *udpTracker) Announce(req AnnounceRequest) (AnnounceResponse, error) {
	if err := t.ensureConnected(); err != nil {
		return t.fail(err)
	}

	txid := rand.Uint32()
	packet := make([]byte, 98)
	binary.BigEndian.PutUint64(packet[0:8], t.connectionID)
	binary.BigEndian.PutUint32(packet[8:12], udpActionAnnounce)
	binary.BigEndian.PutUint32(packet[12:16], txid)
	copy(packet[16:36], req.InfoHash.Bytes())
	copy(packet[36:56], req.PeerID.Bytes())
	binary.BigEndian.PutUint64(packet[56:64], req.Downloaded)
	binary.BigEndian.PutUint64(packet[64:72], req.Left)
	binary.BigEndian.PutUint64(packet[72:80], req.Uploaded)
	binary.BigEndian.PutUint32(packet[80:84], udpEventCode(req.Event))
	binary.BigEndian.PutUint32(packet[84:88], 0) // ip: 0 = use sender address
	binary.BigEndian.PutUint32(packet[88:92], txid) // key: reuse txid as a per-announce nonce
	binary.BigEndian.PutUint32(packet[92:96], uint32(int32(numWantOrDefault(req.NumWant))))
	binary.BigEndian.PutUint16(packet[96:98], req.Port)

	resp, err := t.roundTrip(packet, txid, t.config.AnnounceTimeout, 320)
	if err != nil {
		return t.fail(err)
	}

	action := binary.BigEndian.Uint32(resp[0:4])
	if action == udpActionError {
		msg := string(resp[8:])
		return t.fail(fmt.Errorf("%w: %s", core.ErrTrackerTransient, msg))
	}
	if action != udpActionAnnounce {
		return t.fail(fmt.Errorf("%w: unexpected action %d", core.ErrTrackerTransient, action))
	}
	if len(resp) < 20 {
		return t.fail(fmt.Errorf("%w: announce response too short", core.ErrTrackerTransient))
	}

	interval := clampInterval(time.Duration(binary.BigEndian.Uint32(resp[8:12])) * time.Second)
	leechers := int(binary.BigEndian.Uint32(resp[12:16]))
	seeders := int(binary.BigEndian.Uint32(resp[16:20]))
	peers, err := core.DecodeCompactPeersV4(resp[20:])
	if err != nil {
		return t.fail(fmt.Errorf("%w: %s", core.ErrTrackerTransient, err))
	}

	out := AnnounceResponse{Interval: interval, Leechers: leechers, Seeders: seeders, Peers: peers}
	t.backoff.reset()
	t.recordSuccess(out)
	return out, nil
}

// ensureConnected performs BEP 15's connect handshake if there's no
// unexpired connection id.
func (t *udpTracker) ensureConnected() error {
	if t.connectionID != 0 && time.Since(t.connectionIDSet) < udpConnectionIDTTL {
		return nil
	}

	txid := rand.Uint32()
	packet := make([]byte, 16)
	binary.BigEndian.PutUint64(packet[0:8], udpProtocolID)
	binary.BigEndian.PutUint32(packet[8:12], udpActionConnect)
	binary.BigEndian.PutUint32(packet[12:16], txid)

	resp, err := t.roundTrip(packet, txid, t.config.ConnectTimeout, 16)
	if err != nil {
		return err
	}
	action := binary.BigEndian.Uint32(resp[0:4])
	if action != udpActionConnect {
		return fmt.Errorf("%w: unexpected connect action %d", core.ErrTrackerTransient, action)
	}
	t.connectionID = binary.BigEndian.Uint64(resp[8:16])
	t.connectionIDSet = time.Now()
	return nil
}

// roundTrip sends packet and waits for a reply whose 4-byte txid (at
// offset 4) matches the request, discarding stray packets from a prior,
// timed-out exchange. The reply's leading action field is checked by the
// caller.
func (t *udpTracker) roundTrip(packet []byte, txid uint32, timeout time.Duration, maxRespLen int) ([]byte, error) {
	if _, err := t.conn.WriteTo(packet, t.host, t.port); err != nil {
		return nil, fmt.Errorf("%w: write: %s", core.ErrTrackerTransient, err)
	}
	if err := t.conn.SetDeadline(time.Now().Add(timeout)); err != nil {
		return nil, fmt.Errorf("%w: set deadline: %s", core.ErrTrackerTransient, err)
	}

	buf := make([]byte, maxRespLen)
	for {
		n, _, err := t.conn.ReadFrom(buf)
		if err != nil {
			return nil, fmt.Errorf("%w: read: %s", core.ErrTrackerTransient, err)
		}
		if n < 8 {
			continue
		}
		if binary.BigEndian.Uint32(buf[4:8]) != txid {
			continue // stray reply to an earlier, abandoned exchange
		}
		out := make([]byte, n)
		copy(out, buf[:n])
		return out, nil
	}
}

func udpEventCode(e Event) uint32 {
	switch e {
	case EventCompleted:
		return 1
	case EventStarted:
		return 2
	case EventStopped:
		return 3
	default:
		return 0
	}
}

func numWantOrDefault(n int32) int32 {
	if n == 0 {
		return -1
	}
	return n
}

func (t *udpTracker) fail(err error) (AnnounceResponse, error) {
	delay := t.backoff.next()
	t.stats.Status = StatusError
	t.stats.LastError = err
	t.stats.NextAnnounce = time.Now().Add(delay)
	return AnnounceResponse{}, err
}

func (t *udpTracker) recordSuccess(resp AnnounceResponse) {
	t.stats.Status = StatusOK
	t.stats.LastError = nil
	t.stats.Interval = resp.Interval
	t.stats.Seeders = resp.Seeders
	t.stats.Leechers = resp.Leechers
	t.stats.LastPeersReceived = len(resp.Peers)
	t.stats.NextAnnounce = time.Now().Add(resp.Interval)
	for _, p := range resp.Peers {
		t.uniqueIP[p.String()] = struct{}{}
	}
	t.stats.UniquePeersDiscovered = len(t.uniqueIP)
}

// ParseUDPAnnounceURL splits a "udp://host:port[/announce]" tracker URL
// into the host and port NewUDPClient's socket dial needs.
func ParseUDPAnnounceURL(raw string) (host string, port int, err error) {
	u, err := url.Parse(raw)
	if err != nil {
		return "", 0, fmt.Errorf("invalid udp tracker url %q: %s", raw, err)
	}
	if u.Scheme != "udp" {
		return "", 0, fmt.Errorf("invalid udp tracker url %q: scheme is %q, want \"udp\"", raw, u.Scheme)
	}
	h, portStr, err := net.SplitHostPort(u.Host)
	if err != nil {
		return "", 0, fmt.Errorf("invalid udp tracker url %q: %s", raw, err)
	}
	p, err := strconv.Atoi(portStr)
	if err != nil {
		return "", 0, fmt.Errorf("invalid udp tracker url %q: bad port: %s", raw, err)
	}
	return h, p, nil
}
