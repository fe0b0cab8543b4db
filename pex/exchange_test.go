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
package pex

import (
	"net"
	"testing"
	"time"

	"github.com/andres-erbsen/clock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/kraken-bt/torrentengine/core"
	"github.com/kraken-bt/torrentengine/wire"
)

func testLogger() *zap.SugaredLogger { return zap.NewNop().Sugar() }

func mustPeerID(t *testing.T, b byte) core.PeerID {
	raw := make([]byte, 20)
	for i := range raw {
		raw[i] = b
	}
	id, err := core.NewPeerIDFromBytes(raw)
	require.NoError(t, err)
	return id
}

func extendedMessageFor(msg Message) wire.ExtendedMessage {
	payload := wire.EncodeExtendedMessage(1, EncodeMessage(msg), nil)
	em, _ := wire.DecodeExtendedMessage(payload)
	return em
}

func TestExchangeOnMessageDedupesAndDrains(t *testing.T) {
	e := NewExchange(Config{}, clock.NewMock(), testLogger())
	addr := core.PeerAddr{IP: net.ParseIP("127.0.0.1").To4(), Port: 6881}

	require.NoError(t, e.OnMessage(extendedMessageFor(Message{Added: []core.PeerAddr{addr}})))
	require.NoError(t, e.OnMessage(extendedMessageFor(Message{Added: []core.PeerAddr{addr}})))

	candidates := e.DrainCandidates()
	require.Len(t, candidates, 1)
	require.Empty(t, e.DrainCandidates())
}

func TestExchangeDroppedForgetsAddress(t *testing.T) {
	e := NewExchange(Config{}, clock.NewMock(), testLogger())
	addr := core.PeerAddr{IP: net.ParseIP("127.0.0.1").To4(), Port: 6881}

	require.NoError(t, e.OnMessage(extendedMessageFor(Message{Added: []core.PeerAddr{addr}})))
	e.DrainCandidates()

	require.NoError(t, e.OnMessage(extendedMessageFor(Message{Dropped: []core.PeerAddr{addr}})))
	require.NoError(t, e.OnMessage(extendedMessageFor(Message{Added: []core.PeerAddr{addr}})))

	candidates := e.DrainCandidates()
	require.Len(t, candidates, 1) // rediscoverable after being dropped
}

func TestExchangeShouldSendRateLimited(t *testing.T) {
	clk := clock.NewMock()
	e := NewExchange(Config{SendInterval: 60 * time.Second}, clk, testLogger())
	peer := mustPeerID(t, 1)

	require.True(t, e.ShouldSend(peer))
	require.False(t, e.ShouldSend(peer))

	clk.Add(61 * time.Second)
	require.True(t, e.ShouldSend(peer))
}

func TestExchangeForgetPeerResetsThrottle(t *testing.T) {
	clk := clock.NewMock()
	e := NewExchange(Config{SendInterval: 60 * time.Second}, clk, testLogger())
	peer := mustPeerID(t, 1)

	require.True(t, e.ShouldSend(peer))
	e.ForgetPeer(peer)
	require.True(t, e.ShouldSend(peer))
}
