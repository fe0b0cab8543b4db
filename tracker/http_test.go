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
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/kraken-bt/torrentengine/core"
)

func testLogger() *zap.SugaredLogger {
	return zap.NewNop().Sugar()
}

func testAnnounceRequest() AnnounceRequest {
	var ih core.InfoHash
	for i := range ih {
		ih[i] = byte(i)
	}
	pid, _ := core.NewPeerIDFromBytes([]byte("-KR0001-abcdefghijkl"))
	return AnnounceRequest{
		InfoHash: ih,
		PeerID:   pid,
		Port:     6881,
		Left:     1000,
		NumWant:  -1,
	}
}

func TestHTTPTrackerAnnounceCompactPeers(t *testing.T) {
	peers := []byte{
		127, 0, 0, 1, 0x1A, 0xE1, // 127.0.0.1:6881
		10, 0, 0, 2, 0x1A, 0xE2, // 10.0.0.2:6882
	}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "1", r.URL.Query().Get("compact"))
		body := "d8:completei5e10:incompletei2e8:intervali1800e5:peers" +
			"12:" + string(peers) + "e"
		w.Write([]byte(body))
	}))
	defer srv.Close()

	c := NewHTTPClient(srv.URL, HTTPConfig{}, testLogger())
	resp, err := c.Announce(testAnnounceRequest())
	require.NoError(t, err)
	require.Equal(t, 5, resp.Seeders)
	require.Equal(t, 2, resp.Leechers)
	require.Equal(t, 1800*time.Second, resp.Interval)
	require.Len(t, resp.Peers, 2)
	require.Equal(t, "127.0.0.1", resp.Peers[0].IP.String())
	require.EqualValues(t, 6881, resp.Peers[0].Port)

	stats := c.Stats()
	require.Equal(t, StatusOK, stats.Status)
	require.Equal(t, 2, stats.UniquePeersDiscovered)
}

func TestHTTPTrackerAnnounceViaRoutedFixture(t *testing.T) {
	srv := newFakeTrackerServer()
	defer srv.Close()
	srv.handleAnnounce(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "1", r.URL.Query().Get("compact"))
		w.Write([]byte("d8:completei1e10:incompletei0e8:intervali900e5:peers0:e"))
	})

	c := NewHTTPClient(srv.announceURL(), HTTPConfig{}, testLogger())
	resp, err := c.Announce(testAnnounceRequest())
	require.NoError(t, err)
	require.Equal(t, 1, resp.Seeders)
	require.Equal(t, 900*time.Second, resp.Interval)

	// The fixture's router only registers GET /announce, so any other path
	// on the same server 404s -- confirming the fixture actually routes
	// instead of acting as a catch-all.
	httpResp, err := http.Get(srv.Server.URL + "/not-announce")
	require.NoError(t, err)
	defer httpResp.Body.Close()
	require.Equal(t, http.StatusNotFound, httpResp.StatusCode)
}

func TestHTTPTrackerAnnounceDictionaryPeers(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body := "d8:completei1e10:incompletei0e8:intervali900e5:peersl" +
			"d2:ip9:127.0.0.14:porti6881ee" +
			"ee"
		w.Write([]byte(body))
	}))
	defer srv.Close()

	c := NewHTTPClient(srv.URL, HTTPConfig{}, testLogger())
	resp, err := c.Announce(testAnnounceRequest())
	require.NoError(t, err)
	require.Len(t, resp.Peers, 1)
	require.Equal(t, "127.0.0.1", resp.Peers[0].IP.String())
	require.EqualValues(t, 6881, resp.Peers[0].Port)
}

func TestHTTPTrackerIntervalClamped(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("d8:completei0e10:incompletei0e8:intervali5ee"))
	}))
	defer srv.Close()

	c := NewHTTPClient(srv.URL, HTTPConfig{}, testLogger())
	resp, err := c.Announce(testAnnounceRequest())
	require.NoError(t, err)
	require.Equal(t, 60*time.Second, resp.Interval)
}

func TestHTTPTrackerFailureReason(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("d14:failure reason18:torrent not founde"))
	}))
	defer srv.Close()

	c := NewHTTPClient(srv.URL, HTTPConfig{}, testLogger())
	_, err := c.Announce(testAnnounceRequest())
	require.Error(t, err)
	require.Equal(t, StatusError, c.Stats().Status)
}

func TestHTTPTrackerServerErrorIsTransient(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	c := NewHTTPClient(srv.URL, HTTPConfig{}, testLogger())
	_, err := c.Announce(testAnnounceRequest())
	require.ErrorIs(t, err, core.ErrTrackerTransient)
}

func TestHTTPTrackerClientErrorIsPermanent(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	c := NewHTTPClient(srv.URL, HTTPConfig{}, testLogger())
	_, err := c.Announce(testAnnounceRequest())
	require.ErrorIs(t, err, core.ErrTrackerPermanent)
}

func TestHTTPTrackerBuildURLEncodesEventAndNumWant(t *testing.T) {
	ht := NewHTTPClient("http://example.com/announce", HTTPConfig{}, testLogger()).(*httpTracker)
	req := testAnnounceRequest()
	req.Event = EventStarted
	req.NumWant = 50

	u, err := ht.buildURL(req)
	require.NoError(t, err)
	require.Contains(t, u, "event=started")
	require.Contains(t, u, "numwant=50")
	require.Contains(t, u, "compact=1")
}
