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
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/kraken-bt/torrentengine/core"
	"github.com/kraken-bt/torrentengine/internal/bencode"
)

// HTTPConfig tunes the HTTP tracker client.
type HTTPConfig struct {
	Timeout time.Duration `yaml:"timeout"`
}

func (c HTTPConfig) applyDefaults() HTTPConfig {
	if c.Timeout == 0 {
		c.Timeout = 15 * time.Second
	}
	return c
}

// httpTracker announces over BEP 3's GET-request-with-bencoded-response
// protocol.
type httpTracker struct {
	announceURL string
	config      HTTPConfig
	httpClient  *http.Client
	logger      *zap.SugaredLogger

	backoff  *backoffState
	stats    Stats
	uniqueIP map[string]struct{}
}

// NewHTTPClient creates a Client for a BEP 3 HTTP(S) tracker announce URL.
func NewHTTPClient(announceURL string, config HTTPConfig, logger *zap.SugaredLogger) Client {
	config = config.applyDefaults()
	return &httpTracker{
		announceURL: announceURL,
		config:      config,
		httpClient:  &http.Client{Timeout: config.Timeout},
		logger:      logger,
		backoff:     newBackoffState(),
		uniqueIP:    make(map[string]struct{}),
	}
}

// URL implements Client.
func (t *httpTracker) URL() string { return t.announceURL }

// Stats implements Client.
func (t *httpTracker) Stats() Stats { return t.stats }

// Announce implements Client.
func (t *httpTracker) Announce(req AnnounceRequest) (AnnounceResponse, error) {
	u, err := t.buildURL(req)
	if err != nil {
		return AnnounceResponse{}, fmt.Errorf("build announce url: %s", err)
	}

	httpReq, err := http.NewRequest(http.MethodGet, u, nil)
	if err != nil {
		return AnnounceResponse{}, fmt.Errorf("new request: %s", err)
	}

	httpResp, err := t.httpClient.Do(httpReq)
	if err != nil {
		return t.fail(fmt.Errorf("%w: %s", core.ErrTrackerTransient, err))
	}
	defer httpResp.Body.Close()

	body, err := io.ReadAll(httpResp.Body)
	if err != nil {
		return t.fail(fmt.Errorf("%w: read body: %s", core.ErrTrackerTransient, err))
	}

	if httpResp.StatusCode >= 500 {
		return t.fail(fmt.Errorf("%w: status %d", core.ErrTrackerTransient, httpResp.StatusCode))
	}
	if httpResp.StatusCode >= 400 {
		return t.fail(fmt.Errorf("%w: status %d", core.ErrTrackerPermanent, httpResp.StatusCode))
	}

	resp, err := decodeAnnounceResponse(body)
	if err != nil {
		return t.fail(fmt.Errorf("%w: decode response: %s", core.ErrTrackerTransient, err))
	}

	t.backoff.reset()
	t.recordSuccess(resp)
	return resp, nil
}

func (t *httpTracker) buildURL(req AnnounceRequest) (string, error) {
	q := url.Values{}
	q.Set("info_hash", string(req.InfoHash.Bytes()))
	q.Set("peer_id", string(req.PeerID.Bytes()))
	q.Set("port", strconv.Itoa(int(req.Port)))
	q.Set("uploaded", strconv.FormatUint(req.Uploaded, 10))
	q.Set("downloaded", strconv.FormatUint(req.Downloaded, 10))
	q.Set("left", strconv.FormatUint(req.Left, 10))
	q.Set("compact", "1")
	if ev := eventParam(req.Event); ev != "" {
		q.Set("event", ev)
	}
	if req.NumWant >= 0 {
		q.Set("numwant", strconv.Itoa(int(req.NumWant)))
	}

	base, err := url.Parse(t.announceURL)
	if err != nil {
		return "", err
	}
	base.RawQuery = q.Encode()
	return base.String(), nil
}

func eventParam(e Event) string {
	switch e {
	case EventStarted:
		return "started"
	case EventStopped:
		return "stopped"
	case EventCompleted:
		return "completed"
	default:
		return ""
	}
}

func decodeAnnounceResponse(body []byte) (AnnounceResponse, error) {
	v, err := bencode.DecodeExact(body)
	if err != nil {
		return AnnounceResponse{}, err
	}
	if !v.IsDict() {
		return AnnounceResponse{}, fmt.Errorf("response is not a dict")
	}

	if failureVal, ok := v.DictGet("failure reason"); ok {
		reason, _ := failureVal.String()
		return AnnounceResponse{}, fmt.Errorf("tracker failure: %s", reason)
	}

	intervalVal, ok := v.DictGet("interval")
	if !ok {
		return AnnounceResponse{}, fmt.Errorf("missing interval")
	}
	intervalSec, err := intervalVal.Integer()
	if err != nil {
		return AnnounceResponse{}, fmt.Errorf("interval: %s", err)
	}

	var resp AnnounceResponse
	resp.Interval = clampInterval(time.Duration(intervalSec) * time.Second)

	if completeVal, ok := v.DictGet("complete"); ok {
		if n, err := completeVal.Integer(); err == nil {
			resp.Seeders = int(n)
		}
	}
	if incompleteVal, ok := v.DictGet("incomplete"); ok {
		if n, err := incompleteVal.Integer(); err == nil {
			resp.Leechers = int(n)
		}
	}

	peersVal, ok := v.DictGet("peers")
	if !ok {
		return resp, nil
	}
	peers, err := decodePeersValue(peersVal)
	if err != nil {
		return AnnounceResponse{}, fmt.Errorf("peers: %s", err)
	}
	resp.Peers = peers
	return resp, nil
}

// decodePeersValue handles both compact (byte-string) and dictionary-model
// peer list encodings, since compact=1 is a request, not a guarantee.
func decodePeersValue(v *bencode.Value) ([]core.PeerAddr, error) {
	if v.IsString() {
		s, err := v.String()
		if err != nil {
			return nil, err
		}
		return core.DecodeCompactPeersV4([]byte(s))
	}
	if !v.IsList() {
		return nil, fmt.Errorf("peers is neither a byte-string nor a list")
	}
	var peers []core.PeerAddr
	for _, entry := range v.List {
		ipVal, ok := entry.DictGet("ip")
		if !ok {
			continue
		}
		ipStr, err := ipVal.String()
		if err != nil {
			continue
		}
		portVal, ok := entry.DictGet("port")
		if !ok {
			continue
		}
		port, err := portVal.Integer()
		if err != nil {
			continue
		}
		peers = append(peers, core.PeerAddr{IP: net.ParseIP(ipStr), Port: uint16(port)})
	}
	return peers, nil
}

func (t *httpTracker) fail(err error) (AnnounceResponse, error) {
	delay := t.backoff.next()
	t.stats.Status = StatusError
	t.stats.LastError = err
	t.stats.NextAnnounce = time.Now().Add(delay)
	return AnnounceResponse{}, err
}

func (t *httpTracker) recordSuccess(resp AnnounceResponse) {
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

// clampInterval enforces spec.md §6's [60, 3600] second clamp on the
// tracker-provided announce interval.
func clampInterval(d time.Duration) time.Duration {
	if d < 60*time.Second {
		return 60 * time.Second
	}
	if d > 3600*time.Second {
		return 3600 * time.Second
	}
	return d
}
