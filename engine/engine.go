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

// Package engine is the top-level multi-torrent API: addTorrent/
// removeTorrent/pause/resume/getTorrent/restoreSession per spec.md §6,
// wired around a shared socket factory, storage-root manager, and session
// store the way `lib/torrent.SchedulerClient` wires a single scheduler
// around a shared store.FileStore and tally.Scope.
package engine

import (
	"fmt"
	"io"
	"net/url"
	"strconv"
	"sync"
	"time"

	"github.com/andres-erbsen/clock"
	"github.com/uber-go/tally"
	"go.uber.org/zap"

	"github.com/kraken-bt/torrentengine/core"
	"github.com/kraken-bt/torrentengine/eventlog"
	"github.com/kraken-bt/torrentengine/internal/bencode"
	"github.com/kraken-bt/torrentengine/metrics"
	"github.com/kraken-bt/torrentengine/peer"
	"github.com/kraken-bt/torrentengine/session"
	"github.com/kraken-bt/torrentengine/storage"
	"github.com/kraken-bt/torrentengine/tracker"
	"github.com/kraken-bt/torrentengine/torrent"
	"github.com/kraken-bt/torrentengine/utils/bandwidth"
)

// dialResult is handed from a dialing goroutine back to the tick loop,
// which is the only goroutine allowed to call Torrent.AddPeer -- keeping
// peer registration on the single logical task per spec.md §5.
type dialResult struct {
	infoHash core.InfoHash
	conn     *peer.Connection
	addr     core.PeerAddr
	err      error
}

// acceptResult is the inbound analog of dialResult.
type acceptResult struct {
	infoHash core.InfoHash
	conn     *peer.Connection
	addr     core.PeerAddr
	err      error
}

// Engine owns every active Torrent plus the resources they share: the
// listen socket, the storage-root manager, and the session store.
type Engine struct {
	config      Config
	clk         clock.Clock
	logger      *zap.SugaredLogger
	localPeerID core.PeerID

	sockets  storage.ISocketFactory
	listener storage.TCPListener
	udpConn  storage.UDPConn
	roots    *storage.StorageRootManager
	sessions *session.Manager

	scope         tally.Scope
	metricsCloser io.Closer
	events        *eventlog.Logger

	mu       sync.Mutex
	torrents map[core.InfoHash]*torrent.Torrent

	dialCh   chan dialResult
	acceptCh chan acceptResult
	stopCh   chan struct{}
	wg       sync.WaitGroup
}

// New creates an Engine bound to config.ListenPort and config.DownloadDir,
// using store for resume-state persistence.
func New(config Config, store storage.ISessionStore, logger *zap.SugaredLogger, clk clock.Clock) (*Engine, error) {
	config = config.applyDefaults()

	peerID, err := core.RandomPeerID()
	if err != nil {
		return nil, fmt.Errorf("generate local peer id: %s", err)
	}

	scope, metricsCloser, err := metrics.New(config.Metrics, config.MetricsCluster)
	if err != nil {
		return nil, fmt.Errorf("create metrics scope: %s", err)
	}

	limiter, err := bandwidth.NewLimiter(config.Bandwidth, bandwidth.WithLogger(logger))
	if err != nil {
		return nil, fmt.Errorf("create bandwidth limiter: %s", err)
	}
	sockets := newNetSocketFactory(limiter)

	listener, err := sockets.ListenTCP(int(config.ListenPort))
	if err != nil {
		return nil, fmt.Errorf("listen on port %d: %s", config.ListenPort, err)
	}
	udpConn, err := sockets.ListenUDP(0)
	if err != nil {
		listener.Close()
		return nil, fmt.Errorf("bind udp tracker socket: %s", err)
	}

	e := &Engine{
		config:        config,
		clk:           clk,
		logger:        logger,
		localPeerID:   peerID,
		sockets:       sockets,
		listener:      listener,
		udpConn:       udpConn,
		roots:         storage.NewStorageRootManager(config.DownloadDir, nil),
		sessions:      session.NewManager(store, logger),
		scope:         scope,
		metricsCloser: metricsCloser,
		events:        eventlog.New(logger.Desugar(), peerID),
		torrents:      make(map[core.InfoHash]*torrent.Torrent),
		dialCh:        make(chan dialResult, 64),
		acceptCh:      make(chan acceptResult, 64),
		stopCh:        make(chan struct{}),
	}
	return e, nil
}

// Start begins the accept loop and the tick loop. Both run until Close.
func (e *Engine) Start() {
	e.wg.Add(2)
	go e.acceptLoop()
	go e.tickLoop()
}

// Close stops both loops, persists every torrent's resume state, and
// releases the listen socket and UDP tracker socket.
func (e *Engine) Close() error {
	close(e.stopCh)
	e.listener.Close()
	e.udpConn.Close()
	e.wg.Wait()
	if e.metricsCloser != nil {
		e.metricsCloser.Close()
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	for _, t := range e.torrents {
		if err := e.sessions.Persist(t); err != nil {
			e.logger.Warnf("persist session for %s on close: %s", t.InfoHash().Hex(), err)
		}
		t.Remove()
	}
	return nil
}

// GetTorrent returns the Torrent for infoHash, if one is currently added.
func (e *Engine) GetTorrent(infoHash core.InfoHash) (*torrent.Torrent, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	t, ok := e.torrents[infoHash]
	return t, ok
}

// AddTorrentFromMagnet adds a torrent from a "magnet:?xt=urn:btih:..." URI.
// Its metadata is fetched over BEP 9 once a peer is found.
func (e *Engine) AddTorrentFromMagnet(uri string, opts AddTorrentOptions) (*torrent.Torrent, error) {
	link, err := core.ParseMagnet(uri)
	if err != nil {
		return nil, fmt.Errorf("parse magnet: %s", err)
	}
	t := torrent.NewMagnet(link.InfoHash, e.localPeerID, e.config.ListenPort, e.config.Torrent, e.clk, e.logger)
	return e.register(t, append(opts.Trackers, link.Trackers...), opts)
}

// AddTorrentFromBytes adds a torrent from an already-fetched .torrent
// file's raw bytes.
func (e *Engine) AddTorrentFromBytes(torrentBytes []byte, opts AddTorrentOptions) (*torrent.Torrent, error) {
	meta, err := core.NewTorrentMetadataFromTorrentBytes(torrentBytes)
	if err != nil {
		return nil, fmt.Errorf("parse torrent: %s", err)
	}
	rawInfo, err := bencode.ExtractRawInfo(torrentBytes)
	if err != nil {
		return nil, fmt.Errorf("extract raw info dict: %s", err)
	}
	t := torrent.NewFromMetadata(meta, rawInfo, e.localPeerID, e.config.ListenPort, e.config.Torrent, e.clk, e.logger)
	return e.register(t, opts.Trackers, opts)
}

func (e *Engine) register(t *torrent.Torrent, trackerURLs []string, opts AddTorrentOptions) (*torrent.Torrent, error) {
	e.mu.Lock()
	if len(e.torrents) >= e.config.MaxTorrents {
		e.mu.Unlock()
		return nil, fmt.Errorf("at max torrents (%d)", e.config.MaxTorrents)
	}
	if _, exists := e.torrents[t.InfoHash()]; exists {
		e.mu.Unlock()
		return nil, fmt.Errorf("torrent %s already added", t.InfoHash().Hex())
	}
	e.torrents[t.InfoHash()] = t
	e.mu.Unlock()

	t.SetScope(e.scope.Tagged(map[string]string{"info_hash": t.InfoHash().Hex()}))
	t.SetEventLogger(e.events)
	e.addTrackers(t, trackerURLs)

	if t.Metadata() != nil {
		if err := e.attachStorageFor(t, opts.StorageRoot); err != nil {
			e.logger.Warnf("attach storage for %s: %s", t.InfoHash().Hex(), err)
		}
	}
	if opts.StartPaused {
		t.Pause()
	}
	return t, nil
}

func (e *Engine) attachStorageFor(t *torrent.Torrent, rootKey string) error {
	if rootKey == "" {
		rootKey = t.InfoHash().Hex()
	}
	fs, err := e.roots.FileSystemForRoot(rootKey)
	if err != nil {
		return err
	}
	return t.AttachStorage(fs)
}

func (e *Engine) addTrackers(t *torrent.Torrent, urls []string) {
	for _, raw := range urls {
		c, err := e.newTrackerClient(raw)
		if err != nil {
			e.logger.Warnf("skipping tracker %q for %s: %s", raw, t.InfoHash().Hex(), err)
			continue
		}
		t.AddTracker(c)
	}
}

func (e *Engine) newTrackerClient(raw string) (tracker.Client, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("parse tracker url: %s", err)
	}
	switch u.Scheme {
	case "http", "https":
		return tracker.NewHTTPClient(raw, e.config.HTTP, e.logger), nil
	case "udp":
		host := u.Hostname()
		port, err := strconv.Atoi(u.Port())
		if err != nil {
			return nil, fmt.Errorf("udp tracker port: %s", err)
		}
		return tracker.NewUDPClient(raw, host, port, e.udpConn, e.config.UDP, e.logger), nil
	default:
		return nil, fmt.Errorf("unsupported tracker scheme %q", u.Scheme)
	}
}

// RemoveTorrent stops a torrent, disconnects its peers, and forgets its
// resume state. If deleteFiles is true, the root manager's cached adapter
// under the default root key (the infohash hex) is also dropped; an adapter
// cached under a custom StorageRoot key is left in place. The underlying
// files are left to the caller -- this engine never deletes user content
// on disk.
func (e *Engine) RemoveTorrent(infoHash core.InfoHash, deleteFiles bool) error {
	e.mu.Lock()
	t, ok := e.torrents[infoHash]
	if !ok {
		e.mu.Unlock()
		return fmt.Errorf("torrent %s not found", infoHash.Hex())
	}
	delete(e.torrents, infoHash)
	e.mu.Unlock()

	t.Remove()
	if err := e.sessions.Forget(infoHash); err != nil {
		return fmt.Errorf("forget session for %s: %s", infoHash.Hex(), err)
	}
	if deleteFiles {
		e.roots.Forget(infoHash.Hex())
	}
	return nil
}

// Pause transitions infoHash's torrent to Paused, disconnecting its peers
// and announcing Stopped.
func (e *Engine) Pause(infoHash core.InfoHash) error {
	t, ok := e.GetTorrent(infoHash)
	if !ok {
		return fmt.Errorf("torrent %s not found", infoHash.Hex())
	}
	t.Pause()
	return nil
}

// Resume transitions infoHash's torrent out of Paused.
func (e *Engine) Resume(infoHash core.InfoHash) error {
	t, ok := e.GetTorrent(infoHash)
	if !ok {
		return fmt.Errorf("torrent %s not found", infoHash.Hex())
	}
	t.Resume()
	return nil
}

// RestoreSession recreates every torrent the session store has resume
// state for, reattaching storage (which re-verifies the bitfield against
// on-disk content) and restoring byte counters, and returns how many were
// restored.
func (e *Engine) RestoreSession() (int, error) {
	known, err := e.sessions.ListKnown()
	if err != nil {
		return 0, fmt.Errorf("list known sessions: %s", err)
	}
	restored := 0
	for _, infoHash := range known {
		if err := e.restoreOne(infoHash); err != nil {
			e.logger.Warnf("restore session %s: %s", infoHash.Hex(), err)
			continue
		}
		restored++
	}
	return restored, nil
}

func (e *Engine) restoreOne(infoHash core.InfoHash) error {
	rec, ok, err := e.sessions.Load(infoHash)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("no session record")
	}

	var t *torrent.Torrent
	if rec.RawInfoBytes != nil {
		meta, err := core.NewTorrentMetadataFromInfoBytes(rec.RawInfoBytes)
		if err != nil {
			return fmt.Errorf("parse saved metadata: %s", err)
		}
		t = torrent.NewFromMetadata(meta, rec.RawInfoBytes, e.localPeerID, e.config.ListenPort, e.config.Torrent, e.clk, e.logger)
	} else {
		t = torrent.NewMagnet(infoHash, e.localPeerID, e.config.ListenPort, e.config.Torrent, e.clk, e.logger)
	}

	t.SetScope(e.scope.Tagged(map[string]string{"info_hash": infoHash.Hex()}))
	t.SetEventLogger(e.events)

	e.mu.Lock()
	e.torrents[infoHash] = t
	e.mu.Unlock()

	if t.Metadata() != nil {
		// AttachStorage re-derives the bitfield by hashing on-disk
		// content, which is authoritative over whatever bitfield was
		// last persisted, so rec.Bitfield is not applied here.
		if err := e.attachStorageFor(t, infoHash.Hex()); err != nil {
			return fmt.Errorf("attach storage: %s", err)
		}
	}
	t.RestoreCounters(rec.Uploaded, rec.Downloaded)
	return nil
}

// acceptLoop accepts inbound TCP connections, demultiplexes them to their
// torrent by peeking the handshake's infohash, and hands completed
// handshakes to the tick loop over acceptCh.
func (e *Engine) acceptLoop() {
	defer e.wg.Done()
	for {
		nc, err := e.listener.Accept()
		if err != nil {
			select {
			case <-e.stopCh:
				return
			default:
				e.logger.Warnf("accept: %s", err)
				continue
			}
		}
		go e.handleAccept(nc)
	}
}

func (e *Engine) handleAccept(nc storage.TCPConn) {
	infoHash, replay, err := peekHandshakeInfoHash(nc, e.config.DialTimeout)
	if err != nil {
		nc.Close()
		return
	}
	t, ok := e.GetTorrent(infoHash)
	if !ok {
		nc.Close()
		return
	}
	numPieces := 0
	if m := t.Metadata(); m != nil {
		numPieces = m.NumPieces()
	}
	conn := peer.New(replay, infoHash, e.localPeerID, numPieces, e.config.Torrent.Peer, e.clk, e.logger)
	if err := conn.AcceptHandshake(t.Bitfield()); err != nil {
		e.events.IncomingConnectionReject(infoHash, conn.PeerID(), err)
		conn.Close()
		return
	}
	e.events.IncomingConnectionAccept(infoHash, conn.PeerID())
	select {
	case e.acceptCh <- acceptResult{infoHash: infoHash, conn: conn}:
	case <-e.stopCh:
		conn.Close()
	}
}

// tickLoop is the engine's single logical task: it drains accepted/dialed
// connections, drives every torrent's Tick, and dials out to each
// torrent's discovered peer candidates.
func (e *Engine) tickLoop() {
	defer e.wg.Done()
	ticker := time.NewTicker(e.config.TickInterval)
	defer ticker.Stop()
	lastPersist := e.clk.Now()

	for {
		select {
		case <-e.stopCh:
			return
		case r := <-e.acceptCh:
			e.handleAddPeerResult(r.infoHash, r.conn, r.addr, r.err)
		case r := <-e.dialCh:
			e.handleAddPeerResult(r.infoHash, r.conn, r.addr, r.err)
		case <-ticker.C:
			e.tickAll()
			if e.clk.Now().Sub(lastPersist) >= e.config.Torrent.ResumePersistInterval {
				e.persistAll()
				lastPersist = e.clk.Now()
			}
		}
	}
}

func (e *Engine) handleAddPeerResult(infoHash core.InfoHash, conn *peer.Connection, addr core.PeerAddr, err error) {
	if err != nil {
		return
	}
	t, ok := e.GetTorrent(infoHash)
	if !ok {
		conn.Close()
		return
	}
	if err := t.AddPeer(conn, addr); err != nil {
		e.logger.Debugf("add peer for %s: %s", infoHash.Hex(), err)
	}
}

func (e *Engine) tickAll() {
	e.mu.Lock()
	torrents := make([]*torrent.Torrent, 0, len(e.torrents))
	for _, t := range e.torrents {
		torrents = append(torrents, t)
	}
	e.mu.Unlock()

	for _, t := range torrents {
		if err := t.Tick(); err != nil {
			e.logger.Warnf("tick %s: %s", t.InfoHash().Hex(), err)
		}
		for _, addr := range t.DialCandidates() {
			e.dialOut(t.InfoHash(), addr, t)
		}
	}
}

func (e *Engine) dialOut(infoHash core.InfoHash, addr core.PeerAddr, t *torrent.Torrent) {
	go func() {
		nc, err := e.sockets.DialTCP(addr.IP.String(), int(addr.Port), e.config.DialTimeout)
		if err != nil {
			e.dialCh <- dialResult{infoHash: infoHash, err: err}
			return
		}
		numPieces := 0
		if m := t.Metadata(); m != nil {
			numPieces = m.NumPieces()
		}
		conn := peer.New(nc, infoHash, e.localPeerID, numPieces, e.config.Torrent.Peer, e.clk, e.logger)
		if err := conn.DialHandshake(t.Bitfield()); err != nil {
			e.events.OutgoingConnectionReject(infoHash, conn.PeerID(), err)
			conn.Close()
			e.dialCh <- dialResult{infoHash: infoHash, err: err}
			return
		}
		e.events.OutgoingConnectionAccept(infoHash, conn.PeerID())
		e.dialCh <- dialResult{infoHash: infoHash, conn: conn, addr: addr}
	}()
}

func (e *Engine) persistAll() {
	e.mu.Lock()
	torrents := make([]*torrent.Torrent, 0, len(e.torrents))
	for _, t := range e.torrents {
		torrents = append(torrents, t)
	}
	e.mu.Unlock()

	for _, t := range torrents {
		if err := e.sessions.Persist(t); err != nil {
			e.logger.Warnf("persist session for %s: %s", t.InfoHash().Hex(), err)
		}
	}
}
