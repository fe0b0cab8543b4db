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

// Package torrent drives a single torrent's tick loop: draining peer
// events, generating block requests, flushing output, and the amortized
// housekeeping that keeps trackers, PEX, and resume state current, per
// SPEC_FULL.md §4.7.
package torrent

import (
	"fmt"
	"sync"
	"time"

	"github.com/andres-erbsen/clock"
	"github.com/uber-go/tally"
	"go.uber.org/zap"

	"github.com/kraken-bt/torrentengine/core"
	"github.com/kraken-bt/torrentengine/eventlog"
	"github.com/kraken-bt/torrentengine/internal/bencode"
	"github.com/kraken-bt/torrentengine/metadata"
	"github.com/kraken-bt/torrentengine/peer"
	"github.com/kraken-bt/torrentengine/pex"
	"github.com/kraken-bt/torrentengine/piece"
	"github.com/kraken-bt/torrentengine/storage"
	"github.com/kraken-bt/torrentengine/tracker"
	"github.com/kraken-bt/torrentengine/wire"
)

const metadataPieceSize = 16 * 1024

// peerExtInfo records the extended message ids a peer wants used when
// sending it ut_metadata / ut_pex messages, learned from its extended
// handshake's "m" dict. peer.Connection's own peerExtensions field is
// never populated by Connection itself, so Torrent tracks this instead.
type peerExtInfo struct {
	metadataID  byte
	hasMetadata bool
	pexID       byte
	hasPEX      bool
}

// noopBlockSink rejects every block, used as the DrainEvents sink before a
// torrent's pieceMgr exists (AwaitingMetadata: numPieces is unknown, so a
// peer's bitfield is opened at size 0 and it cannot send PIECE anyway).
type noopBlockSink struct{}

func (noopBlockSink) ResolveBlock(core.PeerID, uint32, uint32, int) ([]byte, bool) { return nil, false }

// Torrent owns one torrent's peer set, piece scheduling, storage, and
// tracker/PEX/metadata sub-components, and drives them all from Tick.
// Concurrent access from outside the owning tick loop is not supported,
// per SPEC_FULL.md §5's single-threaded cooperative model; AddPeer and
// DialCandidates are the only methods an adapter calls from outside a tick.
type Torrent struct {
	mu sync.Mutex

	config      Config
	clk         clock.Clock
	logger      *zap.SugaredLogger
	infoHash    core.InfoHash
	localPeerID core.PeerID
	listenPort  uint16

	state State

	meta           *core.TorrentMetadata
	rawInfoBytes   []byte // raw info dict, kept to serve ut_metadata DATA to peers
	bitfield       *core.BitField
	pieceMgr       *piece.Manager
	contentStorage *storage.TorrentContentStorage
	fs             storage.IFileSystem

	metadataAssembler *metadata.Assembler
	pexExchange       *pex.Exchange
	banList           *peer.BanList

	conns    map[core.PeerID]*peer.Connection
	peerExt  map[core.PeerID]peerExtInfo
	peerAddr map[core.PeerID]core.PeerAddr

	trackers           []tracker.Client
	announcedStarted   bool
	announcedCompleted bool

	dialCandidates []core.PeerAddr
	knownCandidate map[string]struct{}

	uploaded   uint64
	downloaded uint64

	lastIdleSweep     time.Time
	lastResumePersist time.Time
	bitfieldDirty     bool

	scope tally.Scope
	events *eventlog.Logger

	startedAt time.Time
}

// SetScope attaches a tally.Scope this Torrent reports bad-piece and
// tracker-failure counters to. Torrents constructed without calling this
// report to tally.NoopScope, matching the teacher's own pattern of an
// always-present but possibly disabled Scope rather than nil checks at
// every call site.
func (t *Torrent) SetScope(scope tally.Scope) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.scope = scope
}

func (t *Torrent) metricsScope() tally.Scope {
	if t.scope == nil {
		return tally.NoopScope
	}
	return t.scope
}

// SetEventLogger attaches the structured event logger this Torrent reports
// connection, ban, and completion events to. Torrents constructed without
// calling this discard events, matching SetScope's no-op default.
func (t *Torrent) SetEventLogger(events *eventlog.Logger) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.events = events
}

func (t *Torrent) eventLog() *eventlog.Logger {
	if t.events == nil {
		return eventlog.NewNop()
	}
	return t.events
}

// NewMagnet creates a Torrent for a magnet link: infoHash is known but the
// info dict is not, so the torrent starts in AwaitingMetadata and fetches
// it over ut_metadata (BEP 9) before any piece scheduling can begin.
func NewMagnet(
	infoHash core.InfoHash,
	localPeerID core.PeerID,
	listenPort uint16,
	config Config,
	clk clock.Clock,
	logger *zap.SugaredLogger,
) *Torrent {
	config = config.applyDefaults()
	t := &Torrent{
		config:         config,
		clk:            clk,
		logger:         logger,
		infoHash:       infoHash,
		localPeerID:    localPeerID,
		listenPort:     listenPort,
		state:          AwaitingMetadata,
		conns:          make(map[core.PeerID]*peer.Connection),
		peerExt:        make(map[core.PeerID]peerExtInfo),
		peerAddr:       make(map[core.PeerID]core.PeerAddr),
		knownCandidate: make(map[string]struct{}),
		banList:        peer.NewBanList(peer.BanListConfig{}, clk, logger),
		pexExchange:    pex.NewExchange(config.PEX, clk, logger),
		startedAt:      clk.Now(),
	}
	t.metadataAssembler = metadata.NewAssembler(infoHash, config.Metadata, clk, logger)
	return t
}

// NewFromMetadata creates a Torrent from an already-parsed .torrent file.
// rawInfoBytes, if supplied, lets this torrent serve ut_metadata requests
// from peers that don't yet have the info dict; if nil, those requests are
// rejected.
func NewFromMetadata(
	meta *core.TorrentMetadata,
	rawInfoBytes []byte,
	localPeerID core.PeerID,
	listenPort uint16,
	config Config,
	clk clock.Clock,
	logger *zap.SugaredLogger,
) *Torrent {
	config = config.applyDefaults()
	t := &Torrent{
		config:         config,
		clk:            clk,
		logger:         logger,
		infoHash:       meta.InfoHash(),
		localPeerID:    localPeerID,
		listenPort:     listenPort,
		state:          Checking,
		conns:          make(map[core.PeerID]*peer.Connection),
		peerExt:        make(map[core.PeerID]peerExtInfo),
		peerAddr:       make(map[core.PeerID]core.PeerAddr),
		knownCandidate: make(map[string]struct{}),
		banList:        peer.NewBanList(peer.BanListConfig{}, clk, logger),
		pexExchange:    pex.NewExchange(config.PEX, clk, logger),
		startedAt:      clk.Now(),
	}
	t.installMetadata(meta, rawInfoBytes)
	return t
}

func (t *Torrent) installMetadata(meta *core.TorrentMetadata, rawInfoBytes []byte) {
	t.meta = meta
	t.rawInfoBytes = rawInfoBytes
	t.bitfield = core.NewBitField(meta.NumPieces())
	t.pieceMgr = piece.NewManager(meta, t.bitfield, piece.NewRarestFirstPolicy(), t.config.Piece, t.clk, t.logger)
	t.metadataAssembler = nil
	t.state = Checking
}

func (t *Torrent) InfoHash() core.InfoHash { return t.infoHash }

func (t *Torrent) State() State {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

func (t *Torrent) Bitfield() *core.BitField {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.bitfield == nil {
		return nil
	}
	return t.bitfield.Clone()
}

// Metadata returns the torrent's parsed info dict, or nil while
// AwaitingMetadata.
func (t *Torrent) Metadata() *core.TorrentMetadata {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.meta
}

// RawInfoBytes returns the raw bencoded info dict this torrent was
// constructed with or assembled via BEP 9, or nil if neither has happened
// yet or the torrent was added from a magnet link with no on-disk source.
func (t *Torrent) RawInfoBytes() []byte {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.rawInfoBytes
}

// KnownPeerAddrs returns the dialable addresses of every currently
// connected peer, a reconnection hint for session persistence.
func (t *Torrent) KnownPeerAddrs() []core.PeerAddr {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.peerAddrSnapshot()
}

func (t *Torrent) AddTracker(c tracker.Client) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.trackers = append(t.trackers, c)
}

// AttachStorage binds fs as this torrent's content storage, creates any
// zero-length files, and hash-verifies existing on-disk content against
// the piece-hash vector to recover resume state. Requires metadata to
// already be installed.
func (t *Torrent) AttachStorage(fs storage.IFileSystem) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.meta == nil {
		return fmt.Errorf("torrent %s: cannot attach storage before metadata is known", t.infoHash.Hex())
	}
	cs := storage.NewTorrentContentStorage(fs, t.meta)
	if err := cs.CreateZeroLengthFiles(); err != nil {
		return fmt.Errorf("create zero-length files: %s", err)
	}
	t.fs = fs
	t.contentStorage = cs

	for i := 0; i < t.meta.NumPieces(); i++ {
		length := t.meta.PieceLengthAt(i)
		data, err := cs.ReadVerifiedRange(i, 0, length)
		if err != nil {
			// Missing or short file: piece not yet downloaded.
			continue
		}
		if t.meta.PieceHash(i).Equal(data) {
			t.bitfield.Set(i)
		}
	}
	if t.bitfield.Complete() {
		t.state = Seeding
	} else {
		t.state = Downloading
	}
	return nil
}

// AddPeer registers an already-handshaked connection, rejecting it if the
// peer is banned for this torrent, already connected, or the torrent is
// full. addr is the
// peer's dialed/accepted network address, supplied by the caller since
// storage.TCPConn is deliberately too narrow to expose it; Torrent keeps it
// only to advertise the peer over PEX. On success AddPeer sends our
// extended handshake and seeds the peer's availability into pieceMgr if
// one exists.
func (t *Torrent) AddPeer(conn *peer.Connection, addr core.PeerAddr) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	peerID := conn.PeerID()
	if t.banList.Banned(t.infoHash, peerID) {
		conn.Close()
		return fmt.Errorf("peer %s is banned", peerID)
	}
	if _, exists := t.conns[peerID]; exists {
		conn.Close()
		return fmt.Errorf("already connected to peer %s", peerID)
	}
	if len(t.conns) >= t.config.MaxPeers {
		conn.Close()
		return fmt.Errorf("torrent %s: at max peers (%d)", t.infoHash.Hex(), t.config.MaxPeers)
	}

	t.conns[peerID] = conn
	t.peerAddr[peerID] = addr
	if t.pieceMgr != nil {
		t.pieceMgr.RegisterPeerBitfield(peerID, conn.PeerBitfield())
	}

	m := map[string]byte{wire.ExtensionMetadata: 1, wire.ExtensionPEX: 2}
	hs := wire.ExtendedHandshake{M: m, Port: int(t.listenPort)}
	if t.rawInfoBytes != nil {
		hs.MetadataSize = len(t.rawInfoBytes)
	}
	conn.SendExtended(wire.ExtendedHandshakeID, hs.Value(), nil)
	return nil
}

// removePeer unregisters peerID's connection and releases its piece
// scheduling state. Callers must hold t.mu.
func (t *Torrent) removePeer(peerID core.PeerID, reason error) {
	if conn, ok := t.conns[peerID]; ok {
		t.uploaded += conn.Uploaded()
		t.downloaded += conn.Downloaded()
		conn.Close()
		delete(t.conns, peerID)
	}
	delete(t.peerExt, peerID)
	delete(t.peerAddr, peerID)
	t.pexExchange.ForgetPeer(peerID)
	if t.pieceMgr != nil {
		t.pieceMgr.RemovePeer(peerID)
	}
	if t.metadataAssembler != nil {
		t.metadataAssembler.OnPeerRemoved(peerID)
	}
	if reason != nil {
		t.logger.Debugf("torrent %s: removed peer %s: %s", t.infoHash.Hex(), peerID, reason)
	}
}

// DialCandidates drains and returns peer addresses discovered via tracker
// announces and PEX since the last call, deduplicated against every
// address this torrent has ever surfaced. Dialing the socket and
// connecting against the known/connected/banned sets beyond this torrent's
// own bookkeeping is the caller's responsibility (SPEC_FULL.md §4.10).
func (t *Torrent) DialCandidates() []core.PeerAddr {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := t.dialCandidates
	t.dialCandidates = nil
	return out
}

func (t *Torrent) enqueueCandidates(peers []core.PeerAddr) {
	for _, p := range peers {
		key := p.String()
		if _, ok := t.knownCandidate[key]; ok {
			continue
		}
		t.knownCandidate[key] = struct{}{}
		t.dialCandidates = append(t.dialCandidates, p)
	}
}

// Pause moves the torrent to Paused and sends a stopped announce to its
// trackers; Resume reverts it to Downloading or Seeding depending on
// bitfield completeness. Remove marks it Removed and closes every
// connection; the Torrent is inert afterward.
func (t *Torrent) Pause() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.state = Paused
	t.announceStopped()
}

func (t *Torrent) Resume() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.state != Paused {
		return
	}
	if t.bitfield != nil && t.bitfield.Complete() {
		t.state = Seeding
	} else {
		t.state = Downloading
	}
}

// Stats reports observable progress for this torrent.
type Stats struct {
	State      State
	NumPeers   int
	Uploaded   uint64
	Downloaded uint64
	Have       int
	NumPieces  int
}

func (t *Torrent) Stats() Stats {
	t.mu.Lock()
	defer t.mu.Unlock()
	s := Stats{
		State:      t.state,
		NumPeers:   len(t.conns),
		Uploaded:   t.uploaded,
		Downloaded: t.downloaded,
	}
	for _, conn := range t.conns {
		s.Uploaded += conn.Uploaded()
		s.Downloaded += conn.Downloaded()
	}
	if t.bitfield != nil {
		s.Have = t.bitfield.Count()
		s.NumPieces = t.bitfield.Len()
	}
	return s
}

// RestoreCounters seeds the session-lifetime uploaded/downloaded byte
// counters from a previously persisted resume record. Piece completion
// itself is never restored from a stored bitfield: AttachStorage re-derives
// it by hashing on-disk content, which is authoritative over whatever was
// last persisted.
func (t *Torrent) RestoreCounters(uploaded, downloaded uint64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.uploaded = uploaded
	t.downloaded = downloaded
}

func (t *Torrent) Remove() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.announceStopped()
	for peerID := range t.conns {
		t.removePeer(peerID, nil)
	}
	if t.state != Seeding {
		size := int64(0)
		if t.meta != nil {
			size = t.meta.TotalLength()
		}
		t.eventLog().DownloadFailure(t.infoHash, size, fmt.Errorf("torrent removed before completion"))
	}
	t.state = Removed
	if t.contentStorage != nil {
		t.contentStorage.Close()
	}
}

// announceStopped best-effort notifies every tracker this torrent is
// leaving the swarm; failures are logged, not retried, since there is no
// further tick loop to back off and re-announce from.
func (t *Torrent) announceStopped() {
	if t.meta == nil {
		return
	}
	for _, cl := range t.trackers {
		_, err := cl.Announce(tracker.AnnounceRequest{
			InfoHash: t.infoHash,
			PeerID:   t.localPeerID,
			Port:     t.listenPort,
			Event:    tracker.EventStopped,
			NumWant:  0,
		})
		if err != nil {
			t.logger.Debugf("torrent %s: stopped announce to %s: %s", t.infoHash.Hex(), cl.URL(), err)
		}
	}
}

// Tick runs one iteration of the five-step loop: drain inbound events,
// process completions, generate requests, flush output, and amortized
// housekeeping, per SPEC_FULL.md §4.7.
func (t *Torrent) Tick() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.state == Paused || t.state == Removed {
		return nil
	}

	var sink peer.BlockSink = noopBlockSink{}
	if t.pieceMgr != nil {
		sink = t.pieceMgr
	}

	var toRemove []core.PeerID
	for peerID, conn := range t.conns {
		events, err := conn.DrainEvents(sink)
		if err != nil {
			toRemove = append(toRemove, peerID)
			continue
		}
		for _, ev := range events {
			t.handleEvent(peerID, conn, ev)
		}
		if conn.IsClosed() {
			toRemove = append(toRemove, peerID)
		}
	}
	for _, peerID := range toRemove {
		t.removePeer(peerID, nil)
	}

	// Step 3: request generation, respecting the per-torrent outstanding
	// cap alongside each peer's own pipeline depth.
	if t.pieceMgr != nil && t.state == Downloading {
		outstanding := 0
		for _, conn := range t.conns {
			outstanding += conn.OutstandingCount()
		}
		for _, conn := range t.conns {
			if outstanding >= t.config.MaxOutstandingPerTorrent {
				break
			}
			if conn.PeerChoking() || !conn.CanRequestMore() {
				continue
			}
			budget := t.config.RequestsPerTick
			if remaining := t.config.MaxOutstandingPerTorrent - outstanding; remaining < budget {
				budget = remaining
			}
			requests := t.pieceMgr.NextRequests(conn.PeerID(), conn.PeerBitfield(), budget)
			for _, r := range requests {
				if err := conn.SendRequest(r); err == nil {
					outstanding++
				}
			}
		}
	}

	// Metadata fetch requests, while AwaitingMetadata.
	if t.metadataAssembler != nil {
		for _, req := range t.metadataAssembler.NextRequests(8) {
			conn, ok := t.conns[req.Peer]
			if !ok {
				continue
			}
			conn.SendExtended(req.ExtendedID, metadata.EncodeRequest(req.Piece), nil)
		}
	}

	// PEX broadcasts, throttled per peer.
	if len(t.conns) > 0 {
		added := t.peerAddrSnapshot()
		for peerID, conn := range t.conns {
			info, ok := t.peerExt[peerID]
			if !ok || !info.hasPEX || !t.pexExchange.ShouldSend(peerID) {
				continue
			}
			conn.SendExtended(info.pexID, pex.EncodeMessage(pex.Message{Added: added}), nil)
		}
	}

	// Step 4: output flush.
	for peerID, conn := range t.conns {
		if err := conn.Flush(); err != nil {
			t.removePeer(peerID, err)
		}
	}

	t.housekeeping()
	return nil
}

func (t *Torrent) peerAddrSnapshot() []core.PeerAddr {
	addrs := make([]core.PeerAddr, 0, len(t.peerAddr))
	for _, a := range t.peerAddr {
		addrs = append(addrs, a)
	}
	return addrs
}

func (t *Torrent) handleEvent(peerID core.PeerID, conn *peer.Connection, ev peer.Event) {
	switch ev.Type {
	case peer.EventBitfield:
		if t.pieceMgr != nil && ev.Bitfield != nil {
			t.pieceMgr.RegisterPeerBitfield(peerID, ev.Bitfield)
		}
	case peer.EventHave:
		if t.pieceMgr != nil {
			t.pieceMgr.RegisterPeerHave(peerID, ev.Have)
		}
	case peer.EventInterested:
		conn.SendUnchoke()
	case peer.EventRequest:
		t.serveRequest(conn, ev.Request)
	case peer.EventPiece:
		t.onBlockReceived(peerID, conn, ev.Piece)
	case peer.EventExtended:
		t.handleExtended(peerID, conn, ev.Extended)
	case peer.EventClose:
		t.removePeer(peerID, ev.Err)
	}
}

func (t *Torrent) serveRequest(conn *peer.Connection, req wire.BlockRequest) {
	if t.contentStorage == nil || t.bitfield == nil || !t.bitfield.Has(int(req.Index)) {
		return
	}
	data, err := t.contentStorage.ReadVerifiedRange(int(req.Index), int64(req.Begin), int64(req.Length))
	if err != nil {
		t.logger.Warnf("torrent %s: read piece %d for upload: %s", t.infoHash.Hex(), req.Index, err)
		return
	}
	conn.SendPiece(wire.BlockData{Index: req.Index, Begin: req.Begin, Block: data})
}

func (t *Torrent) onBlockReceived(peerID core.PeerID, conn *peer.Connection, block wire.BlockRequest) {
	if t.pieceMgr == nil {
		return
	}
	result := t.pieceMgr.OnBlockReceived(peerID, int(block.Index), block.Begin)
	for _, p := range result.CancelTargets {
		if c, ok := t.conns[p]; ok {
			c.SendCancel(wire.BlockRequest{Index: block.Index, Begin: block.Begin, Length: block.Length})
		}
	}
	if !result.PieceComplete {
		return
	}
	if !result.Verified {
		t.metricsScope().Counter("piece_hash_mismatch").Inc(1)
		for _, p := range result.Contributors {
			if t.banList != nil {
				// RecordBadBlock reports when this connection has crossed
				// its bad-block threshold; such a peer is banned for this
				// torrent and disconnected.
				if c, ok := t.conns[p]; ok && c.RecordBadBlock() {
					t.banList.Ban(t.infoHash, p)
					t.metricsScope().Counter("peer_banned").Inc(1)
					t.eventLog().PeerBanned(t.infoHash, p, "repeated bad piece data")
					t.removePeer(p, fmt.Errorf("banned after repeated bad piece data"))
				}
			}
		}
		return
	}
	if t.contentStorage != nil {
		if err := t.contentStorage.WriteVerifiedBlock(result.Index, 0, result.Data); err != nil {
			t.logger.Errorf("torrent %s: write piece %d: %s", t.infoHash.Hex(), result.Index, err)
			return
		}
	}
	t.bitfield.Set(result.Index)
	t.bitfieldDirty = true
	for _, c := range t.conns {
		c.SendHave(uint32(result.Index))
	}
	if t.bitfield.Complete() && t.state != Seeding {
		t.state = Seeding
		size := int64(0)
		if t.meta != nil {
			size = t.meta.TotalLength()
		}
		t.eventLog().DownloadSuccess(t.infoHash, size, t.clk.Now().Sub(t.startedAt))
	}
}

func (t *Torrent) handleExtended(peerID core.PeerID, conn *peer.Connection, em wire.ExtendedMessage) {
	if em.ExtendedID == wire.ExtendedHandshakeID {
		hs, err := wire.DecodeExtendedHandshake(bencode.Encode(em.Dict))
		if err != nil {
			return
		}
		info := peerExtInfo{}
		if id, ok := hs.M[wire.ExtensionMetadata]; ok {
			info.metadataID, info.hasMetadata = id, true
		}
		if id, ok := hs.M[wire.ExtensionPEX]; ok {
			info.pexID, info.hasPEX = id, true
		}
		t.peerExt[peerID] = info
		if t.metadataAssembler != nil {
			t.metadataAssembler.OnExtendedHandshake(peerID, hs)
		}
		return
	}

	info, ok := t.peerExt[peerID]
	if !ok {
		return
	}
	switch {
	case info.hasMetadata && em.ExtendedID == info.metadataID:
		t.handleMetadataMessage(peerID, conn, em)
	case info.hasPEX && em.ExtendedID == info.pexID:
		if candidates, err := t.handlePEXMessage(em); err == nil {
			t.enqueueCandidates(candidates)
		}
	}
}

func (t *Torrent) handleMetadataMessage(peerID core.PeerID, conn *peer.Connection, em wire.ExtendedMessage) {
	msg, err := metadata.DecodeMessage(em)
	if err != nil {
		return
	}
	switch msg.Type {
	case metadata.MessageData:
		if t.metadataAssembler == nil {
			return
		}
		complete, infoBytes, err := t.metadataAssembler.OnData(peerID, msg.Piece, msg.Data)
		if err != nil {
			t.logger.Warnf("torrent %s: metadata piece %d from %s: %s", t.infoHash.Hex(), msg.Piece, peerID, err)
			return
		}
		if complete {
			meta, err := core.NewTorrentMetadataFromInfoBytes(infoBytes)
			if err != nil {
				t.logger.Errorf("torrent %s: assembled metadata failed to parse: %s", t.infoHash.Hex(), err)
				return
			}
			t.installMetadata(meta, infoBytes)
		}
	case metadata.MessageRequest:
		info := t.peerExt[peerID]
		if t.rawInfoBytes == nil {
			conn.SendExtended(info.metadataID, metadata.EncodeReject(msg.Piece), nil)
			return
		}
		offset := msg.Piece * metadataPieceSize
		if offset >= len(t.rawInfoBytes) {
			conn.SendExtended(info.metadataID, metadata.EncodeReject(msg.Piece), nil)
			return
		}
		end := offset + metadataPieceSize
		if end > len(t.rawInfoBytes) {
			end = len(t.rawInfoBytes)
		}
		conn.SendExtended(info.metadataID, metadata.EncodeData(msg.Piece, len(t.rawInfoBytes)), t.rawInfoBytes[offset:end])
	case metadata.MessageReject:
	}
}

func (t *Torrent) handlePEXMessage(em wire.ExtendedMessage) ([]core.PeerAddr, error) {
	if err := t.pexExchange.OnMessage(em); err != nil {
		return nil, err
	}
	return t.pexExchange.DrainCandidates(), nil
}

// housekeeping runs the amortized step-5 work: request expiry, idle peer
// sweeps, tracker announces, and resume persistence triggers.
func (t *Torrent) housekeeping() {
	now := t.clk.Now()

	if t.pieceMgr != nil {
		t.pieceMgr.ExpireRequests()
	}
	t.banList.Sweep()

	if now.Sub(t.lastIdleSweep) >= t.config.IdlePeerSweepInterval {
		t.lastIdleSweep = now
		var idle []core.PeerID
		for peerID, conn := range t.conns {
			if conn.IsIdle() {
				idle = append(idle, peerID)
			}
		}
		for _, peerID := range idle {
			t.removePeer(peerID, fmt.Errorf("idle timeout"))
		}
	}

	t.runAnnounces(now)

	if t.bitfieldDirty && now.Sub(t.lastResumePersist) >= t.config.ResumePersistInterval {
		t.lastResumePersist = now
		t.bitfieldDirty = false
		// Resume state is written by the engine's run loop, which calls the
		// session manager's Persist on its own ResumePersistInterval timer;
		// this only tracks cadence.
	}
}

func (t *Torrent) runAnnounces(now time.Time) {
	if t.meta == nil {
		return
	}
	left := uint64(0)
	if t.bitfield != nil {
		for i := 0; i < t.meta.NumPieces(); i++ {
			if !t.bitfield.Has(i) {
				left += uint64(t.meta.PieceLengthAt(i))
			}
		}
	}
	uploaded, downloaded := t.uploaded, t.downloaded
	for _, conn := range t.conns {
		uploaded += conn.Uploaded()
		downloaded += conn.Downloaded()
	}

	event := tracker.EventNone
	if !t.announcedStarted {
		event = tracker.EventStarted
	} else if t.bitfield != nil && t.bitfield.Complete() && !t.announcedCompleted {
		event = tracker.EventCompleted
	}

	for _, cl := range t.trackers {
		stats := cl.Stats()
		due := event != tracker.EventNone || now.After(stats.NextAnnounce) || now.Equal(stats.NextAnnounce)
		if !due {
			continue
		}
		resp, err := cl.Announce(tracker.AnnounceRequest{
			InfoHash:   t.infoHash,
			PeerID:     t.localPeerID,
			Port:       t.listenPort,
			Uploaded:   uploaded,
			Downloaded: downloaded,
			Left:       left,
			Event:      event,
			NumWant:    -1,
		})
		if err != nil {
			t.logger.Debugf("torrent %s: announce to %s: %s", t.infoHash.Hex(), cl.URL(), err)
			t.metricsScope().Counter("tracker_announce_failure").Inc(1)
			continue
		}
		t.enqueueCandidates(resp.Peers)
	}
	if event == tracker.EventStarted {
		t.announcedStarted = true
	} else if event == tracker.EventCompleted {
		t.announcedCompleted = true
	}
}
