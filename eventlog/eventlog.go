// Package eventlog wraps structured log entries for important torrent
// events, distinct from the verbose per-tick debug logs an Engine otherwise
// emits. These are intended to be consumed at the cluster level (e.g. via
// ELK), so an operator can cross-reference a spike in download times or ban
// rates against individual peers and hosts.
package eventlog

import (
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/kraken-bt/torrentengine/core"
)

// Logger records events for a single Engine.
type Logger struct {
	zap *zap.Logger
}

// New creates a Logger that writes to base, tagged with this host's identity.
func New(base *zap.Logger, localPeerID core.PeerID) *Logger {
	return &Logger{base.With(zap.String("local_peer_id", localPeerID.String()))}
}

// NewNop returns a Logger that discards every event, for use in tests and
// callers that never configured one.
func NewNop() *Logger {
	return &Logger{zap.NewNop()}
}

// OutgoingConnectionAccept logs a successfully dialed and handshaken peer.
func (l *Logger) OutgoingConnectionAccept(infoHash core.InfoHash, remotePeerID core.PeerID) {
	l.zap.Debug("outgoing connection accept",
		zap.String("info_hash", infoHash.Hex()),
		zap.String("remote_peer_id", remotePeerID.String()))
}

// OutgoingConnectionReject logs a dial or handshake that failed.
func (l *Logger) OutgoingConnectionReject(infoHash core.InfoHash, remotePeerID core.PeerID, err error) {
	l.zap.Debug("outgoing connection reject",
		zap.String("info_hash", infoHash.Hex()),
		zap.String("remote_peer_id", remotePeerID.String()),
		zap.Error(err))
}

// IncomingConnectionAccept logs an accepted inbound peer connection.
func (l *Logger) IncomingConnectionAccept(infoHash core.InfoHash, remotePeerID core.PeerID) {
	l.zap.Debug("incoming connection accept",
		zap.String("info_hash", infoHash.Hex()),
		zap.String("remote_peer_id", remotePeerID.String()))
}

// IncomingConnectionReject logs a rejected or failed inbound handshake.
func (l *Logger) IncomingConnectionReject(infoHash core.InfoHash, remotePeerID core.PeerID, err error) {
	l.zap.Debug("incoming connection reject",
		zap.String("info_hash", infoHash.Hex()),
		zap.Error(err))
}

// PeerBanned logs a peer being banned for sending a bad piece.
func (l *Logger) PeerBanned(infoHash core.InfoHash, remotePeerID core.PeerID, reason string) {
	l.zap.Info("peer banned",
		zap.String("info_hash", infoHash.Hex()),
		zap.String("remote_peer_id", remotePeerID.String()),
		zap.String("reason", reason))
}

// DownloadSuccess logs a torrent reaching complete state.
func (l *Logger) DownloadSuccess(infoHash core.InfoHash, size int64, downloadTime time.Duration) {
	l.zap.Info("download success",
		zap.String("info_hash", infoHash.Hex()),
		zap.Int64("size", size),
		zap.Duration("download_time", downloadTime))
}

// DownloadFailure logs a torrent being removed before it completed.
func (l *Logger) DownloadFailure(infoHash core.InfoHash, size int64, err error) {
	l.zap.Error("download failure",
		zap.String("info_hash", infoHash.Hex()),
		zap.Int64("size", size),
		zap.Error(err))
}

// PeerSummary describes how many pieces were exchanged with a single peer
// over a torrent's lifetime, from this host's point of view.
type PeerSummary struct {
	PeerID                  core.PeerID
	RequestsSent            int
	RequestsReceived        int
	GoodPiecesReceived      int
	DuplicatePiecesReceived int
	PiecesSent              int
}

// MarshalLogObject marshals a PeerSummary for logging.
func (s PeerSummary) MarshalLogObject(enc zapcore.ObjectEncoder) error {
	enc.AddString("peer_id", s.PeerID.String())
	enc.AddInt("requests_sent", s.RequestsSent)
	enc.AddInt("requests_received", s.RequestsReceived)
	enc.AddInt("good_pieces_received", s.GoodPiecesReceived)
	enc.AddInt("duplicate_pieces_received", s.DuplicatePiecesReceived)
	enc.AddInt("pieces_sent", s.PiecesSent)
	return nil
}

// PeerSummaries is a slice of PeerSummary that can be marshalled for logging.
type PeerSummaries []PeerSummary

// MarshalLogArray marshals a PeerSummaries slice for logging.
func (ss PeerSummaries) MarshalLogArray(enc zapcore.ArrayEncoder) error {
	for _, s := range ss {
		enc.AppendObject(s)
	}
	return nil
}

// PeerSummaries logs a summary of piece traffic exchanged with every peer of
// a torrent, typically emitted once the torrent completes or is removed.
func (l *Logger) PeerSummaries(infoHash core.InfoHash, summaries PeerSummaries) {
	l.zap.Debug("peer summaries",
		zap.String("info_hash", infoHash.Hex()),
		zap.Array("peer_summaries", summaries))
}

// Sync flushes the log.
func (l *Logger) Sync() {
	l.zap.Sync()
}
