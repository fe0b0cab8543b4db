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
package torrent

import (
	"time"

	"github.com/kraken-bt/torrentengine/metadata"
	"github.com/kraken-bt/torrentengine/peer"
	"github.com/kraken-bt/torrentengine/pex"
	"github.com/kraken-bt/torrentengine/piece"
)

// Config tunes one Torrent's tick loop and the sub-components it drives.
type Config struct {
	TickInterval              time.Duration `yaml:"tick_interval"`
	MaxPeers                  int           `yaml:"max_peers"`
	MaxOutstandingPerTorrent  int           `yaml:"max_outstanding_per_torrent"`
	RequestsPerTick           int           `yaml:"requests_per_tick"`
	IdlePeerSweepInterval     time.Duration `yaml:"idle_peer_sweep_interval"`
	ResumePersistInterval     time.Duration `yaml:"resume_persist_interval"`

	Peer     peer.Config     `yaml:"peer"`
	Piece    piece.Config    `yaml:"piece"`
	Metadata metadata.Config `yaml:"metadata"`
	PEX      pex.Config      `yaml:"pex"`
}

func (c Config) applyDefaults() Config {
	if c.TickInterval == 0 {
		c.TickInterval = 100 * time.Millisecond
	}
	if c.MaxPeers == 0 {
		c.MaxPeers = 80
	}
	if c.MaxOutstandingPerTorrent == 0 {
		c.MaxOutstandingPerTorrent = 500
	}
	if c.RequestsPerTick == 0 {
		c.RequestsPerTick = 256
	}
	if c.IdlePeerSweepInterval == 0 {
		c.IdlePeerSweepInterval = 5 * time.Second
	}
	if c.ResumePersistInterval == 0 {
		c.ResumePersistInterval = 10 * time.Second
	}
	return c
}
