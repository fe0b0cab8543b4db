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
	"time"

	"github.com/kraken-bt/torrentengine/metrics"
	"github.com/kraken-bt/torrentengine/tracker"
	"github.com/kraken-bt/torrentengine/torrent"
	"github.com/kraken-bt/torrentengine/utils/bandwidth"
)

// Config aggregates every tunable of an Engine and the Torrents it drives,
// the way the historical configuration.Config aggregated Agent/Registry/
// TagDeletion sub-configs for a single top-level YAML document.
type Config struct {
	ListenPort  uint16        `yaml:"listen_port"`
	DownloadDir string        `yaml:"download_dir"`
	SessionPath string        `yaml:"session_path"`
	TickInterval time.Duration `yaml:"tick_interval"`
	DialTimeout time.Duration `yaml:"dial_timeout"`
	MaxTorrents int           `yaml:"max_torrents"`

	Torrent   torrent.Config    `yaml:"torrent"`
	HTTP      tracker.HTTPConfig `yaml:"http_tracker"`
	UDP       tracker.UDPConfig  `yaml:"udp_tracker"`
	Bandwidth bandwidth.Config   `yaml:"bandwidth"`
	Metrics   metrics.Config     `yaml:"metrics"`
	// MetricsCluster tags every emitted metric (e.g. "prod", "dev");
	// required only by the m3 backend.
	MetricsCluster string `yaml:"metrics_cluster"`
}

func (c Config) applyDefaults() Config {
	if c.ListenPort == 0 {
		c.ListenPort = 6881
	}
	if c.DownloadDir == "" {
		c.DownloadDir = "."
	}
	if c.SessionPath == "" {
		c.SessionPath = "session.db"
	}
	if c.TickInterval == 0 {
		c.TickInterval = 100 * time.Millisecond
	}
	if c.DialTimeout == 0 {
		c.DialTimeout = 10 * time.Second
	}
	if c.MaxTorrents == 0 {
		c.MaxTorrents = 500
	}
	return c
}

// AddTorrentOptions customizes how a single torrent is added, per
// spec.md §6's `addTorrent(magnet|bytes, options?)`.
type AddTorrentOptions struct {
	// StorageRoot names the download-directory subtree this torrent's
	// content lives under; defaults to the torrent's infohash hex.
	StorageRoot string
	// Trackers overrides/augments the trackers parsed out of a magnet
	// link or .torrent file.
	Trackers []string
	// StartPaused adds the torrent directly into the Paused state
	// instead of announcing and connecting immediately.
	StartPaused bool
}
