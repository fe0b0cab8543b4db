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

// Package bandwidth implements global egress/ingress rate limiting shared
// across all peer connections of an engine, so a single torrent cannot
// starve the host's uplink/downlink.
package bandwidth

import (
	"context"
	"fmt"

	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// Config defines bandwidth limiter parameters.
type Config struct {
	EgressBitsPerSec  uint64 `yaml:"egress_bits_per_sec"`
	IngressBitsPerSec uint64 `yaml:"ingress_bits_per_sec"`
	TokenSize         int64  `yaml:"token_size"`
	Enable            bool   `yaml:"enable"`
}

func (c Config) applyDefaults() Config {
	if c.TokenSize == 0 {
		c.TokenSize = 1
	}
	return c
}

// Option configures a Limiter.
type Option func(*Limiter)

// WithLogger attaches a logger used to report adjustment events.
func WithLogger(log *zap.SugaredLogger) Option {
	return func(l *Limiter) { l.log = log }
}

// Limiter rate-limits egress and ingress byte reservations.
type Limiter struct {
	config Config
	log    *zap.SugaredLogger

	egress  *rate.Limiter
	ingress *rate.Limiter
}

// NewLimiter creates a Limiter from config. If config.Enable is false, the
// returned Limiter allows all reservations unconditionally.
func NewLimiter(config Config, opts ...Option) (*Limiter, error) {
	config = config.applyDefaults()
	if config.Enable && config.EgressBitsPerSec == 0 {
		return nil, fmt.Errorf("egress_bits_per_sec must be non-zero when enabled")
	}
	if config.Enable && config.IngressBitsPerSec == 0 {
		return nil, fmt.Errorf("ingress_bits_per_sec must be non-zero when enabled")
	}
	l := &Limiter{config: config, log: zap.NewNop().Sugar()}
	for _, opt := range opts {
		opt(l)
	}
	if config.Enable {
		l.egress = newRateLimiter(config.EgressBitsPerSec, config.TokenSize)
		l.ingress = newRateLimiter(config.IngressBitsPerSec, config.TokenSize)
	}
	return l, nil
}

func newRateLimiter(bps uint64, tokenSize int64) *rate.Limiter {
	burst := int(bps / uint64(tokenSize))
	if burst < 1 {
		burst = 1
	}
	r := rate.Limit(float64(bps) / float64(tokenSize))
	return rate.NewLimiter(r, burst)
}

// ReserveEgress blocks until nbytes of egress bandwidth is available, or
// returns an error if nbytes could never fit within the bucket.
func (l *Limiter) ReserveEgress(nbytes int64) error {
	return l.reserve(l.egress, nbytes)
}

// ReserveIngress blocks until nbytes of ingress bandwidth is available, or
// returns an error if nbytes could never fit within the bucket.
func (l *Limiter) ReserveIngress(nbytes int64) error {
	return l.reserve(l.ingress, nbytes)
}

func (l *Limiter) reserve(limiter *rate.Limiter, nbytes int64) error {
	if limiter == nil {
		return nil
	}
	tokens := (nbytes * 8) / l.config.TokenSize
	if tokens < 1 {
		tokens = 1
	}
	return limiter.WaitN(context.Background(), int(tokens))
}

// Adjust rescales both limits to their configured value divided by denom,
// with a floor of 1 bit/sec, e.g. to divide bandwidth evenly across denom
// concurrent torrents.
func (l *Limiter) Adjust(denom int) error {
	if denom == 0 {
		return fmt.Errorf("denom must be non-zero")
	}
	if l.egress == nil && l.ingress == nil {
		return nil
	}
	egressBps := divFloor1(l.config.EgressBitsPerSec, denom)
	ingressBps := divFloor1(l.config.IngressBitsPerSec, denom)
	l.egress = newRateLimiter(egressBps, l.config.TokenSize)
	l.ingress = newRateLimiter(ingressBps, l.config.TokenSize)
	l.log.Infof("Adjusted bandwidth limits to egress=%d ingress=%d bits/sec", egressBps, ingressBps)
	return nil
}

func divFloor1(bps uint64, denom int) uint64 {
	v := bps / uint64(denom)
	if v < 1 {
		v = 1
	}
	return v
}

// EgressLimit returns the current egress limit in bits/sec.
func (l *Limiter) EgressLimit() int64 {
	return int64(float64(l.egress.Limit()) * float64(l.config.TokenSize))
}

// IngressLimit returns the current ingress limit in bits/sec.
func (l *Limiter) IngressLimit() int64 {
	return int64(float64(l.ingress.Limit()) * float64(l.config.TokenSize))
}
