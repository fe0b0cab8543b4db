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
	"time"

	"github.com/cenkalti/backoff"
)

// backoffState tracks one tracker's consecutive-failure backoff schedule,
// per spec.md §4.8: delay = min(5 * 2^consecutiveFailures, 300) seconds, no
// jitter, no overall elapsed-time cutoff (a tracker that keeps failing is
// retried forever at the 300s ceiling rather than abandoned).
type backoffState struct {
	b *backoff.ExponentialBackOff
}

func newBackoffState() *backoffState {
	b := &backoff.ExponentialBackOff{
		InitialInterval:     5 * time.Second,
		RandomizationFactor: 0,
		Multiplier:          2,
		MaxInterval:         300 * time.Second,
		MaxElapsedTime:      0,
		Clock:               backoff.SystemClock,
	}
	b.Reset()
	return &backoffState{b: b}
}

// next returns the delay before the next retry, advancing the schedule.
func (s *backoffState) next() time.Duration {
	return s.b.NextBackOff()
}

// reset returns the schedule to its initial interval, called after a
// successful announce.
func (s *backoffState) reset() {
	s.b.Reset()
}
