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
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestBackoffStateDoublesUpToCeiling(t *testing.T) {
	s := newBackoffState()

	want := []time.Duration{
		5 * time.Second,
		10 * time.Second,
		20 * time.Second,
		40 * time.Second,
		80 * time.Second,
		160 * time.Second,
		300 * time.Second, // 320s would exceed the 300s ceiling
		300 * time.Second,
	}
	for i, w := range want {
		require.Equal(t, w, s.next(), "attempt %d", i)
	}
}

func TestBackoffStateResetReturnsToInitialInterval(t *testing.T) {
	s := newBackoffState()
	s.next()
	s.next()
	s.reset()
	require.Equal(t, 5*time.Second, s.next())
}
