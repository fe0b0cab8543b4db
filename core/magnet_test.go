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
package core

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestParseMagnet(t *testing.T) {
	require := require.New(t)

	uri := "magnet:?xt=urn:btih:a1dfefec1a9dd7fa8a041ebeeea271db55126d2f&dn=example&tr=http%3A%2F%2Ftracker.test%2Fa&tr=udp%3A%2F%2Ftracker2.test%3A80"
	m, err := ParseMagnet(uri)
	require.NoError(err)

	want, err := NewInfoHashFromHex("a1dfefec1a9dd7fa8a041ebeeea271db55126d2f")
	require.NoError(err)
	require.Equal(want, m.InfoHash)
	require.Equal("example", m.DisplayName)
	require.ElementsMatch([]string{"http://tracker.test/a", "udp://tracker2.test:80"}, m.Trackers)
}

func TestParseMagnetMissingTopic(t *testing.T) {
	require := require.New(t)

	_, err := ParseMagnet("magnet:?dn=example")
	require.Error(err)
}

func TestParseMagnetNotMagnetScheme(t *testing.T) {
	require := require.New(t)

	_, err := ParseMagnet("http://example.com")
	require.Error(err)
}
