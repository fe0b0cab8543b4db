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
package storage

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func newTestBoltStore(t *testing.T) *BoltSessionStore {
	path := filepath.Join(t.TempDir(), "session.db")
	s, err := NewBoltSessionStore(path)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestBoltSessionStoreSetGet(t *testing.T) {
	require := require.New(t)
	s := newTestBoltStore(t)

	require.NoError(s.Set("session:abc:bitfield", []byte{0xff, 0x00}))
	v, err := s.Get("session:abc:bitfield")
	require.NoError(err)
	require.Equal([]byte{0xff, 0x00}, v)
}

func TestBoltSessionStoreGetMissing(t *testing.T) {
	require := require.New(t)
	s := newTestBoltStore(t)

	_, err := s.Get("session:missing:bitfield")
	require.ErrorIs(err, ErrNotFound)
}

func TestBoltSessionStoreGetMulti(t *testing.T) {
	require := require.New(t)
	s := newTestBoltStore(t)

	require.NoError(s.Set("session:abc:bitfield", []byte("bf")))
	require.NoError(s.Set("session:abc:progress", []byte("pg")))

	out, err := s.GetMulti([]string{"session:abc:bitfield", "session:abc:progress", "session:abc:peers"})
	require.NoError(err)
	require.Equal([]byte("bf"), out["session:abc:bitfield"])
	require.Equal([]byte("pg"), out["session:abc:progress"])
	_, ok := out["session:abc:peers"]
	require.False(ok)
}

func TestBoltSessionStoreKeysByPrefix(t *testing.T) {
	require := require.New(t)
	s := newTestBoltStore(t)

	require.NoError(s.Set("session:abc:bitfield", []byte("1")))
	require.NoError(s.Set("session:abc:progress", []byte("2")))
	require.NoError(s.Set("session:xyz:bitfield", []byte("3")))

	keys, err := s.Keys("session:abc:")
	require.NoError(err)
	require.ElementsMatch([]string{"session:abc:bitfield", "session:abc:progress"}, keys)
}

func TestBoltSessionStoreDelete(t *testing.T) {
	require := require.New(t)
	s := newTestBoltStore(t)

	require.NoError(s.Set("session:abc:bitfield", []byte("1")))
	require.NoError(s.Delete("session:abc:bitfield"))
	_, err := s.Get("session:abc:bitfield")
	require.ErrorIs(err, ErrNotFound)
}

func TestBoltSessionStoreClear(t *testing.T) {
	require := require.New(t)
	s := newTestBoltStore(t)

	require.NoError(s.Set("session:abc:bitfield", []byte("1")))
	require.NoError(s.Clear())
	_, err := s.Get("session:abc:bitfield")
	require.ErrorIs(err, ErrNotFound)

	// Store remains usable after Clear.
	require.NoError(s.Set("session:def:bitfield", []byte("2")))
	v, err := s.Get("session:def:bitfield")
	require.NoError(err)
	require.Equal([]byte("2"), v)
}
