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
	"io"
	"io/ioutil"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestBufferPieceReader(t *testing.T) {
	require := require.New(t)

	r := NewBufferPieceReader([]byte("hello world"))
	require.Equal(11, r.Length())

	b, err := ioutil.ReadAll(r)
	require.NoError(err)
	require.Equal("hello world", string(b))
	require.NoError(r.Close())
}

func TestContentStoragePieceReader(t *testing.T) {
	require := require.New(t)

	fs := newMemFS()
	cs := NewTorrentContentStorage(fs, twoFileMeta())
	require.NoError(cs.WriteVerifiedBlock(0, 0, []byte("0123456789")))

	r := NewContentStoragePieceReader(cs, 0, 10)
	require.Equal(10, r.Length())

	buf := make([]byte, 4)
	n, err := r.Read(buf)
	require.NoError(err)
	require.Equal(4, n)
	require.Equal("0123", string(buf[:n]))

	rest, err := ioutil.ReadAll(r)
	require.NoError(err)
	require.Equal("456789", string(rest))

	_, err = r.Read(make([]byte, 1))
	require.Equal(io.EOF, err)
}
