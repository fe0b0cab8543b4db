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
	"testing"

	"github.com/stretchr/testify/require"
)

func TestStorageRootManagerCachesPerKey(t *testing.T) {
	require := require.New(t)

	var constructed []string
	factory := func(root string) (IFileSystem, error) {
		constructed = append(constructed, root)
		return newMemFS(), nil
	}
	m := NewStorageRootManager("/data/torrents", factory)

	fs1, err := m.FileSystemForRoot("abc123")
	require.NoError(err)
	fs2, err := m.FileSystemForRoot("abc123")
	require.NoError(err)
	require.Same(fs1, fs2)
	require.Len(constructed, 1)
	require.Equal("/data/torrents/abc123", constructed[0])

	_, err = m.FileSystemForRoot("def456")
	require.NoError(err)
	require.Len(constructed, 2)
}

func TestStorageRootManagerRejectsPathSeparators(t *testing.T) {
	require := require.New(t)

	m := NewStorageRootManager("/data/torrents", func(root string) (IFileSystem, error) {
		return newMemFS(), nil
	})
	_, err := m.FileSystemForRoot("../escape")
	require.Error(err)
}

func TestStorageRootManagerForget(t *testing.T) {
	require := require.New(t)

	var count int
	m := NewStorageRootManager("/data/torrents", func(root string) (IFileSystem, error) {
		count++
		return newMemFS(), nil
	})
	_, err := m.FileSystemForRoot("abc123")
	require.NoError(err)
	m.Forget("abc123")
	_, err = m.FileSystemForRoot("abc123")
	require.NoError(err)
	require.Equal(2, count)
}
