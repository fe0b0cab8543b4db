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
	"fmt"
	"path/filepath"
	"sync"
)

// RootFactory constructs the IFileSystem backing a single storage root. It
// is injected so tests can substitute an in-memory filesystem without the
// StorageRootManager knowing the difference.
type RootFactory func(root string) (IFileSystem, error)

// StorageRootManager maps a torrent's storage root key -- an opaque string
// chosen by the caller of Engine.AddTorrent, defaulting to the torrent's
// download directory -- to a cached IFileSystem rooted there. Multiple
// torrents that share a root key share the same underlying adapter.
type StorageRootManager struct {
	baseDir string
	factory RootFactory

	mu    sync.Mutex
	roots map[string]IFileSystem
}

// NewStorageRootManager creates a StorageRootManager whose root keys resolve
// to directories under baseDir, using factory to construct each root's
// IFileSystem the first time it's requested.
func NewStorageRootManager(baseDir string, factory RootFactory) *StorageRootManager {
	if factory == nil {
		factory = func(root string) (IFileSystem, error) {
			return NewOSFileSystem(root)
		}
	}
	return &StorageRootManager{
		baseDir: baseDir,
		factory: factory,
		roots:   make(map[string]IFileSystem),
	}
}

// FileSystemForRoot returns the cached IFileSystem for rootKey, constructing
// it on first use. rootKey must not contain path separators -- it names a
// single directory directly under baseDir, not a nested path.
func (m *StorageRootManager) FileSystemForRoot(rootKey string) (IFileSystem, error) {
	if rootKey == "" {
		return nil, fmt.Errorf("empty storage root key")
	}
	if rootKey != filepath.Base(rootKey) {
		return nil, fmt.Errorf("storage root key %q must not contain path separators", rootKey)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if fs, ok := m.roots[rootKey]; ok {
		return fs, nil
	}
	fs, err := m.factory(filepath.Join(m.baseDir, rootKey))
	if err != nil {
		return nil, fmt.Errorf("open storage root %q: %s", rootKey, err)
	}
	m.roots[rootKey] = fs
	return fs, nil
}

// Forget drops the cached adapter for rootKey, if any, without deleting the
// underlying data. Subsequent calls to FileSystemForRoot reconstruct it.
func (m *StorageRootManager) Forget(rootKey string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.roots, rootKey)
}
