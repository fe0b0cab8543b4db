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
	"os"
	"path/filepath"
	"strings"
)

// OSFileSystem is the default IFileSystem, confined to a root directory on
// local disk. All paths given to it are treated as relative to root and
// resolved with filepath.Join before any syscall, then re-checked to still
// fall under root -- rejecting `../` escapes regardless of how the path
// was spelled.
type OSFileSystem struct {
	root string
}

// NewOSFileSystem creates an OSFileSystem rooted at root. The directory is
// created if it does not already exist.
func NewOSFileSystem(root string) (*OSFileSystem, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("resolve root: %s", err)
	}
	if err := os.MkdirAll(abs, 0755); err != nil {
		return nil, fmt.Errorf("mkdir root: %s", err)
	}
	return &OSFileSystem{root: abs}, nil
}

func (fs *OSFileSystem) resolve(path string) (string, error) {
	full := filepath.Join(fs.root, path)
	rel, err := filepath.Rel(fs.root, full)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("path %q escapes storage root", path)
	}
	return full, nil
}

// Open implements IFileSystem.
func (fs *OSFileSystem) Open(path string, mode OpenMode) (IFileHandle, error) {
	full, err := fs.resolve(path)
	if err != nil {
		return nil, err
	}
	var flag int
	switch mode {
	case ReadOnly:
		flag = os.O_RDONLY
	case WriteOnly:
		flag = os.O_WRONLY | os.O_CREATE
	case ReadWrite:
		flag = os.O_RDWR | os.O_CREATE
	default:
		return nil, fmt.Errorf("invalid open mode %d", mode)
	}
	if mode != ReadOnly {
		if err := os.MkdirAll(filepath.Dir(full), 0755); err != nil {
			return nil, fmt.Errorf("mkdir parent: %s", err)
		}
	}
	f, err := os.OpenFile(full, flag, 0644)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &osFileHandle{f: f}, nil
}

// Stat implements IFileSystem.
func (fs *OSFileSystem) Stat(path string) (FileInfo, error) {
	full, err := fs.resolve(path)
	if err != nil {
		return FileInfo{}, err
	}
	fi, err := os.Stat(full)
	if err != nil {
		if os.IsNotExist(err) {
			return FileInfo{}, ErrNotFound
		}
		return FileInfo{}, err
	}
	return osFileInfoToFileInfo(fi), nil
}

// Mkdir implements IFileSystem.
func (fs *OSFileSystem) Mkdir(path string, recursive bool) error {
	full, err := fs.resolve(path)
	if err != nil {
		return err
	}
	if recursive {
		return os.MkdirAll(full, 0755)
	}
	return os.Mkdir(full, 0755)
}

// Exists implements IFileSystem.
func (fs *OSFileSystem) Exists(path string) bool {
	full, err := fs.resolve(path)
	if err != nil {
		return false
	}
	_, err = os.Stat(full)
	return err == nil
}

// Readdir implements IFileSystem.
func (fs *OSFileSystem) Readdir(path string) ([]string, error) {
	full, err := fs.resolve(path)
	if err != nil {
		return nil, err
	}
	entries, err := os.ReadDir(full)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	names := make([]string, len(entries))
	for i, e := range entries {
		names[i] = e.Name()
	}
	return names, nil
}

// Unlink implements IFileSystem.
func (fs *OSFileSystem) Unlink(path string) error {
	full, err := fs.resolve(path)
	if err != nil {
		return err
	}
	if err := os.Remove(full); err != nil {
		if os.IsNotExist(err) {
			return ErrNotFound
		}
		return err
	}
	return nil
}

type osFileHandle struct {
	f *os.File
}

func (h *osFileHandle) ReadAt(buf []byte, pos int64) (int, error) {
	return h.f.ReadAt(buf, pos)
}

func (h *osFileHandle) WriteAt(buf []byte, pos int64) (int, error) {
	return h.f.WriteAt(buf, pos)
}

func (h *osFileHandle) Truncate(size int64) error {
	return h.f.Truncate(size)
}

func (h *osFileHandle) Sync() error {
	return h.f.Sync()
}

func (h *osFileHandle) Close() error {
	return h.f.Close()
}
