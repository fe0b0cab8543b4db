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
	"bytes"
	"testing"
	"time"

	"github.com/kraken-bt/torrentengine/core"
	"github.com/stretchr/testify/require"
)

// memFile is an in-memory IFileHandle backing memFS.
type memFile struct {
	buf *bytes.Buffer
	raw []byte
}

func (f *memFile) ReadAt(buf []byte, pos int64) (int, error) {
	if pos >= int64(len(f.raw)) {
		return 0, nil
	}
	n := copy(buf, f.raw[pos:])
	return n, nil
}

func (f *memFile) WriteAt(buf []byte, pos int64) (int, error) {
	end := pos + int64(len(buf))
	if end > int64(len(f.raw)) {
		grown := make([]byte, end)
		copy(grown, f.raw)
		f.raw = grown
	}
	copy(f.raw[pos:end], buf)
	return len(buf), nil
}

func (f *memFile) Truncate(size int64) error { f.raw = f.raw[:size]; return nil }
func (f *memFile) Sync() error               { return nil }
func (f *memFile) Close() error              { return nil }

// memFS is a minimal in-memory IFileSystem for exercising
// TorrentContentStorage without touching disk.
type memFS struct {
	files map[string]*memFile
}

func newMemFS() *memFS { return &memFS{files: make(map[string]*memFile)} }

func (fs *memFS) Open(path string, mode OpenMode) (IFileHandle, error) {
	f, ok := fs.files[path]
	if !ok {
		f = &memFile{}
		fs.files[path] = f
	}
	return f, nil
}

func (fs *memFS) Stat(path string) (FileInfo, error) {
	f, ok := fs.files[path]
	if !ok {
		return FileInfo{}, ErrNotFound
	}
	return FileInfo{Size: int64(len(f.raw)), ModTime: time.Time{}}, nil
}

func (fs *memFS) Mkdir(path string, recursive bool) error { return nil }
func (fs *memFS) Exists(path string) bool                 { _, ok := fs.files[path]; return ok }
func (fs *memFS) Readdir(path string) ([]string, error)   { return nil, nil }
func (fs *memFS) Unlink(path string) error                { delete(fs.files, path); return nil }

func twoFileMeta() *core.TorrentMetadata {
	files := []core.FileEntry{
		{Path: []string{"a.bin"}, Length: 10, Offset: 0},
		{Path: []string{"b.bin"}, Length: 20, Offset: 10},
	}
	return core.NewTorrentMetadataForTest(files, 16)
}

func TestWriteVerifiedBlockSingleFile(t *testing.T) {
	require := require.New(t)
	fs := newMemFS()
	cs := NewTorrentContentStorage(fs, twoFileMeta())

	data := []byte("0123456789")
	require.NoError(cs.WriteVerifiedBlock(0, 0, data))
	require.Equal(data, fs.files["a.bin"].raw)
}

func TestWriteVerifiedBlockSpansTwoFiles(t *testing.T) {
	require := require.New(t)
	fs := newMemFS()
	cs := NewTorrentContentStorage(fs, twoFileMeta())

	// Piece-space offset 5, length 10: spans a.bin[5:10] and b.bin[0:5].
	data := []byte("0123456789")
	require.NoError(cs.WriteVerifiedBlock(0, 5, data))
	require.Equal(append(make([]byte, 5), "01234"...), fs.files["a.bin"].raw)
	require.Equal([]byte("56789"), fs.files["b.bin"].raw)
}

func TestReadVerifiedRangeSpansTwoFiles(t *testing.T) {
	require := require.New(t)
	fs := newMemFS()
	cs := NewTorrentContentStorage(fs, twoFileMeta())

	require.NoError(cs.WriteVerifiedBlock(0, 5, []byte("0123456789")))

	out, err := cs.ReadVerifiedRange(0, 5, 10)
	require.NoError(err)
	require.Equal([]byte("0123456789"), out)
}

func TestWriteVerifiedBlockOutOfRange(t *testing.T) {
	require := require.New(t)
	fs := newMemFS()
	cs := NewTorrentContentStorage(fs, twoFileMeta())

	err := cs.WriteVerifiedBlock(1, 28, []byte("too much data to fit"))
	require.Error(err)
}

func TestCreateZeroLengthFiles(t *testing.T) {
	require := require.New(t)
	fs := newMemFS()
	files := []core.FileEntry{
		{Path: []string{"empty.txt"}, Length: 0, Offset: 0},
		{Path: []string{"a.bin"}, Length: 10, Offset: 0},
	}
	cs := NewTorrentContentStorage(fs, core.NewTorrentMetadataForTest(files, 16))

	require.NoError(cs.CreateZeroLengthFiles())
	require.True(fs.Exists("empty.txt"))
}
