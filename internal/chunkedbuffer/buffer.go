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

// Package chunkedbuffer implements an append-only byte queue tailored to
// parsing peer wire messages out of a TCP stream that arrives in arbitrary,
// independently-sized chunks: bytes are appended in order as they're read
// off the socket, and the parser peeks/consumes/discards from the front
// without copying the whole backlog on every partial read.
package chunkedbuffer

import "fmt"

// ChunkedBuffer is an append-order byte queue. chunks holds each appended
// slice uncopied; discarded tracks how many bytes of chunks[0] have already
// been consumed, so Discard/Consume don't need to shift the remaining
// chunks down on every call.
type ChunkedBuffer struct {
	chunks    [][]byte
	discarded int // bytes discarded from the front of chunks[0]
	length    int // Σ chunk lengths - total discarded
}

// New creates an empty ChunkedBuffer.
func New() *ChunkedBuffer {
	return &ChunkedBuffer{}
}

// Append adds b to the end of the queue. b is retained, not copied; callers
// must not mutate it afterward.
func (c *ChunkedBuffer) Append(b []byte) {
	if len(b) == 0 {
		return
	}
	c.chunks = append(c.chunks, b)
	c.length += len(b)
}

// Length returns the number of unconsumed bytes in the queue.
func (c *ChunkedBuffer) Length() int {
	return c.length
}

// PeekByte returns the byte at the given offset from the front of the
// queue, without consuming anything.
func (c *ChunkedBuffer) PeekByte(offset int) (byte, error) {
	b, err := c.PeekBytes(offset, 1)
	if err != nil {
		return 0, err
	}
	return b[0], nil
}

// PeekUint32 returns the big-endian uint32 at the given offset, without
// consuming anything. Used to read the 4-byte message length prefix before
// a full frame has necessarily arrived.
func (c *ChunkedBuffer) PeekUint32(offset int) (uint32, error) {
	b, err := c.PeekBytes(offset, 4)
	if err != nil {
		return 0, err
	}
	return uint32(b[0])<<24 | uint32(b[1])<<16 | uint32(b[2])<<8 | uint32(b[3]), nil
}

// PeekBytes returns a copy of the n bytes starting at offset from the front
// of the queue, without consuming anything. Returns an error if fewer than
// offset+n bytes are currently buffered.
func (c *ChunkedBuffer) PeekBytes(offset, n int) ([]byte, error) {
	if offset < 0 || n < 0 || offset+n > c.length {
		return nil, fmt.Errorf("chunkedbuffer: peek out of range: offset=%d n=%d length=%d", offset, n, c.length)
	}
	out := make([]byte, n)
	c.copyInto(out, offset)
	return out, nil
}

// Consume removes and returns the first n bytes of the queue as an owned
// slice. Returns an error if fewer than n bytes are buffered.
func (c *ChunkedBuffer) Consume(n int) ([]byte, error) {
	b, err := c.PeekBytes(0, n)
	if err != nil {
		return nil, err
	}
	if err := c.Discard(n); err != nil {
		return nil, err
	}
	return b, nil
}

// Discard removes the first n bytes of the queue without returning them.
func (c *ChunkedBuffer) Discard(n int) error {
	if n < 0 || n > c.length {
		return fmt.Errorf("chunkedbuffer: discard out of range: n=%d length=%d", n, c.length)
	}
	remaining := n
	for remaining > 0 {
		head := c.chunks[0]
		avail := len(head) - c.discarded
		if remaining < avail {
			c.discarded += remaining
			remaining = 0
			break
		}
		remaining -= avail
		c.chunks = c.chunks[1:]
		c.discarded = 0
	}
	c.length -= n
	if len(c.chunks) == 0 {
		c.chunks = nil
	}
	return nil
}

// CopyBlockInto copies n bytes starting at offset directly into dst (which
// must have length >= n), then discards those n bytes from the queue. This
// is the PIECE fast path: the block payload is written straight into the
// target ActivePiece buffer and the frame is only discarded afterward,
// avoiding an intermediate Consume allocation.
func (c *ChunkedBuffer) CopyBlockInto(dst []byte, offset, n int) error {
	if len(dst) < n {
		return fmt.Errorf("chunkedbuffer: dst too small: len=%d n=%d", len(dst), n)
	}
	if offset < 0 || n < 0 || offset+n > c.length {
		return fmt.Errorf("chunkedbuffer: copy out of range: offset=%d n=%d length=%d", offset, n, c.length)
	}
	c.copyInto(dst[:n], offset)
	return c.Discard(offset + n)
}

// copyInto copies n bytes (len(dst)) starting at the given logical offset
// from the queue into dst, walking chunk boundaries as needed.
func (c *ChunkedBuffer) copyInto(dst []byte, offset int) {
	need := len(dst)
	written := 0
	skip := offset
	chunkOffset := c.discarded
	for _, chunk := range c.chunks {
		avail := len(chunk) - chunkOffset
		if skip >= avail {
			skip -= avail
			chunkOffset = 0
			continue
		}
		start := chunkOffset + skip
		skip = 0
		n := copy(dst[written:need], chunk[start:])
		written += n
		chunkOffset = 0
		if written >= need {
			return
		}
	}
}
