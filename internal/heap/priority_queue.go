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

// Package heap provides a minimal min-priority-queue used by the rarest-first
// piece selection policy to repeatedly pop the currently-scarcest candidate.
package heap

import (
	"container/heap"
	"errors"
)

// Item is one entry in a PriorityQueue. Lower Priority values are popped
// first.
type Item struct {
	Value    interface{}
	Priority int
}

// innerHeap implements container/heap.Interface over a slice of *Item.
type innerHeap []*Item

func (h innerHeap) Len() int            { return len(h) }
func (h innerHeap) Less(i, j int) bool  { return h[i].Priority < h[j].Priority }
func (h innerHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i] }
func (h *innerHeap) Push(x interface{}) { *h = append(*h, x.(*Item)) }
func (h *innerHeap) Pop() interface{} {
	old := *h
	n := len(old)
	item := old[n-1]
	*h = old[:n-1]
	return item
}

// PriorityQueue is a min-heap of *Item, ordered by ascending Priority. Not
// safe for concurrent use; callers needing that already hold their own lock
// (piece selection runs under the PieceManager's mutex).
type PriorityQueue struct {
	h innerHeap
}

// NewPriorityQueue creates a PriorityQueue seeded with items.
func NewPriorityQueue(items ...*Item) *PriorityQueue {
	h := make(innerHeap, len(items))
	copy(h, items)
	heap.Init(&h)
	return &PriorityQueue{h: h}
}

// Len returns the number of items in the queue.
func (pq *PriorityQueue) Len() int { return pq.h.Len() }

// Push adds item to the queue.
func (pq *PriorityQueue) Push(item *Item) {
	heap.Push(&pq.h, item)
}

// Pop removes and returns the lowest-Priority item. Returns an error if the
// queue is empty.
func (pq *PriorityQueue) Pop() (*Item, error) {
	if pq.h.Len() == 0 {
		return nil, errors.New("priority queue is empty")
	}
	return heap.Pop(&pq.h).(*Item), nil
}
