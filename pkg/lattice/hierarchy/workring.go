/*
Copyright 2025 The Crystalline Authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package hierarchy

import (
	"sync/atomic"
)

// DefaultWorkRingCapacity bounds a node's work ring when no explicit
// capacity is configured.
const DefaultWorkRingCapacity = 1000

// WorkItem is one unit of queued work for a node.
type WorkItem struct {
	ID    uint64
	Group int
	Data  any
}

// WorkRingStats is a point-in-time snapshot of ring activity.
type WorkRingStats struct {
	Pushed uint64
	Popped uint64
	Stolen uint64
}

// WorkRing is a bounded lock-free ring with two distinct access patterns:
// `Push`/`Pop` from the single owning thread, and `steal` racing that
// consumer side from other threads. Only the consuming end is contended, so
// the head index advances by compare-and-swap while the tail stays
// single-writer.
type WorkRing struct {
	capacity uint64
	slots    []atomic.Pointer[WorkItem]

	head atomic.Uint64
	tail atomic.Uint64
	size atomic.Int64

	pushed atomic.Uint64
	popped atomic.Uint64
	stolen atomic.Uint64
}

// NewWorkRing creates a ring bounded at `capacity` items. Non-positive
// capacities fall back to `DefaultWorkRingCapacity`.
func NewWorkRing(capacity int) *WorkRing {
	if capacity <= 0 {
		capacity = DefaultWorkRingCapacity
	}
	return &WorkRing{
		capacity: uint64(capacity),
		slots:    make([]atomic.Pointer[WorkItem], capacity),
	}
}

// Capacity returns the ring bound.
func (r *WorkRing) Capacity() int { return int(r.capacity) }

// Len returns the number of queued items.
func (r *WorkRing) Len() int {
	if n := r.size.Load(); n > 0 {
		return int(n)
	}
	return 0
}

// Push enqueues an item from the owning thread. It reports false when the
// ring is full. Push is single-producer; callers must not push one ring from
// two threads.
func (r *WorkRing) Push(item *WorkItem) bool {
	if item == nil {
		return false
	}
	if r.size.Load() >= int64(r.capacity) {
		return false
	}
	t := r.tail.Load()
	if !r.slots[t%r.capacity].CompareAndSwap(nil, item) {
		// The consumer that claimed this slot has not cleared it yet.
		return false
	}
	r.tail.Store(t + 1)
	r.size.Add(1)
	r.pushed.Add(1)
	return true
}

// Pop dequeues the oldest item from the owning thread.
func (r *WorkRing) Pop() (*WorkItem, bool) {
	item, ok := r.take()
	if ok {
		r.popped.Add(1)
	}
	return item, ok
}

// take claims the head slot. Shared by the local pop and cross-thread steal
// paths, which race each other on the head index.
func (r *WorkRing) take() (*WorkItem, bool) {
	for {
		h := r.head.Load()
		if h >= r.tail.Load() {
			return nil, false
		}
		if !r.head.CompareAndSwap(h, h+1) {
			continue
		}
		// The slot is published before tail advances, so it cannot be nil
		// here; clearing it releases the slot back to the producer.
		item := r.slots[h%r.capacity].Swap(nil)
		r.size.Add(-1)
		return item, true
	}
}

// Stats returns cumulative ring counters.
func (r *WorkRing) Stats() WorkRingStats {
	return WorkRingStats{
		Pushed: r.pushed.Load(),
		Popped: r.popped.Load(),
		Stolen: r.stolen.Load(),
	}
}
