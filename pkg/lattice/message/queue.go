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

package message

import (
	"container/list"
	"errors"
	"sync"
	"sync/atomic"
)

// DefaultCapacity bounds a mailbox when no explicit capacity is given.
const DefaultCapacity = 10000

var (
	// ErrQueueFull indicates a non-blocking enqueue found the queue at
	// capacity. Callers should use `errors.Is`.
	ErrQueueFull = errors.New("message queue is full")

	// ErrQueueClosed indicates the queue was closed. Blocked enqueuers fail
	// immediately; blocked dequeuers drain remaining messages first.
	ErrQueueClosed = errors.New("message queue is closed")

	// ErrQueueEmpty indicates a non-blocking dequeue found nothing pending.
	ErrQueueEmpty = errors.New("message queue is empty")
)

// QueueStats is a point-in-time snapshot of queue activity.
type QueueStats struct {
	Enqueued uint64
	Dequeued uint64
	Dropped  uint64
}

// Queue is a bounded mailbox with one FIFO lane per priority. Dequeue scans
// lanes from `PriorityCritical` down to `PriorityLow`, so ordering across
// priorities is by urgency and within a priority is FIFO.
type Queue struct {
	capacity int

	mu       sync.Mutex
	notEmpty *sync.Cond
	notFull  *sync.Cond
	lanes    [numPriorities]list.List
	size     int
	closed   bool

	enqueued atomic.Uint64
	dequeued atomic.Uint64
	dropped  atomic.Uint64
}

// NewQueue creates a queue bounded at `capacity` messages across all lanes.
// A non-positive capacity falls back to `DefaultCapacity`.
func NewQueue(capacity int) *Queue {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	q := &Queue{capacity: capacity}
	q.notEmpty = sync.NewCond(&q.mu)
	q.notFull = sync.NewCond(&q.mu)
	return q
}

// Capacity returns the bound across all priority lanes.
func (q *Queue) Capacity() int { return q.capacity }

// Len returns the number of pending messages.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.size
}

// Closed reports whether `Close` has been called.
func (q *Queue) Closed() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.closed
}

// TryEnqueue adds a message without blocking. A full queue counts the drop
// and returns `ErrQueueFull`.
func (q *Queue) TryEnqueue(m *Message) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return ErrQueueClosed
	}
	if q.size >= q.capacity {
		q.dropped.Add(1)
		return ErrQueueFull
	}
	q.push(m)
	return nil
}

// Enqueue adds a message, blocking while the queue is full. It fails with
// `ErrQueueClosed` if the queue closes before space appears.
func (q *Queue) Enqueue(m *Message) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	for q.size >= q.capacity && !q.closed {
		q.notFull.Wait()
	}
	if q.closed {
		return ErrQueueClosed
	}
	q.push(m)
	return nil
}

// TryDequeue removes the most urgent pending message without blocking.
func (q *Queue) TryDequeue() (*Message, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if m := q.pop(); m != nil {
		return m, nil
	}
	if q.closed {
		return nil, ErrQueueClosed
	}
	return nil, ErrQueueEmpty
}

// Dequeue removes the most urgent pending message, blocking while the queue
// is empty. Once closed, remaining messages still drain; only an empty
// closed queue fails.
func (q *Queue) Dequeue() (*Message, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for q.size == 0 && !q.closed {
		q.notEmpty.Wait()
	}
	if m := q.pop(); m != nil {
		return m, nil
	}
	return nil, ErrQueueClosed
}

// Close transitions the queue to its terminal state and wakes every blocked
// enqueuer and dequeuer. Idempotent.
func (q *Queue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return
	}
	q.closed = true
	q.notEmpty.Broadcast()
	q.notFull.Broadcast()
}

// Stats returns cumulative enqueue/dequeue/drop counts.
func (q *Queue) Stats() QueueStats {
	return QueueStats{
		Enqueued: q.enqueued.Load(),
		Dequeued: q.dequeued.Load(),
		Dropped:  q.dropped.Load(),
	}
}

// push appends to the message's priority lane. Callers hold q.mu.
func (q *Queue) push(m *Message) {
	p := m.Priority
	if p < PriorityLow || p > PriorityCritical {
		p = PriorityNormal
	}
	q.lanes[p].PushBack(m)
	q.size++
	q.enqueued.Add(1)
	q.notEmpty.Signal()
}

// pop removes the head of the highest non-empty lane. Callers hold q.mu.
func (q *Queue) pop() *Message {
	for p := PriorityCritical; p >= PriorityLow; p-- {
		lane := &q.lanes[p]
		if front := lane.Front(); front != nil {
			lane.Remove(front)
			q.size--
			q.dequeued.Add(1)
			q.notFull.Signal()
			return front.Value.(*Message)
		}
	}
	return nil
}
