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

package batch

import (
	"container/list"
	"errors"
	"sync"
)

var (
	// ErrQueueClosed indicates the queue reached its terminal state. Blocked
	// enqueuers fail immediately; dequeuers drain remaining batches first.
	ErrQueueClosed = errors.New("batch queue is closed")

	// ErrQueueFull indicates a non-blocking enqueue found no space.
	ErrQueueFull = errors.New("batch queue is full")

	// ErrQueueEmpty indicates a non-blocking dequeue found nothing pending.
	ErrQueueEmpty = errors.New("batch queue is empty")
)

// Queue is a bounded FIFO of owned batches. Capacity 0 means unbounded.
// `Close` is terminal: it wakes every waiter, which observe the closed state
// and return instead of hanging.
type Queue struct {
	capacity int

	mu       sync.Mutex
	notEmpty *sync.Cond
	notFull  *sync.Cond
	items    list.List
	closed   bool
}

// NewQueue creates a queue bounded at `capacity` batches; 0 is unbounded.
func NewQueue(capacity int) *Queue {
	if capacity < 0 {
		capacity = 0
	}
	q := &Queue{capacity: capacity}
	q.notEmpty = sync.NewCond(&q.mu)
	q.notFull = sync.NewCond(&q.mu)
	return q
}

// Capacity returns the bound, 0 meaning unbounded.
func (q *Queue) Capacity() int { return q.capacity }

// Len returns the number of pending batches.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.items.Len()
}

// Closed reports whether `Close` has been called.
func (q *Queue) Closed() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.closed
}

func (q *Queue) full() bool {
	return q.capacity > 0 && q.items.Len() >= q.capacity
}

// Enqueue adds a batch, blocking while the queue is full. The queue takes
// ownership of the caller's reference on success.
func (q *Queue) Enqueue(b *Batch) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	for q.full() && !q.closed {
		q.notFull.Wait()
	}
	if q.closed {
		return ErrQueueClosed
	}
	q.items.PushBack(b)
	q.notEmpty.Signal()
	return nil
}

// TryEnqueue adds a batch without blocking.
func (q *Queue) TryEnqueue(b *Batch) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return ErrQueueClosed
	}
	if q.full() {
		return ErrQueueFull
	}
	q.items.PushBack(b)
	q.notEmpty.Signal()
	return nil
}

// Dequeue removes the oldest batch, blocking while the queue is empty. Once
// closed, remaining batches still drain; an empty closed queue fails.
func (q *Queue) Dequeue() (*Batch, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for q.items.Len() == 0 && !q.closed {
		q.notEmpty.Wait()
	}
	if front := q.items.Front(); front != nil {
		q.items.Remove(front)
		q.notFull.Signal()
		return front.Value.(*Batch), nil
	}
	return nil, ErrQueueClosed
}

// TryDequeue removes the oldest batch without blocking.
func (q *Queue) TryDequeue() (*Batch, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if front := q.items.Front(); front != nil {
		q.items.Remove(front)
		q.notFull.Signal()
		return front.Value.(*Batch), nil
	}
	if q.closed {
		return nil, ErrQueueClosed
	}
	return nil, ErrQueueEmpty
}

// Close transitions the queue to its terminal state, waking every blocked
// enqueuer and dequeuer. Pending batches remain drainable. Idempotent.
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
