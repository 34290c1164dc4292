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
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func mustBatch(t *testing.T, id int) *Batch {
	t.Helper()
	b, err := New(1, 2, 10)
	require.NoError(t, err, "batch creation should succeed")
	b.BatchID = id
	return b
}

func TestQueue_FIFO(t *testing.T) {
	t.Parallel()
	q := NewQueue(4)
	for i := 1; i <= 3; i++ {
		require.NoError(t, q.TryEnqueue(mustBatch(t, i)), "enqueue %d should succeed", i)
	}
	for i := 1; i <= 3; i++ {
		b, err := q.TryDequeue()
		require.NoError(t, err, "dequeue should succeed")
		assert.Equal(t, i, b.BatchID, "queue must preserve FIFO order")
	}
	_, err := q.TryDequeue()
	assert.ErrorIs(t, err, ErrQueueEmpty, "an empty open queue reports empty")
}

func TestQueue_ZeroCapacityIsUnbounded(t *testing.T) {
	t.Parallel()
	q := NewQueue(0)
	for i := 0; i < 1000; i++ {
		require.NoError(t, q.TryEnqueue(mustBatch(t, i)), "unbounded enqueue must never report full")
	}
	assert.Equal(t, 1000, q.Len(), "all batches are pending")
}

func TestQueue_BoundedEnqueueBlocksUntilSpace(t *testing.T) {
	t.Parallel()
	q := NewQueue(1)
	require.NoError(t, q.TryEnqueue(mustBatch(t, 1)), "fill the queue")

	done := make(chan error, 1)
	go func() { done <- q.Enqueue(mustBatch(t, 2)) }()

	select {
	case err := <-done:
		t.Fatalf("enqueue returned %v before space appeared", err)
	case <-time.After(20 * time.Millisecond):
	}

	b, err := q.Dequeue()
	require.NoError(t, err, "dequeue should succeed")
	assert.Equal(t, 1, b.BatchID, "FIFO head out first")

	select {
	case err := <-done:
		require.NoError(t, err, "the blocked enqueue completes once space appears")
	case <-time.After(2 * time.Second):
		t.Fatal("enqueue stayed blocked after space appeared")
	}
}

func TestQueue_CloseUnblocksAllWaiters(t *testing.T) {
	t.Parallel()
	q := NewQueue(1)
	require.NoError(t, q.TryEnqueue(mustBatch(t, 1)), "fill the queue")

	const waiters = 4
	var wg sync.WaitGroup
	results := make(chan error, waiters)
	for i := 0; i < waiters; i++ {
		wg.Add(1)
		go func(producer bool) {
			defer wg.Done()
			if producer {
				results <- q.Enqueue(mustBatch(t, 9))
				return
			}
			if _, err := q.Dequeue(); err != nil {
				results <- err
				return
			}
			// First dequeuer drained the pending batch; wait again.
			_, err := q.Dequeue()
			results <- err
		}(i%2 == 0)
	}

	time.Sleep(20 * time.Millisecond)
	q.Close()

	done := make(chan struct{})
	go func() { wg.Wait(); close(done) }()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("close did not unblock every waiter")
	}
	close(results)
	for err := range results {
		if err != nil {
			assert.ErrorIs(t, err, ErrQueueClosed, "waiters must observe the closed state, not hang")
		}
	}
}

func TestQueue_DrainsAfterClose(t *testing.T) {
	t.Parallel()
	q := NewQueue(4)
	require.NoError(t, q.TryEnqueue(mustBatch(t, 1)), "enqueue should succeed")
	q.Close()

	b, err := q.Dequeue()
	require.NoError(t, err, "pending batches drain after close")
	assert.Equal(t, 1, b.BatchID, "the pending batch comes out")

	_, err = q.Dequeue()
	assert.ErrorIs(t, err, ErrQueueClosed, "an empty closed queue fails")
	assert.ErrorIs(t, q.Enqueue(mustBatch(t, 2)), ErrQueueClosed, "enqueue after close fails")
}
