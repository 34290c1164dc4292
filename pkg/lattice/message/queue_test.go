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
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewQueue_DefaultCapacity(t *testing.T) {
	t.Parallel()
	assert.Equal(t, DefaultCapacity, NewQueue(0).Capacity(), "non-positive capacity falls back to the default")
	assert.Equal(t, 5, NewQueue(5).Capacity(), "explicit capacity is respected")
}

func TestTryEnqueue_FullQueueDrops(t *testing.T) {
	t.Parallel()
	q := NewQueue(2)
	require.NoError(t, q.TryEnqueue(New(TypeBatchStart, PriorityNormal, nil)), "first enqueue should succeed")
	require.NoError(t, q.TryEnqueue(New(TypeBatchStart, PriorityNormal, nil)), "second enqueue should succeed")

	err := q.TryEnqueue(New(TypeBatchStart, PriorityNormal, nil))
	require.ErrorIs(t, err, ErrQueueFull, "a full queue must reject without blocking")
	assert.Equal(t, uint64(1), q.Stats().Dropped, "the rejection counts as a drop")
	assert.Equal(t, 2, q.Len(), "the queue length is unchanged")
}

func TestDequeue_PriorityOrder(t *testing.T) {
	t.Parallel()
	q := NewQueue(10)
	require.NoError(t, q.TryEnqueue(New(TypeBatchStart, PriorityLow, nil)), "enqueue low")
	require.NoError(t, q.TryEnqueue(New(TypeShutdownRequest, PriorityCritical, nil)), "enqueue critical")
	require.NoError(t, q.TryEnqueue(New(TypeEpochStart, PriorityHigh, nil)), "enqueue high")
	require.NoError(t, q.TryEnqueue(New(TypeBatchComplete, PriorityNormal, nil)), "enqueue normal")

	var got []Priority
	for i := 0; i < 4; i++ {
		m, err := q.TryDequeue()
		require.NoError(t, err, "dequeue %d should succeed", i)
		got = append(got, m.Priority)
	}
	assert.Equal(t, []Priority{PriorityCritical, PriorityHigh, PriorityNormal, PriorityLow}, got,
		"dequeue must scan lanes from critical down to low")
}

func TestDequeue_FIFOWithinPriority(t *testing.T) {
	t.Parallel()
	q := NewQueue(10)
	for i := uint64(1); i <= 3; i++ {
		m := New(TypeBatchStart, PriorityNormal, nil)
		m.ID = i
		require.NoError(t, q.TryEnqueue(m), "enqueue %d should succeed", i)
	}
	for i := uint64(1); i <= 3; i++ {
		m, err := q.TryDequeue()
		require.NoError(t, err, "dequeue should succeed")
		assert.Equal(t, i, m.ID, "one priority lane preserves FIFO order")
	}
}

func TestClose_UnblocksWaiters(t *testing.T) {
	t.Parallel()
	q := NewQueue(1)
	require.NoError(t, q.TryEnqueue(New(TypeBatchStart, PriorityNormal, nil)), "fill the queue")

	var wg sync.WaitGroup
	errs := make(chan error, 2)
	wg.Add(2)
	go func() {
		defer wg.Done()
		errs <- q.Enqueue(New(TypeBatchStart, PriorityNormal, nil)) // blocks: full
	}()
	go func() {
		defer wg.Done()
		// Drain the single message, then block on empty.
		if _, err := q.Dequeue(); err != nil {
			errs <- err
			return
		}
		_, err := q.Dequeue()
		errs <- err
	}()

	// Give both goroutines a chance to reach their blocking point.
	time.Sleep(20 * time.Millisecond)
	q.Close()

	done := make(chan struct{})
	go func() { wg.Wait(); close(done) }()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("close did not unblock the waiters")
	}
	close(errs)
	for err := range errs {
		// The blocked enqueuer must fail; the dequeuer either drained the
		// enqueued message or observed the close.
		if err != nil {
			assert.ErrorIs(t, err, ErrQueueClosed, "waiters must observe the closed state")
		}
	}
}

func TestDequeue_DrainsAfterClose(t *testing.T) {
	t.Parallel()
	q := NewQueue(4)
	require.NoError(t, q.TryEnqueue(New(TypeBatchStart, PriorityNormal, nil)), "enqueue should succeed")
	q.Close()

	_, err := q.Dequeue()
	require.NoError(t, err, "pending messages still drain after close")
	_, err = q.Dequeue()
	assert.ErrorIs(t, err, ErrQueueClosed, "an empty closed queue fails")
	assert.ErrorIs(t, q.TryEnqueue(New(TypeBatchStart, PriorityNormal, nil)), ErrQueueClosed, "enqueue after close fails")
}

func TestStats_CountTraffic(t *testing.T) {
	t.Parallel()
	q := NewQueue(8)
	for i := 0; i < 3; i++ {
		require.NoError(t, q.TryEnqueue(New(TypeBatchStart, PriorityNormal, nil)), "enqueue should succeed")
	}
	_, err := q.TryDequeue()
	require.NoError(t, err, "dequeue should succeed")

	got := q.Stats()
	assert.Equal(t, QueueStats{Enqueued: 3, Dequeued: 1, Dropped: 0}, got, "stats must reflect traffic")
}

func TestMessageMarks(t *testing.T) {
	t.Parallel()
	m := New(TypeGradientReady, PriorityHigh, &GradientPayload{BatchCount: 2})
	assert.True(t, m.IsBroadcast(), "an unaddressed message defaults to broadcast")
	assert.False(t, m.Processed(), "fresh messages are unprocessed")

	clone := m.Clone()
	m.MarkProcessed()
	m.MarkAcknowledged()
	assert.True(t, m.Processed(), "processed mark sticks")
	assert.True(t, m.Acknowledged(), "acknowledged mark sticks")
	assert.False(t, clone.Processed(), "clones start with clear marks")
	assert.Same(t, m.Payload, clone.Payload, "clones share the payload")
}
