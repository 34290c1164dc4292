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

package control

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewBarrierRejectsZeroParties(t *testing.T) {
	t.Parallel()
	_, err := NewBarrier(0)
	require.ErrorIs(t, err, ErrBarrierSize, "a zero-party barrier is unusable")
	_, err = NewBarrier(-3)
	require.ErrorIs(t, err, ErrBarrierSize, "negative sizes are rejected too")
}

func TestBarrierReleasesAllParties(t *testing.T) {
	t.Parallel()
	const parties = 4
	b, err := NewBarrier(parties)
	require.NoError(t, err, "barrier construction")
	assert.Equal(t, parties, b.Size(), "size is fixed at construction")

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	var wg sync.WaitGroup
	errs := make([]error, parties)
	for i := 0; i < parties; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			errs[i] = b.Wait(ctx)
		}(i)
	}
	wg.Wait()
	for i, err := range errs {
		assert.NoError(t, err, "party %d must be released", i)
	}
}

func TestBarrierIsReusableAcrossCycles(t *testing.T) {
	t.Parallel()
	b, err := NewBarrier(2)
	require.NoError(t, err, "barrier construction")
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	for cycle := 0; cycle < 3; cycle++ {
		done := make(chan error, 1)
		go func() { done <- b.Wait(ctx) }()
		require.NoError(t, b.Wait(ctx), "cycle %d: second arrival trips the barrier", cycle)
		require.NoError(t, <-done, "cycle %d: first arrival is released", cycle)
	}
}

func TestBarrierAbandonedWaitDoesNotStrandTheCycle(t *testing.T) {
	t.Parallel()
	b, err := NewBarrier(2)
	require.NoError(t, err, "barrier construction")

	expired, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	err = b.Wait(expired)
	require.ErrorIs(t, err, ErrBarrierWait, "a timed-out wait reports abandonment")
	require.ErrorIs(t, err, context.DeadlineExceeded, "the context cause is wrapped")

	// The abandoned arrival must not count toward the next cycle.
	ctx, cancelOK := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancelOK()
	done := make(chan error, 1)
	go func() { done <- b.Wait(ctx) }()
	require.NoError(t, b.Wait(ctx), "a full complement still trips the barrier")
	require.NoError(t, <-done, "both fresh parties are released")
}
