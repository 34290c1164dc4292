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
	"errors"
	"fmt"
	"sync"
)

var (
	// ErrBarrierSize indicates a barrier over zero parties.
	ErrBarrierSize = errors.New("barrier size must be positive")

	// ErrBarrierWait indicates a party gave up before the barrier tripped.
	ErrBarrierWait = errors.New("barrier wait abandoned")
)

// Barrier is a reusable synchronization point for a fixed number of parties.
// The last arrival releases everyone and resets the barrier for the next
// cycle. Waits are context-bounded; an abandoned wait still counts as
// departed so the remaining parties are not stranded by a timeout.
type Barrier struct {
	mu       sync.Mutex
	size     int
	arrived  int
	released chan struct{}
}

// NewBarrier creates a barrier for `size` parties.
func NewBarrier(size int) (*Barrier, error) {
	if size <= 0 {
		return nil, fmt.Errorf("%w: %d", ErrBarrierSize, size)
	}
	return &Barrier{
		size:     size,
		released: make(chan struct{}),
	}, nil
}

// Size returns the party count.
func (b *Barrier) Size() int { return b.size }

// Wait arrives at the barrier and blocks until every party has arrived or
// `ctx` expires. The last arrival trips the barrier and resets it.
func (b *Barrier) Wait(ctx context.Context) error {
	b.mu.Lock()
	b.arrived++
	if b.arrived >= b.size {
		b.arrived = 0
		close(b.released)
		b.released = make(chan struct{})
		b.mu.Unlock()
		return nil
	}
	released := b.released
	b.mu.Unlock()

	select {
	case <-released:
		return nil
	case <-ctx.Done():
		b.mu.Lock()
		// Leave the cycle unless it tripped while we were giving up.
		select {
		case <-released:
			b.mu.Unlock()
			return nil
		default:
		}
		b.arrived--
		b.mu.Unlock()
		return fmt.Errorf("%w: %w", ErrBarrierWait, ctx.Err())
	}
}
