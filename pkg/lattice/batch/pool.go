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
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/justmebob123/crystalline-sub011/pkg/lattice/metrics"
)

var (
	// ErrForeignBatch indicates a release of a batch that does not belong to
	// this pool.
	ErrForeignBatch = errors.New("batch does not belong to this pool")

	// ErrPoolExhausted indicates a non-blocking allocate found no free slot.
	ErrPoolExhausted = errors.New("batch pool is exhausted")

	// ErrPoolClosed indicates the pool was closed.
	ErrPoolClosed = errors.New("batch pool is closed")
)

// PoolStats is a point-in-time snapshot of pool activity. A hit is an
// allocation served without waiting; a miss had to wait or fail. The ratio
// validates pool sizing against real demand.
type PoolStats struct {
	Allocations uint64
	Releases    uint64
	Hits        uint64
	Misses      uint64
}

// Pool pre-allocates a fixed set of reusable batches and hands them out
// against an availability bitmap. Released batches return zeroed metadata
// but keep their tensor storage, which is the point of pooling.
type Pool struct {
	mu        sync.Mutex
	available *sync.Cond
	batches   []*Batch
	free      []bool
	freeCount int
	closed    bool

	allocations atomic.Uint64
	releases    atomic.Uint64
	hits        atomic.Uint64
	misses      atomic.Uint64
}

// NewPool pre-builds `size` batches of identical shape.
func NewPool(size, batchSize, seqLen, vocabSize int) (*Pool, error) {
	if size <= 0 {
		return nil, fmt.Errorf("%w: pool size %d", ErrInvalidShape, size)
	}
	p := &Pool{
		batches:   make([]*Batch, size),
		free:      make([]bool, size),
		freeCount: size,
	}
	p.available = sync.NewCond(&p.mu)
	for i := range p.batches {
		b, err := New(batchSize, seqLen, vocabSize)
		if err != nil {
			return nil, err
		}
		b.poolIndex = i
		b.pool = p
		p.batches[i] = b
		p.free[i] = true
	}
	return p, nil
}

// Size returns the fixed number of pooled batches.
func (p *Pool) Size() int { return len(p.batches) }

// Free returns the number of currently available batches.
func (p *Pool) Free() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.freeCount
}

// Allocate hands out a free batch, blocking until one is available or the
// pool closes. The returned batch carries one reference.
func (p *Pool) Allocate() (*Batch, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	waited := false
	for p.freeCount == 0 && !p.closed {
		if !waited {
			p.misses.Add(1)
			metrics.RecordPoolMiss()
			waited = true
		}
		p.available.Wait()
	}
	if p.closed {
		return nil, ErrPoolClosed
	}
	if !waited {
		p.hits.Add(1)
		metrics.RecordPoolHit()
	}
	return p.takeLocked(), nil
}

// TryAllocate hands out a free batch without blocking.
func (p *Pool) TryAllocate() (*Batch, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil, ErrPoolClosed
	}
	if p.freeCount == 0 {
		p.misses.Add(1)
		metrics.RecordPoolMiss()
		return nil, ErrPoolExhausted
	}
	p.hits.Add(1)
	metrics.RecordPoolHit()
	return p.takeLocked(), nil
}

// Release returns a batch to the pool, failing if it belongs elsewhere.
// Equivalent to dropping the final reference with `Batch.Release`.
func (p *Pool) Release(b *Batch) error {
	if b == nil || b.pool != p {
		return ErrForeignBatch
	}
	p.reclaim(b)
	return nil
}

// Close fails all blocked and future allocations. Idempotent.
func (p *Pool) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return
	}
	p.closed = true
	p.available.Broadcast()
}

// Stats returns cumulative allocation counters.
func (p *Pool) Stats() PoolStats {
	return PoolStats{
		Allocations: p.allocations.Load(),
		Releases:    p.releases.Load(),
		Hits:        p.hits.Load(),
		Misses:      p.misses.Load(),
	}
}

// takeLocked pops the first free slot. Callers hold p.mu with freeCount > 0.
func (p *Pool) takeLocked() *Batch {
	for i, free := range p.free {
		if !free {
			continue
		}
		p.free[i] = false
		p.freeCount--
		p.allocations.Add(1)
		b := p.batches[i]
		b.refs.Store(1)
		b.processed.Store(false)
		b.startedNs.Store(0)
		b.elapsedNs.Store(0)
		return b
	}
	// freeCount disagreed with the bitmap.
	panic("batch pool bitmap out of sync")
}

// reclaim marks the batch's slot free again and wakes one waiter.
func (p *Pool) reclaim(b *Batch) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.free[b.poolIndex] {
		return
	}
	b.BatchID, b.EpochID = 0, 0
	p.free[b.poolIndex] = true
	p.freeCount++
	p.releases.Add(1)
	p.available.Signal()
}
