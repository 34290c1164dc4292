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

// Package gradient implements per-node gradient accumulation: a fixed-size
// buffer with stability checking and clipping, and a backprop context that
// reduces child buffers into a parent's buffer mirroring an all-reduce.
package gradient

import (
	"errors"
	"fmt"
	"math"
	"sync"
)

var (
	// ErrSizeMismatch indicates two buffers of different lengths were
	// combined. Buffer sizes are fixed at creation, so this is always a
	// configuration error. Callers should use `errors.Is`.
	ErrSizeMismatch = errors.New("gradient buffer size mismatch")

	// ErrInvalidSize indicates a non-positive buffer length.
	ErrInvalidSize = errors.New("gradient buffer size must be positive")

	// ErrUnstable indicates `Finalize` found NaN or Inf values. The buffer
	// is not marked ready; the update for this window is skipped, not fatal.
	ErrUnstable = errors.New("gradient buffer is numerically unstable")
)

// Stats holds derived statistics over a buffer's values.
type Stats struct {
	L2Norm float64
	Min    float64
	Max    float64
	Mean   float64
}

// Buffer is a fixed-size gradient accumulator owned by one hierarchy node.
// All value operations serialize on the buffer's own mutex; there is no
// global gradient lock.
type Buffer struct {
	mu sync.Mutex

	ownerID int
	group   int

	values     []float64
	batchCount int
	stats      Stats
	ready      bool
}

// NewBuffer creates a zeroed buffer of `size` values owned by the node
// `ownerID` for symmetry group `group`. Size is fixed for the buffer's
// lifetime.
func NewBuffer(ownerID, group, size int) (*Buffer, error) {
	if size <= 0 {
		return nil, fmt.Errorf("%w: %d", ErrInvalidSize, size)
	}
	return &Buffer{
		ownerID: ownerID,
		group:   group,
		values:  make([]float64, size),
	}, nil
}

// OwnerID returns the owning node id.
func (b *Buffer) OwnerID() int { return b.ownerID }

// Group returns the symmetry group this buffer accumulates for.
func (b *Buffer) Group() int { return b.group }

// Size returns the fixed value count.
func (b *Buffer) Size() int { return len(b.values) }

// BatchCount returns the number of batches accumulated since the last Zero.
func (b *Buffer) BatchCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.batchCount
}

// Ready reports whether `Finalize` succeeded for the current window.
func (b *Buffer) Ready() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.ready
}

// Zero clears values, batch count, statistics, and readiness, starting a new
// accumulation window.
func (b *Buffer) Zero() {
	b.mu.Lock()
	defer b.mu.Unlock()
	for i := range b.values {
		b.values[i] = 0
	}
	b.batchCount = 0
	b.stats = Stats{}
	b.ready = false
}

// Set overwrites the buffer's values. Intended for loading externally
// computed gradients into the accumulation pipeline.
func (b *Buffer) Set(values []float64) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(values) != len(b.values) {
		return fmt.Errorf("%w: have %d, got %d", ErrSizeMismatch, len(b.values), len(values))
	}
	copy(b.values, values)
	return nil
}

// Values returns a copy of the current values.
func (b *Buffer) Values() []float64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]float64, len(b.values))
	copy(out, b.values)
	return out
}

// Copy clones the buffer, including accumulated values, batch count, stats,
// and readiness.
func (b *Buffer) Copy() *Buffer {
	b.mu.Lock()
	defer b.mu.Unlock()
	dst := &Buffer{
		ownerID:    b.ownerID,
		group:      b.group,
		values:     make([]float64, len(b.values)),
		batchCount: b.batchCount,
		stats:      b.stats,
		ready:      b.ready,
	}
	copy(dst.values, b.values)
	return dst
}

// Add accumulates `other` elementwise into the buffer. Mismatched sizes are
// a hard error and leave the buffer untouched.
func (b *Buffer) Add(other *Buffer) error {
	if other == nil {
		return fmt.Errorf("%w: nil buffer", ErrSizeMismatch)
	}
	if other == b {
		b.mu.Lock()
		defer b.mu.Unlock()
		for i := range b.values {
			b.values[i] *= 2
		}
		return nil
	}
	if other.ownerID == b.ownerID {
		// Copies and splits share the owner id, so the id order cannot
		// break the tie. Snapshot the other side instead of nesting locks.
		return b.AddValues(other.Values())
	}
	// Owner ids are unique per node; locking in id order keeps concurrent
	// cross-adds deadlock free.
	first, second := b, other
	if second.ownerID < first.ownerID {
		first, second = second, first
	}
	first.mu.Lock()
	defer first.mu.Unlock()
	second.mu.Lock()
	defer second.mu.Unlock()
	if len(b.values) != len(other.values) {
		return fmt.Errorf("%w: have %d, got %d", ErrSizeMismatch, len(b.values), len(other.values))
	}
	for i, v := range other.values {
		b.values[i] += v
	}
	return nil
}

// AddValues accumulates a raw slice elementwise into the buffer.
func (b *Buffer) AddValues(values []float64) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(values) != len(b.values) {
		return fmt.Errorf("%w: have %d, got %d", ErrSizeMismatch, len(b.values), len(values))
	}
	for i, v := range values {
		b.values[i] += v
	}
	return nil
}

// Scale multiplies every value by `factor`.
func (b *Buffer) Scale(factor float64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for i := range b.values {
		b.values[i] *= factor
	}
}

// ComputeStats recomputes and returns L2 norm, min, max, and mean.
func (b *Buffer) ComputeStats() Stats {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.stats = computeStats(b.values)
	return b.stats
}

// LastStats returns the statistics from the most recent ComputeStats or
// Finalize, without recomputing.
func (b *Buffer) LastStats() Stats {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.stats
}

// CheckStability reports whether every value is finite.
func (b *Buffer) CheckStability() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return stable(b.values)
}

// ClipByValue clamps every value into [-limit, limit].
func (b *Buffer) ClipByValue(limit float64) {
	if limit <= 0 {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	for i, v := range b.values {
		if v > limit {
			b.values[i] = limit
		} else if v < -limit {
			b.values[i] = -limit
		}
	}
}

// ClipByNorm rescales the buffer so its L2 norm does not exceed `maxNorm`,
// returning the norm observed before clipping.
func (b *Buffer) ClipByNorm(maxNorm float64) float64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	norm := l2norm(b.values)
	if maxNorm > 0 && norm > maxNorm {
		scale := maxNorm / norm
		for i := range b.values {
			b.values[i] *= scale
		}
	}
	return norm
}

// incrementBatches bumps the window's batch counter.
func (b *Buffer) incrementBatches(n int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.batchCount += n
}

// finalize computes stats and marks the buffer ready when stable.
func (b *Buffer) finalize() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.stats = computeStats(b.values)
	if !stable(b.values) {
		b.ready = false
		return ErrUnstable
	}
	b.ready = true
	return nil
}

func computeStats(values []float64) Stats {
	if len(values) == 0 {
		return Stats{}
	}
	var (
		sum   float64
		sumSq float64
		min   = values[0]
		max   = values[0]
	)
	for _, v := range values {
		sum += v
		sumSq += v * v
		if v < min {
			min = v
		}
		if v > max {
			max = v
		}
	}
	return Stats{
		L2Norm: math.Sqrt(sumSq),
		Min:    min,
		Max:    max,
		Mean:   sum / float64(len(values)),
	}
}

func l2norm(values []float64) float64 {
	var sumSq float64
	for _, v := range values {
		sumSq += v * v
	}
	return math.Sqrt(sumSq)
}

func stable(values []float64) bool {
	for _, v := range values {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return false
		}
	}
	return true
}
