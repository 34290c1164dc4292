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

// Package batch provides the tensor-batch container handed through the data
// pipeline, a blocking bounded queue, and a reusable-object pool.
package batch

import (
	"errors"
	"fmt"
	"math"
	"sync/atomic"
	"time"
)

var (
	// ErrInvalidShape indicates non-positive batch or sequence dimensions.
	ErrInvalidShape = errors.New("batch shape dimensions must be positive")

	// ErrShapeMismatch indicates batches of incompatible shapes were merged.
	ErrShapeMismatch = errors.New("batch shapes do not match")

	// ErrInvalidValues indicates `Validate` found NaN or Inf in a tensor.
	ErrInvalidValues = errors.New("batch contains non-finite values")

	// ErrReleased indicates use of a batch whose last reference was dropped.
	ErrReleased = errors.New("batch has been released")
)

// Batch holds one training batch: input, target, and mask tensors of shape
// `[BatchSize, SeqLen]` stored row-major, plus vocabulary metadata.
// Ownership is shared through `Retain`/`Release`; the final release frees
// the tensors.
type Batch struct {
	BatchSize int
	SeqLen    int
	VocabSize int

	Input  []float64
	Target []float64
	Mask   []float64

	BatchID int
	EpochID int

	refs      atomic.Int32
	processed atomic.Bool
	startedNs atomic.Int64
	elapsedNs atomic.Int64

	// poolIndex links a pooled batch back to its slot; -1 for free-standing
	// batches.
	poolIndex int
	pool      *Pool
}

// New allocates a zeroed batch with a reference count of one.
func New(batchSize, seqLen, vocabSize int) (*Batch, error) {
	if batchSize <= 0 || seqLen <= 0 {
		return nil, fmt.Errorf("%w: batch %d, seq %d", ErrInvalidShape, batchSize, seqLen)
	}
	n := batchSize * seqLen
	b := &Batch{
		BatchSize: batchSize,
		SeqLen:    seqLen,
		VocabSize: vocabSize,
		Input:     make([]float64, n),
		Target:    make([]float64, n),
		Mask:      make([]float64, n),
		poolIndex: -1,
	}
	b.refs.Store(1)
	return b, nil
}

// Refs returns the current reference count.
func (b *Batch) Refs() int { return int(b.refs.Load()) }

// Retain adds a reference.
func (b *Batch) Retain() { b.refs.Add(1) }

// Release drops a reference. The final release frees the tensors (or, for a
// pooled batch, returns it to its pool) and reports true.
func (b *Batch) Release() bool {
	if b.refs.Add(-1) > 0 {
		return false
	}
	if b.pool != nil {
		b.pool.reclaim(b)
		return true
	}
	b.Input, b.Target, b.Mask = nil, nil, nil
	return true
}

// MarkStarted records the start of processing.
func (b *Batch) MarkStarted(now time.Time) {
	b.startedNs.Store(now.UnixNano())
	b.processed.Store(false)
}

// MarkProcessed records completion and the elapsed processing time.
func (b *Batch) MarkProcessed(now time.Time) {
	if start := b.startedNs.Load(); start != 0 {
		b.elapsedNs.Store(now.UnixNano() - start)
	}
	b.processed.Store(true)
}

// Processed reports whether processing completed.
func (b *Batch) Processed() bool { return b.processed.Load() }

// ProcessingTime returns the recorded processing duration, zero if the batch
// has not completed a MarkStarted/MarkProcessed cycle.
func (b *Batch) ProcessingTime() time.Duration {
	return time.Duration(b.elapsedNs.Load())
}

// Validate scans every tensor for NaN or Inf.
func (b *Batch) Validate() error {
	if b.Input == nil {
		return ErrReleased
	}
	for name, tensor := range map[string][]float64{"input": b.Input, "target": b.Target, "mask": b.Mask} {
		for i, v := range tensor {
			if math.IsNaN(v) || math.IsInf(v, 0) {
				return fmt.Errorf("%w: %s[%d]", ErrInvalidValues, name, i)
			}
		}
	}
	return nil
}

// Split divides the batch row-wise into `parts` batches, the last absorbing
// any remainder rows. The source is left untouched.
func (b *Batch) Split(parts int) ([]*Batch, error) {
	if parts <= 0 || parts > b.BatchSize {
		return nil, fmt.Errorf("%w: cannot split %d rows into %d parts", ErrInvalidShape, b.BatchSize, parts)
	}
	if b.Input == nil {
		return nil, ErrReleased
	}
	rows := b.BatchSize / parts
	out := make([]*Batch, 0, parts)
	for i := 0; i < parts; i++ {
		lo := i * rows
		hi := lo + rows
		if i == parts-1 {
			hi = b.BatchSize
		}
		part, err := New(hi-lo, b.SeqLen, b.VocabSize)
		if err != nil {
			return nil, err
		}
		part.BatchID = b.BatchID
		part.EpochID = b.EpochID
		copy(part.Input, b.Input[lo*b.SeqLen:hi*b.SeqLen])
		copy(part.Target, b.Target[lo*b.SeqLen:hi*b.SeqLen])
		copy(part.Mask, b.Mask[lo*b.SeqLen:hi*b.SeqLen])
		out = append(out, part)
	}
	return out, nil
}

// Merge concatenates batches row-wise into a new batch. Sequence length and
// vocabulary must match across all inputs.
func Merge(batches ...*Batch) (*Batch, error) {
	if len(batches) == 0 {
		return nil, fmt.Errorf("%w: nothing to merge", ErrInvalidShape)
	}
	first := batches[0]
	totalRows := 0
	for _, b := range batches {
		if b.Input == nil {
			return nil, ErrReleased
		}
		if b.SeqLen != first.SeqLen || b.VocabSize != first.VocabSize {
			return nil, fmt.Errorf("%w: seq %d/%d, vocab %d/%d",
				ErrShapeMismatch, b.SeqLen, first.SeqLen, b.VocabSize, first.VocabSize)
		}
		totalRows += b.BatchSize
	}
	merged, err := New(totalRows, first.SeqLen, first.VocabSize)
	if err != nil {
		return nil, err
	}
	merged.BatchID = first.BatchID
	merged.EpochID = first.EpochID
	off := 0
	for _, b := range batches {
		n := b.BatchSize * b.SeqLen
		copy(merged.Input[off:], b.Input[:n])
		copy(merged.Target[off:], b.Target[:n])
		copy(merged.Mask[off:], b.Mask[:n])
		off += n
	}
	return merged, nil
}
