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
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew_RejectsInvalidShape(t *testing.T) {
	t.Parallel()
	_, err := New(0, 4, 100)
	assert.ErrorIs(t, err, ErrInvalidShape, "zero batch size must be rejected")
	_, err = New(4, -1, 100)
	assert.ErrorIs(t, err, ErrInvalidShape, "negative sequence length must be rejected")
}

func TestRetainRelease_LastReleaseFrees(t *testing.T) {
	t.Parallel()
	b, err := New(2, 3, 10)
	require.NoError(t, err, "creation should succeed")
	require.Equal(t, 1, b.Refs(), "a fresh batch carries one reference")

	b.Retain()
	assert.False(t, b.Release(), "dropping a non-final reference must not free")
	assert.NotNil(t, b.Input, "tensors survive while references remain")

	assert.True(t, b.Release(), "dropping the final reference frees")
	assert.Nil(t, b.Input, "tensors are freed with the last reference")
	assert.ErrorIs(t, b.Validate(), ErrReleased, "a freed batch must refuse validation")
}

func TestValidate_FindsNonFiniteValues(t *testing.T) {
	t.Parallel()
	b, err := New(1, 3, 10)
	require.NoError(t, err, "creation should succeed")
	require.NoError(t, b.Validate(), "a zeroed batch is valid")

	b.Target[1] = math.Inf(1)
	assert.ErrorIs(t, b.Validate(), ErrInvalidValues, "Inf must fail validation")

	b.Target[1] = 0
	b.Mask[2] = math.NaN()
	assert.ErrorIs(t, b.Validate(), ErrInvalidValues, "NaN must fail validation")
}

func TestSplitMerge_RoundTrip(t *testing.T) {
	t.Parallel()
	b, err := New(5, 2, 10)
	require.NoError(t, err, "creation should succeed")
	for i := range b.Input {
		b.Input[i] = float64(i)
		b.Target[i] = float64(-i)
		b.Mask[i] = 1
	}

	parts, err := b.Split(2)
	require.NoError(t, err, "split should succeed")
	require.Len(t, parts, 2, "split yields the requested parts")
	assert.Equal(t, 2, parts[0].BatchSize, "even rows")
	assert.Equal(t, 3, parts[1].BatchSize, "last part absorbs the remainder rows")

	merged, err := Merge(parts...)
	require.NoError(t, err, "merge should succeed")
	assert.Equal(t, b.Input, merged.Input, "split+merge must reproduce the input tensor")
	assert.Equal(t, b.Target, merged.Target, "split+merge must reproduce the target tensor")
	assert.Equal(t, b.Mask, merged.Mask, "split+merge must reproduce the mask tensor")
}

func TestMerge_RejectsShapeMismatch(t *testing.T) {
	t.Parallel()
	a, err := New(1, 2, 10)
	require.NoError(t, err, "creation should succeed")
	b, err := New(1, 3, 10)
	require.NoError(t, err, "creation should succeed")
	_, err = Merge(a, b)
	assert.ErrorIs(t, err, ErrShapeMismatch, "differing sequence lengths must be rejected")
}

func TestProcessingTime(t *testing.T) {
	t.Parallel()
	b, err := New(1, 1, 1)
	require.NoError(t, err, "creation should succeed")

	start := time.Unix(100, 0)
	b.MarkStarted(start)
	assert.False(t, b.Processed(), "starting clears the processed flag")
	b.MarkProcessed(start.Add(250 * time.Millisecond))
	assert.True(t, b.Processed(), "completion sets the processed flag")
	assert.Equal(t, 250*time.Millisecond, b.ProcessingTime(), "elapsed time is recorded")
}
