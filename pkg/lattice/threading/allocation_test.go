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

package threading

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewStrategy_RejectsZeroThreads(t *testing.T) {
	t.Parallel()
	_, err := NewStrategy(0)
	assert.ErrorIs(t, err, ErrNoThreads, "zero threads must be rejected")
}

func TestNewStrategy_FourThreadsRoundRobin(t *testing.T) {
	t.Parallel()
	s, err := NewStrategy(4)
	require.NoError(t, err, "allocation should succeed")

	want := [][]int{{0, 4, 8}, {1, 5, 9}, {2, 6, 10}, {3, 7, 11}}
	for thread, groups := range want {
		assert.Equal(t, groups, s.GroupsForThread(thread), "thread %d owns its round-robin groups", thread)
	}
	require.NoError(t, s.Validate(), "the allocation must validate")
}

func TestNewStrategy_OneToOneWithSpareThreads(t *testing.T) {
	t.Parallel()
	s, err := NewStrategy(16)
	require.NoError(t, err, "allocation should succeed")

	for g := 0; g < NumSymmetryGroups; g++ {
		assert.Equal(t, []int{g}, s.GroupsForThread(g), "thread %d owns exactly group %d", g, g)
		assert.Equal(t, g, s.ThreadForGroup(g), "group %d maps back to thread %d", g, g)
	}
	for t2 := NumSymmetryGroups; t2 < 16; t2++ {
		assert.Empty(t, s.GroupsForThread(t2), "spare thread %d stays unassigned", t2)
	}
	require.NoError(t, s.Validate(), "the allocation must validate")
}

func TestCoverageInvariant_AllThreadCounts(t *testing.T) {
	t.Parallel()
	for n := 1; n <= 24; n++ {
		s, err := NewStrategy(n)
		require.NoError(t, err, "allocation over %d threads should succeed", n)

		var seen [NumSymmetryGroups]int
		for thread := 0; thread < n; thread++ {
			for _, g := range s.GroupsForThread(thread) {
				seen[g]++
				assert.Equal(t, thread, s.ThreadForGroup(g), "ownership lookups must agree for group %d", g)
			}
		}
		for g, count := range seen {
			assert.Equal(t, 1, count, "group %d must be owned exactly once with %d threads", g, n)
		}
	}
}

func TestThreadForGroup_OutOfRange(t *testing.T) {
	t.Parallel()
	s, err := NewStrategy(4)
	require.NoError(t, err, "allocation should succeed")
	assert.Equal(t, -1, s.ThreadForGroup(-1), "negative groups map nowhere")
	assert.Equal(t, -1, s.ThreadForGroup(NumSymmetryGroups), "groups past the range map nowhere")
}

func TestEstimateGroupWorkload(t *testing.T) {
	t.Parallel()
	assert.Zero(t, EstimateGroupWorkload(1), "degenerate ranges carry no work")
	got := EstimateGroupWorkload(1000)
	// 1000/ln(1000)/12
	assert.InDelta(t, 12.06, got, 0.01, "the prime-counting asymptotic is split across groups")
}

func TestLoadBalanceFactor(t *testing.T) {
	t.Parallel()
	assert.Equal(t, 1.0, LoadBalanceFactor(nil), "no work is trivially even")
	assert.Equal(t, 1.0, LoadBalanceFactor([]float64{0, 0}), "all-zero workloads are trivially even")
	assert.Equal(t, 1.0, LoadBalanceFactor([]float64{5, 5, 5}), "even workloads score 1.0")
	assert.InDelta(t, 0.5, LoadBalanceFactor([]float64{2, 4}), 1e-12, "the factor is min over max")

	s, err := NewStrategy(5)
	require.NoError(t, err, "allocation should succeed")
	// 12 groups over 5 threads: ownership splits 3/3/2/2/2.
	assert.InDelta(t, 2.0/3.0, LoadBalanceFactor(s.ThreadWorkloads(1e6)), 1e-12,
		"an uneven split scores below 1.0")
}
