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

// Package threading maps physical execution threads onto the 12 fixed
// symmetry groups. The group count never changes; only the mapping varies
// with available hardware concurrency.
package threading

import (
	"errors"
	"fmt"
	"math"

	"go.uber.org/multierr"
)

// NumSymmetryGroups is the fixed number of partition classes.
const NumSymmetryGroups = 12

var (
	// ErrNoThreads indicates an allocation over zero threads.
	ErrNoThreads = errors.New("thread count must be positive")

	// ErrCoverage indicates the allocation does not cover every group
	// exactly once.
	ErrCoverage = errors.New("symmetry group coverage violated")
)

// Strategy is a validated thread-to-group allocation.
type Strategy struct {
	numThreads  int
	assignments [][]int
}

// NewStrategy allocates `numThreads` physical threads across the 12 groups.
// With 12 or more threads the mapping is one-to-one and extra threads stay
// unassigned; with fewer, groups are dealt round-robin so thread `t` owns
// `t, t+N, t+2N, ...`.
func NewStrategy(numThreads int) (*Strategy, error) {
	if numThreads <= 0 {
		return nil, fmt.Errorf("%w: %d", ErrNoThreads, numThreads)
	}
	s := &Strategy{
		numThreads:  numThreads,
		assignments: make([][]int, numThreads),
	}
	if numThreads >= NumSymmetryGroups {
		for g := 0; g < NumSymmetryGroups; g++ {
			s.assignments[g] = []int{g}
		}
	} else {
		for g := 0; g < NumSymmetryGroups; g++ {
			t := g % numThreads
			s.assignments[t] = append(s.assignments[t], g)
		}
	}
	if err := s.Validate(); err != nil {
		return nil, err
	}
	return s, nil
}

// NumThreads returns the physical thread count the strategy was built for.
func (s *Strategy) NumThreads() int { return s.numThreads }

// GroupsForThread returns a copy of the groups owned by thread `t`. Threads
// beyond the first twelve own nothing.
func (s *Strategy) GroupsForThread(t int) []int {
	if t < 0 || t >= s.numThreads {
		return nil
	}
	out := make([]int, len(s.assignments[t]))
	copy(out, s.assignments[t])
	return out
}

// ThreadForGroup returns the thread owning group `g`, or -1 if `g` is out of
// range.
func (s *Strategy) ThreadForGroup(g int) int {
	if g < 0 || g >= NumSymmetryGroups {
		return -1
	}
	if s.numThreads >= NumSymmetryGroups {
		return g
	}
	return g % s.numThreads
}

// Validate checks that the union of groups across all threads is exactly
// {0..11} with no duplicates and no gaps. Run after every allocation.
func (s *Strategy) Validate() error {
	var (
		errs  error
		owner [NumSymmetryGroups]int
		seen  [NumSymmetryGroups]bool
	)
	for t, groups := range s.assignments {
		for _, g := range groups {
			if g < 0 || g >= NumSymmetryGroups {
				errs = multierr.Append(errs, fmt.Errorf("%w: thread %d owns group %d", ErrCoverage, t, g))
				continue
			}
			if seen[g] {
				errs = multierr.Append(errs, fmt.Errorf("%w: group %d owned by threads %d and %d", ErrCoverage, g, owner[g], t))
				continue
			}
			seen[g] = true
			owner[g] = t
		}
	}
	for g, ok := range seen {
		if !ok {
			errs = multierr.Append(errs, fmt.Errorf("%w: group %d unowned", ErrCoverage, g))
		}
	}
	return errs
}

// EstimateGroupWorkload approximates the expected load per group up to `x`
// using the prime-counting asymptotic x/ln(x), divided evenly across the 12
// groups. An estimate, not an exact count.
func EstimateGroupWorkload(x float64) float64 {
	if x <= 1 {
		return 0
	}
	return x / math.Log(x) / NumSymmetryGroups
}

// ThreadWorkloads returns each thread's estimated load: the per-group
// estimate times the number of groups it owns.
func (s *Strategy) ThreadWorkloads(x float64) []float64 {
	perGroup := EstimateGroupWorkload(x)
	out := make([]float64, s.numThreads)
	for t, groups := range s.assignments {
		out[t] = perGroup * float64(len(groups))
	}
	return out
}

// LoadBalanceFactor summarizes distribution quality as min/max workload over
// the threads that own work; 1.0 means perfectly even, and an allocation
// with no work at all is trivially even.
func LoadBalanceFactor(workloads []float64) float64 {
	min, max := math.Inf(1), 0.0
	for _, w := range workloads {
		if w <= 0 {
			continue
		}
		if w < min {
			min = w
		}
		if w > max {
			max = w
		}
	}
	if max == 0 {
		return 1.0
	}
	return min / max
}
