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

package hierarchy

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/go-logr/logr"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/justmebob123/crystalline-sub011/pkg/lattice/metrics"
)

type arenaHarness struct {
	t     *testing.T
	arena *Arena
}

func newArenaHarness(t *testing.T) *arenaHarness {
	t.Helper()
	a, err := NewArena(Config{GradientSize: 4, MailboxCapacity: 64, WorkRingCapacity: 8}, nil, logr.Discard())
	require.NoError(t, err, "arena creation should succeed")
	return &arenaHarness{t: t, arena: a}
}

func (h *arenaHarness) node(level int, groups ...int) *Node {
	h.t.Helper()
	n, err := h.arena.CreateNode(level, groups, 0)
	require.NoError(h.t, err, "node creation should succeed")
	return n
}

func TestCreateNode_ValidatesGroups(t *testing.T) {
	t.Parallel()
	h := newArenaHarness(t)

	_, err := h.arena.CreateNode(0, nil, 0)
	assert.ErrorIs(t, err, ErrInvalidGroup, "an empty group set must be rejected")
	_, err = h.arena.CreateNode(0, []int{12}, 0)
	assert.ErrorIs(t, err, ErrInvalidGroup, "group values must stay in [0, 12)")
	_, err = h.arena.CreateNode(0, []int{3, 3}, 0)
	assert.ErrorIs(t, err, ErrInvalidGroup, "duplicate groups must be rejected")

	n := h.node(0, 5, 7)
	assert.Equal(t, 5, n.PrimaryGroup(), "the first listed group is primary")
	assert.Equal(t, StateReady, n.State(), "a fresh node settles in Ready")
}

func TestAddChild_CapacityInvariant(t *testing.T) {
	t.Parallel()
	h := newArenaHarness(t)
	parent := h.node(0, 0)

	for i := 0; i < MaxChildren; i++ {
		child := h.node(1, i%NumSymmetryGroups)
		require.NoError(t, h.arena.AddChild(parent.ID(), child.ID()), "child %d should link", i)
	}
	require.Equal(t, MaxChildren, parent.NumChildren(), "the parent is at fan-out")

	extra := h.node(1, 3)
	err := h.arena.AddChild(parent.ID(), extra.ID())
	require.ErrorIs(t, err, ErrTooManyChildren, "the 13th child must be refused")
	assert.Equal(t, MaxChildren, parent.NumChildren(), "a refused add must leave the tree unchanged")
	_, hasParent := extra.ParentID()
	assert.False(t, hasParent, "the refused child must stay unlinked")
}

func TestAddChild_RejectsDuplicatesAndReparenting(t *testing.T) {
	t.Parallel()
	h := newArenaHarness(t)
	parent := h.node(0, 0)
	other := h.node(0, 1)
	child := h.node(1, 2)

	require.NoError(t, h.arena.AddChild(parent.ID(), child.ID()), "first link should succeed")
	assert.ErrorIs(t, h.arena.AddChild(parent.ID(), child.ID()), ErrDuplicateChild, "relinking must fail")
	assert.ErrorIs(t, h.arena.AddChild(other.ID(), child.ID()), ErrHasParent, "a child cannot serve two parents")

	require.NoError(t, h.arena.RemoveChild(parent.ID(), child.ID()), "unlink should succeed")
	require.NoError(t, h.arena.AddChild(other.ID(), child.ID()), "an unlinked child may be adopted")
}

func TestAddChild_RefusesCycles(t *testing.T) {
	t.Parallel()
	h := newArenaHarness(t)
	parent := h.node(0, 0)
	child := h.node(1, 1)

	require.NoError(t, h.arena.AddChild(parent.ID(), child.ID()), "forward link should succeed")
	assert.ErrorIs(t, h.arena.AddChild(child.ID(), parent.ID()), ErrLinkCycle, "the reverse link must be refused")
	assert.ErrorIs(t, h.arena.AddChild(parent.ID(), parent.ID()), ErrLinkCycle, "self-parenting must be refused")
}

func TestAddChild_OpposingLinksCannotDeadlock(t *testing.T) {
	t.Parallel()
	h := newArenaHarness(t)
	const rounds = 100
	type pair struct{ a, b *Node }
	pairs := make([]pair, rounds)
	for i := range pairs {
		pairs[i] = pair{h.node(0, 0), h.node(1, 1)}
	}

	errsA := make([]error, rounds)
	errsB := make([]error, rounds)
	done := make(chan struct{})
	go func() {
		defer close(done)
		var wg sync.WaitGroup
		for i := range pairs {
			wg.Add(2)
			go func(i int) {
				defer wg.Done()
				errsA[i] = h.arena.AddChild(pairs[i].a.ID(), pairs[i].b.ID())
			}(i)
			go func(i int) {
				defer wg.Done()
				errsB[i] = h.arena.AddChild(pairs[i].b.ID(), pairs[i].a.ID())
			}(i)
		}
		wg.Wait()
	}()
	select {
	case <-done:
	case <-time.After(10 * time.Second):
		t.Fatal("opposing child links deadlocked")
	}

	for i := range pairs {
		if errsA[i] == nil {
			assert.ErrorIs(t, errsB[i], ErrLinkCycle, "round %d: the losing direction must be refused", i)
		} else {
			assert.NoError(t, errsB[i], "round %d: one direction must succeed", i)
			assert.ErrorIs(t, errsA[i], ErrLinkCycle, "round %d: the losing direction must be refused", i)
		}
	}
}

// Not parallel: reads the process-wide default prometheus registry.
func TestNodeLifecycle_KeepsStateGaugeBalanced(t *testing.T) {
	metrics.Register()
	h := newArenaHarness(t)

	states := []State{StateInitializing, StateReady, StateTerminated}
	before := make(map[string]float64, len(states))
	for _, s := range states {
		before[s.String()] = nodesGaugeValue(t, s.String())
	}

	nodes := make([]*Node, 0, 3)
	for g := 0; g < 3; g++ {
		nodes = append(nodes, h.node(1, g))
	}
	assert.Equal(t, before[StateInitializing.String()], nodesGaugeValue(t, StateInitializing.String()),
		"creation must pass through Initializing without leaving a residue")
	assert.GreaterOrEqual(t, nodesGaugeValue(t, StateInitializing.String()), 0.0,
		"the Initializing bucket can never go negative")
	assert.Equal(t, before[StateReady.String()]+3, nodesGaugeValue(t, StateReady.String()),
		"three fresh nodes sit in Ready")

	for _, n := range nodes {
		require.NoError(t, h.arena.Remove(n.ID()), "removal should succeed")
	}
	for _, s := range states {
		assert.Equal(t, before[s.String()], nodesGaugeValue(t, s.String()),
			"removal must return the %s bucket to its baseline", s)
	}
}

func nodesGaugeValue(t *testing.T, state string) float64 {
	t.Helper()
	families, err := prometheus.DefaultGatherer.Gather()
	require.NoError(t, err, "gather should succeed")
	for _, mf := range families {
		if mf.GetName() != "lattice_nodes" {
			continue
		}
		for _, m := range mf.GetMetric() {
			for _, lp := range m.GetLabel() {
				if lp.GetName() == "state" && lp.GetValue() == state {
					return m.GetGauge().GetValue()
				}
			}
		}
	}
	return 0
}

func TestDiscoverSiblings_AllPairs(t *testing.T) {
	t.Parallel()
	h := newArenaHarness(t)
	for g := 0; g < NumSymmetryGroups; g++ {
		h.node(1, g)
	}

	require.NoError(t, h.arena.DiscoverSiblings(1), "discovery should succeed")
	for _, n := range h.arena.NodesAtLevel(1) {
		assert.Equal(t, MaxSiblings, n.NumSiblings(), "node %d must see every peer", n.ID())
	}
	require.NoError(t, h.arena.DiscoverSiblings(1), "rediscovery must be idempotent")
	for _, n := range h.arena.NodesAtLevel(1) {
		assert.Equal(t, MaxSiblings, n.NumSiblings(), "rediscovery must not duplicate edges")
	}
	require.NoError(t, h.arena.Validate(), "the arena must validate after discovery")
}

func TestGroupLookups(t *testing.T) {
	t.Parallel()
	h := newArenaHarness(t)
	parent := h.node(0, 0)
	a := h.node(1, 1, 2)
	b := h.node(1, 3)
	require.NoError(t, h.arena.AddChild(parent.ID(), a.ID()), "link a")
	require.NoError(t, h.arena.AddChild(parent.ID(), b.ID()), "link b")
	require.NoError(t, h.arena.DiscoverSiblings(1), "discover")

	got, ok := h.arena.ChildForGroup(parent, 3)
	require.True(t, ok, "a child owning group 3 exists")
	assert.Equal(t, b.ID(), got.ID(), "lookup returns the owning child")

	_, ok = h.arena.ChildForGroup(parent, 9)
	assert.False(t, ok, "no child owns group 9")

	got, ok = h.arena.SiblingForGroup(b, 2)
	require.True(t, ok, "a sibling owning group 2 exists")
	assert.Equal(t, a.ID(), got.ID(), "lookup returns the owning sibling")
}

func TestRemove_FreesSubtreeAndUnlinks(t *testing.T) {
	t.Parallel()
	h := newArenaHarness(t)
	root := h.node(0, 0)
	mid := h.node(1, 1)
	leaf := h.node(2, 2)
	peer := h.node(1, 3)
	require.NoError(t, h.arena.AddChild(root.ID(), mid.ID()), "link mid")
	require.NoError(t, h.arena.AddChild(mid.ID(), leaf.ID()), "link leaf")
	require.NoError(t, h.arena.AddChild(root.ID(), peer.ID()), "link peer")
	require.NoError(t, h.arena.DiscoverSiblings(1), "discover")

	require.NoError(t, h.arena.Remove(mid.ID()), "subtree removal should succeed")

	assert.Equal(t, 2, h.arena.NodeCount(), "mid and leaf are gone")
	_, ok := h.arena.Get(leaf.ID())
	assert.False(t, ok, "the leaf went with its parent")
	assert.Equal(t, []int{peer.ID()}, root.ChildIDs(), "the root keeps its surviving child")
	assert.Zero(t, peer.NumSiblings(), "sibling edges to removed nodes are cleaned up")
	assert.Equal(t, StateTerminated, mid.State(), "removed nodes end Terminated")
	require.NoError(t, h.arena.Validate(), "the arena must validate after removal")
}

func TestWaitForState(t *testing.T) {
	t.Parallel()
	h := newArenaHarness(t)
	n := h.node(0, 0)

	go func() {
		time.Sleep(10 * time.Millisecond)
		n.SetState(StateProcessing)
		n.SetState(StateIdle)
	}()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, n.WaitForState(ctx, StateIdle), "the wait must observe the transition")

	short, cancel2 := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel2()
	err := n.WaitForState(short, StateTerminated)
	assert.ErrorIs(t, err, ErrWaitTimeout, "a bounded wait must fail, not hang")
	assert.ErrorIs(t, err, context.DeadlineExceeded, "the cause is carried")
}

func TestStateObserver(t *testing.T) {
	t.Parallel()
	h := newArenaHarness(t)
	var seen []State
	h.arena.SetStateObserver(func(_ *Node, _, to State) { seen = append(seen, to) })

	n := h.node(0, 0)
	n.SetState(StateProcessing)
	n.SetState(StateProcessing) // same-state transitions are suppressed
	n.SetState(StateTerminated)
	assert.Equal(t, []State{StateReady, StateProcessing, StateTerminated}, seen,
		"the observer sees each distinct transition once")
}
