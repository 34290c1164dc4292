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

// Package hierarchy implements the kissing-spheres tree: an arena of worker
// nodes with bounded fan-out, per-node mailboxes and work rings, a lifecycle
// state machine, and work stealing across nodes.
//
// Nodes never hold pointers to each other. All parent/child/sibling
// relations are integer ids resolved through the owning `Arena`, so teardown
// cannot leave a dangling edge and the all-pairs sibling relation is safe to
// tear down in any order.
package hierarchy

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/justmebob123/crystalline-sub011/pkg/lattice/gradient"
	"github.com/justmebob123/crystalline-sub011/pkg/lattice/message"
	"github.com/justmebob123/crystalline-sub011/pkg/lattice/metrics"
	"github.com/justmebob123/crystalline-sub011/pkg/lattice/sharedmem"
)

const (
	// MaxChildren is the tree fan-out, the kissing number in three
	// dimensions.
	MaxChildren = 12

	// MaxSiblings bounds the all-pairs sibling relation at one level.
	MaxSiblings = 11

	// NumSymmetryGroups is the fixed number of partition classes.
	NumSymmetryGroups = 12

	// maxMessagesPerDrain bounds one `ProcessMessages` call so a flooded
	// node cannot monopolize its thread's processing turn.
	maxMessagesPerDrain = 100
)

var (
	// ErrTooManyChildren indicates an add beyond the fixed fan-out.
	ErrTooManyChildren = errors.New("node already has the maximum number of children")

	// ErrTooManySiblings indicates an add beyond the sibling bound.
	ErrTooManySiblings = errors.New("node already has the maximum number of siblings")

	// ErrDuplicateChild indicates the child is already linked.
	ErrDuplicateChild = errors.New("child is already linked to this parent")

	// ErrHasParent indicates the child is linked under another parent.
	ErrHasParent = errors.New("child is already linked to another parent")

	// ErrLinkCycle indicates a link that would make two nodes each other's
	// parent.
	ErrLinkCycle = errors.New("link would create a parent cycle")

	// ErrInvalidGroup indicates a symmetry group outside [0, 12) or an
	// empty/oversized group set.
	ErrInvalidGroup = errors.New("invalid symmetry group assignment")

	// ErrWaitTimeout indicates `WaitForState` gave up before observing the
	// target state.
	ErrWaitTimeout = errors.New("timed out waiting for node state")
)

// NodeStats is a point-in-time snapshot of one node's activity counters.
type NodeStats struct {
	MessagesSent      uint64
	MessagesReceived  uint64
	MessagesProcessed uint64
	GradientsReady    uint64
	BoundaryEvents    uint64
	TwinPrimes        uint64
	WorkStolenFrom    uint64
	WorkStolenBy      uint64
}

// Node is one sphere in the hierarchy. Construct through `Arena.CreateNode`;
// the zero value is not usable.
type Node struct {
	id             int
	level          int
	groups         []int
	primaryGroup   int
	threadAffinity int

	arena *Arena

	// relMu guards the edge lists. Edges are ids, resolved via the arena.
	relMu      sync.RWMutex
	parentID   int
	childIDs   []int
	siblingIDs []int

	// stateMu guards state; stateChanged is replaced on every transition so
	// waiters can select on it alongside a context.
	stateMu      sync.Mutex
	state        State
	stateChanged chan struct{}

	Inbox  *message.Queue
	Outbox *message.Queue

	work         *WorkRing
	stealEnabled atomic.Bool

	backprop *gradient.Context

	// Optional shared-memory handles, set by the owning control layer.
	WeightsRegion *sharedmem.Region
	LatticeRegion *sharedmem.Region

	sent       atomic.Uint64
	received   atomic.Uint64
	processed  atomic.Uint64
	gradsReady atomic.Uint64
	boundary   atomic.Uint64
	twinPrimes atomic.Uint64
	stolenFrom atomic.Uint64
	stolenBy   atomic.Uint64

	boundaryFlag atomic.Bool
	weightsSeen  atomic.Uint64
}

// ID returns the node's arena-unique id.
func (n *Node) ID() int { return n.id }

// Level returns the node's depth; the root is level 0.
func (n *Node) Level() int { return n.level }

// Groups returns a copy of the node's symmetry group set.
func (n *Node) Groups() []int {
	out := make([]int, len(n.groups))
	copy(out, n.groups)
	return out
}

// PrimaryGroup returns the node's primary symmetry group.
func (n *Node) PrimaryGroup() int { return n.primaryGroup }

// ThreadAffinity returns the physical thread id the node is driven by.
func (n *Node) ThreadAffinity() int { return n.threadAffinity }

// SetThreadAffinity rebinds the node to a physical thread.
func (n *Node) SetThreadAffinity(thread int) { n.threadAffinity = thread }

// OwnsGroup reports whether `g` is in the node's group set.
func (n *Node) OwnsGroup(g int) bool {
	for _, have := range n.groups {
		if have == g {
			return true
		}
	}
	return false
}

// Backprop returns the node's gradient reduction context.
func (n *Node) Backprop() *gradient.Context { return n.backprop }

// GradientBuffer returns the node's local gradient buffer.
func (n *Node) GradientBuffer() *gradient.Buffer { return n.backprop.Local() }

// Work returns the node's work ring.
func (n *Node) Work() *WorkRing { return n.work }

// EnableStealing opens or closes the node's ring to thieves.
func (n *Node) EnableStealing(enabled bool) { n.stealEnabled.Store(enabled) }

// StealingEnabled reports whether thieves may take from this node.
func (n *Node) StealingEnabled() bool { return n.stealEnabled.Load() }

// State returns the node's current lifecycle state.
func (n *Node) State() State {
	n.stateMu.Lock()
	defer n.stateMu.Unlock()
	return n.state
}

// SetState transitions the node and wakes every `WaitForState` caller.
func (n *Node) SetState(s State) {
	n.stateMu.Lock()
	prev := n.state
	if prev == s {
		n.stateMu.Unlock()
		return
	}
	n.state = s
	close(n.stateChanged)
	n.stateChanged = make(chan struct{})
	n.stateMu.Unlock()

	metrics.RecordNodeStateChange(prev.String(), s.String())
	if n.arena != nil {
		n.arena.observeState(n, prev, s)
	}
}

// WaitForState blocks until the node reaches `target` or `ctx` expires.
// Bound the wait with a context deadline; an expired context returns
// `ErrWaitTimeout` wrapping the context's error.
func (n *Node) WaitForState(ctx context.Context, target State) error {
	for {
		n.stateMu.Lock()
		if n.state == target {
			n.stateMu.Unlock()
			return nil
		}
		changed := n.stateChanged
		n.stateMu.Unlock()
		select {
		case <-changed:
		case <-ctx.Done():
			return fmt.Errorf("%w: %s: %w", ErrWaitTimeout, target, ctx.Err())
		}
	}
}

// ParentID returns the parent's id and whether the node has a parent.
func (n *Node) ParentID() (int, bool) {
	n.relMu.RLock()
	defer n.relMu.RUnlock()
	return n.parentID, n.parentID != 0
}

// ChildIDs returns a copy of the ordered child id list.
func (n *Node) ChildIDs() []int {
	n.relMu.RLock()
	defer n.relMu.RUnlock()
	out := make([]int, len(n.childIDs))
	copy(out, n.childIDs)
	return out
}

// SiblingIDs returns a copy of the sibling id list.
func (n *Node) SiblingIDs() []int {
	n.relMu.RLock()
	defer n.relMu.RUnlock()
	out := make([]int, len(n.siblingIDs))
	copy(out, n.siblingIDs)
	return out
}

// NumChildren returns the current child count.
func (n *Node) NumChildren() int {
	n.relMu.RLock()
	defer n.relMu.RUnlock()
	return len(n.childIDs)
}

// NumSiblings returns the current sibling count.
func (n *Node) NumSiblings() int {
	n.relMu.RLock()
	defer n.relMu.RUnlock()
	return len(n.siblingIDs)
}

// Stats returns a snapshot of the node's activity counters.
func (n *Node) Stats() NodeStats {
	return NodeStats{
		MessagesSent:      n.sent.Load(),
		MessagesReceived:  n.received.Load(),
		MessagesProcessed: n.processed.Load(),
		GradientsReady:    n.gradsReady.Load(),
		BoundaryEvents:    n.boundary.Load(),
		TwinPrimes:        n.twinPrimes.Load(),
		WorkStolenFrom:    n.stolenFrom.Load(),
		WorkStolenBy:      n.stolenBy.Load(),
	}
}

// WeightsVersion returns the shared weights region version this node last
// observed through a weights broadcast, zero before the first.
func (n *Node) WeightsVersion() uint64 { return n.weightsSeen.Load() }

// BoundaryFlag reports whether the node observed a boundary condition since
// the last clear.
func (n *Node) BoundaryFlag() bool { return n.boundaryFlag.Load() }

// ClearBoundaryFlag resets the boundary indicator.
func (n *Node) ClearBoundaryFlag() { n.boundaryFlag.Store(false) }

// AddWork pushes an item onto the node's own ring.
func (n *Node) AddWork(item *WorkItem) bool { return n.work.Push(item) }

// GetWork pops the node's own ring.
func (n *Node) GetWork() (*WorkItem, bool) { return n.work.Pop() }

// Steal takes one item from `victim`'s ring, succeeding only while the
// victim has stealing enabled. Both parties' counters are updated.
func (n *Node) Steal(victim *Node) (*WorkItem, bool) {
	if victim == nil || victim == n || !victim.stealEnabled.Load() {
		return nil, false
	}
	item, ok := victim.work.take()
	if !ok {
		return nil, false
	}
	victim.work.stolen.Add(1)
	victim.stolenFrom.Add(1)
	n.stolenBy.Add(1)
	metrics.RecordWorkStolen()
	return item, true
}

// validGroups checks a symmetry group assignment: non-empty, at most 12,
// every value in [0, 12), no duplicates.
func validGroups(groups []int) error {
	if len(groups) == 0 || len(groups) > NumSymmetryGroups {
		return fmt.Errorf("%w: %d groups", ErrInvalidGroup, len(groups))
	}
	var seen [NumSymmetryGroups]bool
	for _, g := range groups {
		if g < 0 || g >= NumSymmetryGroups {
			return fmt.Errorf("%w: group %d out of range", ErrInvalidGroup, g)
		}
		if seen[g] {
			return fmt.Errorf("%w: group %d duplicated", ErrInvalidGroup, g)
		}
		seen[g] = true
	}
	return nil
}

// now is the arena clock if wired, wall time otherwise.
func (n *Node) now() time.Time {
	if n.arena != nil {
		return n.arena.clock.Now()
	}
	return time.Now()
}
