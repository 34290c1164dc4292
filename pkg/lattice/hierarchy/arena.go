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
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/go-logr/logr"
	"go.uber.org/multierr"
	"k8s.io/utils/clock"

	"github.com/justmebob123/crystalline-sub011/pkg/lattice/gradient"
	"github.com/justmebob123/crystalline-sub011/pkg/lattice/message"
	"github.com/justmebob123/crystalline-sub011/pkg/lattice/metrics"
	logutil "github.com/justmebob123/crystalline-sub011/pkg/lattice/util/logging"
)

var (
	// ErrUnknownNode indicates an id with no node in the arena. Sends to an
	// unknown receiver fail with this rather than being silently dropped.
	ErrUnknownNode = errors.New("no node with this id in the arena")

	// ErrInvalidGradientSize indicates a non-positive configured buffer size.
	ErrInvalidGradientSize = errors.New("gradient buffer size must be positive")
)

// Config shapes the nodes an arena creates.
type Config struct {
	// GradientSize is the fixed length of every node's gradient buffer.
	GradientSize int
	// MailboxCapacity bounds each node's inbox and outbox; non-positive
	// falls back to `message.DefaultCapacity`.
	MailboxCapacity int
	// WorkRingCapacity bounds each node's work ring; non-positive falls back
	// to `DefaultWorkRingCapacity`.
	WorkRingCapacity int
}

// StateObserver is notified after every node state transition. Used by the
// control layer to detect the last node reaching `StateTerminated` without
// polling.
type StateObserver func(n *Node, from, to State)

// Arena owns every node in one hierarchy, keyed by integer id. All tree
// edges are looked up here, never followed as pointers.
type Arena struct {
	logger logr.Logger
	clock  clock.PassiveClock
	cfg    Config

	mu     sync.RWMutex
	nodes  map[int]*Node
	nextID int

	observer atomic.Pointer[StateObserver]
	msgSeq   atomic.Uint64
}

// NewArena creates an empty arena. Node ids are assigned sequentially
// starting at 1.
func NewArena(cfg Config, clk clock.PassiveClock, logger logr.Logger) (*Arena, error) {
	if cfg.GradientSize <= 0 {
		return nil, fmt.Errorf("%w: %d", ErrInvalidGradientSize, cfg.GradientSize)
	}
	if clk == nil {
		clk = clock.RealClock{}
	}
	return &Arena{
		logger: logger.WithName("arena"),
		clock:  clk,
		cfg:    cfg,
		nodes:  make(map[int]*Node),
		nextID: 1,
	}, nil
}

// SetStateObserver installs the transition callback. Pass nil to remove.
func (a *Arena) SetStateObserver(obs StateObserver) {
	if obs == nil {
		a.observer.Store(nil)
		return
	}
	a.observer.Store(&obs)
}

func (a *Arena) observeState(n *Node, from, to State) {
	if obs := a.observer.Load(); obs != nil {
		(*obs)(n, from, to)
	}
}

// CreateNode allocates a node at `level` owning `groups`, bound to the
// physical thread `affinity`. The first listed group is primary.
func (a *Arena) CreateNode(level int, groups []int, affinity int) (*Node, error) {
	if err := validGroups(groups); err != nil {
		return nil, err
	}
	owned := make([]int, len(groups))
	copy(owned, groups)

	a.mu.Lock()
	id := a.nextID
	a.nextID++
	n := &Node{
		id:             id,
		level:          level,
		groups:         owned,
		primaryGroup:   owned[0],
		threadAffinity: affinity,
		arena:          a,
		state:          StateInitializing,
		stateChanged:   make(chan struct{}),
		Inbox:          message.NewQueue(a.cfg.MailboxCapacity),
		Outbox:         message.NewQueue(a.cfg.MailboxCapacity),
		work:           NewWorkRing(a.cfg.WorkRingCapacity),
	}
	buf, err := gradient.NewBuffer(id, n.primaryGroup, a.cfg.GradientSize)
	if err != nil {
		a.mu.Unlock()
		return nil, err
	}
	n.backprop = gradient.NewContext(buf, &nodeLinks{node: n}, a.logger)
	n.stealEnabled.Store(true)
	a.nodes[id] = n
	a.mu.Unlock()

	// Creation enters the gauge here; every later transition moves the node
	// between buckets and `Remove` exits it.
	metrics.RecordNodeStateChange("", StateInitializing.String())
	n.SetState(StateReady)
	a.logger.V(logutil.DEBUG).Info("created node",
		"node", id, "level", level, "primaryGroup", n.primaryGroup, "groups", len(owned))
	return n, nil
}

// Get resolves an id to its node.
func (a *Arena) Get(id int) (*Node, bool) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	n, ok := a.nodes[id]
	return n, ok
}

// NodeCount returns the number of live nodes.
func (a *Arena) NodeCount() int {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return len(a.nodes)
}

// ForEach visits every live node. The visit order is unspecified.
func (a *Arena) ForEach(visit func(*Node)) {
	a.mu.RLock()
	snapshot := make([]*Node, 0, len(a.nodes))
	for _, n := range a.nodes {
		snapshot = append(snapshot, n)
	}
	a.mu.RUnlock()
	for _, n := range snapshot {
		visit(n)
	}
}

// NodesAtLevel returns every node at the given depth.
func (a *Arena) NodesAtLevel(level int) []*Node {
	a.mu.RLock()
	defer a.mu.RUnlock()
	var out []*Node
	for _, n := range a.nodes {
		if n.level == level {
			out = append(out, n)
		}
	}
	return out
}

// AddChild links `childID` under `parentID`. Fails without mutating the tree
// when the parent is full, the child is already linked here, or the child
// belongs to another parent.
func (a *Arena) AddChild(parentID, childID int) error {
	if parentID == childID {
		return fmt.Errorf("%w: node %d", ErrLinkCycle, childID)
	}
	parent, ok := a.Get(parentID)
	if !ok {
		return fmt.Errorf("%w: parent %d", ErrUnknownNode, parentID)
	}
	child, ok := a.Get(childID)
	if !ok {
		return fmt.Errorf("%w: child %d", ErrUnknownNode, childID)
	}

	// Lock the pair in id order, matching AddSibling, so opposing links
	// cannot hold the pair in opposite order.
	first, second := parent, child
	if second.id < first.id {
		first, second = second, first
	}
	first.relMu.Lock()
	defer first.relMu.Unlock()
	second.relMu.Lock()
	defer second.relMu.Unlock()

	for _, have := range parent.childIDs {
		if have == childID {
			return fmt.Errorf("%w: child %d", ErrDuplicateChild, childID)
		}
	}
	if len(parent.childIDs) >= MaxChildren {
		return fmt.Errorf("%w: parent %d", ErrTooManyChildren, parentID)
	}
	if child.parentID != 0 && child.parentID != parentID {
		return fmt.Errorf("%w: child %d under %d", ErrHasParent, childID, child.parentID)
	}
	if parent.parentID == childID {
		return fmt.Errorf("%w: %d and %d", ErrLinkCycle, parentID, childID)
	}

	parent.childIDs = append(parent.childIDs, childID)
	child.parentID = parentID
	if err := parent.backprop.AttachChild(child.backprop.Local()); err != nil {
		parent.childIDs = parent.childIDs[:len(parent.childIDs)-1]
		child.parentID = 0
		return err
	}
	return nil
}

// RemoveChild unlinks `childID` from `parentID`.
func (a *Arena) RemoveChild(parentID, childID int) error {
	if parentID == childID {
		return fmt.Errorf("%w: child %d not under %d", ErrUnknownNode, childID, parentID)
	}
	parent, ok := a.Get(parentID)
	if !ok {
		return fmt.Errorf("%w: parent %d", ErrUnknownNode, parentID)
	}
	child, ok := a.Get(childID)
	if !ok {
		return fmt.Errorf("%w: child %d", ErrUnknownNode, childID)
	}

	first, second := parent, child
	if second.id < first.id {
		first, second = second, first
	}
	first.relMu.Lock()
	defer first.relMu.Unlock()
	second.relMu.Lock()
	defer second.relMu.Unlock()

	for i, have := range parent.childIDs {
		if have != childID {
			continue
		}
		parent.childIDs = append(parent.childIDs[:i], parent.childIDs[i+1:]...)
		child.parentID = 0
		parent.backprop.DetachChild(childID)
		return nil
	}
	return fmt.Errorf("%w: child %d not under %d", ErrUnknownNode, childID, parentID)
}

// AddSibling links the pair symmetrically. Fails when either list is full.
func (a *Arena) AddSibling(nodeID, siblingID int) error {
	n, ok := a.Get(nodeID)
	if !ok {
		return fmt.Errorf("%w: node %d", ErrUnknownNode, nodeID)
	}
	s, ok := a.Get(siblingID)
	if !ok {
		return fmt.Errorf("%w: sibling %d", ErrUnknownNode, siblingID)
	}
	if n == s {
		return nil
	}

	first, second := n, s
	if second.id < first.id {
		first, second = second, first
	}
	first.relMu.Lock()
	defer first.relMu.Unlock()
	second.relMu.Lock()
	defer second.relMu.Unlock()

	if containsID(n.siblingIDs, siblingID) {
		return nil
	}
	if len(n.siblingIDs) >= MaxSiblings {
		return fmt.Errorf("%w: node %d", ErrTooManySiblings, nodeID)
	}
	if len(s.siblingIDs) >= MaxSiblings {
		return fmt.Errorf("%w: node %d", ErrTooManySiblings, siblingID)
	}
	n.siblingIDs = append(n.siblingIDs, siblingID)
	s.siblingIDs = append(s.siblingIDs, nodeID)
	return nil
}

// DiscoverSiblings establishes the all-pairs sibling relation among every
// node at `level`. Safe to call more than once.
func (a *Arena) DiscoverSiblings(level int) error {
	peers := a.NodesAtLevel(level)
	for i := 0; i < len(peers); i++ {
		for j := i + 1; j < len(peers); j++ {
			if err := a.AddSibling(peers[i].id, peers[j].id); err != nil {
				return err
			}
		}
	}
	a.logger.V(logutil.DEBUG).Info("discovered siblings", "level", level, "peers", len(peers))
	return nil
}

// ChildForGroup returns the first child of `parent` owning group `g`.
func (a *Arena) ChildForGroup(parent *Node, g int) (*Node, bool) {
	for _, id := range parent.ChildIDs() {
		if child, ok := a.Get(id); ok && child.OwnsGroup(g) {
			return child, true
		}
	}
	return nil, false
}

// SiblingForGroup returns the first sibling of `n` owning group `g`.
func (a *Arena) SiblingForGroup(n *Node, g int) (*Node, bool) {
	for _, id := range n.SiblingIDs() {
		if sib, ok := a.Get(id); ok && sib.OwnsGroup(g) {
			return sib, true
		}
	}
	return nil, false
}

// Remove destroys the node and its entire subtree, unlinking every edge and
// closing every mailbox. Nodes leave in child-before-parent order.
func (a *Arena) Remove(id int) error {
	n, ok := a.Get(id)
	if !ok {
		return fmt.Errorf("%w: node %d", ErrUnknownNode, id)
	}
	for _, childID := range n.ChildIDs() {
		if err := a.Remove(childID); err != nil {
			return err
		}
	}

	// Unlink from parent and every sibling before dropping the node.
	if parentID, has := n.ParentID(); has {
		if err := a.RemoveChild(parentID, id); err != nil && !errors.Is(err, ErrUnknownNode) {
			return err
		}
	}
	for _, sibID := range n.SiblingIDs() {
		if sib, ok := a.Get(sibID); ok {
			sib.relMu.Lock()
			sib.siblingIDs = removeID(sib.siblingIDs, id)
			sib.relMu.Unlock()
		}
	}

	n.Inbox.Close()
	n.Outbox.Close()
	n.SetState(StateTerminated)

	a.mu.Lock()
	delete(a.nodes, id)
	a.mu.Unlock()
	metrics.RecordNodeStateChange(StateTerminated.String(), "")
	a.logger.V(logutil.DEBUG).Info("removed node", "node", id)
	return nil
}

// Validate walks the arena checking the structural invariants: fan-out and
// sibling bounds, edge symmetry, and group assignments.
func (a *Arena) Validate() error {
	var errs error
	a.ForEach(func(n *Node) {
		if err := validGroups(n.groups); err != nil {
			errs = multierr.Append(errs, fmt.Errorf("node %d: %w", n.id, err))
		}
		if n.NumChildren() > MaxChildren {
			errs = multierr.Append(errs, fmt.Errorf("node %d: %w", n.id, ErrTooManyChildren))
		}
		if n.NumSiblings() > MaxSiblings {
			errs = multierr.Append(errs, fmt.Errorf("node %d: %w", n.id, ErrTooManySiblings))
		}
		for _, childID := range n.ChildIDs() {
			child, ok := a.Get(childID)
			if !ok {
				errs = multierr.Append(errs, fmt.Errorf("node %d: child %d: %w", n.id, childID, ErrUnknownNode))
				continue
			}
			if pid, _ := child.ParentID(); pid != n.id {
				errs = multierr.Append(errs, fmt.Errorf("node %d: child %d points to parent %d", n.id, childID, pid))
			}
		}
	})
	return errs
}

func containsID(ids []int, id int) bool {
	for _, have := range ids {
		if have == id {
			return true
		}
	}
	return false
}

func removeID(ids []int, id int) []int {
	for i, have := range ids {
		if have == id {
			return append(ids[:i], ids[i+1:]...)
		}
	}
	return ids
}
