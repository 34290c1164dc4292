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

	"github.com/justmebob123/crystalline-sub011/pkg/lattice/message"
	"github.com/justmebob123/crystalline-sub011/pkg/lattice/metrics"
)

// ErrUnknownReceiver indicates a send addressed to an id with no live node.
// Callers should use `errors.Is`.
var ErrUnknownReceiver = errors.New("message receiver does not exist")

// Send stamps and delivers `m` to the node `to`. The receiver gets its own
// clone in its inbox; the sender keeps a copy in its outbox for audit. Both
// parties' counters move. A full receiver inbox is reported as an error with
// the drop already counted.
func (n *Node) Send(to int, m *message.Message) error {
	receiver, ok := n.arena.Get(to)
	if !ok {
		return fmt.Errorf("%w: %d", ErrUnknownReceiver, to)
	}
	return n.deliver(receiver, m)
}

// deliver stamps `m` and places a clone in `receiver`'s inbox plus a copy in
// the sender's outbox.
func (n *Node) deliver(receiver *Node, m *message.Message) error {
	m.ID = n.arena.msgSeq.Add(1)
	m.Sender = n.id
	m.Receiver = receiver.id
	m.Timestamp = n.now()

	if err := receiver.Inbox.TryEnqueue(m.Clone()); err != nil {
		metrics.RecordMessageDropped(m.Type.String())
		return fmt.Errorf("deliver %s to node %d: %w", m.Type, receiver.id, err)
	}
	n.sent.Add(1)
	receiver.received.Add(1)
	metrics.RecordMessageSent(m.Type.String())

	// Outbox copies are for auditability only; a full outbox loses the
	// audit record, never the message.
	_ = n.Outbox.TryEnqueue(m.Clone())
	return nil
}

// SendToParent delivers to the node's parent. Fails for the root.
func (n *Node) SendToParent(m *message.Message) error {
	parentID, ok := n.ParentID()
	if !ok {
		return fmt.Errorf("%w: node %d has no parent", ErrUnknownReceiver, n.id)
	}
	return n.Send(parentID, m)
}

// BroadcastToChildren clones and sends to every child, returning how many
// deliveries succeeded. Partial delivery is reported, not fatal.
func (n *Node) BroadcastToChildren(m *message.Message) int {
	return n.broadcast(n.ChildIDs(), m)
}

// BroadcastToSiblings clones and sends to every sibling, returning how many
// deliveries succeeded.
func (n *Node) BroadcastToSiblings(m *message.Message) int {
	return n.broadcast(n.SiblingIDs(), m)
}

func (n *Node) broadcast(ids []int, m *message.Message) int {
	delivered := 0
	for _, id := range ids {
		receiver, ok := n.arena.Get(id)
		if !ok {
			continue
		}
		if err := n.deliver(receiver, m.Clone()); err == nil {
			delivered++
		}
	}
	return delivered
}

// BroadcastAll clones and sends to every live node except the sender,
// implementing the -1 receiver address. Returns deliveries that succeeded.
func (n *Node) BroadcastAll(m *message.Message) int {
	delivered := 0
	n.arena.ForEach(func(receiver *Node) {
		if receiver.id == n.id {
			return
		}
		if err := n.deliver(receiver, m.Clone()); err == nil {
			delivered++
		}
	})
	return delivered
}

// NotifyBoundary records a tracked numeric boundary condition and fans the
// notification out: point-to-point to the parent at high priority, broadcast
// to every sibling. Fire-and-forget; delivery failures are not retried.
func (n *Node) NotifyBoundary(group int, value float64) {
	n.boundaryFlag.Store(true)
	n.boundary.Add(1)
	payload := &message.BoundaryPayload{Group: group, Value: value}
	if parentID, ok := n.ParentID(); ok {
		_ = n.Send(parentID, message.New(message.TypeBoundaryCrossing, message.PriorityHigh, payload))
	}
	n.BroadcastToSiblings(message.New(message.TypeBoundaryCrossing, message.PriorityNormal, payload))
}

// ProcessMessages drains up to 100 inbox messages, dispatching by type. The
// bound keeps one flooded node from monopolizing a processing turn. Returns
// the number handled.
func (n *Node) ProcessMessages() int {
	handled := 0
	for handled < maxMessagesPerDrain {
		m, err := n.Inbox.TryDequeue()
		if err != nil {
			break
		}
		n.dispatch(m)
		m.MarkProcessed()
		handled++
	}
	if handled > 0 {
		n.processed.Add(uint64(handled))
	}
	return handled
}

// dispatch applies one message's effect on local state.
func (n *Node) dispatch(m *message.Message) {
	switch m.Type {
	case message.TypeEpochStart:
		n.SetState(StateProcessing)
	case message.TypeEpochComplete:
		n.SetState(StateWaiting)
	case message.TypeShutdownRequest, message.TypeChildTerminate:
		n.SetState(StateTerminating)
	case message.TypeGradientReady:
		n.gradsReady.Add(1)
	case message.TypeGradientComplete:
		// Completion signal from the parent; the next window may start.
	case message.TypeWeightsBroadcast:
		if n.WeightsRegion != nil {
			n.weightsSeen.Store(n.WeightsRegion.Version())
		}
	case message.TypeBoundaryCrossing:
		n.boundary.Add(1)
	case message.TypeTwinPrimeFound:
		n.twinPrimes.Add(1)
	case message.TypeStatsRequest:
		stats := n.Stats()
		_ = n.Send(m.Sender, message.New(message.TypeStatsReport, message.PriorityLow, &message.StatsPayload{
			MessagesSent:     stats.MessagesSent,
			MessagesReceived: stats.MessagesReceived,
			WorkProcessed:    stats.MessagesProcessed,
		}))
	}
}

// nodeLinks adapts a node's tree position to the gradient reduction
// protocol.
type nodeLinks struct {
	node *Node
}

// PropagateUp announces gradient readiness to the parent. At the root this
// is a successful no-op.
func (l *nodeLinks) PropagateUp(batchCount int) error {
	n := l.node
	parentID, ok := n.ParentID()
	if !ok {
		return nil
	}
	return n.Send(parentID, message.New(message.TypeGradientReady, message.PriorityHigh, &message.GradientPayload{
		Buffer:     n.backprop.Local(),
		BatchCount: batchCount,
	}))
}

// BroadcastDown fans the completion signal to every child.
func (l *nodeLinks) BroadcastDown() int {
	n := l.node
	return n.BroadcastToChildren(message.New(message.TypeGradientComplete, message.PriorityHigh, &message.GradientPayload{
		Buffer: n.backprop.Local(),
	}))
}
