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

// Package message defines the typed, prioritized mailbox substrate used for
// all communication between hierarchy nodes.
//
// Messages are immutable after send except for the processed/acknowledged
// marks. Delivery clones per recipient, so no two mailboxes ever share a
// `Message` value.
package message

import (
	"fmt"
	"sync/atomic"
	"time"

	"github.com/justmebob123/crystalline-sub011/pkg/lattice/gradient"
)

// BroadcastReceiver is the receiver id addressing every reachable node.
const BroadcastReceiver = -1

// Type discriminates message semantics and selects the payload shape.
type Type int

const (
	TypeWorkRequest Type = iota
	TypeWorkOffer
	TypeWorkAccept
	TypeWorkReject

	TypeGradientReady
	TypeGradientAccumulate
	TypeGradientComplete

	TypeWeightsUpdated
	TypeWeightsRequest
	TypeWeightsBroadcast

	TypeBoundaryCrossing
	TypeTwinPrimeFound
	TypeRegionEnter
	TypeRegionExit

	TypeEpochStart
	TypeEpochComplete
	TypeBatchStart
	TypeBatchComplete

	TypeChildSpawn
	TypeChildTerminate
	TypeParentSync
	TypeSiblingDiscover

	TypeErrorReport
	TypeErrorRecovery

	TypeStatsRequest
	TypeStatsReport

	TypeShutdownRequest
	TypeShutdownAck
)

var typeNames = map[Type]string{
	TypeWorkRequest:        "WorkRequest",
	TypeWorkOffer:          "WorkOffer",
	TypeWorkAccept:         "WorkAccept",
	TypeWorkReject:         "WorkReject",
	TypeGradientReady:      "GradientReady",
	TypeGradientAccumulate: "GradientAccumulate",
	TypeGradientComplete:   "GradientComplete",
	TypeWeightsUpdated:     "WeightsUpdated",
	TypeWeightsRequest:     "WeightsRequest",
	TypeWeightsBroadcast:   "WeightsBroadcast",
	TypeBoundaryCrossing:   "BoundaryCrossing",
	TypeTwinPrimeFound:     "TwinPrimeFound",
	TypeRegionEnter:        "RegionEnter",
	TypeRegionExit:         "RegionExit",
	TypeEpochStart:         "EpochStart",
	TypeEpochComplete:      "EpochComplete",
	TypeBatchStart:         "BatchStart",
	TypeBatchComplete:      "BatchComplete",
	TypeChildSpawn:         "ChildSpawn",
	TypeChildTerminate:     "ChildTerminate",
	TypeParentSync:         "ParentSync",
	TypeSiblingDiscover:    "SiblingDiscover",
	TypeErrorReport:        "ErrorReport",
	TypeErrorRecovery:      "ErrorRecovery",
	TypeStatsRequest:       "StatsRequest",
	TypeStatsReport:        "StatsReport",
	TypeShutdownRequest:    "ShutdownRequest",
	TypeShutdownAck:        "ShutdownAck",
}

func (t Type) String() string {
	if s, ok := typeNames[t]; ok {
		return s
	}
	return fmt.Sprintf("Type(%d)", int(t))
}

// Priority orders dequeue preference. Consumers drain `Critical` first.
type Priority int

const (
	PriorityLow Priority = iota
	PriorityNormal
	PriorityHigh
	PriorityCritical

	numPriorities = 4
)

func (p Priority) String() string {
	switch p {
	case PriorityLow:
		return "Low"
	case PriorityNormal:
		return "Normal"
	case PriorityHigh:
		return "High"
	case PriorityCritical:
		return "Critical"
	default:
		return fmt.Sprintf("Priority(%d)", int(p))
	}
}

// EpochPayload accompanies `TypeEpochStart` and `TypeEpochComplete`.
type EpochPayload struct {
	Epoch        int
	TotalBatches int
	LearningRate float64
}

// GradientPayload accompanies the gradient message family. The buffer is a
// reference to the sender's buffer, not a copy; receivers must treat it as
// read-only until the sender signals completion.
type GradientPayload struct {
	Buffer     *gradient.Buffer
	BatchCount int
}

// WeightsPayload accompanies `TypeWeightsBroadcast`. Weights travel through
// the shared weights region, not the mailbox; the payload carries the region
// version so receivers can detect staleness with `Region.Modified`.
type WeightsPayload struct {
	Version uint64
	Count   int
}

// BoundaryPayload accompanies boundary-crossing and region notifications.
type BoundaryPayload struct {
	Group int
	Value float64
}

// ErrorPayload accompanies `TypeErrorReport` and `TypeErrorRecovery`.
type ErrorPayload struct {
	Code string
	Msg  string
}

// StatsPayload accompanies `TypeStatsReport`.
type StatsPayload struct {
	MessagesSent     uint64
	MessagesReceived uint64
	WorkProcessed    uint64
}

// Message is one unit of inter-node communication. Construct with `New`;
// the id is stamped by the sending path.
type Message struct {
	ID        uint64
	Sender    int
	Receiver  int
	Type      Type
	Priority  Priority
	Timestamp time.Time
	Payload   any

	processed    atomic.Bool
	acknowledged atomic.Bool
}

// New builds an unsent message. Sender and id are stamped on send.
func New(t Type, p Priority, payload any) *Message {
	return &Message{
		Receiver: BroadcastReceiver,
		Type:     t,
		Priority: p,
		Payload:  payload,
	}
}

// Clone copies the message for delivery to one recipient. The payload is
// shared; the processed/acknowledged marks start clear.
func (m *Message) Clone() *Message {
	return &Message{
		ID:        m.ID,
		Sender:    m.Sender,
		Receiver:  m.Receiver,
		Type:      m.Type,
		Priority:  m.Priority,
		Timestamp: m.Timestamp,
		Payload:   m.Payload,
	}
}

// MarkProcessed flags the message as handled by its recipient.
func (m *Message) MarkProcessed() { m.processed.Store(true) }

// Processed reports whether the recipient has handled the message.
func (m *Message) Processed() bool { return m.processed.Load() }

// MarkAcknowledged flags the message as acknowledged back to its sender.
func (m *Message) MarkAcknowledged() { m.acknowledged.Store(true) }

// Acknowledged reports whether the sender received an acknowledgment.
func (m *Message) Acknowledged() bool { return m.acknowledged.Load() }

// IsBroadcast reports whether the message addresses every reachable node.
func (m *Message) IsBroadcast() bool { return m.Receiver == BroadcastReceiver }
