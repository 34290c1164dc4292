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

package training

import (
	"fmt"
	"sync"
)

// Event classifies training lifecycle moments observable via callbacks.
// This is the extension point outer layers use to mirror progress without
// being compiled into the core.
type Event int

const (
	EventEpochStart Event = iota
	EventEpochEnd
	EventBatchStart
	EventBatchEnd
	EventGradientSync
	EventWeightUpdate
	EventCheckpoint
)

func (e Event) String() string {
	switch e {
	case EventEpochStart:
		return "EpochStart"
	case EventEpochEnd:
		return "EpochEnd"
	case EventBatchStart:
		return "BatchStart"
	case EventBatchEnd:
		return "BatchEnd"
	case EventGradientSync:
		return "GradientSync"
	case EventWeightUpdate:
		return "WeightUpdate"
	case EventCheckpoint:
		return "Checkpoint"
	default:
		return fmt.Sprintf("Event(%d)", int(e))
	}
}

// EventInfo carries the position and result associated with an event. Not
// every field is meaningful for every event.
type EventInfo struct {
	Epoch int
	// Batch is the 1-based batch index within the epoch.
	Batch int
	Loss  float64
	// CheckpointPath accompanies `EventCheckpoint`.
	CheckpointPath string
}

// Callback observes one event. Callbacks run synchronously on the training
// goroutine; slow callbacks slow training.
type Callback func(e Event, info EventInfo)

type registration struct {
	id    int
	event Event
	fn    Callback
}

// callbackRegistry invokes callbacks in registration order for matching
// event types.
type callbackRegistry struct {
	mu      sync.Mutex
	nextID  int
	entries []registration
}

func (r *callbackRegistry) register(e Event, fn Callback) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.nextID++
	r.entries = append(r.entries, registration{id: r.nextID, event: e, fn: fn})
	return r.nextID
}

func (r *callbackRegistry) unregister(id int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i, entry := range r.entries {
		if entry.id == id {
			r.entries = append(r.entries[:i], r.entries[i+1:]...)
			return
		}
	}
}

// fire snapshots matching callbacks under the lock, then invokes them
// outside it so a callback may register or unregister others.
func (r *callbackRegistry) fire(e Event, info EventInfo) {
	r.mu.Lock()
	matched := make([]Callback, 0, len(r.entries))
	for _, entry := range r.entries {
		if entry.event == e {
			matched = append(matched, entry.fn)
		}
	}
	r.mu.Unlock()
	for _, fn := range matched {
		fn(e, info)
	}
}
