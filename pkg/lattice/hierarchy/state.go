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

import "fmt"

// State is a node's position in its lifecycle. Transitions are driven by
// local processing completion or by received control messages.
type State int

const (
	StateInitializing State = iota
	StateReady
	StateProcessing
	StateWaiting
	StateAccumulating
	StateUpdating
	StateIdle
	StateTerminating
	StateTerminated
)

func (s State) String() string {
	switch s {
	case StateInitializing:
		return "Initializing"
	case StateReady:
		return "Ready"
	case StateProcessing:
		return "Processing"
	case StateWaiting:
		return "Waiting"
	case StateAccumulating:
		return "Accumulating"
	case StateUpdating:
		return "Updating"
	case StateIdle:
		return "Idle"
	case StateTerminating:
		return "Terminating"
	case StateTerminated:
		return "Terminated"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// Terminal reports whether the state has no successor.
func (s State) Terminal() bool { return s == StateTerminated }
