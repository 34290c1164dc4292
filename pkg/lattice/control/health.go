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

package control

import (
	"sync"
	"time"

	"github.com/jellydator/ttlcache/v3"

	"github.com/justmebob123/crystalline-sub011/pkg/lattice/hierarchy"
)

// HealthSnapshot is the control process's periodic view of the tree.
type HealthSnapshot struct {
	TotalNodes  int
	ActiveNodes int
	IdleNodes   int
	FailedNodes int
	// Utilization is active over total, 0 for an empty tree.
	Utilization float64
	ObservedAt  time.Time
}

// healthMonitor tracks per-node heartbeats in a TTL cache. A node whose
// heartbeat entry has expired counts as failed in the next snapshot.
type healthMonitor struct {
	heartbeats *ttlcache.Cache[int, time.Time]

	mu       sync.RWMutex
	snapshot HealthSnapshot
}

func newHealthMonitor(ttl time.Duration) *healthMonitor {
	return &healthMonitor{
		heartbeats: ttlcache.New[int, time.Time](
			ttlcache.WithTTL[int, time.Time](ttl),
			ttlcache.WithDisableTouchOnHit[int, time.Time](),
		),
	}
}

// beat records a liveness signal for the node.
func (h *healthMonitor) beat(nodeID int, now time.Time) {
	h.heartbeats.Set(nodeID, now, ttlcache.DefaultTTL)
}

// alive reports whether the node's heartbeat is still fresh.
func (h *healthMonitor) alive(nodeID int) bool {
	return h.heartbeats.Get(nodeID) != nil
}

// refresh rebuilds the snapshot from the arena's current states. Nodes in
// mid-epoch states count as active, parked states as idle; a stale
// heartbeat overrides either to failed.
func (h *healthMonitor) refresh(arena *hierarchy.Arena, now time.Time) HealthSnapshot {
	var snap HealthSnapshot
	snap.ObservedAt = now
	arena.ForEach(func(n *hierarchy.Node) {
		snap.TotalNodes++
		if !h.alive(n.ID()) {
			snap.FailedNodes++
			return
		}
		switch n.State() {
		case hierarchy.StateProcessing, hierarchy.StateAccumulating, hierarchy.StateUpdating:
			snap.ActiveNodes++
		default:
			snap.IdleNodes++
		}
	})
	if snap.TotalNodes > 0 {
		snap.Utilization = float64(snap.ActiveNodes) / float64(snap.TotalNodes)
	}

	h.mu.Lock()
	h.snapshot = snap
	h.mu.Unlock()
	return snap
}

// current returns the latest snapshot without recomputing.
func (h *healthMonitor) current() HealthSnapshot {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.snapshot
}

// forget drops a removed node's heartbeat entry.
func (h *healthMonitor) forget(nodeID int) {
	h.heartbeats.Delete(nodeID)
}
