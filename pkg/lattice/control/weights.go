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
	"encoding/binary"
	"fmt"
	"math"

	"github.com/justmebob123/crystalline-sub011/pkg/lattice/hierarchy"
	"github.com/justmebob123/crystalline-sub011/pkg/lattice/message"
	"github.com/justmebob123/crystalline-sub011/pkg/lattice/sharedmem"
	logutil "github.com/justmebob123/crystalline-sub011/pkg/lattice/util/logging"
)

// entryBytes is the width of one float64 weight and of one lattice table
// entry.
const entryBytes = 8

// WeightsRegion returns the shared region the latest averaged weights are
// published through. Every node in the tree holds the same region.
func (p *Process) WeightsRegion() *sharedmem.Region { return p.weights }

// LatticeRegion returns the shared table mapping each symmetry group to the
// node currently owning it.
func (p *Process) LatticeRegion() *sharedmem.Region { return p.lattice }

// PublishWeights encodes the vector into the shared weights region, bumps
// the region version, and notifies every node with a weights broadcast.
// Returns the number of nodes notified.
func (p *Process) PublishWeights(weights []float64) (int, error) {
	root := p.Root()
	if root == nil {
		return 0, fmt.Errorf("%w: no root sphere", ErrNotRunning)
	}
	if need := entryBytes * len(weights); p.weights.Size() != need {
		if err := p.weights.Resize(need); err != nil {
			return 0, fmt.Errorf("resize weights region: %w", err)
		}
	}
	buf, err := p.weights.Write()
	if err != nil {
		return 0, fmt.Errorf("write weights region: %w", err)
	}
	for i, w := range weights {
		binary.LittleEndian.PutUint64(buf[entryBytes*i:], math.Float64bits(w))
	}
	p.weights.ReleaseWrite()

	version := p.weights.Version()
	notified := root.BroadcastAll(message.New(message.TypeWeightsBroadcast, message.PriorityHigh,
		&message.WeightsPayload{Version: version, Count: len(weights)}))
	p.logger.V(logutil.DEBUG).Info("weights published",
		"version", version, "count", len(weights), "notified", notified)
	return notified, nil
}

// ReadWeights decodes the current contents of the shared weights region.
func (p *Process) ReadWeights() []float64 {
	buf := p.weights.Read()
	defer p.weights.ReleaseRead()
	out := make([]float64, len(buf)/entryBytes)
	for i := range out {
		out[i] = math.Float64frombits(binary.LittleEndian.Uint64(buf[entryBytes*i:]))
	}
	return out
}

// GroupOwner returns the id of the node currently owning symmetry group `g`.
// When a child is spawned for a group it takes the entry over from its
// ancestors.
func (p *Process) GroupOwner(g int) (int, bool) {
	if g < 0 || g >= hierarchy.NumSymmetryGroups {
		return 0, false
	}
	buf := p.lattice.Read()
	defer p.lattice.ReleaseRead()
	id := binary.LittleEndian.Uint64(buf[entryBytes*g:])
	return int(id), id != 0
}

// attachRegions hands the shared regions to a node joining the tree.
func (p *Process) attachRegions(n *hierarchy.Node) {
	n.WeightsRegion = p.weights
	n.LatticeRegion = p.lattice
}

// recordGroupOwners claims every group the node owns in the lattice table.
func (p *Process) recordGroupOwners(n *hierarchy.Node) error {
	buf, err := p.lattice.Write()
	if err != nil {
		return fmt.Errorf("write lattice region: %w", err)
	}
	defer p.lattice.ReleaseWrite()
	for _, g := range n.Groups() {
		binary.LittleEndian.PutUint64(buf[entryBytes*g:], uint64(n.ID()))
	}
	return nil
}

// clearGroupOwners releases every lattice table entry held by one of `ids`.
func (p *Process) clearGroupOwners(ids []int) error {
	held := make(map[uint64]bool, len(ids))
	for _, id := range ids {
		held[uint64(id)] = true
	}
	buf, err := p.lattice.Write()
	if err != nil {
		return fmt.Errorf("write lattice region: %w", err)
	}
	defer p.lattice.ReleaseWrite()
	for g := 0; g < hierarchy.NumSymmetryGroups; g++ {
		if held[binary.LittleEndian.Uint64(buf[entryBytes*g:])] {
			binary.LittleEndian.PutUint64(buf[entryBytes*g:], 0)
		}
	}
	return nil
}
