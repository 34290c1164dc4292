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

package gradient

import (
	"errors"
	"fmt"
	"math"
	"sync"
	"sync/atomic"

	"github.com/go-logr/logr"

	logutil "github.com/justmebob123/crystalline-sub011/pkg/lattice/util/logging"
)

// maxChildBuffers matches the hierarchy fan-out.
const maxChildBuffers = 12

var (
	// ErrTooManyChildren indicates an attach beyond the fixed fan-out.
	ErrTooManyChildren = errors.New("backprop context already references the maximum child buffers")

	// ErrNoBatches indicates `AverageGradients` with an empty window.
	ErrNoBatches = errors.New("no batches accumulated in the current window")
)

// Links connects a context to its position in the hierarchy without the
// context owning tree edges. `PropagateUp` must be a successful no-op at the
// root; `BroadcastDown` returns the number of children reached.
type Links interface {
	PropagateUp(batchCount int) error
	BroadcastDown() int
}

// noLinks is the default for contexts detached from any tree.
type noLinks struct{}

func (noLinks) PropagateUp(int) error { return nil }
func (noLinks) BroadcastDown() int    { return 0 }

// Context drives one node's slice of the tree reduction: accumulate local
// batches, fold in ready children, average, finalize, then hand the result
// up and the completion signal down.
type Context struct {
	logger logr.Logger
	links  Links

	mu       sync.Mutex
	local    *Buffer
	children []*Buffer

	nanValues atomic.Uint64
	infValues atomic.Uint64
	skipped   atomic.Uint64
}

// NewContext wraps `local`, which the context does not take ownership of.
func NewContext(local *Buffer, links Links, logger logr.Logger) *Context {
	if links == nil {
		links = noLinks{}
	}
	return &Context{
		logger: logger.WithName("backprop").WithValues("owner", local.OwnerID()),
		links:  links,
		local:  local,
	}
}

// Local returns the wrapped buffer.
func (c *Context) Local() *Buffer { return c.local }

// AttachChild registers a child's buffer for tree reduction. The buffer
// remains owned by the child.
func (c *Context) AttachChild(child *Buffer) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.children) >= maxChildBuffers {
		return fmt.Errorf("%w: %d", ErrTooManyChildren, maxChildBuffers)
	}
	c.children = append(c.children, child)
	return nil
}

// DetachChild removes the buffer owned by `ownerID`, if attached.
func (c *Context) DetachChild(ownerID int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i, child := range c.children {
		if child.OwnerID() == ownerID {
			c.children = append(c.children[:i], c.children[i+1:]...)
			return
		}
	}
}

// ChildCount returns the number of attached child buffers.
func (c *Context) ChildCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.children)
}

// AccumulateBatch adds one batch's gradients into the local buffer and
// advances the window's batch counter.
func (c *Context) AccumulateBatch(values []float64) error {
	if err := c.local.AddValues(values); err != nil {
		return err
	}
	c.local.incrementBatches(1)
	c.logger.V(logutil.TRACE).Info("accumulated batch", "batches", c.local.BatchCount())
	return nil
}

// AccumulateFromChildren folds every child buffer currently marked ready
// into the local buffer, returning how many were folded. Children not yet
// ready are skipped, not awaited.
func (c *Context) AccumulateFromChildren() (int, error) {
	c.mu.Lock()
	children := make([]*Buffer, len(c.children))
	copy(children, c.children)
	c.mu.Unlock()

	folded := 0
	for _, child := range children {
		if !child.Ready() {
			continue
		}
		if err := c.local.Add(child); err != nil {
			return folded, err
		}
		c.local.incrementBatches(child.BatchCount())
		folded++
	}
	c.logger.V(logutil.DEBUG).Info("accumulated from children", "ready", folded, "attached", len(children))
	return folded, nil
}

// AverageGradients scales the window's sum by 1/batchCount.
func (c *Context) AverageGradients() error {
	n := c.local.BatchCount()
	if n == 0 {
		return ErrNoBatches
	}
	c.local.Scale(1 / float64(n))
	return nil
}

// Finalize computes statistics and runs the stability check, marking the
// buffer ready on success. Instability is recoverable: the offending values
// are counted, the window is skipped, and `ErrUnstable` is returned for the
// caller to observe.
func (c *Context) Finalize() error {
	err := c.local.finalize()
	if err == nil {
		return nil
	}
	if errors.Is(err, ErrUnstable) {
		nan, inf := countUnstable(c.local)
		c.nanValues.Add(nan)
		c.infValues.Add(inf)
		c.skipped.Add(1)
		c.logger.V(logutil.DEFAULT).Info("gradient window skipped", "nanValues", nan, "infValues", inf)
	}
	return err
}

// PropagateToParent announces local readiness upward. At the root this is a
// successful no-op.
func (c *Context) PropagateToParent() error {
	return c.links.PropagateUp(c.local.BatchCount())
}

// BroadcastToChildren fans the completion signal down, returning the number
// of children reached.
func (c *Context) BroadcastToChildren() int {
	return c.links.BroadcastDown()
}

// SkippedWindows returns how many windows failed the stability check.
func (c *Context) SkippedWindows() uint64 { return c.skipped.Load() }

// UnstableValues returns cumulative NaN and Inf value counts.
func (c *Context) UnstableValues() (nan, inf uint64) {
	return c.nanValues.Load(), c.infValues.Load()
}

func countUnstable(b *Buffer) (nan, inf uint64) {
	for _, v := range b.Values() {
		switch {
		case math.IsNaN(v):
			nan++
		case math.IsInf(v, 0):
			inf++
		}
	}
	return nan, inf
}

// Merge sums every source buffer into `dst`. Sizes must match; the first
// mismatch aborts with the destination partially updated.
func Merge(dst *Buffer, srcs ...*Buffer) error {
	for _, src := range srcs {
		if err := dst.Add(src); err != nil {
			return err
		}
	}
	return nil
}

// Split divides a buffer into `parts` contiguous chunks, the last absorbing
// any remainder. Chunks inherit the source's owner and group.
func Split(src *Buffer, parts int) ([]*Buffer, error) {
	if parts <= 0 || parts > src.Size() {
		return nil, fmt.Errorf("%w: cannot split %d values into %d parts", ErrInvalidSize, src.Size(), parts)
	}
	values := src.Values()
	chunk := len(values) / parts
	out := make([]*Buffer, 0, parts)
	for i := 0; i < parts; i++ {
		lo := i * chunk
		hi := lo + chunk
		if i == parts-1 {
			hi = len(values)
		}
		b, err := NewBuffer(src.OwnerID(), src.Group(), hi-lo)
		if err != nil {
			return nil, err
		}
		if err := b.Set(values[lo:hi]); err != nil {
			return nil, err
		}
		out = append(out, b)
	}
	return out, nil
}
