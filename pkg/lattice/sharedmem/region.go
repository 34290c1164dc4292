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

// Package sharedmem provides an access-controlled byte region used to share
// weight and lattice data between hierarchy nodes.
//
// A `Region` operates in exactly one of three modes, fixed at creation:
//
//   - `ReadOnly`: readers access the buffer without locking; all writes fail.
//   - `CopyOnWrite`: the first write clones the buffer through a pluggable
//     clone function, so earlier readers keep an unmodified view; the clone
//     and every later write are guarded by an exclusive lock.
//   - `LockedWrite`: every write takes the exclusive lock; this is the only
//     mode supporting `Resize`.
//
// Every successful write-release increments a version counter, letting
// consumers detect staleness with `Modified` instead of holding locks.
package sharedmem

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
)

// AccessMode selects the locking discipline of a `Region`.
type AccessMode int

const (
	// ReadOnly permits concurrent lock-free readers and no writers.
	ReadOnly AccessMode = iota
	// CopyOnWrite clones the buffer on first write, then locks writes.
	CopyOnWrite
	// LockedWrite guards every write with an exclusive lock.
	LockedWrite
)

func (m AccessMode) String() string {
	switch m {
	case ReadOnly:
		return "ReadOnly"
	case CopyOnWrite:
		return "CopyOnWrite"
	case LockedWrite:
		return "LockedWrite"
	default:
		return fmt.Sprintf("AccessMode(%d)", int(m))
	}
}

var (
	// ErrReadOnly indicates a write was attempted on a `ReadOnly` region.
	// Callers should use `errors.Is`.
	ErrReadOnly = errors.New("region is read-only")

	// ErrResizeUnsupported indicates `Resize` was called on a region whose
	// mode is not `LockedWrite`.
	ErrResizeUnsupported = errors.New("resize requires a locked-write region")

	// ErrInvalidSize indicates a non-positive region or resize length.
	ErrInvalidSize = errors.New("region size must be positive")

	// ErrExclusionViolated is returned by `Validate` when the observed
	// reader/writer counts break the single-writer guarantee.
	ErrExclusionViolated = errors.New("reader/writer exclusion violated")
)

// CloneFunc copies a buffer for the copy-on-write split. Implementations
// must return a slice sharing no storage with the argument.
type CloneFunc func([]byte) []byte

func defaultClone(src []byte) []byte {
	dst := make([]byte, len(src))
	copy(dst, src)
	return dst
}

// Stats is a point-in-time snapshot of region activity.
type Stats struct {
	Reads  uint64
	Writes uint64
	Copies uint64
}

// Region is a shared byte buffer with mode-dependent access control. The
// zero value is not usable; construct with `New`.
type Region struct {
	mode  AccessMode
	clone CloneFunc

	// mu guards buf for the two write-capable modes. ReadOnly regions never
	// take it.
	mu     sync.RWMutex
	buf    []byte
	cloned bool

	version atomic.Uint64
	readers atomic.Int64
	writers atomic.Int64

	reads  atomic.Uint64
	writes atomic.Uint64
	copies atomic.Uint64
}

// New creates a region of `size` bytes in the given mode. A nil `clone` falls
// back to a plain copy; it is only consulted by `CopyOnWrite` regions.
func New(mode AccessMode, size int, clone CloneFunc) (*Region, error) {
	if size <= 0 {
		return nil, fmt.Errorf("%w: %d", ErrInvalidSize, size)
	}
	if clone == nil {
		clone = defaultClone
	}
	return &Region{
		mode:  mode,
		clone: clone,
		buf:   make([]byte, size),
	}, nil
}

// NewFromBytes creates a region adopting `data` as its initial contents.
func NewFromBytes(mode AccessMode, data []byte, clone CloneFunc) (*Region, error) {
	r, err := New(mode, len(data), clone)
	if err != nil {
		return nil, err
	}
	copy(r.buf, data)
	return r, nil
}

// Mode reports the region's access mode.
func (r *Region) Mode() AccessMode { return r.mode }

// Size reports the current buffer length.
func (r *Region) Size() int {
	if r.mode == ReadOnly {
		return len(r.buf)
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.buf)
}

// Read acquires read access and returns the buffer. The caller must not
// mutate the returned slice and must pair the call with `ReleaseRead`.
// ReadOnly regions take no lock at all.
func (r *Region) Read() []byte {
	if r.mode == ReadOnly {
		r.readers.Add(1)
		r.reads.Add(1)
		return r.buf
	}
	r.mu.RLock()
	// Counted only once the lock is held, so a blocked reader never appears
	// concurrent with the writer that is blocking it.
	r.readers.Add(1)
	r.reads.Add(1)
	return r.buf
}

// ReleaseRead ends a read section started by `Read`.
func (r *Region) ReleaseRead() {
	r.readers.Add(-1)
	if r.mode != ReadOnly {
		r.mu.RUnlock()
	}
}

// Write acquires exclusive write access and returns the writable buffer,
// cloning first on a `CopyOnWrite` region that has not yet split. The caller
// must pair the call with `ReleaseWrite`.
func (r *Region) Write() ([]byte, error) {
	if r.mode == ReadOnly {
		return nil, fmt.Errorf("%w: mode %s", ErrReadOnly, r.mode)
	}
	r.mu.Lock()
	r.writers.Add(1)
	if r.mode == CopyOnWrite && !r.cloned {
		r.buf = r.clone(r.buf)
		r.cloned = true
		r.copies.Add(1)
	}
	return r.buf, nil
}

// ReleaseWrite ends a write section started by `Write` and bumps the version
// counter so optimistic readers can observe the change.
func (r *Region) ReleaseWrite() {
	r.writes.Add(1)
	r.version.Add(1)
	r.writers.Add(-1)
	r.mu.Unlock()
}

// Resize grows or shrinks a `LockedWrite` region. Grown bytes are zeroed.
func (r *Region) Resize(size int) error {
	if r.mode != LockedWrite {
		return fmt.Errorf("%w: mode %s", ErrResizeUnsupported, r.mode)
	}
	if size <= 0 {
		return fmt.Errorf("%w: %d", ErrInvalidSize, size)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if size <= cap(r.buf) {
		old := len(r.buf)
		r.buf = r.buf[:size]
		for i := old; i < size; i++ {
			r.buf[i] = 0
		}
	} else {
		next := make([]byte, size)
		copy(next, r.buf)
		r.buf = next
	}
	r.version.Add(1)
	return nil
}

// Version returns the current write version.
func (r *Region) Version() uint64 { return r.version.Load() }

// Modified reports whether the region changed since `since`, a version
// previously obtained from `Version`.
func (r *Region) Modified(since uint64) bool { return r.version.Load() != since }

// Validate checks the mutual-exclusion invariant: at most one writer, and
// never a writer concurrent with readers. The counts are sampled atomically
// but independently, so Validate is a diagnostic, not a synchronization
// primitive.
func (r *Region) Validate() error {
	w, rd := r.writers.Load(), r.readers.Load()
	if w > 1 {
		return fmt.Errorf("%w: %d writers", ErrExclusionViolated, w)
	}
	if w > 0 && rd > 0 && r.mode != ReadOnly {
		return fmt.Errorf("%w: %d writers with %d readers", ErrExclusionViolated, w, rd)
	}
	return nil
}

// Stats returns a snapshot of cumulative region activity.
func (r *Region) Stats() Stats {
	return Stats{
		Reads:  r.reads.Load(),
		Writes: r.writes.Load(),
		Copies: r.copies.Load(),
	}
}
