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
	"context"
	"errors"
	"fmt"
	"sync"
)

// ErrHandleStopped indicates an operation on an already stopped handle.
var ErrHandleStopped = errors.New("training handle already stopped")

// Handle owns one background training run. Outer layers hold the handle
// instead of reaching into package-level state; `Stop`, `State`, and
// `Metrics` are safe from any goroutine.
type Handle struct {
	loop   *Loop
	cancel context.CancelFunc
	done   chan struct{}

	mu      sync.Mutex
	stopped bool
	runErr  error
}

// StartTrainingThread launches `loop.Run` on its own goroutine and returns
// the owning handle. The loop must be idle; ownership of the run transfers
// to the handle.
func StartTrainingThread(ctx context.Context, loop *Loop, numEpochs int) (*Handle, error) {
	if s := loop.State(); s != StateIdle {
		return nil, fmt.Errorf("%w: %s", ErrLoopState, s)
	}
	runCtx, cancel := context.WithCancel(ctx)
	h := &Handle{
		loop:   loop,
		cancel: cancel,
		done:   make(chan struct{}),
	}
	go func() {
		defer close(h.done)
		err := loop.Run(runCtx, numEpochs)
		h.mu.Lock()
		h.runErr = err
		h.mu.Unlock()
	}()
	return h, nil
}

// State reports the underlying loop's lifecycle state.
func (h *Handle) State() State { return h.loop.State() }

// Metrics reports the observable training position.
func (h *Handle) Metrics() MetricsSnapshot { return h.loop.Snapshot() }

// Done closes when the run goroutine exits.
func (h *Handle) Done() <-chan struct{} { return h.done }

// Wait blocks until the run finishes or `ctx` expires, returning the run's
// error.
func (h *Handle) Wait(ctx context.Context) error {
	select {
	case <-h.done:
		return h.Err()
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Err returns the finished run's error, nil while the run is in flight.
func (h *Handle) Err() error {
	select {
	case <-h.done:
	default:
		return nil
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.runErr
}

// Stop cancels the run and waits for the goroutine to exit, bounded by
// `ctx`. Stopping twice returns `ErrHandleStopped`.
func (h *Handle) Stop(ctx context.Context) error {
	h.mu.Lock()
	if h.stopped {
		h.mu.Unlock()
		return ErrHandleStopped
	}
	h.stopped = true
	h.mu.Unlock()

	h.cancel()
	select {
	case <-h.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
