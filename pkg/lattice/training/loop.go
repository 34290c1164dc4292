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

// Package training drives batches through the hierarchy: the epoch loop,
// per-batch stepping with gradient sync and weight updates, the callback
// registry, and the owned run handle consumed by outer layers.
package training

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-logr/logr"
	"k8s.io/utils/clock"

	"github.com/justmebob123/crystalline-sub011/pkg/lattice/batch"
	"github.com/justmebob123/crystalline-sub011/pkg/lattice/control"
	"github.com/justmebob123/crystalline-sub011/pkg/lattice/gradient"
	"github.com/justmebob123/crystalline-sub011/pkg/lattice/metrics"
	"github.com/justmebob123/crystalline-sub011/pkg/lattice/threading"
	logutil "github.com/justmebob123/crystalline-sub011/pkg/lattice/util/logging"
)

// State is the training loop lifecycle.
type State int32

const (
	StateIdle State = iota
	StateInitializing
	StateRunning
	StatePaused
	StateCheckpointing
	StateRestoring
	StateCompleted
	StateError
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "Idle"
	case StateInitializing:
		return "Initializing"
	case StateRunning:
		return "Running"
	case StatePaused:
		return "Paused"
	case StateCheckpointing:
		return "Checkpointing"
	case StateRestoring:
		return "Restoring"
	case StateCompleted:
		return "Completed"
	case StateError:
		return "Error"
	default:
		return fmt.Sprintf("State(%d)", int32(s))
	}
}

var (
	// ErrLoopState indicates an operation invalid in the loop's current
	// state. Callers should use `errors.Is`.
	ErrLoopState = errors.New("invalid training loop state")

	// ErrModelRequired indicates construction without a model.
	ErrModelRequired = errors.New("a model is required")
)

// Model is the hook the loop calls for the actual forward/backward pass.
// The core never formats or interprets weights itself; it only applies
// elementwise updates to whatever `Weights` exposes.
type Model interface {
	// Weights returns the mutable parameter vector. The loop updates it in
	// place between gradient syncs.
	Weights() []float64
	// Forward consumes one batch and returns its loss and the gradient
	// vector, which must match the hierarchy's gradient size.
	Forward(b *batch.Batch) (loss float64, grads []float64, err error)
}

// Config shapes a training loop.
type Config struct {
	// LearningRate scales weight updates.
	LearningRate float64
	// SyncFrequency is how many batches pass between gradient syncs.
	SyncFrequency int
	// CheckpointFrequency is how many epochs pass between checkpoints,
	// 0 to disable.
	CheckpointFrequency int
	// LogFrequency is how many epochs pass between progress log lines.
	LogFrequency int
	// PausePollInterval is the sleep used while honoring a pause.
	PausePollInterval time.Duration
	// BatchesPerEpoch is the per-epoch batch budget.
	BatchesPerEpoch int
	// ProfilingEnabled records batch timings into a bounded ring.
	ProfilingEnabled bool
}

// ValidateOrDefault normalizes the config, filling defaults in place.
func (c *Config) ValidateOrDefault() error {
	if c.BatchesPerEpoch <= 0 {
		return fmt.Errorf("batches per epoch must be positive, got %d", c.BatchesPerEpoch)
	}
	if c.LearningRate <= 0 {
		c.LearningRate = 0.01
	}
	if c.SyncFrequency <= 0 {
		c.SyncFrequency = 10
	}
	if c.LogFrequency <= 0 {
		c.LogFrequency = 1
	}
	if c.PausePollInterval <= 0 {
		c.PausePollInterval = 10 * time.Millisecond
	}
	return nil
}

// profileCapacity bounds the batch-timing ring.
const profileCapacity = 1000

type profileRing struct {
	mu      sync.Mutex
	samples []time.Duration
	next    int
	count   int
}

func (r *profileRing) push(d time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.samples == nil {
		r.samples = make([]time.Duration, profileCapacity)
	}
	r.samples[r.next] = d
	r.next = (r.next + 1) % profileCapacity
	if r.count < profileCapacity {
		r.count++
	}
}

// snapshot returns recorded samples, oldest first.
func (r *profileRing) snapshot() []time.Duration {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]time.Duration, 0, r.count)
	start := r.next - r.count
	for i := 0; i < r.count; i++ {
		out = append(out, r.samples[(start+i+profileCapacity)%profileCapacity])
	}
	return out
}

// MetricsSnapshot is the observable training position, safe to read from a
// non-owning goroutine.
type MetricsSnapshot struct {
	State            State
	Epoch            int
	EpochBatches     int
	TotalBatches     uint64
	CurrentLoss      float64
	AverageLoss      float64
	SkippedWindows   uint64
	BatchesByThread  []uint64
	LoadBalanceReady bool
}

// Loop runs epochs of batches against the hierarchy owned by a control
// process. Construct with `New`; the zero value is not usable.
type Loop struct {
	logger  logr.Logger
	clock   clock.Clock
	cfg     Config
	proc    *control.Process
	model   Model
	batches *batch.Queue
	threads *threading.Strategy

	callbacks callbackRegistry
	profile   profileRing

	state atomic.Int32

	mu              sync.Mutex
	epochBatches    int
	totalBatches    uint64
	lastLoss        float64
	batchesByThread []uint64
	runErr          error
}

// New builds an idle training loop. The thread strategy is optional and
// only feeds the per-thread batch accounting; a nil clock falls back to
// wall time.
func New(cfg Config, proc *control.Process, model Model, batches *batch.Queue,
	threads *threading.Strategy, clk clock.Clock, logger logr.Logger) (*Loop, error) {
	if err := cfg.ValidateOrDefault(); err != nil {
		return nil, err
	}
	if model == nil {
		return nil, ErrModelRequired
	}
	if proc == nil {
		return nil, errors.New("a control process is required")
	}
	if batches == nil {
		return nil, errors.New("a batch queue is required")
	}
	if clk == nil {
		clk = clock.RealClock{}
	}
	l := &Loop{
		logger:  logger.WithName("training"),
		clock:   clk,
		cfg:     cfg,
		proc:    proc,
		model:   model,
		batches: batches,
		threads: threads,
	}
	if threads != nil {
		l.batchesByThread = make([]uint64, threads.NumThreads())
	}
	l.state.Store(int32(StateIdle))
	return l, nil
}

// State returns the loop lifecycle state.
func (l *Loop) State() State { return State(l.state.Load()) }

// RegisterCallback subscribes to an event type, returning an id for
// `UnregisterCallback`.
func (l *Loop) RegisterCallback(e Event, fn Callback) int {
	return l.callbacks.register(e, fn)
}

// UnregisterCallback removes a subscription. Unknown ids are ignored.
func (l *Loop) UnregisterCallback(id int) { l.callbacks.unregister(id) }

// Pause suspends the loop at the next batch boundary.
func (l *Loop) Pause() error {
	if !l.state.CompareAndSwap(int32(StateRunning), int32(StatePaused)) {
		return fmt.Errorf("%w: %s", ErrLoopState, l.State())
	}
	return nil
}

// Resume continues a paused loop.
func (l *Loop) Resume() error {
	if !l.state.CompareAndSwap(int32(StatePaused), int32(StateRunning)) {
		return fmt.Errorf("%w: %s", ErrLoopState, l.State())
	}
	return nil
}

// Snapshot returns the observable training position.
func (l *Loop) Snapshot() MetricsSnapshot {
	l.mu.Lock()
	defer l.mu.Unlock()
	snap := MetricsSnapshot{
		State:        l.State(),
		Epoch:        l.proc.CurrentEpoch(),
		EpochBatches: l.epochBatches,
		TotalBatches: l.totalBatches,
		CurrentLoss:  l.lastLoss,
		AverageLoss:  l.proc.AverageLoss(),
	}
	if root := l.proc.Root(); root != nil {
		snap.SkippedWindows = root.Backprop().SkippedWindows()
	}
	if l.batchesByThread != nil {
		snap.BatchesByThread = append([]uint64(nil), l.batchesByThread...)
		snap.LoadBalanceReady = true
	}
	return snap
}

// ProfileSamples returns recorded batch timings, oldest first.
func (l *Loop) ProfileSamples() []time.Duration { return l.profile.snapshot() }

// Err returns the error that moved the loop into `Error` state, nil
// otherwise.
func (l *Loop) Err() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.runErr
}

func (l *Loop) fail(err error) error {
	l.mu.Lock()
	l.runErr = err
	l.mu.Unlock()
	l.state.Store(int32(StateError))
	return err
}

// awaitResume blocks while the loop is paused, polling on the clock.
func (l *Loop) awaitResume(ctx context.Context) error {
	for l.State() == StatePaused {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
		l.clock.Sleep(l.cfg.PausePollInterval)
	}
	return nil
}

// Run executes `numEpochs` epochs, starting the control process if it has
// not been started. It consumes batches from the queue; a closed and
// drained queue ends the run early but successfully.
func (l *Loop) Run(ctx context.Context, numEpochs int) error {
	if !l.state.CompareAndSwap(int32(StateIdle), int32(StateInitializing)) {
		return fmt.Errorf("%w: %s", ErrLoopState, l.State())
	}
	if l.proc.State() == control.StateInitializing {
		if err := l.proc.Start(ctx); err != nil {
			return l.fail(fmt.Errorf("start control process: %w", err))
		}
	}
	l.state.Store(int32(StateRunning))

	for e := 0; e < numEpochs; e++ {
		if err := l.awaitResume(ctx); err != nil {
			return l.fail(err)
		}
		if err := ctx.Err(); err != nil {
			return l.fail(err)
		}

		if err := l.proc.StartEpoch(l.cfg.BatchesPerEpoch); err != nil {
			return l.fail(fmt.Errorf("start epoch: %w", err))
		}
		epoch := l.proc.CurrentEpoch()
		l.mu.Lock()
		l.epochBatches = 0
		l.mu.Unlock()
		l.callbacks.fire(EventEpochStart, EventInfo{Epoch: epoch})

		drained, err := l.runEpoch(ctx, epoch)
		if err != nil {
			_, _ = l.proc.EndEpoch()
			return l.fail(err)
		}

		avg, err := l.proc.EndEpoch()
		if err != nil {
			return l.fail(fmt.Errorf("end epoch: %w", err))
		}
		l.callbacks.fire(EventEpochEnd, EventInfo{Epoch: epoch, Loss: avg})

		if l.cfg.CheckpointFrequency > 0 && epoch%l.cfg.CheckpointFrequency == 0 {
			l.state.Store(int32(StateCheckpointing))
			path, err := l.proc.Checkpoint()
			if err != nil {
				return l.fail(fmt.Errorf("checkpoint: %w", err))
			}
			l.callbacks.fire(EventCheckpoint, EventInfo{Epoch: epoch, CheckpointPath: path})
			l.state.Store(int32(StateRunning))
		}
		if epoch%l.cfg.LogFrequency == 0 {
			l.logger.V(logutil.DEFAULT).Info("epoch complete", "epoch", epoch, "avgLoss", avg)
		}
		if drained {
			l.logger.V(logutil.DEFAULT).Info("batch queue drained, ending run early", "epoch", epoch)
			break
		}
	}

	l.state.Store(int32(StateCompleted))
	return nil
}

// runEpoch steps through one epoch's batch budget. It reports whether the
// queue was exhausted.
func (l *Loop) runEpoch(ctx context.Context, epoch int) (drained bool, err error) {
	for i := 0; i < l.cfg.BatchesPerEpoch; i++ {
		if err := l.awaitResume(ctx); err != nil {
			return false, err
		}
		if err := ctx.Err(); err != nil {
			return false, err
		}
		b, err := l.batches.Dequeue()
		if err != nil {
			if errors.Is(err, batch.ErrQueueClosed) {
				return true, nil
			}
			return false, fmt.Errorf("dequeue batch: %w", err)
		}
		stepErr := l.Step(b)
		b.Release()
		if stepErr != nil {
			return false, stepErr
		}
	}
	return false, nil
}

// Restore moves the loop through `Restoring` while repositioning the
// control process from a checkpoint file.
func (l *Loop) Restore(path string) error {
	prev := l.state.Swap(int32(StateRestoring))
	_, err := l.proc.Restore(path)
	l.state.Store(prev)
	if err != nil {
		return fmt.Errorf("restore checkpoint: %w", err)
	}
	return nil
}

// Step performs one batch's bookkeeping: callbacks, forward pass, gradient
// accumulation, the periodic sync and weight update, and timing.
func (l *Loop) Step(b *batch.Batch) error {
	if s := l.State(); s != StateRunning {
		return fmt.Errorf("%w: %s", ErrLoopState, s)
	}

	l.mu.Lock()
	epochBatch := l.epochBatches + 1
	l.mu.Unlock()
	epoch := l.proc.CurrentEpoch()
	l.callbacks.fire(EventBatchStart, EventInfo{Epoch: epoch, Batch: epochBatch})

	start := l.clock.Now()
	b.MarkStarted(start)

	loss, grads, err := l.model.Forward(b)
	if err != nil {
		return fmt.Errorf("forward pass: %w", err)
	}
	root := l.proc.Root()
	bp := root.Backprop()
	if err := bp.AccumulateBatch(grads); err != nil {
		return fmt.Errorf("accumulate gradients: %w", err)
	}
	l.proc.RecordBatch(loss)
	l.proc.RecordGradients(1)

	l.mu.Lock()
	l.epochBatches = epochBatch
	l.totalBatches++
	l.lastLoss = loss
	if l.batchesByThread != nil {
		group := b.BatchID % threading.NumSymmetryGroups
		if group < 0 {
			group += threading.NumSymmetryGroups
		}
		l.batchesByThread[l.threads.ThreadForGroup(group)]++
	}
	l.mu.Unlock()

	if epochBatch%l.cfg.SyncFrequency == 0 {
		if err := l.syncGradients(bp, epoch, epochBatch); err != nil {
			return err
		}
	}

	b.MarkProcessed(l.clock.Now())
	elapsed := b.ProcessingTime()
	if l.cfg.ProfilingEnabled {
		l.profile.push(elapsed)
	}
	metrics.RecordBatchStepDuration(elapsed.Seconds())
	l.callbacks.fire(EventBatchEnd, EventInfo{Epoch: epoch, Batch: epochBatch, Loss: loss})
	return nil
}

// syncGradients folds ready children into the root window, averages,
// applies the weight update, publishes the new weights through the shared
// region, and fans the completion signal down. An unstable window is counted
// and skipped, never fatal.
func (l *Loop) syncGradients(bp *gradient.Context, epoch, epochBatch int) error {
	folded, err := bp.AccumulateFromChildren()
	if err != nil {
		return fmt.Errorf("accumulate from children: %w", err)
	}
	if err := bp.AverageGradients(); err != nil {
		return fmt.Errorf("average gradients: %w", err)
	}
	if err := bp.Finalize(); err != nil {
		if !errors.Is(err, gradient.ErrUnstable) {
			return fmt.Errorf("finalize gradients: %w", err)
		}
		metrics.RecordGradientWindowSkipped()
		bp.Local().Zero()
		l.logger.V(logutil.VERBOSE).Info("skipped unstable gradient window",
			"epoch", epoch, "batch", epochBatch)
		return nil
	}
	l.callbacks.fire(EventGradientSync, EventInfo{Epoch: epoch, Batch: epochBatch})

	l.applyWeightUpdate(bp.Local().Values())
	l.proc.RecordWeightUpdates(1)
	shared, err := l.proc.PublishWeights(l.model.Weights())
	if err != nil {
		return fmt.Errorf("publish weights: %w", err)
	}
	l.callbacks.fire(EventWeightUpdate, EventInfo{Epoch: epoch, Batch: epochBatch})

	reached := bp.BroadcastToChildren()
	bp.Local().Zero()
	l.logger.V(logutil.DEBUG).Info("gradient sync complete",
		"epoch", epoch, "batch", epochBatch, "foldedChildren", folded,
		"notified", reached, "weightsShared", shared)
	return nil
}

// applyWeightUpdate runs `w -= lr * g` elementwise over the shorter of the
// two vectors.
func (l *Loop) applyWeightUpdate(grads []float64) {
	weights := l.model.Weights()
	n := len(weights)
	if len(grads) < n {
		n = len(grads)
	}
	for i := 0; i < n; i++ {
		weights[i] -= l.cfg.LearningRate * grads[i]
	}
}
