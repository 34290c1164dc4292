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

// Package control implements the top-level owner of the hierarchy: epoch
// lifecycle, health monitoring, system-wide synchronization, node spawning
// and termination, and checkpointing.
package control

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-logr/logr"
	"github.com/google/uuid"
	"k8s.io/utils/clock"

	"github.com/justmebob123/crystalline-sub011/pkg/lattice/hierarchy"
	"github.com/justmebob123/crystalline-sub011/pkg/lattice/message"
	"github.com/justmebob123/crystalline-sub011/pkg/lattice/metrics"
	"github.com/justmebob123/crystalline-sub011/pkg/lattice/sharedmem"
	logutil "github.com/justmebob123/crystalline-sub011/pkg/lattice/util/logging"
)

// State is the control process lifecycle.
type State int32

const (
	StateInitializing State = iota
	StateRunning
	StatePaused
	StateStopping
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateInitializing:
		return "Initializing"
	case StateRunning:
		return "Running"
	case StatePaused:
		return "Paused"
	case StateStopping:
		return "Stopping"
	case StateStopped:
		return "Stopped"
	default:
		return fmt.Sprintf("State(%d)", int32(s))
	}
}

var (
	// ErrNotRunning indicates an operation that requires a started, running
	// control process. Callers should use `errors.Is`.
	ErrNotRunning = errors.New("control process is not running")

	// ErrAlreadyStarted indicates a second `Start`.
	ErrAlreadyStarted = errors.New("control process already started")

	// ErrEpochActive indicates `StartEpoch` while an epoch is in flight.
	ErrEpochActive = errors.New("an epoch is already active")

	// ErrNoEpoch indicates an epoch operation with no active epoch.
	ErrNoEpoch = errors.New("no epoch is active")

	// ErrCannotTerminateRoot indicates `TerminateSphere` on the root.
	ErrCannotTerminateRoot = errors.New("the root sphere cannot be terminated")
)

// Config shapes a control process.
type Config struct {
	// GradientSize is the fixed length of every node's gradient buffer.
	GradientSize int
	// MailboxCapacity bounds node inboxes and outboxes.
	MailboxCapacity int
	// WorkRingCapacity bounds node work rings.
	WorkRingCapacity int
	// LearningRate is carried in epoch-start payloads and checkpoints.
	LearningRate float64
	// HealthInterval is the health monitor's refresh period.
	HealthInterval time.Duration
	// HeartbeatTTL is how long a node heartbeat stays fresh.
	HeartbeatTTL time.Duration
	// CheckpointDir receives versioned checkpoint files.
	CheckpointDir string
}

// ValidateOrDefault normalizes the config, filling defaults in place.
func (c *Config) ValidateOrDefault() error {
	if c.GradientSize <= 0 {
		return fmt.Errorf("gradient size must be positive, got %d", c.GradientSize)
	}
	if c.LearningRate <= 0 {
		c.LearningRate = 0.01
	}
	if c.HealthInterval <= 0 {
		c.HealthInterval = time.Second
	}
	if c.HeartbeatTTL <= 0 {
		c.HeartbeatTTL = 5 * time.Second
	}
	return nil
}

// Process owns the root node and drives the system lifecycle. Construct
// with `New`; the zero value is not usable.
type Process struct {
	logger logr.Logger
	clock  clock.WithTicker
	cfg    Config
	runID  uuid.UUID

	arena  *hierarchy.Arena
	rootID int

	// weights carries the latest published parameter vector; lattice maps
	// each symmetry group to its owning node. Both are handed to every node
	// joining the tree.
	weights *sharedmem.Region
	lattice *sharedmem.Region

	state  atomic.Int32
	health *healthMonitor

	epochMu          sync.Mutex
	epoch            int
	totalBatches     int
	completedBatches int
	cumulativeLoss   float64

	gradientsProcessed atomic.Uint64
	weightsUpdated     atomic.Uint64
	primesProcessed    atomic.Uint64

	barrierMu    sync.Mutex
	epochBarrier *Barrier

	syncMu      sync.Mutex
	syncBarrier *Barrier
	syncReady   chan struct{}

	// termDone is closed when, during stop, the last node reaches
	// `Terminated`. This replaces a fixed grace sleep; `Stop`'s context
	// bounds the wait as a safety net.
	termMu   sync.Mutex
	termDone chan struct{}

	ckptVersion atomic.Uint32

	bgStop chan struct{}
	bgWG   sync.WaitGroup
}

// New builds a control process in `Initializing` state. A nil clock falls
// back to wall time.
func New(cfg Config, clk clock.WithTicker, logger logr.Logger) (*Process, error) {
	if err := cfg.ValidateOrDefault(); err != nil {
		return nil, err
	}
	if clk == nil {
		clk = clock.RealClock{}
	}
	arena, err := hierarchy.NewArena(hierarchy.Config{
		GradientSize:     cfg.GradientSize,
		MailboxCapacity:  cfg.MailboxCapacity,
		WorkRingCapacity: cfg.WorkRingCapacity,
	}, clk, logger)
	if err != nil {
		return nil, err
	}
	weights, err := sharedmem.New(sharedmem.LockedWrite, entryBytes*cfg.GradientSize, nil)
	if err != nil {
		return nil, fmt.Errorf("create weights region: %w", err)
	}
	lattice, err := sharedmem.New(sharedmem.CopyOnWrite, entryBytes*hierarchy.NumSymmetryGroups, nil)
	if err != nil {
		return nil, fmt.Errorf("create lattice region: %w", err)
	}
	p := &Process{
		logger:    logger.WithName("control"),
		clock:     clk,
		cfg:       cfg,
		runID:     uuid.New(),
		arena:     arena,
		weights:   weights,
		lattice:   lattice,
		health:    newHealthMonitor(cfg.HeartbeatTTL),
		syncReady: make(chan struct{}),
		bgStop:    make(chan struct{}),
	}
	p.state.Store(int32(StateInitializing))
	arena.SetStateObserver(p.onNodeState)
	return p, nil
}

// State returns the process lifecycle state.
func (p *Process) State() State { return State(p.state.Load()) }

// RunID identifies this training run in logs and checkpoints.
func (p *Process) RunID() uuid.UUID { return p.runID }

// Arena exposes the node arena, primarily for the training layer.
func (p *Process) Arena() *hierarchy.Arena { return p.arena }

// Root returns the root node, nil before `Start`.
func (p *Process) Root() *hierarchy.Node {
	if p.rootID == 0 {
		return nil
	}
	root, _ := p.arena.Get(p.rootID)
	return root
}

// Start creates the root sphere (level 0, symmetry group 0) if absent and
// launches the background health monitor.
func (p *Process) Start(ctx context.Context) error {
	if !p.state.CompareAndSwap(int32(StateInitializing), int32(StateRunning)) {
		return fmt.Errorf("%w: state %s", ErrAlreadyStarted, p.State())
	}
	if p.rootID == 0 {
		root, err := p.arena.CreateNode(0, []int{0}, 0)
		if err != nil {
			p.state.Store(int32(StateInitializing))
			return fmt.Errorf("create root sphere: %w", err)
		}
		p.rootID = root.ID()
		p.attachRegions(root)
		if err := p.recordGroupOwners(root); err != nil {
			p.state.Store(int32(StateInitializing))
			return fmt.Errorf("claim root groups: %w", err)
		}
		p.health.beat(root.ID(), p.clock.Now())
	}

	p.bgWG.Add(1)
	go p.healthLoop(ctx)

	p.logger.V(logutil.DEFAULT).Info("control process started", "run", p.runID, "root", p.rootID)
	return nil
}

// healthLoop periodically refreshes the health snapshot until stop.
func (p *Process) healthLoop(ctx context.Context) {
	defer p.bgWG.Done()
	ticker := p.clock.NewTicker(p.cfg.HealthInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C():
			snap := p.health.refresh(p.arena, p.clock.Now())
			p.logger.V(logutil.TRACE).Info("health refreshed",
				"total", snap.TotalNodes, "active", snap.ActiveNodes,
				"idle", snap.IdleNodes, "failed", snap.FailedNodes)
		case <-ctx.Done():
			return
		case <-p.bgStop:
			return
		}
	}
}

// Heartbeat records a liveness signal for a node. Called by whatever thread
// drives the node.
func (p *Process) Heartbeat(nodeID int) {
	p.health.beat(nodeID, p.clock.Now())
}

// Health returns the latest periodic snapshot.
func (p *Process) Health() HealthSnapshot { return p.health.current() }

// RefreshHealth recomputes the snapshot immediately.
func (p *Process) RefreshHealth() HealthSnapshot {
	return p.health.refresh(p.arena, p.clock.Now())
}

// Pause suspends epoch progress. Only a running process can pause.
func (p *Process) Pause() error {
	if !p.state.CompareAndSwap(int32(StateRunning), int32(StatePaused)) {
		return fmt.Errorf("%w: state %s", ErrNotRunning, p.State())
	}
	return nil
}

// Resume continues a paused process.
func (p *Process) Resume() error {
	if !p.state.CompareAndSwap(int32(StatePaused), int32(StateRunning)) {
		return fmt.Errorf("%w: state %s", ErrNotRunning, p.State())
	}
	return nil
}

// StartEpoch resets the per-epoch counters, builds the epoch barrier sized
// to every node plus the control process, and broadcasts the epoch start.
func (p *Process) StartEpoch(totalBatches int) error {
	if p.State() != StateRunning {
		return fmt.Errorf("%w: state %s", ErrNotRunning, p.State())
	}
	p.barrierMu.Lock()
	if p.epochBarrier != nil {
		p.barrierMu.Unlock()
		return ErrEpochActive
	}
	barrier, err := NewBarrier(p.arena.NodeCount() + 1)
	if err != nil {
		p.barrierMu.Unlock()
		return err
	}
	p.epochBarrier = barrier
	p.barrierMu.Unlock()

	p.epochMu.Lock()
	p.epoch++
	epoch := p.epoch
	p.totalBatches = totalBatches
	p.completedBatches = 0
	p.cumulativeLoss = 0
	p.epochMu.Unlock()

	root := p.Root()
	payload := &message.EpochPayload{Epoch: epoch, TotalBatches: totalBatches, LearningRate: p.cfg.LearningRate}
	delivered := root.BroadcastAll(message.New(message.TypeEpochStart, message.PriorityHigh, payload))
	root.SetState(hierarchy.StateProcessing)

	p.logger.V(logutil.DEFAULT).Info("epoch started",
		"epoch", epoch, "totalBatches", totalBatches, "notified", delivered)
	return nil
}

// EpochBarrier returns the active epoch barrier, nil between epochs. Worker
// threads wait here after draining their share of an epoch.
func (p *Process) EpochBarrier() *Barrier {
	p.barrierMu.Lock()
	defer p.barrierMu.Unlock()
	return p.epochBarrier
}

// WaitEpochComplete blocks at the epoch barrier as the control party.
func (p *Process) WaitEpochComplete(ctx context.Context) error {
	barrier := p.EpochBarrier()
	if barrier == nil {
		return ErrNoEpoch
	}
	return barrier.Wait(ctx)
}

// RecordBatch folds one completed batch's loss into the epoch counters.
func (p *Process) RecordBatch(loss float64) {
	p.epochMu.Lock()
	p.completedBatches++
	p.cumulativeLoss += loss
	p.epochMu.Unlock()
}

// RecordGradients counts processed gradient windows.
func (p *Process) RecordGradients(n uint64) { p.gradientsProcessed.Add(n) }

// RecordWeightUpdates counts applied weight updates.
func (p *Process) RecordWeightUpdates(n uint64) { p.weightsUpdated.Add(n) }

// RecordPrimes counts processed prime work items.
func (p *Process) RecordPrimes(n uint64) { p.primesProcessed.Add(n) }

// EndEpoch computes the epoch's average loss, broadcasts completion, and
// drops the barrier.
func (p *Process) EndEpoch() (float64, error) {
	p.barrierMu.Lock()
	if p.epochBarrier == nil {
		p.barrierMu.Unlock()
		return 0, ErrNoEpoch
	}
	p.epochBarrier = nil
	p.barrierMu.Unlock()

	p.epochMu.Lock()
	epoch := p.epoch
	avgLoss := 0.0
	if p.completedBatches > 0 {
		avgLoss = p.cumulativeLoss / float64(p.completedBatches)
	}
	p.epochMu.Unlock()

	root := p.Root()
	root.BroadcastAll(message.New(message.TypeEpochComplete, message.PriorityHigh,
		&message.EpochPayload{Epoch: epoch, LearningRate: p.cfg.LearningRate}))
	root.SetState(hierarchy.StateWaiting)

	metrics.RecordEpochCompleted()
	p.logger.V(logutil.DEFAULT).Info("epoch ended", "epoch", epoch, "avgLoss", avgLoss)
	return avgLoss, nil
}

// CurrentEpoch returns the 1-based epoch counter, 0 before the first epoch.
func (p *Process) CurrentEpoch() int {
	p.epochMu.Lock()
	defer p.epochMu.Unlock()
	return p.epoch
}

// Progress returns completed and total batches for the active epoch.
func (p *Process) Progress() (completed, total int) {
	p.epochMu.Lock()
	defer p.epochMu.Unlock()
	return p.completedBatches, p.totalBatches
}

// AverageLoss returns the running average loss for the active epoch.
func (p *Process) AverageLoss() float64 {
	p.epochMu.Lock()
	defer p.epochMu.Unlock()
	if p.completedBatches == 0 {
		return 0
	}
	return p.cumulativeLoss / float64(p.completedBatches)
}

// SpawnSphere creates a node under `parentID` owning `groups`, bound to
// physical thread `affinity`. Fails without side effects when the parent is
// at fan-out.
func (p *Process) SpawnSphere(parentID int, groups []int, affinity int) (*hierarchy.Node, error) {
	parent, ok := p.arena.Get(parentID)
	if !ok {
		return nil, fmt.Errorf("%w: parent %d", hierarchy.ErrUnknownNode, parentID)
	}
	child, err := p.arena.CreateNode(parent.Level()+1, groups, affinity)
	if err != nil {
		return nil, err
	}
	if err := p.arena.AddChild(parentID, child.ID()); err != nil {
		// Roll the orphan back so a refused spawn leaves the tree unchanged.
		_ = p.arena.Remove(child.ID())
		return nil, err
	}
	p.attachRegions(child)
	if err := p.recordGroupOwners(child); err != nil {
		_ = p.arena.Remove(child.ID())
		return nil, err
	}
	p.health.beat(child.ID(), p.clock.Now())
	_ = child.SendToParent(message.New(message.TypeChildSpawn, message.PriorityNormal, nil))
	p.logger.V(logutil.VERBOSE).Info("spawned sphere",
		"node", child.ID(), "parent", parentID, "level", child.Level())
	return child, nil
}

// TerminateSphere tears down a node and its subtree. The root is refused.
func (p *Process) TerminateSphere(id int) error {
	if id == p.rootID {
		return ErrCannotTerminateRoot
	}
	target, ok := p.arena.Get(id)
	if !ok {
		return fmt.Errorf("%w: node %d", hierarchy.ErrUnknownNode, id)
	}
	if root := p.Root(); root != nil && root.ID() != id {
		_ = root.Send(id, message.New(message.TypeChildTerminate, message.PriorityCritical, nil))
	}
	target.SetState(hierarchy.StateTerminating)
	subtree := collectSubtree(p.arena, id)
	for _, cid := range subtree {
		p.health.forget(cid)
	}
	if err := p.clearGroupOwners(subtree); err != nil {
		return err
	}
	if err := p.arena.Remove(id); err != nil {
		return err
	}
	p.logger.V(logutil.VERBOSE).Info("terminated sphere", "node", id)
	return nil
}

func collectSubtree(arena *hierarchy.Arena, id int) []int {
	out := []int{id}
	if n, ok := arena.Get(id); ok {
		for _, cid := range n.ChildIDs() {
			out = append(out, collectSubtree(arena, cid)...)
		}
	}
	return out
}

// SynchronizeAll opens a global barrier across every node plus the control
// process and waits at it as the control party. Worker threads join with
// `JoinSynchronization`.
func (p *Process) SynchronizeAll(ctx context.Context) error {
	if p.State() != StateRunning {
		return fmt.Errorf("%w: state %s", ErrNotRunning, p.State())
	}
	barrier, err := NewBarrier(p.arena.NodeCount() + 1)
	if err != nil {
		return err
	}
	p.syncMu.Lock()
	p.syncBarrier = barrier
	close(p.syncReady)
	p.syncMu.Unlock()

	err = barrier.Wait(ctx)

	p.syncMu.Lock()
	p.syncBarrier = nil
	p.syncReady = make(chan struct{})
	p.syncMu.Unlock()
	return err
}

// JoinSynchronization waits for a global barrier to open, then waits at it.
func (p *Process) JoinSynchronization(ctx context.Context) error {
	p.syncMu.Lock()
	barrier := p.syncBarrier
	ready := p.syncReady
	p.syncMu.Unlock()
	if barrier == nil {
		select {
		case <-ready:
		case <-ctx.Done():
			return fmt.Errorf("%w: %w", ErrBarrierWait, ctx.Err())
		}
		p.syncMu.Lock()
		barrier = p.syncBarrier
		p.syncMu.Unlock()
		if barrier == nil {
			// The barrier tripped and closed while we were waking up.
			return nil
		}
	}
	return barrier.Wait(ctx)
}

// Checkpoint persists a versioned snapshot into the configured directory,
// returning the written path.
func (p *Process) Checkpoint() (string, error) {
	version := p.ckptVersion.Add(1)
	p.epochMu.Lock()
	snap := Snapshot{
		Version:      version,
		Epoch:        uint32(p.epoch),
		Batch:        uint32(p.completedBatches),
		LearningRate: p.cfg.LearningRate,
		RunID:        p.runID.String(),
	}
	p.epochMu.Unlock()

	path := filepath.Join(p.cfg.CheckpointDir, fmt.Sprintf("checkpoint_v%05d.ckpt", version))
	if err := WriteSnapshot(path, snap); err != nil {
		return "", fmt.Errorf("write checkpoint: %w", err)
	}
	p.logger.V(logutil.DEFAULT).Info("checkpoint written", "path", path, "version", version)
	return path, nil
}

// Restore loads a snapshot, repositioning the epoch counters and version.
func (p *Process) Restore(path string) (Snapshot, error) {
	snap, err := ReadSnapshot(path)
	if err != nil {
		return Snapshot{}, err
	}
	p.epochMu.Lock()
	p.epoch = int(snap.Epoch)
	p.completedBatches = int(snap.Batch)
	p.cumulativeLoss = 0
	p.epochMu.Unlock()
	p.ckptVersion.Store(snap.Version)
	if snap.LearningRate > 0 {
		p.cfg.LearningRate = snap.LearningRate
	}
	p.logger.V(logutil.DEFAULT).Info("checkpoint restored", "path", path, "epoch", snap.Epoch)
	return snap, nil
}

// onNodeState watches for the last node reaching `Terminated` during stop.
func (p *Process) onNodeState(_ *hierarchy.Node, _, to hierarchy.State) {
	if to != hierarchy.StateTerminated {
		return
	}
	p.termMu.Lock()
	done := p.termDone
	p.termMu.Unlock()
	if done == nil {
		return
	}
	if p.allNodesTerminated() {
		p.termMu.Lock()
		if p.termDone != nil {
			close(p.termDone)
			p.termDone = nil
		}
		p.termMu.Unlock()
	}
}

func (p *Process) allNodesTerminated() bool {
	all := true
	p.arena.ForEach(func(n *hierarchy.Node) {
		if n.State() != hierarchy.StateTerminated {
			all = false
		}
	})
	return all
}

// Stop broadcasts shutdown, waits for every node to reach `Terminated`
// (bounded by `ctx`), then tears the tree down and stops the monitor.
func (p *Process) Stop(ctx context.Context) error {
	if p.State() == StateStopped {
		return nil
	}
	swapped := p.state.CompareAndSwap(int32(StateRunning), int32(StateStopping)) ||
		p.state.CompareAndSwap(int32(StatePaused), int32(StateStopping))
	if !swapped {
		return fmt.Errorf("%w: state %s", ErrNotRunning, p.State())
	}

	done := make(chan struct{})
	p.termMu.Lock()
	p.termDone = done
	p.termMu.Unlock()

	root := p.Root()
	if root != nil {
		root.BroadcastAll(message.New(message.TypeShutdownRequest, message.PriorityCritical, nil))
		// The control process drives the root itself, so nothing else will
		// ever terminate it.
		root.SetState(hierarchy.StateTerminating)
		root.SetState(hierarchy.StateTerminated)
	}

	if p.allNodesTerminated() {
		p.termMu.Lock()
		if p.termDone != nil {
			close(p.termDone)
			p.termDone = nil
		}
		p.termMu.Unlock()
	}
	select {
	case <-done:
	case <-ctx.Done():
		p.logger.V(logutil.DEFAULT).Info("shutdown grace expired, forcing teardown", "cause", ctx.Err())
	}

	if p.rootID != 0 {
		_ = p.clearGroupOwners(collectSubtree(p.arena, p.rootID))
		if err := p.arena.Remove(p.rootID); err != nil && !errors.Is(err, hierarchy.ErrUnknownNode) {
			return err
		}
		p.rootID = 0
	}

	close(p.bgStop)
	p.bgWG.Wait()
	p.state.Store(int32(StateStopped))
	p.logger.V(logutil.DEFAULT).Info("control process stopped", "run", p.runID)
	return nil
}
