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

// Package runner wires the trainer binary: flags, logging, metrics, the
// sphere tree, the worker threads, and the training loop.
package runner

import (
	"context"
	"fmt"
	"math/rand"
	"net/http"
	"runtime"
	"sync"
	"time"

	"github.com/go-logr/logr"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/pflag"

	"github.com/justmebob123/crystalline-sub011/pkg/lattice/batch"
	"github.com/justmebob123/crystalline-sub011/pkg/lattice/control"
	"github.com/justmebob123/crystalline-sub011/pkg/lattice/hierarchy"
	"github.com/justmebob123/crystalline-sub011/pkg/lattice/metrics"
	"github.com/justmebob123/crystalline-sub011/pkg/lattice/threading"
	"github.com/justmebob123/crystalline-sub011/pkg/lattice/training"
	logutil "github.com/justmebob123/crystalline-sub011/pkg/lattice/util/logging"
	"github.com/justmebob123/crystalline-sub011/version"
)

var (
	// Flags
	numThreads = pflag.Int("num-threads", runtime.NumCPU(),
		"Physical worker threads driving the symmetry groups")
	epochs          = pflag.Int("epochs", 10, "Number of training epochs")
	batchesPerEpoch = pflag.Int("batches-per-epoch", 100, "Batch budget per epoch")
	batchSize       = pflag.Int("batch-size", 32, "Sequences per batch")
	seqLen          = pflag.Int("seq-len", 128, "Tokens per sequence")
	vocabSize       = pflag.Int("vocab-size", 4096, "Vocabulary size carried on batches")
	gradientSize    = pflag.Int("gradient-size", 1024, "Length of every gradient buffer")
	learningRate    = pflag.Float64("learning-rate", 0.01, "SGD learning rate")
	syncFrequency   = pflag.Int("sync-frequency", 10, "Batches between gradient syncs")
	checkpointFreq  = pflag.Int("checkpoint-frequency", 5, "Epochs between checkpoints, 0 to disable")
	checkpointDir   = pflag.String("checkpoint-dir", "checkpoints", "Directory receiving checkpoint files")
	keepCheckpoints = pflag.Int("keep-checkpoints", 3, "Checkpoints retained after pruning")
	logFrequency    = pflag.Int("log-frequency", 1, "Epochs between progress log lines")
	poolSize        = pflag.Int("pool-size", 64, "Pre-allocated batches in the pool")
	queueCapacity   = pflag.Int("queue-capacity", 32, "Pending batch queue capacity")
	metricsPort     = pflag.Int("metrics-port", 9090, "The metrics port")
	shutdownGrace   = pflag.Duration("shutdown-grace", 5*time.Second,
		"How long to wait for workers to terminate before forcing teardown")
	profiling    = pflag.Bool("profiling", false, "Record batch timings into the profiling ring")
	logVerbosity = pflag.Int("v", logutil.DEFAULT, "number for the log level verbosity")
	development  = pflag.Bool("development", false, "Use development log encoding")
)

// NewRunner builds a runner with the default executable name.
func NewRunner() *Runner {
	return &Runner{executableName: "trainer"}
}

// Runner assembles and runs the trainer.
type Runner struct {
	executableName string
}

// WithExecutableName sets the name used in the startup version log.
func (r *Runner) WithExecutableName(name string) *Runner {
	r.executableName = name
	return r
}

// Run blocks until training completes or `ctx` is cancelled.
func (r *Runner) Run(ctx context.Context) error {
	pflag.Parse()
	logger := logutil.NewLogger(*logVerbosity, *development)
	setupLog := logger.WithName("setup")
	setupLog.Info(r.executableName+" build", "commit-sha", version.CommitSHA, "build-ref", version.BuildRef)

	// Print all flag values
	flags := make(map[string]any)
	pflag.VisitAll(func(f *pflag.Flag) {
		flags[f.Name] = f.Value.String()
	})
	setupLog.Info("Flags processed", "flags", flags)

	metrics.Register()
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	metricsSrv := &http.Server{Addr: fmt.Sprintf(":%d", *metricsPort), Handler: mux}
	go func() {
		if err := metricsSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			setupLog.Error(err, "Metrics server failed")
		}
	}()
	defer metricsSrv.Close()

	strategy, err := threading.NewStrategy(*numThreads)
	if err != nil {
		setupLog.Error(err, "Failed to build thread allocation")
		return err
	}
	workloads := strategy.ThreadWorkloads(float64(*batchesPerEpoch * *batchSize))
	setupLog.Info("Thread allocation ready",
		"threads", strategy.NumThreads(),
		"loadBalanceFactor", threading.LoadBalanceFactor(workloads))

	proc, err := control.New(control.Config{
		GradientSize:  *gradientSize,
		LearningRate:  *learningRate,
		CheckpointDir: *checkpointDir,
	}, nil, logger)
	if err != nil {
		setupLog.Error(err, "Failed to build control process")
		return err
	}
	if err := proc.Start(ctx); err != nil {
		setupLog.Error(err, "Failed to start control process")
		return err
	}

	workers, byGroup, err := r.buildTree(proc, strategy)
	if err != nil {
		setupLog.Error(err, "Failed to build sphere tree")
		return err
	}

	workerCtx, stopWorkers := context.WithCancel(ctx)
	var wg sync.WaitGroup
	for thread, nodes := range workers {
		wg.Add(1)
		go r.runWorker(workerCtx, &wg, proc, thread, nodes, logger)
	}

	pool, err := batch.NewPool(*poolSize, *batchSize, *seqLen, *vocabSize)
	if err != nil {
		setupLog.Error(err, "Failed to build batch pool")
		return err
	}
	queue := batch.NewQueue(*queueCapacity)
	go produceBatches(ctx, pool, queue, byGroup, logger)

	loop, err := training.New(training.Config{
		LearningRate:        *learningRate,
		SyncFrequency:       *syncFrequency,
		CheckpointFrequency: *checkpointFreq,
		LogFrequency:        *logFrequency,
		BatchesPerEpoch:     *batchesPerEpoch,
		ProfilingEnabled:    *profiling,
	}, proc, newDemoModel(*gradientSize), queue, strategy, nil, logger)
	if err != nil {
		setupLog.Error(err, "Failed to build training loop")
		return err
	}
	loop.RegisterCallback(training.EventEpochEnd, func(_ training.Event, info training.EventInfo) {
		logger.V(logutil.DEFAULT).Info("epoch metrics",
			"epoch", info.Epoch, "avgLoss", info.Loss, "health", proc.Health())
	})
	loop.RegisterCallback(training.EventCheckpoint, func(_ training.Event, _ training.EventInfo) {
		if err := control.PruneCheckpoints(*checkpointDir, *keepCheckpoints); err != nil {
			logger.Error(err, "Failed to prune checkpoints", "dir", *checkpointDir)
		}
	})

	handle, err := training.StartTrainingThread(ctx, loop, *epochs)
	if err != nil {
		setupLog.Error(err, "Failed to start training")
		return err
	}
	runErr := handle.Wait(ctx)
	if runErr != nil {
		setupLog.Error(runErr, "Training ended with error")
	}
	queue.Close()
	pool.Close()

	stopCtx, cancel := context.WithTimeout(context.Background(), *shutdownGrace)
	defer cancel()
	if err := proc.Stop(stopCtx); err != nil {
		setupLog.Error(err, "Control process stop failed")
	}
	stopWorkers()
	wg.Wait()
	setupLog.Info("Trainer terminated")
	return runErr
}

// buildTree spawns one worker sphere per symmetry group under the root and
// links the level as siblings, returning nodes grouped by owning thread and
// by owned symmetry group.
func (r *Runner) buildTree(proc *control.Process, strategy *threading.Strategy) (map[int][]*hierarchy.Node, map[int]*hierarchy.Node, error) {
	workers := make(map[int][]*hierarchy.Node)
	byGroup := make(map[int]*hierarchy.Node)
	rootID := proc.Root().ID()
	for g := 0; g < threading.NumSymmetryGroups; g++ {
		thread := strategy.ThreadForGroup(g)
		node, err := proc.SpawnSphere(rootID, []int{g}, thread)
		if err != nil {
			return nil, nil, fmt.Errorf("spawn sphere for group %d: %w", g, err)
		}
		workers[thread] = append(workers[thread], node)
		byGroup[g] = node
	}
	if err := proc.Arena().DiscoverSiblings(1); err != nil {
		return nil, nil, fmt.Errorf("link siblings: %w", err)
	}
	if err := proc.Arena().Validate(); err != nil {
		return nil, nil, fmt.Errorf("validate tree: %w", err)
	}
	return workers, byGroup, nil
}

// runWorker drives one physical thread's nodes: mailbox draining, work
// items, occasional stealing, and heartbeats, until every owned node
// terminates.
func (r *Runner) runWorker(ctx context.Context, wg *sync.WaitGroup, proc *control.Process,
	thread int, nodes []*hierarchy.Node, logger logr.Logger) {
	defer wg.Done()
	log := logger.WithName("worker").WithValues("thread", thread)
	log.V(logutil.VERBOSE).Info("worker started", "nodes", len(nodes))

	live := make([]*hierarchy.Node, len(nodes))
	copy(live, nodes)
	for len(live) > 0 {
		select {
		case <-ctx.Done():
			return
		default:
		}
		idle := true
		remaining := live[:0]
		for _, n := range live {
			if n.ProcessMessages() > 0 {
				idle = false
			}
			for {
				if _, ok := n.GetWork(); !ok {
					break
				}
				idle = false
				proc.RecordPrimes(1)
			}
			proc.Heartbeat(n.ID())
			if n.State() == hierarchy.StateTerminating {
				n.SetState(hierarchy.StateTerminated)
				continue
			}
			remaining = append(remaining, n)
		}
		live = remaining
		if idle && len(live) > 0 {
			// Try to steal from a sibling before sleeping.
			if !stealOnce(proc, live[0]) {
				select {
				case <-ctx.Done():
					return
				case <-time.After(time.Millisecond):
				}
			}
		}
	}
	log.V(logutil.VERBOSE).Info("worker terminated")
}

func stealOnce(proc *control.Process, thief *hierarchy.Node) bool {
	for _, sid := range thief.SiblingIDs() {
		victim, ok := proc.Arena().Get(sid)
		if !ok {
			continue
		}
		if _, ok := thief.Steal(victim); ok {
			proc.RecordPrimes(1)
			return true
		}
	}
	return false
}

// produceBatches fills the queue with synthetic token batches until the
// context ends or the queue closes. Each batch also fans a work item into
// the ring of the sphere owning the batch's symmetry group, so the worker
// threads carry real traffic alongside the training loop.
func produceBatches(ctx context.Context, pool *batch.Pool, queue *batch.Queue,
	byGroup map[int]*hierarchy.Node, logger logr.Logger) {
	rng := rand.New(rand.NewSource(time.Now().UnixNano()))
	id := 0
	for {
		if ctx.Err() != nil || queue.Closed() {
			return
		}
		b, err := pool.Allocate()
		if err != nil {
			return
		}
		b.BatchID = id
		id++
		for i := range b.Input {
			b.Input[i] = float64(rng.Intn(b.VocabSize))
			b.Target[i] = float64(rng.Intn(b.VocabSize))
			b.Mask[i] = 1
		}
		group := b.BatchID % threading.NumSymmetryGroups
		if err := queue.Enqueue(b); err != nil {
			b.Release()
			return
		}
		if owner, ok := byGroup[group]; ok {
			// A full ring drops the item; the batch itself still trains.
			if !owner.AddWork(&hierarchy.WorkItem{ID: uint64(id), Group: group, Data: group}) {
				logger.V(logutil.TRACE).Info("work ring full, dropped item", "group", group)
			}
		}
	}
}

// demoModel is a stand-in for real kernels: a quadratic bowl whose gradient
// pulls every weight toward zero, so loss visibly decreases across epochs.
type demoModel struct {
	weights []float64
}

func newDemoModel(size int) *demoModel {
	m := &demoModel{weights: make([]float64, size)}
	rng := rand.New(rand.NewSource(1))
	for i := range m.weights {
		m.weights[i] = rng.Float64() - 0.5
	}
	return m
}

func (m *demoModel) Weights() []float64 { return m.weights }

func (m *demoModel) Forward(*batch.Batch) (float64, []float64, error) {
	loss := 0.0
	grads := make([]float64, len(m.weights))
	for i, w := range m.weights {
		loss += w * w
		grads[i] = 2 * w
	}
	return loss / float64(len(m.weights)), grads, nil
}
