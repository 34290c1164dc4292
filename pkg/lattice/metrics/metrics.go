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

// Package metrics exposes prometheus collectors for the coordinator.
package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

const component = "lattice"

var (
	messagesSentCounter = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Subsystem: component,
			Name:      "messages_sent_total",
			Help:      "Count of messages delivered between hierarchy nodes.",
		},
		[]string{"type"},
	)
	messagesDroppedCounter = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Subsystem: component,
			Name:      "messages_dropped_total",
			Help:      "Count of messages dropped because a mailbox was full.",
		},
		[]string{"type"},
	)
	workStolenCounter = prometheus.NewCounter(
		prometheus.CounterOpts{
			Subsystem: component,
			Name:      "work_stolen_total",
			Help:      "Count of work items stolen across nodes.",
		},
	)
	gradientWindowsSkippedCounter = prometheus.NewCounter(
		prometheus.CounterOpts{
			Subsystem: component,
			Name:      "gradient_windows_skipped_total",
			Help:      "Count of gradient windows skipped for numerical instability.",
		},
	)
	poolHitCounter = prometheus.NewCounter(
		prometheus.CounterOpts{
			Subsystem: component,
			Name:      "batch_pool_hits_total",
			Help:      "Count of batch pool allocations served without waiting.",
		},
	)
	poolMissCounter = prometheus.NewCounter(
		prometheus.CounterOpts{
			Subsystem: component,
			Name:      "batch_pool_misses_total",
			Help:      "Count of batch pool allocations that waited or failed.",
		},
	)
	epochsCompletedCounter = prometheus.NewCounter(
		prometheus.CounterOpts{
			Subsystem: component,
			Name:      "epochs_completed_total",
			Help:      "Count of completed training epochs.",
		},
	)
	nodesByStateGauge = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Subsystem: component,
			Name:      "nodes",
			Help:      "Current number of hierarchy nodes per lifecycle state.",
		},
		[]string{"state"},
	)
	batchStepDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Subsystem: component,
			Name:      "batch_step_duration_seconds",
			Help:      "Latency of one training step over a batch.",
			Buckets:   prometheus.ExponentialBuckets(0.0001, 2, 16),
		},
	)
)

var registerMetrics sync.Once

// Register all metrics with the default registry.
func Register() {
	registerMetrics.Do(func() {
		prometheus.MustRegister(messagesSentCounter)
		prometheus.MustRegister(messagesDroppedCounter)
		prometheus.MustRegister(workStolenCounter)
		prometheus.MustRegister(gradientWindowsSkippedCounter)
		prometheus.MustRegister(poolHitCounter)
		prometheus.MustRegister(poolMissCounter)
		prometheus.MustRegister(epochsCompletedCounter)
		prometheus.MustRegister(nodesByStateGauge)
		prometheus.MustRegister(batchStepDuration)
	})
}

// RecordMessageSent records one delivered inter-node message.
func RecordMessageSent(msgType string) {
	messagesSentCounter.WithLabelValues(msgType).Inc()
}

// RecordMessageDropped records one message lost to a full mailbox.
func RecordMessageDropped(msgType string) {
	messagesDroppedCounter.WithLabelValues(msgType).Inc()
}

// RecordWorkStolen records one successful cross-node steal.
func RecordWorkStolen() {
	workStolenCounter.Inc()
}

// RecordGradientWindowSkipped records one window lost to NaN/Inf.
func RecordGradientWindowSkipped() {
	gradientWindowsSkippedCounter.Inc()
}

// RecordPoolHit records one batch pool allocation served immediately.
func RecordPoolHit() {
	poolHitCounter.Inc()
}

// RecordPoolMiss records one batch pool allocation that waited or failed.
func RecordPoolMiss() {
	poolMissCounter.Inc()
}

// RecordEpochCompleted records one finished epoch.
func RecordEpochCompleted() {
	epochsCompletedCounter.Inc()
}

// RecordNodeStateChange moves one node between state gauge buckets. An empty
// `from` records creation; an empty `to` records teardown.
func RecordNodeStateChange(from, to string) {
	if from != "" {
		nodesByStateGauge.WithLabelValues(from).Dec()
	}
	if to != "" {
		nodesByStateGauge.WithLabelValues(to).Inc()
	}
}

// RecordBatchStepDuration records the latency of one training step.
func RecordBatchStepDuration(seconds float64) {
	batchStepDuration.Observe(seconds)
}
