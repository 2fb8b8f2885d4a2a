// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package metrics registers Prometheus instruments for the orchestrator,
// quality pipeline, and reconciliation engine. It does not expose a
// scrape route; a façade wires promhttp.Handler onto /metrics.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	protocolTransitionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "devgodzilla_protocol_transitions_total",
			Help: "Total protocol_run status transitions by resulting status",
		},
		[]string{"status"},
	)

	stepTransitionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "devgodzilla_step_transitions_total",
			Help: "Total step_run status transitions by resulting status",
		},
		[]string{"status"},
	)

	gateEvaluationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "devgodzilla_gate_evaluations_total",
			Help: "Total quality gate evaluations by gate id and verdict",
		},
		[]string{"gate_id", "verdict"},
	)

	gateDurationSeconds = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "devgodzilla_gate_duration_seconds",
			Help:    "Quality gate evaluation duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"gate_id"},
	)

	reconciliationMismatchesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "devgodzilla_reconciliation_mismatches_total",
			Help: "Total reconciliation mismatches by outcome",
		},
		[]string{"outcome"},
	)

	executionDurationSeconds = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "devgodzilla_execution_duration_seconds",
			Help:    "Execution adapter step run duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"engine_id"},
	)

	eventsPublishedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "devgodzilla_events_published_total",
			Help: "Total events published on the bus by event type",
		},
		[]string{"event_type"},
	)
)

// RecordProtocolTransition increments the protocol transition counter.
func RecordProtocolTransition(status string) {
	protocolTransitionsTotal.WithLabelValues(status).Inc()
}

// RecordStepTransition increments the step transition counter.
func RecordStepTransition(status string) {
	stepTransitionsTotal.WithLabelValues(status).Inc()
}

// RecordGateEvaluation records a single gate's verdict and duration.
func RecordGateEvaluation(gateID, verdict string, duration time.Duration) {
	gateEvaluationsTotal.WithLabelValues(gateID, verdict).Inc()
	gateDurationSeconds.WithLabelValues(gateID).Observe(duration.Seconds())
}

// RecordReconciliationOutcome increments the reconciliation mismatch
// counter for non-NO_CHANGE outcomes.
func RecordReconciliationOutcome(outcome string) {
	reconciliationMismatchesTotal.WithLabelValues(outcome).Inc()
}

// RecordExecutionDuration records how long an engine took to execute a step.
func RecordExecutionDuration(engineID string, duration time.Duration) {
	executionDurationSeconds.WithLabelValues(engineID).Observe(duration.Seconds())
}

// RecordEventPublished increments the events-published counter.
func RecordEventPublished(eventType string) {
	eventsPublishedTotal.WithLabelValues(eventType).Inc()
}
