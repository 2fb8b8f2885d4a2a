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

// Package reconciliation converges the Store's view of a step's status
// with the external executor's authoritative job status, for the case
// where a webhook was lost or the server restarted mid-dispatch.
package reconciliation

import (
	"context"
	"log/slog"
	"time"

	"github.com/devgodzilla/core/internal/bus"
	"github.com/devgodzilla/core/internal/store"
	"github.com/devgodzilla/core/internal/windmill"
	"golang.org/x/sync/errgroup"
)

// Outcome is the per-step result of one reconciliation pass.
type Outcome string

const (
	NoChange       Outcome = "NO_CHANGE"
	AutoFixed      Outcome = "AUTO_FIXED"
	ManualRequired Outcome = "MANUAL_REQUIRED"
	Error          Outcome = "ERROR"
)

// Detail is one step's reconciliation result.
type Detail struct {
	StepRunID      int64
	ProtocolRunID  int64
	WindmillJobID  string
	PreviousStatus store.StepStatus
	MappedStatus   store.StepStatus
	Outcome        Outcome
	Message        string
}

// Report is ReconcileRuns's return value.
type Report struct {
	TotalChecked     int
	MismatchesFound  int
	AutoFixed        int
	RequiresManual   int
	ProtocolsChecked int
	Duration         time.Duration
	Details          []Detail
}

// externalToStep is spec §4.4's mapping table.
var externalToStep = map[windmill.JobStatus]store.StepStatus{
	windmill.JobQueued:    store.StepPending,
	windmill.JobRunning:   store.StepRunning,
	windmill.JobCompleted: store.StepCompleted,
	windmill.JobFailed:    store.StepFailed,
	windmill.JobCancelled: store.StepCancelled,
}

func mapExternalStatus(s windmill.JobStatus) store.StepStatus {
	if mapped, ok := externalToStep[s]; ok {
		return mapped
	}
	return store.StepPending // "unknown -> pending" per spec
}

// Engine runs reconciliation passes.
type Engine struct {
	store    store.Store
	executor windmill.Client
	bus      *bus.Bus
	logger   *slog.Logger
}

// New creates a reconciliation Engine.
func New(st store.Store, executor windmill.Client, b *bus.Bus, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{store: st, executor: executor, bus: b, logger: logger}
}

// ReconcileRuns implements spec §4.4. protocolRunID of 0 scans every
// non-terminal protocol; otherwise only the named protocol's active steps.
func (e *Engine) ReconcileRuns(ctx context.Context, protocolRunID int64, dryRun bool) (*Report, error) {
	start := time.Now()
	report := &Report{}

	protocols, err := e.activeProtocols(ctx, protocolRunID)
	if err != nil {
		return nil, err
	}
	report.ProtocolsChecked = len(protocols)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(8)
	detailsCh := make(chan Detail)
	var collected []Detail
	done := make(chan struct{})
	go func() {
		for d := range detailsCh {
			collected = append(collected, d)
		}
		close(done)
	}()

	for _, pr := range protocols {
		pr := pr
		steps, err := e.store.ListStepRuns(ctx, store.StepFilter{ProtocolRunID: pr.ID})
		if err != nil {
			return nil, err
		}
		for _, s := range steps {
			s := s
			if s.Status.Terminal() {
				continue
			}
			g.Go(func() error {
				d := e.reconcileStep(gctx, s, dryRun)
				select {
				case detailsCh <- d:
				case <-gctx.Done():
				}
				return nil
			})
		}
	}

	err = g.Wait()
	close(detailsCh)
	<-done
	if err != nil {
		return nil, err
	}

	for _, d := range collected {
		report.TotalChecked++
		switch d.Outcome {
		case AutoFixed:
			report.MismatchesFound++
			report.AutoFixed++
		case ManualRequired:
			report.MismatchesFound++
			report.RequiresManual++
		}
		report.Details = append(report.Details, d)
		e.emitDetailEvent(ctx, d)
	}

	report.Duration = time.Since(start)
	return report, nil
}

func (e *Engine) activeProtocols(ctx context.Context, protocolRunID int64) ([]*store.ProtocolRun, error) {
	if protocolRunID != 0 {
		pr, err := e.store.GetProtocolRun(ctx, protocolRunID)
		if err != nil {
			return nil, err
		}
		return []*store.ProtocolRun{pr}, nil
	}
	return e.store.ListNonTerminalProtocolRuns(ctx)
}

func (e *Engine) reconcileStep(ctx context.Context, s *store.StepRun, dryRun bool) Detail {
	detail := Detail{StepRunID: s.ID, ProtocolRunID: s.ProtocolRunID, PreviousStatus: s.Status}

	job, err := e.store.LatestJobRunForStep(ctx, s.ID)
	if err != nil || job.WindmillJobID == nil {
		detail.Outcome = NoChange
		detail.Message = "no external job associated with this step"
		return detail
	}
	detail.WindmillJobID = *job.WindmillJobID

	extJob, err := e.executor.GetJob(ctx, *job.WindmillJobID)
	if err != nil {
		detail.Outcome = Error
		detail.Message = err.Error()
		return detail
	}

	mapped := mapExternalStatus(extJob.Status)
	detail.MappedStatus = mapped

	if mapped == s.Status {
		detail.Outcome = NoChange
		return detail
	}

	if !canAutoFix(s.Status, mapped) {
		detail.Outcome = ManualRequired
		return detail
	}

	if dryRun {
		detail.Outcome = AutoFixed
		detail.Message = "dry run: would apply fix"
		return detail
	}

	ok, err := e.store.UpdateStepStatus(ctx, s.ID, s.Status, mapped)
	if err != nil {
		detail.Outcome = Error
		detail.Message = err.Error()
		return detail
	}
	if !ok {
		detail.Outcome = ManualRequired
		detail.Message = "status changed concurrently"
		return detail
	}

	detail.Outcome = AutoFixed
	return detail
}

// canAutoFix implements spec §4.4's can-auto-fix rule.
func canAutoFix(dbStatus, mappedStatus store.StepStatus) bool {
	if dbStatus.Terminal() {
		return false
	}
	if mappedStatus.Terminal() {
		return true
	}
	if dbStatus == store.StepPending && mappedStatus == store.StepRunning {
		return true
	}
	if dbStatus == store.StepRunning && mappedStatus == store.StepCompleted {
		return true
	}
	return false
}

// emitDetailEvent publishes asynchronously: reconciliation passes fan out
// across up to 8 concurrent steps (ReconcileRuns's errgroup), and this is
// effectively the "job polling" hot path the bus's worker pool exists for.
// Ordering is preserved per ProtocolRunID.
func (e *Engine) emitDetailEvent(ctx context.Context, d Detail) {
	if e.bus == nil {
		return
	}
	eventType := "reconciliation_" + outcomeEventSuffix(d.Outcome)
	stepID := d.StepRunID
	protocolID := d.ProtocolRunID
	e.bus.PublishAsync(ctx, &store.Event{
		EventType:     eventType,
		StepRunID:     &stepID,
		ProtocolRunID: &protocolID,
		Message:       eventType,
		Metadata: map[string]any{
			"previous":        string(d.PreviousStatus),
			"new":             string(d.MappedStatus),
			"windmill_job_id": d.WindmillJobID,
		},
	})
}

func outcomeEventSuffix(o Outcome) string {
	switch o {
	case AutoFixed:
		return "auto_fix"
	case ManualRequired:
		return "manual_required"
	case Error:
		return "error"
	default:
		return "no_change"
	}
}
