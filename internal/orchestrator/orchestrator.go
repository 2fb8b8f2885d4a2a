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

// Package orchestrator owns the Protocol/Step hierarchical state machine.
// In-memory state is not kept here: the Store is the single source of
// truth and every transition is a guarded `UPDATE ... WHERE status = ?`,
// so the Orchestrator itself holds no run state beyond its dependencies.
package orchestrator

import (
	"context"
	"log/slog"

	"github.com/devgodzilla/core/internal/bus"
	"github.com/devgodzilla/core/internal/errs"
	"github.com/devgodzilla/core/internal/store"
)

// Orchestrator drives ProtocolRun/StepRun through their state machines.
type Orchestrator struct {
	store  store.Store
	bus    *bus.Bus
	logger *slog.Logger
}

// New creates an Orchestrator.
func New(st store.Store, b *bus.Bus, logger *slog.Logger) *Orchestrator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Orchestrator{store: st, bus: b, logger: logger}
}

// protocolTransitions encodes the legal operation table from spec §4.1:
// op -> allowed current statuses -> next status.
var protocolTransitions = map[string]map[store.ProtocolStatus]store.ProtocolStatus{
	"start": {
		store.ProtocolPending: store.ProtocolPlanning,
		store.ProtocolPlanned: store.ProtocolRunning,
	},
	"pause": {
		store.ProtocolRunning: store.ProtocolPaused,
	},
	"resume": {
		store.ProtocolPaused:  store.ProtocolRunning,
		store.ProtocolBlocked: store.ProtocolRunning,
	},
	"cancel": {
		store.ProtocolPending:  store.ProtocolCancelled,
		store.ProtocolPlanning: store.ProtocolCancelled,
		store.ProtocolPlanned:  store.ProtocolCancelled,
		store.ProtocolRunning:  store.ProtocolCancelled,
		store.ProtocolPaused:   store.ProtocolCancelled,
		store.ProtocolBlocked:  store.ProtocolCancelled,
		store.ProtocolNeedsQA:  store.ProtocolCancelled,
		store.ProtocolFailed:   store.ProtocolCancelled,
	},
}

// CreateProtocolRun creates a new ProtocolRun in the pending status.
func (o *Orchestrator) CreateProtocolRun(ctx context.Context, pr *store.ProtocolRun) error {
	pr.Status = store.ProtocolPending
	if err := o.store.CreateProtocolRun(ctx, pr); err != nil {
		return err
	}
	o.emit(ctx, "protocol.created", &pr.ProjectID, &pr.ID, nil, nil)
	return nil
}

func (o *Orchestrator) transitionProtocol(ctx context.Context, id int64, op string) (store.ProtocolStatus, error) {
	pr, err := o.store.GetProtocolRun(ctx, id)
	if err != nil {
		return "", err
	}

	// cancel is idempotent no-op from the terminal statuses completed/cancelled.
	if op == "cancel" && (pr.Status == store.ProtocolCompleted || pr.Status == store.ProtocolCancelled) {
		return pr.Status, nil
	}

	table := protocolTransitions[op]
	next, allowed := table[pr.Status]
	if !allowed {
		return "", errs.New(errs.KindInvalidTransition, "protocol_run %d: %s is not valid from status %s", id, op, pr.Status)
	}

	ok, err := o.store.UpdateProtocolStatus(ctx, id, pr.Status, next)
	if err != nil {
		return "", err
	}
	if !ok {
		return "", errs.New(errs.KindInvalidTransition, "protocol_run %d: status changed concurrently, retry", id)
	}

	o.emit(ctx, "protocol."+op, &pr.ProjectID, &id, nil, map[string]any{"previous": string(pr.Status), "next": string(next)})
	return next, nil
}

// StartProtocol moves a ProtocolRun from pending/planned forward.
func (o *Orchestrator) StartProtocol(ctx context.Context, id int64) (store.ProtocolStatus, error) {
	return o.transitionProtocol(ctx, id, "start")
}

// PauseProtocol moves a running ProtocolRun to paused.
func (o *Orchestrator) PauseProtocol(ctx context.Context, id int64) (store.ProtocolStatus, error) {
	return o.transitionProtocol(ctx, id, "pause")
}

// ResumeProtocol moves a paused or blocked ProtocolRun back to running.
func (o *Orchestrator) ResumeProtocol(ctx context.Context, id int64) (store.ProtocolStatus, error) {
	return o.transitionProtocol(ctx, id, "resume")
}

// CancelProtocol cancels a ProtocolRun; a no-op on completed/cancelled runs.
func (o *Orchestrator) CancelProtocol(ctx context.Context, id int64) (store.ProtocolStatus, error) {
	return o.transitionProtocol(ctx, id, "cancel")
}

// RunStep transitions a StepRun to running from {pending, failed, blocked}.
func (o *Orchestrator) RunStep(ctx context.Context, stepRunID int64) error {
	sr, err := o.store.GetStepRun(ctx, stepRunID)
	if err != nil {
		return err
	}
	if !isOneOf(sr.Status, store.StepPending, store.StepFailed, store.StepBlocked) {
		return errs.New(errs.KindInvalidTransition, "step_run %d: run is not valid from status %s", stepRunID, sr.Status)
	}
	ok, err := o.store.UpdateStepStatus(ctx, stepRunID, sr.Status, store.StepRunning)
	if err != nil {
		return err
	}
	if !ok {
		return errs.New(errs.KindInvalidTransition, "step_run %d: status changed concurrently, retry", stepRunID)
	}
	o.emit(ctx, "step.started", nil, &sr.ProtocolRunID, &stepRunID, nil)
	return nil
}

// RetryStep transitions a StepRun to running from {failed, timeout,
// blocked}, incrementing a retry counter in runtime_state.
func (o *Orchestrator) RetryStep(ctx context.Context, stepRunID int64) error {
	sr, err := o.store.GetStepRun(ctx, stepRunID)
	if err != nil {
		return err
	}
	if !isOneOf(sr.Status, store.StepFailed, store.StepTimeout, store.StepBlocked) {
		return errs.New(errs.KindInvalidTransition, "step_run %d: retry is not valid from status %s", stepRunID, sr.Status)
	}

	ok, err := o.store.UpdateStepStatus(ctx, stepRunID, sr.Status, store.StepRunning)
	if err != nil {
		return err
	}
	if !ok {
		return errs.New(errs.KindInvalidTransition, "step_run %d: status changed concurrently, retry", stepRunID)
	}

	if sr.RuntimeState == nil {
		sr.RuntimeState = map[string]any{}
	}
	retries, _ := sr.RuntimeState["retry_count"].(float64)
	sr.RuntimeState["retry_count"] = retries + 1
	sr.Status = store.StepRunning
	if err := o.store.UpdateStepRun(ctx, sr); err != nil {
		return err
	}

	o.emit(ctx, "step.retried", nil, &sr.ProtocolRunID, &stepRunID, map[string]any{"retry_count": sr.RuntimeState["retry_count"]})
	return nil
}

// RunStepQA transitions a running StepRun to needs_qa, or straight to
// completed when the project has opted out of the quality gate via
// PolicyOverrides["skip_qa_gate"] — the legacy running -> completed
// direct transition, restored as a policy flag rather than a code fork.
func (o *Orchestrator) RunStepQA(ctx context.Context, stepRunID int64) error {
	sr, err := o.store.GetStepRun(ctx, stepRunID)
	if err != nil {
		return err
	}
	if sr.Status != store.StepRunning {
		return errs.New(errs.KindInvalidTransition, "step_run %d: qa is not valid from status %s", stepRunID, sr.Status)
	}

	next := store.StepNeedsQA
	eventType := "step.needs_qa"
	if o.skipQAGate(ctx, sr.ProtocolRunID) {
		next = store.StepCompleted
		eventType = "step.completed"
	}

	ok, err := o.store.UpdateStepStatus(ctx, stepRunID, store.StepRunning, next)
	if err != nil {
		return err
	}
	if !ok {
		return errs.New(errs.KindInvalidTransition, "step_run %d: status changed concurrently, retry", stepRunID)
	}
	o.emit(ctx, eventType, nil, &sr.ProtocolRunID, &stepRunID, nil)
	return nil
}

// skipQAGate reports whether the ProtocolRun's project has set
// PolicyOverrides["skip_qa_gate"] = true, opting that project out of the
// needs_qa step and back to the legacy direct completion.
func (o *Orchestrator) skipQAGate(ctx context.Context, protocolRunID int64) bool {
	pr, err := o.store.GetProtocolRun(ctx, protocolRunID)
	if err != nil {
		return false
	}
	proj, err := o.store.GetProject(ctx, pr.ProjectID)
	if err != nil {
		return false
	}
	skip, _ := proj.PolicyOverrides["skip_qa_gate"].(bool)
	return skip
}

func isOneOf(s store.StepStatus, options ...store.StepStatus) bool {
	for _, o := range options {
		if s == o {
			return true
		}
	}
	return false
}

// emit publishes a step/protocol lifecycle event asynchronously: this is
// the orchestrator's hot path (every transition emits one) and must not
// block the caller on a slow subscriber. The bus preserves ordering
// per ProtocolRunID, so a protocol's own event sequence still lands in
// the order these transitions actually happened.
func (o *Orchestrator) emit(ctx context.Context, eventType string, projectID, protocolRunID, stepRunID *int64, metadata map[string]any) {
	if o.bus == nil {
		return
	}
	o.bus.PublishAsync(ctx, &store.Event{
		EventType:     eventType,
		ProjectID:     projectID,
		ProtocolRunID: protocolRunID,
		StepRunID:     stepRunID,
		Message:       eventType,
		Metadata:      metadata,
	})
}
