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

package orchestrator

import (
	"context"

	"github.com/devgodzilla/core/internal/store"
)

// RecoveryAction describes what RecoverStuckProtocols did for one protocol.
type RecoveryAction struct {
	ProtocolRunID int64
	Action        string // "completed", "blocked", "enqueued_step", "none"
	StepRunID     *int64
}

// CheckAndCompleteProtocol evaluates whether every step of protocolRunID is
// terminal and, if so, drives the protocol to its final status per the
// aggregate rule: any failed|timeout -> failed; otherwise -> completed. It
// reports whether the protocol completed (in either terminal status).
func (o *Orchestrator) CheckAndCompleteProtocol(ctx context.Context, protocolRunID int64) (bool, error) {
	pr, err := o.store.GetProtocolRun(ctx, protocolRunID)
	if err != nil {
		return false, err
	}
	if pr.Status.Terminal() {
		return true, nil
	}

	steps, err := o.store.ListStepRuns(ctx, store.StepFilter{ProtocolRunID: protocolRunID})
	if err != nil {
		return false, err
	}
	if len(steps) == 0 {
		// Empty protocol is never auto-completed by recovery or this check.
		return false, nil
	}

	for _, s := range steps {
		if !s.Status.Terminal() {
			return false, nil
		}
	}

	next := store.ProtocolCompleted
	if anyFailedOrTimedOut(steps) {
		next = store.ProtocolFailed
	}

	ok, err := o.store.UpdateProtocolStatus(ctx, protocolRunID, pr.Status, next)
	if err != nil {
		return false, err
	}
	if ok {
		o.emit(ctx, "protocol."+string(next), &pr.ProjectID, &protocolRunID, nil, nil)
	}
	return true, nil
}

func anyFailedOrTimedOut(steps []*store.StepRun) bool {
	for _, s := range steps {
		if s.Status == store.StepFailed || s.Status == store.StepTimeout {
			return true
		}
	}
	return false
}

// RecoverStuckProtocols scans every non-terminal ProtocolRun with no step
// in {running, needs_qa} and applies spec §4.1's recovery rule to each.
func (o *Orchestrator) RecoverStuckProtocols(ctx context.Context) ([]RecoveryAction, error) {
	protocols, err := o.store.ListNonTerminalProtocolRuns(ctx)
	if err != nil {
		return nil, err
	}

	var actions []RecoveryAction
	for _, pr := range protocols {
		action, err := o.recoverOne(ctx, pr)
		if err != nil {
			return actions, err
		}
		if action.Action != "none" {
			actions = append(actions, action)
		}
	}
	return actions, nil
}

func (o *Orchestrator) recoverOne(ctx context.Context, pr *store.ProtocolRun) (RecoveryAction, error) {
	steps, err := o.store.ListStepRuns(ctx, store.StepFilter{ProtocolRunID: pr.ID})
	if err != nil {
		return RecoveryAction{}, err
	}
	if len(steps) == 0 {
		return RecoveryAction{ProtocolRunID: pr.ID, Action: "none"}, nil
	}
	if hasStatus(steps, store.StepRunning) || hasStatus(steps, store.StepNeedsQA) {
		return RecoveryAction{ProtocolRunID: pr.ID, Action: "none"}, nil
	}

	allTerminal := true
	for _, s := range steps {
		if !s.Status.Terminal() {
			allTerminal = false
			break
		}
	}
	if allTerminal {
		if _, err := o.CheckAndCompleteProtocol(ctx, pr.ID); err != nil {
			return RecoveryAction{}, err
		}
		o.emit(ctx, "protocol.recovered", &pr.ProjectID, &pr.ID, nil, map[string]any{"action": "completed"})
		return RecoveryAction{ProtocolRunID: pr.ID, Action: "completed"}, nil
	}

	hasBlockedLike := anyStatus(steps, store.StepFailed, store.StepTimeout, store.StepBlocked)
	hasPendingOrRunning := hasStatus(steps, store.StepPending) || hasStatus(steps, store.StepRunning)
	if hasBlockedLike && !hasPendingOrRunning {
		ok, err := o.store.UpdateProtocolStatus(ctx, pr.ID, pr.Status, store.ProtocolBlocked)
		if err != nil {
			return RecoveryAction{}, err
		}
		if ok {
			o.emit(ctx, "protocol.recovered", &pr.ProjectID, &pr.ID, nil, map[string]any{"action": "blocked"})
		}
		return RecoveryAction{ProtocolRunID: pr.ID, Action: "blocked"}, nil
	}

	earliest := earliestPending(steps)
	if earliest == nil {
		return RecoveryAction{ProtocolRunID: pr.ID, Action: "none"}, nil
	}
	o.emit(ctx, "protocol.recovered", &pr.ProjectID, &pr.ID, &earliest.ID, map[string]any{"action": "enqueued_step"})
	return RecoveryAction{ProtocolRunID: pr.ID, Action: "enqueued_step", StepRunID: &earliest.ID}, nil
}

func hasStatus(steps []*store.StepRun, status store.StepStatus) bool {
	for _, s := range steps {
		if s.Status == status {
			return true
		}
	}
	return false
}

func anyStatus(steps []*store.StepRun, statuses ...store.StepStatus) bool {
	for _, s := range steps {
		for _, want := range statuses {
			if s.Status == want {
				return true
			}
		}
	}
	return false
}

func earliestPending(steps []*store.StepRun) *store.StepRun {
	var earliest *store.StepRun
	for _, s := range steps {
		if s.Status != store.StepPending {
			continue
		}
		if earliest == nil || s.StepIndex < earliest.StepIndex {
			earliest = s
		}
	}
	return earliest
}
