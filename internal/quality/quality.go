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

// Package quality composes the gate registry with per-project policy, the
// ordered verdict-aggregation rule, QAResult persistence, and the bounded
// auto-fix loop. It owns exactly one responsibility: turning a gate
// evaluation pass into a single authoritative QAResult and the step/
// protocol status change it implies.
package quality

import (
	"context"
	"log/slog"
	"time"

	"github.com/devgodzilla/core/internal/bus"
	"github.com/devgodzilla/core/internal/gate"
	"github.com/devgodzilla/core/internal/store"
)

// Policy is the per-project quality configuration.
type Policy struct {
	// GateIDs restricts evaluation to this set; empty means "all registered
	// gates".
	GateIDs []string
	// MaxAutoFixAttempts bounds the auto-fix loop; 0 disables it, matching
	// the upstream default.
	MaxAutoFixAttempts int
}

// FeedbackRouter classifies findings as auto-fixable. The default
// implementation treats lint/format category findings with a known rule id
// as fixable; callers may substitute a richer classifier.
type FeedbackRouter interface {
	IsAutoFixable(f store.Finding) bool
}

type defaultRouter struct{}

func (defaultRouter) IsAutoFixable(f store.Finding) bool {
	if f.RuleID == nil {
		return false
	}
	switch f.GateID {
	case "lint", "format":
		return true
	default:
		return false
	}
}

// DefaultFeedbackRouter is the stock auto-fixable classifier.
var DefaultFeedbackRouter FeedbackRouter = defaultRouter{}

// Service evaluates gates and persists their outcome.
type Service struct {
	registry *gate.Registry
	store    store.Store
	bus      *bus.Bus
	router   FeedbackRouter
	logger   *slog.Logger
}

// New creates a quality Service.
func New(registry *gate.Registry, st store.Store, b *bus.Bus, router FeedbackRouter, logger *slog.Logger) *Service {
	if router == nil {
		router = DefaultFeedbackRouter
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{registry: registry, store: st, bus: b, router: router, logger: logger}
}

// Aggregate applies the ordered verdict-aggregation rule from spec §4.3:
// any error -> fail; else any fail -> fail; else any warn -> warn; else
// any pass -> pass; else (all skip) -> pass; empty set -> skip.
func Aggregate(results []gate.Result) store.Verdict {
	if len(results) == 0 {
		return store.VerdictSkip
	}
	var anyError, anyFail, anyWarn, anyPass bool
	for _, r := range results {
		switch r.Verdict {
		case store.VerdictError:
			anyError = true
		case store.VerdictFail:
			anyFail = true
		case store.VerdictWarn:
			anyWarn = true
		case store.VerdictPass:
			anyPass = true
		}
	}
	switch {
	case anyError:
		return store.VerdictFail
	case anyFail:
		return store.VerdictFail
	case anyWarn:
		return store.VerdictWarn
	case anyPass:
		return store.VerdictPass
	default:
		return store.VerdictPass
	}
}

// EvaluateStep runs the configured gates against gctx, persists exactly one
// QAResult, updates the step's status, and emits qa_evaluated. It returns
// the persisted QAResult.
func (s *Service) EvaluateStep(ctx context.Context, policy Policy, protocolRunID, projectID, stepRunID int64, gctx gate.Context) (*store.QAResult, error) {
	start := time.Now()

	var results []gate.Result
	if len(policy.GateIDs) > 0 {
		results = s.registry.EvaluateGates(ctx, policy.GateIDs, gctx)
	} else {
		results = s.registry.EvaluateAll(ctx, gctx)
	}

	verdict := Aggregate(results)
	findings := flattenFindings(results)

	qa := &store.QAResult{
		ProtocolRunID: protocolRunID,
		ProjectID:     projectID,
		StepRunID:     &stepRunID,
		Verdict:       verdict,
		GateResults:   toGateResultRecords(results),
		Findings:      findings,
	}
	if err := s.store.CreateQAResult(ctx, qa); err != nil {
		return nil, err
	}

	nextStatus, protocolAction := s.resolveOutcome(ctx, policy, verdict, findings, stepRunID)
	if nextStatus != "" {
		if _, err := s.store.UpdateStepStatus(ctx, stepRunID, store.StepNeedsQA, nextStatus); err != nil {
			return nil, err
		}
	}
	if protocolAction == blockProtocol {
		if pr, err := s.lookupProtocolForStep(ctx, stepRunID); err == nil && pr != nil {
			_, _ = s.store.UpdateProtocolStatus(ctx, pr.ID, pr.Status, store.ProtocolBlocked)
		}
	}

	if s.bus != nil {
		_, _ = s.bus.Publish(ctx, &store.Event{
			EventType:     "qa_evaluated",
			ProtocolRunID: &protocolRunID,
			StepRunID:     &stepRunID,
			ProjectID:     &projectID,
			Message:       "quality gate evaluation completed",
			Metadata: map[string]any{
				"verdict":        string(verdict),
				"findings_count": len(findings),
				"duration_ms":    time.Since(start).Milliseconds(),
			},
		})
	}

	return qa, nil
}

type protocolAction int

const (
	noProtocolAction protocolAction = iota
	blockProtocol
)

// resolveOutcome maps a verdict to the step's next status per spec §4.3,
// running the bounded auto-fix loop when the verdict is fail.
func (s *Service) resolveOutcome(ctx context.Context, policy Policy, verdict store.Verdict, findings []store.Finding, stepRunID int64) (store.StepStatus, protocolAction) {
	switch verdict {
	case store.VerdictPass, store.VerdictWarn, store.VerdictSkip:
		return store.StepCompleted, noProtocolAction
	default: // fail, error
		if policy.MaxAutoFixAttempts > 0 && s.allBlockingFindingsAutoFixable(findings) {
			step, err := s.store.GetStepRun(ctx, stepRunID)
			attempts := 0.0
			if err == nil {
				attempts, _ = step.RuntimeState["auto_fix_attempts"].(float64)
			}
			if err == nil && int(attempts) < policy.MaxAutoFixAttempts {
				if step.RuntimeState == nil {
					step.RuntimeState = map[string]any{}
				}
				step.RuntimeState["auto_fix_attempts"] = attempts + 1
				if err := s.store.UpdateStepRun(ctx, step); err == nil {
					if s.bus != nil {
						_, _ = s.bus.Publish(ctx, &store.Event{
							EventType: "feedback_auto_fix_requested",
							StepRunID: &stepRunID,
							Message:   "auto-fixable findings detected, step remains running",
						})
					}
					return store.StepRunning, noProtocolAction
				}
			}
		}
		return store.StepFailed, blockProtocol
	}
}

func (s *Service) allBlockingFindingsAutoFixable(findings []store.Finding) bool {
	if len(findings) == 0 {
		return false
	}
	for _, f := range findings {
		if f.Severity != "error" && f.Severity != "critical" {
			continue
		}
		if !s.router.IsAutoFixable(f) {
			return false
		}
	}
	return true
}

func (s *Service) lookupProtocolForStep(ctx context.Context, stepRunID int64) (*store.ProtocolRun, error) {
	step, err := s.store.GetStepRun(ctx, stepRunID)
	if err != nil {
		return nil, err
	}
	return s.store.GetProtocolRun(ctx, step.ProtocolRunID)
}

func flattenFindings(results []gate.Result) []store.Finding {
	var out []store.Finding
	for _, r := range results {
		out = append(out, r.Findings...)
	}
	return out
}

func toGateResultRecords(results []gate.Result) []store.GateResultRecord {
	out := make([]store.GateResultRecord, 0, len(results))
	for _, r := range results {
		out = append(out, store.GateResultRecord{
			GateID:   r.GateID,
			Verdict:  r.Verdict,
			Findings: r.Findings,
			Duration: r.Duration,
		})
	}
	return out
}
