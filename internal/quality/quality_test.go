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

package quality_test

import (
	"context"
	"testing"

	"github.com/devgodzilla/core/internal/bus"
	"github.com/devgodzilla/core/internal/gate"
	"github.com/devgodzilla/core/internal/quality"
	"github.com/devgodzilla/core/internal/store"
	"github.com/devgodzilla/core/internal/store/memory"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAggregateOrderedRule(t *testing.T) {
	cases := []struct {
		name    string
		results []gate.Result
		want    store.Verdict
	}{
		{"empty", nil, store.VerdictSkip},
		{"all skip", []gate.Result{{Verdict: store.VerdictSkip}}, store.VerdictPass},
		{"pass only", []gate.Result{{Verdict: store.VerdictPass}}, store.VerdictPass},
		{"warn beats pass", []gate.Result{{Verdict: store.VerdictPass}, {Verdict: store.VerdictWarn}}, store.VerdictWarn},
		{"fail beats warn", []gate.Result{{Verdict: store.VerdictWarn}, {Verdict: store.VerdictFail}}, store.VerdictFail},
		{"error beats fail", []gate.Result{{Verdict: store.VerdictFail}, {Verdict: store.VerdictError}}, store.VerdictFail},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, quality.Aggregate(tc.results))
		})
	}
}

type stubGate struct {
	id      string
	verdict store.Verdict
	finding *store.Finding
}

func (g *stubGate) ID() string     { return g.id }
func (g *stubGate) Name() string   { return g.id }
func (g *stubGate) Blocking() bool { return true }
func (g *stubGate) Enabled() bool  { return true }
func (g *stubGate) Run(ctx context.Context, gctx gate.Context) gate.Result {
	res := gate.Result{GateID: g.id, GateName: g.id, Verdict: g.verdict}
	if g.finding != nil {
		res.Findings = []store.Finding{*g.finding}
	}
	return res
}

func setupProtocolWithStep(t *testing.T, s store.Store) (int64, int64) {
	t.Helper()
	pr := &store.ProtocolRun{ProjectID: 1, ProtocolName: "ship", Status: store.ProtocolRunning, BaseBranch: "main"}
	require.NoError(t, s.CreateProtocolRun(context.Background(), pr))
	sr := &store.StepRun{ProtocolRunID: pr.ID, StepIndex: 0, StepName: "execute", StepType: store.StepTypeExecute, Status: store.StepNeedsQA}
	require.NoError(t, s.CreateStepRun(context.Background(), sr))
	return pr.ID, sr.ID
}

func TestEvaluateStepPassCompletesStepLeavesProtocol(t *testing.T) {
	ctx := context.Background()
	s := memory.New()
	protocolID, stepID := setupProtocolWithStep(t, s)

	reg := gate.NewRegistry(nil)
	require.NoError(t, reg.Register(&stubGate{id: "test", verdict: store.VerdictPass}, "testing"))
	b := bus.New(s, nil)
	svc := quality.New(reg, s, b, nil, nil)

	qa, err := svc.EvaluateStep(ctx, quality.Policy{}, protocolID, 1, stepID, gate.Context{})
	require.NoError(t, err)
	assert.Equal(t, store.VerdictPass, qa.Verdict)

	step, err := s.GetStepRun(ctx, stepID)
	require.NoError(t, err)
	assert.Equal(t, store.StepCompleted, step.Status)

	pr, err := s.GetProtocolRun(ctx, protocolID)
	require.NoError(t, err)
	assert.Equal(t, store.ProtocolRunning, pr.Status)
}

func TestEvaluateStepFailBlocksProtocol(t *testing.T) {
	ctx := context.Background()
	s := memory.New()
	protocolID, stepID := setupProtocolWithStep(t, s)

	ruleID := "E001"
	reg := gate.NewRegistry(nil)
	require.NoError(t, reg.Register(&stubGate{id: "test", verdict: store.VerdictFail, finding: &store.Finding{GateID: "test", Severity: "critical", Message: "boom", RuleID: &ruleID}}, "testing"))
	svc := quality.New(reg, s, nil, nil, nil)

	qa, err := svc.EvaluateStep(ctx, quality.Policy{}, protocolID, 1, stepID, gate.Context{})
	require.NoError(t, err)
	assert.Equal(t, store.VerdictFail, qa.Verdict)

	step, err := s.GetStepRun(ctx, stepID)
	require.NoError(t, err)
	assert.Equal(t, store.StepFailed, step.Status)

	pr, err := s.GetProtocolRun(ctx, protocolID)
	require.NoError(t, err)
	assert.Equal(t, store.ProtocolBlocked, pr.Status)
}

func TestEvaluateStepAutoFixLoopKeepsStepRunningWhenFixable(t *testing.T) {
	ctx := context.Background()
	s := memory.New()
	protocolID, stepID := setupProtocolWithStep(t, s)

	ruleID := "lint_rule"
	reg := gate.NewRegistry(nil)
	require.NoError(t, reg.Register(&stubGate{id: "lint", verdict: store.VerdictFail, finding: &store.Finding{GateID: "lint", Severity: "error", Message: "style", RuleID: &ruleID}}, "code_quality"))
	svc := quality.New(reg, s, nil, nil, nil)

	_, err := svc.EvaluateStep(ctx, quality.Policy{MaxAutoFixAttempts: 2}, protocolID, 1, stepID, gate.Context{})
	require.NoError(t, err)

	step, err := s.GetStepRun(ctx, stepID)
	require.NoError(t, err)
	assert.Equal(t, store.StepRunning, step.Status, "step should be running (not failed) while auto-fix is pending")
}
