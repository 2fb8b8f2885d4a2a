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

// Package postgres_test exercises the PostgreSQL backend against a real
// server. These are integration tests: they skip unless POSTGRES_URL
// points at a reachable, disposable database.
package postgres_test

import (
	"context"
	"os"
	"testing"

	"github.com/devgodzilla/core/internal/errs"
	"github.com/devgodzilla/core/internal/store"
	"github.com/devgodzilla/core/internal/store/postgres"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newStore(t *testing.T) *postgres.Store {
	t.Helper()
	url := os.Getenv("POSTGRES_URL")
	if url == "" {
		t.Skip("Skipping test: POSTGRES_URL not set")
	}
	s, err := postgres.New(postgres.Config{ConnectionString: url})
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestCreateAndGetProject(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)

	p := &store.Project{Name: "acme", BaseBranch: "main", Status: store.ProjectActive,
		PolicyOverrides: map[string]any{"max_retries": float64(3)}}
	require.NoError(t, s.CreateProject(ctx, p))
	assert.NotZero(t, p.ID)

	got, err := s.GetProject(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, "acme", got.Name)
	assert.Equal(t, float64(3), got.PolicyOverrides["max_retries"])
}

func TestUpdateProtocolStatusGuardRejectsMismatch(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)

	project := &store.Project{Name: "guard-test", BaseBranch: "main", Status: store.ProjectActive}
	require.NoError(t, s.CreateProject(ctx, project))

	pr := &store.ProtocolRun{ProjectID: project.ID, ProtocolName: "ship", Status: store.ProtocolPending, BaseBranch: "main"}
	require.NoError(t, s.CreateProtocolRun(ctx, pr))

	ok, err := s.UpdateProtocolStatus(ctx, pr.ID, store.ProtocolRunning, store.ProtocolPlanning)
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = s.UpdateProtocolStatus(ctx, pr.ID, store.ProtocolPending, store.ProtocolPlanning)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestCreateStepRunRejectsDuplicateIndex(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)

	project := &store.Project{Name: "dup-index", BaseBranch: "main", Status: store.ProjectActive}
	require.NoError(t, s.CreateProject(ctx, project))
	pr := &store.ProtocolRun{ProjectID: project.ID, ProtocolName: "ship", Status: store.ProtocolPending, BaseBranch: "main"}
	require.NoError(t, s.CreateProtocolRun(ctx, pr))

	sr1 := &store.StepRun{ProtocolRunID: pr.ID, StepIndex: 0, StepName: "plan", StepType: store.StepTypePlan, Status: store.StepPending}
	require.NoError(t, s.CreateStepRun(ctx, sr1))

	sr2 := &store.StepRun{ProtocolRunID: pr.ID, StepIndex: 0, StepName: "plan-again", StepType: store.StepTypePlan, Status: store.StepPending}
	err := s.CreateStepRun(ctx, sr2)
	assert.True(t, errs.Is(err, errs.KindValidation))
}

func TestJobRunWindmillIDUniqueness(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)
	wmID := "wm-pg-1"

	jr1 := &store.JobRun{RunID: "pg-run-1", JobType: "execute", Status: store.JobQueued, WindmillJobID: &wmID}
	require.NoError(t, s.CreateJobRun(ctx, jr1))

	jr2 := &store.JobRun{RunID: "pg-run-2", JobType: "execute", Status: store.JobQueued, WindmillJobID: &wmID}
	err := s.CreateJobRun(ctx, jr2)
	assert.True(t, errs.Is(err, errs.KindValidation))
}

func TestUpsertClarificationInsertsThenUpdatesByScopeAndKey(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)

	c := &store.Clarification{Scope: "protocol_run", ProjectID: 1, Key: "merge_strategy_pg",
		Question: "Squash or merge?", AppliesTo: "pr", Blocking: true}
	first, err := s.UpsertClarification(ctx, c)
	require.NoError(t, err)
	assert.Equal(t, store.ClarificationOpen, first.Status)

	c2 := &store.Clarification{Scope: "protocol_run", ProjectID: 1, Key: "merge_strategy_pg",
		Question: "Squash, merge, or rebase?", AppliesTo: "pr", Blocking: false}
	second, err := s.UpsertClarification(ctx, c2)
	require.NoError(t, err)
	assert.Equal(t, first.ID, second.ID)
	assert.Equal(t, "Squash, merge, or rebase?", second.Question)
}

func TestLatestQAResultForStepReturnsMostRecent(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)
	stepID := int64(999001)

	require.NoError(t, s.CreateQAResult(ctx, &store.QAResult{ProtocolRunID: 1, ProjectID: 1, StepRunID: &stepID, Verdict: store.VerdictFail}))
	require.NoError(t, s.CreateQAResult(ctx, &store.QAResult{ProtocolRunID: 1, ProjectID: 1, StepRunID: &stepID, Verdict: store.VerdictPass}))

	latest, err := s.LatestQAResultForStep(ctx, stepID)
	require.NoError(t, err)
	assert.Equal(t, store.VerdictPass, latest.Verdict)
}

func TestAddProtocolRunToSprintIsIdempotent(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)

	sp := &store.Sprint{ProjectID: 999002, Name: "sprint-pg-1", Status: store.SprintActive}
	require.NoError(t, s.CreateSprint(ctx, sp))

	require.NoError(t, s.AddProtocolRunToSprint(ctx, sp.ID, 42))
	require.NoError(t, s.AddProtocolRunToSprint(ctx, sp.ID, 42))

	got, err := s.GetSprint(ctx, sp.ID)
	require.NoError(t, err)
	assert.Equal(t, []int64{42}, got.ProtocolRunIDs)
}

func TestListSprintsFiltersByProject(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)

	require.NoError(t, s.CreateSprint(ctx, &store.Sprint{ProjectID: 999003, Name: "a", Status: store.SprintActive}))
	require.NoError(t, s.CreateSprint(ctx, &store.Sprint{ProjectID: 999004, Name: "b", Status: store.SprintActive}))

	got, err := s.ListSprints(ctx, 999003)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "a", got[0].Name)
}

func TestCreateAgentProfileRejectsDuplicateEngineID(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)

	require.NoError(t, s.CreateAgentProfile(ctx, &store.AgentProfile{EngineID: "claude-code-pg", DisplayName: "Claude Code", Kind: "cli"}))
	err := s.CreateAgentProfile(ctx, &store.AgentProfile{EngineID: "claude-code-pg", DisplayName: "Dup", Kind: "cli"})
	assert.True(t, errs.Is(err, errs.KindValidation))
}

func TestProjectDefaultForStageReadsPolicyOverrides(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)

	p := &store.Project{Name: "acme-pg-agent-defaults", BaseBranch: "main", Status: store.ProjectActive, PolicyOverrides: map[string]any{
		"agent_defaults": map[string]any{"qa": "claude-code-pg"},
	}}
	require.NoError(t, s.CreateProject(ctx, p))

	engineID, ok := s.ProjectDefaultForStage(ctx, p.ID, "qa")
	require.True(t, ok)
	assert.Equal(t, "claude-code-pg", engineID)

	_, ok = s.ProjectDefaultForStage(ctx, p.ID, "code_gen")
	assert.False(t, ok)
}
