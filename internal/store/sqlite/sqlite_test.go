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

package sqlite_test

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/devgodzilla/core/internal/errs"
	"github.com/devgodzilla/core/internal/store"
	"github.com/devgodzilla/core/internal/store/sqlite"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newStore(t *testing.T) *sqlite.Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "devgodzilla.db")
	s, err := sqlite.New(sqlite.Config{Path: path})
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

func TestGetProjectNotFound(t *testing.T) {
	s := newStore(t)
	_, err := s.GetProject(context.Background(), 999)
	assert.True(t, errs.Is(err, errs.KindNotFound))
}

func TestUpdateProtocolStatusGuardRejectsMismatch(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)
	project := &store.Project{Name: "acme", BaseBranch: "main", Status: store.ProjectActive}
	require.NoError(t, s.CreateProject(ctx, project))
	pr := &store.ProtocolRun{ProjectID: project.ID, ProtocolName: "ship", Status: store.ProtocolPending, BaseBranch: "main"}
	require.NoError(t, s.CreateProtocolRun(ctx, pr))

	ok, err := s.UpdateProtocolStatus(ctx, pr.ID, store.ProtocolRunning, store.ProtocolPlanning)
	require.NoError(t, err)
	assert.False(t, ok, "guard should reject because current status is pending, not running")

	ok, err = s.UpdateProtocolStatus(ctx, pr.ID, store.ProtocolPending, store.ProtocolPlanning)
	require.NoError(t, err)
	assert.True(t, ok)

	got, err := s.GetProtocolRun(ctx, pr.ID)
	require.NoError(t, err)
	assert.Equal(t, store.ProtocolPlanning, got.Status)
}

func TestUpdateProtocolStatusUnknownIDReturnsNotFound(t *testing.T) {
	s := newStore(t)
	_, err := s.UpdateProtocolStatus(context.Background(), 404, store.ProtocolPending, store.ProtocolPlanning)
	assert.True(t, errs.Is(err, errs.KindNotFound))
}

func TestCreateStepRunRejectsDuplicateIndex(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)
	project := &store.Project{Name: "acme", BaseBranch: "main", Status: store.ProjectActive}
	require.NoError(t, s.CreateProject(ctx, project))
	pr := &store.ProtocolRun{ProjectID: project.ID, ProtocolName: "ship", Status: store.ProtocolPending, BaseBranch: "main"}
	require.NoError(t, s.CreateProtocolRun(ctx, pr))

	sr1 := &store.StepRun{ProtocolRunID: pr.ID, StepIndex: 0, StepName: "plan", StepType: store.StepTypePlan, Status: store.StepPending}
	require.NoError(t, s.CreateStepRun(ctx, sr1))

	sr2 := &store.StepRun{ProtocolRunID: pr.ID, StepIndex: 0, StepName: "plan-again", StepType: store.StepTypePlan, Status: store.StepPending}
	err := s.CreateStepRun(ctx, sr2)
	assert.True(t, errs.Is(err, errs.KindValidation))
}

func TestListStepRunsOrderedByIndexThenID(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)
	project := &store.Project{Name: "acme", BaseBranch: "main", Status: store.ProjectActive}
	require.NoError(t, s.CreateProject(ctx, project))
	pr := &store.ProtocolRun{ProjectID: project.ID, ProtocolName: "ship", Status: store.ProtocolPending, BaseBranch: "main"}
	require.NoError(t, s.CreateProtocolRun(ctx, pr))

	for _, idx := range []int{2, 0, 1} {
		sr := &store.StepRun{ProtocolRunID: pr.ID, StepIndex: idx, StepName: "step", StepType: store.StepTypeExecute, Status: store.StepPending}
		require.NoError(t, s.CreateStepRun(ctx, sr))
	}

	steps, err := s.ListStepRuns(ctx, store.StepFilter{ProtocolRunID: pr.ID})
	require.NoError(t, err)
	require.Len(t, steps, 3)
	assert.Equal(t, 0, steps[0].StepIndex)
	assert.Equal(t, 1, steps[1].StepIndex)
	assert.Equal(t, 2, steps[2].StepIndex)
}

func TestJobRunWindmillIDUniqueness(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)
	wmID := "wm-1"

	jr1 := &store.JobRun{RunID: "run-1", JobType: "execute", Status: store.JobQueued, WindmillJobID: &wmID}
	require.NoError(t, s.CreateJobRun(ctx, jr1))

	jr2 := &store.JobRun{RunID: "run-2", JobType: "execute", Status: store.JobQueued, WindmillJobID: &wmID}
	err := s.CreateJobRun(ctx, jr2)
	assert.True(t, errs.Is(err, errs.KindValidation))

	got, err := s.GetJobRunByWindmillID(ctx, wmID)
	require.NoError(t, err)
	assert.Equal(t, "run-1", got.RunID)
}

func TestLatestJobRunForStepReturnsMostRecent(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)
	stepID := int64(7)

	first := &store.JobRun{RunID: "run-a", JobType: "execute", Status: store.JobSucceeded, StepRunID: &stepID}
	require.NoError(t, s.CreateJobRun(ctx, first))

	second := &store.JobRun{RunID: "run-b", JobType: "execute", Status: store.JobRunning, StepRunID: &stepID}
	require.NoError(t, s.CreateJobRun(ctx, second))

	latest, err := s.LatestJobRunForStep(ctx, stepID)
	require.NoError(t, err)
	assert.Equal(t, "run-b", latest.RunID)
}

func TestAppendEventAssignsMonotonicIDs(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)

	id1, err := s.AppendEvent(ctx, &store.Event{EventType: "protocol_started", Message: "go"})
	require.NoError(t, err)
	id2, err := s.AppendEvent(ctx, &store.Event{EventType: "protocol_completed", Message: "done"})
	require.NoError(t, err)
	assert.Greater(t, id2, id1)

	events, err := s.ListEvents(ctx, store.EventFilter{SinceID: id1})
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, "protocol_completed", events[0].EventType)
}

func TestUpsertClarificationInsertsThenUpdatesByScopeAndKey(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)

	c := &store.Clarification{Scope: "protocol_run", ProjectID: 1, Key: "merge_strategy",
		Question: "Squash or merge?", AppliesTo: "pr", Blocking: true}
	first, err := s.UpsertClarification(ctx, c)
	require.NoError(t, err)
	assert.Equal(t, store.ClarificationOpen, first.Status)

	c2 := &store.Clarification{Scope: "protocol_run", ProjectID: 1, Key: "merge_strategy",
		Question: "Squash, merge, or rebase?", AppliesTo: "pr", Blocking: false}
	second, err := s.UpsertClarification(ctx, c2)
	require.NoError(t, err)
	assert.Equal(t, first.ID, second.ID, "same (scope, key) must update the existing row, not insert a new one")
	assert.Equal(t, "Squash, merge, or rebase?", second.Question)
	assert.False(t, second.Blocking)

	all, err := s.ListOpenClarifications(ctx, "protocol_run", 1)
	require.NoError(t, err)
	assert.Len(t, all, 1)
}

func TestAnswerClarificationMarksAnswered(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)

	c := &store.Clarification{Scope: "step_run", ProjectID: 1, Key: "env", Question: "Which env?", AppliesTo: "execute"}
	created, err := s.UpsertClarification(ctx, c)
	require.NoError(t, err)

	require.NoError(t, s.AnswerClarification(ctx, created.ID, "staging", "operator@example.com"))

	got, err := s.GetClarification(ctx, created.ID)
	require.NoError(t, err)
	assert.Equal(t, store.ClarificationAnswered, got.Status)
	require.NotNil(t, got.Answer)
	assert.Equal(t, "staging", *got.Answer)
}

func TestLatestQAResultForStepReturnsMostRecent(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)
	stepID := int64(3)

	require.NoError(t, s.CreateQAResult(ctx, &store.QAResult{ProtocolRunID: 1, ProjectID: 1, StepRunID: &stepID, Verdict: store.VerdictFail}))
	require.NoError(t, s.CreateQAResult(ctx, &store.QAResult{ProtocolRunID: 1, ProjectID: 1, StepRunID: &stepID, Verdict: store.VerdictPass}))

	latest, err := s.LatestQAResultForStep(ctx, stepID)
	require.NoError(t, err)
	assert.Equal(t, store.VerdictPass, latest.Verdict)
}

func TestListNonTerminalProtocolRunsExcludesTerminalStatuses(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)
	project := &store.Project{Name: "acme", BaseBranch: "main", Status: store.ProjectActive}
	require.NoError(t, s.CreateProject(ctx, project))

	require.NoError(t, s.CreateProtocolRun(ctx, &store.ProtocolRun{ProjectID: project.ID, ProtocolName: "a", Status: store.ProtocolRunning, BaseBranch: "main"}))
	require.NoError(t, s.CreateProtocolRun(ctx, &store.ProtocolRun{ProjectID: project.ID, ProtocolName: "b", Status: store.ProtocolCompleted, BaseBranch: "main"}))

	active, err := s.ListNonTerminalProtocolRuns(ctx)
	require.NoError(t, err)
	require.Len(t, active, 1)
	assert.Equal(t, "a", active[0].ProtocolName)
}

func TestArtifactsScopedToStepAndRun(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)
	stepID := int64(5)
	runID := "run-xyz"

	require.NoError(t, s.CreateArtifact(ctx, &store.Artifact{StepID: &stepID, Name: "diff.patch", Kind: store.ArtifactDiff, Path: "/tmp/diff.patch"}))
	require.NoError(t, s.CreateArtifact(ctx, &store.Artifact{RunID: &runID, Name: "job.log", Kind: store.ArtifactLog, Path: "/tmp/job.log"}))

	byStep, err := s.ListArtifactsForStep(ctx, stepID)
	require.NoError(t, err)
	require.Len(t, byStep, 1)
	assert.Equal(t, "diff.patch", byStep[0].Name)

	byRun, err := s.ListArtifactsForRun(ctx, runID)
	require.NoError(t, err)
	require.Len(t, byRun, 1)
	assert.Equal(t, "job.log", byRun[0].Name)
}

func TestCloseThenOperationFails(t *testing.T) {
	s := newStore(t)
	require.NoError(t, s.Close())
	_, err := s.ListProjects(context.Background(), store.ProjectFilter{})
	assert.Error(t, err)
}

func TestAddProtocolRunToSprintIsIdempotent(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)
	project := &store.Project{Name: "acme", BaseBranch: "main", Status: store.ProjectActive}
	require.NoError(t, s.CreateProject(ctx, project))

	sp := &store.Sprint{ProjectID: project.ID, Name: "sprint-1", Status: store.SprintActive}
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
	p1 := &store.Project{Name: "acme", BaseBranch: "main", Status: store.ProjectActive}
	require.NoError(t, s.CreateProject(ctx, p1))
	p2 := &store.Project{Name: "globex", BaseBranch: "main", Status: store.ProjectActive}
	require.NoError(t, s.CreateProject(ctx, p2))

	require.NoError(t, s.CreateSprint(ctx, &store.Sprint{ProjectID: p1.ID, Name: "a", Status: store.SprintActive}))
	require.NoError(t, s.CreateSprint(ctx, &store.Sprint{ProjectID: p2.ID, Name: "b", Status: store.SprintActive}))

	got, err := s.ListSprints(ctx, p1.ID)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "a", got[0].Name)
}

func TestCreateAgentProfileRejectsDuplicateEngineID(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)

	require.NoError(t, s.CreateAgentProfile(ctx, &store.AgentProfile{EngineID: "claude-code", DisplayName: "Claude Code", Kind: "cli"}))
	err := s.CreateAgentProfile(ctx, &store.AgentProfile{EngineID: "claude-code", DisplayName: "Dup", Kind: "cli"})
	require.Error(t, err)
	assert.Equal(t, errs.KindValidation, errs.KindOf(err))
}

func TestGlobalDefaultReturnsFlaggedProfile(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)

	require.NoError(t, s.CreateAgentProfile(ctx, &store.AgentProfile{EngineID: "claude-code", DisplayName: "Claude Code", Kind: "cli"}))
	require.NoError(t, s.CreateAgentProfile(ctx, &store.AgentProfile{EngineID: "codex", DisplayName: "Codex", Kind: "cli", IsGlobalDefault: true}))

	engineID, ok := s.GlobalDefault(ctx)
	require.True(t, ok)
	assert.Equal(t, "codex", engineID)
}

func TestProjectDefaultForStageReadsPolicyOverrides(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)

	p := &store.Project{Name: "acme", BaseBranch: "main", Status: store.ProjectActive, PolicyOverrides: map[string]any{
		"agent_defaults": map[string]any{"qa": "claude-code"},
	}}
	require.NoError(t, s.CreateProject(ctx, p))

	engineID, ok := s.ProjectDefaultForStage(ctx, p.ID, "qa")
	require.True(t, ok)
	assert.Equal(t, "claude-code", engineID)

	_, ok = s.ProjectDefaultForStage(ctx, p.ID, "code_gen")
	assert.False(t, ok)
}
