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

package reconciliation_test

import (
	"context"
	"testing"

	"github.com/devgodzilla/core/internal/bus"
	"github.com/devgodzilla/core/internal/reconciliation"
	"github.com/devgodzilla/core/internal/store"
	"github.com/devgodzilla/core/internal/store/memory"
	"github.com/devgodzilla/core/internal/windmill"
	"github.com/stretchr/testify/require"
)

func setup(t *testing.T) (*memory.Store, *windmill.MemoryExecutor, *reconciliation.Engine, *store.ProtocolRun, *store.StepRun) {
	t.Helper()
	st := memory.New()
	exec := windmill.NewMemoryExecutor()
	b := bus.New(st, nil)
	eng := reconciliation.New(st, exec, b, nil)

	project := &store.Project{Name: "demo", BaseBranch: "main", Status: store.ProjectActive}
	require.NoError(t, st.CreateProject(context.Background(), project))

	pr := &store.ProtocolRun{ProjectID: project.ID, ProtocolName: "feature", Status: store.ProtocolRunning, BaseBranch: "main"}
	require.NoError(t, st.CreateProtocolRun(context.Background(), pr))

	sr := &store.StepRun{ProtocolRunID: pr.ID, StepIndex: 0, StepName: "execute", StepType: store.StepTypeExecute, Status: store.StepRunning}
	require.NoError(t, st.CreateStepRun(context.Background(), sr))

	return st, exec, eng, pr, sr
}

func TestReconcileRunsNoChangeWhenStatusesMatch(t *testing.T) {
	st, exec, eng, pr, sr := setup(t)

	jobID, err := exec.RunScript(context.Background(), "f/devgodzilla/execute_step", nil)
	require.NoError(t, err)
	jr := &store.JobRun{RunID: "run-1", JobType: "execute_step", Status: store.JobRunning, StepRunID: &sr.ID, WindmillJobID: &jobID}
	require.NoError(t, st.CreateJobRun(context.Background(), jr))

	exec.SetJobStatus(jobID, windmill.JobRunning)

	report, err := eng.ReconcileRuns(context.Background(), pr.ID, false)
	require.NoError(t, err)
	require.Equal(t, 1, report.TotalChecked)
	require.Equal(t, 0, report.MismatchesFound)
	require.Equal(t, reconciliation.NoChange, report.Details[0].Outcome)
}

func TestReconcileRunsAutoFixesCompletedJob(t *testing.T) {
	st, exec, eng, pr, sr := setup(t)

	jobID, err := exec.RunScript(context.Background(), "f/devgodzilla/execute_step", nil)
	require.NoError(t, err)
	jr := &store.JobRun{RunID: "run-1", JobType: "execute_step", Status: store.JobRunning, StepRunID: &sr.ID, WindmillJobID: &jobID}
	require.NoError(t, st.CreateJobRun(context.Background(), jr))

	exec.SetJobStatus(jobID, windmill.JobCompleted)

	report, err := eng.ReconcileRuns(context.Background(), pr.ID, false)
	require.NoError(t, err)
	require.Equal(t, 1, report.AutoFixed)

	updated, err := st.GetStepRun(context.Background(), sr.ID)
	require.NoError(t, err)
	require.Equal(t, store.StepCompleted, updated.Status)
}

func TestReconcileRunsManualRequiredWhenStepAlreadyTerminal(t *testing.T) {
	st, exec, eng, pr, sr := setup(t)

	ok, err := st.UpdateStepStatus(context.Background(), sr.ID, store.StepRunning, store.StepFailed)
	require.NoError(t, err)
	require.True(t, ok)

	jobID, err := exec.RunScript(context.Background(), "f/devgodzilla/execute_step", nil)
	require.NoError(t, err)
	jr := &store.JobRun{RunID: "run-1", JobType: "execute_step", Status: store.JobRunning, StepRunID: &sr.ID, WindmillJobID: &jobID}
	require.NoError(t, st.CreateJobRun(context.Background(), jr))
	exec.SetJobStatus(jobID, windmill.JobRunning)

	report, err := eng.ReconcileRuns(context.Background(), pr.ID, false)
	require.NoError(t, err)
	require.Equal(t, 1, report.RequiresManual)
	require.Equal(t, reconciliation.ManualRequired, report.Details[0].Outcome)
}

func TestReconcileRunsDryRunDoesNotMutateStore(t *testing.T) {
	st, exec, eng, pr, sr := setup(t)

	jobID, err := exec.RunScript(context.Background(), "f/devgodzilla/execute_step", nil)
	require.NoError(t, err)
	jr := &store.JobRun{RunID: "run-1", JobType: "execute_step", Status: store.JobRunning, StepRunID: &sr.ID, WindmillJobID: &jobID}
	require.NoError(t, st.CreateJobRun(context.Background(), jr))
	exec.SetJobStatus(jobID, windmill.JobCompleted)

	report, err := eng.ReconcileRuns(context.Background(), pr.ID, true)
	require.NoError(t, err)
	require.Equal(t, 1, report.AutoFixed)

	unchanged, err := st.GetStepRun(context.Background(), sr.ID)
	require.NoError(t, err)
	require.Equal(t, store.StepRunning, unchanged.Status)
}

func TestReconcileRunsSkipsStepsWithoutJob(t *testing.T) {
	_, _, eng, pr, _ := setup(t)

	report, err := eng.ReconcileRuns(context.Background(), pr.ID, false)
	require.NoError(t, err)
	require.Equal(t, 1, report.TotalChecked)
	require.Equal(t, reconciliation.NoChange, report.Details[0].Outcome)
}
