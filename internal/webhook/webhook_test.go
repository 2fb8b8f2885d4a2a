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

package webhook_test

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"testing"

	"github.com/devgodzilla/core/internal/bus"
	"github.com/devgodzilla/core/internal/store"
	"github.com/devgodzilla/core/internal/store/memory"
	"github.com/devgodzilla/core/internal/webhook"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sign(body []byte, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

func TestVerifyHMACSHA256Valid(t *testing.T) {
	body := []byte(`{"hello":"world"}`)
	sig := sign(body, "s3cr3t")
	assert.NoError(t, webhook.VerifyHMACSHA256(sig, body, "s3cr3t"))
}

func TestVerifyHMACSHA256WrongSecret(t *testing.T) {
	body := []byte(`{"hello":"world"}`)
	sig := sign(body, "s3cr3t")
	assert.Error(t, webhook.VerifyHMACSHA256(sig, body, "wrong"))
}

func TestVerifyBearerToken(t *testing.T) {
	assert.NoError(t, webhook.VerifyBearerToken("Bearer abc123", "abc123"))
	assert.Error(t, webhook.VerifyBearerToken("Bearer wrong", "abc123"))
	assert.Error(t, webhook.VerifyBearerToken("abc123", "abc123"))
}

func setup(t *testing.T) (*memory.Store, *webhook.Applier) {
	t.Helper()
	st := memory.New()
	b := bus.New(st, nil)
	return st, webhook.New(st, b, nil)
}

func TestApplyWindmillStatusUpdatesJobAndStep(t *testing.T) {
	st, applier := setup(t)
	ctx := context.Background()

	project := &store.Project{Name: "demo", BaseBranch: "main", Status: store.ProjectActive}
	require.NoError(t, st.CreateProject(ctx, project))
	pr := &store.ProtocolRun{ProjectID: project.ID, ProtocolName: "feature", Status: store.ProtocolRunning, BaseBranch: "main"}
	require.NoError(t, st.CreateProtocolRun(ctx, pr))
	sr := &store.StepRun{ProtocolRunID: pr.ID, StepIndex: 0, StepName: "execute", StepType: store.StepTypeExecute, Status: store.StepRunning}
	require.NoError(t, st.CreateStepRun(ctx, sr))

	jobID := "wm-job-1"
	jr := &store.JobRun{RunID: "run-1", JobType: "execute_step", Status: store.JobRunning, StepRunID: &sr.ID, WindmillJobID: &jobID}
	require.NoError(t, st.CreateJobRun(ctx, jr))

	err := applier.ApplyWindmillStatus(ctx, webhook.WindmillJobPayload{JobID: jobID, Status: "completed"})
	require.NoError(t, err)

	updatedJob, err := st.GetJobRunByWindmillID(ctx, jobID)
	require.NoError(t, err)
	assert.Equal(t, store.JobSucceeded, updatedJob.Status)

	updatedStep, err := st.GetStepRun(ctx, sr.ID)
	require.NoError(t, err)
	assert.Equal(t, store.StepCompleted, updatedStep.Status)
}

func TestApplyWindmillStatusIdempotentRedeliveryEmitsNoNewEvent(t *testing.T) {
	st, applier := setup(t)
	ctx := context.Background()

	jobID := "wm-job-2"
	jr := &store.JobRun{RunID: "run-2", JobType: "execute_step", Status: store.JobSucceeded, WindmillJobID: &jobID}
	require.NoError(t, st.CreateJobRun(ctx, jr))

	before, err := st.ListEvents(ctx, store.EventFilter{})
	require.NoError(t, err)

	err = applier.ApplyWindmillStatus(ctx, webhook.WindmillJobPayload{JobID: jobID, Status: "completed"})
	require.NoError(t, err)

	after, err := st.ListEvents(ctx, store.EventFilter{})
	require.NoError(t, err)
	assert.Equal(t, len(before), len(after))
}

func TestApplyWindmillStatusUnknownJobEmitsOrphanEvent(t *testing.T) {
	st, applier := setup(t)
	ctx := context.Background()

	err := applier.ApplyWindmillStatus(ctx, webhook.WindmillJobPayload{JobID: "no-such-job", Status: "completed"})
	require.NoError(t, err)

	events, err := st.ListEvents(ctx, store.EventFilter{})
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, "webhook_orphan_job", events[0].EventType)
}

func TestApplyGitHubEventMatchesProjectByNormalizedURL(t *testing.T) {
	st, applier := setup(t)
	ctx := context.Background()

	gitURL := "https://github.com/acme/widgets.git"
	project := &store.Project{Name: "widgets", GitURL: &gitURL, BaseBranch: "main", Status: store.ProjectActive}
	require.NoError(t, st.CreateProject(ctx, project))

	body := []byte(`{"action":"opened","repository":{"clone_url":"https://github.com/acme/widgets.git"}}`)
	err := applier.ApplyGitHubEvent(ctx, "pull_request", body)
	require.NoError(t, err)

	events, err := st.ListEvents(ctx, store.EventFilter{})
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, "github_pull_request", events[0].EventType)
	require.NotNil(t, events[0].ProjectID)
	assert.Equal(t, project.ID, *events[0].ProjectID)
}

func TestApplyGitHubEventMalformedBodyNeverErrors(t *testing.T) {
	_, applier := setup(t)
	err := applier.ApplyGitHubEvent(context.Background(), "push", []byte("not json"))
	assert.NoError(t, err)
}
