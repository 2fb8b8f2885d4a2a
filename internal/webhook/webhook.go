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

// Package webhook applies inbound webhook payloads to the Store/Bus.
// It owns no HTTP route; a façade verifies transport concerns (TLS,
// method) and calls these pure functions with the already-read body.
package webhook

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/devgodzilla/core/internal/bus"
	"github.com/devgodzilla/core/internal/store"
)

// windmillStatusMap is spec.md §6's webhook status map.
var windmillStatusMap = map[string]store.JobStatus{
	"queued":    store.JobQueued,
	"running":   store.JobRunning,
	"success":   store.JobSucceeded,
	"completed": store.JobSucceeded,
	"failure":   store.JobFailed,
	"failed":    store.JobFailed,
	"cancelled": store.JobCancelled,
	"canceled":  store.JobCancelled,
}

// windmillStepMap mirrors it for the step the job backs.
var windmillStepMap = map[store.JobStatus]store.StepStatus{
	store.JobQueued:    store.StepPending,
	store.JobRunning:   store.StepRunning,
	store.JobSucceeded: store.StepCompleted,
	store.JobFailed:    store.StepFailed,
	store.JobCancelled: store.StepCancelled,
}

// Applier applies verified webhook payloads to the Store, emitting events
// on the Bus.
type Applier struct {
	store  store.Store
	bus    *bus.Bus
	logger *slog.Logger
}

// New creates an Applier.
func New(st store.Store, b *bus.Bus, logger *slog.Logger) *Applier {
	if logger == nil {
		logger = slog.Default()
	}
	return &Applier{store: st, bus: b, logger: logger}
}

// WindmillJobPayload is the body of POST /webhooks/windmill/job.
type WindmillJobPayload struct {
	JobID  string `json:"job_id"`
	Status string `json:"status"`
	Error  string `json:"error,omitempty"`
}

// ApplyWindmillStatus updates the JobRun (and its StepRun) identified by
// payload.JobID. Unknown job ids are swallowed but recorded as a
// webhook_orphan_job event. Re-delivery with the same status is a no-op
// that emits no new event.
func (a *Applier) ApplyWindmillStatus(ctx context.Context, payload WindmillJobPayload) error {
	mapped, ok := windmillStatusMap[strings.ToLower(payload.Status)]
	if !ok {
		return fmt.Errorf("webhook: unknown windmill status %q", payload.Status)
	}

	jr, err := a.store.GetJobRunByWindmillID(ctx, payload.JobID)
	if err != nil {
		a.emitOrphan(ctx, payload.JobID, payload.Status)
		return nil
	}

	if jr.Status == mapped {
		return nil // idempotent redelivery
	}

	previous := jr.Status
	jr.Status = mapped
	if payload.Error != "" {
		jr.Error = &payload.Error
	}
	if err := a.store.UpdateJobRun(ctx, jr); err != nil {
		return err
	}

	if jr.StepRunID != nil {
		if stepStatus, ok := windmillStepMap[mapped]; ok {
			step, err := a.store.GetStepRun(ctx, *jr.StepRunID)
			if err == nil && !step.Status.Terminal() && step.Status != stepStatus {
				if _, err := a.store.UpdateStepStatus(ctx, step.ID, step.Status, stepStatus); err != nil {
					a.logger.Error("webhook: failed to apply step status", "error", err, "step_run_id", step.ID)
				}
			}
		}
	}

	a.publish(ctx, "windmill_job_status_changed", jr.ProjectID, jr.ProtocolRunID, jr.StepRunID, map[string]any{
		"windmill_job_id": payload.JobID,
		"previous_status": string(previous),
		"new_status":      string(mapped),
	})
	return nil
}

func (a *Applier) emitOrphan(ctx context.Context, jobID, status string) {
	a.publish(ctx, "webhook_orphan_job", nil, nil, nil, map[string]any{
		"windmill_job_id": jobID,
		"status":          status,
	})
}

// RepoEvent is the normalized shape ApplyGitHubEvent/ApplyGitLabEvent
// extract from their provider-specific payloads.
type RepoEvent struct {
	RepoURL   string
	EventType string
	Action    string
}

// ApplyGitHubEvent resolves project_id by normalized repo URL and appends
// a CI event. Parse errors never fail the webhook; the caller should
// still respond 200 {"status":"ignored"}.
func (a *Applier) ApplyGitHubEvent(ctx context.Context, eventType string, body []byte) error {
	evt, err := parseGitHubEvent(eventType, body)
	if err != nil {
		a.logger.Warn("webhook: failed to parse github event", "error", err)
		return nil
	}
	return a.applyRepoEvent(ctx, "github", evt)
}

// ApplyGitLabEvent is ApplyGitHubEvent's GitLab counterpart.
func (a *Applier) ApplyGitLabEvent(ctx context.Context, eventType string, body []byte) error {
	evt, err := parseGitLabEvent(eventType, body)
	if err != nil {
		a.logger.Warn("webhook: failed to parse gitlab event", "error", err)
		return nil
	}
	return a.applyRepoEvent(ctx, "gitlab", evt)
}

func (a *Applier) applyRepoEvent(ctx context.Context, provider string, evt RepoEvent) error {
	normalized := normalizeRepoURL(evt.RepoURL)
	projects, err := a.store.ListProjects(ctx, store.ProjectFilter{})
	if err != nil {
		return nil
	}

	var projectID *int64
	for _, p := range projects {
		if p.GitURL != nil && normalizeRepoURL(*p.GitURL) == normalized {
			id := p.ID
			projectID = &id
			break
		}
	}

	if projectID == nil {
		a.publish(ctx, provider+"_event_unmatched", nil, nil, nil, map[string]any{
			"repo_url":   evt.RepoURL,
			"event_type": evt.EventType,
		})
		return nil
	}

	a.publish(ctx, provider+"_"+evt.EventType, projectID, nil, nil, map[string]any{
		"action": evt.Action,
	})
	return nil
}

func normalizeRepoURL(url string) string {
	u := strings.ToLower(strings.TrimSpace(url))
	u = strings.TrimSuffix(u, ".git")
	u = strings.TrimPrefix(u, "https://")
	u = strings.TrimPrefix(u, "http://")
	u = strings.TrimPrefix(u, "git@")
	u = strings.Replace(u, ":", "/", 1)
	return u
}

func parseGitHubEvent(eventType string, body []byte) (RepoEvent, error) {
	var payload struct {
		Action     string `json:"action"`
		Repository struct {
			CloneURL string `json:"clone_url"`
			HTMLURL  string `json:"html_url"`
		} `json:"repository"`
	}
	if err := json.Unmarshal(body, &payload); err != nil {
		return RepoEvent{}, err
	}
	repoURL := payload.Repository.CloneURL
	if repoURL == "" {
		repoURL = payload.Repository.HTMLURL
	}
	return RepoEvent{RepoURL: repoURL, EventType: eventType, Action: payload.Action}, nil
}

func parseGitLabEvent(eventType string, body []byte) (RepoEvent, error) {
	var payload struct {
		ObjectKind string `json:"object_kind"`
		Project    struct {
			GitHTTPURL string `json:"git_http_url"`
			WebURL     string `json:"web_url"`
		} `json:"project"`
	}
	if err := json.Unmarshal(body, &payload); err != nil {
		return RepoEvent{}, err
	}
	repoURL := payload.Project.GitHTTPURL
	if repoURL == "" {
		repoURL = payload.Project.WebURL
	}
	et := eventType
	if et == "" {
		et = payload.ObjectKind
	}
	return RepoEvent{RepoURL: repoURL, EventType: et}, nil
}

func (a *Applier) publish(ctx context.Context, eventType string, projectID, protocolRunID, stepRunID *int64, metadata map[string]any) {
	if a.bus == nil {
		return
	}
	_, err := a.bus.Publish(ctx, &store.Event{
		EventType:     eventType,
		Message:       eventType,
		ProjectID:     projectID,
		ProtocolRunID: protocolRunID,
		StepRunID:     stepRunID,
		Metadata:      metadata,
	})
	if err != nil {
		a.logger.Error("webhook: failed to publish event", "error", err)
	}
}

// VerifyHMACSHA256 verifies a "sha256=<hex>"-style signature header
// against body using secret, matching the teacher's generic webhook
// authenticator (constant-time comparison).
func VerifyHMACSHA256(signatureHeader string, body []byte, secret string) error {
	if signatureHeader == "" {
		return fmt.Errorf("webhook: missing signature header")
	}
	sig := strings.TrimPrefix(signatureHeader, "sha256=")

	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	expected := hex.EncodeToString(mac.Sum(nil))

	if !hmac.Equal([]byte(sig), []byte(expected)) {
		return fmt.Errorf("webhook: signature mismatch")
	}
	return nil
}

// VerifyBearerToken checks a constant shared secret, used for the
// windmill webhook route's separate bearer token.
func VerifyBearerToken(header, token string) error {
	const prefix = "Bearer "
	if !strings.HasPrefix(header, prefix) {
		return fmt.Errorf("webhook: missing bearer token")
	}
	supplied := strings.TrimPrefix(header, prefix)
	if !hmac.Equal([]byte(supplied), []byte(token)) {
		return fmt.Errorf("webhook: token mismatch")
	}
	return nil
}
