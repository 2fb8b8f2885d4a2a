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

// Package windmill is the client for the external job-execution service
// (spec §6's "external executor contract"). The core never assumes which
// concrete service answers this contract; Client is the only seam.
package windmill

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"math/rand"
	"net/http"
	"time"

	"github.com/devgodzilla/core/internal/errs"
	"golang.org/x/time/rate"
)

// maxTransientRetries bounds the client-side retry budget for requests
// that fail with a network error or a 5xx response, matching the retry
// budget applied to engine execution (spec §7).
const maxTransientRetries = 3

const (
	backoffBase = 250 * time.Millisecond
	backoffMax  = 4 * time.Second
)

// JobStatus mirrors the external executor's job lifecycle.
type JobStatus string

const (
	JobQueued    JobStatus = "queued"
	JobRunning   JobStatus = "running"
	JobCompleted JobStatus = "completed"
	JobFailed    JobStatus = "failed"
	JobCancelled JobStatus = "cancelled"
)

// Flow describes a registered Windmill script/flow.
type Flow struct {
	Path    string `json:"path"`
	Summary string `json:"summary"`
}

// Job is the external executor's view of a dispatched job.
type Job struct {
	ID          string         `json:"id"`
	Status      JobStatus      `json:"status"`
	Result      map[string]any `json:"result,omitempty"`
	Error       *string        `json:"error,omitempty"`
	StartedAt   *time.Time     `json:"started_at,omitempty"`
	CompletedAt *time.Time     `json:"completed_at,omitempty"`
}

// Client is the external executor contract from spec §6.
type Client interface {
	ListFlows(ctx context.Context) ([]Flow, error)
	GetFlow(ctx context.Context, path string) (*Flow, error)
	RunScript(ctx context.Context, path string, payload map[string]any) (jobID string, err error)
	ListJobs(ctx context.Context) ([]Job, error)
	GetJob(ctx context.Context, jobID string) (*Job, error)
	GetJobLogs(ctx context.Context, jobID string) (string, error)
	HealthCheck(ctx context.Context) error
}

// HTTPClient is an http.Client-backed Client implementation.
type HTTPClient struct {
	BaseURL   string
	Token     string
	Workspace string
	HTTP      *http.Client

	// limiter paces retry attempts against the external executor so a
	// burst of requests hitting the same outage don't compound it.
	limiter *rate.Limiter
}

// NewHTTPClient creates an HTTPClient. A nil httpClient is replaced by a
// new http.Client with a 30s timeout.
func NewHTTPClient(baseURL, token, workspace string, httpClient *http.Client) *HTTPClient {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	return &HTTPClient{
		BaseURL:   baseURL,
		Token:     token,
		Workspace: workspace,
		HTTP:      httpClient,
		limiter:   rate.NewLimiter(rate.Every(backoffBase), 2),
	}
}

var _ Client = (*HTTPClient)(nil)

// do issues one request, retrying network errors and 5xx responses up to
// maxTransientRetries times with jittered exponential backoff. 4xx
// responses are never retried; they indicate a request the server will
// never accept as-is.
func (c *HTTPClient) do(ctx context.Context, method, path string, body any, out any) error {
	var payload []byte
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return err
		}
		payload = b
	}

	var lastErr error
	for attempt := 0; ; attempt++ {
		err := c.doOnce(ctx, method, path, payload, out)
		if err == nil {
			return nil
		}
		lastErr = err
		if !errs.Is(err, errs.KindTransient) || attempt >= maxTransientRetries {
			return err
		}

		if waitErr := c.limiter.Wait(ctx); waitErr != nil {
			return lastErr
		}
		select {
		case <-time.After(jitteredBackoff(attempt)):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (c *HTTPClient) doOnce(ctx context.Context, method, path string, payload []byte, out any) error {
	var reader io.Reader
	if payload != nil {
		reader = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.BaseURL+path, reader)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.Token != "" {
		req.Header.Set("Authorization", "Bearer "+c.Token)
	}

	resp, err := c.HTTP.Do(req)
	if err != nil {
		return errs.Wrap(errs.KindTransient, err, "windmill: %s %s", method, path)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 500 {
		b, _ := io.ReadAll(resp.Body)
		return errs.New(errs.KindTransient, "windmill: %s %s returned %d: %s", method, path, resp.StatusCode, string(b))
	}
	if resp.StatusCode >= 400 {
		b, _ := io.ReadAll(resp.Body)
		return errs.New(errs.KindExternalExecutor, "windmill: %s %s returned %d: %s", method, path, resp.StatusCode, string(b))
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

// jitteredBackoff mirrors internal/execution's full-jitter strategy scaled
// to the external executor's typically sub-second recovery time.
func jitteredBackoff(attempt int) time.Duration {
	backoff := backoffBase * time.Duration(1<<uint(attempt))
	if backoff <= 0 || backoff > backoffMax {
		backoff = backoffMax
	}
	return time.Duration(rand.Int63n(int64(backoff)))
}

func (c *HTTPClient) workspacePrefix() string {
	return "/w/" + c.Workspace
}

func (c *HTTPClient) ListFlows(ctx context.Context) ([]Flow, error) {
	var flows []Flow
	err := c.do(ctx, http.MethodGet, c.workspacePrefix()+"/flows/list", nil, &flows)
	return flows, err
}

func (c *HTTPClient) GetFlow(ctx context.Context, path string) (*Flow, error) {
	var flow Flow
	if err := c.do(ctx, http.MethodGet, c.workspacePrefix()+"/flows/get/"+path, nil, &flow); err != nil {
		return nil, err
	}
	return &flow, nil
}

func (c *HTTPClient) RunScript(ctx context.Context, path string, payload map[string]any) (string, error) {
	var jobID string
	if err := c.do(ctx, http.MethodPost, c.workspacePrefix()+"/jobs/run/p/"+path, payload, &jobID); err != nil {
		return "", err
	}
	return jobID, nil
}

func (c *HTTPClient) ListJobs(ctx context.Context) ([]Job, error) {
	var jobs []Job
	err := c.do(ctx, http.MethodGet, c.workspacePrefix()+"/jobs/list", nil, &jobs)
	return jobs, err
}

func (c *HTTPClient) GetJob(ctx context.Context, jobID string) (*Job, error) {
	var job Job
	if err := c.do(ctx, http.MethodGet, c.workspacePrefix()+"/jobs/get/"+jobID, nil, &job); err != nil {
		return nil, err
	}
	return &job, nil
}

func (c *HTTPClient) GetJobLogs(ctx context.Context, jobID string) (string, error) {
	var logs string
	err := c.do(ctx, http.MethodGet, c.workspacePrefix()+"/jobs/get_logs/"+jobID, nil, &logs)
	return logs, err
}

func (c *HTTPClient) HealthCheck(ctx context.Context) error {
	return c.do(ctx, http.MethodGet, "/api/version", nil, nil)
}
