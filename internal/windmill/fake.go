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

package windmill

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"
)

// MemoryExecutor is an in-memory fake Client for tests and for reconciling
// without a real external executor.
type MemoryExecutor struct {
	mu    sync.Mutex
	flows map[string]Flow
	jobs  map[string]*Job
}

// NewMemoryExecutor creates an empty MemoryExecutor.
func NewMemoryExecutor() *MemoryExecutor {
	return &MemoryExecutor{flows: make(map[string]Flow), jobs: make(map[string]*Job)}
}

var _ Client = (*MemoryExecutor)(nil)

// RegisterFlow makes f available to ListFlows and GetFlow. RunScript does
// not consult registered flows; it accepts any path.
func (m *MemoryExecutor) RegisterFlow(f Flow) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.flows[f.Path] = f
}

// SetJobStatus allows a test to drive a job's external status directly,
// simulating what reconciliation would observe.
func (m *MemoryExecutor) SetJobStatus(jobID string, status JobStatus) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if j, ok := m.jobs[jobID]; ok {
		j.Status = status
	}
}

func (m *MemoryExecutor) ListFlows(ctx context.Context) ([]Flow, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Flow, 0, len(m.flows))
	for _, f := range m.flows {
		out = append(out, f)
	}
	return out, nil
}

func (m *MemoryExecutor) GetFlow(ctx context.Context, path string) (*Flow, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	f, ok := m.flows[path]
	if !ok {
		return nil, fmt.Errorf("windmill fake: flow %q not registered", path)
	}
	return &f, nil
}

func (m *MemoryExecutor) RunScript(ctx context.Context, path string, payload map[string]any) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	id := uuid.NewString()
	m.jobs[id] = &Job{ID: id, Status: JobQueued}
	return id, nil
}

func (m *MemoryExecutor) ListJobs(ctx context.Context) ([]Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Job, 0, len(m.jobs))
	for _, j := range m.jobs {
		out = append(out, *j)
	}
	return out, nil
}

func (m *MemoryExecutor) GetJob(ctx context.Context, jobID string) (*Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[jobID]
	if !ok {
		return nil, fmt.Errorf("windmill fake: job %q not found", jobID)
	}
	cp := *j
	return &cp, nil
}

func (m *MemoryExecutor) GetJobLogs(ctx context.Context, jobID string) (string, error) {
	if _, err := m.GetJob(ctx, jobID); err != nil {
		return "", err
	}
	return "", nil
}

func (m *MemoryExecutor) HealthCheck(ctx context.Context) error { return nil }
