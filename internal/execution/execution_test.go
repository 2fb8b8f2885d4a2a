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

package execution_test

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/devgodzilla/core/internal/errs"
	"github.com/devgodzilla/core/internal/execution"
	"github.com/devgodzilla/core/internal/store"
	"github.com/devgodzilla/core/internal/store/memory"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeEngine struct {
	id     string
	stdout string
	stderr string
	err    error
	delay  time.Duration
}

func (e *fakeEngine) ID() string { return e.id }
func (e *fakeEngine) Execute(ctx context.Context, workDir, prompt string) (string, string, error) {
	if e.delay > 0 {
		select {
		case <-time.After(e.delay):
		case <-ctx.Done():
			return "", "", ctx.Err()
		}
	}
	return e.stdout, e.stderr, e.err
}

func TestResolveEngineExplicitWins(t *testing.T) {
	a := execution.New(memory.New(), nil, nil, nil, nil)
	step := &store.StepRun{StepType: store.StepTypeExecute}
	assert.Equal(t, "claude", a.ResolveEngine(context.Background(), step, 1, "claude"))
}

func TestResolveEngineFallsBackToAssignedAgent(t *testing.T) {
	a := execution.New(memory.New(), nil, nil, nil, nil)
	agent := "codex"
	step := &store.StepRun{StepType: store.StepTypeExecute, AssignedAgent: &agent}
	assert.Equal(t, "codex", a.ResolveEngine(context.Background(), step, 1, ""))
}

func TestResolveEngineHardFallback(t *testing.T) {
	a := execution.New(memory.New(), nil, nil, nil, nil)
	step := &store.StepRun{StepType: store.StepTypeExecute}
	assert.Equal(t, execution.DefaultFallbackEngine, a.ResolveEngine(context.Background(), step, 1, ""))
}

func TestExecuteStepSuccess(t *testing.T) {
	engines := map[string]execution.Engine{"opencode": &fakeEngine{id: "opencode", stdout: "all done"}}
	a := execution.New(memory.New(), engines, nil, nil, nil)
	step := &store.StepRun{StepType: store.StepTypeExecute}

	res, err := a.ExecuteStep(context.Background(), step, 1, "do the thing", t.TempDir(), "", "")
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.Equal(t, "opencode", res.EngineID)
}

func TestExecuteStepDetectsBlockedPattern(t *testing.T) {
	engines := map[string]execution.Engine{"opencode": &fakeEngine{id: "opencode", stdout: "I need more clarification before I can proceed"}}
	a := execution.New(memory.New(), engines, nil, nil, nil)
	step := &store.StepRun{StepType: store.StepTypeExecute}

	_, err := a.ExecuteStep(context.Background(), step, 1, "do the thing", t.TempDir(), "", "")
	assert.True(t, errs.Is(err, errs.KindExecutionBlocked))
}

func TestExecuteStepUnknownEngine(t *testing.T) {
	a := execution.New(memory.New(), map[string]execution.Engine{}, nil, nil, nil)
	step := &store.StepRun{StepType: store.StepTypeExecute}

	_, err := a.ExecuteStep(context.Background(), step, 1, "x", t.TempDir(), "", "missing-engine")
	assert.True(t, errs.Is(err, errs.KindAgentUnavailable))
}

func TestExecuteStepTimesOut(t *testing.T) {
	engines := map[string]execution.Engine{"slow": &fakeEngine{id: "slow", delay: 50 * time.Millisecond}}
	timeouts := map[string]time.Duration{"slow": 10 * time.Millisecond}
	a := execution.New(memory.New(), engines, nil, timeouts, nil)
	step := &store.StepRun{StepType: store.StepTypeExecute}

	_, err := a.ExecuteStep(context.Background(), step, 1, "x", t.TempDir(), "", "slow")
	assert.True(t, errs.Is(err, errs.KindTimeout))
}

func TestResolvePromptReadsStepFile(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "step-0-plan-the-work.md"), []byte("plan carefully"), 0o644))

	step := &store.StepRun{StepIndex: 0, StepName: "plan the work"}
	prompt, err := execution.ResolvePrompt(dir, step, "")
	require.NoError(t, err)
	assert.Equal(t, "plan carefully", prompt)
}
