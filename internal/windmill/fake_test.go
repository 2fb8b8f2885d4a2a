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

package windmill_test

import (
	"context"
	"testing"

	"github.com/devgodzilla/core/internal/windmill"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryExecutorRunScriptAndGetJob(t *testing.T) {
	m := windmill.NewMemoryExecutor()
	jobID, err := m.RunScript(context.Background(), "f/devgodzilla/execute_step", map[string]any{"step_run_id": 1})
	require.NoError(t, err)

	job, err := m.GetJob(context.Background(), jobID)
	require.NoError(t, err)
	assert.Equal(t, windmill.JobQueued, job.Status)

	m.SetJobStatus(jobID, windmill.JobCompleted)
	job, err = m.GetJob(context.Background(), jobID)
	require.NoError(t, err)
	assert.Equal(t, windmill.JobCompleted, job.Status)
}

func TestMemoryExecutorGetJobUnknown(t *testing.T) {
	m := windmill.NewMemoryExecutor()
	_, err := m.GetJob(context.Background(), "nope")
	assert.Error(t, err)
}
