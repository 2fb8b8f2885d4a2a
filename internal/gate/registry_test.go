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

package gate_test

import (
	"context"
	"testing"

	"github.com/devgodzilla/core/internal/gate"
	"github.com/devgodzilla/core/internal/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeGate struct {
	id      string
	verdict store.Verdict
	panics  bool
}

func (g *fakeGate) ID() string     { return g.id }
func (g *fakeGate) Name() string   { return g.id }
func (g *fakeGate) Blocking() bool { return true }
func (g *fakeGate) Enabled() bool  { return true }
func (g *fakeGate) Run(ctx context.Context, gctx gate.Context) gate.Result {
	if g.panics {
		panic("boom")
	}
	return gate.Result{GateID: g.id, GateName: g.id, Verdict: g.verdict}
}

func TestRegisterAndGetByCategory(t *testing.T) {
	r := gate.NewRegistry(nil)
	require.NoError(t, r.Register(&fakeGate{id: "lint", verdict: store.VerdictPass}, "code_quality"))
	require.NoError(t, r.Register(&fakeGate{id: "format", verdict: store.VerdictPass}, "code_quality"))
	require.NoError(t, r.Register(&fakeGate{id: "test", verdict: store.VerdictPass}, "testing"))

	gates := r.GetByCategory("code_quality")
	assert.Len(t, gates, 2)
	assert.Equal(t, 3, r.Len())
}

func TestRegisterRejectsEmptyID(t *testing.T) {
	r := gate.NewRegistry(nil)
	err := r.Register(&fakeGate{id: ""}, "general")
	assert.Error(t, err)
}

func TestUnregisterRemovesFromCategory(t *testing.T) {
	r := gate.NewRegistry(nil)
	require.NoError(t, r.Register(&fakeGate{id: "lint"}, "code_quality"))
	g, ok := r.Unregister("lint")
	assert.True(t, ok)
	assert.Equal(t, "lint", g.ID())
	assert.Empty(t, r.GetByCategory("code_quality"))
}

func TestEvaluateAllSkipsDisabled(t *testing.T) {
	r := gate.NewRegistry(nil)
	require.NoError(t, r.Register(&disabledGate{id: "off"}, "general"))
	results := r.EvaluateAll(context.Background(), gate.Context{})
	require.Len(t, results, 1)
	assert.Equal(t, store.VerdictSkip, results[0].Verdict)
}

func TestEvaluateGatesRecoversPanic(t *testing.T) {
	r := gate.NewRegistry(nil)
	require.NoError(t, r.Register(&fakeGate{id: "boom", panics: true}, "general"))
	results := r.EvaluateAll(context.Background(), gate.Context{})
	require.Len(t, results, 1)
	assert.Equal(t, store.VerdictError, results[0].Verdict)
}

type disabledGate struct{ id string }

func (g *disabledGate) ID() string                                        { return g.id }
func (g *disabledGate) Name() string                                      { return g.id }
func (g *disabledGate) Blocking() bool                                    { return false }
func (g *disabledGate) Enabled() bool                                     { return false }
func (g *disabledGate) Run(ctx context.Context, gctx gate.Context) gate.Result { return gate.Result{} }
