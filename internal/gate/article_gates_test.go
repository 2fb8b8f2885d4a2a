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
	"os"
	"path/filepath"
	"testing"

	"github.com/devgodzilla/core/internal/gate"
	"github.com/devgodzilla/core/internal/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeTempFile(t *testing.T, dir, name, content string) {
	t.Helper()
	require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(content), 0o644))
}

func TestTestFirstGateFailsWhenNoTestFileChanged(t *testing.T) {
	g := gate.NewTestFirstGate()
	res := g.Run(context.Background(), gate.Context{ChangedFiles: []string{"internal/foo/foo.go"}})
	assert.Equal(t, store.VerdictFail, res.Verdict)
}

func TestTestFirstGatePassesWhenTestFileChanged(t *testing.T) {
	g := gate.NewTestFirstGate()
	res := g.Run(context.Background(), gate.Context{ChangedFiles: []string{"internal/foo/foo.go", "internal/foo/foo_test.go"}})
	assert.Equal(t, store.VerdictPass, res.Verdict)
}

func TestTestFirstGateSkipsWithNoChangedFiles(t *testing.T) {
	g := gate.NewTestFirstGate()
	res := g.Run(context.Background(), gate.Context{})
	assert.Equal(t, store.VerdictSkip, res.Verdict)
}

func TestLibraryFirstGateFlagsHandRolledHTTPClient(t *testing.T) {
	dir := t.TempDir()
	writeTempFile(t, dir, "client.go", "package foo\n\nfunc newHTTPClient() {}\n")

	g := gate.NewLibraryFirstGate()
	res := g.Run(context.Background(), gate.Context{WorkspaceRoot: dir, ChangedFiles: []string{"client.go"}})
	assert.Equal(t, store.VerdictWarn, res.Verdict)
	require.NotEmpty(t, res.Findings)
}

func TestSimplicityGateFlagsOverlongFunction(t *testing.T) {
	dir := t.TempDir()
	body := "package foo\n\nfunc big() {\n"
	for i := 0; i < 60; i++ {
		body += "\t_ = 1\n"
	}
	body += "}\n"
	writeTempFile(t, dir, "big.go", body)

	g := gate.NewSimplicityGate(50, 500, 4)
	res := g.Run(context.Background(), gate.Context{WorkspaceRoot: dir, ChangedFiles: []string{"big.go"}})
	assert.Equal(t, store.VerdictWarn, res.Verdict)
}
