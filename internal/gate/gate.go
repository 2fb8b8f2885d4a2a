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

// Package gate defines the pluggable quality-gate contract and a Registry
// that organizes gates by category for flexible evaluation strategies. The
// quality service (internal/quality) drives evaluation; this package only
// knows how to hold and run gates.
package gate

import (
	"context"
	"time"

	"github.com/devgodzilla/core/internal/store"
)

// Context carries everything a Gate needs to evaluate a step or protocol.
type Context struct {
	WorkspaceRoot string
	ProjectID     int64
	ProtocolRunID int64
	StepRunID     int64
	ChangedFiles  []string
	Diff          string
	Metadata      map[string]any
}

// Result is one gate's verdict plus whatever findings produced it.
type Result struct {
	GateID   string
	GateName string
	Verdict  store.Verdict
	Findings []store.Finding
	Duration time.Duration
	Metadata map[string]any
}

// Gate is a single quality check: lint, type-check, test, or one of the
// four article gates (library-first, simplicity, anti-abstraction,
// test-first) that audit process rather than syntax.
type Gate interface {
	ID() string
	Name() string
	// Blocking reports whether a FAIL verdict from this gate should block
	// protocol progress, as opposed to merely being recorded.
	Blocking() bool
	Enabled() bool
	Run(ctx context.Context, gctx Context) Result
}

// Skip builds a skip Result for a disabled gate, mirroring what a Gate
// would return for itself.
func Skip(g Gate, reason string) Result {
	return Result{
		GateID:   g.ID(),
		GateName: g.Name(),
		Verdict:  store.VerdictSkip,
		Metadata: map[string]any{"reason": reason},
	}
}

// Error builds an error Result for a gate whose Run panicked or returned an
// unrecoverable error.
func Error(g Gate, err error) Result {
	return Result{
		GateID:   g.ID(),
		GateName: g.Name(),
		Verdict:  store.VerdictError,
		Findings: []store.Finding{{GateID: g.ID(), Severity: "error", Message: err.Error()}},
	}
}
