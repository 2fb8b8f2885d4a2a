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

package gate

import (
	"context"
	"fmt"
	"os/exec"
	"strings"
	"time"

	"github.com/devgodzilla/core/internal/store"
)

// commandGate runs an external command against gctx.WorkspaceRoot and maps
// its exit code to a verdict: 0 is pass, any other code is fail. It is the
// shared shape behind TestGate, LintGate, TypeGate and FormatGate, whose
// only difference is which command they invoke.
type commandGate struct {
	id       string
	name     string
	command  []string
	blocking bool
	enabled  bool
}

func (g *commandGate) ID() string      { return g.id }
func (g *commandGate) Name() string    { return g.name }
func (g *commandGate) Blocking() bool  { return g.blocking }
func (g *commandGate) Enabled() bool   { return g.enabled }

func (g *commandGate) Run(ctx context.Context, gctx Context) Result {
	if len(g.command) == 0 {
		return Result{GateID: g.id, GateName: g.name, Verdict: store.VerdictSkip, Metadata: map[string]any{"reason": "no command configured"}}
	}

	start := time.Now()
	cmd := exec.CommandContext(ctx, g.command[0], g.command[1:]...)
	cmd.Dir = gctx.WorkspaceRoot
	out, err := cmd.CombinedOutput()
	duration := time.Since(start)

	if err == nil {
		return Result{GateID: g.id, GateName: g.name, Verdict: store.VerdictPass, Duration: duration}
	}

	msg := strings.TrimSpace(string(out))
	if msg == "" {
		msg = err.Error()
	}
	return Result{
		GateID:   g.id,
		GateName: g.name,
		Verdict:  store.VerdictFail,
		Duration: duration,
		Findings: []store.Finding{{GateID: g.id, Severity: "error", Message: msg}},
	}
}

// NewTestGate runs the project's test command.
func NewTestGate(command []string) Gate {
	return &commandGate{id: "test", name: "Automated Tests", command: command, blocking: true, enabled: true}
}

// NewLintGate runs the project's lint command.
func NewLintGate(command []string) Gate {
	return &commandGate{id: "lint", name: "Lint", command: command, blocking: false, enabled: true}
}

// NewTypeGate runs the project's type-check command.
func NewTypeGate(command []string) Gate {
	return &commandGate{id: "type_check", name: "Type Check", command: command, blocking: true, enabled: true}
}

// NewFormatGate runs the project's format-check command.
func NewFormatGate(command []string) Gate {
	return &commandGate{id: "format", name: "Formatting", command: command, blocking: false, enabled: true}
}

// NewSecurityGate runs a project's security/dependency-audit command.
func NewSecurityGate(command []string) Gate {
	return &commandGate{id: "security", name: "Security Scan", command: command, blocking: true, enabled: true}
}

// coverageGate parses threshold-style coverage checks. It is a thin
// adapter: the caller supplies a function that extracts a 0-100 coverage
// percentage from the workspace (e.g. by reading a coverage profile) so
// this gate stays toolchain-agnostic.
type coverageGate struct {
	threshold float64
	measure   func(ctx context.Context, gctx Context) (float64, error)
}

func (g *coverageGate) ID() string     { return "coverage" }
func (g *coverageGate) Name() string   { return "Coverage Threshold" }
func (g *coverageGate) Blocking() bool { return true }
func (g *coverageGate) Enabled() bool  { return g.measure != nil }

func (g *coverageGate) Run(ctx context.Context, gctx Context) Result {
	if g.measure == nil {
		return Skip(g, "no coverage measurement configured")
	}
	pct, err := g.measure(ctx, gctx)
	if err != nil {
		return Error(g, err)
	}
	if pct < g.threshold {
		return Result{
			GateID: g.ID(), GateName: g.Name(), Verdict: store.VerdictFail,
			Findings: []store.Finding{{GateID: g.ID(), Severity: "error", Message: fmt.Sprintf("coverage %.1f%% below threshold %.1f%%", pct, g.threshold)}},
			Metadata: map[string]any{"coverage_pct": pct},
		}
	}
	return Result{GateID: g.ID(), GateName: g.Name(), Verdict: store.VerdictPass, Metadata: map[string]any{"coverage_pct": pct}}
}

// NewCoverageGate builds a gate that fails when measure reports coverage
// below threshold (a percentage, e.g. 80.0).
func NewCoverageGate(threshold float64, measure func(ctx context.Context, gctx Context) (float64, error)) Gate {
	return &coverageGate{threshold: threshold, measure: measure}
}

// checklistGate validates that every item in a checklist is satisfied by
// a predicate closure; used for release-readiness and PR-description
// checks that don't map to a single shell command.
type checklistGate struct {
	items map[string]func(gctx Context) bool
}

func (g *checklistGate) ID() string     { return "checklist" }
func (g *checklistGate) Name() string   { return "Checklist" }
func (g *checklistGate) Blocking() bool { return false }
func (g *checklistGate) Enabled() bool  { return len(g.items) > 0 }

func (g *checklistGate) Run(ctx context.Context, gctx Context) Result {
	var findings []store.Finding
	for name, check := range g.items {
		if !check(gctx) {
			findings = append(findings, store.Finding{GateID: g.ID(), Severity: "warning", Message: fmt.Sprintf("checklist item failed: %s", name)})
		}
	}
	verdict := store.VerdictPass
	if len(findings) > 0 {
		verdict = store.VerdictWarn
	}
	return Result{GateID: g.ID(), GateName: g.Name(), Verdict: verdict, Findings: findings}
}

// NewChecklistGate builds a gate from named boolean predicates.
func NewChecklistGate(items map[string]func(gctx Context) bool) Gate {
	return &checklistGate{items: items}
}
