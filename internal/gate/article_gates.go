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

// This file holds the four "article" gates: process audits grounded on
// the constitution articles a protocol is meant to uphold, rather than a
// single external tool. They walk the changed files in gate.Context and
// apply heuristic regexes, the same approach the original Python gates
// used, adapted here to Go: only .go files are examined.
package gate

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/devgodzilla/core/internal/store"
)

var skipDirs = map[string]bool{
	"node_modules": true, ".git": true, "vendor": true, "dist": true, "build": true,
	".venv": true, "venv": true, "__pycache__": true, "_examples": true, ".tox": true,
}

func walkChangedOrAll(gctx Context, exts map[string]bool) ([]string, error) {
	if len(gctx.ChangedFiles) > 0 {
		var out []string
		for _, f := range gctx.ChangedFiles {
			if exts[filepath.Ext(f)] {
				out = append(out, f)
			}
		}
		return out, nil
	}
	if gctx.WorkspaceRoot == "" {
		return nil, nil
	}
	var out []string
	err := filepath.Walk(gctx.WorkspaceRoot, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return nil
		}
		if info.IsDir() {
			if skipDirs[info.Name()] {
				return filepath.SkipDir
			}
			return nil
		}
		if exts[filepath.Ext(path)] {
			rel, relErr := filepath.Rel(gctx.WorkspaceRoot, path)
			if relErr != nil {
				rel = path
			}
			out = append(out, rel)
		}
		return nil
	})
	return out, err
}

func readFile(gctx Context, relPath string) (string, error) {
	full := relPath
	if gctx.WorkspaceRoot != "" {
		full = filepath.Join(gctx.WorkspaceRoot, relPath)
	}
	b, err := os.ReadFile(full)
	return string(b), err
}

// --- Article I: Library-First ---

type libraryFirstGate struct {
	enabled  bool
	patterns []reinventionPattern
}

type reinventionPattern struct {
	re          *regexp.Regexp
	suggestion  string
}

// NewLibraryFirstGate flags hand-rolled code that reinvents a well-known
// library's job (HTTP clients, JSON parsing, hashing, CLI arg parsing).
func NewLibraryFirstGate() Gate {
	return &libraryFirstGate{
		enabled: true,
		patterns: []reinventionPattern{
			{regexp.MustCompile(`(?i)func\s+\w*HTTPClient\w*\s*\(`), "use net/http or a client library instead of a hand-rolled HTTP client"},
			{regexp.MustCompile(`(?i)func\s+parseJSON\w*\s*\(`), "use encoding/json instead of a hand-rolled parser"},
			{regexp.MustCompile(`(?i)func\s+\w*hash\w*\s*\(`), "use crypto/sha256 or hash/fnv instead of a hand-rolled hash"},
			{regexp.MustCompile(`(?i)func\s+\w*parseArgs\w*\s*\(`), "use flag, cobra, or urfave/cli instead of hand-rolled argument parsing"},
			{regexp.MustCompile(`net\.Dial\(\s*"tcp"`), "consider a higher-level client library before reaching for raw net.Dial"},
		},
	}
}

func (g *libraryFirstGate) ID() string     { return "library_first" }
func (g *libraryFirstGate) Name() string   { return "Library-First Development (Article I)" }
func (g *libraryFirstGate) Blocking() bool { return false }
func (g *libraryFirstGate) Enabled() bool  { return g.enabled }

func (g *libraryFirstGate) Run(ctx context.Context, gctx Context) Result {
	files, err := walkChangedOrAll(gctx, map[string]bool{".go": true})
	if err != nil {
		return Error(g, err)
	}
	var findings []store.Finding
	for _, f := range files {
		content, err := readFile(gctx, f)
		if err != nil {
			continue
		}
		for _, p := range g.patterns {
			if p.re.MatchString(content) {
				path := f
				findings = append(findings, store.Finding{
					GateID: g.ID(), Severity: "warning",
					Message: fmt.Sprintf("possible reinvention of a standard library or known package: %s", p.suggestion),
					FilePath: &path, Suggestion: &p.suggestion,
				})
			}
		}
	}
	verdict := store.VerdictPass
	if len(findings) > 0 {
		verdict = store.VerdictWarn
	}
	return Result{GateID: g.ID(), GateName: g.Name(), Verdict: verdict, Findings: findings}
}

// --- Article VII: Simplicity ---

type simplicityGate struct {
	maxFunctionLines int
	maxFileLines     int
	maxNestingDepth  int
}

// NewSimplicityGate flags functions and files that exceed configured line
// thresholds. Pass zero for any threshold to use the default. The nesting
// depth threshold is stored but no nesting check is made.
func NewSimplicityGate(maxFunctionLines, maxFileLines, maxNestingDepth int) Gate {
	if maxFunctionLines == 0 {
		maxFunctionLines = 50
	}
	if maxFileLines == 0 {
		maxFileLines = 500
	}
	if maxNestingDepth == 0 {
		maxNestingDepth = 4
	}
	return &simplicityGate{maxFunctionLines: maxFunctionLines, maxFileLines: maxFileLines, maxNestingDepth: maxNestingDepth}
}

func (g *simplicityGate) ID() string     { return "simplicity" }
func (g *simplicityGate) Name() string   { return "Simplicity (Article VII)" }
func (g *simplicityGate) Blocking() bool { return false }
func (g *simplicityGate) Enabled() bool  { return true }

var funcSig = regexp.MustCompile(`^func\s`)

func (g *simplicityGate) Run(ctx context.Context, gctx Context) Result {
	files, err := walkChangedOrAll(gctx, map[string]bool{".go": true})
	if err != nil {
		return Error(g, err)
	}
	var findings []store.Finding
	for _, f := range files {
		content, err := readFile(gctx, f)
		if err != nil {
			continue
		}
		lines := strings.Split(content, "\n")
		if len(lines) > g.maxFileLines {
			path := f
			findings = append(findings, store.Finding{
				GateID: g.ID(), Severity: "warning",
				Message:  fmt.Sprintf("%s is %d lines, over the %d-line guideline", f, len(lines), g.maxFileLines),
				FilePath: &path,
			})
		}
		findings = append(findings, g.checkFunctionLengths(f, lines)...)
	}
	verdict := store.VerdictPass
	if len(findings) > 0 {
		verdict = store.VerdictWarn
	}
	return Result{GateID: g.ID(), GateName: g.Name(), Verdict: verdict, Findings: findings}
}

func (g *simplicityGate) checkFunctionLengths(file string, lines []string) []store.Finding {
	var findings []store.Finding
	start := -1
	depth := 0
	for i, line := range lines {
		trimmed := strings.TrimSpace(line)
		if start == -1 && funcSig.MatchString(trimmed) {
			start = i
			depth = 0
		}
		if start != -1 {
			depth += strings.Count(line, "{") - strings.Count(line, "}")
			if depth <= 0 && i > start {
				length := i - start
				if length > g.maxFunctionLines {
					path := file
					lineNo := start + 1
					findings = append(findings, store.Finding{
						GateID: g.ID(), Severity: "warning",
						Message:    fmt.Sprintf("function starting at line %d is %d lines, over the %d-line guideline", lineNo, length, g.maxFunctionLines),
						FilePath:   &path,
						LineNumber: &lineNo,
					})
				}
				start = -1
			}
		}
	}
	return findings
}

// --- Article VIII: Anti-Abstraction ---

type antiAbstractionGate struct {
	minDuplications int
}

// NewAntiAbstractionGate flags a changeset whose ratio of interface
// declarations to method declarations ("func (" occurrences) exceeds 0.3.
// It does not match interfaces to their implementations or count the
// methods of an individual interface.
func NewAntiAbstractionGate() Gate {
	return &antiAbstractionGate{minDuplications: 3}
}

func (g *antiAbstractionGate) ID() string     { return "anti_abstraction" }
func (g *antiAbstractionGate) Name() string   { return "Anti-Abstraction (Article VIII)" }
func (g *antiAbstractionGate) Blocking() bool { return false }
func (g *antiAbstractionGate) Enabled() bool  { return true }

var interfaceDecl = regexp.MustCompile(`(?m)^type\s+(\w+)\s+interface\s*\{`)

func (g *antiAbstractionGate) Run(ctx context.Context, gctx Context) Result {
	files, err := walkChangedOrAll(gctx, map[string]bool{".go": true})
	if err != nil {
		return Error(g, err)
	}

	interfaceCount := 0
	implCount := 0
	var findings []store.Finding
	for _, f := range files {
		content, readErr := readFile(gctx, f)
		if readErr != nil {
			continue
		}
		matches := interfaceDecl.FindAllStringSubmatch(content, -1)
		interfaceCount += len(matches)
		implCount += strings.Count(content, "func (")
	}

	if interfaceCount > 0 && implCount > 0 {
		ratio := float64(interfaceCount) / float64(implCount)
		if ratio > 0.3 {
			findings = append(findings, store.Finding{
				GateID: g.ID(), Severity: "warning",
				Message: fmt.Sprintf("interface-to-implementation ratio is %.2f, consider whether every abstraction has more than one implementation", ratio),
			})
		}
	}

	verdict := store.VerdictPass
	if len(findings) > 0 {
		verdict = store.VerdictWarn
	}
	return Result{GateID: g.ID(), GateName: g.Name(), Verdict: verdict, Findings: findings, Metadata: map[string]any{
		"interface_count": interfaceCount, "impl_count": implCount,
	}}
}

// --- Article III: Test-First ---

type testFirstGate struct{}

// NewTestFirstGate requires that a changeset touching non-test files also
// touches a corresponding _test.go file.
func NewTestFirstGate() Gate { return &testFirstGate{} }

func (g *testFirstGate) ID() string     { return "test_first" }
func (g *testFirstGate) Name() string   { return "Test-First Development (Article III)" }
func (g *testFirstGate) Blocking() bool { return true }
func (g *testFirstGate) Enabled() bool  { return true }

func (g *testFirstGate) Run(ctx context.Context, gctx Context) Result {
	if len(gctx.ChangedFiles) == 0 {
		return Result{GateID: g.ID(), GateName: g.Name(), Verdict: store.VerdictSkip, Metadata: map[string]any{"reason": "no changed-file list supplied"}}
	}

	touchedTest := false
	var nonTestGoFiles []string
	for _, f := range gctx.ChangedFiles {
		if filepath.Ext(f) != ".go" {
			continue
		}
		if strings.HasSuffix(f, "_test.go") {
			touchedTest = true
			continue
		}
		nonTestGoFiles = append(nonTestGoFiles, f)
	}

	if len(nonTestGoFiles) == 0 {
		return Result{GateID: g.ID(), GateName: g.Name(), Verdict: store.VerdictPass}
	}
	if touchedTest {
		return Result{GateID: g.ID(), GateName: g.Name(), Verdict: store.VerdictPass}
	}

	return Result{
		GateID: g.ID(), GateName: g.Name(), Verdict: store.VerdictFail,
		Findings: []store.Finding{{
			GateID: g.ID(), Severity: "error",
			Message: fmt.Sprintf("%d non-test file(s) changed with no corresponding _test.go change", len(nonTestGoFiles)),
		}},
	}
}
