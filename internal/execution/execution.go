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

// Package execution is the adapter that actually runs a step's engine: it
// resolves which engine binary to invoke, resolves the prompt text,
// invokes the engine as a subprocess with the prompt on stdin, enforces a
// per-engine timeout, writes stdout and stderr to the step's log file, and
// scans stdout for "blocked" patterns, reporting a match as a
// KindExecutionBlocked error. It does not upsert a Clarification, change
// the step's status, or fill Result.Artifacts.
package execution

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"math/rand"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"time"

	"github.com/devgodzilla/core/internal/errs"
	"github.com/devgodzilla/core/internal/store"
	"golang.org/x/time/rate"
)

// DefaultTimeout is the per-engine wall-clock timeout when none is
// configured, matching spec §4.2.
const DefaultTimeout = 900 * time.Second

// DefaultFallbackEngine is used when no other resolution step yields an
// engine id.
const DefaultFallbackEngine = "opencode"

// MaxTransientRetries bounds the automatic retry budget for errors
// classified as transient (network blips, rate limiting), per spec §7.
const MaxTransientRetries = 3

// transientBackoffBase and transientBackoffMax bound the jittered
// exponential backoff applied between transient retries.
const (
	transientBackoffBase = 500 * time.Millisecond
	transientBackoffMax  = 8 * time.Second
)

// EngineResolver looks up project/global engine defaults for a step stage,
// e.g. "code_gen" or "qa". store.Store implements this interface directly
// (see store.AgentProfileStore), backed by the AgentProfile rows and each
// project's policy overrides, so a Store can be passed as-is.
type EngineResolver interface {
	ProjectDefaultForStage(ctx context.Context, projectID int64, stage string) (string, bool)
	GlobalDefault(ctx context.Context) (string, bool)
}

// Engine runs a resolved prompt against a concrete execution backend (a CLI
// subprocess, an IDE bridge, or an API-backed agent).
type Engine interface {
	ID() string
	// Execute runs prompt with workDir as the working directory, returning
	// captured stdout/stderr. The context carries the per-engine timeout.
	Execute(ctx context.Context, workDir, prompt string) (stdout, stderr string, err error)
}

// Result is ExecuteStep's return value.
type Result struct {
	Success   bool
	EngineID  string
	Stdout    string
	Stderr    string
	Artifacts []store.Artifact
	Error     string
}

// blockedPatterns are heuristics for "the agent is asking for clarification
// rather than completing the step" per spec §4.2.
var blockedPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)need(?:s|ed)?\s+(more\s+)?(clarification|information)`),
	regexp.MustCompile(`(?i)cannot\s+proceed\s+without`),
	regexp.MustCompile(`(?i)please\s+clarify`),
	regexp.MustCompile(`(?i)I\s+am\s+unable\s+to\s+(continue|proceed)\s+(because|without)`),
	regexp.MustCompile(`(?i)policy\s+(violation|refusal)`),
}

// transientPatterns are heuristics for failures that are safe to retry
// with backoff rather than surface as a hard failure, per spec §7.
var transientPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)rate.?limit`),
	regexp.MustCompile(`(?i)connection\s+(reset|refused|timed\s*out)`),
	regexp.MustCompile(`(?i)temporarily\s+unavailable`),
	regexp.MustCompile(`(?i)(502|503|504)\s+(bad gateway|service unavailable|gateway timeout)`),
	regexp.MustCompile(`(?i)EOF`),
}

// Adapter executes steps by subprocess. engines maps engine id to its
// Engine implementation; registries are process-global per spec §9.
type Adapter struct {
	store    store.Store
	engines  map[string]Engine
	resolver EngineResolver
	timeouts map[string]time.Duration
	logger   *slog.Logger
	limiter  *rate.Limiter
}

// New creates an Adapter over the given engine registry.
func New(st store.Store, engines map[string]Engine, resolver EngineResolver, timeouts map[string]time.Duration, logger *slog.Logger) *Adapter {
	if logger == nil {
		logger = slog.Default()
	}
	if timeouts == nil {
		timeouts = map[string]time.Duration{}
	}
	return &Adapter{
		store:    st,
		engines:  engines,
		resolver: resolver,
		timeouts: timeouts,
		logger:   logger,
		// Caps retry attempts across every step sharing this Adapter so a
		// burst of simultaneous transient failures can't hammer the engine
		// backend; the per-step jittered backoff in ExecuteStep handles
		// exponential growth on top of this floor.
		limiter: rate.NewLimiter(rate.Every(transientBackoffBase), 2),
	}
}

// ResolveEngine implements spec §4.2's five-step resolution order.
func (a *Adapter) ResolveEngine(ctx context.Context, step *store.StepRun, projectID int64, explicit string) string {
	if explicit != "" {
		return explicit
	}
	if step.AssignedAgent != nil && *step.AssignedAgent != "" {
		return *step.AssignedAgent
	}
	if a.resolver != nil {
		stage := stageForStepType(step.StepType)
		if id, ok := a.resolver.ProjectDefaultForStage(ctx, projectID, stage); ok {
			return id
		}
		if id, ok := a.resolver.GlobalDefault(ctx); ok {
			return id
		}
	}
	return DefaultFallbackEngine
}

func stageForStepType(t store.StepType) string {
	switch t {
	case store.StepTypePlan:
		return "planning"
	case store.StepTypeQA:
		return "qa"
	case store.StepTypePR:
		return "pr"
	default:
		return "code_gen"
	}
}

// ResolvePrompt reads the step's prompt file under
// <protocolRoot>/step-<index>-<slug>.md, prepending a template file if the
// project has one assigned for the step's stage.
func ResolvePrompt(protocolRoot string, step *store.StepRun, templatePath string) (string, error) {
	stepFile := filepath.Join(protocolRoot, fmt.Sprintf("step-%d-%s.md", step.StepIndex, slugify(step.StepName)))
	body, err := os.ReadFile(stepFile)
	if err != nil {
		return "", errs.Wrap(errs.KindNotFound, err, "step prompt file not found: %s", stepFile)
	}

	if templatePath == "" {
		return string(body), nil
	}
	prefix, err := os.ReadFile(templatePath)
	if err != nil {
		return "", errs.Wrap(errs.KindConfiguration, err, "template file not found: %s", templatePath)
	}
	return string(prefix) + "\n" + string(body), nil
}

func slugify(s string) string {
	out := make([]rune, 0, len(s))
	for _, r := range s {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			out = append(out, r)
		case r >= 'A' && r <= 'Z':
			out = append(out, r+('a'-'A'))
		case r == ' ', r == '_':
			out = append(out, '-')
		default:
		}
	}
	return string(out)
}

// ExecuteStep runs a single step's engine and classifies its outcome,
// automatically retrying errors classified as transient up to
// MaxTransientRetries times with jittered exponential backoff. The retry
// count is persisted on the step's runtime_state so reconciliation and
// operators can see how much of the budget a step has consumed.
func (a *Adapter) ExecuteStep(ctx context.Context, step *store.StepRun, projectID int64, prompt, workDir, logPath string, engineIDOverride string) (Result, error) {
	var result Result
	var err error
	for attempt := 0; ; attempt++ {
		result, err = a.runOnce(ctx, step, projectID, prompt, workDir, logPath, engineIDOverride)
		if err == nil || !errs.Is(err, errs.KindTransient) || attempt >= MaxTransientRetries {
			return result, err
		}

		retryCount := a.recordTransientRetry(ctx, step)
		delay := jitteredBackoff(attempt)
		a.logger.Warn("execution: transient error, retrying with backoff",
			"step_run_id", step.ID, "engine_id", result.EngineID,
			"attempt", retryCount, "delay", delay, "error", err)

		if waitErr := a.limiter.Wait(ctx); waitErr != nil {
			return result, err
		}
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return result, ctx.Err()
		}
	}
}

// runOnce is a single, unretried attempt at running step's engine.
func (a *Adapter) runOnce(ctx context.Context, step *store.StepRun, projectID int64, prompt, workDir, logPath string, engineIDOverride string) (Result, error) {
	engineID := a.ResolveEngine(ctx, step, projectID, engineIDOverride)
	engine, ok := a.engines[engineID]
	if !ok {
		return Result{EngineID: engineID}, errs.New(errs.KindAgentUnavailable, "engine %q is not registered", engineID)
	}

	timeout := a.timeouts[engineID]
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	stdout, stderr, err := engine.Execute(runCtx, workDir, prompt)

	if logPath != "" {
		if writeErr := os.WriteFile(logPath, []byte(stdout+"\n"+stderr), 0o644); writeErr != nil {
			a.logger.Warn("execution: failed to write log artifact", "path", logPath, "error", writeErr)
		}
	}

	if runCtx.Err() == context.DeadlineExceeded {
		return Result{EngineID: engineID, Stdout: stdout, Stderr: stderr}, errs.New(errs.KindTimeout, "engine %q exceeded %s timeout", engineID, timeout)
	}
	if err != nil {
		if transient, pattern := scanForTransient(stderr); transient {
			return Result{EngineID: engineID, Stdout: stdout, Stderr: stderr, Error: err.Error()},
				errs.Wrap(errs.KindTransient, err, "engine %q failed transiently: matched %s", engineID, pattern)
		}
		return Result{EngineID: engineID, Stdout: stdout, Stderr: stderr, Error: err.Error()}, err
	}

	if blocked, pattern := scanForBlock(stdout); blocked {
		return Result{EngineID: engineID, Stdout: stdout, Stderr: stderr}, errs.New(errs.KindExecutionBlocked, "engine output matched blocked pattern: %s", pattern)
	}

	return Result{Success: true, EngineID: engineID, Stdout: stdout, Stderr: stderr}, nil
}

// recordTransientRetry increments and persists step's transient retry
// counter, returning the new count.
func (a *Adapter) recordTransientRetry(ctx context.Context, step *store.StepRun) int {
	if step.RuntimeState == nil {
		step.RuntimeState = map[string]any{}
	}
	count, _ := step.RuntimeState["transient_retry_count"].(float64)
	count++
	step.RuntimeState["transient_retry_count"] = count
	if err := a.store.UpdateStepRun(ctx, step); err != nil {
		a.logger.Warn("execution: failed to persist transient retry count", "step_run_id", step.ID, "error", err)
	}
	return int(count)
}

// jitteredBackoff returns a random duration in [0, min(cap, base*2^attempt)),
// the "full jitter" strategy: it avoids every retrying step waking in
// lockstep while still growing the expected delay exponentially.
func jitteredBackoff(attempt int) time.Duration {
	backoff := transientBackoffBase * time.Duration(1<<uint(attempt))
	if backoff <= 0 || backoff > transientBackoffMax {
		backoff = transientBackoffMax
	}
	return time.Duration(rand.Int63n(int64(backoff)))
}

func scanForBlock(stdout string) (bool, string) {
	for _, p := range blockedPatterns {
		if p.MatchString(stdout) {
			return true, p.String()
		}
	}
	return false, ""
}

func scanForTransient(stderr string) (bool, string) {
	for _, p := range transientPatterns {
		if p.MatchString(stderr) {
			return true, p.String()
		}
	}
	return false, ""
}

// SubprocessEngine runs command as the engine's CLI invocation, piping
// prompt to stdin and capturing stdout/stderr separately.
type SubprocessEngine struct {
	EngineID string
	Command  []string
}

func (e *SubprocessEngine) ID() string { return e.EngineID }

func (e *SubprocessEngine) Execute(ctx context.Context, workDir, prompt string) (string, string, error) {
	if len(e.Command) == 0 {
		return "", "", errs.New(errs.KindConfiguration, "engine %q has no command configured", e.EngineID)
	}
	cmd := exec.CommandContext(ctx, e.Command[0], e.Command[1:]...)
	cmd.Dir = workDir
	cmd.Stdin = bytes.NewBufferString(prompt)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	err := cmd.Run()
	return stdout.String(), stderr.String(), err
}
