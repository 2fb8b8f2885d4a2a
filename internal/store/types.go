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

// Package store defines the persistent data model and the interface-
// segregated storage contract (§3 of the spec). Two backends satisfy it:
// sqlite (embedded, single node) and postgres (shared, production).
package store

import "time"

// ProjectStatus is the lifecycle status of a Project.
type ProjectStatus string

const (
	ProjectActive   ProjectStatus = "active"
	ProjectArchived ProjectStatus = "archived"
)

// ProtocolStatus is the lifecycle status of a ProtocolRun.
type ProtocolStatus string

const (
	ProtocolPending   ProtocolStatus = "pending"
	ProtocolPlanning  ProtocolStatus = "planning"
	ProtocolPlanned   ProtocolStatus = "planned"
	ProtocolRunning   ProtocolStatus = "running"
	ProtocolPaused    ProtocolStatus = "paused"
	ProtocolBlocked   ProtocolStatus = "blocked"
	ProtocolNeedsQA   ProtocolStatus = "needs_qa"
	ProtocolCompleted ProtocolStatus = "completed"
	ProtocolFailed    ProtocolStatus = "failed"
	ProtocolCancelled ProtocolStatus = "cancelled"
)

// Terminal reports whether s is a terminal ProtocolStatus.
func (s ProtocolStatus) Terminal() bool {
	switch s {
	case ProtocolCompleted, ProtocolFailed, ProtocolCancelled:
		return true
	default:
		return false
	}
}

// StepStatus is the lifecycle status of a StepRun.
type StepStatus string

const (
	StepPending   StepStatus = "pending"
	StepRunning   StepStatus = "running"
	StepNeedsQA   StepStatus = "needs_qa"
	StepCompleted StepStatus = "completed"
	StepFailed    StepStatus = "failed"
	StepTimeout   StepStatus = "timeout"
	StepCancelled StepStatus = "cancelled"
	StepSkipped   StepStatus = "skipped"
	StepBlocked   StepStatus = "blocked"
)

// Terminal reports whether s is a terminal StepStatus.
func (s StepStatus) Terminal() bool {
	switch s {
	case StepCompleted, StepFailed, StepCancelled, StepSkipped, StepTimeout:
		return true
	default:
		return false
	}
}

// StepType categorizes a StepRun's role in the pipeline.
type StepType string

const (
	StepTypePlan    StepType = "plan"
	StepTypeExecute StepType = "execute"
	StepTypeQA      StepType = "qa"
	StepTypePR      StepType = "pr"
)

// JobStatus is the lifecycle status of a JobRun as tracked locally.
type JobStatus string

const (
	JobQueued    JobStatus = "queued"
	JobRunning   JobStatus = "running"
	JobSucceeded JobStatus = "succeeded"
	JobFailed    JobStatus = "failed"
	JobCancelled JobStatus = "cancelled"
)

// DispatchMode selects where a step's execution is carried out.
type DispatchMode string

const (
	DispatchLocal    DispatchMode = "local"
	DispatchExternal DispatchMode = "external"
)

// ArtifactKind categorizes an Artifact's content.
type ArtifactKind string

const (
	ArtifactLog    ArtifactKind = "log"
	ArtifactDiff   ArtifactKind = "diff"
	ArtifactReport ArtifactKind = "report"
	ArtifactJSON   ArtifactKind = "json"
	ArtifactText   ArtifactKind = "text"
	ArtifactFile   ArtifactKind = "file"
)

// ClarificationStatus is the lifecycle status of a Clarification.
type ClarificationStatus string

const (
	ClarificationOpen     ClarificationStatus = "open"
	ClarificationAnswered ClarificationStatus = "answered"
	ClarificationDismiss  ClarificationStatus = "dismissed"
)

// Verdict is the outcome of a single gate or an aggregated pipeline
// evaluation.
type Verdict string

const (
	VerdictPass  Verdict = "pass"
	VerdictWarn  Verdict = "warn"
	VerdictFail  Verdict = "fail"
	VerdictSkip  Verdict = "skip"
	VerdictError Verdict = "error"
)

// SpecRunStatus is the lifecycle status of a SpecRun.
type SpecRunStatus string

const (
	SpecRunDraft     SpecRunStatus = "draft"
	SpecRunActive    SpecRunStatus = "active"
	SpecRunCompleted SpecRunStatus = "completed"
	SpecRunAbandoned SpecRunStatus = "abandoned"
)

// Project is a repository under orchestration.
type Project struct {
	ID               int64
	Name             string
	GitURL           *string
	BaseBranch       string
	LocalPath        *string
	Status           ProjectStatus
	ConstitutionHash *string
	PolicyOverrides  map[string]any
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

// ProtocolRun is one end-to-end attempt to drive a Project through a named
// protocol.
type ProtocolRun struct {
	ID             int64
	ProjectID      int64
	ProtocolName   string
	Status         ProtocolStatus
	BaseBranch     string
	WorktreePath   *string
	ProtocolRoot   *string
	Description    string
	WindmillFlowID *string
	TemplateConfig map[string]any
	SpecRunID      *int64
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// StepRun is one unit of work within a ProtocolRun.
type StepRun struct {
	ID            int64
	ProtocolRunID int64
	StepIndex     int
	StepName      string
	StepType      StepType
	Status        StepStatus
	Priority      int
	AssignedAgent *string
	Model         *string
	Summary       *string
	RuntimeState  map[string]any
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// JobRun is a durable record of a dispatch to the external executor.
type JobRun struct {
	RunID         string
	JobType       string
	Status        JobStatus
	ProjectID     *int64
	ProtocolRunID *int64
	StepRunID     *int64
	WindmillJobID *string
	Params        map[string]any
	Result        map[string]any
	Error         *string
	LogPath       *string
	StartedAt     *time.Time
	FinishedAt    *time.Time
	CreatedAt     time.Time
}

// Event is one append-only entry in the durable event log.
type Event struct {
	ID            int64
	EventType     string
	EventCategory *string
	Message       string
	ProtocolRunID *int64
	StepRunID     *int64
	ProjectID     *int64
	Metadata      map[string]any
	CreatedAt     time.Time
}

// Artifact points at an immutable file produced by a run or step.
type Artifact struct {
	ID        int64
	RunID     *string
	StepID    *int64
	Name      string
	Kind      ArtifactKind
	Path      string
	Bytes     *int64
	CreatedAt time.Time
}

// Clarification is a durable question/answer, optionally blocking.
type Clarification struct {
	ID            int64
	Scope         string
	ProjectID     int64
	ProtocolRunID *int64
	StepRunID     *int64
	Key           string
	Question      string
	Recommended   *string
	Options       []string
	AppliesTo     string
	Blocking      bool
	Status        ClarificationStatus
	Answer        *string
	AnsweredBy    *string
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// Finding is one issue surfaced by a gate evaluation.
type Finding struct {
	GateID     string
	Severity   string
	Message    string
	FilePath   *string
	LineNumber *int
	RuleID     *string
	Suggestion *string
	Metadata   map[string]any
}

// GateResultRecord is the persisted form of a single gate's result within a
// QAResult.
type GateResultRecord struct {
	GateID   string
	Verdict  Verdict
	Findings []Finding
	Duration time.Duration
}

// QAResult is one immutable quality-gate evaluation.
type QAResult struct {
	ID            int64
	ProtocolRunID int64
	ProjectID     int64
	StepRunID     *int64
	Verdict       Verdict
	GateResults   []GateResultRecord
	Findings      []Finding
	CreatedAt     time.Time
}

// SpecRun tracks a specification lifecycle that protocol runs may derive
// from.
type SpecRun struct {
	ID           int64
	ProjectID    int64
	SpecName     string
	Status       SpecRunStatus
	SpecRoot     *string
	SpecPath     *string
	WorktreePath *string
	BranchName   *string
	BaseBranch   *string
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// SprintStatus is a Sprint's lifecycle state.
type SprintStatus string

const (
	SprintActive    SprintStatus = "active"
	SprintCompleted SprintStatus = "completed"
	SprintCancelled SprintStatus = "cancelled"
)

// Sprint groups related ProtocolRuns under a Project for reporting. A
// Sprint never gates a ProtocolRun's own state machine; membership is a
// read-side grouping only.
type Sprint struct {
	ID             int64
	ProjectID      int64
	Name           string
	Status         SprintStatus
	ProtocolRunIDs []int64
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// AgentProfile is persisted engine metadata: which engine id backs a
// display name, what stages it defaults to, and which capabilities it
// claims. The store's GlobalDefault and ProjectDefaultForStage lookups
// read engine ids from these rows and from project policy overrides.
type AgentProfile struct {
	ID              int64
	EngineID        string
	DisplayName     string
	Kind            string
	Capabilities    []string
	StageDefaults   map[string]string
	IsGlobalDefault bool
	CreatedAt       time.Time
	UpdatedAt       time.Time
}
