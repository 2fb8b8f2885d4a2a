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

// Package store (continued): interface segregation.
//
// # Interface hierarchy
//
// Each entity gets its own minimal interface so a component that only
// needs, say, event append/tail can depend on EventStore instead of the
// full Store. Backends compose all of them; the Orchestrator, Quality
// service, and SSE fan-out each depend only on the slice they use.
package store

import (
	"context"
	"io"
)

// ProjectFilter filters ListProjects.
type ProjectFilter struct {
	Status ProjectStatus
}

// ProjectStore persists Project rows.
type ProjectStore interface {
	CreateProject(ctx context.Context, p *Project) error
	GetProject(ctx context.Context, id int64) (*Project, error)
	UpdateProject(ctx context.Context, p *Project) error
	ListProjects(ctx context.Context, filter ProjectFilter) ([]*Project, error)
	DeleteProject(ctx context.Context, id int64) error
}

// ProtocolFilter filters ListProtocolRuns.
type ProtocolFilter struct {
	ProjectID int64
	Status    ProtocolStatus
}

// ProtocolStore persists ProtocolRun rows, with optimistic status guards.
type ProtocolStore interface {
	CreateProtocolRun(ctx context.Context, pr *ProtocolRun) error
	GetProtocolRun(ctx context.Context, id int64) (*ProtocolRun, error)
	// UpdateProtocolStatus applies a guarded status transition: the update
	// only takes effect if the row's current status equals expected. It
	// reports whether the guard matched (i.e. whether the row changed).
	UpdateProtocolStatus(ctx context.Context, id int64, expected, next ProtocolStatus) (bool, error)
	UpdateProtocolRun(ctx context.Context, pr *ProtocolRun) error
	ListProtocolRuns(ctx context.Context, filter ProtocolFilter) ([]*ProtocolRun, error)
	// ListNonTerminalProtocolRuns returns every ProtocolRun whose status is
	// not in {completed, failed, cancelled}, used by RecoverStuckProtocols.
	ListNonTerminalProtocolRuns(ctx context.Context) ([]*ProtocolRun, error)
}

// StepFilter filters ListStepRuns.
type StepFilter struct {
	ProtocolRunID int64
	Status        StepStatus
}

// StepStore persists StepRun rows, with optimistic status guards.
type StepStore interface {
	CreateStepRun(ctx context.Context, sr *StepRun) error
	GetStepRun(ctx context.Context, id int64) (*StepRun, error)
	// UpdateStepStatus applies a guarded status transition analogous to
	// UpdateProtocolStatus.
	UpdateStepStatus(ctx context.Context, id int64, expected, next StepStatus) (bool, error)
	UpdateStepRun(ctx context.Context, sr *StepRun) error
	ListStepRuns(ctx context.Context, filter StepFilter) ([]*StepRun, error)
}

// JobFilter filters ListJobRuns.
type JobFilter struct {
	StepRunID int64
}

// JobStore persists JobRun rows (the durable record of an external dispatch).
type JobStore interface {
	CreateJobRun(ctx context.Context, jr *JobRun) error
	GetJobRun(ctx context.Context, runID string) (*JobRun, error)
	GetJobRunByWindmillID(ctx context.Context, windmillJobID string) (*JobRun, error)
	UpdateJobRun(ctx context.Context, jr *JobRun) error
	// LatestJobRunForStep returns the most recently created JobRun for a
	// step, used by reconciliation to find the job to poll.
	LatestJobRunForStep(ctx context.Context, stepRunID int64) (*JobRun, error)
	ListJobRuns(ctx context.Context, filter JobFilter) ([]*JobRun, error)
}

// EventFilter filters event reads. Zero values are "no filter".
type EventFilter struct {
	SinceID       int64
	ProjectID     int64
	ProtocolRunID int64
	EventCategory string
	EventType     string
	Limit         int
}

// EventStore is the append-only, monotonically-id'd event log.
type EventStore interface {
	// AppendEvent assigns e.ID (strictly increasing, never reused) and
	// persists it. Returns the assigned id.
	AppendEvent(ctx context.Context, e *Event) (int64, error)
	ListEvents(ctx context.Context, filter EventFilter) ([]*Event, error)
}

// ArtifactStore persists Artifact rows.
type ArtifactStore interface {
	CreateArtifact(ctx context.Context, a *Artifact) error
	ListArtifactsForStep(ctx context.Context, stepID int64) ([]*Artifact, error)
	ListArtifactsForRun(ctx context.Context, runID string) ([]*Artifact, error)
}

// ClarificationStore persists Clarification rows, upserting by (scope, key).
type ClarificationStore interface {
	// UpsertClarification inserts a new Clarification or updates the
	// question/options/recommended of an existing one sharing
	// (scope, key), per spec.md's uniqueness invariant.
	UpsertClarification(ctx context.Context, c *Clarification) (*Clarification, error)
	GetClarification(ctx context.Context, id int64) (*Clarification, error)
	AnswerClarification(ctx context.Context, id int64, answer, answeredBy string) error
	ListOpenClarifications(ctx context.Context, scope string, scopeID int64) ([]*Clarification, error)
}

// QAStore persists immutable QAResult rows.
type QAStore interface {
	CreateQAResult(ctx context.Context, r *QAResult) error
	LatestQAResultForStep(ctx context.Context, stepRunID int64) (*QAResult, error)
	ListQAResultsForProtocol(ctx context.Context, protocolRunID int64) ([]*QAResult, error)
}

// SpecRunStore persists SpecRun rows.
type SpecRunStore interface {
	CreateSpecRun(ctx context.Context, s *SpecRun) error
	GetSpecRun(ctx context.Context, id int64) (*SpecRun, error)
	UpdateSpecRun(ctx context.Context, s *SpecRun) error
	ListSpecRuns(ctx context.Context, projectID int64) ([]*SpecRun, error)
}

// SprintStore persists Sprint rows, the non-blocking ProtocolRun grouping.
type SprintStore interface {
	CreateSprint(ctx context.Context, sp *Sprint) error
	GetSprint(ctx context.Context, id int64) (*Sprint, error)
	ListSprints(ctx context.Context, projectID int64) ([]*Sprint, error)
	// AddProtocolRunToSprint appends protocolRunID to the sprint's member
	// list, a no-op if it is already a member.
	AddProtocolRunToSprint(ctx context.Context, sprintID, protocolRunID int64) error
}

// AgentProfileStore persists AgentProfile rows, the execution Adapter's
// engine-resolution metadata.
type AgentProfileStore interface {
	CreateAgentProfile(ctx context.Context, p *AgentProfile) error
	GetAgentProfile(ctx context.Context, id int64) (*AgentProfile, error)
	GetAgentProfileByEngineID(ctx context.Context, engineID string) (*AgentProfile, error)
	ListAgentProfiles(ctx context.Context) ([]*AgentProfile, error)
	UpdateAgentProfile(ctx context.Context, p *AgentProfile) error
	// ProjectDefaultForStage returns the AgentProfile engine id a project
	// has assigned for stage via PolicyOverrides (e.g.
	// {"agent_defaults": {"qa": "claude-code"}}), if any.
	ProjectDefaultForStage(ctx context.Context, projectID int64, stage string) (string, bool)
	// GlobalDefault returns the engine id of the profile with
	// IsGlobalDefault set, if one is registered.
	GlobalDefault(ctx context.Context) (string, bool)
}

// Store composes every segregated interface plus io.Closer. Components
// that need only a slice of this (the Orchestrator needs ProtocolStore +
// StepStore + EventStore; the SSE fan-out needs only EventStore) should
// accept that slice instead of the full Store, per the teacher's
// interface-segregation convention.
type Store interface {
	ProjectStore
	ProtocolStore
	StepStore
	JobStore
	EventStore
	ArtifactStore
	ClarificationStore
	QAStore
	SpecRunStore
	SprintStore
	AgentProfileStore
	io.Closer
}
