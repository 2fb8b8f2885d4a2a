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

// Package memory is an in-memory Store implementation used by unit tests
// that need real invariant enforcement (monotonic event ids, unique
// step_index, guarded status transitions) without a SQL engine.
package memory

import (
	"context"
	"sync"
	"time"

	"github.com/devgodzilla/core/internal/errs"
	"github.com/devgodzilla/core/internal/store"
)

var _ store.Store = (*Store)(nil)

// Store is an in-memory, mutex-guarded implementation of store.Store.
type Store struct {
	mu sync.Mutex

	projects   map[int64]*store.Project
	protocols  map[int64]*store.ProtocolRun
	steps      map[int64]*store.StepRun
	jobs       map[string]*store.JobRun
	jobsByWM   map[string]string // windmill_job_id -> run_id
	events     []*store.Event
	artifacts  []*store.Artifact
	clarifs    map[int64]*store.Clarification
	qaResults  []*store.QAResult
	specRuns   map[int64]*store.SpecRun
	sprints    map[int64]*store.Sprint
	profiles   map[int64]*store.AgentProfile

	nextProjectID  int64
	nextProtocolID int64
	nextStepID     int64
	nextEventID    int64
	nextArtifactID int64
	nextClarifID   int64
	nextQAID       int64
	nextSpecRunID  int64
	nextSprintID   int64
	nextProfileID  int64
}

// New creates an empty in-memory Store.
func New() *Store {
	return &Store{
		projects:  make(map[int64]*store.Project),
		protocols: make(map[int64]*store.ProtocolRun),
		steps:     make(map[int64]*store.StepRun),
		jobs:      make(map[string]*store.JobRun),
		jobsByWM:  make(map[string]string),
		clarifs:   make(map[int64]*store.Clarification),
		specRuns:  make(map[int64]*store.SpecRun),
		sprints:   make(map[int64]*store.Sprint),
		profiles:  make(map[int64]*store.AgentProfile),
	}
}

func (s *Store) Close() error { return nil }

// --- Projects ---

func (s *Store) CreateProject(ctx context.Context, p *store.Project) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextProjectID++
	p.ID = s.nextProjectID
	now := time.Now()
	p.CreatedAt, p.UpdatedAt = now, now
	cp := *p
	s.projects[p.ID] = &cp
	return nil
}

func (s *Store) GetProject(ctx context.Context, id int64) (*store.Project, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.projects[id]
	if !ok {
		return nil, errs.New(errs.KindNotFound, "project %d not found", id)
	}
	cp := *p
	return &cp, nil
}

func (s *Store) UpdateProject(ctx context.Context, p *store.Project) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.projects[p.ID]; !ok {
		return errs.New(errs.KindNotFound, "project %d not found", p.ID)
	}
	p.UpdatedAt = time.Now()
	cp := *p
	s.projects[p.ID] = &cp
	return nil
}

func (s *Store) ListProjects(ctx context.Context, filter store.ProjectFilter) ([]*store.Project, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*store.Project
	for _, p := range s.projects {
		if filter.Status != "" && p.Status != filter.Status {
			continue
		}
		cp := *p
		out = append(out, &cp)
	}
	return out, nil
}

func (s *Store) DeleteProject(ctx context.Context, id int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.projects, id)
	for pid, pr := range s.protocols {
		if pr.ProjectID == id {
			delete(s.protocols, pid)
		}
	}
	return nil
}

// --- Protocol runs ---

func (s *Store) CreateProtocolRun(ctx context.Context, pr *store.ProtocolRun) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextProtocolID++
	pr.ID = s.nextProtocolID
	now := time.Now()
	pr.CreatedAt, pr.UpdatedAt = now, now
	cp := *pr
	s.protocols[pr.ID] = &cp
	return nil
}

func (s *Store) GetProtocolRun(ctx context.Context, id int64) (*store.ProtocolRun, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	pr, ok := s.protocols[id]
	if !ok {
		return nil, errs.New(errs.KindNotFound, "protocol_run %d not found", id)
	}
	cp := *pr
	return &cp, nil
}

func (s *Store) UpdateProtocolStatus(ctx context.Context, id int64, expected, next store.ProtocolStatus) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	pr, ok := s.protocols[id]
	if !ok {
		return false, errs.New(errs.KindNotFound, "protocol_run %d not found", id)
	}
	if pr.Status != expected {
		return false, nil
	}
	pr.Status = next
	pr.UpdatedAt = time.Now()
	return true, nil
}

func (s *Store) UpdateProtocolRun(ctx context.Context, pr *store.ProtocolRun) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.protocols[pr.ID]; !ok {
		return errs.New(errs.KindNotFound, "protocol_run %d not found", pr.ID)
	}
	pr.UpdatedAt = time.Now()
	cp := *pr
	s.protocols[pr.ID] = &cp
	return nil
}

func (s *Store) ListProtocolRuns(ctx context.Context, filter store.ProtocolFilter) ([]*store.ProtocolRun, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*store.ProtocolRun
	for _, pr := range s.protocols {
		if filter.ProjectID != 0 && pr.ProjectID != filter.ProjectID {
			continue
		}
		if filter.Status != "" && pr.Status != filter.Status {
			continue
		}
		cp := *pr
		out = append(out, &cp)
	}
	return out, nil
}

func (s *Store) ListNonTerminalProtocolRuns(ctx context.Context) ([]*store.ProtocolRun, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*store.ProtocolRun
	for _, pr := range s.protocols {
		if pr.Status.Terminal() {
			continue
		}
		cp := *pr
		out = append(out, &cp)
	}
	return out, nil
}

// --- Step runs ---

func (s *Store) CreateStepRun(ctx context.Context, sr *store.StepRun) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, existing := range s.steps {
		if existing.ProtocolRunID == sr.ProtocolRunID && existing.StepIndex == sr.StepIndex {
			return errs.New(errs.KindValidation, "step_index %d already used in protocol_run %d", sr.StepIndex, sr.ProtocolRunID)
		}
	}
	s.nextStepID++
	sr.ID = s.nextStepID
	now := time.Now()
	sr.CreatedAt, sr.UpdatedAt = now, now
	cp := *sr
	s.steps[sr.ID] = &cp
	return nil
}

func (s *Store) GetStepRun(ctx context.Context, id int64) (*store.StepRun, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sr, ok := s.steps[id]
	if !ok {
		return nil, errs.New(errs.KindNotFound, "step_run %d not found", id)
	}
	cp := *sr
	return &cp, nil
}

func (s *Store) UpdateStepStatus(ctx context.Context, id int64, expected, next store.StepStatus) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sr, ok := s.steps[id]
	if !ok {
		return false, errs.New(errs.KindNotFound, "step_run %d not found", id)
	}
	if sr.Status != expected {
		return false, nil
	}
	sr.Status = next
	sr.UpdatedAt = time.Now()
	return true, nil
}

func (s *Store) UpdateStepRun(ctx context.Context, sr *store.StepRun) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.steps[sr.ID]; !ok {
		return errs.New(errs.KindNotFound, "step_run %d not found", sr.ID)
	}
	sr.UpdatedAt = time.Now()
	cp := *sr
	s.steps[sr.ID] = &cp
	return nil
}

func (s *Store) ListStepRuns(ctx context.Context, filter store.StepFilter) ([]*store.StepRun, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*store.StepRun
	for _, sr := range s.steps {
		if filter.ProtocolRunID != 0 && sr.ProtocolRunID != filter.ProtocolRunID {
			continue
		}
		if filter.Status != "" && sr.Status != filter.Status {
			continue
		}
		cp := *sr
		out = append(out, &cp)
	}
	sortSteps(out)
	return out, nil
}

func sortSteps(steps []*store.StepRun) {
	for i := 1; i < len(steps); i++ {
		for j := i; j > 0; j-- {
			a, b := steps[j-1], steps[j]
			if a.StepIndex > b.StepIndex || (a.StepIndex == b.StepIndex && a.ID > b.ID) {
				steps[j-1], steps[j] = steps[j], steps[j-1]
			}
		}
	}
}

// --- Job runs ---

func (s *Store) CreateJobRun(ctx context.Context, jr *store.JobRun) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if jr.WindmillJobID != nil {
		if _, exists := s.jobsByWM[*jr.WindmillJobID]; exists {
			return errs.New(errs.KindValidation, "windmill_job_id %s already used", *jr.WindmillJobID)
		}
	}
	jr.CreatedAt = time.Now()
	cp := *jr
	s.jobs[jr.RunID] = &cp
	if jr.WindmillJobID != nil {
		s.jobsByWM[*jr.WindmillJobID] = jr.RunID
	}
	return nil
}

func (s *Store) GetJobRun(ctx context.Context, runID string) (*store.JobRun, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	jr, ok := s.jobs[runID]
	if !ok {
		return nil, errs.New(errs.KindNotFound, "job_run %s not found", runID)
	}
	cp := *jr
	return &cp, nil
}

func (s *Store) GetJobRunByWindmillID(ctx context.Context, windmillJobID string) (*store.JobRun, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	runID, ok := s.jobsByWM[windmillJobID]
	if !ok {
		return nil, errs.New(errs.KindNotFound, "windmill_job_id %s not found", windmillJobID)
	}
	cp := *s.jobs[runID]
	return &cp, nil
}

func (s *Store) UpdateJobRun(ctx context.Context, jr *store.JobRun) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	existing, ok := s.jobs[jr.RunID]
	if !ok {
		return errs.New(errs.KindNotFound, "job_run %s not found", jr.RunID)
	}
	if jr.WindmillJobID != nil && (existing.WindmillJobID == nil || *existing.WindmillJobID != *jr.WindmillJobID) {
		if _, exists := s.jobsByWM[*jr.WindmillJobID]; exists {
			return errs.New(errs.KindValidation, "windmill_job_id %s already used", *jr.WindmillJobID)
		}
		s.jobsByWM[*jr.WindmillJobID] = jr.RunID
	}
	cp := *jr
	s.jobs[jr.RunID] = &cp
	return nil
}

func (s *Store) LatestJobRunForStep(ctx context.Context, stepRunID int64) (*store.JobRun, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var latest *store.JobRun
	for _, jr := range s.jobs {
		if jr.StepRunID == nil || *jr.StepRunID != stepRunID {
			continue
		}
		if latest == nil || jr.CreatedAt.After(latest.CreatedAt) {
			latest = jr
		}
	}
	if latest == nil {
		return nil, errs.New(errs.KindNotFound, "no job_run for step_run %d", stepRunID)
	}
	cp := *latest
	return &cp, nil
}

func (s *Store) ListJobRuns(ctx context.Context, filter store.JobFilter) ([]*store.JobRun, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*store.JobRun
	for _, jr := range s.jobs {
		if filter.StepRunID != 0 && (jr.StepRunID == nil || *jr.StepRunID != filter.StepRunID) {
			continue
		}
		cp := *jr
		out = append(out, &cp)
	}
	return out, nil
}

// --- Events ---

func (s *Store) AppendEvent(ctx context.Context, e *store.Event) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextEventID++
	e.ID = s.nextEventID
	e.CreatedAt = time.Now()
	cp := *e
	s.events = append(s.events, &cp)
	return e.ID, nil
}

func (s *Store) ListEvents(ctx context.Context, filter store.EventFilter) ([]*store.Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*store.Event
	for _, e := range s.events {
		if e.ID <= filter.SinceID {
			continue
		}
		if filter.ProjectID != 0 && (e.ProjectID == nil || *e.ProjectID != filter.ProjectID) {
			continue
		}
		if filter.ProtocolRunID != 0 && (e.ProtocolRunID == nil || *e.ProtocolRunID != filter.ProtocolRunID) {
			continue
		}
		if filter.EventCategory != "" && (e.EventCategory == nil || *e.EventCategory != filter.EventCategory) {
			continue
		}
		if filter.EventType != "" && e.EventType != filter.EventType {
			continue
		}
		cp := *e
		out = append(out, &cp)
		if filter.Limit > 0 && len(out) >= filter.Limit {
			break
		}
	}
	return out, nil
}

// --- Artifacts ---

func (s *Store) CreateArtifact(ctx context.Context, a *store.Artifact) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextArtifactID++
	a.ID = s.nextArtifactID
	a.CreatedAt = time.Now()
	cp := *a
	s.artifacts = append(s.artifacts, &cp)
	return nil
}

func (s *Store) ListArtifactsForStep(ctx context.Context, stepID int64) ([]*store.Artifact, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*store.Artifact
	for _, a := range s.artifacts {
		if a.StepID != nil && *a.StepID == stepID {
			cp := *a
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (s *Store) ListArtifactsForRun(ctx context.Context, runID string) ([]*store.Artifact, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*store.Artifact
	for _, a := range s.artifacts {
		if a.RunID != nil && *a.RunID == runID {
			cp := *a
			out = append(out, &cp)
		}
	}
	return out, nil
}

// --- Clarifications ---

func (s *Store) UpsertClarification(ctx context.Context, c *store.Clarification) (*store.Clarification, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, existing := range s.clarifs {
		if existing.Scope == c.Scope && existing.Key == c.Key {
			existing.Question = c.Question
			existing.Options = c.Options
			existing.Recommended = c.Recommended
			existing.Blocking = c.Blocking
			existing.UpdatedAt = time.Now()
			cp := *existing
			return &cp, nil
		}
	}
	s.nextClarifID++
	c.ID = s.nextClarifID
	now := time.Now()
	c.CreatedAt, c.UpdatedAt = now, now
	if c.Status == "" {
		c.Status = store.ClarificationOpen
	}
	cp := *c
	s.clarifs[c.ID] = &cp
	out := *c
	return &out, nil
}

func (s *Store) GetClarification(ctx context.Context, id int64) (*store.Clarification, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.clarifs[id]
	if !ok {
		return nil, errs.New(errs.KindNotFound, "clarification %d not found", id)
	}
	cp := *c
	return &cp, nil
}

func (s *Store) AnswerClarification(ctx context.Context, id int64, answer, answeredBy string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.clarifs[id]
	if !ok {
		return errs.New(errs.KindNotFound, "clarification %d not found", id)
	}
	c.Answer = &answer
	c.AnsweredBy = &answeredBy
	c.Status = store.ClarificationAnswered
	c.UpdatedAt = time.Now()
	return nil
}

func (s *Store) ListOpenClarifications(ctx context.Context, scope string, scopeID int64) ([]*store.Clarification, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*store.Clarification
	for _, c := range s.clarifs {
		if c.Status != store.ClarificationOpen {
			continue
		}
		if c.Scope != scope {
			continue
		}
		match := c.ProjectID == scopeID ||
			(c.ProtocolRunID != nil && *c.ProtocolRunID == scopeID) ||
			(c.StepRunID != nil && *c.StepRunID == scopeID)
		if !match {
			continue
		}
		cp := *c
		out = append(out, &cp)
	}
	return out, nil
}

// --- QA results ---

func (s *Store) CreateQAResult(ctx context.Context, r *store.QAResult) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextQAID++
	r.ID = s.nextQAID
	r.CreatedAt = time.Now()
	cp := *r
	s.qaResults = append(s.qaResults, &cp)
	return nil
}

func (s *Store) LatestQAResultForStep(ctx context.Context, stepRunID int64) (*store.QAResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var latest *store.QAResult
	for _, r := range s.qaResults {
		if r.StepRunID == nil || *r.StepRunID != stepRunID {
			continue
		}
		if latest == nil || r.CreatedAt.After(latest.CreatedAt) {
			latest = r
		}
	}
	if latest == nil {
		return nil, errs.New(errs.KindNotFound, "no qa_result for step_run %d", stepRunID)
	}
	cp := *latest
	return &cp, nil
}

func (s *Store) ListQAResultsForProtocol(ctx context.Context, protocolRunID int64) ([]*store.QAResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*store.QAResult
	for _, r := range s.qaResults {
		if r.ProtocolRunID == protocolRunID {
			cp := *r
			out = append(out, &cp)
		}
	}
	return out, nil
}

// --- Spec runs ---

func (s *Store) CreateSpecRun(ctx context.Context, sp *store.SpecRun) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextSpecRunID++
	sp.ID = s.nextSpecRunID
	now := time.Now()
	sp.CreatedAt, sp.UpdatedAt = now, now
	cp := *sp
	s.specRuns[sp.ID] = &cp
	return nil
}

func (s *Store) GetSpecRun(ctx context.Context, id int64) (*store.SpecRun, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sp, ok := s.specRuns[id]
	if !ok {
		return nil, errs.New(errs.KindNotFound, "spec_run %d not found", id)
	}
	cp := *sp
	return &cp, nil
}

func (s *Store) UpdateSpecRun(ctx context.Context, sp *store.SpecRun) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.specRuns[sp.ID]; !ok {
		return errs.New(errs.KindNotFound, "spec_run %d not found", sp.ID)
	}
	sp.UpdatedAt = time.Now()
	cp := *sp
	s.specRuns[sp.ID] = &cp
	return nil
}

func (s *Store) ListSpecRuns(ctx context.Context, projectID int64) ([]*store.SpecRun, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*store.SpecRun
	for _, sp := range s.specRuns {
		if sp.ProjectID == projectID {
			cp := *sp
			out = append(out, &cp)
		}
	}
	return out, nil
}

// --- Sprints ---

func (s *Store) CreateSprint(ctx context.Context, sp *store.Sprint) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextSprintID++
	sp.ID = s.nextSprintID
	now := time.Now()
	sp.CreatedAt, sp.UpdatedAt = now, now
	cp := *sp
	cp.ProtocolRunIDs = append([]int64{}, sp.ProtocolRunIDs...)
	s.sprints[sp.ID] = &cp
	return nil
}

func (s *Store) GetSprint(ctx context.Context, id int64) (*store.Sprint, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sp, ok := s.sprints[id]
	if !ok {
		return nil, errs.New(errs.KindNotFound, "sprint %d not found", id)
	}
	cp := *sp
	cp.ProtocolRunIDs = append([]int64{}, sp.ProtocolRunIDs...)
	return &cp, nil
}

func (s *Store) ListSprints(ctx context.Context, projectID int64) ([]*store.Sprint, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*store.Sprint
	for _, sp := range s.sprints {
		if sp.ProjectID == projectID {
			cp := *sp
			cp.ProtocolRunIDs = append([]int64{}, sp.ProtocolRunIDs...)
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (s *Store) AddProtocolRunToSprint(ctx context.Context, sprintID, protocolRunID int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	sp, ok := s.sprints[sprintID]
	if !ok {
		return errs.New(errs.KindNotFound, "sprint %d not found", sprintID)
	}
	for _, id := range sp.ProtocolRunIDs {
		if id == protocolRunID {
			return nil
		}
	}
	sp.ProtocolRunIDs = append(sp.ProtocolRunIDs, protocolRunID)
	sp.UpdatedAt = time.Now()
	return nil
}

// --- Agent profiles ---

func (s *Store) CreateAgentProfile(ctx context.Context, p *store.AgentProfile) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, existing := range s.profiles {
		if existing.EngineID == p.EngineID {
			return errs.New(errs.KindValidation, "agent profile for engine %q already exists", p.EngineID)
		}
	}
	s.nextProfileID++
	p.ID = s.nextProfileID
	now := time.Now()
	p.CreatedAt, p.UpdatedAt = now, now
	cp := *p
	s.profiles[p.ID] = &cp
	return nil
}

func (s *Store) GetAgentProfile(ctx context.Context, id int64) (*store.AgentProfile, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.profiles[id]
	if !ok {
		return nil, errs.New(errs.KindNotFound, "agent_profile %d not found", id)
	}
	cp := *p
	return &cp, nil
}

func (s *Store) GetAgentProfileByEngineID(ctx context.Context, engineID string) (*store.AgentProfile, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, p := range s.profiles {
		if p.EngineID == engineID {
			cp := *p
			return &cp, nil
		}
	}
	return nil, errs.New(errs.KindNotFound, "agent_profile for engine %q not found", engineID)
}

func (s *Store) ListAgentProfiles(ctx context.Context) ([]*store.AgentProfile, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*store.AgentProfile, 0, len(s.profiles))
	for _, p := range s.profiles {
		cp := *p
		out = append(out, &cp)
	}
	return out, nil
}

func (s *Store) UpdateAgentProfile(ctx context.Context, p *store.AgentProfile) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.profiles[p.ID]; !ok {
		return errs.New(errs.KindNotFound, "agent_profile %d not found", p.ID)
	}
	p.UpdatedAt = time.Now()
	cp := *p
	s.profiles[p.ID] = &cp
	return nil
}

// ProjectDefaultForStage reads the project's PolicyOverrides for an
// "agent_defaults" map keyed by stage, e.g.
// {"agent_defaults": {"qa": "claude-code"}}.
func (s *Store) ProjectDefaultForStage(ctx context.Context, projectID int64, stage string) (string, bool) {
	s.mu.Lock()
	proj, ok := s.projects[projectID]
	s.mu.Unlock()
	if !ok {
		return "", false
	}
	return engineIDForStage(proj.PolicyOverrides, stage)
}

func engineIDForStage(policyOverrides map[string]any, stage string) (string, bool) {
	defaults, ok := policyOverrides["agent_defaults"].(map[string]any)
	if !ok {
		return "", false
	}
	engineID, ok := defaults[stage].(string)
	if !ok || engineID == "" {
		return "", false
	}
	return engineID, true
}

func (s *Store) GlobalDefault(ctx context.Context) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, p := range s.profiles {
		if p.IsGlobalDefault {
			return p.EngineID, true
		}
	}
	return "", false
}
