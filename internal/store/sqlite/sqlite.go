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

// Package sqlite provides a SQLite-backed store.Store implementation for
// single-node deployments.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/devgodzilla/core/internal/errs"
	"github.com/devgodzilla/core/internal/store"
	_ "modernc.org/sqlite"
)

var _ store.Store = (*Store)(nil)

// Store is a SQLite storage backend.
type Store struct {
	db *sql.DB
}

// Config contains SQLite connection configuration.
type Config struct {
	// Path is the database file path.
	Path string

	// WAL enables Write-Ahead Logging mode for concurrent reads.
	WAL bool
}

// New opens (and migrates) a SQLite-backed Store at cfg.Path.
func New(cfg Config) (*Store, error) {
	db, err := sql.Open("sqlite", cfg.Path)
	if err != nil {
		return nil, fmt.Errorf("sqlite: failed to open database: %w", err)
	}

	// SQLite serializes writes, so only one connection is useful here.
	db.SetMaxOpenConns(1)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("sqlite: failed to connect to database: %w", err)
	}

	s := &Store{db: db}

	if err := s.configurePragmas(ctx, cfg.WAL); err != nil {
		db.Close()
		return nil, fmt.Errorf("sqlite: failed to configure pragmas: %w", err)
	}

	if err := s.migrate(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("sqlite: failed to run migrations: %w", err)
	}

	return s, nil
}

func (s *Store) configurePragmas(ctx context.Context, enableWAL bool) error {
	pragmas := []string{
		"PRAGMA foreign_keys=ON",
		"PRAGMA busy_timeout=5000",
		"PRAGMA auto_vacuum=INCREMENTAL",
		"PRAGMA synchronous=NORMAL",
	}
	if enableWAL {
		pragmas = append(pragmas, "PRAGMA journal_mode=WAL")
	}
	for _, pragma := range pragmas {
		if _, err := s.db.ExecContext(ctx, pragma); err != nil {
			return fmt.Errorf("failed to execute %s: %w", pragma, err)
		}
	}
	return nil
}

func (s *Store) migrate(ctx context.Context) error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS projects (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			name TEXT NOT NULL,
			git_url TEXT,
			base_branch TEXT NOT NULL,
			local_path TEXT,
			status TEXT NOT NULL,
			constitution_hash TEXT,
			policy_overrides TEXT,
			created_at TEXT NOT NULL,
			updated_at TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_projects_status ON projects(status)`,
		`CREATE TABLE IF NOT EXISTS protocol_runs (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			project_id INTEGER NOT NULL,
			protocol_name TEXT NOT NULL,
			status TEXT NOT NULL,
			base_branch TEXT NOT NULL,
			worktree_path TEXT,
			protocol_root TEXT,
			description TEXT,
			windmill_flow_id TEXT,
			template_config TEXT,
			spec_run_id INTEGER,
			created_at TEXT NOT NULL,
			updated_at TEXT NOT NULL,
			FOREIGN KEY (project_id) REFERENCES projects(id) ON DELETE CASCADE
		)`,
		`CREATE INDEX IF NOT EXISTS idx_protocol_runs_project_id ON protocol_runs(project_id)`,
		`CREATE INDEX IF NOT EXISTS idx_protocol_runs_status ON protocol_runs(status)`,
		`CREATE TABLE IF NOT EXISTS step_runs (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			protocol_run_id INTEGER NOT NULL,
			step_index INTEGER NOT NULL,
			step_name TEXT NOT NULL,
			step_type TEXT NOT NULL,
			status TEXT NOT NULL,
			priority INTEGER NOT NULL DEFAULT 0,
			assigned_agent TEXT,
			model TEXT,
			summary TEXT,
			runtime_state TEXT,
			created_at TEXT NOT NULL,
			updated_at TEXT NOT NULL,
			FOREIGN KEY (protocol_run_id) REFERENCES protocol_runs(id) ON DELETE CASCADE,
			UNIQUE (protocol_run_id, step_index)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_step_runs_protocol_run_id ON step_runs(protocol_run_id)`,
		`CREATE INDEX IF NOT EXISTS idx_step_runs_status ON step_runs(status)`,
		`CREATE TABLE IF NOT EXISTS job_runs (
			run_id TEXT PRIMARY KEY,
			job_type TEXT NOT NULL,
			status TEXT NOT NULL,
			project_id INTEGER,
			protocol_run_id INTEGER,
			step_run_id INTEGER,
			windmill_job_id TEXT UNIQUE,
			params TEXT,
			result TEXT,
			error TEXT,
			log_path TEXT,
			started_at TEXT,
			finished_at TEXT,
			created_at TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_job_runs_step_run_id ON job_runs(step_run_id)`,
		`CREATE TABLE IF NOT EXISTS events (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			event_type TEXT NOT NULL,
			event_category TEXT,
			message TEXT NOT NULL,
			protocol_run_id INTEGER,
			step_run_id INTEGER,
			project_id INTEGER,
			metadata TEXT,
			created_at TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_events_protocol_run_id ON events(protocol_run_id)`,
		`CREATE INDEX IF NOT EXISTS idx_events_project_id ON events(project_id)`,
		`CREATE INDEX IF NOT EXISTS idx_events_event_category ON events(event_category)`,
		`CREATE TABLE IF NOT EXISTS artifacts (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			run_id TEXT,
			step_id INTEGER,
			name TEXT NOT NULL,
			kind TEXT NOT NULL,
			path TEXT NOT NULL,
			bytes INTEGER,
			created_at TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_artifacts_step_id ON artifacts(step_id)`,
		`CREATE INDEX IF NOT EXISTS idx_artifacts_run_id ON artifacts(run_id)`,
		`CREATE TABLE IF NOT EXISTS clarifications (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			scope TEXT NOT NULL,
			project_id INTEGER NOT NULL,
			protocol_run_id INTEGER,
			step_run_id INTEGER,
			key TEXT NOT NULL,
			question TEXT NOT NULL,
			recommended TEXT,
			options TEXT,
			applies_to TEXT NOT NULL,
			blocking INTEGER NOT NULL DEFAULT 0,
			status TEXT NOT NULL,
			answer TEXT,
			answered_by TEXT,
			created_at TEXT NOT NULL,
			updated_at TEXT NOT NULL,
			UNIQUE (scope, key)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_clarifications_status ON clarifications(status)`,
		`CREATE TABLE IF NOT EXISTS qa_results (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			protocol_run_id INTEGER NOT NULL,
			project_id INTEGER NOT NULL,
			step_run_id INTEGER,
			verdict TEXT NOT NULL,
			gate_results TEXT,
			findings TEXT,
			created_at TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_qa_results_step_run_id ON qa_results(step_run_id)`,
		`CREATE INDEX IF NOT EXISTS idx_qa_results_protocol_run_id ON qa_results(protocol_run_id)`,
		`CREATE TABLE IF NOT EXISTS spec_runs (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			project_id INTEGER NOT NULL,
			spec_name TEXT NOT NULL,
			status TEXT NOT NULL,
			spec_root TEXT,
			spec_path TEXT,
			worktree_path TEXT,
			branch_name TEXT,
			base_branch TEXT,
			created_at TEXT NOT NULL,
			updated_at TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_spec_runs_project_id ON spec_runs(project_id)`,
		`CREATE TABLE IF NOT EXISTS sprints (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			project_id INTEGER NOT NULL,
			name TEXT NOT NULL,
			status TEXT NOT NULL,
			protocol_run_ids TEXT,
			created_at TEXT NOT NULL,
			updated_at TEXT NOT NULL,
			FOREIGN KEY (project_id) REFERENCES projects(id) ON DELETE CASCADE
		)`,
		`CREATE INDEX IF NOT EXISTS idx_sprints_project_id ON sprints(project_id)`,
		`CREATE TABLE IF NOT EXISTS agent_profiles (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			engine_id TEXT NOT NULL UNIQUE,
			display_name TEXT NOT NULL,
			kind TEXT NOT NULL,
			capabilities TEXT,
			stage_defaults TEXT,
			is_global_default INTEGER NOT NULL DEFAULT 0,
			created_at TEXT NOT NULL,
			updated_at TEXT NOT NULL
		)`,
	}

	for _, migration := range migrations {
		if _, err := s.db.ExecContext(ctx, migration); err != nil {
			return fmt.Errorf("migration failed: %w", err)
		}
	}
	return nil
}

// Close closes the underlying database connection.
func (s *Store) Close() error { return s.db.Close() }

// --- Projects ---

func (s *Store) CreateProject(ctx context.Context, p *store.Project) error {
	policyOverrides, err := marshalJSON(p.PolicyOverrides)
	if err != nil {
		return fmt.Errorf("failed to marshal policy_overrides: %w", err)
	}
	now := time.Now()
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO projects (name, git_url, base_branch, local_path, status, constitution_hash, policy_overrides, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		p.Name, nullStringPtr(p.GitURL), p.BaseBranch, nullStringPtr(p.LocalPath), string(p.Status),
		nullStringPtr(p.ConstitutionHash), policyOverrides, now.Format(time.RFC3339), now.Format(time.RFC3339),
	)
	if err != nil {
		return fmt.Errorf("failed to create project: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return fmt.Errorf("failed to read inserted project id: %w", err)
	}
	p.ID = id
	p.CreatedAt, p.UpdatedAt = now, now
	return nil
}

func (s *Store) GetProject(ctx context.Context, id int64) (*store.Project, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, name, git_url, base_branch, local_path, status, constitution_hash, policy_overrides, created_at, updated_at
		FROM projects WHERE id = ?`, id)
	p, err := scanProject(row)
	if err == sql.ErrNoRows {
		return nil, errs.New(errs.KindNotFound, "project %d not found", id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get project: %w", err)
	}
	return p, nil
}

func (s *Store) UpdateProject(ctx context.Context, p *store.Project) error {
	policyOverrides, err := marshalJSON(p.PolicyOverrides)
	if err != nil {
		return fmt.Errorf("failed to marshal policy_overrides: %w", err)
	}
	now := time.Now()
	res, err := s.db.ExecContext(ctx, `
		UPDATE projects SET name = ?, git_url = ?, base_branch = ?, local_path = ?, status = ?,
			constitution_hash = ?, policy_overrides = ?, updated_at = ?
		WHERE id = ?`,
		p.Name, nullStringPtr(p.GitURL), p.BaseBranch, nullStringPtr(p.LocalPath), string(p.Status),
		nullStringPtr(p.ConstitutionHash), policyOverrides, now.Format(time.RFC3339), p.ID,
	)
	if err != nil {
		return fmt.Errorf("failed to update project: %w", err)
	}
	if affected, _ := res.RowsAffected(); affected == 0 {
		return errs.New(errs.KindNotFound, "project %d not found", p.ID)
	}
	p.UpdatedAt = now
	return nil
}

func (s *Store) ListProjects(ctx context.Context, filter store.ProjectFilter) ([]*store.Project, error) {
	query := `SELECT id, name, git_url, base_branch, local_path, status, constitution_hash, policy_overrides, created_at, updated_at FROM projects WHERE 1=1`
	var args []any
	if filter.Status != "" {
		query += " AND status = ?"
		args = append(args, string(filter.Status))
	}
	query += " ORDER BY id"

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list projects: %w", err)
	}
	defer rows.Close()

	var out []*store.Project
	for rows.Next() {
		p, err := scanProject(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan project: %w", err)
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func (s *Store) DeleteProject(ctx context.Context, id int64) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM protocol_runs WHERE project_id = ?`, id); err != nil {
		return fmt.Errorf("failed to delete dependent protocol_runs: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, `DELETE FROM projects WHERE id = ?`, id); err != nil {
		return fmt.Errorf("failed to delete project: %w", err)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanProject(row rowScanner) (*store.Project, error) {
	var p store.Project
	var status string
	var gitURL, localPath, constitutionHash, policyOverrides sql.NullString
	var createdAt, updatedAt string

	if err := row.Scan(&p.ID, &p.Name, &gitURL, &p.BaseBranch, &localPath, &status,
		&constitutionHash, &policyOverrides, &createdAt, &updatedAt); err != nil {
		return nil, err
	}
	p.Status = store.ProjectStatus(status)
	p.GitURL = stringPtrOrNil(gitURL)
	p.LocalPath = stringPtrOrNil(localPath)
	p.ConstitutionHash = stringPtrOrNil(constitutionHash)
	if policyOverrides.Valid && policyOverrides.String != "" {
		if err := json.Unmarshal([]byte(policyOverrides.String), &p.PolicyOverrides); err != nil {
			return nil, fmt.Errorf("failed to unmarshal policy_overrides: %w", err)
		}
	}
	p.CreatedAt = parseTime(createdAt)
	p.UpdatedAt = parseTime(updatedAt)
	return &p, nil
}

// --- Protocol runs ---

func (s *Store) CreateProtocolRun(ctx context.Context, pr *store.ProtocolRun) error {
	templateConfig, err := marshalJSON(pr.TemplateConfig)
	if err != nil {
		return fmt.Errorf("failed to marshal template_config: %w", err)
	}
	now := time.Now()
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO protocol_runs (project_id, protocol_name, status, base_branch, worktree_path, protocol_root,
			description, windmill_flow_id, template_config, spec_run_id, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		pr.ProjectID, pr.ProtocolName, string(pr.Status), pr.BaseBranch, nullStringPtr(pr.WorktreePath),
		nullStringPtr(pr.ProtocolRoot), pr.Description, nullStringPtr(pr.WindmillFlowID), templateConfig,
		nullInt64Ptr(pr.SpecRunID), now.Format(time.RFC3339), now.Format(time.RFC3339),
	)
	if err != nil {
		return fmt.Errorf("failed to create protocol_run: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return fmt.Errorf("failed to read inserted protocol_run id: %w", err)
	}
	pr.ID = id
	pr.CreatedAt, pr.UpdatedAt = now, now
	return nil
}

func (s *Store) GetProtocolRun(ctx context.Context, id int64) (*store.ProtocolRun, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, project_id, protocol_name, status, base_branch, worktree_path, protocol_root,
			description, windmill_flow_id, template_config, spec_run_id, created_at, updated_at
		FROM protocol_runs WHERE id = ?`, id)
	pr, err := scanProtocolRun(row)
	if err == sql.ErrNoRows {
		return nil, errs.New(errs.KindNotFound, "protocol_run %d not found", id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get protocol_run: %w", err)
	}
	return pr, nil
}

func (s *Store) UpdateProtocolStatus(ctx context.Context, id int64, expected, next store.ProtocolStatus) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE protocol_runs SET status = ?, updated_at = ? WHERE id = ? AND status = ?`,
		string(next), time.Now().Format(time.RFC3339), id, string(expected),
	)
	if err != nil {
		return false, fmt.Errorf("failed to update protocol_run status: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to read rows affected: %w", err)
	}
	if affected == 0 {
		if _, err := s.GetProtocolRun(ctx, id); err != nil {
			return false, err
		}
		return false, nil
	}
	return true, nil
}

func (s *Store) UpdateProtocolRun(ctx context.Context, pr *store.ProtocolRun) error {
	templateConfig, err := marshalJSON(pr.TemplateConfig)
	if err != nil {
		return fmt.Errorf("failed to marshal template_config: %w", err)
	}
	now := time.Now()
	res, err := s.db.ExecContext(ctx, `
		UPDATE protocol_runs SET project_id = ?, protocol_name = ?, status = ?, base_branch = ?,
			worktree_path = ?, protocol_root = ?, description = ?, windmill_flow_id = ?,
			template_config = ?, spec_run_id = ?, updated_at = ?
		WHERE id = ?`,
		pr.ProjectID, pr.ProtocolName, string(pr.Status), pr.BaseBranch, nullStringPtr(pr.WorktreePath),
		nullStringPtr(pr.ProtocolRoot), pr.Description, nullStringPtr(pr.WindmillFlowID), templateConfig,
		nullInt64Ptr(pr.SpecRunID), now.Format(time.RFC3339), pr.ID,
	)
	if err != nil {
		return fmt.Errorf("failed to update protocol_run: %w", err)
	}
	if affected, _ := res.RowsAffected(); affected == 0 {
		return errs.New(errs.KindNotFound, "protocol_run %d not found", pr.ID)
	}
	pr.UpdatedAt = now
	return nil
}

func (s *Store) ListProtocolRuns(ctx context.Context, filter store.ProtocolFilter) ([]*store.ProtocolRun, error) {
	query := `SELECT id, project_id, protocol_name, status, base_branch, worktree_path, protocol_root,
		description, windmill_flow_id, template_config, spec_run_id, created_at, updated_at
		FROM protocol_runs WHERE 1=1`
	var args []any
	if filter.ProjectID != 0 {
		query += " AND project_id = ?"
		args = append(args, filter.ProjectID)
	}
	if filter.Status != "" {
		query += " AND status = ?"
		args = append(args, string(filter.Status))
	}
	query += " ORDER BY id"

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list protocol_runs: %w", err)
	}
	defer rows.Close()

	var out []*store.ProtocolRun
	for rows.Next() {
		pr, err := scanProtocolRun(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan protocol_run: %w", err)
		}
		out = append(out, pr)
	}
	return out, rows.Err()
}

func (s *Store) ListNonTerminalProtocolRuns(ctx context.Context) ([]*store.ProtocolRun, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, project_id, protocol_name, status, base_branch, worktree_path, protocol_root,
			description, windmill_flow_id, template_config, spec_run_id, created_at, updated_at
		FROM protocol_runs WHERE status NOT IN (?, ?, ?) ORDER BY id`,
		string(store.ProtocolCompleted), string(store.ProtocolFailed), string(store.ProtocolCancelled),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list non-terminal protocol_runs: %w", err)
	}
	defer rows.Close()

	var out []*store.ProtocolRun
	for rows.Next() {
		pr, err := scanProtocolRun(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan protocol_run: %w", err)
		}
		out = append(out, pr)
	}
	return out, rows.Err()
}

func scanProtocolRun(row rowScanner) (*store.ProtocolRun, error) {
	var pr store.ProtocolRun
	var status string
	var worktreePath, protocolRoot, windmillFlowID, templateConfig sql.NullString
	var specRunID sql.NullInt64
	var createdAt, updatedAt string

	if err := row.Scan(&pr.ID, &pr.ProjectID, &pr.ProtocolName, &status, &pr.BaseBranch,
		&worktreePath, &protocolRoot, &pr.Description, &windmillFlowID, &templateConfig,
		&specRunID, &createdAt, &updatedAt); err != nil {
		return nil, err
	}
	pr.Status = store.ProtocolStatus(status)
	pr.WorktreePath = stringPtrOrNil(worktreePath)
	pr.ProtocolRoot = stringPtrOrNil(protocolRoot)
	pr.WindmillFlowID = stringPtrOrNil(windmillFlowID)
	if specRunID.Valid {
		id := specRunID.Int64
		pr.SpecRunID = &id
	}
	if templateConfig.Valid && templateConfig.String != "" {
		if err := json.Unmarshal([]byte(templateConfig.String), &pr.TemplateConfig); err != nil {
			return nil, fmt.Errorf("failed to unmarshal template_config: %w", err)
		}
	}
	pr.CreatedAt = parseTime(createdAt)
	pr.UpdatedAt = parseTime(updatedAt)
	return &pr, nil
}

// --- Step runs ---

func (s *Store) CreateStepRun(ctx context.Context, sr *store.StepRun) error {
	runtimeState, err := marshalJSON(sr.RuntimeState)
	if err != nil {
		return fmt.Errorf("failed to marshal runtime_state: %w", err)
	}
	now := time.Now()
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO step_runs (protocol_run_id, step_index, step_name, step_type, status, priority,
			assigned_agent, model, summary, runtime_state, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		sr.ProtocolRunID, sr.StepIndex, sr.StepName, string(sr.StepType), string(sr.Status), sr.Priority,
		nullStringPtr(sr.AssignedAgent), nullStringPtr(sr.Model), nullStringPtr(sr.Summary), runtimeState,
		now.Format(time.RFC3339), now.Format(time.RFC3339),
	)
	if err != nil {
		if isUniqueConstraintErr(err) {
			return errs.New(errs.KindValidation, "step_index %d already used in protocol_run %d", sr.StepIndex, sr.ProtocolRunID)
		}
		return fmt.Errorf("failed to create step_run: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return fmt.Errorf("failed to read inserted step_run id: %w", err)
	}
	sr.ID = id
	sr.CreatedAt, sr.UpdatedAt = now, now
	return nil
}

func (s *Store) GetStepRun(ctx context.Context, id int64) (*store.StepRun, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, protocol_run_id, step_index, step_name, step_type, status, priority,
			assigned_agent, model, summary, runtime_state, created_at, updated_at
		FROM step_runs WHERE id = ?`, id)
	sr, err := scanStepRun(row)
	if err == sql.ErrNoRows {
		return nil, errs.New(errs.KindNotFound, "step_run %d not found", id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get step_run: %w", err)
	}
	return sr, nil
}

func (s *Store) UpdateStepStatus(ctx context.Context, id int64, expected, next store.StepStatus) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE step_runs SET status = ?, updated_at = ? WHERE id = ? AND status = ?`,
		string(next), time.Now().Format(time.RFC3339), id, string(expected),
	)
	if err != nil {
		return false, fmt.Errorf("failed to update step_run status: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to read rows affected: %w", err)
	}
	if affected == 0 {
		if _, err := s.GetStepRun(ctx, id); err != nil {
			return false, err
		}
		return false, nil
	}
	return true, nil
}

func (s *Store) UpdateStepRun(ctx context.Context, sr *store.StepRun) error {
	runtimeState, err := marshalJSON(sr.RuntimeState)
	if err != nil {
		return fmt.Errorf("failed to marshal runtime_state: %w", err)
	}
	now := time.Now()
	res, err := s.db.ExecContext(ctx, `
		UPDATE step_runs SET protocol_run_id = ?, step_index = ?, step_name = ?, step_type = ?, status = ?,
			priority = ?, assigned_agent = ?, model = ?, summary = ?, runtime_state = ?, updated_at = ?
		WHERE id = ?`,
		sr.ProtocolRunID, sr.StepIndex, sr.StepName, string(sr.StepType), string(sr.Status), sr.Priority,
		nullStringPtr(sr.AssignedAgent), nullStringPtr(sr.Model), nullStringPtr(sr.Summary), runtimeState,
		now.Format(time.RFC3339), sr.ID,
	)
	if err != nil {
		return fmt.Errorf("failed to update step_run: %w", err)
	}
	if affected, _ := res.RowsAffected(); affected == 0 {
		return errs.New(errs.KindNotFound, "step_run %d not found", sr.ID)
	}
	sr.UpdatedAt = now
	return nil
}

func (s *Store) ListStepRuns(ctx context.Context, filter store.StepFilter) ([]*store.StepRun, error) {
	query := `SELECT id, protocol_run_id, step_index, step_name, step_type, status, priority,
		assigned_agent, model, summary, runtime_state, created_at, updated_at
		FROM step_runs WHERE 1=1`
	var args []any
	if filter.ProtocolRunID != 0 {
		query += " AND protocol_run_id = ?"
		args = append(args, filter.ProtocolRunID)
	}
	if filter.Status != "" {
		query += " AND status = ?"
		args = append(args, string(filter.Status))
	}
	query += " ORDER BY step_index, id"

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list step_runs: %w", err)
	}
	defer rows.Close()

	var out []*store.StepRun
	for rows.Next() {
		sr, err := scanStepRun(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan step_run: %w", err)
		}
		out = append(out, sr)
	}
	return out, rows.Err()
}

func scanStepRun(row rowScanner) (*store.StepRun, error) {
	var sr store.StepRun
	var stepType, status string
	var assignedAgent, model, summary, runtimeState sql.NullString
	var createdAt, updatedAt string

	if err := row.Scan(&sr.ID, &sr.ProtocolRunID, &sr.StepIndex, &sr.StepName, &stepType, &status, &sr.Priority,
		&assignedAgent, &model, &summary, &runtimeState, &createdAt, &updatedAt); err != nil {
		return nil, err
	}
	sr.StepType = store.StepType(stepType)
	sr.Status = store.StepStatus(status)
	sr.AssignedAgent = stringPtrOrNil(assignedAgent)
	sr.Model = stringPtrOrNil(model)
	sr.Summary = stringPtrOrNil(summary)
	if runtimeState.Valid && runtimeState.String != "" {
		if err := json.Unmarshal([]byte(runtimeState.String), &sr.RuntimeState); err != nil {
			return nil, fmt.Errorf("failed to unmarshal runtime_state: %w", err)
		}
	}
	sr.CreatedAt = parseTime(createdAt)
	sr.UpdatedAt = parseTime(updatedAt)
	return &sr, nil
}

// --- Job runs ---

func (s *Store) CreateJobRun(ctx context.Context, jr *store.JobRun) error {
	params, err := marshalJSON(jr.Params)
	if err != nil {
		return fmt.Errorf("failed to marshal params: %w", err)
	}
	result, err := marshalJSON(jr.Result)
	if err != nil {
		return fmt.Errorf("failed to marshal result: %w", err)
	}
	now := time.Now()
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO job_runs (run_id, job_type, status, project_id, protocol_run_id, step_run_id,
			windmill_job_id, params, result, error, log_path, started_at, finished_at, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		jr.RunID, jr.JobType, string(jr.Status), nullInt64Ptr(jr.ProjectID), nullInt64Ptr(jr.ProtocolRunID),
		nullInt64Ptr(jr.StepRunID), nullStringPtr(jr.WindmillJobID), params, result, nullStringPtr(jr.Error),
		nullStringPtr(jr.LogPath), formatTimePtr(jr.StartedAt), formatTimePtr(jr.FinishedAt), now.Format(time.RFC3339),
	)
	if err != nil {
		if isUniqueConstraintErr(err) {
			return errs.New(errs.KindValidation, "windmill_job_id already used")
		}
		return fmt.Errorf("failed to create job_run: %w", err)
	}
	jr.CreatedAt = now
	return nil
}

func (s *Store) GetJobRun(ctx context.Context, runID string) (*store.JobRun, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT run_id, job_type, status, project_id, protocol_run_id, step_run_id, windmill_job_id,
			params, result, error, log_path, started_at, finished_at, created_at
		FROM job_runs WHERE run_id = ?`, runID)
	jr, err := scanJobRun(row)
	if err == sql.ErrNoRows {
		return nil, errs.New(errs.KindNotFound, "job_run %s not found", runID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get job_run: %w", err)
	}
	return jr, nil
}

func (s *Store) GetJobRunByWindmillID(ctx context.Context, windmillJobID string) (*store.JobRun, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT run_id, job_type, status, project_id, protocol_run_id, step_run_id, windmill_job_id,
			params, result, error, log_path, started_at, finished_at, created_at
		FROM job_runs WHERE windmill_job_id = ?`, windmillJobID)
	jr, err := scanJobRun(row)
	if err == sql.ErrNoRows {
		return nil, errs.New(errs.KindNotFound, "windmill_job_id %s not found", windmillJobID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get job_run by windmill id: %w", err)
	}
	return jr, nil
}

func (s *Store) UpdateJobRun(ctx context.Context, jr *store.JobRun) error {
	params, err := marshalJSON(jr.Params)
	if err != nil {
		return fmt.Errorf("failed to marshal params: %w", err)
	}
	result, err := marshalJSON(jr.Result)
	if err != nil {
		return fmt.Errorf("failed to marshal result: %w", err)
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE job_runs SET job_type = ?, status = ?, project_id = ?, protocol_run_id = ?, step_run_id = ?,
			windmill_job_id = ?, params = ?, result = ?, error = ?, log_path = ?, started_at = ?, finished_at = ?
		WHERE run_id = ?`,
		jr.JobType, string(jr.Status), nullInt64Ptr(jr.ProjectID), nullInt64Ptr(jr.ProtocolRunID),
		nullInt64Ptr(jr.StepRunID), nullStringPtr(jr.WindmillJobID), params, result, nullStringPtr(jr.Error),
		nullStringPtr(jr.LogPath), formatTimePtr(jr.StartedAt), formatTimePtr(jr.FinishedAt), jr.RunID,
	)
	if err != nil {
		if isUniqueConstraintErr(err) {
			return errs.New(errs.KindValidation, "windmill_job_id already used")
		}
		return fmt.Errorf("failed to update job_run: %w", err)
	}
	if affected, _ := res.RowsAffected(); affected == 0 {
		return errs.New(errs.KindNotFound, "job_run %s not found", jr.RunID)
	}
	return nil
}

func (s *Store) LatestJobRunForStep(ctx context.Context, stepRunID int64) (*store.JobRun, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT run_id, job_type, status, project_id, protocol_run_id, step_run_id, windmill_job_id,
			params, result, error, log_path, started_at, finished_at, created_at
		FROM job_runs WHERE step_run_id = ? ORDER BY created_at DESC, rowid DESC LIMIT 1`, stepRunID)
	jr, err := scanJobRun(row)
	if err == sql.ErrNoRows {
		return nil, errs.New(errs.KindNotFound, "no job_run for step_run %d", stepRunID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get latest job_run for step: %w", err)
	}
	return jr, nil
}

func (s *Store) ListJobRuns(ctx context.Context, filter store.JobFilter) ([]*store.JobRun, error) {
	query := `SELECT run_id, job_type, status, project_id, protocol_run_id, step_run_id, windmill_job_id,
		params, result, error, log_path, started_at, finished_at, created_at FROM job_runs WHERE 1=1`
	var args []any
	if filter.StepRunID != 0 {
		query += " AND step_run_id = ?"
		args = append(args, filter.StepRunID)
	}
	query += " ORDER BY created_at"

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list job_runs: %w", err)
	}
	defer rows.Close()

	var out []*store.JobRun
	for rows.Next() {
		jr, err := scanJobRun(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan job_run: %w", err)
		}
		out = append(out, jr)
	}
	return out, rows.Err()
}

func scanJobRun(row rowScanner) (*store.JobRun, error) {
	var jr store.JobRun
	var status string
	var projectID, protocolRunID, stepRunID sql.NullInt64
	var windmillJobID, params, result, errStr, logPath sql.NullString
	var startedAt, finishedAt sql.NullString
	var createdAt string

	if err := row.Scan(&jr.RunID, &jr.JobType, &status, &projectID, &protocolRunID, &stepRunID,
		&windmillJobID, &params, &result, &errStr, &logPath, &startedAt, &finishedAt, &createdAt); err != nil {
		return nil, err
	}
	jr.Status = store.JobStatus(status)
	if projectID.Valid {
		v := projectID.Int64
		jr.ProjectID = &v
	}
	if protocolRunID.Valid {
		v := protocolRunID.Int64
		jr.ProtocolRunID = &v
	}
	if stepRunID.Valid {
		v := stepRunID.Int64
		jr.StepRunID = &v
	}
	jr.WindmillJobID = stringPtrOrNil(windmillJobID)
	jr.Error = stringPtrOrNil(errStr)
	jr.LogPath = stringPtrOrNil(logPath)
	if params.Valid && params.String != "" {
		if err := json.Unmarshal([]byte(params.String), &jr.Params); err != nil {
			return nil, fmt.Errorf("failed to unmarshal params: %w", err)
		}
	}
	if result.Valid && result.String != "" {
		if err := json.Unmarshal([]byte(result.String), &jr.Result); err != nil {
			return nil, fmt.Errorf("failed to unmarshal result: %w", err)
		}
	}
	if startedAt.Valid {
		t := parseTime(startedAt.String)
		jr.StartedAt = &t
	}
	if finishedAt.Valid {
		t := parseTime(finishedAt.String)
		jr.FinishedAt = &t
	}
	jr.CreatedAt = parseTime(createdAt)
	return &jr, nil
}

// --- Events ---

func (s *Store) AppendEvent(ctx context.Context, e *store.Event) (int64, error) {
	metadata, err := marshalJSON(e.Metadata)
	if err != nil {
		return 0, fmt.Errorf("failed to marshal metadata: %w", err)
	}
	now := time.Now()
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO events (event_type, event_category, message, protocol_run_id, step_run_id, project_id, metadata, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		e.EventType, nullStringPtr(e.EventCategory), e.Message, nullInt64Ptr(e.ProtocolRunID),
		nullInt64Ptr(e.StepRunID), nullInt64Ptr(e.ProjectID), metadata, now.Format(time.RFC3339),
	)
	if err != nil {
		return 0, fmt.Errorf("failed to append event: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("failed to read inserted event id: %w", err)
	}
	e.ID = id
	e.CreatedAt = now
	return id, nil
}

func (s *Store) ListEvents(ctx context.Context, filter store.EventFilter) ([]*store.Event, error) {
	query := `SELECT id, event_type, event_category, message, protocol_run_id, step_run_id, project_id, metadata, created_at
		FROM events WHERE id > ?`
	args := []any{filter.SinceID}
	if filter.ProjectID != 0 {
		query += " AND project_id = ?"
		args = append(args, filter.ProjectID)
	}
	if filter.ProtocolRunID != 0 {
		query += " AND protocol_run_id = ?"
		args = append(args, filter.ProtocolRunID)
	}
	if filter.EventCategory != "" {
		query += " AND event_category = ?"
		args = append(args, filter.EventCategory)
	}
	if filter.EventType != "" {
		query += " AND event_type = ?"
		args = append(args, filter.EventType)
	}
	query += " ORDER BY id"
	if filter.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list events: %w", err)
	}
	defer rows.Close()

	var out []*store.Event
	for rows.Next() {
		var e store.Event
		var eventCategory, metadata sql.NullString
		var protocolRunID, stepRunID, projectID sql.NullInt64
		var createdAt string

		if err := rows.Scan(&e.ID, &e.EventType, &eventCategory, &e.Message, &protocolRunID, &stepRunID,
			&projectID, &metadata, &createdAt); err != nil {
			return nil, fmt.Errorf("failed to scan event: %w", err)
		}
		e.EventCategory = stringPtrOrNil(eventCategory)
		if protocolRunID.Valid {
			v := protocolRunID.Int64
			e.ProtocolRunID = &v
		}
		if stepRunID.Valid {
			v := stepRunID.Int64
			e.StepRunID = &v
		}
		if projectID.Valid {
			v := projectID.Int64
			e.ProjectID = &v
		}
		if metadata.Valid && metadata.String != "" {
			if err := json.Unmarshal([]byte(metadata.String), &e.Metadata); err != nil {
				return nil, fmt.Errorf("failed to unmarshal metadata: %w", err)
			}
		}
		e.CreatedAt = parseTime(createdAt)
		out = append(out, &e)
	}
	return out, rows.Err()
}

// --- Artifacts ---

func (s *Store) CreateArtifact(ctx context.Context, a *store.Artifact) error {
	now := time.Now()
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO artifacts (run_id, step_id, name, kind, path, bytes, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		nullStringPtr(a.RunID), nullInt64Ptr(a.StepID), a.Name, string(a.Kind), a.Path,
		nullInt64Ptr(a.Bytes), now.Format(time.RFC3339),
	)
	if err != nil {
		return fmt.Errorf("failed to create artifact: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return fmt.Errorf("failed to read inserted artifact id: %w", err)
	}
	a.ID = id
	a.CreatedAt = now
	return nil
}

func (s *Store) ListArtifactsForStep(ctx context.Context, stepID int64) ([]*store.Artifact, error) {
	return s.listArtifacts(ctx, "step_id = ?", stepID)
}

func (s *Store) ListArtifactsForRun(ctx context.Context, runID string) ([]*store.Artifact, error) {
	return s.listArtifacts(ctx, "run_id = ?", runID)
}

func (s *Store) listArtifacts(ctx context.Context, where string, arg any) ([]*store.Artifact, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, run_id, step_id, name, kind, path, bytes, created_at
		FROM artifacts WHERE `+where+` ORDER BY id`, arg)
	if err != nil {
		return nil, fmt.Errorf("failed to list artifacts: %w", err)
	}
	defer rows.Close()

	var out []*store.Artifact
	for rows.Next() {
		var a store.Artifact
		var runID sql.NullString
		var stepID, bytesVal sql.NullInt64
		var createdAt string

		if err := rows.Scan(&a.ID, &runID, &stepID, &a.Name, &a.Kind, &a.Path, &bytesVal, &createdAt); err != nil {
			return nil, fmt.Errorf("failed to scan artifact: %w", err)
		}
		a.RunID = stringPtrOrNil(runID)
		if stepID.Valid {
			v := stepID.Int64
			a.StepID = &v
		}
		if bytesVal.Valid {
			v := bytesVal.Int64
			a.Bytes = &v
		}
		a.CreatedAt = parseTime(createdAt)
		out = append(out, &a)
	}
	return out, rows.Err()
}

// --- Clarifications ---

func (s *Store) UpsertClarification(ctx context.Context, c *store.Clarification) (*store.Clarification, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	var existingID int64
	err = tx.QueryRowContext(ctx, `SELECT id FROM clarifications WHERE scope = ? AND key = ?`, c.Scope, c.Key).Scan(&existingID)
	now := time.Now()

	optionsJSON, err2 := marshalJSON(c.Options)
	if err2 != nil {
		return nil, fmt.Errorf("failed to marshal options: %w", err2)
	}

	switch {
	case err == sql.ErrNoRows:
		if c.Status == "" {
			c.Status = store.ClarificationOpen
		}
		res, insErr := tx.ExecContext(ctx, `
			INSERT INTO clarifications (scope, project_id, protocol_run_id, step_run_id, key, question,
				recommended, options, applies_to, blocking, status, answer, answered_by, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			c.Scope, c.ProjectID, nullInt64Ptr(c.ProtocolRunID), nullInt64Ptr(c.StepRunID), c.Key, c.Question,
			nullStringPtr(c.Recommended), optionsJSON, c.AppliesTo, c.Blocking, string(c.Status),
			nullStringPtr(c.Answer), nullStringPtr(c.AnsweredBy), now.Format(time.RFC3339), now.Format(time.RFC3339),
		)
		if insErr != nil {
			return nil, fmt.Errorf("failed to insert clarification: %w", insErr)
		}
		id, idErr := res.LastInsertId()
		if idErr != nil {
			return nil, fmt.Errorf("failed to read inserted clarification id: %w", idErr)
		}
		c.ID = id
		c.CreatedAt, c.UpdatedAt = now, now
	case err != nil:
		return nil, fmt.Errorf("failed to look up clarification: %w", err)
	default:
		if _, updErr := tx.ExecContext(ctx, `
			UPDATE clarifications SET question = ?, options = ?, recommended = ?, blocking = ?, updated_at = ?
			WHERE id = ?`,
			c.Question, optionsJSON, nullStringPtr(c.Recommended), c.Blocking, now.Format(time.RFC3339), existingID,
		); updErr != nil {
			return nil, fmt.Errorf("failed to update clarification: %w", updErr)
		}
		c.ID = existingID
	}

	row := tx.QueryRowContext(ctx, `
		SELECT id, scope, project_id, protocol_run_id, step_run_id, key, question, recommended, options,
			applies_to, blocking, status, answer, answered_by, created_at, updated_at
		FROM clarifications WHERE id = ?`, c.ID)
	out, err := scanClarification(row)
	if err != nil {
		return nil, fmt.Errorf("failed to read back clarification: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit clarification upsert: %w", err)
	}
	return out, nil
}

func (s *Store) GetClarification(ctx context.Context, id int64) (*store.Clarification, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, scope, project_id, protocol_run_id, step_run_id, key, question, recommended, options,
			applies_to, blocking, status, answer, answered_by, created_at, updated_at
		FROM clarifications WHERE id = ?`, id)
	c, err := scanClarification(row)
	if err == sql.ErrNoRows {
		return nil, errs.New(errs.KindNotFound, "clarification %d not found", id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get clarification: %w", err)
	}
	return c, nil
}

func (s *Store) AnswerClarification(ctx context.Context, id int64, answer, answeredBy string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE clarifications SET answer = ?, answered_by = ?, status = ?, updated_at = ? WHERE id = ?`,
		answer, answeredBy, string(store.ClarificationAnswered), time.Now().Format(time.RFC3339), id,
	)
	if err != nil {
		return fmt.Errorf("failed to answer clarification: %w", err)
	}
	if affected, _ := res.RowsAffected(); affected == 0 {
		return errs.New(errs.KindNotFound, "clarification %d not found", id)
	}
	return nil
}

func (s *Store) ListOpenClarifications(ctx context.Context, scope string, scopeID int64) ([]*store.Clarification, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, scope, project_id, protocol_run_id, step_run_id, key, question, recommended, options,
			applies_to, blocking, status, answer, answered_by, created_at, updated_at
		FROM clarifications
		WHERE status = ? AND scope = ? AND (project_id = ? OR protocol_run_id = ? OR step_run_id = ?)
		ORDER BY id`,
		string(store.ClarificationOpen), scope, scopeID, scopeID, scopeID,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list open clarifications: %w", err)
	}
	defer rows.Close()

	var out []*store.Clarification
	for rows.Next() {
		c, err := scanClarification(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan clarification: %w", err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func scanClarification(row rowScanner) (*store.Clarification, error) {
	var c store.Clarification
	var status string
	var recommended, options, answer, answeredBy sql.NullString
	var protocolRunID, stepRunID sql.NullInt64
	var createdAt, updatedAt string

	if err := row.Scan(&c.ID, &c.Scope, &c.ProjectID, &protocolRunID, &stepRunID, &c.Key, &c.Question,
		&recommended, &options, &c.AppliesTo, &c.Blocking, &status, &answer, &answeredBy, &createdAt, &updatedAt); err != nil {
		return nil, err
	}
	c.Status = store.ClarificationStatus(status)
	c.Recommended = stringPtrOrNil(recommended)
	c.Answer = stringPtrOrNil(answer)
	c.AnsweredBy = stringPtrOrNil(answeredBy)
	if protocolRunID.Valid {
		v := protocolRunID.Int64
		c.ProtocolRunID = &v
	}
	if stepRunID.Valid {
		v := stepRunID.Int64
		c.StepRunID = &v
	}
	if options.Valid && options.String != "" {
		if err := json.Unmarshal([]byte(options.String), &c.Options); err != nil {
			return nil, fmt.Errorf("failed to unmarshal options: %w", err)
		}
	}
	c.CreatedAt = parseTime(createdAt)
	c.UpdatedAt = parseTime(updatedAt)
	return &c, nil
}

// --- QA results ---

func (s *Store) CreateQAResult(ctx context.Context, r *store.QAResult) error {
	gateResults, err := marshalJSON(r.GateResults)
	if err != nil {
		return fmt.Errorf("failed to marshal gate_results: %w", err)
	}
	findings, err := marshalJSON(r.Findings)
	if err != nil {
		return fmt.Errorf("failed to marshal findings: %w", err)
	}
	now := time.Now()
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO qa_results (protocol_run_id, project_id, step_run_id, verdict, gate_results, findings, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		r.ProtocolRunID, r.ProjectID, nullInt64Ptr(r.StepRunID), string(r.Verdict), gateResults, findings,
		now.Format(time.RFC3339),
	)
	if err != nil {
		return fmt.Errorf("failed to create qa_result: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return fmt.Errorf("failed to read inserted qa_result id: %w", err)
	}
	r.ID = id
	r.CreatedAt = now
	return nil
}

func (s *Store) LatestQAResultForStep(ctx context.Context, stepRunID int64) (*store.QAResult, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, protocol_run_id, project_id, step_run_id, verdict, gate_results, findings, created_at
		FROM qa_results WHERE step_run_id = ? ORDER BY created_at DESC, id DESC LIMIT 1`, stepRunID)
	r, err := scanQAResult(row)
	if err == sql.ErrNoRows {
		return nil, errs.New(errs.KindNotFound, "no qa_result for step_run %d", stepRunID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get latest qa_result: %w", err)
	}
	return r, nil
}

func (s *Store) ListQAResultsForProtocol(ctx context.Context, protocolRunID int64) ([]*store.QAResult, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, protocol_run_id, project_id, step_run_id, verdict, gate_results, findings, created_at
		FROM qa_results WHERE protocol_run_id = ? ORDER BY id`, protocolRunID)
	if err != nil {
		return nil, fmt.Errorf("failed to list qa_results: %w", err)
	}
	defer rows.Close()

	var out []*store.QAResult
	for rows.Next() {
		r, err := scanQAResult(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan qa_result: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func scanQAResult(row rowScanner) (*store.QAResult, error) {
	var r store.QAResult
	var verdict string
	var stepRunID sql.NullInt64
	var gateResults, findings sql.NullString
	var createdAt string

	if err := row.Scan(&r.ID, &r.ProtocolRunID, &r.ProjectID, &stepRunID, &verdict, &gateResults, &findings, &createdAt); err != nil {
		return nil, err
	}
	r.Verdict = store.Verdict(verdict)
	if stepRunID.Valid {
		v := stepRunID.Int64
		r.StepRunID = &v
	}
	if gateResults.Valid && gateResults.String != "" {
		if err := json.Unmarshal([]byte(gateResults.String), &r.GateResults); err != nil {
			return nil, fmt.Errorf("failed to unmarshal gate_results: %w", err)
		}
	}
	if findings.Valid && findings.String != "" {
		if err := json.Unmarshal([]byte(findings.String), &r.Findings); err != nil {
			return nil, fmt.Errorf("failed to unmarshal findings: %w", err)
		}
	}
	r.CreatedAt = parseTime(createdAt)
	return &r, nil
}

// --- Spec runs ---

func (s *Store) CreateSpecRun(ctx context.Context, sp *store.SpecRun) error {
	now := time.Now()
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO spec_runs (project_id, spec_name, status, spec_root, spec_path, worktree_path,
			branch_name, base_branch, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		sp.ProjectID, sp.SpecName, string(sp.Status), nullStringPtr(sp.SpecRoot), nullStringPtr(sp.SpecPath),
		nullStringPtr(sp.WorktreePath), nullStringPtr(sp.BranchName), nullStringPtr(sp.BaseBranch),
		now.Format(time.RFC3339), now.Format(time.RFC3339),
	)
	if err != nil {
		return fmt.Errorf("failed to create spec_run: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return fmt.Errorf("failed to read inserted spec_run id: %w", err)
	}
	sp.ID = id
	sp.CreatedAt, sp.UpdatedAt = now, now
	return nil
}

func (s *Store) GetSpecRun(ctx context.Context, id int64) (*store.SpecRun, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, project_id, spec_name, status, spec_root, spec_path, worktree_path, branch_name, base_branch, created_at, updated_at
		FROM spec_runs WHERE id = ?`, id)
	sp, err := scanSpecRun(row)
	if err == sql.ErrNoRows {
		return nil, errs.New(errs.KindNotFound, "spec_run %d not found", id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get spec_run: %w", err)
	}
	return sp, nil
}

func (s *Store) UpdateSpecRun(ctx context.Context, sp *store.SpecRun) error {
	now := time.Now()
	res, err := s.db.ExecContext(ctx, `
		UPDATE spec_runs SET project_id = ?, spec_name = ?, status = ?, spec_root = ?, spec_path = ?,
			worktree_path = ?, branch_name = ?, base_branch = ?, updated_at = ?
		WHERE id = ?`,
		sp.ProjectID, sp.SpecName, string(sp.Status), nullStringPtr(sp.SpecRoot), nullStringPtr(sp.SpecPath),
		nullStringPtr(sp.WorktreePath), nullStringPtr(sp.BranchName), nullStringPtr(sp.BaseBranch),
		now.Format(time.RFC3339), sp.ID,
	)
	if err != nil {
		return fmt.Errorf("failed to update spec_run: %w", err)
	}
	if affected, _ := res.RowsAffected(); affected == 0 {
		return errs.New(errs.KindNotFound, "spec_run %d not found", sp.ID)
	}
	sp.UpdatedAt = now
	return nil
}

func (s *Store) ListSpecRuns(ctx context.Context, projectID int64) ([]*store.SpecRun, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, project_id, spec_name, status, spec_root, spec_path, worktree_path, branch_name, base_branch, created_at, updated_at
		FROM spec_runs WHERE project_id = ? ORDER BY id`, projectID)
	if err != nil {
		return nil, fmt.Errorf("failed to list spec_runs: %w", err)
	}
	defer rows.Close()

	var out []*store.SpecRun
	for rows.Next() {
		sp, err := scanSpecRun(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan spec_run: %w", err)
		}
		out = append(out, sp)
	}
	return out, rows.Err()
}

func scanSpecRun(row rowScanner) (*store.SpecRun, error) {
	var sp store.SpecRun
	var status string
	var specRoot, specPath, worktreePath, branchName, baseBranch sql.NullString
	var createdAt, updatedAt string

	if err := row.Scan(&sp.ID, &sp.ProjectID, &sp.SpecName, &status, &specRoot, &specPath, &worktreePath,
		&branchName, &baseBranch, &createdAt, &updatedAt); err != nil {
		return nil, err
	}
	sp.Status = store.SpecRunStatus(status)
	sp.SpecRoot = stringPtrOrNil(specRoot)
	sp.SpecPath = stringPtrOrNil(specPath)
	sp.WorktreePath = stringPtrOrNil(worktreePath)
	sp.BranchName = stringPtrOrNil(branchName)
	sp.BaseBranch = stringPtrOrNil(baseBranch)
	sp.CreatedAt = parseTime(createdAt)
	sp.UpdatedAt = parseTime(updatedAt)
	return &sp, nil
}

// --- Helper functions ---

// formatTimePtr converts a *time.Time to an RFC3339 string or nil.
func formatTimePtr(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.Format(time.RFC3339)
}

// --- Sprints ---

func (s *Store) CreateSprint(ctx context.Context, sp *store.Sprint) error {
	protocolRunIDs, err := marshalJSON(sp.ProtocolRunIDs)
	if err != nil {
		return fmt.Errorf("failed to marshal protocol_run_ids: %w", err)
	}
	now := time.Now()
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO sprints (project_id, name, status, protocol_run_ids, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		sp.ProjectID, sp.Name, string(sp.Status), protocolRunIDs, now.Format(time.RFC3339), now.Format(time.RFC3339),
	)
	if err != nil {
		return fmt.Errorf("failed to create sprint: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return fmt.Errorf("failed to read inserted sprint id: %w", err)
	}
	sp.ID = id
	sp.CreatedAt, sp.UpdatedAt = now, now
	return nil
}

func (s *Store) GetSprint(ctx context.Context, id int64) (*store.Sprint, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, project_id, name, status, protocol_run_ids, created_at, updated_at
		FROM sprints WHERE id = ?`, id)
	sp, err := scanSprint(row)
	if err == sql.ErrNoRows {
		return nil, errs.New(errs.KindNotFound, "sprint %d not found", id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get sprint: %w", err)
	}
	return sp, nil
}

func (s *Store) ListSprints(ctx context.Context, projectID int64) ([]*store.Sprint, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, project_id, name, status, protocol_run_ids, created_at, updated_at
		FROM sprints WHERE project_id = ? ORDER BY id`, projectID)
	if err != nil {
		return nil, fmt.Errorf("failed to list sprints: %w", err)
	}
	defer rows.Close()

	var out []*store.Sprint
	for rows.Next() {
		sp, err := scanSprint(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan sprint: %w", err)
		}
		out = append(out, sp)
	}
	return out, rows.Err()
}

func (s *Store) AddProtocolRunToSprint(ctx context.Context, sprintID, protocolRunID int64) error {
	sp, err := s.GetSprint(ctx, sprintID)
	if err != nil {
		return err
	}
	for _, id := range sp.ProtocolRunIDs {
		if id == protocolRunID {
			return nil
		}
	}
	sp.ProtocolRunIDs = append(sp.ProtocolRunIDs, protocolRunID)
	protocolRunIDs, err := marshalJSON(sp.ProtocolRunIDs)
	if err != nil {
		return fmt.Errorf("failed to marshal protocol_run_ids: %w", err)
	}
	now := time.Now()
	res, err := s.db.ExecContext(ctx, `
		UPDATE sprints SET protocol_run_ids = ?, updated_at = ? WHERE id = ?`,
		protocolRunIDs, now.Format(time.RFC3339), sprintID,
	)
	if err != nil {
		return fmt.Errorf("failed to update sprint: %w", err)
	}
	if affected, _ := res.RowsAffected(); affected == 0 {
		return errs.New(errs.KindNotFound, "sprint %d not found", sprintID)
	}
	return nil
}

func scanSprint(row rowScanner) (*store.Sprint, error) {
	var sp store.Sprint
	var status string
	var protocolRunIDs sql.NullString
	var createdAt, updatedAt string

	if err := row.Scan(&sp.ID, &sp.ProjectID, &sp.Name, &status, &protocolRunIDs, &createdAt, &updatedAt); err != nil {
		return nil, err
	}
	sp.Status = store.SprintStatus(status)
	if protocolRunIDs.Valid {
		if err := json.Unmarshal([]byte(protocolRunIDs.String), &sp.ProtocolRunIDs); err != nil {
			return nil, fmt.Errorf("failed to unmarshal protocol_run_ids: %w", err)
		}
	}
	sp.CreatedAt = parseTime(createdAt)
	sp.UpdatedAt = parseTime(updatedAt)
	return &sp, nil
}

// --- Agent profiles ---

func (s *Store) CreateAgentProfile(ctx context.Context, p *store.AgentProfile) error {
	capabilities, err := marshalJSON(p.Capabilities)
	if err != nil {
		return fmt.Errorf("failed to marshal capabilities: %w", err)
	}
	stageDefaults, err := marshalJSON(p.StageDefaults)
	if err != nil {
		return fmt.Errorf("failed to marshal stage_defaults: %w", err)
	}
	now := time.Now()
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO agent_profiles (engine_id, display_name, kind, capabilities, stage_defaults, is_global_default, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		p.EngineID, p.DisplayName, p.Kind, capabilities, stageDefaults, boolToInt(p.IsGlobalDefault),
		now.Format(time.RFC3339), now.Format(time.RFC3339),
	)
	if err != nil {
		if isUniqueConstraintErr(err) {
			return errs.Wrap(errs.KindValidation, err, "agent profile for engine %q already exists", p.EngineID)
		}
		return fmt.Errorf("failed to create agent_profile: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return fmt.Errorf("failed to read inserted agent_profile id: %w", err)
	}
	p.ID = id
	p.CreatedAt, p.UpdatedAt = now, now
	return nil
}

func (s *Store) GetAgentProfile(ctx context.Context, id int64) (*store.AgentProfile, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, engine_id, display_name, kind, capabilities, stage_defaults, is_global_default, created_at, updated_at
		FROM agent_profiles WHERE id = ?`, id)
	p, err := scanAgentProfile(row)
	if err == sql.ErrNoRows {
		return nil, errs.New(errs.KindNotFound, "agent_profile %d not found", id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get agent_profile: %w", err)
	}
	return p, nil
}

func (s *Store) GetAgentProfileByEngineID(ctx context.Context, engineID string) (*store.AgentProfile, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, engine_id, display_name, kind, capabilities, stage_defaults, is_global_default, created_at, updated_at
		FROM agent_profiles WHERE engine_id = ?`, engineID)
	p, err := scanAgentProfile(row)
	if err == sql.ErrNoRows {
		return nil, errs.New(errs.KindNotFound, "agent_profile for engine %q not found", engineID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get agent_profile: %w", err)
	}
	return p, nil
}

func (s *Store) ListAgentProfiles(ctx context.Context) ([]*store.AgentProfile, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, engine_id, display_name, kind, capabilities, stage_defaults, is_global_default, created_at, updated_at
		FROM agent_profiles ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("failed to list agent_profiles: %w", err)
	}
	defer rows.Close()

	var out []*store.AgentProfile
	for rows.Next() {
		p, err := scanAgentProfile(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan agent_profile: %w", err)
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func (s *Store) UpdateAgentProfile(ctx context.Context, p *store.AgentProfile) error {
	capabilities, err := marshalJSON(p.Capabilities)
	if err != nil {
		return fmt.Errorf("failed to marshal capabilities: %w", err)
	}
	stageDefaults, err := marshalJSON(p.StageDefaults)
	if err != nil {
		return fmt.Errorf("failed to marshal stage_defaults: %w", err)
	}
	now := time.Now()
	res, err := s.db.ExecContext(ctx, `
		UPDATE agent_profiles SET engine_id = ?, display_name = ?, kind = ?, capabilities = ?,
			stage_defaults = ?, is_global_default = ?, updated_at = ?
		WHERE id = ?`,
		p.EngineID, p.DisplayName, p.Kind, capabilities, stageDefaults, boolToInt(p.IsGlobalDefault),
		now.Format(time.RFC3339), p.ID,
	)
	if err != nil {
		return fmt.Errorf("failed to update agent_profile: %w", err)
	}
	if affected, _ := res.RowsAffected(); affected == 0 {
		return errs.New(errs.KindNotFound, "agent_profile %d not found", p.ID)
	}
	p.UpdatedAt = now
	return nil
}

// ProjectDefaultForStage implements execution.EngineResolver by reading the
// project's PolicyOverrides for an "agent_defaults" map keyed by stage.
func (s *Store) ProjectDefaultForStage(ctx context.Context, projectID int64, stage string) (string, bool) {
	proj, err := s.GetProject(ctx, projectID)
	if err != nil {
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

// GlobalDefault implements execution.EngineResolver over the agent_profiles
// table's is_global_default flag.
func (s *Store) GlobalDefault(ctx context.Context) (string, bool) {
	row := s.db.QueryRowContext(ctx, `SELECT engine_id FROM agent_profiles WHERE is_global_default = 1 LIMIT 1`)
	var engineID string
	if err := row.Scan(&engineID); err != nil {
		return "", false
	}
	return engineID, true
}

func scanAgentProfile(row rowScanner) (*store.AgentProfile, error) {
	var p store.AgentProfile
	var capabilities, stageDefaults sql.NullString
	var isGlobalDefault int
	var createdAt, updatedAt string

	if err := row.Scan(&p.ID, &p.EngineID, &p.DisplayName, &p.Kind, &capabilities, &stageDefaults,
		&isGlobalDefault, &createdAt, &updatedAt); err != nil {
		return nil, err
	}
	if capabilities.Valid {
		if err := json.Unmarshal([]byte(capabilities.String), &p.Capabilities); err != nil {
			return nil, fmt.Errorf("failed to unmarshal capabilities: %w", err)
		}
	}
	if stageDefaults.Valid {
		if err := json.Unmarshal([]byte(stageDefaults.String), &p.StageDefaults); err != nil {
			return nil, fmt.Errorf("failed to unmarshal stage_defaults: %w", err)
		}
	}
	p.IsGlobalDefault = isGlobalDefault != 0
	p.CreatedAt = parseTime(createdAt)
	p.UpdatedAt = parseTime(updatedAt)
	return &p, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// parseTime parses an RFC3339 string, returning the zero Time on failure.
func parseTime(s string) time.Time {
	t, _ := time.Parse(time.RFC3339, s)
	return t
}

// nullStringPtr returns nil if s is nil or empty, otherwise its value.
func nullStringPtr(s *string) any {
	if s == nil || *s == "" {
		return nil
	}
	return *s
}

// stringPtrOrNil converts a scanned sql.NullString back to a *string.
func stringPtrOrNil(ns sql.NullString) *string {
	if !ns.Valid {
		return nil
	}
	v := ns.String
	return &v
}

// nullInt64Ptr returns nil if i is nil, otherwise its value.
func nullInt64Ptr(i *int64) any {
	if i == nil {
		return nil
	}
	return *i
}

// marshalJSON marshals v. A nil map/slice marshals to the literal "null",
// which unmarshals back into a nil map/slice on read.
func marshalJSON(v any) (string, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// isUniqueConstraintErr reports whether err came from a UNIQUE constraint
// violation. modernc.org/sqlite surfaces these as plain error strings
// rather than a typed sentinel, so we match on the SQLite message text.
func isUniqueConstraintErr(err error) bool {
	if err == nil {
		return false
	}
	return strings.Contains(err.Error(), "UNIQUE constraint failed")
}
