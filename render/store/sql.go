package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/dshills/tabflow/result"
)

// dialect holds the statements that differ between SQL backends.
type dialect struct {
	name         string
	schema       []string
	forUpdate    string
	upsertCached string
}

// sqlStore implements Store over database/sql. SQLiteStore and MySQLStore
// embed it with their own dialect.
type sqlStore struct {
	db      *sql.DB
	dialect dialect
	mu      sync.RWMutex
	closed  bool
}

type queryer interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// createTables creates the schema if it doesn't exist.
func (s *sqlStore) createTables(ctx context.Context) error {
	for _, stmt := range s.dialect.schema {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("failed to create %s schema: %w", s.dialect.name, err)
		}
	}
	return nil
}

func (s *sqlStore) checkOpen() error {
	if s.closed {
		return ErrClosed
	}
	return nil
}

// CreateWorkflow inserts the workflow, its tabs and steps in one transaction.
func (s *sqlStore) CreateWorkflow(ctx context.Context, wf *Workflow) error {
	if err := validateWorkflow(wf); err != nil {
		return err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.checkOpen(); err != nil {
		return err
	}
	return s.inTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx,
			"INSERT INTO workflows (id, state_version) VALUES (?, ?)", wf.ID, wf.StateVersion); err != nil {
			return fmt.Errorf("failed to insert workflow %d: %w", wf.ID, err)
		}
		return saveTabs(ctx, tx, wf)
	})
}

// LoadWorkflow reads the workflow and its cache rows in one transaction.
func (s *sqlStore) LoadWorkflow(ctx context.Context, id int64) (*Workflow, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.checkOpen(); err != nil {
		return nil, err
	}
	var wf *Workflow
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		var err error
		wf, err = loadWorkflow(ctx, tx, id, "")
		if err != nil {
			return err
		}
		rows, err := tx.QueryContext(ctx, `
			SELECT step_id, state_version, status, render_errors, json_payload, metadata
			FROM cached_render_results WHERE workflow_id = ?`, id)
		if err != nil {
			return fmt.Errorf("failed to query cached results: %w", err)
		}
		defer func() { _ = rows.Close() }()
		for rows.Next() {
			c, err := scanCached(rows, id)
			if err != nil {
				return err
			}
			if st := wf.Step(c.StepID); st != nil {
				st.Cached = c
			}
		}
		return rows.Err()
	})
	if err != nil {
		return nil, err
	}
	return wf, nil
}

// StateVersion returns the workflow's current state version.
func (s *sqlStore) StateVersion(ctx context.Context, id int64) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.checkOpen(); err != nil {
		return 0, err
	}
	var v int64
	err := s.db.QueryRowContext(ctx, "SELECT state_version FROM workflows WHERE id = ?", id).Scan(&v)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, ErrNotFound
	}
	if err != nil {
		return 0, fmt.Errorf("failed to read state version: %w", err)
	}
	return v, nil
}

// ApplyDelta bumps the state version, runs mutate and rewrites the workflow
// in one transaction.
func (s *sqlStore) ApplyDelta(ctx context.Context, id int64, mutate func(*Workflow) error) (*Workflow, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.checkOpen(); err != nil {
		return nil, err
	}
	var next *Workflow
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		wf, err := loadWorkflow(ctx, tx, id, s.dialect.forUpdate)
		if err != nil {
			return err
		}
		wf.StateVersion++
		if err := mutate(wf); err != nil {
			return err
		}
		wf.ID = id
		if err := validateWorkflow(wf); err != nil {
			return err
		}
		stripCached(wf)

		if _, err := tx.ExecContext(ctx, "UPDATE workflows SET state_version = ? WHERE id = ?", wf.StateVersion, id); err != nil {
			return fmt.Errorf("failed to bump state version: %w", err)
		}
		if _, err := tx.ExecContext(ctx, "DELETE FROM steps WHERE workflow_id = ?", id); err != nil {
			return fmt.Errorf("failed to clear steps: %w", err)
		}
		if _, err := tx.ExecContext(ctx, "DELETE FROM tabs WHERE workflow_id = ?", id); err != nil {
			return fmt.Errorf("failed to clear tabs: %w", err)
		}
		if err := saveTabs(ctx, tx, wf); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, `
			DELETE FROM cached_render_results
			WHERE workflow_id = ? AND step_id NOT IN (SELECT id FROM steps WHERE workflow_id = ?)`, id, id); err != nil {
			return fmt.Errorf("failed to drop cached results of removed steps: %w", err)
		}
		next = wf
		return nil
	})
	if err != nil {
		return nil, err
	}
	return next, nil
}

// PutCachedResult upserts the cache row while the step still wants it.
func (s *sqlStore) PutCachedResult(ctx context.Context, c *CachedRenderResult) error {
	errorsJSON, err := json.Marshal(nonNilErrors(c.Errors))
	if err != nil {
		return fmt.Errorf("failed to marshal errors: %w", err)
	}
	metadataJSON, err := json.Marshal(c.Metadata)
	if err != nil {
		return fmt.Errorf("failed to marshal metadata: %w", err)
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.checkOpen(); err != nil {
		return err
	}
	return s.inTx(ctx, func(tx *sql.Tx) error {
		var want int64
		err := tx.QueryRowContext(ctx,
			"SELECT last_relevant_state_version FROM steps WHERE workflow_id = ? AND id = ?"+s.dialect.forUpdate,
			c.WorkflowID, c.StepID).Scan(&want)
		if errors.Is(err, sql.ErrNoRows) {
			return ErrStale
		}
		if err != nil {
			return fmt.Errorf("failed to read step %d: %w", c.StepID, err)
		}
		if want != c.StateVersion {
			return ErrStale
		}
		if _, err := tx.ExecContext(ctx, s.dialect.upsertCached,
			c.WorkflowID, c.StepID, c.StateVersion, string(c.Status),
			string(errorsJSON), nullableJSON(c.JSON), string(metadataJSON)); err != nil {
			return fmt.Errorf("failed to save cached result: %w", err)
		}
		return nil
	})
}

// GetCachedResult returns the step's cache row.
func (s *sqlStore) GetCachedResult(ctx context.Context, workflowID, stepID int64) (*CachedRenderResult, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.checkOpen(); err != nil {
		return nil, err
	}
	row := s.db.QueryRowContext(ctx, `
		SELECT step_id, state_version, status, render_errors, json_payload, metadata
		FROM cached_render_results WHERE workflow_id = ? AND step_id = ?`, workflowID, stepID)
	c, err := scanCached(row, workflowID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return c, err
}

// DeleteCachedResult removes the step's cache row.
func (s *sqlStore) DeleteCachedResult(ctx context.Context, workflowID, stepID int64) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.checkOpen(); err != nil {
		return err
	}
	if _, err := s.db.ExecContext(ctx,
		"DELETE FROM cached_render_results WHERE workflow_id = ? AND step_id = ?", workflowID, stepID); err != nil {
		return fmt.Errorf("failed to delete cached result: %w", err)
	}
	return nil
}

// Close closes the database connection pool.
func (s *sqlStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	return s.db.Close()
}

func (s *sqlStore) inTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()
	if err := fn(tx); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

func loadWorkflow(ctx context.Context, q queryer, id int64, lock string) (*Workflow, error) {
	wf := &Workflow{ID: id}
	err := q.QueryRowContext(ctx, "SELECT state_version FROM workflows WHERE id = ?"+lock, id).Scan(&wf.StateVersion)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load workflow %d: %w", id, err)
	}

	tabRows, err := q.QueryContext(ctx,
		"SELECT slug, name FROM tabs WHERE workflow_id = ? ORDER BY position", id)
	if err != nil {
		return nil, fmt.Errorf("failed to query tabs: %w", err)
	}
	index := map[string]int{}
	for tabRows.Next() {
		var t Tab
		if err := tabRows.Scan(&t.Slug, &t.Name); err != nil {
			_ = tabRows.Close()
			return nil, fmt.Errorf("failed to scan tab: %w", err)
		}
		index[t.Slug] = len(wf.Tabs)
		wf.Tabs = append(wf.Tabs, t)
	}
	_ = tabRows.Close()
	if err := tabRows.Err(); err != nil {
		return nil, fmt.Errorf("failed to query tabs: %w", err)
	}

	stepRows, err := q.QueryContext(ctx, `
		SELECT tab_slug, id, slug, module_slug, params, last_relevant_state_version, fetch_blob_key, fetch_errors
		FROM steps WHERE workflow_id = ? ORDER BY tab_slug, position`, id)
	if err != nil {
		return nil, fmt.Errorf("failed to query steps: %w", err)
	}
	defer func() { _ = stepRows.Close() }()
	for stepRows.Next() {
		var (
			tab                    string
			st                     Step
			paramsJSON, fetchErrs string
		)
		if err := stepRows.Scan(&tab, &st.ID, &st.Slug, &st.ModuleSlug, &paramsJSON,
			&st.LastRelevantStateVersion, &st.FetchBlobKey, &fetchErrs); err != nil {
			return nil, fmt.Errorf("failed to scan step: %w", err)
		}
		if err := json.Unmarshal([]byte(paramsJSON), &st.Params); err != nil {
			return nil, fmt.Errorf("failed to unmarshal params of step %d: %w", st.ID, err)
		}
		if err := json.Unmarshal([]byte(fetchErrs), &st.FetchErrors); err != nil {
			return nil, fmt.Errorf("failed to unmarshal fetch errors of step %d: %w", st.ID, err)
		}
		ti, ok := index[tab]
		if !ok {
			return nil, fmt.Errorf("step %d references unknown tab %q", st.ID, tab)
		}
		wf.Tabs[ti].Steps = append(wf.Tabs[ti].Steps, st)
	}
	if err := stepRows.Err(); err != nil {
		return nil, fmt.Errorf("failed to query steps: %w", err)
	}
	return wf, nil
}

func saveTabs(ctx context.Context, tx *sql.Tx, wf *Workflow) error {
	for ti, t := range wf.Tabs {
		if _, err := tx.ExecContext(ctx,
			"INSERT INTO tabs (workflow_id, slug, position, name) VALUES (?, ?, ?, ?)",
			wf.ID, t.Slug, ti, t.Name); err != nil {
			return fmt.Errorf("failed to insert tab %q: %w", t.Slug, err)
		}
		for si, st := range t.Steps {
			paramsJSON, err := json.Marshal(nonNilParams(st.Params))
			if err != nil {
				return fmt.Errorf("failed to marshal params of step %d: %w", st.ID, err)
			}
			fetchErrs, err := json.Marshal(nonNilErrors(st.FetchErrors))
			if err != nil {
				return fmt.Errorf("failed to marshal fetch errors of step %d: %w", st.ID, err)
			}
			if _, err := tx.ExecContext(ctx, `
				INSERT INTO steps (workflow_id, id, tab_slug, position, slug, module_slug, params,
					last_relevant_state_version, fetch_blob_key, fetch_errors)
				VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
				wf.ID, st.ID, t.Slug, si, st.Slug, st.ModuleSlug, string(paramsJSON),
				st.LastRelevantStateVersion, st.FetchBlobKey, string(fetchErrs)); err != nil {
				return fmt.Errorf("failed to insert step %d: %w", st.ID, err)
			}
		}
	}
	return nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanCached(row scanner, workflowID int64) (*CachedRenderResult, error) {
	c := &CachedRenderResult{WorkflowID: workflowID}
	var (
		status, errorsJSON, metadataJSON string
		rawJSON                          sql.NullString
	)
	if err := row.Scan(&c.StepID, &c.StateVersion, &status, &errorsJSON, &rawJSON, &metadataJSON); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("failed to scan cached result: %w", err)
	}
	c.Status = result.Status(status)
	if err := json.Unmarshal([]byte(errorsJSON), &c.Errors); err != nil {
		return nil, fmt.Errorf("failed to unmarshal cached errors: %w", err)
	}
	if err := json.Unmarshal([]byte(metadataJSON), &c.Metadata); err != nil {
		return nil, fmt.Errorf("failed to unmarshal cached metadata: %w", err)
	}
	if rawJSON.Valid {
		c.JSON = json.RawMessage(rawJSON.String)
	}
	return c, nil
}

func nonNilErrors(errs []result.RenderError) []result.RenderError {
	if errs == nil {
		return []result.RenderError{}
	}
	return errs
}

func nonNilParams(p map[string]any) map[string]any {
	if p == nil {
		return map[string]any{}
	}
	return p
}

func nullableJSON(raw json.RawMessage) any {
	if len(raw) == 0 {
		return nil
	}
	return string(raw)
}
