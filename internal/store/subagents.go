package store

import (
	"database/sql"
	"time"

	"github.com/pkg/errors"
)

// SubagentRun is the persisted record of one background agent.
type SubagentRun struct {
	RunID           string
	ParentSessionID int64
	Task            string
	Model           string
	Status          string
	Result          string
	Error           string
	InputTokens     int
	OutputTokens    int
	StartedAt       time.Time
	CompletedAt     *time.Time
}

const (
	RunRunning   = "running"
	RunCompleted = "completed"
	RunFailed    = "failed"
	RunCancelled = "cancelled"
)

// InsertRun persists a new run in running state. The record is written
// before the worker starts so a crash never loses track of it.
func (s *Store) InsertRun(r *SubagentRun) error {
	now := nowMillis()
	_, err := s.db.Exec(`
		INSERT INTO subagent_runs (run_id, parent_session_id, task, model, status, started_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		r.RunID, r.ParentSessionID, r.Task, r.Model, RunRunning, now)
	if err != nil {
		return errors.Wrap(err, "insert run")
	}
	r.Status = RunRunning
	r.StartedAt = time.UnixMilli(now)
	return nil
}

// FinishRun writes the terminal state of a run.
func (s *Store) FinishRun(runID, status, result, errText string, inputTokens, outputTokens int) error {
	_, err := s.db.Exec(`
		UPDATE subagent_runs
		SET status = ?, result = ?, error = ?, input_tokens = ?, output_tokens = ?, completed_at = ?
		WHERE run_id = ?`,
		status, result, errText, inputTokens, outputTokens, nowMillis(), runID)
	return errors.Wrap(err, "finish run")
}

// GetRun returns one run by id.
func (s *Store) GetRun(runID string) (*SubagentRun, error) {
	row := s.db.QueryRow(`
		SELECT run_id, parent_session_id, task, model, status, result, error, input_tokens, output_tokens, started_at, completed_at
		FROM subagent_runs WHERE run_id = ?`, runID)

	var r SubagentRun
	var started int64
	var completed sql.NullInt64
	err := row.Scan(&r.RunID, &r.ParentSessionID, &r.Task, &r.Model, &r.Status,
		&r.Result, &r.Error, &r.InputTokens, &r.OutputTokens, &started, &completed)
	if err != nil {
		return nil, err
	}
	r.StartedAt = time.UnixMilli(started)
	r.CompletedAt = nullableMillis(completed)
	return &r, nil
}

// ListRuns returns the most recent runs.
func (s *Store) ListRuns(limit int) ([]SubagentRun, error) {
	rows, err := s.db.Query(`
		SELECT run_id, parent_session_id, task, model, status, result, error, input_tokens, output_tokens, started_at, completed_at
		FROM subagent_runs ORDER BY started_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []SubagentRun
	for rows.Next() {
		var r SubagentRun
		var started int64
		var completed sql.NullInt64
		if err := rows.Scan(&r.RunID, &r.ParentSessionID, &r.Task, &r.Model, &r.Status,
			&r.Result, &r.Error, &r.InputTokens, &r.OutputTokens, &started, &completed); err != nil {
			return nil, err
		}
		r.StartedAt = time.UnixMilli(started)
		r.CompletedAt = nullableMillis(completed)
		out = append(out, r)
	}
	return out, rows.Err()
}

// SweepStaleRuns marks every running record failed. Called once at
// startup: a run that says running before the managers start can only be
// a leftover from the previous process.
func (s *Store) SweepStaleRuns(reason string) (int64, error) {
	res, err := s.db.Exec(`
		UPDATE subagent_runs SET status = ?, error = ?, completed_at = ? WHERE status = ?`,
		RunFailed, reason, nowMillis(), RunRunning)
	if err != nil {
		return 0, errors.Wrap(err, "sweep stale runs")
	}
	return res.RowsAffected()
}

// CountRunning reports in-flight runs according to the store.
func (s *Store) CountRunning() (int, error) {
	var n int
	err := s.db.QueryRow(`SELECT COUNT(*) FROM subagent_runs WHERE status = ?`, RunRunning).Scan(&n)
	return n, err
}
