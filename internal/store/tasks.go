package store

import (
	"database/sql"
	"time"

	"github.com/pkg/errors"
)

// ScheduledTask is a once/interval/cron job whose payload is injected as
// a user turn when due.
type ScheduledTask struct {
	ID            int64
	Name          string
	ScheduleType  string
	ScheduleValue string
	Payload       string
	Enabled       bool
	NextRun       *time.Time
	LastRun       *time.Time
	RunCount      int
	CreatedBy     string
	CreatedAt     time.Time
}

const (
	ScheduleOnce     = "once"
	ScheduleInterval = "interval"
	ScheduleCron     = "cron"
)

// CreateTask persists a validated task with its first next_run.
func (s *Store) CreateTask(t *ScheduledTask) error {
	now := nowMillis()
	var next any
	if t.NextRun != nil {
		next = t.NextRun.UnixMilli()
	}
	res, err := s.db.Exec(`
		INSERT INTO scheduled_tasks (name, schedule_type, schedule_value, payload, enabled, next_run, run_count, created_by, created_at)
		VALUES (?, ?, ?, ?, ?, ?, 0, ?, ?)`,
		t.Name, t.ScheduleType, t.ScheduleValue, t.Payload, t.Enabled, next, t.CreatedBy, now)
	if err != nil {
		return errors.Wrap(err, "create task")
	}
	t.ID, err = res.LastInsertId()
	t.CreatedAt = time.UnixMilli(now)
	return err
}

// GetTask returns one task by id.
func (s *Store) GetTask(id int64) (*ScheduledTask, error) {
	row := s.db.QueryRow(taskColumns+` WHERE id = ?`, id)
	return scanTaskRow(row)
}

const taskColumns = `
	SELECT id, name, schedule_type, schedule_value, payload, enabled, next_run, last_run, run_count, created_by, created_at
	FROM scheduled_tasks`

func scanTaskRow(row *sql.Row) (*ScheduledTask, error) {
	var t ScheduledTask
	var next, last sql.NullInt64
	var created int64
	err := row.Scan(&t.ID, &t.Name, &t.ScheduleType, &t.ScheduleValue, &t.Payload,
		&t.Enabled, &next, &last, &t.RunCount, &t.CreatedBy, &created)
	if err != nil {
		return nil, err
	}
	t.NextRun = nullableMillis(next)
	t.LastRun = nullableMillis(last)
	t.CreatedAt = time.UnixMilli(created)
	return &t, nil
}

// ListTasks returns every task ordered by creation.
func (s *Store) ListTasks() ([]ScheduledTask, error) {
	return s.queryTasks(taskColumns + ` ORDER BY id ASC`)
}

// DueTasks returns enabled tasks whose next_run has passed.
func (s *Store) DueTasks(now time.Time) ([]ScheduledTask, error) {
	return s.queryTasks(taskColumns+` WHERE enabled = 1 AND next_run IS NOT NULL AND next_run <= ? ORDER BY next_run ASC`,
		now.UnixMilli())
}

func (s *Store) queryTasks(query string, args ...any) ([]ScheduledTask, error) {
	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, errors.Wrap(err, "query tasks")
	}
	defer rows.Close()

	var out []ScheduledTask
	for rows.Next() {
		var t ScheduledTask
		var next, last sql.NullInt64
		var created int64
		if err := rows.Scan(&t.ID, &t.Name, &t.ScheduleType, &t.ScheduleValue, &t.Payload,
			&t.Enabled, &next, &last, &t.RunCount, &t.CreatedBy, &created); err != nil {
			return nil, err
		}
		t.NextRun = nullableMillis(next)
		t.LastRun = nullableMillis(last)
		t.CreatedAt = time.UnixMilli(created)
		out = append(out, t)
	}
	return out, rows.Err()
}

// MarkTaskRun records a firing: last_run, run_count, the recomputed
// next_run (nil disables scheduling), and the enabled flag.
func (s *Store) MarkTaskRun(id int64, firedAt time.Time, nextRun *time.Time, enabled bool) error {
	var next any
	if nextRun != nil {
		next = nextRun.UnixMilli()
	}
	_, err := s.db.Exec(`
		UPDATE scheduled_tasks
		SET last_run = ?, run_count = run_count + 1, next_run = ?, enabled = ?
		WHERE id = ?`,
		firedAt.UnixMilli(), next, enabled, id)
	return errors.Wrap(err, "mark task run")
}

// SetTaskEnabled toggles a task.
func (s *Store) SetTaskEnabled(id int64, enabled bool) error {
	_, err := s.db.Exec(`UPDATE scheduled_tasks SET enabled = ? WHERE id = ?`, enabled, id)
	return err
}

// UpdateTaskNextRun rewrites next_run, used when re-enabling.
func (s *Store) UpdateTaskNextRun(id int64, next *time.Time) error {
	var v any
	if next != nil {
		v = next.UnixMilli()
	}
	_, err := s.db.Exec(`UPDATE scheduled_tasks SET next_run = ? WHERE id = ?`, v, id)
	return err
}

// DeleteTask removes a task permanently.
func (s *Store) DeleteTask(id int64) error {
	_, err := s.db.Exec(`DELETE FROM scheduled_tasks WHERE id = ?`, id)
	return err
}
