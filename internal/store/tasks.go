package store

import (
	"database/sql"
	"errors"
	"fmt"
)

// ErrTaskNotFound is returned when a task id does not exist.
var ErrTaskNotFound = errors.New("task not found")

// CreateTask inserts a new scheduled task.
func (s *Store) CreateTask(t ScheduledTask) error {
	if t.CreatedAt == "" {
		t.CreatedAt = Now()
	}
	if t.Status == "" {
		t.Status = TaskActive
	}
	_, err := s.db.Exec(`
		INSERT INTO tasks
			(id, group_folder, chat_jid, prompt, schedule_kind, schedule_value, context_mode, next_run, status, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		t.ID, t.GroupFolder, t.ChatJID, t.Prompt, t.ScheduleKind, t.ScheduleValue,
		t.ContextMode, t.NextRun, t.Status, t.CreatedAt)
	if err != nil {
		return fmt.Errorf("create task %s: %w", t.ID, err)
	}
	return nil
}

// UpdateTask replaces all mutable fields of a task.
func (s *Store) UpdateTask(t ScheduledTask) error {
	res, err := s.db.Exec(`
		UPDATE tasks SET
			group_folder = ?, chat_jid = ?, prompt = ?, schedule_kind = ?,
			schedule_value = ?, context_mode = ?, next_run = ?, status = ?
		WHERE id = ?`,
		t.GroupFolder, t.ChatJID, t.Prompt, t.ScheduleKind,
		t.ScheduleValue, t.ContextMode, t.NextRun, t.Status, t.ID)
	if err != nil {
		return fmt.Errorf("update task %s: %w", t.ID, err)
	}
	return checkAffected(res, t.ID)
}

// UpdateTaskStatus sets only the status field.
func (s *Store) UpdateTaskStatus(id, status string) error {
	res, err := s.db.Exec(`UPDATE tasks SET status = ? WHERE id = ?`, status, id)
	if err != nil {
		return fmt.Errorf("update task status %s: %w", id, err)
	}
	return checkAffected(res, id)
}

// DeleteTask removes a task. Its run history is retained.
func (s *Store) DeleteTask(id string) error {
	_, err := s.db.Exec(`DELETE FROM tasks WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete task %s: %w", id, err)
	}
	return nil
}

// GetTaskByID fetches a single task.
func (s *Store) GetTaskByID(id string) (ScheduledTask, error) {
	row := s.db.QueryRow(`
		SELECT id, group_folder, chat_jid, prompt, schedule_kind, schedule_value, context_mode, next_run, status, created_at
		FROM tasks WHERE id = ?`, id)
	t, err := scanTask(row)
	if errors.Is(err, sql.ErrNoRows) {
		return t, ErrTaskNotFound
	}
	return t, err
}

// GetAllTasks returns every task, newest first.
func (s *Store) GetAllTasks() ([]ScheduledTask, error) {
	rows, err := s.db.Query(`
		SELECT id, group_folder, chat_jid, prompt, schedule_kind, schedule_value, context_mode, next_run, status, created_at
		FROM tasks ORDER BY created_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("query tasks: %w", err)
	}
	defer rows.Close()

	var tasks []ScheduledTask
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, t)
	}
	return tasks, rows.Err()
}

// GetDueTasks returns active tasks whose next_run is at or before now.
func (s *Store) GetDueTasks(now string) ([]ScheduledTask, error) {
	rows, err := s.db.Query(`
		SELECT id, group_folder, chat_jid, prompt, schedule_kind, schedule_value, context_mode, next_run, status, created_at
		FROM tasks
		WHERE status = ? AND next_run IS NOT NULL AND next_run != '' AND next_run <= ?
		ORDER BY next_run ASC`, TaskActive, now)
	if err != nil {
		return nil, fmt.Errorf("query due tasks: %w", err)
	}
	defer rows.Close()

	var tasks []ScheduledTask
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, t)
	}
	return tasks, rows.Err()
}

// UpdateTaskAfterRun advances next_run after a firing. A nil nextRun marks a
// "once" task done.
func (s *Store) UpdateTaskAfterRun(id string, nextRun *string) error {
	status := TaskActive
	if nextRun == nil {
		status = TaskDone
	}
	res, err := s.db.Exec(`UPDATE tasks SET next_run = ?, status = ? WHERE id = ?`, nextRun, status, id)
	if err != nil {
		return fmt.Errorf("update task after run %s: %w", id, err)
	}
	return checkAffected(res, id)
}

// LogTaskRun appends one execution record.
func (s *Store) LogTaskRun(r TaskRun) error {
	if r.RunAt == "" {
		r.RunAt = Now()
	}
	_, err := s.db.Exec(`
		INSERT INTO task_runs (task_id, run_at, duration_ms, status, result, error)
		VALUES (?, ?, ?, ?, ?, ?)`,
		r.TaskID, r.RunAt, r.DurationMS, r.Status, r.Result, r.Error)
	if err != nil {
		return fmt.Errorf("log task run %s: %w", r.TaskID, err)
	}
	return nil
}

// GetTaskRuns returns the run history for a task, newest first.
func (s *Store) GetTaskRuns(taskID string, limit int) ([]TaskRun, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.Query(`
		SELECT task_id, run_at, duration_ms, status, result, error
		FROM task_runs WHERE task_id = ? ORDER BY run_at DESC LIMIT ?`, taskID, limit)
	if err != nil {
		return nil, fmt.Errorf("query task runs %s: %w", taskID, err)
	}
	defer rows.Close()

	var runs []TaskRun
	for rows.Next() {
		var r TaskRun
		if err := rows.Scan(&r.TaskID, &r.RunAt, &r.DurationMS, &r.Status, &r.Result, &r.Error); err != nil {
			return nil, fmt.Errorf("scan task run: %w", err)
		}
		runs = append(runs, r)
	}
	return runs, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanTask(row scanner) (ScheduledTask, error) {
	var t ScheduledTask
	var nextRun sql.NullString
	err := row.Scan(&t.ID, &t.GroupFolder, &t.ChatJID, &t.Prompt, &t.ScheduleKind,
		&t.ScheduleValue, &t.ContextMode, &nextRun, &t.Status, &t.CreatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return t, err
		}
		return t, fmt.Errorf("scan task: %w", err)
	}
	if nextRun.Valid && nextRun.String != "" {
		t.NextRun = &nextRun.String
	}
	return t, nil
}

func checkAffected(res sql.Result, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return nil
	}
	if n == 0 {
		return fmt.Errorf("%w: %s", ErrTaskNotFound, id)
	}
	return nil
}
