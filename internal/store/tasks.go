package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/51f0x/personal-kanban/kanban"
)

const taskColumns = `id, board_id, column_id, title, description, assignee_id, created_at, updated_at`

func scanTask(row interface{ Scan(...any) error }, extra ...any) (kanban.Task, error) {
	var (
		t                    kanban.Task
		createdAt, updatedAt string
	)
	dest := append([]any{&t.ID, &t.BoardID, &t.ColumnID, &t.Title, &t.Description, &t.AssigneeID, &createdAt, &updatedAt}, extra...)
	if err := row.Scan(dest...); err != nil {
		return kanban.Task{}, err
	}
	t.CreatedAt = parseTime(createdAt)
	t.UpdatedAt = parseTime(updatedAt)
	return t, nil
}

func (s *Store) CreateTask(ctx context.Context, t kanban.Task) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO tasks (`+taskColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		t.ID, t.BoardID, t.ColumnID, t.Title, t.Description, t.AssigneeID,
		formatTime(t.CreatedAt), formatTime(t.UpdatedAt),
	)
	if err != nil {
		return fmt.Errorf("insert task: %w", err)
	}
	return nil
}

func (s *Store) GetTask(ctx context.Context, id string) (kanban.Task, error) {
	t, err := scanTask(s.db.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return kanban.Task{}, fmt.Errorf("%w: %s", kanban.ErrTaskNotFound, id)
	}
	if err != nil {
		return kanban.Task{}, fmt.Errorf("get task: %w", err)
	}
	return t, nil
}

// MoveTasks applies moves in order in one transaction; an unknown task rolls
// back every move of the batch.
func (s *Store) MoveTasks(ctx context.Context, moves []kanban.Move, at time.Time) ([]kanban.MovedTask, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	out := make([]kanban.MovedTask, 0, len(moves))
	for _, m := range moves {
		var previous string
		t, err := scanTask(tx.QueryRowContext(ctx,
			`SELECT `+taskColumns+`, previous_column_id FROM tasks WHERE id = ?`, m.TaskID), &previous)
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%w: %s", kanban.ErrTaskNotFound, m.TaskID)
		}
		if err != nil {
			return nil, fmt.Errorf("get task: %w", err)
		}

		if t.ColumnID == m.ToColumnID {
			from := previous
			if from == "" {
				from = t.ColumnID
			}
			out = append(out, kanban.MovedTask{Task: t, From: from})
			continue
		}
		if _, err := tx.ExecContext(ctx,
			`UPDATE tasks SET column_id = ?, previous_column_id = ?, updated_at = ? WHERE id = ?`,
			m.ToColumnID, t.ColumnID, formatTime(at), m.TaskID,
		); err != nil {
			return nil, fmt.Errorf("update task: %w", err)
		}
		from := t.ColumnID
		t.ColumnID, t.UpdatedAt = m.ToColumnID, at
		out = append(out, kanban.MovedTask{Task: t, From: from, Changed: true})
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit: %w", err)
	}
	return out, nil
}

// AssignTask sets the assignee of a task.
func (s *Store) AssignTask(ctx context.Context, id, userID string, at time.Time) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE tasks SET assignee_id = ?, updated_at = ? WHERE id = ?`, userID, formatTime(at), id)
	if err != nil {
		return fmt.Errorf("assign task: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: %s", kanban.ErrTaskNotFound, id)
	}
	return nil
}
