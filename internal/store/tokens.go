package store

import (
	"context"
	"fmt"

	"github.com/51f0x/personal-kanban/kanban"
)

// UpsertActionToken inserts t unless a token with the same key exists. It returns
// the stored token and whether this call created it.
func (s *Store) UpsertActionToken(ctx context.Context, t kanban.ActionToken) (kanban.ActionToken, bool, error) {
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO action_tokens (id, token_key, task_id, user_id, action, token, expires_at, created_at)
         VALUES (?, ?, ?, ?, ?, ?, ?, ?)
         ON CONFLICT(token_key) DO NOTHING`,
		t.ID, t.Key, t.TaskID, t.UserID, t.Action, t.Token, formatTime(t.ExpiresAt), formatTime(t.CreatedAt),
	)
	if err != nil {
		return kanban.ActionToken{}, false, fmt.Errorf("insert action token: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return kanban.ActionToken{}, false, fmt.Errorf("rows affected: %w", err)
	}

	stored, err := s.ActionToken(ctx, t.Key)
	if err != nil {
		return kanban.ActionToken{}, false, err
	}
	return stored, n == 1, nil
}

// ActionToken loads a token by its idempotency key.
func (s *Store) ActionToken(ctx context.Context, key string) (kanban.ActionToken, error) {
	var (
		t                    kanban.ActionToken
		expiresAt, createdAt string
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT id, token_key, task_id, user_id, action, token, expires_at, created_at
         FROM action_tokens WHERE token_key = ?`, key,
	).Scan(&t.ID, &t.Key, &t.TaskID, &t.UserID, &t.Action, &t.Token, &expiresAt, &createdAt)
	if err != nil {
		return kanban.ActionToken{}, fmt.Errorf("load action token %q: %w", key, err)
	}
	t.ExpiresAt = parseTime(expiresAt)
	t.CreatedAt = parseTime(createdAt)
	return t, nil
}

// CountActionTokens counts the stored tokens of a task.
func (s *Store) CountActionTokens(ctx context.Context, taskID string) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(1) FROM action_tokens WHERE task_id = ?`, taskID,
	).Scan(&n); err != nil {
		return 0, fmt.Errorf("count action tokens: %w", err)
	}
	return n, nil
}
