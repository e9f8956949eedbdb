package store

import (
	"context"
	"fmt"

	"github.com/51f0x/personal-kanban/kanban"
)

// RecordActivity appends an event to the activity log. Recording the same event
// id again is a no-op.
func (s *Store) RecordActivity(ctx context.Context, a kanban.Activity) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO activity (event_id, name, aggregate_id, log_offset, payload, occurred_on)
         VALUES (?, ?, ?, ?, ?, ?)`,
		a.EventID, a.Name, a.AggregateID, a.Offset, a.Payload, formatTime(a.OccurredOn),
	)
	if err != nil {
		return fmt.Errorf("record activity: %w", err)
	}
	return nil
}

// Activity returns the log of one aggregate, oldest first; an empty aggregateID
// returns every entry. limit <= 0 means no limit.
func (s *Store) Activity(ctx context.Context, aggregateID string, limit int) ([]kanban.Activity, error) {
	query := `SELECT event_id, name, aggregate_id, log_offset, payload, occurred_on FROM activity`
	args := []any{}
	if aggregateID != "" {
		query += ` WHERE aggregate_id = ?`
		args = append(args, aggregateID)
	}
	query += ` ORDER BY seq`
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list activity: %w", err)
	}
	defer rows.Close()

	out := make([]kanban.Activity, 0)
	for rows.Next() {
		var (
			a          kanban.Activity
			occurredOn string
		)
		if err := rows.Scan(&a.EventID, &a.Name, &a.AggregateID, &a.Offset, &a.Payload, &occurredOn); err != nil {
			return nil, fmt.Errorf("scan activity: %w", err)
		}
		a.OccurredOn = parseTime(occurredOn)
		out = append(out, a)
	}
	return out, rows.Err()
}
