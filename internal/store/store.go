package store

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"io/fs"
	"net/url"
	"time"

	"github.com/pressly/goose/v3"
	_ "modernc.org/sqlite"

	"github.com/51f0x/personal-kanban/kanban"
)

//go:embed migrations/*.sql
var migrationFS embed.FS

var _ kanban.Store = (*Store)(nil)

// Store persists users, tasks, action tokens and the activity log in SQLite.
type Store struct {
	db   *sql.DB
	path string
}

// Open connects to the database at path and applies pending migrations.
func Open(ctx context.Context, path string) (*Store, error) {
	pragmas := []string{
		"journal_mode(WAL)",
		"foreign_keys(1)",
		"busy_timeout(5000)",
	}
	q := url.Values{}
	for _, p := range pragmas {
		q.Add("_pragma", p)
	}
	db, err := sql.Open("sqlite", "file:"+path+"?"+q.Encode())
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("open sqlite db %s: %w", path, err)
	}

	s := &Store{db: db, path: path}
	if err := s.migrate(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	// SQLite has a single writer.
	db.SetMaxOpenConns(1)
	return s, nil
}

func (s *Store) migrate(ctx context.Context) error {
	fsys, err := fs.Sub(migrationFS, "migrations")
	if err != nil {
		return fmt.Errorf("migrations fs: %w", err)
	}
	provider, err := goose.NewProvider(goose.DialectSQLite3, s.db, fsys)
	if err != nil {
		return fmt.Errorf("goose provider: %w", err)
	}
	if _, err := provider.Up(ctx); err != nil {
		return fmt.Errorf("apply migrations: %w", err)
	}
	return nil
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Ping checks the connection.
func (s *Store) Ping(ctx context.Context) error { return s.db.PingContext(ctx) }

func formatTime(t time.Time) string { return t.UTC().Format(time.RFC3339Nano) }

func parseTime(s string) time.Time {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}
	}
	return t
}

// AddUser inserts or renames a user and adds it to the given boards.
func (s *Store) AddUser(ctx context.Context, u kanban.User, boards ...string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO users (id, name, email, created_at) VALUES (?, ?, ?, ?)
         ON CONFLICT(id) DO UPDATE SET name = excluded.name, email = excluded.email`,
		u.ID, u.Name, u.Email, formatTime(time.Now()),
	); err != nil {
		return fmt.Errorf("upsert user: %w", err)
	}
	for _, b := range boards {
		if _, err := tx.ExecContext(ctx,
			`INSERT OR IGNORE INTO board_members (board_id, user_id) VALUES (?, ?)`, b, u.ID,
		); err != nil {
			return fmt.Errorf("add member: %w", err)
		}
	}
	return tx.Commit()
}

// ListUsers returns the members of boardID, or every user when boardID is empty.
func (s *Store) ListUsers(ctx context.Context, boardID string) ([]kanban.User, error) {
	var (
		rows *sql.Rows
		err  error
	)
	if boardID == "" {
		rows, err = s.db.QueryContext(ctx, `SELECT id, name, email FROM users ORDER BY name, id`)
	} else {
		rows, err = s.db.QueryContext(ctx,
			`SELECT u.id, u.name, u.email FROM users u
             JOIN board_members m ON m.user_id = u.id
             WHERE m.board_id = ? ORDER BY u.name, u.id`, boardID)
	}
	if err != nil {
		return nil, fmt.Errorf("list users: %w", err)
	}
	defer rows.Close()

	users := make([]kanban.User, 0)
	for rows.Next() {
		var u kanban.User
		if err := rows.Scan(&u.ID, &u.Name, &u.Email); err != nil {
			return nil, fmt.Errorf("scan user: %w", err)
		}
		users = append(users, u)
	}
	return users, rows.Err()
}
