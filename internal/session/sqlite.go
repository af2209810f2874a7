package session

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "github.com/glebarez/go-sqlite"
	"github.com/google/uuid"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS sessions (
    id TEXT PRIMARY KEY,
    user_id TEXT NOT NULL,
    display_name TEXT NOT NULL,
    model TEXT NOT NULL,
    prompt_version TEXT NOT NULL,
    created_at DATETIME NOT NULL,
    total_input_tokens INTEGER NOT NULL DEFAULT 0,
    total_output_tokens INTEGER NOT NULL DEFAULT 0
);
CREATE TABLE IF NOT EXISTS turns (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    session_id TEXT NOT NULL REFERENCES sessions(id),
    role TEXT NOT NULL,
    content TEXT NOT NULL,
    token_count INTEGER NOT NULL DEFAULT 0,
    created_at DATETIME NOT NULL
);
CREATE TABLE IF NOT EXISTS usage_log (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    session_id TEXT NOT NULL REFERENCES sessions(id),
    timestamp DATETIME NOT NULL,
    input_tokens INTEGER NOT NULL,
    output_tokens INTEGER NOT NULL,
    total_tokens INTEGER NOT NULL
);
`

// SQLiteStore persists sessions in a local SQLite database. The transcript
// and usage log live in child tables ordered by rowid, so replay order is
// insertion order.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens (and creates on first use) the database at path.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", "file:"+path+"?_busy_timeout=10000&_fk=1")
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	if _, err := db.Exec(sqliteSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return &SQLiteStore{db: db}, nil
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) Create(ctx context.Context, identity Identity, model, promptVersion string) (*Session, error) {
	sess := &Session{
		ID:            uuid.NewString(),
		Identity:      identity,
		CreatedAt:     time.Now().UTC(),
		Model:         model,
		PromptVersion: promptVersion,
	}

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO sessions (id, user_id, display_name, model, prompt_version, created_at) VALUES (?,?,?,?,?,?);`,
		sess.ID, identity.UserID, identity.DisplayName, model, promptVersion, sess.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return sess, nil
}

func (s *SQLiteStore) Get(ctx context.Context, id string) (*Session, error) {
	sess := &Session{ID: id}
	err := s.db.QueryRowContext(ctx,
		`SELECT user_id, display_name, model, prompt_version, created_at, total_input_tokens, total_output_tokens
         FROM sessions WHERE id = ?;`, id).
		Scan(&sess.Identity.UserID, &sess.Identity.DisplayName, &sess.Model, &sess.PromptVersion,
			&sess.CreatedAt, &sess.TotalInputTokens, &sess.TotalOutputTokens)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT role, content, token_count, created_at FROM turns WHERE session_id = ? ORDER BY id ASC;`, id)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer rows.Close()
	for rows.Next() {
		var t Turn
		if err := rows.Scan(&t.Role, &t.Content, &t.TokenCount, &t.CreatedAt); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
		}
		sess.Transcript = append(sess.Transcript, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}

	urows, err := s.db.QueryContext(ctx,
		`SELECT timestamp, input_tokens, output_tokens, total_tokens FROM usage_log WHERE session_id = ? ORDER BY id ASC;`, id)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer urows.Close()
	for urows.Next() {
		var e UsageEntry
		if err := urows.Scan(&e.Timestamp, &e.InputTokens, &e.OutputTokens, &e.TotalTokens); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
		}
		sess.UsageLog = append(sess.UsageLog, e)
	}
	if err := urows.Err(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}

	return sess, nil
}

// AppendExchange runs the whole append in one transaction: both turns, both
// counter increments, and the usage-log entry commit together or not at all.
func (s *SQLiteStore) AppendExchange(ctx context.Context, id string, userTurn, assistantTurn Turn, inputTokens, outputTokens int) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx,
		`UPDATE sessions SET total_input_tokens = total_input_tokens + ?, total_output_tokens = total_output_tokens + ? WHERE id = ?;`,
		inputTokens, outputTokens, id)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	if n, err := res.RowsAffected(); err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	} else if n == 0 {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}

	for _, t := range []Turn{userTurn, assistantTurn} {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO turns (session_id, role, content, token_count, created_at) VALUES (?,?,?,?,?);`,
			id, t.Role, t.Content, t.TokenCount, t.CreatedAt); err != nil {
			return fmt.Errorf("%w: %v", ErrUnavailable, err)
		}
	}

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO usage_log (session_id, timestamp, input_tokens, output_tokens, total_tokens) VALUES (?,?,?,?,?);`,
		id, time.Now().UTC(), inputTokens, outputTokens, inputTokens+outputTokens); err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return nil
}
