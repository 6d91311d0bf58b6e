// Package store implements durable
// persistence of users, sessions, messages, and runs in a single SQLite
// file, with additive-only schema evolution and a single-writer discipline.
//
// Grounded on ashureev-shsh-labs/internal/store/sqlite.go: the
// modernc.org/sqlite pure-Go driver, the WAL-mode DSN, the
// PRAGMA table_info + ALTER TABLE ADD COLUMN additive-migration pattern, and
// the SQLITE_BUSY exponential-backoff retry. golang-migrate/v4 — the
// teacher's own migration tool — is not used here: it is wired against
// Postgres via file:// directory migrations (see cmd/migrate.go in the
// teacher), which has no natural fit against one embedded SQLite file
// evolving by additive columns only (see DESIGN.md).
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/nextlevelbuilder/codexgw/internal/models"
)

// SessionRow is the SQL-facing shape of a Session.
type SessionRow struct {
	SessionID        string
	BotID            string
	UserID           int64
	State            models.SessionState
	ResumeID         string
	LastResult       string
	EventLogLastTS   *float64
	EventLogLastHash string
	LastChatID       *int64
	CreatedAt        float64
	LastActivity     float64
}

// RunRow is the SQL-facing shape of a Run.
type RunRow struct {
	RunID      string
	SessionID  string
	Status     models.RunStatus
	Prompt     string
	StartedAt  float64
	FinishedAt *float64
	Error      string
}

// Store is the durable backing store. All mutations funnel through a single
// *sql.DB with WAL journaling; readers may run concurrently via the pool.
type Store struct {
	db *sql.DB
}

// Open creates the database directory if needed, opens the SQLite file in
// WAL mode, and brings the schema up to date. Failure to open the backing
// file is fatal.
func Open(path string) (*Store, error) {
	if dir := filepath.Dir(path); dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create store directory: %w", err)
		}
	}
	dsn := path + "?_journal=WAL&_sync=NORMAL&_busy_timeout=5000"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}
	db.SetMaxOpenConns(8)
	db.SetMaxIdleConns(4)
	db.SetConnMaxLifetime(5 * time.Minute)
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping store: %w", err)
	}

	s := &Store{db: db}
	if err := s.migrate(context.Background()); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate store: %w", err)
	}
	return s, nil
}

// Close releases the underlying database handle.
func (s *Store) Close() error { return s.db.Close() }

func (s *Store) migrate(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS users (
			telegram_id INTEGER PRIMARY KEY,
			role TEXT NOT NULL,
			status TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS sessions (
			session_id TEXT PRIMARY KEY,
			bot_id TEXT NOT NULL,
			user_id INTEGER NOT NULL,
			state TEXT NOT NULL,
			resume_id TEXT,
			last_result TEXT,
			jsonl_last_ts REAL,
			jsonl_last_hash TEXT,
			last_chat_id INTEGER,
			created_at REAL NOT NULL,
			last_activity REAL NOT NULL
		)`,
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_sessions_bot_user ON sessions(bot_id, user_id)`,
		`CREATE TABLE IF NOT EXISTS messages (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			session_id TEXT NOT NULL,
			sender TEXT NOT NULL,
			content TEXT NOT NULL,
			ts REAL NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_messages_session ON messages(session_id)`,
		`CREATE TABLE IF NOT EXISTS runs (
			run_id TEXT PRIMARY KEY,
			session_id TEXT NOT NULL,
			status TEXT NOT NULL,
			prompt TEXT NOT NULL,
			started_at REAL NOT NULL,
			finished_at REAL,
			error TEXT
		)`,
		`CREATE INDEX IF NOT EXISTS idx_runs_session ON runs(session_id)`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("exec %q: %w", stmt, err)
		}
	}
	// Additive columns for schema evolution beyond the baseline above: any
	// column added to a later release of this schema is appended here
	// rather than mutating the CREATE TABLE statements, so existing
	// databases upgrade without data loss.
	additive := []struct{ table, column, definition string }{
		{"sessions", "bot_id", "TEXT NOT NULL DEFAULT 'default'"},
	}
	for _, col := range additive {
		if err := s.ensureColumn(ctx, col.table, col.column, col.definition); err != nil {
			return err
		}
	}
	return nil
}

func (s *Store) ensureColumn(ctx context.Context, table, column, definition string) error {
	rows, err := s.db.QueryContext(ctx, fmt.Sprintf("PRAGMA table_info(%s)", table))
	if err != nil {
		return fmt.Errorf("table_info(%s): %w", table, err)
	}
	defer rows.Close()

	have := false
	for rows.Next() {
		var cid int
		var name, ctype string
		var notnull int
		var dflt sql.NullString
		var pk int
		if err := rows.Scan(&cid, &name, &ctype, &notnull, &dflt, &pk); err != nil {
			return err
		}
		if strings.EqualFold(name, column) {
			have = true
		}
	}
	if have {
		return nil
	}
	_, err = s.db.ExecContext(ctx, fmt.Sprintf("ALTER TABLE %s ADD COLUMN %s %s", table, column, definition))
	return err
}

// withRetry calls fn up to 3 times in total, with exponential backoff, when SQLite
// reports the database as busy/locked, matching ashureev's retry pattern.
func withRetry(fn func() error) error {
	var err error
	for i := 0; i < 3; i++ {
		err = fn()
		if err == nil {
			return nil
		}
		if !isBusyErr(err) {
			return err
		}
		time.Sleep(time.Duration(100*(1<<i)) * time.Millisecond)
	}
	return err
}

func isBusyErr(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "database is locked") || strings.Contains(msg, "SQLITE_BUSY")
}

func nowUnix() float64 { return float64(time.Now().UnixNano()) / 1e9 }

// EnsureUser upserts a minimal row for a newly-observed Telegram user.
func (s *Store) EnsureUser(ctx context.Context, telegramID int64) error {
	return withRetry(func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO users (telegram_id, role, status) VALUES (?, 'user', 'active')
			ON CONFLICT(telegram_id) DO NOTHING`, telegramID)
		return err
	})
}

// UpsertSession performs a full replace-on-insert of a session row.
func (s *Store) UpsertSession(ctx context.Context, row SessionRow) error {
	return withRetry(func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO sessions
				(session_id, bot_id, user_id, state, resume_id, last_result, jsonl_last_ts, jsonl_last_hash, last_chat_id, created_at, last_activity)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(session_id) DO UPDATE SET
				bot_id = excluded.bot_id,
				user_id = excluded.user_id,
				state = excluded.state,
				resume_id = excluded.resume_id,
				last_result = excluded.last_result,
				jsonl_last_ts = excluded.jsonl_last_ts,
				jsonl_last_hash = excluded.jsonl_last_hash,
				last_chat_id = excluded.last_chat_id,
				last_activity = excluded.last_activity`,
			row.SessionID, row.BotID, row.UserID, string(row.State), nullStr(row.ResumeID),
			nullStr(row.LastResult), row.EventLogLastTS, nullStr(row.EventLogLastHash),
			row.LastChatID, row.CreatedAt, row.LastActivity)
		return err
	})
}

func nullStr(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}

// UpdateSessionState sets state and bumps last_activity.
func (s *Store) UpdateSessionState(ctx context.Context, sessionID string, state models.SessionState) error {
	return withRetry(func() error {
		_, err := s.db.ExecContext(ctx,
			"UPDATE sessions SET state = ?, last_activity = ? WHERE session_id = ?",
			string(state), nowUnix(), sessionID)
		return err
	})
}

// UpdateSessionResumeID sets resume_id and bumps last_activity.
func (s *Store) UpdateSessionResumeID(ctx context.Context, sessionID, resumeID string) error {
	return withRetry(func() error {
		_, err := s.db.ExecContext(ctx,
			"UPDATE sessions SET resume_id = ?, last_activity = ? WHERE session_id = ?",
			nullStr(resumeID), nowUnix(), sessionID)
		return err
	})
}

// UpdateSessionLastResult sets last_result and bumps last_activity.
func (s *Store) UpdateSessionLastResult(ctx context.Context, sessionID, lastResult string) error {
	return withRetry(func() error {
		_, err := s.db.ExecContext(ctx,
			"UPDATE sessions SET last_result = ?, last_activity = ? WHERE session_id = ?",
			nullStr(lastResult), nowUnix(), sessionID)
		return err
	})
}

// UpdateSessionEventLogCursor sets the (last_ts, last_hash) event-log cursor.
func (s *Store) UpdateSessionEventLogCursor(ctx context.Context, sessionID string, ts *float64, hash string) error {
	return withRetry(func() error {
		_, err := s.db.ExecContext(ctx,
			"UPDATE sessions SET jsonl_last_ts = ?, jsonl_last_hash = ?, last_activity = ? WHERE session_id = ?",
			ts, nullStr(hash), nowUnix(), sessionID)
		return err
	})
}

// UpdateSessionChatID sets last_chat_id and bumps last_activity.
func (s *Store) UpdateSessionChatID(ctx context.Context, sessionID string, chatID int64) error {
	return withRetry(func() error {
		_, err := s.db.ExecContext(ctx,
			"UPDATE sessions SET last_chat_id = ?, last_activity = ? WHERE session_id = ?",
			chatID, nowUnix(), sessionID)
		return err
	})
}

// GetLastResultByUser returns the latest non-null last_result for (bot,user)
// ordered by last_activity, for post-restart recovery.
func (s *Store) GetLastResultByUser(ctx context.Context, botID string, userID int64) (string, bool, error) {
	var result sql.NullString
	err := s.db.QueryRowContext(ctx, `
		SELECT last_result FROM sessions
		WHERE bot_id = ? AND user_id = ? AND last_result IS NOT NULL
		ORDER BY last_activity DESC LIMIT 1`, botID, userID).Scan(&result)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return result.String, result.Valid, nil
}

// GetEventLogCursorByUser returns the latest event-log cursor for (bot,user).
func (s *Store) GetEventLogCursorByUser(ctx context.Context, botID string, userID int64) (*float64, string, error) {
	var ts sql.NullFloat64
	var hash sql.NullString
	err := s.db.QueryRowContext(ctx, `
		SELECT jsonl_last_ts, jsonl_last_hash FROM sessions
		WHERE bot_id = ? AND user_id = ?
		ORDER BY last_activity DESC LIMIT 1`, botID, userID).Scan(&ts, &hash)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, "", nil
	}
	if err != nil {
		return nil, "", err
	}
	var tsPtr *float64
	if ts.Valid {
		v := ts.Float64
		tsPtr = &v
	}
	return tsPtr, hash.String, nil
}

// GetLastChatIDByUser returns the most recently bound chat id for (bot,user).
func (s *Store) GetLastChatIDByUser(ctx context.Context, botID string, userID int64) (int64, bool, error) {
	var chatID sql.NullInt64
	err := s.db.QueryRowContext(ctx, `
		SELECT last_chat_id FROM sessions
		WHERE bot_id = ? AND user_id = ? AND last_chat_id IS NOT NULL
		ORDER BY last_activity DESC LIMIT 1`, botID, userID).Scan(&chatID)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, err
	}
	return chatID.Int64, chatID.Valid, nil
}

// AppendMessage records one audit-log message entry.
func (s *Store) AppendMessage(ctx context.Context, sessionID, sender, content string) error {
	return withRetry(func() error {
		_, err := s.db.ExecContext(ctx,
			"INSERT INTO messages (session_id, sender, content, ts) VALUES (?, ?, ?, ?)",
			sessionID, sender, content, nowUnix())
		return err
	})
}

// RecordRun inserts a new run row at dispatch time.
func (s *Store) RecordRun(ctx context.Context, row RunRow) error {
	return withRetry(func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO runs (run_id, session_id, status, prompt, started_at, finished_at, error)
			VALUES (?, ?, ?, ?, ?, ?, ?)`,
			row.RunID, row.SessionID, string(row.Status), row.Prompt, row.StartedAt, row.FinishedAt, nullStr(row.Error))
		return err
	})
}

// FinalizeRun sets a run's terminal status, finish time, and error detail.
// finishedAt and status are written together, per the Terminal finality
// invariant.
func (s *Store) FinalizeRun(ctx context.Context, runID string, status models.RunStatus, finishedAt float64, errDetail string) error {
	return withRetry(func() error {
		_, err := s.db.ExecContext(ctx,
			"UPDATE runs SET status = ?, finished_at = ?, error = ? WHERE run_id = ?",
			string(status), finishedAt, nullStr(errDetail), runID)
		return err
	})
}
