// Package calllog persists call detail records to SQLite. In ephemeral
// retention mode every write is a no-op, which keeps the call path
// identical whether or not persistence is configured.
package calllog

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/voxline/voxline-core/internal/config"
	_ "modernc.org/sqlite"
)

// CallRecord is one archived call attempt.
type CallRecord struct {
	SessionID   string
	Destination string
	State       string
	TurnCount   int
	LastError   string
	Degraded    bool
	StartedAt   time.Time
	FinishedAt  time.Time
}

// TurnRecord is one archived conversation turn.
type TurnRecord struct {
	ID         int64
	SessionID  string
	TurnIndex  int
	Transcript string
	Response   string
	Outcome    string
	CreatedAt  time.Time
}

// Store wraps the SQLite-backed call archive.
type Store struct {
	db    *sql.DB
	cfg   config.CallLogConfig
	log   *slog.Logger
	clock func() time.Time
}

// Open initializes the store according to config.
func Open(ctx context.Context, cfg config.CallLogConfig, log *slog.Logger) (*Store, error) {
	if cfg.RetentionMode == "ephemeral" {
		return &Store{cfg: cfg, log: log, clock: time.Now}, nil
	}

	dir := filepath.Dir(cfg.Path)
	if dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create data dir: %w", err)
		}
	}

	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=foreign_keys(ON)", cfg.Path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}

	s := &Store{db: db, cfg: cfg, log: log, clock: time.Now}

	if err := s.initSchema(ctx); err != nil {
		db.Close()
		return nil, err
	}

	if cfg.VacuumOnStart {
		if _, err := s.db.ExecContext(ctx, "VACUUM"); err != nil {
			log.Warn("call log vacuum failed", slog.String("error", err.Error()))
		}
	}

	if err := s.Prune(ctx); err != nil {
		log.Warn("call log prune on start failed", slog.String("error", err.Error()))
	}

	return s, nil
}

func (s *Store) initSchema(ctx context.Context) error {
	if s.db == nil {
		return nil
	}
	ddl := `
CREATE TABLE IF NOT EXISTS calls (
    session_id TEXT PRIMARY KEY,
    destination TEXT NOT NULL,
    state TEXT NOT NULL,
    turn_count INTEGER NOT NULL,
    last_error TEXT,
    degraded INTEGER NOT NULL DEFAULT 0,
    started_at TIMESTAMP NOT NULL,
    finished_at TIMESTAMP NOT NULL
);
CREATE TABLE IF NOT EXISTS turns (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    session_id TEXT NOT NULL,
    turn_index INTEGER NOT NULL,
    transcript TEXT,
    response TEXT,
    outcome TEXT NOT NULL,
    created_at TIMESTAMP NOT NULL,
    FOREIGN KEY(session_id) REFERENCES calls(session_id) ON DELETE CASCADE
);
CREATE INDEX IF NOT EXISTS idx_turns_session ON turns(session_id, turn_index);
CREATE INDEX IF NOT EXISTS idx_calls_started ON calls(started_at);
`
	_, err := s.db.ExecContext(ctx, ddl)
	return err
}

// Close releases underlying resources.
func (s *Store) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

// RecordCall upserts the terminal record for one call attempt. Turns may
// arrive before the call row, so the row is created eagerly by AppendTurn
// with a placeholder state and finalized here.
func (s *Store) RecordCall(ctx context.Context, rec CallRecord) error {
	if s.cfg.RetentionMode == "ephemeral" || s.db == nil {
		return nil
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO calls(session_id, destination, state, turn_count, last_error, degraded, started_at, finished_at)
		 VALUES(?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(session_id) DO UPDATE SET
		   state=excluded.state, turn_count=excluded.turn_count,
		   last_error=excluded.last_error, degraded=excluded.degraded,
		   started_at=excluded.started_at, finished_at=excluded.finished_at`,
		rec.SessionID, rec.Destination, rec.State, rec.TurnCount, rec.LastError,
		boolToInt(rec.Degraded), rec.StartedAt.UTC(), rec.FinishedAt.UTC())
	return err
}

// AppendTurn writes one turn row, creating a pending call row if needed so
// the foreign key holds.
func (s *Store) AppendTurn(ctx context.Context, destination string, rec TurnRecord) error {
	if s.cfg.RetentionMode == "ephemeral" || s.db == nil {
		return nil
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = s.clock().UTC()
	}
	now := s.clock().UTC()
	if _, err := s.db.ExecContext(ctx,
		`INSERT INTO calls(session_id, destination, state, turn_count, started_at, finished_at)
		 VALUES(?, ?, 'pending', 0, ?, ?)
		 ON CONFLICT(session_id) DO NOTHING`,
		rec.SessionID, destination, now, now); err != nil {
		return err
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO turns(session_id, turn_index, transcript, response, outcome, created_at)
		 VALUES(?, ?, ?, ?, ?, ?)`,
		rec.SessionID, rec.TurnIndex, rec.Transcript, rec.Response, rec.Outcome, rec.CreatedAt)
	return err
}

// GetCall fetches one archived call, or nil when unknown.
func (s *Store) GetCall(ctx context.Context, sessionID string) (*CallRecord, error) {
	if s.cfg.RetentionMode == "ephemeral" || s.db == nil {
		return nil, nil
	}
	row := s.db.QueryRowContext(ctx,
		`SELECT session_id, destination, state, turn_count, last_error, degraded, started_at, finished_at
		 FROM calls WHERE session_id = ?`, sessionID)
	var rec CallRecord
	var degraded int
	var started, finished string
	var lastError sql.NullString
	if err := row.Scan(&rec.SessionID, &rec.Destination, &rec.State, &rec.TurnCount, &lastError, &degraded, &started, &finished); err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, err
	}
	rec.LastError = lastError.String
	rec.Degraded = degraded != 0
	if ts, err := time.Parse(time.RFC3339Nano, started); err == nil {
		rec.StartedAt = ts
	}
	if ts, err := time.Parse(time.RFC3339Nano, finished); err == nil {
		rec.FinishedAt = ts
	}
	return &rec, nil
}

// ListTurns retrieves the turns of one call ordered by index.
func (s *Store) ListTurns(ctx context.Context, sessionID string, limit int) ([]TurnRecord, error) {
	if s.cfg.RetentionMode == "ephemeral" || s.db == nil {
		return nil, nil
	}
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, session_id, turn_index, transcript, response, outcome, created_at
		 FROM turns WHERE session_id = ? ORDER BY turn_index ASC LIMIT ?`, sessionID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var turns []TurnRecord
	for rows.Next() {
		var t TurnRecord
		var transcript, response sql.NullString
		var created string
		if err := rows.Scan(&t.ID, &t.SessionID, &t.TurnIndex, &transcript, &response, &t.Outcome, &created); err != nil {
			return nil, err
		}
		t.Transcript = transcript.String
		t.Response = response.String
		if ts, err := time.Parse(time.RFC3339Nano, created); err == nil {
			t.CreatedAt = ts
		}
		turns = append(turns, t)
	}
	return turns, rows.Err()
}

// Prune applies configured retention.
func (s *Store) Prune(ctx context.Context) error {
	if s.cfg.RetentionMode == "ephemeral" || s.db == nil {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			tx.Rollback()
		}
	}()

	if s.cfg.RetentionDays > 0 {
		cutoff := s.clock().Add(-time.Duration(s.cfg.RetentionDays) * 24 * time.Hour)
		if _, err = tx.ExecContext(ctx, `DELETE FROM calls WHERE started_at < ?`, cutoff.UTC()); err != nil {
			return err
		}
	}
	if s.cfg.MaxCalls > 0 {
		_, err = tx.ExecContext(ctx, `DELETE FROM calls WHERE session_id IN (
			SELECT session_id FROM calls ORDER BY started_at DESC LIMIT -1 OFFSET ?
		)`, s.cfg.MaxCalls)
		if err != nil {
			return err
		}
	}
	err = tx.Commit()
	return err
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
