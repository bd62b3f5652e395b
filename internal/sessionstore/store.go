// Package sessionstore persists session records and their state
// transitions in SQLite. Audio is never stored, only lifecycle
// metadata and transcripts.
package sessionstore

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"github.com/voxpadlabs/voxpad-core/internal/config"
)

// Record is the persisted view of one session.
type Record struct {
	SessionID         string
	State             string
	ApplyCleanup      bool
	Instruction       string
	RawTranscript     string
	CleanedTranscript string
	Warning           string
	ErrorKind         string
	ErrorMessage      string
	Chunks            int
	AudioMS           int64
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

// Transition is one recorded state change.
type Transition struct {
	ID        int64
	SessionID string
	From      string
	To        string
	CreatedAt time.Time
}

// Store wraps the SQLite-backed session history. In ephemeral mode
// every method is a no-op.
type Store struct {
	db    *sql.DB
	cfg   config.StoreConfig
	log   *slog.Logger
	clock func() time.Time
}

// Open initializes the store according to config. Session retention
// mode starts each run with an empty history.
func Open(ctx context.Context, cfg config.StoreConfig, log *slog.Logger) (*Store, error) {
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

	if cfg.RetentionMode == "session" {
		if err := s.clear(ctx); err != nil {
			db.Close()
			return nil, fmt.Errorf("clear previous run: %w", err)
		}
	}

	if cfg.VacuumOnStart {
		if err := s.vacuum(ctx); err != nil {
			log.Warn("session store vacuum failed", slog.String("error", err.Error()))
		}
	}

	if err := s.Prune(ctx); err != nil {
		log.Warn("session store prune on start failed", slog.String("error", err.Error()))
	}

	return s, nil
}

func (s *Store) initSchema(ctx context.Context) error {
	if s.db == nil {
		return nil
	}
	ddl := `
CREATE TABLE IF NOT EXISTS sessions (
    session_id TEXT PRIMARY KEY,
    state TEXT NOT NULL,
    apply_cleanup INTEGER NOT NULL DEFAULT 0,
    instruction TEXT,
    raw_transcript TEXT,
    cleaned_transcript TEXT,
    warning TEXT,
    error_kind TEXT,
    error_message TEXT,
    chunks INTEGER NOT NULL DEFAULT 0,
    audio_ms INTEGER NOT NULL DEFAULT 0,
    created_at TIMESTAMP NOT NULL,
    updated_at TIMESTAMP NOT NULL
);
CREATE TABLE IF NOT EXISTS transitions (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    session_id TEXT NOT NULL,
    from_state TEXT NOT NULL,
    to_state TEXT NOT NULL,
    created_at TIMESTAMP NOT NULL,
    FOREIGN KEY(session_id) REFERENCES sessions(session_id) ON DELETE CASCADE
);
CREATE INDEX IF NOT EXISTS idx_transitions_session_created ON transitions(session_id, created_at);
`
	_, err := s.db.ExecContext(ctx, ddl)
	return err
}

func (s *Store) clear(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM sessions`)
	return err
}

func (s *Store) vacuum(ctx context.Context) error {
	if s.db == nil {
		return nil
	}
	_, err := s.db.ExecContext(ctx, "VACUUM")
	return err
}

// Close releases underlying resources.
func (s *Store) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

// SaveSession upserts the record. CreatedAt is preserved on update.
func (s *Store) SaveSession(ctx context.Context, rec Record) error {
	if s.cfg.RetentionMode == "ephemeral" || s.db == nil {
		return nil
	}
	now := s.clock().UTC()
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = now
	}
	if rec.UpdatedAt.IsZero() {
		rec.UpdatedAt = now
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO sessions(session_id, state, apply_cleanup, instruction, raw_transcript,
		     cleaned_transcript, warning, error_kind, error_message, chunks, audio_ms, created_at, updated_at)
		 VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(session_id) DO UPDATE SET
		     state=excluded.state,
		     apply_cleanup=excluded.apply_cleanup,
		     instruction=excluded.instruction,
		     raw_transcript=excluded.raw_transcript,
		     cleaned_transcript=excluded.cleaned_transcript,
		     warning=excluded.warning,
		     error_kind=excluded.error_kind,
		     error_message=excluded.error_message,
		     chunks=excluded.chunks,
		     audio_ms=excluded.audio_ms,
		     updated_at=excluded.updated_at`,
		rec.SessionID, rec.State, rec.ApplyCleanup, rec.Instruction, rec.RawTranscript,
		rec.CleanedTranscript, rec.Warning, rec.ErrorKind, rec.ErrorMessage,
		rec.Chunks, rec.AudioMS, rec.CreatedAt.UTC(), rec.UpdatedAt.UTC())
	return err
}

// AppendTransition records a state change for a session.
func (s *Store) AppendTransition(ctx context.Context, sessionID, from, to string) error {
	if s.cfg.RetentionMode == "ephemeral" || s.db == nil {
		return nil
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO transitions(session_id, from_state, to_state, created_at) VALUES(?, ?, ?, ?)`,
		sessionID, from, to, s.clock().UTC())
	return err
}

// GetSession retrieves one record by id.
func (s *Store) GetSession(ctx context.Context, sessionID string) (Record, error) {
	if s.cfg.RetentionMode == "ephemeral" || s.db == nil {
		return Record{}, sql.ErrNoRows
	}
	row := s.db.QueryRowContext(ctx,
		`SELECT session_id, state, apply_cleanup, instruction, raw_transcript, cleaned_transcript,
		     warning, error_kind, error_message, chunks, audio_ms, created_at, updated_at
		 FROM sessions WHERE session_id = ?`, sessionID)
	return scanRecord(row)
}

// ListRecent returns up to limit records, newest first.
func (s *Store) ListRecent(ctx context.Context, limit int) ([]Record, error) {
	if s.cfg.RetentionMode == "ephemeral" || s.db == nil {
		return nil, nil
	}
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT session_id, state, apply_cleanup, instruction, raw_transcript, cleaned_transcript,
		     warning, error_kind, error_message, chunks, audio_ms, created_at, updated_at
		 FROM sessions ORDER BY created_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// ListTransitions retrieves up to limit transitions for a session
// ordered ascending by time.
func (s *Store) ListTransitions(ctx context.Context, sessionID string, limit int) ([]Transition, error) {
	if s.cfg.RetentionMode == "ephemeral" || s.db == nil {
		return nil, nil
	}
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, session_id, from_state, to_state, created_at
		 FROM transitions WHERE session_id = ? ORDER BY created_at ASC, id ASC LIMIT ?`, sessionID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Transition
	for rows.Next() {
		var tr Transition
		var created string
		if err := rows.Scan(&tr.ID, &tr.SessionID, &tr.From, &tr.To, &created); err != nil {
			return nil, err
		}
		if ts, err := time.Parse(time.RFC3339Nano, created); err == nil {
			tr.CreatedAt = ts
		}
		out = append(out, tr)
	}
	return out, rows.Err()
}

// Prune applies configured retention. Transitions follow their
// session via the cascade.
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
		if _, err = tx.ExecContext(ctx, `DELETE FROM sessions WHERE created_at < ?`, cutoff.UTC()); err != nil {
			return err
		}
	}
	if s.cfg.MaxSessions > 0 {
		_, err = tx.ExecContext(ctx, `DELETE FROM sessions WHERE session_id IN (
			SELECT session_id FROM sessions ORDER BY created_at DESC LIMIT -1 OFFSET ?
		)`, s.cfg.MaxSessions)
		if err != nil {
			return err
		}
	}
	err = tx.Commit()
	return err
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRecord(row rowScanner) (Record, error) {
	var rec Record
	var created, updated string
	err := row.Scan(&rec.SessionID, &rec.State, &rec.ApplyCleanup, &rec.Instruction,
		&rec.RawTranscript, &rec.CleanedTranscript, &rec.Warning, &rec.ErrorKind,
		&rec.ErrorMessage, &rec.Chunks, &rec.AudioMS, &created, &updated)
	if err != nil {
		return Record{}, err
	}
	if ts, perr := time.Parse(time.RFC3339Nano, created); perr == nil {
		rec.CreatedAt = ts
	}
	if ts, perr := time.Parse(time.RFC3339Nano, updated); perr == nil {
		rec.UpdatedAt = ts
	}
	return rec, nil
}
