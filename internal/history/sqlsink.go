package history

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

// Dialect selects placeholder style and DDL for SQLSink.
type Dialect string

const (
	DialectSQLite   Dialect = "sqlite"
	DialectPostgres Dialect = "postgres"
)

// SQLSink appends history events to the backend_history table. The schema
// is created if missing. Driver registration is left to the caller.
type SQLSink struct {
	db      *sql.DB
	dialect Dialect
}

// NewSQLSink wraps db and ensures the schema exists. On error db is closed.
func NewSQLSink(ctx context.Context, db *sql.DB, dialect Dialect) (*SQLSink, error) {
	if db == nil {
		return nil, errors.New("nil database handle")
	}
	s := &SQLSink{db: db, dialect: dialect}
	if err := s.ensureSchema(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("history schema: %w", err)
	}
	return s, nil
}

func (s *SQLSink) ensureSchema(ctx context.Context) error {
	var stmts []string
	switch s.dialect {
	case DialectSQLite:
		stmts = []string{
			`CREATE TABLE IF NOT EXISTS backend_history(
				id INTEGER PRIMARY KEY AUTOINCREMENT,
				occurred_at TIMESTAMP NOT NULL,
				event TEXT NOT NULL,
				profile TEXT NOT NULL,
				pid INTEGER NOT NULL,
				port INTEGER NOT NULL,
				state TEXT NOT NULL,
				started_at TIMESTAMP NULL,
				exit_err TEXT NULL
			);`,
			`CREATE INDEX IF NOT EXISTS idx_backend_history_profile ON backend_history(profile);`,
		}
	case DialectPostgres:
		stmts = []string{
			`CREATE TABLE IF NOT EXISTS backend_history(
				id BIGSERIAL PRIMARY KEY,
				occurred_at TIMESTAMPTZ NOT NULL,
				event TEXT NOT NULL,
				profile TEXT NOT NULL,
				pid INTEGER NOT NULL,
				port INTEGER NOT NULL,
				state TEXT NOT NULL,
				started_at TIMESTAMPTZ NULL,
				exit_err TEXT NULL
			);`,
			`CREATE INDEX IF NOT EXISTS idx_backend_history_profile ON backend_history(profile);`,
		}
	default:
		return fmt.Errorf("unsupported dialect %q", s.dialect)
	}
	for _, q := range stmts {
		if _, err := s.db.ExecContext(ctx, q); err != nil {
			return err
		}
	}
	return nil
}

func (s *SQLSink) Send(ctx context.Context, e Event) error {
	rec := e.Record
	var started, exitErr any
	if !rec.StartedAt.IsZero() {
		started = rec.StartedAt.UTC()
	}
	if rec.ExitErr != "" {
		exitErr = rec.ExitErr
	}
	q := `INSERT INTO backend_history(occurred_at, event, profile, pid, port, state, started_at, exit_err)
		VALUES(?, ?, ?, ?, ?, ?, ?, ?);`
	if s.dialect == DialectPostgres {
		q = `INSERT INTO backend_history(occurred_at, event, profile, pid, port, state, started_at, exit_err)
		VALUES($1, $2, $3, $4, $5, $6, $7, $8);`
	}
	_, err := s.db.ExecContext(ctx, q,
		e.OccurredAt.UTC(), string(e.Type), rec.Profile, rec.PID, rec.Port, rec.State, started, exitErr)
	return err
}

// Query returns the most recent events for profile, newest first.
func (s *SQLSink) Query(ctx context.Context, profile string, limit int) ([]Event, error) {
	if limit <= 0 {
		limit = 100
	}
	q := `SELECT occurred_at, event, profile, pid, port, state, started_at, exit_err
		FROM backend_history WHERE profile = ? ORDER BY id DESC LIMIT ?`
	if s.dialect == DialectPostgres {
		q = `SELECT occurred_at, event, profile, pid, port, state, started_at, exit_err
		FROM backend_history WHERE profile = $1 ORDER BY id DESC LIMIT $2`
	}
	rows, err := s.db.QueryContext(ctx, q, profile, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []Event
	for rows.Next() {
		var (
			e       Event
			typ     string
			started sql.NullTime
			exitErr sql.NullString
		)
		if err := rows.Scan(&e.OccurredAt, &typ, &e.Record.Profile, &e.Record.PID, &e.Record.Port,
			&e.Record.State, &started, &exitErr); err != nil {
			return nil, err
		}
		e.Type = EventType(typ)
		if started.Valid {
			e.Record.StartedAt = started.Time
		}
		e.Record.ExitErr = exitErr.String
		out = append(out, e)
	}
	return out, rows.Err()
}

func (s *SQLSink) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}
