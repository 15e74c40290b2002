package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"strings"

	_ "modernc.org/sqlite"

	"github.com/loykin/tether/internal/history"
)

// Sink writes history events to a SQLite database.
type Sink struct {
	*history.SQLSink
}

// New creates a new SQLite history sink.
// DSN format:
//   - "sqlite:///path/to/file.db"
//   - "sqlite://:memory:"
//   - "/path/to/file.db" (without prefix)
//   - ":memory:" (in-memory database)
func New(dsn string) (*Sink, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, errors.New("empty SQLite DSN")
	}
	if strings.HasPrefix(strings.ToLower(dsn), "sqlite://") {
		dsn = dsn[len("sqlite://"):]
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, err
	}
	// an in-memory database lives only as long as its single connection
	db.SetMaxOpenConns(1)

	s, err := history.NewSQLSink(context.Background(), db, history.DialectSQLite)
	if err != nil {
		return nil, err
	}
	return &Sink{SQLSink: s}, nil
}
