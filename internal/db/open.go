package db

import (
	"fmt"
	"strings"

	"github.com/jmoiron/sqlx"
)

// Dialect identifies the SQL engine behind a Pool.
type Dialect string

const (
	DialectSQLite   Dialect = "sqlite"
	DialectPostgres Dialect = "postgres"
)

// Open dispatches on the connection URL and returns a ready Pool.
//
// Accepted forms:
//   - postgres://... or postgresql://...  → pgx
//   - sqlite://path, file:path, or a bare filesystem path → sqlite
func Open(url string, maxConns, minConns int) (*Pool, error) {
	switch {
	case strings.HasPrefix(url, "postgres://"), strings.HasPrefix(url, "postgresql://"):
		conn, err := OpenPostgres(url, maxConns, minConns)
		if err != nil {
			return nil, err
		}
		pg := sqlx.NewDb(conn, "pgx")
		return NewPool(pg, pg, DialectPostgres), nil

	default:
		path := strings.TrimPrefix(url, "sqlite://")
		writer, err := OpenSQLite(path)
		if err != nil {
			return nil, err
		}
		reader, err := OpenSQLiteReader(path)
		if err != nil {
			_ = writer.Close()
			return nil, fmt.Errorf("failed to open reader pool: %w", err)
		}
		return NewPool(
			sqlx.NewDb(writer, "sqlite3"),
			sqlx.NewDb(reader, "sqlite3"),
			DialectSQLite,
		), nil
	}
}
