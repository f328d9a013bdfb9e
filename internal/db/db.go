package db

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	_ "github.com/lib/pq"
	_ "modernc.org/sqlite"
)

const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

// Config selects the archive database. DSN is a file path for sqlite and a
// connection string for postgres.
type Config struct {
	Driver string
	DSN    string
}

// Open opens the archive database. SQLite files are created with foreign keys on.
func Open(cfg Config) (*sql.DB, error) {
	switch cfg.Driver {
	case "", DriverSQLite:
		if err := os.MkdirAll(filepath.Dir(cfg.DSN), 0o755); err != nil {
			return nil, err
		}
		dsn := fmt.Sprintf("file:%s?cache=shared&_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)", cfg.DSN)
		return sql.Open(DriverSQLite, dsn)
	case DriverPostgres:
		return sql.Open(DriverPostgres, cfg.DSN)
	default:
		return nil, fmt.Errorf("unsupported archive driver %q", cfg.Driver)
	}
}

// Rebind rewrites ? placeholders to $n for postgres.
func Rebind(driver, query string) string {
	if driver != DriverPostgres {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}
