package repo

import (
	"context"
	"database/sql"
	"errors"

	"aimdrag/internal/db"
)

// Repo reads and writes the audit archive.
type Repo struct {
	DB     *sql.DB
	Driver string
}

var ErrNotFound = errors.New("not found")

func (r Repo) q(query string) string {
	return db.Rebind(r.Driver, query)
}

// WithTx runs fn in a transaction and commits when fn succeeds.
func (r Repo) WithTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := r.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := fn(tx); err != nil {
		return err
	}
	return tx.Commit()
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}

func nullableInt64(v *int64) any {
	if v == nil {
		return nil
	}
	return *v
}
