package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"aimdrag/internal/audit"
	"aimdrag/internal/config"
	"aimdrag/internal/db"
	"aimdrag/internal/migrate"
	"aimdrag/internal/repo"
)

// ErrArchiveDiverged means the archive holds a record the chain does not.
var ErrArchiveDiverged = errors.New("archive diverged from audit chain")

// OpenArchive opens and migrates the configured archive database.
func OpenArchive(workspace string, cfg *config.Config) (repo.Repo, *sql.DB, error) {
	driver := cfg.Archive.Driver
	if driver == "" {
		driver = db.DriverSQLite
	}
	conn, err := db.Open(db.Config{Driver: driver, DSN: cfg.ArchiveDSN(workspace)})
	if err != nil {
		return repo.Repo{}, nil, err
	}
	if _, err := migrate.Migrate(conn, driver); err != nil {
		conn.Close()
		return repo.Repo{}, nil, fmt.Errorf("migrate archive: %w", err)
	}
	return repo.Repo{DB: conn, Driver: driver}, conn, nil
}

type SyncResult struct {
	Inserted int    `json:"inserted"`
	Records  uint64 `json:"records"`
	Tail     string `json:"tail"`
}

// SyncArchive copies verified chain records into the archive. The chain is
// verified first and the archive's last record must still be part of it.
func SyncArchive(ctx context.Context, chain *audit.Chain, r repo.Repo) (SyncResult, error) {
	v, err := chain.VerifyChain(ctx)
	if err != nil {
		return SyncResult{}, err
	}
	if !v.OK {
		return SyncResult{}, &audit.CorruptionError{BrokenAt: *v.BrokenAt, Reason: v.Reason}
	}
	recs, err := chain.Records(ctx, audit.Filter{})
	if err != nil {
		return SyncResult{}, err
	}
	if uint64(len(recs)) > v.Records {
		recs = recs[:v.Records]
	}

	start := 0
	last, err := r.LastRecord(ctx)
	switch {
	case errors.Is(err, repo.ErrNotFound):
	case err != nil:
		return SyncResult{}, err
	default:
		if last.Sequence >= uint64(len(recs)) || recs[last.Sequence].IntegrityHash != last.IntegrityHash {
			return SyncResult{}, fmt.Errorf("%w at sequence %d", ErrArchiveDiverged, last.Sequence)
		}
		start = int(last.Sequence) + 1
	}
	n, err := r.InsertRecords(ctx, recs[start:])
	if err != nil {
		return SyncResult{}, err
	}
	return SyncResult{Inserted: n, Records: v.Records, Tail: v.Tail}, nil
}
