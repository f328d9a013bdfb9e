package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"aimdrag/internal/audit"
	"aimdrag/internal/domain"
)

const insertRecordSQL = `INSERT INTO audit_records(sequence,ts,trace_id,caller,actor_name,actor_role,mode,workflow_name,outcome,error,duration_ms,prev_hash,integrity_hash,record_json)
VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?) ON CONFLICT (sequence) DO NOTHING`

const insertViolationSQL = `INSERT INTO audit_violations(sequence,phrase) VALUES (?,?) ON CONFLICT (sequence,phrase) DO NOTHING`

// InsertRecordTx archives one record. It reports false when the sequence is
// already archived.
func (r Repo) InsertRecordTx(ctx context.Context, tx *sql.Tx, rec domain.AuditRecord) (bool, error) {
	raw, err := json.Marshal(rec)
	if err != nil {
		return false, fmt.Errorf("marshal record %d: %w", rec.Sequence, err)
	}
	res, err := tx.ExecContext(ctx, r.q(insertRecordSQL),
		int64(rec.Sequence), rec.Timestamp.UTC().Format(time.RFC3339Nano), rec.TraceID, nullable(rec.Caller),
		rec.Declaration.Actor.Name, rec.Declaration.Actor.Role, string(rec.Mode), rec.WorkflowName,
		string(rec.Outcome), nullable(rec.Error), nullableInt64(rec.DurationMS),
		rec.PrevHash, rec.IntegrityHash, string(raw))
	if err != nil {
		return false, fmt.Errorf("insert record %d: %w", rec.Sequence, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return false, nil
	}
	for _, p := range rec.Violations {
		if _, err := tx.ExecContext(ctx, r.q(insertViolationSQL), int64(rec.Sequence), p); err != nil {
			return false, fmt.Errorf("insert violation %d: %w", rec.Sequence, err)
		}
	}
	return true, nil
}

// InsertRecords archives records in one transaction and returns how many
// were new.
func (r Repo) InsertRecords(ctx context.Context, recs []domain.AuditRecord) (int, error) {
	inserted := 0
	err := r.WithTx(ctx, func(tx *sql.Tx) error {
		for _, rec := range recs {
			ok, err := r.InsertRecordTx(ctx, tx, rec)
			if err != nil {
				return err
			}
			if ok {
				inserted++
			}
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return inserted, nil
}

func scanRecord(scan func(dest ...any) error) (domain.AuditRecord, error) {
	var raw string
	if err := scan(&raw); err != nil {
		if err == sql.ErrNoRows {
			return domain.AuditRecord{}, ErrNotFound
		}
		return domain.AuditRecord{}, err
	}
	return audit.DecodeRecord([]byte(raw))
}

// LastRecord returns the highest archived sequence.
func (r Repo) LastRecord(ctx context.Context) (domain.AuditRecord, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT record_json FROM audit_records ORDER BY sequence DESC LIMIT 1`)
	return scanRecord(row.Scan)
}

func (r Repo) GetRecord(ctx context.Context, sequence uint64) (domain.AuditRecord, error) {
	row := r.DB.QueryRowContext(ctx, r.q(`SELECT record_json FROM audit_records WHERE sequence=?`), int64(sequence))
	return scanRecord(row.Scan)
}

// RecordFilters narrows ListRecords. Zero fields match everything.
type RecordFilters struct {
	TraceID  string
	Outcome  domain.Outcome
	Mode     domain.Mode
	Workflow string
	Phrase   string
	Limit    int
}

// ListRecords returns the most recent matching records, oldest first.
func (r Repo) ListRecords(ctx context.Context, f RecordFilters) ([]domain.AuditRecord, error) {
	var (
		where []string
		args  []any
	)
	if f.TraceID != "" {
		where = append(where, "trace_id=?")
		args = append(args, f.TraceID)
	}
	if f.Outcome != "" {
		where = append(where, "outcome=?")
		args = append(args, string(f.Outcome))
	}
	if f.Mode != "" {
		where = append(where, "mode=?")
		args = append(args, string(f.Mode))
	}
	if f.Workflow != "" {
		where = append(where, "workflow_name=?")
		args = append(args, f.Workflow)
	}
	if f.Phrase != "" {
		where = append(where, "sequence IN (SELECT sequence FROM audit_violations WHERE phrase=?)")
		args = append(args, f.Phrase)
	}
	query := `SELECT record_json FROM audit_records`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY sequence DESC"
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}
	rows, err := r.DB.QueryContext(ctx, r.q(query), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.AuditRecord
	for rows.Next() {
		rec, err := scanRecord(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	for i, j := 0, len(res)-1; i < j; i, j = i+1, j-1 {
		res[i], res[j] = res[j], res[i]
	}
	return res, nil
}

// OutcomeCounts returns the number of archived records per outcome.
func (r Repo) OutcomeCounts(ctx context.Context) (map[domain.Outcome]int, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT outcome, COUNT(*) FROM audit_records GROUP BY outcome`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := map[domain.Outcome]int{}
	for rows.Next() {
		var o string
		var n int
		if err := rows.Scan(&o, &n); err != nil {
			return nil, err
		}
		out[domain.Outcome(o)] = n
	}
	return out, rows.Err()
}
