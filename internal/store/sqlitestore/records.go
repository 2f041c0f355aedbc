package sqlitestore

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/optimode/mailverify/internal/dedup"
	"github.com/optimode/mailverify/types"
)

// chunkSize keeps IN lists well below SQLite's host parameter limit.
const chunkSize = 500

const recordColumns = `address, syntax_valid, domain_valid, has_mx, type, smtp_outcome, confidence,
	smtp_code, mx_host, reason, suggestion, first_seen, last_seen, last_validated,
	validation_count, deleted_at`

const upsertRecord = `INSERT INTO email_records (` + recordColumns + `)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT(address) DO UPDATE SET
		syntax_valid = excluded.syntax_valid,
		domain_valid = excluded.domain_valid,
		has_mx = excluded.has_mx,
		type = excluded.type,
		smtp_outcome = excluded.smtp_outcome,
		confidence = excluded.confidence,
		smtp_code = excluded.smtp_code,
		mx_host = excluded.mx_host,
		reason = excluded.reason,
		suggestion = excluded.suggestion,
		last_seen = excluded.last_seen,
		last_validated = excluded.last_validated,
		validation_count = excluded.validation_count,
		deleted_at = excluded.deleted_at`

// LoadRecords returns the stored records for addresses, soft-deleted ones
// included, keyed by address.
func (s *Store) LoadRecords(ctx context.Context, addresses []string) (map[string]types.EmailRecord, error) {
	out, err := loadRecords(ctx, s.db, addresses)
	if err != nil {
		return nil, fmt.Errorf("sqlitestore: load records: %w", err)
	}
	return out, nil
}

type queryer interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

func loadRecords(ctx context.Context, q queryer, addresses []string) (map[string]types.EmailRecord, error) {
	out := make(map[string]types.EmailRecord, len(addresses))
	for start := 0; start < len(addresses); start += chunkSize {
		chunk := addresses[start:min(start+chunkSize, len(addresses))]
		args := make([]any, len(chunk))
		for i, a := range chunk {
			args[i] = a
		}
		query := `SELECT ` + recordColumns + ` FROM email_records WHERE address IN (` +
			strings.TrimSuffix(strings.Repeat("?,", len(chunk)), ",") + `)`
		if err := queryRecords(ctx, q, query, args, out); err != nil {
			return nil, err
		}
	}
	return out, nil
}

func queryRecords(ctx context.Context, q queryer, query string, args []any, out map[string]types.EmailRecord) error {
	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return err
	}
	defer rows.Close()
	for rows.Next() {
		var (
			r                                  types.EmailRecord
			typ, outcome, confidence           string
			firstSeen, lastSeen, lastValidated int64
			deletedAt                          sql.NullInt64
		)
		if err := rows.Scan(&r.Address, &r.SyntaxValid, &r.DomainValid, &r.HasMX, &typ, &outcome, &confidence,
			&r.SMTPCode, &r.MXHost, &r.Reason, &r.Suggestion, &firstSeen, &lastSeen, &lastValidated,
			&r.ValidationCount, &deletedAt); err != nil {
			return err
		}
		r.Type = types.EmailType(typ)
		r.SMTPOutcome = types.Outcome(outcome)
		r.Confidence = types.Confidence(confidence)
		r.FirstSeen = fromUnixNano(firstSeen)
		r.LastSeen = fromUnixNano(lastSeen)
		r.LastValidated = fromUnixNano(lastValidated)
		if deletedAt.Valid {
			t := fromUnixNano(deletedAt.Int64)
			r.DeletedAt = &t
		}
		out[r.Address] = r
	}
	return rows.Err()
}

// UpdateRecords loads the records of addresses, hands them to fn and writes
// back what fn returns, plus the session row when fn returns one. Load and
// write share one transaction that takes the database write lock up front,
// so writers in other processes cannot interleave. fn runs again if the
// transaction is retried.
func (s *Store) UpdateRecords(ctx context.Context, addresses []string, fn dedup.UpdateFunc) error {
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		existing, err := loadRecords(ctx, tx, addresses)
		if err != nil {
			return fmt.Errorf("load: %w", err)
		}
		records, session, err := fn(existing)
		if err != nil {
			return err
		}
		return saveRecords(ctx, tx, records, session)
	})
	if err != nil {
		s.metrics.StorageError("records")
		return fmt.Errorf("sqlitestore: update records: %w", err)
	}
	return nil
}

func saveRecords(ctx context.Context, tx *sql.Tx, records []types.EmailRecord, session *dedup.Session) error {
	stmt, err := tx.PrepareContext(ctx, upsertRecord)
	if err != nil {
		return err
	}
	defer stmt.Close()
	for _, r := range records {
		var deleted any
		if r.DeletedAt != nil {
			deleted = unixNano(*r.DeletedAt)
		}
		if _, err := stmt.ExecContext(ctx,
			r.Address, r.SyntaxValid, r.DomainValid, r.HasMX, string(r.Type), string(r.SMTPOutcome),
			string(r.Confidence), r.SMTPCode, r.MXHost, r.Reason, r.Suggestion,
			unixNano(r.FirstSeen), unixNano(r.LastSeen), unixNano(r.LastValidated),
			r.ValidationCount, deleted); err != nil {
			return fmt.Errorf("upsert %s: %w", r.Address, err)
		}
	}
	if session == nil {
		return nil
	}
	_, err = tx.ExecContext(ctx,
		`INSERT INTO dedup_sessions (id, created_at, total, new_count, duplicate_count) VALUES (?, ?, ?, ?, ?)`,
		session.ID, unixNano(session.CreatedAt), session.Total, session.New, session.Duplicate)
	return err
}

func (s *Store) SoftDelete(ctx context.Context, addresses []string, at time.Time) (int64, error) {
	var total int64
	exec := func(tx *sql.Tx, query string, args ...any) error {
		res, err := tx.ExecContext(ctx, query, args...)
		if err != nil {
			return err
		}
		n, err := res.RowsAffected()
		total += n
		return err
	}
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		total = 0
		if addresses == nil {
			return exec(tx, `UPDATE email_records SET deleted_at = ? WHERE deleted_at IS NULL`, unixNano(at))
		}
		for start := 0; start < len(addresses); start += chunkSize {
			chunk := addresses[start:min(start+chunkSize, len(addresses))]
			args := make([]any, 0, len(chunk)+1)
			args = append(args, unixNano(at))
			for _, a := range chunk {
				args = append(args, a)
			}
			query := `UPDATE email_records SET deleted_at = ? WHERE deleted_at IS NULL AND address IN (` +
				strings.TrimSuffix(strings.Repeat("?,", len(chunk)), ",") + `)`
			if err := exec(tx, query, args...); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		s.metrics.StorageError("records")
		return 0, fmt.Errorf("sqlitestore: soft delete: %w", err)
	}
	return total, nil
}

func (s *Store) Stats(ctx context.Context) (dedup.Stats, error) {
	var st dedup.Stats
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM email_records WHERE deleted_at IS NULL`).Scan(&st.TotalUnique)
	if err != nil {
		return st, fmt.Errorf("sqlitestore: count records: %w", err)
	}
	err = s.db.QueryRowContext(ctx,
		`SELECT COUNT(*), COALESCE(SUM(duplicate_count), 0) FROM dedup_sessions`).Scan(&st.TotalSessions, &st.TotalDuplicatesPrevented)
	if err != nil {
		return st, fmt.Errorf("sqlitestore: count sessions: %w", err)
	}
	return st, nil
}
