package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/veloxtrade/riskcore/internal/audit"
)

// AuditStore persists hash-chained audit entries. Rows are insert-only; the
// chain invariant forbids updates.
type AuditStore struct {
	pool *pgxpool.Pool
}

// NewAuditStore constructs an AuditStore backed by the provided pool.
func NewAuditStore(pool *pgxpool.Pool) *AuditStore {
	return &AuditStore{pool: pool}
}

const (
	auditInsertSQL = `
INSERT INTO audit_entries (seq, kind, payload, prev_hash, hash, at)
VALUES (@seq, @kind, @payload, @prev_hash, @hash, @at);
`

	auditSelectSQL = `
SELECT seq, kind, payload, prev_hash, hash, at
FROM audit_entries
WHERE seq >= @from_seq
ORDER BY seq ASC;
`

	auditLastSQL = `
SELECT seq, kind, payload, prev_hash, hash, at
FROM audit_entries
ORDER BY seq DESC
LIMIT 1;
`
)

// Append inserts one audit entry. A duplicate sequence number fails on the
// primary key, which is exactly the conflict the chain writer must see.
func (s *AuditStore) Append(ctx context.Context, entry audit.Entry) error {
	args := pgx.NamedArgs{
		"seq":       int64(entry.Seq),
		"kind":      string(entry.Kind),
		"payload":   entry.Payload,
		"prev_hash": entry.PrevHash,
		"hash":      entry.Hash,
		"at":        entry.At,
	}
	if _, err := s.pool.Exec(ctx, auditInsertSQL, args); err != nil {
		return fmt.Errorf("audit store: insert entry: %w", err)
	}
	return nil
}

// Entries returns all entries with sequence >= fromSeq in chain order.
func (s *AuditStore) Entries(ctx context.Context, fromSeq uint64) ([]audit.Entry, error) {
	rows, err := s.pool.Query(ctx, auditSelectSQL, pgx.NamedArgs{"from_seq": int64(fromSeq)})
	if err != nil {
		return nil, fmt.Errorf("audit store: select entries: %w", err)
	}
	defer rows.Close()

	var entries []audit.Entry
	for rows.Next() {
		entry, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		entries = append(entries, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("audit store: iterate entries: %w", err)
	}
	return entries, nil
}

// Last returns the highest-sequence entry, if any.
func (s *AuditStore) Last(ctx context.Context) (audit.Entry, bool, error) {
	row := s.pool.QueryRow(ctx, auditLastSQL)
	entry, err := scanEntry(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return audit.Entry{}, false, nil
		}
		return audit.Entry{}, false, err
	}
	return entry, true, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanEntry(row rowScanner) (audit.Entry, error) {
	var (
		seq  int64
		kind string
		e    audit.Entry
	)
	if err := row.Scan(&seq, &kind, &e.Payload, &e.PrevHash, &e.Hash, &e.At); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return audit.Entry{}, err
		}
		return audit.Entry{}, fmt.Errorf("audit store: scan entry: %w", err)
	}
	e.Seq = uint64(seq)
	e.Kind = audit.Kind(kind)
	return e, nil
}
