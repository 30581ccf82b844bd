package ledger

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/castellan-io/castellan/pkg/contracts"

	_ "modernc.org/sqlite"
)

// SQLiteStore is the durable Store. Rows are keyed by the chain sequence so
// read-back preserves append order regardless of timestamp skew.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore prepares the schema on the given database handle.
func NewSQLiteStore(db *sql.DB) (*SQLiteStore, error) {
	s := &SQLiteStore{db: db}
	if err := s.migrate(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *SQLiteStore) migrate() error {
	query := `
	CREATE TABLE IF NOT EXISTS audit_records (
		seq INTEGER PRIMARY KEY,
		id TEXT NOT NULL UNIQUE,
		timestamp DATETIME NOT NULL,
		actor_id TEXT NOT NULL,
		action_type TEXT NOT NULL,
		resource_type TEXT NOT NULL,
		resource_id TEXT NOT NULL,
		prior_state TEXT,
		new_state TEXT,
		reason TEXT NOT NULL,
		integrity_digest TEXT NOT NULL,
		previous_digest TEXT NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_audit_actor_time ON audit_records (actor_id, timestamp);`
	_, err := s.db.ExecContext(context.Background(), query)
	return err
}

const recordColumns = `seq, id, timestamp, actor_id, action_type, resource_type, resource_id,
	prior_state, new_state, reason, integrity_digest, previous_digest`

func (s *SQLiteStore) Append(ctx context.Context, rec *contracts.AuditRecord) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO audit_records (`+recordColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.Sequence, rec.ID, rec.Timestamp.UTC(), rec.ActorID, string(rec.ActionType),
		rec.ResourceType, rec.ResourceID, nullableJSON(rec.PriorState), nullableJSON(rec.NewState),
		rec.Reason, rec.IntegrityDigest, rec.PreviousDigest)
	if err != nil {
		return fmt.Errorf("sqlite: insert record: %w", err)
	}
	return nil
}

func (s *SQLiteStore) Get(ctx context.Context, id string) (*contracts.AuditRecord, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+recordColumns+` FROM audit_records WHERE id = ?`, id)
	rec, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, contracts.ErrNotFound
	}
	return rec, err
}

func (s *SQLiteStore) Head(ctx context.Context) (*contracts.AuditRecord, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+recordColumns+` FROM audit_records ORDER BY seq DESC LIMIT 1`)
	rec, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return rec, err
}

func (s *SQLiteStore) Query(ctx context.Context, f Filter) ([]*contracts.AuditRecord, error) {
	var conds []string
	var args []any
	if f.ActorID != "" {
		conds = append(conds, "actor_id = ?")
		args = append(args, f.ActorID)
	}
	if f.ActionType != "" {
		conds = append(conds, "action_type = ?")
		args = append(args, string(f.ActionType))
	}
	if f.ResourceType != "" {
		conds = append(conds, "resource_type = ?")
		args = append(args, f.ResourceType)
	}
	if f.Since != nil {
		conds = append(conds, "timestamp >= ?")
		args = append(args, f.Since.UTC())
	}
	if f.Until != nil {
		conds = append(conds, "timestamp <= ?")
		args = append(args, f.Until.UTC())
	}

	query := `SELECT ` + recordColumns + ` FROM audit_records`
	if len(conds) > 0 {
		query += " WHERE " + strings.Join(conds, " AND ")
	}
	query += " ORDER BY seq DESC"
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("sqlite: query records: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []*contracts.AuditRecord
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) RemoveOlderThan(ctx context.Context, cutoff time.Time) ([]*contracts.AuditRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+recordColumns+` FROM audit_records WHERE timestamp < ? ORDER BY seq ASC`, cutoff.UTC())
	if err != nil {
		return nil, fmt.Errorf("sqlite: select expired records: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var removed []*contracts.AuditRecord
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		removed = append(removed, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	if _, err := s.db.ExecContext(ctx,
		`DELETE FROM audit_records WHERE timestamp < ?`, cutoff.UTC()); err != nil {
		return nil, fmt.Errorf("sqlite: delete expired records: %w", err)
	}
	return removed, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRecord(row rowScanner) (*contracts.AuditRecord, error) {
	var rec contracts.AuditRecord
	var actionType string
	var prior, next sql.NullString
	err := row.Scan(&rec.Sequence, &rec.ID, &rec.Timestamp, &rec.ActorID, &actionType,
		&rec.ResourceType, &rec.ResourceID, &prior, &next, &rec.Reason,
		&rec.IntegrityDigest, &rec.PreviousDigest)
	if err != nil {
		return nil, err
	}
	rec.ActionType = contracts.ActionType(actionType)
	if prior.Valid {
		rec.PriorState = []byte(prior.String)
	}
	if next.Valid {
		rec.NewState = []byte(next.String)
	}
	return &rec, nil
}

func nullableJSON(raw []byte) any {
	if len(raw) == 0 {
		return nil
	}
	return string(raw)
}
