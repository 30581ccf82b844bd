package approval

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	_ "github.com/lib/pq"

	"github.com/castellan-io/castellan/pkg/contracts"
)

// PostgresStore implements Store using PostgreSQL. The approval chain is
// stored as a JSONB column; the scalar columns exist for filtering.
type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// EnsureSchema creates the approval_requests table if missing.
func (s *PostgresStore) EnsureSchema(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS approval_requests (
			id TEXT PRIMARY KEY,
			project_id TEXT NOT NULL,
			requester_id TEXT NOT NULL,
			budget_amount BIGINT NOT NULL,
			approval_chain JSONB NOT NULL,
			current_approver_id TEXT NOT NULL,
			status TEXT NOT NULL,
			created_at TIMESTAMPTZ NOT NULL,
			deadline TIMESTAMPTZ NOT NULL,
			escalated_at TIMESTAMPTZ,
			completed_at TIMESTAMPTZ,
			starved_at TIMESTAMPTZ
		);
		CREATE INDEX IF NOT EXISTS idx_approval_requests_status
			ON approval_requests (status);
		CREATE INDEX IF NOT EXISTS idx_approval_requests_approver
			ON approval_requests (current_approver_id, status);
	`)
	if err != nil {
		return fmt.Errorf("ensure approval schema: %w", err)
	}
	return nil
}

const approvalColumns = `id, project_id, requester_id, budget_amount, approval_chain,
	current_approver_id, status, created_at, deadline, escalated_at, completed_at, starved_at`

func (s *PostgresStore) Create(ctx context.Context, req *contracts.ApprovalRequest) error {
	chain, err := json.Marshal(req.ApprovalChain)
	if err != nil {
		return fmt.Errorf("encode approval chain: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO approval_requests (`+approvalColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`,
		req.ID, req.ProjectID, req.RequesterID, req.BudgetAmount, chain,
		req.CurrentApproverID, string(req.Status), req.CreatedAt, req.Deadline,
		req.EscalatedAt, req.CompletedAt, req.StarvedAt)
	if err != nil {
		if strings.Contains(err.Error(), "duplicate key") {
			return fmt.Errorf("request %s already exists: %w", req.ID, contracts.ErrInvalidState)
		}
		return fmt.Errorf("insert approval request: %w", err)
	}
	return nil
}

func (s *PostgresStore) Get(ctx context.Context, id string) (*contracts.ApprovalRequest, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+approvalColumns+` FROM approval_requests WHERE id = $1`, id)
	req, err := scanRequest(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("approval request %s: %w", id, contracts.ErrNotFound)
	}
	return req, err
}

func (s *PostgresStore) Update(ctx context.Context, req *contracts.ApprovalRequest) error {
	chain, err := json.Marshal(req.ApprovalChain)
	if err != nil {
		return fmt.Errorf("encode approval chain: %w", err)
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE approval_requests SET
			approval_chain = $2,
			current_approver_id = $3,
			status = $4,
			escalated_at = $5,
			completed_at = $6,
			starved_at = $7
		WHERE id = $1`,
		req.ID, chain, req.CurrentApproverID, string(req.Status),
		req.EscalatedAt, req.CompletedAt, req.StarvedAt)
	if err != nil {
		return fmt.Errorf("update approval request: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update approval request: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("approval request %s: %w", req.ID, contracts.ErrNotFound)
	}
	return nil
}

func (s *PostgresStore) ListOpen(ctx context.Context) ([]*contracts.ApprovalRequest, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+approvalColumns+` FROM approval_requests
		WHERE status NOT IN ('approved', 'rejected')
		ORDER BY created_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("list open requests: %w", err)
	}
	defer rows.Close()
	return collectRequests(rows)
}

func (s *PostgresStore) ListByApprover(ctx context.Context, approverID string) ([]*contracts.ApprovalRequest, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+approvalColumns+` FROM approval_requests
		WHERE current_approver_id = $1 AND status NOT IN ('approved', 'rejected')
		ORDER BY created_at DESC`, approverID)
	if err != nil {
		return nil, fmt.Errorf("list requests by approver: %w", err)
	}
	defer rows.Close()
	return collectRequests(rows)
}

func (s *PostgresStore) List(ctx context.Context, f HistoryFilter) ([]*contracts.ApprovalRequest, error) {
	query := `SELECT ` + approvalColumns + ` FROM approval_requests WHERE 1=1`
	var args []any
	arg := func(v any) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}
	if f.ProjectID != "" {
		query += " AND project_id = " + arg(f.ProjectID)
	}
	if f.RequesterID != "" {
		query += " AND requester_id = " + arg(f.RequesterID)
	}
	if f.Status != "" {
		query += " AND status = " + arg(string(f.Status))
	}
	query += " ORDER BY created_at DESC"
	if f.Limit > 0 {
		query += " LIMIT " + arg(f.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list approval requests: %w", err)
	}
	defer rows.Close()
	return collectRequests(rows)
}

type requestScanner interface {
	Scan(dest ...any) error
}

func scanRequest(row requestScanner) (*contracts.ApprovalRequest, error) {
	var req contracts.ApprovalRequest
	var chain []byte
	var status string
	err := row.Scan(&req.ID, &req.ProjectID, &req.RequesterID, &req.BudgetAmount,
		&chain, &req.CurrentApproverID, &status, &req.CreatedAt, &req.Deadline,
		&req.EscalatedAt, &req.CompletedAt, &req.StarvedAt)
	if err != nil {
		return nil, err
	}
	req.Status = contracts.ApprovalStatus(status)
	if err := json.Unmarshal(chain, &req.ApprovalChain); err != nil {
		return nil, fmt.Errorf("decode approval chain: %w", err)
	}
	return &req, nil
}

func collectRequests(rows *sql.Rows) ([]*contracts.ApprovalRequest, error) {
	var out []*contracts.ApprovalRequest
	for rows.Next() {
		req, err := scanRequest(rows)
		if err != nil {
			return nil, fmt.Errorf("scan approval request: %w", err)
		}
		out = append(out, req)
	}
	return out, rows.Err()
}
