package policy

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"github.com/agent-iam/go-core/internal/apperror"
	"github.com/agent-iam/go-core/pkg/types"
)

const policyColumns = `id, tenant_id, name, policy_text, version, is_active, created_at, updated_at`

// PostgresStore is the relational policy store.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore wraps an open handle.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) Create(ctx context.Context, policy *types.Policy) (*types.Policy, error) {
	if policy.Version == 0 {
		policy.Version = 1
	}
	if err := policy.Validate(); err != nil {
		return nil, apperror.Validation("%v", err)
	}
	if policy.ID == "" {
		policy.ID = uuid.New().String()
	}
	now := time.Now().UTC()
	policy.CreatedAt = now
	policy.UpdatedAt = now

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO policies (`+policyColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		policy.ID, nullString(policy.TenantID), policy.Name, policy.PolicyText,
		policy.Version, policy.IsActive, policy.CreatedAt, policy.UpdatedAt,
	)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == "23505" {
			return nil, apperror.Conflict("policy already exists")
		}
		return nil, apperror.Store(fmt.Errorf("failed to insert policy: %w", err))
	}
	return policy, nil
}

func (s *PostgresStore) Get(ctx context.Context, id string) (*types.Policy, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+policyColumns+` FROM policies WHERE id = $1`, id)
	policy, err := scanPolicy(row)
	if err == sql.ErrNoRows {
		return nil, apperror.NotFound("policy")
	}
	if err != nil {
		return nil, apperror.Store(fmt.Errorf("failed to load policy: %w", err))
	}
	return policy, nil
}

func (s *PostgresStore) List(ctx context.Context, filter types.PolicyFilter) ([]types.Policy, error) {
	query := `SELECT ` + policyColumns + ` FROM policies WHERE true`
	args := []interface{}{}

	if filter.TenantID != "" {
		args = append(args, filter.TenantID)
		query += fmt.Sprintf(" AND (tenant_id = $%d OR tenant_id IS NULL)", len(args))
	}
	if filter.ActiveOnly {
		query += " AND is_active"
	}

	args = append(args, clampLimit(filter.Limit))
	query += fmt.Sprintf(" ORDER BY created_at LIMIT $%d", len(args))
	args = append(args, filter.Offset)
	query += fmt.Sprintf(" OFFSET $%d", len(args))

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, apperror.Store(fmt.Errorf("failed to list policies: %w", err))
	}
	defer rows.Close()

	var out []types.Policy
	for rows.Next() {
		policy, err := scanPolicy(rows)
		if err != nil {
			return nil, apperror.Store(fmt.Errorf("failed to scan policy: %w", err))
		}
		out = append(out, *policy)
	}
	return out, rows.Err()
}

// Upsert writes the next version inside one transaction: the prior active
// version is retired only if the insert succeeds.
func (s *PostgresStore) Upsert(ctx context.Context, tenantID, name, text string) (*types.Policy, error) {
	if name == "" || text == "" {
		return nil, apperror.Validation("name and policy_text are required")
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, apperror.Store(fmt.Errorf("failed to begin upsert: %w", err))
	}
	defer tx.Rollback()

	var version int
	err = tx.QueryRowContext(ctx, `
		SELECT coalesce(max(version), 0) + 1 FROM policies
		WHERE tenant_id IS NOT DISTINCT FROM $1 AND lower(name) = lower($2)`,
		nullString(tenantID), name).Scan(&version)
	if err != nil {
		return nil, apperror.Store(fmt.Errorf("failed to pick policy version: %w", err))
	}

	_, err = tx.ExecContext(ctx, `
		UPDATE policies SET is_active = false, updated_at = now()
		WHERE tenant_id IS NOT DISTINCT FROM $1 AND lower(name) = lower($2) AND is_active`,
		nullString(tenantID), name)
	if err != nil {
		return nil, apperror.Store(fmt.Errorf("failed to retire prior policy version: %w", err))
	}

	now := time.Now().UTC()
	policy := &types.Policy{
		ID:         uuid.New().String(),
		TenantID:   tenantID,
		Name:       name,
		PolicyText: text,
		Version:    version,
		IsActive:   true,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	_, err = tx.ExecContext(ctx, `
		INSERT INTO policies (`+policyColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		policy.ID, nullString(policy.TenantID), policy.Name, policy.PolicyText,
		policy.Version, policy.IsActive, policy.CreatedAt, policy.UpdatedAt,
	)
	if err != nil {
		return nil, apperror.Store(fmt.Errorf("failed to insert policy version: %w", err))
	}

	if err := tx.Commit(); err != nil {
		return nil, apperror.Store(fmt.Errorf("failed to commit upsert: %w", err))
	}
	return policy, nil
}

func (s *PostgresStore) SetActive(ctx context.Context, id string, active bool) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE policies SET is_active = $1, updated_at = now() WHERE id = $2`,
		active, id)
	if err != nil {
		return apperror.Store(fmt.Errorf("failed to update policy: %w", err))
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return apperror.NotFound("policy")
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanPolicy(row rowScanner) (*types.Policy, error) {
	var p types.Policy
	var tenantID sql.NullString
	if err := row.Scan(
		&p.ID, &tenantID, &p.Name, &p.PolicyText, &p.Version, &p.IsActive,
		&p.CreatedAt, &p.UpdatedAt,
	); err != nil {
		return nil, err
	}
	p.TenantID = tenantID.String
	return &p, nil
}

func nullString(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}
