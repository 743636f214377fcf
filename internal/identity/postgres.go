package identity

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"github.com/agent-iam/go-core/internal/apperror"
	"github.com/agent-iam/go-core/pkg/types"
)

const identityColumns = `id, tenant_id, kind, name, email, status, parent_identity_id,
	task_id, task_scope, expires_at, password_hash, metadata,
	created_at, updated_at, last_login_at`

// PostgresStore is the relational identity store.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore wraps an open handle.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// Create validates the identity, enforces parent tenant equality for
// agents, and inserts.
func (s *PostgresStore) Create(ctx context.Context, identity *types.Identity) (*types.Identity, error) {
	if err := identity.Validate(); err != nil {
		return nil, apperror.Validation("%v", err)
	}

	if identity.ID == "" {
		identity.ID = uuid.New().String()
	}
	now := time.Now().UTC()
	identity.CreatedAt = now
	identity.UpdatedAt = now
	if identity.Status == "" {
		identity.Status = types.StatusActive
	}

	if identity.ParentIdentityID != "" {
		parent, err := s.Get(ctx, identity.ParentIdentityID)
		if err != nil {
			return nil, err
		}
		if parent.TenantID != identity.TenantID {
			return nil, apperror.Validation("parent identity belongs to a different tenant")
		}
	}

	taskScope, err := marshalJSON(identity.TaskScope)
	if err != nil {
		return nil, apperror.Validation("invalid task_scope: %v", err)
	}
	metadata, err := marshalJSON(identity.Metadata)
	if err != nil {
		return nil, apperror.Validation("invalid metadata: %v", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO identities (`+identityColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)`,
		identity.ID, identity.TenantID, string(identity.Kind), identity.Name,
		nullString(identity.Email), string(identity.Status), nullString(identity.ParentIdentityID),
		nullString(identity.TaskID), taskScope, identity.ExpiresAt,
		nullString(identity.PasswordHash), metadata,
		identity.CreatedAt, identity.UpdatedAt, identity.LastLoginAt,
	)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == "23505" {
			return nil, apperror.Conflict("identity already exists")
		}
		return nil, apperror.Store(fmt.Errorf("failed to insert identity: %w", err))
	}
	return identity, nil
}

// Get fetches by id.
func (s *PostgresStore) Get(ctx context.Context, id string) (*types.Identity, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+identityColumns+` FROM identities WHERE id = $1`, id)
	identity, err := scanIdentity(row)
	if err == sql.ErrNoRows {
		return nil, apperror.NotFound("identity")
	}
	if err != nil {
		return nil, apperror.Store(fmt.Errorf("failed to load identity: %w", err))
	}
	return identity, nil
}

// GetByEmail fetches a tenant's identity by email, case-insensitively.
func (s *PostgresStore) GetByEmail(ctx context.Context, tenantID, email string) (*types.Identity, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+identityColumns+` FROM identities
		 WHERE tenant_id = $1 AND lower(email) = lower($2)`, tenantID, email)
	identity, err := scanIdentity(row)
	if err == sql.ErrNoRows {
		return nil, apperror.NotFound("identity")
	}
	if err != nil {
		return nil, apperror.Store(fmt.Errorf("failed to load identity by email: %w", err))
	}
	return identity, nil
}

// List returns a tenant-scoped page with optional kind/status/parent filters.
func (s *PostgresStore) List(ctx context.Context, filter types.IdentityFilter) ([]types.Identity, error) {
	if filter.TenantID == "" {
		return nil, apperror.Validation("tenant_id is required")
	}

	query := `SELECT ` + identityColumns + ` FROM identities WHERE tenant_id = $1`
	args := []interface{}{filter.TenantID}

	if filter.Kind != "" {
		args = append(args, string(filter.Kind))
		query += fmt.Sprintf(" AND kind = $%d", len(args))
	}
	if filter.Status != "" {
		args = append(args, string(filter.Status))
		query += fmt.Sprintf(" AND status = $%d", len(args))
	}
	if filter.ParentID != "" {
		args = append(args, filter.ParentID)
		query += fmt.Sprintf(" AND parent_identity_id = $%d", len(args))
	}

	args = append(args, clampLimit(filter.Limit))
	query += fmt.Sprintf(" ORDER BY created_at DESC LIMIT $%d", len(args))
	args = append(args, filter.Offset)
	query += fmt.Sprintf(" OFFSET $%d", len(args))

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, apperror.Store(fmt.Errorf("failed to list identities: %w", err))
	}
	defer rows.Close()

	var out []types.Identity
	for rows.Next() {
		identity, err := scanIdentity(rows)
		if err != nil {
			return nil, apperror.Store(fmt.Errorf("failed to scan identity: %w", err))
		}
		out = append(out, *identity)
	}
	return out, rows.Err()
}

// UpdateStatus transitions the lifecycle state.
func (s *PostgresStore) UpdateStatus(ctx context.Context, id string, status types.IdentityStatus) error {
	if !types.ValidStatus(status) {
		return apperror.Validation("invalid status %q", status)
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE identities SET status = $1, updated_at = now() WHERE id = $2`,
		string(status), id)
	if err != nil {
		return apperror.Store(fmt.Errorf("failed to update identity status: %w", err))
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return apperror.NotFound("identity")
	}
	return nil
}

// TouchLastLogin stamps last_login_at.
func (s *PostgresStore) TouchLastLogin(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE identities SET last_login_at = now(), updated_at = now() WHERE id = $1`, id)
	if err != nil {
		return apperror.Store(fmt.Errorf("failed to stamp last login: %w", err))
	}
	return nil
}

// DelegationChain walks parent links in one recursive query. The CTE depth
// guard bounds the walk; a result that hits the cap means the graph has a
// cycle, which the forest invariant forbids.
func (s *PostgresStore) DelegationChain(ctx context.Context, id string) ([]types.Identity, error) {
	rows, err := s.db.QueryContext(ctx, `
		WITH RECURSIVE chain AS (
			SELECT `+identityColumns+`, 0 AS depth
			FROM identities WHERE id = $1
			UNION ALL
			SELECT `+qualified("i", identityColumns)+`, c.depth + 1
			FROM identities i
			JOIN chain c ON i.id = c.parent_identity_id
			WHERE c.depth < $2
		)
		SELECT `+identityColumns+` FROM chain ORDER BY depth`,
		id, chainWalkCap)
	if err != nil {
		return nil, apperror.Store(fmt.Errorf("failed to walk delegation chain: %w", err))
	}
	defer rows.Close()

	var chain []types.Identity
	for rows.Next() {
		identity, err := scanIdentity(rows)
		if err != nil {
			return nil, apperror.Store(fmt.Errorf("failed to scan chain row: %w", err))
		}
		chain = append(chain, *identity)
	}
	if err := rows.Err(); err != nil {
		return nil, apperror.Store(err)
	}
	if len(chain) == 0 {
		return nil, apperror.NotFound("identity")
	}
	if len(chain) > chainWalkCap {
		return nil, apperror.Internal("delegation chain exceeds walk cap; graph may contain a cycle")
	}
	return chain, nil
}

// DelegationDepth counts hops to the root.
func (s *PostgresStore) DelegationDepth(ctx context.Context, id string) (int, error) {
	chain, err := s.DelegationChain(ctx, id)
	if err != nil {
		return 0, err
	}
	return len(chain) - 1, nil
}

// DeleteExpiredAgents sweeps agents whose expiry has passed.
func (s *PostgresStore) DeleteExpiredAgents(ctx context.Context) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE identities
		SET status = 'deleted', updated_at = now()
		WHERE kind = 'agent' AND status != 'deleted'
		  AND expires_at IS NOT NULL AND expires_at < now()`)
	if err != nil {
		return 0, apperror.Store(fmt.Errorf("failed to sweep expired agents: %w", err))
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, apperror.Store(err)
	}
	return n, nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanIdentity(row rowScanner) (*types.Identity, error) {
	var i types.Identity
	var email, parentID, taskID, passwordHash sql.NullString
	var taskScope, metadata []byte
	var expiresAt, lastLoginAt sql.NullTime

	if err := row.Scan(
		&i.ID, &i.TenantID, &i.Kind, &i.Name, &email, &i.Status, &parentID,
		&taskID, &taskScope, &expiresAt, &passwordHash, &metadata,
		&i.CreatedAt, &i.UpdatedAt, &lastLoginAt,
	); err != nil {
		return nil, err
	}

	i.Email = email.String
	i.ParentIdentityID = parentID.String
	i.TaskID = taskID.String
	i.PasswordHash = passwordHash.String
	if expiresAt.Valid {
		t := expiresAt.Time.UTC()
		i.ExpiresAt = &t
	}
	if lastLoginAt.Valid {
		t := lastLoginAt.Time.UTC()
		i.LastLoginAt = &t
	}
	if len(taskScope) > 0 {
		if err := json.Unmarshal(taskScope, &i.TaskScope); err != nil {
			return nil, fmt.Errorf("failed to decode task_scope: %w", err)
		}
	}
	if len(metadata) > 0 {
		if err := json.Unmarshal(metadata, &i.Metadata); err != nil {
			return nil, fmt.Errorf("failed to decode metadata: %w", err)
		}
	}
	return &i, nil
}

func marshalJSON(m map[string]interface{}) (interface{}, error) {
	if m == nil {
		return nil, nil
	}
	return json.Marshal(m)
}

func nullString(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}

// qualified prefixes each column in a comma-separated list with an alias.
func qualified(alias, columns string) string {
	cols := strings.Split(columns, ",")
	for i, col := range cols {
		cols[i] = alias + "." + strings.TrimSpace(col)
	}
	return strings.Join(cols, ", ")
}
