package session

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"github.com/agent-iam/go-core/internal/apperror"
	"github.com/agent-iam/go-core/pkg/types"
)

const sessionColumns = `id, identity_id, tenant_id, token_id, token_type, family_id,
	expires_at, revoked_at, last_used_at, ip_address, user_agent, metadata, created_at`

// PostgresStore is the relational session store.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore wraps an open handle.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) Create(ctx context.Context, session *types.Session) (*types.Session, error) {
	if session.TokenID == "" || session.IdentityID == "" || session.TenantID == "" {
		return nil, apperror.Validation("token_id, identity_id and tenant_id are required")
	}
	if session.ID == "" {
		session.ID = uuid.New().String()
	}
	session.CreatedAt = time.Now().UTC()

	metadata, err := marshalJSON(session.Metadata)
	if err != nil {
		return nil, apperror.Validation("invalid metadata: %v", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO sessions (`+sessionColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)`,
		session.ID, session.IdentityID, session.TenantID, session.TokenID,
		string(session.TokenType), nullString(session.FamilyID),
		session.ExpiresAt, session.RevokedAt, session.LastUsedAt,
		nullString(session.IPAddress), nullString(session.UserAgent),
		metadata, session.CreatedAt,
	)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == "23505" {
			return nil, apperror.Conflict("session already exists")
		}
		return nil, apperror.Store(fmt.Errorf("failed to insert session: %w", err))
	}
	return session, nil
}

func (s *PostgresStore) GetByTokenID(ctx context.Context, tokenID string) (*types.Session, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+sessionColumns+` FROM sessions WHERE token_id = $1`, tokenID)
	session, err := scanSession(row)
	if err == sql.ErrNoRows {
		return nil, apperror.NotFound("session")
	}
	if err != nil {
		return nil, apperror.Store(fmt.Errorf("failed to load session: %w", err))
	}
	return session, nil
}

// Revoke stamps revoked_at for an unrevoked row; the stamp is applied at
// most once even under concurrent revokes.
func (s *PostgresStore) Revoke(ctx context.Context, tokenID string) (*types.Session, error) {
	_, err := s.db.ExecContext(ctx,
		`UPDATE sessions SET revoked_at = now() WHERE token_id = $1 AND revoked_at IS NULL`,
		tokenID)
	if err != nil {
		return nil, apperror.Store(fmt.Errorf("failed to revoke session: %w", err))
	}
	return s.GetByTokenID(ctx, tokenID)
}

func (s *PostgresStore) RevokeFamily(ctx context.Context, identityID, familyID string) ([]string, error) {
	if familyID == "" {
		return nil, apperror.Validation("family_id is required")
	}
	rows, err := s.db.QueryContext(ctx, `
		UPDATE sessions SET revoked_at = now()
		WHERE identity_id = $1 AND family_id = $2 AND revoked_at IS NULL
		RETURNING token_id`,
		identityID, familyID)
	if err != nil {
		return nil, apperror.Store(fmt.Errorf("failed to revoke session family: %w", err))
	}
	defer rows.Close()

	var revoked []string
	for rows.Next() {
		var tokenID string
		if err := rows.Scan(&tokenID); err != nil {
			return nil, apperror.Store(err)
		}
		revoked = append(revoked, tokenID)
	}
	return revoked, rows.Err()
}

func (s *PostgresStore) TouchLastUsed(ctx context.Context, tokenID string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE sessions SET last_used_at = now() WHERE token_id = $1`, tokenID)
	if err != nil {
		return apperror.Store(fmt.Errorf("failed to stamp last use: %w", err))
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return apperror.NotFound("session")
	}
	return nil
}

func (s *PostgresStore) CountActive(ctx context.Context, tenantID string) (int, error) {
	query := `SELECT count(*) FROM sessions WHERE revoked_at IS NULL AND expires_at > now()`
	args := []interface{}{}
	if tenantID != "" {
		query += ` AND tenant_id = $1`
		args = append(args, tenantID)
	}

	var count int
	if err := s.db.QueryRowContext(ctx, query, args...).Scan(&count); err != nil {
		return 0, apperror.Store(fmt.Errorf("failed to count active sessions: %w", err))
	}
	return count, nil
}

func (s *PostgresStore) Purge(ctx context.Context, retention time.Duration) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM sessions WHERE expires_at < $1`,
		time.Now().Add(-retention))
	if err != nil {
		return 0, apperror.Store(fmt.Errorf("failed to purge sessions: %w", err))
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, apperror.Store(err)
	}
	return n, nil
}

func scanSession(row *sql.Row) (*types.Session, error) {
	var s types.Session
	var familyID, ipAddress, userAgent sql.NullString
	var revokedAt, lastUsedAt sql.NullTime
	var metadata []byte

	if err := row.Scan(
		&s.ID, &s.IdentityID, &s.TenantID, &s.TokenID, &s.TokenType, &familyID,
		&s.ExpiresAt, &revokedAt, &lastUsedAt, &ipAddress, &userAgent,
		&metadata, &s.CreatedAt,
	); err != nil {
		return nil, err
	}

	s.FamilyID = familyID.String
	s.IPAddress = ipAddress.String
	s.UserAgent = userAgent.String
	if revokedAt.Valid {
		t := revokedAt.Time.UTC()
		s.RevokedAt = &t
	}
	if lastUsedAt.Valid {
		t := lastUsedAt.Time.UTC()
		s.LastUsedAt = &t
	}
	if len(metadata) > 0 {
		if err := json.Unmarshal(metadata, &s.Metadata); err != nil {
			return nil, fmt.Errorf("failed to decode metadata: %w", err)
		}
	}
	return &s, nil
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
