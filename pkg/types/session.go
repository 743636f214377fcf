package types

import "time"

// TokenType identifies which token family a session row records.
type TokenType string

const (
	TokenAccess     TokenType = "access"
	TokenRefresh    TokenType = "refresh"
	TokenCapability TokenType = "capability"
)

// Session is the persistent record of one issued token. The token's jti is
// stored in TokenID and is globally unique; revoked rows are retained for
// audit until retention expiry.
type Session struct {
	ID         string                 `json:"id" db:"id"`
	IdentityID string                 `json:"identity_id" db:"identity_id"`
	TenantID   string                 `json:"tenant_id" db:"tenant_id"`
	TokenID    string                 `json:"token_id" db:"token_id"`
	TokenType  TokenType              `json:"token_type" db:"token_type"`
	FamilyID   string                 `json:"family_id,omitempty" db:"family_id"`
	ExpiresAt  time.Time              `json:"expires_at" db:"expires_at"`
	RevokedAt  *time.Time             `json:"revoked_at,omitempty" db:"revoked_at"`
	LastUsedAt *time.Time             `json:"last_used_at,omitempty" db:"last_used_at"`
	IPAddress  string                 `json:"ip_address,omitempty" db:"ip_address"`
	UserAgent  string                 `json:"user_agent,omitempty" db:"user_agent"`
	Metadata   map[string]interface{} `json:"metadata,omitempty" db:"metadata"`
	CreatedAt  time.Time              `json:"created_at" db:"created_at"`
}

// IsRevoked reports whether the session has been revoked.
func (s *Session) IsRevoked() bool {
	return s.RevokedAt != nil
}

// IsExpired reports whether the underlying token has passed its expiry.
func (s *Session) IsExpired() bool {
	return time.Now().After(s.ExpiresAt)
}
