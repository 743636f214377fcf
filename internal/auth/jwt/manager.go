// Package jwt issues and validates the symmetric token pair used by users
// and services: short-lived access tokens and rotating refresh tokens.
package jwt

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/agent-iam/go-core/internal/apperror"
	"github.com/agent-iam/go-core/pkg/types"
)

const (
	// Issuer and Audience are fixed claim values for this service.
	Issuer   = "agent-iam"
	Audience = "agent-iam-api"

	// MinSecretLength rejects weak HS256 secrets at startup.
	MinSecretLength = 32

	defaultAccessTTL  = 15 * time.Minute
	defaultRefreshTTL = 7 * 24 * time.Hour
)

// AccessClaims is the access-token claim shape.
type AccessClaims struct {
	TenantID string             `json:"tenant_id"`
	Kind     types.IdentityKind `json:"kind"`
	jwt.RegisteredClaims
}

// RefreshClaims is the refresh-token claim shape. FamilyID is stable across
// a refresh chain so a stolen-and-replayed token can be traced to its line.
type RefreshClaims struct {
	TenantID string `json:"tenant_id"`
	FamilyID string `json:"family_id"`
	jwt.RegisteredClaims
}

// Minted is one issued token plus the bookkeeping the session store needs.
type Minted struct {
	Token     string
	JTI       string
	ExpiresAt time.Time
	// FamilyID is set for refresh tokens only.
	FamilyID string
}

// Config tunes the manager. Zero TTLs take defaults.
type Config struct {
	Secret     []byte
	AccessTTL  time.Duration
	RefreshTTL time.Duration
}

// Manager mints and validates HS256 tokens.
type Manager struct {
	secret     []byte
	accessTTL  time.Duration
	refreshTTL time.Duration
}

// NewManager validates the secret and builds the manager. A secret under 32
// bytes is a configuration error and fails startup.
func NewManager(cfg Config) (*Manager, error) {
	if len(cfg.Secret) < MinSecretLength {
		return nil, fmt.Errorf("jwt secret must be at least %d bytes, got %d", MinSecretLength, len(cfg.Secret))
	}
	if cfg.AccessTTL <= 0 {
		cfg.AccessTTL = defaultAccessTTL
	}
	if cfg.RefreshTTL <= 0 {
		cfg.RefreshTTL = defaultRefreshTTL
	}
	return &Manager{
		secret:     cfg.Secret,
		accessTTL:  cfg.AccessTTL,
		refreshTTL: cfg.RefreshTTL,
	}, nil
}

// AccessTTL exposes the configured access lifetime for expires_in responses.
func (m *Manager) AccessTTL() time.Duration { return m.accessTTL }

// MintAccess issues an access token for the identity.
func (m *Manager) MintAccess(identityID, tenantID string, kind types.IdentityKind) (Minted, error) {
	now := time.Now()
	jti := uuid.New().String()
	expiresAt := now.Add(m.accessTTL)

	claims := AccessClaims{
		TenantID: tenantID,
		Kind:     kind,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   identityID,
			Issuer:    Issuer,
			Audience:  jwt.ClaimStrings{Audience},
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(expiresAt),
			ID:        jti,
		},
	}

	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(m.secret)
	if err != nil {
		return Minted{}, fmt.Errorf("failed to sign access token: %w", err)
	}
	return Minted{Token: token, JTI: jti, ExpiresAt: expiresAt}, nil
}

// MintRefresh issues a refresh token. An empty familyID starts a new refresh
// family; a non-empty one continues an existing chain across rotations.
func (m *Manager) MintRefresh(identityID, tenantID, familyID string) (Minted, error) {
	now := time.Now()
	jti := uuid.New().String()
	expiresAt := now.Add(m.refreshTTL)
	if familyID == "" {
		familyID = uuid.New().String()
	}

	claims := RefreshClaims{
		TenantID: tenantID,
		FamilyID: familyID,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   identityID,
			Issuer:    Issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(expiresAt),
			ID:        jti,
		},
	}

	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(m.secret)
	if err != nil {
		return Minted{}, fmt.Errorf("failed to sign refresh token: %w", err)
	}
	return Minted{Token: token, JTI: jti, ExpiresAt: expiresAt, FamilyID: familyID}, nil
}

// ValidateAccess verifies signature, issuer, audience, and expiry.
func (m *Manager) ValidateAccess(token string) (*AccessClaims, error) {
	claims := &AccessClaims{}
	parsed, err := jwt.ParseWithClaims(token, claims, m.keyFunc,
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(Issuer),
		jwt.WithAudience(Audience),
		jwt.WithExpirationRequired(),
	)
	if err != nil {
		return nil, translateError(err)
	}
	if !parsed.Valid {
		return nil, apperror.TokenInvalid("")
	}
	return claims, nil
}

// ValidateRefresh verifies signature, issuer, and expiry.
func (m *Manager) ValidateRefresh(token string) (*RefreshClaims, error) {
	claims := &RefreshClaims{}
	parsed, err := jwt.ParseWithClaims(token, claims, m.keyFunc,
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(Issuer),
		jwt.WithExpirationRequired(),
	)
	if err != nil {
		return nil, translateError(err)
	}
	if !parsed.Valid {
		return nil, apperror.TokenInvalid("")
	}
	if claims.FamilyID == "" {
		return nil, apperror.TokenInvalid("refresh token missing family")
	}
	return claims, nil
}

// ExtractJTI decodes the token structurally, without verifying the
// signature. Revocation bookkeeping uses it to key the revocation set even
// for tokens that no longer validate.
func ExtractJTI(token string) (string, error) {
	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, claims); err != nil {
		return "", apperror.TokenInvalid("")
	}
	jti, _ := claims["jti"].(string)
	if jti == "" {
		return "", apperror.TokenInvalid("token has no jti")
	}
	return jti, nil
}

func (m *Manager) keyFunc(token *jwt.Token) (interface{}, error) {
	if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
		return nil, fmt.Errorf("unexpected signing method %v", token.Header["alg"])
	}
	return m.secret, nil
}

func translateError(err error) error {
	if errors.Is(err, jwt.ErrTokenExpired) {
		return apperror.TokenExpired()
	}
	return apperror.TokenInvalid("")
}
