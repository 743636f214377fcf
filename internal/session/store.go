// Package session persists the record of every issued token, linking a
// token id to the identity it was minted for.
package session

import (
	"context"
	"time"

	"github.com/agent-iam/go-core/pkg/types"
)

// Store is the session persistence contract. Revoked rows are retained for
// audit; Purge removes only rows past the retention horizon.
type Store interface {
	// Create inserts one session row. token_id is globally unique.
	Create(ctx context.Context, session *types.Session) (*types.Session, error)

	// GetByTokenID fetches the session recording a token id.
	GetByTokenID(ctx context.Context, tokenID string) (*types.Session, error)

	// Revoke stamps revoked_at for an unrevoked row, returning the session
	// as revoked. Revoking twice is not an error; the first stamp wins.
	Revoke(ctx context.Context, tokenID string) (*types.Session, error)

	// RevokeFamily revokes every unrevoked refresh session in a family and
	// returns the affected token ids.
	RevokeFamily(ctx context.Context, identityID, familyID string) ([]string, error)

	// TouchLastUsed stamps last_used_at.
	TouchLastUsed(ctx context.Context, tokenID string) error

	// CountActive counts sessions that are neither revoked nor expired.
	CountActive(ctx context.Context, tenantID string) (int, error)

	// Purge deletes rows whose expiry predates the retention horizon.
	Purge(ctx context.Context, retention time.Duration) (int64, error)
}
