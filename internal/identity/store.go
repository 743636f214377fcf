// Package identity implements principal storage, the delegation-chain walk,
// and just-in-time agent provisioning.
package identity

import (
	"context"

	"github.com/agent-iam/go-core/pkg/types"
)

const (
	// chainWalkCap bounds the recursive walk independently of the
	// provisioning depth limit, as a safety net against corrupted graphs.
	chainWalkCap = 100

	// DefaultListLimit and MaxListLimit bound identity listings.
	DefaultListLimit = 100
	MaxListLimit     = 1000
)

// Store is the identity persistence contract. The relational store owns
// identities exclusively; DelegationChain must be a single round trip with
// an explicit depth guard, never an application-level loop of N queries.
type Store interface {
	// Create validates invariants (including parent tenant equality for
	// agents) and inserts the identity.
	Create(ctx context.Context, identity *types.Identity) (*types.Identity, error)

	// Get fetches by id.
	Get(ctx context.Context, id string) (*types.Identity, error)

	// GetByEmail fetches a tenant's identity by email.
	GetByEmail(ctx context.Context, tenantID, email string) (*types.Identity, error)

	// List returns a bounded, tenant-scoped page.
	List(ctx context.Context, filter types.IdentityFilter) ([]types.Identity, error)

	// UpdateStatus transitions the lifecycle state.
	UpdateStatus(ctx context.Context, id string, status types.IdentityStatus) error

	// TouchLastLogin stamps last_login_at with the current time.
	TouchLastLogin(ctx context.Context, id string) error

	// DelegationChain walks parent links from the identity to its root,
	// returning self first. A walk that reaches the cap reports a cycle.
	DelegationChain(ctx context.Context, id string) ([]types.Identity, error)

	// DelegationDepth is the number of hops to the root (0 for a root).
	DelegationDepth(ctx context.Context, id string) (int, error)

	// DeleteExpiredAgents marks agents past their expiry as deleted and
	// returns how many were swept.
	DeleteExpiredAgents(ctx context.Context) (int64, error)
}

func clampLimit(limit int) int {
	if limit <= 0 {
		return DefaultListLimit
	}
	if limit > MaxListLimit {
		return MaxListLimit
	}
	return limit
}
