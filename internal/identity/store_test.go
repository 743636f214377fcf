package identity

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agent-iam/go-core/internal/apperror"
	"github.com/agent-iam/go-core/pkg/types"
)

func TestCreateValidatesInvariants(t *testing.T) {
	store := NewMemoryStore()
	ctx := t.Context()

	tests := []struct {
		name     string
		identity types.Identity
	}{
		{"user without email", types.Identity{TenantID: "t1", Kind: types.KindUser, Name: "u", Status: types.StatusActive}},
		{"user with bad email", types.Identity{TenantID: "t1", Kind: types.KindUser, Name: "u", Email: "not-an-email", Status: types.StatusActive}},
		{"agent without parent", types.Identity{TenantID: "t1", Kind: types.KindAgent, Name: "a", Status: types.StatusActive}},
		{"missing tenant", types.Identity{Kind: types.KindService, Name: "s", Status: types.StatusActive}},
		{"missing name", types.Identity{TenantID: "t1", Kind: types.KindService, Status: types.StatusActive}},
		{"bogus kind", types.Identity{TenantID: "t1", Kind: "robot", Name: "r", Status: types.StatusActive}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			identity := tt.identity
			_, err := store.Create(ctx, &identity)
			require.Error(t, err)
			assert.Equal(t, apperror.KindValidation, apperror.KindOf(err))
		})
	}
}

func TestCreateDuplicateEmailConflicts(t *testing.T) {
	store := NewMemoryStore()
	seedUser(t, store, "tenant-1", "alice@example.com")

	_, err := store.Create(t.Context(), &types.Identity{
		TenantID: "tenant-1",
		Kind:     types.KindUser,
		Name:     "other alice",
		Email:    "Alice@Example.com",
		Status:   types.StatusActive,
	})
	require.Error(t, err)
	assert.Equal(t, apperror.KindConflict, apperror.KindOf(err))

	// Same email in another tenant is fine.
	_, err = store.Create(t.Context(), &types.Identity{
		TenantID: "tenant-2",
		Kind:     types.KindUser,
		Name:     "alice elsewhere",
		Email:    "alice@example.com",
		Status:   types.StatusActive,
	})
	require.NoError(t, err)
}

func TestGetByEmailCaseInsensitive(t *testing.T) {
	store := NewMemoryStore()
	user := seedUser(t, store, "tenant-1", "alice@example.com")

	found, err := store.GetByEmail(t.Context(), "tenant-1", "ALICE@example.com")
	require.NoError(t, err)
	assert.Equal(t, user.ID, found.ID)

	_, err = store.GetByEmail(t.Context(), "tenant-2", "alice@example.com")
	require.Error(t, err)
	assert.Equal(t, apperror.KindNotFound, apperror.KindOf(err))
}

func TestListIsTenantScopedAndBounded(t *testing.T) {
	store := NewMemoryStore()
	ctx := t.Context()

	for i := 0; i < 5; i++ {
		seedUser(t, store, "tenant-1", fmt.Sprintf("user%d@example.com", i))
	}
	seedUser(t, store, "tenant-2", "other@example.com")

	out, err := store.List(ctx, types.IdentityFilter{TenantID: "tenant-1"})
	require.NoError(t, err)
	assert.Len(t, out, 5)

	out, err = store.List(ctx, types.IdentityFilter{TenantID: "tenant-1", Limit: 2})
	require.NoError(t, err)
	assert.Len(t, out, 2)

	_, err = store.List(ctx, types.IdentityFilter{})
	require.Error(t, err)
}

func TestListClampsLimit(t *testing.T) {
	assert.Equal(t, DefaultListLimit, clampLimit(0))
	assert.Equal(t, DefaultListLimit, clampLimit(-1))
	assert.Equal(t, 50, clampLimit(50))
	assert.Equal(t, MaxListLimit, clampLimit(5000))
}

func TestDelegationChainOrderAndDepth(t *testing.T) {
	store := NewMemoryStore()
	p := NewProvisioner(store, nil, nil)
	ctx := t.Context()
	user := seedUser(t, store, "tenant-1", "alice@example.com")

	first, err := p.ProvisionAgent(ctx, ProvisionRequest{
		TenantID: "tenant-1", ParentID: user.ID, TaskID: "t1", Name: "first", TTLSeconds: 3600,
	})
	require.NoError(t, err)
	second, err := p.ProvisionAgent(ctx, ProvisionRequest{
		TenantID: "tenant-1", ParentID: first.Identity.ID, TaskID: "t2", Name: "second", TTLSeconds: 3600,
	})
	require.NoError(t, err)

	// The store walk runs self to root.
	chain, err := store.DelegationChain(ctx, second.Identity.ID)
	require.NoError(t, err)
	require.Len(t, chain, 3)
	assert.Equal(t, second.Identity.ID, chain[0].ID)
	assert.Equal(t, first.Identity.ID, chain[1].ID)
	assert.Equal(t, user.ID, chain[2].ID)

	depth, err := store.DelegationDepth(ctx, second.Identity.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, depth)

	depth, err = store.DelegationDepth(ctx, user.ID)
	require.NoError(t, err)
	assert.Equal(t, 0, depth)
}

func TestDelegationChainMissingIdentity(t *testing.T) {
	store := NewMemoryStore()
	_, err := store.DelegationChain(t.Context(), "no-such-id")
	require.Error(t, err)
	assert.Equal(t, apperror.KindNotFound, apperror.KindOf(err))
}

func TestDeleteExpiredAgents(t *testing.T) {
	store := NewMemoryStore()
	ctx := t.Context()
	user := seedUser(t, store, "tenant-1", "alice@example.com")

	past := time.Now().Add(-time.Minute)
	future := time.Now().Add(time.Hour)

	expired, err := store.Create(ctx, &types.Identity{
		TenantID: "tenant-1", Kind: types.KindAgent, Name: "expired",
		Status: types.StatusActive, ParentIdentityID: user.ID, ExpiresAt: &past,
	})
	require.NoError(t, err)
	alive, err := store.Create(ctx, &types.Identity{
		TenantID: "tenant-1", Kind: types.KindAgent, Name: "alive",
		Status: types.StatusActive, ParentIdentityID: user.ID, ExpiresAt: &future,
	})
	require.NoError(t, err)

	swept, err := store.DeleteExpiredAgents(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), swept)

	got, err := store.Get(ctx, expired.ID)
	require.NoError(t, err)
	assert.Equal(t, types.StatusDeleted, got.Status)

	got, err = store.Get(ctx, alive.ID)
	require.NoError(t, err)
	assert.Equal(t, types.StatusActive, got.Status)

	// Idempotent: a second sweep finds nothing.
	swept, err = store.DeleteExpiredAgents(ctx)
	require.NoError(t, err)
	assert.Zero(t, swept)
}
