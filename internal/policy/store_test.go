package policy

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agent-iam/go-core/internal/apperror"
	"github.com/agent-iam/go-core/pkg/types"
)

func TestUpsertVersionsAndRetires(t *testing.T) {
	store := NewMemoryStore()
	ctx := t.Context()

	v1, err := store.Upsert(ctx, "", "read-policy", "permit v1")
	require.NoError(t, err)
	assert.Equal(t, 1, v1.Version)
	assert.True(t, v1.IsActive)

	v2, err := store.Upsert(ctx, "", "read-policy", "permit v2")
	require.NoError(t, err)
	assert.Equal(t, 2, v2.Version)
	assert.True(t, v2.IsActive)

	// The prior version is retired but retained.
	old, err := store.Get(ctx, v1.ID)
	require.NoError(t, err)
	assert.False(t, old.IsActive)

	active, err := store.List(ctx, types.PolicyFilter{ActiveOnly: true})
	require.NoError(t, err)
	require.Len(t, active, 1)
	assert.Equal(t, v2.ID, active[0].ID)
}

func TestUpsertIsTenantScoped(t *testing.T) {
	store := NewMemoryStore()
	ctx := t.Context()

	global, err := store.Upsert(ctx, "", "shared-name", "global text")
	require.NoError(t, err)
	tenant, err := store.Upsert(ctx, "tenant-1", "shared-name", "tenant text")
	require.NoError(t, err)

	// Same name in different scopes: both stay active at version 1.
	assert.Equal(t, 1, global.Version)
	assert.Equal(t, 1, tenant.Version)

	got, err := store.Get(ctx, global.ID)
	require.NoError(t, err)
	assert.True(t, got.IsActive)
}

func TestListIncludesGlobalForTenant(t *testing.T) {
	store := NewMemoryStore()
	ctx := t.Context()

	_, err := store.Upsert(ctx, "", "global-policy", "text")
	require.NoError(t, err)
	_, err = store.Upsert(ctx, "tenant-1", "tenant-policy", "text")
	require.NoError(t, err)
	_, err = store.Upsert(ctx, "tenant-2", "other-policy", "text")
	require.NoError(t, err)

	out, err := store.List(ctx, types.PolicyFilter{TenantID: "tenant-1"})
	require.NoError(t, err)
	require.Len(t, out, 2)

	names := []string{out[0].Name, out[1].Name}
	assert.ElementsMatch(t, []string{"global-policy", "tenant-policy"}, names)
}

func TestCreateValidates(t *testing.T) {
	store := NewMemoryStore()

	_, err := store.Create(t.Context(), &types.Policy{Name: "no-text"})
	require.Error(t, err)
	assert.Equal(t, apperror.KindValidation, apperror.KindOf(err))

	created, err := store.Create(t.Context(), &types.Policy{
		Name: "ok", PolicyText: "permit", IsActive: true,
	})
	require.NoError(t, err)
	assert.Equal(t, 1, created.Version)

	// Duplicate (tenant, name, version) conflicts.
	_, err = store.Create(t.Context(), &types.Policy{
		Name: "ok", PolicyText: "permit again",
	})
	require.Error(t, err)
	assert.Equal(t, apperror.KindConflict, apperror.KindOf(err))
}

func TestGetMissingPolicy(t *testing.T) {
	store := NewMemoryStore()
	_, err := store.Get(t.Context(), "no-such-id")
	require.Error(t, err)
	assert.Equal(t, apperror.KindNotFound, apperror.KindOf(err))
}
