package identity

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agent-iam/go-core/internal/apperror"
	"github.com/agent-iam/go-core/pkg/types"
)

func seedUser(t *testing.T, store Store, tenantID, email string) *types.Identity {
	t.Helper()
	user, err := store.Create(context.Background(), &types.Identity{
		TenantID: tenantID,
		Kind:     types.KindUser,
		Name:     "test user",
		Email:    email,
		Status:   types.StatusActive,
	})
	require.NoError(t, err)
	return user
}

func TestProvisionAgentHappyPath(t *testing.T) {
	store := NewMemoryStore()
	p := NewProvisioner(store, nil, nil)
	user := seedUser(t, store, "tenant-1", "alice@example.com")

	before := time.Now()
	result, err := p.ProvisionAgent(t.Context(), ProvisionRequest{
		TenantID:   "tenant-1",
		ParentID:   user.ID,
		TaskID:     "task-1",
		TaskScope:  map[string]interface{}{"dataset": "reports"},
		Name:       "report-agent",
		TTLSeconds: 300,
	})
	require.NoError(t, err)

	agent := result.Identity
	assert.Equal(t, types.KindAgent, agent.Kind)
	assert.Equal(t, user.ID, agent.ParentIdentityID)
	assert.Equal(t, 1, result.Depth)
	require.NotNil(t, agent.ExpiresAt)
	assert.WithinDuration(t, before.Add(300*time.Second), *agent.ExpiresAt, 2*time.Second)
}

func TestProvisionAgentDefaultTTL(t *testing.T) {
	store := NewMemoryStore()
	p := NewProvisioner(store, nil, nil)
	user := seedUser(t, store, "tenant-1", "alice@example.com")

	result, err := p.ProvisionAgent(t.Context(), ProvisionRequest{
		TenantID: "tenant-1",
		ParentID: user.ID,
		TaskID:   "task-1",
		Name:     "agent",
	})
	require.NoError(t, err)
	assert.WithinDuration(t, time.Now().Add(DefaultAgentTTLSeconds*time.Second), *result.Identity.ExpiresAt, 2*time.Second)
}

func TestProvisionAgentTTLBounds(t *testing.T) {
	store := NewMemoryStore()
	p := NewProvisioner(store, nil, nil)
	user := seedUser(t, store, "tenant-1", "alice@example.com")

	for _, ttl := range []int{59, 86_401, -5} {
		_, err := p.ProvisionAgent(t.Context(), ProvisionRequest{
			TenantID:   "tenant-1",
			ParentID:   user.ID,
			TaskID:     "task-1",
			Name:       "agent",
			TTLSeconds: ttl,
		})
		require.Error(t, err, "ttl %d must be rejected", ttl)
		assert.Equal(t, apperror.KindValidation, apperror.KindOf(err))
	}
}

func TestProvisionAgentClampsToParentExpiry(t *testing.T) {
	store := NewMemoryStore()
	p := NewProvisioner(store, nil, nil)
	user := seedUser(t, store, "tenant-1", "alice@example.com")

	// Parent agent that expires in 600 seconds.
	parentExpiry := time.Now().UTC().Add(600 * time.Second)
	parent, err := store.Create(t.Context(), &types.Identity{
		TenantID:         "tenant-1",
		Kind:             types.KindAgent,
		Name:             "parent-agent",
		Status:           types.StatusActive,
		ParentIdentityID: user.ID,
		TaskID:           "task-parent",
		ExpiresAt:        &parentExpiry,
	})
	require.NoError(t, err)

	// Asking for a longer TTL than the parent has left clamps to the parent.
	result, err := p.ProvisionAgent(t.Context(), ProvisionRequest{
		TenantID:   "tenant-1",
		ParentID:   parent.ID,
		TaskID:     "task-child",
		Name:       "child-agent",
		TTLSeconds: 3600,
	})
	require.NoError(t, err)
	assert.True(t, result.Identity.ExpiresAt.Equal(parentExpiry),
		"child expiry %v should clamp to parent expiry %v", result.Identity.ExpiresAt, parentExpiry)
	assert.Equal(t, 2, result.Depth)
}

func TestProvisionAgentDepthLimit(t *testing.T) {
	store := NewMemoryStore()
	p := NewProvisioner(store, nil, nil)
	user := seedUser(t, store, "tenant-1", "alice@example.com")

	parentID := user.ID
	for i := 0; i < types.MaxDelegationDepth; i++ {
		result, err := p.ProvisionAgent(t.Context(), ProvisionRequest{
			TenantID:   "tenant-1",
			ParentID:   parentID,
			TaskID:     "task",
			Name:       "agent",
			TTLSeconds: 3600,
		})
		require.NoError(t, err, "depth %d should provision", i+1)
		parentID = result.Identity.ID
	}

	_, err := p.ProvisionAgent(t.Context(), ProvisionRequest{
		TenantID:   "tenant-1",
		ParentID:   parentID,
		TaskID:     "task",
		Name:       "one too deep",
		TTLSeconds: 3600,
	})
	require.Error(t, err)
	assert.Equal(t, apperror.KindValidation, apperror.KindOf(err))
	assert.Contains(t, err.Error(), "delegation depth")
}

func TestProvisionAgentRejectsCrossTenantParent(t *testing.T) {
	store := NewMemoryStore()
	p := NewProvisioner(store, nil, nil)
	other := seedUser(t, store, "tenant-2", "bob@example.com")

	_, err := p.ProvisionAgent(t.Context(), ProvisionRequest{
		TenantID: "tenant-1",
		ParentID: other.ID,
		TaskID:   "task",
		Name:     "agent",
	})
	require.Error(t, err)
	assert.Equal(t, apperror.KindNotFound, apperror.KindOf(err))
}

func TestProvisionAgentRejectsInactiveParent(t *testing.T) {
	store := NewMemoryStore()
	p := NewProvisioner(store, nil, nil)
	user := seedUser(t, store, "tenant-1", "alice@example.com")
	require.NoError(t, store.UpdateStatus(t.Context(), user.ID, types.StatusSuspended))

	_, err := p.ProvisionAgent(t.Context(), ProvisionRequest{
		TenantID: "tenant-1",
		ParentID: user.ID,
		TaskID:   "task",
		Name:     "agent",
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not active")
}

func TestProvisionAgentMissingParent(t *testing.T) {
	store := NewMemoryStore()
	p := NewProvisioner(store, nil, nil)

	_, err := p.ProvisionAgent(t.Context(), ProvisionRequest{
		TenantID: "tenant-1",
		ParentID: "no-such-id",
		TaskID:   "task",
		Name:     "agent",
	})
	require.Error(t, err)
	assert.Equal(t, apperror.KindNotFound, apperror.KindOf(err))
}
