package session

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agent-iam/go-core/internal/apperror"
	"github.com/agent-iam/go-core/pkg/types"
)

func seedSession(t *testing.T, store Store, mutate func(*types.Session)) *types.Session {
	t.Helper()
	session := &types.Session{
		IdentityID: "identity-1",
		TenantID:   "tenant-1",
		TokenID:    uuid.New().String(),
		TokenType:  types.TokenAccess,
		ExpiresAt:  time.Now().Add(15 * time.Minute),
	}
	if mutate != nil {
		mutate(session)
	}
	created, err := store.Create(t.Context(), session)
	require.NoError(t, err)
	return created
}

func TestCreateAndGet(t *testing.T) {
	store := NewMemoryStore()
	created := seedSession(t, store, nil)
	assert.NotEmpty(t, created.ID)

	got, err := store.GetByTokenID(t.Context(), created.TokenID)
	require.NoError(t, err)
	assert.Equal(t, created.ID, got.ID)
	assert.False(t, got.IsRevoked())
	assert.False(t, got.IsExpired())
}

func TestCreateRejectsDuplicateTokenID(t *testing.T) {
	store := NewMemoryStore()
	created := seedSession(t, store, nil)

	_, err := store.Create(t.Context(), &types.Session{
		IdentityID: "identity-2",
		TenantID:   "tenant-1",
		TokenID:    created.TokenID,
		TokenType:  types.TokenAccess,
		ExpiresAt:  time.Now().Add(time.Hour),
	})
	require.Error(t, err)
	assert.Equal(t, apperror.KindConflict, apperror.KindOf(err))
}

func TestCreateRequiresCoreFields(t *testing.T) {
	store := NewMemoryStore()
	_, err := store.Create(t.Context(), &types.Session{TokenID: "jti"})
	require.Error(t, err)
	assert.Equal(t, apperror.KindValidation, apperror.KindOf(err))
}

func TestRevokeStampsOnce(t *testing.T) {
	store := NewMemoryStore()
	created := seedSession(t, store, nil)

	first, err := store.Revoke(t.Context(), created.TokenID)
	require.NoError(t, err)
	require.NotNil(t, first.RevokedAt)

	time.Sleep(5 * time.Millisecond)
	second, err := store.Revoke(t.Context(), created.TokenID)
	require.NoError(t, err)
	assert.True(t, second.RevokedAt.Equal(*first.RevokedAt), "second revoke must not move the stamp")
}

func TestRevokeMissingSession(t *testing.T) {
	store := NewMemoryStore()
	_, err := store.Revoke(t.Context(), "no-such-jti")
	require.Error(t, err)
	assert.Equal(t, apperror.KindNotFound, apperror.KindOf(err))
}

func TestRevokeFamily(t *testing.T) {
	store := NewMemoryStore()
	family := uuid.New().String()

	a := seedSession(t, store, func(s *types.Session) {
		s.TokenType = types.TokenRefresh
		s.FamilyID = family
	})
	b := seedSession(t, store, func(s *types.Session) {
		s.TokenType = types.TokenRefresh
		s.FamilyID = family
	})
	// Different identity, same family id: untouched.
	other := seedSession(t, store, func(s *types.Session) {
		s.IdentityID = "identity-2"
		s.TokenType = types.TokenRefresh
		s.FamilyID = family
	})

	revoked, err := store.RevokeFamily(t.Context(), "identity-1", family)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{a.TokenID, b.TokenID}, revoked)

	got, err := store.GetByTokenID(t.Context(), other.TokenID)
	require.NoError(t, err)
	assert.False(t, got.IsRevoked())

	// Already-revoked rows are not revoked again.
	revoked, err = store.RevokeFamily(t.Context(), "identity-1", family)
	require.NoError(t, err)
	assert.Empty(t, revoked)
}

func TestTouchLastUsed(t *testing.T) {
	store := NewMemoryStore()
	created := seedSession(t, store, nil)

	require.NoError(t, store.TouchLastUsed(t.Context(), created.TokenID))
	got, err := store.GetByTokenID(t.Context(), created.TokenID)
	require.NoError(t, err)
	require.NotNil(t, got.LastUsedAt)

	err = store.TouchLastUsed(t.Context(), "no-such-jti")
	assert.Equal(t, apperror.KindNotFound, apperror.KindOf(err))
}

func TestCountActiveExcludesRevokedAndExpired(t *testing.T) {
	store := NewMemoryStore()

	seedSession(t, store, nil)
	revoked := seedSession(t, store, nil)
	seedSession(t, store, func(s *types.Session) {
		s.ExpiresAt = time.Now().Add(-time.Minute)
	})
	seedSession(t, store, func(s *types.Session) {
		s.TenantID = "tenant-2"
	})

	_, err := store.Revoke(t.Context(), revoked.TokenID)
	require.NoError(t, err)

	count, err := store.CountActive(t.Context(), "tenant-1")
	require.NoError(t, err)
	assert.Equal(t, 1, count)

	// Empty tenant counts across all tenants.
	count, err = store.CountActive(t.Context(), "")
	require.NoError(t, err)
	assert.Equal(t, 2, count)
}

func TestPurgeRespectsRetention(t *testing.T) {
	store := NewMemoryStore()

	old := seedSession(t, store, func(s *types.Session) {
		s.ExpiresAt = time.Now().Add(-48 * time.Hour)
	})
	recent := seedSession(t, store, func(s *types.Session) {
		s.ExpiresAt = time.Now().Add(-time.Hour)
	})

	purged, err := store.Purge(t.Context(), 24*time.Hour)
	require.NoError(t, err)
	assert.Equal(t, int64(1), purged)

	_, err = store.GetByTokenID(t.Context(), old.TokenID)
	assert.Equal(t, apperror.KindNotFound, apperror.KindOf(err))
	_, err = store.GetByTokenID(t.Context(), recent.TokenID)
	assert.NoError(t, err)
}
