package revocation

import (
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestSet(t *testing.T) (*Set, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return NewSet(client, nil), mr
}

func TestRevokeAndCheck(t *testing.T) {
	set, _ := newTestSet(t)
	ctx := t.Context()

	revoked, err := set.IsRevoked(ctx, "jti-1")
	require.NoError(t, err)
	assert.False(t, revoked)

	require.NoError(t, set.Revoke(ctx, "jti-1", 5*time.Minute))

	revoked, err = set.IsRevoked(ctx, "jti-1")
	require.NoError(t, err)
	assert.True(t, revoked)

	// Other tokens are unaffected.
	revoked, err = set.IsRevoked(ctx, "jti-2")
	require.NoError(t, err)
	assert.False(t, revoked)
}

func TestRevokeEntryExpiresWithToken(t *testing.T) {
	set, mr := newTestSet(t)
	ctx := t.Context()

	require.NoError(t, set.Revoke(ctx, "jti-1", 30*time.Second))

	mr.FastForward(31 * time.Second)

	revoked, err := set.IsRevoked(ctx, "jti-1")
	require.NoError(t, err)
	assert.False(t, revoked)
}

func TestRevokeClampsTinyTTL(t *testing.T) {
	set, mr := newTestSet(t)
	ctx := t.Context()

	require.NoError(t, set.Revoke(ctx, "jti-1", 10*time.Millisecond))

	ttl := mr.TTL("revoked:jti-1")
	assert.GreaterOrEqual(t, ttl, time.Second)
}

func TestRevokeRequiresJTI(t *testing.T) {
	set, _ := newTestSet(t)
	require.Error(t, set.Revoke(t.Context(), "", time.Minute))
}

func TestRevokeMany(t *testing.T) {
	set, _ := newTestSet(t)
	ctx := t.Context()

	jtis := []string{"fam-1", "fam-2", "fam-3"}
	require.NoError(t, set.RevokeMany(ctx, jtis, time.Minute))

	for _, jti := range jtis {
		revoked, err := set.IsRevoked(ctx, jti)
		require.NoError(t, err)
		assert.True(t, revoked)
	}
}
