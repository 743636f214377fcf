package policy

import (
	"fmt"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agent-iam/go-core/internal/apperror"
	"github.com/agent-iam/go-core/pkg/types"
)

// fakeBackend treats policy text of the form "allow <action>" as a permit
// for that action. Parsing fails for text containing "bogus".
type fakeBackend struct{}

type fakeSet struct {
	policies map[string]string
}

func (b *fakeBackend) Parse(id, text string) (Compiled, error) {
	if strings.Contains(text, "bogus") {
		return nil, fmt.Errorf("policy %s: parse error", id)
	}
	return text, nil
}

func (b *fakeBackend) EmptySet() Set {
	return &fakeSet{policies: make(map[string]string)}
}

func (b *fakeBackend) SetAdd(set Set, id string, policy Compiled) {
	set.(*fakeSet).policies[id] = policy.(string)
}

func (b *fakeBackend) SetRemove(set Set, id string) {
	delete(set.(*fakeSet).policies, id)
}

func (b *fakeBackend) Evaluate(set Set, req Request) Evaluation {
	for id, text := range set.(*fakeSet).policies {
		if text == "allow "+req.Action.ID {
			return Evaluation{Decision: types.DecisionAllow, MatchedPolicyIDs: []string{id}}
		}
	}
	return Evaluation{Decision: types.DecisionDeny}
}

func fakeEngine(t *testing.T) *Engine {
	t.Helper()
	return NewEngine(&fakeBackend{}, nil)
}

func TestAuthorizeAgainstWorkingSet(t *testing.T) {
	engine := fakeEngine(t)
	require.NoError(t, engine.Add("p-read", "allow read"))

	result := engine.Authorize(types.AuthzRequest{
		Principal: `User::"alice"`,
		Action:    "read",
		Resource:  `File::"f1"`,
	})
	assert.True(t, result.Allowed)
	assert.Equal(t, types.DecisionAllow, result.Decision)
	assert.Equal(t, []string{"p-read"}, result.Reasons)
	assert.Empty(t, result.Errors)

	result = engine.Authorize(types.AuthzRequest{
		Principal: `User::"alice"`,
		Action:    "write",
		Resource:  `File::"f1"`,
	})
	assert.False(t, result.Allowed)
	assert.Equal(t, types.DecisionDeny, result.Decision)
}

func TestAuthorizeMalformedEntityDeniesWithError(t *testing.T) {
	engine := fakeEngine(t)
	require.NoError(t, engine.Add("p-read", "allow read"))

	tests := []struct {
		name string
		req  types.AuthzRequest
	}{
		{"bad principal", types.AuthzRequest{Principal: "alice", Action: "read", Resource: `File::"f1"`}},
		{"bad resource", types.AuthzRequest{Principal: `User::"alice"`, Action: "read", Resource: "f1"}},
		{"empty action", types.AuthzRequest{Principal: `User::"alice"`, Resource: `File::"f1"`}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result := engine.Authorize(tt.req)
			assert.False(t, result.Allowed)
			assert.NotEmpty(t, result.Errors)
		})
	}
}

func TestAddRejectsUnparseablePolicy(t *testing.T) {
	engine := fakeEngine(t)
	err := engine.Add("p1", "bogus text")
	require.Error(t, err)
	assert.Equal(t, apperror.KindValidation, apperror.KindOf(err))
	assert.Zero(t, engine.Count())
}

func TestRemoveDropsPolicy(t *testing.T) {
	engine := fakeEngine(t)
	require.NoError(t, engine.Add("p-read", "allow read"))

	engine.Remove("p-read")
	assert.Zero(t, engine.Count())

	result := engine.Authorize(types.AuthzRequest{
		Principal: `User::"alice"`, Action: "read", Resource: `File::"f1"`,
	})
	assert.False(t, result.Allowed)
}

func TestReloadReplacesWorkingSet(t *testing.T) {
	engine := fakeEngine(t)
	store := NewMemoryStore()
	ctx := t.Context()

	_, err := store.Upsert(ctx, "", "read-policy", "allow read")
	require.NoError(t, err)

	count, err := engine.Reload(ctx, store)
	require.NoError(t, err)
	assert.Equal(t, 1, count)
	assert.Equal(t, 1, engine.Count())

	// A new version replaces the old in the store; reload follows suit.
	_, err = store.Upsert(ctx, "", "read-policy", "allow write")
	require.NoError(t, err)
	count, err = engine.Reload(ctx, store)
	require.NoError(t, err)
	assert.Equal(t, 1, count)

	result := engine.Authorize(types.AuthzRequest{
		Principal: `User::"alice"`, Action: "read", Resource: `File::"f1"`,
	})
	assert.False(t, result.Allowed)
	result = engine.Authorize(types.AuthzRequest{
		Principal: `User::"alice"`, Action: "write", Resource: `File::"f1"`,
	})
	assert.True(t, result.Allowed)
}

func TestReloadFailureLeavesWorkingSetUntouched(t *testing.T) {
	engine := fakeEngine(t)
	store := NewMemoryStore()
	ctx := t.Context()

	_, err := store.Upsert(ctx, "", "read-policy", "allow read")
	require.NoError(t, err)
	_, err = engine.Reload(ctx, store)
	require.NoError(t, err)

	// Poison the store; the reload must fail whole and keep serving the
	// previous set.
	_, err = store.Upsert(ctx, "", "broken", "bogus text")
	require.NoError(t, err)

	_, err = engine.Reload(ctx, store)
	require.Error(t, err)
	assert.Equal(t, apperror.KindValidation, apperror.KindOf(err))

	result := engine.Authorize(types.AuthzRequest{
		Principal: `User::"alice"`, Action: "read", Resource: `File::"f1"`,
	})
	assert.True(t, result.Allowed, "pre-reload set must survive a failed reload")
}

func TestAuthorizeBulkNeverShortCircuits(t *testing.T) {
	engine := fakeEngine(t)
	require.NoError(t, engine.Add("p-read", "allow read"))

	reqs := []types.AuthzRequest{
		{Principal: `User::"alice"`, Action: "read", Resource: `File::"f1"`},
		{Principal: "malformed", Action: "read", Resource: `File::"f1"`},
		{Principal: `User::"bob"`, Action: "write", Resource: `File::"f2"`},
		{Principal: `User::"carol"`, Action: "read", Resource: `File::"f3"`},
	}

	out, err := engine.AuthorizeBulk(t.Context(), reqs)
	require.NoError(t, err)
	require.Len(t, out.Results, 4)
	assert.Equal(t, 4, out.Total)
	assert.Equal(t, 2, out.AllowedCount)
	assert.Equal(t, 2, out.DeniedCount)

	assert.True(t, out.Results[0].Allowed)
	assert.False(t, out.Results[1].Allowed)
	assert.NotEmpty(t, out.Results[1].Errors, "malformed request reports its error in place")
	assert.False(t, out.Results[2].Allowed)
	assert.True(t, out.Results[3].Allowed)
}

func TestAuthorizeBulkRefreshesWorkingSet(t *testing.T) {
	engine := fakeEngine(t)
	store := NewMemoryStore()
	ctx := t.Context()

	_, err := engine.Reload(ctx, store)
	require.NoError(t, err)

	// Activate a policy after the last reload; the bulk path must pick it
	// up without waiting for the watcher.
	_, err = store.Upsert(ctx, "", "read-policy", "allow read")
	require.NoError(t, err)

	out, err := engine.AuthorizeBulk(ctx, []types.AuthzRequest{
		{Principal: `User::"alice"`, Action: "read", Resource: `File::"f1"`},
	})
	require.NoError(t, err)
	assert.True(t, out.Results[0].Allowed)
	assert.Equal(t, 1, engine.Count())

	// A poisoned store must not take the batch down with it.
	_, err = store.Upsert(ctx, "", "broken", "bogus text")
	require.NoError(t, err)

	out, err = engine.AuthorizeBulk(ctx, []types.AuthzRequest{
		{Principal: `User::"alice"`, Action: "read", Resource: `File::"f1"`},
	})
	require.NoError(t, err)
	assert.True(t, out.Results[0].Allowed, "failed refresh keeps serving the previous set")
}

func TestAuthorizeBulkBounds(t *testing.T) {
	engine := fakeEngine(t)

	_, err := engine.AuthorizeBulk(t.Context(), nil)
	assert.Equal(t, apperror.KindValidation, apperror.KindOf(err))

	tooMany := make([]types.AuthzRequest, MaxBulkRequests+1)
	for i := range tooMany {
		tooMany[i] = types.AuthzRequest{Principal: `User::"a"`, Action: "read", Resource: `File::"f"`}
	}
	_, err = engine.AuthorizeBulk(t.Context(), tooMany)
	assert.Equal(t, apperror.KindValidation, apperror.KindOf(err))
}

func TestParseEntityForms(t *testing.T) {
	ref, err := ParseEntity(`User::"alice"`)
	require.NoError(t, err)
	assert.Equal(t, EntityRef{Type: "User", ID: "alice"}, ref)

	ref, err = ParseEntity(`App::Photo::"vacation"`)
	require.NoError(t, err)
	assert.Equal(t, EntityRef{Type: "App::Photo", ID: "vacation"}, ref)

	for _, bad := range []string{"alice", `::"x"`, `User::`, ""} {
		_, err := ParseEntity(bad)
		assert.Error(t, err, "entity %q must be rejected", bad)
	}

	action, err := ParseAction("read")
	require.NoError(t, err)
	assert.Equal(t, EntityRef{Type: "Action", ID: "read"}, action)

	action, err = ParseAction(`Action::"read"`)
	require.NoError(t, err)
	assert.Equal(t, EntityRef{Type: "Action", ID: "read"}, action)
}
