package rest

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agent-iam/go-core/internal/auth"
	"github.com/agent-iam/go-core/internal/auth/capability"
	"github.com/agent-iam/go-core/internal/auth/jwt"
	"github.com/agent-iam/go-core/internal/authz"
	"github.com/agent-iam/go-core/internal/cel"
	"github.com/agent-iam/go-core/internal/identity"
	"github.com/agent-iam/go-core/internal/policy"
	"github.com/agent-iam/go-core/internal/ratelimit"
	"github.com/agent-iam/go-core/internal/revocation"
	"github.com/agent-iam/go-core/internal/service"
	"github.com/agent-iam/go-core/internal/session"
	"github.com/agent-iam/go-core/pkg/types"
)

func newTestServer(t *testing.T) *Server {
	return newTestServerWithLimits(t, ratelimit.DefaultConfig())
}

func newTestServerWithLimits(t *testing.T, limits ratelimit.Config) *Server {
	t.Helper()

	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })

	identities := identity.NewMemoryStore()
	hash, err := auth.HashPassword("correct horse")
	require.NoError(t, err)
	_, err = identities.Create(t.Context(), &types.Identity{
		TenantID:     "tenant-1",
		Kind:         types.KindUser,
		Name:         "alice",
		Email:        "alice@example.com",
		Status:       types.StatusActive,
		PasswordHash: hash,
	})
	require.NoError(t, err)

	jwtMgr, err := jwt.NewManager(jwt.Config{
		Secret: []byte("0123456789abcdef0123456789abcdef"),
	})
	require.NoError(t, err)

	celEngine, err := cel.NewEngine()
	require.NoError(t, err)
	capMgr, err := capability.NewRandomManager(celEngine, nil)
	require.NoError(t, err)

	polEngine := policy.NewEngine(policy.NewCedarBackend(), nil)
	require.NoError(t, polEngine.Add("p-read",
		`permit (principal, action == Action::"read", resource);`))

	policies := policy.NewMemoryStore()
	_, err = policies.Upsert(t.Context(), "", "allow-read",
		`permit (principal, action == Action::"read", resource);`)
	require.NoError(t, err)

	limiter := ratelimit.NewLimiter(ratelimit.NewSlidingWindow(client), limits)

	svc := service.New(service.Deps{
		Identities:   identities,
		Provisioner:  identity.NewProvisioner(identities, nil, nil),
		Sessions:     session.NewMemoryStore(),
		JWT:          jwtMgr,
		Capabilities: capMgr,
		Revocations:  revocation.NewSet(client, nil),
		Limiter:      limiter,
		Evaluator:    authz.NewEvaluator(polEngine, nil, nil, nil),
		Policies:     policies,
	})

	srv, err := New(DefaultConfig(), svc, limiter, nil, nil, nil, nil)
	require.NoError(t, err)
	return srv
}

func doJSON(t *testing.T, srv *Server, method, path, token string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, req)
	return rec
}

func loginPair(t *testing.T, srv *Server) service.TokenPair {
	t.Helper()
	rec := doJSON(t, srv, http.MethodPost, "/v1/auth/login", "", LoginRequest{
		TenantID: "tenant-1",
		Email:    "alice@example.com",
		Password: "correct horse",
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var pair service.TokenPair
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &pair))
	return pair
}

func TestLoginAndAuthenticatedRequest(t *testing.T) {
	srv := newTestServer(t)
	pair := loginPair(t, srv)
	assert.Equal(t, "Bearer", pair.TokenType)

	rec := doJSON(t, srv, http.MethodGet, "/v1/identities", pair.AccessToken, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var list ListResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &list))
	assert.Equal(t, 1, list.Count)
}

func TestLoginBadPassword(t *testing.T) {
	srv := newTestServer(t)
	rec := doJSON(t, srv, http.MethodPost, "/v1/auth/login", "", LoginRequest{
		TenantID: "tenant-1",
		Email:    "alice@example.com",
		Password: "wrong",
	})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Equal(t, "Bearer", rec.Header().Get("WWW-Authenticate"))
}

func TestProtectedRouteWithoutToken(t *testing.T) {
	srv := newTestServer(t)
	rec := doJSON(t, srv, http.MethodGet, "/v1/identities", "", nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Equal(t, "Bearer", rec.Header().Get("WWW-Authenticate"))
}

func TestRateLimitHeadersPresent(t *testing.T) {
	srv := newTestServer(t)
	rec := doJSON(t, srv, http.MethodGet, "/v1/identities", "", nil)
	assert.Equal(t, "120", rec.Header().Get("X-RateLimit-Limit"))
	assert.NotEmpty(t, rec.Header().Get("X-RateLimit-Remaining"))
	assert.NotEmpty(t, rec.Header().Get("X-RateLimit-Reset"))
}

func TestRateLimitHourlyTier(t *testing.T) {
	limits := ratelimit.DefaultConfig()
	limits.PerHour = 2
	srv := newTestServerWithLimits(t, limits)

	// The per-minute tier admits 120; the hourly cap of 2 trips first.
	for i := 0; i < 2; i++ {
		rec := doJSON(t, srv, http.MethodGet, "/v1/identities", "", nil)
		require.NotEqual(t, http.StatusTooManyRequests, rec.Code)
	}

	rec := doJSON(t, srv, http.MethodGet, "/v1/identities", "", nil)
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, "2", rec.Header().Get("X-RateLimit-Limit"))
	assert.NotEmpty(t, rec.Header().Get("Retry-After"))
}

func TestRateLimitDailyTier(t *testing.T) {
	limits := ratelimit.DefaultConfig()
	limits.PerDay = 1
	srv := newTestServerWithLimits(t, limits)

	rec := doJSON(t, srv, http.MethodGet, "/v1/identities", "", nil)
	require.NotEqual(t, http.StatusTooManyRequests, rec.Code)

	rec = doJSON(t, srv, http.MethodGet, "/v1/identities", "", nil)
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, "1", rec.Header().Get("X-RateLimit-Limit"))
}

func TestCreateIdentityConflict(t *testing.T) {
	srv := newTestServer(t)
	pair := loginPair(t, srv)

	rec := doJSON(t, srv, http.MethodPost, "/v1/identities", pair.AccessToken, CreateIdentityRequest{
		Kind:  "service",
		Name:  "reporting-service",
		Email: "svc@example.com",
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	rec = doJSON(t, srv, http.MethodPost, "/v1/identities", pair.AccessToken, CreateIdentityRequest{
		Kind:  "service",
		Name:  "reporting-service-2",
		Email: "svc@example.com",
	})
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestGetIdentityNotFound(t *testing.T) {
	srv := newTestServer(t)
	pair := loginPair(t, srv)
	rec := doJSON(t, srv, http.MethodGet, "/v1/identities/no-such-id", pair.AccessToken, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestProvisionAgentAndDelegationChain(t *testing.T) {
	srv := newTestServer(t)
	pair := loginPair(t, srv)

	rec := doJSON(t, srv, http.MethodGet, "/v1/identities", pair.AccessToken, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var list struct {
		Items []types.Identity `json:"items"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &list))
	require.Len(t, list.Items, 1)
	userID := list.Items[0].ID

	rec = doJSON(t, srv, http.MethodPost,
		fmt.Sprintf("/v1/identities/%s/agents", userID), pair.AccessToken,
		ProvisionAgentRequest{
			Name:       "report-agent",
			TaskID:     "task-1",
			TTLSeconds: 600,
		})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	var provisioned service.ProvisionedAgent
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &provisioned))
	assert.NotEmpty(t, provisioned.CapabilityToken)
	assert.Equal(t, 1, provisioned.Depth)

	rec = doJSON(t, srv, http.MethodGet,
		fmt.Sprintf("/v1/identities/%s/delegation-chain", provisioned.Identity.ID),
		pair.AccessToken, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var chain DelegationChainResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &chain))
	assert.Equal(t, 1, chain.Depth)
	require.Len(t, chain.Chain, 2)
	assert.Equal(t, userID, chain.Chain[0].IdentityID)
	assert.Equal(t, provisioned.Identity.ID, chain.Chain[1].IdentityID)
}

func TestAuthzCheckEndpoint(t *testing.T) {
	srv := newTestServer(t)
	pair := loginPair(t, srv)

	rec := doJSON(t, srv, http.MethodPost, "/v1/authz/check", pair.AccessToken, types.AuthzRequest{
		Principal: `User::"alice"`,
		Action:    "read",
		Resource:  `File::"f1"`,
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var result types.AuthzResult
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &result))
	assert.True(t, result.Allowed)
	assert.Equal(t, []string{"p-read"}, result.Reasons)
	assert.Empty(t, result.Errors)
}

func TestAuthzBulkCheckEndpoint(t *testing.T) {
	srv := newTestServer(t)
	pair := loginPair(t, srv)

	rec := doJSON(t, srv, http.MethodPost, "/v1/authz/bulk-check", pair.AccessToken, BulkCheckRequest{
		Requests: []types.AuthzRequest{
			{Principal: `User::"alice"`, Action: "read", Resource: `File::"f1"`},
			{Principal: `User::"alice"`, Action: "write", Resource: `File::"f1"`},
		},
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var out types.BulkAuthzResult
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	assert.Equal(t, 2, out.Total)
	assert.Equal(t, 1, out.AllowedCount)
	assert.Equal(t, 1, out.DeniedCount)

	rec = doJSON(t, srv, http.MethodPost, "/v1/authz/bulk-check", pair.AccessToken, BulkCheckRequest{})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestRefreshEndpointRotates(t *testing.T) {
	srv := newTestServer(t)
	pair := loginPair(t, srv)

	rec := doJSON(t, srv, http.MethodPost, "/v1/auth/refresh", "", RefreshRequest{
		RefreshToken: pair.RefreshToken,
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var rotated service.TokenPair
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &rotated))
	assert.NotEqual(t, pair.RefreshToken, rotated.RefreshToken)

	// Replaying the consumed token is rejected.
	rec = doJSON(t, srv, http.MethodPost, "/v1/auth/refresh", "", RefreshRequest{
		RefreshToken: pair.RefreshToken,
	})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestLogoutRevokesToken(t *testing.T) {
	srv := newTestServer(t)
	pair := loginPair(t, srv)

	rec := doJSON(t, srv, http.MethodPost, "/v1/auth/logout", pair.AccessToken, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec = doJSON(t, srv, http.MethodGet, "/v1/identities", pair.AccessToken, nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestListPolicies(t *testing.T) {
	srv := newTestServer(t)
	pair := loginPair(t, srv)

	rec := doJSON(t, srv, http.MethodGet, "/v1/policies", pair.AccessToken, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var list ListResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &list))
	assert.Equal(t, 1, list.Count)
}

func TestHealthProbes(t *testing.T) {
	srv := newTestServer(t)

	for _, path := range []string{"/health/live", "/health/ready", "/health/startup"} {
		rec := doJSON(t, srv, http.MethodGet, path, "", nil)
		assert.Equal(t, http.StatusOK, rec.Code, path)
	}
}

func TestMalformedBody(t *testing.T) {
	srv := newTestServer(t)
	req := httptest.NewRequest(http.MethodPost, "/v1/auth/login", bytes.NewBufferString("{not json"))
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestRequestIDEchoed(t *testing.T) {
	srv := newTestServer(t)
	req := httptest.NewRequest(http.MethodGet, "/health/live", nil)
	req.Header.Set("X-Request-ID", "req-42")
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, req)
	assert.Equal(t, "req-42", rec.Header().Get("X-Request-ID"))
}
