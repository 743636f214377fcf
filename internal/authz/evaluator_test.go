package authz

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agent-iam/go-core/internal/audit"
	"github.com/agent-iam/go-core/internal/policy"
	"github.com/agent-iam/go-core/pkg/types"
)

func testEvaluator(t *testing.T) (*Evaluator, *audit.MemoryBackend) {
	t.Helper()

	engine := policy.NewEngine(policy.NewCedarBackend(), nil)
	require.NoError(t, engine.Add("p-read",
		`permit (principal, action == Action::"read", resource);`))

	backend := audit.NewMemoryBackend()
	logger := audit.NewLogger(backend, backend, audit.LoggerConfig{
		BatchSize:     1,
		FlushInterval: 10 * time.Millisecond,
	}, nil, nil)
	t.Cleanup(func() { _ = logger.Close() })

	return NewEvaluator(engine, logger, nil, nil), backend
}

func caller() Caller {
	return Caller{
		TenantID:   "tenant-1",
		IdentityID: "identity-1",
		RequestID:  "req-1",
		IPAddress:  "10.0.0.1",
	}
}

func TestCheckAllowsAndAudits(t *testing.T) {
	evaluator, backend := testEvaluator(t)

	result := evaluator.Check(t.Context(), caller(), types.AuthzRequest{
		Principal: `User::"alice"`,
		Action:    "read",
		Resource:  `File::"f1"`,
	})
	assert.True(t, result.Allowed)
	assert.Equal(t, []string{"p-read"}, result.Reasons)

	require.Eventually(t, func() bool { return len(backend.Events()) == 1 },
		2*time.Second, 10*time.Millisecond)

	event := backend.Events()[0]
	assert.Equal(t, types.EventAuthorization, event.EventType)
	assert.Equal(t, "tenant-1", event.TenantID)
	assert.Equal(t, "identity-1", event.ActorIdentityID)
	assert.Equal(t, types.DecisionAllow, event.Decision)
	assert.Equal(t, "p-read", event.DecisionReason)
	assert.Equal(t, "req-1", event.RequestID)
}

func TestCheckDenyAudits(t *testing.T) {
	evaluator, backend := testEvaluator(t)

	result := evaluator.Check(t.Context(), caller(), types.AuthzRequest{
		Principal: `User::"alice"`,
		Action:    "write",
		Resource:  `File::"f1"`,
	})
	assert.False(t, result.Allowed)

	require.Eventually(t, func() bool { return len(backend.Events()) == 1 },
		2*time.Second, 10*time.Millisecond)
	assert.Equal(t, types.DecisionDeny, backend.Events()[0].Decision)
}

func TestBulkCheckAuditsEveryDecision(t *testing.T) {
	evaluator, backend := testEvaluator(t)

	out, err := evaluator.BulkCheck(t.Context(), caller(), []types.AuthzRequest{
		{Principal: `User::"alice"`, Action: "read", Resource: `File::"f1"`},
		{Principal: `User::"bob"`, Action: "write", Resource: `File::"f2"`},
		{Principal: "malformed", Action: "read", Resource: `File::"f3"`},
	})
	require.NoError(t, err)
	assert.Equal(t, 3, out.Total)
	assert.Equal(t, 1, out.AllowedCount)
	assert.Equal(t, 2, out.DeniedCount)

	require.Eventually(t, func() bool { return len(backend.Events()) == 3 },
		2*time.Second, 10*time.Millisecond)
}

func TestBulkCheckPropagatesValidation(t *testing.T) {
	evaluator, _ := testEvaluator(t)
	_, err := evaluator.BulkCheck(t.Context(), caller(), nil)
	require.Error(t, err)
}
