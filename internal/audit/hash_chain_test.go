package audit

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agent-iam/go-core/pkg/types"
)

func chainEvent(tenantID, prevHash string, seq int) types.AuditEvent {
	return types.AuditEvent{
		ID:                uuid.New().String(),
		TenantID:          tenantID,
		ActorIdentityID:   "actor-1",
		EventType:         types.EventAuthentication,
		Action:            "login",
		ResourceType:      "identity",
		ResourceID:        "actor-1",
		Decision:          types.DecisionAllow,
		Timestamp:         time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC).Add(time.Duration(seq) * time.Second),
		Metadata:          map[string]interface{}{"seq": seq},
		PreviousEventHash: prevHash,
	}
}

func buildChain(t *testing.T, tenantID string, n int) []types.AuditEvent {
	t.Helper()
	events := make([]types.AuditEvent, 0, n)
	prev := ""
	for i := 0; i < n; i++ {
		e := chainEvent(tenantID, prev, i)
		events = append(events, e)
		h, err := ComputeHash(&e)
		require.NoError(t, err)
		prev = h
	}
	return events
}

func TestComputeHashDeterministic(t *testing.T) {
	e := chainEvent("tenant-1", "", 0)

	h1, err := ComputeHash(&e)
	require.NoError(t, err)
	h2, err := ComputeHash(&e)
	require.NoError(t, err)

	assert.Equal(t, h1, h2)
	assert.Len(t, h1, 64)
}

func TestComputeHashSensitivity(t *testing.T) {
	base := chainEvent("tenant-1", "", 0)
	baseHash, err := ComputeHash(&base)
	require.NoError(t, err)

	mutations := map[string]func(*types.AuditEvent){
		"action":    func(e *types.AuditEvent) { e.Action = "logout" },
		"decision":  func(e *types.AuditEvent) { e.Decision = types.DecisionDeny },
		"timestamp": func(e *types.AuditEvent) { e.Timestamp = e.Timestamp.Add(time.Microsecond) },
		"metadata":  func(e *types.AuditEvent) { e.Metadata["seq"] = 99 },
		"actor":     func(e *types.AuditEvent) { e.ActorIdentityID = "" },
	}

	for name, mutate := range mutations {
		t.Run(name, func(t *testing.T) {
			e := chainEvent("tenant-1", "", 0)
			e.ID = base.ID
			mutate(&e)
			h, err := ComputeHash(&e)
			require.NoError(t, err)
			assert.NotEqual(t, baseHash, h)
		})
	}
}

func TestVerifyChainIntact(t *testing.T) {
	events := buildChain(t, "tenant-1", 10)

	ok, err := VerifyChain(events)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestVerifyChainEmptyAndSingle(t *testing.T) {
	ok, err := VerifyChain(nil)
	require.NoError(t, err)
	assert.True(t, ok)

	single := buildChain(t, "tenant-1", 1)
	ok, err = VerifyChain(single)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestVerifyChainRejectsNonNullHead(t *testing.T) {
	events := buildChain(t, "tenant-1", 3)
	events[0].PreviousEventHash = "deadbeef"

	idx, err := FindChainBreak(events)
	require.NoError(t, err)
	assert.Equal(t, 0, idx)
}

func TestFindChainBreakDetectsTampering(t *testing.T) {
	events := buildChain(t, "tenant-1", 20)

	// Mutate one byte of metadata on event 17: its stored previous hash is
	// still right, but event 18 no longer links to the mutated content.
	events[17].Metadata["seq"] = "tampered"

	idx, err := FindChainBreak(events)
	require.NoError(t, err)
	assert.Equal(t, 18, idx)

	ok, err := VerifyChain(events)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestFindChainBreakDetectsLinkRewrite(t *testing.T) {
	events := buildChain(t, "tenant-1", 5)
	events[3].PreviousEventHash = events[1].PreviousEventHash

	idx, err := FindChainBreak(events)
	require.NoError(t, err)
	assert.Equal(t, 3, idx)
}
