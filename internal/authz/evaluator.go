// Package authz answers (principal, action, resource) questions and records
// every decision in the audit trail and the decision counter.
package authz

import (
	"context"
	"strings"

	"go.uber.org/zap"

	"github.com/agent-iam/go-core/internal/audit"
	"github.com/agent-iam/go-core/internal/metrics"
	"github.com/agent-iam/go-core/internal/policy"
	"github.com/agent-iam/go-core/pkg/types"
)

// Caller identifies who is asking, for the audit trail.
type Caller struct {
	TenantID   string
	IdentityID string
	RequestID  string
	IPAddress  string
	UserAgent  string
}

// Evaluator glues the policy engine to the audit pipeline and metrics.
type Evaluator struct {
	engine  *policy.Engine
	audit   *audit.Logger
	metrics *metrics.Metrics
	logger  *zap.Logger
}

// NewEvaluator builds the evaluator. audit and metrics may be nil in tests.
func NewEvaluator(engine *policy.Engine, auditLogger *audit.Logger, m *metrics.Metrics, logger *zap.Logger) *Evaluator {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Evaluator{engine: engine, audit: auditLogger, metrics: m, logger: logger}
}

// Check evaluates one request. The decision is final whatever happens to the
// audit write; a failed audit enqueue is logged and counted, never surfaced.
func (e *Evaluator) Check(ctx context.Context, caller Caller, req types.AuthzRequest) types.AuthzResult {
	result := e.engine.Authorize(req)
	e.metrics.RecordDecision(string(result.Decision))
	e.emit(caller, req, result)
	return result
}

// BulkCheck refreshes the working set, evaluates the batch against that one
// snapshot, and audits each decision.
func (e *Evaluator) BulkCheck(ctx context.Context, caller Caller, reqs []types.AuthzRequest) (*types.BulkAuthzResult, error) {
	out, err := e.engine.AuthorizeBulk(ctx, reqs)
	if err != nil {
		return nil, err
	}
	for i, result := range out.Results {
		e.metrics.RecordDecision(string(result.Decision))
		e.emit(caller, reqs[i], result)
	}
	return out, nil
}

func (e *Evaluator) emit(caller Caller, req types.AuthzRequest, result types.AuthzResult) {
	if e.audit == nil {
		return
	}

	// Matched policy ids explain the decision; evaluation errors ride along
	// in metadata.
	reason := strings.Join(result.Reasons, ",")

	builder := types.NewAuditEvent(types.EventAuthorization, caller.TenantID, req.Action, "authz").
		WithActor(caller.IdentityID).
		WithResource(req.Resource).
		WithDecision(result.Decision, reason).
		WithRequestContext(caller.RequestID, caller.IPAddress, caller.UserAgent).
		WithMetadata("principal", req.Principal).
		WithMetadata("action", req.Action)
	if len(result.Errors) > 0 {
		builder = builder.WithMetadata("errors", result.Errors)
	}

	if err := e.audit.Enqueue(builder.Build()); err != nil {
		e.metrics.RecordAuditDrop()
		e.logger.Error("failed to enqueue authorization audit event",
			zap.String("principal", req.Principal),
			zap.Error(err),
		)
	}
}
