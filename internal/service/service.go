// Package service orchestrates the identity, token, policy, rate-limit and
// audit subsystems behind the HTTP handlers.
package service

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/agent-iam/go-core/internal/apperror"
	"github.com/agent-iam/go-core/internal/audit"
	"github.com/agent-iam/go-core/internal/auth/capability"
	"github.com/agent-iam/go-core/internal/auth/jwt"
	"github.com/agent-iam/go-core/internal/authz"
	"github.com/agent-iam/go-core/internal/identity"
	"github.com/agent-iam/go-core/internal/metrics"
	"github.com/agent-iam/go-core/internal/policy"
	"github.com/agent-iam/go-core/internal/ratelimit"
	"github.com/agent-iam/go-core/internal/revocation"
	"github.com/agent-iam/go-core/internal/session"
	"github.com/agent-iam/go-core/pkg/types"
)

// Deps collects the subsystems the façade composes. The composition root
// builds them once and passes them in; tests swap in memory fakes.
type Deps struct {
	Identities   identity.Store
	Provisioner  *identity.Provisioner
	Sessions     session.Store
	JWT          *jwt.Manager
	Capabilities *capability.Manager
	Revocations  *revocation.Set
	Limiter      *ratelimit.Limiter
	Evaluator    *authz.Evaluator
	Policies     policy.Store
	Audit        *audit.Logger
	Metrics      *metrics.Metrics
	Logger       *zap.Logger
}

// Service is the orchestration layer serving the API surface.
type Service struct {
	deps   Deps
	logger *zap.Logger
}

// New wires the façade.
func New(deps Deps) *Service {
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	return &Service{deps: deps, logger: deps.Logger}
}

// RequestMeta carries per-request context into the audit trail.
type RequestMeta struct {
	RequestID string
	IPAddress string
	UserAgent string
}

// LimitExceededError carries the limiter verdict so the transport can shape
// 429 headers. It always travels wrapped in a KindRateLimited apperror.
type LimitExceededError struct {
	Result ratelimit.Result
}

func (e *LimitExceededError) Error() string {
	return fmt.Sprintf("rate limit exceeded: %d/%d in window", e.Result.Current, e.Result.Limit)
}

// Authenticate validates a bearer access token and consults the revocation
// set. The middleware calls this on every protected request.
func (s *Service) Authenticate(ctx context.Context, token string) (*jwt.AccessClaims, error) {
	claims, err := s.deps.JWT.ValidateAccess(token)
	if err != nil {
		return nil, err
	}
	revoked, err := s.deps.Revocations.IsRevoked(ctx, claims.ID)
	if err != nil {
		return nil, err
	}
	if revoked {
		return nil, apperror.TokenRevoked()
	}
	return claims, nil
}

// Check answers a single authorization question.
func (s *Service) Check(ctx context.Context, claims *jwt.AccessClaims, meta RequestMeta, req types.AuthzRequest) types.AuthzResult {
	return s.deps.Evaluator.Check(ctx, s.caller(claims, meta), req)
}

// BulkCheck answers a batch of authorization questions.
func (s *Service) BulkCheck(ctx context.Context, claims *jwt.AccessClaims, meta RequestMeta, reqs []types.AuthzRequest) (*types.BulkAuthzResult, error) {
	return s.deps.Evaluator.BulkCheck(ctx, s.caller(claims, meta), reqs)
}

// RefreshSessionGauge recounts active sessions into the gauge.
func (s *Service) RefreshSessionGauge(ctx context.Context) {
	count, err := s.deps.Sessions.CountActive(ctx, "")
	if err != nil {
		s.logger.Warn("failed to count active sessions", zap.Error(err))
		return
	}
	s.deps.Metrics.SetActiveSessions(count)
}

func (s *Service) caller(claims *jwt.AccessClaims, meta RequestMeta) authz.Caller {
	caller := authz.Caller{
		RequestID: meta.RequestID,
		IPAddress: meta.IPAddress,
		UserAgent: meta.UserAgent,
	}
	if claims != nil {
		caller.TenantID = claims.TenantID
		caller.IdentityID = claims.Subject
	}
	return caller
}

// emit enqueues an audit event, logging on pressure instead of failing the
// originating request.
func (s *Service) emit(event types.AuditEvent) {
	if s.deps.Audit == nil {
		return
	}
	if err := s.deps.Audit.Enqueue(event); err != nil {
		s.deps.Metrics.RecordAuditDrop()
		s.logger.Error("failed to enqueue audit event",
			zap.String("event_type", string(event.EventType)),
			zap.Error(err),
		)
	}
}
