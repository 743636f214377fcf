package service

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/agent-iam/go-core/internal/apperror"
	"github.com/agent-iam/go-core/internal/auth"
	"github.com/agent-iam/go-core/internal/auth/capability"
	"github.com/agent-iam/go-core/internal/auth/jwt"
	"github.com/agent-iam/go-core/internal/identity"
	"github.com/agent-iam/go-core/internal/ratelimit"
	"github.com/agent-iam/go-core/pkg/types"
)

// TokenPair is the login/refresh response body.
type TokenPair struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	TokenType    string `json:"token_type"`
	ExpiresIn    int64  `json:"expires_in"`
}

// LoginRequest carries one credential presentation.
type LoginRequest struct {
	TenantID string
	Email    string
	Password string
	Meta     RequestMeta
}

// Login authenticates a password credential and mints a token pair. Failed
// lookups, inactive identities, and wrong passwords are indistinguishable to
// the caller; each is audited with its real reason.
func (s *Service) Login(ctx context.Context, req LoginRequest) (*TokenPair, error) {
	if req.TenantID == "" || req.Email == "" || req.Password == "" {
		return nil, apperror.Validation("tenant_id, email and password are required")
	}

	// Credential stuffing gets the tight auth-class window, keyed so one
	// address cannot starve an account's legitimate owner elsewhere.
	limit, err := s.deps.Limiter.Check(ctx, ratelimit.ClassAuth, req.Email+"|"+req.Meta.IPAddress)
	if err != nil {
		return nil, err
	}
	if !limit.Allowed {
		s.deps.Metrics.RecordRateLimited(string(ratelimit.ClassAuth))
		s.emit(types.NewAuditEvent(types.EventRateLimitExceeded, req.TenantID, "login", "auth").
			WithRequestContext(req.Meta.RequestID, req.Meta.IPAddress, req.Meta.UserAgent).
			WithMetadata("email", req.Email).
			Build())
		return nil, &apperror.Error{
			Kind:    apperror.KindRateLimited,
			Message: "too many login attempts",
			Err:     &LimitExceededError{Result: limit},
		}
	}

	ident, err := s.deps.Identities.GetByEmail(ctx, req.TenantID, req.Email)
	if err != nil {
		if apperror.KindOf(err) == apperror.KindNotFound {
			s.auditLogin(req, "", types.DecisionDeny, "unknown identity")
			return nil, apperror.InvalidCredentials()
		}
		return nil, err
	}
	if !ident.IsActive() {
		s.auditLogin(req, ident.ID, types.DecisionDeny, "identity not active")
		return nil, apperror.InvalidCredentials()
	}
	if !auth.VerifyPassword(req.Password, ident.PasswordHash) {
		s.auditLogin(req, ident.ID, types.DecisionDeny, "password mismatch")
		return nil, apperror.InvalidCredentials()
	}

	pair, err := s.mintPair(ctx, ident.ID, ident.TenantID, ident.Kind, "", req.Meta)
	if err != nil {
		return nil, err
	}

	if err := s.deps.Identities.TouchLastLogin(ctx, ident.ID); err != nil {
		s.logger.Warn("failed to stamp last login", zap.String("identity_id", ident.ID), zap.Error(err))
	}
	s.auditLogin(req, ident.ID, types.DecisionAllow, "")
	s.deps.Metrics.RecordTokenOp("mint", "ok")
	s.RefreshSessionGauge(ctx)
	return pair, nil
}

// Logout validates the presented access token, then revokes it in both the
// session store and the revocation set for its residual lifetime.
func (s *Service) Logout(ctx context.Context, token string, meta RequestMeta) error {
	claims, err := s.deps.JWT.ValidateAccess(token)
	if err != nil {
		// The token no longer validates, but if its jti is still decodable
		// the session row gets stamped so the logout is not lost.
		if jti, jtiErr := jwt.ExtractJTI(token); jtiErr == nil {
			if _, revokeErr := s.deps.Sessions.Revoke(ctx, jti); revokeErr != nil &&
				apperror.KindOf(revokeErr) != apperror.KindNotFound {
				s.logger.Warn("failed to revoke session for invalid token",
					zap.String("jti", jti), zap.Error(revokeErr))
			}
		}
		return err
	}

	if _, err := s.deps.Sessions.Revoke(ctx, claims.ID); err != nil {
		if apperror.KindOf(err) != apperror.KindNotFound {
			return err
		}
		// A session row can be purged before the token expires; the
		// revocation set still has to learn the jti.
		s.logger.Warn("logout for token without session row", zap.String("jti", claims.ID))
	}

	residual := time.Until(claims.ExpiresAt.Time)
	if err := s.deps.Revocations.Revoke(ctx, claims.ID, residual); err != nil {
		return err
	}

	s.emit(types.NewAuditEvent(types.EventSessionRevoked, claims.TenantID, "logout", "session").
		WithActor(claims.Subject).
		WithResource(claims.ID).
		WithDecision(types.DecisionAllow, "").
		WithRequestContext(meta.RequestID, meta.IPAddress, meta.UserAgent).
		Build())
	s.deps.Metrics.RecordTokenOp("revoke", "ok")
	s.RefreshSessionGauge(ctx)
	return nil
}

// Refresh rotates a refresh token: the presented token is revoked and a new
// pair is minted carrying the same family id. Presenting an already-revoked
// member of a family is treated as theft and revokes the whole family.
func (s *Service) Refresh(ctx context.Context, refreshToken string, meta RequestMeta) (*TokenPair, error) {
	claims, err := s.deps.JWT.ValidateRefresh(refreshToken)
	if err != nil {
		return nil, err
	}

	revoked, err := s.deps.Revocations.IsRevoked(ctx, claims.ID)
	if err != nil {
		return nil, err
	}
	if !revoked {
		if row, err := s.deps.Sessions.GetByTokenID(ctx, claims.ID); err == nil && row.IsRevoked() {
			revoked = true
		}
	}
	if revoked {
		if err := s.revokeFamily(ctx, claims, meta); err != nil {
			s.logger.Error("failed to revoke refresh family after reuse",
				zap.String("family_id", claims.FamilyID), zap.Error(err))
		}
		return nil, apperror.TokenRevoked()
	}

	ident, err := s.deps.Identities.Get(ctx, claims.Subject)
	if err != nil {
		return nil, apperror.TokenInvalid("refresh token subject no longer exists")
	}
	if !ident.IsActive() {
		return nil, apperror.TokenInvalid("identity is not active")
	}

	// The presentation counts as use before the row is retired.
	if err := s.deps.Sessions.TouchLastUsed(ctx, claims.ID); err != nil &&
		apperror.KindOf(err) != apperror.KindNotFound {
		s.logger.Warn("failed to touch refresh session",
			zap.String("jti", claims.ID), zap.Error(err))
	}

	if _, err := s.deps.Sessions.Revoke(ctx, claims.ID); err != nil &&
		apperror.KindOf(err) != apperror.KindNotFound {
		return nil, err
	}
	if err := s.deps.Revocations.Revoke(ctx, claims.ID, time.Until(claims.ExpiresAt.Time)); err != nil {
		return nil, err
	}

	pair, err := s.mintPair(ctx, ident.ID, ident.TenantID, ident.Kind, claims.FamilyID, meta)
	if err != nil {
		return nil, err
	}

	s.emit(types.NewAuditEvent(types.EventTokenIssued, ident.TenantID, "refresh", "token").
		WithActor(ident.ID).
		WithDecision(types.DecisionAllow, "").
		WithRequestContext(meta.RequestID, meta.IPAddress, meta.UserAgent).
		WithMetadata("family_id", claims.FamilyID).
		Build())
	s.deps.Metrics.RecordTokenOp("refresh", "ok")
	return pair, nil
}

// ProvisionedAgent is the JIT provisioning response: the identity plus the
// capability token the agent authenticates with.
type ProvisionedAgent struct {
	Identity        *types.Identity `json:"identity"`
	Depth           int             `json:"delegation_depth"`
	CapabilityToken string          `json:"capability_token"`
	ExpiresAt       time.Time       `json:"expires_at"`
}

// ProvisionAgentRequest shapes one JIT agent request.
type ProvisionAgentRequest struct {
	TenantID    string
	ParentID    string
	TaskID      string
	TaskScope   map[string]interface{}
	Name        string
	TTLSeconds  int
	ExtraChecks []string
	Metadata    map[string]interface{}
	Meta        RequestMeta
}

// ProvisionAgent creates the agent identity and mints its capability token.
func (s *Service) ProvisionAgent(ctx context.Context, req ProvisionAgentRequest) (*ProvisionedAgent, error) {
	provisioned, err := s.deps.Provisioner.ProvisionAgent(ctx, identity.ProvisionRequest{
		TenantID:   req.TenantID,
		ParentID:   req.ParentID,
		TaskID:     req.TaskID,
		TaskScope:  req.TaskScope,
		Name:       req.Name,
		TTLSeconds: req.TTLSeconds,
		Metadata:   req.Metadata,
	})
	if err != nil {
		return nil, err
	}
	agent := provisioned.Identity

	minted, err := s.deps.Capabilities.Mint(capability.MintRequest{
		AgentID:     agent.ID,
		TenantID:    agent.TenantID,
		ParentID:    agent.ParentIdentityID,
		TaskID:      agent.TaskID,
		TaskScope:   agent.TaskScope,
		ExpiresAt:   *agent.ExpiresAt,
		ExtraChecks: req.ExtraChecks,
	})
	if err != nil {
		s.deps.Metrics.RecordTokenOp("mint", "error")
		return nil, err
	}

	if _, err := s.deps.Sessions.Create(ctx, &types.Session{
		IdentityID: agent.ID,
		TenantID:   agent.TenantID,
		TokenID:    minted.JTI,
		TokenType:  types.TokenCapability,
		ExpiresAt:  minted.ExpiresAt,
		IPAddress:  req.Meta.IPAddress,
		UserAgent:  req.Meta.UserAgent,
	}); err != nil {
		return nil, err
	}

	s.emit(types.NewAuditEvent(types.EventTokenIssued, agent.TenantID, "provision_agent", "token").
		WithActor(req.ParentID).
		WithResource(agent.ID).
		WithDecision(types.DecisionAllow, "").
		WithRequestContext(req.Meta.RequestID, req.Meta.IPAddress, req.Meta.UserAgent).
		WithMetadata("task_id", agent.TaskID).
		WithMetadata("jti", minted.JTI).
		Build())
	s.deps.Metrics.RecordTokenOp("mint", "ok")

	return &ProvisionedAgent{
		Identity:        agent,
		Depth:           provisioned.Depth,
		CapabilityToken: minted.Token,
		ExpiresAt:       minted.ExpiresAt,
	}, nil
}

// mintPair issues an access and refresh token and records both sessions.
// An empty familyID starts a new refresh family.
func (s *Service) mintPair(ctx context.Context, identityID, tenantID string, kind types.IdentityKind, familyID string, meta RequestMeta) (*TokenPair, error) {
	access, err := s.deps.JWT.MintAccess(identityID, tenantID, kind)
	if err != nil {
		s.deps.Metrics.RecordTokenOp("mint", "error")
		return nil, err
	}
	refresh, err := s.deps.JWT.MintRefresh(identityID, tenantID, familyID)
	if err != nil {
		s.deps.Metrics.RecordTokenOp("mint", "error")
		return nil, err
	}

	for _, row := range []types.Session{
		{
			IdentityID: identityID, TenantID: tenantID,
			TokenID: access.JTI, TokenType: types.TokenAccess,
			ExpiresAt: access.ExpiresAt,
			IPAddress: meta.IPAddress, UserAgent: meta.UserAgent,
		},
		{
			IdentityID: identityID, TenantID: tenantID,
			TokenID: refresh.JTI, TokenType: types.TokenRefresh,
			FamilyID: refresh.FamilyID, ExpiresAt: refresh.ExpiresAt,
			IPAddress: meta.IPAddress, UserAgent: meta.UserAgent,
		},
	} {
		row := row
		if _, err := s.deps.Sessions.Create(ctx, &row); err != nil {
			return nil, err
		}
	}

	return &TokenPair{
		AccessToken:  access.Token,
		RefreshToken: refresh.Token,
		TokenType:    "Bearer",
		ExpiresIn:    int64(s.deps.JWT.AccessTTL().Seconds()),
	}, nil
}

// revokeFamily kills every live member of a refresh family in the store and
// the revocation set.
func (s *Service) revokeFamily(ctx context.Context, claims *jwt.RefreshClaims, meta RequestMeta) error {
	jtis, err := s.deps.Sessions.RevokeFamily(ctx, claims.Subject, claims.FamilyID)
	if err != nil {
		return err
	}
	if err := s.deps.Revocations.RevokeMany(ctx, jtis, time.Until(claims.ExpiresAt.Time)); err != nil {
		return err
	}

	s.emit(types.NewAuditEvent(types.EventTokenRevoked, claims.TenantID, "refresh_reuse", "token").
		WithActor(claims.Subject).
		WithDecision(types.DecisionDeny, "refresh token reuse detected").
		WithRequestContext(meta.RequestID, meta.IPAddress, meta.UserAgent).
		WithMetadata("family_id", claims.FamilyID).
		WithMetadata("revoked_count", len(jtis)).
		Build())
	s.logger.Warn("refresh token reuse detected; family revoked",
		zap.String("identity_id", claims.Subject),
		zap.String("family_id", claims.FamilyID),
		zap.Int("revoked", len(jtis)),
	)
	return nil
}

func (s *Service) auditLogin(req LoginRequest, identityID string, decision types.Decision, reason string) {
	builder := types.NewAuditEvent(types.EventAuthentication, req.TenantID, "login", "identity").
		WithDecision(decision, reason).
		WithRequestContext(req.Meta.RequestID, req.Meta.IPAddress, req.Meta.UserAgent).
		WithMetadata("email", req.Email)
	if identityID != "" {
		builder = builder.WithActor(identityID).WithResource(identityID)
	}
	s.emit(builder.Build())
}
