package service

import (
	"context"

	"github.com/agent-iam/go-core/internal/apperror"
	"github.com/agent-iam/go-core/internal/auth"
	"github.com/agent-iam/go-core/pkg/types"
)

// CreateIdentityRequest shapes one identity creation. Agents are not created
// here; they go through ProvisionAgent.
type CreateIdentityRequest struct {
	Kind     types.IdentityKind
	Name     string
	Email    string
	Password string
	Metadata map[string]interface{}
	Meta     RequestMeta
}

// CreateIdentity creates a user or service identity in the caller's tenant.
func (s *Service) CreateIdentity(ctx context.Context, tenantID string, actorID string, req CreateIdentityRequest) (*types.Identity, error) {
	if req.Kind == types.KindAgent {
		return nil, apperror.Validation("agents are provisioned under a parent, not created directly")
	}

	ident := &types.Identity{
		TenantID: tenantID,
		Kind:     req.Kind,
		Name:     req.Name,
		Email:    req.Email,
		Status:   types.StatusActive,
		Metadata: req.Metadata,
	}
	if req.Password != "" {
		if err := auth.ValidatePassword(req.Password); err != nil {
			return nil, apperror.Validation("%v", err)
		}
		hash, err := auth.HashPassword(req.Password)
		if err != nil {
			return nil, err
		}
		ident.PasswordHash = hash
	}

	created, err := s.deps.Identities.Create(ctx, ident)
	if err != nil {
		return nil, err
	}

	s.emit(types.NewAuditEvent(types.EventIdentityCreated, tenantID, "create_identity", "identity").
		WithActor(actorID).
		WithResource(created.ID).
		WithDecision(types.DecisionAllow, "").
		WithRequestContext(req.Meta.RequestID, req.Meta.IPAddress, req.Meta.UserAgent).
		WithMetadata("kind", string(created.Kind)).
		Build())
	return created, nil
}

// GetIdentity fetches one identity, tenant-scoped. Cross-tenant lookups read
// as missing so tenants cannot probe each other's id space.
func (s *Service) GetIdentity(ctx context.Context, tenantID, id string) (*types.Identity, error) {
	ident, err := s.deps.Identities.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if ident.TenantID != tenantID {
		return nil, apperror.NotFound("identity")
	}
	return ident, nil
}

// ListIdentities pages the caller's tenant.
func (s *Service) ListIdentities(ctx context.Context, tenantID string, filter types.IdentityFilter) ([]types.Identity, error) {
	filter.TenantID = tenantID
	return s.deps.Identities.List(ctx, filter)
}

// DelegationChain walks an identity's parent links and returns the chain
// root-first. The tenant comes from the authenticated caller, never from the
// request.
func (s *Service) DelegationChain(ctx context.Context, tenantID, id string) ([]types.DelegationLink, error) {
	if _, err := s.GetIdentity(ctx, tenantID, id); err != nil {
		return nil, err
	}

	// The store walks self to root; callers read root to leaf.
	chain, err := s.deps.Identities.DelegationChain(ctx, id)
	if err != nil {
		return nil, err
	}

	links := make([]types.DelegationLink, len(chain))
	for i, ident := range chain {
		depth := len(chain) - 1 - i
		links[depth] = types.DelegationLink{
			IdentityID: ident.ID,
			Name:       ident.Name,
			Kind:       ident.Kind,
			TaskID:     ident.TaskID,
			Depth:      depth,
		}
	}
	return links, nil
}

// ListPolicies exposes the active policy set for the caller's tenant plus
// the globals.
func (s *Service) ListPolicies(ctx context.Context, tenantID string, filter types.PolicyFilter) ([]types.Policy, error) {
	filter.TenantID = tenantID
	filter.ActiveOnly = true
	return s.deps.Policies.List(ctx, filter)
}
