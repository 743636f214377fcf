package identity

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/agent-iam/go-core/internal/apperror"
	"github.com/agent-iam/go-core/internal/audit"
	"github.com/agent-iam/go-core/pkg/types"
)

// TTL bounds for just-in-time agents, in seconds.
const (
	MinAgentTTLSeconds     = 60
	MaxAgentTTLSeconds     = 86_400
	DefaultAgentTTLSeconds = 3_600
)

// ProvisionRequest describes the agent to create under a parent.
type ProvisionRequest struct {
	TenantID   string
	ParentID   string
	TaskID     string
	TaskScope  map[string]interface{}
	Name       string
	TTLSeconds int
	Metadata   map[string]interface{}
}

// Provisioned is the created agent plus its position in the delegation tree.
type Provisioned struct {
	Identity *types.Identity
	Depth    int
}

// Provisioner performs just-in-time agent creation: it validates the parent,
// bounds delegation depth and TTL, clamps expiry to the parent's, and emits
// the creation audit event.
type Provisioner struct {
	store  Store
	audit  *audit.Logger
	logger *zap.Logger
}

// NewProvisioner builds the provisioner. audit may be nil in tests.
func NewProvisioner(store Store, auditLogger *audit.Logger, logger *zap.Logger) *Provisioner {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Provisioner{store: store, audit: auditLogger, logger: logger}
}

// ProvisionAgent creates an agent identity under the given parent.
func (p *Provisioner) ProvisionAgent(ctx context.Context, req ProvisionRequest) (*Provisioned, error) {
	ttl := req.TTLSeconds
	if ttl == 0 {
		ttl = DefaultAgentTTLSeconds
	}
	if ttl < MinAgentTTLSeconds || ttl > MaxAgentTTLSeconds {
		return nil, apperror.Validation("ttl_seconds must be between %d and %d", MinAgentTTLSeconds, MaxAgentTTLSeconds)
	}
	if req.Name == "" {
		return nil, apperror.Validation("name is required")
	}
	if req.TaskID == "" {
		return nil, apperror.Validation("task_id is required")
	}

	parent, err := p.store.Get(ctx, req.ParentID)
	if err != nil {
		return nil, err
	}
	if parent.TenantID != req.TenantID {
		// Do not leak cross-tenant existence.
		return nil, apperror.NotFound("identity")
	}
	if !parent.IsActive() {
		return nil, apperror.Validation("parent identity is not active")
	}

	parentDepth, err := p.store.DelegationDepth(ctx, req.ParentID)
	if err != nil {
		return nil, err
	}
	newDepth := parentDepth + 1
	if newDepth > types.MaxDelegationDepth {
		return nil, apperror.Validation("delegation depth limit of %d exceeded", types.MaxDelegationDepth)
	}

	expiresAt := time.Now().UTC().Add(time.Duration(ttl) * time.Second)
	if parent.ExpiresAt != nil && parent.ExpiresAt.Before(expiresAt) {
		expiresAt = *parent.ExpiresAt
	}

	agent := &types.Identity{
		TenantID:         req.TenantID,
		Kind:             types.KindAgent,
		Name:             req.Name,
		Status:           types.StatusActive,
		ParentIdentityID: req.ParentID,
		TaskID:           req.TaskID,
		TaskScope:        req.TaskScope,
		ExpiresAt:        &expiresAt,
		Metadata:         req.Metadata,
	}

	created, err := p.store.Create(ctx, agent)
	if err != nil {
		return nil, err
	}

	p.emitCreated(created, newDepth)

	p.logger.Info("agent provisioned",
		zap.String("agent_id", created.ID),
		zap.String("parent_id", req.ParentID),
		zap.String("task_id", req.TaskID),
		zap.Int("depth", newDepth),
		zap.Time("expires_at", expiresAt),
	)
	return &Provisioned{Identity: created, Depth: newDepth}, nil
}

// emitCreated records the identity_created event. Audit pressure never fails
// the provisioning request.
func (p *Provisioner) emitCreated(agent *types.Identity, depth int) {
	if p.audit == nil {
		return
	}
	event := types.NewAuditEvent(types.EventIdentityCreated, agent.TenantID, "provision_agent", "identity").
		WithActor(agent.ParentIdentityID).
		WithResource(agent.ID).
		WithDecision(types.DecisionAllow, "").
		WithMetadata("task_id", agent.TaskID).
		WithMetadata("depth", depth).
		Build()
	if err := p.audit.Enqueue(event); err != nil {
		p.logger.Error("failed to enqueue identity_created audit event",
			zap.String("agent_id", agent.ID),
			zap.Error(err),
		)
	}
}

// Sweeper periodically transitions expired agents to deleted.
type Sweeper struct {
	store    Store
	interval time.Duration
	logger   *zap.Logger
}

// NewSweeper builds a sweeper; interval ≤ 0 defaults to one minute.
func NewSweeper(store Store, interval time.Duration, logger *zap.Logger) *Sweeper {
	if interval <= 0 {
		interval = time.Minute
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Sweeper{store: store, interval: interval, logger: logger}
}

// Run sweeps until the context is cancelled.
func (s *Sweeper) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			swept, err := s.store.DeleteExpiredAgents(ctx)
			if err != nil {
				s.logger.Error("expired agent sweep failed", zap.Error(err))
				continue
			}
			if swept > 0 {
				s.logger.Info("expired agents swept", zap.Int64("count", swept))
			}
		}
	}
}
