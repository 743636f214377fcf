package identity

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/agent-iam/go-core/internal/apperror"
	"github.com/agent-iam/go-core/pkg/types"
)

// MemoryStore is an in-memory Store used by tests and local development.
// It enforces the same invariants as the relational store.
type MemoryStore struct {
	mu         sync.RWMutex
	identities map[string]types.Identity
}

// NewMemoryStore builds an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{identities: make(map[string]types.Identity)}
}

func (s *MemoryStore) Create(_ context.Context, identity *types.Identity) (*types.Identity, error) {
	if err := identity.Validate(); err != nil {
		return nil, apperror.Validation("%v", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if identity.ID == "" {
		identity.ID = uuid.New().String()
	}
	if _, exists := s.identities[identity.ID]; exists {
		return nil, apperror.Conflict("identity already exists")
	}
	if identity.Email != "" {
		for _, existing := range s.identities {
			if existing.TenantID == identity.TenantID && strings.EqualFold(existing.Email, identity.Email) {
				return nil, apperror.Conflict("identity already exists")
			}
		}
	}
	if identity.ParentIdentityID != "" {
		parent, ok := s.identities[identity.ParentIdentityID]
		if !ok {
			return nil, apperror.NotFound("identity")
		}
		if parent.TenantID != identity.TenantID {
			return nil, apperror.Validation("parent identity belongs to a different tenant")
		}
	}

	now := time.Now().UTC()
	identity.CreatedAt = now
	identity.UpdatedAt = now
	if identity.Status == "" {
		identity.Status = types.StatusActive
	}

	s.identities[identity.ID] = *identity
	return identity, nil
}

func (s *MemoryStore) Get(_ context.Context, id string) (*types.Identity, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	identity, ok := s.identities[id]
	if !ok {
		return nil, apperror.NotFound("identity")
	}
	return &identity, nil
}

func (s *MemoryStore) GetByEmail(_ context.Context, tenantID, email string) (*types.Identity, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, identity := range s.identities {
		if identity.TenantID == tenantID && strings.EqualFold(identity.Email, email) && identity.Email != "" {
			out := identity
			return &out, nil
		}
	}
	return nil, apperror.NotFound("identity")
}

func (s *MemoryStore) List(_ context.Context, filter types.IdentityFilter) ([]types.Identity, error) {
	if filter.TenantID == "" {
		return nil, apperror.Validation("tenant_id is required")
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	var matched []types.Identity
	for _, identity := range s.identities {
		if identity.TenantID != filter.TenantID {
			continue
		}
		if filter.Kind != "" && identity.Kind != filter.Kind {
			continue
		}
		if filter.Status != "" && identity.Status != filter.Status {
			continue
		}
		if filter.ParentID != "" && identity.ParentIdentityID != filter.ParentID {
			continue
		}
		matched = append(matched, identity)
	}

	sort.Slice(matched, func(i, j int) bool {
		return matched[i].CreatedAt.After(matched[j].CreatedAt)
	})

	limit := clampLimit(filter.Limit)
	start := filter.Offset
	if start > len(matched) {
		start = len(matched)
	}
	end := start + limit
	if end > len(matched) {
		end = len(matched)
	}
	return matched[start:end], nil
}

func (s *MemoryStore) UpdateStatus(_ context.Context, id string, status types.IdentityStatus) error {
	if !types.ValidStatus(status) {
		return apperror.Validation("invalid status %q", status)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	identity, ok := s.identities[id]
	if !ok {
		return apperror.NotFound("identity")
	}
	identity.Status = status
	identity.UpdatedAt = time.Now().UTC()
	s.identities[id] = identity
	return nil
}

func (s *MemoryStore) TouchLastLogin(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	identity, ok := s.identities[id]
	if !ok {
		return apperror.NotFound("identity")
	}
	now := time.Now().UTC()
	identity.LastLoginAt = &now
	identity.UpdatedAt = now
	s.identities[id] = identity
	return nil
}

func (s *MemoryStore) DelegationChain(_ context.Context, id string) ([]types.Identity, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var chain []types.Identity
	current := id
	for current != "" {
		identity, ok := s.identities[current]
		if !ok {
			if len(chain) == 0 {
				return nil, apperror.NotFound("identity")
			}
			break
		}
		chain = append(chain, identity)
		if len(chain) > chainWalkCap {
			return nil, apperror.Internal("delegation chain exceeds walk cap; graph may contain a cycle")
		}
		current = identity.ParentIdentityID
	}
	return chain, nil
}

func (s *MemoryStore) DelegationDepth(ctx context.Context, id string) (int, error) {
	chain, err := s.DelegationChain(ctx, id)
	if err != nil {
		return 0, err
	}
	return len(chain) - 1, nil
}

func (s *MemoryStore) DeleteExpiredAgents(_ context.Context) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	var swept int64
	for id, identity := range s.identities {
		if identity.Kind != types.KindAgent || identity.Status == types.StatusDeleted {
			continue
		}
		if identity.ExpiresAt != nil && identity.ExpiresAt.Before(now) {
			identity.Status = types.StatusDeleted
			identity.UpdatedAt = now.UTC()
			s.identities[id] = identity
			swept++
		}
	}
	return swept, nil
}
