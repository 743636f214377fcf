package policy

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

// List bounds, matching the identity store.
const (
	DefaultListLimit = 100
	MaxListLimit     = 1000
)

// Store is the policy persistence contract. Policies are versioned: Upsert
// writes a new active version and retires the old one, so the audit trail
// keeps every version ever active.
type Store interface {
	Create(ctx context.Context, policy *types.Policy) (*types.Policy, error)
	Get(ctx context.Context, id string) (*types.Policy, error)

	// List returns policies, newest version first. TenantID empty lists
	// global policies together with every tenant's (reload wants all).
	List(ctx context.Context, filter types.PolicyFilter) ([]types.Policy, error)

	// Upsert writes a new version of the named policy and deactivates any
	// prior active version.
	Upsert(ctx context.Context, tenantID, name, text string) (*types.Policy, error)

	// SetActive toggles a single version in or out of the working set's
	// source of truth.
	SetActive(ctx context.Context, id string, active bool) error
}

func clampLimit(limit int) int {
	switch {
	case limit <= 0:
		return DefaultListLimit
	case limit > MaxListLimit:
		return MaxListLimit
	default:
		return limit
	}
}

// MemoryStore is an in-memory Store used by tests and local development.
type MemoryStore struct {
	mu       sync.RWMutex
	policies map[string]types.Policy
}

// NewMemoryStore builds an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{policies: make(map[string]types.Policy)}
}

func (s *MemoryStore) Create(_ context.Context, policy *types.Policy) (*types.Policy, error) {
	if policy.Version == 0 {
		policy.Version = 1
	}
	if err := policy.Validate(); err != nil {
		return nil, apperror.Validation("%v", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if policy.ID == "" {
		policy.ID = uuid.New().String()
	}
	if _, exists := s.policies[policy.ID]; exists {
		return nil, apperror.Conflict("policy already exists")
	}
	for _, existing := range s.policies {
		if existing.TenantID == policy.TenantID &&
			strings.EqualFold(existing.Name, policy.Name) &&
			existing.Version == policy.Version {
			return nil, apperror.Conflict("policy already exists")
		}
	}

	now := time.Now().UTC()
	policy.CreatedAt = now
	policy.UpdatedAt = now
	s.policies[policy.ID] = *policy
	return policy, nil
}

func (s *MemoryStore) Get(_ context.Context, id string) (*types.Policy, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	policy, ok := s.policies[id]
	if !ok {
		return nil, apperror.NotFound("policy")
	}
	return &policy, nil
}

func (s *MemoryStore) List(_ context.Context, filter types.PolicyFilter) ([]types.Policy, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var matched []types.Policy
	for _, policy := range s.policies {
		if filter.TenantID != "" && policy.TenantID != filter.TenantID && policy.TenantID != "" {
			continue
		}
		if filter.ActiveOnly && !policy.IsActive {
			continue
		}
		matched = append(matched, policy)
	}

	sort.Slice(matched, func(i, j int) bool {
		return matched[i].CreatedAt.Before(matched[j].CreatedAt)
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

func (s *MemoryStore) Upsert(_ context.Context, tenantID, name, text string) (*types.Policy, error) {
	if name == "" || text == "" {
		return nil, apperror.Validation("name and policy_text are required")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	version := 1
	now := time.Now().UTC()
	for id, existing := range s.policies {
		if existing.TenantID != tenantID || !strings.EqualFold(existing.Name, name) {
			continue
		}
		if existing.Version >= version {
			version = existing.Version + 1
		}
		if existing.IsActive {
			existing.IsActive = false
			existing.UpdatedAt = now
			s.policies[id] = existing
		}
	}

	policy := types.Policy{
		ID:         uuid.New().String(),
		TenantID:   tenantID,
		Name:       name,
		PolicyText: text,
		Version:    version,
		IsActive:   true,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	s.policies[policy.ID] = policy
	return &policy, nil
}

func (s *MemoryStore) SetActive(_ context.Context, id string, active bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	policy, ok := s.policies[id]
	if !ok {
		return apperror.NotFound("policy")
	}
	policy.IsActive = active
	policy.UpdatedAt = time.Now().UTC()
	s.policies[id] = policy
	return nil
}
