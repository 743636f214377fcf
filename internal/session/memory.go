package session

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/agent-iam/go-core/internal/apperror"
	"github.com/agent-iam/go-core/pkg/types"
)

// MemoryStore is an in-memory Store used by tests and local development.
type MemoryStore struct {
	mu       sync.RWMutex
	sessions map[string]types.Session // keyed by token_id
}

// NewMemoryStore builds an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{sessions: make(map[string]types.Session)}
}

func (s *MemoryStore) Create(_ context.Context, session *types.Session) (*types.Session, error) {
	if session.TokenID == "" || session.IdentityID == "" || session.TenantID == "" {
		return nil, apperror.Validation("token_id, identity_id and tenant_id are required")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.sessions[session.TokenID]; exists {
		return nil, apperror.Conflict("session already exists")
	}
	if session.ID == "" {
		session.ID = uuid.New().String()
	}
	session.CreatedAt = time.Now().UTC()
	s.sessions[session.TokenID] = *session
	return session, nil
}

func (s *MemoryStore) GetByTokenID(_ context.Context, tokenID string) (*types.Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	session, ok := s.sessions[tokenID]
	if !ok {
		return nil, apperror.NotFound("session")
	}
	return &session, nil
}

func (s *MemoryStore) Revoke(_ context.Context, tokenID string) (*types.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	session, ok := s.sessions[tokenID]
	if !ok {
		return nil, apperror.NotFound("session")
	}
	if session.RevokedAt == nil {
		now := time.Now().UTC()
		session.RevokedAt = &now
		s.sessions[tokenID] = session
	}
	return &session, nil
}

func (s *MemoryStore) RevokeFamily(_ context.Context, identityID, familyID string) ([]string, error) {
	if familyID == "" {
		return nil, apperror.Validation("family_id is required")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now().UTC()
	var revoked []string
	for tokenID, session := range s.sessions {
		if session.IdentityID != identityID || session.FamilyID != familyID {
			continue
		}
		if session.RevokedAt != nil {
			continue
		}
		session.RevokedAt = &now
		s.sessions[tokenID] = session
		revoked = append(revoked, tokenID)
	}
	return revoked, nil
}

func (s *MemoryStore) TouchLastUsed(_ context.Context, tokenID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	session, ok := s.sessions[tokenID]
	if !ok {
		return apperror.NotFound("session")
	}
	now := time.Now().UTC()
	session.LastUsedAt = &now
	s.sessions[tokenID] = session
	return nil
}

func (s *MemoryStore) CountActive(_ context.Context, tenantID string) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	count := 0
	for _, session := range s.sessions {
		if tenantID != "" && session.TenantID != tenantID {
			continue
		}
		if session.IsRevoked() || session.IsExpired() {
			continue
		}
		count++
	}
	return count, nil
}

func (s *MemoryStore) Purge(_ context.Context, retention time.Duration) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	horizon := time.Now().Add(-retention)
	var purged int64
	for tokenID, session := range s.sessions {
		if session.ExpiresAt.Before(horizon) {
			delete(s.sessions, tokenID)
			purged++
		}
	}
	return purged, nil
}
