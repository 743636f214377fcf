// Package types defines the shared domain model: identities, sessions,
// policies, and audit events.
package types

import (
	"errors"
	"net/mail"
	"time"
)

// IdentityKind classifies a principal.
type IdentityKind string

const (
	KindUser    IdentityKind = "user"
	KindService IdentityKind = "service"
	KindAgent   IdentityKind = "agent"
)

// IdentityStatus is the lifecycle state of an identity.
type IdentityStatus string

const (
	StatusActive    IdentityStatus = "active"
	StatusSuspended IdentityStatus = "suspended"
	StatusDeleted   IdentityStatus = "deleted"
)

// MaxDelegationDepth bounds how many agent hops a delegation chain may have.
const MaxDelegationDepth = 10

// Identity represents a principal: a human user, a long-lived service, or a
// just-in-time provisioned agent acting on behalf of a parent identity.
type Identity struct {
	ID               string                 `json:"id" db:"id"`
	TenantID         string                 `json:"tenant_id" db:"tenant_id"`
	Kind             IdentityKind           `json:"kind" db:"kind"`
	Name             string                 `json:"name" db:"name"`
	Email            string                 `json:"email,omitempty" db:"email"`
	Status           IdentityStatus         `json:"status" db:"status"`
	ParentIdentityID string                 `json:"parent_identity_id,omitempty" db:"parent_identity_id"`
	TaskID           string                 `json:"task_id,omitempty" db:"task_id"`
	TaskScope        map[string]interface{} `json:"task_scope,omitempty" db:"task_scope"`
	ExpiresAt        *time.Time             `json:"expires_at,omitempty" db:"expires_at"`
	PasswordHash     string                 `json:"-" db:"password_hash"`
	Metadata         map[string]interface{} `json:"metadata,omitempty" db:"metadata"`
	CreatedAt        time.Time              `json:"created_at" db:"created_at"`
	UpdatedAt        time.Time              `json:"updated_at" db:"updated_at"`
	LastLoginAt      *time.Time             `json:"last_login_at,omitempty" db:"last_login_at"`
}

// IsActive reports whether the identity may authenticate and act.
func (i *Identity) IsActive() bool {
	return i.Status == StatusActive
}

// IsExpired reports whether a bounded identity has passed its expiry.
func (i *Identity) IsExpired() bool {
	if i.ExpiresAt == nil {
		return false
	}
	return time.Now().After(*i.ExpiresAt)
}

// Validate enforces the structural invariants of the identity model:
// users carry an email, agents carry a parent, statuses and kinds are drawn
// from the closed enums.
func (i *Identity) Validate() error {
	if i.TenantID == "" {
		return errors.New("tenant_id is required")
	}
	if i.Name == "" {
		return errors.New("name is required")
	}

	switch i.Kind {
	case KindUser:
		if i.Email == "" {
			return errors.New("user identities require an email")
		}
		if _, err := mail.ParseAddress(i.Email); err != nil {
			return errors.New("invalid email address")
		}
	case KindService:
		// no extra requirements
	case KindAgent:
		if i.ParentIdentityID == "" {
			return errors.New("agent identities require a parent_identity_id")
		}
	default:
		return errors.New("kind must be one of 'user', 'service', 'agent'")
	}

	switch i.Status {
	case StatusActive, StatusSuspended, StatusDeleted:
	default:
		return errors.New("status must be one of 'active', 'suspended', 'deleted'")
	}

	return nil
}

// ValidStatus reports whether s is a member of the status enum.
func ValidStatus(s IdentityStatus) bool {
	switch s {
	case StatusActive, StatusSuspended, StatusDeleted:
		return true
	}
	return false
}

// IdentityFilter narrows identity listings. All listings are tenant-scoped.
type IdentityFilter struct {
	TenantID string
	Kind     IdentityKind
	Status   IdentityStatus
	ParentID string
	Limit    int
	Offset   int
}

// DelegationLink is one hop of a delegation chain as returned to callers,
// ordered root-to-leaf.
type DelegationLink struct {
	IdentityID string       `json:"identity_id"`
	Name       string       `json:"name"`
	Kind       IdentityKind `json:"kind"`
	TaskID     string       `json:"task_id,omitempty"`
	Depth      int          `json:"depth"`
}
