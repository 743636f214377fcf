package types

import (
	"errors"
	"time"
)

// Policy is one stored authorization policy. TenantID empty means the policy
// is global and applies to every tenant. PolicyText is the declarative
// policy source; it must parse before the policy can enter the working set.
type Policy struct {
	ID         string    `json:"id" db:"id"`
	TenantID   string    `json:"tenant_id,omitempty" db:"tenant_id"`
	Name       string    `json:"name" db:"name"`
	PolicyText string    `json:"policy_text" db:"policy_text"`
	Version    int       `json:"version" db:"version"`
	IsActive   bool      `json:"is_active" db:"is_active"`
	CreatedAt  time.Time `json:"created_at" db:"created_at"`
	UpdatedAt  time.Time `json:"updated_at" db:"updated_at"`
}

// Validate checks the storable invariants. Parseability of PolicyText is the
// policy backend's concern and is enforced on load, not here.
func (p *Policy) Validate() error {
	if p.Name == "" {
		return errors.New("policy name is required")
	}
	if p.PolicyText == "" {
		return errors.New("policy_text is required")
	}
	if p.Version < 1 {
		return errors.New("version must be >= 1")
	}
	return nil
}

// PolicyFilter narrows policy listings.
type PolicyFilter struct {
	TenantID   string
	ActiveOnly bool
	Limit      int
	Offset     int
}

// Decision is the outcome of an authorization evaluation.
type Decision string

const (
	DecisionAllow Decision = "allow"
	DecisionDeny  Decision = "deny"
)

// AuthzRequest is one authorization question. Principal and Resource use the
// entity form `Type::"id"`; Action may be bare ("read") or fully qualified
// (`Action::"read"`).
type AuthzRequest struct {
	Principal string                 `json:"principal"`
	Action    string                 `json:"action"`
	Resource  string                 `json:"resource"`
	Context   map[string]interface{} `json:"context,omitempty"`
}

// AuthzResult is the outcome for a single request.
type AuthzResult struct {
	Decision  Decision `json:"decision"`
	Allowed   bool     `json:"allowed"`
	Reasons   []string `json:"reasons"`
	Errors    []string `json:"errors"`
	Principal string   `json:"principal,omitempty"`
	Action    string   `json:"action,omitempty"`
	Resource  string   `json:"resource,omitempty"`
}

// BulkAuthzResult carries per-index results plus tallies for a batch.
type BulkAuthzResult struct {
	Results      []AuthzResult `json:"results"`
	Total        int           `json:"total"`
	AllowedCount int           `json:"allowed_count"`
	DeniedCount  int           `json:"denied_count"`
}
