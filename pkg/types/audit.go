package types

import "time"

// AuditEventType enumerates the recorded event categories.
type AuditEventType string

const (
	EventAuthentication       AuditEventType = "authentication"
	EventAuthorization        AuditEventType = "authorization"
	EventIdentityCreated      AuditEventType = "identity_created"
	EventIdentityUpdated      AuditEventType = "identity_updated"
	EventIdentityDeleted      AuditEventType = "identity_deleted"
	EventPolicyCreated        AuditEventType = "policy_created"
	EventPolicyUpdated        AuditEventType = "policy_updated"
	EventPolicyDeleted        AuditEventType = "policy_deleted"
	EventSessionCreated       AuditEventType = "session_created"
	EventSessionRevoked       AuditEventType = "session_revoked"
	EventTokenIssued          AuditEventType = "token_issued"
	EventTokenRevoked         AuditEventType = "token_revoked"
	EventRateLimitExceeded    AuditEventType = "rate_limit_exceeded"
	EventConfigurationChanged AuditEventType = "configuration_changed"
	EventSystem               AuditEventType = "system_event"
)

// AuditEvent is one entry of the tamper-evident audit trail. Before persist
// it has no ID or PreviousEventHash; the pipeline assigns both when it links
// the event into its tenant's hash chain.
type AuditEvent struct {
	ID                string                 `json:"id" db:"id"`
	TenantID          string                 `json:"tenant_id" db:"tenant_id"`
	ActorIdentityID   string                 `json:"actor_identity_id,omitempty" db:"actor_identity_id"`
	DelegationChain   []DelegationLink       `json:"delegation_chain,omitempty" db:"delegation_chain"`
	EventType         AuditEventType         `json:"event_type" db:"event_type"`
	Action            string                 `json:"action" db:"action"`
	ResourceType      string                 `json:"resource_type" db:"resource_type"`
	ResourceID        string                 `json:"resource_id,omitempty" db:"resource_id"`
	Decision          Decision               `json:"decision,omitempty" db:"decision"`
	DecisionReason    string                 `json:"decision_reason,omitempty" db:"decision_reason"`
	RequestID         string                 `json:"request_id,omitempty" db:"request_id"`
	IPAddress         string                 `json:"ip_address,omitempty" db:"ip_address"`
	UserAgent         string                 `json:"user_agent,omitempty" db:"user_agent"`
	Metadata          map[string]interface{} `json:"metadata,omitempty" db:"metadata"`
	Timestamp         time.Time              `json:"timestamp" db:"timestamp"`
	PreviousEventHash string                 `json:"previous_event_hash,omitempty" db:"previous_event_hash"`
	Signature         string                 `json:"signature,omitempty" db:"signature"`
}

// AuditEventBuilder assembles events fluently at call sites.
type AuditEventBuilder struct {
	event AuditEvent
}

// NewAuditEvent starts a builder for the given event type and tenant.
func NewAuditEvent(eventType AuditEventType, tenantID, action, resourceType string) *AuditEventBuilder {
	return &AuditEventBuilder{
		event: AuditEvent{
			TenantID:     tenantID,
			EventType:    eventType,
			Action:       action,
			ResourceType: resourceType,
			Timestamp:    time.Now().UTC(),
			Metadata:     make(map[string]interface{}),
		},
	}
}

// WithActor sets the acting identity.
func (b *AuditEventBuilder) WithActor(identityID string) *AuditEventBuilder {
	b.event.ActorIdentityID = identityID
	return b
}

// WithResource sets the target resource id.
func (b *AuditEventBuilder) WithResource(resourceID string) *AuditEventBuilder {
	b.event.ResourceID = resourceID
	return b
}

// WithDecision records the authorization outcome and its reason.
func (b *AuditEventBuilder) WithDecision(decision Decision, reason string) *AuditEventBuilder {
	b.event.Decision = decision
	b.event.DecisionReason = reason
	return b
}

// WithRequestContext attaches correlation id, client address, and user agent.
func (b *AuditEventBuilder) WithRequestContext(requestID, ipAddress, userAgent string) *AuditEventBuilder {
	b.event.RequestID = requestID
	b.event.IPAddress = ipAddress
	b.event.UserAgent = userAgent
	return b
}

// WithDelegationChain records the delegation path active for the action.
func (b *AuditEventBuilder) WithDelegationChain(chain []DelegationLink) *AuditEventBuilder {
	b.event.DelegationChain = chain
	return b
}

// WithMetadata adds one metadata key.
func (b *AuditEventBuilder) WithMetadata(key string, value interface{}) *AuditEventBuilder {
	b.event.Metadata[key] = value
	return b
}

// Build returns the assembled event.
func (b *AuditEventBuilder) Build() AuditEvent {
	return b.event
}
