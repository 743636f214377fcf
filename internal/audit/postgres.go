package audit

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/agent-iam/go-core/pkg/types"
)

// PostgresBackend persists audit events to the audit_events table. It also
// implements ChainSource so the pipeline can resume chains after a restart.
type PostgresBackend struct {
	db *sql.DB
}

// NewPostgresBackend wraps an open handle.
func NewPostgresBackend(db *sql.DB) *PostgresBackend {
	return &PostgresBackend{db: db}
}

func (p *PostgresBackend) Name() string { return "postgres" }

// WriteBatch inserts the batch in one transaction. ON CONFLICT keeps the
// write idempotent under pipeline redelivery.
func (p *PostgresBackend) WriteBatch(ctx context.Context, events []types.AuditEvent) error {
	if len(events) == 0 {
		return nil
	}

	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin audit transaction: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO audit_events (
			id, tenant_id, actor_identity_id, delegation_chain, event_type,
			action, resource_type, resource_id, decision, decision_reason,
			request_id, ip_address, user_agent, metadata, timestamp,
			previous_event_hash, signature
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17)
		ON CONFLICT (id) DO NOTHING`)
	if err != nil {
		return fmt.Errorf("failed to prepare audit insert: %w", err)
	}
	defer stmt.Close()

	for i := range events {
		e := &events[i]

		metadata, err := json.Marshal(e.Metadata)
		if err != nil {
			return fmt.Errorf("failed to serialize metadata for event %s: %w", e.ID, err)
		}
		var chain []byte
		if e.DelegationChain != nil {
			chain, err = json.Marshal(e.DelegationChain)
			if err != nil {
				return fmt.Errorf("failed to serialize delegation chain for event %s: %w", e.ID, err)
			}
		}

		if _, err := stmt.ExecContext(ctx,
			e.ID, e.TenantID, nullable(e.ActorIdentityID), nullBytes(chain), string(e.EventType),
			e.Action, e.ResourceType, nullable(e.ResourceID), nullable(string(e.Decision)), nullable(e.DecisionReason),
			nullable(e.RequestID), nullable(e.IPAddress), nullable(e.UserAgent), metadata, e.Timestamp,
			nullable(e.PreviousEventHash), nullable(e.Signature),
		); err != nil {
			return fmt.Errorf("failed to insert audit event %s: %w", e.ID, err)
		}
	}

	return tx.Commit()
}

func (p *PostgresBackend) Close() error { return nil }

// LastEvent returns the newest persisted event for a tenant, or nil.
func (p *PostgresBackend) LastEvent(ctx context.Context, tenantID string) (*types.AuditEvent, error) {
	row := p.db.QueryRowContext(ctx, `
		SELECT id, tenant_id, actor_identity_id, event_type, action,
		       resource_type, resource_id, decision, decision_reason,
		       request_id, ip_address, user_agent, metadata, timestamp,
		       previous_event_hash, signature
		FROM audit_events
		WHERE tenant_id = $1
		ORDER BY timestamp DESC, id DESC
		LIMIT 1`, tenantID)

	event, err := scanEvent(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load chain tail: %w", err)
	}
	return event, nil
}

// ListByTenant returns a tenant's events in chain order, for verification
// and the audit inspection surface.
func (p *PostgresBackend) ListByTenant(ctx context.Context, tenantID string, limit int) ([]types.AuditEvent, error) {
	if limit <= 0 {
		limit = 1000
	}
	rows, err := p.db.QueryContext(ctx, `
		SELECT id, tenant_id, actor_identity_id, event_type, action,
		       resource_type, resource_id, decision, decision_reason,
		       request_id, ip_address, user_agent, metadata, timestamp,
		       previous_event_hash, signature
		FROM audit_events
		WHERE tenant_id = $1
		ORDER BY timestamp ASC, id ASC
		LIMIT $2`, tenantID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query audit events: %w", err)
	}
	defer rows.Close()

	var events []types.AuditEvent
	for rows.Next() {
		event, err := scanEvent(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan audit event: %w", err)
		}
		events = append(events, *event)
	}
	return events, rows.Err()
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanEvent(row rowScanner) (*types.AuditEvent, error) {
	var e types.AuditEvent
	var actor, resourceID, decision, reason, requestID, ip, ua, prevHash, signature sql.NullString
	var metadata []byte

	if err := row.Scan(
		&e.ID, &e.TenantID, &actor, &e.EventType, &e.Action,
		&e.ResourceType, &resourceID, &decision, &reason,
		&requestID, &ip, &ua, &metadata, &e.Timestamp,
		&prevHash, &signature,
	); err != nil {
		return nil, err
	}

	e.ActorIdentityID = actor.String
	e.ResourceID = resourceID.String
	e.Decision = types.Decision(decision.String)
	e.DecisionReason = reason.String
	e.RequestID = requestID.String
	e.IPAddress = ip.String
	e.UserAgent = ua.String
	e.PreviousEventHash = prevHash.String
	e.Signature = signature.String
	e.Timestamp = e.Timestamp.UTC()

	if len(metadata) > 0 {
		if err := json.Unmarshal(metadata, &e.Metadata); err != nil {
			return nil, fmt.Errorf("failed to decode metadata: %w", err)
		}
	}
	return &e, nil
}

func nullable(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}

func nullBytes(b []byte) interface{} {
	if len(b) == 0 {
		return nil
	}
	return b
}
