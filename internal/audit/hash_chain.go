// Package audit implements the tamper-evident audit trail: hash-chained
// event linkage, an asynchronous batching pipeline, and pluggable storage
// backends.
package audit

import (
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/agent-iam/go-core/pkg/types"
)

// ComputeHash canonicalizes an event and returns its SHA-256 hex digest.
// The canonical form is a pipe-delimited key=value string over the fields
// that participate in tamper detection; nullable fields serialize as "null".
// Any change to this format breaks existing chains, so it is frozen.
func ComputeHash(event *types.AuditEvent) (string, error) {
	canonical, err := canonicalize(event)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256([]byte(canonical))
	return hex.EncodeToString(sum[:]), nil
}

func canonicalize(event *types.AuditEvent) (string, error) {
	metadata, err := json.Marshal(event.Metadata)
	if err != nil {
		return "", fmt.Errorf("failed to serialize metadata: %w", err)
	}

	var b strings.Builder
	fmt.Fprintf(&b, "id=%s", event.ID)
	fmt.Fprintf(&b, "|tenant_id=%s", event.TenantID)
	fmt.Fprintf(&b, "|actor_identity_id=%s", orNull(event.ActorIdentityID))
	fmt.Fprintf(&b, "|event_type=%s", event.EventType)
	fmt.Fprintf(&b, "|action=%s", event.Action)
	fmt.Fprintf(&b, "|resource_type=%s", event.ResourceType)
	fmt.Fprintf(&b, "|resource_id=%s", orNull(event.ResourceID))
	fmt.Fprintf(&b, "|decision=%s", orNull(string(event.Decision)))
	fmt.Fprintf(&b, "|timestamp=%s", event.Timestamp.UTC().Format(time.RFC3339Nano))
	fmt.Fprintf(&b, "|previous_hash=%s", orNull(event.PreviousEventHash))
	fmt.Fprintf(&b, "|metadata=%s", metadata)
	return b.String(), nil
}

func orNull(s string) string {
	if s == "" {
		return "null"
	}
	return s
}

// VerifyChain checks that an ordered event sequence forms an unbroken hash
// chain: the head has no previous hash and every later event links to the
// hash of its predecessor. Hash comparisons are constant time.
func VerifyChain(events []types.AuditEvent) (bool, error) {
	idx, err := FindChainBreak(events)
	if err != nil {
		return false, err
	}
	return idx == -1, nil
}

// FindChainBreak returns the index of the first event that breaks the chain,
// or -1 if the chain is intact.
func FindChainBreak(events []types.AuditEvent) (int, error) {
	if len(events) == 0 {
		return -1, nil
	}

	if events[0].PreviousEventHash != "" {
		return 0, nil
	}

	for i := 1; i < len(events); i++ {
		expected, err := ComputeHash(&events[i-1])
		if err != nil {
			return -1, fmt.Errorf("failed to hash event %d: %w", i-1, err)
		}
		if !hashEqual(events[i].PreviousEventHash, expected) {
			return i, nil
		}
	}
	return -1, nil
}

func hashEqual(a, b string) bool {
	if len(a) != len(b) {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}
