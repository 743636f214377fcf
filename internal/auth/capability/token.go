// Package capability implements the asymmetric, attenuable token family
// used by agent identities. A token is an envelope of ed25519-signed blocks:
// the first block carries the authority facts, and every block carries zero
// or more checks. Verification requires every signature and every check to
// hold, so appending a block can only ever narrow what the token permits.
package capability

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
)

// Check kinds. The temporal check is distinguished so validation can report
// expiry instead of a generic failure.
const (
	CheckKindTime   = "time"
	CheckKindCustom = "custom"
)

// Fact keys used by the root block.
const (
	factAgentID   = "agent_id"
	factTenantID  = "tenant_id"
	factParentID  = "parent_id"
	factTaskID    = "task_id"
	factTaskScope = "task_scope"
	factIssuedAt  = "issued_at"
	factExpiresAt = "expires_at"
	factKeyID     = "key_id"
	factJTI       = "jti"
)

// Check is one boolean condition that must hold at verification time.
type Check struct {
	Kind string `json:"kind"`
	Expr string `json:"expr"`
}

// Block is the signed payload unit. Facts are only legal in block 0; a
// non-root block carrying facts is rejected at validation, which is what
// keeps attenuation monotonic.
type Block struct {
	Index  int                    `json:"index"`
	Facts  map[string]interface{} `json:"facts,omitempty"`
	Checks []Check                `json:"checks,omitempty"`
}

type signedBlock struct {
	Payload   []byte `json:"payload"`
	Signature []byte `json:"signature"`
}

type envelope struct {
	Version int           `json:"v"`
	Blocks  []signedBlock `json:"blocks"`
}

const envelopeVersion = 1

func encodeEnvelope(env *envelope) (string, error) {
	raw, err := json.Marshal(env)
	if err != nil {
		return "", fmt.Errorf("failed to serialize token envelope: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(raw), nil
}

func decodeEnvelope(token string) (*envelope, error) {
	raw, err := base64.RawURLEncoding.DecodeString(token)
	if err != nil {
		return nil, fmt.Errorf("token is not valid base64: %w", err)
	}
	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("token envelope is malformed: %w", err)
	}
	if env.Version != envelopeVersion {
		return nil, fmt.Errorf("unsupported token version %d", env.Version)
	}
	if len(env.Blocks) == 0 {
		return nil, fmt.Errorf("token has no blocks")
	}
	return &env, nil
}

// signingInput binds each block to its predecessor's signature, so blocks
// cannot be reordered or dropped without breaking verification.
func signingInput(prevSignature, payload []byte) []byte {
	input := make([]byte, 0, len(prevSignature)+len(payload))
	input = append(input, prevSignature...)
	input = append(input, payload...)
	return input
}
