package capability

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/agent-iam/go-core/internal/apperror"
	"github.com/agent-iam/go-core/internal/cel"
)

// Standing checks minted into every root block.
const (
	temporalCheckExpr = "now < facts.expires_at"
	tenantCheckExpr   = `!has(resource.tenant_id) || resource.tenant_id == facts.tenant_id`
)

// MintRequest describes the agent authority to encode.
type MintRequest struct {
	AgentID     string
	TenantID    string
	ParentID    string
	TaskID      string
	TaskScope   map[string]interface{}
	ExpiresAt   time.Time
	ExtraChecks []string
}

// Claims is what a validated token asserts.
type Claims struct {
	AgentID   string
	TenantID  string
	ParentID  string
	TaskID    string
	JTI       string
	KeyID     string
	TaskScope map[string]interface{}
	IssuedAt  time.Time
	ExpiresAt time.Time
}

// Minted carries the encoded token plus session bookkeeping.
type Minted struct {
	Token     string
	JTI       string
	ExpiresAt time.Time
}

// Manager mints, validates, and attenuates capability tokens with a single
// root keypair. Attenuation is server-side: callers ask the service to
// narrow a token, and the appended block is signed with the same root key.
type Manager struct {
	private ed25519.PrivateKey
	public  ed25519.PublicKey
	keyID   string
	engine  *cel.Engine
	logger  *zap.Logger
}

// NewManager derives the keypair from a 32-byte seed (sourced from config)
// so every instance of the service verifies the same tokens.
func NewManager(seed []byte, engine *cel.Engine, logger *zap.Logger) (*Manager, error) {
	if len(seed) != ed25519.SeedSize {
		return nil, fmt.Errorf("capability key seed must be %d bytes, got %d", ed25519.SeedSize, len(seed))
	}
	if engine == nil {
		return nil, fmt.Errorf("check engine is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	private := ed25519.NewKeyFromSeed(seed)
	return &Manager{
		private: private,
		public:  private.Public().(ed25519.PublicKey),
		keyID:   uuid.NewSHA1(uuid.NameSpaceOID, seed).String(),
		engine:  engine,
		logger:  logger,
	}, nil
}

// NewRandomManager generates an ephemeral keypair. Test use only.
func NewRandomManager(engine *cel.Engine, logger *zap.Logger) (*Manager, error) {
	seed := make([]byte, ed25519.SeedSize)
	if _, err := rand.Read(seed); err != nil {
		return nil, fmt.Errorf("failed to generate key seed: %w", err)
	}
	return NewManager(seed, engine, logger)
}

// PublicKeyBytes exports the root verification key for downstream verifiers.
func (m *Manager) PublicKeyBytes() []byte {
	out := make([]byte, len(m.public))
	copy(out, m.public)
	return out
}

// Mint builds and signs the root block.
func (m *Manager) Mint(req MintRequest) (Minted, error) {
	now := time.Now().UTC()
	if !req.ExpiresAt.After(now) {
		return Minted{}, apperror.Validation("capability token expiry must be in the future")
	}
	if req.AgentID == "" || req.TenantID == "" {
		return Minted{}, apperror.Validation("agent_id and tenant_id are required")
	}

	jti := uuid.New().String()
	block := Block{
		Index: 0,
		Facts: map[string]interface{}{
			factAgentID:   req.AgentID,
			factTenantID:  req.TenantID,
			factParentID:  req.ParentID,
			factTaskID:    req.TaskID,
			factIssuedAt:  now.Unix(),
			factExpiresAt: req.ExpiresAt.Unix(),
			factKeyID:     m.keyID,
			factJTI:       jti,
		},
		Checks: []Check{
			{Kind: CheckKindTime, Expr: temporalCheckExpr},
			{Kind: CheckKindCustom, Expr: tenantCheckExpr},
		},
	}
	if req.TaskScope != nil {
		block.Facts[factTaskScope] = req.TaskScope
	}
	for _, expr := range req.ExtraChecks {
		if _, err := m.engine.Compile(expr); err != nil {
			return Minted{}, apperror.Validation("invalid check expression: %v", err)
		}
		block.Checks = append(block.Checks, Check{Kind: CheckKindCustom, Expr: expr})
	}

	payload, err := json.Marshal(block)
	if err != nil {
		return Minted{}, fmt.Errorf("failed to serialize root block: %w", err)
	}

	env := &envelope{
		Version: envelopeVersion,
		Blocks: []signedBlock{{
			Payload:   payload,
			Signature: ed25519.Sign(m.private, signingInput(nil, payload)),
		}},
	}

	token, err := encodeEnvelope(env)
	if err != nil {
		return Minted{}, err
	}
	return Minted{Token: token, JTI: jti, ExpiresAt: req.ExpiresAt.Truncate(time.Second)}, nil
}

// Attenuate appends a check-only block. The result validates iff the input
// validates and every extra check holds; authority can never widen because
// non-root facts are rejected outright at validation.
func (m *Manager) Attenuate(token string, extraChecks []string) (string, error) {
	if len(extraChecks) == 0 {
		return "", apperror.Validation("attenuation requires at least one check")
	}

	env, err := decodeEnvelope(token)
	if err != nil {
		return "", apperror.TokenInvalid(err.Error())
	}
	if err := m.verifySignatures(env); err != nil {
		return "", err
	}

	checks := make([]Check, 0, len(extraChecks))
	for _, expr := range extraChecks {
		if _, err := m.engine.Compile(expr); err != nil {
			return "", apperror.Validation("invalid check expression: %v", err)
		}
		checks = append(checks, Check{Kind: CheckKindCustom, Expr: expr})
	}

	block := Block{Index: len(env.Blocks), Checks: checks}
	payload, err := json.Marshal(block)
	if err != nil {
		return "", fmt.Errorf("failed to serialize attenuation block: %w", err)
	}

	prevSig := env.Blocks[len(env.Blocks)-1].Signature
	env.Blocks = append(env.Blocks, signedBlock{
		Payload:   payload,
		Signature: ed25519.Sign(m.private, signingInput(prevSig, payload)),
	})

	return encodeEnvelope(env)
}

// Validate verifies every block signature, then evaluates every check with
// the current time and the optional resource in scope. A failing temporal
// check reports expiry; any other failure reports an invalid token.
func (m *Manager) Validate(token string, resource map[string]interface{}) (*Claims, error) {
	env, err := decodeEnvelope(token)
	if err != nil {
		return nil, apperror.TokenInvalid(err.Error())
	}
	if err := m.verifySignatures(env); err != nil {
		return nil, err
	}

	blocks := make([]Block, len(env.Blocks))
	for i, sb := range env.Blocks {
		if err := json.Unmarshal(sb.Payload, &blocks[i]); err != nil {
			return nil, apperror.TokenInvalid("token block is malformed")
		}
		if i > 0 && len(blocks[i].Facts) > 0 {
			return nil, apperror.TokenInvalid("attenuation block may not add facts")
		}
	}

	facts := blocks[0].Facts
	if facts == nil {
		return nil, apperror.TokenInvalid("token has no facts")
	}

	evalCtx := &cel.EvalContext{
		Now:      time.Now().Unix(),
		Facts:    facts,
		Resource: resource,
	}
	for _, block := range blocks {
		for _, check := range block.Checks {
			ok, err := m.engine.Evaluate(check.Expr, evalCtx)
			if err != nil {
				m.logger.Debug("capability check errored",
					zap.String("expr", check.Expr),
					zap.Error(err),
				)
				return nil, apperror.TokenInvalid("token check failed to evaluate")
			}
			if !ok {
				if check.Kind == CheckKindTime {
					return nil, apperror.TokenExpired()
				}
				return nil, apperror.TokenInvalid("token check failed")
			}
		}
	}

	return claimsFromFacts(facts)
}

func (m *Manager) verifySignatures(env *envelope) error {
	var prevSig []byte
	for _, sb := range env.Blocks {
		if !ed25519.Verify(m.public, signingInput(prevSig, sb.Payload), sb.Signature) {
			return apperror.TokenInvalid("token signature verification failed")
		}
		prevSig = sb.Signature
	}
	return nil
}

func claimsFromFacts(facts map[string]interface{}) (*Claims, error) {
	claims := &Claims{
		AgentID:  stringFact(facts, factAgentID),
		TenantID: stringFact(facts, factTenantID),
		ParentID: stringFact(facts, factParentID),
		TaskID:   stringFact(facts, factTaskID),
		JTI:      stringFact(facts, factJTI),
		KeyID:    stringFact(facts, factKeyID),
	}
	if claims.AgentID == "" || claims.TenantID == "" || claims.JTI == "" {
		return nil, apperror.TokenInvalid("token facts are incomplete")
	}

	// expires_at is a retrievable fact, read directly rather than inferred
	// from issuance time.
	issued, ok := intFact(facts, factIssuedAt)
	if !ok {
		return nil, apperror.TokenInvalid("token has no issued_at fact")
	}
	expires, ok := intFact(facts, factExpiresAt)
	if !ok {
		return nil, apperror.TokenInvalid("token has no expires_at fact")
	}
	claims.IssuedAt = time.Unix(issued, 0).UTC()
	claims.ExpiresAt = time.Unix(expires, 0).UTC()

	if scope, ok := facts[factTaskScope].(map[string]interface{}); ok {
		claims.TaskScope = scope
	}
	return claims, nil
}

func stringFact(facts map[string]interface{}, key string) string {
	s, _ := facts[key].(string)
	return s
}

func intFact(facts map[string]interface{}, key string) (int64, bool) {
	switch v := facts[key].(type) {
	case int64:
		return v, true
	case float64:
		return int64(v), true
	case json.Number:
		n, err := v.Int64()
		return n, err == nil
	default:
		return 0, false
	}
}
