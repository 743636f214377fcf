package policy

import (
	"encoding/json"
	"fmt"

	cedar "github.com/cedar-policy/cedar-go"
	cedartypes "github.com/cedar-policy/cedar-go/types"

	"github.com/agent-iam/go-core/pkg/types"
)

// CedarBackend compiles and evaluates Cedar policy text.
type CedarBackend struct{}

// NewCedarBackend builds the Cedar capability.
func NewCedarBackend() *CedarBackend {
	return &CedarBackend{}
}

func (b *CedarBackend) Parse(id, text string) (Compiled, error) {
	var p cedar.Policy
	if err := p.UnmarshalCedar([]byte(text)); err != nil {
		return nil, fmt.Errorf("policy %s: %w", id, err)
	}
	return &p, nil
}

func (b *CedarBackend) EmptySet() Set {
	return cedar.NewPolicySet()
}

func (b *CedarBackend) SetAdd(set Set, id string, policy Compiled) {
	set.(*cedar.PolicySet).Add(cedar.PolicyID(id), policy.(*cedar.Policy))
}

func (b *CedarBackend) SetRemove(set Set, id string) {
	set.(*cedar.PolicySet).Remove(cedar.PolicyID(id))
}

func (b *CedarBackend) Evaluate(set Set, req Request) Evaluation {
	creq := cedar.Request{
		Principal: cedartypes.NewEntityUID(cedartypes.EntityType(req.Principal.Type), cedartypes.String(req.Principal.ID)),
		Action:    cedartypes.NewEntityUID(cedartypes.EntityType(req.Action.Type), cedartypes.String(req.Action.ID)),
		Resource:  cedartypes.NewEntityUID(cedartypes.EntityType(req.Resource.Type), cedartypes.String(req.Resource.ID)),
	}

	if len(req.Context) > 0 {
		record, err := contextRecord(req.Context)
		if err != nil {
			return Evaluation{
				Decision: types.DecisionDeny,
				Errors:   []string{fmt.Sprintf("invalid context: %v", err)},
			}
		}
		creq.Context = record
	}

	decision, diag := set.(*cedar.PolicySet).IsAuthorized(cedartypes.EntityMap{}, creq)

	out := Evaluation{Decision: types.DecisionDeny}
	if decision == cedar.Allow {
		out.Decision = types.DecisionAllow
	}
	for _, reason := range diag.Reasons {
		out.MatchedPolicyIDs = append(out.MatchedPolicyIDs, string(reason.PolicyID))
	}
	for _, evalErr := range diag.Errors {
		out.Errors = append(out.Errors, evalErr.Message)
	}
	return out
}

// contextRecord converts a JSON-shaped context map into a Cedar record.
func contextRecord(ctx map[string]interface{}) (cedartypes.Record, error) {
	raw, err := json.Marshal(ctx)
	if err != nil {
		return cedartypes.Record{}, err
	}
	var record cedartypes.Record
	if err := json.Unmarshal(raw, &record); err != nil {
		return cedartypes.Record{}, err
	}
	return record, nil
}
