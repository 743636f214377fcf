// Package policy loads declarative authorization policies into a compiled
// working set and evaluates requests against it.
package policy

import (
	"fmt"
	"strings"

	"github.com/agent-iam/go-core/pkg/types"
)

// Compiled is one parsed policy, owned by the Backend that produced it.
type Compiled interface{}

// Set is a compiled policy set, owned by the Backend that produced it.
type Set interface{}

// EntityRef is a normalized entity reference, e.g. User::"alice" becomes
// {Type: "User", ID: "alice"}.
type EntityRef struct {
	Type string
	ID   string
}

func (e EntityRef) String() string {
	return fmt.Sprintf("%s::%q", e.Type, e.ID)
}

// Request is a normalized authorization question handed to a Backend.
type Request struct {
	Principal EntityRef
	Action    EntityRef
	Resource  EntityRef
	Context   map[string]interface{}
}

// Evaluation is the backend's verdict for one request.
type Evaluation struct {
	Decision         types.Decision
	MatchedPolicyIDs []string
	Errors           []string
}

// Backend is the policy-language capability. The engine is polymorphic over
// it; the production implementation compiles and evaluates Cedar.
type Backend interface {
	// Parse compiles one policy. A parse failure must carry enough context
	// to name the failing policy.
	Parse(id, text string) (Compiled, error)

	// EmptySet returns a fresh, empty policy set.
	EmptySet() Set

	// SetAdd inserts or replaces the policy stored under id.
	SetAdd(set Set, id string, policy Compiled)

	// SetRemove deletes the policy stored under id, if present.
	SetRemove(set Set, id string)

	// Evaluate answers a request against the set. Evaluation errors are
	// reported in the result, not as a Go error; an errored evaluation
	// always denies.
	Evaluate(set Set, req Request) Evaluation
}

// ParseEntity normalizes the `Type::"id"` entity form. The id segment may be
// quoted or bare; namespaced types (`NS::Type::"id"`) keep their namespace.
func ParseEntity(s string) (EntityRef, error) {
	idx := strings.LastIndex(s, "::")
	if idx <= 0 || idx+2 >= len(s) {
		return EntityRef{}, fmt.Errorf("malformed entity %q: want Type::\"id\"", s)
	}
	typ := s[:idx]
	id := strings.Trim(s[idx+2:], `"`)
	if typ == "" || id == "" {
		return EntityRef{}, fmt.Errorf("malformed entity %q: empty type or id", s)
	}
	return EntityRef{Type: typ, ID: id}, nil
}

// ParseAction normalizes an action that may be bare ("read") or fully
// qualified (`Action::"read"`).
func ParseAction(s string) (EntityRef, error) {
	if s == "" {
		return EntityRef{}, fmt.Errorf("action is required")
	}
	if !strings.Contains(s, "::") {
		return EntityRef{Type: "Action", ID: s}, nil
	}
	return ParseEntity(s)
}
