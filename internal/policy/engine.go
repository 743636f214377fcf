package policy

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"github.com/agent-iam/go-core/internal/apperror"
	"github.com/agent-iam/go-core/pkg/types"
)

// MaxBulkRequests bounds one bulk authorization call.
const MaxBulkRequests = 100

// Engine evaluates authorization requests against a compiled working set.
// The working set is a pure function of the store's active policies plus
// Add/Remove mutations; Reload replaces it atomically.
type Engine struct {
	backend Backend
	logger  *zap.Logger

	mu    sync.RWMutex
	set   Set
	count int
	store Store
}

// NewEngine builds an engine with an empty working set.
func NewEngine(backend Backend, logger *zap.Logger) *Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Engine{
		backend: backend,
		logger:  logger,
		set:     backend.EmptySet(),
	}
}

// Reload builds a fresh set from every active policy in the store and swaps
// it in atomically. Any parse failure fails the whole reload and leaves the
// current working set untouched.
func (e *Engine) Reload(ctx context.Context, store Store) (int, error) {
	policies, err := store.List(ctx, types.PolicyFilter{ActiveOnly: true})
	if err != nil {
		return 0, err
	}

	fresh := e.backend.EmptySet()
	for _, p := range policies {
		compiled, err := e.backend.Parse(p.ID, p.PolicyText)
		if err != nil {
			return 0, apperror.Validation("reload aborted: %v", err)
		}
		e.backend.SetAdd(fresh, p.ID, compiled)
	}

	e.mu.Lock()
	e.set = fresh
	e.count = len(policies)
	e.store = store
	e.mu.Unlock()

	e.logger.Info("policy working set reloaded", zap.Int("policies", len(policies)))
	return len(policies), nil
}

// Add parses one policy and inserts it into the working set.
func (e *Engine) Add(id, text string) error {
	compiled, err := e.backend.Parse(id, text)
	if err != nil {
		return apperror.Validation("%v", err)
	}

	e.mu.Lock()
	e.backend.SetAdd(e.set, id, compiled)
	e.count++
	e.mu.Unlock()
	return nil
}

// Remove drops one policy from the working set.
func (e *Engine) Remove(id string) {
	e.mu.Lock()
	e.backend.SetRemove(e.set, id)
	if e.count > 0 {
		e.count--
	}
	e.mu.Unlock()
}

// Count reports the size of the working set.
func (e *Engine) Count() int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.count
}

// Authorize evaluates one request. Malformed entities and evaluation errors
// deny with the error surfaced in the result; Authorize never returns a Go
// error so bulk callers cannot short-circuit.
func (e *Engine) Authorize(req types.AuthzRequest) types.AuthzResult {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.authorizeLocked(req)
}

// AuthorizeBulk refreshes the working set from the bound store once, then
// evaluates up to MaxBulkRequests against that one consistent snapshot.
// Every request is evaluated; per-request failures land in that request's
// result. A failed refresh keeps serving the previous working set.
func (e *Engine) AuthorizeBulk(ctx context.Context, reqs []types.AuthzRequest) (*types.BulkAuthzResult, error) {
	if len(reqs) == 0 {
		return nil, apperror.Validation("at least one request is required")
	}
	if len(reqs) > MaxBulkRequests {
		return nil, apperror.Validation("at most %d requests per bulk call", MaxBulkRequests)
	}

	e.mu.RLock()
	store := e.store
	e.mu.RUnlock()
	if store != nil {
		if _, err := e.Reload(ctx, store); err != nil {
			e.logger.Warn("bulk check serving previous working set", zap.Error(err))
		}
	}

	e.mu.RLock()
	defer e.mu.RUnlock()

	out := &types.BulkAuthzResult{
		Results: make([]types.AuthzResult, 0, len(reqs)),
		Total:   len(reqs),
	}
	for _, req := range reqs {
		result := e.authorizeLocked(req)
		if result.Allowed {
			out.AllowedCount++
		} else {
			out.DeniedCount++
		}
		out.Results = append(out.Results, result)
	}
	return out, nil
}

func (e *Engine) authorizeLocked(req types.AuthzRequest) types.AuthzResult {
	result := types.AuthzResult{
		Decision:  types.DecisionDeny,
		Reasons:   []string{},
		Errors:    []string{},
		Principal: req.Principal,
		Action:    req.Action,
		Resource:  req.Resource,
	}

	principal, err := ParseEntity(req.Principal)
	if err != nil {
		result.Errors = append(result.Errors, err.Error())
		return result
	}
	action, err := ParseAction(req.Action)
	if err != nil {
		result.Errors = append(result.Errors, err.Error())
		return result
	}
	resource, err := ParseEntity(req.Resource)
	if err != nil {
		result.Errors = append(result.Errors, err.Error())
		return result
	}

	eval := e.backend.Evaluate(e.set, Request{
		Principal: principal,
		Action:    action,
		Resource:  resource,
		Context:   req.Context,
	})

	result.Decision = eval.Decision
	result.Allowed = eval.Decision == types.DecisionAllow
	result.Reasons = append(result.Reasons, eval.MatchedPolicyIDs...)
	result.Errors = append(result.Errors, eval.Errors...)
	return result
}
