package rest

import (
	"net/http"
	"strconv"

	"github.com/gorilla/mux"

	"github.com/agent-iam/go-core/internal/service"
	"github.com/agent-iam/go-core/pkg/types"
)

func (s *Server) createIdentityHandler(w http.ResponseWriter, r *http.Request) {
	claims := claimsFrom(r.Context())

	var req CreateIdentityRequest
	if err := decodeJSON(r, &req); err != nil {
		writeAppError(w, err)
		return
	}

	created, err := s.svc.CreateIdentity(r.Context(), claims.TenantID, claims.Subject, service.CreateIdentityRequest{
		Kind:     types.IdentityKind(req.Kind),
		Name:     req.Name,
		Email:    req.Email,
		Password: req.Password,
		Metadata: req.Metadata,
		Meta:     requestMeta(r),
	})
	if err != nil {
		writeAppError(w, err)
		return
	}
	WriteJSON(w, http.StatusCreated, created)
}

func (s *Server) getIdentityHandler(w http.ResponseWriter, r *http.Request) {
	claims := claimsFrom(r.Context())

	ident, err := s.svc.GetIdentity(r.Context(), claims.TenantID, mux.Vars(r)["id"])
	if err != nil {
		writeAppError(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, ident)
}

func (s *Server) listIdentitiesHandler(w http.ResponseWriter, r *http.Request) {
	claims := claimsFrom(r.Context())
	query := r.URL.Query()

	limit, _ := strconv.Atoi(query.Get("limit"))
	offset, _ := strconv.Atoi(query.Get("offset"))
	filter := types.IdentityFilter{
		Kind:     types.IdentityKind(query.Get("kind")),
		Status:   types.IdentityStatus(query.Get("status")),
		ParentID: query.Get("parent_id"),
		Limit:    limit,
		Offset:   offset,
	}

	identities, err := s.svc.ListIdentities(r.Context(), claims.TenantID, filter)
	if err != nil {
		writeAppError(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, ListResponse{
		Items:  identities,
		Count:  len(identities),
		Limit:  limit,
		Offset: offset,
	})
}

// delegationChainHandler walks the chain inside the authenticated caller's
// tenant; the path id alone never selects the tenant.
func (s *Server) delegationChainHandler(w http.ResponseWriter, r *http.Request) {
	claims := claimsFrom(r.Context())
	id := mux.Vars(r)["id"]

	chain, err := s.svc.DelegationChain(r.Context(), claims.TenantID, id)
	if err != nil {
		writeAppError(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, DelegationChainResponse{
		IdentityID: id,
		Depth:      len(chain) - 1,
		Chain:      chain,
	})
}

func (s *Server) provisionAgentHandler(w http.ResponseWriter, r *http.Request) {
	claims := claimsFrom(r.Context())

	var req ProvisionAgentRequest
	if err := decodeJSON(r, &req); err != nil {
		writeAppError(w, err)
		return
	}

	out, err := s.svc.ProvisionAgent(r.Context(), service.ProvisionAgentRequest{
		TenantID:    claims.TenantID,
		ParentID:    mux.Vars(r)["id"],
		TaskID:      req.TaskID,
		TaskScope:   req.TaskScope,
		Name:        req.Name,
		TTLSeconds:  req.TTLSeconds,
		ExtraChecks: req.ExtraChecks,
		Metadata:    req.Metadata,
		Meta:        requestMeta(r),
	})
	if err != nil {
		writeAppError(w, err)
		return
	}
	WriteJSON(w, http.StatusCreated, out)
}
