package rest

import (
	"net/http"
	"strconv"

	"github.com/agent-iam/go-core/pkg/types"
)

func (s *Server) checkHandler(w http.ResponseWriter, r *http.Request) {
	claims := claimsFrom(r.Context())

	var req types.AuthzRequest
	if err := decodeJSON(r, &req); err != nil {
		writeAppError(w, err)
		return
	}

	result := s.svc.Check(r.Context(), claims, requestMeta(r), req)
	WriteJSON(w, http.StatusOK, result)
}

func (s *Server) bulkCheckHandler(w http.ResponseWriter, r *http.Request) {
	claims := claimsFrom(r.Context())

	var req BulkCheckRequest
	if err := decodeJSON(r, &req); err != nil {
		writeAppError(w, err)
		return
	}

	out, err := s.svc.BulkCheck(r.Context(), claims, requestMeta(r), req.Requests)
	if err != nil {
		writeAppError(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, out)
}

func (s *Server) listPoliciesHandler(w http.ResponseWriter, r *http.Request) {
	claims := claimsFrom(r.Context())
	query := r.URL.Query()

	limit, _ := strconv.Atoi(query.Get("limit"))
	offset, _ := strconv.Atoi(query.Get("offset"))

	policies, err := s.svc.ListPolicies(r.Context(), claims.TenantID, types.PolicyFilter{
		Limit:  limit,
		Offset: offset,
	})
	if err != nil {
		writeAppError(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, ListResponse{
		Items:  policies,
		Count:  len(policies),
		Limit:  limit,
		Offset: offset,
	})
}
