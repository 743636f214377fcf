// Package rest serves the JSON API over gorilla/mux.
package rest

import (
	"encoding/json"
	"net/http"

	"github.com/agent-iam/go-core/internal/apperror"
	"github.com/agent-iam/go-core/pkg/types"
)

// ErrorResponse is the uniform error body.
type ErrorResponse struct {
	Error   string                 `json:"error"`
	Code    string                 `json:"code,omitempty"`
	Details map[string]interface{} `json:"details,omitempty"`
}

// LoginRequest is the credential presentation body.
type LoginRequest struct {
	TenantID string `json:"tenant_id"`
	Email    string `json:"email"`
	Password string `json:"password"`
}

// RefreshRequest presents a refresh token for rotation.
type RefreshRequest struct {
	RefreshToken string `json:"refresh_token"`
}

// CreateIdentityRequest creates a user or service identity.
type CreateIdentityRequest struct {
	Kind     string                 `json:"kind"`
	Name     string                 `json:"name"`
	Email    string                 `json:"email,omitempty"`
	Password string                 `json:"password,omitempty"`
	Metadata map[string]interface{} `json:"metadata,omitempty"`
}

// ProvisionAgentRequest provisions a just-in-time agent under a parent.
type ProvisionAgentRequest struct {
	Name        string                 `json:"name"`
	TaskID      string                 `json:"task_id"`
	TaskScope   map[string]interface{} `json:"task_scope,omitempty"`
	TTLSeconds  int                    `json:"ttl_seconds,omitempty"`
	ExtraChecks []string               `json:"extra_checks,omitempty"`
	Metadata    map[string]interface{} `json:"metadata,omitempty"`
}

// BulkCheckRequest is a batch of authorization questions.
type BulkCheckRequest struct {
	Requests []types.AuthzRequest `json:"requests"`
}

// ListResponse wraps a collection with its paging echo.
type ListResponse struct {
	Items  interface{} `json:"items"`
	Count  int         `json:"count"`
	Limit  int         `json:"limit,omitempty"`
	Offset int         `json:"offset,omitempty"`
}

// DelegationChainResponse returns a chain root-first.
type DelegationChainResponse struct {
	IdentityID string                 `json:"identity_id"`
	Depth      int                    `json:"depth"`
	Chain      []types.DelegationLink `json:"chain"`
}

// HealthResponse is the probe body.
type HealthResponse struct {
	Status string            `json:"status"`
	Checks map[string]string `json:"checks,omitempty"`
}

// WriteJSON encodes a JSON response.
func WriteJSON(w http.ResponseWriter, statusCode int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if data != nil {
		_ = json.NewEncoder(w).Encode(data)
	}
}

// WriteError writes the uniform error body.
func WriteError(w http.ResponseWriter, statusCode int, message string) {
	WriteJSON(w, statusCode, ErrorResponse{Error: message})
}

// writeAppError maps a taxonomy error onto the wire: kind picks the status,
// internal detail never leaves the process, and 401s advertise the bearer
// challenge.
func writeAppError(w http.ResponseWriter, err error) {
	status := apperror.HTTPStatus(err)
	if status == http.StatusUnauthorized {
		w.Header().Set("WWW-Authenticate", "Bearer")
	}
	WriteJSON(w, status, ErrorResponse{
		Error: apperror.PublicMessage(err),
		Code:  string(apperror.KindOf(err)),
	})
}

// decodeJSON parses a request body, rejecting unknown fields.
func decodeJSON(r *http.Request, dst interface{}) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		return apperror.Validation("invalid request body: %v", err)
	}
	return nil
}
