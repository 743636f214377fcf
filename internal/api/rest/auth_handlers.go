package rest

import (
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/agent-iam/go-core/internal/service"
)

func (s *Server) loginHandler(w http.ResponseWriter, r *http.Request) {
	var req LoginRequest
	if err := decodeJSON(r, &req); err != nil {
		writeAppError(w, err)
		return
	}

	pair, err := s.svc.Login(r.Context(), service.LoginRequest{
		TenantID: req.TenantID,
		Email:    req.Email,
		Password: req.Password,
		Meta:     requestMeta(r),
	})
	if err != nil {
		var limitErr *service.LimitExceededError
		if errors.As(err, &limitErr) {
			setRateLimitHeaders(w, limitErr.Result)
			w.Header().Set("Retry-After", strconv.FormatInt(limitErr.Result.RetryAfter(time.Now()), 10))
		}
		writeAppError(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, pair)
}

func (s *Server) logoutHandler(w http.ResponseWriter, r *http.Request) {
	// The middleware already validated the bearer; logout revokes that same
	// token.
	token, _ := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
	if err := s.svc.Logout(r.Context(), token, requestMeta(r)); err != nil {
		writeAppError(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, map[string]string{"status": "logged_out"})
}

func (s *Server) refreshHandler(w http.ResponseWriter, r *http.Request) {
	var req RefreshRequest
	if err := decodeJSON(r, &req); err != nil {
		writeAppError(w, err)
		return
	}

	pair, err := s.svc.Refresh(r.Context(), req.RefreshToken, requestMeta(r))
	if err != nil {
		writeAppError(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, pair)
}
