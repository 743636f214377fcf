package rest

import (
	"context"
	"net/http"
	"time"
)

const probeTimeout = 2 * time.Second

// livenessHandler reports process health only; it never touches a backend.
func (s *Server) livenessHandler(w http.ResponseWriter, _ *http.Request) {
	WriteJSON(w, http.StatusOK, HealthResponse{Status: "alive"})
}

// readinessHandler pings the relational store and the key-value store. A
// failed dependency flips the probe to 503 so the balancer drains us.
func (s *Server) readinessHandler(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), probeTimeout)
	defer cancel()

	checks := make(map[string]string)
	healthy := true

	if s.db != nil {
		if err := s.db.PingContext(ctx); err != nil {
			checks["postgres"] = err.Error()
			healthy = false
		} else {
			checks["postgres"] = "ok"
		}
	}
	if s.redis != nil {
		if err := s.redis.Ping(ctx).Err(); err != nil {
			checks["redis"] = err.Error()
			healthy = false
		} else {
			checks["redis"] = "ok"
		}
	}

	status := http.StatusOK
	body := HealthResponse{Status: "ready", Checks: checks}
	if !healthy {
		status = http.StatusServiceUnavailable
		body.Status = "degraded"
	}
	WriteJSON(w, status, body)
}

// startupHandler reports that wiring completed; the process only serves
// after New returned.
func (s *Server) startupHandler(w http.ResponseWriter, _ *http.Request) {
	WriteJSON(w, http.StatusOK, HealthResponse{Status: "started"})
}
