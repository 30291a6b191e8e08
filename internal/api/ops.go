package api

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/mux"
)

// opsHandler builds the operational endpoints served away from the content
// listener so probes and scrapes never compete with artifact traffic.
func (s *Server) opsHandler() http.Handler {
	r := mux.NewRouter()
	r.HandleFunc("/livez", s.handleLivez).Methods(http.MethodGet)
	r.HandleFunc("/healthz", s.handleHealthz).Methods(http.MethodGet)
	r.HandleFunc("/metrics", s.handleMetrics).Methods(http.MethodGet)
	return r
}

func (s *Server) handleLivez(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
}

// handleHealthz reports readiness: the database must answer, and so must
// redis when the response cache is enabled.
func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	checks := map[string]string{"database": "ok"}
	healthy := true

	if err := s.db.PingContext(ctx); err != nil {
		checks["database"] = err.Error()
		healthy = false
	}
	if s.redis != nil {
		checks["redis"] = "ok"
		if err := s.redis.Health(ctx); err != nil {
			checks["redis"] = err.Error()
			healthy = false
		}
	}

	status := http.StatusOK
	if !healthy {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, map[string]any{
		"healthy": healthy,
		"checks":  checks,
		"time":    time.Now().UTC().Format(time.RFC3339),
	})
}

func (s *Server) handleMetrics(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.metrics.Snapshot())
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
