package api

import (
	"net/http"
	"time"

	"github.com/plant-monitor/pmc/internal/auth"
	"github.com/plant-monitor/pmc/internal/monitor"
)

// RegisterRoutes registers every route on mux. All routes are GET only; the
// mux answers other methods with 405.
func (s *Server) RegisterRoutes(mux *http.ServeMux) {
	apiV1 := "GET /api/v1"

	// Health endpoint (no auth required)
	mux.HandleFunc("GET "+auth.HealthPath, s.handleHealth)

	if s.metrics != nil {
		mux.Handle("GET /metrics", s.metrics.Handler())
	}

	mux.HandleFunc(apiV1+"/status", s.viewer(s.handleStatus))
	mux.HandleFunc(apiV1+"/thresholds", s.viewer(s.handleThresholds))
}

// viewer guards next with a bearer token carrying the read scope.
func (s *Server) viewer(next http.HandlerFunc) http.HandlerFunc {
	if s.authMiddleware == nil {
		return next
	}
	return s.authMiddleware.RequireAuth(s.authMiddleware.RequireScope(auth.ScopeRead)(next))
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	health := map[string]interface{}{
		"status":        "ok",
		"uptimeSeconds": time.Since(s.startTime).Seconds(),
	}
	if s.status != nil {
		st := s.status.GetSystemStatus()
		health["monitor"] = st.State
		health["subscribers"] = st.Subscribers
		// Stopped after an emergency, or never started, is still a live process
		if st.State != monitor.Running {
			health["status"] = "degraded"
		}
		if st.EmergencyReason != "" {
			health["emergencyReason"] = st.EmergencyReason
		}
	}
	WriteSuccess(w, r, health)
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	if s.status == nil {
		WriteError(w, r, http.StatusServiceUnavailable, "UNAVAILABLE", "Monitor not available")
		return
	}
	WriteSuccess(w, r, s.status.GetSystemStatus())
}

func (s *Server) handleThresholds(w http.ResponseWriter, r *http.Request) {
	if s.status == nil {
		WriteError(w, r, http.StatusServiceUnavailable, "UNAVAILABLE", "Monitor not available")
		return
	}
	WriteSuccess(w, r, s.status.GetSystemStatus().Thresholds)
}
