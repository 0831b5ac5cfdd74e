package api

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"passage/internal/auth"
	"passage/internal/store"
)

// handleStatus is the composite system view: process health, per-camera
// detection state, frame source state and the 24 hour dashboard summary.
func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	total, active := s.deps.Registry.Counts()

	var dashboard any = map[string]any{}
	if summary, err := s.deps.Analytics.Summary("24h"); err == nil {
		dashboard = summary
	} else {
		s.log.WithError(err).Warn("Dashboard summary unavailable for status")
	}

	respondJSON(w, http.StatusOK, map[string]any{
		"system": map[string]any{
			"timestamp":      store.UTCNow(),
			"status":         "running",
			"uptime_seconds": int(time.Since(s.started).Seconds()),
			"cameras":        map[string]int{"total": total, "active": active},
		},
		"detection_active": s.deps.Tracker.Running(),
		"cameras":          s.deps.Tracker.Status(),
		"sources":          s.deps.Registry.ListAll(),
		"dashboard":        dashboard,
	})
}

// handleCameraStatus reports one camera's streaming and detection state.
func (s *Server) handleCameraStatus(w http.ResponseWriter, r *http.Request) {
	cameraID := chi.URLParam(r, "cameraID")
	src, ok := s.deps.Registry.Get(cameraID)
	if !ok {
		respondError(w, http.StatusNotFound, "camera "+cameraID+" not found")
		return
	}

	st := src.Status()
	resp := map[string]any{
		"id":               cameraID,
		"streaming":        st.Active,
		"state":            st.State,
		"frame_rate":       st.FPS,
		"detection_active": false,
		"person_detected":  false,
		"direction":        "unknown",
	}
	if worker, ok := s.deps.Tracker.Get(cameraID); ok {
		ws := worker.Status()
		resp["detection_active"] = ws.Running
		resp["person_detected"] = ws.PersonDetected
		if ws.Flow != "" {
			resp["direction"] = ws.Flow
		}
		if ws.LastDetectionTime != "" {
			resp["last_detection_time"] = ws.LastDetectionTime
		}
	}
	respondJSON(w, http.StatusOK, resp)
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]any{
		"status":         "ok",
		"uptime_seconds": int(time.Since(s.started).Seconds()),
	})
}

// handleReadyz verifies the pieces the engine cannot serve without: the
// store and, when configured, the inference service.
func (s *Server) handleReadyz(w http.ResponseWriter, r *http.Request) {
	checks := map[string]string{"store": "ok"}
	status := http.StatusOK

	if err := s.deps.Store.Ping(); err != nil {
		checks["store"] = err.Error()
		status = http.StatusServiceUnavailable
	}
	if s.deps.Detector != nil {
		checks["detector"] = "ok"
		if !s.deps.Detector.Healthy() {
			checks["detector"] = "unreachable"
			status = http.StatusServiceUnavailable
		}
	}

	state := "ready"
	if status != http.StatusOK {
		state = "not_ready"
	}
	respondJSON(w, status, map[string]any{"status": state, "checks": checks})
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Username string `json:"username"`
		Password string `json:"password"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid JSON")
		return
	}

	token, expiresAt, err := s.deps.Auth.Authenticate(req.Username, req.Password)
	if err == auth.ErrAuthDisabled {
		respondError(w, http.StatusBadRequest, "authentication is disabled")
		return
	}
	if err != nil {
		respondError(w, http.StatusUnauthorized, "invalid credentials")
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"token":      token,
		"expires_at": expiresAt,
	})
}

func (s *Server) handleDetectionStart(w http.ResponseWriter, r *http.Request) {
	s.deps.Tracker.StartAll()
	s.log.Info("Detection started via API")
	respondJSON(w, http.StatusOK, map[string]any{
		"message": "Detection started",
		"active":  true,
	})
}

func (s *Server) handleDetectionStop(w http.ResponseWriter, r *http.Request) {
	s.deps.Tracker.StopAll()
	s.log.Info("Detection stopped via API")
	respondJSON(w, http.StatusOK, map[string]any{
		"message": "Detection stopped",
		"active":  false,
	})
}
