package api

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/sirupsen/logrus"

	"passage/internal/store"
)

type cameraSummary struct {
	ID             string `json:"id"`
	Name           string `json:"name"`
	Source         string `json:"source"`
	Status         string `json:"status"`
	PersonDetected bool   `json:"person_detected"`
}

type roiRect struct {
	X1 int `json:"x1"`
	Y1 int `json:"y1"`
	X2 int `json:"x2"`
	Y2 int `json:"y2"`
}

type cameraDetail struct {
	cameraSummary
	Enabled        bool     `json:"enabled"`
	ROI            *roiRect `json:"roi"`
	EntryDirection string   `json:"entry_direction,omitempty"`
	Resolution     struct {
		Width  int `json:"width"`
		Height int `json:"height"`
	} `json:"resolution"`
	FPS int `json:"fps"`
}

func sourceState(active bool) string {
	if active {
		return "active"
	}
	return "inactive"
}

func (s *Server) handleListCameras(w http.ResponseWriter, r *http.Request) {
	statuses := s.deps.Registry.ListAll()
	tracks := s.deps.Tracker.Status()

	out := make([]cameraSummary, 0, len(statuses))
	for _, st := range statuses {
		item := cameraSummary{
			ID:     st.CameraID,
			Name:   s.deps.Registry.Name(st.CameraID),
			Source: st.Source,
			Status: sourceState(st.Active),
		}
		if ts, ok := tracks[st.CameraID]; ok {
			item.PersonDetected = ts.PersonDetected
		}
		out = append(out, item)
	}
	respondJSON(w, http.StatusOK, out)
}

func (s *Server) handleGetCamera(w http.ResponseWriter, r *http.Request) {
	cameraID := chi.URLParam(r, "cameraID")

	rec, err := s.deps.Store.GetCamera(cameraID)
	if err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if rec == nil {
		respondError(w, http.StatusNotFound, "camera "+cameraID+" not found")
		return
	}

	detail := cameraDetail{
		cameraSummary: cameraSummary{
			ID:     cameraID,
			Name:   rec.Name,
			Source: rec.Source,
			Status: "inactive",
		},
		Enabled: rec.Enabled,
		FPS:     rec.FPS,
	}
	detail.Resolution.Width = rec.Width
	detail.Resolution.Height = rec.Height

	if src, ok := s.deps.Registry.Get(cameraID); ok {
		detail.Status = sourceState(src.IsActive())
	}
	if worker, ok := s.deps.Tracker.Get(cameraID); ok {
		detail.PersonDetected = worker.Status().PersonDetected
	}

	cfg, err := s.deps.Store.GetCameraConfig(cameraID)
	if err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if cfg != nil {
		detail.ROI = &roiRect{X1: cfg.X1, Y1: cfg.Y1, X2: cfg.X2, Y2: cfg.Y2}
		detail.EntryDirection = cfg.EntryDirection
	}

	respondJSON(w, http.StatusOK, detail)
}

func (s *Server) handleAddCamera(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ID     string `json:"id"`
		Source string `json:"source"`
		Name   string `json:"name"`
		Width  int    `json:"width"`
		Height int    `json:"height"`
		FPS    int    `json:"fps"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	if req.ID == "" || req.Source == "" {
		respondError(w, http.StatusBadRequest, "missing required fields: id and source")
		return
	}
	if req.Name == "" {
		req.Name = "Camera " + req.ID
	}

	err := s.deps.Registry.AddRecord(&store.CameraRecord{
		CameraID: req.ID,
		Source:   req.Source,
		Name:     req.Name,
		Width:    req.Width,
		Height:   req.Height,
		FPS:      req.FPS,
		Enabled:  true,
	})
	if err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	respondJSON(w, http.StatusCreated, map[string]string{
		"status": "Camera added",
		"id":     req.ID,
	})
}

func (s *Server) handleUpdateCamera(w http.ResponseWriter, r *http.Request) {
	cameraID := chi.URLParam(r, "cameraID")
	if _, ok := s.deps.Registry.Get(cameraID); !ok {
		respondError(w, http.StatusNotFound, "camera "+cameraID+" not found")
		return
	}

	var req struct {
		Name             *string `json:"name"`
		Enabled          *bool   `json:"enabled"`
		DetectionEnabled *bool   `json:"detection_enabled"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	if req.Name == nil && req.Enabled == nil && req.DetectionEnabled == nil {
		respondError(w, http.StatusBadRequest, "no update fields provided")
		return
	}

	if req.Name != nil {
		if err := s.deps.Registry.Rename(cameraID, *req.Name); err != nil {
			respondError(w, http.StatusInternalServerError, err.Error())
			return
		}
	}
	if req.Enabled != nil {
		if err := s.deps.Registry.SetEnabled(cameraID, *req.Enabled); err != nil {
			respondError(w, http.StatusInternalServerError, err.Error())
			return
		}
	}
	if req.DetectionEnabled != nil {
		if *req.DetectionEnabled {
			if err := s.deps.Tracker.StartCamera(cameraID); err != nil {
				respondError(w, http.StatusConflict, err.Error())
				return
			}
		} else {
			s.deps.Tracker.StopCamera(cameraID)
		}
	}

	respondJSON(w, http.StatusOK, map[string]string{
		"status": "Camera updated",
		"id":     cameraID,
	})
}

func (s *Server) handleDeleteCamera(w http.ResponseWriter, r *http.Request) {
	cameraID := chi.URLParam(r, "cameraID")

	s.deps.Tracker.StopCamera(cameraID)
	if err := s.deps.Registry.Remove(cameraID); err != nil {
		respondError(w, http.StatusNotFound, err.Error())
		return
	}
	respondJSON(w, http.StatusOK, map[string]string{
		"status": "Camera removed",
		"id":     cameraID,
	})
}

// handleSetROI persists a camera's counting region and axis, then reloads
// the live worker so the change applies without a restart.
func (s *Server) handleSetROI(w http.ResponseWriter, r *http.Request) {
	cameraID := chi.URLParam(r, "cameraID")

	var req struct {
		X1             int    `json:"x1"`
		Y1             int    `json:"y1"`
		X2             int    `json:"x2"`
		Y2             int    `json:"y2"`
		EntryDirection string `json:"entry_direction"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid JSON")
		return
	}

	cfg := &store.ROIConfig{
		CameraID:       cameraID,
		X1:             req.X1,
		Y1:             req.Y1,
		X2:             req.X2,
		Y2:             req.Y2,
		EntryDirection: req.EntryDirection,
	}
	if err := s.deps.Store.SetCameraConfig(cfg); err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := s.deps.Tracker.ReloadROI(cameraID); err != nil {
		s.log.WithError(err).WithField("camera_id", cameraID).Warn("ROI saved but live reload failed")
	}

	s.log.WithFields(logrus.Fields{
		"camera_id": cameraID,
		"roi":       [4]int{req.X1, req.Y1, req.X2, req.Y2},
		"axis":      req.EntryDirection,
	}).Info("ROI configuration saved")
	respondJSON(w, http.StatusOK, map[string]any{
		"success": true,
		"message": "ROI configuration saved",
	})
}

func (s *Server) handleClearROI(w http.ResponseWriter, r *http.Request) {
	cameraID := chi.URLParam(r, "cameraID")

	if err := s.deps.Store.ClearCameraConfig(cameraID); err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if err := s.deps.Tracker.ReloadROI(cameraID); err != nil {
		s.log.WithError(err).WithField("camera_id", cameraID).Warn("ROI cleared but live reload failed")
	}

	s.log.WithField("camera_id", cameraID).Info("ROI configuration cleared")
	respondJSON(w, http.StatusOK, map[string]any{
		"success": true,
		"message": "ROI configuration cleared",
	})
}
