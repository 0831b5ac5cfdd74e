package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"passage/internal/store"
)

// timeParamLayouts are the formats accepted for from/to query parameters.
// Bare dates expand to the start of the day, or its end for upper bounds.
var timeParamLayouts = []string{store.TimeLayout, time.RFC3339, "2006-01-02"}

func parseTimeParam(v string, endOfDay bool) (string, error) {
	if v == "" {
		return "", nil
	}
	for _, layout := range timeParamLayouts {
		t, err := time.Parse(layout, v)
		if err != nil {
			continue
		}
		if layout == "2006-01-02" && endOfDay {
			t = t.Add(24*time.Hour - time.Second)
		}
		return store.FormatTime(t), nil
	}
	return "", fmt.Errorf("unparseable time %q", v)
}

// handleEvents lists the general event log (camera lifecycle, footfall
// mirror rows) with optional time bounds.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	from, err := parseTimeParam(r.URL.Query().Get("from"), false)
	if err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	to, err := parseTimeParam(r.URL.Query().Get("to"), true)
	if err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}

	events, err := s.deps.Store.Events(from, to, queryInt(r, "limit", 50), queryInt(r, "offset", 0))
	if err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if events == nil {
		events = []*store.EventRecord{}
	}
	respondJSON(w, http.StatusOK, events)
}

// handleRecentDetections lists detection log rows, newest first, with
// optional camera and time filters.
func (s *Server) handleRecentDetections(w http.ResponseWriter, r *http.Request) {
	from, err := parseTimeParam(r.URL.Query().Get("from"), false)
	if err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	to, err := parseTimeParam(r.URL.Query().Get("to"), true)
	if err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}

	count := queryInt(r, "count", 10)
	events, err := s.deps.Store.Detections(r.URL.Query().Get("camera"), from, to, count, queryInt(r, "offset", 0))
	if err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if events == nil {
		events = []*store.DetectionEvent{}
	}
	respondJSON(w, http.StatusOK, events)
}

func (s *Server) handleGetSettings(w http.ResponseWriter, r *http.Request) {
	settings, err := s.deps.Store.Settings()
	if err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}

	out := make(map[string]string, len(settings))
	for _, st := range settings {
		out[st.Key] = st.Value
	}
	respondJSON(w, http.StatusOK, out)
}

// handleSetSettings upserts the posted keys and drops cached aggregates so
// flags like synthetic_fill apply to the next query.
func (s *Server) handleSetSettings(w http.ResponseWriter, r *http.Request) {
	var req map[string]string
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	if len(req) == 0 {
		respondError(w, http.StatusBadRequest, "no settings provided")
		return
	}

	for key, value := range req {
		if err := s.deps.Store.SetSetting(key, value); err != nil {
			respondError(w, http.StatusInternalServerError, err.Error())
			return
		}
	}
	s.deps.Analytics.Footfall("settings")

	s.log.WithField("count", len(req)).Info("Settings updated via API")
	respondJSON(w, http.StatusOK, map[string]any{
		"status": "Settings updated",
		"count":  len(req),
	})
}
