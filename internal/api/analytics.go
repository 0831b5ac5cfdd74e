package api

import (
	"fmt"
	"net/http"

	"passage/internal/analytics"
	"passage/internal/store"
)

// queryHours resolves the aggregation window from the query string. An
// explicit timeRange ("{n}h" or "{n}d") wins over days, which wins over
// hours. The default is one day.
func queryHours(r *http.Request) (int, error) {
	if tr := r.URL.Query().Get("timeRange"); tr != "" {
		return analytics.ParseTimeRange(tr)
	}
	if days := queryInt(r, "days", 0); days > 0 {
		return days * 24, nil
	}
	return queryInt(r, "hours", 24), nil
}

// handleMetrics bundles the dashboard's main read: directional totals,
// hourly buckets and footfall sums over the window.
func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	hours, err := queryHours(r)
	if err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}

	directions, err := s.deps.Store.DirectionCounts((hours+23)/24, "")
	if err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	total := 0
	for _, n := range directions {
		total += n
	}

	hourly, err := s.deps.Store.HourlyMetrics(hours, "")
	if err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if hourly == nil {
		hourly = map[string]*store.HourlyBucket{}
	}

	footfall, err := s.deps.Store.FootfallCounts(hours)
	if err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}

	respondJSON(w, http.StatusOK, map[string]any{
		"total": map[string]any{
			"detection_count":  total,
			"direction_counts": directions,
		},
		"hourly":         hourly,
		"footfall_count": footfall,
	})
}

func (s *Server) handleMetricsSummary(w http.ResponseWriter, r *http.Request) {
	summary, err := s.deps.Analytics.Summary(r.URL.Query().Get("timeRange"))
	if err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	respondJSON(w, http.StatusOK, summary)
}

func (s *Server) handleMetricsDaily(w http.ResponseWriter, r *http.Request) {
	days := queryInt(r, "days", 7)
	daily, err := s.deps.Analytics.Daily(days)
	if err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	respondJSON(w, http.StatusOK, daily)
}

// handleCompare ranks cameras by crossing count over the window.
func (s *Server) handleCompare(w http.ResponseWriter, r *http.Request) {
	hours, err := queryHours(r)
	if err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}

	counts, err := s.deps.Analytics.CameraCounts(hours)
	if err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	total := 0
	for _, n := range counts {
		total += n
	}

	respondJSON(w, http.StatusOK, map[string]any{
		"time_period":   fmt.Sprintf("Last %d hours", hours),
		"camera_counts": counts,
		"total":         total,
	})
}

// handleTimeSeries returns hourly series for one camera, or for all of them
// keyed by camera id when no camera is named.
func (s *Server) handleTimeSeries(w http.ResponseWriter, r *http.Request) {
	hours, err := queryHours(r)
	if err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}

	var data any
	if cameraID := r.URL.Query().Get("camera"); cameraID != "" {
		data, err = s.deps.Analytics.TimeSeries(cameraID, hours)
	} else {
		data, err = s.deps.Analytics.TimeSeriesAll(hours)
	}
	if err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}

	respondJSON(w, http.StatusOK, map[string]any{
		"time_period": fmt.Sprintf("Last %d hours", hours),
		"data":        data,
	})
}

func (s *Server) handleHeatmap(w http.ResponseWriter, r *http.Request) {
	cameraID := r.URL.Query().Get("camera")
	if cameraID == "" {
		cameraID = "main"
	}
	width := queryInt(r, "width", 10)
	height := queryInt(r, "height", 10)

	respondJSON(w, http.StatusOK, map[string]any{
		"camera_id": cameraID,
		"width":     width,
		"height":    height,
		"heatmap":   s.deps.Analytics.Heatmap(cameraID, width, height),
	})
}
