package api

import (
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"os"

	"github.com/go-chi/chi/v5"

	"passage/internal/snapshot"
)

func unescapeParam(v string) string {
	if decoded, err := url.PathUnescape(v); err == nil {
		return decoded
	}
	return v
}

type snapshotInfo struct {
	ID           int64  `json:"id"`
	Timestamp    string `json:"timestamp"`
	EventType    string `json:"event_type"`
	Direction    string `json:"direction"`
	SnapshotPath string `json:"snapshot_path"`
	Exists       bool   `json:"exists"`
}

// handleSnapshots lists a camera's recent snapshot-bearing events. The
// exists flag reflects the sweeper, which may have removed older files.
func (s *Server) handleSnapshots(w http.ResponseWriter, r *http.Request) {
	cameraID := chi.URLParam(r, "cameraID")
	if _, ok := s.deps.Registry.Get(cameraID); !ok {
		respondError(w, http.StatusNotFound, fmt.Sprintf("Camera %s not found", cameraID))
		return
	}

	events, err := s.deps.Store.SnapshotEvents(cameraID, queryInt(r, "limit", 10))
	if err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}

	snapshots := make([]snapshotInfo, 0, len(events))
	for _, ev := range events {
		info := snapshotInfo{
			ID:           ev.ID,
			Timestamp:    ev.Timestamp,
			EventType:    ev.EventType,
			Direction:    ev.Direction,
			SnapshotPath: ev.SnapshotPath,
		}
		if _, err := os.Stat(ev.SnapshotPath); err == nil {
			info.Exists = true
		}
		snapshots = append(snapshots, info)
	}

	respondJSON(w, http.StatusOK, map[string]any{
		"camera_id": cameraID,
		"count":     len(snapshots),
		"snapshots": snapshots,
	})
}

func (s *Server) handleSnapshotImage(w http.ResponseWriter, r *http.Request) {
	if s.deps.Snapshots == nil {
		respondError(w, http.StatusNotFound, "snapshots are disabled")
		return
	}

	// chi leaves escaped path segments encoded; decode them so traversal
	// attempts like ..%2F reach the path check as real separators.
	cameraID := unescapeParam(chi.URLParam(r, "cameraID"))
	file := unescapeParam(chi.URLParam(r, "file"))

	path, err := s.deps.Snapshots.Resolve(cameraID, file)
	if errors.Is(err, snapshot.ErrInvalidPath) {
		respondError(w, http.StatusForbidden, "Invalid snapshot path")
		return
	}
	if os.IsNotExist(err) {
		respondError(w, http.StatusNotFound, "Snapshot not found")
		return
	}
	if err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}

	data, err := os.ReadFile(path)
	if err != nil {
		respondError(w, http.StatusNotFound, "Snapshot not found")
		return
	}

	w.Header().Set("Content-Type", "image/jpeg")
	w.WriteHeader(http.StatusOK)
	w.Write(data)
}
