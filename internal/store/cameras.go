package store

import (
	"database/sql"
	"fmt"

	"passage/internal/tracking/direction"
)

// CameraRecord describes a registered camera and its desired capture
// geometry. Timestamps use TimeLayout.
type CameraRecord struct {
	CameraID  string `json:"id"`
	Source    string `json:"source"`
	Name      string `json:"name"`
	Width     int    `json:"width"`
	Height    int    `json:"height"`
	FPS       int    `json:"fps"`
	Enabled   bool   `json:"enabled"`
	CreatedAt string `json:"created_at"`
	UpdatedAt string `json:"updated_at"`
}

// ROIConfig is a camera's region of interest plus the axis that counts as an
// entry. Coordinates are stored as written; scaling to the frame's native
// resolution happens at crop time.
type ROIConfig struct {
	CameraID       string `json:"camera_id"`
	X1             int    `json:"x1"`
	Y1             int    `json:"y1"`
	X2             int    `json:"x2"`
	Y2             int    `json:"y2"`
	EntryDirection string `json:"entry_direction"`
}

// SaveCamera inserts or updates a camera. created_at is preserved on update.
func (s *Store) SaveCamera(cam *CameraRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := UTCNow()
	if cam.CreatedAt == "" {
		cam.CreatedAt = now
	}
	cam.UpdatedAt = now

	query := `INSERT INTO cameras (camera_id, source, name, width, height, fps, enabled, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(camera_id) DO UPDATE SET
			source = excluded.source,
			name = excluded.name,
			width = excluded.width,
			height = excluded.height,
			fps = excluded.fps,
			enabled = excluded.enabled,
			updated_at = excluded.updated_at`

	_, err := s.db.Exec(query, cam.CameraID, cam.Source, cam.Name, cam.Width, cam.Height,
		cam.FPS, boolToInt(cam.Enabled), cam.CreatedAt, cam.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to save camera: %w", err)
	}
	return nil
}

// GetCamera retrieves a camera by ID. Returns nil when absent.
func (s *Store) GetCamera(id string) (*CameraRecord, error) {
	query := `SELECT camera_id, source, name, width, height, fps, enabled, created_at, updated_at
		FROM cameras WHERE camera_id = ?`

	var cam CameraRecord
	var enabled int
	err := s.db.QueryRow(query, id).Scan(&cam.CameraID, &cam.Source, &cam.Name, &cam.Width,
		&cam.Height, &cam.FPS, &enabled, &cam.CreatedAt, &cam.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get camera: %w", err)
	}
	cam.Enabled = enabled == 1
	return &cam, nil
}

// ListCameras returns all cameras ordered by creation time.
func (s *Store) ListCameras() ([]*CameraRecord, error) {
	query := `SELECT camera_id, source, name, width, height, fps, enabled, created_at, updated_at
		FROM cameras ORDER BY created_at, camera_id`

	rows, err := s.db.Query(query)
	if err != nil {
		return nil, fmt.Errorf("failed to list cameras: %w", err)
	}
	defer rows.Close()

	var cameras []*CameraRecord
	for rows.Next() {
		var cam CameraRecord
		var enabled int
		if err := rows.Scan(&cam.CameraID, &cam.Source, &cam.Name, &cam.Width, &cam.Height,
			&cam.FPS, &enabled, &cam.CreatedAt, &cam.UpdatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan camera: %w", err)
		}
		cam.Enabled = enabled == 1
		cameras = append(cameras, &cam)
	}
	return cameras, rows.Err()
}

// DeleteCamera removes a camera and its ROI configuration.
func (s *Store) DeleteCamera(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := s.db.Exec("DELETE FROM camera_config WHERE camera_id = ?", id); err != nil {
		return fmt.Errorf("failed to delete camera config: %w", err)
	}
	if _, err := s.db.Exec("DELETE FROM cameras WHERE camera_id = ?", id); err != nil {
		return fmt.Errorf("failed to delete camera: %w", err)
	}
	return nil
}

// SetCameraEnabled updates only the enabled flag of a camera.
func (s *Store) SetCameraEnabled(id string, enabled bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec("UPDATE cameras SET enabled = ?, updated_at = ? WHERE camera_id = ?",
		boolToInt(enabled), UTCNow(), id)
	if err != nil {
		return fmt.Errorf("failed to update camera enabled flag: %w", err)
	}
	return nil
}

// SetCameraConfig validates and upserts a camera's ROI configuration. An
// invalid rectangle or entry direction is rejected and stored state is left
// unchanged.
func (s *Store) SetCameraConfig(cfg *ROIConfig) error {
	if cfg.X1 < 0 || cfg.Y1 < 0 || cfg.X2 <= cfg.X1 || cfg.Y2 <= cfg.Y1 {
		return fmt.Errorf("invalid ROI rectangle (%d,%d,%d,%d)", cfg.X1, cfg.Y1, cfg.X2, cfg.Y2)
	}
	if _, err := direction.Parse(cfg.EntryDirection); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	query := `INSERT INTO camera_config (camera_id, roi_x1, roi_y1, roi_x2, roi_y2, entry_direction)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(camera_id) DO UPDATE SET
			roi_x1 = excluded.roi_x1,
			roi_y1 = excluded.roi_y1,
			roi_x2 = excluded.roi_x2,
			roi_y2 = excluded.roi_y2,
			entry_direction = excluded.entry_direction`

	_, err := s.db.Exec(query, cfg.CameraID, cfg.X1, cfg.Y1, cfg.X2, cfg.Y2, cfg.EntryDirection)
	if err != nil {
		return fmt.Errorf("failed to save camera config: %w", err)
	}
	return nil
}

// GetCameraConfig retrieves a camera's ROI configuration. Returns nil when
// the camera has none, which callers treat as "entire frame, no direction
// classification".
func (s *Store) GetCameraConfig(cameraID string) (*ROIConfig, error) {
	query := `SELECT camera_id, roi_x1, roi_y1, roi_x2, roi_y2, entry_direction
		FROM camera_config WHERE camera_id = ?`

	var cfg ROIConfig
	err := s.db.QueryRow(query, cameraID).Scan(&cfg.CameraID, &cfg.X1, &cfg.Y1,
		&cfg.X2, &cfg.Y2, &cfg.EntryDirection)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get camera config: %w", err)
	}
	return &cfg, nil
}

// ClearCameraConfig deletes a camera's ROI configuration.
func (s *Store) ClearCameraConfig(cameraID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := s.db.Exec("DELETE FROM camera_config WHERE camera_id = ?", cameraID); err != nil {
		return fmt.Errorf("failed to clear camera config: %w", err)
	}
	return nil
}
