package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

// DetectionEvent is a durable row of the detection log. Empty strings and a
// zero confidence are stored as NULL. Once written a row is never mutated.
type DetectionEvent struct {
	ID           int64   `json:"id"`
	Timestamp    string  `json:"timestamp"`
	EventType    string  `json:"event_type"`
	Direction    string  `json:"direction,omitempty"`
	Confidence   float64 `json:"confidence,omitempty"`
	Details      string  `json:"details,omitempty"`
	CameraID     string  `json:"camera_id,omitempty"`
	SnapshotPath string  `json:"snapshot_path,omitempty"`
}

// EventRecord is a row of the general purpose events table.
type EventRecord struct {
	ID        int64  `json:"id"`
	Timestamp string `json:"timestamp"`
	Type      string `json:"type"`
	Data      string `json:"data,omitempty"`
}

// HourlyBucket aggregates presence episodes within one hour.
type HourlyBucket struct {
	DetectionCount int `json:"detection_count"`
	LeftToRight    int `json:"left_to_right"`
	RightToLeft    int `json:"right_to_left"`
	Unknown        int `json:"unknown"`
}

// HourPoint is one bucket of an hourly time series.
type HourPoint struct {
	Hour  string `json:"hour"`
	Count int    `json:"count"`
}

// InsertDetectionEvent appends a detection event. When ev.Timestamp is empty
// the store stamps it with a monotonically non-decreasing UTC time, so rows
// ordered by id are ordered by time. The assigned id is stored back on ev.
func (s *Store) InsertDetectionEvent(ev *DetectionEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if ev.Timestamp == "" {
		ev.Timestamp = s.stamp()
	}

	query := `INSERT INTO detection_events
		(timestamp, event_type, direction, confidence, details, camera_id, snapshot_path)
		VALUES (?, ?, ?, ?, ?, ?, ?)`

	res, err := s.db.Exec(query, ev.Timestamp, ev.EventType, nullString(ev.Direction),
		nullFloat(ev.Confidence), nullString(ev.Details), nullString(ev.CameraID),
		nullString(ev.SnapshotPath))
	if err != nil {
		return fmt.Errorf("failed to insert detection event: %w", err)
	}

	id, err := res.LastInsertId()
	if err != nil {
		return fmt.Errorf("failed to read detection event id: %w", err)
	}
	ev.ID = id
	return nil
}

// Detections returns detection events newest first. cameraID, from and to
// are optional filters; from/to compare lexicographically against the stored
// UTC timestamps. limit <= 0 means 100.
func (s *Store) Detections(cameraID, from, to string, limit, offset int) ([]*DetectionEvent, error) {
	query := `SELECT id, timestamp, event_type, direction, confidence, details, camera_id, snapshot_path
		FROM detection_events WHERE 1=1`
	args := []any{}

	if cameraID != "" {
		query += " AND camera_id = ?"
		args = append(args, cameraID)
	}
	if from != "" {
		query += " AND timestamp >= ?"
		args = append(args, from)
	}
	if to != "" {
		query += " AND timestamp <= ?"
		args = append(args, to)
	}

	if limit <= 0 {
		limit = 100
	}
	query += " ORDER BY timestamp DESC, id DESC LIMIT ? OFFSET ?"
	args = append(args, limit, offset)

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list detection events: %w", err)
	}
	defer rows.Close()

	var events []*DetectionEvent
	for rows.Next() {
		ev, err := scanDetectionEvent(rows)
		if err != nil {
			return nil, err
		}
		events = append(events, ev)
	}
	return events, rows.Err()
}

// SnapshotEvents returns one camera's detection events that reference a
// snapshot file, newest first. limit <= 0 means 100.
func (s *Store) SnapshotEvents(cameraID string, limit int) ([]*DetectionEvent, error) {
	if limit <= 0 {
		limit = 100
	}

	query := `SELECT id, timestamp, event_type, direction, confidence, details, camera_id, snapshot_path
		FROM detection_events
		WHERE camera_id = ? AND snapshot_path IS NOT NULL
		ORDER BY timestamp DESC, id DESC LIMIT ?`

	rows, err := s.db.Query(query, cameraID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list snapshot events: %w", err)
	}
	defer rows.Close()

	var events []*DetectionEvent
	for rows.Next() {
		ev, err := scanDetectionEvent(rows)
		if err != nil {
			return nil, err
		}
		events = append(events, ev)
	}
	return events, rows.Err()
}

// DetectionsByID returns all detection events ordered by id ascending. Used
// by consumers that need the write serialization rather than recency.
func (s *Store) DetectionsByID() ([]*DetectionEvent, error) {
	query := `SELECT id, timestamp, event_type, direction, confidence, details, camera_id, snapshot_path
		FROM detection_events ORDER BY id`

	rows, err := s.db.Query(query)
	if err != nil {
		return nil, fmt.Errorf("failed to list detection events: %w", err)
	}
	defer rows.Close()

	var events []*DetectionEvent
	for rows.Next() {
		ev, err := scanDetectionEvent(rows)
		if err != nil {
			return nil, err
		}
		events = append(events, ev)
	}
	return events, rows.Err()
}

func scanDetectionEvent(rows *sql.Rows) (*DetectionEvent, error) {
	var ev DetectionEvent
	var dir, details, cameraID, snapshot sql.NullString
	var confidence sql.NullFloat64

	if err := rows.Scan(&ev.ID, &ev.Timestamp, &ev.EventType, &dir, &confidence,
		&details, &cameraID, &snapshot); err != nil {
		return nil, fmt.Errorf("failed to scan detection event: %w", err)
	}
	ev.Direction = dir.String
	ev.Confidence = confidence.Float64
	ev.Details = details.String
	ev.CameraID = cameraID.String
	ev.SnapshotPath = snapshot.String
	return &ev, nil
}

// HourlyMetrics buckets presence episodes (event_type = 'detection_end')
// from the last hours by hour and by recorded flow direction. cameraID is an
// optional filter.
func (s *Store) HourlyMetrics(hours int, cameraID string) (map[string]*HourlyBucket, error) {
	cutoff := FormatTime(time.Now().Add(-time.Duration(hours) * time.Hour))

	query := `SELECT strftime('%Y-%m-%d %H:00', timestamp) AS hour, direction, COUNT(*)
		FROM detection_events
		WHERE event_type = 'detection_end' AND timestamp >= ?`
	args := []any{cutoff}
	if cameraID != "" {
		query += " AND camera_id = ?"
		args = append(args, cameraID)
	}
	query += " GROUP BY hour, direction"

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query hourly metrics: %w", err)
	}
	defer rows.Close()

	buckets := make(map[string]*HourlyBucket)
	for rows.Next() {
		var hour string
		var dir sql.NullString
		var n int
		if err := rows.Scan(&hour, &dir, &n); err != nil {
			return nil, fmt.Errorf("failed to scan hourly metrics: %w", err)
		}

		b := buckets[hour]
		if b == nil {
			b = &HourlyBucket{}
			buckets[hour] = b
		}
		b.DetectionCount += n
		switch dir.String {
		case "left_to_right":
			b.LeftToRight += n
		case "right_to_left":
			b.RightToLeft += n
		default:
			b.Unknown += n
		}
	}
	return buckets, rows.Err()
}

// DirectionCounts counts presence episodes from the last days per recorded
// flow direction. The keys left_to_right, right_to_left and unknown are
// always present, defaulting to 0.
func (s *Store) DirectionCounts(days int, cameraID string) (map[string]int, error) {
	cutoff := FormatTime(time.Now().AddDate(0, 0, -days))

	query := `SELECT direction, COUNT(*) FROM detection_events
		WHERE event_type = 'detection_end' AND timestamp >= ?`
	args := []any{cutoff}
	if cameraID != "" {
		query += " AND camera_id = ?"
		args = append(args, cameraID)
	}
	query += " GROUP BY direction"

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query direction counts: %w", err)
	}
	defer rows.Close()

	counts := map[string]int{
		"left_to_right": 0,
		"right_to_left": 0,
		"unknown":       0,
	}
	for rows.Next() {
		var dir sql.NullString
		var n int
		if err := rows.Scan(&dir, &n); err != nil {
			return nil, fmt.Errorf("failed to scan direction counts: %w", err)
		}
		key := dir.String
		if key == "" {
			key = "unknown"
		}
		counts[key] += n
	}
	return counts, rows.Err()
}

// EntryExitCounts sums entry and exit events from the last hours per camera.
// Rows without a camera attribution are skipped.
func (s *Store) EntryExitCounts(hours int) (map[string]int, error) {
	cutoff := FormatTime(time.Now().Add(-time.Duration(hours) * time.Hour))

	query := `SELECT camera_id, COUNT(*) FROM detection_events
		WHERE event_type IN ('entry','exit') AND timestamp >= ? AND camera_id IS NOT NULL
		GROUP BY camera_id`

	rows, err := s.db.Query(query, cutoff)
	if err != nil {
		return nil, fmt.Errorf("failed to query entry/exit counts: %w", err)
	}
	defer rows.Close()

	counts := make(map[string]int)
	for rows.Next() {
		var cam string
		var n int
		if err := rows.Scan(&cam, &n); err != nil {
			return nil, fmt.Errorf("failed to scan entry/exit counts: %w", err)
		}
		counts[cam] = n
	}
	return counts, rows.Err()
}

// FootfallCounts sums entry and exit events from the last hours by event
// type. The keys entry, exit and unknown are always present.
func (s *Store) FootfallCounts(hours int) (map[string]int, error) {
	cutoff := FormatTime(time.Now().Add(-time.Duration(hours) * time.Hour))

	query := `SELECT event_type, COUNT(*) FROM detection_events
		WHERE event_type IN ('entry','exit') AND timestamp >= ?
		GROUP BY event_type`

	rows, err := s.db.Query(query, cutoff)
	if err != nil {
		return nil, fmt.Errorf("failed to query footfall counts: %w", err)
	}
	defer rows.Close()

	counts := map[string]int{
		"entry":   0,
		"exit":    0,
		"unknown": 0,
	}
	for rows.Next() {
		var typ string
		var n int
		if err := rows.Scan(&typ, &n); err != nil {
			return nil, fmt.Errorf("failed to scan footfall counts: %w", err)
		}
		counts[typ] = n
	}
	return counts, rows.Err()
}

// TimeSeries buckets one camera's entry and exit events from the last hours
// by hour, oldest first.
func (s *Store) TimeSeries(cameraID string, hours int) ([]HourPoint, error) {
	cutoff := FormatTime(time.Now().Add(-time.Duration(hours) * time.Hour))

	query := `SELECT strftime('%Y-%m-%d %H:00', timestamp) AS hour, COUNT(*)
		FROM detection_events
		WHERE event_type IN ('entry','exit') AND timestamp >= ? AND camera_id = ?
		GROUP BY hour ORDER BY hour`

	rows, err := s.db.Query(query, cutoff, cameraID)
	if err != nil {
		return nil, fmt.Errorf("failed to query time series: %w", err)
	}
	defer rows.Close()

	var points []HourPoint
	for rows.Next() {
		var p HourPoint
		if err := rows.Scan(&p.Hour, &p.Count); err != nil {
			return nil, fmt.Errorf("failed to scan time series: %w", err)
		}
		points = append(points, p)
	}
	return points, rows.Err()
}

// TimeSeriesAll buckets entry and exit events from the last hours by camera
// and hour.
func (s *Store) TimeSeriesAll(hours int) (map[string][]HourPoint, error) {
	cutoff := FormatTime(time.Now().Add(-time.Duration(hours) * time.Hour))

	query := `SELECT strftime('%Y-%m-%d %H:00', timestamp) AS hour, camera_id, COUNT(*)
		FROM detection_events
		WHERE event_type IN ('entry','exit') AND timestamp >= ? AND camera_id IS NOT NULL
		GROUP BY camera_id, hour ORDER BY hour`

	rows, err := s.db.Query(query, cutoff)
	if err != nil {
		return nil, fmt.Errorf("failed to query time series: %w", err)
	}
	defer rows.Close()

	series := make(map[string][]HourPoint)
	for rows.Next() {
		var hour, cam string
		var n int
		if err := rows.Scan(&hour, &cam, &n); err != nil {
			return nil, fmt.Errorf("failed to scan time series: %w", err)
		}
		series[cam] = append(series[cam], HourPoint{Hour: hour, Count: n})
	}
	return series, rows.Err()
}

// LogEvent appends a row to the general events table. data is marshaled to
// JSON unless nil.
func (s *Store) LogEvent(eventType string, data any) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var dataStr any
	if data != nil {
		raw, err := json.Marshal(data)
		if err != nil {
			return fmt.Errorf("failed to marshal event data: %w", err)
		}
		dataStr = string(raw)
	}

	if _, err := s.db.Exec("INSERT INTO events (type, data) VALUES (?, ?)", eventType, dataStr); err != nil {
		return fmt.Errorf("failed to log event: %w", err)
	}
	return nil
}

// Events returns general events newest first. from and to are optional
// inclusive TimeLayout bounds; limit <= 0 means 100.
func (s *Store) Events(from, to string, limit, offset int) ([]*EventRecord, error) {
	if limit <= 0 {
		limit = 100
	}
	if offset < 0 {
		offset = 0
	}

	query := "SELECT id, timestamp, type, data FROM events WHERE 1=1"
	args := []any{}
	if from != "" {
		query += " AND timestamp >= ?"
		args = append(args, from)
	}
	if to != "" {
		query += " AND timestamp <= ?"
		args = append(args, to)
	}
	query += " ORDER BY id DESC LIMIT ? OFFSET ?"
	args = append(args, limit, offset)

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list events: %w", err)
	}
	defer rows.Close()

	var events []*EventRecord
	for rows.Next() {
		var ev EventRecord
		var data sql.NullString
		if err := rows.Scan(&ev.ID, &ev.Timestamp, &ev.Type, &data); err != nil {
			return nil, fmt.Errorf("failed to scan event: %w", err)
		}
		ev.Data = data.String
		events = append(events, &ev)
	}
	return events, rows.Err()
}
