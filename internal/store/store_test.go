package store

import (
	"database/sql"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "passage.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestOpenIsIdempotent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "passage.db")

	s, err := Open(path)
	require.NoError(t, err)
	require.NoError(t, s.SaveCamera(&CameraRecord{CameraID: "main", Source: "0", Name: "Main"}))
	require.NoError(t, s.Close())

	// Reopening runs the same migrations against the populated file.
	s, err = Open(path)
	require.NoError(t, err)
	defer s.Close()

	cam, err := s.GetCamera("main")
	require.NoError(t, err)
	require.NotNil(t, cam)
	assert.Equal(t, "Main", cam.Name)
}

func TestMigrationHealsLegacyDetectionEvents(t *testing.T) {
	path := filepath.Join(t.TempDir(), "legacy.db")

	db, err := sql.Open("sqlite", path)
	require.NoError(t, err)
	_, err = db.Exec(`CREATE TABLE detection_events (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		timestamp TEXT NOT NULL,
		event_type TEXT NOT NULL,
		direction TEXT,
		confidence REAL,
		details TEXT
	)`)
	require.NoError(t, err)
	_, err = db.Exec(`INSERT INTO detection_events (timestamp, event_type, direction)
		VALUES ('2025-01-01 10:00:00', 'detection_end', 'left_to_right')`)
	require.NoError(t, err)
	require.NoError(t, db.Close())

	s, err := Open(path)
	require.NoError(t, err)
	defer s.Close()

	// The added columns are writable.
	ev := &DetectionEvent{
		EventType:    "entry",
		Direction:    "left_to_right",
		Confidence:   0.91,
		Details:      `{"track_id":7}`,
		CameraID:     "main",
		SnapshotPath: "/snapshots/main/a.jpg",
	}
	require.NoError(t, s.InsertDetectionEvent(ev))
	require.NotZero(t, ev.ID)

	// The legacy row scans with empty attribution.
	events, err := s.DetectionsByID()
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Empty(t, events[0].CameraID)
	assert.Empty(t, events[0].SnapshotPath)
	assert.Equal(t, "main", events[1].CameraID)
	assert.Equal(t, "/snapshots/main/a.jpg", events[1].SnapshotPath)
}

func TestCameraRoundTrip(t *testing.T) {
	s := openTestStore(t)

	cam := &CameraRecord{CameraID: "main", Source: "0", Name: "Entrance", Width: 640, Height: 480, FPS: 30, Enabled: true}
	require.NoError(t, s.SaveCamera(cam))
	require.NotEmpty(t, cam.CreatedAt)

	got, err := s.GetCamera("main")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "Entrance", got.Name)
	assert.Equal(t, "0", got.Source)
	assert.Equal(t, 640, got.Width)
	assert.True(t, got.Enabled)

	// Updating keeps created_at.
	created := got.CreatedAt
	require.NoError(t, s.SaveCamera(&CameraRecord{CameraID: "main", Source: "rtsp://cam/live", Name: "Entrance renamed", Enabled: true}))
	got, err = s.GetCamera("main")
	require.NoError(t, err)
	assert.Equal(t, "Entrance renamed", got.Name)
	assert.Equal(t, "rtsp://cam/live", got.Source)
	assert.Equal(t, created, got.CreatedAt)

	require.NoError(t, s.SetCameraEnabled("main", false))
	got, err = s.GetCamera("main")
	require.NoError(t, err)
	assert.False(t, got.Enabled)

	require.NoError(t, s.SaveCamera(&CameraRecord{CameraID: "side", Source: "1", Name: "Side"}))
	all, err := s.ListCameras()
	require.NoError(t, err)
	assert.Len(t, all, 2)

	require.NoError(t, s.DeleteCamera("main"))
	got, err = s.GetCamera("main")
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestCameraConfigRoundTrip(t *testing.T) {
	s := openTestStore(t)

	cfg := &ROIConfig{CameraID: "main", X1: 100, Y1: 100, X2: 540, Y2: 380, EntryDirection: "LTR"}
	require.NoError(t, s.SetCameraConfig(cfg))

	got, err := s.GetCameraConfig("main")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, cfg.X1, got.X1)
	assert.Equal(t, cfg.Y1, got.Y1)
	assert.Equal(t, cfg.X2, got.X2)
	assert.Equal(t, cfg.Y2, got.Y2)
	assert.Equal(t, "LTR", got.EntryDirection)

	// Free-form descriptors round-trip verbatim.
	cfg.EntryDirection = "0.7071,0.7071"
	require.NoError(t, s.SetCameraConfig(cfg))
	got, err = s.GetCameraConfig("main")
	require.NoError(t, err)
	assert.Equal(t, "0.7071,0.7071", got.EntryDirection)

	// Rejected writes leave stored state unchanged.
	assert.Error(t, s.SetCameraConfig(&ROIConfig{CameraID: "main", X1: 200, Y1: 200, X2: 100, Y2: 100, EntryDirection: "LTR"}))
	assert.Error(t, s.SetCameraConfig(&ROIConfig{CameraID: "main", X1: 0, Y1: 0, X2: 10, Y2: 10, EntryDirection: "NORTH"}))
	got, err = s.GetCameraConfig("main")
	require.NoError(t, err)
	assert.Equal(t, 100, got.X1)
	assert.Equal(t, "0.7071,0.7071", got.EntryDirection)

	require.NoError(t, s.ClearCameraConfig("main"))
	got, err = s.GetCameraConfig("main")
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestStampedTimestampsAreMonotonic(t *testing.T) {
	s := openTestStore(t)

	for i := 0; i < 20; i++ {
		require.NoError(t, s.InsertDetectionEvent(&DetectionEvent{EventType: "entry", CameraID: "main"}))
	}

	events, err := s.DetectionsByID()
	require.NoError(t, err)
	require.Len(t, events, 20)

	for i := 1; i < len(events); i++ {
		assert.Greater(t, events[i].ID, events[i-1].ID)
		assert.GreaterOrEqual(t, events[i].Timestamp, events[i-1].Timestamp)
	}
}

func TestDetectionsFilters(t *testing.T) {
	s := openTestStore(t)

	seed := []DetectionEvent{
		{Timestamp: "2025-06-01 08:00:00", EventType: "entry", CameraID: "main"},
		{Timestamp: "2025-06-01 09:00:00", EventType: "exit", CameraID: "main"},
		{Timestamp: "2025-06-01 10:00:00", EventType: "entry", CameraID: "side"},
		{Timestamp: "2025-06-02 08:00:00", EventType: "entry", CameraID: "main"},
	}
	for i := range seed {
		require.NoError(t, s.InsertDetectionEvent(&seed[i]))
	}

	events, err := s.Detections("main", "", "", 0, 0)
	require.NoError(t, err)
	require.Len(t, events, 3)
	assert.Equal(t, "2025-06-02 08:00:00", events[0].Timestamp)

	events, err = s.Detections("", "2025-06-01 09:00:00", "2025-06-01 23:59:59", 0, 0)
	require.NoError(t, err)
	require.Len(t, events, 2)

	events, err = s.Detections("", "", "", 2, 0)
	require.NoError(t, err)
	assert.Len(t, events, 2)

	events, err = s.Detections("", "", "", 2, 3)
	require.NoError(t, err)
	assert.Len(t, events, 1)
}

func TestHourlyMetrics(t *testing.T) {
	s := openTestStore(t)

	thisHour := time.Now().UTC().Truncate(time.Hour)
	lastHour := thisHour.Add(-time.Hour)

	seed := []DetectionEvent{
		{Timestamp: FormatTime(thisHour), EventType: "detection_end", Direction: "left_to_right", CameraID: "main"},
		{Timestamp: FormatTime(thisHour.Add(time.Minute)), EventType: "detection_end", Direction: "left_to_right", CameraID: "main"},
		{Timestamp: FormatTime(thisHour.Add(2 * time.Minute)), EventType: "detection_end", Direction: "right_to_left", CameraID: "main"},
		{Timestamp: FormatTime(thisHour.Add(3 * time.Minute)), EventType: "detection_end", Direction: "unknown", CameraID: "side"},
		{Timestamp: FormatTime(lastHour), EventType: "detection_end", CameraID: "main"}, // NULL direction
		// Not detection_end, must not be counted.
		{Timestamp: FormatTime(thisHour.Add(4 * time.Minute)), EventType: "entry", Direction: "left_to_right", CameraID: "main"},
		// Outside the window.
		{Timestamp: FormatTime(thisHour.Add(-48 * time.Hour)), EventType: "detection_end", Direction: "left_to_right", CameraID: "main"},
	}
	for i := range seed {
		require.NoError(t, s.InsertDetectionEvent(&seed[i]))
	}

	buckets, err := s.HourlyMetrics(24, "")
	require.NoError(t, err)
	require.Len(t, buckets, 2)

	cur := buckets[thisHour.Format(HourLayout)]
	require.NotNil(t, cur)
	assert.Equal(t, 4, cur.DetectionCount)
	assert.Equal(t, 2, cur.LeftToRight)
	assert.Equal(t, 1, cur.RightToLeft)
	assert.Equal(t, 1, cur.Unknown)

	prev := buckets[lastHour.Format(HourLayout)]
	require.NotNil(t, prev)
	assert.Equal(t, 1, prev.DetectionCount)
	assert.Equal(t, 1, prev.Unknown)

	// Camera filter.
	buckets, err = s.HourlyMetrics(24, "side")
	require.NoError(t, err)
	require.Len(t, buckets, 1)
	assert.Equal(t, 1, buckets[thisHour.Format(HourLayout)].Unknown)
}

func TestDirectionCounts(t *testing.T) {
	s := openTestStore(t)

	counts, err := s.DirectionCounts(7, "")
	require.NoError(t, err)
	assert.Equal(t, map[string]int{"left_to_right": 0, "right_to_left": 0, "unknown": 0}, counts)

	now := time.Now().UTC()
	seed := []DetectionEvent{
		{Timestamp: FormatTime(now.Add(-time.Hour)), EventType: "detection_end", Direction: "left_to_right", CameraID: "main"},
		{Timestamp: FormatTime(now.Add(-2 * time.Hour)), EventType: "detection_end", Direction: "left_to_right", CameraID: "side"},
		{Timestamp: FormatTime(now.Add(-3 * time.Hour)), EventType: "detection_end", Direction: "unknown", CameraID: "main"},
		{Timestamp: FormatTime(now.Add(-4 * time.Hour)), EventType: "detection_end", CameraID: "main"}, // NULL direction
		{Timestamp: FormatTime(now.AddDate(0, 0, -9)), EventType: "detection_end", Direction: "right_to_left", CameraID: "main"},
		{Timestamp: FormatTime(now.Add(-time.Hour)), EventType: "entry", Direction: "left_to_right", CameraID: "main"},
	}
	for i := range seed {
		require.NoError(t, s.InsertDetectionEvent(&seed[i]))
	}

	counts, err = s.DirectionCounts(7, "")
	require.NoError(t, err)
	assert.Equal(t, 2, counts["left_to_right"])
	assert.Equal(t, 0, counts["right_to_left"])
	assert.Equal(t, 2, counts["unknown"])

	counts, err = s.DirectionCounts(7, "main")
	require.NoError(t, err)
	assert.Equal(t, 1, counts["left_to_right"])
	assert.Equal(t, 2, counts["unknown"])
}

func TestEntryExitCountsAndTimeSeries(t *testing.T) {
	s := openTestStore(t)

	thisHour := time.Now().UTC().Truncate(time.Hour)
	lastHour := thisHour.Add(-time.Hour)

	seed := []DetectionEvent{
		{Timestamp: FormatTime(lastHour), EventType: "entry", CameraID: "main"},
		{Timestamp: FormatTime(lastHour.Add(time.Minute)), EventType: "exit", CameraID: "main"},
		{Timestamp: FormatTime(thisHour), EventType: "entry", CameraID: "main"},
		{Timestamp: FormatTime(thisHour), EventType: "entry", CameraID: "side"},
		{Timestamp: FormatTime(thisHour), EventType: "detection_end", Direction: "unknown", CameraID: "main"},
	}
	for i := range seed {
		require.NoError(t, s.InsertDetectionEvent(&seed[i]))
	}

	counts, err := s.EntryExitCounts(24)
	require.NoError(t, err)
	assert.Equal(t, map[string]int{"main": 3, "side": 1}, counts)

	points, err := s.TimeSeries("main", 24)
	require.NoError(t, err)
	require.Len(t, points, 2)
	assert.Equal(t, lastHour.Format(HourLayout), points[0].Hour)
	assert.Equal(t, 2, points[0].Count)
	assert.Equal(t, thisHour.Format(HourLayout), points[1].Hour)
	assert.Equal(t, 1, points[1].Count)

	series, err := s.TimeSeriesAll(24)
	require.NoError(t, err)
	require.Len(t, series, 2)
	assert.Len(t, series["main"], 2)
	assert.Len(t, series["side"], 1)
}

func TestSettingsRoundTrip(t *testing.T) {
	s := openTestStore(t)

	missing, err := s.GetSetting("nope")
	require.NoError(t, err)
	assert.Nil(t, missing)

	require.NoError(t, s.SetSetting("detection.active_fps", "5"))
	st, err := s.GetSetting("detection.active_fps")
	require.NoError(t, err)
	require.NotNil(t, st)
	assert.Equal(t, "5", st.Value)
	first := st.UpdatedAt

	require.NoError(t, s.SetSetting("detection.active_fps", "8"))
	st, err = s.GetSetting("detection.active_fps")
	require.NoError(t, err)
	assert.Equal(t, "8", st.Value)
	assert.GreaterOrEqual(t, st.UpdatedAt, first)

	require.NoError(t, s.SetSetting("detection.idle_fps", "1"))
	all, err := s.Settings()
	require.NoError(t, err)
	assert.Len(t, all, 2)
}

func TestSystemLogsAndEvents(t *testing.T) {
	s := openTestStore(t)

	require.NoError(t, s.LogSystem("warning", "source", "reconnecting camera main"))
	require.NoError(t, s.LogSystem("error", "tracking", "inference failed"))

	logs, err := s.SystemLogs(10)
	require.NoError(t, err)
	require.Len(t, logs, 2)
	assert.Equal(t, "tracking", logs[0].Module)
	assert.Equal(t, "source", logs[1].Module)

	require.NoError(t, s.LogEvent("footfall", map[string]any{"camera_id": "main", "kind": "entry"}))
	require.NoError(t, s.LogEvent("system_start", nil))

	events, err := s.Events("", "", 10, 0)
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, "system_start", events[0].Type)
	assert.Empty(t, events[0].Data)
	assert.Contains(t, events[1].Data, `"camera_id":"main"`)
	assert.NotEmpty(t, events[1].Timestamp)

	page, err := s.Events("", "", 1, 1)
	require.NoError(t, err)
	require.Len(t, page, 1)
	assert.Equal(t, "footfall", page[0].Type, "offset skips the newest row")

	none, err := s.Events("2099-01-01 00:00:00", "", 10, 0)
	require.NoError(t, err)
	assert.Empty(t, none)
}
