package store

import (
	"database/sql"
	"fmt"
)

// Setting is a process-wide key/value knob.
type Setting struct {
	Key       string `json:"key"`
	Value     string `json:"value"`
	UpdatedAt string `json:"updated_at"`
}

// SystemLog is a persisted log line, mirroring the process log at warning
// level and above.
type SystemLog struct {
	ID        int64  `json:"id"`
	Timestamp string `json:"timestamp"`
	Level     string `json:"level"`
	Module    string `json:"module"`
	Message   string `json:"message"`
}

// SetSetting writes a setting, bumping updated_at.
func (s *Store) SetSetting(key, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	query := `INSERT INTO settings (key, value, updated_at)
		VALUES (?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET
			value = excluded.value,
			updated_at = excluded.updated_at`

	if _, err := s.db.Exec(query, key, value, UTCNow()); err != nil {
		return fmt.Errorf("failed to save setting: %w", err)
	}
	return nil
}

// GetSetting retrieves a setting. Returns nil when absent.
func (s *Store) GetSetting(key string) (*Setting, error) {
	var st Setting
	err := s.db.QueryRow("SELECT key, value, updated_at FROM settings WHERE key = ?", key).
		Scan(&st.Key, &st.Value, &st.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get setting: %w", err)
	}
	return &st, nil
}

// Settings returns all settings ordered by key.
func (s *Store) Settings() ([]*Setting, error) {
	rows, err := s.db.Query("SELECT key, value, updated_at FROM settings ORDER BY key")
	if err != nil {
		return nil, fmt.Errorf("failed to list settings: %w", err)
	}
	defer rows.Close()

	var settings []*Setting
	for rows.Next() {
		var st Setting
		if err := rows.Scan(&st.Key, &st.Value, &st.UpdatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan setting: %w", err)
		}
		settings = append(settings, &st)
	}
	return settings, rows.Err()
}

// LogSystem appends a row to the system log table.
func (s *Store) LogSystem(level, module, message string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	query := "INSERT INTO system_logs (timestamp, level, module, message) VALUES (?, ?, ?, ?)"
	if _, err := s.db.Exec(query, UTCNow(), level, module, message); err != nil {
		return fmt.Errorf("failed to log system event: %w", err)
	}
	return nil
}

// SystemLogs returns recent system log rows, newest first.
func (s *Store) SystemLogs(limit int) ([]*SystemLog, error) {
	if limit <= 0 {
		limit = 100
	}

	rows, err := s.db.Query(
		"SELECT id, timestamp, level, module, message FROM system_logs ORDER BY id DESC LIMIT ?", limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list system logs: %w", err)
	}
	defer rows.Close()

	var logs []*SystemLog
	for rows.Next() {
		var l SystemLog
		if err := rows.Scan(&l.ID, &l.Timestamp, &l.Level, &l.Module, &l.Message); err != nil {
			return nil, fmt.Errorf("failed to scan system log: %w", err)
		}
		logs = append(logs, &l)
	}
	return logs, rows.Err()
}
