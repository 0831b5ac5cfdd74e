// Package config loads and validates the runtime configuration.
//
// Configuration comes from a YAML file (default config.yaml in the working
// directory), overridable per key through PASSAGE_* environment variables.
// A missing file is not an error: every key has a default.
package config

import (
	"fmt"
	"strings"

	"github.com/spf13/viper"
)

// Config is the complete service configuration.
type Config struct {
	Camera        CameraConfig        `mapstructure:"camera"`
	Detection     DetectionConfig     `mapstructure:"detection"`
	Database      DatabaseConfig      `mapstructure:"database"`
	Snapshots     SnapshotsConfig     `mapstructure:"snapshots"`
	API           APIConfig           `mapstructure:"api"`
	Logging       LoggingConfig       `mapstructure:"logging"`
	Notifications NotificationsConfig `mapstructure:"notifications"`
	Metrics       MetricsConfig       `mapstructure:"metrics"`
}

// CameraConfig describes the default camera geometry applied when a camera
// is registered without explicit values.
type CameraConfig struct {
	DeviceID int `mapstructure:"device_id"`
	Width    int `mapstructure:"width"`
	Height   int `mapstructure:"height"`
	FPS      int `mapstructure:"fps"`
}

// DetectionConfig controls the detector client and the tracking workers.
type DetectionConfig struct {
	ModelPath           string  `mapstructure:"model_path"`
	Endpoint            string  `mapstructure:"endpoint"`
	GRPCHealthAddr      string  `mapstructure:"grpc_health_addr"`
	ConfidenceThreshold float64 `mapstructure:"confidence_threshold"`
	IdleFPS             float64 `mapstructure:"idle_fps"`
	ActiveFPS           float64 `mapstructure:"active_fps"`
	PersonClassID       int     `mapstructure:"person_class_id"`
	// DirectionThreshold is the horizontal displacement, in pixels, a person
	// must cover before the camera's flow direction updates.
	DirectionThreshold float64 `mapstructure:"direction_threshold"`
	TrackExpirySeconds float64 `mapstructure:"track_expiry_seconds"`
}

// DatabaseConfig locates the SQLite file.
type DatabaseConfig struct {
	Path string `mapstructure:"path"`
}

// SnapshotsConfig controls the snapshot tree and its retention sweeper.
type SnapshotsConfig struct {
	Root            string `mapstructure:"root"`
	MaxFiles        int    `mapstructure:"max_files"`
	CleanupInterval int    `mapstructure:"cleanup_interval"`
}

// APIConfig controls the HTTP adapter.
type APIConfig struct {
	Host         string `mapstructure:"host"`
	Port         int    `mapstructure:"port"`
	Debug        bool   `mapstructure:"debug"`
	AuthEnabled  bool   `mapstructure:"auth_enabled"`
	AuthUsername string `mapstructure:"auth_username"`
	AuthPassword string `mapstructure:"auth_password"`
	JWTSecret    string `mapstructure:"jwt_secret"`
	JWTExpiry    string `mapstructure:"jwt_expiry"`
}

// LoggingConfig controls the log sink.
type LoggingConfig struct {
	Level       string `mapstructure:"level"`
	File        string `mapstructure:"file"`
	MaxSizeMB   int    `mapstructure:"max_size_mb"`
	BackupCount int    `mapstructure:"backup_count"`
}

// NotificationsConfig controls outbound push notifiers.
type NotificationsConfig struct {
	TelegramToken   string `mapstructure:"telegram_token"`
	TelegramChatID  string `mapstructure:"telegram_chat_id"`
	CooldownSeconds int    `mapstructure:"cooldown_seconds"`
}

// MetricsConfig controls the aggregator accelerator and chart padding.
type MetricsConfig struct {
	SyntheticFill bool `mapstructure:"synthetic_fill"`
	CacheSize     int  `mapstructure:"cache_size"`
}

// Addr returns the host:port the HTTP server binds to.
func (a APIConfig) Addr() string {
	return fmt.Sprintf("%s:%d", a.Host, a.Port)
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("camera.device_id", 0)
	v.SetDefault("camera.width", 640)
	v.SetDefault("camera.height", 480)
	v.SetDefault("camera.fps", 30)

	v.SetDefault("detection.model_path", "yolov8n.pt")
	v.SetDefault("detection.endpoint", "http://localhost:8081")
	v.SetDefault("detection.grpc_health_addr", "")
	v.SetDefault("detection.confidence_threshold", 0.5)
	v.SetDefault("detection.idle_fps", 1.0)
	v.SetDefault("detection.active_fps", 5.0)
	v.SetDefault("detection.person_class_id", 0)
	v.SetDefault("detection.direction_threshold", 20.0)
	v.SetDefault("detection.track_expiry_seconds", 2.0)

	v.SetDefault("database.path", "passage.db")

	v.SetDefault("snapshots.root", "snapshots")
	v.SetDefault("snapshots.max_files", 1000)
	v.SetDefault("snapshots.cleanup_interval", 3600)

	v.SetDefault("api.host", "0.0.0.0")
	v.SetDefault("api.port", 5000)
	v.SetDefault("api.debug", false)
	v.SetDefault("api.auth_enabled", false)
	v.SetDefault("api.auth_username", "admin")
	v.SetDefault("api.auth_password", "")
	v.SetDefault("api.jwt_secret", "")
	v.SetDefault("api.jwt_expiry", "24h")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.file", "")
	v.SetDefault("logging.max_size_mb", 10)
	v.SetDefault("logging.backup_count", 5)

	v.SetDefault("notifications.telegram_token", "")
	v.SetDefault("notifications.telegram_chat_id", "")
	v.SetDefault("notifications.cooldown_seconds", 30)

	v.SetDefault("metrics.synthetic_fill", false)
	v.SetDefault("metrics.cache_size", 128)
}

// Load reads the configuration file at path and returns the bound Config.
// An empty path loads config.yaml from the working directory when present.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("PASSAGE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		if err := v.ReadInConfig(); err != nil {
			// Defaults are a complete configuration on their own.
			if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
				return nil, fmt.Errorf("read config: %w", err)
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate rejects configurations the engine cannot run with.
func (c *Config) Validate() error {
	if c.Database.Path == "" {
		return fmt.Errorf("database.path must not be empty")
	}
	if c.Detection.IdleFPS <= 0 {
		return fmt.Errorf("detection.idle_fps must be positive, got %v", c.Detection.IdleFPS)
	}
	if c.Detection.ActiveFPS <= 0 {
		return fmt.Errorf("detection.active_fps must be positive, got %v", c.Detection.ActiveFPS)
	}
	if c.Detection.ConfidenceThreshold <= 0 || c.Detection.ConfidenceThreshold > 1 {
		return fmt.Errorf("detection.confidence_threshold must be in (0,1], got %v", c.Detection.ConfidenceThreshold)
	}
	if c.Detection.TrackExpirySeconds <= 0 {
		return fmt.Errorf("detection.track_expiry_seconds must be positive, got %v", c.Detection.TrackExpirySeconds)
	}
	if c.Snapshots.MaxFiles <= 0 {
		return fmt.Errorf("snapshots.max_files must be positive, got %d", c.Snapshots.MaxFiles)
	}
	if c.API.Port <= 0 || c.API.Port > 65535 {
		return fmt.Errorf("api.port out of range: %d", c.API.Port)
	}
	if c.API.AuthEnabled && c.API.AuthPassword == "" {
		return fmt.Errorf("api.auth_enabled requires api.auth_password")
	}
	return nil
}
