// Package logging builds the process-wide structured logger.
package logging

import (
	"io"
	"os"

	"github.com/sirupsen/logrus"
	"gopkg.in/natefinch/lumberjack.v2"

	"passage/internal/config"
)

// New constructs a logrus logger from the logging configuration. When a log
// file is configured, output is teed to stderr and a size-rotated file.
func New(cfg config.LoggingConfig) *logrus.Logger {
	logger := logrus.New()

	level, err := logrus.ParseLevel(cfg.Level)
	if err != nil {
		level = logrus.InfoLevel
		logger.Warnf("unknown log level %q, using info", cfg.Level)
	}
	logger.SetLevel(level)

	logger.SetFormatter(&logrus.TextFormatter{
		FullTimestamp:   true,
		TimestampFormat: "2006-01-02 15:04:05",
	})

	if cfg.File != "" {
		rotator := &lumberjack.Logger{
			Filename:   cfg.File,
			MaxSize:    cfg.MaxSizeMB,
			MaxBackups: cfg.BackupCount,
		}
		logger.SetOutput(io.MultiWriter(os.Stderr, rotator))
	} else {
		logger.SetOutput(os.Stderr)
	}

	return logger
}

// RecordFunc persists one log entry. Implemented by the event store's
// system-log writer; wired after the store opens.
type RecordFunc func(level, module, message string)

type storeHook struct {
	record RecordFunc
}

// Levels reports the levels the hook mirrors into the store.
func (h *storeHook) Levels() []logrus.Level {
	return []logrus.Level{
		logrus.WarnLevel,
		logrus.ErrorLevel,
		logrus.FatalLevel,
		logrus.PanicLevel,
	}
}

// Fire writes the entry through the record function. Errors are swallowed:
// logging must never fail the caller or recurse into itself.
func (h *storeHook) Fire(entry *logrus.Entry) error {
	module := "core"
	if c, ok := entry.Data["component"]; ok {
		if s, ok := c.(string); ok {
			module = s
		}
	}
	h.record(entry.Level.String(), module, entry.Message)
	return nil
}

// AttachStoreHook mirrors warn-and-above entries into the event store.
func AttachStoreHook(logger *logrus.Logger, record RecordFunc) {
	logger.AddHook(&storeHook{record: record})
}
