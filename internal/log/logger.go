// Package log builds the structured logger (C11) shared across the
// session: a logrus.Logger with a configurable formatter and an
// optional rotating file sink, plus a small adapter that mirrors
// dissect.Log events into logrus fields.
package log

import (
	"io"
	"os"
	"strings"

	"github.com/sirupsen/logrus"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/firestige/otuscore/internal/dissect"
)

// FileConfig configures lumberjack-backed log rotation. Zero value
// means "no file sink, stderr only".
type FileConfig struct {
	Path       string
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
	Compress   bool
}

// Config selects level, format, and destinations for New.
type Config struct {
	Level  string // debug|info|warn|error
	Format string // text|json
	File   FileConfig
}

// New builds a configured logrus.Logger. Output always includes
// stderr; if File.Path is set, a lumberjack-rotated file is added via
// io.MultiWriter so neither destination is exclusive.
func New(cfg Config) *logrus.Logger {
	logger := logrus.New()
	logger.SetLevel(parseLevel(cfg.Level))

	if strings.EqualFold(cfg.Format, "json") {
		logger.SetFormatter(&logrus.JSONFormatter{})
	} else {
		logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	}

	logger.SetOutput(buildWriter(cfg.File))
	return logger
}

func buildWriter(f FileConfig) io.Writer {
	if f.Path == "" {
		return os.Stderr
	}
	rotator := &lumberjack.Logger{
		Filename:   f.Path,
		MaxSize:    nonZero(f.MaxSizeMB, 100),
		MaxBackups: f.MaxBackups,
		MaxAge:     f.MaxAgeDays,
		Compress:   f.Compress,
	}
	return io.MultiWriter(os.Stderr, rotator)
}

func nonZero(v, def int) int {
	if v <= 0 {
		return def
	}
	return v
}

func parseLevel(level string) logrus.Level {
	lvl, err := logrus.ParseLevel(level)
	if err != nil {
		return logrus.InfoLevel
	}
	return lvl
}

// MirrorDissectLog returns a dissect.Log sink that writes each event
// as a structured logrus entry, tagged with the fields a host-bridge
// subscriber would otherwise have reconstructed from the dedup key.
func MirrorDissectLog(logger *logrus.Logger) func(dissect.Log) {
	return func(l dissect.Log) {
		entry := logger.WithFields(logrus.Fields{
			"domain":      l.Domain,
			"resource":    l.ResourceName,
			"source_line": l.SourceLine,
		})
		switch l.Level {
		case dissect.LevelDebug:
			entry.Debug(l.Message)
		case dissect.LevelWarn:
			entry.Warn(l.Message)
		case dissect.LevelError:
			entry.Error(l.Message)
		default:
			entry.Info(l.Message)
		}
	}
}
