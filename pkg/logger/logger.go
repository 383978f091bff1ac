// Package logger provides the structured logger shared by every tripsaga
// component: the event bus, the blackboard, the workflow engine, the SLA
// supervisor and the cmd/planner bootstrap.
package logger

import (
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/sirupsen/logrus"
)

// Logger wraps logrus.Logger so call sites depend on our type rather than
// importing logrus directly.
type Logger struct {
	*logrus.Logger
}

// Config controls logger construction.
type Config struct {
	Level      string `yaml:"level" env:"LOG_LEVEL"`
	Format     string `yaml:"format" env:"LOG_FORMAT"`
	Output     string `yaml:"output" env:"LOG_OUTPUT"`
	FilePrefix string `yaml:"file_prefix" env:"LOG_FILE_PREFIX"`
}

// DefaultConfig returns sensible defaults for local development.
func DefaultConfig() Config {
	return Config{Level: "info", Format: "text", Output: "stdout", FilePrefix: "tripsaga"}
}

// New builds a logger from cfg.
func New(cfg Config) *Logger {
	l := logrus.New()

	level, err := logrus.ParseLevel(cfg.Level)
	if err != nil {
		level = logrus.InfoLevel
	}
	l.SetLevel(level)

	switch strings.ToLower(cfg.Format) {
	case "json":
		l.SetFormatter(&logrus.JSONFormatter{})
	default:
		l.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	}

	switch strings.ToLower(cfg.Output) {
	case "file":
		prefix := cfg.FilePrefix
		if prefix == "" {
			prefix = "tripsaga"
		}
		logDir := "logs"
		if err := os.MkdirAll(logDir, 0755); err != nil {
			l.Errorf("failed to create logs directory: %v", err)
			break
		}
		logPath := filepath.Join(logDir, prefix+".log")
		file, err := os.OpenFile(logPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
		if err != nil {
			l.Errorf("failed to open log file: %v", err)
			break
		}
		l.SetOutput(io.MultiWriter(os.Stdout, file))
	default:
		l.SetOutput(os.Stdout)
	}

	return &Logger{Logger: l}
}

// NewDefault builds a logger with default settings, tagged with component.
// Used by small subsystems and tests that don't carry a *Config through.
func NewDefault(component string) *Logger {
	l := New(DefaultConfig())
	l.Logger.AddHook(componentHook{component: component})
	return l
}

// componentHook stamps every entry emitted through a NewDefault logger
// with its owning component, since that logger's embedded methods
// (Info, WithError, ...) bypass Named and would otherwise go untagged.
type componentHook struct {
	component string
}

func (h componentHook) Levels() []logrus.Level { return logrus.AllLevels }

func (h componentHook) Fire(e *logrus.Entry) error {
	if _, ok := e.Data["component"]; !ok {
		e.Data["component"] = h.component
	}
	return nil
}

// WithField returns a log entry with a single field set.
func (l *Logger) WithField(key string, value interface{}) *logrus.Entry {
	return l.Logger.WithField(key, value)
}

// WithFields returns a log entry with multiple fields set.
func (l *Logger) WithFields(fields logrus.Fields) *logrus.Entry {
	return l.Logger.WithFields(fields)
}

// Named returns a log entry tagged with the given component.
func (l *Logger) Named(component string) *logrus.Entry {
	return l.Logger.WithField("component", component)
}
