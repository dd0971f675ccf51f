package logging

import (
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"gopkg.in/natefinch/lumberjack.v2"
)

// Logger wraps logrus with a component field so every subsystem tags its
// own lines.
type Logger struct {
	*logrus.Entry
}

// Config holds logger configuration.
type Config struct {
	Level      string
	Format     string // "json" or "text"
	Output     string // "stdout", "file" or "both"
	Directory  string
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
	Compress   bool
}

// DefaultConfig returns the configuration used when none is supplied.
func DefaultConfig() Config {
	return Config{
		Level:      "info",
		Format:     "text",
		Output:     "stdout",
		Directory:  "logs",
		MaxSizeMB:  50,
		MaxBackups: 5,
		MaxAgeDays: 14,
	}
}

var (
	base     *logrus.Logger
	baseOnce sync.Once
)

// Init configures the process-wide logger. Safe to call more than once;
// later calls win.
func Init(cfg Config) {
	l := root()

	level, err := logrus.ParseLevel(cfg.Level)
	if err != nil {
		level = logrus.InfoLevel
	}
	l.SetLevel(level)

	if cfg.Format == "json" {
		l.SetFormatter(&logrus.JSONFormatter{TimestampFormat: time.RFC3339})
	} else {
		l.SetFormatter(&logrus.TextFormatter{
			FullTimestamp:   true,
			TimestampFormat: time.RFC3339,
		})
	}

	switch cfg.Output {
	case "file":
		l.SetOutput(fileWriter(cfg))
	case "both":
		l.SetOutput(io.MultiWriter(os.Stdout, fileWriter(cfg)))
	default:
		l.SetOutput(os.Stdout)
	}
}

func root() *logrus.Logger {
	baseOnce.Do(func() {
		base = logrus.New()
		base.SetFormatter(&logrus.TextFormatter{
			FullTimestamp:   true,
			TimestampFormat: time.RFC3339,
		})
	})
	return base
}

func fileWriter(cfg Config) io.Writer {
	if err := os.MkdirAll(cfg.Directory, 0o755); err != nil {
		return os.Stdout
	}
	return &lumberjack.Logger{
		Filename:   filepath.Join(cfg.Directory, "market-sim.log"),
		MaxSize:    cfg.MaxSizeMB,
		MaxBackups: cfg.MaxBackups,
		MaxAge:     cfg.MaxAgeDays,
		Compress:   cfg.Compress,
	}
}

// NewComponentLogger returns a logger tagged with the given component name.
func NewComponentLogger(component string) *Logger {
	return &Logger{Entry: root().WithField("component", component)}
}

// WithField returns a logger with an extra structured field.
func (l *Logger) WithField(key string, value any) *Logger {
	return &Logger{Entry: l.Entry.WithField(key, value)}
}

// WithFields returns a logger with extra structured fields.
func (l *Logger) WithFields(fields map[string]any) *Logger {
	return &Logger{Entry: l.Entry.WithFields(fields)}
}

// WithError returns a logger with an error field attached.
func (l *Logger) WithError(err error) *Logger {
	return &Logger{Entry: l.Entry.WithError(err)}
}

// LogTrade records a committed trade at info level with structured fields.
func (l *Logger) LogTrade(simulationID, wallet string, action string, quantity, price float64) {
	l.WithFields(map[string]any{
		"event":      "trade",
		"simulation": simulationID,
		"wallet":     wallet,
		"action":     action,
		"quantity":   quantity,
		"price":      price,
		"value":      quantity * price,
	}).Debug("trade committed")
}
