package logger

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/diode"
	"github.com/rs/zerolog/log"
)

// Logger wraps a configured zerolog.Logger and the in-memory ring that
// backs the GetLogs API command.
type Logger struct {
	mu      sync.RWMutex // guards config.Level and config.Components
	logger  zerolog.Logger
	config  *Config
	ring    *MemoryRing
	logFile *os.File
}

// Config controls log output.
type Config struct {
	Level         string            `json:"level" mapstructure:"level"`                  // debug, info, warn, error
	Format        string            `json:"format" mapstructure:"format"`                // console, json
	Output        string            `json:"output" mapstructure:"output"`                // stdout, stderr, file path
	TimeFormat    string            `json:"timeFormat" mapstructure:"time_format"`       // timestamp layout
	Caller        bool              `json:"caller" mapstructure:"caller"`                // include caller info
	Async         bool              `json:"async" mapstructure:"async"`                  // non-blocking writes via diode
	MemoryEntries int               `json:"memoryEntries" mapstructure:"memory_entries"` // ring capacity, 0 disables
	Components    map[string]string `json:"components" mapstructure:"components"`        // per-component level overrides
}

// DefaultConfig returns the configuration used when none is supplied.
func DefaultConfig() *Config {
	return &Config{
		Level:         "info",
		Format:        "console",
		Output:        "stdout",
		TimeFormat:    time.RFC3339,
		Caller:        false,
		Async:         false,
		MemoryEntries: 200,
	}
}

// New builds a Logger from config and installs it as the process-wide
// default.
func New(config *Config) (*Logger, error) {
	if config == nil {
		config = DefaultConfig()
	}
	if config.TimeFormat == "" {
		config.TimeFormat = time.RFC3339
	}

	zerolog.TimeFieldFormat = config.TimeFormat

	level, err := zerolog.ParseLevel(config.Level)
	if err != nil {
		return nil, fmt.Errorf("invalid log level %s: %w", config.Level, err)
	}
	zerolog.SetGlobalLevel(level)

	var logFile *os.File
	var output io.Writer
	switch strings.ToLower(config.Output) {
	case "", "stdout":
		output = os.Stdout
	case "stderr":
		output = os.Stderr
	default:
		if err := ensureDir(filepath.Dir(config.Output)); err != nil {
			return nil, fmt.Errorf("failed to create log directory: %w", err)
		}
		file, err := os.OpenFile(config.Output, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0666)
		if err != nil {
			return nil, fmt.Errorf("failed to open log file %s: %w", config.Output, err)
		}
		logFile = file
		output = file
	}

	if config.Async {
		// diode keeps logging off the hot path; dropped lines are counted.
		output = diode.NewWriter(output, 1000, 10*time.Millisecond, func(missed int) {
			fmt.Fprintf(os.Stderr, "logger dropped %d messages\n", missed)
		})
	}

	switch strings.ToLower(config.Format) {
	case "console":
		output = zerolog.ConsoleWriter{
			Out:        output,
			TimeFormat: config.TimeFormat,
		}
	case "json":
		// zerolog's native output
	default:
		return nil, fmt.Errorf("unsupported log format: %s", config.Format)
	}

	// The ring always receives the raw JSON stream, independent of the
	// configured format, so GetLogs can return structured entries.
	var ring *MemoryRing
	sink := output
	if config.MemoryEntries > 0 {
		ring = NewMemoryRing(config.MemoryEntries)
		sink = zerolog.MultiLevelWriter(output, ring)
	}

	logger := zerolog.New(sink).With().Timestamp().Logger()
	if config.Caller {
		logger = logger.With().Caller().Logger()
	}
	logger = logger.Level(level)

	log.Logger = logger

	l := &Logger{
		logger:  logger,
		config:  config,
		ring:    ring,
		logFile: logFile,
	}
	globalLogger = l
	return l, nil
}

// GetLogger returns the underlying zerolog.Logger.
func (l *Logger) GetLogger() zerolog.Logger {
	return l.logger
}

// Component returns a sub-logger tagged with the component name,
// honoring any per-component level override from config.
func (l *Logger) Component(name string) zerolog.Logger {
	sub := l.logger.With().Str("component", name).Logger()
	l.mu.RLock()
	defer l.mu.RUnlock()
	if override, ok := l.config.Components[name]; ok {
		if lvl, err := zerolog.ParseLevel(override); err == nil {
			sub = sub.Level(lvl)
		}
	}
	return sub
}

// Ring exposes the in-memory log ring; nil when disabled.
func (l *Logger) Ring() *MemoryRing {
	return l.ring
}

// SetLevel changes the level at runtime.
func (l *Logger) SetLevel(level string) error {
	lvl, err := zerolog.ParseLevel(level)
	if err != nil {
		return fmt.Errorf("invalid log level %s: %w", level, err)
	}
	l.mu.Lock()
	l.logger = l.logger.Level(lvl)
	l.config.Level = level
	l.mu.Unlock()
	return nil
}

// GetLevel returns the current configured level.
func (l *Logger) GetLevel() string {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.config.Level
}

// SetComponentLevel changes the level override for a component declared in
// config. Only components listed at startup can be tuned; sub-loggers
// created before the change keep their old level.
func (l *Logger) SetComponentLevel(name, level string) error {
	if _, err := zerolog.ParseLevel(level); err != nil {
		return fmt.Errorf("invalid log level %s: %w", level, err)
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.config.Components[name]; !ok {
		return fmt.Errorf("unknown log component %s", name)
	}
	l.config.Components[name] = level
	return nil
}

// ComponentLevels returns the effective level per component, with the
// global level under "root".
func (l *Logger) ComponentLevels() map[string]string {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := map[string]string{"root": l.config.Level}
	for name, level := range l.config.Components {
		out[name] = level
	}
	return out
}

// Close releases the log file when output goes to one.
func (l *Logger) Close() error {
	if l.logFile != nil {
		return l.logFile.Close()
	}
	return nil
}

func ensureDir(dir string) error {
	if dir == "" {
		return nil
	}
	return os.MkdirAll(dir, 0755)
}

var globalLogger *Logger

// Init builds and installs the global logger.
func Init(config *Config) error {
	_, err := New(config)
	return err
}

// Component returns a component sub-logger from the global logger. Safe
// before Init; falls back to the zerolog default.
func Component(name string) zerolog.Logger {
	if globalLogger != nil {
		return globalLogger.Component(name)
	}
	return log.With().Str("component", name).Logger()
}

// Global returns the installed global logger, or nil before Init.
func Global() *Logger {
	return globalLogger
}
