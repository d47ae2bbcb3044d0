package logger

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Config holds logger configuration
type Config struct {
	Level     string // debug, info, warn, error
	File      string // log file path, empty for none
	Console   bool   // write to ConsoleOut
	Pretty    bool   // human readable console output
	Redaction bool   // scrub secrets and PII before writing
	// Components overrides Level per component name, e.g. {"llm": "debug"}.
	Components map[string]string
	// ConsoleOut defaults to stderr.
	ConsoleOut io.Writer
}

// Logger is the process logger. It owns the log file and hands out
// component loggers.
type Logger struct {
	logger     zerolog.Logger
	components map[string]zerolog.Level
	redactor   *Redactor

	mu   sync.Mutex
	file *os.File
}

// New builds a logger from cfg and installs it as the zerolog global logger.
// An unknown level means info.
func New(cfg Config) (*Logger, error) {
	level := parseLevel(cfg.Level, zerolog.InfoLevel)

	components := make(map[string]zerolog.Level, len(cfg.Components))
	for name, lvl := range cfg.Components {
		components[name] = parseLevel(lvl, level)
	}

	var sinks []io.Writer
	if cfg.Console {
		out := cfg.ConsoleOut
		if out == nil {
			out = os.Stderr
		}
		if cfg.Pretty {
			out = zerolog.ConsoleWriter{Out: out, TimeFormat: time.RFC3339}
		}
		sinks = append(sinks, out)
	}

	var file *os.File
	if cfg.File != "" {
		if err := os.MkdirAll(filepath.Dir(cfg.File), 0755); err != nil {
			return nil, fmt.Errorf("failed to create log directory: %w", err)
		}
		var err error
		file, err = os.OpenFile(cfg.File, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
		if err != nil {
			return nil, fmt.Errorf("failed to open log file: %w", err)
		}
		sinks = append(sinks, file)
	}

	writer := io.Discard
	if len(sinks) == 1 {
		writer = sinks[0]
	} else if len(sinks) > 1 {
		writer = zerolog.MultiLevelWriter(sinks...)
	}

	l := &Logger{components: components, file: file}
	if cfg.Redaction {
		l.redactor = NewRedactor()
		writer = l.redactor.Wrap(writer)
	}

	l.logger = zerolog.New(writer).With().Timestamp().Logger().Level(level)
	log.Logger = l.logger

	return l, nil
}

func parseLevel(s string, fallback zerolog.Level) zerolog.Level {
	if s == "" {
		return fallback
	}
	level, err := zerolog.ParseLevel(s)
	if err != nil {
		return fallback
	}
	return level
}

// Close closes the log file. It is safe to call more than once.
func (l *Logger) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.file == nil {
		return nil
	}
	err := l.file.Close()
	l.file = nil
	return err
}

func (l *Logger) Debug() *zerolog.Event { return l.logger.Debug() }

func (l *Logger) Info() *zerolog.Event { return l.logger.Info() }

func (l *Logger) Warn() *zerolog.Event { return l.logger.Warn() }

func (l *Logger) Error() *zerolog.Event { return l.logger.Error() }

// Component returns a child logger tagged with name, at the component's
// own level when one is configured.
func (l *Logger) Component(name string) zerolog.Logger {
	child := l.logger.With().Str("component", name).Logger()
	if level, ok := l.components[name]; ok {
		child = child.Level(level)
	}
	return child
}

// GetZerolog returns the underlying zerolog.Logger
func (l *Logger) GetZerolog() zerolog.Logger {
	return l.logger
}

// DefaultConfig returns default logger configuration
func DefaultConfig() Config {
	return Config{
		Level:     "info",
		Console:   true,
		Pretty:    true,
		Redaction: true,
	}
}
