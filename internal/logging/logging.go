// Package logging configures the process-wide structured logger.
package logging

import (
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
)

// Level is a logging verbosity level accepted on the command line.
type Level string

const (
	LevelDebug Level = "debug"
	LevelInfo  Level = "info"
	LevelWarn  Level = "warn"
	LevelError Level = "error"
)

// Format selects the slog handler used for output.
type Format string

const (
	FormatText Format = "text"
	FormatJSON Format = "json"
)

// Config holds logger construction parameters.
type Config struct {
	Level      Level
	Format     Format
	OutputFile string
}

// NewConfig returns the default logging configuration: info level, text
// format, stdout.
func NewConfig() *Config {
	return &Config{
		Level:  LevelInfo,
		Format: FormatText,
	}
}

// ParseLevel converts a string to a Level.
func ParseLevel(level string) (Level, error) {
	switch level {
	case "debug", "DEBUG":
		return LevelDebug, nil
	case "info", "INFO", "":
		return LevelInfo, nil
	case "warn", "WARN", "warning", "WARNING":
		return LevelWarn, nil
	case "error", "ERROR":
		return LevelError, nil
	default:
		return "", fmt.Errorf("invalid log level: %s (must be debug, info, warn, or error)", level)
	}
}

// ParseFormat converts a string to a Format.
func ParseFormat(format string) (Format, error) {
	switch format {
	case "text", "TEXT", "":
		return FormatText, nil
	case "json", "JSON":
		return FormatJSON, nil
	default:
		return "", fmt.Errorf("invalid log format: %s (must be text or json)", format)
	}
}

func (l Level) toSlogLevel() slog.Level {
	switch l {
	case LevelDebug:
		return slog.LevelDebug
	case LevelWarn:
		return slog.LevelWarn
	case LevelError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// Logger wraps slog.Logger so callers can Close an opened log file.
type Logger struct {
	*slog.Logger
	file *os.File
}

// New builds a Logger from cfg.
func New(cfg *Config) (*Logger, error) {
	var writer io.Writer = os.Stdout
	var file *os.File

	if cfg.OutputFile != "" {
		f, err := os.OpenFile(cfg.OutputFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return nil, fmt.Errorf("open log file %s: %w", cfg.OutputFile, err)
		}
		writer = f
		file = f
	}

	opts := &slog.HandlerOptions{Level: cfg.Level.toSlogLevel()}

	var handler slog.Handler
	switch cfg.Format {
	case FormatJSON:
		handler = slog.NewJSONHandler(writer, opts)
	default:
		handler = slog.NewTextHandler(writer, opts)
	}

	return &Logger{Logger: slog.New(handler), file: file}, nil
}

// Close closes the backing log file, if one was opened.
func (l *Logger) Close() error {
	if l.file != nil {
		return l.file.Close()
	}
	return nil
}

// With returns a new Logger with args appended to every record.
func (l *Logger) With(args ...any) *Logger {
	return &Logger{Logger: l.Logger.With(args...), file: l.file}
}

var defaultLogger *Logger

// SetDefault installs logger as the package-level default and as the
// slog default.
func SetDefault(logger *Logger) {
	defaultLogger = logger
	slog.SetDefault(logger.Logger)
}

// Default returns the current default logger, falling back to a bare
// stdout text logger if none has been installed yet.
func Default() *Logger {
	if defaultLogger == nil {
		logger, err := New(NewConfig())
		if err != nil {
			return &Logger{Logger: slog.Default()}
		}
		defaultLogger = logger
	}
	return defaultLogger
}

// Flags holds logging-related command-line flags.
type Flags struct {
	Level  string
	Format string
	File   string
}

// RegisterFlags registers logging flags on fs.
func RegisterFlags(fs *flag.FlagSet) *Flags {
	f := &Flags{}
	fs.StringVar(&f.Level, "log-level", "info", "Log level: debug, info, warn, error")
	fs.StringVar(&f.Format, "log-format", "text", "Log output format: text, json")
	fs.StringVar(&f.File, "log-file", "", "Log output file path (default: stdout)")
	return f
}

// ToConfig converts parsed Flags into a Config.
func (f *Flags) ToConfig() (*Config, error) {
	cfg := NewConfig()

	level, err := ParseLevel(f.Level)
	if err != nil {
		return nil, err
	}
	cfg.Level = level

	format, err := ParseFormat(f.Format)
	if err != nil {
		return nil, err
	}
	cfg.Format = format

	cfg.OutputFile = f.File
	return cfg, nil
}
