// Package logging provides structured logging configuration and utilities.
package logging

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// Output formats.
const (
	FormatJSON   = "json"
	FormatText   = "text"
	FormatPretty = "pretty"
)

// Config holds logging configuration.
type Config struct {
	Level  string
	Format string
	// Output defaults to os.Stderr.
	Output io.Writer
}

// ParseLevel maps a level name to a slog level. Names follow zerolog's
// vocabulary, so "trace" maps below debug and "fatal"/"panic" above error.
func ParseLevel(name string) (slog.Level, error) {
	level, err := zerolog.ParseLevel(strings.ToLower(strings.TrimSpace(name)))
	if err != nil {
		return slog.LevelInfo, fmt.Errorf("invalid log level %q: %w", name, err)
	}

	switch level {
	case zerolog.TraceLevel:
		return slog.LevelDebug - 4, nil
	case zerolog.DebugLevel:
		return slog.LevelDebug, nil
	case zerolog.WarnLevel:
		return slog.LevelWarn, nil
	case zerolog.ErrorLevel:
		return slog.LevelError, nil
	case zerolog.FatalLevel, zerolog.PanicLevel:
		return slog.LevelError + 4, nil
	default:
		return slog.LevelInfo, nil
	}
}

// NewLogger builds a slog logger for cfg. An unknown level falls back to
// info; an unknown format falls back to json.
func NewLogger(cfg Config) *slog.Logger {
	out := cfg.Output
	if out == nil {
		out = os.Stderr
	}

	level, err := ParseLevel(cfg.Level)
	if err != nil {
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}

	switch strings.ToLower(strings.TrimSpace(cfg.Format)) {
	case FormatText:
		return slog.New(slog.NewTextHandler(out, opts))
	case FormatPretty:
		return slog.New(newPrettyHandler(out, opts))
	default:
		return slog.New(slog.NewJSONHandler(out, opts))
	}
}

// SetupLogger builds the logger for cfg and installs it as the slog default.
func SetupLogger(cfg Config) *slog.Logger {
	logger := NewLogger(cfg)
	slog.SetDefault(logger)
	return logger
}

// newPrettyHandler renders records through zerolog's console writer. Records
// are encoded as JSON with zerolog's field names, one Write per record,
// which is the input the console writer expects.
func newPrettyHandler(out io.Writer, opts *slog.HandlerOptions) slog.Handler {
	console := zerolog.ConsoleWriter{
		Out:        out,
		NoColor:    !isTerminal(out),
		TimeFormat: time.RFC3339,
	}

	return slog.NewJSONHandler(console, &slog.HandlerOptions{
		Level: opts.Level,
		ReplaceAttr: func(groups []string, a slog.Attr) slog.Attr {
			if len(groups) > 0 {
				return a
			}
			switch a.Key {
			case slog.MessageKey:
				a.Key = zerolog.MessageFieldName
			case slog.LevelKey:
				a.Key = zerolog.LevelFieldName
				a.Value = slog.StringValue(zerologLevel(a.Value))
			case slog.TimeKey:
				a.Key = zerolog.TimestampFieldName
			}
			return a
		},
	})
}

func zerologLevel(v slog.Value) string {
	level, ok := v.Any().(slog.Level)
	if !ok {
		return strings.ToLower(v.String())
	}
	switch {
	case level < slog.LevelDebug:
		return zerolog.TraceLevel.String()
	case level < slog.LevelInfo:
		return zerolog.DebugLevel.String()
	case level < slog.LevelWarn:
		return zerolog.InfoLevel.String()
	case level < slog.LevelError:
		return zerolog.WarnLevel.String()
	default:
		return zerolog.ErrorLevel.String()
	}
}

func isTerminal(w io.Writer) bool {
	f, ok := w.(*os.File)
	if !ok {
		return false
	}
	info, err := f.Stat()
	if err != nil {
		return false
	}
	return info.Mode()&os.ModeCharDevice != 0
}
