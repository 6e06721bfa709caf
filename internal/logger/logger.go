package logger

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"time"
)

type Level = slog.Level

const (
	LevelTrace   = slog.Level(-8)
	LevelDebug   = slog.LevelDebug
	LevelInfo    = slog.LevelInfo
	LevelWarning = slog.LevelWarn
	LevelError   = slog.LevelError
)

// Logger is a slog.Logger whose minimum level can be moved at runtime
// between the configured level and LevelTrace.
type Logger struct {
	*slog.Logger

	level *slog.LevelVar
	base  slog.Level
}

// New builds a logger writing to w. format is "text" or "json".
func New(w io.Writer, format string, level slog.Level) *Logger {
	lv := new(slog.LevelVar)
	lv.Set(level)

	opts := &slog.HandlerOptions{
		Level: lv,
		ReplaceAttr: func(_ []string, a slog.Attr) slog.Attr {
			if a.Key == slog.LevelKey {
				if l, ok := a.Value.Any().(slog.Level); ok && l == LevelTrace {
					a.Value = slog.StringValue("TRACE")
				}
			}
			return a
		},
	}

	var h slog.Handler
	if strings.EqualFold(format, "json") {
		h = slog.NewJSONHandler(w, opts)
	} else {
		h = slog.NewTextHandler(w, opts)
	}
	return &Logger{Logger: slog.New(h), level: lv, base: level}
}

// Discard returns a logger that drops everything. Used by tests.
func Discard() *Logger {
	return New(io.Discard, "text", LevelError)
}

// SetTrace lowers the level to LevelTrace, or restores the configured level.
func (l *Logger) SetTrace(on bool) {
	if on {
		l.level.Set(LevelTrace)
		return
	}
	l.level.Set(l.base)
}

func (l *Logger) Tracing() bool {
	return l.level.Level() <= LevelTrace
}

func (l *Logger) Level() slog.Level {
	return l.level.Level()
}

func (l *Logger) Trace(msg string, args ...any) {
	l.Log(context.Background(), LevelTrace, msg, args...)
}

// With returns a child logger sharing the same level.
func (l *Logger) With(args ...any) *Logger {
	return &Logger{Logger: l.Logger.With(args...), level: l.level, base: l.base}
}

// ParseLevel converts a level name to slog.Level.
func ParseLevel(s string) (slog.Level, error) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "TRACE":
		return LevelTrace, nil
	case "DEBUG":
		return LevelDebug, nil
	case "", "INFO":
		return LevelInfo, nil
	case "WARN", "WARNING":
		return LevelWarning, nil
	case "ERROR":
		return LevelError, nil
	default:
		return LevelInfo, fmt.Errorf("unknown log level: %s", s)
	}
}

// RateLimited drops messages logged more often than once per interval.
type RateLimited struct {
	log      *Logger
	mu       sync.Mutex
	lastAt   time.Time
	interval time.Duration
}

func NewRateLimited(log *Logger, interval time.Duration) *RateLimited {
	return &RateLimited{log: log, interval: interval}
}

func (r *RateLimited) Warn(msg string, args ...any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	now := time.Now()
	if !r.lastAt.IsZero() && now.Sub(r.lastAt) < r.interval {
		return
	}
	r.lastAt = now
	r.log.Warn(msg, args...)
}
