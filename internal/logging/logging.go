// Package logging provides the leveled, component-tagged line logger used across orbit.
package logging

import (
	"fmt"
	"io"
	"log"
	"strings"
	"time"
)

type Level int

const (
	LevelDebug Level = iota
	LevelInfo
	LevelWarn
	LevelError
)

func (l Level) String() string {
	switch l {
	case LevelDebug:
		return "DEBUG"
	case LevelWarn:
		return "WARN"
	case LevelError:
		return "ERROR"
	default:
		return "INFO"
	}
}

// ParseLevel maps a config string to a Level. Unknown values fall back to info.
func ParseLevel(s string) Level {
	switch strings.ToLower(s) {
	case "debug":
		return LevelDebug
	case "info":
		return LevelInfo
	case "warn", "warning":
		return LevelWarn
	case "error":
		return LevelError
	default:
		return LevelInfo
	}
}

// Logger writes "<RFC3339> <LEVEL> <component>: <msg>" lines.
type Logger struct {
	out       *log.Logger
	level     Level
	component string
	now       func() time.Time
}

func New(w io.Writer, level Level) *Logger {
	return &Logger{
		out:   log.New(w, "", 0),
		level: level,
		now:   time.Now,
	}
}

// Discard returns a logger that drops everything; handy in tests.
func Discard() *Logger {
	return New(io.Discard, LevelError+1)
}

// With returns a logger sharing the same sink, tagged with component.
func (l *Logger) With(component string) *Logger {
	if l == nil {
		return nil
	}
	cp := *l
	cp.component = component
	return &cp
}

// SetClock overrides the time source for the line prefix.
func (l *Logger) SetClock(now func() time.Time) {
	l.now = now
}

func (l *Logger) Enabled(level Level) bool {
	return l != nil && level >= l.level
}

func (l *Logger) Logf(level Level, format string, args ...any) {
	if !l.Enabled(level) {
		return
	}
	msg := fmt.Sprintf(format, args...)
	comp := l.component
	if comp == "" {
		comp = "orbit"
	}
	l.out.Printf("%s %s %s: %s", l.now().Format(time.RFC3339), level, comp, msg)
}

func (l *Logger) Debugf(format string, args ...any) { l.Logf(LevelDebug, format, args...) }
func (l *Logger) Infof(format string, args ...any)  { l.Logf(LevelInfo, format, args...) }
func (l *Logger) Warnf(format string, args ...any)  { l.Logf(LevelWarn, format, args...) }
func (l *Logger) Errorf(format string, args ...any) { l.Logf(LevelError, format, args...) }
