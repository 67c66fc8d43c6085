package logging

import (
	"bytes"
	"strings"
	"testing"
	"time"
)

func TestParseLevel(t *testing.T) {
	tests := []struct {
		in   string
		want Level
	}{
		{"debug", LevelDebug},
		{"INFO", LevelInfo},
		{"warning", LevelWarn},
		{"error", LevelError},
		{"bogus", LevelInfo},
		{"", LevelInfo},
	}
	for _, tt := range tests {
		if got := ParseLevel(tt.in); got != tt.want {
			t.Errorf("ParseLevel(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}

func TestLogger_FormatAndFilter(t *testing.T) {
	var buf bytes.Buffer
	l := New(&buf, LevelInfo).With("sched")
	fixed := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	l.SetClock(func() time.Time { return fixed })

	l.Debugf("hidden %d", 1)
	l.Warnf("cpu=%d load=%d", 2, 7)

	out := buf.String()
	if strings.Contains(out, "hidden") {
		t.Errorf("debug line should be filtered: %q", out)
	}
	want := "2026-01-02T03:04:05Z WARN sched: cpu=2 load=7\n"
	if out != want {
		t.Errorf("got %q, want %q", out, want)
	}
}

func TestLogger_NilSafe(t *testing.T) {
	var l *Logger
	l.Infof("nothing %s", "happens")
	if l.With("x") != nil {
		t.Error("With on nil logger should return nil")
	}
}
