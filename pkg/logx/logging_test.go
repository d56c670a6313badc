package logx

import (
	"bytes"
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"
)

func decodeLine(t *testing.T, buf *bytes.Buffer) map[string]any {
	t.Helper()
	var m map[string]any
	if err := json.Unmarshal(bytes.TrimSpace(buf.Bytes()), &m); err != nil {
		t.Fatalf("decode %q: %v", buf.String(), err)
	}
	return m
}

func TestFieldsRenderTyped(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	l := newWriterLogger(&buf, LevelDebug).With(String("comp", "worker"))
	l.Info("sent",
		String("dest", "discord:g1"),
		Strings("platforms", []string{"discord", "telegram"}),
		Int("n", 3),
		Int64("id", 42),
		Bool("ok", true),
		Duration("took", 1500*time.Millisecond),
		Err(nil),
		Stack("  "),
		Field{},
		String("comp", "override"),
	)

	m := decodeLine(t, &buf)
	cases := []struct {
		key  string
		want any
	}{
		{"message", "sent"},
		{"level", "info"},
		{"dest", "discord:g1"},
		{"n", float64(3)},
		{"id", float64(42)},
		{"ok", true},
		{"took", float64(1500)},
		{"comp", "override"},
	}
	for _, tc := range cases {
		if got := m[tc.key]; got != tc.want {
			t.Fatalf("%s=%v (%T) want %v", tc.key, got, got, tc.want)
		}
	}
	if ps, ok := m["platforms"].([]any); !ok || len(ps) != 2 || ps[1] != "telegram" {
		t.Fatalf("platforms=%v", m["platforms"])
	}
	for _, k := range []string{"err", "stack", ""} {
		if _, ok := m[k]; ok {
			t.Fatalf("unexpected key %q in %v", k, m)
		}
	}
	if c, _ := m["caller"].(string); !strings.HasPrefix(c, "logging_test.go:") {
		t.Fatalf("caller=%q", c)
	}
}

func TestErrFieldUsesErrKey(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	l := newWriterLogger(&buf, LevelDebug)
	l.Warn("failed", Err(errors.New("boom")), Any("cause", errors.New("inner")))
	m := decodeLine(t, &buf)
	if m["err"] != "boom" || m["cause"] != "inner" {
		t.Fatalf("line=%v", m)
	}
}

func TestLevelGate(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	l := newWriterLogger(&buf, LevelWarn)
	l.Info("hidden")
	l.Debug("hidden")
	if buf.Len() != 0 {
		t.Fatalf("below-level lines written: %q", buf.String())
	}
	if l.Enabled(LevelInfo) || !l.Enabled(LevelError) {
		t.Fatalf("Enabled mismatch")
	}
	l.Error("shown")
	if !strings.Contains(buf.String(), "shown") {
		t.Fatalf("error line missing: %q", buf.String())
	}
}

func TestZeroLoggerDiscards(t *testing.T) {
	t.Parallel()

	var l Logger
	if !l.IsZero() {
		t.Fatalf("zero logger not zero")
	}
	l.Error("nowhere", String("k", "v"))
	if l.Enabled(LevelError) {
		t.Fatalf("zero logger reports enabled")
	}
	if Nop().IsZero() || l.With(String("k", "v")).IsZero() {
		t.Fatalf("derived logger reported zero")
	}
}

func TestParseLevel(t *testing.T) {
	t.Parallel()

	cases := []struct {
		in   string
		want Level
	}{
		{"", LevelInfo},
		{"debug", LevelDebug},
		{" TRACE ", LevelTrace},
		{"Warning", LevelWarn},
		{"warn", LevelWarn},
		{"error", LevelError},
		{"loud", LevelInfo},
	}
	for _, tc := range cases {
		if got := parseLevel(tc.in, LevelInfo); got != tc.want {
			t.Fatalf("parseLevel(%q)=%v want %v", tc.in, got, tc.want)
		}
	}
}

func TestFormatAlertJSON(t *testing.T) {
	t.Parallel()

	line := `{"level":"error","time":"2026-05-01T00:00:00Z","message":"send failed","stack":"a\nb","err":"timeout","dest":"discord:g1"}` + "\n"
	want := "[ERROR] send failed\n- dest=discord:g1\n- err=timeout\n- stack=\na\nb"
	if got := formatAlertJSON([]byte(line)); got != want {
		t.Fatalf("alert=%q want %q", got, want)
	}
	if got := formatAlertJSON([]byte("  not json \n")); got != "not json" {
		t.Fatalf("raw alert=%q", got)
	}
}

func TestStackTrace(t *testing.T) {
	t.Parallel()

	st := StackTrace(1, 2)
	if !strings.Contains(st, "TestStackTrace") {
		t.Fatalf("stack missing caller: %q", st)
	}
	if n := strings.Count(st, "\n  "); n < 1 || n > 2 {
		t.Fatalf("frames=%d in %q", n, st)
	}
}
