package logging

import (
	"bytes"
	"log/slog"
	"strings"
	"testing"
)

func TestNew_HasComponent(t *testing.T) {
	var buf bytes.Buffer
	Init(slog.LevelDebug, "text", &buf)

	logger := New("workspace")
	logger.Info("discovered", "packages", 3)

	output := buf.String()
	if !strings.Contains(output, "component=workspace") {
		t.Errorf("expected component=workspace in output, got: %s", output)
	}
	if !strings.Contains(output, "packages=3") {
		t.Errorf("expected packages=3 in output, got: %s", output)
	}
}

func TestInit_JSONFormat(t *testing.T) {
	var buf bytes.Buffer
	Init(slog.LevelInfo, "json", &buf)

	New("resolve").Info("plan ready")

	output := buf.String()
	if !strings.Contains(output, `"component":"resolve"`) {
		t.Errorf("expected JSON component field, got: %s", output)
	}
}

func TestInit_LevelGating(t *testing.T) {
	var buf bytes.Buffer
	Init(slog.LevelWarn, "text", &buf)

	New("gate").Info("should be suppressed")
	if buf.Len() != 0 {
		t.Errorf("expected info to be suppressed at warn level, got: %s", buf.String())
	}
}

func TestParseLevel(t *testing.T) {
	cases := map[string]slog.Level{
		"debug":   slog.LevelDebug,
		"WARN":    slog.LevelWarn,
		"error":   slog.LevelError,
		"":        slog.LevelInfo,
		"verbose": slog.LevelInfo,
	}
	for in, want := range cases {
		if got := ParseLevel(in); got != want {
			t.Errorf("ParseLevel(%q) = %v, want %v", in, got, want)
		}
	}
}

func TestOr(t *testing.T) {
	l := Discard()
	if Or(l, "x") != l {
		t.Fatal("Or should return the given logger")
	}
	if Or(nil, "x") == nil {
		t.Fatal("Or(nil) should build a component logger")
	}
}
