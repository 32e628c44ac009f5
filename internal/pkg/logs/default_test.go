package logs

import (
	"path/filepath"
	"testing"

	"github.com/sirupsen/logrus"
)

func TestParseLogLevel(t *testing.T) {
	cases := map[string]logrus.Level{
		"debug":   logrus.DebugLevel,
		"DEBUG":   logrus.DebugLevel,
		"warn":    logrus.WarnLevel,
		"warning": logrus.WarnLevel,
		"error":   logrus.ErrorLevel,
		"fatal":   logrus.FatalLevel,
		"":        logrus.InfoLevel,
		"bogus":   logrus.InfoLevel,
	}
	for in, want := range cases {
		if got := parseLogLevel(in); got != want {
			t.Fatalf("parseLogLevel(%q) = %v, want %v", in, got, want)
		}
	}
}

func TestDefaultLogger_SetAndGetLevelRoundTrip(t *testing.T) {
	l := newDefaultLogger().(*defaultLogger)
	for _, lvl := range []LogLevel{DebugLevel, InfoLevel, WarnLevel, ErrorLevel, FatalLevel} {
		l.SetLevel(lvl)
		if got := l.GetLevel(); got != lvl {
			t.Fatalf("SetLevel(%v) then GetLevel() = %v", lvl, got)
		}
	}
}

func TestShortFilePath(t *testing.T) {
	full := filepath.Join("home", "user", "repo", "internal", "gateway", "handle.go")
	got := shortFilePath(full)
	if got != filepath.Join("gateway", "handle.go") {
		t.Fatalf("shortFilePath(%q) = %q, want %q", full, got, filepath.Join("gateway", "handle.go"))
	}
	if got := shortFilePath("handle.go"); got != "handle.go" {
		t.Fatalf("shortFilePath with no directory = %q, want handle.go", got)
	}
}

func TestStripANSI(t *testing.T) {
	colored := []byte("\x1b[31mERROR\x1b[0m plain text")
	got := string(stripANSI(colored))
	if got != "ERROR plain text" {
		t.Fatalf("stripANSI = %q, want %q", got, "ERROR plain text")
	}
}

func TestNewConfiguredLogger_FileOutputRequiresFilePath(t *testing.T) {
	_, err := newConfiguredLogger(Options{Output: "file"})
	if err == nil {
		t.Fatal("expected an error when output=file but no file path is given")
	}
}

func TestNewConfiguredLogger_WritesRotatedFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "sub", "app.log")

	l, err := newConfiguredLogger(Options{Output: "file", File: path, Level: "debug"})
	if err != nil {
		t.Fatalf("newConfiguredLogger: %v", err)
	}
	l.Info("hello %s", "world")

	matches, statErr := filepath.Glob(filepath.Join(dir, "sub", "*"))
	if statErr != nil {
		t.Fatalf("glob log dir: %v", statErr)
	}
	if len(matches) == 0 {
		t.Fatal("expected a log file to be written under the sub directory")
	}
}

func TestNewConfiguredLogger_RejectsUnsupportedOutput(t *testing.T) {
	_, err := newConfiguredLogger(Options{Output: "carrier-pigeon"})
	if err == nil {
		t.Fatal("expected an error for an unsupported output kind")
	}
}

func TestLogID_SetAndGetFromContext(t *testing.T) {
	l := newDefaultLogger()
	ctx := l.SetLogID(nil, "req-123")
	if got := l.GetLogID(ctx); got != "req-123" {
		t.Fatalf("GetLogID = %q, want req-123", got)
	}
	if got := l.GetLogID(nil); got != "" {
		t.Fatalf("GetLogID(nil ctx) = %q, want empty", got)
	}
}
