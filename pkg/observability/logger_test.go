package observability

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"ofdrgate/pkg/config"
)

func TestParseLevel(t *testing.T) {
	cases := []struct {
		in   string
		want zapcore.Level
	}{
		{"debug", zap.DebugLevel},
		{"info", zap.InfoLevel},
		{"warn", zap.WarnLevel},
		{"warning", zap.WarnLevel},
		{"error", zap.ErrorLevel},
		{" ERROR ", zap.ErrorLevel},
		{"chatty", zap.InfoLevel},
		{"", zap.InfoLevel},
	}
	for _, tc := range cases {
		if got := parseLevel(tc.in); got != tc.want {
			t.Errorf("parseLevel(%q) = %v, want %v", tc.in, got, tc.want)
		}
	}
}

func TestSetupLoggerWritesFileOutput(t *testing.T) {
	path := filepath.Join(t.TempDir(), "logs", "gw.log")
	logger, err := SetupLogger(config.LogConfig{
		Level:   "debug",
		Format:  "json",
		Outputs: []string{path},
	})
	if err != nil {
		t.Fatalf("setup: %v", err)
	}
	logger.Info("switch routed", zap.Int("channel", 3))
	_ = logger.Sync()

	b, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read log file: %v", err)
	}
	if !strings.Contains(string(b), "switch routed") {
		t.Fatalf("log file missing message: %q", b)
	}
	if !strings.Contains(string(b), `"channel":3`) {
		t.Fatalf("log file missing field: %q", b)
	}
}

func TestSetupLoggerFiltersBelowLevel(t *testing.T) {
	path := filepath.Join(t.TempDir(), "gw.log")
	logger, err := SetupLogger(config.LogConfig{
		Level:   "error",
		Format:  "json",
		Outputs: []string{path},
	})
	if err != nil {
		t.Fatalf("setup: %v", err)
	}
	logger.Info("quiet")
	logger.Error("loud")
	_ = logger.Sync()

	b, _ := os.ReadFile(path)
	if strings.Contains(string(b), "quiet") {
		t.Fatal("info line leaked through error level")
	}
	if !strings.Contains(string(b), "loud") {
		t.Fatal("error line missing")
	}
}
