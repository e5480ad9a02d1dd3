package log

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"kis-scalper/internal/config"
)

func TestNewLoggerRejectsBadLevel(t *testing.T) {
	_, err := NewLogger(config.LoggingConfig{Level: "loud", Encoding: "json"})
	if err == nil {
		t.Fatal("expected error for unknown level")
	}
}

func TestNewLoggerDefaultsOutputs(t *testing.T) {
	logger, err := NewLogger(config.LoggingConfig{Level: "info", Encoding: "json"})
	if err != nil {
		t.Fatalf("NewLogger: %v", err)
	}
	logger.Sync()
}

func TestFileOutputCarriesNoColorCodes(t *testing.T) {
	path := filepath.Join(t.TempDir(), "trader.log")
	logger, err := NewLogger(config.LoggingConfig{
		Level:            "warn",
		Encoding:         "console",
		OutputPaths:      []string{path},
		ErrorOutputPaths: []string{path},
	})
	if err != nil {
		t.Fatalf("NewLogger: %v", err)
	}
	logger.Warn("file sink check")
	logger.Sync()

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read log file: %v", err)
	}
	if len(data) == 0 {
		t.Fatal("expected log output in file")
	}
	if bytes.Contains(data, []byte("\x1b[")) {
		t.Error("file output must not contain ANSI escape sequences")
	}
	if !bytes.Contains(data, []byte("WARN")) {
		t.Errorf("expected plain WARN level in output, got %q", data)
	}
}

func TestTerminalOnly(t *testing.T) {
	if !terminalOnly([]string{"stdout", "stderr"}) {
		t.Error("stdout/stderr must count as terminal outputs")
	}
	if terminalOnly([]string{"stdout", "/var/log/trader.log"}) {
		t.Error("file path must disqualify terminal-only output")
	}
}
