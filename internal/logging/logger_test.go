package logging

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/g960059/tunnelctl/internal/config"
)

func TestNewWritesConsoleAndFile(t *testing.T) {
	var console bytes.Buffer
	path := filepath.Join(t.TempDir(), "tunnelctl.log")
	log := NewWithConsole(config.LogConfig{Level: "info", File: path, MaxSizeMB: 1}, &console)
	log.Infow("poller connected", "address", "unix:///tmp/s.sock")
	log.Debugw("hidden at info level")
	_ = log.Sync()

	if !strings.Contains(console.String(), "poller connected") {
		t.Fatalf("expected console output, got %q", console.String())
	}
	if strings.Contains(console.String(), "hidden at info level") {
		t.Fatalf("debug line should be filtered at info level")
	}
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read log file: %v", err)
	}
	if !strings.Contains(string(data), "poller connected") {
		t.Fatalf("expected file output, got %q", string(data))
	}
}

func TestInvalidLevelFallsBackToInfo(t *testing.T) {
	var console bytes.Buffer
	log := NewWithConsole(config.LogConfig{Level: "loud"}, &console)
	log.Info("visible")
	log.Debug("invisible")
	_ = log.Sync()
	if !strings.Contains(console.String(), "visible") || strings.Contains(console.String(), "invisible") {
		t.Fatalf("unexpected output for fallback level: %q", console.String())
	}
}

func TestOrNop(t *testing.T) {
	if OrNop(nil) == nil {
		t.Fatalf("expected nop logger")
	}
}
