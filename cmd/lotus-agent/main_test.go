package main

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/tinytelemetry/lotus-agent/internal/config"
)

func TestVersionCommand(t *testing.T) {
	cmd := newRootCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetArgs([]string{"version"})

	if err := cmd.Execute(); err != nil {
		t.Fatalf("version: %v", err)
	}
	if !strings.Contains(out.String(), "Version:    "+version) {
		t.Fatalf("unexpected version output:\n%s", out.String())
	}
}

func TestRootCommandRejectsMissingConfig(t *testing.T) {
	cmd := newRootCmd()
	cmd.SetArgs([]string{"--config", filepath.Join(t.TempDir(), "nope.yml"), "--quiet"})

	if err := cmd.Execute(); err == nil {
		t.Fatal("expected error for missing config file")
	}
}

func TestStartupBanner(t *testing.T) {
	home, err := os.UserHomeDir()
	if err != nil {
		t.Skip("no home directory")
	}
	cfg := config.Config{
		APIEnabled: true,
		APIAddr:    "127.0.0.1:9464",
		Channel:    config.ChannelConfig{Overflow: "journal"},
		Sink:       config.SinkConfig{Type: "duckdb", Path: filepath.Join(home, "archive.duckdb")},
		Collectors: []config.CollectorConfig{{Name: "web", URL: "http://localhost:8080/stats", Interval: 30 * time.Second}},
	}

	out := startupBanner(cfg, filepath.Join(home, "state"))
	for _, want := range []string{"web", "http://localhost:8080/stats", "~/archive.duckdb", "journal in ~/state", "127.0.0.1:9464", "default (no file)"} {
		if !strings.Contains(out, want) {
			t.Errorf("banner missing %q", want)
		}
	}
}
