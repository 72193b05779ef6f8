package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/charmbracelet/lipgloss"
	"go.uber.org/zap"

	"github.com/tinytelemetry/lotus-agent/internal/agent"
	"github.com/tinytelemetry/lotus-agent/internal/config"
	"github.com/tinytelemetry/lotus-agent/internal/logging"
)

const forceExitAfter = 10 * time.Second

// runAgent loads the configuration and runs the agent until SIGINT/SIGTERM.
func runAgent(parent context.Context, configPath string, banner bool) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	logger, err := logging.New(logging.Config{
		Level:    cfg.Log.Level,
		Encoding: cfg.Log.Encoding,
		File:     cfg.Log.File,
	})
	if err != nil {
		return err
	}
	defer logger.Sync() //nolint:errcheck

	a, err := agent.New(cfg, logger, agent.WithVersion(version))
	if err != nil {
		logger.Error("agent setup failed", zap.Error(err))
		return err
	}
	defer a.Close()

	if parent == nil {
		parent = context.Background()
	}
	ctx, cancel := context.WithCancel(parent)
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	go func() {
		select {
		case <-sigCh:
		case <-ctx.Done():
			return
		}
		fmt.Println("\nShutting down gracefully... (press Ctrl+C again to force)")
		cancel()

		// Shutdown deadline starts now, not at boot.
		deadline := time.NewTimer(forceExitAfter)
		defer deadline.Stop()

		select {
		case <-sigCh:
			fmt.Println("\nForce shutdown.")
		case <-deadline.C:
			fmt.Println("Shutdown timed out, forcing exit.")
		}
		os.Exit(1)
	}()

	if banner {
		fmt.Println(startupBanner(cfg, a.StatePath()))
	}

	if err := a.Run(ctx); err != nil {
		logger.Error("agent stopped", zap.Error(err))
		return err
	}
	logger.Info("agent stopped")
	return nil
}

func startupBanner(cfg config.Config, statePath string) string {
	dim := lipgloss.NewStyle().Foreground(lipgloss.Color("240"))
	green := lipgloss.NewStyle().Foreground(lipgloss.Color("42"))
	cyan := lipgloss.NewStyle().Foreground(lipgloss.Color("39"))
	yellow := lipgloss.NewStyle().Foreground(lipgloss.Color("220"))
	bold := lipgloss.NewStyle().Bold(true)

	check := green.Render("●")
	dot := dim.Render("●")

	logo := cyan.Bold(true).Render(`
    ╦  ╔═╗╔╦╗╦ ╦╔═╗  ╔═╗╔═╗╔═╗╔╗╔╔╦╗
    ║  ║ ║ ║ ║ ║╚═╗  ╠═╣║ ╦║╣ ║║║ ║
    ╩═╝╚═╝ ╩ ╚═╝╚═╝  ╩ ╩╚═╝╚═╝╝╚╝ ╩`)

	separator := dim.Render("    ─────────────────────────────────")
	row := func(mark, label, value string) string {
		return fmt.Sprintf("    %s  %-14s %s", mark, label, value)
	}

	lines := []string{"", logo, "    " + dim.Render("v"+version), "", separator, ""}

	lines = append(lines, bold.Render("    Collectors"), "")
	for _, col := range cfg.Collectors {
		lines = append(lines, row(check, col.Name, cyan.Render(col.URL)+dim.Render(" every "+col.Interval.String())))
	}
	lines = append(lines, "")

	lines = append(lines, bold.Render("    Delivery"), "")
	switch cfg.Sink.Type {
	case "duckdb":
		lines = append(lines, row(check, "Archive", dim.Render(shortenPath(cfg.Sink.Path))))
		if cfg.Sink.Backup.Enabled {
			lines = append(lines, row(check, "Snapshots", dim.Render(shortenPath(cfg.Sink.Backup.LocalDir))))
		} else {
			lines = append(lines, row(dot, "Snapshots", dim.Render("disabled")))
		}
	default:
		lines = append(lines, row(check, "HTTP Sink", cyan.Render(cfg.Sink.URL)))
	}
	overflow := cfg.Channel.Overflow
	if statePath != "" && overflow != "memory" && overflow != "none" {
		overflow += " in " + shortenPath(statePath)
	}
	lines = append(lines, row(check, "Overflow", dim.Render(overflow)), "")

	lines = append(lines, bold.Render("    Gateway"), "")
	if cfg.APIEnabled {
		lines = append(lines, row(check, "HTTP API", cyan.Render(cfg.APIAddr)))
	} else {
		lines = append(lines, row(dot, "HTTP API", dim.Render("disabled")))
	}
	lines = append(lines, "")

	lines = append(lines, bold.Render("    Config"), "")
	if cfg.ConfigPath != "" {
		lines = append(lines, row(check, "Config File", dim.Render(shortenPath(cfg.ConfigPath))))
	} else {
		lines = append(lines, row(dot, "Config File", dim.Render("default (no file)")))
	}

	lines = append(lines, "", separator, "",
		"    "+dim.Render("Press ")+yellow.Render("Ctrl+C")+dim.Render(" to stop"), "")
	return strings.Join(lines, "\n")
}

func shortenPath(path string) string {
	home, err := os.UserHomeDir()
	if err != nil {
		return path
	}
	if strings.HasPrefix(path, home) {
		return "~" + path[len(home):]
	}
	return path
}
