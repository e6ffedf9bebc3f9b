// Copyright 2025
// SPDX-License-Identifier: Apache-2.0

// Package cli wires the jarvis-core commands: serve (default), pull,
// config, and version.
package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/jarvislabs/jarvis-core/internal/server"
)

// RootOpts holds global CLI options.
type RootOpts struct {
	Config   string
	LogLevel string
}

// Execute runs the CLI with the given version string.
func Execute(version string) error {
	ro := &RootOpts{}
	ctx, cancel := signalContext(context.Background())
	defer cancel()

	root := &cobra.Command{
		Use:           "jarvis-core",
		Short:         "Local model lifecycle service: downloads, activation, chat, sandboxed actions",
		SilenceUsage:  true,
		SilenceErrors: true,
		Version:       version,
	}

	root.PersistentFlags().StringVar(&ro.Config, "config", "", "Path to config file (JSON or YAML)")
	root.PersistentFlags().StringVar(&ro.LogLevel, "log-level", "", "Log level: debug, info, warn, error")

	serveCmd := newServeCmd(ro)
	root.AddCommand(serveCmd)
	root.AddCommand(newPullCmd())
	root.AddCommand(newVersionCmd(version))
	root.AddCommand(newConfigCmd())

	// Serving is the default when no subcommand is given.
	root.RunE = serveCmd.RunE
	root.Flags().AddFlagSet(serveCmd.Flags())
	root.SetHelpCommand(&cobra.Command{Use: "help", Hidden: true})

	if err := root.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		return err
	}
	return nil
}

func signalContext(parent context.Context) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(parent)
	ch := make(chan os.Signal, 1)
	signal.Notify(ch, os.Interrupt, syscall.SIGTERM)
	go func() {
		select {
		case <-ch:
			cancel()
		case <-ctx.Done():
		}
	}()
	return ctx, cancel
}

// configFilePath returns the explicit config path or the first existing
// default under ~/.config.
func configFilePath(explicit string) string {
	if explicit != "" {
		return explicit
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	for _, name := range []string{"jarvis-core.json", "jarvis-core.yaml", "jarvis-core.yml"} {
		p := filepath.Join(home, ".config", name)
		if _, err := os.Stat(p); err == nil {
			return p
		}
	}
	return ""
}

// loadConfigFile overlays file values onto cfg. The format follows the
// extension, defaulting to JSON.
func loadConfigFile(path string, cfg *server.Config) error {
	b, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(b, cfg); err != nil {
			return fmt.Errorf("invalid YAML config file: %w", err)
		}
	default:
		if err := json.Unmarshal(b, cfg); err != nil {
			return fmt.Errorf("invalid JSON config file: %w", err)
		}
	}
	return nil
}

// applyEnv overlays JARVIS_CORE_* environment variables onto cfg.
func applyEnv(cfg *server.Config) {
	setStr := func(key string, dst *string) {
		if v := strings.TrimSpace(os.Getenv(key)); v != "" {
			*dst = v
		}
	}
	setInt := func(key string, dst *int) {
		if v := strings.TrimSpace(os.Getenv(key)); v != "" {
			if n, err := strconv.Atoi(v); err == nil {
				*dst = n
			}
		}
	}
	setStr("JARVIS_CORE_ADDR", &cfg.Addr)
	setInt("JARVIS_CORE_PORT", &cfg.Port)
	setStr("JARVIS_CORE_BASE_DIR", &cfg.BaseDir)
	setStr("JARVIS_CORE_TOKEN", &cfg.Token)
	setStr("JARVIS_CORE_HUB_ENDPOINT", &cfg.HubEndpoint)
	setInt("JARVIS_CORE_MAX_NEW_TOKENS", &cfg.MaxNewTokens)
	setStr("JARVIS_CORE_GGUF_RUNNER", &cfg.GGUFRunner)
	setStr("JARVIS_CORE_TRANSFORMERS_RUNNER", &cfg.TransformersRunner)
	setStr("JARVIS_CORE_LOG_LEVEL", &cfg.LogLevel)
}
