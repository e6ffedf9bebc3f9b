// Copyright 2025
// SPDX-License-Identifier: Apache-2.0

package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/jarvislabs/jarvis-core/internal/logbuf"
	"github.com/jarvislabs/jarvis-core/internal/server"
)

func newServeCmd(ro *RootOpts) *cobra.Command {
	var flagCfg server.Config

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the jarvis-core HTTP service",
		Long: `Start the HTTP service that provides:
  - model downloads from the model hub with checksum verification
  - a persistent model catalogue with single-active activation
  - chat completions (blocking and streaming) against the active model
  - live progress over SSE and WebSocket
  - sandboxed filesystem and command actions

Example:
  jarvis-core serve
  jarvis-core serve --port 9000 --base-dir ~/jarvis
  jarvis-core serve --token s3cret --gguf-runner /usr/local/bin/llama-run`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := resolveConfig(cmd, ro, flagCfg)
			if err != nil {
				return err
			}

			log := logbuf.Default()
			log.SetLevel(logbuf.ParseLevel(cfg.LogLevel))

			srv, err := server.New(cfg, log)
			if err != nil {
				return err
			}
			return srv.ListenAndServe(cmd.Context())
		},
	}

	defaults := server.DefaultConfig()
	cmd.Flags().StringVar(&flagCfg.Addr, "addr", defaults.Addr, "Address to bind to")
	cmd.Flags().IntVarP(&flagCfg.Port, "port", "p", defaults.Port, "Port to listen on")
	cmd.Flags().StringVar(&flagCfg.BaseDir, "base-dir", defaults.BaseDir, "Base directory for the catalogue and model files")
	cmd.Flags().StringVar(&flagCfg.Token, "token", "", "API token required on every request")
	cmd.Flags().StringVar(&flagCfg.HubEndpoint, "hub-endpoint", defaults.HubEndpoint, "Model hub endpoint")
	cmd.Flags().IntVar(&flagCfg.MaxNewTokens, "max-new-tokens", defaults.MaxNewTokens, "Generation token limit")
	cmd.Flags().StringVar(&flagCfg.GGUFRunner, "gguf-runner", "", "Path to the GGUF inference runner")
	cmd.Flags().StringVar(&flagCfg.TransformersRunner, "transformers-runner", "", "Path to the transformers inference runner")

	return cmd
}

// resolveConfig layers configuration sources: defaults, then the config
// file, then JARVIS_CORE_* environment variables, then explicitly set
// flags.
func resolveConfig(cmd *cobra.Command, ro *RootOpts, flagCfg server.Config) (server.Config, error) {
	cfg := server.DefaultConfig()

	if path := configFilePath(ro.Config); path != "" {
		if err := loadConfigFile(path, &cfg); err != nil {
			if ro.Config != "" {
				return cfg, err
			}
			// Implicit default file; keep going with what we have.
			fmt.Fprintf(cmd.ErrOrStderr(), "warning: ignoring config file %s: %v\n", path, err)
		}
	}

	applyEnv(&cfg)

	flags := cmd.Flags()
	if flags.Changed("addr") {
		cfg.Addr = flagCfg.Addr
	}
	if flags.Changed("port") {
		cfg.Port = flagCfg.Port
	}
	if flags.Changed("base-dir") {
		cfg.BaseDir = flagCfg.BaseDir
	}
	if flags.Changed("token") {
		cfg.Token = flagCfg.Token
	}
	if flags.Changed("hub-endpoint") {
		cfg.HubEndpoint = flagCfg.HubEndpoint
	}
	if flags.Changed("max-new-tokens") {
		cfg.MaxNewTokens = flagCfg.MaxNewTokens
	}
	if flags.Changed("gguf-runner") {
		cfg.GGUFRunner = flagCfg.GGUFRunner
	}
	if flags.Changed("transformers-runner") {
		cfg.TransformersRunner = flagCfg.TransformersRunner
	}
	if ro.LogLevel != "" {
		cfg.LogLevel = ro.LogLevel
	}

	return cfg, nil
}
