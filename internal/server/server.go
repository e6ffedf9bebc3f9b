// Copyright 2025
// SPDX-License-Identifier: Apache-2.0

// Package server provides the HTTP surface: model lifecycle, chat
// completions, sandboxed actions, and the live progress feed.
package server

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/jarvislabs/jarvis-core/internal/hub"
	"github.com/jarvislabs/jarvis-core/internal/llm"
	"github.com/jarvislabs/jarvis-core/internal/logbuf"
	"github.com/jarvislabs/jarvis-core/internal/registry"
	"github.com/jarvislabs/jarvis-core/internal/sandbox"
)

// Config holds server configuration.
type Config struct {
	Addr               string `json:"addr" yaml:"addr"`
	Port               int    `json:"port" yaml:"port"`
	BaseDir            string `json:"base_dir" yaml:"base_dir"`
	Token              string `json:"token" yaml:"token"`
	HubEndpoint        string `json:"hub_endpoint" yaml:"hub_endpoint"`
	MaxNewTokens       int    `json:"max_new_tokens" yaml:"max_new_tokens"`
	GGUFRunner         string `json:"gguf_runner" yaml:"gguf_runner"`
	TransformersRunner string `json:"transformers_runner" yaml:"transformers_runner"`
	LogLevel           string `json:"log_level" yaml:"log_level"`
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		Addr:         "127.0.0.1",
		Port:         8321,
		BaseDir:      "./jarvis-data",
		MaxNewTokens: 512,
		LogLevel:     "info",
	}
}

// Server wires the registry, the generation manager, and the sandbox
// behind the HTTP routes.
type Server struct {
	config     Config
	log        *logbuf.Logger
	registry   *registry.Registry
	manager    *llm.Manager
	sandbox    *sandbox.Sandbox
	wsHub      *WSHub
	httpServer *http.Server
	startedAt  time.Time
}

// New assembles a Server and its components from cfg.
func New(cfg Config, log *logbuf.Logger) (*Server, error) {
	if log == nil {
		log = logbuf.Default()
	}
	reg, err := registry.New(cfg.BaseDir, hub.NewClient(cfg.HubEndpoint), log)
	if err != nil {
		return nil, fmt.Errorf("init registry: %w", err)
	}
	box, err := sandbox.New(cfg.BaseDir, log)
	if err != nil {
		return nil, fmt.Errorf("init sandbox: %w", err)
	}
	loader := llm.NewRunnerLoader(cfg.GGUFRunner, cfg.TransformersRunner)
	mgr := llm.NewManager(loader, cfg.MaxNewTokens, log)

	return &Server{
		config:    cfg,
		log:       log,
		registry:  reg,
		manager:   mgr,
		sandbox:   box,
		wsHub:     NewWSHub(log),
		startedAt: time.Now(),
	}, nil
}

// ListenAndServe starts the server and blocks until ctx is cancelled or
// the listener fails.
func (s *Server) ListenAndServe(ctx context.Context) error {
	s.manager.Start()
	go s.wsHub.Run(ctx)
	go s.forwardToWS(ctx)

	mux := http.NewServeMux()
	s.registerRoutes(mux)

	addr := fmt.Sprintf("%s:%d", s.config.Addr, s.config.Port)
	s.httpServer = &http.Server{
		Addr:        addr,
		Handler:     s.authMiddleware(s.loggingMiddleware(mux)),
		ReadTimeout: 30 * time.Second,
		IdleTimeout: 120 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		s.httpServer.Shutdown(shutdownCtx)
		s.registry.Shutdown()
		s.manager.Shutdown()
	}()

	s.log.Info("jarvis-core listening on http://%s", addr)
	err := s.httpServer.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// registerRoutes sets up all API endpoints.
func (s *Server) registerRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /config", s.handleConfig)
	mux.HandleFunc("GET /logs", s.handleLogs)
	mux.HandleFunc("GET /status", s.handleStatus)

	mux.HandleFunc("GET /models", s.handleListModels)
	mux.HandleFunc("POST /models/{id}/download", s.handleStartDownload)
	mux.HandleFunc("POST /models/{id}/activate", s.handleActivateModel)
	mux.HandleFunc("DELETE /models/{id}", s.handleRemoveModel)
	mux.HandleFunc("GET /models/{id}/progress", s.handleGetProgress)
	mux.HandleFunc("GET /models/stream", s.handleModelsStream)
	mux.HandleFunc("GET /models/ws", s.handleWebSocket)

	mux.HandleFunc("POST /chat/completions", s.handleChatCompletions)

	mux.HandleFunc("POST /actions/open", s.handleActionOpen)
	mux.HandleFunc("POST /actions/read", s.handleActionRead)
	mux.HandleFunc("POST /actions/run", s.handleActionRun)
}

// Middleware

// authMiddleware enforces the configured API token on every route,
// /health included, via literal Authorization header equality.
func (s *Server) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.config.Token != "" && r.Header.Get("Authorization") != s.config.Token {
			writeError(w, http.StatusUnauthorized, "invalid or missing API token")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		s.log.Debug("%s %s %s", r.Method, r.URL.Path, time.Since(start).Round(time.Millisecond))
	})
}
