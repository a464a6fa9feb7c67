// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

// Package api serves the reporting and configuration HTTP API.
package api

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/rs/cors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/autobrr/sweeparr/internal/api/handlers"
	"github.com/autobrr/sweeparr/internal/config"
	"github.com/autobrr/sweeparr/internal/models"
)

type Server struct {
	server  *http.Server
	logger  zerolog.Logger
	config  *config.AppConfig
	version string

	arrStore    *models.ArrInstanceStore
	clientStore *models.ClientInstanceStore
	ruleStore   *models.RuleStore
	itemStore   *models.DownloadItemStore
	runStore    *models.JobRunStore
	jobRunners  map[string]handlers.JobRunner
}

type Dependencies struct {
	Config  *config.AppConfig
	Version string

	ArrStore    *models.ArrInstanceStore
	ClientStore *models.ClientInstanceStore
	RuleStore   *models.RuleStore
	ItemStore   *models.DownloadItemStore
	RunStore    *models.JobRunStore
	JobRunners  map[string]handlers.JobRunner
}

func NewServer(deps *Dependencies) *Server {
	return &Server{
		server: &http.Server{
			ReadHeaderTimeout: time.Second * 15,
			ReadTimeout:       60 * time.Second,
			WriteTimeout:      120 * time.Second,
			IdleTimeout:       180 * time.Second,
		},
		logger:      log.Logger.With().Str("module", "api").Logger(),
		config:      deps.Config,
		version:     deps.Version,
		arrStore:    deps.ArrStore,
		clientStore: deps.ClientStore,
		ruleStore:   deps.RuleStore,
		itemStore:   deps.ItemStore,
		runStore:    deps.RunStore,
		jobRunners:  deps.JobRunners,
	}
}

func (s *Server) ListenAndServe() error {
	return s.open(nil)
}

// ListenAndServeReady behaves like ListenAndServe but signals once the listener is active.
func (s *Server) ListenAndServeReady(ready chan<- struct{}) error {
	return s.open(ready)
}

func (s *Server) open(ready chan<- struct{}) error {
	addr := fmt.Sprintf("%s:%d", s.config.Config.Host, s.config.Config.Port)

	var lastErr error
	for _, proto := range []string{"tcp", "tcp4", "tcp6"} {
		err := s.tryToServe(addr, proto, ready)
		if err == nil {
			return nil
		}

		if errors.Is(err, http.ErrServerClosed) {
			return err
		}

		s.logger.Error().Err(err).Str("addr", addr).Str("proto", proto).Msgf("Failed to start server")
		lastErr = err
	}

	return lastErr
}

func (s *Server) tryToServe(addr, protocol string, ready chan<- struct{}) error {
	listener, err := net.Listen(protocol, addr)
	if err != nil {
		return err
	}

	host := listener.Addr().String()
	// Replace 0.0.0.0 or :: with localhost for clickable links
	if strings.HasPrefix(host, "0.0.0.0:") || strings.HasPrefix(host, "[::]:") {
		host = strings.Replace(host, "0.0.0.0:", "localhost:", 1)
		host = strings.Replace(host, "[::]:", "localhost:", 1)
	}

	s.logger.Info().
		Str("protocol", protocol).
		Str("addr", listener.Addr().String()).
		Msgf("Starting API server - Open: http://%s%s", host, s.config.Config.BaseURL)

	s.server.Handler = s.Handler()

	if ready != nil {
		select {
		case ready <- struct{}{}:
		default:
		}
	}

	return s.server.Serve(listener)
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.server.Shutdown(ctx)
}

func (s *Server) Handler() *chi.Mux {
	r := chi.NewRouter()

	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.Recoverer)
	r.Use(chimiddleware.RealIP)

	corsMiddleware := cors.New(cors.Options{
		AllowCredentials: true,
		AllowedMethods:   []string{"HEAD", "OPTIONS", "GET", "POST", "PUT", "PATCH", "DELETE"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		AllowOriginFunc:  func(origin string) bool { return true },
		MaxAge:           300,
	})
	r.Use(corsMiddleware.Handler)

	healthHandler := handlers.NewHealthHandler(s.version)
	instancesHandler := handlers.NewInstancesHandler(s.arrStore, s.clientStore)
	rulesHandler := handlers.NewRulesHandler(s.ruleStore)
	downloadsHandler := handlers.NewDownloadsHandler(s.itemStore, s.runStore)
	jobsHandler := handlers.NewJobsHandler(s.jobRunners)

	apiRouter := chi.NewRouter()
	apiRouter.Group(func(r chi.Router) {
		instancesHandler.Routes(r)
		rulesHandler.Routes(r)
		downloadsHandler.Routes(r)
		jobsHandler.Routes(r)
	})

	r.Get("/health", healthHandler.HandleHealth)
	r.Get("/healthz/liveness", healthHandler.HandleLiveness)

	baseURL := s.config.Config.BaseURL
	if baseURL == "" {
		baseURL = "/"
	}

	r.Mount(baseURL+"api", apiRouter)

	return r
}
