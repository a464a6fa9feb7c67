// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package metrics

import (
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"
)

// Server serves the Prometheus registry on its own listener so metrics
// can stay off the main API port.
type Server struct {
	registry *prometheus.Registry
	host     string
	port     int
}

func NewMetricsServer(registry *prometheus.Registry, host string, port int) *Server {
	return &Server{
		registry: registry,
		host:     host,
		port:     port,
	}
}

func (s *Server) ListenAndServe() error {
	addr := fmt.Sprintf("%s:%d", s.host, s.port)

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{
		Registry: s.registry,
	}))

	server := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 15 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      60 * time.Second,
	}

	log.Info().Msgf("Metrics server started. Listening on %s", addr)

	return server.ListenAndServe()
}
