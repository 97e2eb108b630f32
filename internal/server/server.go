// Package server hosts fremen's HTTP API: probes, metrics, system
// endpoints and the routes contributed by plugins.
package server

import (
	"cmp"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"slices"
	"time"

	"github.com/HerbHall/fremen/internal/version"
	"github.com/HerbHall/fremen/pkg/plugin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// PluginSource is the part of the registry the server needs.
type PluginSource interface {
	AllRoutes() map[string][]plugin.Route
	All() []plugin.Plugin
}

// ReadinessChecker returns nil when the process can take traffic.
type ReadinessChecker func(ctx context.Context) error

// RouteRegistrar mounts routes outside /api/v1/<plugin>.
type RouteRegistrar interface {
	RegisterRoutes(mux *http.ServeMux)
}

// Server is the fremen HTTP server.
type Server struct {
	httpServer *http.Server
	plugins    PluginSource
	logger     *zap.Logger
	mux        *http.ServeMux
	ready      ReadinessChecker
}

// Probe and scrape endpoints: never rate limited or access-logged.
var unlimitedPaths = []string{"/healthz", "/readyz", "/metrics"}

// New wires routes and the middleware chain. auth may be nil, which leaves
// the API open.
func New(cfg Config, plugins PluginSource, logger *zap.Logger, ready ReadinessChecker, auth Middleware, extra ...RouteRegistrar) *Server {
	s := &Server{
		plugins: plugins,
		logger:  logger,
		mux:     http.NewServeMux(),
		ready:   ready,
	}

	s.mux.HandleFunc("GET /healthz", s.handleHealthz)
	s.mux.HandleFunc("GET /readyz", s.handleReadyz)
	s.mux.Handle("GET /metrics", promhttp.Handler())
	s.mux.HandleFunc("GET /api/v1/health", s.handleHealth)
	s.mux.HandleFunc("GET /api/v1/plugins", s.handlePlugins)
	s.mux.HandleFunc("/api/", func(w http.ResponseWriter, r *http.Request) {
		NotFound(w, "no such endpoint", r.URL.Path)
	})
	for _, r := range extra {
		r.RegisterRoutes(s.mux)
	}
	s.mountPluginRoutes()

	chain := []Middleware{
		RecoveryMiddleware(logger),
		RequestIDMiddleware,
		LoggingMiddleware(logger, unlimitedPaths, s.routeLabel),
		HeadersMiddleware,
		RateLimitMiddleware(cfg.RateLimitRPS, cfg.RateLimitBurst, unlimitedPaths),
	}
	if auth != nil {
		chain = append(chain, auth)
	}

	s.httpServer = &http.Server{
		Addr:              cfg.Addr(),
		Handler:           Chain(s.mux, chain...),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	return s
}

func (s *Server) mountPluginRoutes() {
	for name, routes := range s.plugins.AllRoutes() {
		for _, rt := range routes {
			pattern := rt.Method + " /api/v1/" + name + rt.Path
			s.mux.HandleFunc(pattern, rt.Handler)
			s.logger.Debug("mounted route", zap.String("plugin", name), zap.String("pattern", pattern))
		}
	}
}

// routeLabel is the metric label for r: the mux pattern it matches, so
// device IDs in paths do not create new series.
func (s *Server) routeLabel(r *http.Request) string {
	if _, pattern := s.mux.Handler(r); pattern != "" {
		return pattern
	}
	return "unmatched"
}

// Handler returns the mux wrapped in the middleware chain.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

// Start serves until Shutdown. A clean shutdown returns nil.
func (s *Server) Start() error {
	s.logger.Info("starting HTTP server", zap.String("addr", s.httpServer.Addr))
	err := s.httpServer.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return fmt.Errorf("HTTP server: %w", err)
}

// Shutdown stops accepting connections and waits for in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down HTTP server")
	return s.httpServer.Shutdown(ctx)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "alive"})
}

func (s *Server) handleReadyz(w http.ResponseWriter, r *http.Request) {
	if s.ready != nil {
		if err := s.ready(r.Context()); err != nil {
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "not ready", "error": err.Error()})
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

// HealthResponse is the body of GET /api/v1/health.
type HealthResponse struct {
	Status  string                         `json:"status" example:"ok"`
	Service string                         `json:"service" example:"fremen"`
	Version map[string]string              `json:"version"`
	Plugins map[string]plugin.HealthStatus `json:"plugins,omitempty"`
}

// PluginResponse is one entry of GET /api/v1/plugins.
type PluginResponse struct {
	Name         string   `json:"name" example:"presence"`
	Version      string   `json:"version" example:"0.1.0"`
	Description  string   `json:"description" example:"Periodic presence models and predictions"`
	Dependencies []string `json:"dependencies,omitempty"`
	Required     bool     `json:"required"`
}

// handleHealth reports each plugin's own health. The overall status is
// "degraded" unless every reporting plugin is healthy.
//
//	@Summary		Health check
//	@Description	Returns service health status with version and plugin information.
//	@Tags			system
//	@Produce		json
//	@Success		200	{object}	HealthResponse
//	@Router			/health [get]
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	resp := HealthResponse{
		Status:  "ok",
		Service: "fremen",
		Version: version.Map(),
		Plugins: make(map[string]plugin.HealthStatus),
	}
	for _, p := range s.plugins.All() {
		hc, ok := p.(plugin.HealthChecker)
		if !ok {
			continue
		}
		h := hc.Health(r.Context())
		resp.Plugins[p.Info().Name] = h
		if h.Status != "healthy" {
			resp.Status = "degraded"
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

// handlePlugins lists registered plugins by name.
//
//	@Summary		List plugins
//	@Description	Returns all active plugins with their metadata.
//	@Tags			system
//	@Produce		json
//	@Success		200	{array}	PluginResponse
//	@Router			/plugins [get]
func (s *Server) handlePlugins(w http.ResponseWriter, _ *http.Request) {
	var out []PluginResponse
	for _, p := range s.plugins.All() {
		info := p.Info()
		out = append(out, PluginResponse{
			Name:         info.Name,
			Version:      info.Version,
			Description:  info.Description,
			Dependencies: info.Dependencies,
			Required:     info.Required,
		})
	}
	slices.SortFunc(out, func(a, b PluginResponse) int { return cmp.Compare(a.Name, b.Name) })
	if out == nil {
		out = []PluginResponse{}
	}
	writeJSON(w, http.StatusOK, out)
}
