// Package core provides the HTTP chassis for the CRM relay. It builds a chi
// router usable both behind net/http (local and container deployments) and
// behind the Lambda function-URL adapter, and applies the cross-cutting
// middleware before requests reach the handlers.
package core

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"crmrelay/internal/config"
)

// MetricsCollector records API telemetry.
type MetricsCollector interface {
	RecordRequest(ctx context.Context, method, endpoint, status string, duration time.Duration)
}

// RouteRegistrar mounts handlers under the /api prefix. Handler packages
// provide registrars so core never imports them.
type RouteRegistrar func(r chi.Router)

// Server holds the router and its shared dependencies.
type Server struct {
	Config       *config.Config
	Logger       *slog.Logger
	Validator    *Validator
	Metrics      MetricsCollector
	HealthProbes []HealthProbe

	APIRouteRegistrars []RouteRegistrar

	router *chi.Mux
}

// NewServer validates the required dependencies and prepares an empty router.
// Callers set optional fields and registrars, then call MountRoutes.
func NewServer(cfg *config.Config, logger *slog.Logger) (*Server, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config must not be nil")
	}
	if logger == nil {
		return nil, fmt.Errorf("logger must not be nil")
	}

	return &Server{
		Config:    cfg,
		Logger:    logger,
		Validator: NewValidator(logger),
		router:    chi.NewRouter(),
	}, nil
}

// Handler returns the root http.Handler.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Router returns the underlying chi.Mux.
func (s *Server) Router() *chi.Mux {
	return s.router
}
