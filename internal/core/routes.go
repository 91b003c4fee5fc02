package core

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"crmrelay/internal/types"
)

// defaultRequestTimeout stays under the 30s function-URL limit.
const defaultRequestTimeout = 29 * time.Second

var defaultRedactedHeaders = []string{
	"Authorization",
	"Cookie",
	"Stripe-Signature",
}

// MountRoutes registers the global middleware chain, the /api group, the
// health endpoint and the JSON 404/405 fallbacks.
//
// Middleware order:
//  1. Recoverer        outermost, catches every panic
//  2. ContextTimeout
//  3. RequestID        correlation id + request-scoped logger
//  4. SecurityHeaders
//  5. RequestLogger
//  6. CORS             answers OPTIONS with 204 on any path
//  7. Metrics
//  8. Compress
func (s *Server) MountRoutes() {
	s.router.Use(s.Recoverer)
	s.router.Use(ContextTimeoutMiddleware(defaultRequestTimeout))
	s.router.Use(s.RequestIDMiddleware)
	s.router.Use(SecurityHeadersMiddleware)
	s.router.Use(RequestLogger(s.Logger, defaultRedactedHeaders))
	s.router.Use(NewCORSMiddleware(s.corsAllowedOrigins()))
	s.router.Use(s.MetricsMiddleware)
	s.router.Use(CompressMiddleware)

	s.router.NotFound(NotFoundHandler)
	s.router.MethodNotAllowed(MethodNotAllowedHandler)

	s.router.Route("/api", func(r chi.Router) {
		for _, register := range s.APIRouteRegistrars {
			register(r)
		}
	})

	s.router.Get("/health", s.HandleHealth)
}

func (s *Server) corsAllowedOrigins() []string {
	if s.Config != nil && len(s.Config.Security.CorsAllowedOrigins) > 0 {
		return s.Config.Security.CorsAllowedOrigins
	}
	return []string{"*"}
}

// NotFoundHandler answers unknown paths with a JSON 404.
func NotFoundHandler(w http.ResponseWriter, r *http.Request) {
	Error(w, r, types.NewAppError(types.ErrCodeNotFoundRoute, "route not found", nil))
}

// MethodNotAllowedHandler answers known paths hit with the wrong method.
func MethodNotAllowedHandler(w http.ResponseWriter, r *http.Request) {
	Error(w, r, types.NewAppError(types.ErrCodeMethodNotAllowed, "method not allowed", nil))
}
