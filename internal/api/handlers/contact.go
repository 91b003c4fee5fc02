package handlers

import (
	"context"
	"log/slog"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"crmrelay/internal/core"
	"crmrelay/internal/reconcile"
	"crmrelay/internal/types"
)

// SessionReader retrieves checkout sessions from the payment provider.
type SessionReader interface {
	Configured() bool
	GetCheckoutSession(ctx context.Context, sessionID string) (*reconcile.Session, error)
}

// SessionContactResolver resolves the contact view of a session.
type SessionContactResolver interface {
	SessionContact(ctx context.Context, s *reconcile.Session) types.CheckoutContact
}

// ContactHandler serves the post-checkout contact read-back used by the
// success page.
type ContactHandler struct {
	sessions SessionReader
	resolver SessionContactResolver
	logger   *slog.Logger
}

// NewContactHandler creates a ContactHandler.
func NewContactHandler(sessions SessionReader, resolver SessionContactResolver, logger *slog.Logger) *ContactHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &ContactHandler{sessions: sessions, resolver: resolver, logger: logger}
}

// RegisterRoutes mounts the read-back endpoint under /api.
func (h *ContactHandler) RegisterRoutes(r chi.Router) {
	r.Get("/get-checkout-contact", h.Get)
}

// Get handles GET /api/get-checkout-contact?session_id=...
func (h *ContactHandler) Get(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	logger := types.LoggerFromContext(ctx, h.logger)

	if h.sessions == nil || !h.sessions.Configured() {
		logger.ErrorContext(ctx, "contact read-back requested without a Stripe secret key")
		core.Error(w, r, types.NewAppError(types.ErrCodeInternalConfigMissing, "payment provider is not configured", nil))
		return
	}

	sessionID := strings.TrimSpace(r.URL.Query().Get("session_id"))
	if sessionID == "" {
		core.Error(w, r, types.NewAppErrorWithDetails(types.ErrCodeValidationMissingField,
			"session_id is required", nil, map[string]any{"field": "session_id"}))
		return
	}

	session, err := h.sessions.GetCheckoutSession(ctx, sessionID)
	if err != nil {
		logger.WarnContext(ctx, "checkout session lookup failed",
			"session_id", sessionID,
			"error", err.Error(),
		)
		core.Error(w, r, asProviderError(err))
		return
	}

	core.JSON(w, r, http.StatusOK, h.resolver.SessionContact(ctx, session))
}
