package handlers

import (
	"context"
	"log/slog"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"crmrelay/internal/core"
	"crmrelay/internal/types"
)

// PortalOpener is the subset of the payment provider used by the billing
// portal endpoint.
type PortalOpener interface {
	Configured() bool
	FindCustomerByEmail(ctx context.Context, email string) (*types.Customer, error)
	CreatePortalSession(ctx context.Context, customerID, returnURL string) (string, error)
}

// PortalRequest is the body of POST /api/create-billing-portal.
type PortalRequest struct {
	Email     string `json:"email" validate:"required,email"`
	ReturnURL string `json:"returnUrl" validate:"omitempty,redirect_url"`
}

// PortalResponse carries the portal URL.
type PortalResponse struct {
	URL string `json:"url"`
}

// PortalHandler locates a customer by email and opens a billing portal.
type PortalHandler struct {
	billing       PortalOpener
	validator     *core.Validator
	defaultReturn string
	logger        *slog.Logger
}

// NewPortalHandler creates a PortalHandler. Without an explicit returnUrl the
// portal returns to publicSiteURL.
func NewPortalHandler(billing PortalOpener, validator *core.Validator, publicSiteURL string, logger *slog.Logger) *PortalHandler {
	if logger == nil {
		logger = slog.Default()
	}
	if validator == nil {
		validator = core.NewValidator(logger)
	}
	return &PortalHandler{
		billing:       billing,
		validator:     validator,
		defaultReturn: strings.TrimSuffix(publicSiteURL, "/") + "/",
		logger:        logger,
	}
}

// RegisterRoutes mounts the portal endpoint under /api.
func (h *PortalHandler) RegisterRoutes(r chi.Router) {
	r.Post("/create-billing-portal", h.Create)
}

// Create handles POST /api/create-billing-portal.
func (h *PortalHandler) Create(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	logger := types.LoggerFromContext(ctx, h.logger)

	if h.billing == nil || !h.billing.Configured() {
		logger.ErrorContext(ctx, "billing portal requested without a Stripe secret key")
		core.Error(w, r, types.NewAppError(types.ErrCodeInternalConfigMissing, "payment provider is not configured", nil))
		return
	}

	var req PortalRequest
	if err := core.DecodeJSON(w, r, &req); err != nil {
		core.Error(w, r, err)
		return
	}
	req.Email = strings.TrimSpace(req.Email)
	if err := h.validator.ValidateStruct(req); err != nil {
		core.Error(w, r, err)
		return
	}

	customer, err := h.billing.FindCustomerByEmail(ctx, req.Email)
	if err != nil {
		logger.WarnContext(ctx, "billing portal customer lookup failed", "error", err.Error())
		core.Error(w, r, asProviderError(err))
		return
	}

	url, err := h.billing.CreatePortalSession(ctx, customer.ID, firstNonBlank(req.ReturnURL, h.defaultReturn))
	if err != nil {
		logger.ErrorContext(ctx, "billing portal session creation failed",
			"customer_id", customer.ID,
			"error", err.Error(),
		)
		core.Error(w, r, asProviderError(err))
		return
	}

	logger.InfoContext(ctx, "billing portal session created", "customer_id", customer.ID)
	core.JSON(w, r, http.StatusOK, PortalResponse{URL: url})
}
