// Package handlers contains the HTTP handlers of the CRM relay.
//
// This file implements hosted checkout creation for subscriptions and
// one-time purchases. The caller's purchase fields travel as session metadata
// and come back on the checkout.session.completed webhook.
package handlers

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"crmrelay/internal/core"
	"crmrelay/internal/external"
	"crmrelay/internal/reconcile"
	"crmrelay/internal/types"
)

// CheckoutCreator is the subset of the payment provider used by checkout.
type CheckoutCreator interface {
	Configured() bool
	CreateCheckoutSession(ctx context.Context, p external.CheckoutParams) (*external.CheckoutSession, error)
}

// CheckoutConfig carries the checkout defaults.
type CheckoutConfig struct {
	Currency      string
	ProductName   string
	PublicSiteURL string
}

// CheckoutRequest is the body of both checkout endpoints. Amounts and the
// consent flag accept JSON numbers, strings or booleans as sent by forms.
type CheckoutRequest struct {
	Email          string `json:"email" validate:"omitempty,email"`
	Phone          string `json:"phone" validate:"max=32"`
	Name           string `json:"name" validate:"max=200"`
	PartNumber     string `json:"partNumber" validate:"required,max=200"`
	ServiceSummary string `json:"serviceSummary" validate:"max=500"`
	MonthlyAmount  any    `json:"monthlyAmount"`
	OneTimeAmount  any    `json:"oneTimeAmount"`
	SMSOptIn       any    `json:"smsOptIn"`
	SelectorPhone  string `json:"selectorPhone" validate:"max=32"`
	SuccessURL     string `json:"successUrl" validate:"omitempty,redirect_url"`
	CancelURL      string `json:"cancelUrl" validate:"omitempty,redirect_url"`
}

// CheckoutResponse is returned by both checkout endpoints.
type CheckoutResponse struct {
	URL       string `json:"url"`
	SessionID string `json:"sessionId"`
}

// CheckoutHandler serves the checkout creation endpoints.
type CheckoutHandler struct {
	billing   CheckoutCreator
	validator *core.Validator
	cfg       CheckoutConfig
	logger    *slog.Logger
}

// NewCheckoutHandler creates a CheckoutHandler.
func NewCheckoutHandler(billing CheckoutCreator, validator *core.Validator, cfg CheckoutConfig, logger *slog.Logger) *CheckoutHandler {
	if logger == nil {
		logger = slog.Default()
	}
	if validator == nil {
		validator = core.NewValidator(logger)
	}
	cfg.PublicSiteURL = strings.TrimSuffix(cfg.PublicSiteURL, "/")
	return &CheckoutHandler{billing: billing, validator: validator, cfg: cfg, logger: logger}
}

// RegisterRoutes mounts the checkout endpoints under /api.
func (h *CheckoutHandler) RegisterRoutes(r chi.Router) {
	r.Post("/create-checkout-session", h.CreateSubscription)
	r.Post("/create-one-time-checkout-session", h.CreateOneTime)
}

// CreateSubscription handles POST /api/create-checkout-session.
func (h *CheckoutHandler) CreateSubscription(w http.ResponseWriter, r *http.Request) {
	h.create(w, r, types.PurchaseSubscription)
}

// CreateOneTime handles POST /api/create-one-time-checkout-session.
func (h *CheckoutHandler) CreateOneTime(w http.ResponseWriter, r *http.Request) {
	h.create(w, r, types.PurchaseOneTime)
}

func (h *CheckoutHandler) create(w http.ResponseWriter, r *http.Request, purchase types.PurchaseType) {
	ctx := r.Context()
	logger := types.LoggerFromContext(ctx, h.logger)

	if h.billing == nil || !h.billing.Configured() {
		logger.ErrorContext(ctx, "checkout requested without a Stripe secret key")
		core.Error(w, r, types.NewAppError(types.ErrCodeInternalConfigMissing, "payment provider is not configured", nil))
		return
	}

	var req CheckoutRequest
	if err := core.DecodeJSON(w, r, &req); err != nil {
		core.Error(w, r, err)
		return
	}
	if err := h.validator.ValidateStruct(req); err != nil {
		core.Error(w, r, err)
		return
	}

	params, err := h.buildParams(&req, purchase)
	if err != nil {
		core.Error(w, r, err)
		return
	}

	session, err := h.billing.CreateCheckoutSession(ctx, params)
	if err != nil {
		logger.ErrorContext(ctx, "checkout session creation failed",
			"purchase_type", string(purchase),
			"error", err.Error(),
		)
		core.Error(w, r, asProviderError(err))
		return
	}

	logger.InfoContext(ctx, "checkout session created",
		"session_id", session.ID,
		"purchase_type", string(purchase),
		"part_number", params.Metadata[types.SessionKeyPartNumber],
	)
	core.JSON(w, r, http.StatusOK, CheckoutResponse{URL: session.URL, SessionID: session.ID})
}

func (h *CheckoutHandler) buildParams(req *CheckoutRequest, purchase types.PurchaseType) (external.CheckoutParams, error) {
	amountField, rawAmount := types.SessionKeyMonthlyAmount, req.MonthlyAmount
	mode := external.CheckoutModeSubscription
	if purchase == types.PurchaseOneTime {
		amountField, rawAmount = types.SessionKeyOneTimeAmount, req.OneTimeAmount
		mode = external.CheckoutModePayment
	}

	cents, err := reconcile.ToCents(rawAmount)
	if err != nil {
		code := types.ErrCodeValidationInvalidAmount
		if errors.Is(err, reconcile.ErrAmountMissing) {
			code = types.ErrCodeValidationMissingField
		}
		return external.CheckoutParams{}, types.NewAppErrorWithDetails(code, err.Error(), err,
			map[string]any{"field": amountField})
	}

	metadata := reconcile.CleanMetadata(map[string]string{
		types.SessionKeyPartNumber:     req.PartNumber,
		types.SessionKeyServiceSummary: req.ServiceSummary,
		amountField:                    reconcile.FormatCents(cents),
		types.SessionKeyPurchaseType:   string(purchase),
		types.SessionKeySelectorPhone:  firstNonBlank(req.SelectorPhone, req.Phone),
		types.SessionKeySMSOptIn:       reconcile.NormalizeConsent(req.SMSOptIn),
	})

	productName := h.cfg.ProductName
	if pn := strings.TrimSpace(req.PartNumber); pn != "" {
		productName = h.cfg.ProductName + " " + pn
	}

	return external.CheckoutParams{
		Mode:               mode,
		Currency:           h.cfg.Currency,
		ProductName:        productName,
		ProductDescription: strings.TrimSpace(req.ServiceSummary),
		UnitAmountCents:    cents,
		CustomerEmail:      strings.TrimSpace(req.Email),
		Metadata:           metadata,
		SuccessURL:         firstNonBlank(req.SuccessURL, h.cfg.PublicSiteURL+"/success?session_id={CHECKOUT_SESSION_ID}"),
		CancelURL:          firstNonBlank(req.CancelURL, h.cfg.PublicSiteURL+"/cancel"),
	}, nil
}

// asProviderError surfaces every provider answer (an upstream error that
// carries the provider's status) as upstream_stripe_error, which renders as
// 400 with the provider details. Transport failures and an open breaker have
// no status and stay 502.
func asProviderError(err error) error {
	var appErr *types.AppError
	if !errors.As(err, &appErr) || appErr.Code == types.ErrCodeUpstreamStripe {
		return err
	}
	if _, answered := appErr.Details["status"]; !answered || !strings.HasPrefix(string(appErr.Code), "upstream_") {
		return err
	}
	return types.NewAppErrorWithDetails(types.ErrCodeUpstreamStripe, appErr.Message, appErr, appErr.Details)
}

func firstNonBlank(values ...string) string {
	for _, v := range values {
		if s := strings.TrimSpace(v); s != "" {
			return s
		}
	}
	return ""
}
