// Webhook ingestion: verify the provider signature over the raw body, parse
// the event, reconcile it and propagate the result.
//
// The endpoint is unauthenticated; the HMAC signature is the only credential.
// Once verification and parsing succeed the response is always 200 so the
// provider does not redeliver events whose downstream propagation failed.

package handlers

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"crmrelay/internal/core"
	"crmrelay/internal/propagate"
	"crmrelay/internal/reconcile"
	"crmrelay/internal/signature"
	"crmrelay/internal/types"
)

// SignatureVerifier authenticates a raw webhook payload.
type SignatureVerifier interface {
	Verify(payload []byte, header, secret string) error
}

// EventReconciler turns a verified event into downstream updates. A nil
// Reconciliation means the event kind is ignored.
type EventReconciler interface {
	Reconcile(ctx context.Context, ev *reconcile.Event) (*types.Reconciliation, error)
}

// Propagator pushes a Reconciliation downstream.
type Propagator interface {
	Propagate(ctx context.Context, rec *types.Reconciliation) *propagate.Report
}

// StripeWebhookHandler handles POST /api/stripe-webhook.
type StripeWebhookHandler struct {
	verifier   SignatureVerifier
	secret     types.SecretString
	reconciler EventReconciler
	propagator Propagator
	logger     *slog.Logger
}

// NewStripeWebhookHandler creates a StripeWebhookHandler. An unset secret is
// allowed at construction; every delivery is then answered with 500.
func NewStripeWebhookHandler(
	verifier SignatureVerifier,
	secret types.SecretString,
	reconciler EventReconciler,
	propagator Propagator,
	logger *slog.Logger,
) *StripeWebhookHandler {
	if logger == nil {
		logger = slog.Default()
	}
	if verifier == nil {
		verifier = signature.NewVerifier(signature.DefaultTolerance)
	}
	return &StripeWebhookHandler{
		verifier:   verifier,
		secret:     secret,
		reconciler: reconciler,
		propagator: propagator,
		logger:     logger,
	}
}

// RegisterRoutes mounts the webhook endpoint under /api.
func (h *StripeWebhookHandler) RegisterRoutes(r chi.Router) {
	r.Post("/stripe-webhook", h.Handle)
}

// Handle verifies, parses, reconciles and propagates one delivery.
//
//  1. Missing signing secret: 500 before reading anything else.
//  2. Missing Stripe-Signature header: 400.
//  3. Signature mismatch, malformed header or stale timestamp: 400.
//  4. Body that is not a JSON object: 400.
//  5. Otherwise 200 "ok". A recognized kind whose object cannot be decoded is
//     logged and skipped; anything else is reconciled and propagated and the
//     propagation outcome does not change the response.
func (h *StripeWebhookHandler) Handle(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	logger := types.LoggerFromContext(ctx, h.logger)

	if !h.secret.IsSet() {
		logger.ErrorContext(ctx, "webhook received without a configured signing secret")
		core.Error(w, r, types.NewAppError(types.ErrCodeInternalConfigMissing, "webhook signing secret is not configured", nil))
		return
	}

	payload, err := core.ReadBody(w, r)
	if err != nil {
		core.Error(w, r, err)
		return
	}

	// Some front ends split the comma-separated header into several values.
	header := strings.Join(r.Header.Values(signature.HeaderName), ",")
	if header == "" {
		logger.WarnContext(ctx, "webhook missing signature header")
		core.Error(w, r, types.NewAppError(types.ErrCodeSignatureMissing, "missing Stripe-Signature header", nil))
		return
	}

	if err := h.verifier.Verify(payload, header, h.secret.Unmask()); err != nil {
		logger.WarnContext(ctx, "webhook signature verification failed", "error", err.Error())
		core.Error(w, r, types.NewAppErrorWithDetails(types.ErrCodeSignatureInvalid,
			"webhook signature verification failed", err,
			map[string]any{"reason": signatureFailureReason(err)}))
		return
	}

	event, err := reconcile.ParseEvent(payload)
	if err != nil {
		logger.WarnContext(ctx, "webhook payload is not a valid event", "error", err.Error())
		core.Error(w, r, types.NewAppError(types.ErrCodeValidationInvalidJSON, "invalid webhook event JSON", err))
		return
	}

	logger = logger.With("event_id", event.ID, "event_type", event.Type)
	ctx = types.WithLogger(ctx, logger)

	rec, err := h.reconciler.Reconcile(ctx, event)
	if err != nil {
		logger.WarnContext(ctx, "skipping webhook event with undecodable object", "error", err.Error())
		core.Text(w, http.StatusOK, "ok")
		return
	}
	if rec == nil {
		logger.InfoContext(ctx, "ignoring unhandled webhook event kind")
		core.Text(w, http.StatusOK, "ok")
		return
	}

	// Propagation failures are logged and queued by the propagator. They are
	// deliberately not reflected in the response.
	report := h.propagator.Propagate(ctx, rec)
	if err := report.Err(); err != nil {
		logger.WarnContext(ctx, "webhook acknowledged with propagation failures", "error", err.Error())
	} else {
		logger.InfoContext(ctx, "webhook processed",
			"metadata_skipped", report.MetadataSkipped,
			"contact_skipped", report.ContactSkipped,
		)
	}

	core.Text(w, http.StatusOK, "ok")
}

func signatureFailureReason(err error) string {
	switch {
	case errors.Is(err, signature.ErrMalformedHeader):
		return "malformed_header"
	case errors.Is(err, signature.ErrNoSignatures):
		return "no_signatures"
	case errors.Is(err, signature.ErrTimestampExpired):
		return "timestamp_out_of_tolerance"
	default:
		return "mismatch"
	}
}
