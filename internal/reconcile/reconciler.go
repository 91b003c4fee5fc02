// Package reconcile turns verified provider events into the canonical contact
// and customer-metadata updates pushed downstream.
//
// Field resolution is first-non-empty-wins across the event object, the
// checkout session metadata and, when still incomplete, a live lookup of the
// provider's customer record.
package reconcile

import (
	"context"
	"errors"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"crmrelay/internal/types"
)

// CustomerFetcher retrieves the provider's customer record for backfilling.
type CustomerFetcher interface {
	GetCustomer(ctx context.Context, customerID string) (*types.Customer, error)
}

// Tags is the tag vocabulary applied to contacts.
type Tags struct {
	Subscriber string
	OneTime    string
	SMSOptIn   string
}

// Reconciler builds Reconciliations. It holds no per-event state.
type Reconciler struct {
	customers CustomerFetcher
	tags      Tags
	logger    *slog.Logger
	now       func() time.Time
}

// NewReconciler creates a Reconciler. customers may be nil, in which case no
// live lookups are made.
func NewReconciler(customers CustomerFetcher, tags Tags, logger *slog.Logger) *Reconciler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Reconciler{
		customers: customers,
		tags:      tags,
		logger:    logger,
		now:       time.Now,
	}
}

// WithClock overrides the processing-time source. Used in tests.
func (r *Reconciler) WithClock(now func() time.Time) *Reconciler {
	r.now = now
	return r
}

// Reconcile routes a verified event to the handler for its kind. Unrecognized
// kinds return (nil, nil) and produce no side effects. An error is returned
// only when the event object is missing or is not a JSON object; mistyped
// fields are logged and left empty.
func (r *Reconciler) Reconcile(ctx context.Context, ev *Event) (*types.Reconciliation, error) {
	switch ev.Kind() {
	case types.EventCheckoutCompleted:
		var s Session
		if err := r.decode(ctx, ev, &s); err != nil {
			return nil, err
		}
		return r.CheckoutCompleted(ctx, ev.ID, &s), nil

	case types.EventInvoicePaid:
		var inv Invoice
		if err := r.decode(ctx, ev, &inv); err != nil {
			return nil, err
		}
		return r.InvoicePaid(ctx, ev.ID, &inv), nil

	case types.EventSubscriptionUpdated:
		var sub Subscription
		if err := r.decode(ctx, ev, &sub); err != nil {
			return nil, err
		}
		return r.SubscriptionUpdated(ev.ID, &sub), nil

	case types.EventSubscriptionDeleted:
		var sub Subscription
		if err := r.decode(ctx, ev, &sub); err != nil {
			return nil, err
		}
		return r.SubscriptionDeleted(ev.ID, &sub), nil

	default:
		return nil, nil
	}
}

// CheckoutCompleted reconciles a completed checkout session.
func (r *Reconciler) CheckoutCompleted(ctx context.Context, eventID string, s *Session) *types.Reconciliation {
	now := r.now().UTC()
	md := s.Metadata
	view := r.SessionContact(ctx, s)

	contact := &types.ContactRecord{
		Email: view.Email,
		Phone: view.Phone,
		Name:  view.Name,
	}
	contact.AddTag(r.baseTag(view.PurchaseType))
	if view.SMSOptIn == types.ConsentYes {
		contact.AddTag(r.tags.SMSOptIn)
	}

	consentAt := now.Format(time.RFC3339)
	contact.SetField(types.FieldPartNumber, view.PartNumber)
	contact.SetField(types.FieldServiceSummary, view.ServiceSummary)
	if view.PurchaseType == types.PurchaseSubscription {
		contact.SetField(types.FieldMonthlyAmount, view.Amount)
		contact.SetField(types.FieldSubscriptionStatus, "active")
	} else {
		contact.SetField(types.FieldOneTimeAmount, view.Amount)
	}
	contact.SetField(types.FieldCustomerID, view.CustomerID)
	contact.SetField(types.FieldSubscriptionID, view.SubscriptionID)
	contact.SetField(types.FieldPhone, view.Phone)
	contact.SetField(types.FieldSMSOptIn, view.SMSOptIn)
	contact.SetField(types.FieldSMSOptInTimestamp, consentAt)

	metadata := CleanMetadata(map[string]string{
		types.MetaPartNumber:         view.PartNumber,
		types.MetaServiceSummary:     view.ServiceSummary,
		types.MetaAmount:             view.Amount,
		types.MetaPurchaseType:       string(view.PurchaseType),
		types.MetaCustomerID:         view.CustomerID,
		types.MetaSubscriptionID:     view.SubscriptionID,
		types.MetaSubscriptionStatus: "active",
		types.MetaLastSessionID:      s.ID,
		types.MetaPhone:              view.Phone,
		types.MetaSMSOptIn:           view.SMSOptIn,
		types.MetaSMSOptInAt:         consentAt,
	})

	r.logger.DebugContext(ctx, "reconciled checkout session",
		"event_id", eventID,
		"session_id", s.ID,
		"customer_id", view.CustomerID,
		"purchase_type", view.PurchaseType,
		"has_email", view.Email != "",
		"has_phone", view.Phone != "",
		"metadata_keys", len(md),
	)

	return &types.Reconciliation{
		EventID:    eventID,
		EventKind:  types.EventCheckoutCompleted,
		CustomerID: view.CustomerID,
		Metadata:   metadata,
		Contact:    contact,
	}
}

// SessionContact resolves the contact and purchase fields of a checkout
// session, backfilling from the live customer record when needed.
func (r *Reconciler) SessionContact(ctx context.Context, s *Session) types.CheckoutContact {
	md := s.Metadata
	var details CustomerDetails
	if s.CustomerDetails != nil {
		details = *s.CustomerDetails
	}

	view := types.CheckoutContact{
		Email:          firstNonEmpty(details.Email, s.CustomerEmail, s.EmailAddress),
		Phone:          firstNonEmpty(details.Phone, md[types.SessionKeySelectorPhone]),
		Name:           firstNonEmpty(details.Name),
		PurchaseType:   sessionPurchaseType(s),
		PartNumber:     strings.TrimSpace(md[types.SessionKeyPartNumber]),
		ServiceSummary: strings.TrimSpace(md[types.SessionKeyServiceSummary]),
		SMSOptIn:       sessionConsent(s),
		CustomerID:     s.Customer.String(),
		SubscriptionID: s.Subscription.String(),
	}

	if view.PurchaseType == types.PurchaseSubscription {
		view.Amount = firstNonEmpty(md[types.SessionKeyMonthlyAmount], md[types.SessionKeyOneTimeAmount])
	} else {
		view.Amount = firstNonEmpty(md[types.SessionKeyOneTimeAmount], md[types.SessionKeyMonthlyAmount])
	}
	if view.Amount == "" && s.AmountTotal > 0 {
		view.Amount = FormatCents(s.AmountTotal)
	}

	if view.Email == "" || view.Phone == "" || view.Name == "" {
		if c := r.lookupCustomer(ctx, view.CustomerID); c != nil {
			view.Email = firstNonEmpty(view.Email, c.Email)
			view.Phone = firstNonEmpty(view.Phone, c.Phone)
			view.Name = firstNonEmpty(view.Name, c.Name)
		}
	}
	return view
}

// InvoicePaid reconciles a paid invoice.
func (r *Reconciler) InvoicePaid(ctx context.Context, eventID string, inv *Invoice) *types.Reconciliation {
	now := r.now().UTC()
	customerID := inv.Customer.String()
	subscriptionID := inv.SubscriptionID()

	paidAt := now
	if inv.StatusTransitions.PaidAt > 0 {
		paidAt = time.Unix(inv.StatusTransitions.PaidAt, 0).UTC()
	}
	amount := FormatCents(inv.AmountPaid)

	metadata := CleanMetadata(map[string]string{
		types.MetaLastInvoiceID:  inv.ID,
		types.MetaLastPaidAt:     paidAt.Format(time.RFC3339),
		types.MetaLastAmountPaid: amount,
		types.MetaSubscriptionID: subscriptionID,
	})

	contact := &types.ContactRecord{
		Email: firstNonEmpty(inv.CustomerEmail),
		Phone: firstNonEmpty(inv.CustomerPhone),
		Name:  firstNonEmpty(inv.CustomerName),
	}
	if contact.Email == "" || contact.Phone == "" || contact.Name == "" {
		if c := r.lookupCustomer(ctx, customerID); c != nil {
			contact.Email = firstNonEmpty(contact.Email, c.Email)
			contact.Phone = firstNonEmpty(contact.Phone, c.Phone)
			contact.Name = firstNonEmpty(contact.Name, c.Name)
		}
	}

	if subscriptionID != "" {
		contact.AddTag(r.tags.Subscriber)
		contact.SetField(types.FieldMonthlyAmount, amount)
		contact.SetField(types.FieldSubscriptionStatus, "active")
	} else {
		contact.AddTag(r.tags.OneTime)
		contact.SetField(types.FieldOneTimeAmount, amount)
	}
	contact.SetField(types.FieldCustomerID, customerID)
	contact.SetField(types.FieldSubscriptionID, subscriptionID)
	contact.SetField(types.FieldPhone, contact.Phone)

	return &types.Reconciliation{
		EventID:    eventID,
		EventKind:  types.EventInvoicePaid,
		CustomerID: customerID,
		Metadata:   metadata,
		Contact:    contact,
	}
}

// SubscriptionUpdated mirrors the provider's subscription state onto the
// customer record. Subscription events carry no contact identity, so no
// contact is produced.
func (r *Reconciler) SubscriptionUpdated(eventID string, sub *Subscription) *types.Reconciliation {
	md := map[string]string{
		types.MetaSubscriptionID:     sub.ID,
		types.MetaSubscriptionStatus: sub.Status,
		types.MetaCancelAtPeriodEnd:  strconv.FormatBool(sub.CancelAtPeriodEnd),
	}
	if end := sub.PeriodEnd(); end > 0 {
		md[types.MetaCurrentPeriodEnd] = time.Unix(end, 0).UTC().Format(time.RFC3339)
	}
	return &types.Reconciliation{
		EventID:    eventID,
		EventKind:  types.EventSubscriptionUpdated,
		CustomerID: sub.Customer.String(),
		Metadata:   CleanMetadata(md),
	}
}

// SubscriptionDeleted marks the customer's subscription canceled.
func (r *Reconciler) SubscriptionDeleted(eventID string, sub *Subscription) *types.Reconciliation {
	return &types.Reconciliation{
		EventID:    eventID,
		EventKind:  types.EventSubscriptionDeleted,
		CustomerID: sub.Customer.String(),
		Metadata: CleanMetadata(map[string]string{
			types.MetaSubscriptionID:     sub.ID,
			types.MetaSubscriptionStatus: "canceled",
			types.MetaCancelAtPeriodEnd:  "false",
		}),
	}
}

func (r *Reconciler) decode(ctx context.Context, ev *Event, dst any) error {
	err := ev.DecodeObject(dst)
	if errors.Is(err, ErrMistypedField) {
		types.LoggerFromContext(ctx, r.logger).WarnContext(ctx, "event object has mistyped fields",
			"event_id", ev.ID,
			"error", err.Error(),
		)
		return nil
	}
	return err
}

// lookupCustomer fetches the live customer record. Failures are logged and
// treated as absent data.
func (r *Reconciler) lookupCustomer(ctx context.Context, customerID string) *types.Customer {
	if r.customers == nil || customerID == "" {
		return nil
	}
	c, err := r.customers.GetCustomer(ctx, customerID)
	if err != nil {
		r.logger.WarnContext(ctx, "customer lookup failed, continuing with partial data",
			"customer_id", customerID,
			"error", err,
		)
		return nil
	}
	return c
}

func (r *Reconciler) baseTag(pt types.PurchaseType) string {
	if pt == types.PurchaseSubscription {
		return r.tags.Subscriber
	}
	return r.tags.OneTime
}

// sessionPurchaseType prefers the purchaseType metadata written at checkout
// creation and falls back to the session mode.
func sessionPurchaseType(s *Session) types.PurchaseType {
	switch types.PurchaseType(strings.TrimSpace(s.Metadata[types.SessionKeyPurchaseType])) {
	case types.PurchaseSubscription:
		return types.PurchaseSubscription
	case types.PurchaseOneTime:
		return types.PurchaseOneTime
	}
	if s.Mode == "subscription" {
		return types.PurchaseSubscription
	}
	return types.PurchaseOneTime
}

// sessionConsent is "yes" when either the metadata flag or a consent custom
// field answer normalizes to yes.
func sessionConsent(s *Session) string {
	if NormalizeConsent(s.Metadata[types.SessionKeySMSOptIn]) == types.ConsentYes {
		return types.ConsentYes
	}
	for _, f := range s.CustomFields {
		if isConsentFieldKey(f.Key) && NormalizeConsent(f.Value()) == types.ConsentYes {
			return types.ConsentYes
		}
	}
	return types.ConsentNo
}
