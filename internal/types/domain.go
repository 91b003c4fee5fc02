package types

import "time"

// EventKind is the discriminator of a payment-provider webhook event.
type EventKind string

// Recognized event kinds. Any other kind is acknowledged and ignored.
const (
	EventCheckoutCompleted   EventKind = "checkout.session.completed"
	EventInvoicePaid         EventKind = "invoice.payment_succeeded"
	EventSubscriptionUpdated EventKind = "customer.subscription.updated"
	EventSubscriptionDeleted EventKind = "customer.subscription.deleted"
)

// PurchaseType distinguishes recurring subscriptions from one-time purchases.
type PurchaseType string

const (
	PurchaseSubscription PurchaseType = "subscription"
	PurchaseOneTime      PurchaseType = "one_time"
)

// Consent values written to both the provider and the contact system.
const (
	ConsentYes = "yes"
	ConsentNo  = "no"
)

// Session metadata keys set at checkout creation and read back by the
// reconciler. These are the caller-facing (camelCase) names.
const (
	SessionKeyPartNumber     = "partNumber"
	SessionKeyServiceSummary = "serviceSummary"
	SessionKeyMonthlyAmount  = "monthlyAmount"
	SessionKeyOneTimeAmount  = "oneTimeAmount"
	SessionKeyPurchaseType   = "purchaseType"
	SessionKeySelectorPhone  = "selectorPhone"
	SessionKeySMSOptIn       = "smsOptIn"
)

// Provider customer-metadata keys written by the propagator.
const (
	MetaPartNumber         = "part_number"
	MetaServiceSummary     = "service_summary"
	MetaAmount             = "amount"
	MetaPurchaseType       = "purchase_type"
	MetaCustomerID         = "stripe_customer_id"
	MetaSubscriptionID     = "stripe_subscription_id"
	MetaSubscriptionStatus = "subscription_status"
	MetaLastSessionID      = "last_checkout_session_id"
	MetaPhone              = "phone"
	MetaSMSOptIn           = "sms_opt_in"
	MetaSMSOptInAt         = "sms_opt_in_at"
	MetaLastInvoiceID      = "last_invoice_id"
	MetaLastPaidAt         = "last_paid_at"
	MetaLastAmountPaid     = "last_amount_paid"
	MetaCancelAtPeriodEnd  = "cancel_at_period_end"
	MetaCurrentPeriodEnd   = "current_period_end"
)

// Contact-system custom-field keys. This vocabulary must exist on the contact
// side; unknown keys are dropped by the contact system.
const (
	FieldPartNumber         = "part_number"
	FieldServiceSummary     = "service_summary"
	FieldMonthlyAmount      = "monthly_amount"
	FieldOneTimeAmount      = "one_time_amount"
	FieldCustomerID         = "stripe_customer_id"
	FieldSubscriptionID     = "stripe_subscription_id"
	FieldSubscriptionStatus = "subscription_status"
	FieldPhone              = "phone"
	FieldSMSOptIn           = "sms_opt_in"
	FieldSMSOptInTimestamp  = "sms_opt_in_timestamp"
)

// ContactRecord is the reconciled contact built fresh for every event. It is
// never persisted locally.
type ContactRecord struct {
	Email        string
	Phone        string
	Name         string
	Tags         []string
	CustomFields map[string]string
}

// Identifiable reports whether the record carries an email or a phone. Only
// identifiable records are upserted into the contact system.
func (c *ContactRecord) Identifiable() bool {
	return c != nil && (c.Email != "" || c.Phone != "")
}

// AddTag appends tag unless it is empty or already present.
func (c *ContactRecord) AddTag(tag string) {
	if tag == "" {
		return
	}
	for _, t := range c.Tags {
		if t == tag {
			return
		}
	}
	c.Tags = append(c.Tags, tag)
}

// SetField records a custom field, skipping blank values.
func (c *ContactRecord) SetField(key, value string) {
	if key == "" || value == "" {
		return
	}
	if c.CustomFields == nil {
		c.CustomFields = make(map[string]string)
	}
	c.CustomFields[key] = value
}

// Reconciliation is the output of reconciling one event: the provider-side
// customer metadata update and, when applicable, the contact to upsert.
type Reconciliation struct {
	EventID    string
	EventKind  EventKind
	CustomerID string
	Metadata   map[string]string
	Contact    *ContactRecord
}

// CheckoutContact is the read-back view of a checkout session.
type CheckoutContact struct {
	Email          string       `json:"email"`
	Phone          string       `json:"phone"`
	Name           string       `json:"name"`
	PurchaseType   PurchaseType `json:"purchaseType"`
	PartNumber     string       `json:"partNumber"`
	ServiceSummary string       `json:"serviceSummary"`
	Amount         string       `json:"amount"`
	SMSOptIn       string       `json:"smsOptIn"`
	CustomerID     string       `json:"customerId"`
	SubscriptionID string       `json:"subscriptionId"`
}

// FailedPropagation is published for manual replay when a downstream call fails.
type FailedPropagation struct {
	EventID    string    `json:"event_id"`
	EventType  string    `json:"event_type"`
	Target     string    `json:"target"`
	CustomerID string    `json:"customer_id,omitempty"`
	Error      string    `json:"error"`
	FailedAt   time.Time `json:"failed_at"`
}

// Customer is the subset of the payment provider's customer record consumed by
// reconciliation and the billing portal.
type Customer struct {
	ID       string
	Email    string
	Phone    string
	Name     string
	Metadata map[string]string
}
