package external

import (
	"context"

	"crmrelay/internal/reconcile"
	"crmrelay/internal/types"
)

// BillingService abstracts the payment provider. StripeClient is the only
// production implementation; handlers and tests depend on this interface.
type BillingService interface {
	// Configured reports whether the provider secret key is available.
	Configured() bool

	CreateCheckoutSession(ctx context.Context, p CheckoutParams) (*CheckoutSession, error)
	GetCheckoutSession(ctx context.Context, sessionID string) (*reconcile.Session, error)

	GetCustomer(ctx context.Context, customerID string) (*types.Customer, error)
	FindCustomerByEmail(ctx context.Context, email string) (*types.Customer, error)

	// UpdateCustomerMetadata merges metadata into the customer record.
	UpdateCustomerMetadata(ctx context.Context, customerID string, metadata map[string]string) error

	CreatePortalSession(ctx context.Context, customerID, returnURL string) (string, error)
}

// ContactService abstracts the contact-management system.
type ContactService interface {
	// Enabled is false when credentials are absent; callers skip upserts.
	Enabled() bool
	Upsert(ctx context.Context, contact *types.ContactRecord) (string, error)
}

var (
	_ BillingService            = (*StripeClient)(nil)
	_ ContactService            = (*ContactsClient)(nil)
	_ reconcile.CustomerFetcher = (*StripeClient)(nil)
)
