package external

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"strings"

	"github.com/google/uuid"
	stripe "github.com/stripe/stripe-go/v82"

	"crmrelay/internal/reconcile"
	"crmrelay/internal/types"
)

// stripeAPIBase is the default Stripe API base URL.
const stripeAPIBase = "https://api.stripe.com"

// maxErrorBodyLog caps the upstream body carried in error details.
const maxErrorBodyLog = 2048

// StripeClientConfig holds the configuration for creating a StripeClient.
type StripeClientConfig struct {
	SecretKey types.SecretString
	BaseURL   string // defaults to stripeAPIBase
	Logger    *slog.Logger
}

// StripeClient talks to the Stripe REST API with form-encoded requests routed
// through BaseClient.
type StripeClient struct {
	base      *BaseClient
	secretKey types.SecretString
	baseURL   string
	logger    *slog.Logger
	newKey    func() string
}

// NewStripeClient creates a StripeClient with the default retry policy.
func NewStripeClient(httpClient *http.Client, cfg StripeClientConfig) *StripeClient {
	base := NewBaseClient(httpClient, "stripe", DefaultRetryPolicy(), "crm-relay/1.0")
	return NewStripeClientWithBase(base, cfg)
}

// NewStripeClientWithBase creates a StripeClient with a pre-configured
// BaseClient.
func NewStripeClientWithBase(base *BaseClient, cfg StripeClientConfig) *StripeClient {
	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = stripeAPIBase
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &StripeClient{
		base:      base,
		secretKey: cfg.SecretKey,
		baseURL:   strings.TrimSuffix(baseURL, "/"),
		logger:    logger,
		newKey:    uuid.NewString,
	}
}

// Configured reports whether a secret key is available.
func (s *StripeClient) Configured() bool {
	return s != nil && s.secretKey.IsSet()
}

// CheckoutMode selects a recurring or a one-time checkout.
type CheckoutMode string

const (
	CheckoutModeSubscription CheckoutMode = "subscription"
	CheckoutModePayment      CheckoutMode = "payment"
)

// CheckoutParams describes a hosted checkout session with a single inline
// price.
type CheckoutParams struct {
	Mode               CheckoutMode
	Currency           string
	ProductName        string
	ProductDescription string
	UnitAmountCents    int64
	CustomerEmail      string
	Metadata           map[string]string
	SuccessURL         string
	CancelURL          string
}

// CheckoutSession is the created session.
type CheckoutSession struct {
	ID  string `json:"id"`
	URL string `json:"url"`
}

// CreateCheckoutSession creates a hosted checkout session. Subscription mode
// uses a monthly recurring inline price and copies metadata onto the
// subscription. Payment mode always creates a customer.
func (s *StripeClient) CreateCheckoutSession(ctx context.Context, p CheckoutParams) (*CheckoutSession, error) {
	params := url.Values{}
	params.Set("mode", string(p.Mode))
	params.Set("success_url", p.SuccessURL)
	params.Set("cancel_url", p.CancelURL)
	params.Set("phone_number_collection[enabled]", "true")
	params.Set("line_items[0][quantity]", "1")
	params.Set("line_items[0][price_data][currency]", strings.ToLower(p.Currency))
	params.Set("line_items[0][price_data][unit_amount]", strconv.FormatInt(p.UnitAmountCents, 10))
	params.Set("line_items[0][price_data][product_data][name]", p.ProductName)
	if p.ProductDescription != "" {
		params.Set("line_items[0][price_data][product_data][description]", p.ProductDescription)
	}
	if p.CustomerEmail != "" {
		params.Set("customer_email", p.CustomerEmail)
	}

	switch p.Mode {
	case CheckoutModeSubscription:
		params.Set("line_items[0][price_data][recurring][interval]", "month")
		setMetadata(params, "subscription_data[metadata]", p.Metadata)
	default:
		params.Set("customer_creation", "always")
		setMetadata(params, "payment_intent_data[metadata]", p.Metadata)
	}
	setMetadata(params, "metadata", p.Metadata)

	resp, err := s.doPost(ctx, "/v1/checkout/sessions", params)
	if err != nil {
		return nil, s.wrapStripeError("CreateCheckoutSession", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, s.handleErrorResponse(resp, "CreateCheckoutSession", types.ErrCodeUpstreamStripe)
	}

	var session CheckoutSession
	if err := json.NewDecoder(resp.Body).Decode(&session); err != nil {
		return nil, types.NewAppError(
			types.ErrCodeInternalUnexpected,
			"failed to decode Stripe checkout session response",
			err,
		)
	}
	return &session, nil
}

// GetCheckoutSession retrieves a checkout session.
func (s *StripeClient) GetCheckoutSession(ctx context.Context, sessionID string) (*reconcile.Session, error) {
	resp, err := s.doGet(ctx, "/v1/checkout/sessions/"+url.PathEscape(sessionID), nil)
	if err != nil {
		return nil, s.wrapStripeError("GetCheckoutSession", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, s.handleErrorResponse(resp, "GetCheckoutSession", types.ErrCodeNotFoundSession)
	}

	var session reconcile.Session
	if err := json.NewDecoder(resp.Body).Decode(&session); err != nil {
		return nil, types.NewAppError(
			types.ErrCodeInternalUnexpected,
			"failed to decode Stripe checkout session",
			err,
		)
	}
	return &session, nil
}

// GetCustomer retrieves a customer. A deleted customer is reported as not
// found.
func (s *StripeClient) GetCustomer(ctx context.Context, customerID string) (*types.Customer, error) {
	resp, err := s.doGet(ctx, "/v1/customers/"+url.PathEscape(customerID), nil)
	if err != nil {
		return nil, s.wrapStripeError("GetCustomer", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, s.handleErrorResponse(resp, "GetCustomer", types.ErrCodeNotFoundCustomer)
	}

	var c stripeCustomer
	if err := json.NewDecoder(resp.Body).Decode(&c); err != nil {
		return nil, types.NewAppError(
			types.ErrCodeInternalUnexpected,
			"failed to decode Stripe customer",
			err,
		)
	}
	if c.Deleted {
		return nil, types.NewAppError(
			types.ErrCodeNotFoundCustomer,
			fmt.Sprintf("customer %s has been deleted", customerID),
			nil,
		)
	}
	return c.toDomain(), nil
}

// FindCustomerByEmail returns the first customer with the given email.
func (s *StripeClient) FindCustomerByEmail(ctx context.Context, email string) (*types.Customer, error) {
	params := url.Values{}
	params.Set("email", email)
	params.Set("limit", "1")

	resp, err := s.doGet(ctx, "/v1/customers", params)
	if err != nil {
		return nil, s.wrapStripeError("FindCustomerByEmail", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, s.handleErrorResponse(resp, "FindCustomerByEmail", types.ErrCodeNotFoundCustomer)
	}

	var list stripeCustomerList
	if err := json.NewDecoder(resp.Body).Decode(&list); err != nil {
		return nil, types.NewAppError(
			types.ErrCodeInternalUnexpected,
			"failed to decode Stripe customer list",
			err,
		)
	}
	if len(list.Data) == 0 {
		return nil, types.NewAppError(
			types.ErrCodeNotFoundCustomer,
			"no customer found for that email",
			nil,
		)
	}
	return list.Data[0].toDomain(), nil
}

// UpdateCustomerMetadata merges metadata into the customer's metadata store.
// Keys absent from metadata are left untouched.
func (s *StripeClient) UpdateCustomerMetadata(ctx context.Context, customerID string, metadata map[string]string) error {
	params := url.Values{}
	setMetadata(params, "metadata", metadata)

	resp, err := s.doPost(ctx, "/v1/customers/"+url.PathEscape(customerID), params)
	if err != nil {
		return s.wrapStripeError("UpdateCustomerMetadata", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return s.handleErrorResponse(resp, "UpdateCustomerMetadata", types.ErrCodeNotFoundCustomer)
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	return nil
}

// CreatePortalSession opens a billing portal session for the customer.
func (s *StripeClient) CreatePortalSession(ctx context.Context, customerID, returnURL string) (string, error) {
	params := url.Values{}
	params.Set("customer", customerID)
	params.Set("return_url", returnURL)

	resp, err := s.doPost(ctx, "/v1/billing_portal/sessions", params)
	if err != nil {
		return "", s.wrapStripeError("CreatePortalSession", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", s.handleErrorResponse(resp, "CreatePortalSession", types.ErrCodeUpstreamStripe)
	}

	var session stripePortalSession
	if err := json.NewDecoder(resp.Body).Decode(&session); err != nil {
		return "", types.NewAppError(
			types.ErrCodeInternalUnexpected,
			"failed to decode Stripe portal session response",
			err,
		)
	}
	return session.URL, nil
}

// ---------------------------------------------------------------------------
// HTTP Helpers
// ---------------------------------------------------------------------------

func (s *StripeClient) doGet(ctx context.Context, path string, params url.Values) (*http.Response, error) {
	reqURL := s.baseURL + path
	if len(params) > 0 {
		reqURL += "?" + params.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return nil, err
	}
	s.setAuthHeaders(req)

	return s.base.Do(req)
}

// doPost sends a form-encoded POST with a fresh Idempotency-Key so retries
// cannot duplicate the side effect.
func (s *StripeClient) doPost(ctx context.Context, path string, params url.Values) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.baseURL+path, strings.NewReader(params.Encode()))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set(IdempotencyKeyHeader, s.newKey())
	s.setAuthHeaders(req)

	return s.base.Do(req)
}

func (s *StripeClient) setAuthHeaders(req *http.Request) {
	req.Header.Set("Authorization", "Bearer "+s.secretKey.Unmask())
	req.Header.Set("Stripe-Version", stripe.APIVersion)
}

// setMetadata encodes m as prefix[key]=value in sorted key order. Blank values
// are skipped.
func setMetadata(params url.Values, prefix string, m map[string]string) {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		if m[k] == "" {
			continue
		}
		params.Set(prefix+"["+k+"]", m[k])
	}
}

// ---------------------------------------------------------------------------
// Error Handling
// ---------------------------------------------------------------------------

type stripeErrorResponse struct {
	Error stripeErrorBody `json:"error"`
}

type stripeErrorBody struct {
	Type        string `json:"type"`
	Code        string `json:"code"`
	DeclineCode string `json:"decline_code"`
	Message     string `json:"message"`
	Param       string `json:"param"`
}

// handleErrorResponse maps a non-200 Stripe response to an AppError. 404s map
// to notFound; every other status maps to upstream_stripe_error with the
// provider's error fields in Details.
func (s *StripeClient) handleErrorResponse(resp *http.Response, operation string, notFound types.ErrorCode) error {
	body, readErr := io.ReadAll(io.LimitReader(resp.Body, maxErrorBodyLog))
	if readErr != nil {
		return types.NewAppErrorWithDetails(
			types.ErrCodeUpstreamStripe,
			fmt.Sprintf("%s: Stripe returned status %d and response body was unreadable", operation, resp.StatusCode),
			readErr,
			map[string]any{"status": resp.StatusCode},
		)
	}

	var stripeErr stripeErrorResponse
	_ = json.Unmarshal(body, &stripeErr)

	details := map[string]any{
		"status": resp.StatusCode,
		"body":   string(body),
	}
	if e := stripeErr.Error; e.Type != "" || e.Message != "" {
		details["stripe_type"] = e.Type
		details["stripe_code"] = e.Code
		details["stripe_param"] = e.Param
		details["decline_code"] = e.DeclineCode
	}

	message := stripeErr.Error.Message
	if message == "" {
		message = http.StatusText(resp.StatusCode)
	}

	code := types.ErrCodeUpstreamStripe
	if resp.StatusCode == http.StatusNotFound {
		code = notFound
	}

	s.logger.Warn("stripe request failed",
		"operation", operation,
		"status", resp.StatusCode,
		"body", string(body),
	)

	return types.NewAppErrorWithDetails(
		code,
		fmt.Sprintf("%s: Stripe error (%d): %s", operation, resp.StatusCode, message),
		nil,
		details,
	)
}

// wrapStripeError wraps a transport error. AppErrors from BaseClient are
// returned unchanged.
func (s *StripeClient) wrapStripeError(operation string, err error) error {
	if _, ok := err.(*types.AppError); ok {
		return err
	}
	return types.NewAppError(
		types.ErrCodeUpstreamUnavailable,
		fmt.Sprintf("%s: Stripe request failed: %v", operation, err),
		err,
	)
}

// ---------------------------------------------------------------------------
// Stripe Response Types
// ---------------------------------------------------------------------------

type stripeCustomer struct {
	ID       string            `json:"id"`
	Email    string            `json:"email"`
	Phone    string            `json:"phone"`
	Name     string            `json:"name"`
	Deleted  bool              `json:"deleted"`
	Metadata map[string]string `json:"metadata"`
}

func (c *stripeCustomer) toDomain() *types.Customer {
	return &types.Customer{
		ID:       c.ID,
		Email:    c.Email,
		Phone:    c.Phone,
		Name:     c.Name,
		Metadata: c.Metadata,
	}
}

type stripeCustomerList struct {
	Data    []stripeCustomer `json:"data"`
	HasMore bool             `json:"has_more"`
}

type stripePortalSession struct {
	ID  string `json:"id"`
	URL string `json:"url"`
}
