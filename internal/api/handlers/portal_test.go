package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"crmrelay/internal/core"
	"crmrelay/internal/types"
)

type mockPortalOpener struct {
	unconfigured bool
	findFn       func(ctx context.Context, email string) (*types.Customer, error)
	portalFn     func(ctx context.Context, customerID, returnURL string) (string, error)
	returnURLs   []string
}

func (m *mockPortalOpener) Configured() bool { return !m.unconfigured }

func (m *mockPortalOpener) FindCustomerByEmail(ctx context.Context, email string) (*types.Customer, error) {
	if m.findFn != nil {
		return m.findFn(ctx, email)
	}
	return &types.Customer{ID: "cus_a", Email: email}, nil
}

func (m *mockPortalOpener) CreatePortalSession(ctx context.Context, customerID, returnURL string) (string, error) {
	m.returnURLs = append(m.returnURLs, returnURL)
	if m.portalFn != nil {
		return m.portalFn(ctx, customerID, returnURL)
	}
	return "https://billing.stripe.com/p/session/" + customerID, nil
}

func newTestPortalHandler(billing PortalOpener) *PortalHandler {
	logger := discardLogger()
	return NewPortalHandler(billing, core.NewValidator(logger), "https://shop.example.com", logger)
}

func TestPortal_Success(t *testing.T) {
	billing := &mockPortalOpener{}
	h := newTestPortalHandler(billing)

	rr := postJSON(t, h.Create, `{"email":"  a@b.com "}`)

	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	var resp PortalResponse
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &resp))
	assert.Equal(t, "https://billing.stripe.com/p/session/cus_a", resp.URL)
	assert.Equal(t, []string{"https://shop.example.com/"}, billing.returnURLs)
}

func TestPortal_ExplicitReturnURL(t *testing.T) {
	billing := &mockPortalOpener{}
	h := newTestPortalHandler(billing)

	rr := postJSON(t, h.Create, `{"email":"a@b.com","returnUrl":"https://shop.example.com/account"}`)

	require.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, []string{"https://shop.example.com/account"}, billing.returnURLs)
}

func TestPortal_Validation(t *testing.T) {
	tests := []struct {
		name string
		body string
		code types.ErrorCode
	}{
		{"missing email", `{}`, types.ErrCodeValidationMissingField},
		{"invalid email", `{"email":"not-an-email"}`, types.ErrCodeValidationInvalidEmail},
		{"malformed body", `{"email":`, types.ErrCodeValidationInvalidJSON},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			billing := &mockPortalOpener{}
			h := newTestPortalHandler(billing)

			rr := postJSON(t, h.Create, tt.body)

			assert.Equal(t, http.StatusBadRequest, rr.Code)
			assert.Equal(t, string(tt.code), decodeAPIError(t, rr).Code)
			assert.Empty(t, billing.returnURLs)
		})
	}
}

func TestPortal_CustomerNotFound(t *testing.T) {
	billing := &mockPortalOpener{
		findFn: func(context.Context, string) (*types.Customer, error) {
			return nil, types.NewAppError(types.ErrCodeNotFoundCustomer, "no customer found for that email", nil)
		},
	}
	h := newTestPortalHandler(billing)

	rr := postJSON(t, h.Create, `{"email":"ghost@b.com"}`)

	assert.Equal(t, http.StatusNotFound, rr.Code)
	assert.Equal(t, string(types.ErrCodeNotFoundCustomer), decodeAPIError(t, rr).Code)
	assert.Empty(t, billing.returnURLs)
}

func TestPortal_ProviderError(t *testing.T) {
	billing := &mockPortalOpener{
		portalFn: func(context.Context, string, string) (string, error) {
			return "", types.NewAppErrorWithDetails(types.ErrCodeUpstreamStripe, "portal not configured",
				nil, map[string]any{"status": 400, "stripe_type": "invalid_request_error"})
		},
	}
	h := newTestPortalHandler(billing)

	rr := postJSON(t, h.Create, `{"email":"a@b.com"}`)

	assert.Equal(t, http.StatusBadRequest, rr.Code)
	resp := decodeAPIError(t, rr)
	assert.Equal(t, string(types.ErrCodeUpstreamStripe), resp.Code)
	assert.Equal(t, "invalid_request_error", resp.Details["stripe_type"])
}

func TestPortal_NotConfigured(t *testing.T) {
	h := newTestPortalHandler(&mockPortalOpener{unconfigured: true})

	rr := postJSON(t, h.Create, `{"email":"a@b.com"}`)

	assert.Equal(t, http.StatusInternalServerError, rr.Code)
}
