package external

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sort"
	"strings"

	"crmrelay/internal/types"
)

const (
	contactsAPIBase    = "https://services.leadconnectorhq.com"
	contactsAPIVersion = "2021-07-28"
)

// ContactsClientConfig holds the configuration for creating a ContactsClient.
type ContactsClientConfig struct {
	Token      types.SecretString
	LocationID string
	BaseURL    string // defaults to contactsAPIBase
	APIVersion string // defaults to contactsAPIVersion
	Logger     *slog.Logger
}

// ContactsClient upserts contacts into the contact-management API. Upserts are
// keyed by email or phone on the provider side, so replays are harmless.
type ContactsClient struct {
	base       *BaseClient
	token      types.SecretString
	locationID string
	baseURL    string
	apiVersion string
	logger     *slog.Logger
}

// NewContactsClient creates a ContactsClient with the default retry policy.
func NewContactsClient(httpClient *http.Client, cfg ContactsClientConfig) *ContactsClient {
	base := NewBaseClient(httpClient, "contacts", DefaultRetryPolicy(), "crm-relay/1.0")
	return NewContactsClientWithBase(base, cfg)
}

// NewContactsClientWithBase creates a ContactsClient with a pre-configured
// BaseClient.
func NewContactsClientWithBase(base *BaseClient, cfg ContactsClientConfig) *ContactsClient {
	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = contactsAPIBase
	}
	version := cfg.APIVersion
	if version == "" {
		version = contactsAPIVersion
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &ContactsClient{
		base:       base,
		token:      cfg.Token,
		locationID: strings.TrimSpace(cfg.LocationID),
		baseURL:    strings.TrimSuffix(baseURL, "/"),
		apiVersion: version,
		logger:     logger,
	}
}

// Enabled reports whether both the token and the location are configured.
func (c *ContactsClient) Enabled() bool {
	return c != nil && c.token.IsSet() && c.locationID != ""
}

type upsertRequest struct {
	LocationID   string        `json:"locationId"`
	Email        string        `json:"email,omitempty"`
	Phone        string        `json:"phone,omitempty"`
	Name         string        `json:"name,omitempty"`
	Tags         []string      `json:"tags,omitempty"`
	CustomFields []customField `json:"customFields,omitempty"`
}

type customField struct {
	Key        string `json:"key"`
	FieldValue string `json:"field_value"`
}

type upsertResponse struct {
	New     bool `json:"new"`
	Contact struct {
		ID string `json:"id"`
	} `json:"contact"`
}

// Upsert creates or updates the contact and returns its id.
//
// Error mapping:
//   - non-2xx -> types.ErrCodeUpstreamContacts with status and body in Details
//   - 429/5xx after retries -> handled by BaseClient
func (c *ContactsClient) Upsert(ctx context.Context, contact *types.ContactRecord) (string, error) {
	if !contact.Identifiable() {
		return "", types.NewAppError(
			types.ErrCodeValidationMissingField,
			"contact upsert requires an email or a phone",
			nil,
		)
	}

	body, err := json.Marshal(c.buildUpsert(contact))
	if err != nil {
		return "", types.NewAppError(types.ErrCodeInternalUnexpected, "failed to encode contact upsert", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/contacts/upsert", bytes.NewReader(body))
	if err != nil {
		return "", types.NewAppError(types.ErrCodeInternalUnexpected, "failed to build contact upsert request", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.token.Unmask())
	req.Header.Set("Version", c.apiVersion)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	resp, err := c.base.DoIdempotent(req)
	if err != nil {
		if _, ok := err.(*types.AppError); ok {
			return "", err
		}
		return "", types.NewAppError(types.ErrCodeUpstreamContacts, "contact upsert request failed", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBodyLog))
		c.logger.WarnContext(ctx, "contact upsert rejected",
			"status", resp.StatusCode,
			"body", string(respBody),
		)
		return "", types.NewAppErrorWithDetails(
			types.ErrCodeUpstreamContacts,
			fmt.Sprintf("contact upsert returned %d", resp.StatusCode),
			nil,
			map[string]any{"status": resp.StatusCode, "body": string(respBody)},
		)
	}

	var out upsertResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		// The write succeeded; an unreadable body only loses the id.
		c.logger.WarnContext(ctx, "contact upsert response not decodable", "error", err)
		return "", nil
	}
	return out.Contact.ID, nil
}

func (c *ContactsClient) buildUpsert(contact *types.ContactRecord) upsertRequest {
	req := upsertRequest{
		LocationID: c.locationID,
		Email:      contact.Email,
		Phone:      contact.Phone,
		Name:       contact.Name,
		Tags:       contact.Tags,
	}
	keys := make([]string, 0, len(contact.CustomFields))
	for k := range contact.CustomFields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		req.CustomFields = append(req.CustomFields, customField{Key: k, FieldValue: contact.CustomFields[k]})
	}
	return req
}
