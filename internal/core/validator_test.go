package core

import (
	"errors"
	"io"
	"log/slog"
	"testing"

	"crmrelay/internal/types"
)

// testLogger returns a discard logger for tests.
func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type testPortalRequest struct {
	Email     string `json:"email" validate:"required,email"`
	ReturnURL string `json:"returnUrl" validate:"omitempty,redirect_url"`
}

type testCheckoutRequest struct {
	PartNumber string `json:"partNumber" validate:"required,max=100"`
	Phone      string `json:"phone"`
}

func TestNewValidator(t *testing.T) {
	v := NewValidator(testLogger())
	if v == nil {
		t.Fatal("NewValidator returned nil")
	}
	if v.validate == nil {
		t.Error("expected validate field to be non-nil")
	}
	if v.logger == nil {
		t.Error("expected logger field to be non-nil")
	}
}

func TestValidateStruct_Success(t *testing.T) {
	v := NewValidator(testLogger())
	req := testPortalRequest{Email: "a@b.com", ReturnURL: "https://example.com/account"}
	if err := v.ValidateStruct(req); err != nil {
		t.Errorf("expected nil error, got: %v", err)
	}
}

func TestValidateStruct_Failure_ReturnsAppError(t *testing.T) {
	v := NewValidator(testLogger())

	err := v.ValidateStruct(testPortalRequest{Email: "", ReturnURL: "ftp://x"})
	if err == nil {
		t.Fatal("expected error, got nil")
	}

	var appErr *types.AppError
	if !errors.As(err, &appErr) {
		t.Fatalf("expected *types.AppError, got %T: %v", err, err)
	}
	if appErr.Code != types.ErrCodeValidationMissingField {
		t.Errorf("expected code %s, got %s", types.ErrCodeValidationMissingField, appErr.Code)
	}
	if appErr.HTTPStatus() != 400 {
		t.Errorf("expected 400, got %d", appErr.HTTPStatus())
	}

	errs, ok := appErr.Details["validation_errors"].([]ValidationError)
	if !ok {
		t.Fatalf("expected []ValidationError, got %T", appErr.Details["validation_errors"])
	}
	if len(errs) != 2 {
		t.Fatalf("expected 2 validation errors, got %d", len(errs))
	}
	if errs[0].Field != "email" {
		t.Errorf("expected json field name, got %q", errs[0].Field)
	}
	if errs[1].Field != "returnUrl" || errs[1].Code != string(types.ErrCodeValidationFailed) {
		t.Errorf("unexpected second error: %+v", errs[1])
	}
}

func TestValidateStruct_InvalidEmail(t *testing.T) {
	v := NewValidator(testLogger())
	err := v.ValidateStruct(testPortalRequest{Email: "not-an-email"})

	var appErr *types.AppError
	if !errors.As(err, &appErr) {
		t.Fatalf("expected *types.AppError, got %v", err)
	}
	if appErr.Code != types.ErrCodeValidationInvalidEmail {
		t.Errorf("expected %s, got %s", types.ErrCodeValidationInvalidEmail, appErr.Code)
	}
}

func TestValidateStruct_MaxLength(t *testing.T) {
	v := NewValidator(testLogger())
	long := make([]byte, 101)
	for i := range long {
		long[i] = 'a'
	}
	err := v.ValidateStruct(testCheckoutRequest{PartNumber: string(long)})

	var appErr *types.AppError
	if !errors.As(err, &appErr) {
		t.Fatalf("expected *types.AppError, got %v", err)
	}
	if appErr.Code != types.ErrCodeValidationFailed {
		t.Errorf("expected %s, got %s", types.ErrCodeValidationFailed, appErr.Code)
	}
}

func TestValidateStruct_NonStructIsInternal(t *testing.T) {
	v := NewValidator(testLogger())
	err := v.ValidateStruct("not a struct")

	var appErr *types.AppError
	if !errors.As(err, &appErr) {
		t.Fatalf("expected *types.AppError, got %v", err)
	}
	if appErr.Code != types.ErrCodeInternalUnexpected {
		t.Errorf("expected %s, got %s", types.ErrCodeInternalUnexpected, appErr.Code)
	}
}

func TestRedirectURLRule(t *testing.T) {
	v := NewValidator(testLogger())
	cases := []struct {
		url   string
		valid bool
	}{
		{"", true},
		{"https://example.com/success?session_id={CHECKOUT_SESSION_ID}", true},
		{"http://localhost:3000/cancel", true},
		{"ftp://example.com", false},
		{"/relative/path", false},
		{"https://", false},
	}
	for _, tc := range cases {
		t.Run(tc.url, func(t *testing.T) {
			err := v.ValidateStruct(testPortalRequest{Email: "a@b.com", ReturnURL: tc.url})
			if (err == nil) != tc.valid {
				t.Errorf("redirect_url(%q) valid=%v, err=%v", tc.url, tc.valid, err)
			}
		})
	}
}

func TestTagToErrorCode(t *testing.T) {
	cases := []struct {
		tag      string
		expected types.ErrorCode
	}{
		{"required", types.ErrCodeValidationMissingField},
		{"required_without", types.ErrCodeValidationMissingField},
		{"email", types.ErrCodeValidationInvalidEmail},
		{"redirect_url", types.ErrCodeValidationFailed},
		{"max", types.ErrCodeValidationFailed},
	}
	for _, tc := range cases {
		t.Run(tc.tag, func(t *testing.T) {
			if got := tagToErrorCode(tc.tag); got != string(tc.expected) {
				t.Errorf("tagToErrorCode(%q) = %q, want %q", tc.tag, got, tc.expected)
			}
		})
	}
}
