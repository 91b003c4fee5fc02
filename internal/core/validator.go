package core

import (
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"

	"crmrelay/internal/types"
)

// ValidationError describes one failed field rule.
type ValidationError struct {
	Field   string `json:"field"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Validator wraps go-playground/validator with the relay's custom tags. Field
// names in errors use the json tag so clients see the names they sent.
type Validator struct {
	validate *validator.Validate
	logger   *slog.Logger
}

// NewValidator creates a Validator and registers custom tags:
//
//	redirect_url  absolute http(s) URL with a host
func NewValidator(logger *slog.Logger) *Validator {
	if logger == nil {
		logger = slog.Default()
	}
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name := strings.SplitN(fld.Tag.Get("json"), ",", 2)[0]
		if name == "-" || name == "" {
			return fld.Name
		}
		return name
	})
	if err := v.RegisterValidation("redirect_url", validateRedirectURL); err != nil {
		logger.Error("failed to register redirect_url validation", "error", err)
	}
	return &Validator{validate: v, logger: logger}
}

// ValidateStruct validates s. On failure it returns an AppError whose code is
// derived from the first failing rule and whose details carry every failure
// under "validation_errors".
func (v *Validator) ValidateStruct(s any) error {
	err := v.validate.Struct(s)
	if err == nil {
		return nil
	}

	var fieldErrs validator.ValidationErrors
	if !errors.As(err, &fieldErrs) {
		v.logger.Error("validator misuse", "error", err, "type", fmt.Sprintf("%T", s))
		return types.NewAppError(types.ErrCodeInternalUnexpected, "request validation could not run", err)
	}

	out := make([]ValidationError, 0, len(fieldErrs))
	for _, fe := range fieldErrs {
		out = append(out, ValidationError{
			Field:   fe.Field(),
			Code:    tagToErrorCode(fe.Tag()),
			Message: fieldMessage(fe),
		})
	}

	return types.NewAppErrorWithDetails(
		types.ErrorCode(out[0].Code),
		out[0].Message,
		err,
		map[string]any{"validation_errors": out},
	)
}

func tagToErrorCode(tag string) string {
	switch tag {
	case "required", "required_without":
		return string(types.ErrCodeValidationMissingField)
	case "email":
		return string(types.ErrCodeValidationInvalidEmail)
	default:
		return string(types.ErrCodeValidationFailed)
	}
}

func fieldMessage(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required", "required_without":
		return fe.Field() + " is required"
	case "email":
		return fe.Field() + " must be a valid email address"
	case "redirect_url":
		return fe.Field() + " must be an absolute http(s) URL"
	case "max":
		return fmt.Sprintf("%s must be at most %s characters", fe.Field(), fe.Param())
	default:
		return fmt.Sprintf("%s failed the %q rule", fe.Field(), fe.Tag())
	}
}

func validateRedirectURL(fl validator.FieldLevel) bool {
	raw := fl.Field().String()
	if raw == "" {
		return true
	}
	u, err := url.Parse(raw)
	if err != nil {
		return false
	}
	return (u.Scheme == "https" || u.Scheme == "http") && u.Host != ""
}
