package reconcile

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"

	"crmrelay/internal/types"
)

// maxCents is the largest unit amount the provider accepts for a price.
const maxCents = 99_999_999

var (
	ErrAmountMissing   = errors.New("amount is required")
	ErrAmountNotFinite = errors.New("amount must be a finite number")
	ErrAmountTooSmall  = errors.New("amount must be at least 0.01")
	ErrAmountTooLarge  = errors.New("amount exceeds the maximum allowed")
)

// ToCents converts a caller-supplied amount (JSON number or numeric string) to
// integer minor units. The amount must be finite and round to a strictly
// positive number of cents.
func ToCents(v any) (int64, error) {
	var f float64
	switch x := v.(type) {
	case nil:
		return 0, ErrAmountMissing
	case float64:
		f = x
	case float32:
		f = float64(x)
	case int:
		f = float64(x)
	case int64:
		f = float64(x)
	case json.Number:
		parsed, err := strconv.ParseFloat(x.String(), 64)
		if err != nil {
			return 0, fmt.Errorf("%w: %q", ErrAmountNotFinite, x.String())
		}
		f = parsed
	case string:
		s := strings.TrimSpace(x)
		if s == "" {
			return 0, ErrAmountMissing
		}
		parsed, err := strconv.ParseFloat(s, 64)
		if err != nil {
			return 0, fmt.Errorf("%w: %q", ErrAmountNotFinite, s)
		}
		f = parsed
	default:
		return 0, fmt.Errorf("%w: unsupported type %T", ErrAmountNotFinite, v)
	}

	if math.IsNaN(f) || math.IsInf(f, 0) {
		return 0, ErrAmountNotFinite
	}
	cents := math.Round(f * 100)
	if cents <= 0 {
		return 0, ErrAmountTooSmall
	}
	if cents > maxCents {
		return 0, ErrAmountTooLarge
	}
	return int64(cents), nil
}

// FormatCents renders minor units as a decimal string with two fraction digits.
func FormatCents(cents int64) string {
	sign := ""
	if cents < 0 {
		sign = "-"
		cents = -cents
	}
	return fmt.Sprintf("%s%d.%02d", sign, cents/100, cents%100)
}

// NormalizeConsent maps a loosely typed consent answer to "yes" or "no".
// true, 1, "yes", "y", "true" and "1" (case-insensitive) are consent.
func NormalizeConsent(v any) string {
	switch x := v.(type) {
	case bool:
		if x {
			return types.ConsentYes
		}
	case float64:
		if x == 1 {
			return types.ConsentYes
		}
	case int:
		if x == 1 {
			return types.ConsentYes
		}
	case int64:
		if x == 1 {
			return types.ConsentYes
		}
	case json.Number:
		return NormalizeConsent(x.String())
	case string:
		switch strings.ToLower(strings.TrimSpace(x)) {
		case "true", "1", "yes", "y":
			return types.ConsentYes
		}
	}
	return types.ConsentNo
}

// CleanMetadata trims keys and values and drops entries with an empty key or
// value. The result is nil when nothing survives.
func CleanMetadata(in map[string]string) map[string]string {
	var out map[string]string
	for k, v := range in {
		k = strings.TrimSpace(k)
		v = strings.TrimSpace(v)
		if k == "" || v == "" {
			continue
		}
		if out == nil {
			out = make(map[string]string, len(in))
		}
		out[k] = v
	}
	return out
}

// firstNonEmpty returns the first argument that is non-blank after trimming.
func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if s := strings.TrimSpace(v); s != "" {
			return s
		}
	}
	return ""
}

// isConsentFieldKey matches custom-field keys such as "smsOptIn", "sms_opt_in"
// or "SMS Opt-In".
func isConsentFieldKey(key string) bool {
	var b strings.Builder
	for _, r := range strings.ToLower(key) {
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') {
			b.WriteRune(r)
		}
	}
	return b.String() == "smsoptin"
}
