// Package signature authenticates inbound Stripe webhook deliveries.
//
// Header format: Stripe-Signature: t=<unix>,v1=<hex>[,v1=<hex>...]
//
// The signed content is "{t}.{raw body}" using HMAC-SHA256 with the endpoint's
// signing secret. A delivery is authentic when any v1 candidate matches, which
// keeps deliveries valid while the provider rolls the secret.
package signature

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/stripe/stripe-go/v82/webhook"
)

// HeaderName is the request header carrying the signature.
const HeaderName = "Stripe-Signature"

// DefaultTolerance is the maximum signature age accepted by NewVerifier callers
// that do not configure one.
const DefaultTolerance = 5 * time.Minute

var (
	ErrMissingSecret    = errors.New("signature: signing secret is empty")
	ErrMalformedHeader  = errors.New("signature: header must contain exactly one t= timestamp")
	ErrNoSignatures     = errors.New("signature: header has no v1 signatures")
	ErrTimestampExpired = errors.New("signature: timestamp outside tolerance")
	ErrMismatch         = errors.New("signature: no v1 signature matches payload")
)

// Verifier checks webhook signatures. A zero tolerance disables the timestamp
// freshness check.
type Verifier struct {
	tolerance time.Duration
	now       func() time.Time
}

// NewVerifier creates a Verifier with the given maximum signature age.
func NewVerifier(tolerance time.Duration) *Verifier {
	if tolerance < 0 {
		tolerance = 0
	}
	return &Verifier{tolerance: tolerance, now: time.Now}
}

// WithClock overrides the time source. Used in tests.
func (v *Verifier) WithClock(now func() time.Time) *Verifier {
	v.now = now
	return v
}

// Tolerance returns the configured maximum signature age.
func (v *Verifier) Tolerance() time.Duration {
	return v.tolerance
}

// Verify authenticates payload against header. payload must be the exact bytes
// received on the wire. A nil return means the payload is authentic.
//
// Freshness is checked here against the Verifier's clock, in both directions.
// The HMAC and candidate matching are delegated to the provider SDK.
func (v *Verifier) Verify(payload []byte, header, secret string) error {
	if secret == "" {
		return ErrMissingSecret
	}

	parsed, err := parseHeader(header)
	if err != nil {
		return err
	}

	if v.tolerance > 0 {
		age := v.now().Sub(time.Unix(parsed.timestamp, 0))
		if age > v.tolerance || age < -v.tolerance {
			return fmt.Errorf("%w: age %s exceeds %s", ErrTimestampExpired, age.Round(time.Second), v.tolerance)
		}
	}

	return fromSDK(webhook.ValidatePayloadIgnoringTolerance(payload, parsed.canonical(), secret))
}

// Verify reports whether payload is authentic without any freshness check.
func Verify(payload []byte, header, secret string) bool {
	return NewVerifier(0).Verify(payload, header, secret) == nil
}

// Sign produces a header value for payload signed with secret at ts. It is the
// inverse of Verify and is used by tests and local tooling.
func Sign(payload []byte, secret string, ts time.Time) string {
	return webhook.GenerateTestSignedPayload(&webhook.UnsignedPayload{
		Payload:   payload,
		Secret:    secret,
		Timestamp: ts,
	}).Header
}

// fromSDK maps the SDK's sentinel errors onto this package's.
func fromSDK(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, webhook.ErrTooOld):
		return fmt.Errorf("%w: %w", ErrTimestampExpired, err)
	case errors.Is(err, webhook.ErrInvalidHeader), errors.Is(err, webhook.ErrNotSigned):
		return fmt.Errorf("%w: %w", ErrMalformedHeader, err)
	default:
		return fmt.Errorf("%w: %w", ErrMismatch, err)
	}
}

type parsedHeader struct {
	timestamp  int64
	signatures []string
}

// canonical re-renders the header with only the timestamp and v1 entries and
// no surrounding whitespace, which is the form the SDK parser accepts.
func (p parsedHeader) canonical() string {
	var b strings.Builder
	b.WriteString("t=")
	b.WriteString(strconv.FormatInt(p.timestamp, 10))
	for _, sig := range p.signatures {
		b.WriteString(",v1=")
		b.WriteString(sig)
	}
	return b.String()
}

// parseHeader splits the comma-separated key=value pairs and enforces exactly
// one t= entry. Unknown keys (for example v0 test-mode signatures) are ignored.
func parseHeader(header string) (parsedHeader, error) {
	var (
		out          parsedHeader
		rawTimestamp string
		timestamps   int
	)
	for _, item := range strings.Split(header, ",") {
		key, value, ok := strings.Cut(strings.TrimSpace(item), "=")
		if !ok {
			continue
		}
		key = strings.TrimSpace(key)
		value = strings.TrimSpace(value)
		switch key {
		case "t":
			timestamps++
			rawTimestamp = value
		case "v1":
			if value != "" {
				out.signatures = append(out.signatures, value)
			}
		}
	}

	if timestamps != 1 || rawTimestamp == "" {
		return parsedHeader{}, ErrMalformedHeader
	}
	ts, err := strconv.ParseInt(rawTimestamp, 10, 64)
	if err != nil {
		return parsedHeader{}, fmt.Errorf("%w: %v", ErrMalformedHeader, err)
	}
	out.timestamp = ts

	if len(out.signatures) == 0 {
		return parsedHeader{}, ErrNoSignatures
	}
	return out, nil
}
