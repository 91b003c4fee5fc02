// Package config defines the configuration of the CRM relay. Configuration is
// loaded once at process start (or Lambda cold start) and is immutable
// thereafter.
//
// Values are resolved via a priority chain:
//
//	OS Environment (Highest) -> Dotenv File (Lowest)
//
// Payment and webhook secrets are optional at load time. Handlers that need an
// absent secret answer 500 before making any outbound call. Missing contact
// credentials soft-disable contact propagation.
package config

import (
	"strings"
	"time"

	"crmrelay/internal/types"
)

// SecretString is an alias for types.SecretString, the redacted secret type used
// throughout configuration to prevent accidental logging of sensitive values.
type SecretString = types.SecretString

// Config is the top-level configuration struct. Sub-components receive only the
// config subsets they require.
type Config struct {
	Environment string `envconfig:"APP_ENV" default:"local" validate:"required,oneof=local dev staging prod"`
	LogLevel    string `envconfig:"LOG_LEVEL" default:"info" validate:"oneof=debug info warn error"`

	Server        ServerConfig
	Billing       BillingConfig
	Contacts      ContactsConfig
	Tags          TagConfig
	Security      SecurityConfig
	AWS           AWSConfig
	Observability ObservabilityConfig

	// Injected via ldflags, not Env.
	Build BuildInfo
}

// ServerConfig holds HTTP server and public URL configuration.
type ServerConfig struct {
	Port string `envconfig:"PORT" default:"8080"`
	// Base of the default checkout success/cancel URLs (no trailing slash).
	PublicSiteURL string `envconfig:"PUBLIC_SITE_URL" default:"http://localhost:3000" validate:"required,url"`
	// Timeout applied to every outbound HTTP client.
	HTTPClientTimeout time.Duration `envconfig:"HTTP_CLIENT_TIMEOUT" default:"10s" validate:"gt=0"`
}

// BillingConfig holds Stripe credentials and checkout defaults.
type BillingConfig struct {
	StripeSecretKey     SecretString  `envconfig:"STRIPE_SECRET_KEY"`
	StripeWebhookSecret SecretString  `envconfig:"STRIPE_WEBHOOK_SECRET"`
	StripeAPIBase       string        `envconfig:"STRIPE_API_BASE" default:"https://api.stripe.com" validate:"required,url"`
	WebhookTolerance    time.Duration `envconfig:"STRIPE_WEBHOOK_TOLERANCE" default:"5m" validate:"gte=0"`
	Currency            string        `envconfig:"CHECKOUT_CURRENCY" default:"usd" validate:"len=3"`
	ProductName         string        `envconfig:"CHECKOUT_PRODUCT_NAME" default:"Service Plan" validate:"required"`
}

// ContactsConfig holds the contact-management API credentials.
type ContactsConfig struct {
	APIToken   SecretString `envconfig:"CONTACTS_API_TOKEN"`
	LocationID string       `envconfig:"CONTACTS_LOCATION_ID"`
	APIBase    string       `envconfig:"CONTACTS_API_BASE" default:"https://services.leadconnectorhq.com" validate:"required,url"`
	APIVersion string       `envconfig:"CONTACTS_API_VERSION" default:"2021-07-28"`
}

// Enabled reports whether contact propagation is configured.
func (c ContactsConfig) Enabled() bool {
	return c.APIToken.IsSet() && strings.TrimSpace(c.LocationID) != ""
}

// TagConfig holds the tag vocabulary applied to upserted contacts.
type TagConfig struct {
	Subscriber string `envconfig:"TAG_SUBSCRIBER" default:"R4-Subscriber" validate:"required"`
	OneTime    string `envconfig:"TAG_ONE_TIME" default:"R4-One-Time" validate:"required"`
	SMSOptIn   string `envconfig:"TAG_SMS_OPT_IN" default:"SMS-Opt-In" validate:"required"`
}

// SecurityConfig holds CORS settings.
type SecurityConfig struct {
	CorsAllowedOrigins []string `envconfig:"CORS_ALLOWED_ORIGINS" default:"*"`
}

// AWSConfig holds AWS regional configuration and optional resources.
type AWSConfig struct {
	Region string `envconfig:"AWS_REGION" default:"us-east-1"`

	// Empty disables failed-propagation publishing.
	FailedPropagationQueueURL string `envconfig:"FAILED_PROPAGATION_QUEUE_URL" validate:"omitempty,url"`

	// LocalStack Support (Empty in Prod)
	EndpointURL string `envconfig:"AWS_ENDPOINT_URL" validate:"omitempty,url"`
}

// ObservabilityConfig holds telemetry settings.
type ObservabilityConfig struct {
	MetricNamespace string `envconfig:"METRIC_NAMESPACE" default:"CRMRelay"`
	EnableMetrics   bool   `envconfig:"ENABLE_METRICS" default:"false"`
}

// BuildInfo holds build-time metadata injected via ldflags.
type BuildInfo struct {
	Version   string
	Commit    string
	BuildTime string
}

// ConfigErrorType categorizes configuration loading failures.
type ConfigErrorType string

const (
	// ErrValidation indicates the configuration failed struct validation rules.
	ErrValidation ConfigErrorType = "VALIDATION_FAILED"
	// ErrParsing indicates a failure when parsing environment variable values
	// into their target types.
	ErrParsing ConfigErrorType = "PARSING_FAILED"
	// ErrDotenv indicates an explicitly requested dotenv file could not be read.
	ErrDotenv ConfigErrorType = "DOTENV_FAILED"
)
