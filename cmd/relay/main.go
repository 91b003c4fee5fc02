// Package main is the entry point for the CRM relay.
//
// It loads configuration, builds the Stripe and contacts clients, the
// reconciler and the propagator, and mounts the handlers on the core chassis.
//
// Inside AWS Lambda the router serves function-URL events through lambdaproxy.
// Everywhere else it runs as a standard HTTP server on the configured port
// with graceful shutdown on SIGINT and SIGTERM.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/aws/aws-lambda-go/lambda"
	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/cloudwatch"
	"github.com/aws/aws-sdk-go-v2/service/sqs"

	"crmrelay/internal/api/handlers"
	"crmrelay/internal/config"
	"crmrelay/internal/core"
	"crmrelay/internal/external"
	"crmrelay/internal/lambdaproxy"
	"crmrelay/internal/propagate"
	"crmrelay/internal/queue"
	"crmrelay/internal/reconcile"
	"crmrelay/internal/signature"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
		os.Exit(1)
	}
}

// awsClients carries the optional AWS collaborators. A nil field disables the
// matching feature.
type awsClients struct {
	sqs        queue.SQSSender
	cloudwatch core.CloudWatchClient
}

func run() error {
	cfg, err := config.LoadConfig()
	if err != nil {
		return fmt.Errorf("loading configuration: %w", err)
	}

	logger := newLogger(cfg.LogLevel)
	logger.Info("crm relay starting",
		"environment", cfg.Environment,
		"version", cfg.Build.Version,
		"commit", cfg.Build.Commit,
		"stripe_configured", cfg.Billing.StripeSecretKey.IsSet(),
		"webhook_configured", cfg.Billing.StripeWebhookSecret.IsSet(),
		"contacts_enabled", cfg.Contacts.Enabled(),
	)

	clients, err := newAWSClients(context.Background(), cfg)
	if err != nil {
		return err
	}

	srv, err := buildServer(cfg, logger, clients, &http.Client{Timeout: cfg.Server.HTTPClientTimeout})
	if err != nil {
		return fmt.Errorf("creating server: %w", err)
	}

	if isLambdaEnvironment() {
		logger.Info("serving Lambda function URL events")
		lambda.Start(lambdaproxy.New(srv.Router(), logger).Handle)
		return nil
	}

	return runHTTPServer(srv, cfg, logger)
}

// newAWSClients loads the SDK config only when a feature needs it.
func newAWSClients(ctx context.Context, cfg *config.Config) (awsClients, error) {
	var clients awsClients
	if cfg.AWS.FailedPropagationQueueURL == "" && !cfg.Observability.EnableMetrics {
		return clients, nil
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.AWS.Region))
	if err != nil {
		return clients, fmt.Errorf("loading AWS SDK config: %w", err)
	}

	endpoint := cfg.AWS.EndpointURL
	if cfg.AWS.FailedPropagationQueueURL != "" {
		clients.sqs = sqs.NewFromConfig(awsCfg, func(o *sqs.Options) {
			if endpoint != "" {
				o.BaseEndpoint = aws.String(endpoint)
			}
		})
	}
	if cfg.Observability.EnableMetrics {
		clients.cloudwatch = cloudwatch.NewFromConfig(awsCfg, func(o *cloudwatch.Options) {
			if endpoint != "" {
				o.BaseEndpoint = aws.String(endpoint)
			}
		})
	}
	return clients, nil
}

// buildServer wires every component onto a mounted core.Server.
func buildServer(cfg *config.Config, logger *slog.Logger, clients awsClients, httpClient *http.Client) (*core.Server, error) {
	srv, err := core.NewServer(cfg, logger)
	if err != nil {
		return nil, err
	}

	var billing external.BillingService = external.NewStripeClient(httpClient, external.StripeClientConfig{
		SecretKey: cfg.Billing.StripeSecretKey,
		BaseURL:   cfg.Billing.StripeAPIBase,
		Logger:    logger,
	})
	var contacts external.ContactService = external.NewContactsClient(httpClient, external.ContactsClientConfig{
		Token:      cfg.Contacts.APIToken,
		LocationID: cfg.Contacts.LocationID,
		BaseURL:    cfg.Contacts.APIBase,
		APIVersion: cfg.Contacts.APIVersion,
		Logger:     logger,
	})

	var propagateOpts []propagate.Option
	if clients.sqs != nil && cfg.AWS.FailedPropagationQueueURL != "" {
		propagateOpts = append(propagateOpts,
			propagate.WithFailureSink(queue.NewFailurePublisher(clients.sqs, cfg.AWS.FailedPropagationQueueURL, logger)))
	}
	if clients.cloudwatch != nil {
		metrics := core.NewCloudWatchMetrics(clients.cloudwatch, cfg.Observability.MetricNamespace, logger)
		srv.Metrics = metrics
		propagateOpts = append(propagateOpts, propagate.WithMetrics(metrics))
	}

	reconciler := reconcile.NewReconciler(billing, reconcile.Tags{
		Subscriber: cfg.Tags.Subscriber,
		OneTime:    cfg.Tags.OneTime,
		SMSOptIn:   cfg.Tags.SMSOptIn,
	}, logger)
	propagator := propagate.NewPropagator(billing, contacts, logger, propagateOpts...)

	checkout := handlers.NewCheckoutHandler(billing, srv.Validator, handlers.CheckoutConfig{
		Currency:      cfg.Billing.Currency,
		ProductName:   cfg.Billing.ProductName,
		PublicSiteURL: cfg.Server.PublicSiteURL,
	}, logger)
	portal := handlers.NewPortalHandler(billing, srv.Validator, cfg.Server.PublicSiteURL, logger)
	contact := handlers.NewContactHandler(billing, reconciler, logger)
	webhook := handlers.NewStripeWebhookHandler(
		signature.NewVerifier(cfg.Billing.WebhookTolerance),
		cfg.Billing.StripeWebhookSecret,
		reconciler,
		propagator,
		logger,
	)

	srv.APIRouteRegistrars = append(srv.APIRouteRegistrars,
		checkout.RegisterRoutes,
		portal.RegisterRoutes,
		contact.RegisterRoutes,
		webhook.RegisterRoutes,
	)

	srv.HealthProbes = append(srv.HealthProbes,
		core.ProbeFunc("stripe", func(context.Context) error {
			if !billing.Configured() {
				return errors.New("STRIPE_SECRET_KEY is not set")
			}
			if !cfg.Billing.StripeWebhookSecret.IsSet() {
				return errors.New("STRIPE_WEBHOOK_SECRET is not set")
			}
			return nil
		}),
	)

	srv.MountRoutes()
	return srv, nil
}

// isLambdaEnvironment reports whether the process runs inside AWS Lambda.
func isLambdaEnvironment() bool {
	_, hasRuntimeAPI := os.LookupEnv("AWS_LAMBDA_RUNTIME_API")
	_, hasServerPort := os.LookupEnv("_LAMBDA_SERVER_PORT")
	return hasRuntimeAPI || hasServerPort
}

// runHTTPServer serves until SIGINT/SIGTERM, then drains for up to 10s.
func runHTTPServer(srv *core.Server, cfg *config.Config, logger *slog.Logger) error {
	addr := ":" + cfg.Server.Port

	httpServer := &http.Server{
		Addr:              addr,
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      35 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	serverErr := make(chan error, 1)
	go func() {
		logger.Info("HTTP server listening", "addr", addr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
		close(serverErr)
	}()

	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-shutdown:
		logger.Info("shutdown signal received", "signal", sig.String())
	case err := <-serverErr:
		if err != nil {
			return fmt.Errorf("server error: %w", err)
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := httpServer.Shutdown(ctx); err != nil {
		logger.Error("HTTP server shutdown error", "error", err)
		return fmt.Errorf("server shutdown: %w", err)
	}

	logger.Info("server stopped cleanly")
	return nil
}

// newLogger creates a JSON slog.Logger at the given level.
func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	switch level {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}

	return slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: lvl}))
}
