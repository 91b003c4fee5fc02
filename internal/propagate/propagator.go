// Package propagate pushes a Reconciliation to the payment provider's customer
// metadata and to the contact system. Both calls are best effort and run
// concurrently; neither gates the other.
package propagate

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"crmrelay/internal/reconcile"
	"crmrelay/internal/types"
)

// Targets identify the two downstream systems in logs, metrics and the
// failure queue.
const (
	TargetCustomerMetadata = "customer_metadata"
	TargetContacts         = "contacts"
)

// Result values recorded per target.
const (
	ResultSuccess = "success"
	ResultSkipped = "skipped"
	ResultFailure = "failure"
)

// MetadataUpdater writes customer metadata on the payment provider.
type MetadataUpdater interface {
	UpdateCustomerMetadata(ctx context.Context, customerID string, metadata map[string]string) error
}

// ContactUpserter creates or updates a contact. Enabled is false when the
// contact system has no credentials.
type ContactUpserter interface {
	Enabled() bool
	Upsert(ctx context.Context, contact *types.ContactRecord) (string, error)
}

// FailureSink receives failed propagations for manual replay.
type FailureSink interface {
	PublishFailure(ctx context.Context, f types.FailedPropagation) error
}

// Metrics records one outcome per target.
type Metrics interface {
	RecordPropagation(ctx context.Context, target, result string)
}

// Report is the explicit outcome of one Propagate call.
type Report struct {
	MetadataSkipped bool
	MetadataErr     error
	ContactSkipped  bool
	ContactID       string
	ContactErr      error
}

// Err joins the per-target errors, or returns nil when both calls succeeded
// or were skipped.
func (r *Report) Err() error {
	return errors.Join(r.MetadataErr, r.ContactErr)
}

// Propagator fans a Reconciliation out to both downstream systems.
type Propagator struct {
	billing  MetadataUpdater
	contacts ContactUpserter
	failures FailureSink
	metrics  Metrics
	logger   *slog.Logger
	now      func() time.Time
}

// Option configures optional Propagator collaborators.
type Option func(*Propagator)

// WithFailureSink publishes every failed call to sink.
func WithFailureSink(sink FailureSink) Option {
	return func(p *Propagator) { p.failures = sink }
}

// WithMetrics records per-target outcomes.
func WithMetrics(m Metrics) Option {
	return func(p *Propagator) { p.metrics = m }
}

// WithClock overrides the failure timestamp source.
func WithClock(now func() time.Time) Option {
	return func(p *Propagator) { p.now = now }
}

// NewPropagator creates a Propagator. contacts may be nil, which disables
// contact upserts.
func NewPropagator(billing MetadataUpdater, contacts ContactUpserter, logger *slog.Logger, opts ...Option) *Propagator {
	if logger == nil {
		logger = slog.Default()
	}
	p := &Propagator{
		billing:  billing,
		contacts: contacts,
		logger:   logger,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Propagate runs the metadata update and the contact upsert concurrently and
// waits for both. Failures are logged, queued and returned in the Report; it
// never short-circuits one call because the other failed.
func (p *Propagator) Propagate(ctx context.Context, rec *types.Reconciliation) *Report {
	report := &Report{}
	if rec == nil {
		report.MetadataSkipped = true
		report.ContactSkipped = true
		return report
	}

	logger := types.LoggerFromContext(ctx, p.logger).With(
		"event_id", rec.EventID,
		"event_type", string(rec.EventKind),
		"customer_id", rec.CustomerID,
	)

	var mu sync.Mutex
	g, gCtx := errgroup.WithContext(ctx)

	g.Go(func() error {
		skipped, err := p.updateMetadata(gCtx, rec)
		mu.Lock()
		report.MetadataSkipped = skipped
		report.MetadataErr = err
		mu.Unlock()
		p.finish(ctx, logger, rec, TargetCustomerMetadata, skipped, err)
		// Errors stay in the report so the sibling call is not cancelled.
		return nil
	})

	g.Go(func() error {
		id, skipped, err := p.upsertContact(gCtx, rec)
		mu.Lock()
		report.ContactID = id
		report.ContactSkipped = skipped
		report.ContactErr = err
		mu.Unlock()
		p.finish(ctx, logger, rec, TargetContacts, skipped, err)
		return nil
	})

	_ = g.Wait()
	return report
}

func (p *Propagator) updateMetadata(ctx context.Context, rec *types.Reconciliation) (bool, error) {
	if p.billing == nil || rec.CustomerID == "" {
		return true, nil
	}
	md := reconcile.CleanMetadata(rec.Metadata)
	if len(md) == 0 {
		return true, nil
	}
	return false, p.billing.UpdateCustomerMetadata(ctx, rec.CustomerID, md)
}

func (p *Propagator) upsertContact(ctx context.Context, rec *types.Reconciliation) (string, bool, error) {
	if p.contacts == nil || !p.contacts.Enabled() || !rec.Contact.Identifiable() {
		return "", true, nil
	}
	id, err := p.contacts.Upsert(ctx, rec.Contact)
	return id, false, err
}

func (p *Propagator) finish(ctx context.Context, logger *slog.Logger, rec *types.Reconciliation, target string, skipped bool, err error) {
	result := ResultSuccess
	switch {
	case err != nil:
		result = ResultFailure
		attrs := []any{"target", target, "error", err.Error()}
		var appErr *types.AppError
		if errors.As(err, &appErr) {
			attrs = append(attrs, "code", string(appErr.Code))
			if s, ok := appErr.Details["status"]; ok {
				attrs = append(attrs, "status", s)
			}
			if b, ok := appErr.Details["body"]; ok {
				attrs = append(attrs, "body", b)
			}
		}
		logger.ErrorContext(ctx, "propagation failed", attrs...)
		p.publish(ctx, logger, rec, target, err)
	case skipped:
		result = ResultSkipped
		logger.DebugContext(ctx, "propagation skipped", "target", target)
	default:
		logger.InfoContext(ctx, "propagation succeeded", "target", target)
	}

	if p.metrics != nil {
		p.metrics.RecordPropagation(ctx, target, result)
	}
}

func (p *Propagator) publish(ctx context.Context, logger *slog.Logger, rec *types.Reconciliation, target string, cause error) {
	if p.failures == nil {
		return
	}
	f := types.FailedPropagation{
		EventID:    rec.EventID,
		EventType:  string(rec.EventKind),
		Target:     target,
		CustomerID: rec.CustomerID,
		Error:      cause.Error(),
		FailedAt:   p.now().UTC(),
	}
	if err := p.failures.PublishFailure(ctx, f); err != nil {
		logger.WarnContext(ctx, "failed to queue failed propagation",
			"target", target,
			"error", err.Error(),
		)
	}
}
