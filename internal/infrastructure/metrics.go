package infrastructure

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel/attribute"
	otelprom "go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
)

// Metrics holds the counters the licensing core emits. All record
// methods are nil-receiver safe so tests and the admin CLI can run
// without a meter provider.
type Metrics struct {
	trialChecks      metric.Int64Counter
	creditsConsumed  metric.Int64Counter
	licensesIssued   metric.Int64Counter
	activations      metric.Int64Counter
	verifications    metric.Int64Counter
	suspiciousEvents metric.Int64Counter
}

// NewMetrics registers the meter instruments against a Prometheus
// exporter. The returned provider must be shut down with the process.
func NewMetrics() (*Metrics, *sdkmetric.MeterProvider, error) {
	exporter, err := otelprom.New()
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create prometheus exporter: %w", err)
	}

	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(exporter))
	meter := provider.Meter("keymint")

	m := &Metrics{}

	if m.trialChecks, err = meter.Int64Counter("keymint_trial_checks_total",
		metric.WithDescription("Trial eligibility checks, labelled by outcome")); err != nil {
		return nil, nil, err
	}
	if m.creditsConsumed, err = meter.Int64Counter("keymint_credits_consumed_total",
		metric.WithDescription("Trial credits consumed")); err != nil {
		return nil, nil, err
	}
	if m.licensesIssued, err = meter.Int64Counter("keymint_licenses_issued_total",
		metric.WithDescription("Licenses generated")); err != nil {
		return nil, nil, err
	}
	if m.activations, err = meter.Int64Counter("keymint_activations_total",
		metric.WithDescription("Activation attempts, labelled by outcome")); err != nil {
		return nil, nil, err
	}
	if m.verifications, err = meter.Int64Counter("keymint_verifications_total",
		metric.WithDescription("Offline token verifications, labelled by outcome")); err != nil {
		return nil, nil, err
	}
	if m.suspiciousEvents, err = meter.Int64Counter("keymint_suspicious_events_total",
		metric.WithDescription("Suspicious activity findings, labelled by kind")); err != nil {
		return nil, nil, err
	}

	return m, provider, nil
}

// RecordTrialCheck counts one eligibility check with its outcome.
func (m *Metrics) RecordTrialCheck(ctx context.Context, outcome string) {
	if m == nil {
		return
	}
	m.trialChecks.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", outcome)))
}

// RecordCreditConsumed counts one successful credit consumption.
func (m *Metrics) RecordCreditConsumed(ctx context.Context) {
	if m == nil {
		return
	}
	m.creditsConsumed.Add(ctx, 1)
}

// RecordLicenseIssued counts one generated license.
func (m *Metrics) RecordLicenseIssued(ctx context.Context, licenseType string) {
	if m == nil {
		return
	}
	m.licensesIssued.Add(ctx, 1, metric.WithAttributes(attribute.String("type", licenseType)))
}

// RecordActivation counts one activation attempt with its outcome.
func (m *Metrics) RecordActivation(ctx context.Context, outcome string) {
	if m == nil {
		return
	}
	m.activations.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", outcome)))
}

// RecordVerification counts one offline token verification.
func (m *Metrics) RecordVerification(ctx context.Context, outcome string) {
	if m == nil {
		return
	}
	m.verifications.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", outcome)))
}

// RecordSuspicious counts one suspicious activity finding.
func (m *Metrics) RecordSuspicious(ctx context.Context, kind string) {
	if m == nil {
		return
	}
	m.suspiciousEvents.Add(ctx, 1, metric.WithAttributes(attribute.String("kind", kind)))
}
