package telemetry

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Rotation outcomes recorded on the rotations counter.
const (
	OutcomeSuccess  = "success"
	OutcomeInvalid  = "invalid"
	OutcomeExpired  = "expired"
	OutcomeReuse    = "reuse"
	OutcomeMismatch = "mismatch"
	OutcomeError    = "error"
)

// Metrics holds the token counters. A nil *Metrics records nothing.
type Metrics struct {
	rotations metric.Int64Counter
	revoked   metric.Int64Counter
}

// NewMetrics registers the counters on meter.
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	rotations, err := meter.Int64Counter("quelyos.refresh.rotations",
		metric.WithDescription("Refresh token rotation attempts by outcome."),
		metric.WithUnit("{rotation}"))
	if err != nil {
		return nil, err
	}
	revoked, err := meter.Int64Counter("quelyos.refresh.revoked",
		metric.WithDescription("Refresh tokens revoked by family revocation."),
		metric.WithUnit("{token}"))
	if err != nil {
		return nil, err
	}
	return &Metrics{rotations: rotations, revoked: revoked}, nil
}

// RecordRotation counts one rotation attempt with the given outcome.
func (m *Metrics) RecordRotation(ctx context.Context, outcome string) {
	if m == nil {
		return
	}
	m.rotations.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", outcome)))
}

// RecordRevoked adds n family-revoked tokens. Non-positive n is ignored.
func (m *Metrics) RecordRevoked(ctx context.Context, n int64) {
	if m == nil || n <= 0 {
		return
	}
	m.revoked.Add(ctx, n)
}
