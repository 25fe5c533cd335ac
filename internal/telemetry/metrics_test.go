package telemetry

import (
	"context"
	"testing"

	"go.opentelemetry.io/otel/attribute"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
)

func collect(t *testing.T, reader *sdkmetric.ManualReader) map[string]metricdata.Sum[int64] {
	t.Helper()
	var rm metricdata.ResourceMetrics
	if err := reader.Collect(context.Background(), &rm); err != nil {
		t.Fatalf("Collect: %v", err)
	}
	out := make(map[string]metricdata.Sum[int64])
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			if sum, ok := m.Data.(metricdata.Sum[int64]); ok {
				out[m.Name] = sum
			}
		}
	}
	return out
}

func TestMetrics_Record(t *testing.T) {
	reader := sdkmetric.NewManualReader()
	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	defer func() { _ = provider.Shutdown(context.Background()) }()

	m, err := NewMetrics(provider.Meter("test"))
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}
	ctx := context.Background()
	m.RecordRotation(ctx, OutcomeSuccess)
	m.RecordRotation(ctx, OutcomeSuccess)
	m.RecordRotation(ctx, OutcomeReuse)
	m.RecordRevoked(ctx, 4)
	m.RecordRevoked(ctx, 0)

	sums := collect(t, reader)

	rotations, ok := sums["quelyos.refresh.rotations"]
	if !ok {
		t.Fatal("rotations counter not collected")
	}
	byOutcome := make(map[string]int64)
	for _, dp := range rotations.DataPoints {
		v, _ := dp.Attributes.Value(attribute.Key("outcome"))
		byOutcome[v.AsString()] = dp.Value
	}
	if byOutcome[OutcomeSuccess] != 2 || byOutcome[OutcomeReuse] != 1 {
		t.Errorf("rotations by outcome = %v", byOutcome)
	}

	revoked, ok := sums["quelyos.refresh.revoked"]
	if !ok || len(revoked.DataPoints) != 1 || revoked.DataPoints[0].Value != 4 {
		t.Errorf("revoked = %+v, want single point of 4", revoked.DataPoints)
	}
}

func TestMetrics_NilIsNoop(t *testing.T) {
	var m *Metrics
	m.RecordRotation(context.Background(), OutcomeError)
	m.RecordRevoked(context.Background(), 3)
}
