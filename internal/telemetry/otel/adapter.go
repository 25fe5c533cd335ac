package otel

import (
	"context"
	"time"

	otellog "go.opentelemetry.io/otel/log"
	sdklog "go.opentelemetry.io/otel/sdk/log"

	"quelyos-auth/internal/telemetry"
)

// scopeName is the instrumentation scope of security event log records.
const scopeName = "quelyos.security"

// recordEmitter is the part of otellog.Logger the adapter needs.
type recordEmitter interface {
	Emit(ctx context.Context, rec otellog.Record)
}

// NewEventEmitter returns an EventEmitter that sends events as OTel log records via the given LoggerProvider.
// If provider is nil, returns a no-op emitter.
func NewEventEmitter(provider *sdklog.LoggerProvider) telemetry.EventEmitter {
	if provider == nil {
		return noopEmitter{}
	}
	return NewEventEmitterWithLogger(provider.Logger(scopeName))
}

// NewEventEmitterWithLogger returns an EventEmitter writing to logger. Used by tests to capture records.
func NewEventEmitterWithLogger(logger recordEmitter) telemetry.EventEmitter {
	return &otelEmitter{logger: logger}
}

type noopEmitter struct{}

func (noopEmitter) Emit(context.Context, *telemetry.SecurityEvent) error { return nil }

type otelEmitter struct {
	logger recordEmitter
}

// Emit converts the security event to an OTel log record and emits it.
func (e *otelEmitter) Emit(ctx context.Context, event *telemetry.SecurityEvent) error {
	if event == nil {
		return nil
	}
	rec := otellog.Record{}
	rec.SetEventName(event.EventType)
	if !event.CreatedAt.IsZero() {
		rec.SetTimestamp(event.CreatedAt)
	} else {
		rec.SetTimestamp(time.Now().UTC())
	}
	rec.SetObservedTimestamp(time.Now().UTC())

	sev, text := severity(event.Severity)
	rec.SetSeverity(sev)
	rec.SetSeverityText(text)

	if len(event.Metadata) > 0 {
		rec.SetBody(otellog.StringValue(string(event.Metadata)))
	} else {
		rec.SetBody(otellog.StringValue(event.EventType))
	}

	attrs := []otellog.KeyValue{otellog.String("event_type", event.EventType)}
	if event.ID != "" {
		attrs = append(attrs, otellog.String("event_id", event.ID))
	}
	if event.UserID != 0 {
		attrs = append(attrs, otellog.Int64("user_id", event.UserID))
	}
	if event.CompanyID != 0 {
		attrs = append(attrs, otellog.Int64("company_id", event.CompanyID))
	}
	if event.Source != "" {
		attrs = append(attrs, otellog.String("source", event.Source))
	}
	if event.TokenFingerprint != "" {
		attrs = append(attrs, otellog.String("token_fingerprint", event.TokenFingerprint))
	}
	if event.IPAddress != "" {
		attrs = append(attrs, otellog.String("ip_address", event.IPAddress))
	}
	rec.AddAttributes(attrs...)

	e.logger.Emit(ctx, rec)
	return nil
}

func severity(s string) (otellog.Severity, string) {
	if s == telemetry.SeverityWarn {
		return otellog.SeverityWarn, "WARN"
	}
	return otellog.SeverityInfo, "INFO"
}
