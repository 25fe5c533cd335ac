// Package producer publishes security events to a message broker (Kafka) for the Loki worker.
package producer

import (
	"context"

	"quelyos-auth/internal/telemetry"
)

// Producer emits security events. Callers use it best-effort: log and ignore errors.
type Producer interface {
	// Emit sends a single event. Implementations may block briefly; call via telemetry.EmitAsync on request paths.
	Emit(ctx context.Context, event *telemetry.SecurityEvent) error
	// Close flushes and releases resources. Safe to call if already closed.
	Close() error
}
