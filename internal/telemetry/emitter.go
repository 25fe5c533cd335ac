package telemetry

import (
	"context"
	"errors"
)

// EventEmitter emits security events (e.g. to OTel Logs or Kafka). Best-effort; callers log and ignore errors.
type EventEmitter interface {
	Emit(ctx context.Context, event *SecurityEvent) error
}

// Multi fans an event out to every non-nil emitter. All emitters are tried; their errors are joined.
// Returns nil when no emitter is left.
func Multi(emitters ...EventEmitter) EventEmitter {
	var live []EventEmitter
	for _, e := range emitters {
		if e != nil {
			live = append(live, e)
		}
	}
	switch len(live) {
	case 0:
		return nil
	case 1:
		return live[0]
	}
	return multiEmitter(live)
}

type multiEmitter []EventEmitter

func (m multiEmitter) Emit(ctx context.Context, event *SecurityEvent) error {
	var errs []error
	for _, e := range m {
		if err := e.Emit(ctx, event); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
