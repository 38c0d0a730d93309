package store

import (
	"context"
	"log/slog"
)

// LogSecurityEventSink dispatches security events to the request-scoped
// slog logger. A production deployment would instead forward these to a
// SIEM; this adapter keeps the module runnable standalone.
type LogSecurityEventSink struct{}

func (LogSecurityEventSink) Dispatch(ctx context.Context, event SecurityEvent) {
	slog.InfoContext(ctx, "security event",
		"kind", event.Kind,
		"client_id", event.ClientID,
		"service_id", event.ServiceID,
		"reason", event.Reason,
	)
}
