package authcore

import (
	"context"
	"fmt"

	"github.com/getsentry/sentry-go"
)

// SentrySink reports failed audit events to Sentry. Successful events are
// ignored; Sentry is for anomalies, not traffic.
type SentrySink struct {
	hub *sentry.Hub
}

// NewSentrySink wraps a Sentry hub. Pass sentry.CurrentHub() for the
// default client, or a dedicated hub to keep auth noise in its own scope.
func NewSentrySink(hub *sentry.Hub) *SentrySink {
	return &SentrySink{hub: hub}
}

// Emit reports the event when it marks a failure.
func (s *SentrySink) Emit(_ context.Context, event AuditEvent) {
	if s == nil || s.hub == nil || event.Success {
		return
	}

	s.hub.WithScope(func(scope *sentry.Scope) {
		scope.SetLevel(sentry.LevelWarning)
		scope.SetTag("event_type", event.EventType)
		if event.Error != "" {
			scope.SetTag("error_code", event.Error)
		}
		if event.AccountID != "" {
			scope.SetUser(sentry.User{ID: event.AccountID, IPAddress: event.IP})
		}
		for k, v := range event.Metadata {
			scope.SetExtra(k, v)
		}
		s.hub.CaptureMessage(fmt.Sprintf("authcore: %s failed", event.EventType))
	})
}
