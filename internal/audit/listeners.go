package audit

import (
	"context"
	"time"

	"github.com/diagnosis/bus-reserve/internal/domain"
	"github.com/diagnosis/bus-reserve/internal/platform/mailer"
	"github.com/diagnosis/bus-reserve/pkg/events"
	"github.com/diagnosis/bus-reserve/pkg/logger"
)

// EventForwarder publishes every audit event on audit.<category>.<name>.
func EventForwarder(pub events.Publisher) Listener {
	return func(ev domain.AuditEvent) {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if err := pub.Publish(ctx, events.AuditSubject(string(ev.EventType)), ev); err != nil {
			logger.Warn("Failed to publish audit event", "event_type", ev.EventType, "error", err)
		}
	}
}

// AlertListener mails events at or above min to recipient. Sending happens in
// the background so a slow mail API never blocks the caller.
func AlertListener(m mailer.Service, recipient string, min domain.Severity) Listener {
	return func(ev domain.AuditEvent) {
		if recipient == "" || !ev.Severity.AtLeast(min) {
			return
		}
		go func() {
			if err := m.SendAuditAlert(recipient, ev); err != nil {
				logger.Error("Failed to send audit alert", "event_id", ev.ID, "error", err)
			}
		}()
	}
}
