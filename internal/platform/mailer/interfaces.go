package mailer

import "github.com/diagnosis/bus-reserve/internal/domain"

type Service interface {
	Send(toEmail, toName, subject, text, html string) (string, error)
	SendAuditAlert(toEmail string, ev domain.AuditEvent) error
}
