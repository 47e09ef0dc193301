package mailer

import (
	"github.com/diagnosis/bus-reserve/internal/domain"
	"github.com/diagnosis/bus-reserve/pkg/logger"
)

// DevMailer writes emails to the log instead of sending them.
type DevMailer struct{}

func NewDevMailer() *DevMailer {
	return &DevMailer{}
}

func (d *DevMailer) Send(toEmail, toName, subject, text, html string) (string, error) {
	logger.Info("[DEV MAIL] Email",
		"to", toEmail,
		"name", toName,
		"subject", subject,
		"text", text,
	)
	return "dev", nil
}

func (d *DevMailer) SendAuditAlert(toEmail string, ev domain.AuditEvent) error {
	subject, text := alertContent(ev)
	_, err := d.Send(toEmail, "", subject, text, "")
	return err
}

var (
	_ Service = (*DevMailer)(nil)
	_ Service = (*Mailer)(nil)
)
